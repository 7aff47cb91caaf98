package codegen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiConfig controls a Gemini generator.
type GeminiConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Gemini calls the Gemini API through the genai SDK.
type Gemini struct {
	client      *genai.Client
	model       string
	maxTokens   int
	temperature float64
}

// NewGemini constructs a Gemini generator.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("gemini: model is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Gemini{client: client, model: model, maxTokens: maxTokens, temperature: cfg.Temperature}, nil
}

func (g *Gemini) Generate(ctx context.Context, p Prompt) (string, error) {
	maxTokens := g.maxTokens
	if p.MaxTokens > 0 {
		maxTokens = p.MaxTokens
	}
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(g.temperature)),
		MaxOutputTokens: int32(maxTokens),
	}
	if system := strings.TrimSpace(p.System); system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(p.User), cfg)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &CapabilityError{Provider: "gemini", Retryable: true, Err: fmt.Errorf("generate content: %w", err)}
	}
	out := strings.TrimSpace(resp.Text())
	if out == "" {
		return "", &CapabilityError{Provider: "gemini", Retryable: true, Err: ErrEmptyResponse}
	}
	return out, nil
}
