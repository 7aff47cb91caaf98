package codegen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig controls an Anthropic generator.
type AnthropicConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float64
}

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature float64
}

// NewAnthropic constructs an Anthropic generator from config.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("anthropic: model is required")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	// Retries are owned by the Retrying wrapper.
	opts = append(opts, option.WithMaxRetries(0))

	return &Anthropic{
		client:      anthropic.NewClient(opts...),
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (a *Anthropic) Generate(ctx context.Context, p Prompt) (string, error) {
	maxTokens := a.maxTokens
	if p.MaxTokens > 0 {
		maxTokens = p.MaxTokens
	}
	req := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(maxTokens),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(p.User))},
		Temperature: anthropic.Float(a.temperature),
	}
	if system := strings.TrimSpace(p.System); system != "" {
		req.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := a.client.Messages.New(ctx, req)
	if err != nil {
		return "", classifyAnthropic(ctx, err)
	}

	var reply strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			reply.WriteString(text.Text)
		}
	}
	out := strings.TrimSpace(reply.String())
	if out == "" {
		return "", &CapabilityError{Provider: "anthropic", Retryable: true, Err: ErrEmptyResponse}
	}
	return out, nil
}

// classifyAnthropic turns SDK errors into CapabilityErrors. Client errors
// other than rate limiting and timeouts are not retryable.
func classifyAnthropic(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	retryable := true
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
			retryable = true
		case code >= 400:
			retryable = false
		}
	}
	return &CapabilityError{Provider: "anthropic", Retryable: retryable, Err: fmt.Errorf("messages.new: %w", err)}
}
