package codegen

import (
	"context"
	"fmt"

	"toolguard/internal/config"
	"toolguard/internal/logging"
)

// Stack is the generator chain used by a run: tracing, retry, the global
// semaphore and the provider, outermost first.
type Stack struct {
	Generator Generator
	Tracing   *Tracing
	Limited   *Limited
}

// NewProvider builds the provider generator named by cfg.LLM.Provider.
func NewProvider(ctx context.Context, cfg *config.Config) (Generator, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return NewAnthropic(AnthropicConfig{
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			BaseURL:     cfg.LLM.BaseURL,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		})
	case "gemini":
		return NewGemini(ctx, GeminiConfig{
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		})
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.LLM.Provider)
	}
}

// Wrap assembles the standard chain around a provider.
func Wrap(provider Generator, cfg *config.Config, sink TraceSink) *Stack {
	limited := NewLimited(provider, cfg.Pipeline.MaxConcurrentCalls)
	retrying := NewRetrying(limited, RetryConfig{
		MaxRetries:  cfg.Retry.MaxRetries,
		BackoffBase: cfg.GetBackoffBase(),
		BackoffMax:  cfg.GetBackoffMax(),
	})
	tracing := NewTracing(retrying, sink)
	logging.Boot("generator: provider=%s model=%s max_concurrent_calls=%d max_retries=%d",
		cfg.LLM.Provider, cfg.LLM.Model, cfg.Pipeline.MaxConcurrentCalls, cfg.Retry.MaxRetries)
	return &Stack{Generator: tracing, Tracing: tracing, Limited: limited}
}
