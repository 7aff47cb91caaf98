// Package codegen models the generative capability as an injectable
// Generator: given a structured prompt it returns text. Production
// generators call a model provider; tests use deterministic stubs.
// Wrappers add retry with backoff, a global concurrency limit and tracing.
package codegen

import (
	"context"
	"errors"
	"fmt"
)

// Prompt is one structured request to the generator.
type Prompt struct {
	Purpose   string // e.g. "map.short", "map.resolve", "synth"
	Tool      string // tool the request is about, if any
	System    string
	User      string
	MaxTokens int // 0 uses the provider default
}

// Generator is the generative capability.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, p Prompt) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}

// CapabilityError reports that the generator itself failed or was
// unreachable, as opposed to producing unusable text.
type CapabilityError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: generator unavailable: %v", e.Provider, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// IsCapabilityError reports whether err is (or wraps) a *CapabilityError.
func IsCapabilityError(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce)
}

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("empty response")
