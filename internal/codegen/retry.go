package codegen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"toolguard/internal/logging"
)

// RetryConfig bounds retries of capability errors.
type RetryConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultRetryConfig returns conservative retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BackoffBase: time.Second, BackoffMax: 30 * time.Second}
}

// Retrying retries retryable CapabilityErrors with exponential backoff.
// Any other error, and any context error, is returned immediately.
type Retrying struct {
	next  Generator
	cfg   RetryConfig
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrying wraps next.
func NewRetrying(next Generator, cfg RetryConfig) *Retrying {
	return &Retrying{next: next, cfg: cfg, sleep: sleepContext}
}

func (r *Retrying) Generate(ctx context.Context, p Prompt) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		text, err := r.next.Generate(ctx, p)
		if err == nil {
			return text, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		var ce *CapabilityError
		if !errors.As(err, &ce) || !ce.Retryable {
			return "", err
		}
		lastErr = err
		if attempt == r.cfg.MaxRetries {
			break
		}

		backoff := r.backoff(attempt)
		logging.APIWarn("%s [%s] attempt %d/%d failed: %v (retrying in %v)", p.Purpose, p.Tool, attempt+1, r.cfg.MaxRetries+1, err, backoff)
		if err := r.sleep(ctx, backoff); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", r.cfg.MaxRetries+1, lastErr)
}

func (r *Retrying) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return r.cfg.BackoffMax
	}
	d := r.cfg.BackoffBase << uint(attempt)
	if d <= 0 || (r.cfg.BackoffMax > 0 && d > r.cfg.BackoffMax) {
		d = r.cfg.BackoffMax
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
