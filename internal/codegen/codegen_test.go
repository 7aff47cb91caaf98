package codegen

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func noSleep(recorded *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*recorded = append(*recorded, d)
		return ctx.Err()
	}
}

func TestRetrying_RetriesCapabilityErrors(t *testing.T) {
	calls := 0
	gen := GeneratorFunc(func(ctx context.Context, p Prompt) (string, error) {
		calls++
		if calls < 3 {
			return "", &CapabilityError{Provider: "stub", Retryable: true, Err: errors.New("503")}
		}
		return "ok", nil
	})

	var sleeps []time.Duration
	r := NewRetrying(gen, RetryConfig{MaxRetries: 3, BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second})
	r.sleep = noSleep(&sleeps)

	out, err := r.Generate(context.Background(), Prompt{Purpose: "synth"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeps)
}

func TestRetrying_BackoffIsCapped(t *testing.T) {
	r := NewRetrying(nil, RetryConfig{MaxRetries: 10, BackoffBase: time.Second, BackoffMax: 5 * time.Second})
	assert.Equal(t, time.Second, r.backoff(0))
	assert.Equal(t, 4*time.Second, r.backoff(2))
	assert.Equal(t, 5*time.Second, r.backoff(3))
	assert.Equal(t, 5*time.Second, r.backoff(62))
}

func TestRetrying_GivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	cause := &CapabilityError{Provider: "stub", Retryable: true, Err: errors.New("overloaded")}
	gen := GeneratorFunc(func(ctx context.Context, p Prompt) (string, error) {
		calls++
		return "", cause
	})

	var sleeps []time.Duration
	r := NewRetrying(gen, RetryConfig{MaxRetries: 2, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond})
	r.sleep = noSleep(&sleeps)

	_, err := r.Generate(context.Background(), Prompt{})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, sleeps, 2)
	assert.True(t, IsCapabilityError(err))
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestRetrying_DoesNotRetryOtherErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"plain error", errors.New("bad prompt")},
		{"non-retryable capability", &CapabilityError{Provider: "stub", Retryable: false, Err: errors.New("401")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			gen := GeneratorFunc(func(ctx context.Context, p Prompt) (string, error) {
				calls++
				return "", tt.err
			})
			var sleeps []time.Duration
			r := NewRetrying(gen, DefaultRetryConfig())
			r.sleep = noSleep(&sleeps)

			_, err := r.Generate(context.Background(), Prompt{})
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, calls)
			assert.Empty(t, sleeps)
		})
	}
}

func TestRetrying_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := GeneratorFunc(func(ctx context.Context, p Prompt) (string, error) {
		cancel()
		return "", &CapabilityError{Provider: "stub", Retryable: true, Err: errors.New("reset")}
	})
	r := NewRetrying(gen, DefaultRetryConfig())

	_, err := r.Generate(ctx, Prompt{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLimited_BoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	var inFlight, maxSeen atomic.Int64
	gen := GeneratorFunc(func(ctx context.Context, p Prompt) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	})

	l := NewLimited(gen, 2)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Generate(context.Background(), Prompt{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int64(2))
	assert.LessOrEqual(t, l.Peak(), 2)
	assert.GreaterOrEqual(t, l.Peak(), 1)
}

func TestLimited_AcquireHonorsContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	gen := GeneratorFunc(func(ctx context.Context, p Prompt) (string, error) {
		<-release
		return "ok", nil
	})
	l := NewLimited(gen, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = l.Generate(context.Background(), Prompt{})
	}()
	require.Eventually(t, func() bool { return l.Peak() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.Generate(ctx, Prompt{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done
}

type memorySink struct {
	mu     sync.Mutex
	traces []Trace
}

func (m *memorySink) RecordTrace(ctx context.Context, tr Trace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traces = append(m.traces, tr)
	return nil
}

func TestTracing_CountsAndRecords(t *testing.T) {
	fail := true
	gen := GeneratorFunc(func(ctx context.Context, p Prompt) (string, error) {
		if fail {
			fail = false
			return "", errors.New("boom")
		}
		return "answer", nil
	})
	sink := &memorySink{}
	tr := NewTracing(gen, sink)

	_, err := tr.Generate(context.Background(), Prompt{Purpose: "synth", Tool: "cancel_reservation", User: "u"})
	require.Error(t, err)
	out, err := tr.Generate(context.Background(), Prompt{Purpose: "synth", Tool: "cancel_reservation", User: "u"})
	require.NoError(t, err)
	assert.Equal(t, "answer", out)

	calls, failures := tr.Stats()
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, failures)
	require.Len(t, sink.traces, 2)
	assert.Equal(t, "boom", sink.traces[0].Err)
	assert.Equal(t, "answer", sink.traces[1].Response)
	assert.Equal(t, "cancel_reservation", sink.traces[1].Tool)
}

func TestExtractFenced(t *testing.T) {
	tests := []struct {
		name string
		text string
		lang string
		want string
	}{
		{"tagged", "Here:\n```go\npackage a\n```\ndone", "go", "package a"},
		{"prefers tag", "```\nx\n```\n```go\npackage b\n```", "go", "package b"},
		{"untagged fallback", "```\npackage c\n```", "go", "package c"},
		{"no fence", "  package d  ", "go", "package d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractFenced(tt.text, tt.lang))
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Matches []struct {
			Tool string `json:"tool"`
		} `json:"matches"`
	}
	err := DecodeJSON("Sure!\n```json\n{\"matches\":[{\"tool\":\"cancel_reservation\"}]}\n```", &v)
	require.NoError(t, err)
	require.Len(t, v.Matches, 1)
	assert.Equal(t, "cancel_reservation", v.Matches[0].Tool)

	assert.ErrorIs(t, DecodeJSON("no json here", &v), ErrNoJSON)
	assert.Error(t, DecodeJSON("{not json}", &v))
}
