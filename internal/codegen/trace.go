package codegen

import (
	"context"
	"sync/atomic"
	"time"

	"toolguard/internal/logging"
)

// Trace records one generator interaction.
type Trace struct {
	Purpose  string
	Tool     string
	System   string
	User     string
	Response string
	Err      string
	Duration time.Duration
	At       time.Time
}

// TraceSink persists traces. Implementations must be safe for concurrent use.
type TraceSink interface {
	RecordTrace(ctx context.Context, t Trace) error
}

// Tracing logs and counts every call, and optionally forwards traces to a sink.
type Tracing struct {
	next     Generator
	sink     TraceSink
	calls    atomic.Int64
	failures atomic.Int64
}

// NewTracing wraps next. sink may be nil.
func NewTracing(next Generator, sink TraceSink) *Tracing {
	return &Tracing{next: next, sink: sink}
}

func (t *Tracing) Generate(ctx context.Context, p Prompt) (string, error) {
	start := time.Now()
	text, err := t.next.Generate(ctx, p)
	elapsed := time.Since(start)

	t.calls.Add(1)
	tr := Trace{Purpose: p.Purpose, Tool: p.Tool, System: p.System, User: p.User, Response: text, Duration: elapsed, At: start}
	if err != nil {
		t.failures.Add(1)
		tr.Err = err.Error()
		logging.APIWarn("%s [%s] failed after %v: %v", p.Purpose, p.Tool, elapsed, err)
	} else {
		logging.API("%s [%s] ok in %v (prompt=%d chars, response=%d chars)", p.Purpose, p.Tool, elapsed, len(p.System)+len(p.User), len(text))
	}
	if t.sink != nil {
		if serr := t.sink.RecordTrace(context.WithoutCancel(ctx), tr); serr != nil {
			logging.APIWarn("failed to record trace: %v", serr)
		}
	}
	return text, err
}

// Stats returns total and failed call counts.
func (t *Tracing) Stats() (calls, failures int) {
	return int(t.calls.Load()), int(t.failures.Load())
}
