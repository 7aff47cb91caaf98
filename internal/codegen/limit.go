package codegen

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"toolguard/internal/logging"
)

// Limited bounds concurrent generator calls with a counting semaphore. One
// Limited is shared by every tool pipeline of a run.
type Limited struct {
	next     Generator
	sem      *semaphore.Weighted
	capacity int64
	active   atomic.Int64
	peak     atomic.Int64
}

// NewLimited wraps next with at most maxConcurrent in-flight calls.
func NewLimited(next Generator, maxConcurrent int) *Limited {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Limited{next: next, sem: semaphore.NewWeighted(int64(maxConcurrent)), capacity: int64(maxConcurrent)}
}

func (l *Limited) Generate(ctx context.Context, p Prompt) (string, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("waiting for generator slot: %w", err)
	}
	defer l.sem.Release(1)

	n := l.active.Add(1)
	defer l.active.Add(-1)
	for {
		peak := l.peak.Load()
		if n <= peak || l.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	logging.APIDebug("slot acquired for %s [%s] (%d/%d in flight)", p.Purpose, p.Tool, n, l.capacity)
	return l.next.Generate(ctx, p)
}

// Peak returns the highest number of concurrent calls observed.
func (l *Limited) Peak() int { return int(l.peak.Load()) }
