package repair

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"toolguard/internal/catalog"
	"toolguard/internal/codegen"
	"toolguard/internal/synth"
	"toolguard/internal/verify"
)

var cancelTool = catalog.ToolInfo{
	Name:       "cancel_reservation",
	Params:     []catalog.Param{{Name: "reservationID", Type: "string", Required: true}},
	ReturnType: "(Reservation, error)",
	Mutating:   true,
}

type stubSynth struct {
	mu       sync.Mutex
	requests []synth.Request

	SynthesizeFunc func(ctx context.Context, req synth.Request) (string, error)
}

func (s *stubSynth) Synthesize(ctx context.Context, req synth.Request) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.SynthesizeFunc(ctx, req)
}

func (s *stubSynth) calls() []synth.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]synth.Request(nil), s.requests...)
}

type stubVerifier struct {
	VerifyFunc func(ctx context.Context, source, tool string) []verify.ReviewComment
}

func (v *stubVerifier) Verify(ctx context.Context, source, tool string) []verify.ReviewComment {
	return v.VerifyFunc(ctx, source, tool)
}

type memStore struct {
	mu     sync.Mutex
	saved  map[string]*GuardArtifact
	passed map[string]*GuardArtifact
	err    error
}

func newMemStore() *memStore {
	return &memStore{saved: map[string]*GuardArtifact{}, passed: map[string]*GuardArtifact{}}
}

func (s *memStore) Save(a *GuardArtifact) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	cp := *a
	s.saved[a.ToolName] = &cp
	return "guards/" + a.ToolName + "/guard_" + a.ToolName + ".go", nil
}

func (s *memStore) LoadPassed(tool string) (*GuardArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passed[tool], nil
}

func (s *memStore) get(tool string) (*GuardArtifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.saved[tool]
	return a, ok
}

func sources(n *int) func(context.Context, synth.Request) (string, error) {
	return func(ctx context.Context, req synth.Request) (string, error) {
		*n++
		return "candidate", nil
	}
}

func failing(comments ...verify.ReviewComment) *stubVerifier {
	return &stubVerifier{VerifyFunc: func(ctx context.Context, source, tool string) []verify.ReviewComment {
		return comments
	}}
}

var gt005 = verify.ReviewComment{Source: verify.SourceLint, Rule: "GT005", Message: "calls mutating tool", Line: 4}

func newTestMachine(s Synthesizer, v Verifier, store ArtifactStore, max int) *Machine {
	req := synth.Request{Tool: cancelTool, PolicyText: "cancel within 24 hours"}
	return NewMachine(req, Limits{MaxIterations: max, GenerateTimeout: time.Second, VerifyTimeout: time.Second}, s, v, store)
}

func TestMachine_StepSequence(t *testing.T) {
	n := 0
	m := newTestMachine(&stubSynth{SynthesizeFunc: sources(&n)}, failing(), newMemStore(), 3)

	var states []State
	for !m.State().Terminal() {
		states = append(states, m.Step(context.Background()))
	}
	assert.Equal(t, []State{StateGenerating, StateVerifying, StatePassed}, states)
	assert.Equal(t, StatePassed, m.Step(context.Background()), "terminal states do not move")
	assert.Equal(t, 1, m.Artifact().IterationCount)
	assert.Equal(t, "GuardCancelReservation", m.Artifact().FuncName)
}

func TestMachine_RepairsUntilPassed(t *testing.T) {
	calls := 0
	v := &stubVerifier{VerifyFunc: func(ctx context.Context, source, tool string) []verify.ReviewComment {
		calls++
		if calls == 1 {
			return []verify.ReviewComment{gt005}
		}
		return nil
	}}
	s := &stubSynth{SynthesizeFunc: func(ctx context.Context, req synth.Request) (string, error) {
		return "candidate " + string(rune('0'+len(req.Comments))), nil
	}}
	store := newMemStore()

	a := newTestMachine(s, v, store, 3).Run(context.Background())
	assert.Equal(t, StatusPassed, a.Status)
	assert.Equal(t, 2, a.IterationCount)
	assert.Equal(t, "candidate 1", a.SourceCode)
	require.Len(t, a.ReviewHistory, 1)
	assert.Equal(t, 1, a.ReviewHistory[0].Iteration)

	reqs := s.calls()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].PriorSource)
	assert.Equal(t, "candidate 0", reqs[1].PriorSource)
	assert.Equal(t, []verify.ReviewComment{{Source: verify.SourceLint, Rule: "GT005", Message: "calls mutating tool", Line: 4, Iteration: 1}}, reqs[1].Comments)

	saved, ok := store.get("cancel_reservation")
	require.True(t, ok)
	assert.Equal(t, StatusPassed, saved.Status)
}

func TestMachine_ExhaustsBudget(t *testing.T) {
	n := 0
	store := newMemStore()
	a := newTestMachine(&stubSynth{SynthesizeFunc: sources(&n)}, failing(gt005), store, 3).Run(context.Background())

	assert.Equal(t, StatusExhausted, a.Status)
	assert.Equal(t, 3, a.IterationCount)
	assert.Equal(t, a.MaxIterations, a.IterationCount)
	assert.Equal(t, 3, n)
	assert.Len(t, a.ReviewHistory, 3)
	assert.Len(t, a.LatestComments(), 1)
	_, ok := store.get("cancel_reservation")
	assert.True(t, ok, "exhausted artifacts are persisted")
}

func TestMachine_GenerationFailuresBecomeComments(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		name    string
		synth   func(ctx context.Context, req synth.Request) (string, error)
		message string
	}{
		{
			name: "timeout",
			synth: func(ctx context.Context, req synth.Request) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
			message: "generation timed out after 20ms",
		},
		{
			name: "capability error",
			synth: func(ctx context.Context, req synth.Request) (string, error) {
				return "", &codegen.CapabilityError{Provider: "stub", Retryable: true, Err: errors.New("503")}
			},
			message: "generator unavailable",
		},
		{
			name: "generator error",
			synth: func(ctx context.Context, req synth.Request) (string, error) {
				return "", errors.New("empty completion")
			},
			message: "generation failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verified := false
			v := &stubVerifier{VerifyFunc: func(ctx context.Context, source, tool string) []verify.ReviewComment {
				verified = true
				return nil
			}}
			req := synth.Request{Tool: cancelTool}
			m := NewMachine(req, Limits{MaxIterations: 2, GenerateTimeout: 20 * time.Millisecond, VerifyTimeout: time.Second}, &stubSynth{SynthesizeFunc: tt.synth}, v, nil)

			a := m.Run(context.Background())
			assert.Equal(t, StatusExhausted, a.Status)
			assert.Equal(t, 2, a.IterationCount)
			assert.False(t, verified, "no candidate, nothing to verify")
			require.Len(t, a.ReviewHistory, 2)
			for i, c := range a.ReviewHistory {
				assert.Equal(t, verify.SourceGeneration, c.Source)
				assert.Contains(t, c.Message, tt.message)
				assert.Equal(t, i+1, c.Iteration)
			}
		})
	}
}

func TestMachine_VerificationTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	release := make(chan struct{})
	defer close(release)

	v := &stubVerifier{VerifyFunc: func(ctx context.Context, source, tool string) []verify.ReviewComment {
		<-release
		return nil
	}}
	n := 0
	req := synth.Request{Tool: cancelTool}
	m := NewMachine(req, Limits{MaxIterations: 1, VerifyTimeout: 20 * time.Millisecond}, &stubSynth{SynthesizeFunc: sources(&n)}, v, nil)

	a := m.Run(context.Background())
	assert.Equal(t, StatusExhausted, a.Status)
	require.Len(t, a.ReviewHistory, 1)
	assert.Equal(t, verify.SourceTest, a.ReviewHistory[0].Source)
	assert.Equal(t, "verification timed out after 20ms", a.ReviewHistory[0].Message)
}

func TestMachine_StoreFailureIsFailed(t *testing.T) {
	n := 0
	store := newMemStore()
	store.err = errors.New("disk full")
	m := newTestMachine(&stubSynth{SynthesizeFunc: sources(&n)}, failing(), store, 3)

	a := m.Run(context.Background())
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, StatusFailed, a.Status)
	assert.Contains(t, a.Error, "disk full")
}

func TestMachine_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := newMemStore()
	v := &stubVerifier{VerifyFunc: func(context.Context, string, string) []verify.ReviewComment {
		cancel()
		return []verify.ReviewComment{gt005}
	}}
	n := 0
	m := newTestMachine(&stubSynth{SynthesizeFunc: sources(&n)}, v, store, 5)

	a := m.Run(ctx)
	assert.Equal(t, StateCancelled, m.State())
	assert.Equal(t, StatusCancelled, a.Status)
	assert.Equal(t, 1, n)
	_, ok := store.get("cancel_reservation")
	assert.False(t, ok, "cancelled machines persist nothing")
}
