package repair

import (
	"context"
	"errors"
	"fmt"
	"time"

	"toolguard/internal/codegen"
	"toolguard/internal/logging"
	"toolguard/internal/synth"
	"toolguard/internal/verify"
)

// State is a machine state.
type State string

const (
	StatePending    State = "pending"
	StateGenerating State = "generating"
	StateVerifying  State = "verifying"
	StatePassed     State = "passed"
	StateExhausted  State = "exhausted"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StatePassed, StateExhausted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Synthesizer produces a candidate guard.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synth.Request) (string, error)
}

// Verifier reviews a candidate guard.
type Verifier interface {
	Verify(ctx context.Context, source, toolName string) []verify.ReviewComment
}

// ArtifactStore persists terminal artifacts keyed by tool name.
type ArtifactStore interface {
	Save(a *GuardArtifact) (string, error)
	LoadPassed(tool string) (*GuardArtifact, error)
}

// Limits bound one machine.
type Limits struct {
	MaxIterations   int
	GenerateTimeout time.Duration
	VerifyTimeout   time.Duration
}

// Machine is the per-tool repair state machine:
//
//	Pending -> Generating -> Verifying -> Passed | Generating | Exhausted
//
// with Failed for unrecoverable local errors and Cancelled when the run's
// context ends. A generation failure skips Verifying.
type Machine struct {
	state    State
	artifact *GuardArtifact
	request  synth.Request
	limits   Limits

	synth    Synthesizer
	verifier Verifier
	store    ArtifactStore

	candidate string
	path      string
	now       func() time.Time
}

// NewMachine creates a machine for req.Tool. store may be nil.
func NewMachine(req synth.Request, limits Limits, s Synthesizer, v Verifier, store ArtifactStore) *Machine {
	if limits.MaxIterations < 1 {
		limits.MaxIterations = 1
	}
	return &Machine{
		state: StatePending,
		artifact: &GuardArtifact{
			ToolName:      req.Tool.Name,
			FuncName:      req.Tool.GuardName(),
			Status:        StatusPending,
			MaxIterations: limits.MaxIterations,
			PolicyText:    req.PolicyText,
		},
		request:  req,
		limits:   limits,
		synth:    s,
		verifier: v,
		store:    store,
		now:      time.Now,
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Artifact returns the machine's artifact.
func (m *Machine) Artifact() *GuardArtifact { return m.artifact }

// Path returns where the artifact was persisted, if it was.
func (m *Machine) Path() string { return m.path }

// Run steps the machine until it reaches a terminal state.
func (m *Machine) Run(ctx context.Context) *GuardArtifact {
	for !m.state.Terminal() {
		m.Step(ctx)
	}
	return m.artifact
}

// Step performs one transition and returns the new state.
func (m *Machine) Step(ctx context.Context) State {
	if m.state.Terminal() {
		return m.state
	}
	if ctx.Err() != nil {
		return m.cancel(ctx.Err())
	}

	switch m.state {
	case StatePending:
		m.artifact.StartedAt = m.now()
		m.transition(StateGenerating)
	case StateGenerating:
		m.generate(ctx)
	case StateVerifying:
		m.verify(ctx)
	}
	return m.state
}

func (m *Machine) transition(to State) {
	logging.RepairDebug("%s: %s -> %s (iteration %d/%d)", m.artifact.ToolName, m.state, to, m.artifact.IterationCount, m.limits.MaxIterations)
	m.state = to
}

func (m *Machine) generate(ctx context.Context) {
	a := m.artifact
	a.IterationCount++

	req := m.request
	req.PriorSource = a.SourceCode
	req.Comments = a.ReviewHistory

	gctx, cancel := withTimeout(ctx, m.limits.GenerateTimeout)
	source, err := m.synth.Synthesize(gctx, req)
	timedOut := errors.Is(gctx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			m.cancel(ctx.Err())
			return
		}
		m.addComments(verify.ReviewComment{Source: verify.SourceGeneration, Message: m.generationMessage(err, timedOut)})
		logging.RepairWarn("%s: iteration %d generation failed: %v", a.ToolName, a.IterationCount, err)
		m.afterRejection()
		return
	}
	m.candidate = source
	m.transition(StateVerifying)
}

func (m *Machine) generationMessage(err error, timedOut bool) string {
	switch {
	case timedOut || errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("generation timed out after %v", m.limits.GenerateTimeout)
	case codegen.IsCapabilityError(err):
		return fmt.Sprintf("generator unavailable: %v", err)
	default:
		return fmt.Sprintf("generation failed: %v", err)
	}
}

func (m *Machine) verify(ctx context.Context) {
	a := m.artifact
	a.SourceCode = m.candidate

	vctx, cancel := withTimeout(ctx, m.limits.VerifyTimeout)
	defer cancel()

	// The interpreter cannot be preempted, so a verification that outlives
	// its deadline is abandoned.
	result := make(chan []verify.ReviewComment, 1)
	go func() {
		result <- m.verifier.Verify(vctx, m.candidate, a.ToolName)
	}()

	var comments []verify.ReviewComment
	select {
	case comments = <-result:
		if ctx.Err() != nil {
			m.cancel(ctx.Err())
			return
		}
	case <-vctx.Done():
		if ctx.Err() != nil {
			m.cancel(ctx.Err())
			return
		}
		comments = []verify.ReviewComment{{
			Source:  verify.SourceTest,
			Rule:    verify.RuleTimeout,
			Message: fmt.Sprintf("verification timed out after %v", m.limits.VerifyTimeout),
		}}
	}

	if verify.Passed(comments) {
		a.Status = StatusPassed
		m.finish(StatePassed)
		return
	}
	m.addComments(comments...)
	logging.Repair("%s: iteration %d rejected with %d comments", a.ToolName, a.IterationCount, len(comments))
	m.afterRejection()
}

func (m *Machine) afterRejection() {
	if m.artifact.IterationCount >= m.limits.MaxIterations {
		m.artifact.Status = StatusExhausted
		m.finish(StateExhausted)
		return
	}
	m.transition(StateGenerating)
}

func (m *Machine) addComments(comments ...verify.ReviewComment) {
	m.artifact.ReviewHistory = append(m.artifact.ReviewHistory, verify.WithIteration(comments, m.artifact.IterationCount)...)
}

// finish persists a Passed or Exhausted artifact. A write failure turns the
// outcome into Failed.
func (m *Machine) finish(to State) {
	a := m.artifact
	a.FinishedAt = m.now()
	if m.store != nil {
		path, err := m.store.Save(a)
		if err != nil {
			a.Status = StatusFailed
			a.Error = fmt.Sprintf("persist artifact: %v", err)
			logging.RepairWarn("%s: %s", a.ToolName, a.Error)
			m.transition(StateFailed)
			return
		}
		m.path = path
	}
	logging.Repair("%s: %s after %d iterations", a.ToolName, a.Status, a.IterationCount)
	m.transition(to)
}

func (m *Machine) cancel(cause error) State {
	a := m.artifact
	a.Status = StatusCancelled
	a.Error = cause.Error()
	a.FinishedAt = m.now()
	m.transition(StateCancelled)
	return m.state
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
