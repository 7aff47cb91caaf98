// Package repair drives guard synthesis. Each tool with a policy item gets
// its own state machine that alternates generation and verification until
// the candidate passes or the iteration budget runs out; the Orchestrator
// maps the policy, runs the machines concurrently and reports outcomes.
package repair

import (
	"time"

	"toolguard/internal/verify"
)

// Status is the externally visible outcome of one tool's synthesis.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusExhausted Status = "exhausted"
	StatusCancelled Status = "cancelled"
)

// GuardArtifact is the synthesis record for one tool. A machine owns its
// artifact exclusively until it reaches a terminal state.
type GuardArtifact struct {
	ToolName       string                 `json:"tool"`
	FuncName       string                 `json:"func"`
	SourceCode     string                 `json:"-"`
	Status         Status                 `json:"status"`
	IterationCount int                    `json:"iterations"`
	MaxIterations  int                    `json:"max_iterations"`
	ReviewHistory  []verify.ReviewComment `json:"review_history"`
	PolicyText     string                 `json:"policy_text,omitempty"`
	Error          string                 `json:"error,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	FinishedAt     time.Time              `json:"finished_at"`
	Reused         bool                   `json:"-"`
}

// LatestComments returns the review round of the last iteration.
func (a *GuardArtifact) LatestComments() []verify.ReviewComment {
	rounds := verify.Rounds(a.ReviewHistory)
	if len(rounds) == 0 {
		return nil
	}
	return rounds[len(rounds)-1]
}

// Persistable reports whether the artifact's source belongs in the output
// tree.
func (a *GuardArtifact) Persistable() bool {
	return a.Status == StatusPassed || a.Status == StatusExhausted
}

// Duration is the wall time spent on the tool.
func (a *GuardArtifact) Duration() time.Duration {
	if a.FinishedAt.IsZero() {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}
