package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"toolguard/internal/codegen"
	"toolguard/internal/logging"
	"toolguard/internal/repair"
)

// ErrUnknownRun is returned when a run id is not in the log.
var ErrUnknownRun = errors.New("unknown run")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	app TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER,
	items INTEGER NOT NULL DEFAULT 0,
	passed INTEGER NOT NULL DEFAULT 0,
	exhausted INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	cancelled INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS outcomes (
	run_id TEXT NOT NULL REFERENCES runs(id),
	tool TEXT NOT NULL,
	status TEXT NOT NULL,
	iterations INTEGER NOT NULL,
	comments INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	path TEXT NOT NULL DEFAULT '',
	reused INTEGER NOT NULL DEFAULT 0,
	detail TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, tool)
);

CREATE TABLE IF NOT EXISTS review_comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id),
	tool TEXT NOT NULL,
	iteration INTEGER NOT NULL,
	source TEXT NOT NULL,
	rule TEXT NOT NULL,
	line INTEGER NOT NULL,
	message TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_review_comments_run ON review_comments(run_id, tool);

CREATE TABLE IF NOT EXISTS traces (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id),
	purpose TEXT NOT NULL,
	tool TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL,
	user_prompt TEXT NOT NULL,
	response TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_traces_run ON traces(run_id);
`

// RunLog is the SQLite history of pipeline runs.
type RunLog struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// OpenRunLog opens (creating if needed) the run log at path.
func OpenRunLog(path string) (*RunLog, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenRunLog")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create run log directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	// One connection serializes writers; SQLite would otherwise report busy.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize run log schema: %w", err)
	}
	logging.Store("run log opened at %s", path)
	return &RunLog{db: db, path: path}, nil
}

// Close closes the database.
func (l *RunLog) Close() error {
	return l.db.Close()
}

// Run is one open run. It records traces and outcomes as the pipeline
// produces them.
type Run struct {
	ID  string
	log *RunLog
}

// Begin starts a new run record.
func (l *RunLog) Begin(ctx context.Context, app, provider, model string) (*Run, error) {
	id := uuid.NewString()
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (id, app, provider, model, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, app, provider, model, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to begin run: %w", err)
	}
	logging.StoreDebug("run %s started for %s (%s/%s)", id, app, provider, model)
	return &Run{ID: id, log: l}, nil
}

// RecordTrace stores one generator interaction.
func (r *Run) RecordTrace(ctx context.Context, t codegen.Trace) error {
	l := r.log
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO traces (run_id, purpose, tool, system_prompt, user_prompt, response, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, t.Purpose, t.Tool, t.System, t.User, t.Response, t.Err, t.Duration.Milliseconds(), t.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record trace: %w", err)
	}
	return nil
}

// RecordOutcome stores a tool's terminal artifact and its review history.
func (r *Run) RecordOutcome(ctx context.Context, a *repair.GuardArtifact) error {
	l := r.log
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	defer tx.Rollback()

	if err := upsertOutcome(ctx, tx, r.ID, outcomeOf(a)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM review_comments WHERE run_id = ? AND tool = ?`, r.ID, a.ToolName); err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO review_comments (run_id, tool, iteration, source, rule, line, message) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	defer stmt.Close()
	for _, c := range a.ReviewHistory {
		if _, err := stmt.ExecContext(ctx, r.ID, a.ToolName, c.Iteration, string(c.Source), c.Rule, c.Line, c.Message); err != nil {
			return fmt.Errorf("failed to record review comment: %w", err)
		}
	}
	return tx.Commit()
}

// FinishRun stores the final outcome table and summary counts.
func (r *Run) FinishRun(ctx context.Context, rep *repair.Report) error {
	l := r.log
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	defer tx.Rollback()

	for _, o := range rep.Outcomes {
		if err := upsertOutcome(ctx, tx, r.ID, o); err != nil {
			return err
		}
	}
	finished := rep.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, items = ?, passed = ?, exhausted = ?, failed = ?, cancelled = ? WHERE id = ?`,
		finished.UnixMilli(), rep.Items,
		rep.Count(repair.StatusPassed), rep.Count(repair.StatusExhausted), rep.Count(repair.StatusFailed),
		boolInt(rep.Cancelled), r.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	logging.Store("run %s finished: %s", r.ID, rep.Summary())
	return nil
}

func outcomeOf(a *repair.GuardArtifact) repair.Outcome {
	return repair.Outcome{
		Tool:       a.ToolName,
		Status:     a.Status,
		Iterations: a.IterationCount,
		Comments:   len(a.ReviewHistory),
		Duration:   a.Duration(),
		Reused:     a.Reused,
		Detail:     a.Error,
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertOutcome(ctx context.Context, db execer, runID string, o repair.Outcome) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO outcomes (run_id, tool, status, iterations, comments, duration_ms, path, reused, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, tool) DO UPDATE SET
			status = excluded.status, iterations = excluded.iterations, comments = excluded.comments,
			duration_ms = excluded.duration_ms,
			path = CASE WHEN excluded.path = '' THEN outcomes.path ELSE excluded.path END,
			reused = excluded.reused,
			detail = CASE WHEN excluded.detail = '' THEN outcomes.detail ELSE excluded.detail END`,
		runID, o.Tool, string(o.Status), o.Iterations, o.Comments, o.Duration.Milliseconds(), o.Path, boolInt(o.Reused), o.Detail)
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", o.Tool, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
