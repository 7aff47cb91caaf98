package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"toolguard/internal/repair"
	"toolguard/internal/verify"
)

// RunSummary is one row of the runs table.
type RunSummary struct {
	ID         string
	App        string
	Provider   string
	Model      string
	StartedAt  time.Time
	FinishedAt time.Time
	Items      int
	Passed     int
	Exhausted  int
	Failed     int
	Cancelled  bool
}

// Finished reports whether FinishRun was recorded.
func (s RunSummary) Finished() bool { return !s.FinishedAt.IsZero() }

// Runs returns the most recent runs, newest first. limit <= 0 returns all.
func (l *RunLog) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	q := `SELECT id, app, provider, model, started_at, finished_at, items, passed, exhausted, failed, cancelled
	      FROM runs ORDER BY started_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		s, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Run returns one run by id.
func (l *RunLog) Run(ctx context.Context, id string) (RunSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row := l.db.QueryRowContext(ctx,
		`SELECT id, app, provider, model, started_at, finished_at, items, passed, exhausted, failed, cancelled
		 FROM runs WHERE id = ?`, id)
	s, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunSummary{}, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return s, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunSummary, error) {
	var (
		s         RunSummary
		started   int64
		finished  sql.NullInt64
		cancelled int
	)
	err := sc.Scan(&s.ID, &s.App, &s.Provider, &s.Model, &started, &finished,
		&s.Items, &s.Passed, &s.Exhausted, &s.Failed, &cancelled)
	if err != nil {
		return RunSummary{}, err
	}
	s.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		s.FinishedAt = time.UnixMilli(finished.Int64)
	}
	s.Cancelled = cancelled != 0
	return s, nil
}

// Outcomes returns the outcome table of a run, ordered by tool.
func (l *RunLog) Outcomes(ctx context.Context, runID string) ([]repair.Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx,
		`SELECT tool, status, iterations, comments, duration_ms, path, reused, detail
		 FROM outcomes WHERE run_id = ? ORDER BY tool`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var out []repair.Outcome
	for rows.Next() {
		var (
			o        repair.Outcome
			status   string
			duration int64
			reused   int
		)
		if err := rows.Scan(&o.Tool, &status, &o.Iterations, &o.Comments, &duration, &o.Path, &reused, &o.Detail); err != nil {
			return nil, err
		}
		o.Status = repair.Status(status)
		o.Duration = time.Duration(duration) * time.Millisecond
		o.Reused = reused != 0
		out = append(out, o)
	}
	return out, rows.Err()
}

// Comments returns the review history recorded for a tool in a run.
func (l *RunLog) Comments(ctx context.Context, runID, tool string) ([]verify.ReviewComment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx,
		`SELECT iteration, source, rule, line, message FROM review_comments
		 WHERE run_id = ? AND tool = ? ORDER BY id`, runID, tool)
	if err != nil {
		return nil, fmt.Errorf("failed to query review comments: %w", err)
	}
	defer rows.Close()

	var out []verify.ReviewComment
	for rows.Next() {
		var (
			c      verify.ReviewComment
			source string
		)
		if err := rows.Scan(&c.Iteration, &source, &c.Rule, &c.Line, &c.Message); err != nil {
			return nil, err
		}
		c.Source = verify.Source(source)
		out = append(out, c)
	}
	return out, rows.Err()
}

// TraceCount returns how many generator calls a run recorded, by purpose.
func (l *RunLog) TraceCount(ctx context.Context, runID string) (map[string]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx,
		`SELECT purpose, COUNT(*) FROM traces WHERE run_id = ? GROUP BY purpose`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			purpose string
			n       int
		)
		if err := rows.Scan(&purpose, &n); err != nil {
			return nil, err
		}
		out[purpose] = n
	}
	return out, rows.Err()
}
