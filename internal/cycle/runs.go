package cycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	RunRunning = "running"
	RunDone    = "done"
)

// RunStore is the per-day step ledger that makes cycles idempotent.
// A cycle claims one row per (kind, date); each completed step is
// appended to the row before its side effects become visible to a
// retry. No locks: a re-invocation simply skips the steps already
// marked, so a cycle killed mid-way resumes instead of re-applying.
type RunStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewRunStore creates a run store on the shared database.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db, now: time.Now}
}

// SetClock overrides the time source for tests.
func (s *RunStore) SetClock(now func() time.Time) {
	s.now = now
}

// InitSchema creates the cycle_runs table.
func (s *RunStore) InitSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cycle_runs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			date TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			steps TEXT NOT NULL DEFAULT '[]',
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME,
			UNIQUE(kind, date)
		);
	`)
	if err != nil {
		return fmt.Errorf("init cycle_runs schema: %w", err)
	}
	return nil
}

// Run is one cycle's progress for one calendar day.
type Run struct {
	ID     string
	Kind   string
	Date   string
	Status string

	store *RunStore
	steps map[string]bool
	order []string
}

// Begin claims or resumes the run for (kind, date). The same day
// always yields the same row, whichever wake source got there first.
func (s *RunStore) Begin(ctx context.Context, kind, date string) (*Run, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycle_runs (id, kind, date, status, steps, started_at)
		VALUES (?, ?, ?, ?, '[]', ?)
		ON CONFLICT(kind, date) DO NOTHING
	`, uuid.New().String(), kind, date, RunRunning, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("begin %s run: %w", kind, err)
	}

	var run Run
	var stepsJSON string
	err = s.db.QueryRowContext(ctx, `
		SELECT id, kind, date, status, steps FROM cycle_runs WHERE kind = ? AND date = ?
	`, kind, date).Scan(&run.ID, &run.Kind, &run.Date, &run.Status, &stepsJSON)
	if err != nil {
		return nil, fmt.Errorf("load %s run: %w", kind, err)
	}

	var order []string
	if err := json.Unmarshal([]byte(stepsJSON), &order); err != nil {
		return nil, fmt.Errorf("decode run steps: %w", err)
	}

	run.store = s
	run.order = order
	run.steps = make(map[string]bool, len(order))
	for _, step := range order {
		run.steps[step] = true
	}
	return &run, nil
}

// Completed reports whether the whole cycle already finished today.
func (r *Run) Completed() bool {
	return r.Status == RunDone
}

// Done reports whether a step already ran today.
func (r *Run) Done(step string) bool {
	return r.steps[step]
}

// Mark checkpoints a completed step.
func (r *Run) Mark(ctx context.Context, step string) error {
	if r.steps[step] {
		return nil
	}
	r.order = append(r.order, step)
	r.steps[step] = true

	stepsJSON, err := json.Marshal(r.order)
	if err != nil {
		return fmt.Errorf("encode run steps: %w", err)
	}
	_, err = r.store.db.ExecContext(ctx, `
		UPDATE cycle_runs SET steps = ? WHERE id = ?
	`, string(stepsJSON), r.ID)
	if err != nil {
		return fmt.Errorf("mark step %s: %w", step, err)
	}
	return nil
}

// Finish closes the run.
func (r *Run) Finish(ctx context.Context) error {
	r.Status = RunDone
	_, err := r.store.db.ExecContext(ctx, `
		UPDATE cycle_runs SET status = ?, finished_at = ? WHERE id = ?
	`, RunDone, r.store.now().UTC(), r.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// LastRun reports the most recent run of a kind, if any.
func (s *RunStore) LastRun(ctx context.Context, kind string) (date string, status string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT date, status FROM cycle_runs WHERE kind = ? ORDER BY date DESC LIMIT 1
	`, kind).Scan(&date, &status)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("last %s run: %w", kind, err)
	}
	return date, status, true, nil
}
