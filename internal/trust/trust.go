// Package trust implements the earned-autonomy phase machine for Ghost Coach.
// Trust is earned through completed workouts and accepted proposals, lost
// through misses, rejections and deleted blocks. Every transition is recorded
// in the receipt log.
package trust

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghostcoach/ghostcoach/internal/receipts"
)

// Phase represents how much autonomy the ghost has earned
type Phase string

const (
	PhaseObserver      Phase = "observer"       // Watch and suggest only
	PhaseScheduler     Phase = "scheduler"      // Propose blocks, user confirms
	PhaseAutoScheduler Phase = "auto_scheduler" // Place blocks without asking
	PhaseTransformer   Phase = "transformer"    // Rework existing blocks freely
	PhaseFullGhost     Phase = "full_ghost"     // Cancel and plan whole weeks
)

// Score thresholds for phase transitions
const (
	ThresholdScheduler     = 25.0
	ThresholdAutoScheduler = 50.0
	ThresholdTransformer   = 70.0
	ThresholdFullGhost     = 85.0
)

// BreakerDeletes is how many consecutive deleted blocks trip the
// safety breaker and force a phase demotion.
const BreakerDeletes = 3

// EventKind classifies a trust-relevant observation
type EventKind string

const (
	EventWorkoutCompleted EventKind = "workout_completed"
	EventWorkoutMissed    EventKind = "workout_missed"
	EventProposalAccepted EventKind = "proposal_accepted"
	EventProposalRejected EventKind = "proposal_rejected"
	EventBlockDeleted     EventKind = "block_deleted"
	EventHealthEmergency  EventKind = "health_emergency"
)

// Trust impact values. Losses outweigh gains so autonomy is earned
// slowly and surrendered quickly.
const (
	DeltaWorkoutCompleted = 3.0
	DeltaWorkoutMissed    = -4.0
	DeltaProposalAccepted = 2.0
	DeltaProposalRejected = -1.0
	DeltaBlockDeleted     = -6.0
	DeltaHealthEmergency  = -15.0
)

// deltaFor maps an event kind to its score impact.
func deltaFor(kind EventKind) (float64, error) {
	switch kind {
	case EventWorkoutCompleted:
		return DeltaWorkoutCompleted, nil
	case EventWorkoutMissed:
		return DeltaWorkoutMissed, nil
	case EventProposalAccepted:
		return DeltaProposalAccepted, nil
	case EventProposalRejected:
		return DeltaProposalRejected, nil
	case EventBlockDeleted:
		return DeltaBlockDeleted, nil
	case EventHealthEmergency:
		return DeltaHealthEmergency, nil
	default:
		return 0, fmt.Errorf("unknown trust event kind: %s", kind)
	}
}

// Event is one trust-relevant observation
type Event struct {
	Kind      EventKind `json:"kind"`
	DedupeKey string    `json:"dedupe_key,omitempty"` // Same key twice is a no-op
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the current position of the phase machine
type State struct {
	Score              float64   `json:"score"` // 0-100
	Phase              Phase     `json:"phase"`
	ConsecutiveDeletes int       `json:"consecutive_deletes"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Capability is something the ghost may or may not be allowed to do
type Capability string

const (
	CapSuggest      Capability = "suggest"
	CapPropose      Capability = "propose"
	CapAutoSchedule Capability = "auto_schedule"
	CapDowngrade    Capability = "downgrade"
	CapMove         Capability = "move"
	CapTransform    Capability = "transform"
	CapCancel       Capability = "cancel"
	CapPlanWeek     Capability = "plan_week"
)

// capabilityFloor is the lowest phase that grants each capability.
var capabilityFloor = map[Capability]Phase{
	CapSuggest:      PhaseObserver,
	CapPropose:      PhaseScheduler,
	CapAutoSchedule: PhaseAutoScheduler,
	CapDowngrade:    PhaseAutoScheduler,
	CapMove:         PhaseTransformer,
	CapTransform:    PhaseTransformer,
	CapCancel:       PhaseFullGhost,
	CapPlanWeek:     PhaseFullGhost,
}

// rank orders phases for comparison
func (p Phase) rank() int {
	switch p {
	case PhaseObserver:
		return 0
	case PhaseScheduler:
		return 1
	case PhaseAutoScheduler:
		return 2
	case PhaseTransformer:
		return 3
	case PhaseFullGhost:
		return 4
	default:
		return 0
	}
}

// Allows reports whether this phase grants a capability.
func (p Phase) Allows(c Capability) bool {
	floor, ok := capabilityFloor[c]
	if !ok {
		return false
	}
	return p.rank() >= floor.rank()
}

// PhaseForScore maps a score onto the phase ladder.
func PhaseForScore(score float64) Phase {
	switch {
	case score >= ThresholdFullGhost:
		return PhaseFullGhost
	case score >= ThresholdTransformer:
		return PhaseTransformer
	case score >= ThresholdAutoScheduler:
		return PhaseAutoScheduler
	case score >= ThresholdScheduler:
		return PhaseScheduler
	default:
		return PhaseObserver
	}
}

// lowerBound is the score at which a phase begins.
func lowerBound(p Phase) float64 {
	switch p {
	case PhaseFullGhost:
		return ThresholdFullGhost
	case PhaseTransformer:
		return ThresholdTransformer
	case PhaseAutoScheduler:
		return ThresholdAutoScheduler
	case PhaseScheduler:
		return ThresholdScheduler
	default:
		return 0
	}
}

// Store manages the phase machine with receipt integration
type Store struct {
	db       *sql.DB
	receipts *receipts.Recorder
	mu       sync.Mutex
	now      func() time.Time
}

// NewStore creates a new trust store
func NewStore(db *sql.DB, recorder *receipts.Recorder) *Store {
	return &Store{
		db:       db,
		receipts: recorder,
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// InitSchema creates the trust tables
func (s *Store) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trust_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		score REAL NOT NULL DEFAULT 0,
		phase TEXT NOT NULL DEFAULT 'observer',
		consecutive_deletes INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		v INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS trust_events (
		id TEXT PRIMARY KEY,
		dedupe_key TEXT UNIQUE,
		kind TEXT NOT NULL,
		delta REAL NOT NULL,
		score_after REAL NOT NULL,
		phase_after TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// State returns the current phase machine position
func (s *Store) State() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadState()
}

// Phase returns just the current phase.
func (s *Store) Phase() (Phase, error) {
	state, err := s.State()
	if err != nil {
		return PhaseObserver, err
	}
	return state.Phase, nil
}

// Allows reports whether the current phase grants a capability.
func (s *Store) Allows(c Capability) (bool, error) {
	state, err := s.State()
	if err != nil {
		return false, err
	}
	return state.Phase.Allows(c), nil
}

// RecordEvent applies a trust event and returns the resulting state.
// An event whose dedupe key was already seen changes nothing; callers
// re-running an interrupted cycle hit this path on purpose.
func (s *Store) RecordEvent(ctx context.Context, event Event) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state, err := s.loadState()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	if event.DedupeKey != "" {
		seen, err := s.eventSeen(event.DedupeKey)
		if err != nil {
			return nil, fmt.Errorf("check dedupe: %w", err)
		}
		if seen {
			return state, nil
		}
	}

	delta, err := deltaFor(event.Kind)
	if err != nil {
		return nil, err
	}

	phaseBefore := state.Phase

	state.Score = clamp(state.Score + delta)

	// Track the delete streak; anything else breaks it
	if event.Kind == EventBlockDeleted {
		state.ConsecutiveDeletes++
	} else {
		state.ConsecutiveDeletes = 0
	}

	note := event.Note

	// Safety breaker: a third consecutive delete means the user is
	// fighting the ghost. Surrender one full phase immediately.
	if state.ConsecutiveDeletes >= BreakerDeletes {
		demoted := clamp(lowerBound(phaseBefore) - 1)
		if demoted < state.Score {
			state.Score = demoted
		}
		state.ConsecutiveDeletes = 0
		if note != "" {
			note += "; "
		}
		note += "breaker_tripped"
	}

	state.Phase = PhaseForScore(state.Score)
	state.UpdatedAt = s.now()

	if err := s.saveState(state); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}

	if err := s.saveEvent(event, delta, state, note); err != nil {
		return nil, fmt.Errorf("save event: %w", err)
	}

	if s.receipts != nil {
		s.receipts.TrustChanged(string(event.Kind), delta, state.Score, string(state.Phase))
	}

	return state, nil
}

// EventRecord is a persisted trust event
type EventRecord struct {
	ID         string    `json:"id"`
	DedupeKey  string    `json:"dedupe_key,omitempty"`
	Kind       EventKind `json:"kind"`
	Delta      float64   `json:"delta"`
	ScoreAfter float64   `json:"score_after"`
	PhaseAfter Phase     `json:"phase_after"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Events returns the most recent trust events, newest first.
func (s *Store) Events(limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, dedupe_key, kind, delta, score_after, phase_after, note, created_at
		FROM trust_events ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trust events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var rec EventRecord
		var dedupe sql.NullString
		if err := rows.Scan(&rec.ID, &dedupe, &rec.Kind, &rec.Delta,
			&rec.ScoreAfter, &rec.PhaseAfter, &rec.Note, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trust event: %w", err)
		}
		rec.DedupeKey = dedupe.String
		events = append(events, &rec)
	}

	return events, rows.Err()
}

// --- Internal methods ---

func (s *Store) loadState() (*State, error) {
	var state State
	err := s.db.QueryRow(`
		SELECT score, phase, consecutive_deletes, updated_at
		FROM trust_state WHERE id = 1
	`).Scan(&state.Score, &state.Phase, &state.ConsecutiveDeletes, &state.UpdatedAt)

	if err == sql.ErrNoRows {
		// Fresh install starts at zero trust
		state = State{
			Score:     0,
			Phase:     PhaseObserver,
			UpdatedAt: s.now(),
		}
		if err := s.saveState(&state); err != nil {
			return nil, err
		}
		return &state, nil
	}
	if err != nil {
		return nil, err
	}

	return &state, nil
}

func (s *Store) saveState(state *State) error {
	_, err := s.db.Exec(`
		INSERT INTO trust_state (id, score, phase, consecutive_deletes, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			score = excluded.score,
			phase = excluded.phase,
			consecutive_deletes = excluded.consecutive_deletes,
			updated_at = excluded.updated_at
	`, state.Score, string(state.Phase), state.ConsecutiveDeletes, state.UpdatedAt)
	return err
}

func (s *Store) eventSeen(dedupeKey string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM trust_events WHERE dedupe_key = ?", dedupeKey,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) saveEvent(event Event, delta float64, state *State, note string) error {
	var dedupe interface{}
	if event.DedupeKey != "" {
		dedupe = event.DedupeKey
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	_, err := s.db.Exec(`
		INSERT INTO trust_events (id, dedupe_key, kind, delta, score_after, phase_after, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), dedupe, string(event.Kind), delta,
		state.Score, string(state.Phase), note, ts)
	return err
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
