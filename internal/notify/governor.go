package notify

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghostcoach/ghostcoach/internal/core"
	"github.com/ghostcoach/ghostcoach/internal/logging"
	"github.com/ghostcoach/ghostcoach/internal/receipts"
)

// Config tunes the governor. Quiet hours are off unless enabled.
type Config struct {
	Location   *time.Location
	QuietHours bool
	QuietStart string // "HH:MM", default 22:00
	QuietEnd   string // "HH:MM", default 07:00
}

// Governor enforces the interruption budget: at most one non-badge
// notification per calendar day, one pending slot, strict priority
// preemption.
type Governor struct {
	db       *sql.DB
	channel  Channel
	receipts *receipts.Recorder
	cfg      Config

	mu        sync.Mutex
	now       func() time.Time
	onboarded func() bool
}

// NewGovernor creates a governor over an existing database handle.
func NewGovernor(db *sql.DB, channel Channel, recorder *receipts.Recorder, cfg Config) *Governor {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.QuietStart == "" {
		cfg.QuietStart = "22:00"
	}
	if cfg.QuietEnd == "" {
		cfg.QuietEnd = "07:00"
	}
	return &Governor{
		db:       db,
		channel:  channel,
		receipts: recorder,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (g *Governor) SetClock(now func() time.Time) {
	g.now = now
}

// SetOnboardingCheck wires in the gate that refuses all interruptions
// until onboarding completes. Without one the governor assumes
// onboarding is done.
func (g *Governor) SetOnboardingCheck(fn func() bool) {
	g.onboarded = fn
}

// InitSchema creates the governor tables if needed.
func (g *Governor) InitSchema() error {
	_, err := g.db.Exec(`
		CREATE TABLE IF NOT EXISTS notify_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			day TEXT NOT NULL DEFAULT '',
			sent_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS notify_pending (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			request_id TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			priority TEXT NOT NULL,
			badge_only INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS notify_log (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			priority TEXT NOT NULL,
			badge_only INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

// TrySend runs a request through the rules and either delivers it,
// parks it in the pending slot, or drops it. The returned Decision
// says which; error means the channel itself failed.
func (g *Governor) TrySend(ctx context.Context, req Request) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if g.channel == nil {
		return Decision{}, core.ErrChannelUnavailable
	}

	if g.onboarded != nil && !g.onboarded() {
		g.logOutcome(req, OutcomeRefused)
		return Decision{Reason: "onboarding_incomplete"}, nil
	}

	// Badge updates never interrupt, so they never count
	if req.BadgeOnly {
		if err := g.channel.Deliver(ctx, req); err != nil {
			return Decision{}, fmt.Errorf("deliver badge: %w", err)
		}
		g.logOutcome(req, OutcomeDelivered)
		return Decision{Delivered: true, Reason: "badge_bypass"}, nil
	}

	today := g.today()
	state, err := g.loadState()
	if err != nil {
		return Decision{}, err
	}
	if state.day != today {
		state.day = today
		state.sentCount = 0
	}

	if state.sentCount > 0 {
		return g.holdOrDrop(req, "daily_cap", PriorityLow)
	}

	if g.cfg.QuietHours && g.inQuietHours() && req.Priority <= PriorityNormal {
		return g.holdOrDrop(req, "quiet_hours", 0)
	}

	if err := g.channel.Deliver(ctx, req); err != nil {
		return Decision{}, fmt.Errorf("deliver: %w", err)
	}

	state.sentCount++
	if err := g.saveState(state); err != nil {
		return Decision{}, err
	}
	g.logOutcome(req, OutcomeDelivered)
	g.receipt(receipts.ActionNotifySend, req, core.OutcomeSuccess, "")
	return Decision{Delivered: true}, nil
}

// holdOrDrop applies the pending-slot rule: a request waits only if it
// strictly outranks whatever already waits. emptyRank is what an empty
// slot counts as; the daily cap ranks it low, which is why a second
// low request of the day is dropped rather than parked, while quiet
// hours park anything.
func (g *Governor) holdOrDrop(req Request, why string, emptyRank Priority) (Decision, error) {
	pending, err := g.Pending()
	if err != nil {
		return Decision{}, err
	}

	effective := emptyRank
	if pending != nil {
		effective = pending.Priority
	}
	if req.Priority <= effective {
		g.logOutcome(req, OutcomeDropped)
		return Decision{Reason: why}, nil
	}

	if pending != nil {
		if _, err := g.db.Exec(`UPDATE notify_log SET outcome = ? WHERE id = ?`, OutcomeReplaced, pending.RequestID); err != nil {
			return Decision{}, fmt.Errorf("mark replaced: %w", err)
		}
	}

	requestID := g.logOutcome(req, OutcomeQueued)
	_, err = g.db.Exec(`
		INSERT INTO notify_pending (id, request_id, title, body, priority, badge_only, created_at)
		VALUES (1, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			request_id = excluded.request_id,
			title = excluded.title,
			body = excluded.body,
			priority = excluded.priority,
			created_at = excluded.created_at
	`, requestID, req.Title, req.Body, req.Priority.String(), g.now().UTC())
	if err != nil {
		return Decision{}, fmt.Errorf("park pending: %w", err)
	}

	g.receipt(receipts.ActionNotifyHold, req, core.OutcomePending, why)
	return Decision{Queued: true, Reason: why}, nil
}

// FlushPending delivers the held item once a fresh day's slot is
// open. The wake path calls this before anything else runs.
func (g *Governor) FlushPending(ctx context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.channel == nil {
		return false, core.ErrChannelUnavailable
	}

	pending, err := g.Pending()
	if err != nil || pending == nil {
		return false, err
	}

	today := g.today()
	state, err := g.loadState()
	if err != nil {
		return false, err
	}
	if state.day == today && state.sentCount > 0 {
		return false, nil
	}
	if g.cfg.QuietHours && g.inQuietHours() && pending.Priority <= PriorityNormal {
		return false, nil
	}

	req := Request{Title: pending.Title, Body: pending.Body, Priority: pending.Priority}
	if err := g.channel.Deliver(ctx, req); err != nil {
		return false, fmt.Errorf("deliver pending: %w", err)
	}

	if _, err := g.db.Exec(`DELETE FROM notify_pending WHERE id = 1`); err != nil {
		return false, fmt.Errorf("clear pending: %w", err)
	}
	if _, err := g.db.Exec(`UPDATE notify_log SET outcome = ? WHERE id = ?`, OutcomeDelivered, pending.RequestID); err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}

	state.day = today
	state.sentCount = 1
	if err := g.saveState(state); err != nil {
		return false, err
	}

	logging.WithField("title", pending.Title).Info("flushed pending notification")
	g.receipt(receipts.ActionNotifySend, req, core.OutcomeSuccess, "flush_pending")
	return true, nil
}

// Pending returns the held request, or nil.
func (g *Governor) Pending() (*Pending, error) {
	var p Pending
	var priority string
	err := g.db.QueryRow(`
		SELECT request_id, title, body, priority, created_at FROM notify_pending WHERE id = 1
	`).Scan(&p.RequestID, &p.Title, &p.Body, &priority, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	p.Priority = ParsePriority(priority)
	return &p, nil
}

// SentToday reports whether the daily slot is already used.
func (g *Governor) SentToday() (bool, error) {
	state, err := g.loadState()
	if err != nil {
		return false, err
	}
	return state.day == g.today() && state.sentCount > 0, nil
}

// Log returns recent request outcomes, newest first.
func (g *Governor) Log(limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := g.db.Query(`
		SELECT id, title, body, priority, badge_only, outcome, created_at
		FROM notify_log ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var priority string
		if err := rows.Scan(&e.ID, &e.Title, &e.Body, &priority, &e.BadgeOnly, &e.Outcome, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Priority = ParsePriority(priority)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ----- Convenience senders -----

// Suggest sends a normal-priority suggestion.
func (g *Governor) Suggest(ctx context.Context, title, body string) (Decision, error) {
	return g.TrySend(ctx, Request{Title: title, Body: body, Priority: PriorityNormal})
}

// Urgent sends a high-priority interruption.
func (g *Governor) Urgent(ctx context.Context, title, body string) (Decision, error) {
	return g.TrySend(ctx, Request{Title: title, Body: body, Priority: PriorityHigh})
}

// Badge updates the app badge without interrupting.
func (g *Governor) Badge(ctx context.Context, title string) (Decision, error) {
	return g.TrySend(ctx, Request{Title: title, Priority: PriorityLow, BadgeOnly: true})
}

// ----- Internals -----

type state struct {
	day       string
	sentCount int
}

func (g *Governor) loadState() (*state, error) {
	var s state
	err := g.db.QueryRow(`SELECT day, sent_count FROM notify_state WHERE id = 1`).Scan(&s.day, &s.sentCount)
	if err == sql.ErrNoRows {
		return &state{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load notify state: %w", err)
	}
	return &s, nil
}

func (g *Governor) saveState(s *state) error {
	_, err := g.db.Exec(`
		INSERT INTO notify_state (id, day, sent_count) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET day = excluded.day, sent_count = excluded.sent_count
	`, s.day, s.sentCount)
	if err != nil {
		return fmt.Errorf("save notify state: %w", err)
	}
	return nil
}

func (g *Governor) logOutcome(req Request, outcome string) string {
	id := uuid.New().String()
	_, err := g.db.Exec(`
		INSERT INTO notify_log (id, title, body, priority, badge_only, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, req.Title, req.Body, req.Priority.String(), req.BadgeOnly, outcome, g.now().UTC())
	if err != nil {
		logging.Warn("notify log write failed: %v", err)
	}
	return id
}

func (g *Governor) receipt(action string, req Request, outcome core.Outcome, reason string) {
	if g.receipts == nil {
		return
	}
	g.receipts.Store().Append(receipts.Draft{
		Action:     action,
		Actor:      receipts.ActorGhost,
		EntityType: "notification",
		EntityID:   req.Title,
		Inputs:     map[string]interface{}{"priority": req.Priority.String(), "badge_only": req.BadgeOnly},
		Outcome:    outcome,
		Confidence: 1,
		Reason:     reason,
	})
}

func (g *Governor) today() string {
	return g.now().In(g.cfg.Location).Format("2006-01-02")
}

// inQuietHours checks the clock against the configured window, which
// may wrap midnight.
func (g *Governor) inQuietHours() bool {
	start, okS := clockMinutes(g.cfg.QuietStart)
	end, okE := clockMinutes(g.cfg.QuietEnd)
	if !okS || !okE {
		return false
	}

	local := g.now().In(g.cfg.Location)
	m := local.Hour()*60 + local.Minute()
	if start <= end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

func clockMinutes(clock string) (int, bool) {
	parts := strings.SplitN(clock, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
