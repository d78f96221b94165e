// Package receipts provides the append-only decision receipt log.
// Every autonomous decision lands here exactly once, hash-chained to the
// previous receipt so any tampering is detectable.
package receipts

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghostcoach/ghostcoach/internal/core"
)

// Genesis is the prev_hash of the very first receipt.
const Genesis = "GENESIS:0000000000000000000000000000000000000000000000000000000000000000"

// Store manages the append-only receipt log
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates a new receipt store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// InitSchema creates the receipts table
func (s *Store) InitSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS receipts (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			inputs TEXT NOT NULL DEFAULT '{}',
			outcome TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_receipts_timestamp ON receipts(timestamp);
		CREATE INDEX IF NOT EXISTS idx_receipts_action ON receipts(action);
	`)
	return err
}

// Action constants for common decisions
const (
	ActionBlockCreate    = "block.create"
	ActionBlockPropose   = "block.propose"
	ActionBlockTransform = "block.transform"
	ActionBlockDowngrade = "block.downgrade"
	ActionBlockMove      = "block.move"
	ActionBlockCancel    = "block.cancel"
	ActionBlockResolve   = "block.resolve"
	ActionTrustChange    = "trust.change"
	ActionCycleRun       = "cycle.run"
	ActionNotifySend     = "notify.send"
	ActionNotifyHold     = "notify.hold"
	ActionQueueDrop      = "queue.drop"
	ActionEmergency      = "health.emergency"
	ActionPrune          = "receipts.prune"
	ActionRetrospective  = "week.retrospective"
)

// Actor constants
const (
	ActorGhost  = "ghost"
	ActorUser   = "user"
	ActorSystem = "system"
)

// Draft is the caller-supplied half of a receipt. The store fills in
// identity, timestamps and the hash chain.
type Draft struct {
	Action     string
	Actor      string
	EntityType string
	EntityID   string
	Inputs     interface{} // Marshalled to JSON
	Outcome    core.Outcome
	Confidence float64
	Reason     string
}

// Append adds a new receipt with cryptographic hash chaining.
// This is the ONLY way to add receipts - ensuring append-only behavior.
func (s *Store) Append(d Draft) (*core.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Serialize inputs to JSON
	inputsJSON := "{}"
	if d.Inputs != nil {
		data, err := json.Marshal(d.Inputs)
		if err != nil {
			return nil, fmt.Errorf("marshal inputs: %w", err)
		}
		inputsJSON = string(data)
	}

	// Get the hash of the last receipt
	prevHash, err := s.getLastHash()
	if err != nil {
		return nil, fmt.Errorf("get last hash: %w", err)
	}

	rec := &core.Receipt{
		ID:         uuid.New().String(),
		Timestamp:  s.now().UTC(),
		Action:     d.Action,
		Actor:      d.Actor,
		EntityType: d.EntityType,
		EntityID:   d.EntityID,
		Inputs:     inputsJSON,
		Outcome:    d.Outcome,
		Confidence: d.Confidence,
		Reason:     d.Reason,
		PrevHash:   prevHash,
	}

	rec.Hash = computeHash(rec)

	_, err = s.db.Exec(`
		INSERT INTO receipts (id, timestamp, action, actor, entity_type, entity_id, inputs, outcome, confidence, reason, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Timestamp, rec.Action, rec.Actor, rec.EntityType, rec.EntityID,
		rec.Inputs, string(rec.Outcome), rec.Confidence, rec.Reason, rec.PrevHash, rec.Hash)

	if err != nil {
		return nil, fmt.Errorf("insert receipt: %w", err)
	}

	return rec, nil
}

// getLastHash returns the hash of the most recent receipt
func (s *Store) getLastHash() (string, error) {
	var hash sql.NullString
	err := s.db.QueryRow(`
		SELECT hash FROM receipts ORDER BY timestamp DESC, id DESC LIMIT 1
	`).Scan(&hash)

	if err == sql.ErrNoRows {
		return Genesis, nil
	}
	if err != nil {
		return "", err
	}

	return hash.String, nil
}

// computeHash creates the SHA-256 hash of a receipt's canonical representation
func computeHash(rec *core.Receipt) string {
	// Canonical JSON representation, excluding the hash itself
	canonical := struct {
		ID         string       `json:"id"`
		Timestamp  time.Time    `json:"timestamp"`
		Action     string       `json:"action"`
		Actor      string       `json:"actor"`
		EntityType string       `json:"entity_type"`
		EntityID   string       `json:"entity_id"`
		Inputs     string       `json:"inputs"`
		Outcome    core.Outcome `json:"outcome"`
		Confidence float64      `json:"confidence"`
		Reason     string       `json:"reason"`
		PrevHash   string       `json:"prev_hash"`
	}{
		ID:         rec.ID,
		Timestamp:  rec.Timestamp,
		Action:     rec.Action,
		Actor:      rec.Actor,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Inputs:     rec.Inputs,
		Outcome:    rec.Outcome,
		Confidence: rec.Confidence,
		Reason:     rec.Reason,
		PrevHash:   rec.PrevHash,
	}

	data, _ := json.Marshal(canonical)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChain verifies the integrity of the receipt chain.
// The oldest surviving receipt anchors the walk: retention pruning removes
// the head of the chain, so its prev_hash cannot be recomputed, only trusted.
// Returns nil if valid, or an error describing the first broken link.
func (s *Store) VerifyChain() error {
	rows, err := s.db.Query(`
		SELECT id, timestamp, action, actor, entity_type, entity_id, inputs, outcome, confidence, reason, prev_hash, hash
		FROM receipts ORDER BY timestamp ASC, id ASC
	`)
	if err != nil {
		return fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	expectedPrevHash := ""
	entryNum := 0

	for rows.Next() {
		entryNum++
		rec, err := scanReceipt(rows)
		if err != nil {
			return fmt.Errorf("scan receipt %d: %w", entryNum, err)
		}

		if entryNum == 1 {
			// Anchor on the first surviving receipt
			expectedPrevHash = rec.PrevHash
		}

		if rec.PrevHash != expectedPrevHash {
			return &ChainError{
				EntryNum:     entryNum,
				ReceiptID:    rec.ID,
				ExpectedHash: expectedPrevHash,
				ActualHash:   rec.PrevHash,
				Type:         "chain_broken",
			}
		}

		expectedHash := computeHash(rec)
		if rec.Hash != expectedHash {
			return &ChainError{
				EntryNum:     entryNum,
				ReceiptID:    rec.ID,
				ExpectedHash: expectedHash,
				ActualHash:   rec.Hash,
				Type:         "hash_mismatch",
			}
		}

		expectedPrevHash = rec.Hash
	}

	return rows.Err()
}

// ChainError represents a broken chain error
type ChainError struct {
	EntryNum     int
	ReceiptID    string
	ExpectedHash string
	ActualHash   string
	Type         string // "chain_broken" or "hash_mismatch"
}

func (e *ChainError) Error() string {
	if e.Type == "chain_broken" {
		return fmt.Sprintf("chain broken at receipt %d (ID: %s): expected prev_hash %s, got %s",
			e.EntryNum, e.ReceiptID, short(e.ExpectedHash), short(e.ActualHash))
	}
	return fmt.Sprintf("hash mismatch at receipt %d (ID: %s): expected %s, got %s",
		e.EntryNum, e.ReceiptID, short(e.ExpectedHash), short(e.ActualHash))
}

func short(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:16] + "..."
}

// QueryOptions for listing receipts
type QueryOptions struct {
	Action     string       // Filter by action type
	Actor      string       // Filter by actor
	EntityType string       // Filter by entity type
	EntityID   string       // Filter by entity ID
	Outcome    core.Outcome // Filter by outcome
	Reason     string       // Filter by reason key
	Since      time.Time    // Receipts after this time
	Until      time.Time    // Receipts before this time
	Limit      int          // Maximum receipts to return
	Offset     int          // Skip first N receipts
}

// Query returns receipts matching the given criteria (read-only)
func (s *Store) Query(opts QueryOptions) ([]*core.Receipt, error) {
	query := `
		SELECT id, timestamp, action, actor, entity_type, entity_id, inputs, outcome, confidence, reason, prev_hash, hash
		FROM receipts WHERE 1=1
	`
	var args []interface{}

	if opts.Action != "" {
		query += " AND action = ?"
		args = append(args, opts.Action)
	}
	if opts.Actor != "" {
		query += " AND actor = ?"
		args = append(args, opts.Actor)
	}
	if opts.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, opts.EntityType)
	}
	if opts.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, opts.EntityID)
	}
	if opts.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, string(opts.Outcome))
	}
	if opts.Reason != "" {
		query += " AND reason = ?"
		args = append(args, opts.Reason)
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since)
	}
	if !opts.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, opts.Until)
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []*core.Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		receipts = append(receipts, rec)
	}

	return receipts, rows.Err()
}

// GetByID returns a single receipt by ID
func (s *Store) GetByID(id string) (*core.Receipt, error) {
	row := s.db.QueryRow(`
		SELECT id, timestamp, action, actor, entity_type, entity_id, inputs, outcome, confidence, reason, prev_hash, hash
		FROM receipts WHERE id = ?
	`, id)

	rec, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query receipt: %w", err)
	}
	return rec, nil
}

// GetRecent returns the most recent receipts
func (s *Store) GetRecent(limit int) ([]*core.Receipt, error) {
	return s.Query(QueryOptions{Limit: limit})
}

// Count returns the total number of receipts in the log
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM receipts").Scan(&count)
	return count, err
}

// EntityHistory returns all receipts for a specific entity
func (s *Store) EntityHistory(entityType, entityID string) ([]*core.Receipt, error) {
	return s.Query(QueryOptions{
		EntityType: entityType,
		EntityID:   entityID,
	})
}

// Prune removes receipts older than the cutoff and appends a receipt
// recording how many were removed. The chain anchor moves forward to the
// oldest surviving receipt.
func (s *Store) Prune(olderThan time.Time) (int, error) {
	s.mu.Lock()
	res, err := s.db.Exec("DELETE FROM receipts WHERE timestamp < ?", olderThan.UTC())
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("prune receipts: %w", err)
	}

	removed, _ := res.RowsAffected()
	if removed == 0 {
		return 0, nil
	}

	_, err = s.Append(Draft{
		Action:     ActionPrune,
		Actor:      ActorSystem,
		EntityType: "receipts",
		Inputs:     map[string]interface{}{"older_than": olderThan.UTC(), "removed": removed},
		Outcome:    core.OutcomeSuccess,
		Reason:     "retention",
	})
	if err != nil {
		return int(removed), err
	}

	return int(removed), nil
}

// Summary statistics
type Summary struct {
	TotalReceipts int            `json:"total_receipts"`
	FirstReceipt  *time.Time     `json:"first_receipt,omitempty"`
	LastReceipt   *time.Time     `json:"last_receipt,omitempty"`
	ByAction      map[string]int `json:"by_action"`
	ByActor       map[string]int `json:"by_actor"`
	ByOutcome     map[string]int `json:"by_outcome"`
	ChainValid    bool           `json:"chain_valid"`
	ChainError    string         `json:"chain_error,omitempty"`
}

// GetSummary returns statistics about the receipt log
func (s *Store) GetSummary() (*Summary, error) {
	summary := &Summary{
		ByAction:  make(map[string]int),
		ByActor:   make(map[string]int),
		ByOutcome: make(map[string]int),
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM receipts").Scan(&summary.TotalReceipts); err != nil {
		return nil, err
	}

	var firstTime, lastTime sql.NullTime
	s.db.QueryRow("SELECT MIN(timestamp), MAX(timestamp) FROM receipts").Scan(&firstTime, &lastTime)
	if firstTime.Valid {
		summary.FirstReceipt = &firstTime.Time
	}
	if lastTime.Valid {
		summary.LastReceipt = &lastTime.Time
	}

	for _, g := range []struct {
		query string
		into  map[string]int
	}{
		{"SELECT action, COUNT(*) FROM receipts GROUP BY action", summary.ByAction},
		{"SELECT actor, COUNT(*) FROM receipts GROUP BY actor", summary.ByActor},
		{"SELECT outcome, COUNT(*) FROM receipts GROUP BY outcome", summary.ByOutcome},
	} {
		rows, err := s.db.Query(g.query)
		if err != nil {
			continue
		}
		for rows.Next() {
			var key string
			var count int
			rows.Scan(&key, &count)
			g.into[key] = count
		}
		rows.Close()
	}

	if err := s.VerifyChain(); err != nil {
		summary.ChainValid = false
		summary.ChainError = err.Error()
	} else {
		summary.ChainValid = true
	}

	return summary, nil
}

// scanner matches both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(row scanner) (*core.Receipt, error) {
	var rec core.Receipt
	var entityType, entityID, inputs, reason, prevHash sql.NullString
	var outcome string

	err := row.Scan(
		&rec.ID, &rec.Timestamp, &rec.Action, &rec.Actor,
		&entityType, &entityID, &inputs, &outcome,
		&rec.Confidence, &reason, &prevHash, &rec.Hash,
	)
	if err != nil {
		return nil, err
	}

	rec.EntityType = entityType.String
	rec.EntityID = entityID.String
	rec.Inputs = inputs.String
	rec.Outcome = core.Outcome(outcome)
	rec.Reason = reason.String
	rec.PrevHash = prevHash.String

	return &rec, nil
}
