package calendar

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ghostcoach/ghostcoach/internal/core"
)

// BlockStore owns TrainingBlock rows. The row is the source of truth;
// calendar events mirror it by id.
type BlockStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewBlockStore creates a block store
func NewBlockStore(db *sql.DB) *BlockStore {
	return &BlockStore{
		db:  db,
		now: time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *BlockStore) SetClock(now func() time.Time) {
	s.now = now
}

// InitSchema creates the blocks table
func (s *BlockStore) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blocks (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		origin TEXT NOT NULL,
		start DATETIME NOT NULL,
		duration_secs INTEGER NOT NULL,
		calendar_event_id TEXT NOT NULL DEFAULT '',
		shadow_event_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_blocks_start ON blocks(start);
	CREATE INDEX IF NOT EXISTS idx_blocks_status ON blocks(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Save inserts a new block, filling id and timestamps when absent.
func (s *BlockStore) Save(ctx context.Context, block *core.TrainingBlock) error {
	if block.ID == "" {
		block.ID = core.BlockID(uuid.New().String())
	}
	if block.CreatedAt.IsZero() {
		block.CreatedAt = s.now()
	}
	block.UpdatedAt = s.now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocks (id, type, status, origin, start, duration_secs,
			calendar_event_id, shadow_event_id, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(block.ID), string(block.Type), string(block.Status), string(block.Origin),
		block.Start, int(block.Duration.Seconds()),
		block.CalendarEventID, block.ShadowEventID, block.Reason,
		block.CreatedAt, block.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save block: %w", err)
	}
	return nil
}

// Get returns one block by id.
func (s *BlockStore) Get(ctx context.Context, id core.BlockID) (*core.TrainingBlock, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, status, origin, start, duration_secs,
			calendar_event_id, shadow_event_id, reason, created_at, updated_at
		FROM blocks WHERE id = ?
	`, string(id))

	block, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("block %s: %w", id, core.ErrBlockNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get block: %w", err)
	}
	return block, nil
}

// Update rewrites a block row and bumps updated_at.
func (s *BlockStore) Update(ctx context.Context, block *core.TrainingBlock) error {
	block.UpdatedAt = s.now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE blocks SET type = ?, status = ?, origin = ?, start = ?, duration_secs = ?,
			calendar_event_id = ?, shadow_event_id = ?, reason = ?, updated_at = ?
		WHERE id = ?
	`, string(block.Type), string(block.Status), string(block.Origin),
		block.Start, int(block.Duration.Seconds()),
		block.CalendarEventID, block.ShadowEventID, block.Reason,
		block.UpdatedAt, string(block.ID))
	if err != nil {
		return fmt.Errorf("update block: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("block %s: %w", block.ID, core.ErrBlockNotFound)
	}
	return nil
}

// Delete removes a block row entirely.
func (s *BlockStore) Delete(ctx context.Context, id core.BlockID) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM blocks WHERE id = ?", string(id))
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("block %s: %w", id, core.ErrBlockNotFound)
	}
	return nil
}

// InRange returns blocks starting inside [from, to), oldest first.
func (s *BlockStore) InRange(ctx context.Context, from, to time.Time) ([]*core.TrainingBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, status, origin, start, duration_secs,
			calendar_event_id, shadow_event_id, reason, created_at, updated_at
		FROM blocks WHERE start >= ? AND start < ?
		ORDER BY start ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	return collectBlocks(rows)
}

// ByStatus returns blocks in one lifecycle state, oldest first.
func (s *BlockStore) ByStatus(ctx context.Context, status core.BlockStatus) ([]*core.TrainingBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, status, origin, start, duration_secs,
			calendar_event_id, shadow_event_id, reason, created_at, updated_at
		FROM blocks WHERE status = ?
		ORDER BY start ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	return collectBlocks(rows)
}

// Upcoming returns the next blocks starting after a point in time.
func (s *BlockStore) Upcoming(ctx context.Context, after time.Time, limit int) ([]*core.TrainingBlock, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, status, origin, start, duration_secs,
			calendar_event_id, shadow_event_id, reason, created_at, updated_at
		FROM blocks
		WHERE start > ? AND status IN (?, ?)
		ORDER BY start ASC LIMIT ?
	`, after, string(core.BlockProposed), string(core.BlockScheduled), limit)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	return collectBlocks(rows)
}

// ByCalendarEvent finds the block mirroring a calendar event, or nil.
func (s *BlockStore) ByCalendarEvent(ctx context.Context, eventID string) (*core.TrainingBlock, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, status, origin, start, duration_secs,
			calendar_event_id, shadow_event_id, reason, created_at, updated_at
		FROM blocks WHERE calendar_event_id = ?
	`, eventID)

	block, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query block by event: %w", err)
	}
	return block, nil
}

// MissDates returns the start times of every missed block, for the
// consolidation pass.
func (s *BlockStore) MissDates(ctx context.Context) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start FROM blocks WHERE status = ? ORDER BY start ASC
	`, string(core.BlockMissed))
	if err != nil {
		return nil, fmt.Errorf("query miss dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan miss date: %w", err)
		}
		dates = append(dates, t)
	}
	return dates, rows.Err()
}

type blockScanner interface {
	Scan(dest ...interface{}) error
}

func scanBlock(row blockScanner) (*core.TrainingBlock, error) {
	var block core.TrainingBlock
	var id, typ, status, origin string
	var durationSecs int

	err := row.Scan(&id, &typ, &status, &origin, &block.Start, &durationSecs,
		&block.CalendarEventID, &block.ShadowEventID, &block.Reason,
		&block.CreatedAt, &block.UpdatedAt)
	if err != nil {
		return nil, err
	}

	block.ID = core.BlockID(id)
	block.Type = core.WorkoutType(typ)
	block.Status = core.BlockStatus(status)
	block.Origin = core.BlockOrigin(origin)
	block.Duration = time.Duration(durationSecs) * time.Second
	return &block, nil
}

func collectBlocks(rows *sql.Rows) ([]*core.TrainingBlock, error) {
	var blocks []*core.TrainingBlock
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, block)
	}
	return blocks, rows.Err()
}
