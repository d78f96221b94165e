// Package opqueue buffers backend operations while the device is
// offline and replays them once connectivity returns. Operations are
// durable rows; a bounded retry budget keeps poison ops from living
// forever.
package opqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ghostcoach/ghostcoach/internal/logging"
	"github.com/ghostcoach/ghostcoach/internal/receipts"
)

// MaxRetries is the default number of failed sends an operation
// survives.
const MaxRetries = 5

// Op is one queued backend operation.
type Op struct {
	ID         string    `json:"id"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	Body       string    `json:"body,omitempty"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Sender delivers one operation to the backend.
type Sender interface {
	Send(ctx context.Context, op Op) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, op Op) error

func (f SenderFunc) Send(ctx context.Context, op Op) error {
	return f(ctx, op)
}

// FlushResult counts what one flush pass did.
type FlushResult struct {
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Dropped int `json:"dropped"`
}

// Queue is the durable offline queue.
type Queue struct {
	db         *sql.DB
	receipts   *receipts.Recorder
	maxRetries int

	flights singleflight.Group
	online  func(context.Context) bool
	now     func() time.Time
}

// NewQueue creates a queue over an existing database handle. Without a
// probe the queue assumes it is online.
func NewQueue(db *sql.DB, recorder *receipts.Recorder) *Queue {
	return &Queue{
		db:         db,
		receipts:   recorder,
		maxRetries: MaxRetries,
		now:        time.Now,
	}
}

// SetMaxRetries overrides the retry ceiling. Values below 1 keep the
// default.
func (q *Queue) SetMaxRetries(n int) {
	if n > 0 {
		q.maxRetries = n
	}
}

// SetClock overrides the time source, for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// SetProbe wires in the connectivity check consulted before a flush.
func (q *Queue) SetProbe(online func(context.Context) bool) {
	q.online = online
}

// InitSchema creates the queue table if needed.
func (q *Queue) InitSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_ops (
			id TEXT PRIMARY KEY,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT 'POST',
			body TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

// Enqueue persists an operation. It never waits on a running flush.
func (q *Queue) Enqueue(ctx context.Context, op Op) (*Op, error) {
	if op.Endpoint == "" {
		return nil, fmt.Errorf("enqueue: endpoint required")
	}
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.Method == "" {
		op.Method = "POST"
	}
	now := q.now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_ops (id, endpoint, method, body, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`, op.ID, op.Endpoint, op.Method, op.Body, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueue op: %w", err)
	}
	return &op, nil
}

// Pending returns queued operations, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]Op, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, endpoint, method, body, retry_count, created_at, updated_at
		FROM queue_ops ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var ops []Op
	for rows.Next() {
		var op Op
		if err := rows.Scan(&op.ID, &op.Endpoint, &op.Method, &op.Body, &op.RetryCount, &op.CreatedAt, &op.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan op: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Len returns the number of queued operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_ops`).Scan(&n)
	return n, err
}

// Flush replays the queue through the sender. It is a no-op while
// offline or when the queue is empty, and concurrent calls coalesce
// into a single pass whose result they all share.
func (q *Queue) Flush(ctx context.Context, sender Sender) (FlushResult, error) {
	if sender == nil {
		return FlushResult{}, fmt.Errorf("flush: sender required")
	}
	if q.online != nil && !q.online(ctx) {
		return FlushResult{}, nil
	}

	v, err, _ := q.flights.Do("flush", func() (interface{}, error) {
		return q.flushOnce(ctx, sender)
	})
	result, _ := v.(FlushResult)
	return result, err
}

func (q *Queue) flushOnce(ctx context.Context, sender Sender) (FlushResult, error) {
	var result FlushResult

	ops, err := q.Pending(ctx)
	if err != nil {
		return result, err
	}
	if len(ops) == 0 {
		return result, nil
	}

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := sender.Send(ctx, op); err != nil {
			op.RetryCount++
			if op.RetryCount >= q.maxRetries {
				if _, derr := q.db.ExecContext(ctx, `DELETE FROM queue_ops WHERE id = ?`, op.ID); derr != nil {
					return result, fmt.Errorf("drop op %s: %w", op.ID, derr)
				}
				result.Dropped++
				logging.WithField("endpoint", op.Endpoint).Warn("dropped op after %d retries: %v", op.RetryCount, err)
				if q.receipts != nil {
					q.receipts.QueueDropped(op.ID, op.Endpoint, op.RetryCount)
				}
				continue
			}

			if _, uerr := q.db.ExecContext(ctx, `
				UPDATE queue_ops SET retry_count = ?, updated_at = ? WHERE id = ?
			`, op.RetryCount, q.now().UTC(), op.ID); uerr != nil {
				return result, fmt.Errorf("bump retry %s: %w", op.ID, uerr)
			}
			result.Retried++
			continue
		}

		if _, derr := q.db.ExecContext(ctx, `DELETE FROM queue_ops WHERE id = ?`, op.ID); derr != nil {
			return result, fmt.Errorf("remove sent op %s: %w", op.ID, derr)
		}
		result.Sent++
	}

	if result.Sent > 0 || result.Dropped > 0 {
		logging.WithFields(map[string]interface{}{
			"sent":    result.Sent,
			"retried": result.Retried,
			"dropped": result.Dropped,
		}).Debug("queue flush finished")
	}
	return result, nil
}

// Clear empties the queue, returning how many operations it held.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_ops`)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
