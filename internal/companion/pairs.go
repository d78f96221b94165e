package companion

import (
	"context"
	"database/sql"
	"fmt"
)

// PairStore persists which companions completed pairing
type PairStore struct {
	db *sql.DB
}

// NewPairStore creates a pair store on an open database
func NewPairStore(db *sql.DB) *PairStore {
	return &PairStore{db: db}
}

// InitSchema creates the paired_devices table
func (s *PairStore) InitSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS paired_devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			paired_at TIMESTAMP NOT NULL
		)
	`)
	return err
}

// Save records a pairing. Re-pairing the same device updates it.
func (s *PairStore) Save(ctx context.Context, dev PairedDevice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paired_devices (id, name, paired_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, paired_at = excluded.paired_at
	`, dev.ID, dev.Name, dev.PairedAt)
	if err != nil {
		return fmt.Errorf("save pairing: %w", err)
	}
	return nil
}

// Get returns a paired device, or nil when the id is unknown
func (s *PairStore) Get(ctx context.Context, id string) (*PairedDevice, error) {
	var dev PairedDevice
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, paired_at FROM paired_devices WHERE id = ?
	`, id).Scan(&dev.ID, &dev.Name, &dev.PairedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pairing: %w", err)
	}
	return &dev, nil
}

// List returns all paired devices, oldest pairing first
func (s *PairStore) List(ctx context.Context) ([]PairedDevice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, paired_at FROM paired_devices ORDER BY paired_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pairings: %w", err)
	}
	defer rows.Close()

	var devs []PairedDevice
	for rows.Next() {
		var dev PairedDevice
		if err := rows.Scan(&dev.ID, &dev.Name, &dev.PairedAt); err != nil {
			return nil, err
		}
		devs = append(devs, dev)
	}
	return devs, rows.Err()
}

// Remove forgets a pairing
func (s *PairStore) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM paired_devices WHERE id = ?`, id)
	return err
}
