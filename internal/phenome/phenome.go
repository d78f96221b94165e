// Package phenome persists the ghost's picture of the athlete: raw
// health signals, per-day derived metrics, and the behavioral memory
// the planners read. Storage and versioned reads/writes only; scoring
// lives in the recovery package.
package phenome

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghostcoach/ghostcoach/internal/core"
)

// Store owns the phenome tables
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates a phenome store
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// InitSchema creates the phenome tables
func (s *Store) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS health_signals (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		value REAL NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		workout_type TEXT NOT NULL DEFAULT '',
		duration_secs INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_signals_kind_ts ON health_signals(kind, timestamp);

	CREATE TABLE IF NOT EXISTS daily_metrics (
		date TEXT PRIMARY KEY,
		sleep_hours REAL,
		sleep_quality REAL,
		hrv REAL,
		resting_hr REAL,
		workouts INTEGER NOT NULL DEFAULT 0,
		v INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS recovery_snapshots (
		date TEXT PRIMARY KEY,
		score REAL NOT NULL,
		sleep_delta REAL NOT NULL DEFAULT 0,
		hrv_delta REAL NOT NULL DEFAULT 0,
		rhr_delta REAL NOT NULL DEFAULT 0,
		has_sleep INTEGER NOT NULL DEFAULT 0,
		has_hrv INTEGER NOT NULL DEFAULT 0,
		has_rhr INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS pattern_stats (
		weekday INTEGER NOT NULL,
		time_window TEXT NOT NULL,
		scheduled INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (weekday, time_window)
	);

	CREATE TABLE IF NOT EXISTS fragile_periods (
		id TEXT PRIMARY KEY,
		start_md TEXT NOT NULL,
		end_md TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ----- Raw signals -----

// RecordSignal stores one measurement. Missing id and timestamp are
// filled in.
func (s *Store) RecordSignal(ctx context.Context, sig core.HealthSignal) error {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_signals (id, kind, value, source, workout_type, duration_secs, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, sig.ID, string(sig.Kind), sig.Value, sig.Source,
		string(sig.WorkoutType), int(sig.Duration.Seconds()), sig.Timestamp)
	if err != nil {
		return fmt.Errorf("record signal: %w", err)
	}
	return nil
}

// RecordSignals stores a batch inside one transaction.
func (s *Store) RecordSignals(ctx context.Context, sigs []core.HealthSignal) error {
	if len(sigs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, sig := range sigs {
		if sig.ID == "" {
			sig.ID = uuid.New().String()
		}
		if sig.Timestamp.IsZero() {
			sig.Timestamp = s.now()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO health_signals (id, kind, value, source, workout_type, duration_secs, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, sig.ID, string(sig.Kind), sig.Value, sig.Source,
			string(sig.WorkoutType), int(sig.Duration.Seconds()), sig.Timestamp)
		if err != nil {
			return fmt.Errorf("record signal %s: %w", sig.ID, err)
		}
	}

	return tx.Commit()
}

// ReplaceSignals stores a batch, overwriting rows with the same id.
// Companion completion records carry authority for their ids.
func (s *Store) ReplaceSignals(ctx context.Context, sigs []core.HealthSignal) error {
	if len(sigs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, sig := range sigs {
		if sig.ID == "" {
			sig.ID = uuid.New().String()
		}
		if sig.Timestamp.IsZero() {
			sig.Timestamp = s.now()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO health_signals (id, kind, value, source, workout_type, duration_secs, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				kind = excluded.kind,
				value = excluded.value,
				source = excluded.source,
				workout_type = excluded.workout_type,
				duration_secs = excluded.duration_secs,
				timestamp = excluded.timestamp
		`, sig.ID, string(sig.Kind), sig.Value, sig.Source,
			string(sig.WorkoutType), int(sig.Duration.Seconds()), sig.Timestamp)
		if err != nil {
			return fmt.Errorf("replace signal %s: %w", sig.ID, err)
		}
	}

	return tx.Commit()
}

// Signals returns measurements of one kind inside [from, to), oldest
// first.
func (s *Store) Signals(ctx context.Context, kind core.SignalKind, from, to time.Time) ([]core.HealthSignal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, value, source, workout_type, duration_secs, timestamp
		FROM health_signals
		WHERE kind = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC
	`, string(kind), from, to)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var sigs []core.HealthSignal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

// LatestSignal returns the newest measurement of a kind, or nil.
func (s *Store) LatestSignal(ctx context.Context, kind core.SignalKind) (*core.HealthSignal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, value, source, workout_type, duration_secs, timestamp
		FROM health_signals WHERE kind = ?
		ORDER BY timestamp DESC LIMIT 1
	`, string(kind))

	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

// Baseline averages a signal kind over the days before upTo. The bool
// reports whether any data existed.
func (s *Store) Baseline(ctx context.Context, kind core.SignalKind, upTo time.Time, days int) (float64, bool, error) {
	from := upTo.AddDate(0, 0, -days)

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(value) FROM health_signals
		WHERE kind = ? AND timestamp >= ? AND timestamp < ?
	`, string(kind), from, upTo).Scan(&avg)
	if err != nil {
		return 0, false, fmt.Errorf("baseline %s: %w", kind, err)
	}

	return avg.Float64, avg.Valid, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSignal(row scanner) (core.HealthSignal, error) {
	var sig core.HealthSignal
	var kind, workoutType string
	var durationSecs int

	err := row.Scan(&sig.ID, &kind, &sig.Value, &sig.Source,
		&workoutType, &durationSecs, &sig.Timestamp)
	if err != nil {
		return sig, err
	}

	sig.Kind = core.SignalKind(kind)
	sig.WorkoutType = core.WorkoutType(workoutType)
	sig.Duration = time.Duration(durationSecs) * time.Second
	return sig, nil
}

// ----- Daily metrics -----

// DailyMetrics is the per-day rollup of raw signals. Has* flags mark
// which channels reported that day.
type DailyMetrics struct {
	Date string `json:"date"` // YYYY-MM-DD

	SleepHours float64 `json:"sleep_hours"`
	HasSleep   bool    `json:"has_sleep"`

	SleepQuality float64 `json:"sleep_quality"` // 0-100 device rating
	HasQuality   bool    `json:"has_quality"`

	HRV    float64 `json:"hrv"`
	HasHRV bool    `json:"has_hrv"`

	RestingHR float64 `json:"resting_hr"`
	HasRHR    bool    `json:"has_rhr"`

	Workouts int `json:"workouts"`
}

// UpsertDaily writes one day's rollup, replacing any previous row.
func (s *Store) UpsertDaily(ctx context.Context, m DailyMetrics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_metrics (date, sleep_hours, sleep_quality, hrv, resting_hr, workouts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			sleep_hours = excluded.sleep_hours,
			sleep_quality = excluded.sleep_quality,
			hrv = excluded.hrv,
			resting_hr = excluded.resting_hr,
			workouts = excluded.workouts
	`, m.Date,
		nullable(m.SleepHours, m.HasSleep),
		nullable(m.SleepQuality, m.HasQuality),
		nullable(m.HRV, m.HasHRV),
		nullable(m.RestingHR, m.HasRHR),
		m.Workouts)
	if err != nil {
		return fmt.Errorf("upsert daily metrics: %w", err)
	}
	return nil
}

// DailyFor returns one day's rollup, or nil when the day has none.
func (s *Store) DailyFor(ctx context.Context, date string) (*DailyMetrics, error) {
	var m DailyMetrics
	var sleep, quality, hrv, rhr sql.NullFloat64

	err := s.db.QueryRowContext(ctx, `
		SELECT date, sleep_hours, sleep_quality, hrv, resting_hr, workouts
		FROM daily_metrics WHERE date = ?
	`, date).Scan(&m.Date, &sleep, &quality, &hrv, &rhr, &m.Workouts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query daily metrics: %w", err)
	}

	m.SleepHours, m.HasSleep = sleep.Float64, sleep.Valid
	m.SleepQuality, m.HasQuality = quality.Float64, quality.Valid
	m.HRV, m.HasHRV = hrv.Float64, hrv.Valid
	m.RestingHR, m.HasRHR = rhr.Float64, rhr.Valid
	return &m, nil
}

func nullable(v float64, has bool) interface{} {
	if !has {
		return nil
	}
	return v
}

// ----- Recovery snapshots -----

// SaveSnapshot persists a scored morning, replacing any earlier score
// for the same date.
func (s *Store) SaveSnapshot(ctx context.Context, snap core.RecoverySnapshot) error {
	created := snap.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery_snapshots (date, score, sleep_delta, hrv_delta, rhr_delta, has_sleep, has_hrv, has_rhr, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			score = excluded.score,
			sleep_delta = excluded.sleep_delta,
			hrv_delta = excluded.hrv_delta,
			rhr_delta = excluded.rhr_delta,
			has_sleep = excluded.has_sleep,
			has_hrv = excluded.has_hrv,
			has_rhr = excluded.has_rhr,
			created_at = excluded.created_at
	`, snap.Date, snap.Score, snap.SleepDelta, snap.HRVDelta, snap.RHRDelta,
		snap.HasSleep, snap.HasHRV, snap.HasRHR, created)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// SnapshotFor returns the recovery score for a date, or nil.
func (s *Store) SnapshotFor(ctx context.Context, date string) (*core.RecoverySnapshot, error) {
	var snap core.RecoverySnapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT date, score, sleep_delta, hrv_delta, rhr_delta, has_sleep, has_hrv, has_rhr, created_at
		FROM recovery_snapshots WHERE date = ?
	`, date).Scan(&snap.Date, &snap.Score, &snap.SleepDelta, &snap.HRVDelta, &snap.RHRDelta,
		&snap.HasSleep, &snap.HasHRV, &snap.HasRHR, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return &snap, nil
}

// RecentSnapshots returns up to limit scored days, newest first.
func (s *Store) RecentSnapshots(ctx context.Context, limit int) ([]*core.RecoverySnapshot, error) {
	if limit <= 0 {
		limit = 14
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT date, score, sleep_delta, hrv_delta, rhr_delta, has_sleep, has_hrv, has_rhr, created_at
		FROM recovery_snapshots ORDER BY date DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*core.RecoverySnapshot
	for rows.Next() {
		var snap core.RecoverySnapshot
		if err := rows.Scan(&snap.Date, &snap.Score, &snap.SleepDelta, &snap.HRVDelta,
			&snap.RHRDelta, &snap.HasSleep, &snap.HasHRV, &snap.HasRHR, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

// ----- Compaction -----

// Compact rolls raw signals older than the cutoff into daily_metrics
// and deletes them. Days the evening cycle already rolled up keep
// their existing row. Returns the number of signals removed.
func (s *Store) Compact(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// One aggregate row per day that still has raw signals
	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_metrics (date, sleep_hours, sleep_quality, hrv, resting_hr, workouts)
		SELECT date(timestamp),
			MAX(CASE WHEN kind = 'sleep_hours' THEN value END),
			AVG(CASE WHEN kind = 'sleep_quality' THEN value END),
			AVG(CASE WHEN kind = 'hrv' THEN value END),
			AVG(CASE WHEN kind = 'resting_hr' THEN value END),
			SUM(CASE WHEN kind = 'workout' THEN 1 ELSE 0 END)
		FROM health_signals
		WHERE timestamp < ?
		GROUP BY date(timestamp)
		ON CONFLICT(date) DO NOTHING
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("roll up signals: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM health_signals WHERE timestamp < ?", olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete signals: %w", err)
	}
	removed, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(removed), nil
}
