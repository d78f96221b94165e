package phenome

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ghostcoach/ghostcoach/internal/core"
)

// WindowFor buckets a clock time into the day windows behavioral
// memory is keyed by. Anything before 05:00 counts as evening.
func WindowFor(t time.Time) core.WindowPref {
	h := t.Hour()
	switch {
	case h >= 5 && h < 12:
		return core.WindowMorning
	case h >= 12 && h < 17:
		return core.WindowAfternoon
	default:
		return core.WindowEvening
	}
}

// PatternStat is the completion history for one weekday and window
type PatternStat struct {
	Weekday   time.Weekday    `json:"weekday"`
	Window    core.WindowPref `json:"window"`
	Scheduled int             `json:"scheduled"`
	Completed int             `json:"completed"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Rate is completed over scheduled, zero when nothing was scheduled.
func (p PatternStat) Rate() float64 {
	if p.Scheduled == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Scheduled)
}

// RecordOutcome adds one resolved block to the completion history for
// its weekday and window.
func (s *Store) RecordOutcome(ctx context.Context, weekday time.Weekday, window core.WindowPref, completed bool) error {
	done := 0
	if completed {
		done = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pattern_stats (weekday, time_window, scheduled, completed, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(weekday, time_window) DO UPDATE SET
			scheduled = scheduled + 1,
			completed = completed + excluded.completed,
			updated_at = excluded.updated_at
	`, int(weekday), string(window), done, s.now())
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// CompletionRate returns the historical completion rate for a weekday
// and window plus the sample count. No history yields (0, 0).
func (s *Store) CompletionRate(ctx context.Context, weekday time.Weekday, window core.WindowPref) (float64, int, error) {
	var stat PatternStat
	err := s.db.QueryRowContext(ctx, `
		SELECT scheduled, completed FROM pattern_stats
		WHERE weekday = ? AND time_window = ?
	`, int(weekday), string(window)).Scan(&stat.Scheduled, &stat.Completed)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("query completion rate: %w", err)
	}

	return stat.Rate(), stat.Scheduled, nil
}

// PatternStats returns all accumulated completion history.
func (s *Store) PatternStats(ctx context.Context) ([]PatternStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT weekday, time_window, scheduled, completed, updated_at
		FROM pattern_stats ORDER BY weekday, time_window
	`)
	if err != nil {
		return nil, fmt.Errorf("query pattern stats: %w", err)
	}
	defer rows.Close()

	var stats []PatternStat
	for rows.Next() {
		var stat PatternStat
		var weekday int
		var window string
		if err := rows.Scan(&weekday, &window, &stat.Scheduled, &stat.Completed, &stat.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pattern stat: %w", err)
		}
		stat.Weekday = time.Weekday(weekday)
		stat.Window = core.WindowPref(window)
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}

// ----- Fragile periods -----

// FragileLabel marks periods the consolidation pass detected itself.
const FragileLabel = "recurring_low_adherence"

// FragilePeriod is a recurring span of the year where adherence
// historically collapses. Dates are month-day so the period recurs.
type FragilePeriod struct {
	ID         string    `json:"id"`
	Start      string    `json:"start"` // "MM-DD"
	End        string    `json:"end"`   // "MM-DD"
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReplaceFragilePeriods swaps every period carrying a label for the
// given set. Consolidation re-derives its periods from scratch.
func (s *Store) ReplaceFragilePeriods(ctx context.Context, label string, periods []FragilePeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM fragile_periods WHERE label = ?", label); err != nil {
		return fmt.Errorf("clear fragile periods: %w", err)
	}

	for _, p := range periods {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fragile_periods (id, start_md, end_md, label, confidence, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, p.ID, p.Start, p.End, label, p.Confidence, s.now())
		if err != nil {
			return fmt.Errorf("insert fragile period: %w", err)
		}
	}

	return tx.Commit()
}

// FragilePeriods returns every known fragile period.
func (s *Store) FragilePeriods(ctx context.Context) ([]FragilePeriod, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, start_md, end_md, label, confidence, created_at
		FROM fragile_periods ORDER BY start_md
	`)
	if err != nil {
		return nil, fmt.Errorf("query fragile periods: %w", err)
	}
	defer rows.Close()

	var periods []FragilePeriod
	for rows.Next() {
		var p FragilePeriod
		if err := rows.Scan(&p.ID, &p.Start, &p.End, &p.Label, &p.Confidence, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fragile period: %w", err)
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// FragileProximity scores how close a day sits to the nearest fragile
// period: 1 inside one, fading to 0 across two weeks of distance.
func (s *Store) FragileProximity(ctx context.Context, day time.Time) (float64, error) {
	periods, err := s.FragilePeriods(ctx)
	if err != nil {
		return 0, err
	}
	if len(periods) == 0 {
		return 0, nil
	}

	doy := yearDay(int(day.Month()), day.Day())

	best := 0.0
	for _, p := range periods {
		prox := proximity(doy, p)
		if prox > best {
			best = prox
		}
	}
	return best, nil
}

const proximityFadeDays = 14

func proximity(doy int, p FragilePeriod) float64 {
	start, ok := parseMonthDay(p.Start)
	if !ok {
		return 0
	}
	end, ok := parseMonthDay(p.End)
	if !ok {
		return 0
	}

	inside := false
	if start <= end {
		inside = doy >= start && doy <= end
	} else {
		// Period wraps the new year
		inside = doy >= start || doy <= end
	}
	if inside {
		return 1
	}

	dist := wrapDistance(doy, start)
	if d := wrapDistance(doy, end); d < dist {
		dist = d
	}
	if dist >= proximityFadeDays {
		return 0
	}
	return 1 - float64(dist)/proximityFadeDays
}

// DetectFragilePeriods clusters historical miss dates into recurring
// spans of the year. Misses within ten days of each other (ignoring
// the year) form a cluster; a cluster needs three misses to count.
func DetectFragilePeriods(missDates []time.Time) []FragilePeriod {
	if len(missDates) < 3 {
		return nil
	}

	days := make([]int, 0, len(missDates))
	for _, d := range missDates {
		days = append(days, yearDay(int(d.Month()), d.Day()))
	}
	sort.Ints(days)

	const maxGap = 10

	var clusters [][]int
	current := []int{days[0]}
	for _, d := range days[1:] {
		if d-current[len(current)-1] <= maxGap {
			current = append(current, d)
		} else {
			clusters = append(clusters, current)
			current = []int{d}
		}
	}
	clusters = append(clusters, current)

	// The year wraps: a late-December cluster and an early-January one
	// can be the same period.
	if len(clusters) > 1 {
		first, last := clusters[0], clusters[len(clusters)-1]
		if (365-last[len(last)-1])+first[0] <= maxGap {
			merged := append(last, first...)
			clusters = append([][]int{merged}, clusters[1:len(clusters)-1]...)
		}
	}

	var periods []FragilePeriod
	for _, cluster := range clusters {
		if len(cluster) < 3 {
			continue
		}

		start := cluster[0] - 3
		end := cluster[len(cluster)-1] + 3
		periods = append(periods, FragilePeriod{
			Start:      monthDay(start),
			End:        monthDay(end),
			Label:      FragileLabel,
			Confidence: float64(len(cluster)) / float64(len(cluster)+3),
		})
	}
	return periods
}

// ----- Month-day arithmetic -----

// A fixed non-leap reference year keeps day-of-year math stable.
const refYear = 2001

func yearDay(month, day int) int {
	return time.Date(refYear, time.Month(month), day, 0, 0, 0, 0, time.UTC).YearDay()
}

func monthDay(doy int) string {
	for doy < 1 {
		doy += 365
	}
	for doy > 365 {
		doy -= 365
	}
	d := time.Date(refYear, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, doy-1)
	return d.Format("01-02")
}

func parseMonthDay(md string) (int, bool) {
	var month, day int
	if _, err := fmt.Sscanf(md, "%d-%d", &month, &day); err != nil {
		return 0, false
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return 0, false
	}
	return yearDay(month, day), true
}

func wrapDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if 365-d < d {
		d = 365 - d
	}
	return d
}
