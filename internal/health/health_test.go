package health

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ghostcoach/ghostcoach/internal/core"
	"github.com/ghostcoach/ghostcoach/internal/phenome"
)

// fakeProvider serves scripted signals per kind and can fail selected
// kinds to exercise the partial-read paths.
type fakeProvider struct {
	mu      sync.Mutex
	signals map[core.SignalKind][]core.HealthSignal
	fail    map[core.SignalKind]error
	reads   []core.SignalKind
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		signals: make(map[core.SignalKind][]core.HealthSignal),
		fail:    make(map[core.SignalKind]error),
	}
}

func (f *fakeProvider) add(sig core.HealthSignal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals[sig.Kind] = append(f.signals[sig.Kind], sig)
}

func (f *fakeProvider) Read(ctx context.Context, kind core.SignalKind, from, to time.Time) ([]core.HealthSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, kind)
	if err := f.fail[kind]; err != nil {
		return nil, err
	}
	var out []core.HealthSignal
	for _, sig := range f.signals[kind] {
		if sig.Timestamp.Before(from) || sig.Timestamp.After(to) {
			continue
		}
		out = append(out, sig)
	}
	return out, nil
}

func setupIngestor(t *testing.T) (*Ingestor, *fakeProvider, *phenome.Store, *sql.DB) {
	db, err := sql.Open("sqlite", ":memory:?_time_format=sqlite")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := phenome.NewStore(db)
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	provider := newFakeProvider()
	return NewIngestor(provider, store), provider, store, db
}

var morning = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

func TestNormalize_DropsOutOfBounds(t *testing.T) {
	in := []core.HealthSignal{
		{Kind: core.SignalHRV, Value: 52, Timestamp: morning},
		{Kind: core.SignalHRV, Value: 950, Timestamp: morning},
		{Kind: core.SignalRestingHR, Value: 5, Timestamp: morning},
		{Kind: core.SignalSleepHours, Value: 7.5, Timestamp: morning},
		{Kind: core.SignalSleepHours, Value: 30, Timestamp: morning},
	}

	out := Normalize(in)
	if len(out) != 2 {
		t.Fatalf("Expected 2 signals after normalize, got %d", len(out))
	}
	if out[0].Kind != core.SignalHRV || out[1].Kind != core.SignalSleepHours {
		t.Errorf("Wrong survivors: %v, %v", out[0].Kind, out[1].Kind)
	}
}

func TestNormalize_DropsZeroTimestamp(t *testing.T) {
	out := Normalize([]core.HealthSignal{
		{Kind: core.SignalHRV, Value: 48},
	})
	if len(out) != 0 {
		t.Errorf("Expected zero-timestamp signal to be dropped, got %d", len(out))
	}
}

func TestNormalize_FillsDefaults(t *testing.T) {
	out := Normalize([]core.HealthSignal{
		{Kind: core.SignalHRV, Value: 48, Timestamp: morning},
	})
	if len(out) != 1 {
		t.Fatalf("Expected 1 signal, got %d", len(out))
	}
	if out[0].ID == "" {
		t.Error("ID should be filled")
	}
	if out[0].Source != "provider" {
		t.Errorf("Source = %q, want provider", out[0].Source)
	}
}

func TestNormalize_KeepsExistingIdentity(t *testing.T) {
	out := Normalize([]core.HealthSignal{
		{ID: "sig-1", Kind: core.SignalHRV, Value: 48, Source: "watch", Timestamp: morning},
	})
	if out[0].ID != "sig-1" {
		t.Errorf("ID = %q, want sig-1", out[0].ID)
	}
	if out[0].Source != "watch" {
		t.Errorf("Source = %q, want watch", out[0].Source)
	}
}

func TestNormalize_DropsNegativeWorkoutDuration(t *testing.T) {
	out := Normalize([]core.HealthSignal{
		{Kind: core.SignalWorkout, WorkoutType: core.WorkoutRun, Duration: -time.Hour, Timestamp: morning},
		{Kind: core.SignalWorkout, WorkoutType: core.WorkoutRun, Duration: 40 * time.Minute, Timestamp: morning},
	})
	if len(out) != 1 {
		t.Fatalf("Expected 1 workout, got %d", len(out))
	}
	if out[0].Duration != 40*time.Minute {
		t.Errorf("Duration = %v, want 40m", out[0].Duration)
	}
}

func TestIngestor_PullMorning(t *testing.T) {
	ing, provider, store, _ := setupIngestor(t)

	night := morning.Add(-8 * time.Hour)
	provider.add(core.HealthSignal{Kind: core.SignalSleepHours, Value: 7.2, Timestamp: morning})
	provider.add(core.HealthSignal{Kind: core.SignalSleepQuality, Value: 81, Timestamp: morning})
	provider.add(core.HealthSignal{Kind: core.SignalHRV, Value: 55, Timestamp: night})
	provider.add(core.HealthSignal{Kind: core.SignalRestingHR, Value: 52, Timestamp: night})
	// Outside the 24h window, should not land.
	provider.add(core.HealthSignal{Kind: core.SignalHRV, Value: 60, Timestamp: morning.Add(-30 * time.Hour)})

	n, err := ing.PullMorning(context.Background(), morning)
	if err != nil {
		t.Fatalf("PullMorning failed: %v", err)
	}
	if n != 4 {
		t.Errorf("Expected 4 records stored, got %d", n)
	}

	sig, err := store.LatestSignal(context.Background(), core.SignalHRV)
	if err != nil {
		t.Fatalf("LatestSignal failed: %v", err)
	}
	if sig == nil || sig.Value != 55 {
		t.Errorf("Stored HRV = %v, want 55", sig)
	}
}

func TestIngestor_PullMorning_PartialFailure(t *testing.T) {
	ing, provider, store, _ := setupIngestor(t)

	provider.fail[core.SignalHRV] = errors.New("sensor offline")
	provider.add(core.HealthSignal{Kind: core.SignalSleepHours, Value: 6.8, Timestamp: morning})
	provider.add(core.HealthSignal{Kind: core.SignalRestingHR, Value: 58, Timestamp: morning})

	n, err := ing.PullMorning(context.Background(), morning)
	if err != nil {
		t.Fatalf("PullMorning should tolerate a failed kind: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 records stored, got %d", n)
	}

	sig, err := store.LatestSignal(context.Background(), core.SignalHRV)
	if err != nil {
		t.Fatalf("LatestSignal failed: %v", err)
	}
	if sig != nil {
		t.Errorf("No HRV should have landed, got %v", sig)
	}
}

func TestIngestor_PullMorning_ReadsAllKinds(t *testing.T) {
	ing, provider, _, _ := setupIngestor(t)

	if _, err := ing.PullMorning(context.Background(), morning); err != nil {
		t.Fatalf("PullMorning failed: %v", err)
	}

	provider.mu.Lock()
	reads := len(provider.reads)
	provider.mu.Unlock()
	if reads != 4 {
		t.Errorf("Expected 4 kind reads, got %d", reads)
	}
}

func TestIngestor_PullWorkouts(t *testing.T) {
	ing, provider, store, _ := setupIngestor(t)

	done := morning.Add(11 * time.Hour)
	provider.add(core.HealthSignal{
		Kind: core.SignalWorkout, WorkoutType: core.WorkoutRun,
		Duration: 45 * time.Minute, Timestamp: done,
	})

	got, err := ing.PullWorkouts(context.Background(), morning, morning.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("PullWorkouts failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 workout, got %d", len(got))
	}
	if got[0].WorkoutType != core.WorkoutRun {
		t.Errorf("WorkoutType = %v, want run", got[0].WorkoutType)
	}

	stored, err := store.Signals(context.Background(), core.SignalWorkout, morning, morning.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Signals failed: %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("Expected workout persisted, got %d rows", len(stored))
	}
}

func TestIngestor_PullWorkouts_SurfacesReadError(t *testing.T) {
	ing, provider, _, _ := setupIngestor(t)

	provider.fail[core.SignalWorkout] = errors.New("provider timeout")

	_, err := ing.PullWorkouts(context.Background(), morning, morning.Add(24*time.Hour))
	if err == nil {
		t.Fatal("Expected error from failed workout read")
	}
}

func TestIngestor_NilProvider(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:?_time_format=sqlite")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	defer db.Close()

	store := phenome.NewStore(db)
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	ing := NewIngestor(nil, store)
	if ing.Connected() {
		t.Error("Connected should be false without a provider")
	}

	n, err := ing.PullMorning(context.Background(), morning)
	if err != nil || n != 0 {
		t.Errorf("PullMorning = (%d, %v), want (0, nil)", n, err)
	}

	got, err := ing.PullWorkouts(context.Background(), morning, morning.Add(time.Hour))
	if err != nil || got != nil {
		t.Errorf("PullWorkouts = (%v, %v), want (nil, nil)", got, err)
	}
}
