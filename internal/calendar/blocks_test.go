package calendar

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ghostcoach/ghostcoach/internal/core"
)

func setupBlockStore(t *testing.T) *BlockStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:?_time_format=sqlite")
	if err != nil {
		t.Fatalf("Failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewBlockStore(db)
	if err := store.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	return store
}

func TestBlockStore_SaveAndGet(t *testing.T) {
	store := setupBlockStore(t)
	ctx := context.Background()

	fixed := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return fixed })

	block := &core.TrainingBlock{
		Type:            core.WorkoutRun,
		Status:          core.BlockScheduled,
		Origin:          core.OriginAuto,
		Start:           time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC),
		Duration:        45 * time.Minute,
		CalendarEventID: "ev-1",
		Reason:          "tuesday run",
	}
	if err := store.Save(ctx, block); err != nil {
		t.Fatalf("Failed to save block: %v", err)
	}

	if block.ID == "" {
		t.Error("Expected generated id")
	}
	if !block.CreatedAt.Equal(fixed) {
		t.Errorf("Expected created_at %v, got %v", fixed, block.CreatedAt)
	}

	got, err := store.Get(ctx, block.ID)
	if err != nil {
		t.Fatalf("Failed to get block: %v", err)
	}
	if got.Type != core.WorkoutRun || got.Duration != 45*time.Minute {
		t.Errorf("Round trip mismatch: %+v", got)
	}
	if !got.Start.Equal(block.Start) {
		t.Errorf("Expected start %v, got %v", block.Start, got.Start)
	}
	if got.Reason != "tuesday run" {
		t.Errorf("Expected reason to survive, got %q", got.Reason)
	}
}

func TestBlockStore_GetMissing(t *testing.T) {
	store := setupBlockStore(t)

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, core.ErrBlockNotFound) {
		t.Errorf("Expected ErrBlockNotFound, got %v", err)
	}
}

func TestBlockStore_Update(t *testing.T) {
	store := setupBlockStore(t)
	ctx := context.Background()

	block := &core.TrainingBlock{
		Type:     core.WorkoutRun,
		Status:   core.BlockScheduled,
		Origin:   core.OriginAuto,
		Start:    time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC),
		Duration: time.Hour,
	}
	if err := store.Save(ctx, block); err != nil {
		t.Fatalf("Failed to save block: %v", err)
	}

	block.Status = core.BlockCompleted
	block.Reason = "done early"
	if err := store.Update(ctx, block); err != nil {
		t.Fatalf("Failed to update block: %v", err)
	}

	got, err := store.Get(ctx, block.ID)
	if err != nil {
		t.Fatalf("Failed to get block: %v", err)
	}
	if got.Status != core.BlockCompleted || got.Reason != "done early" {
		t.Errorf("Update didn't stick: %+v", got)
	}

	phantom := &core.TrainingBlock{ID: "ghost-of-a-block", Type: core.WorkoutRun, Status: core.BlockScheduled, Origin: core.OriginAuto}
	if err := store.Update(ctx, phantom); !errors.Is(err, core.ErrBlockNotFound) {
		t.Errorf("Expected ErrBlockNotFound updating missing block, got %v", err)
	}
}

func TestBlockStore_Delete(t *testing.T) {
	store := setupBlockStore(t)
	ctx := context.Background()

	block := &core.TrainingBlock{
		Type: core.WorkoutWalk, Status: core.BlockProposed, Origin: core.OriginProposed,
		Start: time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC), Duration: time.Hour,
	}
	if err := store.Save(ctx, block); err != nil {
		t.Fatalf("Failed to save block: %v", err)
	}
	if err := store.Delete(ctx, block.ID); err != nil {
		t.Fatalf("Failed to delete block: %v", err)
	}
	if _, err := store.Get(ctx, block.ID); !errors.Is(err, core.ErrBlockNotFound) {
		t.Errorf("Expected block gone, got %v", err)
	}
	if err := store.Delete(ctx, block.ID); !errors.Is(err, core.ErrBlockNotFound) {
		t.Errorf("Expected ErrBlockNotFound on double delete, got %v", err)
	}
}

func TestBlockStore_InRange(t *testing.T) {
	store := setupBlockStore(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		block := &core.TrainingBlock{
			Type: core.WorkoutRun, Status: core.BlockScheduled, Origin: core.OriginAuto,
			Start: day.AddDate(0, 0, i).Add(7 * time.Hour), Duration: time.Hour,
		}
		if err := store.Save(ctx, block); err != nil {
			t.Fatalf("Failed to save block %d: %v", i, err)
		}
	}

	// Half-open range: day 1 and 2, not day 3
	got, err := store.InRange(ctx, day.AddDate(0, 0, 1), day.AddDate(0, 0, 3))
	if err != nil {
		t.Fatalf("Failed to query range: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 blocks, got %d", len(got))
	}
	if !got[0].Start.Before(got[1].Start) {
		t.Error("Expected oldest first ordering")
	}
}

func TestBlockStore_ByStatusAndUpcoming(t *testing.T) {
	store := setupBlockStore(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	statuses := []core.BlockStatus{
		core.BlockCompleted, core.BlockMissed, core.BlockScheduled,
		core.BlockProposed, core.BlockCancelled, core.BlockScheduled,
	}
	for i, st := range statuses {
		block := &core.TrainingBlock{
			Type: core.WorkoutRun, Status: st, Origin: core.OriginAuto,
			Start: day.AddDate(0, 0, i).Add(7 * time.Hour), Duration: time.Hour,
		}
		if err := store.Save(ctx, block); err != nil {
			t.Fatalf("Failed to save block %d: %v", i, err)
		}
	}

	scheduled, err := store.ByStatus(ctx, core.BlockScheduled)
	if err != nil {
		t.Fatalf("Failed to query by status: %v", err)
	}
	if len(scheduled) != 2 {
		t.Errorf("Expected 2 scheduled blocks, got %d", len(scheduled))
	}

	// Upcoming skips resolved and cancelled blocks
	upcoming, err := store.Upcoming(ctx, day, 0)
	if err != nil {
		t.Fatalf("Failed to query upcoming: %v", err)
	}
	if len(upcoming) != 3 {
		t.Fatalf("Expected 3 upcoming blocks, got %d", len(upcoming))
	}
	for _, b := range upcoming {
		if b.Status != core.BlockScheduled && b.Status != core.BlockProposed {
			t.Errorf("Unexpected status %s in upcoming", b.Status)
		}
	}

	limited, err := store.Upcoming(ctx, day, 1)
	if err != nil {
		t.Fatalf("Failed to query limited upcoming: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected limit 1 respected, got %d", len(limited))
	}
}

func TestBlockStore_ByCalendarEvent(t *testing.T) {
	store := setupBlockStore(t)
	ctx := context.Background()

	block := &core.TrainingBlock{
		Type: core.WorkoutYoga, Status: core.BlockScheduled, Origin: core.OriginUser,
		Start: time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC), Duration: time.Hour,
		CalendarEventID: "ev-yoga",
	}
	if err := store.Save(ctx, block); err != nil {
		t.Fatalf("Failed to save block: %v", err)
	}

	got, err := store.ByCalendarEvent(ctx, "ev-yoga")
	if err != nil {
		t.Fatalf("Failed to query by event: %v", err)
	}
	if got == nil || got.ID != block.ID {
		t.Errorf("Expected the yoga block, got %+v", got)
	}

	none, err := store.ByCalendarEvent(ctx, "ev-unknown")
	if err != nil {
		t.Fatalf("Expected no error for unknown event, got %v", err)
	}
	if none != nil {
		t.Errorf("Expected nil for unknown event, got %+v", none)
	}
}

func TestBlockStore_MissDates(t *testing.T) {
	store := setupBlockStore(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	statuses := []core.BlockStatus{core.BlockMissed, core.BlockCompleted, core.BlockMissed}
	for i, st := range statuses {
		block := &core.TrainingBlock{
			Type: core.WorkoutRun, Status: st, Origin: core.OriginAuto,
			Start: day.AddDate(0, 0, i).Add(7 * time.Hour), Duration: time.Hour,
		}
		if err := store.Save(ctx, block); err != nil {
			t.Fatalf("Failed to save block %d: %v", i, err)
		}
	}

	dates, err := store.MissDates(ctx)
	if err != nil {
		t.Fatalf("Failed to query miss dates: %v", err)
	}
	if len(dates) != 2 {
		t.Fatalf("Expected 2 miss dates, got %d", len(dates))
	}
	if !dates[0].Before(dates[1]) {
		t.Error("Expected ascending order")
	}
}
