package trust

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ghostcoach/ghostcoach/internal/receipts"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:?_time_format=sqlite")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	return db
}

func setupStore(t *testing.T) (*Store, *sql.DB) {
	db := setupTestDB(t)
	store := NewStore(db, nil)
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return store, db
}

func seedScore(t *testing.T, store *Store, score float64) {
	t.Helper()
	state := &State{
		Score:     score,
		Phase:     PhaseForScore(score),
		UpdatedAt: time.Now(),
	}
	if err := store.saveState(state); err != nil {
		t.Fatalf("Failed to seed trust state: %v", err)
	}
}

func TestStore_InitSchema(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	store := NewStore(db, nil)
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	for _, table := range []string{"trust_state", "trust_events"} {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&count)
		if err != nil || count != 1 {
			t.Errorf("%s table not created", table)
		}
	}
}

func TestStore_State_FreshInstall(t *testing.T) {
	store, db := setupStore(t)
	defer db.Close()

	state, err := store.State()
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}

	if state.Score != 0 {
		t.Errorf("Fresh score = %v, want 0", state.Score)
	}
	if state.Phase != PhaseObserver {
		t.Errorf("Fresh phase = %v, want %v", state.Phase, PhaseObserver)
	}
	if state.ConsecutiveDeletes != 0 {
		t.Errorf("Fresh delete streak = %v, want 0", state.ConsecutiveDeletes)
	}
}

func TestPhaseForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  Phase
	}{
		{0, PhaseObserver},
		{24.9, PhaseObserver},
		{25, PhaseScheduler},
		{49.9, PhaseScheduler},
		{50, PhaseAutoScheduler},
		{69.9, PhaseAutoScheduler},
		{70, PhaseTransformer},
		{84.9, PhaseTransformer},
		{85, PhaseFullGhost},
		{100, PhaseFullGhost},
	}

	for _, tt := range tests {
		if got := PhaseForScore(tt.score); got != tt.want {
			t.Errorf("PhaseForScore(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestPhase_Allows(t *testing.T) {
	tests := []struct {
		phase Phase
		cap   Capability
		want  bool
	}{
		{PhaseObserver, CapSuggest, true},
		{PhaseObserver, CapPropose, false},
		{PhaseScheduler, CapSuggest, true},
		{PhaseScheduler, CapPropose, true},
		{PhaseScheduler, CapAutoSchedule, false},
		{PhaseAutoScheduler, CapAutoSchedule, true},
		{PhaseAutoScheduler, CapDowngrade, true},
		{PhaseAutoScheduler, CapMove, false},
		{PhaseTransformer, CapMove, true},
		{PhaseTransformer, CapTransform, true},
		{PhaseTransformer, CapCancel, false},
		{PhaseFullGhost, CapCancel, true},
		{PhaseFullGhost, CapPlanWeek, true},
		{PhaseFullGhost, CapSuggest, true},
	}

	for _, tt := range tests {
		if got := tt.phase.Allows(tt.cap); got != tt.want {
			t.Errorf("%s.Allows(%s) = %v, want %v", tt.phase, tt.cap, got, tt.want)
		}
	}
}

func TestPhase_Allows_UnknownCapability(t *testing.T) {
	if PhaseFullGhost.Allows(Capability("teleport")) {
		t.Error("Unknown capability should never be granted")
	}
}

func TestStore_RecordEvent_Deltas(t *testing.T) {
	tests := []struct {
		kind EventKind
		want float64
	}{
		{EventWorkoutCompleted, 53},
		{EventWorkoutMissed, 46},
		{EventProposalAccepted, 52},
		{EventProposalRejected, 49},
		{EventBlockDeleted, 44},
		{EventHealthEmergency, 35},
	}

	for _, tt := range tests {
		store, db := setupStore(t)
		seedScore(t, store, 50)

		state, err := store.RecordEvent(context.Background(), Event{Kind: tt.kind})
		if err != nil {
			t.Fatalf("RecordEvent(%s) failed: %v", tt.kind, err)
		}

		if state.Score != tt.want {
			t.Errorf("Score after %s = %v, want %v", tt.kind, state.Score, tt.want)
		}
		db.Close()
	}
}

func TestStore_RecordEvent_UnknownKind(t *testing.T) {
	store, db := setupStore(t)
	defer db.Close()

	_, err := store.RecordEvent(context.Background(), Event{Kind: EventKind("levitated")})
	if err == nil {
		t.Error("Expected error for unknown event kind")
	}
}

func TestStore_RecordEvent_CancelledContext(t *testing.T) {
	store, db := setupStore(t)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.RecordEvent(ctx, Event{Kind: EventWorkoutCompleted})
	if err == nil {
		t.Error("Expected error for cancelled context")
	}
}

func TestStore_RecordEvent_ClampsAtBounds(t *testing.T) {
	store, db := setupStore(t)
	defer db.Close()

	seedScore(t, store, 99)
	state, err := store.RecordEvent(context.Background(), Event{Kind: EventWorkoutCompleted})
	if err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if state.Score != 100 {
		t.Errorf("Score = %v, want clamp at 100", state.Score)
	}

	seedScore(t, store, 2)
	state, err = store.RecordEvent(context.Background(), Event{Kind: EventWorkoutMissed})
	if err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if state.Score != 0 {
		t.Errorf("Score = %v, want clamp at 0", state.Score)
	}
}

func TestStore_RecordEvent_PromotesThroughPhases(t *testing.T) {
	store, db := setupStore(t)
	defer db.Close()

	// Eight completions earn 24 points, still watching
	for i := 0; i < 8; i++ {
		if _, err := store.RecordEvent(context.Background(), Event{Kind: EventWorkoutCompleted}); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}
	}

	state, _ := store.State()
	if state.Phase != PhaseObserver {
		t.Errorf("Phase at 24 = %v, want %v", state.Phase, PhaseObserver)
	}

	// The ninth crosses into scheduling
	state, err := store.RecordEvent(context.Background(), Event{Kind: EventWorkoutCompleted})
	if err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if state.Score != 27 {
		t.Errorf("Score = %v, want 27", state.Score)
	}
	if state.Phase != PhaseScheduler {
		t.Errorf("Phase = %v, want %v", state.Phase, PhaseScheduler)
	}
}

func TestStore_RecordEvent_BreakerDropsOnePhase(t *testing.T) {
	store, db := setupStore(t)
	defer db.Close()

	seedScore(t, store, 95)

	// Two deletes land on 83, transformer territory
	for i := 0; i < 2; i++ {
		if _, err := store.RecordEvent(context.Background(), Event{Kind: EventBlockDeleted}); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}
	}

	state, _ := store.State()
	if state.Phase != PhaseTransformer {
		t.Fatalf("Phase after two deletes = %v, want %v", state.Phase, PhaseTransformer)
	}
	if state.ConsecutiveDeletes != 2 {
		t.Fatalf("Delete streak = %v, want 2", state.ConsecutiveDeletes)
	}

	// The third trips the breaker: one full phase down from transformer
	state, err := store.RecordEvent(context.Background(), Event{Kind: EventBlockDeleted})
	if err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	if state.Score != 69 {
		t.Errorf("Score after breaker = %v, want 69", state.Score)
	}
	if state.Phase != PhaseAutoScheduler {
		t.Errorf("Phase after breaker = %v, want %v", state.Phase, PhaseAutoScheduler)
	}
	if state.ConsecutiveDeletes != 0 {
		t.Errorf("Delete streak after breaker = %v, want reset to 0", state.ConsecutiveDeletes)
	}

	events, err := store.Events(1)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 1 || !strings.Contains(events[0].Note, "breaker_tripped") {
		t.Error("Breaker trip should be noted on the event")
	}
}

func TestStore_RecordEvent_BreakerAtFloor(t *testing.T) {
	store, db := setupStore(t)
	defer db.Close()

	seedScore(t, store, 5)

	var state *State
	var err error
	for i := 0; i < 3; i++ {
		state, err = store.RecordEvent(context.Background(), Event{Kind: EventBlockDeleted})
		if err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}
	}

	// Nothing below observer; the breaker just resets the streak
	if state.Score != 0 {
		t.Errorf("Score = %v, want 0", state.Score)
	}
	if state.Phase != PhaseObserver {
		t.Errorf("Phase = %v, want %v", state.Phase, PhaseObserver)
	}
	if state.ConsecutiveDeletes != 0 {
		t.Errorf("Delete streak = %v, want 0", state.ConsecutiveDeletes)
	}
}

func TestStore_RecordEvent_NonDeleteResetsStreak(t *testing.T) {
	store, db := setupStore(t)
	defer db.Close()

	seedScore(t, store, 80)

	for i := 0; i < 2; i++ {
		if _, err := store.RecordEvent(context.Background(), Event{Kind: EventBlockDeleted}); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}
	}

	state, err := store.RecordEvent(context.Background(), Event{Kind: EventWorkoutCompleted})
	if err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if state.ConsecutiveDeletes != 0 {
		t.Fatalf("Completion should reset the delete streak, got %v", state.ConsecutiveDeletes)
	}

	// A fresh delete starts counting from one, no breaker
	state, err = store.RecordEvent(context.Background(), Event{Kind: EventBlockDeleted})
	if err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if state.ConsecutiveDeletes != 1 {
		t.Errorf("Delete streak = %v, want 1", state.ConsecutiveDeletes)
	}
	if state.Score != 65 {
		t.Errorf("Score = %v, want 65", state.Score)
	}
}

func TestStore_RecordEvent_DedupeIsNoOp(t *testing.T) {
	store, db := setupStore(t)
	defer db.Close()

	seedScore(t, store, 50)

	first, err := store.RecordEvent(context.Background(), Event{
		Kind:      EventWorkoutCompleted,
		DedupeKey: "evening:2026-03-02:block-1",
	})
	if err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if first.Score != 53 {
		t.Fatalf("Score = %v, want 53", first.Score)
	}

	// Replaying the same key changes nothing
	second, err := store.RecordEvent(context.Background(), Event{
		Kind:      EventWorkoutCompleted,
		DedupeKey: "evening:2026-03-02:block-1",
	})
	if err != nil {
		t.Fatalf("Replayed RecordEvent failed: %v", err)
	}
	if second.Score != 53 {
		t.Errorf("Score after replay = %v, want 53", second.Score)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM trust_events").Scan(&count)
	if count != 1 {
		t.Errorf("Event count = %v, want 1", count)
	}
}

func TestStore_RecordEvent_DistinctKeysBothApply(t *testing.T) {
	store, db := setupStore(t)
	defer db.Close()

	seedScore(t, store, 50)

	store.RecordEvent(context.Background(), Event{
		Kind:      EventWorkoutCompleted,
		DedupeKey: "evening:2026-03-02:block-1",
	})
	state, err := store.RecordEvent(context.Background(), Event{
		Kind:      EventWorkoutCompleted,
		DedupeKey: "evening:2026-03-03:block-2",
	})
	if err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	if state.Score != 56 {
		t.Errorf("Score = %v, want 56", state.Score)
	}
}

func TestStore_Events(t *testing.T) {
	store, db := setupStore(t)
	defer db.Close()

	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	kinds := []EventKind{EventWorkoutCompleted, EventProposalAccepted, EventWorkoutMissed}
	for i, kind := range kinds {
		_, err := store.RecordEvent(context.Background(), Event{
			Kind:      kind,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}
	}

	events, err := store.Events(10)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Event count = %v, want 3", len(events))
	}

	// Newest first
	if events[0].Kind != EventWorkoutMissed {
		t.Errorf("First event = %v, want %v", events[0].Kind, EventWorkoutMissed)
	}
	if events[2].Kind != EventWorkoutCompleted {
		t.Errorf("Last event = %v, want %v", events[2].Kind, EventWorkoutCompleted)
	}
	if events[0].Delta != DeltaWorkoutMissed {
		t.Errorf("Delta = %v, want %v", events[0].Delta, DeltaWorkoutMissed)
	}

	limited, err := store.Events(2)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Limited count = %v, want 2", len(limited))
	}
}

func TestStore_Allows(t *testing.T) {
	store, db := setupStore(t)
	defer db.Close()

	seedScore(t, store, 30)

	ok, err := store.Allows(CapPropose)
	if err != nil {
		t.Fatalf("Allows failed: %v", err)
	}
	if !ok {
		t.Error("Scheduler phase should allow proposing")
	}

	ok, err = store.Allows(CapAutoSchedule)
	if err != nil {
		t.Fatalf("Allows failed: %v", err)
	}
	if ok {
		t.Error("Scheduler phase should not allow auto scheduling")
	}
}

func TestStore_StatePersistsAcrossInstances(t *testing.T) {
	store, db := setupStore(t)
	defer db.Close()

	seedScore(t, store, 50)
	store.RecordEvent(context.Background(), Event{Kind: EventBlockDeleted})
	store.RecordEvent(context.Background(), Event{Kind: EventBlockDeleted})

	reopened := NewStore(db, nil)
	state, err := reopened.State()
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}

	if state.Score != 38 {
		t.Errorf("Score = %v, want 38", state.Score)
	}
	if state.ConsecutiveDeletes != 2 {
		t.Errorf("Delete streak = %v, want 2", state.ConsecutiveDeletes)
	}
}

func TestStore_RecordEvent_WritesReceipt(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	receiptStore := receipts.NewStore(db)
	if err := receiptStore.InitSchema(); err != nil {
		t.Fatalf("Receipt InitSchema failed: %v", err)
	}

	store := NewStore(db, receipts.NewRecorder(receiptStore))
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	if _, err := store.RecordEvent(context.Background(), Event{Kind: EventProposalAccepted}); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	recs, err := receiptStore.Query(receipts.QueryOptions{Action: receipts.ActionTrustChange})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Trust receipt count = %v, want 1", len(recs))
	}
	if recs[0].Actor != receipts.ActorSystem {
		t.Errorf("Actor = %v, want %v", recs[0].Actor, receipts.ActorSystem)
	}
}
