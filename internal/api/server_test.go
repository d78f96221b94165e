package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ghostcoach/ghostcoach/internal/calendar"
	"github.com/ghostcoach/ghostcoach/internal/core"
	"github.com/ghostcoach/ghostcoach/internal/notify"
	"github.com/ghostcoach/ghostcoach/internal/opqueue"
	"github.com/ghostcoach/ghostcoach/internal/phenome"
	"github.com/ghostcoach/ghostcoach/internal/receipts"
	"github.com/ghostcoach/ghostcoach/internal/trust"
)

type fakeProvider struct {
	calendars []calendar.CalendarInfo
	events    map[string]map[string]calendar.Event
	seq       int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		calendars: []calendar.CalendarInfo{{ID: "primary", Summary: "Personal", Primary: true}},
		events:    map[string]map[string]calendar.Event{"primary": {}},
	}
}

func (f *fakeProvider) ListCalendars(ctx context.Context) ([]calendar.CalendarInfo, error) {
	return f.calendars, nil
}

func (f *fakeProvider) ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]calendar.Event, error) {
	var out []calendar.Event
	for _, ev := range f.events[calendarID] {
		if ev.Start.Before(end) && ev.End.After(start) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (f *fakeProvider) CreateEvent(ctx context.Context, calendarID string, req calendar.EventRequest) (string, error) {
	f.seq++
	id := fmt.Sprintf("ev-%d", f.seq)
	f.events[calendarID][id] = calendar.Event{
		ID: id, CalendarID: calendarID, Summary: req.Summary,
		Start: req.Start, End: req.End, Status: "confirmed",
	}
	return id, nil
}

func (f *fakeProvider) MoveEvent(ctx context.Context, calendarID, eventID string, start, end time.Time) error {
	ev := f.events[calendarID][eventID]
	ev.Start, ev.End = start, end
	f.events[calendarID][eventID] = ev
	return nil
}

func (f *fakeProvider) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	delete(f.events[calendarID], eventID)
	return nil
}

func (f *fakeProvider) CreateCalendar(ctx context.Context, summary string) (string, error) {
	f.seq++
	id := fmt.Sprintf("cal-%d", f.seq)
	f.calendars = append(f.calendars, calendar.CalendarInfo{ID: id, Summary: summary})
	f.events[id] = map[string]calendar.Event{}
	return id, nil
}

type nullChannel struct{}

func (nullChannel) Deliver(ctx context.Context, req notify.Request) error { return nil }

type testEnv struct {
	server *Server
	db     *sql.DB
	trust  *trust.Store
	cal    *calendar.Scheduler
	now    time.Time
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:?_time_format=sqlite")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	now := time.Date(2026, 4, 6, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	recStore := receipts.NewStore(db)
	if err := recStore.InitSchema(); err != nil {
		t.Fatalf("failed to init receipts schema: %v", err)
	}
	recStore.SetClock(clock)
	recorder := receipts.NewRecorder(recStore)

	trustStore := trust.NewStore(db, recorder)
	if err := trustStore.InitSchema(); err != nil {
		t.Fatalf("failed to init trust schema: %v", err)
	}
	trustStore.SetClock(clock)

	phenomeStore := phenome.NewStore(db)
	if err := phenomeStore.InitSchema(); err != nil {
		t.Fatalf("failed to init phenome schema: %v", err)
	}
	phenomeStore.SetClock(clock)

	blocks := calendar.NewBlockStore(db)
	if err := blocks.InitSchema(); err != nil {
		t.Fatalf("failed to init blocks schema: %v", err)
	}
	cal := calendar.NewScheduler(newFakeProvider(), blocks, recorder, calendar.Config{
		GhostCalendar: "Training (Ghost)",
		Buffer:        15 * time.Minute,
		Location:      time.UTC,
	})
	cal.SetClock(clock)

	governor := notify.NewGovernor(db, nullChannel{}, recorder, notify.Config{Location: time.UTC})
	if err := governor.InitSchema(); err != nil {
		t.Fatalf("failed to init governor schema: %v", err)
	}
	governor.SetClock(clock)

	queue := opqueue.NewQueue(db, recorder)
	if err := queue.InitSchema(); err != nil {
		t.Fatalf("failed to init queue schema: %v", err)
	}
	queue.SetClock(clock)

	server := New(Config{
		Port:     0,
		Location: time.UTC,
		Version:  "test",
		Trust:    trustStore,
		Receipts: recStore,
		Phenome:  phenomeStore,
		Calendar: cal,
		Governor: governor,
		Queue:    queue,
	})
	server.SetClock(clock)

	return &testEnv{server: server, db: db, trust: trustStore, cal: cal, now: now}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(into); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func (e *testEnv) propose(t *testing.T, start time.Time) *core.TrainingBlock {
	t.Helper()
	block := &core.TrainingBlock{
		Type:     core.WorkoutStrength,
		Start:    start,
		Duration: time.Hour,
	}
	if err := e.cal.ProposeBlock(context.Background(), block, calendar.PlaceOptions{Confidence: 0.7}); err != nil {
		t.Fatalf("failed to propose block: %v", err)
	}
	return block
}

func TestStatusEndpoint(t *testing.T) {
	e := setupServer(t)

	rec := e.do(t, http.MethodGet, "/api/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]interface{}
	decode(t, rec, &body)
	if body["trust_phase"] != string(trust.PhaseObserver) {
		t.Errorf("trust_phase = %v, want observer on fresh install", body["trust_phase"])
	}
	if body["version"] != "test" {
		t.Errorf("version = %v, want test", body["version"])
	}
}

func TestGetTrust(t *testing.T) {
	e := setupServer(t)

	rec := e.do(t, http.MethodGet, "/api/v1/trust", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var state trust.State
	decode(t, rec, &state)
	if state.Score != 0 || state.Phase != trust.PhaseObserver {
		t.Errorf("fresh state = %.1f/%s, want 0/observer", state.Score, state.Phase)
	}
}

func TestPostTrustEvent_Dedupes(t *testing.T) {
	e := setupServer(t)

	body := map[string]string{
		"kind":       string(trust.EventWorkoutCompleted),
		"dedupe_key": "shortcut:2026-04-06",
	}

	rec := e.do(t, http.MethodPost, "/api/v1/trust/events", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	rec = e.do(t, http.MethodPost, "/api/v1/trust/events", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", rec.Code)
	}

	var state trust.State
	decode(t, rec, &state)
	if state.Score != trust.DeltaWorkoutCompleted {
		t.Errorf("score = %.1f after replay, want %.1f applied once", state.Score, trust.DeltaWorkoutCompleted)
	}
}

func TestPostTrustEvent_Validation(t *testing.T) {
	e := setupServer(t)

	rec := e.do(t, http.MethodPost, "/api/v1/trust/events", map[string]string{
		"kind": "lottery_won", "dedupe_key": "x",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d, want 400", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/trust/events", map[string]string{
		"kind": string(trust.EventWorkoutCompleted),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing dedupe_key status = %d, want 400", rec.Code)
	}
}

func TestAcceptProposal(t *testing.T) {
	e := setupServer(t)
	block := e.propose(t, e.now.Add(24*time.Hour))

	rec := e.do(t, http.MethodPost, "/api/v1/blocks/"+string(block.ID)+"/accept", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var got core.TrainingBlock
	decode(t, rec, &got)
	if got.Status != core.BlockScheduled {
		t.Errorf("block status = %s, want scheduled", got.Status)
	}

	state, _ := e.trust.State()
	if state.Score != trust.DeltaProposalAccepted {
		t.Errorf("trust score = %.1f, want %.1f", state.Score, trust.DeltaProposalAccepted)
	}
}

func TestRejectProposal(t *testing.T) {
	e := setupServer(t)
	block := e.propose(t, e.now.Add(24*time.Hour))

	rec := e.do(t, http.MethodPost, "/api/v1/blocks/"+string(block.ID)+"/reject", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	got, err := e.cal.Blocks().Get(context.Background(), block.ID)
	if err != nil {
		t.Fatalf("block lookup failed: %v", err)
	}
	if got.Status != core.BlockCancelled {
		t.Errorf("block status = %s, want cancelled", got.Status)
	}

	state, _ := e.trust.State()
	if state.Score != 0 {
		// Rejection from zero clamps at the floor
		t.Errorf("trust score = %.1f, want clamped at 0", state.Score)
	}
}

func TestDeleteGhostBlockCostsTrust(t *testing.T) {
	e := setupServer(t)

	// Get above zero first so the delta is visible
	e.trust.RecordEvent(context.Background(), trust.Event{
		Kind: trust.EventWorkoutCompleted, DedupeKey: "seed-1",
	})
	e.trust.RecordEvent(context.Background(), trust.Event{
		Kind: trust.EventWorkoutCompleted, DedupeKey: "seed-2",
	})

	block := &core.TrainingBlock{
		Type:     core.WorkoutRun,
		Origin:   core.OriginAuto,
		Start:    e.now.Add(24 * time.Hour),
		Duration: time.Hour,
	}
	if err := e.cal.ScheduleBlock(context.Background(), block, calendar.PlaceOptions{}); err != nil {
		t.Fatalf("failed to schedule block: %v", err)
	}

	rec := e.do(t, http.MethodDelete, "/api/v1/blocks/"+string(block.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	state, _ := e.trust.State()
	want := 2*trust.DeltaWorkoutCompleted + trust.DeltaBlockDeleted
	if want < 0 {
		want = 0
	}
	if state.Score != want {
		t.Errorf("trust score = %.1f after delete, want %.1f", state.Score, want)
	}
	if state.ConsecutiveDeletes != 1 {
		t.Errorf("consecutive deletes = %d, want 1", state.ConsecutiveDeletes)
	}
}

func TestDeleteUserBlockIsNeutral(t *testing.T) {
	e := setupServer(t)

	block := &core.TrainingBlock{
		Type:     core.WorkoutYoga,
		Origin:   core.OriginUser,
		Start:    e.now.Add(24 * time.Hour),
		Duration: time.Hour,
	}
	if err := e.cal.ScheduleBlock(context.Background(), block, calendar.PlaceOptions{}); err != nil {
		t.Fatalf("failed to schedule block: %v", err)
	}

	rec := e.do(t, http.MethodDelete, "/api/v1/blocks/"+string(block.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	state, _ := e.trust.State()
	if state.Score != 0 || state.ConsecutiveDeletes != 0 {
		t.Errorf("state = %.1f/%d deletes, want untouched", state.Score, state.ConsecutiveDeletes)
	}
}

func TestBlockNotFound(t *testing.T) {
	e := setupServer(t)

	rec := e.do(t, http.MethodGet, "/api/v1/blocks/no-such-block", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAcceptNonProposalConflicts(t *testing.T) {
	e := setupServer(t)

	block := &core.TrainingBlock{
		Type:     core.WorkoutRun,
		Origin:   core.OriginUser,
		Start:    e.now.Add(24 * time.Hour),
		Duration: time.Hour,
	}
	if err := e.cal.ScheduleBlock(context.Background(), block, calendar.PlaceOptions{}); err != nil {
		t.Fatalf("failed to schedule block: %v", err)
	}

	rec := e.do(t, http.MethodPost, "/api/v1/blocks/"+string(block.ID)+"/accept", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestReceiptsQueryAndVerify(t *testing.T) {
	e := setupServer(t)
	e.propose(t, e.now.Add(24*time.Hour))

	rec := e.do(t, http.MethodGet, "/api/v1/receipts?action="+receipts.ActionBlockPropose, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query status = %d, want 200", rec.Code)
	}
	var recs []*core.Receipt
	decode(t, rec, &recs)
	if len(recs) != 1 {
		t.Errorf("receipts = %d, want 1", len(recs))
	}

	rec = e.do(t, http.MethodPost, "/api/v1/receipts/verify", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d, want 200", rec.Code)
	}
	var verdict map[string]interface{}
	decode(t, rec, &verdict)
	if verdict["valid"] != true {
		t.Errorf("chain valid = %v, want true", verdict["valid"])
	}
}

func TestReceiptsSinceValidation(t *testing.T) {
	e := setupServer(t)

	rec := e.do(t, http.MethodGet, "/api/v1/receipts?since=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for bad since", rec.Code)
	}
}

func TestQueueFlushWithoutBackend(t *testing.T) {
	e := setupServer(t)

	rec := e.do(t, http.MethodPost, "/api/v1/queue/flush", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 without backend", rec.Code)
	}
}

func TestPairingWithoutHub(t *testing.T) {
	e := setupServer(t)

	rec := e.do(t, http.MethodPost, "/api/v1/pair/ticket", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 without hub", rec.Code)
	}
}

func TestRunCycleUnavailable(t *testing.T) {
	e := setupServer(t)

	rec := e.do(t, http.MethodPost, "/api/v1/cycles/morning/run", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 without orchestrator", rec.Code)
	}
}

func TestIngestSignals(t *testing.T) {
	e := setupServer(t)

	rec := e.do(t, http.MethodPost, "/api/v1/health/signals", map[string]interface{}{
		"signals": []map[string]interface{}{
			{"kind": "sleep_hours", "value": 7.5, "source": "shortcut", "timestamp": e.now.Format(time.RFC3339)},
			{"kind": "sleep_hours", "value": 90, "source": "shortcut", "timestamp": e.now.Format(time.RFC3339)},
			{"kind": "hrv", "value": 52, "source": "shortcut"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var body map[string]int
	decode(t, rec, &body)
	// The 90-hour night and the timestampless reading get dropped
	if body["accepted"] != 1 || body["rejected"] != 2 {
		t.Errorf("accepted/rejected = %d/%d, want 1/2", body["accepted"], body["rejected"])
	}

	rec = e.do(t, http.MethodPost, "/api/v1/health/signals", map[string]interface{}{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty payload status = %d, want 400", rec.Code)
	}
}

func TestRecoveryTodayMissing(t *testing.T) {
	e := setupServer(t)

	rec := e.do(t, http.MethodGet, "/api/v1/recovery/today", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 before the morning cycle ran", rec.Code)
	}
}
