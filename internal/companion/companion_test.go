package companion

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ghostcoach/ghostcoach/internal/calendar"
	"github.com/ghostcoach/ghostcoach/internal/core"
	"github.com/ghostcoach/ghostcoach/internal/identity"
	"github.com/ghostcoach/ghostcoach/internal/phenome"
	"github.com/ghostcoach/ghostcoach/internal/receipts"
	"github.com/ghostcoach/ghostcoach/internal/trust"
)

func TestSession_SealOpen(t *testing.T) {
	key := identity.DeriveSessionKey([]byte("shared secret"))

	sess, err := NewSession(key)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	plaintext := []byte("sync frame")
	ciphertext, nonce, err := sess.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("ciphertext should differ from plaintext")
	}

	opened, err := sess.Open(ciphertext, nonce)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Error("round trip mismatch")
	}

	// Tampered ciphertext must not open
	ciphertext[0] ^= 0xFF
	if _, err := sess.Open(ciphertext, nonce); err == nil {
		t.Error("expected error for tampered ciphertext")
	}
}

func TestSession_DifferentKeysDontInterop(t *testing.T) {
	sess1, _ := NewSession(identity.DeriveSessionKey([]byte("secret one")))
	sess2, _ := NewSession(identity.DeriveSessionKey([]byte("secret two")))

	ciphertext, nonce, err := sess1.Seal([]byte("frame"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := sess2.Open(ciphertext, nonce); err == nil {
		t.Error("expected error opening with wrong key")
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	sess, _ := NewSession(identity.DeriveSessionKey([]byte("secret")))

	snap := &Snapshot{
		DeviceID: "watch-1",
		SentAt:   time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		Completions: []core.HealthSignal{
			{ID: "w-1", Kind: core.SignalWorkout, WorkoutType: core.WorkoutRun, Duration: 40 * time.Minute, Timestamp: time.Now()},
		},
	}

	env, err := sealEnvelope(sess, frameSnapshot, snap)
	if err != nil {
		t.Fatalf("sealEnvelope failed: %v", err)
	}
	if env.Type != frameSnapshot {
		t.Errorf("Type = %v, want snapshot", env.Type)
	}

	var got Snapshot
	if err := openEnvelope(sess, env, &got); err != nil {
		t.Fatalf("openEnvelope failed: %v", err)
	}
	if got.DeviceID != "watch-1" || len(got.Completions) != 1 {
		t.Errorf("unexpected payload: %+v", got)
	}
	if got.Completions[0].WorkoutType != core.WorkoutRun {
		t.Errorf("WorkoutType = %v, want run", got.Completions[0].WorkoutType)
	}
}

func setupPairStore(t *testing.T) *PairStore {
	db, err := sql.Open("sqlite", ":memory:?_time_format=sqlite")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewPairStore(db)
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return store
}

func TestPairStore_SaveGetList(t *testing.T) {
	store := setupPairStore(t)
	ctx := context.Background()

	paired := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if err := store.Save(ctx, PairedDevice{ID: "watch-1", Name: "watch", PairedAt: paired}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	dev, err := store.Get(ctx, "watch-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if dev == nil || dev.Name != "watch" {
		t.Fatalf("unexpected device: %+v", dev)
	}
	if !dev.PairedAt.Equal(paired) {
		t.Errorf("PairedAt = %v, want %v", dev.PairedAt, paired)
	}

	// Unknown id returns nil, nil
	missing, err := store.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Get unknown = (%v, %v), want (nil, nil)", missing, err)
	}

	// Re-pair updates in place
	if err := store.Save(ctx, PairedDevice{ID: "watch-1", Name: "renamed", PairedAt: paired.Add(time.Hour)}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	devs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(devs) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devs))
	}
	if devs[0].Name != "renamed" {
		t.Errorf("Name = %v, want renamed", devs[0].Name)
	}

	if err := store.Remove(ctx, "watch-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	devs, _ = store.List(ctx)
	if len(devs) != 0 {
		t.Errorf("expected empty list after Remove, got %d", len(devs))
	}
}

func TestNewTicketCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		code, err := newTicketCode()
		if err != nil {
			t.Fatalf("newTicketCode failed: %v", err)
		}
		if len(code) != 8 {
			t.Fatalf("code length = %d, want 8", len(code))
		}
		for _, r := range code {
			if !bytes.ContainsRune([]byte(ticketAlphabet), r) {
				t.Fatalf("code %q uses character outside alphabet", code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Error("codes should vary")
	}
}

// setupHub wires a hub over real stores and returns it with its test
// server and the backing stores.
func setupHub(t *testing.T) (*Hub, *httptest.Server, *phenome.Store, *calendar.BlockStore) {
	db, err := sql.Open("sqlite", ":memory:?_time_format=sqlite")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	receiptStore := receipts.NewStore(db)
	if err := receiptStore.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	trustStore := trust.NewStore(db, receipts.NewRecorder(receiptStore))
	if err := trustStore.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	phenomeStore := phenome.NewStore(db)
	if err := phenomeStore.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	blockStore := calendar.NewBlockStore(db)
	if err := blockStore.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	pairStore := NewPairStore(db)
	if err := pairStore.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	keys, err := identity.GenerateKeyBundle()
	if err != nil {
		t.Fatalf("GenerateKeyBundle failed: %v", err)
	}

	hub := NewHub(HubConfig{
		DeviceID: "primary-1",
		Keys:     keys,
		Pairs:    pairStore,
		Phenome:  phenomeStore,
		Blocks:   blockStore,
		Trust:    trustStore,
	})
	t.Cleanup(func() { hub.Stop() })

	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	return hub, srv, phenomeStore, blockStore
}

func TestHub_PairAndSync(t *testing.T) {
	hub, srv, phenomeStore, blockStore := setupHub(t)
	ctx := context.Background()

	// A block the state push should carry
	start := time.Now().Add(24 * time.Hour)
	err := blockStore.Save(ctx, &core.TrainingBlock{
		Type:     core.WorkoutRun,
		Status:   core.BlockScheduled,
		Origin:   core.OriginUser,
		Start:    start,
		Duration: 45 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Save block failed: %v", err)
	}

	// Local record the companion's completion must overwrite
	err = phenomeStore.RecordSignal(ctx, core.HealthSignal{
		ID: "w-1", Kind: core.SignalWorkout, WorkoutType: core.WorkoutRun,
		Duration: 10 * time.Minute, Source: "provider", Timestamp: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("RecordSignal failed: %v", err)
	}

	ticket, _, err := hub.IssueTicket()
	if err != nil {
		t.Fatalf("IssueTicket failed: %v", err)
	}

	client := NewClient(srv.URL, "watch-1", "watch")
	if err := client.Connect(ctx, ticket); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	if client.PrimaryID() != "primary-1" {
		t.Errorf("PrimaryID = %v, want primary-1", client.PrimaryID())
	}

	done := time.Now().Add(-time.Hour)
	err = client.SendSnapshot(&Snapshot{
		Completions: []core.HealthSignal{
			{ID: "w-1", Kind: core.SignalWorkout, WorkoutType: core.WorkoutRun, Duration: 42 * time.Minute, Timestamp: done},
			{Kind: core.SignalHRV, Value: 50, Timestamp: done}, // not a workout, dropped
		},
	})
	if err != nil {
		t.Fatalf("SendSnapshot failed: %v", err)
	}

	state, err := client.ReadState(5 * time.Second)
	if err != nil {
		t.Fatalf("ReadState failed: %v", err)
	}
	if len(state.Blocks) != 1 {
		t.Errorf("expected 1 block in state, got %d", len(state.Blocks))
	}
	if state.Trust.Phase != string(trust.PhaseObserver) {
		t.Errorf("Phase = %v, want observer", state.Trust.Phase)
	}

	// Companion completion won the id conflict
	sig, err := phenomeStore.LatestSignal(ctx, core.SignalWorkout)
	if err != nil {
		t.Fatalf("LatestSignal failed: %v", err)
	}
	if sig == nil {
		t.Fatal("expected workout signal")
	}
	if sig.ID != "w-1" || sig.Duration != 42*time.Minute {
		t.Errorf("companion record should win: %+v", sig)
	}
	if sig.Source != "companion" {
		t.Errorf("Source = %v, want companion", sig.Source)
	}

	// Paired device is remembered
	dev, err := hub.cfg.Pairs.Get(ctx, "watch-1")
	if err != nil || dev == nil {
		t.Fatalf("pairing not recorded: (%v, %v)", dev, err)
	}
}

func TestHub_RejectsUnknownDevice(t *testing.T) {
	_, srv, _, _ := setupHub(t)

	client := NewClient(srv.URL, "stranger", "unknown")
	err := client.Connect(context.Background(), "")
	if err == nil {
		client.Close()
		t.Fatal("expected handshake rejection")
	}
	if !errors.Is(err, core.ErrHandshakeFailed) {
		t.Errorf("expected ErrHandshakeFailed, got %v", err)
	}
}

func TestHub_RejectsBadTicket(t *testing.T) {
	_, srv, _, _ := setupHub(t)

	client := NewClient(srv.URL, "watch-1", "watch")
	if err := client.Connect(context.Background(), "WRONGCODE"); err == nil {
		client.Close()
		t.Fatal("expected rejection for unknown ticket")
	}
}

func TestHub_TicketSingleUse(t *testing.T) {
	hub, srv, _, _ := setupHub(t)
	ctx := context.Background()

	ticket, _, err := hub.IssueTicket()
	if err != nil {
		t.Fatalf("IssueTicket failed: %v", err)
	}

	first := NewClient(srv.URL, "watch-1", "watch")
	if err := first.Connect(ctx, ticket); err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}
	defer first.Close()

	second := NewClient(srv.URL, "watch-2", "other")
	if err := second.Connect(ctx, ticket); err == nil {
		second.Close()
		t.Fatal("expected rejection for burned ticket")
	}
}

func TestHub_TicketExpires(t *testing.T) {
	hub, srv, _, _ := setupHub(t)

	base := time.Now()
	hub.SetClock(func() time.Time { return base })

	ticket, _, err := hub.IssueTicket()
	if err != nil {
		t.Fatalf("IssueTicket failed: %v", err)
	}

	hub.SetClock(func() time.Time { return base.Add(11 * time.Minute) })

	client := NewClient(srv.URL, "watch-1", "watch")
	if err := client.Connect(context.Background(), ticket); err == nil {
		client.Close()
		t.Fatal("expected rejection for expired ticket")
	}
}

func TestHub_ReconnectWithoutTicket(t *testing.T) {
	hub, srv, _, _ := setupHub(t)
	ctx := context.Background()

	ticket, _, err := hub.IssueTicket()
	if err != nil {
		t.Fatalf("IssueTicket failed: %v", err)
	}

	client := NewClient(srv.URL, "watch-1", "watch")
	if err := client.Connect(ctx, ticket); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	client.Close()

	// Paired device comes back with no ticket
	again := NewClient(srv.URL, "watch-1", "watch")
	if err := again.Connect(ctx, ""); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	again.Close()
}

func TestHub_PushState(t *testing.T) {
	hub, srv, _, _ := setupHub(t)
	ctx := context.Background()

	ticket, _, err := hub.IssueTicket()
	if err != nil {
		t.Fatalf("IssueTicket failed: %v", err)
	}

	client := NewClient(srv.URL, "watch-1", "watch")
	if err := client.Connect(ctx, ticket); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	// Wait until the hub registers the peer
	deadline := time.Now().Add(2 * time.Second)
	for len(hub.Peers()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("peer never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := hub.PushState(ctx); err != nil {
		t.Fatalf("PushState failed: %v", err)
	}

	state, err := client.ReadState(5 * time.Second)
	if err != nil {
		t.Fatalf("ReadState failed: %v", err)
	}
	if state.SentAt.IsZero() {
		t.Error("SentAt should be set")
	}
}
