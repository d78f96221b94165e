package identity

import (
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ghostcoach/ghostcoach/internal/core"
)

// mockDeviceStore implements DeviceStore for testing
type mockDeviceStore struct {
	dev       *core.Device
	keys      *SerializedKeyBundle
	saveErr   error
	loadErr   error
	existsErr error
}

func (m *mockDeviceStore) SaveDevice(dev *core.Device, keys *SerializedKeyBundle) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.dev = dev
	m.keys = keys
	return nil
}

func (m *mockDeviceStore) LoadDevice() (*core.Device, *SerializedKeyBundle, error) {
	if m.loadErr != nil {
		return nil, nil, m.loadErr
	}
	return m.dev, m.keys, nil
}

func (m *mockDeviceStore) DeviceExists() (bool, error) {
	if m.existsErr != nil {
		return false, m.existsErr
	}
	return m.dev != nil, nil
}

func TestManager_Create(t *testing.T) {
	store := &mockDeviceStore{}
	mgr := NewManager(store)

	fixed := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	mgr.SetClock(func() time.Time { return fixed })

	id, err := mgr.Create("primary", "password123")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if id == nil {
		t.Fatal("identity is nil")
	}
	if id.Device == nil {
		t.Fatal("Device is nil")
	}
	if id.Device.Name != "primary" {
		t.Errorf("Name = %v, want 'primary'", id.Device.Name)
	}
	if id.Device.ID == "" {
		t.Error("ID should be set")
	}
	if !id.Device.HasKeys {
		t.Error("HasKeys should be true")
	}
	if !id.Device.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", id.Device.CreatedAt, fixed)
	}
	if id.Keys == nil {
		t.Error("Keys is nil")
	}
	if !mgr.Unlocked() {
		t.Error("manager should be unlocked after Create")
	}
}

func TestManager_Create_AlreadyExists(t *testing.T) {
	store := &mockDeviceStore{
		dev: &core.Device{Name: "existing"},
	}
	mgr := NewManager(store)

	_, err := mgr.Create("new", "password")
	if err == nil {
		t.Error("expected error when identity exists")
	}
	if !errors.Is(err, core.ErrIdentityExists) {
		t.Errorf("expected ErrIdentityExists, got %v", err)
	}
}

func TestManager_Create_ExistsCheckError(t *testing.T) {
	store := &mockDeviceStore{
		existsErr: errors.New("database error"),
	}
	mgr := NewManager(store)

	_, err := mgr.Create("primary", "password")
	if err == nil {
		t.Error("expected error")
	}
}

func TestManager_Create_SaveError(t *testing.T) {
	store := &mockDeviceStore{
		saveErr: errors.New("save failed"),
	}
	mgr := NewManager(store)

	_, err := mgr.Create("primary", "password")
	if err == nil {
		t.Error("expected error on save failure")
	}
}

func TestManager_Unlock(t *testing.T) {
	store := &mockDeviceStore{}
	mgr := NewManager(store)

	if _, err := mgr.Create("primary", "password123"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mgr2 := NewManager(store)
	if mgr2.Unlocked() {
		t.Error("fresh manager should be locked")
	}

	id, err := mgr2.Unlock("password123")
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	if id == nil {
		t.Fatal("identity is nil")
	}
	if id.Device.Name != "primary" {
		t.Error("wrong identity unlocked")
	}
	if !mgr2.Unlocked() {
		t.Error("manager should be unlocked")
	}
}

func TestManager_Unlock_WrongPassphrase(t *testing.T) {
	store := &mockDeviceStore{}
	mgr := NewManager(store)

	if _, err := mgr.Create("primary", "correct-password"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mgr2 := NewManager(store)
	_, err := mgr2.Unlock("wrong-password")
	if err == nil {
		t.Error("expected error with wrong passphrase")
	}
	if !errors.Is(err, core.ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
	if mgr2.Unlocked() {
		t.Error("manager should stay locked after failed unlock")
	}
}

func TestManager_Unlock_NotFound(t *testing.T) {
	store := &mockDeviceStore{}
	mgr := NewManager(store)

	_, err := mgr.Unlock("password")
	if !errors.Is(err, core.ErrIdentityNotFound) {
		t.Errorf("expected ErrIdentityNotFound, got %v", err)
	}
}

func TestManager_Unlock_LoadError(t *testing.T) {
	store := &mockDeviceStore{
		loadErr: errors.New("load failed"),
	}
	mgr := NewManager(store)

	_, err := mgr.Unlock("password")
	if err == nil {
		t.Error("expected error on load failure")
	}
}

func TestManager_Encrypt_NotUnlocked(t *testing.T) {
	mgr := NewManager(&mockDeviceStore{})

	if _, err := mgr.Encrypt([]byte("test data")); err == nil {
		t.Error("expected error when not unlocked")
	}
	if _, err := mgr.Decrypt([]byte("encrypted data")); err == nil {
		t.Error("expected error when not unlocked")
	}
}

func TestManager_EncryptDecrypt(t *testing.T) {
	store := &mockDeviceStore{}
	mgr := NewManager(store)

	if _, err := mgr.Create("primary", "password"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	original := []byte("pairing record")

	encrypted, err := mgr.Encrypt(original)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	decrypted, err := mgr.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}

	if string(decrypted) != string(original) {
		t.Errorf("decrypted = %v, want %v", string(decrypted), string(original))
	}
}

func TestIdentity_ExportPublicKeys(t *testing.T) {
	mgr := NewManager(&mockDeviceStore{})

	id, err := mgr.Create("primary", "password")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	keys := id.ExportPublicKeys()

	if keys["ed25519"] == "" {
		t.Error("ed25519 key missing")
	}
	if keys["mlkem"] == "" {
		t.Error("mlkem key missing")
	}
}

func TestIdentity_ToPublic(t *testing.T) {
	mgr := NewManager(&mockDeviceStore{})

	id, err := mgr.Create("primary", "password")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	pub := id.ToPublic()

	if pub.ID != id.Device.ID {
		t.Error("ID not set correctly")
	}
	if pub.Name != "primary" {
		t.Error("Name not set correctly")
	}
	if len(pub.PublicKeys) != 2 {
		t.Errorf("expected 2 public keys, got %d", len(pub.PublicKeys))
	}
}

func TestPublicIdentity_ToJSON(t *testing.T) {
	pub := &PublicIdentity{
		ID:         "dev-1",
		Name:       "primary",
		PublicKeys: map[string]string{"ed25519": "key1"},
	}

	data, err := pub.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}

	var parsed PublicIdentity
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if parsed.ID != "dev-1" {
		t.Error("ID not preserved")
	}
	if parsed.Name != "primary" {
		t.Error("Name not preserved")
	}
}

// -----------------------------------------------------------------------------
// Sqlite store
// -----------------------------------------------------------------------------

func setupStore(t *testing.T) *Store {
	db, err := sql.Open("sqlite", ":memory:?_time_format=sqlite")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return store
}

func TestStore_SaveAndLoad(t *testing.T) {
	store := setupStore(t)

	mgr := NewManager(store)
	created, err := mgr.Create("primary", "password123")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	exists, err := store.DeviceExists()
	if err != nil {
		t.Fatalf("DeviceExists failed: %v", err)
	}
	if !exists {
		t.Error("device should exist after Create")
	}

	dev, keys, err := store.LoadDevice()
	if err != nil {
		t.Fatalf("LoadDevice failed: %v", err)
	}
	if dev == nil || keys == nil {
		t.Fatal("expected device and keys")
	}
	if dev.ID != created.Device.ID {
		t.Errorf("ID = %v, want %v", dev.ID, created.Device.ID)
	}
	if !dev.HasKeys {
		t.Error("HasKeys should be true")
	}
	if keys.Algorithm != "argon2id" {
		t.Errorf("Algorithm = %v, want argon2id", keys.Algorithm)
	}

	// Full round trip through the real store
	mgr2 := NewManager(store)
	if _, err := mgr2.Unlock("password123"); err != nil {
		t.Fatalf("Unlock through sqlite store failed: %v", err)
	}
}

func TestStore_LoadDevice_Empty(t *testing.T) {
	store := setupStore(t)

	dev, keys, err := store.LoadDevice()
	if err != nil {
		t.Fatalf("LoadDevice failed: %v", err)
	}
	if dev != nil || keys != nil {
		t.Error("expected nils for empty store")
	}
}

func TestStore_Rename(t *testing.T) {
	store := setupStore(t)

	mgr := NewManager(store)
	id, err := mgr.Create("primary", "password")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.Rename(id.Device.ID, "living-room"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	dev, _, err := store.LoadDevice()
	if err != nil {
		t.Fatalf("LoadDevice failed: %v", err)
	}
	if dev.Name != "living-room" {
		t.Errorf("Name = %v, want living-room", dev.Name)
	}
}
