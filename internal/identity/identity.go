package identity

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ghostcoach/ghostcoach/internal/core"
)

// Identity is the unlocked device state
type Identity struct {
	Device *core.Device
	Keys   *KeyBundle
	bundle *SerializedKeyBundle // For storage and public export
}

// DeviceStore is the persistence boundary for the device singleton
type DeviceStore interface {
	SaveDevice(dev *core.Device, keys *SerializedKeyBundle) error
	LoadDevice() (*core.Device, *SerializedKeyBundle, error)
	DeviceExists() (bool, error)
}

// Manager handles device identity operations
type Manager struct {
	store DeviceStore
	keys  *KeyBundle // Unlocked keys (nil until Unlock called)
	now   func() time.Time
}

// NewManager creates a new identity manager
func NewManager(store DeviceStore) *Manager {
	return &Manager{store: store, now: time.Now}
}

// SetClock overrides the time source for tests
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Create initializes the device identity with fresh keys.
// This should only be called ONCE per installation.
func (m *Manager) Create(name, passphrase string) (*Identity, error) {
	exists, err := m.store.DeviceExists()
	if err != nil {
		return nil, fmt.Errorf("failed to check existing identity: %w", err)
	}
	if exists {
		return nil, core.ErrIdentityExists
	}

	keys, err := GenerateKeyBundle()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keys: %w", err)
	}

	serialized, err := keys.Serialize(passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize keys: %w", err)
	}

	ts := m.now().UTC()
	dev := &core.Device{
		ID:        uuid.New().String(),
		Name:      name,
		HasKeys:   true,
		CreatedAt: ts,
		UpdatedAt: ts,
	}

	if err := m.store.SaveDevice(dev, serialized); err != nil {
		return nil, fmt.Errorf("failed to save identity: %w", err)
	}

	m.keys = keys
	return &Identity{
		Device: dev,
		Keys:   keys,
		bundle: serialized,
	}, nil
}

// Unlock loads and decrypts the device identity.
// Must be called before pairing or signing exports.
func (m *Manager) Unlock(passphrase string) (*Identity, error) {
	dev, serialized, err := m.store.LoadDevice()
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, core.ErrIdentityNotFound
	}

	keys, err := serialized.Deserialize(passphrase)
	if err != nil {
		return nil, core.ErrDecryptionFailed
	}

	m.keys = keys
	return &Identity{
		Device: dev,
		Keys:   keys,
		bundle: serialized,
	}, nil
}

// Unlocked reports whether keys are loaded
func (m *Manager) Unlocked() bool {
	return m.keys != nil
}

// Encrypt seals data under the unlocked device key
func (m *Manager) Encrypt(data []byte) ([]byte, error) {
	if m.keys == nil {
		return nil, fmt.Errorf("identity not unlocked")
	}
	return encryptWithKey(m.keys, data)
}

// Decrypt opens data sealed by Encrypt
func (m *Manager) Decrypt(data []byte) ([]byte, error) {
	if m.keys == nil {
		return nil, fmt.Errorf("identity not unlocked")
	}
	return decryptWithKey(m.keys, data)
}

// ExportPublicKeys returns the public keys for sharing with a companion
func (id *Identity) ExportPublicKeys() map[string]string {
	return map[string]string{
		"ed25519": id.bundle.Ed25519Public,
		"mlkem":   id.bundle.MLKEMPublic,
	}
}

// PublicIdentity is the shareable identity info
type PublicIdentity struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	PublicKeys map[string]string `json:"public_keys"`
	Endpoint   string            `json:"endpoint,omitempty"`
}

// ToPublic creates a shareable identity
func (id *Identity) ToPublic() *PublicIdentity {
	return &PublicIdentity{
		ID:         id.Device.ID,
		Name:       id.Device.Name,
		PublicKeys: id.ExportPublicKeys(),
	}
}

// ToJSON exports public identity as JSON
func (pi *PublicIdentity) ToJSON() ([]byte, error) {
	return json.MarshalIndent(pi, "", "  ")
}

// -----------------------------------------------------------------------------
// Sqlite store
// -----------------------------------------------------------------------------

// Store persists the device identity row
type Store struct {
	db *sql.DB
}

// NewStore creates a device store on an open database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InitSchema creates the device_identity table
func (s *Store) InitSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS device_identity (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			keys_json TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	return err
}

// SaveDevice persists the device and its serialized keys
func (s *Store) SaveDevice(dev *core.Device, keys *SerializedKeyBundle) error {
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO device_identity (id, name, keys_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, dev.ID, dev.Name, string(keysJSON), dev.CreatedAt, dev.UpdatedAt)

	return err
}

// LoadDevice retrieves the device and keys. Returns nils when no
// identity has been created yet.
func (s *Store) LoadDevice() (*core.Device, *SerializedKeyBundle, error) {
	var dev core.Device
	var keysJSON string

	err := s.db.QueryRow(`
		SELECT id, name, keys_json, created_at, updated_at
		FROM device_identity
		LIMIT 1
	`).Scan(&dev.ID, &dev.Name, &keysJSON, &dev.CreatedAt, &dev.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	dev.HasKeys = true

	var keys SerializedKeyBundle
	if err := json.Unmarshal([]byte(keysJSON), &keys); err != nil {
		return nil, nil, err
	}

	return &dev, &keys, nil
}

// DeviceExists checks if an identity has been created
func (s *Store) DeviceExists() (bool, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM device_identity").Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Rename updates the device name
func (s *Store) Rename(id, name string) error {
	_, err := s.db.Exec(`
		UPDATE device_identity SET name = ?, updated_at = ?
		WHERE id = ?
	`, name, time.Now().UTC(), id)
	return err
}
