// Package companion syncs state with a paired wearable. The primary
// device runs the hub, the watch side runs the client. Authority is
// asymmetric: workout completions from the companion win for their
// ids, blocks and trust from the primary win over the companion's
// cached copy.
package companion

import (
	"time"

	"github.com/ghostcoach/ghostcoach/internal/core"
)

// Frame types on the wire
const (
	frameHandshake    = "handshake"
	frameHandshakeAck = "handshake_ack"
	frameSnapshot     = "snapshot"
	frameState        = "state"
)

// Handshake opens a connection. A ticket is required the first time; a
// paired device reconnects with its id alone. The ciphertext is a
// fresh ML-KEM encapsulation to the primary's public key, so every
// connection gets its own session key.
type Handshake struct {
	Type          string `json:"type"`
	Ticket        string `json:"ticket,omitempty"`
	DeviceID      string `json:"device_id"`
	Name          string `json:"name,omitempty"`
	KEMCiphertext []byte `json:"kem_ciphertext"`
}

// HandshakeAck confirms or refuses the session
type HandshakeAck struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id,omitempty"` // Primary's device id
	Error    string `json:"error,omitempty"`
}

// Envelope carries one encrypted frame after the handshake
type Envelope struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload,omitempty"`
	Nonce   []byte `json:"nonce,omitempty"`
}

// Snapshot is what the companion reports upward. Only workout
// completion records are taken from it; anything else it caches is
// overwritten by the next State push.
type Snapshot struct {
	DeviceID    string              `json:"device_id"`
	SentAt      time.Time           `json:"sent_at"`
	Completions []core.HealthSignal `json:"completions,omitempty"`
}

// TrustInfo is the slice of trust state a wearable displays
type TrustInfo struct {
	Score float64 `json:"score"`
	Phase string  `json:"phase"`
}

// State is the authoritative view pushed down to the companion
type State struct {
	SentAt time.Time             `json:"sent_at"`
	Blocks []*core.TrainingBlock `json:"blocks"`
	Trust  TrustInfo             `json:"trust"`
}

// PairedDevice is a companion that completed pairing
type PairedDevice struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	PairedAt time.Time `json:"paired_at"`
}
