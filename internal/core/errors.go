// Package core defines the fundamental types and errors for Ghost Coach.
package core

import "errors"

// Core errors that can occur across the system
var (
	// Storage errors
	ErrDatabaseNotFound = errors.New("database not found")
	ErrMigrationFailed  = errors.New("migration failed")
	ErrRecordNotFound   = errors.New("record not found")
	ErrDuplicateRecord  = errors.New("duplicate record")

	// Block errors
	ErrBlockNotFound   = errors.New("training block not found")
	ErrBlockImmutable  = errors.New("block already resolved")
	ErrInvalidWorkout  = errors.New("unknown workout type")
	ErrNoDowngrade     = errors.New("no lower intensity available")
	ErrOriginProtected = errors.New("user-created block cannot be modified")

	// Calendar errors
	ErrCalendarUnavailable = errors.New("calendar provider unavailable")
	ErrNoOpenSlot          = errors.New("no open slot in range")
	ErrSlotConflict        = errors.New("slot conflicts with existing event")
	ErrSacredTime          = errors.New("slot overlaps a sacred window")
	ErrEventNotFound       = errors.New("calendar event not found")

	// Trust errors
	ErrPhaseDenied = errors.New("action not permitted at current trust phase")

	// Notification errors
	ErrNotificationSuppressed = errors.New("notification suppressed by governor")
	ErrChannelUnavailable     = errors.New("notification channel unavailable")

	// Queue errors
	ErrQueueOffline  = errors.New("backend unreachable")
	ErrFlushInFlight = errors.New("flush already running")
	ErrRetriesSpent  = errors.New("operation exceeded retry limit")

	// Identity errors
	ErrIdentityNotFound    = errors.New("identity not found")
	ErrIdentityExists      = errors.New("identity already exists")
	ErrInvalidKey          = errors.New("invalid cryptographic key")
	ErrKeyGenerationFailed = errors.New("key generation failed")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrEncryptionFailed    = errors.New("encryption failed")

	// Companion errors
	ErrPeerNotPaired   = errors.New("companion not paired")
	ErrHandshakeFailed = errors.New("pairing handshake failed")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)
