// Package core defines the fundamental types for Ghost Coach.
// Every other package speaks in these types.
package core

import (
	"time"
)

// -----------------------------------------------------------------------------
// WORKOUT - The kinds of training the ghost can place on a calendar
// -----------------------------------------------------------------------------

// WorkoutType represents the kind of training session
type WorkoutType string

const (
	WorkoutHIIT     WorkoutType = "hiit"
	WorkoutStrength WorkoutType = "strength"
	WorkoutRun      WorkoutType = "run"
	WorkoutZone2    WorkoutType = "zone2"
	WorkoutSwim     WorkoutType = "swim"
	WorkoutYoga     WorkoutType = "yoga"
	WorkoutMobility WorkoutType = "mobility"
	WorkoutWalk     WorkoutType = "walk"
	WorkoutRest     WorkoutType = "rest"
)

// downgrades maps each workout type to its lower-intensity fallback.
// Used when recovery is poor and the ghost acts protectively.
var downgrades = map[WorkoutType]WorkoutType{
	WorkoutHIIT:     WorkoutZone2,
	WorkoutStrength: WorkoutMobility,
	WorkoutRun:      WorkoutWalk,
	WorkoutZone2:    WorkoutWalk,
	WorkoutSwim:     WorkoutMobility,
	WorkoutYoga:     WorkoutWalk,
	WorkoutMobility: WorkoutWalk,
	WorkoutWalk:     WorkoutRest,
}

// Downgrade returns the lower-intensity replacement for a workout type
// and whether a downgrade exists. Rest has nowhere lower to go.
func (w WorkoutType) Downgrade() (WorkoutType, bool) {
	d, ok := downgrades[w]
	return d, ok
}

// Intensity ranks workout types for comparison. Higher is harder.
func (w WorkoutType) Intensity() int {
	switch w {
	case WorkoutHIIT:
		return 5
	case WorkoutStrength, WorkoutRun:
		return 4
	case WorkoutZone2, WorkoutSwim:
		return 3
	case WorkoutYoga, WorkoutMobility:
		return 2
	case WorkoutWalk:
		return 1
	default:
		return 0
	}
}

// -----------------------------------------------------------------------------
// BLOCK - A training session held on the calendar
// -----------------------------------------------------------------------------

// BlockID is a type-safe identifier for training blocks
type BlockID string

// BlockStatus represents the lifecycle state of a block
type BlockStatus string

const (
	BlockProposed  BlockStatus = "proposed"  // Suggested, awaiting user acceptance
	BlockScheduled BlockStatus = "scheduled" // On the calendar
	BlockCompleted BlockStatus = "completed" // Matching workout recorded
	BlockMissed    BlockStatus = "missed"    // Window passed, no workout
	BlockCancelled BlockStatus = "cancelled" // Removed before it happened
)

// BlockOrigin records who put the block there
type BlockOrigin string

const (
	OriginUser     BlockOrigin = "user"           // Scheduled by hand
	OriginProposed BlockOrigin = "ghost_proposed" // Ghost proposed, user accepted
	OriginAuto     BlockOrigin = "ghost_auto"     // Ghost placed it autonomously
)

// TrainingBlock represents a single planned training session.
// The block row is the source of truth; calendar events mirror it.
type TrainingBlock struct {
	ID     BlockID     `json:"id"`
	Type   WorkoutType `json:"type"`
	Status BlockStatus `json:"status"`
	Origin BlockOrigin `json:"origin"`

	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`

	// Calendar mirror
	CalendarEventID string `json:"calendar_event_id"` // Event on the ghost calendar
	ShadowEventID   string `json:"shadow_event_id"`   // Busy mirror, empty if not shadowed

	// Why this block exists / changed, shown to the user verbatim
	Reason string `json:"reason"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// End returns the instant the block finishes.
func (b *TrainingBlock) End() time.Time {
	return b.Start.Add(b.Duration)
}

// -----------------------------------------------------------------------------
// HEALTH - Raw signals from wearables and manual entry
// -----------------------------------------------------------------------------

// SignalKind identifies a physiological measurement
type SignalKind string

const (
	SignalSleepHours   SignalKind = "sleep_hours"
	SignalSleepQuality SignalKind = "sleep_quality" // 0-100 device rating
	SignalHRV          SignalKind = "hrv"           // ms, rMSSD
	SignalRestingHR    SignalKind = "resting_hr"    // bpm
	SignalWorkout      SignalKind = "workout"       // A completed session
	SignalSoreness     SignalKind = "soreness"      // 1-10 self report
)

// HealthSignal is one timestamped measurement from a provider.
type HealthSignal struct {
	ID        string     `json:"id"`
	Kind      SignalKind `json:"kind"`
	Value     float64    `json:"value"`
	Source    string     `json:"source"` // "watch", "ring", "manual"
	Timestamp time.Time  `json:"timestamp"`

	// For workout signals only
	WorkoutType WorkoutType   `json:"workout_type,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// -----------------------------------------------------------------------------
// RECOVERY - The morning readiness read
// -----------------------------------------------------------------------------

// RecoverySnapshot is the scored readiness for one day.
// Score is 0-100; 70 means "no data, assume fine".
type RecoverySnapshot struct {
	Date  string  `json:"date"` // YYYY-MM-DD in the home timezone
	Score float64 `json:"score"`

	// Component contributions, for receipts and explanation
	SleepDelta float64 `json:"sleep_delta"`
	HRVDelta   float64 `json:"hrv_delta"`
	RHRDelta   float64 `json:"rhr_delta"`

	// Which inputs were actually present
	HasSleep bool `json:"has_sleep"`
	HasHRV   bool `json:"has_hrv"`
	HasRHR   bool `json:"has_rhr"`

	CreatedAt time.Time `json:"created_at"`
}

// NeutralRecovery is the score assumed when no signals exist at all.
const NeutralRecovery = 70.0

// LowRecovery is the line under which the ghost acts protectively.
const LowRecovery = 50.0

// -----------------------------------------------------------------------------
// RECEIPT - Why the ghost did what it did
// -----------------------------------------------------------------------------

// Outcome classifies how a decision ended
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending" // Proposal awaiting the user
)

// Receipt is one immutable entry in the decision log.
// Receipts chain by hash; the log is append-only.
type Receipt struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// What happened
	Action string `json:"action"` // "block.create", "block.downgrade", etc.
	Actor  string `json:"actor"`  // "ghost", "user", "system"

	// Context
	EntityType string `json:"entity_type"` // "block", "trust", "cycle", etc.
	EntityID   string `json:"entity_id"`

	// Decision detail
	Inputs     string  `json:"inputs"` // JSON blob of the inputs considered
	Outcome    Outcome `json:"outcome"`
	Confidence float64 `json:"confidence"` // 0-1
	Reason     string  `json:"reason"`     // Short machine key, e.g. "low_recovery"

	// Integrity
	PrevHash string `json:"prev_hash"` // Hash of previous entry (chain)
	Hash     string `json:"hash"`      // Hash of this entry
}

// -----------------------------------------------------------------------------
// PLANNING - Slot preferences shared by scheduler and cycles
// -----------------------------------------------------------------------------

// WindowPref narrows slot search to a part of the day
type WindowPref string

const (
	WindowAny       WindowPref = "any"
	WindowMorning   WindowPref = "morning"   // 05:00-12:00
	WindowAfternoon WindowPref = "afternoon" // 12:00-17:00
	WindowEvening   WindowPref = "evening"   // 17:00-22:00
)

// SacredWindow is a weekly recurring span the ghost must never touch.
type SacredWindow struct {
	Weekday time.Weekday `json:"weekday"`
	Start   string       `json:"start"` // "HH:MM"
	End     string       `json:"end"`   // "HH:MM"
	Label   string       `json:"label"`
}

// -----------------------------------------------------------------------------
// DEVICE - The installation's cryptographic identity
// -----------------------------------------------------------------------------

// Device is the installation this daemon runs as. One row per install;
// the key material lives alongside it, private half encrypted.
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	HasKeys   bool      `json:"has_keys"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
