package receipts

import (
	"github.com/ghostcoach/ghostcoach/internal/core"
)

// Recorder provides a convenient interface for recording common decisions
type Recorder struct {
	store *Store
}

// NewRecorder creates a recorder for the given store
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// Store exposes the underlying store for queries.
func (r *Recorder) Store() *Store {
	return r.store
}

// BlockCreated records an autonomous block creation
func (r *Recorder) BlockCreated(block *core.TrainingBlock, confidence float64, inputs map[string]interface{}) error {
	_, err := r.store.Append(Draft{
		Action:     ActionBlockCreate,
		Actor:      ActorGhost,
		EntityType: "block",
		EntityID:   string(block.ID),
		Inputs:     inputs,
		Outcome:    core.OutcomeSuccess,
		Confidence: confidence,
		Reason:     block.Reason,
	})
	return err
}

// BlockProposed records a proposal awaiting the user
func (r *Recorder) BlockProposed(block *core.TrainingBlock, confidence float64, inputs map[string]interface{}) error {
	_, err := r.store.Append(Draft{
		Action:     ActionBlockPropose,
		Actor:      ActorGhost,
		EntityType: "block",
		EntityID:   string(block.ID),
		Inputs:     inputs,
		Outcome:    core.OutcomePending,
		Confidence: confidence,
		Reason:     block.Reason,
	})
	return err
}

// BlockDowngraded records a protective intensity downgrade
func (r *Recorder) BlockDowngraded(blockID core.BlockID, from, to core.WorkoutType, reason string, inputs map[string]interface{}) error {
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	inputs["from"] = from
	inputs["to"] = to
	_, err := r.store.Append(Draft{
		Action:     ActionBlockDowngrade,
		Actor:      ActorGhost,
		EntityType: "block",
		EntityID:   string(blockID),
		Inputs:     inputs,
		Outcome:    core.OutcomeSuccess,
		Confidence: 0.9,
		Reason:     reason,
	})
	return err
}

// BlockMoved records a reschedule
func (r *Recorder) BlockMoved(blockID core.BlockID, reason string, inputs map[string]interface{}) error {
	_, err := r.store.Append(Draft{
		Action:     ActionBlockMove,
		Actor:      ActorGhost,
		EntityType: "block",
		EntityID:   string(blockID),
		Inputs:     inputs,
		Outcome:    core.OutcomeSuccess,
		Confidence: 0.8,
		Reason:     reason,
	})
	return err
}

// BlockCancelled records an autonomous cancellation
func (r *Recorder) BlockCancelled(blockID core.BlockID, reason string, inputs map[string]interface{}) error {
	_, err := r.store.Append(Draft{
		Action:     ActionBlockCancel,
		Actor:      ActorGhost,
		EntityType: "block",
		EntityID:   string(blockID),
		Inputs:     inputs,
		Outcome:    core.OutcomeSuccess,
		Confidence: 0.8,
		Reason:     reason,
	})
	return err
}

// BlockResolved records the evening verdict on a block
func (r *Recorder) BlockResolved(blockID core.BlockID, status core.BlockStatus, inputs map[string]interface{}) error {
	_, err := r.store.Append(Draft{
		Action:     ActionBlockResolve,
		Actor:      ActorSystem,
		EntityType: "block",
		EntityID:   string(blockID),
		Inputs:     inputs,
		Outcome:    core.OutcomeSuccess,
		Confidence: 1,
		Reason:     string(status),
	})
	return err
}

// TrustChanged records a trust transition
func (r *Recorder) TrustChanged(eventKind string, delta, scoreAfter float64, phaseAfter string) error {
	_, err := r.store.Append(Draft{
		Action:     ActionTrustChange,
		Actor:      ActorSystem,
		EntityType: "trust",
		EntityID:   eventKind,
		Inputs: map[string]interface{}{
			"delta":       delta,
			"score_after": scoreAfter,
			"phase_after": phaseAfter,
		},
		Outcome:    core.OutcomeSuccess,
		Confidence: 1,
		Reason:     eventKind,
	})
	return err
}

// CycleRan records a completed decision cycle
func (r *Recorder) CycleRan(kind, date string, outcome core.Outcome, inputs map[string]interface{}) error {
	_, err := r.store.Append(Draft{
		Action:     ActionCycleRun,
		Actor:      ActorSystem,
		EntityType: "cycle",
		EntityID:   kind + ":" + date,
		Inputs:     inputs,
		Outcome:    outcome,
		Confidence: 1,
		Reason:     kind,
	})
	return err
}

// QueueDropped records an operation abandoned after too many retries
func (r *Recorder) QueueDropped(opID, endpoint string, retries int) error {
	_, err := r.store.Append(Draft{
		Action:     ActionQueueDrop,
		Actor:      ActorSystem,
		EntityType: "queue_op",
		EntityID:   opID,
		Inputs: map[string]interface{}{
			"endpoint": endpoint,
			"retries":  retries,
		},
		Outcome: core.OutcomeFailure,
		Reason:  "retries_exhausted",
	})
	return err
}

// Emergency records an emergency stand-down
func (r *Recorder) Emergency(source string, inputs map[string]interface{}) error {
	_, err := r.store.Append(Draft{
		Action:     ActionEmergency,
		Actor:      ActorSystem,
		EntityType: "health",
		EntityID:   source,
		Inputs:     inputs,
		Outcome:    core.OutcomeSuccess,
		Confidence: 1,
		Reason:     "emergency",
	})
	return err
}
