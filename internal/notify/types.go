// Package notify rations the ghost's interruptions. One real
// notification per day; everything else competes for a single pending
// slot or is dropped.
package notify

import (
	"context"
	"time"
)

// Priority orders requests competing for attention
type Priority int

const (
	PriorityLow      Priority = 1 // Can wait for the daily digest
	PriorityNormal   Priority = 2 // Worth the daily slot
	PriorityHigh     Priority = 3 // Preempts pending items
	PriorityCritical Priority = 4 // Health or safety
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority maps a stored name back to its rank. Unknown names
// read as normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "normal":
		return PriorityNormal
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Request is one attempted interruption.
type Request struct {
	Title     string   `json:"title"`
	Body      string   `json:"body,omitempty"`
	Priority  Priority `json:"priority"`
	BadgeOnly bool     `json:"badge_only"`
}

// Decision reports what the governor did with a request.
type Decision struct {
	Delivered bool   `json:"delivered"`
	Queued    bool   `json:"queued"`
	Reason    string `json:"reason,omitempty"`
}

// Pending is the one request allowed to wait for tomorrow's slot.
type Pending struct {
	RequestID string    `json:"request_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// LogEntry records the final fate of one request.
type LogEntry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Priority  Priority  `json:"priority"`
	BadgeOnly bool      `json:"badge_only"`
	Outcome   string    `json:"outcome"`
	CreatedAt time.Time `json:"created_at"`
}

// Log outcomes
const (
	OutcomeDelivered = "delivered"
	OutcomeQueued    = "queued"
	OutcomeDropped   = "dropped"
	OutcomeRefused   = "refused"
	OutcomeReplaced  = "replaced"
)

// Channel delivers notifications to the OS layer. The governor decides
// whether to interrupt; the channel only carries it out.
type Channel interface {
	Deliver(ctx context.Context, req Request) error
}
