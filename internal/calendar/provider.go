// Package calendar plans, places and reworks training blocks. Reads
// span every calendar the provider exposes; writes go only to the
// dedicated ghost calendar, with an optional shadow mirror.
package calendar

import (
	"context"
	"time"
)

// Provider is the external calendar collaborator. Implementations
// exist for Google Calendar and, in tests, an in-memory fake.
type Provider interface {
	// ListCalendars returns every calendar visible to the account.
	ListCalendars(ctx context.Context) ([]CalendarInfo, error)

	// ListEvents returns events on one calendar inside [start, end).
	ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]Event, error)

	// CreateEvent places an event and returns its id.
	CreateEvent(ctx context.Context, calendarID string, req EventRequest) (string, error)

	// MoveEvent shifts an existing event to a new range.
	MoveEvent(ctx context.Context, calendarID, eventID string, start, end time.Time) error

	// DeleteEvent removes an event.
	DeleteEvent(ctx context.Context, calendarID, eventID string) error

	// CreateCalendar makes a new calendar and returns its id.
	CreateCalendar(ctx context.Context, summary string) (string, error)
}

// CalendarInfo represents one calendar on the account
type CalendarInfo struct {
	ID       string `json:"id"`
	Summary  string `json:"summary"`
	TimeZone string `json:"time_zone"`
	Primary  bool   `json:"primary"`
}

// Event represents a calendar event as the scheduler sees it
type Event struct {
	ID         string    `json:"id"`
	CalendarID string    `json:"calendar_id"`
	Summary    string    `json:"summary"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	AllDay     bool      `json:"all_day"`
	Status     string    `json:"status"` // confirmed, tentative, cancelled
}

// EventRequest contains the fields for creating an event
type EventRequest struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
}

// TimeSlot is an open interval found by the slot search
type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ConflictResult reports what stands in the way of an interval.
// Sacred conflicts are flagged separately because no autonomy level
// may override them.
type ConflictResult struct {
	HasConflict       bool    `json:"has_conflict"`
	HasSacredConflict bool    `json:"has_sacred_conflict"`
	Conflicts         []Event `json:"conflicts,omitempty"`
}

// Busy reports whether anything at all blocks the interval.
func (r ConflictResult) Busy() bool {
	return r.HasConflict || r.HasSacredConflict
}
