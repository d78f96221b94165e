package calendar

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
)

// GoogleProvider implements Provider on the Google Calendar API
type GoogleProvider struct {
	service *gcal.Service
	token   *oauth2.Token
}

// NewGoogleProvider creates a provider from an authorized token.
func NewGoogleProvider(ctx context.Context, oauth *OAuthClient, token *oauth2.Token) (*GoogleProvider, error) {
	service, err := oauth.CreateService(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}

	return &GoogleProvider{
		service: service,
		token:   token,
	}, nil
}

// ListCalendars returns all calendars the account can see
func (g *GoogleProvider) ListCalendars(ctx context.Context) ([]CalendarInfo, error) {
	list, err := g.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	calendars := make([]CalendarInfo, 0, len(list.Items))
	for _, cal := range list.Items {
		calendars = append(calendars, CalendarInfo{
			ID:       cal.Id,
			Summary:  cal.Summary,
			TimeZone: cal.TimeZone,
			Primary:  cal.Primary,
		})
	}

	return calendars, nil
}

// ListEvents returns events on one calendar within a range
func (g *GoogleProvider) ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]Event, error) {
	if calendarID == "" {
		calendarID = "primary"
	}

	resp, err := g.service.Events.List(calendarID).
		Context(ctx).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Do()
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]Event, 0, len(resp.Items))
	for _, item := range resp.Items {
		events = append(events, convertEvent(item, calendarID))
	}
	return events, nil
}

// CreateEvent places an event and returns the new event id
func (g *GoogleProvider) CreateEvent(ctx context.Context, calendarID string, req EventRequest) (string, error) {
	event := &gcal.Event{
		Summary:     req.Summary,
		Description: req.Description,
		Start:       &gcal.EventDateTime{DateTime: req.Start.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: req.End.Format(time.RFC3339)},
	}

	created, err := g.service.Events.Insert(calendarID, event).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create event: %w", err)
	}
	return created.Id, nil
}

// MoveEvent shifts an event to a new time range
func (g *GoogleProvider) MoveEvent(ctx context.Context, calendarID, eventID string, start, end time.Time) error {
	existing, err := g.service.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get event: %w", err)
	}

	existing.Start = &gcal.EventDateTime{DateTime: start.Format(time.RFC3339)}
	existing.End = &gcal.EventDateTime{DateTime: end.Format(time.RFC3339)}

	if _, err := g.service.Events.Update(calendarID, eventID, existing).Context(ctx).Do(); err != nil {
		return fmt.Errorf("move event: %w", err)
	}
	return nil
}

// DeleteEvent removes an event
func (g *GoogleProvider) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := g.service.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

// CreateCalendar makes a new calendar and returns its id
func (g *GoogleProvider) CreateCalendar(ctx context.Context, summary string) (string, error) {
	created, err := g.service.Calendars.Insert(&gcal.Calendar{Summary: summary}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create calendar: %w", err)
	}
	return created.Id, nil
}

// TokenValid reports whether the provider still holds a usable token.
func (g *GoogleProvider) TokenValid() bool {
	return g.token != nil && g.token.Valid()
}

func convertEvent(item *gcal.Event, calendarID string) Event {
	event := Event{
		ID:         item.Id,
		CalendarID: calendarID,
		Summary:    item.Summary,
		Status:     item.Status,
	}

	if item.Start != nil {
		if item.Start.DateTime != "" {
			event.Start, _ = time.Parse(time.RFC3339, item.Start.DateTime)
		} else if item.Start.Date != "" {
			event.Start, _ = time.Parse("2006-01-02", item.Start.Date)
			event.AllDay = true
		}
	}
	if item.End != nil {
		if item.End.DateTime != "" {
			event.End, _ = time.Parse(time.RFC3339, item.End.DateTime)
		} else if item.End.Date != "" {
			event.End, _ = time.Parse("2006-01-02", item.End.Date)
		}
	}

	return event
}
