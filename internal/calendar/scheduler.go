package calendar

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghostcoach/ghostcoach/internal/core"
	"github.com/ghostcoach/ghostcoach/internal/logging"
	"github.com/ghostcoach/ghostcoach/internal/receipts"
)

// Config holds the scheduling policy
type Config struct {
	GhostCalendar    string // Display name of the ghost's own calendar
	ShadowCalendarID string // Where shadow "Busy" mirrors go, empty disables
	Buffer           time.Duration
	SacredWindows    []core.SacredWindow
	Location         *time.Location
}

// slotStep is the grid the open-slot search walks on.
const slotStep = 30 * time.Minute

// Scheduler owns block placement. All writes target the dedicated
// ghost calendar; free/busy reads span every calendar on the account.
type Scheduler struct {
	provider Provider
	blocks   *BlockStore
	receipts *receipts.Recorder
	cfg      Config

	mu         sync.Mutex
	now        func() time.Time
	ghostCalID string
}

// NewScheduler creates a scheduler. The provider may be nil until the
// user connects a calendar; operations fail cleanly until then.
func NewScheduler(provider Provider, blocks *BlockStore, recorder *receipts.Recorder, cfg Config) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Scheduler{
		provider: provider,
		blocks:   blocks,
		receipts: recorder,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Blocks exposes the underlying block store.
func (s *Scheduler) Blocks() *BlockStore {
	return s.blocks
}

// Connected reports whether a calendar provider is wired in.
func (s *Scheduler) Connected() bool {
	return s.provider != nil
}

// EnsureGhostCalendar finds or creates the calendar all ghost writes
// target, returning its id.
func (s *Scheduler) EnsureGhostCalendar(ctx context.Context) (string, error) {
	if s.ghostCalID != "" {
		return s.ghostCalID, nil
	}
	if s.provider == nil {
		return "", core.ErrCalendarUnavailable
	}

	calendars, err := s.provider.ListCalendars(ctx)
	if err != nil {
		return "", fmt.Errorf("list calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Summary == s.cfg.GhostCalendar {
			s.ghostCalID = cal.ID
			return cal.ID, nil
		}
	}

	id, err := s.provider.CreateCalendar(ctx, s.cfg.GhostCalendar)
	if err != nil {
		return "", fmt.Errorf("create ghost calendar: %w", err)
	}

	logging.WithField("calendar", s.cfg.GhostCalendar).Info("created ghost calendar")
	s.ghostCalID = id
	return id, nil
}

// ----- Conflict detection -----

// ConflictCheck reports whether the buffered interval around a
// candidate block collides with any event on any calendar, and
// independently whether it touches a sacred window.
func (s *Scheduler) ConflictCheck(ctx context.Context, start time.Time, duration time.Duration) (*ConflictResult, error) {
	return s.conflictCheck(ctx, start, duration, nil)
}

// ConflictCheckFor checks a block's own interval, ignoring the events
// the block itself put on the calendar.
func (s *Scheduler) ConflictCheckFor(ctx context.Context, block *core.TrainingBlock) (*ConflictResult, error) {
	exclude := map[string]bool{}
	if block.CalendarEventID != "" {
		exclude[block.CalendarEventID] = true
	}
	if block.ShadowEventID != "" {
		exclude[block.ShadowEventID] = true
	}
	return s.conflictCheck(ctx, block.Start, block.Duration, exclude)
}

func (s *Scheduler) conflictCheck(ctx context.Context, start time.Time, duration time.Duration, exclude map[string]bool) (*ConflictResult, error) {
	if s.provider == nil {
		return nil, core.ErrCalendarUnavailable
	}

	bufStart := start.Add(-s.cfg.Buffer)
	bufEnd := start.Add(duration).Add(s.cfg.Buffer)

	events, err := s.listAllEvents(ctx, bufStart, bufEnd)
	if err != nil {
		return nil, err
	}

	result := s.evaluate(events, start, duration, exclude)
	return &result, nil
}

// evaluate applies the conflict rule to an already-fetched event set.
func (s *Scheduler) evaluate(events []Event, start time.Time, duration time.Duration, exclude map[string]bool) ConflictResult {
	bufStart := start.Add(-s.cfg.Buffer)
	bufEnd := start.Add(duration).Add(s.cfg.Buffer)

	var result ConflictResult
	for _, ev := range events {
		if exclude[ev.ID] {
			continue
		}
		// Cancelled placeholders and all-day events don't block training
		if ev.Status == "cancelled" || ev.AllDay {
			continue
		}
		if ev.Start.Before(bufEnd) && ev.End.After(bufStart) {
			result.HasConflict = true
			result.Conflicts = append(result.Conflicts, ev)
		}
	}

	result.HasSacredConflict = s.sacredOverlap(bufStart, bufEnd)
	return result
}

// sacredOverlap reports whether an interval touches any weekly sacred
// window.
func (s *Scheduler) sacredOverlap(start, end time.Time) bool {
	start = start.In(s.cfg.Location)
	end = end.In(s.cfg.Location)

	for _, win := range s.cfg.SacredWindows {
		day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, s.cfg.Location)
		for !day.After(end) {
			if day.Weekday() == win.Weekday {
				winStart, okS := atClock(day, win.Start)
				winEnd, okE := atClock(day, win.End)
				if okS && okE && start.Before(winEnd) && end.After(winStart) {
					return true
				}
			}
			day = day.AddDate(0, 0, 1)
		}
	}
	return false
}

func (s *Scheduler) listAllEvents(ctx context.Context, from, to time.Time) ([]Event, error) {
	calendars, err := s.provider.ListCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	var all []Event
	for _, cal := range calendars {
		events, err := s.provider.ListEvents(ctx, cal.ID, from, to)
		if err != nil {
			return nil, fmt.Errorf("list events on %s: %w", cal.ID, err)
		}
		all = append(all, events...)
	}
	return all, nil
}

// DayDensity reports the fraction of the waking day (05:00-22:00)
// already covered by events across every calendar. Skip-risk uses it
// as the "how packed is today" feature.
func (s *Scheduler) DayDensity(ctx context.Context, day time.Time) (float64, error) {
	if s.provider == nil {
		return 0, core.ErrCalendarUnavailable
	}

	local := day.In(s.cfg.Location)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 5, 0, 0, 0, s.cfg.Location)
	dayEnd := time.Date(local.Year(), local.Month(), local.Day(), 22, 0, 0, 0, s.cfg.Location)

	events, err := s.listAllEvents(ctx, dayStart, dayEnd)
	if err != nil {
		return 0, err
	}

	var busy time.Duration
	for _, ev := range events {
		if ev.Status == "cancelled" || ev.AllDay {
			continue
		}
		from, to := ev.Start, ev.End
		if from.Before(dayStart) {
			from = dayStart
		}
		if to.After(dayEnd) {
			to = dayEnd
		}
		if to.After(from) {
			busy += to.Sub(from)
		}
	}

	density := float64(busy) / float64(dayEnd.Sub(dayStart))
	if density > 1 {
		density = 1
	}
	return density, nil
}

// ----- Slot search -----

// FindOpenSlot walks the range on a 30-minute grid and returns the
// first conflict-free slot inside the preferred day window, or nil
// when the range holds none. It never widens the search on its own.
func (s *Scheduler) FindOpenSlot(ctx context.Context, from, to time.Time, duration time.Duration, pref core.WindowPref) (*TimeSlot, error) {
	if s.provider == nil {
		return nil, core.ErrCalendarUnavailable
	}
	if duration <= 0 {
		return nil, fmt.Errorf("duration %v: %w", duration, core.ErrInvalidInput)
	}

	events, err := s.listAllEvents(ctx, from.Add(-s.cfg.Buffer), to.Add(s.cfg.Buffer))
	if err != nil {
		return nil, err
	}

	cand := ceilToStep(from.In(s.cfg.Location))
	for !cand.Add(duration).After(to) {
		if !s.inWindow(cand, duration, pref) {
			cand = cand.Add(slotStep)
			continue
		}

		result := s.evaluate(events, cand, duration, nil)
		if !result.Busy() {
			return &TimeSlot{Start: cand, End: cand.Add(duration)}, nil
		}
		cand = cand.Add(slotStep)
	}

	return nil, nil
}

// inWindow reports whether a slot falls wholly inside the preference
// window.
func (s *Scheduler) inWindow(start time.Time, duration time.Duration, pref core.WindowPref) bool {
	if pref == core.WindowAny || pref == "" {
		return true
	}

	var fromMin, toMin int
	switch pref {
	case core.WindowMorning:
		fromMin, toMin = 5*60, 12*60
	case core.WindowAfternoon:
		fromMin, toMin = 12*60, 17*60
	case core.WindowEvening:
		fromMin, toMin = 17*60, 22*60
	default:
		return true
	}

	local := start.In(s.cfg.Location)
	startMin := local.Hour()*60 + local.Minute()
	endMin := startMin + int(duration.Minutes())
	return startMin >= fromMin && endMin <= toMin
}

// ----- Block operations -----

// PlaceOptions carries the receipt context for a placement.
type PlaceOptions struct {
	ShadowSync bool
	Confidence float64
	Inputs     map[string]interface{}
}

// ScheduleBlock writes a block to the ghost calendar and persists it.
// The caller has already settled where and what; this is the commit.
func (s *Scheduler) ScheduleBlock(ctx context.Context, block *core.TrainingBlock, opts PlaceOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if titleFor(block.Type) == "" {
		return fmt.Errorf("workout type %q: %w", block.Type, core.ErrInvalidWorkout)
	}
	if block.Origin == "" {
		block.Origin = core.OriginUser
	}
	block.Status = core.BlockScheduled

	calID, err := s.EnsureGhostCalendar(ctx)
	if err != nil {
		return err
	}

	if block.ID == "" {
		block.ID = core.BlockID(uuid.New().String())
	}

	eventID, err := s.provider.CreateEvent(ctx, calID, EventRequest{
		Summary:     titleFor(block.Type),
		Description: eventDescription(block),
		Start:       block.Start,
		End:         block.End(),
	})
	if err != nil {
		return fmt.Errorf("create block event: %w", err)
	}
	block.CalendarEventID = eventID

	if opts.ShadowSync && s.cfg.ShadowCalendarID != "" {
		shadowID, err := s.provider.CreateEvent(ctx, s.cfg.ShadowCalendarID, EventRequest{
			Summary: "Busy",
			Start:   block.Start,
			End:     block.End(),
		})
		if err != nil {
			// The block stands even when its mirror fails
			logging.WithField("block", string(block.ID)).Warn("shadow sync failed: %v", err)
		} else {
			block.ShadowEventID = shadowID
		}
	}

	if err := s.blocks.Save(ctx, block); err != nil {
		return err
	}

	if s.receipts != nil {
		if block.Origin == core.OriginAuto {
			s.receipts.BlockCreated(block, opts.Confidence, opts.Inputs)
		} else {
			s.receipts.Store().Append(receipts.Draft{
				Action:     receipts.ActionBlockCreate,
				Actor:      receipts.ActorUser,
				EntityType: "block",
				EntityID:   string(block.ID),
				Inputs:     opts.Inputs,
				Outcome:    core.OutcomeSuccess,
				Confidence: 1,
				Reason:     block.Reason,
			})
		}
	}
	return nil
}

// ProposeBlock persists a block awaiting user confirmation. Nothing
// touches the calendar until the proposal is accepted.
func (s *Scheduler) ProposeBlock(ctx context.Context, block *core.TrainingBlock, opts PlaceOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if titleFor(block.Type) == "" {
		return fmt.Errorf("workout type %q: %w", block.Type, core.ErrInvalidWorkout)
	}

	block.Status = core.BlockProposed
	block.Origin = core.OriginProposed

	if err := s.blocks.Save(ctx, block); err != nil {
		return err
	}

	if s.receipts != nil {
		s.receipts.BlockProposed(block, opts.Confidence, opts.Inputs)
	}
	return nil
}

// AcceptProposal turns a proposed block into a scheduled one and
// writes it to the calendar.
func (s *Scheduler) AcceptProposal(ctx context.Context, id core.BlockID, shadowSync bool) (*core.TrainingBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := s.blocks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if block.Status != core.BlockProposed {
		return nil, fmt.Errorf("block %s is %s: %w", id, block.Status, core.ErrBlockImmutable)
	}

	calID, err := s.EnsureGhostCalendar(ctx)
	if err != nil {
		return nil, err
	}

	eventID, err := s.provider.CreateEvent(ctx, calID, EventRequest{
		Summary:     titleFor(block.Type),
		Description: eventDescription(block),
		Start:       block.Start,
		End:         block.End(),
	})
	if err != nil {
		return nil, fmt.Errorf("create block event: %w", err)
	}
	block.CalendarEventID = eventID
	block.Status = core.BlockScheduled

	if shadowSync && s.cfg.ShadowCalendarID != "" {
		shadowID, err := s.provider.CreateEvent(ctx, s.cfg.ShadowCalendarID, EventRequest{
			Summary: "Busy",
			Start:   block.Start,
			End:     block.End(),
		})
		if err == nil {
			block.ShadowEventID = shadowID
		}
	}

	if err := s.blocks.Update(ctx, block); err != nil {
		return nil, err
	}

	if s.receipts != nil {
		s.receipts.Store().Append(receipts.Draft{
			Action:     receipts.ActionBlockCreate,
			Actor:      receipts.ActorUser,
			EntityType: "block",
			EntityID:   string(block.ID),
			Outcome:    core.OutcomeSuccess,
			Confidence: 1,
			Reason:     "proposal_accepted",
		})
	}
	return block, nil
}

// RejectProposal discards a proposed block.
func (s *Scheduler) RejectProposal(ctx context.Context, id core.BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := s.blocks.Get(ctx, id)
	if err != nil {
		return err
	}
	if block.Status != core.BlockProposed {
		return fmt.Errorf("block %s is %s: %w", id, block.Status, core.ErrBlockImmutable)
	}

	block.Status = core.BlockCancelled
	block.Reason = "proposal_rejected"
	if err := s.blocks.Update(ctx, block); err != nil {
		return err
	}

	if s.receipts != nil {
		s.receipts.Store().Append(receipts.Draft{
			Action:     receipts.ActionBlockCancel,
			Actor:      receipts.ActorUser,
			EntityType: "block",
			EntityID:   string(block.ID),
			Outcome:    core.OutcomeSuccess,
			Confidence: 1,
			Reason:     "proposal_rejected",
		})
	}
	return nil
}

// TransformBlock swaps a block's workout type in place. The calendar
// event is replaced because the provider contract has no in-place
// retitle.
func (s *Scheduler) TransformBlock(ctx context.Context, id core.BlockID, newType core.WorkoutType, reason string) (*core.TrainingBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transform(ctx, id, newType, reason)
}

func (s *Scheduler) transform(ctx context.Context, id core.BlockID, newType core.WorkoutType, reason string) (*core.TrainingBlock, error) {
	if titleFor(newType) == "" {
		return nil, fmt.Errorf("workout type %q: %w", newType, core.ErrInvalidWorkout)
	}

	block, err := s.blocks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if block.Status != core.BlockScheduled && block.Status != core.BlockProposed {
		return nil, fmt.Errorf("block %s is %s: %w", id, block.Status, core.ErrBlockImmutable)
	}

	from := block.Type
	block.Type = newType
	block.Reason = reason

	if block.CalendarEventID != "" {
		calID, err := s.EnsureGhostCalendar(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.provider.DeleteEvent(ctx, calID, block.CalendarEventID); err != nil {
			return nil, fmt.Errorf("remove old event: %w", err)
		}
		eventID, err := s.provider.CreateEvent(ctx, calID, EventRequest{
			Summary:     titleFor(newType),
			Description: eventDescription(block),
			Start:       block.Start,
			End:         block.End(),
		})
		if err != nil {
			return nil, fmt.Errorf("create transformed event: %w", err)
		}
		block.CalendarEventID = eventID
	}

	if err := s.blocks.Update(ctx, block); err != nil {
		return nil, err
	}

	if s.receipts != nil {
		s.receipts.Store().Append(receipts.Draft{
			Action:     receipts.ActionBlockTransform,
			Actor:      receipts.ActorGhost,
			EntityType: "block",
			EntityID:   string(block.ID),
			Inputs:     map[string]interface{}{"from": from, "to": newType},
			Outcome:    core.OutcomeSuccess,
			Confidence: 0.85,
			Reason:     reason,
		})
	}
	return block, nil
}

// DowngradeBlock steps a block down to its mapped lighter type, the
// protective move for a low-recovery morning.
func (s *Scheduler) DowngradeBlock(ctx context.Context, id core.BlockID, reason string, inputs map[string]interface{}) (*core.TrainingBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := s.blocks.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from := block.Type
	to, ok := from.Downgrade()
	if !ok {
		return nil, fmt.Errorf("block %s type %s: %w", id, from, core.ErrNoDowngrade)
	}

	block, err = s.transform(ctx, id, to, reason)
	if err != nil {
		return nil, err
	}

	if s.receipts != nil {
		s.receipts.BlockDowngraded(id, from, to, reason, inputs)
	}
	return block, nil
}

// MoveBlock reschedules a block to a new start, refusing slots that
// conflict. Sacred windows refuse absolutely.
func (s *Scheduler) MoveBlock(ctx context.Context, id core.BlockID, newStart time.Time, reason string) (*core.TrainingBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := s.blocks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if block.Status != core.BlockScheduled && block.Status != core.BlockProposed {
		return nil, fmt.Errorf("block %s is %s: %w", id, block.Status, core.ErrBlockImmutable)
	}

	exclude := map[string]bool{}
	if block.CalendarEventID != "" {
		exclude[block.CalendarEventID] = true
	}
	if block.ShadowEventID != "" {
		exclude[block.ShadowEventID] = true
	}

	result, err := s.conflictCheck(ctx, newStart, block.Duration, exclude)
	if err != nil {
		return nil, err
	}
	if result.HasSacredConflict {
		return nil, fmt.Errorf("move to %s: %w", newStart.Format(time.RFC3339), core.ErrSacredTime)
	}
	if result.HasConflict {
		return nil, fmt.Errorf("move to %s: %w", newStart.Format(time.RFC3339), core.ErrSlotConflict)
	}

	oldStart := block.Start
	block.Start = newStart
	block.Reason = reason

	if block.CalendarEventID != "" {
		calID, err := s.EnsureGhostCalendar(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.provider.MoveEvent(ctx, calID, block.CalendarEventID, newStart, block.End()); err != nil {
			return nil, fmt.Errorf("move event: %w", err)
		}
	}
	if block.ShadowEventID != "" && s.cfg.ShadowCalendarID != "" {
		if err := s.provider.MoveEvent(ctx, s.cfg.ShadowCalendarID, block.ShadowEventID, newStart, block.End()); err != nil {
			logging.WithField("block", string(block.ID)).Warn("shadow move failed: %v", err)
		}
	}

	if err := s.blocks.Update(ctx, block); err != nil {
		return nil, err
	}

	if s.receipts != nil {
		s.receipts.BlockMoved(id, reason, map[string]interface{}{
			"from": oldStart.Format(time.RFC3339),
			"to":   newStart.Format(time.RFC3339),
		})
	}
	return block, nil
}

// CancelBlock removes a block from the calendar and marks it
// cancelled. The ghost may not cancel blocks the user created by
// hand.
func (s *Scheduler) CancelBlock(ctx context.Context, id core.BlockID, actor, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := s.blocks.Get(ctx, id)
	if err != nil {
		return err
	}
	if block.Status == core.BlockCancelled {
		return nil
	}
	if block.Status == core.BlockCompleted || block.Status == core.BlockMissed {
		return fmt.Errorf("block %s is %s: %w", id, block.Status, core.ErrBlockImmutable)
	}
	if actor == receipts.ActorGhost && block.Origin == core.OriginUser {
		return fmt.Errorf("block %s: %w", id, core.ErrOriginProtected)
	}

	if block.CalendarEventID != "" {
		calID, err := s.EnsureGhostCalendar(ctx)
		if err != nil {
			return err
		}
		if err := s.provider.DeleteEvent(ctx, calID, block.CalendarEventID); err != nil {
			return fmt.Errorf("delete event: %w", err)
		}
		block.CalendarEventID = ""
	}
	if block.ShadowEventID != "" && s.cfg.ShadowCalendarID != "" {
		if err := s.provider.DeleteEvent(ctx, s.cfg.ShadowCalendarID, block.ShadowEventID); err != nil {
			logging.WithField("block", string(block.ID)).Warn("shadow delete failed: %v", err)
		}
		block.ShadowEventID = ""
	}

	block.Status = core.BlockCancelled
	block.Reason = reason
	if err := s.blocks.Update(ctx, block); err != nil {
		return err
	}

	if s.receipts != nil {
		if actor == receipts.ActorGhost {
			s.receipts.BlockCancelled(id, reason, nil)
		} else {
			s.receipts.Store().Append(receipts.Draft{
				Action:     receipts.ActionBlockCancel,
				Actor:      actor,
				EntityType: "block",
				EntityID:   string(id),
				Outcome:    core.OutcomeSuccess,
				Confidence: 1,
				Reason:     reason,
			})
		}
	}
	return nil
}

// ResolveBlock records the verdict on a past block: completed or
// missed. Calendar events stay put; history is history.
func (s *Scheduler) ResolveBlock(ctx context.Context, id core.BlockID, status core.BlockStatus, inputs map[string]interface{}) (*core.TrainingBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status != core.BlockCompleted && status != core.BlockMissed {
		return nil, fmt.Errorf("resolve to %q: %w", status, core.ErrInvalidInput)
	}

	block, err := s.blocks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if block.Status == status {
		return block, nil
	}
	if block.Status != core.BlockScheduled {
		return nil, fmt.Errorf("block %s is %s: %w", id, block.Status, core.ErrBlockImmutable)
	}

	block.Status = status
	if err := s.blocks.Update(ctx, block); err != nil {
		return nil, err
	}

	if s.receipts != nil {
		s.receipts.BlockResolved(id, status, inputs)
	}
	return block, nil
}

// ----- Helpers -----

var workoutTitles = map[core.WorkoutType]string{
	core.WorkoutHIIT:     "HIIT",
	core.WorkoutStrength: "Strength",
	core.WorkoutRun:      "Run",
	core.WorkoutZone2:    "Zone 2",
	core.WorkoutSwim:     "Swim",
	core.WorkoutYoga:     "Yoga",
	core.WorkoutMobility: "Mobility",
	core.WorkoutWalk:     "Walk",
	core.WorkoutRest:     "Rest Day",
}

func titleFor(t core.WorkoutType) string {
	return workoutTitles[t]
}

func eventDescription(block *core.TrainingBlock) string {
	desc := block.Reason
	if desc != "" {
		desc += "\n\n"
	}
	return desc + "ghostcoach-block:" + string(block.ID)
}

// atClock places an "HH:MM" clock reading on a calendar day.
func atClock(day time.Time, clock string) (time.Time, bool) {
	parts := strings.SplitN(clock, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location()), true
}

// ceilToStep rounds a time up onto the half-hour grid.
func ceilToStep(t time.Time) time.Time {
	floored := t.Truncate(slotStep)
	if floored.Equal(t) {
		return t
	}
	return floored.Add(slotStep)
}
