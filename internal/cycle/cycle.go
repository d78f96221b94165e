// Package cycle is the root of the decision engine: the morning,
// evening and weekly passes that read the phenome, consult trust, and
// drive the calendar, the governor and the backend. Cycles run under
// a hard time budget and checkpoint progress step by step, so a wake
// that fires twice, or dies half-way, never double-applies a decision.
package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/ghostcoach/ghostcoach/internal/backend"
	"github.com/ghostcoach/ghostcoach/internal/calendar"
	"github.com/ghostcoach/ghostcoach/internal/core"
	"github.com/ghostcoach/ghostcoach/internal/health"
	"github.com/ghostcoach/ghostcoach/internal/logging"
	"github.com/ghostcoach/ghostcoach/internal/notify"
	"github.com/ghostcoach/ghostcoach/internal/phenome"
	"github.com/ghostcoach/ghostcoach/internal/receipts"
	"github.com/ghostcoach/ghostcoach/internal/recovery"
	"github.com/ghostcoach/ghostcoach/internal/trust"
	"github.com/ghostcoach/ghostcoach/internal/wake"
)

// Cycle kinds, also the wake task ids.
const (
	KindMorning       = "morning"
	KindEvening       = "evening"
	KindWeekly        = "weekly"
	KindConsolidation = "consolidation"
)

// workoutMatchSlack is how far outside a block's window a recorded
// workout still counts as that block.
const workoutMatchSlack = 30 * time.Minute

// lowRecoveryReason marks a protective downgrade so a resumed morning
// pass never steps the same block down twice.
const lowRecoveryReason = "low_recovery"

// StatePusher feeds authoritative state to connected companions.
type StatePusher interface {
	PushState(ctx context.Context) error
}

// Config holds the cycle policy.
type Config struct {
	Location *time.Location

	MorningAt string // "HH:MM"
	EveningAt string // "HH:MM"
	WeeklyDay time.Weekday

	// Budget bounds each regular cycle; consolidation gets its own,
	// longer one.
	Budget              time.Duration
	ConsolidationBudget time.Duration

	// Week planning
	WeeklyTarget   int
	BlockDuration  time.Duration
	Window         core.WindowPref
	PreferredTypes []core.WorkoutType
	RestWeekday    string // Never plan on this day, empty disables
	ShadowSync     bool

	// Retention
	ReceiptDays int
	SignalDays  int
}

// Deps are the injected collaborators. Health, Backend and Pusher may
// be nil; the cycles degrade instead of failing.
type Deps struct {
	Phenome  *phenome.Store
	Health   *health.Ingestor
	Calendar *calendar.Scheduler
	Trust    *trust.Store
	Governor *notify.Governor
	Backend  *backend.Client
	Recorder *receipts.Recorder
	Runs     *RunStore
	Pusher   StatePusher
}

// Orchestrator sequences the cycles.
type Orchestrator struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// New creates the orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Budget <= 0 {
		cfg.Budget = time.Minute
	}
	if cfg.ConsolidationBudget <= 0 {
		cfg.ConsolidationBudget = 10 * time.Minute
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = time.Hour
	}
	if cfg.WeeklyTarget <= 0 {
		cfg.WeeklyTarget = 3
	}
	if len(cfg.PreferredTypes) == 0 {
		cfg.PreferredTypes = []core.WorkoutType{core.WorkoutZone2}
	}
	return &Orchestrator{cfg: cfg, deps: deps, now: time.Now}
}

// SetClock overrides the time source for tests.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// RegisterWakes hangs the cycles on the wake scheduler.
func (o *Orchestrator) RegisterWakes(s *wake.Scheduler) error {
	tasks := []*wake.Task{
		wake.DailyTask(KindMorning, "morning cycle", o.cfg.MorningAt, o.RunMorning),
		wake.DailyTask(KindEvening, "evening cycle", o.cfg.EveningAt, o.RunEvening),
		wake.WeeklyTask(KindWeekly, "weekly cycle", o.cfg.MorningAt, o.cfg.WeeklyDay, o.RunWeekly),
		wake.WeeklyTask(KindConsolidation, "pattern consolidation", "03:00", o.cfg.WeeklyDay, o.RunConsolidation),
	}
	for _, task := range tasks {
		task.Timeout = o.cfg.Budget
		if task.ID == KindConsolidation {
			task.Timeout = o.cfg.ConsolidationBudget
		}
		if err := s.Register(task); err != nil {
			return err
		}
	}
	return nil
}

// Trigger runs one cycle by kind, the shared path for API and remote
// commands.
func (o *Orchestrator) Trigger(ctx context.Context, kind string) error {
	switch kind {
	case KindMorning:
		return o.RunMorning(ctx)
	case KindEvening:
		return o.RunEvening(ctx)
	case KindWeekly:
		return o.RunWeekly(ctx)
	case KindConsolidation:
		return o.RunConsolidation(ctx)
	default:
		return fmt.Errorf("cycle %q: %w", kind, core.ErrInvalidInput)
	}
}

// ----- Morning -----

// RunMorning ingests overnight signals, scores recovery, and protects
// today's training when the body disagrees with the plan.
func (o *Orchestrator) RunMorning(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Budget)
	defer cancel()

	now := o.now().In(o.cfg.Location)
	date := now.Format("2006-01-02")
	log := logging.WithFields(map[string]interface{}{"cycle": KindMorning, "date": date})

	run, err := o.deps.Runs.Begin(ctx, KindMorning, date)
	if err != nil {
		return err
	}
	if run.Completed() {
		log.Debug("already ran today")
		return nil
	}

	if !run.Done("ingest") {
		if o.deps.Health != nil {
			if n, err := o.deps.Health.PullMorning(ctx, now); err != nil {
				log.Warn("morning pull degraded: %v", err)
			} else {
				log.Debug("ingested %d signals", n)
			}
		}
		if err := run.Mark(ctx, "ingest"); err != nil {
			return err
		}
	}

	var snap core.RecoverySnapshot
	if !run.Done("score") {
		in, err := o.collectInputs(ctx, date, now)
		if err != nil {
			return err
		}
		snap = recovery.Score(in)
		if err := o.deps.Phenome.SaveSnapshot(ctx, snap); err != nil {
			return err
		}
		if err := run.Mark(ctx, "score"); err != nil {
			return err
		}
	} else {
		loaded, err := o.deps.Phenome.SnapshotFor(ctx, date)
		if err != nil {
			return err
		}
		if loaded != nil {
			snap = *loaded
		} else {
			snap = core.RecoverySnapshot{Date: date, Score: core.NeutralRecovery}
		}
	}

	if !run.Done("assess") {
		if err := o.assessToday(ctx, now, snap); err != nil {
			log.Warn("assessment degraded: %v", err)
		}
		if err := run.Mark(ctx, "assess"); err != nil {
			return err
		}
	}

	if !run.Done("flush") {
		if _, err := o.deps.Governor.FlushPending(ctx); err != nil {
			log.Warn("pending flush failed: %v", err)
		}
		o.flushBackend(ctx)
		if err := run.Mark(ctx, "flush"); err != nil {
			return err
		}
	}

	if err := run.Finish(ctx); err != nil {
		return err
	}
	if o.deps.Recorder != nil {
		o.deps.Recorder.CycleRan(KindMorning, date, core.OutcomeSuccess, map[string]interface{}{
			"recovery_score": snap.Score,
		})
	}
	o.pushState(ctx)
	log.Info("morning cycle done, recovery %.0f", snap.Score)
	return nil
}

// collectInputs assembles today's scorer inputs from the phenome.
func (o *Orchestrator) collectInputs(ctx context.Context, date string, now time.Time) (recovery.Inputs, error) {
	in := recovery.Inputs{Date: date}

	// Overnight window: yesterday evening to now
	from := now.Add(-18 * time.Hour)

	if sig := o.latestIn(ctx, core.SignalSleepHours, from, now); sig != nil {
		in.SleepHours = sig.Value
		in.HasSleep = true
	}
	if sig := o.latestIn(ctx, core.SignalSleepQuality, from, now); sig != nil {
		in.SleepQuality = qualityRating(sig.Value)
		in.HasSleep = true
	}

	if sig := o.latestIn(ctx, core.SignalHRV, from, now); sig != nil {
		base, ok, err := o.deps.Phenome.Baseline(ctx, core.SignalHRV, from, 30)
		if err != nil {
			return in, err
		}
		if ok {
			in.HRV = sig.Value
			in.HRVBaseline = base
			in.HasHRV = true
		}
	}

	if sig := o.latestIn(ctx, core.SignalRestingHR, from, now); sig != nil {
		base, ok, err := o.deps.Phenome.Baseline(ctx, core.SignalRestingHR, from, 30)
		if err != nil {
			return in, err
		}
		if ok {
			in.RestingHR = sig.Value
			in.RHRBaseline = base
			in.HasRHR = true
		}
	}

	return in, nil
}

func (o *Orchestrator) latestIn(ctx context.Context, kind core.SignalKind, from, to time.Time) *core.HealthSignal {
	sigs, err := o.deps.Phenome.Signals(ctx, kind, from, to)
	if err != nil || len(sigs) == 0 {
		return nil
	}
	latest := sigs[0]
	for _, sig := range sigs[1:] {
		if sig.Timestamp.After(latest.Timestamp) {
			latest = sig
		}
	}
	return &latest
}

// qualityRating buckets a device's 0-100 sleep rating.
func qualityRating(v float64) string {
	switch {
	case v >= 85:
		return recovery.QualityExcellent
	case v >= 70:
		return recovery.QualityGood
	case v >= 50:
		return recovery.QualityFair
	default:
		return recovery.QualityPoor
	}
}

// assessToday decides what happens to today's remaining blocks given
// the recovery read. Low recovery downgrades when trust permits and
// suggests when it doesn't; a merely risky day gets a nudge.
func (o *Orchestrator) assessToday(ctx context.Context, now time.Time, snap core.RecoverySnapshot) error {
	dayEnd := endOfDay(now)
	blocks, err := o.deps.Calendar.Blocks().InRange(ctx, now, dayEnd)
	if err != nil {
		return err
	}

	for _, block := range blocks {
		if block.Status != core.BlockScheduled || !block.Start.After(now) {
			continue
		}

		risk, features := o.skipRisk(ctx, block, snap)

		if snap.Score < core.LowRecovery {
			if block.Reason != lowRecoveryReason {
				o.protectBlock(ctx, block, snap, risk, features)
			}
			continue
		}

		if risk >= recovery.HighRisk {
			o.deps.Governor.Suggest(ctx,
				"Today looks shaky",
				fmt.Sprintf("Your %s at %s has a history of slipping. A calendar reminder might help.",
					block.Type, block.Start.In(o.cfg.Location).Format("15:04")))
		}
	}
	return nil
}

// protectBlock is the low-recovery path for one block.
func (o *Orchestrator) protectBlock(ctx context.Context, block *core.TrainingBlock, snap core.RecoverySnapshot, risk float64, features map[string]interface{}) {
	allowed, err := o.deps.Trust.Allows(trust.CapDowngrade)
	if err != nil {
		logging.Error("trust check failed: %v", err)
		return
	}

	if !allowed || block.Origin == core.OriginUser {
		o.deps.Governor.Suggest(ctx,
			"Rough night - consider going lighter",
			fmt.Sprintf("Recovery is %.0f. Swapping today's %s for something easier might be the smarter session.",
				snap.Score, block.Type))
		return
	}

	inputs := map[string]interface{}{
		"recovery_score": snap.Score,
		"skip_risk":      risk,
	}
	for k, v := range features {
		inputs[k] = v
	}

	if _, err := o.deps.Calendar.DowngradeBlock(ctx, block.ID, lowRecoveryReason, inputs); err != nil {
		logging.WithField("block", string(block.ID)).Warn("downgrade failed: %v", err)
		// The failure is already receipted by the scheduler path; fall
		// back to a suggestion so the day still gets protected.
		o.deps.Governor.Suggest(ctx,
			"Rough night - consider going lighter",
			fmt.Sprintf("Recovery is %.0f. An easier session may serve you better today.", snap.Score))
		return
	}

	o.deps.Governor.Badge(ctx, "Today's session was adjusted for recovery")
}

// skipRisk assembles the behavioral features for one block and runs
// the estimator. Unavailable features fall back to neutral values.
func (o *Orchestrator) skipRisk(ctx context.Context, block *core.TrainingBlock, snap core.RecoverySnapshot) (float64, map[string]interface{}) {
	start := block.Start.In(o.cfg.Location)
	window := phenome.WindowFor(start)

	rate, n, err := o.deps.Phenome.CompletionRate(ctx, start.Weekday(), window)
	if err != nil || n == 0 {
		rate = 0.7 // No history yet: assume mildly reliable
	}

	daysSinceMissed := 365.0
	if dates, err := o.deps.Calendar.Blocks().MissDates(ctx); err == nil && len(dates) > 0 {
		last := dates[len(dates)-1]
		for _, d := range dates {
			if d.After(last) {
				last = d
			}
		}
		daysSinceMissed = o.now().Sub(last).Hours() / 24
	}

	density, err := o.deps.Calendar.DayDensity(ctx, start)
	if err != nil {
		density = 0
	}

	fragile, err := o.deps.Phenome.FragileProximity(ctx, start)
	if err != nil {
		fragile = 0
	}

	features := recovery.Features{
		CompletionRate:   rate,
		DaysSinceMissed:  daysSinceMissed,
		RecoveryScore:    snap.Score,
		CalendarDensity:  density,
		SeasonPenalty:    seasonPenalty(start),
		FragileProximity: fragile,
	}
	risk := recovery.SkipRisk(features)

	return risk, map[string]interface{}{
		"completion_rate":   rate,
		"calendar_density":  density,
		"fragile_proximity": fragile,
	}
}

// seasonPenalty is the crude darkness proxy: short days sap intent.
func seasonPenalty(t time.Time) float64 {
	switch t.Month() {
	case time.November, time.December, time.January, time.February:
		return 0.5
	case time.March, time.October:
		return 0.25
	default:
		return 0.1
	}
}

// ----- Evening -----

// RunEvening settles today's verdict: match recorded workouts against
// blocks, emit the day's single trust event, update behavioral memory
// and pre-scan tomorrow.
func (o *Orchestrator) RunEvening(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Budget)
	defer cancel()

	now := o.now().In(o.cfg.Location)
	date := now.Format("2006-01-02")
	log := logging.WithFields(map[string]interface{}{"cycle": KindEvening, "date": date})

	run, err := o.deps.Runs.Begin(ctx, KindEvening, date)
	if err != nil {
		return err
	}
	if run.Completed() {
		log.Debug("already ran today")
		return nil
	}

	dayStart := startOfDay(now)

	var workouts []core.HealthSignal
	if o.deps.Health != nil {
		// A failed read must never turn into a "missed" verdict, so it
		// aborts the cycle instead of degrading.
		workouts, err = o.deps.Health.PullWorkouts(ctx, dayStart, now)
		if err != nil {
			return fmt.Errorf("pull workouts: %w", err)
		}
	}

	// Workouts the shortcut layer posted directly count too
	stored, err := o.deps.Phenome.Signals(ctx, core.SignalWorkout, dayStart, now)
	if err != nil {
		return fmt.Errorf("read stored workouts: %w", err)
	}
	workouts = append(workouts, stored...)

	completed, missed := 0, 0
	if !run.Done("resolve") {
		completed, missed, err = o.resolveToday(ctx, dayStart, now, workouts)
		if err != nil {
			return err
		}
		if err := run.Mark(ctx, "resolve"); err != nil {
			return err
		}
	} else {
		// A run that died between resolve and trust still owes the day
		// its verdict; recount it from the persisted statuses.
		completed, missed, err = o.countResolved(ctx, dayStart, now)
		if err != nil {
			return err
		}
	}

	if !run.Done("trust") {
		// One verdict per day. The dedupe key keeps a double-fired
		// evening from applying it twice even across process restarts.
		var kind trust.EventKind
		switch {
		case completed > 0:
			kind = trust.EventWorkoutCompleted
		case missed > 0:
			kind = trust.EventWorkoutMissed
		}
		if kind != "" {
			_, err := o.deps.Trust.RecordEvent(ctx, trust.Event{
				Kind:      kind,
				DedupeKey: "evening:" + date,
				Note:      fmt.Sprintf("%d completed, %d missed", completed, missed),
				Timestamp: now,
			})
			if err != nil {
				return err
			}
		}
		if err := run.Mark(ctx, "trust"); err != nil {
			return err
		}
	}

	if !run.Done("tomorrow") {
		if err := o.scanTomorrow(ctx, now); err != nil {
			log.Warn("tomorrow scan degraded: %v", err)
		}
		if err := run.Mark(ctx, "tomorrow"); err != nil {
			return err
		}
	}

	if !run.Done("report") {
		o.reportState(ctx, date)
		if err := run.Mark(ctx, "report"); err != nil {
			return err
		}
	}

	if err := run.Finish(ctx); err != nil {
		return err
	}
	if o.deps.Recorder != nil {
		o.deps.Recorder.CycleRan(KindEvening, date, core.OutcomeSuccess, map[string]interface{}{
			"completed": completed,
			"missed":    missed,
		})
	}
	o.pushState(ctx)
	log.Info("evening cycle done: %d completed, %d missed", completed, missed)
	return nil
}

// resolveToday marks each finished block completed or missed and
// feeds the outcome into behavioral memory.
func (o *Orchestrator) resolveToday(ctx context.Context, dayStart, now time.Time, workouts []core.HealthSignal) (completed, missed int, err error) {
	blocks, err := o.deps.Calendar.Blocks().InRange(ctx, dayStart, now)
	if err != nil {
		return 0, 0, err
	}

	for _, block := range blocks {
		if block.Status != core.BlockScheduled || block.End().After(now) {
			continue
		}

		done := workoutMatches(block, workouts)
		status := core.BlockMissed
		if done {
			status = core.BlockCompleted
		}

		if _, err := o.deps.Calendar.ResolveBlock(ctx, block.ID, status, map[string]interface{}{
			"matched_workout": done,
		}); err != nil {
			return completed, missed, err
		}

		start := block.Start.In(o.cfg.Location)
		if err := o.deps.Phenome.RecordOutcome(ctx, start.Weekday(), phenome.WindowFor(start), done); err != nil {
			logging.Warn("pattern update failed: %v", err)
		}

		if done {
			completed++
		} else {
			missed++
		}
	}
	return completed, missed, nil
}

// countResolved tallies today's settled blocks from storage.
func (o *Orchestrator) countResolved(ctx context.Context, dayStart, now time.Time) (completed, missed int, err error) {
	blocks, err := o.deps.Calendar.Blocks().InRange(ctx, dayStart, now)
	if err != nil {
		return 0, 0, err
	}
	for _, block := range blocks {
		switch block.Status {
		case core.BlockCompleted:
			completed++
		case core.BlockMissed:
			missed++
		}
	}
	return completed, missed, nil
}

// workoutMatches reports whether any recorded workout lands in the
// block's window, slack included.
func workoutMatches(block *core.TrainingBlock, workouts []core.HealthSignal) bool {
	from := block.Start.Add(-workoutMatchSlack)
	to := block.End().Add(workoutMatchSlack)
	for _, w := range workouts {
		if w.Kind != core.SignalWorkout {
			continue
		}
		if !w.Timestamp.Before(from) && !w.Timestamp.After(to) {
			return true
		}
	}
	return false
}

// scanTomorrow looks for conflicts that crept onto tomorrow's blocks
// and moves them when trust allows, or asks when it doesn't.
func (o *Orchestrator) scanTomorrow(ctx context.Context, now time.Time) error {
	tomorrow := startOfDay(now).AddDate(0, 0, 1)
	dayAfter := tomorrow.AddDate(0, 0, 1)

	blocks, err := o.deps.Calendar.Blocks().InRange(ctx, tomorrow, dayAfter)
	if err != nil {
		return err
	}

	for _, block := range blocks {
		if block.Status != core.BlockScheduled {
			continue
		}

		result, err := o.deps.Calendar.ConflictCheckFor(ctx, block)
		if err != nil {
			return err
		}
		if !result.HasConflict && !result.HasSacredConflict {
			continue
		}

		canMove, err := o.deps.Trust.Allows(trust.CapMove)
		if err != nil {
			return err
		}

		if canMove && block.Origin != core.OriginUser {
			slot, err := o.deps.Calendar.FindOpenSlot(ctx, tomorrow, dayAfter, block.Duration, o.cfg.Window)
			if err != nil {
				return err
			}
			if slot != nil {
				if _, err := o.deps.Calendar.MoveBlock(ctx, block.ID, slot.Start, "conflict_detected"); err == nil {
					continue
				}
			}
			// No slot, or the move refused: fall through to asking.
		}

		o.deps.Governor.Suggest(ctx,
			"Tomorrow's session has a conflict",
			fmt.Sprintf("Your %s at %s now overlaps another commitment. Want to move it?",
				block.Type, block.Start.In(o.cfg.Location).Format("15:04")))
	}
	return nil
}

// ----- Weekly -----

// RunWeekly plans the coming week, writes the retrospective, and does
// the retention housekeeping.
func (o *Orchestrator) RunWeekly(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Budget)
	defer cancel()

	now := o.now().In(o.cfg.Location)
	date := now.Format("2006-01-02")
	log := logging.WithFields(map[string]interface{}{"cycle": KindWeekly, "date": date})

	run, err := o.deps.Runs.Begin(ctx, KindWeekly, date)
	if err != nil {
		return err
	}
	if run.Completed() {
		log.Debug("already ran today")
		return nil
	}

	planned := 0
	if !run.Done("plan") {
		planned, err = o.planWeek(ctx, now)
		if err != nil {
			log.Warn("week planning degraded: %v", err)
		}
		if err := run.Mark(ctx, "plan"); err != nil {
			return err
		}
	}

	if !run.Done("retro") {
		if err := o.retrospective(ctx, now, planned); err != nil {
			log.Warn("retrospective failed: %v", err)
		}
		if err := run.Mark(ctx, "retro"); err != nil {
			return err
		}
	}

	if !run.Done("prune") {
		if o.cfg.ReceiptDays > 0 && o.deps.Recorder != nil {
			cutoff := now.AddDate(0, 0, -o.cfg.ReceiptDays)
			if n, err := o.deps.Recorder.Store().Prune(cutoff); err != nil {
				log.Warn("receipt prune failed: %v", err)
			} else if n > 0 {
				log.Info("pruned %d receipts", n)
			}
		}
		if o.cfg.SignalDays > 0 {
			cutoff := now.AddDate(0, 0, -o.cfg.SignalDays)
			if n, err := o.deps.Phenome.Compact(ctx, cutoff); err != nil {
				log.Warn("signal compaction failed: %v", err)
			} else if n > 0 {
				log.Info("compacted %d raw signals", n)
			}
		}
		if err := run.Mark(ctx, "prune"); err != nil {
			return err
		}
	}

	if !run.Done("report") {
		o.reportState(ctx, date)
		if o.deps.Backend != nil && o.deps.Backend.Enabled() && o.deps.Recorder != nil {
			weekAgo := now.AddDate(0, 0, -7)
			recs, err := o.deps.Recorder.Store().Query(receipts.QueryOptions{Since: weekAgo})
			if err == nil {
				o.deps.Backend.ReportReceipts(ctx, recs)
			}
			o.flushBackend(ctx)
		}
		if err := run.Mark(ctx, "report"); err != nil {
			return err
		}
	}

	if err := run.Finish(ctx); err != nil {
		return err
	}
	if o.deps.Recorder != nil {
		o.deps.Recorder.CycleRan(KindWeekly, date, core.OutcomeSuccess, map[string]interface{}{
			"planned": planned,
		})
	}
	o.pushState(ctx)
	log.Info("weekly cycle done, %d sessions planned", planned)
	return nil
}

// planWeek places the configured number of sessions across the next
// seven days. At AutoScheduler and above they land on the calendar;
// at Scheduler they become proposals; below that, one suggestion.
func (o *Orchestrator) planWeek(ctx context.Context, now time.Time) (int, error) {
	canAuto, err := o.deps.Trust.Allows(trust.CapAutoSchedule)
	if err != nil {
		return 0, err
	}
	canPropose, err := o.deps.Trust.Allows(trust.CapPropose)
	if err != nil {
		return 0, err
	}
	if !canAuto && !canPropose {
		o.deps.Governor.Suggest(ctx,
			"Time to plan next week",
			fmt.Sprintf("Aim for %d sessions. Tell me when you'd like them and I'll hold the slots.", o.cfg.WeeklyTarget))
		return 0, nil
	}

	shadow := false
	if o.cfg.ShadowSync {
		// Week-wide shadow planning is the FullGhost privilege.
		shadow, err = o.deps.Trust.Allows(trust.CapPlanWeek)
		if err != nil {
			return 0, err
		}
	}

	weekStart := startOfDay(now).AddDate(0, 0, 1)
	weekEnd := weekStart.AddDate(0, 0, 7)

	// A retry after a half-finished plan must converge on the target,
	// so ghost blocks already placed in the week count toward it.
	planned := 0
	existing, err := o.deps.Calendar.Blocks().InRange(ctx, weekStart, weekEnd)
	if err != nil {
		return 0, err
	}
	for _, block := range existing {
		if block.Origin == core.OriginUser {
			continue
		}
		if block.Status == core.BlockScheduled || block.Status == core.BlockProposed {
			planned++
		}
	}

	for offset := 1; offset <= 7 && planned < o.cfg.WeeklyTarget; offset++ {
		day := startOfDay(now).AddDate(0, 0, offset)
		if o.cfg.RestWeekday != "" && weekdayName(day.Weekday()) == o.cfg.RestWeekday {
			continue
		}

		slot, err := o.deps.Calendar.FindOpenSlot(ctx, day, day.AddDate(0, 0, 1), o.cfg.BlockDuration, o.cfg.Window)
		if err != nil {
			return planned, err
		}
		if slot == nil {
			continue
		}

		block := &core.TrainingBlock{
			Type:     o.cfg.PreferredTypes[planned%len(o.cfg.PreferredTypes)],
			Start:    slot.Start,
			Duration: o.cfg.BlockDuration,
			Reason:   "weekly plan",
		}
		opts := calendar.PlaceOptions{
			ShadowSync: shadow,
			Confidence: 0.7,
			Inputs:     map[string]interface{}{"slot": slot.Start.Format(time.RFC3339)},
		}

		if canAuto {
			block.Origin = core.OriginAuto
			err = o.deps.Calendar.ScheduleBlock(ctx, block, opts)
		} else {
			err = o.deps.Calendar.ProposeBlock(ctx, block, opts)
		}
		if err != nil {
			logging.Warn("placement failed on %s: %v", day.Format("2006-01-02"), err)
			continue
		}
		planned++
	}

	if planned > 0 && !canAuto {
		o.deps.Governor.Suggest(ctx,
			"Next week's plan is ready",
			fmt.Sprintf("%d sessions proposed. Accept the ones that fit.", planned))
	}
	return planned, nil
}

// retrospective writes the weekly summary receipt.
func (o *Orchestrator) retrospective(ctx context.Context, now time.Time, planned int) error {
	if o.deps.Recorder == nil {
		return nil
	}

	weekAgo := now.AddDate(0, 0, -7)
	blocks, err := o.deps.Calendar.Blocks().InRange(ctx, weekAgo, now)
	if err != nil {
		return err
	}

	completed, missed, cancelled := 0, 0, 0
	for _, block := range blocks {
		switch block.Status {
		case core.BlockCompleted:
			completed++
		case core.BlockMissed:
			missed++
		case core.BlockCancelled:
			cancelled++
		}
	}

	avgRecovery := 0.0
	if snaps, err := o.deps.Phenome.RecentSnapshots(ctx, 7); err == nil && len(snaps) > 0 {
		for _, snap := range snaps {
			avgRecovery += snap.Score
		}
		avgRecovery /= float64(len(snaps))
	}

	state, err := o.deps.Trust.State()
	if err != nil {
		return err
	}

	_, err = o.deps.Recorder.Store().Append(receipts.Draft{
		Action:     receipts.ActionRetrospective,
		Actor:      receipts.ActorGhost,
		EntityType: "week",
		EntityID:   now.Format("2006-01-02"),
		Inputs: map[string]interface{}{
			"completed":    completed,
			"missed":       missed,
			"cancelled":    cancelled,
			"planned_next": planned,
			"avg_recovery": avgRecovery,
			"trust_score":  state.Score,
			"trust_phase":  string(state.Phase),
		},
		Outcome:    core.OutcomeSuccess,
		Confidence: 1,
		Reason:     "weekly_retrospective",
	})
	return err
}

// ----- Consolidation -----

// RunConsolidation re-derives fragile periods from the full miss
// history. It is the one cycle allowed to chew.
func (o *Orchestrator) RunConsolidation(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ConsolidationBudget)
	defer cancel()

	now := o.now().In(o.cfg.Location)
	date := now.Format("2006-01-02")

	run, err := o.deps.Runs.Begin(ctx, KindConsolidation, date)
	if err != nil {
		return err
	}
	if run.Completed() {
		return nil
	}

	missDates, err := o.deps.Calendar.Blocks().MissDates(ctx)
	if err != nil {
		return err
	}
	periods := phenome.DetectFragilePeriods(missDates)
	if err := o.deps.Phenome.ReplaceFragilePeriods(ctx, "missed_workouts", periods); err != nil {
		return err
	}

	if err := run.Finish(ctx); err != nil {
		return err
	}
	if o.deps.Recorder != nil {
		o.deps.Recorder.CycleRan(KindConsolidation, date, core.OutcomeSuccess, map[string]interface{}{
			"miss_dates":      len(missDates),
			"fragile_periods": len(periods),
		})
	}
	logging.WithField("cycle", KindConsolidation).Info("consolidated %d misses into %d fragile periods", len(missDates), len(periods))
	return nil
}

// ----- Emergency -----

// Emergency is the protective stand-down: drop trust, clear the
// ghost's upcoming blocks, tell the user. Local and remote triggers
// share this path.
func (o *Orchestrator) Emergency(ctx context.Context, source, note string) error {
	now := o.now().In(o.cfg.Location)

	if _, err := o.deps.Trust.RecordEvent(ctx, trust.Event{
		Kind:      trust.EventHealthEmergency,
		Note:      note,
		Timestamp: now,
	}); err != nil {
		return err
	}

	if o.deps.Recorder != nil {
		o.deps.Recorder.Emergency(source, map[string]interface{}{"note": note})
	}

	// Stand down the ghost's own upcoming blocks. User-created blocks
	// are out of reach here as everywhere.
	horizon := now.AddDate(0, 0, 7)
	blocks, err := o.deps.Calendar.Blocks().InRange(ctx, now, horizon)
	if err == nil {
		for _, block := range blocks {
			if block.Status != core.BlockScheduled && block.Status != core.BlockProposed {
				continue
			}
			if block.Origin == core.OriginUser {
				continue
			}
			if err := o.deps.Calendar.CancelBlock(ctx, block.ID, receipts.ActorGhost, "health_emergency"); err != nil {
				logging.WithField("block", string(block.ID)).Warn("emergency cancel failed: %v", err)
			}
		}
	}

	o.deps.Governor.Urgent(ctx,
		"Training paused",
		"A health emergency signal came in. All upcoming ghost sessions are cancelled until you say otherwise.")
	o.pushState(ctx)
	return nil
}

// ----- Shared helpers -----

func (o *Orchestrator) reportState(ctx context.Context, date string) {
	if o.deps.Backend == nil || !o.deps.Backend.Enabled() {
		return
	}

	report := backend.StateReport{Date: date}
	if state, err := o.deps.Trust.State(); err == nil {
		report.TrustScore = state.Score
		report.TrustPhase = string(state.Phase)
	}
	if snap, err := o.deps.Phenome.SnapshotFor(ctx, date); err == nil && snap != nil {
		report.RecoveryScore = snap.Score
		report.HasRecovery = true
	}

	now := o.now().In(o.cfg.Location)
	if blocks, err := o.deps.Calendar.Blocks().InRange(ctx, now.AddDate(0, 0, -7), now.AddDate(0, 0, 7)); err == nil {
		for _, block := range blocks {
			switch block.Status {
			case core.BlockScheduled:
				report.BlocksScheduled++
			case core.BlockCompleted:
				report.BlocksCompleted++
			case core.BlockMissed:
				report.BlocksMissed++
			}
		}
	}

	if err := o.deps.Backend.SyncState(ctx, report); err != nil {
		logging.Warn("state sync enqueue failed: %v", err)
	}
	o.flushBackend(ctx)
}

func (o *Orchestrator) flushBackend(ctx context.Context) {
	if o.deps.Backend == nil || !o.deps.Backend.Enabled() {
		return
	}
	if _, err := o.deps.Backend.Flush(ctx); err != nil {
		logging.Debug("backend flush: %v", err)
	}
}

func (o *Orchestrator) pushState(ctx context.Context) {
	if o.deps.Pusher == nil {
		return
	}
	if err := o.deps.Pusher.PushState(ctx); err != nil {
		logging.Debug("companion push: %v", err)
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1)
}

func weekdayName(d time.Weekday) string {
	switch d {
	case time.Sunday:
		return "sunday"
	case time.Monday:
		return "monday"
	case time.Tuesday:
		return "tuesday"
	case time.Wednesday:
		return "wednesday"
	case time.Thursday:
		return "thursday"
	case time.Friday:
		return "friday"
	case time.Saturday:
		return "saturday"
	}
	return ""
}
