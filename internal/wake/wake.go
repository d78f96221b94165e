// Package wake runs the ghost's decision cycles on calendar time.
// The contract with callers is "wake me no earlier than T": a task's
// computed wake instant is a floor, never a promise of exactness,
// which is all an intermittently-running client can honor anyway.
package wake

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Handler is the work a wake triggers.
type Handler func(ctx context.Context) error

// Kind classifies when a task recurs.
type Kind string

const (
	KindDaily  Kind = "daily"  // Every day at a clock time
	KindWeekly Kind = "weekly" // One weekday at a clock time
	KindOnce   Kind = "once"   // A single floor instant, then done
)

// Task is one registered wake.
type Task struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	At      string `json:"at,omitempty"` // "HH:MM" for daily/weekly
	Day     time.Weekday `json:"day,omitempty"`
	// NotBefore is the floor for once tasks. The task never fires
	// earlier; it may fire later.
	NotBefore time.Time     `json:"not_before,omitempty"`
	Timeout   time.Duration `json:"timeout"`
	Enabled   bool          `json:"enabled"`

	Handler Handler `json:"-"`

	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
	LastError  string     `json:"last_error,omitempty"`
}

// Scheduler owns the wake timers. One goroutine per enabled task.
type Scheduler struct {
	tasks   map[string]*Task
	running map[string]context.CancelFunc
	loc     *time.Location
	now     func() time.Time

	mu      sync.RWMutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a scheduler computing wake times in loc.
func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:   make(map[string]*Task),
		running: make(map[string]context.CancelFunc),
		loc:     loc,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetClock overrides the time source for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Register adds a task. Registered tasks start immediately when the
// scheduler is already running.
func (s *Scheduler) Register(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Handler == nil {
		return fmt.Errorf("task handler is required")
	}
	if task.Timeout == 0 {
		task.Timeout = time.Minute
	}
	task.Enabled = true

	next := s.nextAfter(task, s.now())
	task.NextRun = &next
	s.tasks[task.ID] = task

	if s.started {
		s.startTask(task)
	}
	return nil
}

// Start begins all enabled tasks.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("wake scheduler already started")
	}
	s.started = true
	for _, task := range s.tasks {
		if task.Enabled {
			s.startTask(task)
		}
	}
	return nil
}

// Stop cancels every timer and waits for in-flight handlers.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	for _, cancel := range s.running {
		cancel()
	}
	s.running = make(map[string]context.CancelFunc)
	s.started = false
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// RunNow fires a task out of schedule. The regular timer is untouched.
func (s *Scheduler) RunNow(taskID string) error {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	ctx := s.ctx
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	go s.execute(ctx, task)
	return nil
}

// NextRun reports when a task will next fire.
func (s *Scheduler) NextRun(taskID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok || task.NextRun == nil {
		return time.Time{}, false
	}
	return *task.NextRun, true
}

// Tasks returns every registered task.
func (s *Scheduler) Tasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task)
	}
	return out
}

func (s *Scheduler) startTask(task *Task) {
	taskCtx, cancel := context.WithCancel(s.ctx)
	s.running[task.ID] = cancel

	s.wg.Add(1)
	go s.loop(taskCtx, task)
}

func (s *Scheduler) loop(ctx context.Context, task *Task) {
	defer s.wg.Done()

	for {
		s.mu.RLock()
		now := s.now()
		var wait time.Duration
		if task.NextRun != nil {
			wait = task.NextRun.Sub(now)
		} else {
			wait = s.nextAfter(task, now).Sub(now)
		}
		s.mu.RUnlock()

		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.execute(ctx, task)
		}

		if task.Kind == KindOnce {
			return
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, task *Task) {
	execCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	s.mu.Lock()
	started := s.now()
	task.LastRun = &started
	task.RunCount++
	s.mu.Unlock()

	err := task.Handler(execCtx)

	s.mu.Lock()
	if err != nil {
		task.ErrorCount++
		task.LastError = err.Error()
	} else {
		task.LastError = ""
	}
	next := s.nextAfter(task, s.now())
	task.NextRun = &next
	s.mu.Unlock()
}

// nextAfter computes the earliest permitted wake strictly after now.
func (s *Scheduler) nextAfter(task *Task, now time.Time) time.Time {
	now = now.In(s.loc)

	switch task.Kind {
	case KindDaily:
		next := atClock(now, task.At, s.loc)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next

	case KindWeekly:
		next := atClock(now, task.At, s.loc)
		for i := 0; i < 8; i++ {
			cand := next.AddDate(0, 0, i)
			if cand.Weekday() == task.Day && cand.After(now) {
				return cand
			}
		}
		return next.AddDate(0, 0, 7)

	case KindOnce:
		if task.NotBefore.After(now) {
			return task.NotBefore
		}
		return now

	default:
		return now.Add(time.Hour)
	}
}

// atClock places an "HH:MM" reading on now's calendar day. Unparseable
// clocks fall back to 08:00, same as an unset one.
func atClock(now time.Time, clock string, loc *time.Location) time.Time {
	hour, minute := 8, 0
	fmt.Sscanf(clock, "%d:%d", &hour, &minute)
	return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
}

// DailyTask builds a task that fires every day at an "HH:MM" time.
func DailyTask(id, name, at string, handler Handler) *Task {
	return &Task{ID: id, Name: name, Kind: KindDaily, At: at, Handler: handler}
}

// WeeklyTask builds a task that fires on one weekday at an "HH:MM" time.
func WeeklyTask(id, name, at string, day time.Weekday, handler Handler) *Task {
	return &Task{ID: id, Name: name, Kind: KindWeekly, At: at, Day: day, Handler: handler}
}

// OnceTask builds a task that fires a single time, no earlier than at.
func OnceTask(id, name string, at time.Time, handler Handler) *Task {
	return &Task{ID: id, Name: name, Kind: KindOnce, NotBefore: at, Handler: handler}
}
