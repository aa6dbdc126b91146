package timers

import (
	"context"
	"sync"
	"time"

	"lifecenter/domain"
	"lifecenter/schedule"
)

// UpdateKind tells what an ActiveTracker update reports.
type UpdateKind int

const (
	// ActiveChanged: the active task appeared, changed or went away.
	ActiveChanged UpdateKind = iota
	// Countdown: time left in the active task's block.
	Countdown
	// WindowEnded: the active block closed. The task is not completed
	// automatically; detection runs again right after.
	WindowEnded
)

func (k UpdateKind) String() string {
	switch k {
	case ActiveChanged:
		return "active_changed"
	case Countdown:
		return "countdown"
	case WindowEnded:
		return "window_ended"
	}
	return "unknown"
}

// Update is delivered to the tracker's callback.
type Update struct {
	Kind      UpdateKind
	Active    bool
	Task      domain.Task
	Remaining schedule.Remaining
}

// ActiveTracker follows the task whose time block covers the current time.
type ActiveTracker struct {
	tasks func() []domain.Task
	now   func() time.Time
	emit  func(Update)

	mu      sync.Mutex
	current *domain.Task
}

// NewActiveTracker reads tasks through the given func and reports through
// emit. now defaults to time.Now.
func NewActiveTracker(tasks func() []domain.Task, now func() time.Time, emit func(Update)) *ActiveTracker {
	if now == nil {
		now = time.Now
	}
	return &ActiveTracker{tasks: tasks, now: now, emit: emit}
}

// Register wires the tracker to s: detection on the medium tier, countdown on
// the fast tier.
func (a *ActiveTracker) Register(s *Scheduler) {
	s.Every(Medium, "active-detect", a.Detect)
	s.Every(Fast, "active-countdown", a.Tick)
}

// Current returns the task last detected as active.
func (a *ActiveTracker) Current() (domain.Task, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return domain.Task{}, false
	}
	return *a.current, true
}

// Detect re-runs active-task detection and emits ActiveChanged when the
// result differs from the last one.
func (a *ActiveTracker) Detect(context.Context) {
	t, ok := schedule.DetectActive(a.tasks(), a.now())

	a.mu.Lock()
	if !changed(a.current, t, ok) {
		a.mu.Unlock()
		return
	}
	if ok {
		a.current = &t
	} else {
		a.current = nil
	}
	a.mu.Unlock()

	a.emit(Update{Kind: ActiveChanged, Active: ok, Task: t})
}

// Tick emits the countdown of the active task. Once the block has closed it
// emits WindowEnded and detects again.
func (a *ActiveTracker) Tick(ctx context.Context) {
	a.mu.Lock()
	cur := a.current
	a.mu.Unlock()
	if cur == nil || cur.TimeBlock == nil {
		return
	}

	now := a.now()
	rem := schedule.RemainingUntil(cur.TimeBlock.End, now)
	if rem.Expired() || !cur.TimeBlock.Covers(domain.ClockOf(now)) {
		a.emit(Update{Kind: WindowEnded, Active: true, Task: *cur})
		a.Detect(ctx)
		return
	}
	a.emit(Update{Kind: Countdown, Active: true, Task: *cur, Remaining: rem})
}

func changed(cur *domain.Task, next domain.Task, ok bool) bool {
	if cur == nil {
		return ok
	}
	if !ok {
		return true
	}
	if cur.ID != next.ID || cur.Title != next.Title {
		return true
	}
	return *cur.TimeBlock != *next.TimeBlock
}
