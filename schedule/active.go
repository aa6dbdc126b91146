package schedule

import (
	"time"

	"lifecenter/domain"
)

// DetectActive returns the task in progress at now: its block covers the
// current wall-clock minute and it is not completed. Overlaps resolve like
// SlotTask.
func DetectActive(tasks []domain.Task, now time.Time) (domain.Task, bool) {
	return firstCovering(tasks, domain.ClockOf(now), true)
}

// Remaining is a countdown to the end of a time block.
type Remaining struct {
	Hours   int
	Minutes int
	Seconds int
	TotalMs int64
}

// Expired reports whether the window has closed.
func (r Remaining) Expired() bool { return r.TotalMs <= 0 }

// Duration returns the countdown as a duration.
func (r Remaining) Duration() time.Duration {
	return time.Duration(r.TotalMs) * time.Millisecond
}

// RemainingUntil counts down from now to end on the current day. If end is
// already behind now the target rolls over to the next day, which covers
// blocks that cross midnight.
func RemainingUntil(end domain.Clock, now time.Time) Remaining {
	target := end.On(now)
	if target.Before(now) {
		target = target.AddDate(0, 0, 1)
	}
	d := target.Sub(now)
	if d < 0 {
		d = 0
	}
	total := d.Milliseconds()
	secs := total / 1000
	return Remaining{
		Hours:   int(secs / 3600),
		Minutes: int(secs % 3600 / 60),
		Seconds: int(secs % 60),
		TotalMs: total,
	}
}
