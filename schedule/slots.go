// Package schedule holds the pure time-block rules: the day grid, slot
// occupancy, conflict detection and active-task detection.
package schedule

import (
	"sort"

	"lifecenter/domain"
)

const (
	// DayStart is the first slot of the grid.
	DayStart = domain.Clock(6 * 60)
	// DayEnd is the last slot of the grid (inclusive).
	DayEnd = domain.Clock(23*60 + 30)
	// SlotMinutes is the grid resolution.
	SlotMinutes = 30
)

// GenerateSlots returns the day grid from 06:00 to 23:30 inclusive.
func GenerateSlots() []string {
	slots := make([]string, 0, int(DayEnd-DayStart)/SlotMinutes+1)
	for c := DayStart; c <= DayEnd; c += SlotMinutes {
		slots = append(slots, c.String())
	}
	return slots
}

// SlotTask returns the task occupying slot. When several blocks cover the
// slot the task with the earliest start wins, then the lowest id, so the
// result does not depend on input order.
func SlotTask(tasks []domain.Task, slot domain.Clock) (domain.Task, bool) {
	return firstCovering(tasks, slot, false)
}

// Row is one rendered line of the day view.
type Row struct {
	Slot string       `json:"slot"`
	Task *domain.Task `json:"task,omitempty"`
}

// Day renders tasks onto the slot grid.
func Day(tasks []domain.Task) []Row {
	slots := GenerateSlots()
	rows := make([]Row, len(slots))
	for i, s := range slots {
		rows[i].Slot = s
		if t, ok := SlotTask(tasks, domain.MustClock(s)); ok {
			task := t
			rows[i].Task = &task
		}
	}
	return rows
}

func firstCovering(tasks []domain.Task, c domain.Clock, skipCompleted bool) (domain.Task, bool) {
	var (
		best  domain.Task
		found bool
	)
	for _, t := range tasks {
		if t.TimeBlock == nil || !t.TimeBlock.Covers(c) {
			continue
		}
		if skipCompleted && t.Done() {
			continue
		}
		if !found || precedes(t, best) {
			best = t
			found = true
		}
	}
	return best, found
}

// precedes orders tasks by block start, then id.
func precedes(a, b domain.Task) bool {
	if a.TimeBlock.Start != b.TimeBlock.Start {
		return a.TimeBlock.Start < b.TimeBlock.Start
	}
	return a.ID < b.ID
}

// ByStart sorts scheduled tasks by the same order used for tie-breaks.
// Unscheduled tasks are dropped.
func ByStart(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.TimeBlock != nil {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return precedes(out[i], out[j]) })
	return out
}
