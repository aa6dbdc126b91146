// Package recurrence computes follow-up occurrences of repeating tasks.
package recurrence

import (
	"lifecenter/domain"
)

// Advance returns the next occurrence date after from.
func Advance(from domain.Date, rule domain.Recurrence) domain.Date {
	switch rule {
	case domain.RecurrenceDaily:
		return from.AddDays(1)
	case domain.RecurrenceWeekly:
		return from.AddDays(7)
	case domain.RecurrenceMonthly:
		return from.AddMonths(1)
	}
	return from
}

// FollowUp builds the next instance of a completed repeating task, due one
// period after today regardless of the source's own due date. The id is left
// empty for the store to assign.
func FollowUp(t domain.Task, today domain.Date) (domain.Task, bool) {
	if !t.Recurrence.Repeats() {
		return domain.Task{}, false
	}
	next := domain.Task{
		Title:        t.Title,
		Category:     t.Category,
		Priority:     t.Priority,
		Status:       domain.StatusTodo,
		DueDate:      Advance(today, t.Recurrence),
		Recurrence:   t.Recurrence,
		ParentTaskID: t.ID,
		ProjectID:    t.ProjectID,
	}
	if t.TimeBlock != nil {
		b := *t.TimeBlock
		next.TimeBlock = &b
	}
	if len(t.Tags) > 0 {
		next.Tags = append([]string(nil), t.Tags...)
	}
	return next, true
}

// Pending reports whether t still owes a follow-up.
func Pending(t domain.Task) bool {
	return t.Done() && t.Recurrence.Repeats() && !t.NextOccurrenceCreated && t.ID != ""
}

// Due returns the tasks a sweep should regenerate.
func Due(tasks []domain.Task) []domain.Task {
	var out []domain.Task
	for _, t := range tasks {
		if Pending(t) {
			out = append(out, t)
		}
	}
	return out
}

// Triggered reports whether moving from prev to next status fires recurrence.
func Triggered(prev, next domain.Status) bool {
	return prev != domain.StatusCompleted && next == domain.StatusCompleted
}
