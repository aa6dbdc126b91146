package domain

import (
	"strings"
	"unicode/utf8"
)

// MaxTitleLength bounds task and project titles, counted in characters.
const MaxTitleLength = 200

// ValidateTimeBlock checks a block's clocks and ordering.
func ValidateTimeBlock(b TimeBlock) error {
	if !b.Start.Valid() {
		return invalid("timeBlock.start", "out of range")
	}
	if !b.End.Valid() {
		return invalid("timeBlock.end", "out of range")
	}
	if b.End <= b.Start {
		return invalid("timeBlock", "end time must be after start time")
	}
	return nil
}

// ValidateTask checks a complete task.
func ValidateTask(t Task) error {
	title := strings.TrimSpace(t.Title)
	if title == "" {
		return invalid("title", "must not be empty")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return invalid("title", "must be at most %d characters", MaxTitleLength)
	}
	if !t.Category.Valid() {
		return invalid("category", "unknown value %q", t.Category)
	}
	if !t.Priority.Valid() {
		return invalid("priority", "unknown value %q", t.Priority)
	}
	if !t.Status.Valid() {
		return invalid("status", "unknown value %q", t.Status)
	}
	if !t.Recurrence.Valid() {
		return invalid("recurrence", "unknown value %q", t.Recurrence)
	}
	if t.TimeBlock != nil {
		if err := ValidateTimeBlock(*t.TimeBlock); err != nil {
			return err
		}
	}
	if !t.DueDate.IsZero() && !t.DueDate.Valid() {
		return invalid("dueDate", "want YYYY-MM-DD, got %q", t.DueDate)
	}
	if t.TrackedMs < 0 {
		return invalid("trackedTime", "must not be negative")
	}
	return nil
}

// ValidateHabit checks a complete habit.
func ValidateHabit(h Habit) error {
	if strings.TrimSpace(h.Name) == "" {
		return invalid("name", "must not be empty")
	}
	for _, d := range h.CompletedDates {
		if !d.Valid() {
			return invalid("completedDates", "want YYYY-MM-DD, got %q", d)
		}
	}
	return nil
}

// ValidateProject checks a complete project.
func ValidateProject(p Project) error {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return invalid("title", "must not be empty")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return invalid("title", "must be at most %d characters", MaxTitleLength)
	}
	if !p.Deadline.IsZero() && !p.Deadline.Valid() {
		return invalid("deadline", "want YYYY-MM-DD, got %q", p.Deadline)
	}
	return nil
}

// ValidateRecord decodes rec as an entity of collection c and validates it.
// Decoding failures (for example a malformed clock) are validation errors.
func ValidateRecord(c Collection, rec Record) error {
	switch c {
	case CollectionTasks:
		var t Task
		if err := FromRecord(rec, &t); err != nil {
			return invalid("task", "%v", err)
		}
		return ValidateTask(t)
	case CollectionHabits:
		var h Habit
		if err := FromRecord(rec, &h); err != nil {
			return invalid("habit", "%v", err)
		}
		return ValidateHabit(h)
	case CollectionProjects:
		var p Project
		if err := FromRecord(rec, &p); err != nil {
			return invalid("project", "%v", err)
		}
		return ValidateProject(p)
	}
	return invalid("collection", "unknown collection %q", c)
}
