package schedule

import (
	"errors"
	"fmt"
	"strings"

	"lifecenter/domain"
)

// HasConflict reports whether [start, end) overlaps the block of any task
// that is not completed and whose id differs from excludeID. Completed tasks
// no longer reserve their slot.
func HasConflict(tasks []domain.Task, start, end domain.Clock, excludeID string) bool {
	return len(Conflicts(tasks, start, end, excludeID)) > 0
}

// Conflicts returns the tasks HasConflict would report, ordered by start.
func Conflicts(tasks []domain.Task, start, end domain.Clock, excludeID string) []domain.Task {
	want := domain.TimeBlock{Start: start, End: end}
	var out []domain.Task
	for _, t := range tasks {
		if t.TimeBlock == nil || t.Done() {
			continue
		}
		if excludeID != "" && t.ID == excludeID {
			continue
		}
		if want.Overlaps(*t.TimeBlock) {
			out = append(out, t)
		}
	}
	return ByStart(out)
}

// ErrConflict is matched by every ConflictError.
var ErrConflict = errors.New("time block conflict")

// ConflictError is an advisory warning: the caller may proceed after the user
// confirms.
type ConflictError struct {
	Start, End domain.Clock
	With       []domain.Task
}

func (e *ConflictError) Error() string {
	titles := make([]string, len(e.With))
	for i, t := range e.With {
		titles[i] = fmt.Sprintf("%q %s-%s", t.Title, t.TimeBlock.Start, t.TimeBlock.End)
	}
	return fmt.Sprintf("time block %s-%s conflicts with %s", e.Start, e.End, strings.Join(titles, ", "))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
