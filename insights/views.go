package insights

import (
	"fmt"
	"time"

	"lifecenter/domain"
)

// Filter selects a subset of the task list.
type Filter string

const (
	FilterAll      Filter = "all"
	FilterToday    Filter = "today"
	FilterUpcoming Filter = "upcoming"
	FilterHigh     Filter = "high"
)

// ParseFilter accepts the filter names; the empty string means all.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(s); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterToday, FilterUpcoming, FilterHigh:
		return f, nil
	}
	return "", fmt.Errorf("unknown filter %q", s)
}

// Apply returns the tasks matching f, keeping their order.
func (f Filter) Apply(tasks []domain.Task, now time.Time) []domain.Task {
	keep := func(domain.Task) bool { return true }
	switch f {
	case FilterToday:
		keep = func(t domain.Task) bool { return CreatedOn(t, now) }
	case FilterUpcoming:
		keep = func(t domain.Task) bool { return !t.Done() }
	case FilterHigh:
		keep = func(t domain.Task) bool { return t.Priority == domain.PriorityHigh }
	}
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// Board is the kanban view: one column per status.
type Board struct {
	Todo       []domain.Task `json:"todo"`
	InProgress []domain.Task `json:"inProgress"`
	Done       []domain.Task `json:"done"`
}

// Kanban groups tasks by status. Tasks with an unknown status land in Todo.
func Kanban(tasks []domain.Task) Board {
	b := Board{Todo: []domain.Task{}, InProgress: []domain.Task{}, Done: []domain.Task{}}
	for _, t := range tasks {
		switch t.Status {
		case domain.StatusInProgress:
			b.InProgress = append(b.InProgress, t)
		case domain.StatusCompleted:
			b.Done = append(b.Done, t)
		default:
			b.Todo = append(b.Todo, t)
		}
	}
	return b
}
