package syncer

import (
	"context"
	"fmt"
	"time"

	"lifecenter/domain"
	"lifecenter/streak"
)

// AddTask creates t. Scheduled tasks are checked for conflicts unless
// confirmed is set. Unset enums take their defaults.
func (c *Controller) AddTask(ctx context.Context, t domain.Task, confirmed bool) (*Ticket, error) {
	if t.Category == "" {
		t.Category = domain.CategoryWork
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if t.Status == "" {
		t.Status = domain.StatusTodo
	}
	if t.Recurrence == "" {
		t.Recurrence = domain.RecurrenceNone
	}
	rec, err := domain.ToRecord(t)
	if err != nil {
		return nil, err
	}
	return c.Apply(ctx, Mutation{
		Kind:           KindAdd,
		Collection:     domain.CollectionTasks,
		Record:         rec,
		CheckConflicts: t.TimeBlock != nil,
		Confirmed:      confirmed,
		Op:             "add task",
	})
}

// UpdateTask merges partial into the task. A partial that moves the time
// block is conflict checked like MoveTask.
func (c *Controller) UpdateTask(ctx context.Context, id string, partial domain.Record, confirmed bool) (*Ticket, error) {
	_, moves := partial["timeBlock"]
	return c.Apply(ctx, Mutation{
		Kind:           KindUpdate,
		Collection:     domain.CollectionTasks,
		ID:             id,
		Record:         partial,
		CheckConflicts: moves,
		Confirmed:      confirmed,
		Op:             "update task",
	})
}

// MoveTask reschedules a task. A nil block unschedules it.
func (c *Controller) MoveTask(ctx context.Context, id string, block *domain.TimeBlock, confirmed bool) (*Ticket, error) {
	var v any
	if block != nil {
		v = map[string]any{"start": block.Start.String(), "end": block.End.String()}
	}
	return c.Apply(ctx, Mutation{
		Kind:           KindUpdate,
		Collection:     domain.CollectionTasks,
		ID:             id,
		Record:         domain.Record{"timeBlock": v},
		CheckConflicts: block != nil,
		Confirmed:      confirmed,
		Op:             "move task",
	})
}

// SetStatus changes a task's status. Status changes are never conflict
// checked.
func (c *Controller) SetStatus(ctx context.Context, id string, s domain.Status) (*Ticket, error) {
	return c.Apply(ctx, Mutation{
		Kind:       KindUpdate,
		Collection: domain.CollectionTasks,
		ID:         id,
		Record:     domain.Record{"status": string(s)},
		Op:         "set status",
	})
}

// ToggleStatus advances todo -> in_progress -> completed -> todo.
func (c *Controller) ToggleStatus(ctx context.Context, id string) (*Ticket, error) {
	return c.Apply(ctx, Mutation{
		Kind:       KindUpdate,
		Collection: domain.CollectionTasks,
		ID:         id,
		Compute: func(cur domain.Record) (domain.Record, error) {
			return domain.Record{"status": string(statusOf(cur).Next())}, nil
		},
		Op: "set status",
	})
}

// TrackTime adds d to the task's tracked time.
func (c *Controller) TrackTime(ctx context.Context, id string, d time.Duration) (*Ticket, error) {
	if d < 0 {
		return nil, &domain.ValidationError{Field: "trackedTime", Message: "must not be negative"}
	}
	return c.Apply(ctx, Mutation{
		Kind:       KindUpdate,
		Collection: domain.CollectionTasks,
		ID:         id,
		Compute: func(cur domain.Record) (domain.Record, error) {
			var t domain.Task
			if err := domain.FromRecord(cur, &t); err != nil {
				return nil, err
			}
			return domain.Record{"trackedTime": t.TrackedMs + d.Milliseconds()}, nil
		},
		Op: "track time",
	})
}

func (c *Controller) DeleteTask(ctx context.Context, id string) (*Ticket, error) {
	return c.Apply(ctx, Mutation{Kind: KindDelete, Collection: domain.CollectionTasks, ID: id, Op: "delete task"})
}

// AddHabit creates a habit with no completions.
func (c *Controller) AddHabit(ctx context.Context, name string) (*Ticket, error) {
	return c.Apply(ctx, Mutation{
		Kind:       KindAdd,
		Collection: domain.CollectionHabits,
		Record:     domain.Record{"name": name, "completedDates": []any{}, "currentStreak": 0, "longestStreak": 0},
		Op:         "add habit",
	})
}

// ToggleHabitDate marks or unmarks day. The streak fields are recomputed in
// the same mutation.
func (c *Controller) ToggleHabitDate(ctx context.Context, id string, day domain.Date) (*Ticket, error) {
	if !day.Valid() {
		return nil, &domain.ValidationError{Field: "date", Message: fmt.Sprintf("want YYYY-MM-DD, got %q", day)}
	}
	return c.Apply(ctx, Mutation{
		Kind:       KindUpdate,
		Collection: domain.CollectionHabits,
		ID:         id,
		Compute: func(cur domain.Record) (domain.Record, error) {
			var h domain.Habit
			if err := domain.FromRecord(cur, &h); err != nil {
				return nil, err
			}
			dates := h.ToggleDate(day)
			r := streak.Compute(dates, c.today())
			return domain.Record{
				"completedDates": dates,
				"currentStreak":  r.Current,
				"longestStreak":  r.Longest,
			}, nil
		},
		Op: "toggle habit",
	})
}

func (c *Controller) DeleteHabit(ctx context.Context, id string) (*Ticket, error) {
	return c.Apply(ctx, Mutation{Kind: KindDelete, Collection: domain.CollectionHabits, ID: id, Op: "delete habit"})
}

// AddProject creates p.
func (c *Controller) AddProject(ctx context.Context, p domain.Project) (*Ticket, error) {
	rec, err := domain.ToRecord(p)
	if err != nil {
		return nil, err
	}
	return c.Apply(ctx, Mutation{Kind: KindAdd, Collection: domain.CollectionProjects, Record: rec, Op: "add project"})
}

// DeleteProject removes the project. Tasks keep their projectId.
func (c *Controller) DeleteProject(ctx context.Context, id string) (*Ticket, error) {
	return c.Apply(ctx, Mutation{Kind: KindDelete, Collection: domain.CollectionProjects, ID: id, Op: "delete project"})
}
