package syncer

import (
	"context"
	"errors"

	"lifecenter/domain"
	"lifecenter/recurrence"
	"lifecenter/streak"
)

// recur creates the follow-up of a completed repeating task and then marks the
// original. The mark is only written after the follow-up was persisted, so a
// failed creation is retried by the next sweep. It reports whether a
// follow-up was created.
func (c *Controller) recur(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	id = c.resolveLocked(id)
	if _, busy := c.recurring[id]; busy || isLocalID(id) {
		c.mu.Unlock()
		return false, nil
	}
	t, ok := c.taskLocked(id)
	if !ok || !recurrence.Pending(t) {
		c.mu.Unlock()
		return false, nil
	}
	c.recurring[id] = struct{}{}
	exists := c.hasFollowUpLocked(id)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.recurring, id)
		c.mu.Unlock()
	}()

	created := false
	if !exists {
		next, ok := recurrence.FollowUp(t, c.today())
		if !ok {
			return false, nil
		}
		rec, err := domain.ToRecord(next)
		if err != nil {
			return false, err
		}
		ticket, err := c.Apply(ctx, Mutation{Kind: KindAdd, Collection: domain.CollectionTasks, Record: rec, Op: "create follow-up"})
		if err == nil {
			err = ticket.Wait(ctx)
		}
		if err != nil {
			followUpsTotal.WithLabelValues("failed").Inc()
			return false, err
		}
		created = true
		followUpsTotal.WithLabelValues("created").Inc()
	}

	ticket, err := c.Apply(ctx, Mutation{
		Kind:       KindUpdate,
		Collection: domain.CollectionTasks,
		ID:         id,
		Record:     domain.Record{"nextOccurrenceCreated": true},
		Op:         "mark follow-up created",
	})
	if err == nil {
		err = ticket.Wait(ctx)
	}
	if err != nil {
		followUpsTotal.WithLabelValues("failed").Inc()
		return created, err
	}
	followUpsTotal.WithLabelValues("marked").Inc()
	return created, nil
}

func (c *Controller) hasFollowUpLocked(id string) bool {
	for _, rec := range c.cols[domain.CollectionTasks].visible {
		if parent, _ := rec["parentTaskId"].(string); parent == id {
			return true
		}
	}
	return false
}

// SweepRecurrence creates missing follow-ups for every completed repeating
// task. Running it again, or concurrently with a completion, never produces a
// second follow-up for the same task.
func (c *Controller) SweepRecurrence(ctx context.Context) (int, error) {
	var errs []error
	created := 0
	for _, t := range recurrence.Due(c.Tasks()) {
		ok, err := c.recur(ctx, t.ID)
		if ok {
			created++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return created, errors.Join(errs...)
}

// refreshStreak recomputes the derived streak fields of a habit and writes
// them only if they changed.
func (c *Controller) refreshStreak(ctx context.Context, id string) error {
	h, ok := c.Habit(id)
	if !ok {
		return nil
	}
	next := streak.Apply(h, c.today())
	if next.CurrentStreak == h.CurrentStreak && next.LongestStreak == h.LongestStreak {
		return nil
	}
	_, err := c.Apply(ctx, Mutation{
		Kind:       KindUpdate,
		Collection: domain.CollectionHabits,
		ID:         id,
		Compute: func(cur domain.Record) (domain.Record, error) {
			var h domain.Habit
			if err := domain.FromRecord(cur, &h); err != nil {
				return nil, err
			}
			next := streak.Apply(h, c.today())
			return domain.Record{"currentStreak": next.CurrentStreak, "longestStreak": next.LongestStreak}, nil
		},
		Op: "refresh streak",
	})
	return err
}

// RefreshStreaks recomputes every habit's streak for today. A chain that was
// current yesterday drops to zero once a day passes without a completion.
func (c *Controller) RefreshStreaks(ctx context.Context) error {
	var errs []error
	for _, h := range c.Habits() {
		if err := c.refreshStreak(ctx, h.ID); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
