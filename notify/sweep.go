package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lifecenter/domain"
)

const sendConcurrency = 4

var remindersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lifecenter",
	Subsystem: "notify",
	Name:      "reminders_total",
	Help:      "Due-date reminders by outcome",
}, []string{"result"})

// Sweeper sends a reminder for every open task due today or overdue, at most
// once per task per day.
type Sweeper struct {
	notifier Notifier
	owner    string
	now      func() time.Time

	mu   sync.Mutex
	sent map[string]domain.Date
}

func NewSweeper(n Notifier, owner string, now func() time.Time) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{notifier: n, owner: owner, now: now, sent: map[string]domain.Date{}}
}

// Due returns the reminders owed for tasks on today, ordered by due date.
func Due(tasks []domain.Task, owner string, today domain.Date) []Reminder {
	var out []Reminder
	for _, t := range tasks {
		if t.Done() || t.ID == "" || !t.DueDate.Valid() || t.DueDate.After(today) {
			continue
		}
		out = append(out, Reminder{
			Owner:   owner,
			TaskID:  t.ID,
			Title:   t.Title,
			DueDate: t.DueDate,
			Overdue: t.DueDate.Before(today),
			SentOn:  today,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueDate != out[j].DueDate {
			return out[i].DueDate < out[j].DueDate
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Sweep notifies for tasks and returns how many reminders went out. A failed
// reminder is retried on the next sweep of the same day.
func (s *Sweeper) Sweep(ctx context.Context, tasks []domain.Task) (int, error) {
	today := domain.DateOf(s.now())

	s.mu.Lock()
	for id, day := range s.sent {
		if day != today {
			delete(s.sent, id)
		}
	}
	var todo []Reminder
	for _, r := range Due(tasks, s.owner, today) {
		if _, done := s.sent[r.TaskID]; done {
			continue
		}
		// claimed now so an overlapping sweep skips it
		s.sent[r.TaskID] = today
		todo = append(todo, r)
	}
	s.mu.Unlock()

	var (
		mu   sync.Mutex
		sent int
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sendConcurrency)
	for _, r := range todo {
		r := r
		g.Go(func() error {
			err := s.notifier.Notify(gctx, r)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.release(r.TaskID, today)
				errs = append(errs, err)
				remindersTotal.WithLabelValues("failed").Inc()
				log.WithError(err).WithField("task", r.TaskID).Warn("reminder not sent")
				return nil
			}
			sent++
			remindersTotal.WithLabelValues("sent").Inc()
			return nil
		})
	}
	_ = g.Wait()
	return sent, errors.Join(errs...)
}

func (s *Sweeper) release(id string, day domain.Date) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent[id] == day {
		delete(s.sent, id)
	}
}
