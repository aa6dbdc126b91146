// Package timers runs the periodic work of a session: the countdown and
// active-task refresh, the due-date reminder sweep and the daily recurrence
// sweep.
package timers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// Tier selects how often a job runs.
type Tier int

const (
	Fast Tier = iota
	Medium
	Slow
	Daily
)

func (t Tier) String() string {
	switch t {
	case Fast:
		return "fast"
	case Medium:
		return "medium"
	case Slow:
		return "slow"
	case Daily:
		return "daily"
	}
	return "unknown"
}

// Intervals holds the period of every tier.
type Intervals struct {
	Fast   time.Duration
	Medium time.Duration
	Slow   time.Duration
	Daily  time.Duration
}

// DefaultIntervals: countdown every second, active-task detection every 30
// seconds, reminders hourly, recurrence daily.
func DefaultIntervals() Intervals {
	return Intervals{
		Fast:   time.Second,
		Medium: 30 * time.Second,
		Slow:   time.Hour,
		Daily:  24 * time.Hour,
	}
}

func (iv Intervals) of(t Tier) time.Duration {
	switch t {
	case Fast:
		return iv.Fast
	case Medium:
		return iv.Medium
	case Slow:
		return iv.Slow
	case Daily:
		return iv.Daily
	}
	return 0
}

// ErrRunning is returned by Start on a scheduler that was already started.
var ErrRunning = errors.New("scheduler already running")

var ticksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lifecenter",
	Subsystem: "timers",
	Name:      "ticks_total",
	Help:      "Timer callbacks by job and outcome",
}, []string{"job", "result"})

type job struct {
	name string
	tier Tier
	fn   func(context.Context)
}

// Scheduler fires registered jobs on their tier's interval. Every Start opens
// a new generation; callbacks that fire after Stop see a dead generation and
// do nothing.
type Scheduler struct {
	iv     Intervals
	logger *log.Logger

	mu      sync.Mutex
	jobs    []job
	gen     uint64
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler returns a stopped scheduler. Zero intervals fall back to the
// defaults.
func NewScheduler(iv Intervals, logger *log.Logger) *Scheduler {
	def := DefaultIntervals()
	if iv.Fast <= 0 {
		iv.Fast = def.Fast
	}
	if iv.Medium <= 0 {
		iv.Medium = def.Medium
	}
	if iv.Slow <= 0 {
		iv.Slow = def.Slow
	}
	if iv.Daily <= 0 {
		iv.Daily = def.Daily
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Scheduler{iv: iv, logger: logger}
}

// Every registers fn on tier. Jobs registered while running start with the
// next session.
func (s *Scheduler) Every(tier Tier, name string, fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{name: name, tier: tier, fn: fn})
}

// Start launches one loop per job. Every job also fires once right away.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	s.gen++
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, s.gen, j, s.iv.of(j.tier))
	}
	s.logger.WithFields(log.Fields{"jobs": len(s.jobs), "generation": s.gen}).Info("timers started")
	return nil
}

// Stop cancels the session and waits for running callbacks to return. It is
// safe to call on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.gen++
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, gen uint64, j job, every time.Duration) {
	defer s.wg.Done()
	s.fire(ctx, gen, j)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, gen, j)
		}
	}
}

func (s *Scheduler) alive(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.gen == gen
}

// fire runs j unless its generation was stopped. Panics are logged so one
// misbehaving job does not end the loop.
func (s *Scheduler) fire(ctx context.Context, gen uint64, j job) {
	if !s.alive(gen) || ctx.Err() != nil {
		ticksTotal.WithLabelValues(j.name, "skipped").Inc()
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ticksTotal.WithLabelValues(j.name, "panic").Inc()
			s.logger.WithFields(log.Fields{"job": j.name, "panic": r}).Error("timer callback panicked")
		}
	}()
	j.fn(ctx)
	ticksTotal.WithLabelValues(j.name, "ran").Inc()
}
