// Package session ties one owner's SyncController to its timers: active-task
// tracking, due-date reminders and the recurrence and streak sweeps.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"lifecenter/notify"
	"lifecenter/storage"
	"lifecenter/syncer"
	"lifecenter/timers"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("session manager closed")

// Options configures every session a Manager opens.
type Options struct {
	Intervals      timers.Intervals
	PersistTimeout time.Duration
	Notifier       notify.Notifier
	Now            func() time.Time
	Logger         *log.Logger
}

// Session is the live state of one owner.
type Session struct {
	Owner      string
	Controller *syncer.Controller
	Tracker    *timers.ActiveTracker

	scheduler *timers.Scheduler
	sweeper   *notify.Sweeper
	logger    *log.Entry

	mu   sync.Mutex
	last timers.Update
}

// LastUpdate returns the most recent active-task update.
func (s *Session) LastUpdate() timers.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Session) onUpdate(u timers.Update) {
	s.mu.Lock()
	s.last = u
	s.mu.Unlock()
	if u.Kind != timers.Countdown {
		s.logger.WithFields(log.Fields{"kind": u.Kind, "task": u.Task.ID, "active": u.Active}).Debug("active task update")
	}
}

// SweepReminders runs the due-date reminder sweep once.
func (s *Session) SweepReminders(ctx context.Context) (int, error) {
	return s.sweeper.Sweep(ctx, s.Controller.Tasks())
}

// Daily runs the recurrence sweep and refreshes habit streaks.
func (s *Session) Daily(ctx context.Context) error {
	n, err := s.Controller.SweepRecurrence(ctx)
	if n > 0 {
		s.logger.WithField("created", n).Info("recurrence sweep created follow-ups")
	}
	return errors.Join(err, s.Controller.RefreshStreaks(ctx))
}

func (s *Session) register() {
	s.Tracker.Register(s.scheduler)
	s.scheduler.Every(timers.Slow, "reminders", func(ctx context.Context) {
		if _, err := s.SweepReminders(ctx); err != nil {
			s.logger.WithError(err).Warn("reminder sweep incomplete")
		}
	})
	s.scheduler.Every(timers.Daily, "recurrence", func(ctx context.Context) {
		if err := s.Daily(ctx); err != nil {
			s.logger.WithError(err).Warn("daily sweep incomplete")
		}
	})
}

func (s *Session) close() {
	s.scheduler.Stop()
	s.Controller.Close()
}

// Manager opens one session per owner on first use and keeps it until Close.
type Manager struct {
	store storage.Store
	opts  Options

	mu       sync.Mutex
	sessions map[string]*Session
	opening  map[string]chan struct{}
	closed   bool
}

func NewManager(store storage.Store, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogNotifier{Logger: opts.Logger}
	}
	return &Manager{
		store:    store,
		opts:     opts,
		sessions: map[string]*Session{},
		opening:  map[string]chan struct{}{},
	}
}

// Get returns the owner's session, opening it if needed. Concurrent callers
// for the same owner share one open.
func (m *Manager) Get(ctx context.Context, owner string) (*Session, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if s, ok := m.sessions[owner]; ok {
			m.mu.Unlock()
			return s, nil
		}
		wait, busy := m.opening[owner]
		if !busy {
			done := make(chan struct{})
			m.opening[owner] = done
			m.mu.Unlock()
			s, err := m.open(ctx, owner)
			m.mu.Lock()
			delete(m.opening, owner)
			close(done)
			if err == nil {
				if m.closed {
					m.mu.Unlock()
					s.close()
					return nil, ErrClosed
				}
				m.sessions[owner] = s
			}
			m.mu.Unlock()
			return s, err
		}
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) open(ctx context.Context, owner string) (*Session, error) {
	// subscriptions and timers outlive the request that opened the session
	ctx = context.WithoutCancel(ctx)
	c := syncer.New(m.store, syncer.Options{
		Owner:          owner,
		Now:            m.opts.Now,
		PersistTimeout: m.opts.PersistTimeout,
	})
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, err
	}
	s := &Session{
		Owner:      owner,
		Controller: c,
		scheduler:  timers.NewScheduler(m.opts.Intervals, m.opts.Logger),
		sweeper:    notify.NewSweeper(m.opts.Notifier, owner, m.opts.Now),
		logger:     m.opts.Logger.WithField("owner", owner),
	}
	s.Tracker = timers.NewActiveTracker(c.Tasks, m.opts.Now, s.onUpdate)
	s.register()
	if err := s.scheduler.Start(ctx); err != nil {
		c.Close()
		return nil, err
	}
	s.logger.Info("session opened")
	return s, nil
}

// Release stops and forgets the owner's session, for logout.
func (m *Manager) Release(owner string) {
	m.mu.Lock()
	s, ok := m.sessions[owner]
	delete(m.sessions, owner)
	m.mu.Unlock()
	if ok {
		s.close()
		s.logger.Info("session released")
	}
}

// Owners lists the owners with an open session.
func (m *Manager) Owners() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for o := range m.sessions {
		out = append(out, o)
	}
	return out
}

// Close stops every session.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.close()
		}(s)
	}
	wg.Wait()
}

// Now reads the clock sessions use.
func (m *Manager) Now() time.Time { return m.opts.Now() }
