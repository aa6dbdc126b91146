// Package syncer keeps an optimistic in-memory mirror of one owner's
// collections and reconciles it with a storage.Store.
//
// Every write goes through Controller.Apply. The change is visible at once,
// persisted in the background in submission order per entity, and rolled back
// with a single error report if the store rejects it.
package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"lifecenter/domain"
	"lifecenter/recurrence"
	"lifecenter/schedule"
	"lifecenter/storage"
)

// ErrorReporter is the single seam persistence failures are reported through.
type ErrorReporter func(op string, err error)

// LogReporter logs the failure with the operation name.
func LogReporter(op string, err error) {
	log.WithError(err).WithField("op", op).Error("persist failed, local change rolled back")
}

// Options configures a Controller.
type Options struct {
	// Owner scopes every store call. The empty owner is the guest session.
	Owner string
	// Now is the clock used for revisions, createdAt and "today".
	Now func() time.Time
	// Report receives persistence failures. Defaults to LogReporter.
	Report ErrorReporter
	// PersistTimeout bounds each store call. Zero means no timeout.
	PersistTimeout time.Duration
}

// Snapshot is an immutable copy of the visible state.
type Snapshot struct {
	Version  uint64
	Tasks    []domain.Task
	Habits   []domain.Habit
	Projects []domain.Project
}

type collectionState struct {
	entities map[string]*entity
	visible  []domain.Record
}

type observer struct {
	id int
	fn func(Snapshot)
}

// Controller is the only writer of the mirrored collections.
type Controller struct {
	store          storage.Store
	owner          string
	now            func() time.Time
	report         ErrorReporter
	persistTimeout time.Duration

	mu        sync.Mutex
	cols      map[domain.Collection]*collectionState
	aliases   map[string]string
	recurring map[string]struct{}
	closed    bool
	version   uint64
	unsubs    []func()

	wg sync.WaitGroup

	obsMu     sync.Mutex
	observers []observer
	nextObs   int

	kick         chan struct{}
	quit         chan struct{}
	dispatchDone chan struct{}
	dispatching  atomic.Bool
	closeOnce    sync.Once
}

// New creates a controller over store. Call Start to load and subscribe.
func New(store storage.Store, opts Options) *Controller {
	if store == nil {
		panic("syncer.New: store is nil")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Report == nil {
		opts.Report = LogReporter
	}
	c := &Controller{
		store:          store,
		owner:          opts.Owner,
		now:            opts.Now,
		report:         opts.Report,
		persistTimeout: opts.PersistTimeout,
		cols:           make(map[domain.Collection]*collectionState, len(domain.Collections)),
		aliases:        map[string]string{},
		recurring:      map[string]struct{}{},
		kick:           make(chan struct{}, 1),
		quit:           make(chan struct{}),
		dispatchDone:   make(chan struct{}),
	}
	for _, col := range domain.Collections {
		c.cols[col] = &collectionState{entities: map[string]*entity{}}
	}
	go c.dispatch()
	return c
}

// Owner returns the owner the controller mirrors.
func (c *Controller) Owner() string { return c.owner }

// Start subscribes to every collection. The initial snapshots are applied
// before Start returns.
func (c *Controller) Start(ctx context.Context) error {
	for _, col := range domain.Collections {
		col := col
		unsub, err := c.store.Subscribe(ctx, col, c.owner, func(recs []domain.Record) {
			c.onSnapshot(col, recs)
		})
		if err != nil {
			c.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", col, err)
		}
		c.mu.Lock()
		c.unsubs = append(c.unsubs, unsub)
		c.mu.Unlock()
	}
	log.WithFields(log.Fields{"owner": c.owner}).Info("sync controller started")
	return nil
}

// Close unsubscribes, rejects further mutations and waits for queued
// persists and hooks to settle. Called from an observer it does not wait for
// the dispatcher, which stops once the running callbacks return.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.unsubscribe()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.wg.Wait()
		close(c.quit)
		if !c.dispatching.Load() {
			<-c.dispatchDone
		}
	})
}

func (c *Controller) unsubscribe() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Apply validates m, applies it to the visible state and queues it for
// persistence. Validation and conflict errors are returned before anything
// changes. The returned ticket settles once the store answered.
func (c *Controller) Apply(ctx context.Context, m Mutation) (*Ticket, error) {
	rec, err := normalize(m.Record)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	st, ok := c.cols[m.Collection]
	if !ok {
		c.mu.Unlock()
		return nil, &domain.ValidationError{Field: "collection", Message: fmt.Sprintf("unknown collection %q", m.Collection)}
	}

	op := &pendingOp{kind: m.Kind, op: m.opName(), ctx: context.WithoutCancel(ctx)}
	var e *entity
	switch m.Kind {
	case KindAdd:
		delete(rec, domain.FieldID)
		delete(rec, domain.FieldRevision)
		rec[domain.FieldCreatedAt] = c.now().UTC().Format(time.RFC3339Nano)
		if err := c.precheckLocked(m, rec, ""); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		e = &entity{col: m.Collection, id: localIDPrefix + uuid.NewString()}
	case KindUpdate:
		e = c.lookupLocked(m.Collection, m.ID)
		cur := e.visibleOrNil()
		if cur == nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s %s", ErrUnknownEntity, m.Collection, m.ID)
		}
		if m.Compute != nil {
			derived, err := m.Compute(cur.Clone())
			if err == nil {
				derived, err = normalize(derived)
			}
			if err != nil {
				c.mu.Unlock()
				return nil, err
			}
			for k, v := range derived {
				rec[k] = v
			}
		}
		delete(rec, domain.FieldID)
		delete(rec, domain.FieldCreatedAt)
		next := cur.Merge(rec)
		if err := c.precheckLocked(m, next, e.id); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		switch m.Collection {
		case domain.CollectionTasks:
			op.completes = recurrence.Triggered(statusOf(cur), statusOf(next))
		case domain.CollectionHabits:
			_, op.touchesDates = rec["completedDates"]
		}
	case KindDelete:
		e = c.lookupLocked(m.Collection, m.ID)
		if e.visibleOrNil() == nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s %s", ErrUnknownEntity, m.Collection, m.ID)
		}
		rec = nil
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("unknown mutation kind %v", m.Kind)
	}

	op.rev = nextRevision(c.now)
	if rec != nil {
		rec[domain.FieldRevision] = op.rev
	}
	op.record = rec
	op.ticket = newTicket(e.id)
	if m.Kind == KindAdd {
		st.entities[e.id] = e
	}
	e.pending = append(e.pending, op)
	c.refoldLocked(m.Collection)
	start := !e.running
	if start {
		e.running = true
		c.wg.Add(1)
	}
	c.mu.Unlock()

	mutationsTotal.WithLabelValues(string(m.Collection), m.Kind.String(), "applied").Inc()
	if start {
		go c.drain(e)
	}
	return op.ticket, nil
}

// precheckLocked validates the would-be record and runs the optional
// conflict check. excludeID is the entity being updated.
func (c *Controller) precheckLocked(m Mutation, next domain.Record, excludeID string) error {
	if err := domain.ValidateRecord(m.Collection, next); err != nil {
		mutationsTotal.WithLabelValues(string(m.Collection), m.Kind.String(), "rejected").Inc()
		return err
	}
	if !m.CheckConflicts || m.Confirmed || m.Collection != domain.CollectionTasks {
		return nil
	}
	var t domain.Task
	if err := domain.FromRecord(next, &t); err != nil || t.TimeBlock == nil || t.Done() {
		return nil
	}
	with := schedule.Conflicts(domain.DecodeTasks(c.cols[domain.CollectionTasks].visible), t.TimeBlock.Start, t.TimeBlock.End, excludeID)
	if len(with) == 0 {
		return nil
	}
	mutationsTotal.WithLabelValues(string(m.Collection), m.Kind.String(), "conflict").Inc()
	return &schedule.ConflictError{Start: t.TimeBlock.Start, End: t.TimeBlock.End, With: with}
}

// drain persists the entity's queue one op at a time.
func (c *Controller) drain(e *entity) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(e.pending) == 0 {
			e.running = false
			c.mu.Unlock()
			return
		}
		op := e.pending[0]
		col, id := e.col, e.id
		c.mu.Unlock()

		started := time.Now()
		newID, err := c.persist(op, col, id)
		persistSeconds.WithLabelValues(string(col), op.kind.String()).Observe(time.Since(started).Seconds())

		c.mu.Lock()
		e.pending = e.pending[1:]
		var discarded []*pendingOp
		switch {
		case err == nil:
			if op.kind == KindAdd {
				c.rekeyLocked(e, newID)
			}
			e.commit(op)
		case op.kind == KindAdd:
			discarded = e.pending
			e.pending = nil
		}
		if e.dead() {
			delete(c.cols[col].entities, e.id)
		}
		c.refoldLocked(col)
		finalID := e.id
		c.mu.Unlock()

		op.ticket.settle(finalID, err)
		if err != nil {
			mutationsTotal.WithLabelValues(string(col), op.kind.String(), "rolled_back").Inc()
			c.report(op.op, err)
			for _, d := range discarded {
				mutationsTotal.WithLabelValues(string(col), d.kind.String(), "rolled_back").Inc()
				d.ticket.settle("", fmt.Errorf("%w: %v", ErrDiscarded, err))
			}
			continue
		}
		mutationsTotal.WithLabelValues(string(col), op.kind.String(), "committed").Inc()
		c.afterCommit(op, finalID)
	}
}

func (c *Controller) persist(op *pendingOp, col domain.Collection, id string) (string, error) {
	ctx := op.ctx
	if c.persistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.persistTimeout)
		defer cancel()
	}
	switch op.kind {
	case KindAdd:
		return c.store.Add(ctx, col, c.owner, op.record)
	case KindUpdate:
		return "", c.store.Update(ctx, col, id, op.record)
	case KindDelete:
		return "", c.store.Delete(ctx, col, id)
	}
	return "", fmt.Errorf("unknown mutation kind %v", op.kind)
}

// afterCommit runs the hooks a committed op asks for. Hooks run on their own
// goroutines so the entity's queue keeps moving.
func (c *Controller) afterCommit(op *pendingOp, id string) {
	if !op.completes && !op.touchesDates {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx := op.ctx
		if op.completes {
			if _, err := c.recur(ctx, id); err != nil {
				log.WithError(err).WithField("task", id).Warn("follow-up not created, sweep will retry")
			}
		}
		if op.touchesDates {
			if err := c.refreshStreak(ctx, id); err != nil {
				log.WithError(err).WithField("habit", id).Warn("streak refresh rejected")
			}
		}
	}()
}

func (c *Controller) rekeyLocked(e *entity, id string) {
	st := c.cols[e.col]
	delete(st.entities, e.id)
	c.aliases[e.id] = id
	e.id = id
	st.entities[id] = e
}

func (c *Controller) resolveLocked(id string) string {
	if real, ok := c.aliases[id]; ok {
		return real
	}
	return id
}

func (c *Controller) lookupLocked(col domain.Collection, id string) *entity {
	return c.cols[col].entities[c.resolveLocked(id)]
}

func (e *entity) visibleOrNil() domain.Record {
	if e == nil {
		return nil
	}
	return e.visible()
}

// onSnapshot replaces the confirmed state of col and refolds pending edits.
func (c *Controller) onSnapshot(col domain.Collection, recs []domain.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	st := c.cols[col]
	seen := make(map[string]domain.Record, len(recs))
	for _, r := range recs {
		if id := r.ID(); id != "" {
			seen[id] = r
			if st.entities[id] == nil {
				st.entities[id] = &entity{col: col, id: id}
			}
		}
	}
	for id, e := range st.entities {
		if isLocalID(id) {
			continue
		}
		e.reconcile(seen[id])
		if e.dead() {
			delete(st.entities, id)
		}
	}
	c.refoldLocked(col)
	snapshotsTotal.WithLabelValues(string(col)).Inc()
}

func (c *Controller) refoldLocked(col domain.Collection) {
	st := c.cols[col]
	out := make([]domain.Record, 0, len(st.entities))
	for _, e := range st.entities {
		if rec := e.visible(); rec != nil {
			out = append(out, rec)
		}
	}
	storage.SortNewestFirst(out)
	st.visible = out
	c.version++
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Records returns a copy of the visible records of col.
func (c *Controller) Records(col domain.Collection) []domain.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.cols[col]
	if !ok {
		return nil
	}
	out := make([]domain.Record, len(st.visible))
	for i, r := range st.visible {
		out[i] = r.Clone()
	}
	return out
}

// Tasks returns the visible tasks, newest first.
func (c *Controller) Tasks() []domain.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.DecodeTasks(c.cols[domain.CollectionTasks].visible)
}

// Habits returns the visible habits, newest first.
func (c *Controller) Habits() []domain.Habit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.DecodeHabits(c.cols[domain.CollectionHabits].visible)
}

// Projects returns the visible projects, newest first.
func (c *Controller) Projects() []domain.Project {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.DecodeProjects(c.cols[domain.CollectionProjects].visible)
}

// Task returns the visible task with id, which may be a temporary id.
func (c *Controller) Task(id string) (domain.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskLocked(id)
}

func (c *Controller) taskLocked(id string) (domain.Task, bool) {
	rec := c.lookupLocked(domain.CollectionTasks, id).visibleOrNil()
	if rec == nil {
		return domain.Task{}, false
	}
	var t domain.Task
	if err := domain.FromRecord(rec, &t); err != nil {
		return domain.Task{}, false
	}
	return t, true
}

// Habit returns the visible habit with id.
func (c *Controller) Habit(id string) (domain.Habit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.lookupLocked(domain.CollectionHabits, id).visibleOrNil()
	if rec == nil {
		return domain.Habit{}, false
	}
	var h domain.Habit
	if err := domain.FromRecord(rec, &h); err != nil {
		return domain.Habit{}, false
	}
	return h, true
}

// Snapshot returns a copy of the whole visible state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Version:  c.version,
		Tasks:    domain.DecodeTasks(c.cols[domain.CollectionTasks].visible),
		Habits:   domain.DecodeHabits(c.cols[domain.CollectionHabits].visible),
		Projects: domain.DecodeProjects(c.cols[domain.CollectionProjects].visible),
	}
}

// Pending reports how many mutations are waiting on the store.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, st := range c.cols {
		for _, e := range st.entities {
			n += len(e.pending)
		}
	}
	return n
}

// Observe registers fn for state changes. Bursts of changes may be delivered
// as one snapshot; a delivered snapshot is never older than the previous one.
// fn runs on the controller's dispatch goroutine and may call Apply or Close.
func (c *Controller) Observe(fn func(Snapshot)) (cancel func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers = append(c.observers, observer{id: id, fn: fn})
	c.obsMu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		for i, o := range c.observers {
			if o.id == id {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

func (c *Controller) dispatch() {
	defer close(c.dispatchDone)
	for {
		select {
		case <-c.quit:
			return
		case <-c.kick:
		}
		snap := c.Snapshot()
		c.obsMu.Lock()
		obs := append([]observer(nil), c.observers...)
		c.obsMu.Unlock()
		sort.Slice(obs, func(i, j int) bool { return obs[i].id < obs[j].id })
		c.dispatching.Store(true)
		for _, o := range obs {
			o.fn(snap)
		}
		c.dispatching.Store(false)
	}
}

func (c *Controller) today() domain.Date {
	return domain.DateOf(c.now())
}

func statusOf(rec domain.Record) domain.Status {
	s, _ := rec["status"].(string)
	return domain.Status(s)
}

// normalize converts rec to plain JSON values so records never share slices
// or maps with the caller.
func normalize(rec domain.Record) (domain.Record, error) {
	if rec == nil {
		return domain.Record{}, nil
	}
	data, err := domain.Codec.Marshal(rec)
	if err != nil {
		return nil, &domain.ValidationError{Field: "record", Message: err.Error()}
	}
	out := domain.Record{}
	if err := domain.Codec.Unmarshal(data, &out); err != nil {
		return nil, &domain.ValidationError{Field: "record", Message: err.Error()}
	}
	return out, nil
}
