package syncer

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"lifecenter/domain"
	"lifecenter/schedule"
)

var fixedNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)

type reported struct {
	mu   sync.Mutex
	errs []string
}

func (r *reported) report(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, op+": "+err.Error())
}

func (r *reported) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errs...)
}

func newTestController(t *testing.T, store *fakeStore) (*Controller, *reported) {
	t.Helper()
	return newTestControllerAt(t, store, fixedNow)
}

func newTestControllerAt(t *testing.T, store *fakeStore, now time.Time) (*Controller, *reported) {
	t.Helper()
	rep := &reported{}
	c := New(store, Options{Owner: "u1", Now: func() time.Time { return now }, Report: rep.report})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Close)
	return c, rep
}

func taskRecord(id, title string, status domain.Status) domain.Record {
	return domain.Record{
		"id":         id,
		"title":      title,
		"category":   "work",
		"priority":   "medium",
		"status":     string(status),
		"recurrence": "none",
		"createdAt":  "2024-02-01T09:00:00Z",
		"revision":   int64(100),
	}
}

func blocked(rec domain.Record, start, end string) domain.Record {
	rec = rec.Clone()
	rec["timeBlock"] = map[string]any{"start": start, "end": end}
	return rec
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustWait(t *testing.T, ticket *Ticket, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := ticket.Wait(context.Background()); err != nil {
		t.Fatalf("persist: %v", err)
	}
}

func followUpOf(c *Controller, parent string) (domain.Task, bool) {
	for _, task := range c.Tasks() {
		if task.ParentTaskID == parent {
			return task, true
		}
	}
	return domain.Task{}, false
}

func TestUpdateRollsBackOnPersistFailure(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionTasks, taskRecord("t1", "write report", domain.StatusTodo))
	c, rep := newTestController(t, store)

	store.gate = make(chan struct{})
	store.setFailures(nil, errors.New("backend unavailable"), nil)
	ticket, err := c.SetStatus(context.Background(), "t1", domain.StatusCompleted)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}

	if got, _ := c.Task("t1"); got.Status != domain.StatusCompleted {
		t.Fatalf("change must be visible before the store answers, got %s", got.Status)
	}

	store.gate <- struct{}{}
	if err := ticket.Wait(context.Background()); err == nil {
		t.Fatal("expected the persist error")
	}

	if got, _ := c.Task("t1"); got.Status != domain.StatusTodo {
		t.Fatalf("expected rollback to todo, got %s", got.Status)
	}
	errs := rep.list()
	if len(errs) != 1 || !strings.Contains(errs[0], "set status") {
		t.Fatalf("expected one set status report, got %v", errs)
	}
	if n := c.Pending(); n != 0 {
		t.Fatalf("expected nothing pending, got %d", n)
	}
}

func TestValidationIsSynchronousAndLeavesStateAlone(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionTasks, taskRecord("t1", "write report", domain.StatusTodo))
	c, _ := newTestController(t, store)
	ctx := context.Background()

	if _, err := c.AddTask(ctx, domain.Task{Title: "   "}, false); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("blank title: %v", err)
	}
	bad := &domain.TimeBlock{Start: domain.MustClock("11:00"), End: domain.MustClock("10:00")}
	if _, err := c.AddTask(ctx, domain.Task{Title: "x", TimeBlock: bad}, false); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("inverted block: %v", err)
	}
	if _, err := c.UpdateTask(ctx, "t1", domain.Record{"priority": "urgent"}, false); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bad priority: %v", err)
	}
	if _, err := c.SetStatus(ctx, "missing", domain.StatusCompleted); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("unknown id: %v", err)
	}

	if n := len(c.Tasks()); n != 1 {
		t.Fatalf("expected 1 task, got %d", n)
	}
	if n := c.Pending(); n != 0 {
		t.Fatalf("expected nothing pending, got %d", n)
	}
	if w := store.writeLog(); len(w) != 0 {
		t.Fatalf("expected no writes, got %v", w)
	}
}

func TestConflictIsAdvisory(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionTasks, blocked(taskRecord("t1", "standup", domain.StatusTodo), "10:00", "11:00"))
	c, _ := newTestController(t, store)
	ctx := context.Background()

	overlap := &domain.TimeBlock{Start: domain.MustClock("10:30"), End: domain.MustClock("11:30")}
	_, err := c.AddTask(ctx, domain.Task{Title: "review", TimeBlock: overlap}, false)
	if !errors.Is(err, schedule.ErrConflict) {
		t.Fatalf("expected a conflict, got %v", err)
	}
	var ce *schedule.ConflictError
	if !errors.As(err, &ce) || ce.With[0].ID != "t1" {
		t.Fatalf("expected a conflict with t1, got %v", err)
	}
	if n := len(c.Tasks()); n != 1 {
		t.Fatalf("conflict must not add, got %d tasks", n)
	}

	ticket, err := c.AddTask(ctx, domain.Task{Title: "review", TimeBlock: overlap}, true)
	mustWait(t, ticket, err)
	if n := len(c.Tasks()); n != 2 {
		t.Fatalf("confirmed add, got %d tasks", n)
	}

	// status changes on overlapping tasks are never blocked
	ticket, err = c.SetStatus(ctx, ticket.ID(), domain.StatusInProgress)
	mustWait(t, ticket, err)

	touching := &domain.TimeBlock{Start: domain.MustClock("11:30"), End: domain.MustClock("12:00")}
	if _, err := c.AddTask(ctx, domain.Task{Title: "lunch", TimeBlock: touching}, false); err != nil {
		t.Fatalf("touching blocks do not overlap: %v", err)
	}

	_, err = c.MoveTask(ctx, "t1", &domain.TimeBlock{Start: domain.MustClock("11:45"), End: domain.MustClock("12:15")}, false)
	if !errors.Is(err, schedule.ErrConflict) {
		t.Fatalf("expected a move conflict, got %v", err)
	}
}

func TestCompletingDailyTaskCreatesOneFollowUp(t *testing.T) {
	store := newFakeStore()
	rec := taskRecord("t1", "run", domain.StatusInProgress)
	rec["recurrence"] = "daily"
	rec["dueDate"] = "2024-03-01"
	rec = blocked(rec, "07:00", "07:30")
	store.seed(domain.CollectionTasks, rec)
	c, rep := newTestController(t, store)
	ctx := context.Background()

	ticket, err := c.SetStatus(ctx, "t1", domain.StatusCompleted)
	mustWait(t, ticket, err)

	eventually(t, "follow-up and mark", func() bool {
		orig, _ := store.get(domain.CollectionTasks, "t1")
		return store.count(domain.CollectionTasks) == 2 && orig["nextOccurrenceCreated"] == true
	})

	follow, ok := followUpOf(c, "t1")
	if !ok {
		t.Fatal("follow-up not visible")
	}
	if follow.DueDate != "2024-03-02" || follow.Status != domain.StatusTodo || follow.Title != "run" {
		t.Fatalf("unexpected follow-up %+v", follow)
	}
	if follow.TimeBlock == nil || follow.TimeBlock.Start.String() != "07:00" {
		t.Fatalf("time block not copied: %+v", follow.TimeBlock)
	}

	for i := 0; i < 2; i++ {
		n, err := c.SweepRecurrence(ctx)
		if err != nil || n != 0 {
			t.Fatalf("sweep %d: created %d, err %v", i, n, err)
		}
	}
	if n := store.count(domain.CollectionTasks); n != 2 {
		t.Fatalf("expected 2 tasks, got %d", n)
	}
	if errs := rep.list(); len(errs) != 0 {
		t.Fatalf("unexpected reports %v", errs)
	}
}

func TestOverdueFollowUpIsDueAfterToday(t *testing.T) {
	store := newFakeStore()
	rec := taskRecord("t1", "run", domain.StatusTodo)
	rec["recurrence"] = "daily"
	rec["dueDate"] = "2024-03-01"
	store.seed(domain.CollectionTasks, rec)
	c, _ := newTestControllerAt(t, store, time.Date(2024, 3, 10, 9, 0, 0, 0, time.Local))

	ticket, err := c.SetStatus(context.Background(), "t1", domain.StatusCompleted)
	mustWait(t, ticket, err)

	eventually(t, "follow-up", func() bool {
		_, ok := followUpOf(c, "t1")
		return ok
	})
	follow, _ := followUpOf(c, "t1")
	if follow.DueDate != "2024-03-11" {
		t.Fatalf("expected the follow-up due 2024-03-11, got %s", follow.DueDate)
	}
}

func TestSweepCatchesMissedCompletion(t *testing.T) {
	store := newFakeStore()
	rec := taskRecord("t1", "water plants", domain.StatusCompleted)
	rec["recurrence"] = "weekly"
	rec["dueDate"] = "2024-02-28"
	store.seed(domain.CollectionTasks, rec)
	c, _ := newTestController(t, store)
	ctx := context.Background()

	var wg sync.WaitGroup
	counts := make([]int, 3)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counts[i], _ = c.SweepRecurrence(ctx)
		}(i)
	}
	wg.Wait()
	if total := counts[0] + counts[1] + counts[2]; total != 1 {
		t.Fatalf("concurrent sweeps must create one follow-up, got %d", total)
	}

	if n, err := c.SweepRecurrence(ctx); err != nil || n != 0 {
		t.Fatalf("repeat sweep: created %d, err %v", n, err)
	}
	if n := store.count(domain.CollectionTasks); n != 2 {
		t.Fatalf("expected 2 tasks, got %d", n)
	}
	if follow, _ := followUpOf(c, "t1"); follow.DueDate != "2024-03-08" {
		t.Fatalf("expected due 2024-03-08, got %s", follow.DueDate)
	}
}

func TestFailedFollowUpLeavesOriginalUnmarked(t *testing.T) {
	store := newFakeStore()
	rec := taskRecord("t1", "pay rent", domain.StatusCompleted)
	rec["recurrence"] = "monthly"
	rec["dueDate"] = "2024-01-31"
	store.seed(domain.CollectionTasks, rec)
	c, rep := newTestControllerAt(t, store, time.Date(2024, 1, 31, 18, 0, 0, 0, time.Local))
	ctx := context.Background()

	store.setFailures(errors.New("offline"), nil, nil)
	n, err := c.SweepRecurrence(ctx)
	if err == nil || n != 0 {
		t.Fatalf("expected a failed sweep, created %d, err %v", n, err)
	}
	if orig, _ := store.get(domain.CollectionTasks, "t1"); orig["nextOccurrenceCreated"] != nil {
		t.Fatal("original must stay unmarked")
	}
	if errs := rep.list(); len(errs) != 1 {
		t.Fatalf("expected one report, got %v", errs)
	}

	store.setFailures(nil, nil, nil)
	if n, err := c.SweepRecurrence(ctx); err != nil || n != 1 {
		t.Fatalf("retry: created %d, err %v", n, err)
	}
	if follow, _ := followUpOf(c, "t1"); follow.DueDate != "2024-02-29" {
		t.Fatalf("expected the month end clamped to 2024-02-29, got %s", follow.DueDate)
	}
}

func TestMarkFailureDoesNotDuplicateFollowUp(t *testing.T) {
	store := newFakeStore()
	rec := taskRecord("t1", "stretch", domain.StatusCompleted)
	rec["recurrence"] = "daily"
	store.seed(domain.CollectionTasks, rec)
	c, _ := newTestController(t, store)
	ctx := context.Background()

	store.setFailures(nil, errors.New("flaky"), nil)
	if n, err := c.SweepRecurrence(ctx); err == nil || n != 1 {
		t.Fatalf("expected follow-up created and mark failed, created %d, err %v", n, err)
	}

	store.setFailures(nil, nil, nil)
	if n, err := c.SweepRecurrence(ctx); err != nil || n != 0 {
		t.Fatalf("existing follow-up must be reused, created %d, err %v", n, err)
	}
	if n := store.count(domain.CollectionTasks); n != 2 {
		t.Fatalf("expected 2 tasks, got %d", n)
	}
	if orig, _ := store.get(domain.CollectionTasks, "t1"); orig["nextOccurrenceCreated"] != true {
		t.Fatal("original must be marked")
	}
}

func TestEditsPersistInSubmissionOrder(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionTasks, taskRecord("t1", "a", domain.StatusTodo))
	c, _ := newTestController(t, store)
	ctx := context.Background()

	store.gate = make(chan struct{})
	var tickets []*Ticket
	for _, title := range []string{"b", "c", "d"} {
		ticket, err := c.UpdateTask(ctx, "t1", domain.Record{"title": title}, false)
		if err != nil {
			t.Fatalf("update %s: %v", title, err)
		}
		tickets = append(tickets, ticket)
	}
	if got, _ := c.Task("t1"); got.Title != "d" {
		t.Fatalf("expected the latest title visible, got %q", got.Title)
	}

	for range tickets {
		store.gate <- struct{}{}
	}
	for _, ticket := range tickets {
		mustWait(t, ticket, nil)
	}
	want := []string{"update t1 b", "update t1 c", "update t1 d"}
	if got := store.writeLog(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected writes %v, got %v", want, got)
	}
	if stored, _ := store.get(domain.CollectionTasks, "t1"); stored["title"] != "d" {
		t.Fatalf("expected stored title d, got %v", stored["title"])
	}
}

func TestRollbackKeepsLaterEdits(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionTasks, taskRecord("t1", "a", domain.StatusTodo))
	c, rep := newTestController(t, store)
	ctx := context.Background()

	store.gate = make(chan struct{})
	first, err := c.UpdateTask(ctx, "t1", domain.Record{"priority": "high"}, false)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := c.UpdateTask(ctx, "t1", domain.Record{"title": "renamed"}, false)
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	store.setFailures(nil, errors.New("rejected"), nil)
	store.gate <- struct{}{}
	if err := first.Wait(ctx); err == nil {
		t.Fatal("expected the first edit to fail")
	}
	store.setFailures(nil, nil, nil)
	store.gate <- struct{}{}
	mustWait(t, second, nil)

	got, _ := c.Task("t1")
	if got.Priority != domain.PriorityMedium || got.Title != "renamed" {
		t.Fatalf("expected medium priority and the later title, got %s %q", got.Priority, got.Title)
	}
	if errs := rep.list(); len(errs) != 1 {
		t.Fatalf("expected one report, got %v", errs)
	}
}

func TestStaleSnapshotDoesNotClobberLocalWrite(t *testing.T) {
	store := newFakeStore()
	original := taskRecord("t1", "a", domain.StatusTodo)
	store.seed(domain.CollectionTasks, original)
	c, _ := newTestController(t, store)
	ctx := context.Background()

	store.gate = make(chan struct{})
	ticket, err := c.SetStatus(ctx, "t1", domain.StatusCompleted)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}

	// a snapshot taken before the write lands while it is in flight
	store.emit(domain.CollectionTasks, original)
	if got, _ := c.Task("t1"); got.Status != domain.StatusCompleted {
		t.Fatalf("pending edit must be refolded over the snapshot, got %s", got.Status)
	}

	store.gate <- struct{}{}
	mustWait(t, ticket, nil)

	// the same stale snapshot delivered late carries an older revision
	store.emit(domain.CollectionTasks, original)
	got, _ := c.Task("t1")
	if got.Status != domain.StatusCompleted {
		t.Fatalf("stale snapshot clobbered the commit, got %s", got.Status)
	}

	// a newer edit from another device wins
	remote := original.Clone()
	remote["title"] = "edited elsewhere"
	remote["revision"] = got.Revision + 1
	store.emit(domain.CollectionTasks, remote)
	got, _ = c.Task("t1")
	if got.Title != "edited elsewhere" || got.Status != domain.StatusTodo {
		t.Fatalf("newer remote edit must win, got %q %s", got.Title, got.Status)
	}
}

func TestAddUsesTemporaryIDUntilCommitted(t *testing.T) {
	store := newFakeStore()
	c, _ := newTestController(t, store)
	ctx := context.Background()

	store.gate = make(chan struct{})
	ticket, err := c.AddTask(ctx, domain.Task{Title: "draft"}, false)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.HasPrefix(ticket.LocalID, "local-") || ticket.ID() != ticket.LocalID {
		t.Fatalf("expected a temporary id, got %q / %q", ticket.LocalID, ticket.ID())
	}

	edit, err := c.UpdateTask(ctx, ticket.LocalID, domain.Record{"title": "final"}, false)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}

	store.gate <- struct{}{}
	store.gate <- struct{}{}
	mustWait(t, ticket, nil)
	mustWait(t, edit, nil)

	if ticket.ID() != "id-1" {
		t.Fatalf("expected the store id, got %q", ticket.ID())
	}
	stored, ok := store.get(domain.CollectionTasks, "id-1")
	if !ok || stored["title"] != "final" || stored["createdAt"] == nil {
		t.Fatalf("unexpected stored record %v", stored)
	}

	got, ok := c.Task(ticket.LocalID)
	if !ok || got.ID != "id-1" {
		t.Fatalf("temporary id must stay addressable, got %+v", got)
	}
}

func TestFailedAddDiscardsQueuedEdits(t *testing.T) {
	store := newFakeStore()
	c, rep := newTestController(t, store)
	ctx := context.Background()

	store.gate = make(chan struct{})
	store.setFailures(errors.New("quota"), nil, nil)
	add, err := c.AddTask(ctx, domain.Task{Title: "draft"}, false)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	edit, err := c.UpdateTask(ctx, add.LocalID, domain.Record{"title": "final"}, false)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}

	store.gate <- struct{}{}
	if err := add.Wait(ctx); err == nil {
		t.Fatal("expected the add to fail")
	}
	if err := edit.Wait(ctx); !errors.Is(err, ErrDiscarded) {
		t.Fatalf("expected the edit discarded, got %v", err)
	}
	if n := len(c.Tasks()); n != 0 {
		t.Fatalf("expected no tasks, got %d", n)
	}
	if errs := rep.list(); len(errs) != 1 {
		t.Fatalf("expected one report, got %v", errs)
	}
}

func TestDeleteIsNotResurrectedByStaleSnapshot(t *testing.T) {
	store := newFakeStore()
	original := taskRecord("t1", "a", domain.StatusTodo)
	store.seed(domain.CollectionTasks, original)
	c, _ := newTestController(t, store)
	ctx := context.Background()

	ticket, err := c.DeleteTask(ctx, "t1")
	mustWait(t, ticket, err)
	if n := len(c.Tasks()); n != 0 {
		t.Fatalf("expected no tasks, got %d", n)
	}

	store.emit(domain.CollectionTasks, original)
	if n := len(c.Tasks()); n != 0 {
		t.Fatal("stale snapshot resurrected the task")
	}

	store.emit(domain.CollectionTasks)
	if n := len(c.Tasks()); n != 0 {
		t.Fatalf("expected no tasks, got %d", n)
	}
	if _, err := c.DeleteTask(ctx, "t1"); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected unknown entity, got %v", err)
	}
}

func TestRemoteDeleteRemovesRecord(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionTasks, taskRecord("t1", "a", domain.StatusTodo))
	c, _ := newTestController(t, store)

	store.emit(domain.CollectionTasks)
	if n := len(c.Tasks()); n != 0 {
		t.Fatalf("expected no tasks, got %d", n)
	}
}

func TestToggleHabitDateRecomputesStreak(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionHabits, domain.Record{
		"id":             "h1",
		"name":           "read",
		"completedDates": []any{"2024-02-28", "2024-02-29"},
		"createdAt":      "2024-01-01T00:00:00Z",
	})
	c, _ := newTestController(t, store)
	ctx := context.Background()

	ticket, err := c.ToggleHabitDate(ctx, "h1", "2024-03-01")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if h, _ := c.Habit("h1"); h.CurrentStreak != 3 || h.LongestStreak != 3 {
		t.Fatalf("expected streak 3/3, got %d/%d", h.CurrentStreak, h.LongestStreak)
	}
	mustWait(t, ticket, nil)

	ticket, err = c.ToggleHabitDate(ctx, "h1", "2024-03-01")
	mustWait(t, ticket, err)
	if h, _ := c.Habit("h1"); h.CurrentStreak != 0 || h.LongestStreak != 2 {
		t.Fatalf("expected streak 0/2, got %d/%d", h.CurrentStreak, h.LongestStreak)
	}
}

func TestConcurrentTogglesOfDistinctDatesAllLand(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionHabits, domain.Record{"id": "h1", "name": "read", "createdAt": "2024-01-01T00:00:00Z"})
	c, _ := newTestController(t, store)
	ctx := context.Background()

	days := []domain.Date{"2024-02-26", "2024-02-27", "2024-02-28", "2024-02-29", "2024-03-01"}
	var wg sync.WaitGroup
	for _, day := range days {
		wg.Add(1)
		go func(day domain.Date) {
			defer wg.Done()
			ticket, err := c.ToggleHabitDate(ctx, "h1", day)
			if err == nil {
				err = ticket.Wait(ctx)
			}
			if err != nil {
				t.Errorf("toggle %s: %v", day, err)
			}
		}(day)
	}
	wg.Wait()

	h, _ := c.Habit("h1")
	if len(h.CompletedDates) != len(days) || h.CurrentStreak != len(days) {
		t.Fatalf("expected %d dates and streak, got %v streak %d", len(days), h.CompletedDates, h.CurrentStreak)
	}
}

func TestCommittedDatesTriggerStreakRefresh(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionHabits, domain.Record{"id": "h1", "name": "read", "createdAt": "2024-01-01T00:00:00Z"})
	c, _ := newTestController(t, store)
	ctx := context.Background()

	ticket, err := c.Apply(ctx, Mutation{
		Kind:       KindUpdate,
		Collection: domain.CollectionHabits,
		ID:         "h1",
		Record:     domain.Record{"completedDates": []any{"2024-02-29", "2024-03-01"}},
	})
	mustWait(t, ticket, err)

	eventually(t, "streak refresh", func() bool {
		stored, _ := store.get(domain.CollectionHabits, "h1")
		return stored["currentStreak"] == int64(2)
	})
}

func TestTrackTimeAccumulates(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionTasks, taskRecord("t1", "focus", domain.StatusInProgress))
	c, _ := newTestController(t, store)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ticket, err := c.TrackTime(ctx, "t1", 90*time.Second)
		mustWait(t, ticket, err)
	}
	if got, _ := c.Task("t1"); got.Tracked() != 3*time.Minute {
		t.Fatalf("expected 3m tracked, got %s", got.Tracked())
	}

	if _, err := c.TrackTime(ctx, "t1", -time.Second); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected a validation error, got %v", err)
	}
	if _, err := c.TrackTime(ctx, "missing", time.Second); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected unknown entity, got %v", err)
	}
}

func TestConcurrentTrackTimeLosesNothing(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionTasks, taskRecord("t1", "focus", domain.StatusInProgress))
	c, _ := newTestController(t, store)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := c.TrackTime(ctx, "t1", time.Second)
			if err == nil {
				err = ticket.Wait(ctx)
			}
			if err != nil {
				t.Errorf("track: %v", err)
			}
		}()
	}
	wg.Wait()

	if got, _ := c.Task("t1"); got.Tracked() != workers*time.Second {
		t.Fatalf("expected %s tracked, got %s", workers*time.Second, got.Tracked())
	}
	stored, _ := store.get(domain.CollectionTasks, "t1")
	var persisted domain.Task
	if err := domain.FromRecord(stored, &persisted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if persisted.Tracked() != workers*time.Second {
		t.Fatalf("expected %s persisted, got %s", workers*time.Second, persisted.Tracked())
	}
}

func TestToggleStatusCycles(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.CollectionTasks, taskRecord("t1", "a", domain.StatusTodo))
	c, _ := newTestController(t, store)
	ctx := context.Background()

	for _, want := range []domain.Status{domain.StatusInProgress, domain.StatusCompleted, domain.StatusTodo} {
		ticket, err := c.ToggleStatus(ctx, "t1")
		mustWait(t, ticket, err)
		if got, _ := c.Task("t1"); got.Status != want {
			t.Fatalf("expected %s, got %s", want, got.Status)
		}
	}
}

func TestProjectsRoundTrip(t *testing.T) {
	store := newFakeStore()
	c, _ := newTestController(t, store)
	ctx := context.Background()

	ticket, err := c.AddProject(ctx, domain.Project{Title: "Thesis", Icon: "book"})
	mustWait(t, ticket, err)
	if n := len(c.Projects()); n != 1 {
		t.Fatalf("expected 1 project, got %d", n)
	}

	if _, err := c.AddProject(ctx, domain.Project{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected a validation error, got %v", err)
	}

	ticket, err = c.DeleteProject(ctx, ticket.ID())
	mustWait(t, ticket, err)
	if n := len(c.Projects()); n != 0 {
		t.Fatalf("expected no projects, got %d", n)
	}
}

func TestObserversSeeChanges(t *testing.T) {
	store := newFakeStore()
	c, _ := newTestController(t, store)

	var mu sync.Mutex
	var last Snapshot
	backwards := false
	cancel := c.Observe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.Version < last.Version {
			backwards = true
		}
		last = s
	})
	defer cancel()

	ticket, err := c.AddHabit(context.Background(), "meditate")
	mustWait(t, ticket, err)

	eventually(t, "habit snapshot", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last.Habits) == 1 && last.Habits[0].ID == "id-1"
	})
	mu.Lock()
	defer mu.Unlock()
	if backwards {
		t.Fatal("snapshots went backwards")
	}
}

func TestObserverMayCloseController(t *testing.T) {
	store := newFakeStore()
	c, _ := newTestController(t, store)

	closed := make(chan struct{})
	var once sync.Once
	c.Observe(func(Snapshot) {
		once.Do(func() {
			c.Close()
			close(closed)
		})
	})

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close called from an observer did not return")
	}
	if _, err := c.AddHabit(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	select {
	case <-c.dispatchDone:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestClosedControllerRejectsMutations(t *testing.T) {
	store := newFakeStore()
	c, _ := newTestController(t, store)
	c.Close()
	if _, err := c.AddHabit(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestLogReporterUsesOperationName(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	LogReporter("set status", errors.New("boom"))

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected a log entry")
	}
	if entry.Data["op"] != "set status" || entry.Message != "persist failed, local change rolled back" {
		t.Fatalf("unexpected entry %v %q", entry.Data, entry.Message)
	}
}
