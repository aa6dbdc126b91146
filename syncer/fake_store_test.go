package syncer

import (
	"context"
	"fmt"
	"sync"

	"lifecenter/domain"
	"lifecenter/storage"
)

// fakeStore is an in-memory storage.Store whose writes can be failed or held.
type fakeStore struct {
	mu     sync.Mutex
	recs   map[domain.Collection]map[string]domain.Record
	subs   map[domain.Collection][]storage.SnapshotFunc
	nextID int
	writes []string

	failAdd    error
	failUpdate error
	failDelete error

	// gate, when set, holds every write until a value is received.
	gate chan struct{}
}

var _ storage.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		recs: map[domain.Collection]map[string]domain.Record{},
		subs: map[domain.Collection][]storage.SnapshotFunc{},
	}
}

func (f *fakeStore) seed(col domain.Collection, rec domain.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recs[col] == nil {
		f.recs[col] = map[string]domain.Record{}
	}
	f.recs[col][rec.ID()] = rec.Clone()
}

func (f *fakeStore) get(col domain.Collection, id string) (domain.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[col][id]
	return r.Clone(), ok
}

func (f *fakeStore) count(col domain.Collection) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs[col])
}

func (f *fakeStore) writeLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeStore) setFailures(add, update, del error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAdd, f.failUpdate, f.failDelete = add, update, del
}

func (f *fakeStore) wait() {
	if f.gate != nil {
		<-f.gate
	}
}

// emit delivers recs to every subscriber of col as if pushed remotely.
func (f *fakeStore) emit(col domain.Collection, recs ...domain.Record) {
	f.mu.Lock()
	subs := append([]storage.SnapshotFunc(nil), f.subs[col]...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(recs)
	}
}

func (f *fakeStore) listLocked(col domain.Collection) []domain.Record {
	out := make([]domain.Record, 0, len(f.recs[col]))
	for _, r := range f.recs[col] {
		out = append(out, r.Clone())
	}
	storage.SortNewestFirst(out)
	return out
}

func (f *fakeStore) Fetch(_ context.Context, col domain.Collection, _ string) ([]domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listLocked(col), nil
}

func (f *fakeStore) Add(_ context.Context, col domain.Collection, _ string, rec domain.Record) (string, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd != nil {
		return "", f.failAdd
	}
	f.nextID++
	id := fmt.Sprintf("id-%d", f.nextID)
	if f.recs[col] == nil {
		f.recs[col] = map[string]domain.Record{}
	}
	stored := rec.Clone()
	stored[domain.FieldID] = id
	f.recs[col][id] = stored
	f.writes = append(f.writes, "add "+id)
	return id, nil
}

func (f *fakeStore) Update(_ context.Context, col domain.Collection, id string, partial domain.Record) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate != nil {
		return f.failUpdate
	}
	cur, ok := f.recs[col][id]
	if !ok {
		return storage.ErrNotFound
	}
	f.recs[col][id] = cur.Merge(partial)
	title, _ := partial["title"].(string)
	f.writes = append(f.writes, fmt.Sprintf("update %s %s", id, title))
	return nil
}

func (f *fakeStore) Delete(_ context.Context, col domain.Collection, id string) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete != nil {
		return f.failDelete
	}
	delete(f.recs[col], id)
	f.writes = append(f.writes, "delete "+id)
	return nil
}

func (f *fakeStore) Subscribe(_ context.Context, col domain.Collection, _ string, fn storage.SnapshotFunc) (func(), error) {
	f.mu.Lock()
	f.subs[col] = append(f.subs[col], fn)
	recs := f.listLocked(col)
	f.mu.Unlock()
	fn(recs)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subs[col] = nil
	}, nil
}
