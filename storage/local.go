package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/peterbourgon/diskv/v3"
	log "github.com/sirupsen/logrus"

	"lifecenter/domain"
)

// DefaultWatchDelay is how long the local store coalesces filesystem events.
const DefaultWatchDelay = 150 * time.Millisecond

// LocalStore keeps one JSON document per record on disk, laid out as
// <base>/<collection>/<owner>/<id>. It backs guest sessions and tests.
type LocalStore struct {
	d          *diskv.Diskv
	basePath   string
	watchDelay time.Duration
	now        func() time.Time

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]map[*localSub]struct{}
}

type localSub struct {
	dirty chan struct{}
}

// NewLocal opens a store rooted at basePath.
func NewLocal(basePath string) (*LocalStore, error) {
	if basePath == "" {
		return nil, errors.New("local store: base path is empty")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("local store: %w", err)
	}
	return &LocalStore{
		// no read cache: other processes may edit the files underneath us
		d: diskv.New(diskv.Options{
			BasePath:          basePath,
			AdvancedTransform: keyToPathTransform,
			InverseTransform:  pathToKeyTransform,
		}),
		basePath:   basePath,
		watchDelay: DefaultWatchDelay,
		now:        time.Now,
		subs:       map[string]map[*localSub]struct{}{},
	}, nil
}

func keyToPathTransform(key string) *diskv.PathKey {
	parts := strings.Split(key, "/")
	last := len(parts) - 1
	return &diskv.PathKey{Path: parts[:last], FileName: parts[last]}
}

func pathToKeyTransform(pk *diskv.PathKey) string {
	return strings.Join(append(append([]string{}, pk.Path...), pk.FileName), "/")
}

// ownerDir encodes owner into a path element. The "o" prefix keeps the guest
// owner ("") addressable.
func ownerDir(owner string) string {
	return "o" + base64.RawURLEncoding.EncodeToString([]byte(owner))
}

func ownerFromDir(dir string) string {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(dir, "o"))
	if err != nil {
		return ""
	}
	return string(raw)
}

func localPrefix(c domain.Collection, owner string) string {
	return string(c) + "/" + ownerDir(owner) + "/"
}

// Fetch lists the owner's records, newest first.
func (s *LocalStore) Fetch(ctx context.Context, c domain.Collection, owner string) ([]domain.Record, error) {
	prefix := localPrefix(c, owner)
	cancel := make(chan struct{})
	defer close(cancel)

	var recs []domain.Record
	for key := range s.d.Keys(cancel) {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.read(key)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			log.WithError(err).WithField("key", key).Warn("skipping unreadable document")
			continue
		}
		recs = append(recs, rec)
	}
	SortNewestFirst(recs)
	return recs, nil
}

// Add writes rec under a fresh id.
func (s *LocalStore) Add(_ context.Context, c domain.Collection, owner string, rec domain.Record) (string, error) {
	id := uuid.NewString()
	body := rec.Clone()
	if body == nil {
		body = domain.Record{}
	}
	if _, ok := body[domain.FieldCreatedAt]; !ok {
		body[domain.FieldCreatedAt] = s.now().UTC().Format(time.RFC3339Nano)
	}

	s.writeMu.Lock()
	err := s.write(localPrefix(c, owner)+id, body)
	s.writeMu.Unlock()
	if err != nil {
		return "", err
	}
	s.notify(c, owner)
	return id, nil
}

// Update merges partial into the stored document.
func (s *LocalStore) Update(_ context.Context, c domain.Collection, id string, partial domain.Record) error {
	s.writeMu.Lock()
	key, err := s.locate(c, id)
	if err != nil {
		s.writeMu.Unlock()
		return err
	}
	cur, err := s.read(key)
	if err == nil {
		err = s.write(key, cur.Merge(stripImmutable(partial)))
	}
	s.writeMu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	s.notify(c, ownerOfKey(key))
	return nil
}

// Delete removes the document if present.
func (s *LocalStore) Delete(_ context.Context, c domain.Collection, id string) error {
	s.writeMu.Lock()
	key, err := s.locate(c, id)
	if err == nil {
		err = s.d.Erase(key)
	}
	s.writeMu.Unlock()
	if errors.Is(err, ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	s.notify(c, ownerOfKey(key))
	return nil
}

// Subscribe delivers the owner's records now and after every write made
// through this store or observed on disk.
func (s *LocalStore) Subscribe(ctx context.Context, c domain.Collection, owner string, fn SnapshotFunc) (func(), error) {
	recs, err := s.Fetch(ctx, c, owner)
	if err != nil {
		return nil, err
	}
	fn(recs)

	ctx, cancel := context.WithCancel(ctx)
	disk, err := watchDir(ctx, filepath.Join(s.basePath, string(c), ownerDir(owner)), s.watchDelay)
	if err != nil {
		cancel()
		return nil, err
	}
	sub := &localSub{dirty: make(chan struct{}, 1)}
	topic := localPrefix(c, owner)
	s.subMu.Lock()
	if s.subs[topic] == nil {
		s.subs[topic] = map[*localSub]struct{}{}
	}
	s.subs[topic][sub] = struct{}{}
	s.subMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.dirty:
			case <-disk:
			}
			recs, err := s.Fetch(ctx, c, owner)
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).WithField("collection", c).Error("refresh local snapshot")
				}
				continue
			}
			fn(recs)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs[topic], sub)
			s.subMu.Unlock()
			cancel()
			<-done
		})
	}, nil
}

func (s *LocalStore) notify(c domain.Collection, owner string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs[localPrefix(c, owner)] {
		select {
		case sub.dirty <- struct{}{}:
		default:
		}
	}
}

// locate finds the key of id within collection c.
func (s *LocalStore) locate(c domain.Collection, id string) (string, error) {
	if id == "" || strings.Contains(id, "/") {
		return "", ErrNotFound
	}
	cancel := make(chan struct{})
	defer close(cancel)
	for key := range s.d.Keys(cancel) {
		if strings.HasPrefix(key, string(c)+"/") && strings.HasSuffix(key, "/"+id) {
			return key, nil
		}
	}
	return "", ErrNotFound
}

func (s *LocalStore) read(key string) (domain.Record, error) {
	data, err := s.d.Read(key)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := domain.Codec.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	rec := FromStoreKeys(doc)
	rec[domain.FieldID] = keyToPathTransform(key).FileName
	return rec, nil
}

func (s *LocalStore) write(key string, rec domain.Record) error {
	body := rec.Clone()
	delete(body, domain.FieldID)
	data, err := domain.Codec.Marshal(ToStoreKeys(body))
	if err != nil {
		return err
	}
	return s.d.Write(key, data)
}

func ownerOfKey(key string) string {
	pk := keyToPathTransform(key)
	if len(pk.Path) < 2 {
		return ""
	}
	return ownerFromDir(pk.Path[1])
}
