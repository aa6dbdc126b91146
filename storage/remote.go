package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lifecenter/domain"
)

const (
	tracerName = "lifecenter/storage"
	edmInt64   = "Edm.Int64"

	// conditional writes that keep losing the ETag race give up after this
	// many attempts.
	maxConflictRetries = 5
)

// tableAPI is the subset of *aztables.Client the remote store uses.
type tableAPI interface {
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

var _ tableAPI = (*aztables.Client)(nil)

// docEntity is the table row of a record. The record itself lives in Doc as
// snake_case JSON; CreatedAt and Revision are lifted out for ordering.
type docEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Doc          string `json:"Doc"`
	CreatedAt    string `json:"CreatedAt,omitempty"`
	Revision     int64  `json:"Revision,string"`
	RevisionType string `json:"Revision@odata.type"`
}

type changeNotice struct {
	Collection domain.Collection `json:"collection"`
	Owner      string            `json:"ownerId"`
	ID         string            `json:"id"`
	Op         string            `json:"op"`
}

// RemoteStore keeps records in Azure Tables, one table per collection, and
// announces writes on a Redis channel per collection and owner.
type RemoteStore struct {
	tables map[domain.Collection]tableAPI
	redis  *redis.Client
	prefix string
	now    func() time.Time

	// owners caches the partition of ids seen through this store so updates
	// can skip the cross-partition lookup.
	owners sync.Map
}

// NewRemote connects to the table service. rc may be nil, in which case
// subscribers only receive their initial snapshot.
func NewRemote(connStr string, tableNames map[domain.Collection]string, rc *redis.Client, channelPrefix string) (*RemoteStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	tables := make(map[domain.Collection]tableAPI, len(tableNames))
	for c, name := range tableNames {
		tables[c] = svc.NewClient(name)
	}
	return newRemote(tables, rc, channelPrefix), nil
}

func newRemote(tables map[domain.Collection]tableAPI, rc *redis.Client, prefix string) *RemoteStore {
	if prefix == "" {
		prefix = "lifecenter"
	}
	return &RemoteStore{tables: tables, redis: rc, prefix: prefix, now: time.Now}
}

// Channel returns the Redis channel carrying change notices for c and owner.
func (s *RemoteStore) Channel(c domain.Collection, owner string) string {
	return s.prefix + ":" + string(c) + ":" + owner
}

func (s *RemoteStore) table(c domain.Collection) (tableAPI, error) {
	t, ok := s.tables[c]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	return t, nil
}

// Fetch lists the owner's records, newest first.
func (s *RemoteStore) Fetch(ctx context.Context, c domain.Collection, owner string) (_ []domain.Record, err error) {
	ctx, span := startSpan(ctx, "fetch", c)
	defer func() { endSpan(span, err) }()

	t, err := s.table(c)
	if err != nil {
		return nil, err
	}
	ents, err := s.list(ctx, t, "PartitionKey eq "+quote(owner))
	if err != nil {
		return nil, err
	}
	recs := make([]domain.Record, 0, len(ents))
	for _, e := range ents {
		rec, err := e.record()
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"collection": c, "id": e.RowKey}).Warn("skipping undecodable entity")
			continue
		}
		s.owners.Store(ownerKey(c, e.RowKey), owner)
		recs = append(recs, rec)
	}
	SortNewestFirst(recs)
	span.SetAttributes(attribute.Int("lifecenter.records", len(recs)))
	return recs, nil
}

// Add inserts rec under a fresh id.
func (s *RemoteStore) Add(ctx context.Context, c domain.Collection, owner string, rec domain.Record) (_ string, err error) {
	ctx, span := startSpan(ctx, "add", c)
	defer func() { endSpan(span, err) }()

	t, err := s.table(c)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	body := rec.Clone()
	if body == nil {
		body = domain.Record{}
	}
	if _, ok := body[domain.FieldCreatedAt]; !ok {
		body[domain.FieldCreatedAt] = s.now().UTC().Format(time.RFC3339Nano)
	}
	ent, err := newDocEntity(owner, id, body)
	if err != nil {
		return "", err
	}
	payload, err := domain.Codec.Marshal(ent)
	if err != nil {
		return "", err
	}
	if _, err := t.AddEntity(ctx, payload, nil); err != nil {
		return "", err
	}
	s.owners.Store(ownerKey(c, id), owner)
	s.publish(ctx, c, owner, id, "add")
	return id, nil
}

// Update merges partial into the stored document under ETag concurrency.
// createdAt and id are never overwritten.
func (s *RemoteStore) Update(ctx context.Context, c domain.Collection, id string, partial domain.Record) (err error) {
	ctx, span := startSpan(ctx, "update", c)
	defer func() { endSpan(span, err) }()

	t, err := s.table(c)
	if err != nil {
		return err
	}
	partial = stripImmutable(partial)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		owner, err := s.ownerOf(ctx, c, t, id)
		if err != nil {
			return err
		}
		resp, err := t.GetEntity(ctx, owner, id, nil)
		if err != nil {
			if hasStatus(err, 404) {
				s.owners.Delete(ownerKey(c, id))
				return ErrNotFound
			}
			return err
		}
		var cur docEntity
		if err := domain.Codec.Unmarshal(resp.Value, &cur); err != nil {
			return err
		}
		rec, err := cur.record()
		if err != nil {
			return err
		}
		next, err := newDocEntity(owner, id, rec.Merge(partial))
		if err != nil {
			return err
		}
		payload, err := domain.Codec.Marshal(next)
		if err != nil {
			return err
		}
		etag := resp.ETag
		_, err = t.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		switch {
		case hasStatus(err, 412):
			log.WithFields(log.Fields{"collection": c, "id": id, "attempt": attempt + 1}).Debug("etag mismatch, retrying update")
			span.AddEvent("etag mismatch")
			continue
		case hasStatus(err, 404):
			s.owners.Delete(ownerKey(c, id))
			return ErrNotFound
		case err != nil:
			return err
		}
		s.publish(ctx, c, owner, id, "update")
		return nil
	}
	return ErrConcurrencyConflict
}

// Delete removes the record. A record that is already gone counts as deleted.
func (s *RemoteStore) Delete(ctx context.Context, c domain.Collection, id string) (err error) {
	ctx, span := startSpan(ctx, "delete", c)
	defer func() { endSpan(span, err) }()

	t, err := s.table(c)
	if err != nil {
		return err
	}
	owner, err := s.ownerOf(ctx, c, t, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := t.DeleteEntity(ctx, owner, id, nil); err != nil && !hasStatus(err, 404) {
		return err
	}
	s.owners.Delete(ownerKey(c, id))
	s.publish(ctx, c, owner, id, "delete")
	return nil
}

// Subscribe delivers the owner's records now and after every change notice.
// Notices that arrive while a fetch is running are coalesced into one fetch.
func (s *RemoteStore) Subscribe(ctx context.Context, c domain.Collection, owner string, fn SnapshotFunc) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	var sub *redis.PubSub
	if s.redis != nil {
		sub = s.redis.Subscribe(ctx, s.Channel(c, owner))
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			cancel()
			return nil, fmt.Errorf("subscribe %s: %w", s.Channel(c, owner), err)
		}
	}
	recs, err := s.Fetch(ctx, c, owner)
	if err != nil {
		if sub != nil {
			_ = sub.Close()
		}
		cancel()
		return nil, err
	}
	fn(recs)
	if sub == nil {
		log.WithField("collection", c).Warn("no redis client, remote changes will not be pushed")
		return cancel, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.listen(ctx, sub, c, owner, fn)
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (s *RemoteStore) listen(ctx context.Context, sub *redis.PubSub, c domain.Collection, owner string, fn SnapshotFunc) {
	channel := s.Channel(c, owner)
	logger := log.WithFields(log.Fields{"channel": channel})
	for {
		ch := sub.Channel()
		for open := true; open; {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case _, ok := <-ch:
				if !ok {
					open = false
					continue
				}
				open = drain(ch)
				s.refresh(ctx, c, owner, fn, logger)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
		sub = s.redis.Subscribe(ctx, channel)
		// changes published while disconnected were missed
		s.refresh(ctx, c, owner, fn, logger)
	}
}

func (s *RemoteStore) refresh(ctx context.Context, c domain.Collection, owner string, fn SnapshotFunc, logger *log.Entry) {
	recs, err := s.Fetch(ctx, c, owner)
	if err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Error("fetch after change notice")
		}
		return
	}
	fn(recs)
}

// drain empties buffered notices. It reports false if ch was closed.
func drain(ch <-chan *redis.Message) bool {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

func (s *RemoteStore) publish(ctx context.Context, c domain.Collection, owner, id, op string) {
	if s.redis == nil {
		return
	}
	payload, err := domain.Codec.MarshalToString(changeNotice{Collection: c, Owner: owner, ID: id, Op: op})
	if err != nil {
		return
	}
	if err := s.redis.Publish(ctx, s.Channel(c, owner), payload).Err(); err != nil {
		log.WithError(err).WithFields(log.Fields{"collection": c, "id": id}).Warn("publish change notice")
	}
}

// ownerOf resolves the partition holding id.
func (s *RemoteStore) ownerOf(ctx context.Context, c domain.Collection, t tableAPI, id string) (string, error) {
	if v, ok := s.owners.Load(ownerKey(c, id)); ok {
		return v.(string), nil
	}
	ents, err := s.list(ctx, t, "RowKey eq "+quote(id))
	if err != nil {
		return "", err
	}
	if len(ents) == 0 {
		return "", ErrNotFound
	}
	owner := ents[0].PartitionKey
	s.owners.Store(ownerKey(c, id), owner)
	return owner, nil
}

func (s *RemoteStore) list(ctx context.Context, t tableAPI, filter string) ([]docEntity, error) {
	pager := t.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var out []docEntity
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var e docEntity
			if err := domain.Codec.Unmarshal(raw, &e); err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func newDocEntity(owner, id string, rec domain.Record) (docEntity, error) {
	body := rec.Clone()
	delete(body, domain.FieldID)
	doc, err := domain.Codec.MarshalToString(ToStoreKeys(body))
	if err != nil {
		return docEntity{}, err
	}
	created, _ := rec[domain.FieldCreatedAt].(string)
	return docEntity{
		PartitionKey: owner,
		RowKey:       id,
		Doc:          doc,
		CreatedAt:    created,
		Revision:     rec.Revision(),
		RevisionType: edmInt64,
	}, nil
}

func (e docEntity) record() (domain.Record, error) {
	doc := map[string]any{}
	if e.Doc != "" {
		if err := domain.Codec.UnmarshalFromString(e.Doc, &doc); err != nil {
			return nil, fmt.Errorf("decode doc %s: %w", e.RowKey, err)
		}
	}
	rec := FromStoreKeys(doc)
	rec[domain.FieldID] = e.RowKey
	return rec, nil
}

func stripImmutable(partial domain.Record) domain.Record {
	out := partial.Clone()
	delete(out, domain.FieldID)
	delete(out, domain.FieldCreatedAt)
	return out
}

// SortNewestFirst orders records by descending createdAt, then by id.
func SortNewestFirst(recs []domain.Record) {
	created := func(r domain.Record) time.Time {
		s, _ := r[domain.FieldCreatedAt].(string)
		t, _ := time.Parse(time.RFC3339Nano, s)
		return t
	}
	sort.SliceStable(recs, func(i, j int) bool {
		ti, tj := created(recs[i]), created(recs[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return recs[i].ID() < recs[j].ID()
	})
}

func ownerKey(c domain.Collection, id string) string {
	return string(c) + "/" + id
}

// quote renders s as an OData string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func hasStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func startSpan(ctx context.Context, op string, c domain.Collection) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "storage."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("lifecenter.collection", string(c))),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
