package storage

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"lifecenter/domain"
)

// Cache wraps a Store with a Redis-backed cache for Fetch. Entries live in one
// hash per collection, keyed by owner, and are evicted on every write.
type Cache struct {
	base   Store
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	group  singleflight.Group

	// owners remembers which owner an id belongs to so single-record writes
	// evict one hash field instead of the whole collection.
	owners sync.Map
}

var _ Store = (*Cache)(nil)

// NewCache creates a caching wrapper around base using client and ttl.
func NewCache(base Store, client *redis.Client, ttl time.Duration, prefix string) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if prefix == "" {
		prefix = "lifecenter"
	}
	return &Cache{base: base, redis: client, ttl: ttl, prefix: prefix}
}

func (c *Cache) Fetch(ctx context.Context, col domain.Collection, owner string) ([]domain.Record, error) {
	if recs, ok := c.load(ctx, col, owner); ok {
		return recs, nil
	}
	v, err, _ := c.group.Do(string(col)+"/"+owner, func() (any, error) {
		recs, err := c.base.Fetch(ctx, col, owner)
		if err != nil {
			return nil, err
		}
		c.store(ctx, col, owner, recs)
		return recs, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneRecords(v.([]domain.Record)), nil
}

func (c *Cache) Add(ctx context.Context, col domain.Collection, owner string, rec domain.Record) (string, error) {
	id, err := c.base.Add(ctx, col, owner, rec)
	if err != nil {
		return "", err
	}
	c.owners.Store(ownerKey(col, id), owner)
	c.evict(ctx, col, owner)
	return id, nil
}

func (c *Cache) Update(ctx context.Context, col domain.Collection, id string, partial domain.Record) error {
	err := c.base.Update(ctx, col, id, partial)
	c.evictID(ctx, col, id)
	return err
}

func (c *Cache) Delete(ctx context.Context, col domain.Collection, id string) error {
	err := c.base.Delete(ctx, col, id)
	c.evictID(ctx, col, id)
	if err == nil {
		c.owners.Delete(ownerKey(col, id))
	}
	return err
}

// Subscribe passes through to the base store and refreshes the cache with
// every snapshot it delivers.
func (c *Cache) Subscribe(ctx context.Context, col domain.Collection, owner string, fn SnapshotFunc) (func(), error) {
	return c.base.Subscribe(ctx, col, owner, func(recs []domain.Record) {
		c.store(ctx, col, owner, recs)
		fn(recs)
	})
}

func (c *Cache) load(ctx context.Context, col domain.Collection, owner string) ([]domain.Record, bool) {
	if c.redis == nil {
		return nil, false
	}
	key := c.hashKey(col)
	data, err := c.redis.HGet(ctx, key, owner).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.HDel(ctx, key, owner).Err()
		}
		return nil, false
	}
	var recs []domain.Record
	if err := domain.Codec.Unmarshal(data, &recs); err != nil {
		_ = c.redis.HDel(ctx, key, owner).Err()
		return nil, false
	}
	return recs, true
}

func (c *Cache) store(ctx context.Context, col domain.Collection, owner string, recs []domain.Record) {
	c.remember(col, owner, recs)
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := domain.Codec.Marshal(recs)
	if err != nil {
		return
	}
	key := c.hashKey(col)
	pipe := c.redis.TxPipeline()
	pipe.HSet(ctx, key, owner, data)
	pipe.Expire(ctx, key, c.ttl)
	_, _ = pipe.Exec(ctx)
}

func (c *Cache) remember(col domain.Collection, owner string, recs []domain.Record) {
	for _, r := range recs {
		if id := r.ID(); id != "" {
			c.owners.Store(ownerKey(col, id), owner)
		}
	}
}

func (c *Cache) evict(ctx context.Context, col domain.Collection, owner string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.HDel(ctx, c.hashKey(col), owner).Err()
}

func (c *Cache) evictID(ctx context.Context, col domain.Collection, id string) {
	if c.redis == nil {
		return
	}
	if owner, ok := c.owners.Load(ownerKey(col, id)); ok {
		c.evict(ctx, col, owner.(string))
		return
	}
	_ = c.redis.Del(ctx, c.hashKey(col)).Err()
}

func (c *Cache) hashKey(col domain.Collection) string {
	return c.prefix + ":cache:" + string(col)
}

func cloneRecords(recs []domain.Record) []domain.Record {
	out := make([]domain.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}
