// Package ttlcache implements a sharded, TTL-bounded, single-flight cache
// shared by CapacityEstimator and VariantSelector: a concurrent map keyed
// by endpoint_id with per-key single-flight refetch, rather than a
// language-level memoisation decorator.
//
// Sharding uses xxhash of the key modulo a fixed shard count, each shard
// independently locked; bounded eviction within each shard is delegated to
// golang-lru/v2; refetch coalescing uses golang.org/x/sync/singleflight so
// concurrent misses for the same key trigger exactly one fetch.
package ttlcache

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const numShards = 16

// Fetch retrieves a fresh value for key, or an error if it can't be
// obtained right now.
type Fetch[V any] func(ctx context.Context, key string) (V, error)

type entry[V any] struct {
	val       V
	fetchedAt time.Time
}

type shard[V any] struct {
	mu sync.RWMutex
	m  *lru.Cache[string, entry[V]]
}

// Cache is a generic TTL cache with bounded per-shard LRU eviction and
// single-flight refetch. On a cache miss or TTL expiry, Get calls fetch
// exactly once per key even under concurrent callers; on fetch failure it
// falls back to the last known value if one exists, reporting it to the
// stale observer (see WithStaleObserver).
type Cache[V any] struct {
	ttl       time.Duration
	perShard  int
	shards    [numShards]shard[V]
	inflight  singleflight.Group
	onStale   func(key string, age time.Duration)
	onFetched func(key string, fromCache bool)
}

// Option configures a Cache at construction time.
type Option[V any] func(*Cache[V])

// WithStaleObserver registers a callback invoked whenever Get serves a
// value older than the configured TTL because refetch failed.
func WithStaleObserver[V any](f func(key string, age time.Duration)) Option[V] {
	return func(c *Cache[V]) { c.onStale = f }
}

// WithFetchObserver registers a callback invoked on every Get, reporting
// whether the value came from cache or a live fetch.
func WithFetchObserver[V any](f func(key string, fromCache bool)) Option[V] {
	return func(c *Cache[V]) { c.onFetched = f }
}

// New builds a Cache with the given TTL and per-shard capacity.
func New[V any](ttl time.Duration, perShardCapacity int, opts ...Option[V]) *Cache[V] {
	if perShardCapacity <= 0 {
		perShardCapacity = 256
	}
	c := &Cache[V]{ttl: ttl, perShard: perShardCapacity}
	for i := range c.shards {
		l, _ := lru.New[string, entry[V]](perShardCapacity)
		c.shards[i].m = l
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache[V]) shardFor(key string) *shard[V] {
	h := xxhash.Sum64String(key)
	return &c.shards[h%uint64(numShards)]
}

// Get returns the cached value for key if it is fresh, otherwise calls
// fetch. Concurrent Get calls for the same key share a single in-flight
// fetch. If fetch fails and a stale value exists, Get returns it instead of
// the error.
func (c *Cache[V]) Get(ctx context.Context, key string, fetch Fetch[V]) (V, error) {
	s := c.shardFor(key)

	s.mu.RLock()
	e, ok := s.m.Get(key)
	s.mu.RUnlock()
	if ok && time.Since(e.fetchedAt) < c.ttl {
		c.observe(key, true)
		return e.val, nil
	}

	res, err, _ := c.inflight.Do(key, func() (any, error) {
		v, ferr := fetch(ctx, key)
		if ferr != nil {
			return nil, ferr
		}
		now := time.Now()
		s.mu.Lock()
		s.m.Add(key, entry[V]{val: v, fetchedAt: now})
		s.mu.Unlock()
		return v, nil
	})

	if err != nil {
		// Refetch failed: fall back to the last known value if present.
		s.mu.RLock()
		e, ok := s.m.Get(key)
		s.mu.RUnlock()
		if ok {
			if c.onStale != nil {
				c.onStale(key, time.Since(e.fetchedAt))
			}
			c.observe(key, true)
			return e.val, nil
		}
		var zero V
		return zero, err
	}

	c.observe(key, false)
	return res.(V), nil
}

func (c *Cache[V]) observe(key string, fromCache bool) {
	if c.onFetched != nil {
		c.onFetched(key, fromCache)
	}
}

// Age returns how old the currently cached value for key is, and whether
// one exists at all.
func (c *Cache[V]) Age(key string) (time.Duration, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m.Get(key)
	if !ok {
		return 0, false
	}
	return time.Since(e.fetchedAt), true
}

// Invalidate drops the cached value for key, forcing the next Get to fetch.
func (c *Cache[V]) Invalidate(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	s.m.Remove(key)
	s.mu.Unlock()
}
