// Package cache provides the in-process memoization layer: an LRU bounded by
// a byte budget with per-entry TTLs, an optional Redis second level guarded
// by a circuit breaker, and hit/miss/eviction accounting.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/lectern/internal/circuitbreaker"
	"github.com/Kocoro-lab/lectern/internal/metrics"
)

// ErrEntryTooLarge is returned by Put when a single value exceeds the byte
// budget.
var ErrEntryTooLarge = errors.New("cache entry exceeds byte budget")

// Stats is a point-in-time snapshot of cache accounting.
// Hits+Misses equals the number of Get calls served.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	BytesUsed int64  `json:"bytes_used"`
	Entries   int    `json:"entries"`
}

type entry struct {
	key       string
	value     []byte
	size      int64
	expiresAt time.Time
}

// Cache is safe for concurrent use. One mutex guards the LRU list, the index
// and the byte accounting; hashing and serialization belong to the caller and
// happen outside the lock. The optional Redis level is consulted on local
// misses; when its breaker is open the cache degrades to local-only.
type Cache struct {
	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element

	maxBytes int64
	ttl      time.Duration
	bytes    int64

	hits      uint64
	misses    uint64
	evictions uint64

	l2     *circuitbreaker.RedisWrapper
	l2TTL  time.Duration
	logger *zap.Logger
	closed bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithRedis attaches a breaker-guarded Redis client as the second level.
func WithRedis(rw *circuitbreaker.RedisWrapper) Option {
	return func(c *Cache) { c.l2 = rw }
}

// New creates a cache bounded by maxBytes with the given default TTL.
func New(maxBytes int64, ttl time.Duration, logger *zap.Logger, opts ...Option) *Cache {
	c := &Cache{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		maxBytes: maxBytes,
		ttl:      ttl,
		l2TTL:    ttl,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key. Expired entries count as misses and
// are evicted in place. On a local miss the Redis level is consulted and a
// hit there is promoted locally.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	if c.closed {
		c.misses++
		c.mu.Unlock()
		return nil, false
	}

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		if time.Now().After(ent.expiresAt) {
			c.removeElement(el, "ttl")
			c.misses++
			c.mu.Unlock()
			metrics.CacheMisses.Inc()
			return nil, false
		}
		c.ll.MoveToFront(el)
		c.hits++
		val := ent.value
		c.mu.Unlock()
		metrics.CacheHits.WithLabelValues("local").Inc()
		return val, true
	}
	l2 := c.l2
	c.mu.Unlock()

	if l2 != nil {
		data, err := l2.Get(ctx, key).Bytes()
		if err == nil {
			c.promote(key, data)
			c.mu.Lock()
			c.hits++
			c.mu.Unlock()
			metrics.CacheHits.WithLabelValues("redis").Inc()
			return data, true
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	metrics.CacheMisses.Inc()
	return nil, false
}

// promote inserts a Redis hit into the local tier without touching Redis
// again.
func (c *Cache) promote(key string, value []byte) {
	_ = c.putLocal(key, value, c.ttl)
}

// Put stores value under key. A non-positive ttl uses the default. Values
// larger than the byte budget are rejected. The Redis level is written
// best-effort; an open breaker turns that write into a no-op.
func (c *Cache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.putLocal(key, value, ttl); err != nil {
		return err
	}
	if c.l2 != nil {
		if err := c.l2.Set(ctx, key, value, ttl).Err(); err != nil &&
			!errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			c.logger.Debug("Redis cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

func (c *Cache) putLocal(key string, value []byte, ttl time.Duration) error {
	size := int64(len(value))
	if size > c.maxBytes {
		return ErrEntryTooLarge
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		c.bytes += size - ent.size
		ent.value = value
		ent.size = size
		ent.expiresAt = time.Now().Add(ttl)
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(&entry{
			key:       key,
			value:     value,
			size:      size,
			expiresAt: time.Now().Add(ttl),
		})
		c.items[key] = el
		c.bytes += size
	}

	for c.bytes > c.maxBytes {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.removeElement(back, "lru")
	}

	metrics.CacheBytes.Set(float64(c.bytes))
	metrics.CacheEntries.Set(float64(c.ll.Len()))
	return nil
}

// removeElement must be called with the lock held.
func (c *Cache) removeElement(el *list.Element, reason string) {
	ent := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, ent.key)
	c.bytes -= ent.size
	c.evictions++
	metrics.CacheEvictions.WithLabelValues(reason).Inc()
	metrics.CacheBytes.Set(float64(c.bytes))
	metrics.CacheEntries.Set(float64(c.ll.Len()))
}

// Invalidate removes key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el, "explicit")
	}
	l2 := c.l2
	c.mu.Unlock()

	if l2 != nil {
		_ = l2.Del(ctx, key).Err()
	}
}

// Clear drops every local entry. Redis entries are left to their TTLs.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.bytes = 0
	metrics.CacheBytes.Set(0)
	metrics.CacheEntries.Set(0)
}

// Stats returns a snapshot of the accounting counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		BytesUsed: c.bytes,
		Entries:   c.ll.Len(),
	}
}

// RedisBreakerOpen reports whether the second level is currently
// short-circuited. False when no Redis level is attached.
func (c *Cache) RedisBreakerOpen() bool {
	if c.l2 == nil {
		return false
	}
	return c.l2.IsCircuitBreakerOpen()
}

// Close flushes final stats to the log and detaches the local tier. It is
// idempotent and safe to call concurrently with in-flight operations; it
// does not close the shared Redis client.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.logger.Info("Cache closed",
		zap.Uint64("hits", c.hits),
		zap.Uint64("misses", c.misses),
		zap.Uint64("evictions", c.evictions),
		zap.Int64("bytes_used", c.bytes),
		zap.Int("entries", c.ll.Len()),
	)
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.bytes = 0
}
