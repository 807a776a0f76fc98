// Package cache provides an in-process TTL cache with LRU eviction.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"
)

const (
	defaultCapacity      = 1000
	defaultTTL           = time.Hour
	defaultEvictFraction = 0.8
	defaultSweepInterval = 5 * time.Minute
)

// Config controls a Cache namespace.
//   - Capacity: maximum number of entries (default 1000).
//   - TTL: lifetime used when Put is called with ttl <= 0 (default 1h).
//   - EvictFraction: share of Capacity kept after a capacity eviction (default 0.8).
//   - SweepInterval: period of the background expiry sweep (default 5m).
//   - Now: clock used for expiry decisions (default time.Now).
type Config struct {
	Name          string
	Capacity      int
	TTL           time.Duration
	EvictFraction float64
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
}

// Validator reports whether an unexpired entry is still usable, for example
// whether the file it points at still exists.
type Validator[V any] func(key string, value V) bool

type Entry[V any] struct {
	Value       V
	CreatedAt   time.Time
	LastAccess  time.Time
	ExpiresAt   time.Time
	AccessCount int64
}

type Stats struct {
	Name        string `json:"name"`
	Entries     int    `json:"entries"`
	Capacity    int    `json:"capacity"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

// Cache is safe for concurrent use. Recency order is tracked by an LRU list
// whose evictions also drop the entry from the index.
type Cache[V any] struct {
	cfg       Config
	validator Validator[V]
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[string]*Entry[V]
	order   *lru.Cache
	stats   Stats
}

func New[V any](cfg Config, validator Validator[V]) *Cache[V] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.EvictFraction <= 0 || cfg.EvictFraction >= 1 {
		cfg.EvictFraction = defaultEvictFraction
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Cache[V]{
		cfg:       cfg,
		validator: validator,
		logger:    logger.With(zap.String("cache", cfg.Name)),
		entries:   make(map[string]*Entry[V]),
		order:     lru.New(0),
		stats:     Stats{Name: cfg.Name, Capacity: cfg.Capacity},
	}
	c.order.OnEvicted = func(key lru.Key, _ interface{}) {
		delete(c.entries, key.(string))
	}
	return c
}

// Get returns the value for key if it has not expired and still validates.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	now := c.cfg.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		c.mu.Unlock()
		return zero, false
	}
	if !now.Before(e.ExpiresAt) {
		c.order.Remove(key)
		c.stats.Expirations++
		c.stats.Misses++
		c.mu.Unlock()
		return zero, false
	}
	value := e.Value
	c.mu.Unlock()

	if c.validator != nil && !c.validator(key, value) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur == e {
			c.order.Remove(key)
		}
		c.stats.Misses++
		c.mu.Unlock()
		return zero, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[key]; ok && cur == e {
		e.LastAccess = now
		e.AccessCount++
		c.order.Get(key)
	}
	c.stats.Hits++
	return value, true
}

// Put stores value under key. A ttl <= 0 uses the namespace default.
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	now := c.cfg.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.Value = value
		e.LastAccess = now
		e.ExpiresAt = now.Add(ttl)
		c.order.Get(key)
		return
	}

	if len(c.entries) >= c.cfg.Capacity {
		c.evictLocked(now)
	}

	c.entries[key] = &Entry[V]{
		Value:      value,
		CreatedAt:  now,
		LastAccess: now,
		ExpiresAt:  now.Add(ttl),
	}
	c.order.Add(key, nil)
}

// evictLocked drops expired entries first, then least recently used ones
// until the cache holds EvictFraction of its capacity.
func (c *Cache[V]) evictLocked(now time.Time) {
	c.stats.Expirations += uint64(c.removeExpiredLocked(now))

	target := int(float64(c.cfg.Capacity) * c.cfg.EvictFraction)
	if target >= c.cfg.Capacity {
		target = c.cfg.Capacity - 1
	}
	if target < 1 && c.cfg.Capacity > 1 {
		target = 1
	}
	for len(c.entries) > target {
		c.order.RemoveOldest()
		c.stats.Evictions++
	}
}

func (c *Cache[V]) removeExpiredLocked(now time.Time) int {
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.ExpiresAt) {
			c.order.Remove(key)
			removed++
		}
	}
	return removed
}

func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Remove(key)
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.removeExpiredLocked(c.cfg.Now())
	c.stats.Expirations += uint64(n)
	return n
}

// Start runs the periodic sweep until ctx is cancelled.
func (c *Cache[V]) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug("cache sweep", zap.Int("expired", n))
				}
			}
		}
	}()
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

// Peek returns a copy of the entry without touching recency or counters.
func (c *Cache[V]) Peek(key string) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry[V]{}, false
	}
	return *e, true
}
