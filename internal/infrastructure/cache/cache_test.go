package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestCache_RoundTripBeforeTTL(t *testing.T) {
	clock := newFakeClock()
	c := New[string](Config{Name: "metadata", TTL: time.Minute, Now: clock.Now}, nil)

	c.Put("abc123", "title", 0)
	clock.Advance(59 * time.Second)

	got, ok := c.Get("abc123")
	require.True(t, ok)
	assert.Equal(t, "title", got)

	entry, ok := c.Peek("abc123")
	require.True(t, ok)
	assert.Equal(t, int64(1), entry.AccessCount)
}

func TestCache_MissAtAndAfterExpiry(t *testing.T) {
	clock := newFakeClock()
	c := New[int](Config{Now: clock.Now}, nil)

	c.Put("k", 1, 10*time.Second)
	clock.Advance(10 * time.Second)

	_, ok := c.Get("k")
	assert.False(t, ok, "entry must not be served at its expiration instant")
	assert.Equal(t, 0, c.Len(), "expired entry is evicted lazily on access")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Expirations)
}

func TestCache_ValidatorRejectsEntry(t *testing.T) {
	valid := map[string]bool{"a": true, "b": false}
	c := New[string](Config{}, func(key string, _ string) bool { return valid[key] })

	c.Put("a", "/tmp/a.mp3", 0)
	c.Put("b", "/tmp/b.mp3", 0)

	_, ok := c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	c := New[int](Config{Capacity: 5, EvictFraction: 0.6, Now: clock.Now}, nil)

	for i := range 5 {
		c.Put(fmt.Sprintf("k%d", i), i, 0)
		clock.Advance(time.Second)
	}
	// k0 becomes the most recently used entry.
	_, ok := c.Get("k0")
	require.True(t, ok)

	c.Put("k5", 5, 0)

	// Evicted down to 3 entries before inserting k5: k1 and k2 go.
	assert.Equal(t, 4, c.Len())
	for _, key := range []string{"k0", "k3", "k4", "k5"} {
		_, ok := c.Peek(key)
		assert.True(t, ok, key)
	}
	for _, key := range []string{"k1", "k2"} {
		_, ok := c.Peek(key)
		assert.False(t, ok, key)
	}
	assert.Equal(t, uint64(2), c.Stats().Evictions)
}

func TestCache_EvictionKeepsMostRecent(t *testing.T) {
	c := New[int](Config{Capacity: 2}, nil)
	c.Put("a", 1, 0)
	c.Put("b", 2, 0)
	_, _ = c.Get("a")
	c.Put("c", 3, 0)

	_, ok := c.Peek("a")
	assert.True(t, ok)
	_, ok = c.Peek("c")
	assert.True(t, ok)
	_, ok = c.Peek("b")
	assert.False(t, ok)
}

func TestCache_CapacityEvictionPrefersExpired(t *testing.T) {
	clock := newFakeClock()
	c := New[int](Config{Capacity: 3, Now: clock.Now}, nil)

	c.Put("short", 1, time.Second)
	c.Put("long1", 2, time.Hour)
	c.Put("long2", 3, time.Hour)
	clock.Advance(2 * time.Second)

	c.Put("new", 4, time.Hour)
	for _, key := range []string{"long1", "long2", "new"} {
		_, ok := c.Peek(key)
		assert.True(t, ok, key)
	}
	assert.Equal(t, uint64(0), c.Stats().Evictions)
}

func TestCache_PutExistingRefreshes(t *testing.T) {
	clock := newFakeClock()
	c := New[string](Config{Capacity: 1, Now: clock.Now}, nil)

	c.Put("k", "v1", time.Second)
	clock.Advance(900 * time.Millisecond)
	c.Put("k", "v2", time.Second)
	clock.Advance(900 * time.Millisecond)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", got)
	assert.Equal(t, 1, c.Len())
}

func TestCache_SweepAndInvalidate(t *testing.T) {
	clock := newFakeClock()
	c := New[int](Config{Now: clock.Now}, nil)

	c.Put("a", 1, time.Second)
	c.Put("b", 2, time.Minute)
	c.Put("c", 3, time.Minute)
	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	c.Invalidate("b")
	assert.Equal(t, 1, c.Len())
}

func TestCache_StartSweepsInBackground(t *testing.T) {
	clock := newFakeClock()
	c := New[int](Config{Now: clock.Now, SweepInterval: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Put("a", 1, time.Second)
	clock.Advance(time.Minute)
	c.Start(ctx)

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[int](Config{Capacity: 50}, nil)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range 200 {
				key := fmt.Sprintf("k%d", (w*200+i)%80)
				c.Put(key, i, 0)
				_, _ = c.Get(key)
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}
