// Package ratelimit throttles HTTP clients: token buckets for submissions
// and a lockout for repeated authentication failures.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter keeps one token bucket per client id.
type ClientLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

// NewClientLimiter allows perMinute requests per client with the given burst.
// A non-positive perMinute disables limiting.
func NewClientLimiter(perMinute float64, burst int) *ClientLimiter {
	limit := rate.Limit(perMinute / 60)
	if perMinute <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &ClientLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
	}
}

// Allow takes a token for clientID. When none is left it returns false and
// the time until the next token.
func (l *ClientLimiter) Allow(clientID string) (bool, time.Duration) {
	l.mu.Lock()
	b, ok := l.buckets[clientID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[clientID] = b
	}
	now := l.now()
	b.lastSeen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Run evicts idle buckets until ctx ends.
func (l *ClientLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *ClientLimiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.buckets, id)
		}
	}
}

func (l *ClientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
