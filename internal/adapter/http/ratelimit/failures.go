package ratelimit

import (
	"context"
	"sync"
	"time"
)

type failureRecord struct {
	count        int
	lastFailure  time.Time
	blockedUntil time.Time
}

// FailureLimiter blocks a client for a while after too many failed
// authentication attempts inside a window.
type FailureLimiter struct {
	mu             sync.Mutex
	records        map[string]*failureRecord
	maxFailures    int
	windowDuration time.Duration
	blockDuration  time.Duration
	now            func() time.Time
}

func NewFailureLimiter(maxFailures int, windowDuration, blockDuration time.Duration) *FailureLimiter {
	return &FailureLimiter{
		records:        make(map[string]*failureRecord),
		maxFailures:    maxFailures,
		windowDuration: windowDuration,
		blockDuration:  blockDuration,
		now:            time.Now,
	}
}

// Blocked reports whether clientID is currently locked out and for how long.
func (l *FailureLimiter) Blocked(clientID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[clientID]
	if !ok {
		return false, 0
	}
	now := l.now()
	if now.Before(rec.blockedUntil) {
		return true, rec.blockedUntil.Sub(now)
	}
	return false, 0
}

// RecordFailure counts a failed attempt and returns true once the client has
// been locked out.
func (l *FailureLimiter) RecordFailure(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[clientID]
	if !ok {
		rec = &failureRecord{}
		l.records[clientID] = rec
	}
	if now.Sub(rec.lastFailure) > l.windowDuration {
		rec.count = 0
	}
	rec.count++
	rec.lastFailure = now

	if rec.count >= l.maxFailures {
		rec.blockedUntil = now.Add(l.blockDuration)
		rec.count = 0
		return true
	}
	return false
}

func (l *FailureLimiter) Reset(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, clientID)
}

// Run drops stale records every minute until ctx ends.
func (l *FailureLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *FailureLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for id, rec := range l.records {
		if now.Sub(rec.lastFailure) > l.windowDuration*2 && now.After(rec.blockedUntil) {
			delete(l.records, id)
		}
	}
}

func (l *FailureLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
