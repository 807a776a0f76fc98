package port

import (
	"context"
	"time"
)

// ConcurrencyGuard hands out per-source leases. Acquire returns false when an
// unexpired lease is held by another job; an error means the backing store
// could not answer and the caller must not start processing.
type ConcurrencyGuard interface {
	Acquire(ctx context.Context, sourceKey, jobID string, lease time.Duration) (bool, error)
	Release(ctx context.Context, sourceKey, jobID string) error
	Sweep(ctx context.Context) (int, error)
}
