package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/bnema/audiograb/internal/domain"
	"github.com/bnema/audiograb/internal/port"
)

// Guard implements per-source leases on the source_locks table.
type Guard struct {
	store *Store
}

func NewGuard(store *Store) *Guard {
	return &Guard{store: store}
}

// Acquire takes the lease for sourceKey in a single upsert. The update branch
// only fires when the existing lease has expired or already belongs to jobID,
// so of two concurrent callers exactly one sees a changed row.
func (g *Guard) Acquire(ctx context.Context, sourceKey, jobID string, lease time.Duration) (bool, error) {
	now := g.store.now()
	res, err := g.store.pool.Run(ctx,
		`INSERT INTO source_locks (source_key, job_id, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (source_key) DO UPDATE SET job_id = excluded.job_id, expires_at = excluded.expires_at
		 WHERE source_locks.expires_at <= ? OR source_locks.job_id = excluded.job_id`,
		sourceKey, jobID, toMillis(now.Add(lease)), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrLockAcquisition, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrLockAcquisition, err)
	}
	return n == 1, nil
}

// Release drops the lease only if jobID still holds it.
func (g *Guard) Release(ctx context.Context, sourceKey, jobID string) error {
	_, err := g.store.pool.Run(ctx,
		`DELETE FROM source_locks WHERE source_key = ? AND job_id = ?`, sourceKey, jobID)
	return storageErr("release lease", err)
}

func (g *Guard) Sweep(ctx context.Context) (int, error) {
	res, err := g.store.pool.Run(ctx, `DELETE FROM source_locks WHERE expires_at <= ?`, toMillis(g.store.now()))
	if err != nil {
		return 0, storageErr("sweep leases", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var _ port.ConcurrencyGuard = (*Guard)(nil)
