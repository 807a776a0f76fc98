// Package redis implements the source-key lease guard on Redis.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bnema/audiograb/internal/domain"
	"github.com/bnema/audiograb/internal/port"
)

const defaultPrefix = "audiograb:lease:"

// releaseScript deletes the lease only while it still names the caller.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends a lease the caller already holds.
var refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type Guard struct {
	client goredis.UniversalClient
	prefix string
}

func NewGuard(client goredis.UniversalClient, prefix string) *Guard {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Guard{client: client, prefix: prefix}
}

// Acquire sets the lease with NX so Redis arbitrates concurrent callers.
// Expiry is handled by the key TTL.
func (g *Guard) Acquire(ctx context.Context, sourceKey, jobID string, lease time.Duration) (bool, error) {
	key := g.prefix + sourceKey
	ok, err := g.client.SetNX(ctx, key, jobID, lease).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrLockAcquisition, err)
	}
	if ok {
		return true, nil
	}
	n, err := refreshScript.Run(ctx, g.client, []string{key}, jobID, lease.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrLockAcquisition, err)
	}
	return n == 1, nil
}

func (g *Guard) Release(ctx context.Context, sourceKey, jobID string) error {
	if err := releaseScript.Run(ctx, g.client, []string{g.prefix + sourceKey}, jobID).Err(); err != nil {
		return fmt.Errorf("%w: release lease: %w", domain.ErrStorage, err)
	}
	return nil
}

// Sweep is a no-op: Redis expires leases on its own.
func (g *Guard) Sweep(context.Context) (int, error) {
	return 0, nil
}

func (g *Guard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

var _ port.ConcurrencyGuard = (*Guard)(nil)
