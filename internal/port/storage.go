package port

import (
	"context"
	"time"

	"github.com/bnema/audiograb/internal/domain"
)

// ReleaseFunc frees whatever a removed job referenced. It runs only for the
// caller that claimed the removal.
type ReleaseFunc func(ctx context.Context, job *domain.Job) error

type JobStore interface {
	CreateJob(ctx context.Context, sourceKey string, params domain.JobParams) (*domain.Job, error)
	Transition(ctx context.Context, jobID string, to domain.JobState, details domain.TransitionDetails) (*domain.Job, error)
	UpdateProgress(ctx context.Context, jobID string, progress int) error
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	FindLatestBySourceKey(ctx context.Context, sourceKey string) (*domain.Job, error)
	ListByState(ctx context.Context, state domain.JobState, limit int) ([]*domain.Job, error)
	CountByState(ctx context.Context) (map[domain.JobState]int, error)

	SweepExpired(ctx context.Context, now time.Time, release ReleaseFunc) (int, error)
	Expire(ctx context.Context, jobID string, now time.Time, release ReleaseFunc) (bool, error)
	PurgeRemoved(ctx context.Context, before time.Time) (int, error)
	FailStalled(ctx context.Context, message string) (int, error)
}

type BlockStore interface {
	AddBlock(ctx context.Context, entry domain.BlockEntry) error
	RemoveBlock(ctx context.Context, kind domain.BlockKind, value string) error
	ListBlocks(ctx context.Context) ([]domain.BlockEntry, error)
	IsBlocked(ctx context.Context, sourceKey, locator string) (*domain.BlockEntry, error)
}

// PoolStats is a snapshot of the database handle pool.
type PoolStats struct {
	Total        int32 `json:"total"`
	Idle         int32 `json:"idle"`
	Acquired     int32 `json:"acquired"`
	Max          int32 `json:"max"`
	AcquireCount int64 `json:"acquire_count"`
	WaitCount    int64 `json:"wait_count"`
}
