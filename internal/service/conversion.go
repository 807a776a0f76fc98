package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bnema/audiograb/internal/domain"
	"github.com/bnema/audiograb/internal/infrastructure/cache"
	"github.com/bnema/audiograb/internal/infrastructure/logger"
	"github.com/bnema/audiograb/internal/port"
)

type SubmitRequest struct {
	Locator string
	Quality string
	Trim    domain.Trim
	// ExpireAfter may shorten the configured validity, never extend it.
	ExpireAfter time.Duration
}

type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

type PoolStatter interface {
	PoolStats() port.PoolStats
}

type CacheStatter interface {
	Stats() cache.Stats
}

// PendingCounter is implemented by deletion schedulers that can report how
// many deletions are armed.
type PendingCounter interface {
	Pending() int
}

type ConversionConfig struct {
	Validity       time.Duration
	DefaultQuality string
	Now            func() time.Time
	Logger         *zap.Logger
}

// ConversionDeps wires the service. Pool, Caches and Workers only feed Stats
// and may be left empty.
type ConversionDeps struct {
	Store     port.JobStore
	Blocks    port.BlockStore
	Artifacts port.ArtifactStore
	Queue     Enqueuer
	Scheduler DeletionScheduler
	Workers   *WorkerPool
	Pool      PoolStatter
	Caches    []CacheStatter
}

type ConversionService struct {
	deps   ConversionDeps
	cfg    ConversionConfig
	logger *zap.Logger
}

func NewConversionService(deps ConversionDeps, cfg ConversionConfig) *ConversionService {
	if cfg.Validity <= 0 {
		cfg.Validity = 24 * time.Hour
	}
	if cfg.DefaultQuality == "" {
		cfg.DefaultQuality = domain.DefaultQuality
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ConversionService{
		deps:   deps,
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "conversion")),
	}
}

// Submit returns the job that answers req. A finished, unexpired job for the
// same artifact or a job already in flight for the source is returned as is;
// otherwise a new pending job is created and queued.
func (s *ConversionService) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	sourceKey, err := domain.ParseLocator(req.Locator)
	if err != nil {
		return nil, err
	}
	quality, err := domain.NormalizeQuality(req.Quality, s.cfg.DefaultQuality)
	if err != nil {
		return nil, err
	}
	if err := req.Trim.Validate(); err != nil {
		return nil, err
	}
	retention, err := s.retention(req.ExpireAfter)
	if err != nil {
		return nil, err
	}

	log := s.logger.With(zap.String("source_key", sourceKey), zap.String("quality", quality))

	entry, err := s.deps.Blocks.IsBlocked(ctx, sourceKey, strings.TrimSpace(req.Locator))
	if err != nil {
		return nil, err
	}
	if entry != nil {
		log.Info("blocked submission", zap.String("block_kind", string(entry.Kind)))
		return nil, fmt.Errorf("%w: %s", domain.ErrBlocked, sourceKey)
	}

	artifactKey := domain.ArtifactKey(sourceKey, quality, req.Trim)

	latest, err := s.deps.Store.FindLatestBySourceKey(ctx, sourceKey)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return nil, err
	case latest.Reusable(artifactKey, s.cfg.Now()):
		log.Debug("reusing finished job", zap.String("job_id", latest.ID))
		return latest, nil
	case latest.State.InFlight():
		log.Debug("job already in flight", zap.String("job_id", latest.ID))
		return latest, nil
	}

	job, err := s.deps.Store.CreateJob(ctx, sourceKey, domain.JobParams{
		Locator:     logger.Truncate(strings.TrimSpace(req.Locator)),
		Quality:     quality,
		Trim:        req.Trim,
		ArtifactKey: artifactKey,
		Retention:   retention,
	})
	var dup *domain.DuplicateError
	if errors.As(err, &dup) {
		log.Debug("lost creation race", zap.String("job_id", dup.ExistingID))
		return s.deps.Store.Get(ctx, dup.ExistingID)
	}
	if err != nil {
		return nil, err
	}

	if s.deps.Scheduler != nil {
		s.deps.Scheduler.ScheduleDeletion(job.ID, retention)
	}
	if err := s.deps.Queue.Enqueue(ctx, job.ID); err != nil {
		// The job stays pending; the scheduler sweep requeues it once stale.
		log.Warn("enqueue job", zap.String("job_id", job.ID), zap.Error(err))
	}
	log.Info("job submitted", zap.String("job_id", job.ID), logger.Untrusted("locator", req.Locator))
	return job, nil
}

func (s *ConversionService) retention(expireAfter time.Duration) (time.Duration, error) {
	switch {
	case expireAfter < 0:
		return 0, domain.NewValidationError("expire_after", "must not be negative")
	case expireAfter == 0 || expireAfter > s.cfg.Validity:
		return s.cfg.Validity, nil
	default:
		return expireAfter, nil
	}
}

// GetJob returns a job by id. Removed or expired jobs report ErrExpired.
func (s *ConversionService) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State == domain.JobStateRemoved || (job.State.Terminal() && job.IsExpired(s.cfg.Now())) {
		return nil, domain.ErrExpired
	}
	return job, nil
}

// GetJobBySourceKey returns the latest live job for a locator.
func (s *ConversionService) GetJobBySourceKey(ctx context.Context, locator string) (*domain.Job, error) {
	sourceKey, err := domain.ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	return s.deps.Store.FindLatestBySourceKey(ctx, sourceKey)
}

// Download is an opened artifact. Exactly one of File or RemoteURL is set.
type Download struct {
	Job       *domain.Job
	File      *os.File
	Info      os.FileInfo
	RemoteURL string
}

func (s *ConversionService) OpenArtifact(ctx context.Context, id string) (*Download, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != domain.JobStateDone || job.ArtifactRef == "" {
		return nil, domain.ErrNotFound
	}
	if !s.deps.Artifacts.IsLocal(job.ArtifactRef) {
		return &Download{Job: job, RemoteURL: job.ArtifactRef}, nil
	}
	f, info, err := s.deps.Artifacts.Open(job.ArtifactRef)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return &Download{Job: job, File: f, Info: info}, nil
}

type WorkerStats struct {
	Workers int `json:"workers"`
	Busy    int `json:"busy"`
	Queued  int `json:"queued"`
}

type Stats struct {
	Jobs               map[domain.JobState]int `json:"jobs"`
	Workers            WorkerStats             `json:"workers"`
	Pool               port.PoolStats          `json:"pool"`
	Caches             []cache.Stats           `json:"caches"`
	ScheduledDeletions int                     `json:"scheduled_deletions"`
}

func (s *ConversionService) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.deps.Store.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{Jobs: counts}
	if w := s.deps.Workers; w != nil {
		st.Workers = WorkerStats{Workers: w.Workers(), Busy: w.Busy(), Queued: w.Queued()}
	}
	if s.deps.Pool != nil {
		st.Pool = s.deps.Pool.PoolStats()
	}
	for _, c := range s.deps.Caches {
		st.Caches = append(st.Caches, c.Stats())
	}
	if pc, ok := s.deps.Scheduler.(PendingCounter); ok {
		st.ScheduledDeletions = pc.Pending()
	}
	return st, nil
}

// AddBlock blocks a source key or a raw locator. Source values are
// normalized so a URL and its bare key block the same thing.
func (s *ConversionService) AddBlock(ctx context.Context, kind domain.BlockKind, value, reason string) (*domain.BlockEntry, error) {
	value, err := s.blockValue(kind, value)
	if err != nil {
		return nil, err
	}
	entry := domain.BlockEntry{Kind: kind, Value: value, Reason: logger.Truncate(reason), CreatedAt: s.cfg.Now()}
	if err := s.deps.Blocks.AddBlock(ctx, entry); err != nil {
		return nil, err
	}
	s.logger.Info("block added", zap.String("kind", string(kind)), logger.Untrusted("value", value))
	return &entry, nil
}

func (s *ConversionService) RemoveBlock(ctx context.Context, kind domain.BlockKind, value string) error {
	value, err := s.blockValue(kind, value)
	if err != nil {
		return err
	}
	if err := s.deps.Blocks.RemoveBlock(ctx, kind, value); err != nil {
		return err
	}
	s.logger.Info("block removed", zap.String("kind", string(kind)), logger.Untrusted("value", value))
	return nil
}

func (s *ConversionService) ListBlocks(ctx context.Context) ([]domain.BlockEntry, error) {
	return s.deps.Blocks.ListBlocks(ctx)
}

func (s *ConversionService) blockValue(kind domain.BlockKind, value string) (string, error) {
	if !kind.Valid() {
		return "", domain.NewValidationError("kind", "must be source or locator")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", domain.NewValidationError("value", "required")
	}
	if kind == domain.BlockSource {
		return domain.ParseLocator(value)
	}
	return value, nil
}
