package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bnema/audiograb/internal/domain"
	"github.com/bnema/audiograb/internal/infrastructure/cache"
	"github.com/bnema/audiograb/internal/infrastructure/logger"
	"github.com/bnema/audiograb/internal/infrastructure/metrics"
	"github.com/bnema/audiograb/internal/port"
)

const (
	progressStarted  = 0
	progressMetadata = 20
	progressAcquired = 80
	progressDone     = 100
)

const interruptedMessage = "conversion interrupted, please resubmit"

// Acquirer resolves metadata and artifacts, typically through the fallback
// client.
type Acquirer interface {
	ResolveMetadata(ctx context.Context, sourceKey string) (*domain.Metadata, Outcome, error)
	AcquireArtifact(ctx context.Context, req port.AcquireRequest) (*domain.Artifact, Outcome, error)
}

type DeletionScheduler interface {
	ScheduleDeletion(jobID string, delay time.Duration)
}

type WorkerConfig struct {
	Workers   int
	QueueSize int
	// Lease bounds how long one pipeline may hold a source key. It is also
	// the pipeline timeout.
	Lease          time.Duration
	BusyRetryDelay time.Duration
	MaxBusyRetries int
	MetadataTTL    time.Duration
	ArtifactTTL    time.Duration
	Now            func() time.Time
	Logger         *zap.Logger
}

type queued struct {
	jobID   string
	retries int
}

// WorkerPool runs a fixed number of workers over a FIFO of job ids. Each
// worker carries one job through the whole pipeline before taking the next.
type WorkerPool struct {
	store     port.JobStore
	guard     port.ConcurrencyGuard
	client    Acquirer
	events    EventPublisher
	scheduler DeletionScheduler
	metadata  *cache.Cache[domain.Metadata]
	artifacts *cache.Cache[domain.Artifact]
	cfg       WorkerConfig
	logger    *zap.Logger

	queue   chan queued
	busy    atomic.Int32
	// tracked holds every job id between its first Enqueue and the end of
	// its last attempt, so a job is never queued twice.
	trackMu sync.Mutex
	tracked map[string]struct{}
	wg      sync.WaitGroup
	running atomic.Bool
	ctx     context.Context
}

func NewWorkerPool(
	store port.JobStore,
	guard port.ConcurrencyGuard,
	client Acquirer,
	events EventPublisher,
	scheduler DeletionScheduler,
	metadata *cache.Cache[domain.Metadata],
	artifacts *cache.Cache[domain.Artifact],
	cfg WorkerConfig,
) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Minute
	}
	if cfg.BusyRetryDelay <= 0 {
		cfg.BusyRetryDelay = 5 * time.Second
	}
	if cfg.MaxBusyRetries <= 0 {
		cfg.MaxBusyRetries = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &WorkerPool{
		store:     store,
		guard:     guard,
		client:    client,
		events:    events,
		scheduler: scheduler,
		metadata:  metadata,
		artifacts: artifacts,
		cfg:       cfg,
		logger:    cfg.Logger.With(zap.String("component", "worker")),
		queue:     make(chan queued, cfg.QueueSize),
		tracked:   make(map[string]struct{}),
		ctx:       context.Background(),
	}
}

// Start recovers work left by a previous run and launches the workers.
// Jobs found processing are failed; pending jobs are queued again in
// submission order.
func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.ctx = ctx

	if n, err := wp.store.FailStalled(ctx, interruptedMessage); err != nil {
		return fmt.Errorf("fail stalled jobs: %w", err)
	} else if n > 0 {
		wp.logger.Warn("failed jobs interrupted by restart", zap.Int("count", n))
	}

	pending, err := wp.store.ListByState(ctx, domain.JobStatePending, wp.cfg.QueueSize)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		if wp.track(job.ID) {
			wp.queue <- queued{jobID: job.ID}
		}
	}
	metrics.SetQueueDepth(len(wp.queue))

	wp.running.Store(true)
	for i := range wp.cfg.Workers {
		wp.wg.Add(1)
		go wp.runWorker(ctx, i)
	}
	wp.logger.Info("started workers", zap.Int("workers", wp.cfg.Workers), zap.Int("recovered", len(pending)))
	return nil
}

// Wait blocks until every worker has returned after ctx was cancelled.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Enqueue appends jobID to the FIFO. It blocks while the queue is full and
// is a no-op for a job that is already queued, running or waiting to retry.
func (wp *WorkerPool) Enqueue(ctx context.Context, jobID string) error {
	if !wp.track(jobID) {
		return nil
	}
	if err := wp.enqueue(ctx, queued{jobID: jobID}); err != nil {
		wp.untrack(jobID)
		return err
	}
	return nil
}

func (wp *WorkerPool) track(jobID string) bool {
	wp.trackMu.Lock()
	defer wp.trackMu.Unlock()
	if _, ok := wp.tracked[jobID]; ok {
		return false
	}
	wp.tracked[jobID] = struct{}{}
	return true
}

func (wp *WorkerPool) untrack(jobID string) {
	wp.trackMu.Lock()
	defer wp.trackMu.Unlock()
	delete(wp.tracked, jobID)
}

func (wp *WorkerPool) enqueue(ctx context.Context, item queued) error {
	select {
	case wp.queue <- item:
		metrics.SetQueueDepth(len(wp.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	}
}

func (wp *WorkerPool) Busy() int {
	return int(wp.busy.Load())
}

func (wp *WorkerPool) Queued() int {
	return len(wp.queue)
}

func (wp *WorkerPool) Workers() int {
	return wp.cfg.Workers
}

func (wp *WorkerPool) runWorker(ctx context.Context, id int) {
	defer wp.wg.Done()
	for {
		select {
		case <-ctx.Done():
			wp.logger.Debug("worker shutting down", zap.Int("worker", id))
			return
		case item := <-wp.queue:
			metrics.SetQueueDepth(len(wp.queue))
			wp.busy.Add(1)
			metrics.IncActiveWorkers()
			if !wp.process(ctx, item) {
				wp.untrack(item.jobID)
			}
			metrics.DecActiveWorkers()
			wp.busy.Add(-1)
		}
	}
}

// process runs one attempt for item and reports whether the job was handed
// back to the queue for another attempt.
func (wp *WorkerPool) process(ctx context.Context, item queued) bool {
	log := wp.logger.With(zap.String("job_id", item.jobID))

	job, err := wp.store.Get(ctx, item.jobID)
	if err != nil {
		log.Error("load job", zap.Error(err))
		return wp.retryable(err) && wp.requeue(ctx, item, log)
	}
	if job.State != domain.JobStatePending {
		log.Debug("job no longer pending, skipping", zap.String("state", string(job.State)))
		return false
	}

	acquired, err := wp.guard.Acquire(ctx, job.SourceKey, job.ID, wp.cfg.Lease)
	if err != nil {
		log.Warn("lease backend unavailable", zap.Error(err))
		return wp.requeue(ctx, item, log)
	}
	if !acquired {
		return wp.deferBusy(ctx, job, item)
	}
	defer func() {
		// The lease must be dropped even when ctx is already cancelled.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := wp.guard.Release(relCtx, job.SourceKey, job.ID); err != nil {
			log.Warn("release lease", zap.Error(err))
		}
	}()

	if _, err := wp.store.Transition(ctx, job.ID, domain.JobStateProcessing, domain.TransitionDetails{}); err != nil {
		log.Warn("claim job", zap.Error(err))
		return wp.retryable(err) && wp.requeue(ctx, item, log)
	}
	wp.progress(ctx, job.ID, progressStarted)

	runCtx, cancel := context.WithTimeout(ctx, wp.cfg.Lease)
	defer cancel()

	if err := wp.run(runCtx, job, log); err != nil {
		wp.fail(ctx, job, err, log)
	}
	return false
}

// retryable reports whether err left the job untouched and worth another
// attempt once storage recovers.
func (wp *WorkerPool) retryable(err error) bool {
	return errors.Is(err, domain.ErrStorage) || errors.Is(err, domain.ErrLockAcquisition)
}

// requeue puts item back on the queue after BusyRetryDelay without spending
// the busy budget. The job stays pending meanwhile.
func (wp *WorkerPool) requeue(ctx context.Context, item queued, log *zap.Logger) bool {
	if ctx.Err() != nil {
		return false
	}
	log.Debug("requeueing", zap.Duration("delay", wp.cfg.BusyRetryDelay), zap.Int("retries", item.retries))
	time.AfterFunc(wp.cfg.BusyRetryDelay, func() {
		if err := wp.enqueue(ctx, item); err != nil {
			wp.untrack(item.jobID)
			log.Debug("requeue dropped", zap.Error(err))
		}
	})
	return true
}

// deferBusy requeues a job whose source is leased by another job, or fails it
// once the retry budget is spent.
func (wp *WorkerPool) deferBusy(ctx context.Context, job *domain.Job, item queued) bool {
	log := wp.logger.With(zap.String("job_id", job.ID), zap.Int("retries", item.retries))

	if item.retries >= wp.cfg.MaxBusyRetries {
		// pending -> failed is not a legal edge; pass through processing.
		if _, err := wp.store.Transition(ctx, job.ID, domain.JobStateProcessing, domain.TransitionDetails{}); err != nil {
			log.Warn("claim busy job", zap.Error(err))
			return wp.retryable(err) && wp.requeue(ctx, item, log)
		}
		wp.fail(ctx, job, domain.ErrBusy, log)
		return false
	}

	item.retries++
	return wp.requeue(ctx, item, log)
}

func (wp *WorkerPool) run(ctx context.Context, job *domain.Job, log *zap.Logger) error {
	title := domain.PlaceholderTitle(job.SourceKey)
	meta, err := wp.resolveMetadata(ctx, job.SourceKey)
	if err != nil {
		log.Warn("metadata unavailable, using placeholder title", zap.Error(err))
	} else if meta.Title != "" {
		title = meta.Title
	}
	wp.progress(ctx, job.ID, progressMetadata)

	art, route, err := wp.acquireArtifact(ctx, job)
	if err != nil {
		return err
	}
	wp.progress(ctx, job.ID, progressAcquired)

	duration := art.Duration
	if duration == 0 && meta != nil {
		duration = meta.Duration
	}
	done, err := wp.store.Transition(ctx, job.ID, domain.JobStateDone, domain.TransitionDetails{
		ArtifactRef: art.Ref,
		Size:        art.Size,
		Duration:    duration,
		Title:       title,
		Provider:    route,
	})
	if err != nil {
		return err
	}

	metrics.ObserveJob(string(domain.JobStateDone))
	wp.publish(job.ID, Event{Type: EventCompleted, Progress: progressDone})
	if wp.scheduler != nil {
		wp.scheduler.ScheduleDeletion(done.ID, done.ExpiresAt.Sub(wp.cfg.Now()))
	}
	log.Info("job done",
		logger.Untrusted("title", title),
		zap.String("route", route),
		zap.Int64("size", art.Size),
	)
	return nil
}

// resolveMetadata consults the metadata cache before the fallback client.
func (wp *WorkerPool) resolveMetadata(ctx context.Context, sourceKey string) (*domain.Metadata, error) {
	if wp.metadata != nil {
		if m, ok := wp.metadata.Get(sourceKey); ok {
			metrics.ObserveCacheLookup("metadata", true)
			return &m, nil
		}
		metrics.ObserveCacheLookup("metadata", false)
	}

	m, _, err := wp.client.ResolveMetadata(ctx, sourceKey)
	if err != nil {
		return nil, err
	}
	if wp.metadata != nil {
		wp.metadata.Put(sourceKey, *m, wp.cfg.MetadataTTL)
	}
	return m, nil
}

func (wp *WorkerPool) acquireArtifact(ctx context.Context, job *domain.Job) (*domain.Artifact, string, error) {
	if wp.artifacts != nil {
		if a, ok := wp.artifacts.Get(job.ArtifactKey); ok {
			metrics.ObserveCacheLookup("artifact", true)
			return &a, "cache", nil
		}
		metrics.ObserveCacheLookup("artifact", false)
	}

	art, outcome, err := wp.client.AcquireArtifact(ctx, port.AcquireRequest{
		JobID:       job.ID,
		SourceKey:   job.SourceKey,
		Quality:     job.Quality,
		Trim:        job.Trim,
		ArtifactKey: job.ArtifactKey,
	})
	if err != nil {
		return nil, "", err
	}
	if wp.artifacts != nil {
		wp.artifacts.Put(job.ArtifactKey, *art, wp.cfg.ArtifactTTL)
	}
	return art, outcome.Route, nil
}

// ForgetArtifact drops a cached artifact once its backing file is gone.
func (wp *WorkerPool) ForgetArtifact(job *domain.Job) {
	if wp.artifacts != nil {
		wp.artifacts.Invalidate(job.ArtifactKey)
	}
}

func (wp *WorkerPool) fail(ctx context.Context, job *domain.Job, cause error, log *zap.Logger) {
	msg := domain.UserMessage(cause)
	var apf *domain.AllProvidersFailedError
	log.Error("job failed",
		zap.Bool("providers_exhausted", errors.As(cause, &apf)),
		zap.Error(cause),
	)

	// A cancelled pipeline still records its failure.
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	failed, err := wp.store.Transition(failCtx, job.ID, domain.JobStateFailed, domain.TransitionDetails{ErrorMessage: msg})
	if err != nil {
		log.Error("record failure", zap.Error(err))
		return
	}
	metrics.ObserveJob(string(domain.JobStateFailed))
	wp.publish(job.ID, Event{Type: EventFailed, Progress: failed.Progress, Message: msg})
	if wp.scheduler != nil {
		wp.scheduler.ScheduleDeletion(failed.ID, failed.ExpiresAt.Sub(wp.cfg.Now()))
	}
}

func (wp *WorkerPool) progress(ctx context.Context, jobID string, pct int) {
	if err := wp.store.UpdateProgress(ctx, jobID, pct); err != nil {
		wp.logger.Warn("record progress", zap.String("job_id", jobID), zap.Error(err))
	}
	wp.publish(jobID, Event{Type: EventProgress, Progress: pct})
}

func (wp *WorkerPool) publish(jobID string, ev Event) {
	if wp.events != nil {
		wp.events.Publish(jobID, ev)
	}
}
