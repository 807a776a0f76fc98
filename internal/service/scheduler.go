package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bnema/audiograb/internal/domain"
	"github.com/bnema/audiograb/internal/infrastructure/metrics"
	"github.com/bnema/audiograb/internal/port"
)

type SchedulerConfig struct {
	Interval time.Duration
	// Recheck is how soon a deletion timer retries when its job is still
	// in flight.
	Recheck time.Duration
	// PurgeAfter is how long removed rows are kept before being deleted.
	PurgeAfter time.Duration
	// RequeueAfter is how long a pending job may go without an update before
	// the sweep queues it again.
	RequeueAfter time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
}

type Forgetter interface {
	Forget(jobID string)
}

// Scheduler removes expired jobs and their artifacts, both on a fixed sweep
// and through one-shot timers armed when a job is created.
type Scheduler struct {
	store     port.JobStore
	guard     port.ConcurrencyGuard
	artifacts port.ArtifactStore
	events    Forgetter
	queue     Enqueuer
	cfg       SchedulerConfig
	logger    *zap.Logger

	onRelease []func(job *domain.Job)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewScheduler(store port.JobStore, guard port.ConcurrencyGuard, artifacts port.ArtifactStore, events Forgetter, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Recheck <= 0 {
		cfg.Recheck = 30 * time.Second
	}
	if cfg.PurgeAfter <= 0 {
		cfg.PurgeAfter = 7 * 24 * time.Hour
	}
	if cfg.RequeueAfter <= 0 {
		cfg.RequeueAfter = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		store:     store,
		guard:     guard,
		artifacts: artifacts,
		events:    events,
		cfg:       cfg,
		logger:    cfg.Logger.With(zap.String("component", "scheduler")),
		timers:    make(map[string]*time.Timer),
	}
}

// OnRelease registers fn to run after a removed job's artifact was deleted.
func (s *Scheduler) OnRelease(fn func(job *domain.Job)) {
	s.onRelease = append(s.onRelease, fn)
}

// RequeueTo makes every sweep hand pending jobs that went stale back to q.
// It must be called before Run.
func (s *Scheduler) RequeueTo(q Enqueuer) {
	s.queue = q
}

// Run sweeps once immediately and then on every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.Stop()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep removes every expired terminal job, drops stale leases, purges rows
// that have been removed for longer than PurgeAfter and requeues stale
// pending jobs.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	now := s.cfg.Now()
	var errs []error

	removed, err := s.store.SweepExpired(ctx, now, s.release)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep jobs: %w", err))
	}
	metrics.ObserveSweepRemoved(removed)

	if s.guard != nil {
		if n, err := s.guard.Sweep(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sweep leases: %w", err))
		} else if n > 0 {
			s.logger.Debug("dropped expired leases", zap.Int("count", n))
		}
	}

	if n, err := s.store.PurgeRemoved(ctx, now.Add(-s.cfg.PurgeAfter)); err != nil {
		errs = append(errs, fmt.Errorf("purge removed: %w", err))
	} else if n > 0 {
		s.logger.Debug("purged removed jobs", zap.Int("count", n))
	}

	if s.queue != nil {
		if n, err := s.requeueStale(ctx, now); err != nil {
			errs = append(errs, fmt.Errorf("requeue pending: %w", err))
		} else if n > 0 {
			s.logger.Warn("requeued stale pending jobs", zap.Int("count", n))
		}
	}

	if removed > 0 {
		s.logger.Info("expired jobs removed", zap.Int("count", removed))
	}
	return removed, errors.Join(errs...)
}

// requeueStale queues pending jobs untouched for RequeueAfter. A job lost
// to a failed enqueue would otherwise wait for the next restart. The queue
// ignores jobs it already holds.
func (s *Scheduler) requeueStale(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.store.ListByState(ctx, domain.JobStatePending, 0)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-s.cfg.RequeueAfter)
	n := 0
	for _, job := range pending {
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.queue.Enqueue(ctx, job.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// release runs once per removed job, for whichever caller claimed it.
func (s *Scheduler) release(ctx context.Context, job *domain.Job) error {
	s.cancelTimer(job.ID)
	if s.events != nil {
		s.events.Forget(job.ID)
	}
	if job.ArtifactRef != "" {
		if err := s.artifacts.Delete(ctx, job.ArtifactRef); err != nil {
			return err
		}
	}
	for _, fn := range s.onRelease {
		fn(job)
	}
	return nil
}

// ScheduleDeletion arms a timer that expires jobID after delay.
func (s *Scheduler) ScheduleDeletion(jobID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
	}
	if delay < 0 {
		delay = 0
	}
	s.timers[jobID] = time.AfterFunc(delay, func() { s.fire(jobID) })
}

// fire leaves the timer entry in place until it either re-arms or the job is
// gone, so Pending never undercounts a job that is still waiting.
func (s *Scheduler) fire(jobID string) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	job, err := s.store.Get(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		s.cancelTimer(jobID)
		return
	}
	if err != nil {
		s.logger.Warn("deletion check failed", zap.String("job_id", jobID), zap.Error(err))
		s.ScheduleDeletion(jobID, s.cfg.Recheck)
		return
	}

	now := s.cfg.Now()
	switch {
	case job.State == domain.JobStateRemoved:
		s.cancelTimer(jobID)
		return
	case job.State.InFlight():
		s.logger.Debug("job still in flight, deletion deferred", zap.String("job_id", jobID))
		s.ScheduleDeletion(jobID, s.cfg.Recheck)
		return
	case !job.IsExpired(now):
		s.ScheduleDeletion(jobID, job.ExpiresAt.Sub(now))
		return
	}

	claimed, err := s.store.Expire(ctx, jobID, now, s.release)
	if err != nil {
		s.logger.Warn("scheduled deletion failed", zap.String("job_id", jobID), zap.Error(err))
	}
	if !claimed {
		s.cancelTimer(jobID)
		return
	}
	metrics.ObserveSweepRemoved(1)
	s.logger.Info("job expired", zap.String("job_id", jobID))
}

func (s *Scheduler) cancelTimer(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
	}
}

// Pending reports the number of armed deletion timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all outstanding timers. Jobs they covered are still picked up
// by the next sweep after a restart.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
