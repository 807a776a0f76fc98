package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bnema/audiograb/internal/adapter/artifact"
	"github.com/bnema/audiograb/internal/adapter/storage/sqlite"
	"github.com/bnema/audiograb/internal/domain"
	"github.com/bnema/audiograb/internal/infrastructure/cache"
	"github.com/bnema/audiograb/internal/port"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// funcProvider is a provider whose behaviour is set per test. Unset funcs
// succeed: metadata returns "Song <key>" and artifacts are written to dir.
type funcProvider struct {
	name     string
	dir      string
	metadata func(ctx context.Context, key string) (*domain.Metadata, error)
	acquire  func(ctx context.Context, req port.AcquireRequest) (*domain.Artifact, error)

	metaCalls    atomic.Int32
	acquireCalls atomic.Int32
}

func (p *funcProvider) Name() string {
	if p.name == "" {
		return "fake"
	}
	return p.name
}

func (p *funcProvider) ResolveMetadata(ctx context.Context, key string, _ port.Credential) (*domain.Metadata, error) {
	p.metaCalls.Add(1)
	if p.metadata != nil {
		return p.metadata(ctx, key)
	}
	return &domain.Metadata{Title: "Song " + key, Duration: 180}, nil
}

func (p *funcProvider) AcquireArtifact(ctx context.Context, req port.AcquireRequest, _ port.Credential) (*domain.Artifact, error) {
	p.acquireCalls.Add(1)
	if p.acquire != nil {
		return p.acquire(ctx, req)
	}
	return writeArtifact(p.dir, req)
}

func writeArtifact(dir string, req port.AcquireRequest) (*domain.Artifact, error) {
	path := filepath.Join(dir, req.SourceKey+"_"+req.Quality+"_"+req.ArtifactKey[:8]+".mp3")
	if err := os.WriteFile(path, []byte("mp3-bytes"), 0644); err != nil {
		return nil, err
	}
	return &domain.Artifact{Ref: path, Size: int64(len("mp3-bytes")), Duration: 180}, nil
}

type harness struct {
	store     *sqlite.Store
	guard     *sqlite.Guard
	artifacts *artifact.Store
	bus       *EventBus
	scheduler *Scheduler
	workers   *WorkerPool
	svc       *ConversionService
	provider  *funcProvider
	dir       string
	start     func()
}

type harnessConfig struct {
	worker    WorkerConfig
	scheduler SchedulerConfig
	// workerStore and queue wrap what the workers and the service see.
	workerStore func(port.JobStore) port.JobStore
	queue       func(Enqueuer) Enqueuer
}

type harnessOption func(*harnessConfig)

func withWorkerConfig(fn func(*WorkerConfig)) harnessOption {
	return func(c *harnessConfig) { fn(&c.worker) }
}

func withSchedulerConfig(fn func(*SchedulerConfig)) harnessOption {
	return func(c *harnessConfig) { fn(&c.scheduler) }
}

func withWorkerStore(wrap func(port.JobStore) port.JobStore) harnessOption {
	return func(c *harnessConfig) { c.workerStore = wrap }
}

func withQueue(wrap func(Enqueuer) Enqueuer) harnessOption {
	return func(c *harnessConfig) { c.queue = wrap }
}

// flakyStore fails the first Get calls and the first claims with a
// retryable storage error.
type flakyStore struct {
	port.JobStore
	getFailures   atomic.Int32
	claimFailures atomic.Int32
}

func (f *flakyStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	if f.getFailures.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: database is locked", domain.ErrStorage)
	}
	return f.JobStore.Get(ctx, jobID)
}

func (f *flakyStore) Transition(ctx context.Context, jobID string, to domain.JobState, d domain.TransitionDetails) (*domain.Job, error) {
	if to == domain.JobStateProcessing && f.claimFailures.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: begin immediate: database is locked", domain.ErrLockAcquisition)
	}
	return f.JobStore.Transition(ctx, jobID, to, d)
}

type failingQueue struct {
	Enqueuer
	failures atomic.Int32
}

func (q *failingQueue) Enqueue(ctx context.Context, jobID string) error {
	if q.failures.Add(-1) >= 0 {
		return errors.New("queue closed")
	}
	return q.Enqueuer.Enqueue(ctx, jobID)
}

func newHarness(t *testing.T, provider *funcProvider, opts ...harnessOption) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	tmp := t.TempDir()
	store, err := sqlite.Open(ctx, filepath.Join(tmp, "test.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dir := filepath.Join(tmp, "downloads")
	artifacts, err := artifact.NewStore(dir, nil)
	require.NoError(t, err)
	if provider.dir == "" {
		provider.dir = dir
	}

	h := &harness{
		store:     store,
		guard:     sqlite.NewGuard(store),
		artifacts: artifacts,
		bus:       NewEventBus(),
		provider:  provider,
		dir:       dir,
	}
	hc := harnessConfig{
		worker:    WorkerConfig{Workers: 2, BusyRetryDelay: 10 * time.Millisecond, MaxBusyRetries: 3, Lease: time.Minute},
		scheduler: SchedulerConfig{Interval: time.Hour},
	}
	for _, opt := range opts {
		opt(&hc)
	}

	h.scheduler = NewScheduler(store, h.guard, artifacts, h.bus, hc.scheduler)

	client := NewFallbackClient([]Route{{Provider: provider, Credential: port.Credential{Name: "c1"}}}, artifacts,
		FallbackConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, AttemptTimeout: 5 * time.Second})

	metaCache := cache.New[domain.Metadata](cache.Config{Name: "metadata"}, nil)
	artCache := cache.New[domain.Artifact](cache.Config{Name: "artifact"}, func(_ string, a domain.Artifact) bool {
		ok, _ := artifacts.Exists(context.Background(), a.Ref)
		return ok
	})

	var workerStore port.JobStore = store
	if hc.workerStore != nil {
		workerStore = hc.workerStore(store)
	}
	h.workers = NewWorkerPool(workerStore, h.guard, client, h.bus, h.scheduler, metaCache, artCache, hc.worker)
	h.scheduler.OnRelease(h.workers.ForgetArtifact)
	h.scheduler.RequeueTo(h.workers)

	var queue Enqueuer = h.workers
	if hc.queue != nil {
		queue = hc.queue(h.workers)
	}

	h.svc = NewConversionService(ConversionDeps{
		Store:     store,
		Blocks:    store,
		Artifacts: artifacts,
		Queue:     queue,
		Scheduler: h.scheduler,
		Workers:   h.workers,
		Pool:      store,
		Caches:    []CacheStatter{metaCache, artCache},
	}, ConversionConfig{})

	t.Cleanup(func() {
		cancel()
		h.workers.Wait()
		h.scheduler.Stop()
	})
	h.start = func() { require.NoError(t, h.workers.Start(ctx)) }
	return h
}

func (h *harness) waitForState(t *testing.T, id string, state domain.JobState) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		j, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.State == state
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, state)
	return job
}
