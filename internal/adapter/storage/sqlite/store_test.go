package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/audiograb/internal/domain"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), 4, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, clock
}

func params(quality string) domain.JobParams {
	return domain.JobParams{
		Locator:     "abc123",
		Quality:     quality,
		ArtifactKey: domain.ArtifactKey("abc123", quality, domain.Trim{}),
		Retention:   24 * time.Hour,
	}
}

func TestStore_CreateJob(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, "abc123", params("128k"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatePending, job.State)
	assert.Equal(t, clock.Now().Add(24*time.Hour), job.ExpiresAt)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "abc123", got.SourceKey)
	assert.Equal(t, "128k", got.Quality)
	assert.Equal(t, job.ArtifactKey, got.ArtifactKey)
	assert.True(t, job.ExpiresAt.Equal(got.ExpiresAt))
}

func TestStore_CreateJob_DuplicateInFlight(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.CreateJob(ctx, "abc123", params("128k"))
	require.NoError(t, err)

	_, err = store.CreateJob(ctx, "abc123", params("320k"))
	require.ErrorIs(t, err, domain.ErrDuplicateInFlight)
	var dup *domain.DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)

	_, err = store.CreateJob(ctx, "other", params("128k"))
	assert.NoError(t, err)
}

func TestStore_CreateJob_ConcurrentSingleWinner(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const callers = 8
	var created, dups atomic.Int32
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreateJob(ctx, "abc123", params("128k"))
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, domain.ErrDuplicateInFlight):
				dups.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(callers-1), dups.Load())
}

func TestStore_CreateJob_AfterTerminal(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.CreateJob(ctx, "abc123", params("128k"))
	require.NoError(t, err)
	_, err = store.Transition(ctx, first.ID, domain.JobStateProcessing, domain.TransitionDetails{})
	require.NoError(t, err)
	_, err = store.Transition(ctx, first.ID, domain.JobStateFailed, domain.TransitionDetails{ErrorMessage: "conversion failed"})
	require.NoError(t, err)

	second, err := store.CreateJob(ctx, "abc123", params("128k"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestStore_CreateJob_DedupsOnJobsNotLeases(t *testing.T) {
	store, _ := newTestStore(t)
	guard := NewGuard(store)
	ctx := context.Background()

	holder, err := store.CreateJob(ctx, "abc123", params("128k"))
	require.NoError(t, err)
	ok, err := guard.Acquire(ctx, "abc123", holder.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = store.CreateJob(ctx, "abc123", params("128k"))
	var dup *domain.DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, holder.ID, dup.ExistingID)

	// A lease outliving its job does not block a new one.
	_, err = store.Transition(ctx, holder.ID, domain.JobStateProcessing, domain.TransitionDetails{})
	require.NoError(t, err)
	_, err = store.Transition(ctx, holder.ID, domain.JobStateFailed, domain.TransitionDetails{ErrorMessage: "conversion failed"})
	require.NoError(t, err)

	next, err := store.CreateJob(ctx, "abc123", params("128k"))
	require.NoError(t, err)
	assert.NotEqual(t, holder.ID, next.ID)
}

func TestStore_Transition(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, "abc123", params("128k"))
	require.NoError(t, err)

	_, err = store.Transition(ctx, job.ID, domain.JobStateDone, domain.TransitionDetails{})
	assert.ErrorIs(t, err, domain.ErrIllegalTransition, "pending cannot jump to done")

	processing, err := store.Transition(ctx, job.ID, domain.JobStateProcessing, domain.TransitionDetails{})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateProcessing, processing.State)

	require.NoError(t, store.UpdateProgress(ctx, job.ID, 20))
	require.NoError(t, store.UpdateProgress(ctx, job.ID, 10))
	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Progress, "progress never moves backwards")

	clock.Advance(time.Second)
	done, err := store.Transition(ctx, job.ID, domain.JobStateDone, domain.TransitionDetails{
		ArtifactRef: "/data/downloads/abc.mp3",
		Size:        4096,
		Duration:    212.5,
		Title:       "Song",
		Provider:    "local",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDone, done.State)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, "/data/downloads/abc.mp3", done.ArtifactRef)
	assert.Equal(t, int64(4096), done.Size)
	assert.Equal(t, "Song", done.Title)
	assert.Equal(t, "local", done.Provider)
	assert.True(t, done.CompletedAt.Valid)

	_, err = store.Transition(ctx, job.ID, domain.JobStateFailed, domain.TransitionDetails{})
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)

	_, err = store.Transition(ctx, "missing", domain.JobStateProcessing, domain.TransitionDetails{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_ConcurrentTransitionSingleWinner(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, "abc123", params("128k"))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Transition(ctx, job.ID, domain.JobStateProcessing, domain.TransitionDetails{}); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, domain.ErrIllegalTransition)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestStore_FindLatestBySourceKey(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	_, err := store.FindLatestBySourceKey(ctx, "abc123")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	first, err := store.CreateJob(ctx, "abc123", params("128k"))
	require.NoError(t, err)
	_, err = store.Transition(ctx, first.ID, domain.JobStateProcessing, domain.TransitionDetails{})
	require.NoError(t, err)
	_, err = store.Transition(ctx, first.ID, domain.JobStateDone, domain.TransitionDetails{ArtifactRef: "/a.mp3"})
	require.NoError(t, err)

	clock.Advance(time.Second)
	second, err := store.CreateJob(ctx, "abc123", params("320k"))
	require.NoError(t, err)

	latest, err := store.FindLatestBySourceKey(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func finish(t *testing.T, store *Store, id, ref string) {
	t.Helper()
	ctx := context.Background()
	_, err := store.Transition(ctx, id, domain.JobStateProcessing, domain.TransitionDetails{})
	require.NoError(t, err)
	_, err = store.Transition(ctx, id, domain.JobStateDone, domain.TransitionDetails{ArtifactRef: ref})
	require.NoError(t, err)
}

func TestStore_SweepExpired(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, "abc123", params("128k"))
	require.NoError(t, err)
	finish(t, store, job.ID, "/data/downloads/abc.mp3")

	other := params("128k")
	other.Locator = "other"
	other.ArtifactKey = domain.ArtifactKey("other", "128k", domain.Trim{})
	pending, err := store.CreateJob(ctx, "other", other)
	require.NoError(t, err)

	var released []string
	release := func(_ context.Context, j *domain.Job) error {
		released = append(released, j.ArtifactRef)
		return nil
	}

	n, err := store.SweepExpired(ctx, clock.Now(), release)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is expired yet")

	clock.Advance(25 * time.Hour)
	n, err = store.SweepExpired(ctx, clock.Now(), release)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"/data/downloads/abc.mp3"}, released)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateRemoved, got.State)

	stillPending, err := store.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatePending, stillPending.State, "in-flight jobs are never swept")

	n, err = store.SweepExpired(ctx, clock.Now(), release)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, released, 1)
}

func TestStore_ConcurrentSweepReleasesOnce(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, "abc123", params("128k"))
	require.NoError(t, err)
	finish(t, store, job.ID, "/data/downloads/abc.mp3")
	clock.Advance(25 * time.Hour)

	var releases, claimed atomic.Int32
	release := func(context.Context, *domain.Job) error {
		releases.Add(1)
		return nil
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := store.SweepExpired(ctx, clock.Now(), release)
			assert.NoError(t, err)
			claimed.Add(int32(n))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), releases.Load())
	assert.Equal(t, int32(1), claimed.Load())
}

func TestStore_ExpireKeepsSharedArtifact(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	short := params("128k")
	short.Retention = time.Hour
	a, err := store.CreateJob(ctx, "abc123", short)
	require.NoError(t, err)
	finish(t, store, a.ID, "https://cdn.example.com/abc.mp3")

	b, err := store.CreateJob(ctx, "abc123", params("128k"))
	require.NoError(t, err)
	finish(t, store, b.ID, "https://cdn.example.com/abc.mp3")

	clock.Advance(2 * time.Hour)
	var released []*domain.Job
	claimed, err := store.Expire(ctx, a.ID, clock.Now(), func(_ context.Context, j *domain.Job) error {
		released = append(released, j)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, claimed)
	require.Len(t, released, 1)
	assert.Empty(t, released[0].ArtifactRef, "artifact still used by another job")
}

func TestStore_ExpireWaitsForInFlightSibling(t *testing.T) {
	tests := []struct {
		name        string
		settle      func(t *testing.T, store *Store, id string)
		wantRelease string
	}{
		{
			name:        "sibling adopts the artifact",
			settle:      func(t *testing.T, store *Store, id string) { finish(t, store, id, "/data/downloads/abc.mp3") },
			wantRelease: "",
		},
		{
			name: "sibling fails",
			settle: func(t *testing.T, store *Store, id string) {
				ctx := context.Background()
				_, err := store.Transition(ctx, id, domain.JobStateProcessing, domain.TransitionDetails{})
				require.NoError(t, err)
				_, err = store.Transition(ctx, id, domain.JobStateFailed, domain.TransitionDetails{ErrorMessage: "conversion failed"})
				require.NoError(t, err)
			},
			wantRelease: "/data/downloads/abc.mp3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, clock := newTestStore(t)
			ctx := context.Background()

			short := params("128k")
			short.Retention = time.Hour
			a, err := store.CreateJob(ctx, "abc123", short)
			require.NoError(t, err)
			finish(t, store, a.ID, "/data/downloads/abc.mp3")

			clock.Advance(2 * time.Hour)
			b, err := store.CreateJob(ctx, "abc123", params("128k"))
			require.NoError(t, err)

			var released []*domain.Job
			release := func(_ context.Context, j *domain.Job) error {
				released = append(released, j)
				return nil
			}

			claimed, err := store.Expire(ctx, a.ID, clock.Now(), release)
			require.NoError(t, err)
			assert.False(t, claimed, "sibling still in flight")
			n, err := store.SweepExpired(ctx, clock.Now(), release)
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.Empty(t, released)

			tt.settle(t, store, b.ID)

			claimed, err = store.Expire(ctx, a.ID, clock.Now(), release)
			require.NoError(t, err)
			assert.True(t, claimed)
			require.Len(t, released, 1)
			assert.Equal(t, tt.wantRelease, released[0].ArtifactRef)
		})
	}
}

func TestStore_ExpireNotYetDue(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, "abc123", params("128k"))
	require.NoError(t, err)
	finish(t, store, job.ID, "/a.mp3")

	claimed, err := store.Expire(ctx, job.ID, clock.Now(), nil)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestStore_FailStalledAndCounts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	guard := NewGuard(store)

	running, err := store.CreateJob(ctx, "abc123", params("128k"))
	require.NoError(t, err)
	_, err = store.Transition(ctx, running.ID, domain.JobStateProcessing, domain.TransitionDetails{})
	require.NoError(t, err)
	ok, err := guard.Acquire(ctx, "abc123", running.ID, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = store.CreateJob(ctx, "other", params("128k"))
	require.NoError(t, err)

	n, err := store.FailStalled(ctx, "conversion interrupted")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, got.State)
	assert.Equal(t, "conversion interrupted", got.ErrorMessage)

	ok, err = guard.Acquire(ctx, "abc123", "new-job", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "stale lease cleared")

	counts, err := store.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.JobStateFailed])
	assert.Equal(t, 1, counts[domain.JobStatePending])

	pending, err := store.ListByState(ctx, domain.JobStatePending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "other", pending[0].SourceKey)
}

func TestStore_PurgeRemoved(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, "abc123", params("128k"))
	require.NoError(t, err)
	finish(t, store, job.ID, "")
	clock.Advance(25 * time.Hour)
	_, err = store.SweepExpired(ctx, clock.Now(), nil)
	require.NoError(t, err)

	clock.Advance(8 * 24 * time.Hour)
	n, err := store.PurgeRemoved(ctx, clock.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGuard_ConcurrentAcquireSingleWinner(t *testing.T) {
	store, _ := newTestStore(t)
	guard := NewGuard(store)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := guard.Acquire(ctx, "abc123", string(rune('a'+i)), time.Minute)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestGuard_ExpiredLeaseReacquired(t *testing.T) {
	store, clock := newTestStore(t)
	guard := NewGuard(store)
	ctx := context.Background()

	ok, err := guard.Acquire(ctx, "abc123", "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = guard.Acquire(ctx, "abc123", "job-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(time.Minute)
	ok, err = guard.Acquire(ctx, "abc123", "job-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over without release")
}

func TestGuard_ReleaseOnlyByHolder(t *testing.T) {
	store, _ := newTestStore(t)
	guard := NewGuard(store)
	ctx := context.Background()

	ok, err := guard.Acquire(ctx, "abc123", "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, guard.Release(ctx, "abc123", "job-2"))
	ok, err = guard.Acquire(ctx, "abc123", "job-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "non-holder release is a no-op")

	require.NoError(t, guard.Release(ctx, "abc123", "job-1"))
	ok, err = guard.Acquire(ctx, "abc123", "job-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuard_Sweep(t *testing.T) {
	store, clock := newTestStore(t)
	guard := NewGuard(store)
	ctx := context.Background()

	_, err := guard.Acquire(ctx, "a", "job-1", time.Minute)
	require.NoError(t, err)
	_, err = guard.Acquire(ctx, "b", "job-2", time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	n, err := guard.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPool_StatsAndRelease(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	pool := store.Pool()

	st := pool.Stats()
	assert.Equal(t, int32(4), st.Total)
	assert.Equal(t, int32(4), st.Max)
	assert.Equal(t, int32(4), st.Idle)

	boom := errors.New("boom")
	err := pool.WithConn(ctx, func(*sql.Conn) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(0), pool.Stats().Acquired, "handle released on error")

	assert.Panics(t, func() {
		_ = pool.WithConn(ctx, func(*sql.Conn) error { panic("kaboom") })
	})
	assert.Equal(t, int32(0), pool.Stats().Acquired, "handle released on panic")
}

func TestPool_AcquireBlocksUntilRelease(t *testing.T) {
	store, _ := newTestStore(t)
	pool := store.Pool()
	ctx := context.Background()

	hold := make(chan struct{})
	held := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.WithConn(ctx, func(*sql.Conn) error {
				held <- struct{}{}
				<-hold
				return nil
			})
		}()
	}
	for range 4 {
		<-held
	}
	assert.Equal(t, int32(4), pool.Stats().Acquired)

	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := pool.WithConn(timeoutCtx, func(*sql.Conn) error { return nil })
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		_ = pool.WithConn(ctx, func(*sql.Conn) error { return nil })
		close(acquired)
	}()
	close(hold)
	wg.Wait()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestPool_Batch(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.Pool().Batch(ctx, []Statement{
		{Query: `INSERT INTO blocklist (kind, value, reason, created_at) VALUES ('source', 'a', '', 0)`},
		{Query: `INSERT INTO blocklist (kind, value, reason, created_at) VALUES ('bogus', 'b', '', 0)`},
	})
	require.Error(t, err, "check constraint fails the batch")

	entries, err := store.ListBlocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "batch is atomic")
}

func TestBlocklist(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	entry, err := store.IsBlocked(ctx, "abc123", "https://youtu.be/abc123")
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, store.AddBlock(ctx, domain.BlockEntry{Kind: domain.BlockSource, Value: "abc123", Reason: "takedown"}))
	require.NoError(t, store.AddBlock(ctx, domain.BlockEntry{Kind: domain.BlockSource, Value: "abc123", Reason: "dmca"}))

	entry, err = store.IsBlocked(ctx, "abc123", "whatever")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "dmca", entry.Reason)

	entries, err := store.ListBlocks(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, store.RemoveBlock(ctx, domain.BlockSource, "abc123"))
	assert.ErrorIs(t, store.RemoveBlock(ctx, domain.BlockSource, "abc123"), domain.ErrNotFound)
}
