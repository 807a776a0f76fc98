package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bnema/audiograb/internal/domain"
	"github.com/bnema/audiograb/internal/port"
)

const jobColumns = `id, source_key, locator, state, quality, trim_start_ms, trim_duration_ms,
	artifact_key, artifact_ref, size, duration, title, error_message, progress, provider,
	requested_at, updated_at, completed_at, expires_at`

const sweepBatch = 500

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j                      domain.Job
		state                  string
		trimStart, trimDur     int64
		requested, updated, ex int64
		completed              sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.SourceKey, &j.Locator, &state, &j.Quality, &trimStart, &trimDur,
		&j.ArtifactKey, &j.ArtifactRef, &j.Size, &j.Duration, &j.Title, &j.ErrorMessage, &j.Progress, &j.Provider,
		&requested, &updated, &completed, &ex)
	if err != nil {
		return nil, err
	}
	j.State = domain.JobState(state)
	j.Trim = domain.Trim{
		Start:    time.Duration(trimStart) * time.Millisecond,
		Duration: time.Duration(trimDur) * time.Millisecond,
	}
	j.RequestedAt = fromMillis(requested)
	j.UpdatedAt = fromMillis(updated)
	j.ExpiresAt = fromMillis(ex)
	if completed.Valid {
		j.CompletedAt = sql.NullTime{Time: fromMillis(completed.Int64), Valid: true}
	}
	return &j, nil
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrStorage) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}

// CreateJob inserts a pending job unless the source key already has an
// in-flight job. The check and the insert run in one IMMEDIATE transaction,
// so concurrent callers are serialized. Leases are not consulted: they only
// serialize workers, whichever guard backend holds them.
func (s *Store) CreateJob(ctx context.Context, sourceKey string, p domain.JobParams) (*domain.Job, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	job := &domain.Job{
		ID:          id.String(),
		SourceKey:   sourceKey,
		Locator:     p.Locator,
		State:       domain.JobStatePending,
		Quality:     p.Quality,
		Trim:        p.Trim,
		ArtifactKey: p.ArtifactKey,
		RequestedAt: now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(p.Retention),
	}

	err = s.pool.Tx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE source_key = ? AND state IN ('pending', 'processing')
			 ORDER BY requested_at DESC LIMIT 1`, sourceKey).Scan(&existing)
		switch {
		case err == nil:
			return &domain.DuplicateError{ExistingID: existing}
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (id, source_key, locator, state, quality, trim_start_ms, trim_duration_ms,
				artifact_key, requested_at, updated_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.SourceKey, job.Locator, string(job.State), job.Quality,
			job.Trim.Start.Milliseconds(), job.Trim.Duration.Milliseconds(),
			job.ArtifactKey, toMillis(job.RequestedAt), toMillis(job.UpdatedAt), toMillis(job.ExpiresAt))
		return err
	})

	var dup *domain.DuplicateError
	if errors.As(err, &dup) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("create job", err)
	}
	return job, nil
}

// Transition moves a job between states. The update only applies if the job
// is still in the state it was read in, so two racing transitions cannot both
// succeed.
func (s *Store) Transition(ctx context.Context, jobID string, to domain.JobState, d domain.TransitionDetails) (*domain.Job, error) {
	now := toMillis(s.now())

	err := s.pool.Tx(ctx, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, jobID).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		from := domain.JobState(cur)
		if !domain.CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, from, to)
		}

		var res sql.Result
		switch to {
		case domain.JobStateProcessing:
			res, err = tx.ExecContext(ctx,
				`UPDATE jobs SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
				string(to), now, jobID, string(from))
		case domain.JobStateDone:
			res, err = tx.ExecContext(ctx,
				`UPDATE jobs SET state = ?, updated_at = ?, completed_at = ?, progress = 100,
					artifact_ref = ?, size = ?, duration = ?, title = COALESCE(NULLIF(?, ''), title), provider = ?
				 WHERE id = ? AND state = ?`,
				string(to), now, now, d.ArtifactRef, d.Size, d.Duration, d.Title, d.Provider,
				jobID, string(from))
		case domain.JobStateFailed:
			res, err = tx.ExecContext(ctx,
				`UPDATE jobs SET state = ?, updated_at = ?, completed_at = ?, error_message = ?,
					provider = COALESCE(NULLIF(?, ''), provider)
				 WHERE id = ? AND state = ?`,
				string(to), now, now, d.ErrorMessage, d.Provider, jobID, string(from))
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: %s changed concurrently", domain.ErrIllegalTransition, jobID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrIllegalTransition) {
			return nil, err
		}
		return nil, storageErr("transition job", err)
	}
	return s.Get(ctx, jobID)
}

// UpdateProgress records progress for a processing job. Progress never moves
// backwards.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	_, err := s.pool.Run(ctx,
		`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND state = 'processing' AND progress < ?`,
		progress, toMillis(s.now()), jobID, progress)
	return storageErr("update progress", err)
}

func (s *Store) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var job *domain.Job
	err := s.pool.Get(ctx, func(row *sql.Row) error {
		var err error
		job, err = scanJob(row)
		return err
	}, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get job", err)
	}
	return job, nil
}

// FindLatestBySourceKey returns the most recent job for the key that has not
// been removed.
func (s *Store) FindLatestBySourceKey(ctx context.Context, sourceKey string) (*domain.Job, error) {
	var job *domain.Job
	err := s.pool.Get(ctx, func(row *sql.Row) error {
		var err error
		job, err = scanJob(row)
		return err
	}, `SELECT `+jobColumns+` FROM jobs WHERE source_key = ? AND state != 'removed'
		ORDER BY requested_at DESC, id DESC LIMIT 1`, sourceKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("find job", err)
	}
	return job, nil
}

func (s *Store) ListByState(ctx context.Context, state domain.JobState, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 1000
	}
	var jobs []*domain.Job
	err := s.pool.All(ctx, func(rows *sql.Rows) error {
		job, err := scanJob(rows)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
		return nil
	}, `SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY requested_at ASC, id ASC LIMIT ?`, string(state), limit)
	if err != nil {
		return nil, storageErr("list jobs", err)
	}
	return jobs, nil
}

func (s *Store) CountByState(ctx context.Context) (map[domain.JobState]int, error) {
	counts := make(map[domain.JobState]int)
	err := s.pool.All(ctx, func(rows *sql.Rows) error {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return err
		}
		counts[domain.JobState(state)] = n
		return nil
	}, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, storageErr("count jobs", err)
	}
	return counts, nil
}

// SweepExpired removes every terminal job whose expiration has passed and
// returns how many this call claimed.
func (s *Store) SweepExpired(ctx context.Context, now time.Time, release port.ReleaseFunc) (int, error) {
	var ids []string
	err := s.pool.All(ctx, func(rows *sql.Rows) error {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	}, `SELECT id FROM jobs WHERE state IN ('done', 'failed') AND expires_at <= ?
		ORDER BY expires_at ASC LIMIT ?`, toMillis(now), sweepBatch)
	if err != nil {
		return 0, storageErr("list expired", err)
	}

	removed := 0
	var errs []error
	for _, id := range ids {
		claimed, err := s.Expire(ctx, id, now, release)
		if claimed {
			removed++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

// Expire claims a single terminal, expired job by moving it to removed. Only
// the caller whose update took effect runs release, and only when no other
// live job still references the same artifact. A job holding an artifact is
// left alone while another job for the same artifact key is in flight, since
// that job may be about to adopt the file.
func (s *Store) Expire(ctx context.Context, jobID string, now time.Time, release port.ReleaseFunc) (bool, error) {
	var (
		job     *domain.Job
		claimed bool
	)
	err := s.pool.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET state = 'removed', updated_at = ?
			 WHERE id = ? AND state IN ('done', 'failed') AND expires_at <= ?
			 AND NOT (artifact_ref != '' AND EXISTS (
				SELECT 1 FROM jobs o WHERE o.artifact_key = jobs.artifact_key
				AND o.state IN ('pending', 'processing')))`,
			toMillis(s.now()), jobID, toMillis(now))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		claimed = true

		job, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
		if err != nil {
			return err
		}
		if job.ArtifactRef == "" {
			return nil
		}
		var shared int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE artifact_ref = ? AND id != ? AND state != 'removed'`,
			job.ArtifactRef, jobID).Scan(&shared); err != nil {
			return err
		}
		if shared > 0 {
			s.logger.Debug("artifact still referenced", zap.String("job_id", jobID), zap.Int("refs", shared))
			job.ArtifactRef = ""
		}
		return nil
	})
	if err != nil {
		return false, storageErr("expire job", err)
	}
	if !claimed {
		return false, nil
	}
	if release != nil {
		if err := release(ctx, job); err != nil {
			return true, fmt.Errorf("release job %s: %w", jobID, err)
		}
	}
	return true, nil
}

// PurgeRemoved deletes removed rows last touched before the cutoff.
func (s *Store) PurgeRemoved(ctx context.Context, before time.Time) (int, error) {
	res, err := s.pool.Run(ctx, `DELETE FROM jobs WHERE state = 'removed' AND updated_at < ?`, toMillis(before))
	if err != nil {
		return 0, storageErr("purge removed", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// FailStalled fails jobs left processing by a previous run and clears their leases.
func (s *Store) FailStalled(ctx context.Context, message string) (int, error) {
	now := toMillis(s.now())
	var n int64
	err := s.pool.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET state = 'failed', error_message = ?, completed_at = ?, updated_at = ?
			 WHERE state = 'processing'`, message, now, now)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		_, err = tx.ExecContext(ctx,
			`DELETE FROM source_locks WHERE job_id NOT IN (SELECT id FROM jobs WHERE state IN ('pending', 'processing'))`)
		return err
	})
	if err != nil {
		return 0, storageErr("fail stalled", err)
	}
	return int(n), nil
}
