package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/bnema/audiograb/internal/domain"
)

func (s *Store) AddBlock(ctx context.Context, e domain.BlockEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.pool.Run(ctx,
		`INSERT INTO blocklist (kind, value, reason, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (kind, value) DO UPDATE SET reason = excluded.reason`,
		string(e.Kind), e.Value, e.Reason, toMillis(e.CreatedAt))
	return storageErr("add block", err)
}

func (s *Store) RemoveBlock(ctx context.Context, kind domain.BlockKind, value string) error {
	res, err := s.pool.Run(ctx, `DELETE FROM blocklist WHERE kind = ? AND value = ?`, string(kind), value)
	if err != nil {
		return storageErr("remove block", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ListBlocks(ctx context.Context) ([]domain.BlockEntry, error) {
	var entries []domain.BlockEntry
	err := s.pool.All(ctx, func(rows *sql.Rows) error {
		e, err := scanBlock(rows)
		if err != nil {
			return err
		}
		entries = append(entries, *e)
		return nil
	}, `SELECT kind, value, reason, created_at FROM blocklist ORDER BY created_at DESC`)
	if err != nil {
		return nil, storageErr("list blocks", err)
	}
	return entries, nil
}

// IsBlocked returns the matching entry, or nil when neither the source key
// nor the raw locator is blocked.
func (s *Store) IsBlocked(ctx context.Context, sourceKey, locator string) (*domain.BlockEntry, error) {
	var entry *domain.BlockEntry
	err := s.pool.Get(ctx, func(row *sql.Row) error {
		var err error
		entry, err = scanBlock(row)
		return err
	}, `SELECT kind, value, reason, created_at FROM blocklist
		WHERE (kind = 'source' AND value = ?) OR (kind = 'locator' AND value = ?)
		LIMIT 1`, sourceKey, locator)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("check blocklist", err)
	}
	return entry, nil
}

func scanBlock(row rowScanner) (*domain.BlockEntry, error) {
	var (
		e       domain.BlockEntry
		kind    string
		created int64
	)
	if err := row.Scan(&kind, &e.Value, &e.Reason, &created); err != nil {
		return nil, err
	}
	e.Kind = domain.BlockKind(kind)
	e.CreatedAt = fromMillis(created)
	return &e, nil
}
