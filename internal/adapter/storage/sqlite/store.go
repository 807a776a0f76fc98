package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"modernc.org/sqlite"

	"github.com/bnema/audiograb/internal/port"
)

//go:embed migrations/*.sql
var migrations embed.FS

const defaultPoolSize = 4

type Store struct {
	db     *sql.DB
	pool   *Pool
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Store)

// WithClock replaces time.Now for every timestamp the store writes or compares.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

var hookOnce sync.Once

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
				"PRAGMA foreign_keys = ON",
				"PRAGMA cache_size = -8000",    // 8MB
				"PRAGMA mmap_size = 268435456", // 256MB
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return fmt.Errorf("execute %s: %w", p, err)
				}
			}
			return nil
		})
	})
}

// Open opens the database at path, applies migrations and pre-creates
// poolSize handles. Every transaction begins IMMEDIATE so that read-then-write
// sequences hold the write lock from their first statement.
func Open(ctx context.Context, path string, poolSize int, opts ...Option) (*Store, error) {
	registerHook()

	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	db, err := sql.Open("sqlite", path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	pool, err := NewPool(ctx, db, poolSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.pool = pool

	return s, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return s.db.Close()
}

func (s *Store) Pool() *Pool {
	return s.pool
}

func (s *Store) PoolStats() port.PoolStats {
	return s.pool.Stats()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

var (
	_ port.JobStore   = (*Store)(nil)
	_ port.BlockStore = (*Store)(nil)
)
