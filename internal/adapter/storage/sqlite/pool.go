package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/jackc/puddle/v2"

	"github.com/bnema/audiograb/internal/domain"
	"github.com/bnema/audiograb/internal/infrastructure/metrics"
	"github.com/bnema/audiograb/internal/port"
)

// Pool is a fixed set of database handles. Acquire blocks until a handle is
// released or ctx ends; waiters are woken by the release itself.
type Pool struct {
	pool *puddle.Pool[*sql.Conn]
}

func NewPool(ctx context.Context, db *sql.DB, size int) (*Pool, error) {
	p, err := puddle.NewPool(&puddle.Config[*sql.Conn]{
		Constructor: func(ctx context.Context) (*sql.Conn, error) {
			return db.Conn(ctx)
		},
		Destructor: func(conn *sql.Conn) {
			_ = conn.Close()
		},
		MaxSize: int32(size),
	})
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	for range size {
		if err := p.CreateResource(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("create pool handle: %w", err)
		}
	}
	return &Pool{pool: p}, nil
}

// WithConn checks a handle out for the duration of fn. The handle goes back
// to the pool on every exit path; a handle the driver reports as broken is
// destroyed and replaced on a later acquire.
func (p *Pool) WithConn(ctx context.Context, fn func(conn *sql.Conn) error) (err error) {
	res, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire handle: %w", domain.ErrStorage, err)
	}
	metrics.SetPoolInUse(int(p.pool.Stat().AcquiredResources()))

	defer func() {
		if r := recover(); r != nil {
			res.Release()
			panic(r)
		}
		if errors.Is(err, driver.ErrBadConn) {
			res.Destroy()
		} else {
			res.Release()
		}
		metrics.SetPoolInUse(int(p.pool.Stat().AcquiredResources()))
	}()

	return fn(res.Value())
}

// Get runs a single-row query and hands the row to scan.
func (p *Pool) Get(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	return p.WithConn(ctx, func(conn *sql.Conn) error {
		return scan(conn.QueryRowContext(ctx, query, args...))
	})
}

// All runs a query and calls scan once per row.
func (p *Pool) All(ctx context.Context, scan func(*sql.Rows) error, query string, args ...any) error {
	return p.WithConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close() //nolint:errcheck
		for rows.Next() {
			if err := scan(rows); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

func (p *Pool) Run(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := p.WithConn(ctx, func(conn *sql.Conn) error {
		var err error
		res, err = conn.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// Tx runs fn inside one transaction on a single handle.
func (p *Pool) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return p.WithConn(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

type Statement struct {
	Query string
	Args  []any
}

// Batch executes statements atomically.
func (p *Pool) Batch(ctx context.Context, stmts []Statement) error {
	return p.Tx(ctx, func(tx *sql.Tx) error {
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.Query, st.Args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Pool) Stats() port.PoolStats {
	st := p.pool.Stat()
	return port.PoolStats{
		Total:        st.TotalResources(),
		Idle:         st.IdleResources(),
		Acquired:     st.AcquiredResources(),
		Max:          st.MaxResources(),
		AcquireCount: st.AcquireCount(),
		WaitCount:    st.EmptyAcquireCount(),
	}
}

func (p *Pool) Close() {
	p.pool.Close()
}
