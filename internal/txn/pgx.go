package txn

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var errNotBegun = errors.New("txn: transaction not begun")

// PgxPool adapts a pgxpool.Pool.
type PgxPool struct {
	pool *pgxpool.Pool
}

// NewPgxPool wraps an existing pool. The caller owns the pool lifecycle.
func NewPgxPool(pool *pgxpool.Pool) *PgxPool {
	return &PgxPool{pool: pool}
}

// ConnectPgx opens a pool from a Postgres DSN.
func ConnectPgx(ctx context.Context, dsn string) (*PgxPool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgxPool{pool: pool}, nil
}

// Close closes the underlying pool.
func (p *PgxPool) Close() { p.pool.Close() }

func (p *PgxPool) Acquire(ctx context.Context) (Conn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: c}, nil
}

type pgxConn struct {
	conn *pgxpool.Conn
	tx   pgx.Tx
}

func (c *pgxConn) Begin(ctx context.Context) error {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *pgxConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if c.tx == nil {
		return 0, errNotBegun
	}
	tag, err := c.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxConn) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	if c.tx == nil {
		return nil, errNotBegun
	}
	rows, err := c.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[f.Name] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (c *pgxConn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return errNotBegun
	}
	return c.tx.Commit(ctx)
}

func (c *pgxConn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return errNotBegun
	}
	err := c.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func (c *pgxConn) Release() { c.conn.Release() }
