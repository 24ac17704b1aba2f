package txn

import (
	"context"
	"database/sql"
)

// SQLPool adapts a database/sql handle, e.g. the libSQL store's DB.
type SQLPool struct {
	db *sql.DB
}

// NewSQLPool wraps db. The caller owns db.
func NewSQLPool(db *sql.DB) *SQLPool {
	return &SQLPool{db: db}
}

func (p *SQLPool) Acquire(ctx context.Context) (Conn, error) {
	c, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sqlConn{conn: c}, nil
}

type sqlConn struct {
	conn *sql.Conn
	tx   *sql.Tx
}

func (c *sqlConn) Begin(ctx context.Context) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if c.tx == nil {
		return 0, errNotBegun
	}
	res, err := c.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *sqlConn) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	if c.tx == nil {
		return nil, errNotBegun
	}
	rows, err := c.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func (c *sqlConn) Commit(context.Context) error {
	if c.tx == nil {
		return errNotBegun
	}
	return c.tx.Commit()
}

func (c *sqlConn) Rollback(context.Context) error {
	if c.tx == nil {
		return errNotBegun
	}
	err := c.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

func (c *sqlConn) Release() { _ = c.conn.Close() }

// scanRows reads every row into a column-name keyed map. []byte values are
// converted to strings.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ScanRows is exported for callers that run queries outside a Transaction.
func ScanRows(rows *sql.Rows) ([]map[string]any, error) { return scanRows(rows) }
