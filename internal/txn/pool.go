// Package txn scopes database transactions to (execution, step) pairs.
package txn

import "context"

// Pool hands out dedicated connections.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
}

// Conn is one pooled connection. A Conn is used by a single Transaction at
// a time and is not safe for concurrent use.
type Conn interface {
	Begin(ctx context.Context) error
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Release returns the connection to its pool.
	Release()
}
