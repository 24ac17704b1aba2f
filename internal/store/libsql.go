package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLStore implements KeyValueStore on an embedded libSQL database.
// Expired rows stay on disk until PurgeExpired runs but are never returned.
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLStore opens a libSQL database. The path should be a file URI,
// e.g. "file:/var/lib/flowcore/flowcore.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle, used by the SQL data engine.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.nowMs(),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound(key)
	}
	if err != nil {
		return nil, persistenceError("get", key, err)
	}
	return value, nil
}

func (s *LibSQLStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		key, value, nullExpiry(ttl, now), now.UnixMilli(),
	)
	if err != nil {
		return persistenceError("put", key, err)
	}
	return nil
}

// PutIfAbsent inserts the key, or replaces it only when the stored row has expired.
func (s *LibSQLStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at, updated_at=excluded.updated_at
		 WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= ?`,
		key, value, nullExpiry(ttl, now), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, persistenceError("reserve", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistenceError("reserve", key, err)
	}
	return n > 0, nil
}

func (s *LibSQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return persistenceError("delete", key, err)
	}
	return nil
}

func (s *LibSQLStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv_entries
		 WHERE substr(key, 1, ?) = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY key`,
		len(prefix), prefix, s.nowMs(),
	)
	if err != nil {
		return nil, persistenceError("scan", prefix, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, persistenceError("scan", prefix, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeExpired deletes rows whose TTL has passed.
func (s *LibSQLStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.nowMs())
	if err != nil {
		return 0, persistenceError("purge", "kv_entries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Vacuum reclaims space after large purges.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *LibSQLStore) nowMs() int64 { return s.now().UnixMilli() }

func nullExpiry(ttl time.Duration, now time.Time) sql.NullInt64 {
	exp := expiryFor(ttl, now)
	if exp.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: exp.UnixMilli(), Valid: true}
}

var (
	_ KeyValueStore = (*LibSQLStore)(nil)
	_ Reserver      = (*LibSQLStore)(nil)
	_ Purger        = (*LibSQLStore)(nil)
)
