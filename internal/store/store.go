package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// Entry is a single key/value pair returned by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// KeyValueStore is the durable storage contract shared by executions,
// idempotency records, event records and metadata. Implementations must be
// safe for concurrent use. A ttl of zero means no expiry.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Scan returns all live entries whose key starts with prefix, ordered by key.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}

// Reserver is implemented by stores that can write a key only when no live
// value exists, atomically.
type Reserver interface {
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Purger is implemented by stores that keep expired rows until swept.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// IsNotFound reports whether err is a missing-key error.
func IsNotFound(err error) bool {
	return schema.IsCode(err, schema.ErrCodeNotFound)
}

func storeNotFound(key string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "key %q not found", key)
}

func persistenceError(op, key string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodePersistence, "%s %q: %s", op, key, err.Error()).WithCause(err)
}

// GetJSON loads and decodes the value stored under key.
func GetJSON[T any](ctx context.Context, kv KeyValueStore, key string) (*T, error) {
	raw, err := kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, persistenceError("decode", key, err)
	}
	return &out, nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, kv KeyValueStore, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return persistenceError("encode", key, err)
	}
	if err := kv.Put(ctx, key, raw, ttl); err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			return err
		}
		return persistenceError("put", key, err)
	}
	return nil
}

// ScanJSON decodes every entry under prefix. Entries that fail to decode are skipped.
func ScanJSON[T any](ctx context.Context, kv KeyValueStore, prefix string) ([]*T, error) {
	entries, err := kv.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := json.Unmarshal(e.Value, &v); err != nil {
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}

func expiryFor(ttl time.Duration, now time.Time) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
