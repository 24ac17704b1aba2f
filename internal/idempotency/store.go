// Package idempotency maps caller-supplied keys to the single execution
// that owns them.
package idempotency

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

const (
	// DefaultReserveTTL bounds how long a running reservation blocks the key.
	DefaultReserveTTL = time.Hour
	// DefaultCompleteTTL is how long a completed result is replayable.
	DefaultCompleteTTL = 24 * time.Hour

	keyPrefix = "idem:"
)

// Status of an idempotency record.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
)

// Record is the stored state for one key.
type Record struct {
	Key         string     `json:"key"`
	ExecutionID string     `json:"executionId"`
	Status      Status     `json:"status"`
	ReservedAt  *time.Time `json:"reservedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

func (r *Record) expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store reserves and completes idempotency keys on a KeyValueStore.
// When the backing store implements store.Reserver, Reserve is atomic across
// processes; otherwise it is a check-then-write guarded by a local mutex.
type Store struct {
	kv     store.KeyValueStore
	logger *slog.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store over kv.
func New(kv store.KeyValueStore, opts ...Option) *Store {
	s := &Store{kv: kv, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.logger = logging.OrDiscard(s.logger)
	return s
}

// Reserve records key as running for executionID unless a live record
// already exists. It returns false when the key is taken.
func (s *Store) Reserve(ctx context.Context, key, executionID string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "idempotency key is required")
	}
	if ttl <= 0 {
		ttl = DefaultReserveTTL
	}
	now := s.now().UTC()
	rec := &Record{Key: key, ExecutionID: executionID, Status: StatusRunning, ReservedAt: &now, ExpiresAt: now.Add(ttl)}
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}

	if r, ok := s.kv.(store.Reserver); ok {
		return r.PutIfAbsent(ctx, keyPrefix+key, raw, ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.Lookup(ctx, key)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if err := s.kv.Put(ctx, keyPrefix+key, raw, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Complete overwrites the record with a complete status and a longer TTL.
func (s *Store) Complete(ctx context.Context, key, executionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCompleteTTL
	}
	now := s.now().UTC()
	rec := &Record{Key: key, ExecutionID: executionID, Status: StatusComplete, CompletedAt: &now, ExpiresAt: now.Add(ttl)}
	if prev, err := s.Lookup(ctx, key); err == nil && prev != nil {
		rec.ReservedAt = prev.ReservedAt
	}
	return store.PutJSON(ctx, s.kv, keyPrefix+key, rec, ttl)
}

// Lookup returns the live record for key, or nil if absent or expired.
// Expired records found here are deleted.
func (s *Store) Lookup(ctx context.Context, key string) (*Record, error) {
	rec, err := store.GetJSON[Record](ctx, s.kv, keyPrefix+key)
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.expired(s.now()) {
		if err := s.kv.Delete(ctx, keyPrefix+key); err != nil {
			s.logger.Warn("delete expired idempotency record",
				slog.String("key", key), slog.String("error", err.Error()))
		}
		return nil, nil
	}
	return rec, nil
}

// Remove deletes the record for key.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, keyPrefix+key)
}

// Sweep evicts expired records and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	if p, ok := s.kv.(store.Purger); ok {
		if _, err := p.PurgeExpired(ctx); err != nil {
			return 0, err
		}
	}

	entries, err := s.kv.Scan(ctx, keyPrefix)
	if err != nil {
		return 0, err
	}
	now := s.now()
	removed := 0
	for _, e := range entries {
		var rec Record
		if err := json.Unmarshal(e.Value, &rec); err != nil || rec.expired(now) {
			if err := s.kv.Delete(ctx, e.Key); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("idempotency sweep", slog.Int("removed", removed))
	}
	return removed, nil
}
