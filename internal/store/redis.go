package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithNamespace prefixes every key written by the store.
func WithNamespace(ns string) RedisOption {
	return func(s *RedisStore) { s.namespace = ns }
}

// RedisStore implements KeyValueStore on Redis strings with native TTLs.
// The caller owns the client lifecycle.
type RedisStore struct {
	client    redis.Cmdable
	namespace string
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, namespace: "flowcore:"}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.client.Get(ctx, s.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound(key)
	}
	if err != nil {
		return nil, persistenceError("get", key, err)
	}
	return raw, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.namespace+key, value, ttl).Err(); err != nil {
		return persistenceError("put", key, err)
	}
	return nil
}

// PutIfAbsent maps onto SET NX, which Redis applies atomically.
func (s *RedisStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.namespace+key, value, ttl).Result()
	if err != nil {
		return false, persistenceError("reserve", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.namespace+key).Err(); err != nil {
		return persistenceError("delete", key, err)
	}
	return nil
}

func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	pattern := escapeGlob(s.namespace+prefix) + "*"
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, persistenceError("scan", prefix, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, persistenceError("scan", prefix, err)
	}
	out := make([]Entry, 0, len(keys))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Expired between SCAN and MGET.
			continue
		}
		out = append(out, Entry{Key: strings.TrimPrefix(keys[i], s.namespace), Value: []byte(str)})
	}
	return out, nil
}

// Close is a no-op; the caller owns the client.
func (s *RedisStore) Close() error { return nil }

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

var (
	_ KeyValueStore = (*RedisStore)(nil)
	_ Reserver      = (*RedisStore)(nil)
)
