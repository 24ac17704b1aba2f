package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

func (i memoryItem) live(now time.Time) bool {
	return i.expiresAt.IsZero() || now.Before(i.expiresAt)
}

// MemoryStore is an in-process KeyValueStore. State is lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[key]
	if !ok || !it.live(s.now()) {
		return nil, storeNotFound(key)
	}
	return append([]byte(nil), it.value...), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = memoryItem{value: append([]byte(nil), value...), expiresAt: expiryFor(ttl, s.now())}
	return nil
}

// PutIfAbsent writes only when the key is missing or expired.
func (s *MemoryStore) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if it, ok := s.items[key]; ok && it.live(now) {
		return false, nil
	}
	s.items[key] = memoryItem{value: append([]byte(nil), value...), expiresAt: expiryFor(ttl, now)}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) Scan(_ context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]Entry, 0)
	for k, it := range s.items {
		if strings.HasPrefix(k, prefix) && it.live(now) {
			out = append(out, Entry{Key: k, Value: append([]byte(nil), it.value...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// PurgeExpired drops expired items and returns how many were removed.
func (s *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, it := range s.items {
		if !it.live(now) {
			delete(s.items, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }

var (
	_ KeyValueStore = (*MemoryStore)(nil)
	_ Reserver      = (*MemoryStore)(nil)
	_ Purger        = (*MemoryStore)(nil)
)
