package engine

import (
	"sync"
	"time"
)

// DefaultLockTTL bounds how long a step lock survives without release.
const DefaultLockTTL = 30 * time.Second

// LockManager hands out advisory step locks keyed by (executionId, stepId).
// Locks auto-release after their TTL.
//
// Locks live in process memory: two engine instances sharing a store do not
// see each other's locks. Run a single engine per store when steps declare
// requiresLock.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*stepLock
	now   func() time.Time
}

type stepLock struct {
	acquiredAt time.Time
	expiresAt  time.Time
	timer      *time.Timer
}

// NewLockManager creates an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*stepLock), now: time.Now}
}

// LockKey is the key a step lock is held under.
func LockKey(executionID, stepID string) string {
	return executionID + "_" + stepID
}

// Acquire takes key for ttl. It returns false while a live lock is held.
func (m *LockManager) Acquire(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.locks[key]; ok {
		if now.Before(l.expiresAt) {
			return false
		}
		l.timer.Stop()
	}
	l := &stepLock{acquiredAt: now, expiresAt: now.Add(ttl)}
	l.timer = time.AfterFunc(ttl, func() { m.expire(key, l) })
	m.locks[key] = l
	return true
}

// Release drops key. Releasing a lock that is not held is a no-op.
func (m *LockManager) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[key]; ok {
		l.timer.Stop()
		delete(m.locks, key)
	}
}

// Held reports whether key is currently locked.
func (m *LockManager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	return ok && m.now().Before(l.expiresAt)
}

// Active counts live locks.
func (m *LockManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, l := range m.locks {
		if now.Before(l.expiresAt) {
			n++
		}
	}
	return n
}

func (m *LockManager) expire(key string, l *stepLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// A re-acquired key carries a new lock; leave it alone.
	if m.locks[key] == l {
		delete(m.locks, key)
	}
}
