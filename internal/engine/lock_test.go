package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManager_AcquireRelease(t *testing.T) {
	m := NewLockManager()
	key := LockKey("exec-1", "post")
	assert.Equal(t, "exec-1_post", key)

	require.True(t, m.Acquire(key, time.Minute))
	assert.False(t, m.Acquire(key, time.Minute))
	assert.True(t, m.Held(key))
	assert.Equal(t, 1, m.Active())

	m.Release(key)
	assert.False(t, m.Held(key))
	assert.Equal(t, 0, m.Active())
	assert.True(t, m.Acquire(key, time.Minute))

	m.Release("never-held")
}

func TestLockManager_TTLAutoRelease(t *testing.T) {
	m := NewLockManager()
	require.True(t, m.Acquire("k", 20*time.Millisecond))

	require.Eventually(t, func() bool { return !m.Held("k") }, time.Second, 5*time.Millisecond)
	assert.True(t, m.Acquire("k", time.Minute))
}

func TestLockManager_ExpiredLockCanBeRetaken(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewLockManager()
	m.now = clock.Now

	require.True(t, m.Acquire("k", 30*time.Second))
	clock.Advance(31 * time.Second)
	assert.False(t, m.Held("k"))
	assert.Equal(t, 0, m.Active())
	assert.True(t, m.Acquire("k", 30*time.Second))
}
