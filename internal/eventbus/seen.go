package eventbus

import (
	"sync"
	"time"
)

// SeenCache remembers event IDs for a TTL so the registry counts each
// event once, whether it arrives from Publish or from the consumer.
type SeenCache struct {
	mu  sync.Mutex
	ttl time.Duration
	ids map[string]time.Time
	now func() time.Time
}

// NewSeenCache creates a cache that forgets IDs after ttl.
func NewSeenCache(ttl time.Duration) *SeenCache {
	return &SeenCache{ttl: ttl, ids: make(map[string]time.Time), now: time.Now}
}

// Mark records id and reports whether it was new.
func (c *SeenCache) Mark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if at, ok := c.ids[id]; ok && now.Sub(at) <= c.ttl {
		return false
	}
	c.ids[id] = now
	return true
}

// Sweep drops expired IDs and returns how many were dropped.
func (c *SeenCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for id, at := range c.ids {
		if now.Sub(at) > c.ttl {
			delete(c.ids, id)
			n++
		}
	}
	return n
}

// Len returns the number of remembered IDs.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}
