package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
}

// Stats counts hub traffic.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// MemoryHub is a channel-based EventHub. Slow subscribers lose events
// rather than block publishers.
type MemoryHub struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	seq       atomic.Uint64
	buffer    int
	published atomic.Int64
	dropped   atomic.Int64
}

// NewMemoryHub creates a hub whose subscriber channels hold buffer events.
// A non-positive buffer uses the default.
func NewMemoryHub(buffer ...int) *MemoryHub {
	h := &MemoryHub{subs: make(map[uint64]*subscriber), buffer: defaultChannelBuffer}
	if len(buffer) > 0 && buffer[0] > 0 {
		h.buffer = buffer[0]
	}
	return h
}

func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	h.published.Add(1)
	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel closes
// the channel; it also runs when ctx is done.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan StreamEvent, h.buffer)
	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return ch, func() { stop(); cancel() }, nil
}

// Stats returns traffic counters.
func (h *MemoryHub) Stats() Stats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return Stats{Subscribers: n, Published: h.published.Load(), Dropped: h.dropped.Load()}
}

func matchFilter(f EventFilter, e StreamEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if len(f.Topics) > 0 && !slices.Contains(f.Topics, e.Topic) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	return true
}

var _ EventHub = (*MemoryHub)(nil)
