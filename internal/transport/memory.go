package transport

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/rendis/flowcore/internal/logging"
)

// DefaultMaxLen caps how many messages a channel retains.
const DefaultMaxLen = 10000

// memChannel is an append-only log with one cursor per group. New groups
// start at the oldest retained message.
type memChannel struct {
	log     []Message
	base    uint64
	cursors map[string]uint64
}

// MemoryTransport is an in-process MessageTransport.
type MemoryTransport struct {
	mu       sync.Mutex
	channels map[string]*memChannel
	notify   chan struct{}
	closed   chan struct{}
	once     sync.Once
	maxLen   int
	logger   *slog.Logger
}

// MemoryOption configures a MemoryTransport.
type MemoryOption func(*MemoryTransport)

// WithMaxLen bounds the retained log per channel.
func WithMaxLen(n int) MemoryOption {
	return func(t *MemoryTransport) {
		if n > 0 {
			t.maxLen = n
		}
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(t *MemoryTransport) { t.logger = l }
}

// NewMemoryTransport creates an empty transport.
func NewMemoryTransport(opts ...MemoryOption) *MemoryTransport {
	t := &MemoryTransport{
		channels: make(map[string]*memChannel),
		notify:   make(chan struct{}),
		closed:   make(chan struct{}),
		maxLen:   DefaultMaxLen,
	}
	for _, o := range opts {
		o(t)
	}
	t.logger = logging.OrDiscard(t.logger)
	return t
}

func (t *MemoryTransport) channel(name string) *memChannel {
	c, ok := t.channels[name]
	if !ok {
		c = &memChannel{cursors: make(map[string]uint64)}
		t.channels[name] = c
	}
	return c
}

func (t *MemoryTransport) Publish(ctx context.Context, channel, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	t.mu.Lock()
	c := t.channel(channel)
	seq := c.base + uint64(len(c.log))
	c.log = append(c.log, Message{
		ID:      strconv.FormatUint(seq, 10),
		Channel: channel,
		Key:     key,
		Payload: append([]byte(nil), payload...),
	})
	if over := len(c.log) - t.maxLen; over > 0 {
		c.log = append([]Message(nil), c.log[over:]...)
		c.base += uint64(over)
	}
	close(t.notify)
	t.notify = make(chan struct{})
	t.mu.Unlock()
	return nil
}

// next claims the group's next message, or returns a channel that closes
// on the next publish.
func (t *MemoryTransport) next(channel, group string) (Message, bool, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.channel(channel)
	cur, ok := c.cursors[group]
	if !ok || cur < c.base {
		cur = c.base
	}
	if cur < c.base+uint64(len(c.log)) {
		msg := c.log[cur-c.base]
		c.cursors[group] = cur + 1
		return msg, true, nil
	}
	c.cursors[group] = cur
	return Message{}, false, t.notify
}

func (t *MemoryTransport) Subscribe(ctx context.Context, channel, group string, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.closed:
			return ErrClosed
		default:
		}

		msg, ok, wait := t.next(channel, group)
		if ok {
			if err := h(ctx, msg); err != nil {
				t.logger.Debug("handler failed",
					slog.String("channel", channel), slog.String("group", group),
					slog.String("message_id", msg.ID), slog.String("error", err.Error()))
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.closed:
			return ErrClosed
		case <-wait:
		}
	}
}

// Len returns the number of retained messages on a channel.
func (t *MemoryTransport) Len(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.channels[channel]; ok {
		return len(c.log)
	}
	return 0
}

func (t *MemoryTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

var _ MessageTransport = (*MemoryTransport)(nil)
