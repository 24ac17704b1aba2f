package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/flowcore/internal/logging"
)

const (
	defaultStreamPrefix = "flowcore:stream:"
	defaultReadBlock    = time.Second
	defaultReadCount    = 16
)

// RedisTransport maps channels to Redis Streams and groups to consumer
// groups. Messages are acknowledged after the handler returns.
type RedisTransport struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
	block  time.Duration
	logger *slog.Logger

	closed chan struct{}
	once   sync.Once
}

// RedisOption configures a RedisTransport.
type RedisOption func(*RedisTransport)

// WithStreamPrefix sets the key prefix of every stream.
func WithStreamPrefix(p string) RedisOption {
	return func(t *RedisTransport) { t.prefix = p }
}

// WithStreamMaxLen trims streams to roughly n entries on publish.
func WithStreamMaxLen(n int64) RedisOption {
	return func(t *RedisTransport) { t.maxLen = n }
}

// WithReadBlock sets how long one XREADGROUP call blocks.
func WithReadBlock(d time.Duration) RedisOption {
	return func(t *RedisTransport) {
		if d > 0 {
			t.block = d
		}
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(t *RedisTransport) { t.logger = l }
}

// NewRedisTransport creates a transport over client. Closing the transport
// does not close the client.
func NewRedisTransport(client redis.UniversalClient, opts ...RedisOption) *RedisTransport {
	t := &RedisTransport{
		client: client,
		prefix: defaultStreamPrefix,
		block:  defaultReadBlock,
		closed: make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.logger = logging.OrDiscard(t.logger)
	return t
}

func (t *RedisTransport) stream(channel string) string { return t.prefix + channel }

func (t *RedisTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *RedisTransport) Publish(ctx context.Context, channel, key string, payload []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	args := &redis.XAddArgs{
		Stream: t.stream(channel),
		Values: map[string]any{"key": key, "payload": payload},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("transport/redis: publish %s: %w", channel, err)
	}
	return nil
}

func (t *RedisTransport) ensureGroup(ctx context.Context, stream, group string) error {
	err := t.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("transport/redis: create group %s: %w", group, err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel, group string, h Handler) error {
	stream := t.stream(channel)
	if err := t.ensureGroup(ctx, stream, group); err != nil {
		return err
	}
	consumer := group + "-" + uuid.NewString()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if t.isClosed() {
			return ErrClosed
		}

		res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    defaultReadCount,
			Block:    t.block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport/redis: read %s: %w", channel, err)
		}

		for _, s := range res {
			for _, xm := range s.Messages {
				msg := Message{ID: xm.ID, Channel: channel}
				msg.Key, _ = xm.Values["key"].(string)
				if p, ok := xm.Values["payload"].(string); ok {
					msg.Payload = []byte(p)
				}
				if err := h(ctx, msg); err != nil {
					t.logger.Debug("handler failed",
						slog.String("channel", channel), slog.String("group", group),
						slog.String("message_id", xm.ID), slog.String("error", err.Error()))
				}
				if err := t.client.XAck(context.WithoutCancel(ctx), stream, group, xm.ID).Err(); err != nil {
					t.logger.Warn("ack failed",
						slog.String("channel", channel), slog.String("message_id", xm.ID),
						slog.String("error", err.Error()))
				}
			}
		}
	}
}

func (t *RedisTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

var _ MessageTransport = (*RedisTransport)(nil)
