// Package transport moves encoded messages between producers and consumer
// groups over three channels: jobs, lifecycle events and the dead letter
// queue.
package transport

import (
	"context"
	"errors"
)

// Channel names.
const (
	ChannelJobs   = "ORCHESTRATIONS_JOBS"
	ChannelEvents = "ORCHESTRATIONS_EVENTS"
	ChannelDLQ    = "ORCHESTRATIONS_DLQ"
)

// Default consumer groups.
const (
	DefaultJobGroup = "orchestrator_worker"
	DefaultDLQGroup = "dlq_replayer"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport: closed")

// Message is one delivered payload.
type Message struct {
	ID      string
	Channel string
	Key     string
	Payload []byte
}

// Handler processes a message. The transport acknowledges the message
// whatever the handler returns; failure routing belongs to the caller.
type Handler func(ctx context.Context, msg Message) error

// MessageTransport is the broker abstraction. Within a group each message
// is delivered to one subscriber; every group sees every message.
// Subscribe blocks until ctx is done (returning nil) or the transport is
// closed (returning ErrClosed).
type MessageTransport interface {
	Publish(ctx context.Context, channel, key string, payload []byte) error
	Subscribe(ctx context.Context, channel, group string, h Handler) error
	Close() error
}
