// Package streaming fans execution events out to live in-process
// subscribers.
package streaming

import (
	"context"
	"time"
)

// Topics group events by the component that emitted them.
const (
	TopicPipeline = "pipeline"
	TopicWorkflow = "workflow"
	TopicEventBus = "eventbus"
)

// StreamEvent is one live event.
type StreamEvent struct {
	Topic       string    `json:"topic"`
	ExecutionID string    `json:"execution_id,omitempty"`
	StepID      string    `json:"step_id,omitempty"`
	Type        string    `json:"type"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFilter selects events. Empty fields match everything.
type EventFilter struct {
	Topics      []string `json:"topics,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// EventHub is the pub/sub surface used by the engines.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
