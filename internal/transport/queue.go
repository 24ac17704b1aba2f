package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/pkg/schema"
)

// Job is a unit of pipeline work dispatched on the jobs channel.
type Job struct {
	ExecutionID    string           `json:"executionId"`
	PipelineID     string           `json:"metadataId,omitempty"`
	Pipeline       *schema.Pipeline `json:"metadata,omitempty"`
	Inputs         map[string]any   `json:"inputs,omitempty"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
	Replays        int              `json:"replays,omitempty"`
}

// DeadLetter wraps a message whose handler failed.
type DeadLetter struct {
	Error    string    `json:"error"`
	Channel  string    `json:"channel"`
	Key      string    `json:"key,omitempty"`
	Original []byte    `json:"original,omitempty"`
	FailedAt time.Time `json:"failedAt"`
}

// Queue layers typed jobs, lifecycle events and dead-letter routing over a
// MessageTransport.
type Queue struct {
	t       MessageTransport
	codec   Codec
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithCodec sets the payload codec. Defaults to JSON.
func WithCodec(c Codec) QueueOption {
	return func(q *Queue) { q.codec = c }
}

// WithRateLimit bounds job handling to perSecond jobs with the given burst.
// Zero disables the limit.
func WithRateLimit(perSecond float64, burst int) QueueOption {
	return func(q *Queue) {
		if perSecond <= 0 {
			q.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithQueueLogger sets the logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// NewQueue creates a queue over t.
func NewQueue(t MessageTransport, opts ...QueueOption) *Queue {
	q := &Queue{t: t, codec: JSONCodec{}, now: time.Now}
	for _, o := range opts {
		o(q)
	}
	q.logger = logging.OrDiscard(q.logger)
	return q
}

// Transport returns the underlying transport.
func (q *Queue) Transport() MessageTransport { return q.t }

// Codec returns the payload codec.
func (q *Queue) Codec() Codec { return q.codec }

// PublishJob dispatches a job keyed by its execution ID.
func (q *Queue) PublishJob(ctx context.Context, job Job) error {
	data, err := q.codec.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.t.Publish(ctx, ChannelJobs, job.ExecutionID, data); err != nil {
		return err
	}
	logging.LogWith(ctx, q.logger).Debug("published job", slog.String("execution_id", job.ExecutionID))
	return nil
}

// EventSubject is the subject stamped on lifecycle events without one.
func EventSubject(executionID string) string {
	return "executions." + executionID + ".events"
}

// PublishEvent publishes a lifecycle event for an execution.
func (q *Queue) PublishEvent(ctx context.Context, executionID string, ev schema.LifecycleEvent) error {
	ev.ExecutionID = executionID
	if ev.Subject == "" {
		ev.Subject = EventSubject(executionID)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = q.now().UTC()
	}
	data, err := q.codec.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return q.t.Publish(ctx, ChannelEvents, executionID, data)
}

// PublishDeadLetter sends a dead letter to the DLQ channel.
func (q *Queue) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	if dl.FailedAt.IsZero() {
		dl.FailedAt = q.now().UTC()
	}
	data, err := q.codec.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return q.t.Publish(ctx, ChannelDLQ, dl.Key, data)
}

// SubscribeJobs consumes jobs with group (DefaultJobGroup when empty).
// Jobs that fail to decode or whose handler errors go to the DLQ channel.
func (q *Queue) SubscribeJobs(ctx context.Context, group string, h func(context.Context, Job) error) error {
	if group == "" {
		group = DefaultJobGroup
	}
	return q.t.Subscribe(ctx, ChannelJobs, group, func(ctx context.Context, msg Message) error {
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var job Job
		err := q.codec.Unmarshal(msg.Payload, &job)
		if err == nil {
			err = h(logging.WithExecutionID(ctx, job.ExecutionID), job)
		}
		if err != nil {
			q.deadLetter(ctx, msg, err)
		}
		return err
	})
}

// SubscribeEvents consumes lifecycle events with group.
func (q *Queue) SubscribeEvents(ctx context.Context, group string, h func(context.Context, schema.LifecycleEvent) error) error {
	return q.t.Subscribe(ctx, ChannelEvents, group, func(ctx context.Context, msg Message) error {
		var ev schema.LifecycleEvent
		if err := q.codec.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		return h(ctx, ev)
	})
}

// SubscribeDeadLetters consumes the DLQ channel with group.
func (q *Queue) SubscribeDeadLetters(ctx context.Context, group string, h func(context.Context, DeadLetter) error) error {
	if group == "" {
		group = DefaultDLQGroup
	}
	return q.t.Subscribe(ctx, ChannelDLQ, group, func(ctx context.Context, msg Message) error {
		var dl DeadLetter
		if err := q.codec.Unmarshal(msg.Payload, &dl); err != nil {
			dl = DeadLetter{Error: "undecodable dead letter: " + err.Error(), Channel: ChannelDLQ, Original: msg.Payload}
		}
		return h(ctx, dl)
	})
}

func (q *Queue) deadLetter(ctx context.Context, msg Message, cause error) {
	log := logging.LogWith(ctx, q.logger)
	log.Error("job handler failed", slog.String("message_id", msg.ID), slog.String("error", cause.Error()))
	dl := DeadLetter{Error: cause.Error(), Channel: msg.Channel, Key: msg.Key, Original: msg.Payload}
	if err := q.PublishDeadLetter(context.WithoutCancel(ctx), dl); err != nil {
		log.Error("dead letter publish failed", slog.String("error", err.Error()))
	}
}
