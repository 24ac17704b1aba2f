package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/transport"
	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultTriggerGroup is the consumer group Listen joins when none is given.
const DefaultTriggerGroup = "workflow-triggers"

// HandleEventRecord starts the workflows triggered by a delivered bus event.
// The record ID keys the starts, so a redelivered event starts nothing new.
// Events the engine emitted itself are ignored.
func (e *Engine) HandleEventRecord(ctx context.Context, rec *schema.EventRecord) error {
	if rec == nil || rec.Module == eventModule {
		return nil
	}
	var triggeredBy string
	if rec.Actor != nil && rec.Actor.User != "" {
		triggeredBy = "user:" + rec.Actor.User
	}
	started, err := e.Trigger(ctx, rec.Name(), detailInputs(rec.Detail), triggeredBy, rec.ID)
	if err != nil {
		return err
	}
	if len(started) > 0 {
		logging.LogWith(ctx, e.logger).Info("event triggered workflows",
			slog.String("event", rec.Name()), slog.String("event_id", rec.ID), slog.Int("executions", len(started)))
	}
	return nil
}

// Listen consumes bus records from topic and triggers workflows until ctx is
// done. Undecodable messages are logged and skipped.
func (e *Engine) Listen(ctx context.Context, t transport.MessageTransport, topic, group string) error {
	if group == "" {
		group = DefaultTriggerGroup
	}
	return t.Subscribe(ctx, topic, group, func(ctx context.Context, msg transport.Message) error {
		var rec schema.EventRecord
		if err := json.Unmarshal(msg.Payload, &rec); err != nil {
			e.logger.Warn("undecodable trigger message", slog.String("error", err.Error()))
			return nil
		}
		return e.HandleEventRecord(ctx, &rec)
	})
}

func detailInputs(detail any) map[string]any {
	switch d := detail.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return schema.CloneMap(d)
	default:
		return map[string]any{"detail": d}
	}
}
