package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/flowcore/internal/eventbus"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/pkg/schema"
)

const (
	eventModule = "workflow"
	eventDomain = "orchestration"
)

// registerHooks wires lifecycle events and terminal bookkeeping to the FSM.
func (e *Engine) registerHooks() {
	e.fsm.OnEnter(schema.ExecutionWaiting, func(ctx context.Context, exec *schema.Execution, _ schema.ExecutionStatus) {
		e.emit(ctx, exec, schema.EventWorkflowWaiting, exec.CurrentStep, "")
	})
	e.fsm.OnEnter(schema.ExecutionRetrying, func(ctx context.Context, exec *schema.Execution, _ schema.ExecutionStatus) {
		e.emit(ctx, exec, schema.EventWorkflowStepRetry, exec.CurrentStep, exec.Error)
	})
	e.fsm.OnEnter(schema.ExecutionRunning, func(ctx context.Context, exec *schema.Execution, from schema.ExecutionStatus) {
		if from == schema.ExecutionWaiting {
			e.emit(ctx, exec, schema.EventWorkflowResumed, exec.CurrentStep, "")
		}
	})
	e.fsm.OnEnter(schema.ExecutionCompleted, func(ctx context.Context, exec *schema.Execution, _ schema.ExecutionStatus) {
		now := e.now().UTC()
		exec.CompletedAt = &now
		e.finish(ctx, exec)
		e.emit(ctx, exec, schema.EventWorkflowCompleted, "", "")
	})
	e.fsm.OnEnter(schema.ExecutionFailed, func(ctx context.Context, exec *schema.Execution, _ schema.ExecutionStatus) {
		now := e.now().UTC()
		exec.FailedAt = &now
		e.finish(ctx, exec)
		e.emit(ctx, exec, schema.EventWorkflowFailed, exec.CurrentStep, exec.Error)
	})
	e.fsm.OnEnter(schema.ExecutionCompensated, func(ctx context.Context, exec *schema.Execution, _ schema.ExecutionStatus) {
		now := e.now().UTC()
		exec.CompensatedAt = &now
		e.finish(ctx, exec)
		e.emit(ctx, exec, schema.EventWorkflowCompensated, exec.CurrentStep, exec.Error)
	})
}

// finish releases whatever a terminal execution still holds.
func (e *Engine) finish(ctx context.Context, exec *schema.Execution) {
	for _, key := range exec.Locks {
		e.locks.Release(key)
	}
	exec.Locks = []string{}
	exec.WaitingFor = nil

	if e.idem != nil && exec.IdempotencyKey != "" && exec.IdempotencyKey != exec.ID {
		if err := e.idem.Complete(ctx, exec.IdempotencyKey, exec.ID, e.cfg.CompleteTTL); err != nil {
			logging.LogWith(ctx, e.logger).Warn("idempotency complete failed",
				slog.String("idempotency_key", exec.IdempotencyKey), slog.String("error", err.Error()))
		}
	}
}

// emit fans a workflow event out to the hub, the lifecycle transport and the
// event bus. Every sink is best effort.
func (e *Engine) emit(ctx context.Context, exec *schema.Execution, eventType, stepID, errMsg string) {
	now := e.now().UTC()
	log := logging.LogWith(ctx, e.logger)

	detail := map[string]any{
		"executionId": exec.ID,
		"workflowId":  exec.WorkflowID,
		"status":      string(exec.Status),
	}
	if stepID != "" {
		detail["stepId"] = stepID
	}
	if errMsg != "" {
		detail["error"] = errMsg
	}

	if e.hub != nil {
		err := e.hub.Publish(ctx, streaming.StreamEvent{
			Topic:       streaming.TopicWorkflow,
			ExecutionID: exec.ID,
			StepID:      stepID,
			Type:        eventType,
			Payload:     detail,
			Timestamp:   now,
		})
		if err != nil {
			log.Debug("hub publish failed", slog.String("event", eventType), slog.String("error", err.Error()))
		}
	}

	if e.lifecycle != nil {
		err := e.lifecycle.PublishEvent(ctx, exec.ID, schema.LifecycleEvent{
			ExecutionID: exec.ID,
			StepID:      stepID,
			Type:        eventType,
			Timestamp:   now,
			MetadataID:  exec.WorkflowID,
			Error:       errMsg,
		})
		if err != nil {
			log.Warn("lifecycle publish failed", slog.String("event", eventType), slog.String("error", err.Error()))
		}
	}

	if e.bus != nil {
		_, err := e.bus.Publish(ctx, eventbus.Event{
			Name:    eventType,
			Module:  eventModule,
			Domain:  eventDomain,
			Version: 1,
			Detail:  detail,
			TS:      now.UnixMilli(),
		}, map[string]string{"x-actor": exec.TriggeredBy})
		if err != nil {
			log.Warn("event bus publish failed", slog.String("event", eventType), slog.String("error", err.Error()))
		}
	}
}

// emitCircuitOpened reports a breaker that just tripped.
func (e *Engine) emitCircuitOpened(ctx context.Context, exec *schema.Execution, stepID, breaker string) {
	logging.LogWith(ctx, e.logger).Warn("circuit opened", slog.String("breaker", breaker))
	e.emit(ctx, exec, schema.EventCircuitOpened, stepID, "circuit open for "+breaker)
}
