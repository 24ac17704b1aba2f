package actions

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/flowcore/internal/eventbus"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/pkg/schema"
)

// EventPublisher is the slice of the event bus used by event.publish.
type EventPublisher interface {
	Publish(ctx context.Context, evt eventbus.Event, headers map[string]string) (string, error)
}

// --- noop ---

type noopAction struct {
	now func() time.Time
}

func (a *noopAction) Name() string { return "noop" }

func (a *noopAction) Schema() ActionSchema {
	return ActionSchema{Description: "Succeed without side effects."}
}

func (a *noopAction) Validate(map[string]any) error { return nil }

func (a *noopAction) Execute(context.Context, ActionInput) (*ActionOutput, error) {
	return &ActionOutput{Data: map[string]any{
		"success":    true,
		"executedAt": a.now().UTC().Format(time.RFC3339Nano),
	}}, nil
}

// --- workflow.log ---

type workflowLogAction struct {
	logger *slog.Logger
}

func (a *workflowLogAction) Name() string { return "workflow.log" }

func (a *workflowLogAction) Schema() ActionSchema {
	return ActionSchema{Description: "Write a message to the structured log."}
}

func (a *workflowLogAction) Validate(params map[string]any) error {
	if stringParam(params, "message", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow.log: missing required param 'message'")
	}
	switch stringParam(params, "level", "info") {
	case "debug", "info", "warn", "error":
		return nil
	}
	return schema.NewError(schema.ErrCodeValidation, "workflow.log: 'level' must be debug, info, warn or error")
}

func (a *workflowLogAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	message := stringParam(input.Params, "message", "")
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(stringParam(input.Params, "level", "info")))

	ctx = logging.WithExecutionID(logging.WithStepID(ctx, input.StepID), input.ExecutionID)
	a.logger.Log(ctx, level, message)
	return &ActionOutput{Data: map[string]any{"logged": true}}, nil
}

// --- workflow.fail ---

type workflowFailAction struct{}

func (a *workflowFailAction) Name() string { return "workflow.fail" }

func (a *workflowFailAction) Schema() ActionSchema {
	return ActionSchema{Description: "Fail the step. Set retryable=true for a transient failure."}
}

func (a *workflowFailAction) Validate(map[string]any) error { return nil }

func (a *workflowFailAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	reason := stringParam(input.Params, "reason", "failed by workflow.fail")
	code := schema.ErrCodePermanent
	if retry, _ := input.Params["retryable"].(bool); retry {
		code = schema.ErrCodeTransient
	}
	return nil, schema.NewError(code, reason).WithStep(input.StepID)
}

// --- event.publish ---

type eventPublishAction struct {
	bus EventPublisher
}

func (a *eventPublishAction) Name() string { return "event.publish" }

func (a *eventPublishAction) Schema() ActionSchema {
	return ActionSchema{Description: "Publish a domain event through the durable event bus."}
}

func (a *eventPublishAction) Validate(params map[string]any) error {
	if stringParam(params, "event", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "event.publish: missing required param 'event'")
	}
	return nil
}

func (a *eventPublishAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	detail := input.Params["detail"]
	if detail == nil {
		detail = map[string]any{"executionId": input.ExecutionID, "stepId": input.StepID}
	}
	id, err := a.bus.Publish(ctx, eventbus.Event{
		Name:   stringParam(input.Params, "event", ""),
		Module: stringParam(input.Params, "module", ""),
		Detail: detail,
	}, nil)
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Data: map[string]any{"eventId": id}}, nil
}
