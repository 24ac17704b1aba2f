package actions

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/internal/transport"
	"github.com/rendis/flowcore/pkg/schema"
)

// JobPublisher is the slice of transport.Queue used to dispatch work.
type JobPublisher interface {
	PublishJob(ctx context.Context, job transport.Job) error
}

// PipelineSource resolves named pipelines.
type PipelineSource interface {
	Pipeline(ctx context.Context, id string) (*schema.Pipeline, error)
}

// DispatchAction hands an action step to orchestrator workers by publishing a
// job for the pipeline named after the action. It is usually installed as
// the registry fallback.
type DispatchAction struct {
	queue     JobPublisher
	pipelines PipelineSource
}

// NewDispatchAction creates a DispatchAction.
func NewDispatchAction(q JobPublisher, pipelines PipelineSource) *DispatchAction {
	return &DispatchAction{queue: q, pipelines: pipelines}
}

func (a *DispatchAction) Name() string { return "job.dispatch" }

func (a *DispatchAction) Schema() ActionSchema {
	return ActionSchema{Description: "Publish a pipeline job for orchestrator workers."}
}

func (a *DispatchAction) Validate(map[string]any) error { return nil }

// Execute publishes the job. The pipeline is params.pipeline when set,
// otherwise the step's action name. The job is keyed by execution and step,
// so a retried step reuses the same idempotency key.
func (a *DispatchAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	pipelineID := stringParam(input.Params, "pipeline", input.Action)
	if pipelineID == "" || pipelineID == a.Name() {
		return nil, schema.NewError(schema.ErrCodeValidation, "job.dispatch: no pipeline to dispatch").WithStep(input.StepID)
	}
	if a.pipelines != nil {
		if _, err := a.pipelines.Pipeline(ctx, pipelineID); err != nil {
			return nil, err
		}
	}

	inputs := schema.CloneMap(input.Context)
	if inputs == nil {
		inputs = map[string]any{}
	}
	for k, v := range input.Params {
		if k != "pipeline" {
			inputs[k] = v
		}
	}

	job := transport.Job{
		ExecutionID:    uuid.NewString(),
		PipelineID:     pipelineID,
		Inputs:         inputs,
		IdempotencyKey: input.ExecutionID + ":" + input.StepID,
	}
	if err := a.queue.PublishJob(ctx, job); err != nil {
		return nil, schema.NewError(schema.ErrCodeTransient, "job.dispatch: publish failed").WithCause(err)
	}
	return &ActionOutput{Data: map[string]any{
		"dispatched": true,
		"jobId":      job.ExecutionID,
		"pipeline":   pipelineID,
	}}, nil
}
