// Package orchestrator runs flat pipelines of data and logic steps with
// per-step retries, timeouts, reverse compensation and idempotent replay.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/internal/dataengine"
	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/idempotency"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/internal/telemetry"
	"github.com/rendis/flowcore/internal/transport"
	"github.com/rendis/flowcore/pkg/schema"
)

const (
	runPrefix = "run:"

	msgCompleted  = "Execution completed"
	msgFailed     = "Execution failed"
	msgIdempotent = "idempotent: returning previous result"
)

// LogicRunner is the logic collaborator: registered scripts by ID and
// inline snippets.
type LogicRunner interface {
	Execute(ctx context.Context, logicID string, input map[string]any) (any, error)
	Eval(ctx context.Context, src string, input map[string]any) (any, error)
}

// EventPublisher publishes lifecycle events to the message transport.
type EventPublisher interface {
	PublishEvent(ctx context.Context, executionID string, ev schema.LifecycleEvent) error
}

// PipelineSource resolves pipelines referenced by ID in jobs.
type PipelineSource interface {
	Pipeline(ctx context.Context, id string) (*schema.Pipeline, error)
}

// PipelineValidator checks a pipeline before it runs.
type PipelineValidator interface {
	ValidatePipeline(p *schema.Pipeline) error
}

// Orchestrator runs pipelines. Runs are independent; steps within one run
// are strictly sequential.
type Orchestrator struct {
	kv        store.KeyValueStore
	data      dataengine.Engine
	logic     LogicRunner
	idem      *idempotency.Store
	events    EventPublisher
	hub       streaming.EventHub
	jq        expressions.Engine
	tel       *telemetry.Telemetry
	pipelines PipelineSource
	validator PipelineValidator
	logger    *slog.Logger

	reserveTTL  time.Duration
	completeTTL time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithIdempotency enables idempotent replay by key.
func WithIdempotency(s *idempotency.Store, reserveTTL, completeTTL time.Duration) Option {
	return func(o *Orchestrator) {
		o.idem = s
		o.reserveTTL = reserveTTL
		o.completeTTL = completeTTL
	}
}

// WithEvents publishes lifecycle events to the transport.
func WithEvents(p EventPublisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithHub broadcasts lifecycle events to in-process subscribers.
func WithHub(h streaming.EventHub) Option {
	return func(o *Orchestrator) { o.hub = h }
}

// WithTelemetry sets the tracer and meters.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *Orchestrator) { o.tel = t }
}

// WithPipelines resolves jobs that carry only a pipeline ID.
func WithPipelines(s PipelineSource) Option {
	return func(o *Orchestrator) { o.pipelines = s }
}

// WithValidator rejects malformed pipelines before they run.
func WithValidator(v PipelineValidator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator. kv persists run records.
func New(kv store.KeyValueStore, data dataengine.Engine, logic LogicRunner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		kv:    kv,
		data:  data,
		logic: logic,
		jq:    expressions.NewGoJQEngine(),
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.OrDiscard(o.logger)
	o.tel = telemetry.OrGlobal(o.tel)
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func runKey(id string) string { return runPrefix + id }

// ExecOption tunes one Execute call.
type ExecOption func(*execOptions)

type execOptions struct {
	executionID    string
	idempotencyKey string
}

// WithExecutionID fixes the run ID instead of generating one.
func WithExecutionID(id string) ExecOption {
	return func(e *execOptions) { e.executionID = id }
}

// WithIdempotencyKey makes the run replayable by key. When absent,
// inputs["idempotencyKey"] is used if it is a string.
func WithIdempotencyKey(key string) ExecOption {
	return func(e *execOptions) { e.idempotencyKey = key }
}

// Execute runs p against inputs and returns the outcome. A failed run is not
// an error: it is reported in the result and persisted. Errors are returned
// only when the run could not start.
func (o *Orchestrator) Execute(ctx context.Context, p *schema.Pipeline, inputs map[string]any, opts ...ExecOption) (*schema.PipelineResult, error) {
	if p == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline is nil")
	}
	if o.validator != nil {
		if err := o.validator.ValidatePipeline(p); err != nil {
			return nil, err
		}
	}

	var eo execOptions
	for _, opt := range opts {
		opt(&eo)
	}
	if eo.idempotencyKey == "" {
		eo.idempotencyKey, _ = inputs["idempotencyKey"].(string)
	}
	if eo.executionID == "" {
		eo.executionID = uuid.NewString()
	}

	if eo.idempotencyKey != "" && o.idem != nil {
		prev, err := o.claim(ctx, eo.idempotencyKey, eo.executionID)
		if err != nil || prev != nil {
			return prev, err
		}
	}

	run := o.run(ctx, p, inputs, eo)

	if eo.idempotencyKey != "" && o.idem != nil {
		if err := o.idem.Complete(ctx, eo.idempotencyKey, run.ExecutionID, o.completeTTL); err != nil {
			o.logger.Warn("complete idempotency key",
				slog.String("key", eo.idempotencyKey), slog.String("error", err.Error()))
		}
	}
	return resultOf(run), nil
}

// claim reserves key for executionID. It returns the stored result when
// the key already belongs to a finished run, and CONFLICT while that run is
// still in flight.
func (o *Orchestrator) claim(ctx context.Context, key, executionID string) (*schema.PipelineResult, error) {
	rec, err := o.idem.Lookup(ctx, key)
	if err != nil {
		o.logger.Warn("idempotency lookup", slog.String("key", key), slog.String("error", err.Error()))
	}
	if rec != nil {
		if prev, err := o.Get(ctx, rec.ExecutionID); err == nil {
			res := resultOf(prev)
			res.Message = msgIdempotent
			res.Replayed = true
			return res, nil
		}
		if rec.Status == idempotency.StatusRunning {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"idempotency key %q is held by running execution %s", key, rec.ExecutionID)
		}
		// completed but the run record is gone: the key is stale
		if err := o.idem.Remove(ctx, key); err != nil {
			o.logger.Warn("remove stale idempotency key", slog.String("key", key), slog.String("error", err.Error()))
		}
	}

	ok, err := o.idem.Reserve(ctx, key, executionID, o.reserveTTL)
	if err != nil {
		// best effort: a broken idempotency store must not block work
		o.logger.Warn("reserve idempotency key", slog.String("key", key), slog.String("error", err.Error()))
		return nil, nil
	}
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "idempotency key %q is already reserved", key)
	}
	return nil, nil
}

func resultOf(run *schema.PipelineRun) *schema.PipelineResult {
	msg := msgFailed
	if run.Success {
		msg = msgCompleted
	}
	return &schema.PipelineResult{
		ExecutionID: run.ExecutionID,
		Success:     run.Success,
		Message:     msg,
		Errors:      run.Errors,
		Outputs:     run.Outputs,
		Steps:       run.Steps,
	}
}

// Get returns a persisted run record.
func (o *Orchestrator) Get(ctx context.Context, executionID string) (*schema.PipelineRun, error) {
	run, err := store.GetJSON[schema.PipelineRun](ctx, o.kv, runKey(executionID))
	if store.IsNotFound(err) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
	}
	return run, err
}

// List returns every persisted run, most recent first.
func (o *Orchestrator) List(ctx context.Context) ([]*schema.PipelineRun, error) {
	runs, err := store.ScanJSON[schema.PipelineRun](ctx, o.kv, runPrefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Start.After(runs[j].Start) })
	return runs, nil
}

// HandleJob runs a job taken from the jobs channel. The returned error
// routes the job to the DLQ, so only failures to start are reported.
func (o *Orchestrator) HandleJob(ctx context.Context, job transport.Job) error {
	p := job.Pipeline
	if p == nil {
		if o.pipelines == nil || job.PipelineID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "job %s carries no pipeline", job.ExecutionID)
		}
		var err error
		if p, err = o.pipelines.Pipeline(ctx, job.PipelineID); err != nil {
			return fmt.Errorf("resolve pipeline %s: %w", job.PipelineID, err)
		}
	}

	opts := []ExecOption{WithIdempotencyKey(job.IdempotencyKey)}
	if job.ExecutionID != "" {
		opts = append(opts, WithExecutionID(job.ExecutionID))
	}
	res, err := o.Execute(ctx, p, job.Inputs, opts...)
	if err != nil {
		return err
	}
	logging.LogWith(ctx, o.logger).Info("job finished",
		slog.String("pipeline", p.ID), slog.Bool("success", res.Success), slog.Bool("replayed", res.Replayed))
	return nil
}
