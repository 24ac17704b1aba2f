package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/internal/telemetry"
	"github.com/rendis/flowcore/pkg/schema"
)

const fixedBackoff = 200 * time.Millisecond

// backoffDelay is the wait after failed attempt n (1-based).
func backoffDelay(mode string, attempt int) time.Duration {
	if mode == schema.BackoffExponential {
		return time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	}
	return fixedBackoff
}

// runState is the shared context of one run.
type runState struct {
	run     *schema.PipelineRun
	outputs map[string]any
	vars    map[string]any
}

func (s *runState) scope() expressions.TemplateScope {
	return expressions.TemplateScope{Inputs: s.run.Inputs, Steps: s.outputs, Vars: s.vars}
}

// execContext is the shared context handed to data steps: the inputs with
// each prior step's output layered on under its step ID.
func (s *runState) execContext() map[string]any {
	out := schema.CloneMap(s.run.Inputs)
	if out == nil {
		out = make(map[string]any, len(s.outputs))
	}
	for id, v := range s.outputs {
		out[id] = v
	}
	return out
}

func (o *Orchestrator) run(ctx context.Context, p *schema.Pipeline, inputs map[string]any, eo execOptions) *schema.PipelineRun {
	execID := eo.executionID
	ctx = logging.WithExecutionID(ctx, execID)
	log := logging.LogWith(ctx, o.logger)

	if inputs == nil {
		inputs = map[string]any{}
	}
	st := &runState{
		run: &schema.PipelineRun{
			ExecutionID:    execID,
			PipelineID:     p.ID,
			Name:           p.Name,
			IdempotencyKey: eo.idempotencyKey,
			Start:          o.now().UTC(),
			Success:        true,
			Inputs:         schema.CloneMap(inputs),
			Steps:          []schema.StepRecord{},
			Errors:         []schema.StepError{},
		},
		outputs: map[string]any{},
		vars:    map[string]any{},
	}

	ctx, finish := o.tel.StartExecution(ctx, telemetry.ComponentPipeline, execID, p.Name)
	o.emit(ctx, schema.LifecycleEvent{ExecutionID: execID, Type: schema.EventExecutionStarted, MetadataID: p.ID})
	log.Info("pipeline started", slog.String("pipeline", p.ID), slog.Int("steps", len(p.Steps)))

	var runErr error
	for i := range p.Steps {
		step := &p.Steps[i]
		if err := o.runStep(ctx, st, step); err != nil {
			runErr = err
			st.run.Success = false
			o.compensate(ctx, st, p)
			break
		}
	}

	st.run.End = o.now().UTC()
	st.run.Outputs = st.outputs
	if len(st.vars) > 0 {
		st.run.Vars = st.vars
	}
	if err := store.PutJSON(ctx, o.kv, runKey(execID), st.run, 0); err != nil {
		log.Error("persist pipeline run", slog.String("error", err.Error()))
	}

	final := schema.EventExecutionSucceeded
	if !st.run.Success {
		final = schema.EventExecutionFailed
	}
	o.emit(ctx, schema.LifecycleEvent{ExecutionID: execID, Type: final, MetadataID: p.ID, Errors: st.run.Errors})
	finish(final, runErr)
	log.Info("pipeline finished", slog.Bool("success", st.run.Success), slog.Int("errors", len(st.run.Errors)))
	return st.run
}

// runStep executes one step with retries and records its outcome.
func (o *Orchestrator) runStep(ctx context.Context, st *runState, step *schema.PipelineStep) error {
	execID := st.run.ExecutionID
	ctx = logging.WithStepID(ctx, step.ID)
	start := o.now().UTC()
	o.emit(ctx, schema.LifecycleEvent{ExecutionID: execID, StepID: step.ID, Type: schema.EventStepStarted})

	params := expressions.ResolveParams(step.Params, st.scope())

	maxAttempts, mode := 1, schema.BackoffFixed
	if step.RetryPolicy != nil {
		if step.RetryPolicy.MaxAttempts > 0 {
			maxAttempts = step.RetryPolicy.MaxAttempts
		}
		if step.RetryPolicy.Backoff != "" {
			mode = step.RetryPolicy.Backoff
		}
	}

	var (
		out      any
		err      error
		attempts int
	)
	for attempts = 1; attempts <= maxAttempts; attempts++ {
		out, err = o.attempt(ctx, st, step, params)
		if err == nil || !retryable(err) || attempts == maxAttempts {
			break
		}
		logging.LogWith(ctx, o.logger).Warn("pipeline step failed, retrying",
			slog.Int("attempt", attempts), slog.String("error", err.Error()))
		if serr := o.sleep(ctx, backoffDelay(mode, attempts)); serr != nil {
			err = serr
			break
		}
	}

	if err == nil {
		err = o.bind(ctx, st, step, out)
	}

	rec := schema.StepRecord{StepID: step.ID, Attempts: attempts, Start: start, End: o.now().UTC()}
	if err != nil {
		rec.Status = schema.StepFailed
		rec.Error = err.Error()
		st.run.Steps = append(st.run.Steps, rec)
		st.run.Errors = append(st.run.Errors, schema.StepError{StepID: step.ID, Message: err.Error()})
		o.emit(ctx, schema.LifecycleEvent{ExecutionID: execID, StepID: step.ID, Type: schema.EventStepFailed, Error: err.Error()})
		return err
	}

	rec.Status = schema.StepSucceeded
	rec.Output = out
	st.run.Steps = append(st.run.Steps, rec)
	st.outputs[step.ID] = out
	o.emit(ctx, schema.LifecycleEvent{ExecutionID: execID, StepID: step.ID, Type: schema.EventStepSucceeded, Output: out})
	return nil
}

// retryable excludes failures that cannot change on a second attempt.
func retryable(err error) bool {
	switch schema.ErrorCode(err) {
	case schema.ErrCodeValidation, schema.ErrCodeNotFound, schema.ErrCodePermanent:
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// attempt runs the step once, raced against its timeout.
func (o *Orchestrator) attempt(ctx context.Context, st *runState, step *schema.PipelineStep, params map[string]any) (any, error) {
	ctx, done := o.tel.StartStep(ctx, telemetry.ComponentPipeline, st.run.ExecutionID, step.ID, step.Type)
	out, err := o.withTimeout(ctx, step, func(ctx context.Context) (any, error) {
		return o.dispatch(ctx, st, step, params)
	})
	done(err)
	return out, err
}

type stepOutcome struct {
	out any
	err error
}

// withTimeout races fn against step.TimeoutMs. A collaborator that ignores
// cancellation keeps running in the background, but its result is dropped.
func (o *Orchestrator) withTimeout(ctx context.Context, step *schema.PipelineStep, fn func(context.Context) (any, error)) (any, error) {
	if step.TimeoutMs <= 0 {
		return fn(ctx)
	}
	timeout := time.Duration(step.TimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan stepOutcome, 1)
	go func() {
		out, err := fn(ctx)
		ch <- stepOutcome{out, err}
	}()
	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "step %s timed out after %s", step.ID, timeout).WithStep(step.ID)
		}
		return nil, ctx.Err()
	}
}

// dispatch invokes the data or logic collaborator.
func (o *Orchestrator) dispatch(ctx context.Context, st *runState, step *schema.PipelineStep, params map[string]any) (any, error) {
	switch step.Type {
	case schema.PipelineStepData:
		if o.data == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "no data engine configured")
		}
		res := o.data.Exec(ctx, schema.DataRequest{
			Action:        step.Action,
			Resource:      step.Resource,
			Transactional: step.Transactional,
		}, params, st.execContext(), schema.ExecMeta{ExecutionID: st.run.ExecutionID, StepID: step.ID})
		if !res.OK {
			code := schema.ErrCodePermanent
			if res.Retryable {
				code = schema.ErrCodeTransient
			}
			msg := res.Error
			if msg == "" {
				msg = "data error"
			}
			return nil, schema.NewError(code, msg).WithStep(step.ID)
		}
		return res.Data, nil

	case schema.PipelineStepLogic:
		if o.logic == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "no logic executor configured")
		}
		input := map[string]any{
			"inputs": st.run.Inputs,
			"steps":  schema.CloneMap(st.outputs),
			"vars":   schema.CloneMap(st.vars),
			"params": params,
		}
		if step.Snippet != "" {
			return o.logic.Eval(ctx, step.Snippet, input)
		}
		return o.logic.Execute(ctx, step.Action, input)
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %s", step.Type).WithStep(step.ID)
}

// bind evaluates the step's outputBindings as jq over
// {output, inputs, steps} and stores the results as vars.
func (o *Orchestrator) bind(ctx context.Context, st *runState, step *schema.PipelineStep, out any) error {
	if len(step.OutputBindings) == 0 {
		return nil
	}
	doc := map[string]any{"output": out, "inputs": st.run.Inputs, "steps": st.outputs}
	for name, expr := range step.OutputBindings {
		v, err := o.jq.Evaluate(ctx, expr, doc)
		if err != nil {
			return fmt.Errorf("output binding %s: %w", name, err)
		}
		st.vars[name] = v
	}
	return nil
}

// compensate runs the compensation steps of every succeeded step, most
// recent first. Failures are recorded and do not stop the sweep.
func (o *Orchestrator) compensate(ctx context.Context, st *runState, p *schema.Pipeline) {
	execID := st.run.ExecutionID
	log := logging.LogWith(ctx, o.logger)

	for i := len(st.run.Steps) - 1; i >= 0; i-- {
		rec := st.run.Steps[i]
		if rec.Status != schema.StepSucceeded {
			continue
		}
		orig := findStep(p, rec.StepID)
		if orig == nil {
			continue
		}
		for j := range orig.Compensation {
			comp := &orig.Compensation[j]
			compID := comp.ID
			if compID == "" {
				compID = orig.ID
			}
			params := expressions.ResolveParams(comp.Params, st.scope())
			_, err := o.withTimeout(ctx, comp, func(ctx context.Context) (any, error) {
				return o.dispatch(ctx, st, &schema.PipelineStep{
					ID: compID, Type: comp.Type, Action: comp.Action, Resource: comp.Resource,
					Transactional: comp.Transactional, Snippet: comp.Snippet,
				}, params)
			})
			if err != nil {
				msg := "compensation failed: " + err.Error()
				errStep := comp.ID
				if errStep == "" {
					errStep = "compensation"
				}
				st.run.Errors = append(st.run.Errors, schema.StepError{StepID: errStep, Message: msg})
				log.Error("compensation failed", slog.String("step_id", orig.ID), slog.String("comp_id", compID), slog.String("error", err.Error()))
				o.emit(ctx, schema.LifecycleEvent{ExecutionID: execID, StepID: orig.ID, CompID: compID, Type: schema.EventCompensationFailed, Error: err.Error()})
				continue
			}
			o.emit(ctx, schema.LifecycleEvent{ExecutionID: execID, StepID: orig.ID, CompID: compID, Type: schema.EventCompensationSucceeded})
		}
	}
}

func findStep(p *schema.Pipeline, id string) *schema.PipelineStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// emit publishes ev to the transport and the live hub. Both are best effort.
func (o *Orchestrator) emit(ctx context.Context, ev schema.LifecycleEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.now().UTC()
	}
	if o.events != nil {
		if err := o.events.PublishEvent(ctx, ev.ExecutionID, ev); err != nil {
			logging.LogWith(ctx, o.logger).Warn("publish lifecycle event",
				slog.String("type", ev.Type), slog.String("error", err.Error()))
		}
	}
	if o.hub != nil {
		_ = o.hub.Publish(ctx, streaming.StreamEvent{
			Topic:       streaming.TopicPipeline,
			ExecutionID: ev.ExecutionID,
			StepID:      ev.StepID,
			Type:        ev.Type,
			Payload:     ev,
			Timestamp:   ev.Timestamp,
		})
	}
}
