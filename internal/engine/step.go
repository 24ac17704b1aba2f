package engine

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/rules"
	"github.com/rendis/flowcore/internal/telemetry"
	"github.com/rendis/flowcore/pkg/schema"
)

// execMutex serializes step advancement of one execution.
type execMutex struct {
	mu   sync.Mutex
	refs int
}

// lockExec blocks until the caller owns execution id and returns the unlock.
func (e *Engine) lockExec(id string) func() {
	e.mu.Lock()
	m, ok := e.serial[id]
	if !ok {
		m = &execMutex{}
		e.serial[id] = m
	}
	m.refs++
	e.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		e.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(e.serial, id)
		}
		e.mu.Unlock()
	}
}

// schedule drives execution id on the worker pool without blocking the caller.
func (e *Engine) schedule(id string) {
	go func() {
		err := e.pool.Submit(e.baseCtx, id, func(ctx context.Context) error {
			return e.drive(ctx, id)
		})
		if err != nil {
			e.logger.Debug("execution not scheduled", slog.String("execution_id", id), slog.String("error", err.Error()))
		}
	}()
}

// retryTimer is a pending delayed retry.
type retryTimer struct {
	stop func() bool
}

// scheduleRetry drives execution id again after delay.
func (e *Engine) scheduleRetry(id string, delay time.Duration) {
	t := &retryTimer{}
	e.mu.Lock()
	if old, ok := e.timers[id]; ok && old.stop != nil {
		old.stop()
	}
	e.timers[id] = t
	e.mu.Unlock()

	stop := e.after(delay, func() {
		e.mu.Lock()
		if e.timers[id] == t {
			delete(e.timers, id)
		}
		e.mu.Unlock()
		e.schedule(id)
	})

	e.mu.Lock()
	t.stop = stop
	e.mu.Unlock()
}

// drive advances id until it stops at a wait, a retry or a terminal state.
func (e *Engine) drive(ctx context.Context, id string) error {
	for {
		cont, err := e.step(ctx, id)
		if err != nil || !cont {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// ExecuteNextStep advances execution id by one step and schedules the rest
// of the run when the execution can continue.
func (e *Engine) ExecuteNextStep(ctx context.Context, id string) error {
	cont, err := e.step(ctx, id)
	if err != nil {
		return err
	}
	if cont {
		e.schedule(id)
	}
	return nil
}

func (e *Engine) step(ctx context.Context, id string) (bool, error) {
	unlock := e.lockExec(id)
	defer unlock()
	return e.advance(ctx, id)
}

// advance runs the current step of id. It reports whether the execution is
// still running and ready for its next step. Caller holds the exec lock.
func (e *Engine) advance(ctx context.Context, id string) (bool, error) {
	exec, err := e.load(ctx, id)
	if err != nil {
		return false, err
	}
	ctx = logging.WithIDs(ctx, exec.ID, exec.WorkflowID, exec.CurrentStep)

	if exec.Status == schema.ExecutionRetrying {
		if err := e.fsm.Transition(ctx, exec, schema.ExecutionRunning); err != nil {
			return false, err
		}
	}
	if exec.Status != schema.ExecutionRunning {
		return false, nil
	}

	def, err := e.workflows.Workflow(ctx, exec.WorkflowID)
	if err != nil {
		return false, e.fail(ctx, exec, err)
	}
	if exec.CurrentStep == "" {
		return false, e.complete(ctx, exec)
	}
	step, ok := def.Step(exec.CurrentStep)
	if !ok {
		return false, e.fail(ctx, exec, schema.NewErrorf(schema.ErrCodeNotFound, "step not found: %s", exec.CurrentStep))
	}

	ctx, end := e.tel.StartStep(ctx, telemetry.ComponentWorkflow, exec.ID, step.ID, string(step.Type))
	e.record(exec, step, schema.HistoryStarted, nil)

	var cont bool
	switch step.Type {
	case schema.StepTypeAction:
		cont, err = e.runAction(ctx, exec, def, step)
	case schema.StepTypeDecision:
		cont, err = e.runDecision(ctx, exec, step)
	case schema.StepTypeHumanTask:
		cont, err = e.runHumanTask(ctx, exec, step)
	case schema.StepTypeEnd:
		e.record(exec, step, schema.HistorySucceeded, nil)
		err = e.complete(ctx, exec)
	default:
		err = e.fail(ctx, exec, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type).WithStep(step.ID))
	}
	end(err)
	return cont, err
}

// record appends a history entry for step.
func (e *Engine) record(exec *schema.Execution, step *schema.StepDefinition, status string, err error) {
	h := schema.HistoryEntry{
		StepID:    step.ID,
		StepType:  step.Type,
		Status:    status,
		Attempt:   exec.RetryAttempts[step.ID] + 1,
		Timestamp: e.now().UTC(),
	}
	if err != nil {
		h.Error = err.Error()
	}
	exec.History = append(exec.History, h)
}

// moveTo advances exec to next, completing it when there is no next step.
func (e *Engine) moveTo(ctx context.Context, exec *schema.Execution, next string) (bool, error) {
	if next == "" {
		return false, e.complete(ctx, exec)
	}
	exec.CurrentStep = next
	e.save(ctx, exec)
	return true, nil
}

func (e *Engine) complete(ctx context.Context, exec *schema.Execution) error {
	if err := e.fsm.Transition(ctx, exec, schema.ExecutionCompleted); err != nil {
		return err
	}
	e.save(ctx, exec)
	logging.LogWith(ctx, e.logger).Info("execution completed")
	return nil
}

// fail marks exec failed without compensation. The failure belongs to the
// execution, so only bookkeeping errors are returned.
func (e *Engine) fail(ctx context.Context, exec *schema.Execution, cause error) error {
	exec.Error = cause.Error()
	if err := e.fsm.Transition(ctx, exec, schema.ExecutionFailed); err != nil {
		return err
	}
	e.save(ctx, exec)
	logging.LogWith(ctx, e.logger).Error("execution failed", slog.String("error", exec.Error))
	return nil
}

func (e *Engine) runDecision(ctx context.Context, exec *schema.Execution, step *schema.StepDefinition) (bool, error) {
	next, err := e.decide(ctx, exec, step)
	if err != nil {
		e.record(exec, step, schema.HistoryFailed, err)
		return false, e.fail(ctx, exec, err)
	}
	e.record(exec, step, schema.HistorySucceeded, nil)
	return e.moveTo(ctx, exec, next)
}

// decide picks the next step. A ruleSet merges the first matching outcome
// into the context and matches branches keyed "field:value"; a condition
// picks the "true" or "false" branch. Both fall back to default, then next.
func (e *Engine) decide(ctx context.Context, exec *schema.Execution, step *schema.StepDefinition) (string, error) {
	fallback := step.Default
	if fallback == "" {
		fallback = step.Next
	}
	if step.RuleSet == "" && step.Condition == nil {
		return fallback, nil
	}
	if e.rules == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "decision step requires a rules engine").WithStep(step.ID)
	}

	if step.RuleSet == "" {
		ok := e.rules.EvaluateCondition(ctx, step.Condition, exec.Context)
		if target, found := step.Branches[strconv.FormatBool(ok)]; found {
			return target, nil
		}
		return fallback, nil
	}

	matches, err := e.rules.Evaluate(ctx, step.RuleSet, exec.Context)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return fallback, nil
	}
	outcome := matches[0].Outcome
	for k, v := range outcome {
		exec.Context[k] = v
	}

	keys := make([]string, 0, len(step.Branches))
	for k := range step.Branches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field, value, ok := strings.Cut(k, ":")
		if !ok {
			continue
		}
		if v, present := outcome[field]; present && rules.String(v) == value {
			return step.Branches[k], nil
		}
	}
	return fallback, nil
}

// runHumanTask parks exec until CompleteHumanTask is called.
func (e *Engine) runHumanTask(ctx context.Context, exec *schema.Execution, step *schema.StepDefinition) (bool, error) {
	wf := &schema.WaitingFor{StepID: step.ID, TaskType: step.TaskType}
	if step.AssignmentRule != "" {
		wf.AssignedTo = rules.String(exec.Context[step.AssignmentRule])
	}
	if step.Timeout != "" {
		d, err := time.ParseDuration(step.Timeout)
		if err != nil {
			verr := schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", step.Timeout).WithStep(step.ID).WithCause(err)
			e.record(exec, step, schema.HistoryFailed, verr)
			return false, e.fail(ctx, exec, verr)
		}
		at := e.now().UTC().Add(d)
		wf.TimeoutAt = &at
	}
	exec.WaitingFor = wf
	e.record(exec, step, schema.HistoryWaiting, nil)
	if err := e.fsm.Transition(ctx, exec, schema.ExecutionWaiting); err != nil {
		return false, err
	}
	e.save(ctx, exec)
	logging.LogWith(ctx, e.logger).Info("waiting for human task",
		slog.String("task_type", wf.TaskType), slog.String("assigned_to", wf.AssignedTo))
	return false, nil
}

// CompleteHumanTask resumes a waiting execution with the task result. The
// result is merged into the context and the run continues at the task's
// next step.
func (e *Engine) CompleteHumanTask(ctx context.Context, id string, result map[string]any) (*schema.Execution, error) {
	unlock := e.lockExec(id)
	defer unlock()

	exec, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionWaiting || exec.WaitingFor == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is not waiting for a task (status %s)", id, exec.Status)
	}
	def, err := e.workflows.Workflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, err
	}

	stepID := exec.WaitingFor.StepID
	ctx = logging.WithIDs(ctx, exec.ID, exec.WorkflowID, stepID)
	for k, v := range result {
		exec.Context[k] = v
	}
	exec.Context[stepID+"_result"] = map[string]any{
		"success":    true,
		"executedAt": e.now().UTC().Format(time.RFC3339),
		"data":       schema.CloneMap(result),
	}
	exec.WaitingFor = nil

	step, ok := def.Step(stepID)
	if !ok {
		step = &schema.StepDefinition{ID: stepID, Type: schema.StepTypeHumanTask}
	}
	e.record(exec, step, schema.HistoryResumed, nil)
	if err := e.fsm.Transition(ctx, exec, schema.ExecutionRunning); err != nil {
		return nil, err
	}

	if step.Next == "" {
		if err := e.complete(ctx, exec); err != nil {
			return nil, err
		}
		return cloneExecution(exec), nil
	}
	exec.CurrentStep = step.Next
	e.save(ctx, exec)
	e.schedule(id)
	return cloneExecution(exec), nil
}
