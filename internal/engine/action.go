package engine

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/rendis/flowcore/internal/actions"
	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/rules"
	"github.com/rendis/flowcore/pkg/schema"
)

// runAction executes an action step and applies the retry policy to a
// failure. Exhausted or permanent failures compensate the execution.
func (e *Engine) runAction(ctx context.Context, exec *schema.Execution, def *schema.WorkflowDefinition, step *schema.StepDefinition) (bool, error) {
	log := logging.LogWith(ctx, e.logger)
	policy := policyFor(step, e.cfg.Retry)
	attempt := exec.RetryAttempts[step.ID]

	data, err := e.invokeAction(ctx, exec, def, step)
	if err == nil {
		now := e.now().UTC()
		exec.Context[step.ID+"_result"] = map[string]any{
			"success":    true,
			"executedAt": now.Format(time.RFC3339),
			"data":       data,
		}
		if step.Compensation != "" {
			exec.Compensations = append(exec.Compensations, schema.CompensationEntry{
				StepID:     step.ID,
				Action:     step.Compensation,
				Context:    schema.CloneMap(exec.Context),
				RecordedAt: now,
			})
		}
		exec.Error = ""
		e.record(exec, step, schema.HistorySucceeded, nil)
		return e.moveTo(ctx, exec, step.Next)
	}

	e.record(exec, step, schema.HistoryFailed, err)
	retryable := IsRetryableError(err)
	if retryable && attempt+1 < policy.MaxAttempts {
		delay := policy.Delay(attempt)
		exec.RetryAttempts[step.ID] = attempt + 1
		exec.Error = err.Error()
		e.record(exec, step, schema.HistoryRetrying, err)
		if terr := e.fsm.Transition(ctx, exec, schema.ExecutionRetrying); terr != nil {
			return false, terr
		}
		e.save(ctx, exec)
		log.Warn("step failed, retry scheduled",
			slog.Int("attempt", attempt+1), slog.Duration("delay", delay), slog.String("error", err.Error()))
		e.scheduleRetry(exec.ID, delay)
		return false, nil
	}

	if retryable {
		err = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"step %s failed after %d attempts: %v", step.ID, attempt+1, err).WithStep(step.ID).WithCause(err)
	}
	return false, e.compensate(ctx, exec, err)
}

// breakerKey names the circuit breaker guarding step's collaborator.
func breakerKey(step *schema.StepDefinition) string {
	if step.DB != nil {
		return "db." + step.DB.Action + ":" + step.DB.Resource
	}
	return step.Action
}

// invokeAction runs the preconditions and the collaborator call of an
// action step. Only collaborator failures count against the breaker.
func (e *Engine) invokeAction(ctx context.Context, exec *schema.Execution, def *schema.WorkflowDefinition, step *schema.StepDefinition) (map[string]any, error) {
	breaker := breakerKey(step)
	if err := e.breakers.AllowRequest(breaker); err != nil {
		return nil, err
	}

	if step.RequiresLock {
		key := LockKey(exec.ID, step.ID)
		if !e.locks.Acquire(key, e.cfg.LockTTL) {
			return nil, schema.NewErrorf(schema.ErrCodeLockHeld, "step lock %s is held", key).WithStep(step.ID)
		}
		exec.Locks = append(exec.Locks, key)
		defer func() {
			e.locks.Release(key)
			exec.Locks = slices.DeleteFunc(exec.Locks, func(k string) bool { return k == key })
		}()
	}

	scope := expressions.TemplateScope{Inputs: exec.Inputs, Context: exec.Context}
	params := expressions.ResolveParams(step.Params, scope)

	if step.GuardRuleSet != "" {
		if err := e.checkGuard(ctx, step.GuardRuleSet, exec.Context, step.ID); err != nil {
			return nil, err
		}
	}

	var (
		out map[string]any
		err error
	)
	if step.DB != nil {
		for k, v := range expressions.ResolveParams(step.DB.Params, scope) {
			params[k] = v
		}
		if err := e.stateGuard(ctx, exec, def, step, params); err != nil {
			return nil, err
		}
		out, err = e.execDB(ctx, exec, step, params)
	} else {
		out, err = e.callAction(ctx, exec, step, params)
	}

	if err != nil {
		if e.breakers.RecordFailure(breaker) == CircuitOpen {
			e.emitCircuitOpened(ctx, exec, step.ID, breaker)
		}
		return nil, err
	}
	e.breakers.RecordSuccess(breaker)
	return out, nil
}

func (e *Engine) callAction(ctx context.Context, exec *schema.Execution, step *schema.StepDefinition, params map[string]any) (map[string]any, error) {
	if e.actions == nil {
		return map[string]any{}, nil
	}
	out, err := e.actions.Run(ctx, actions.ActionInput{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		Action:      step.Action,
		Params:      params,
		Context:     schema.CloneMap(exec.Context),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || out.Data == nil {
		return map[string]any{}, nil
	}
	return out.Data, nil
}

func (e *Engine) execDB(ctx context.Context, exec *schema.Execution, step *schema.StepDefinition, params map[string]any) (map[string]any, error) {
	if e.data == nil {
		return nil, schema.NewError(schema.ErrCodePermanent, "no data engine configured").WithStep(step.ID)
	}
	res := e.data.Exec(ctx, schema.DataRequest{
		Action:        step.DB.Action,
		Resource:      step.DB.Resource,
		Transactional: step.DB.Transactional,
	}, params, exec.Context, schema.ExecMeta{ExecutionID: exec.ID, StepID: step.ID})
	if !res.OK {
		// only failures the data engine marks retryable reach the retry policy
		code := schema.ErrCodePermanent
		if res.Retryable {
			code = schema.ErrCodeTransient
		}
		return nil, schema.NewError(code, res.Error).WithStep(step.ID)
	}
	out := map[string]any{"data": res.Data}
	if res.Meta != nil {
		out["meta"] = res.Meta
	}
	return out, nil
}

// checkGuard requires ruleSetID to produce a passing outcome: at least one
// match, and no "allow" or "pass" field set to false. Anything else rejects.
func (e *Engine) checkGuard(ctx context.Context, ruleSetID string, data map[string]any, stepID string) error {
	reject := func(msg string, cause error) error {
		err := schema.NewErrorf(schema.ErrCodeGuardRejected, "guard %s rejected: %s", ruleSetID, msg).WithStep(stepID)
		if cause != nil {
			err = err.WithCause(cause)
		}
		return err
	}
	if e.rules == nil {
		return reject("no rules engine configured", nil)
	}
	matches, err := e.rules.Evaluate(ctx, ruleSetID, data)
	if err != nil {
		return reject(err.Error(), err)
	}
	if len(matches) == 0 {
		return reject("no rule matched", nil)
	}
	outcome := matches[0].Outcome
	for _, k := range []string{"allow", "pass"} {
		if v, ok := outcome[k]; ok && rules.String(v) == "false" {
			return reject("rule "+matches[0].RuleID+" denied", nil)
		}
	}
	return nil
}

// stateGuard validates a concept state transition for DB steps that declare
// a targetState. Any state it cannot establish rejects the step.
func (e *Engine) stateGuard(ctx context.Context, exec *schema.Execution, def *schema.WorkflowDefinition, step *schema.StepDefinition, params map[string]any) error {
	b := step.DB
	if b.TargetState == "" || def.Concept == "" {
		return nil
	}
	invalid := func(format string, args ...any) *schema.FlowError {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, format, args...).WithStep(step.ID)
	}
	if e.concepts == nil {
		return invalid("no concept source for %s", def.Concept)
	}
	concept, err := e.concepts.GetConcept(ctx, def.Concept)
	if err != nil {
		return invalid("concept %s unavailable", def.Concept).WithCause(err)
	}
	target, ok := concept.State(b.TargetState)
	if !ok {
		return invalid("state %s is not declared by concept %s", b.TargetState, concept.ID)
	}
	col := b.StateColumn()
	guardData := schema.CloneMap(exec.Context)
	guardData["targetState"] = b.TargetState

	switch b.Action {
	case schema.DataCreate:
		record, _ := params["record"].(map[string]any)
		if record == nil {
			record = map[string]any{}
			params["record"] = record
		}
		record[col] = b.TargetState
		if target.EnterRuleSet != "" {
			if err := e.checkGuard(ctx, target.EnterRuleSet, guardData, step.ID); err != nil {
				return invalid("cannot enter %s", b.TargetState).WithCause(err)
			}
		}
		return nil

	case schema.DataUpdate:
		filter, _ := params["filter"].(map[string]any)
		if len(filter) == 0 {
			return invalid("state transition to %s requires a filter", b.TargetState)
		}
		if e.data == nil {
			return invalid("no data engine to read current state")
		}
		res := e.data.Exec(ctx, schema.DataRequest{Action: schema.DataRead, Resource: b.Resource},
			map[string]any{"filter": filter, "limit": 1}, exec.Context,
			schema.ExecMeta{ExecutionID: exec.ID, StepID: step.ID})
		if !res.OK {
			return invalid("cannot read current state of %s: %s", b.Resource, res.Error)
		}
		row := firstRow(res.Data)
		if row == nil {
			return invalid("no %s record matches the filter", b.Resource)
		}
		current := rules.String(row[col])
		if current == "" {
			return invalid("%s record has no %s", b.Resource, col)
		}
		from, ok := concept.State(current)
		if !ok {
			return invalid("current state %s is not declared by concept %s", current, concept.ID)
		}
		if !from.Allows(b.TargetState) {
			return invalid("transition %s -> %s is not allowed", current, b.TargetState)
		}
		guardData["currentState"] = current
		if from.ExitRuleSet != "" {
			if err := e.checkGuard(ctx, from.ExitRuleSet, guardData, step.ID); err != nil {
				return invalid("cannot leave %s", current).WithCause(err)
			}
		}
		if target.EnterRuleSet != "" {
			if err := e.checkGuard(ctx, target.EnterRuleSet, guardData, step.ID); err != nil {
				return invalid("cannot enter %s", b.TargetState).WithCause(err)
			}
		}
		patch, _ := params["patch"].(map[string]any)
		if patch == nil {
			patch = map[string]any{}
			params["patch"] = patch
		}
		patch[col] = b.TargetState
		return nil
	}
	return nil
}

func firstRow(data any) map[string]any {
	switch v := data.(type) {
	case map[string]any:
		return v
	case []map[string]any:
		if len(v) > 0 {
			return v[0]
		}
	case []any:
		if len(v) > 0 {
			row, _ := v[0].(map[string]any)
			return row
		}
	}
	return nil
}
