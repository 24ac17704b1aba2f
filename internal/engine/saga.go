package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/flowcore/internal/actions"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/pkg/schema"
)

// compensate runs the recorded compensations of exec newest first, each with
// the context captured when its step succeeded. A failing compensation is
// recorded and the rest still run. The execution ends compensated with cause
// kept as its error.
func (e *Engine) compensate(ctx context.Context, exec *schema.Execution, cause error) error {
	log := logging.LogWith(ctx, e.logger)
	exec.Error = cause.Error()
	log.Error("step failed permanently, compensating",
		slog.String("error", exec.Error), slog.Int("compensations", len(exec.Compensations)))

	if err := e.fsm.Transition(ctx, exec, schema.ExecutionCompensating); err != nil {
		return err
	}
	e.save(ctx, exec)

	for i := len(exec.Compensations) - 1; i >= 0; i-- {
		c := exec.Compensations[i]
		step := &schema.StepDefinition{ID: c.StepID, Type: schema.StepTypeAction, Action: c.Action}
		if err := e.runCompensation(logging.WithStepID(ctx, c.StepID), exec, c); err != nil {
			log.Error("compensation failed",
				slog.String("step_id", c.StepID), slog.String("action", c.Action), slog.String("error", err.Error()))
			e.record(exec, step, schema.HistoryCompFailed, err)
			continue
		}
		e.record(exec, step, schema.HistoryCompensated, nil)
	}

	exec.Error = cause.Error()
	if err := e.fsm.Transition(ctx, exec, schema.ExecutionCompensated); err != nil {
		return err
	}
	e.save(ctx, exec)
	return nil
}

func (e *Engine) runCompensation(ctx context.Context, exec *schema.Execution, c schema.CompensationEntry) error {
	if e.actions == nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "no action runner for compensation %s", c.Action)
	}
	_, err := e.actions.Run(ctx, actions.ActionInput{
		ExecutionID: exec.ID,
		StepID:      c.StepID,
		Action:      c.Action,
		Params:      schema.CloneMap(c.Context),
		Context:     schema.CloneMap(c.Context),
	})
	return err
}
