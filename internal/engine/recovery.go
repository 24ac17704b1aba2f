package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/pkg/schema"
)

// Recover resumes executions left behind by a crash and enforces human-task
// timeouts. Running or retrying executions not updated within StaleAfter are
// rescheduled; waiting executions past their timeout fail with TIMEOUT and
// are compensated. It returns how many executions it acted on.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	all, err := e.ListExecutions(ctx, ExecutionFilter{})
	if err != nil {
		return 0, err
	}
	now := e.now().UTC()
	n := 0
	for _, exec := range all {
		switch exec.Status {
		case schema.ExecutionRunning, schema.ExecutionRetrying:
			if now.Sub(exec.UpdatedAt) < e.cfg.StaleAfter {
				continue
			}
			logging.LogWith(ctx, e.logger).Info("resuming stale execution",
				slog.String("execution_id", exec.ID), slog.String("step_id", exec.CurrentStep))
			e.schedule(exec.ID)
			n++
		case schema.ExecutionWaiting:
			if exec.WaitingFor == nil || exec.WaitingFor.TimeoutAt == nil || now.Before(*exec.WaitingFor.TimeoutAt) {
				continue
			}
			if e.expireTask(ctx, exec.ID) {
				n++
			}
		}
	}
	return n, nil
}

// expireTask compensates a waiting execution whose task timed out.
func (e *Engine) expireTask(ctx context.Context, id string) bool {
	unlock := e.lockExec(id)
	defer unlock()

	exec, err := e.load(ctx, id)
	if err != nil || exec.Status != schema.ExecutionWaiting || exec.WaitingFor == nil {
		return false
	}
	ctx = logging.WithIDs(ctx, exec.ID, exec.WorkflowID, exec.WaitingFor.StepID)
	cause := schema.NewErrorf(schema.ErrCodeTimeout, "human task %s timed out", exec.WaitingFor.StepID).
		WithStep(exec.WaitingFor.StepID)
	step := &schema.StepDefinition{ID: exec.WaitingFor.StepID, Type: schema.StepTypeHumanTask}
	e.record(exec, step, schema.HistoryFailed, cause)
	if err := e.compensate(ctx, exec, cause); err != nil {
		logging.LogWith(ctx, e.logger).Error("expire human task", slog.String("error", err.Error()))
		return false
	}
	return true
}

// HealthMetrics counts executions by status alongside engine internals.
type HealthMetrics struct {
	Running             int         `json:"running"`
	Waiting             int         `json:"waiting"`
	Retrying            int         `json:"retrying"`
	Compensating        int         `json:"compensating"`
	Failed              int         `json:"failed"`
	Compensated         int         `json:"compensated"`
	Completed           int         `json:"completed"`
	OpenCircuitBreakers []string    `json:"openCircuitBreakers"`
	ActiveLocks         int         `json:"activeLocks"`
	Pool                PoolMetrics `json:"pool"`
}

// HealthReport is the engine health snapshot.
type HealthReport struct {
	Healthy bool          `json:"healthy"`
	Metrics HealthMetrics `json:"metrics"`
	Error   string        `json:"error,omitempty"`
}

// Health reports the engine as healthy when no circuit is open and failed
// executions stay under 10% of running ones.
func (e *Engine) Health(ctx context.Context) *HealthReport {
	m := HealthMetrics{
		OpenCircuitBreakers: e.breakers.OpenCircuits(),
		ActiveLocks:         e.locks.Active(),
		Pool:                e.pool.Metrics(),
	}
	if m.OpenCircuitBreakers == nil {
		m.OpenCircuitBreakers = []string{}
	}
	all, err := e.ListExecutions(ctx, ExecutionFilter{})
	if err != nil {
		return &HealthReport{Healthy: false, Metrics: m, Error: err.Error()}
	}
	for _, exec := range all {
		switch exec.Status {
		case schema.ExecutionRunning:
			m.Running++
		case schema.ExecutionWaiting:
			m.Waiting++
		case schema.ExecutionRetrying:
			m.Retrying++
		case schema.ExecutionCompensating:
			m.Compensating++
		case schema.ExecutionFailed:
			m.Failed++
		case schema.ExecutionCompensated:
			m.Compensated++
		case schema.ExecutionCompleted:
			m.Completed++
		}
	}
	healthy := len(m.OpenCircuitBreakers) == 0 &&
		(m.Failed == 0 || float64(m.Failed) < float64(m.Running)*0.1)
	return &HealthReport{Healthy: healthy, Metrics: m}
}
