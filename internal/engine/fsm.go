package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/flowcore/pkg/schema"
)

// ValidExecutionTransitions is the execution state machine:
// running -> {retrying, waiting, compensating} -> {completed, failed, compensated}.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionRunning: {
		schema.ExecutionRetrying, schema.ExecutionWaiting, schema.ExecutionCompensating,
		schema.ExecutionCompleted, schema.ExecutionFailed,
	},
	schema.ExecutionRetrying: {
		schema.ExecutionRunning, schema.ExecutionCompensating, schema.ExecutionFailed,
	},
	schema.ExecutionWaiting: {
		schema.ExecutionRunning, schema.ExecutionCompensating, schema.ExecutionFailed,
	},
	schema.ExecutionCompensating: {
		schema.ExecutionCompensated, schema.ExecutionFailed,
	},
}

// TransitionHook observes a completed transition. exec already carries the
// new status.
type TransitionHook func(ctx context.Context, exec *schema.Execution, from schema.ExecutionStatus)

// ExecutionFSM validates execution status changes and runs hooks after each.
type ExecutionFSM struct {
	mu    sync.RWMutex
	after map[schema.ExecutionStatus][]TransitionHook
}

// NewExecutionFSM creates an FSM with no hooks.
func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{after: make(map[schema.ExecutionStatus][]TransitionHook)}
}

// OnEnter registers a hook run after every transition into to.
func (f *ExecutionFSM) OnEnter(to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[to] = append(f.after[to], hook)
}

// CanTransition reports whether from -> to is declared.
func CanTransition(from, to schema.ExecutionStatus) bool {
	return slices.Contains(ValidExecutionTransitions[from], to)
}

// Transition moves exec to status to. The caller persists the execution.
func (f *ExecutionFSM) Transition(ctx context.Context, exec *schema.Execution, to schema.ExecutionStatus) error {
	from := exec.Status
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": string(from), "to": string(to)})
	}
	exec.Status = to

	f.mu.RLock()
	hooks := slices.Clone(f.after[to])
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, exec, from)
	}
	return nil
}
