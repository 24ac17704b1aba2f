package schema

import "time"

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionRunning      ExecutionStatus = "running"
	ExecutionRetrying     ExecutionStatus = "retrying"
	ExecutionWaiting      ExecutionStatus = "waiting"
	ExecutionCompensating ExecutionStatus = "compensating"
	ExecutionCompensated  ExecutionStatus = "compensated"
	ExecutionCompleted    ExecutionStatus = "completed"
	ExecutionFailed       ExecutionStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCompensated
}

// Execution is a running instance of a WorkflowDefinition.
type Execution struct {
	ID             string              `json:"id"`
	WorkflowID     string              `json:"workflowId"`
	WorkflowName   string              `json:"workflowName,omitempty"`
	Status         ExecutionStatus     `json:"status"`
	CurrentStep    string              `json:"currentStep,omitempty"`
	Inputs         map[string]any      `json:"inputs,omitempty"`
	Context        map[string]any      `json:"context"`
	History        []HistoryEntry      `json:"history"`
	Compensations  []CompensationEntry `json:"compensations"`
	RetryAttempts  map[string]int      `json:"retryAttempts"`
	IdempotencyKey string              `json:"idempotencyKey"`
	TriggeredBy    string              `json:"triggeredBy,omitempty"`
	Locks          []string            `json:"locks"`
	WaitingFor     *WaitingFor         `json:"waitingFor,omitempty"`
	Error          string              `json:"error,omitempty"`
	StartedAt      time.Time           `json:"startedAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`
	FailedAt       *time.Time          `json:"failedAt,omitempty"`
	CompensatedAt  *time.Time          `json:"compensatedAt,omitempty"`
}

// HistoryEntry is one append-only record of step activity.
type HistoryEntry struct {
	StepID    string    `json:"stepId"`
	StepType  StepType  `json:"stepType,omitempty"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// History entry statuses.
const (
	HistoryStarted     = "started"
	HistorySucceeded   = "succeeded"
	HistoryFailed      = "failed"
	HistoryRetrying    = "retrying"
	HistoryWaiting     = "waiting"
	HistoryResumed     = "resumed"
	HistoryCompensated = "compensated"
	HistoryCompFailed  = "compensation_failed"
)

// CompensationEntry is a recorded undo action with the context captured when
// the original step succeeded.
type CompensationEntry struct {
	StepID     string         `json:"stepId"`
	Action     string         `json:"action"`
	Context    map[string]any `json:"context"`
	RecordedAt time.Time      `json:"recordedAt"`
}

// WaitingFor describes the human task an execution is parked on.
type WaitingFor struct {
	StepID     string     `json:"stepId"`
	TaskType   string     `json:"taskType,omitempty"`
	AssignedTo string     `json:"assignedTo,omitempty"`
	TimeoutAt  *time.Time `json:"timeoutAt,omitempty"`
}

// CloneMap deep-copies maps and slices so snapshots are immune to later writes.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
