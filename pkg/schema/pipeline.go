package schema

import "time"

// Pipeline step types.
const (
	PipelineStepData  = "data"
	PipelineStepLogic = "logic"
)

// Backoff modes for pipeline step retries.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Pipeline is a flat, ordered list of steps run by the execution orchestrator.
type Pipeline struct {
	ID    string         `json:"id" yaml:"id"`
	Name  string         `json:"name,omitempty" yaml:"name,omitempty"`
	Steps []PipelineStep `json:"steps" yaml:"steps"`
}

// PipelineStep is a single data or logic operation.
type PipelineStep struct {
	ID   string `json:"id" yaml:"id"`
	Type string `json:"type" yaml:"type"`

	// data: Action is query|read|create|update|delete on Resource.
	// logic: Action names a registered logic script; Snippet is inline source.
	Action        string `json:"action,omitempty" yaml:"action,omitempty"`
	Resource      string `json:"resource,omitempty" yaml:"resource,omitempty"`
	Transactional bool   `json:"transactional,omitempty" yaml:"transactional,omitempty"`
	Snippet       string `json:"snippet,omitempty" yaml:"snippet,omitempty"`

	Params         map[string]any    `json:"params,omitempty" yaml:"params,omitempty"`
	RetryPolicy    *PipelineRetry    `json:"retryPolicy,omitempty" yaml:"retryPolicy,omitempty"`
	TimeoutMs      int64             `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	Compensation   []PipelineStep    `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	OutputBindings map[string]string `json:"outputBindings,omitempty" yaml:"outputBindings,omitempty"`
}

// PipelineRetry configures per-step attempts.
type PipelineRetry struct {
	MaxAttempts int    `json:"maxAttempts" yaml:"maxAttempts"`
	Backoff     string `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// LogicScript is a named Go function run by the sandboxed logic executor.
// Source must declare func Run(input map[string]any) (any, error).
type LogicScript struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Source      string `json:"source" yaml:"source"`
	Version     int64  `json:"version,omitempty" yaml:"version,omitempty"`
}

// StepError pairs a step with a failure message.
type StepError struct {
	StepID  string `json:"stepId" msgpack:"stepId"`
	Message string `json:"message" msgpack:"message"`
}

// StepRecord is the audited outcome of one pipeline step.
type StepRecord struct {
	StepID   string    `json:"stepId"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Output   any       `json:"output,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Pipeline step statuses.
const (
	StepSucceeded = "success"
	StepFailed    = "failed"
)

// PipelineRun is the complete persisted record of one orchestrator run.
type PipelineRun struct {
	ExecutionID    string         `json:"executionId"`
	PipelineID     string         `json:"metadataId,omitempty"`
	Name           string         `json:"name,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Start          time.Time      `json:"start"`
	End            time.Time      `json:"end"`
	Success        bool           `json:"success"`
	Inputs         map[string]any `json:"inputs"`
	Steps          []StepRecord   `json:"steps"`
	Errors         []StepError    `json:"errors"`
	Outputs        map[string]any `json:"outputs"`
	Vars           map[string]any `json:"vars,omitempty"`
}

// PipelineResult is returned to orchestrator callers.
type PipelineResult struct {
	ExecutionID string         `json:"executionId"`
	Success     bool           `json:"success"`
	Message     string         `json:"message"`
	Errors      []StepError    `json:"errors,omitempty"`
	Outputs     map[string]any `json:"outputs"`
	Steps       []StepRecord   `json:"steps"`
	Replayed    bool           `json:"replayed,omitempty"`
}

// DataRequest is the step half of the DB-engine collaborator contract.
type DataRequest struct {
	Action        string `json:"action"`
	Resource      string `json:"resource"`
	Transactional bool   `json:"transactional,omitempty"`
}

// ExecMeta scopes a data call to an (execution, step) pair.
type ExecMeta struct {
	ExecutionID string `json:"executionId"`
	StepID      string `json:"stepId"`
}

// DataResult is the DB-engine collaborator response.
type DataResult struct {
	OK    bool           `json:"ok"`
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Error string         `json:"error,omitempty"`
	// Retryable marks failures such as deadlocks that a retry policy may act on.
	Retryable bool `json:"retryable,omitempty"`
}

// Data actions.
const (
	DataQuery  = "query"
	DataRead   = "read"
	DataCreate = "create"
	DataUpdate = "update"
	DataDelete = "delete"
)
