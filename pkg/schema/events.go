package schema

import "time"

// Lifecycle event types published by the execution orchestrator.
const (
	EventExecutionStarted      = "execution.started"
	EventStepStarted           = "step.started"
	EventStepSucceeded         = "step.succeeded"
	EventStepFailed            = "step.failed"
	EventCompensationSucceeded = "compensation.succeeded"
	EventCompensationFailed    = "compensation.failed"
	EventExecutionSucceeded    = "execution.succeeded"
	EventExecutionFailed       = "execution.failed"
)

// Workflow engine telemetry event types.
const (
	EventWorkflowStarted     = "workflow.started"
	EventWorkflowStepRetry   = "workflow.step.retrying"
	EventWorkflowWaiting     = "workflow.waiting"
	EventWorkflowResumed     = "workflow.resumed"
	EventWorkflowCompleted   = "workflow.completed"
	EventWorkflowFailed      = "workflow.failed"
	EventWorkflowCompensated = "workflow.compensated"
	EventCircuitOpened       = "circuit.opened"
)

// LifecycleEvent is the payload published on the lifecycle-events channel.
type LifecycleEvent struct {
	ExecutionID string         `json:"executionId" msgpack:"executionId"`
	StepID      string         `json:"stepId,omitempty" msgpack:"stepId,omitempty"`
	Type        string         `json:"type" msgpack:"type"`
	Timestamp   time.Time      `json:"timestamp" msgpack:"timestamp"`
	MetadataID  string         `json:"metadataId,omitempty" msgpack:"metadataId,omitempty"`
	CompID      string         `json:"compId,omitempty" msgpack:"compId,omitempty"`
	Output      any            `json:"output,omitempty" msgpack:"output,omitempty"`
	Error       string         `json:"error,omitempty" msgpack:"error,omitempty"`
	Errors      []StepError    `json:"errors,omitempty" msgpack:"errors,omitempty"`
	Subject     string         `json:"subject,omitempty" msgpack:"subject,omitempty"`
	Attrs       map[string]any `json:"attrs,omitempty" msgpack:"attrs,omitempty"`
}

// EventStatus is the delivery state of a durable event record.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventPublished EventStatus = "published"
	EventFailed    EventStatus = "failed"
)

// Event levels.
const (
	EventLevelDomain    = "domain"
	EventLevelTechnical = "technical"
)

// Producer identifies the service that emitted an event.
type Producer struct {
	Service  string `json:"service" msgpack:"service"`
	Instance string `json:"instance,omitempty" msgpack:"instance,omitempty"`
}

// Actor identifies who caused an event.
type Actor struct {
	User  string `json:"user,omitempty" msgpack:"user,omitempty"`
	Role  string `json:"role,omitempty" msgpack:"role,omitempty"`
	Group string `json:"group,omitempty" msgpack:"group,omitempty"`
}

// EventRecord is the durable envelope stored by the event bus.
type EventRecord struct {
	ID             string      `json:"id" msgpack:"id"`
	Event          string      `json:"event" msgpack:"event"`
	CanonicalEvent string      `json:"canonicalEvent,omitempty" msgpack:"canonicalEvent,omitempty"`
	Module         string      `json:"module" msgpack:"module"`
	Domain         string      `json:"domain" msgpack:"domain"`
	Version        int         `json:"version" msgpack:"version"`
	Detail         any         `json:"detail,omitempty" msgpack:"detail,omitempty"`
	TS             int64       `json:"ts" msgpack:"ts"`
	Producer       *Producer   `json:"producer,omitempty" msgpack:"producer,omitempty"`
	Actor          *Actor      `json:"actor,omitempty" msgpack:"actor,omitempty"`
	Status         EventStatus `json:"status" msgpack:"status"`
	Attempts       int         `json:"attempts" msgpack:"attempts"`
	LastError      string      `json:"lastError,omitempty" msgpack:"lastError,omitempty"`
	PublishedTS    int64       `json:"publishedTs,omitempty" msgpack:"publishedTs,omitempty"`
	Level          string      `json:"level,omitempty" msgpack:"level,omitempty"`
	Field          string      `json:"field,omitempty" msgpack:"field,omitempty"`
}

// Name returns the canonical event name if set, otherwise the raw one.
func (r *EventRecord) Name() string {
	if r.CanonicalEvent != "" {
		return r.CanonicalEvent
	}
	return r.Event
}
