package schema

import (
	"math"
	"time"
)

// StepType identifies how the workflow engine dispatches a step.
type StepType string

const (
	StepTypeAction    StepType = "action"
	StepTypeDecision  StepType = "decision"
	StepTypeHumanTask StepType = "human-task"
	StepTypeEnd       StepType = "end"
)

// WorkflowDefinition is a declarative business process graph.
type WorkflowDefinition struct {
	ID           string           `json:"id" yaml:"id"`
	Name         string           `json:"name" yaml:"name"`
	Description  string           `json:"description,omitempty" yaml:"description,omitempty"`
	TriggerEvent string           `json:"triggerEvent,omitempty" yaml:"triggerEvent,omitempty"`
	Concept      string           `json:"concept,omitempty" yaml:"concept,omitempty"`
	Steps        []StepDefinition `json:"steps" yaml:"steps"`
	Version      int64            `json:"version,omitempty" yaml:"version,omitempty"`
}

// Step returns the step with the given ID.
func (d *WorkflowDefinition) Step(id string) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// FirstStep returns the ID of the entry step, or "" for an empty definition.
func (d *WorkflowDefinition) FirstStep() string {
	if len(d.Steps) == 0 {
		return ""
	}
	return d.Steps[0].ID
}

// StepDefinition is a single node of a workflow graph.
type StepDefinition struct {
	ID   string   `json:"id" yaml:"id"`
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type StepType `json:"type" yaml:"type"`

	// action
	Action       string         `json:"action,omitempty" yaml:"action,omitempty"`
	Params       map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Compensation string         `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	RetryPolicy  *RetryPolicy   `json:"retryPolicy,omitempty" yaml:"retryPolicy,omitempty"`
	RequiresLock bool           `json:"requiresLock,omitempty" yaml:"requiresLock,omitempty"`
	GuardRuleSet string         `json:"guardRuleSet,omitempty" yaml:"guardRuleSet,omitempty"`
	DB           *DBBinding     `json:"db,omitempty" yaml:"db,omitempty"`

	// decision
	RuleSet   string            `json:"ruleSet,omitempty" yaml:"ruleSet,omitempty"`
	Condition *Condition        `json:"condition,omitempty" yaml:"condition,omitempty"`
	Branches  map[string]string `json:"branches,omitempty" yaml:"branches,omitempty"`
	Default   string            `json:"default,omitempty" yaml:"default,omitempty"`

	// human-task
	TaskType       string `json:"taskType,omitempty" yaml:"taskType,omitempty"`
	AssignmentRule string `json:"assignmentRule,omitempty" yaml:"assignmentRule,omitempty"`
	Timeout        string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	Next string `json:"next,omitempty" yaml:"next,omitempty"`
}

// Targets returns every step ID this step may transfer control to.
func (s *StepDefinition) Targets() []string {
	var out []string
	if s.Next != "" {
		out = append(out, s.Next)
	}
	if s.Default != "" {
		out = append(out, s.Default)
	}
	for _, t := range s.Branches {
		out = append(out, t)
	}
	return out
}

// DBBinding maps an action step onto the DB-engine collaborator.
type DBBinding struct {
	Action        string         `json:"action" yaml:"action"`
	Resource      string         `json:"resource" yaml:"resource"`
	Transactional bool           `json:"transactional,omitempty" yaml:"transactional,omitempty"`
	Params        map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	// TargetState enables the concept state-transition guard.
	TargetState string `json:"targetState,omitempty" yaml:"targetState,omitempty"`
	// StateField names the column holding the current state. Defaults to "state".
	StateField string `json:"stateField,omitempty" yaml:"stateField,omitempty"`
}

// StateColumn returns the configured state column or the default.
func (b *DBBinding) StateColumn() string {
	if b.StateField == "" {
		return "state"
	}
	return b.StateField
}

// RetryPolicy governs action step retries:
// delay = min(maxDelay, initialDelay × multiplier^attempt).
type RetryPolicy struct {
	MaxAttempts       int     `json:"maxAttempts" yaml:"maxAttempts"`
	InitialDelayMs    int64   `json:"initialDelayMs" yaml:"initialDelayMs"`
	MaxDelayMs        int64   `json:"maxDelayMs" yaml:"maxDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier" yaml:"backoffMultiplier"`
}

// DefaultRetryPolicy returns 3 attempts, 1s initial delay, 30s cap, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelayMs:    1000,
		MaxDelayMs:        30000,
		BackoffMultiplier: 2,
	}
}

// Delay returns the wait before retry number attempt (zero-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	ms := float64(p.InitialDelayMs) * math.Pow(mult, float64(attempt))
	if p.MaxDelayMs > 0 && ms > float64(p.MaxDelayMs) {
		ms = float64(p.MaxDelayMs)
	}
	return time.Duration(ms) * time.Millisecond
}
