// Package actions is the generic job collaborator of the workflow engine:
// action steps without a db binding run a named Action from a Registry.
package actions

import "context"

// Action is an executable unit of work behind a workflow action step.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(params map[string]any) error
}

// ActionRegistry manages the lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes an action for listings.
type ActionSchema struct {
	Description string `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time.
type ActionInput struct {
	ExecutionID string         `json:"executionId"`
	StepID      string         `json:"stepId"`
	Action      string         `json:"action"`
	Params      map[string]any `json:"params"`
	Context     map[string]any `json:"context,omitempty"`
}

// ActionOutput is the result of an action execution. The engine stores Data
// under "<stepId>_result" in the execution context.
type ActionOutput struct {
	Data map[string]any `json:"data,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func stringParam(m map[string]any, key, defaultVal string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return defaultVal
}
