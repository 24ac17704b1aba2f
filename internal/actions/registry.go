package actions

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/flowcore/pkg/schema"
)

// Registry is the thread-safe ActionRegistry implementation. An optional
// fallback runs actions that have no registered implementation.
type Registry struct {
	mu       sync.RWMutex
	actions  map[string]Action
	fallback Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds an action. Returns CONFLICT on a duplicate name.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}
	r.actions[name] = action
	return nil
}

// RegisterFunc registers fn under name.
func (r *Registry) RegisterFunc(name, description string, fn Func) error {
	return r.Register(&funcAction{name: name, desc: description, fn: fn})
}

// SetFallback sets the action used for unregistered names.
func (r *Registry) SetFallback(a Action) {
	r.mu.Lock()
	r.fallback = a
	r.mu.Unlock()
}

// Get retrieves an action by name, falling back when one is set.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if action, ok := r.actions[name]; ok {
		return action, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not registered", name)
}

// Run validates params and executes the named action.
func (r *Registry) Run(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	action, err := r.Get(input.Action)
	if err != nil {
		return nil, err
	}
	if err := action.Validate(input.Params); err != nil {
		return nil, err
	}
	out, err := action.Execute(ctx, input)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &ActionOutput{}
	}
	return out, nil
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		infos = append(infos, ActionInfo{
			Name:        a.Name(),
			Description: a.Schema().Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Has reports whether an action is registered or a fallback is set.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok || r.fallback != nil
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// Func is the shape of a function-backed action.
type Func func(ctx context.Context, input ActionInput) (map[string]any, error)

type funcAction struct {
	name string
	desc string
	fn   Func
}

func (f *funcAction) Name() string                 { return f.name }
func (f *funcAction) Schema() ActionSchema         { return ActionSchema{Description: f.desc} }
func (f *funcAction) Validate(map[string]any) error { return nil }

func (f *funcAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	data, err := f.fn(ctx, input)
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Data: data}, nil
}
