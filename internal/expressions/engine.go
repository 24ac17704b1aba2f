// Package expressions evaluates CEL, expr and jq expressions and resolves
// ${...} parameter templates.
package expressions

import (
	"context"
	"fmt"
	"sort"

	"github.com/rendis/flowcore/pkg/schema"
)

// Engine evaluates one expression language. vars holds the top-level
// variables visible to the expression.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
}

// Registry holds the available engines by name.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry returns a registry with the cel, expr and jq engines.
func NewRegistry() (*Registry, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	r := &Registry{engines: make(map[string]Engine)}
	r.Register(celEngine)
	r.Register(NewExprEngine())
	r.Register(NewGoJQEngine())
	return r, nil
}

// Register adds or replaces an engine.
func (r *Registry) Register(e Engine) {
	r.engines[e.Name()] = e
}

// Get returns the engine with the given name.
func (r *Registry) Get(name string) (Engine, error) {
	e, ok := r.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown expression engine %q; available: %v", name, r.Names())
	}
	return e, nil
}

// Names lists registered engines in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.engines))
	for n := range r.engines {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Evaluate runs expression on the named engine.
func (r *Registry) Evaluate(ctx context.Context, engine, expression string, vars map[string]any) (any, error) {
	e, err := r.Get(engine)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, expression, vars)
}

// EvaluateBool runs expression and requires a boolean result.
func (r *Registry) EvaluateBool(ctx context.Context, engine, expression string, vars map[string]any) (bool, error) {
	out, err := r.Evaluate(ctx, engine, expression, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"%s expression %q returned %s, want bool", engine, expression, fmt.Sprintf("%T", out))
	}
	return b, nil
}
