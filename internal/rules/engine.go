// Package rules evaluates declarative rule sets against arbitrary data.
package rules

import (
	"context"
	"log/slog"

	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/pkg/schema"
)

// Store is where rule sets live. *metadata.Catalog satisfies it.
type Store interface {
	RuleSet(ctx context.Context, id string) (*schema.RuleSet, error)
	RuleSets(ctx context.Context) ([]*schema.RuleSet, error)
	SaveRuleSet(ctx context.Context, rs *schema.RuleSet) error
	DeleteRuleSet(ctx context.Context, id string) error
}

// Engine evaluates rule sets. It holds no state of its own besides its
// collaborators, so a single Engine is safe for concurrent use.
type Engine struct {
	store  Store
	exprs  *expressions.Registry
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithExpressions enables "expression" conditions.
func WithExpressions(r *expressions.Registry) Option {
	return func(e *Engine) { e.exprs = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine reading rule sets from store.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{store: store}
	for _, o := range opts {
		o(e)
	}
	e.logger = logging.OrDiscard(e.logger)
	return e
}

// Evaluate loads ruleSetID and returns every rule whose condition holds
// against data, in declaration order.
func (e *Engine) Evaluate(ctx context.Context, ruleSetID string, data map[string]any) ([]schema.RuleMatch, error) {
	rs, err := e.store.RuleSet(ctx, ruleSetID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "rule set not found: %s", ruleSetID).WithCause(err)
		}
		return nil, err
	}
	return e.EvaluateRuleSet(ctx, rs, data), nil
}

// EvaluateRuleSet evaluates an already loaded rule set.
func (e *Engine) EvaluateRuleSet(ctx context.Context, rs *schema.RuleSet, data map[string]any) []schema.RuleMatch {
	matches := make([]schema.RuleMatch, 0)
	for _, rule := range rs.Rules {
		if e.EvaluateCondition(ctx, rule.Condition, data) {
			matches = append(matches, schema.RuleMatch{RuleID: rule.ID, Outcome: rule.Outcome})
		}
	}
	return matches
}

// EvaluateCondition evaluates a condition tree. A nil condition, an unknown
// type and an unknown operator all evaluate to false.
func (e *Engine) EvaluateCondition(ctx context.Context, c *schema.Condition, data map[string]any) bool {
	if c == nil {
		return false
	}
	switch c.Type {
	case schema.ConditionComparison:
		return compare(c, data)
	case schema.ConditionAnd:
		for i := range c.Conditions {
			if !e.EvaluateCondition(ctx, &c.Conditions[i], data) {
				return false
			}
		}
		return true
	case schema.ConditionOr:
		for i := range c.Conditions {
			if e.EvaluateCondition(ctx, &c.Conditions[i], data) {
				return true
			}
		}
		return false
	case schema.ConditionNot:
		return !e.EvaluateCondition(ctx, c.Condition, data)
	case schema.ConditionExpression:
		return e.evaluateExpression(ctx, c, data)
	case "":
		// Shorthand used by decision steps: {field, operator, value}.
		if c.Field != "" {
			return compare(c, data)
		}
	}
	e.logger.Warn("unknown condition type", slog.String("type", string(c.Type)))
	return false
}

func (e *Engine) evaluateExpression(ctx context.Context, c *schema.Condition, data map[string]any) bool {
	if e.exprs == nil {
		e.logger.Warn("expression condition without expression engines")
		return false
	}
	engine := c.Engine
	if engine == "" {
		engine = "cel"
	}
	ok, err := e.exprs.EvaluateBool(ctx, engine, c.Expression, map[string]any{"data": data})
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("expression condition failed",
			slog.String("engine", engine), slog.String("error", err.Error()))
		return false
	}
	return ok
}

// RuleSets lists all rule sets.
func (e *Engine) RuleSets(ctx context.Context) ([]*schema.RuleSet, error) {
	return e.store.RuleSets(ctx)
}

// RuleSet returns one rule set.
func (e *Engine) RuleSet(ctx context.Context, id string) (*schema.RuleSet, error) {
	return e.store.RuleSet(ctx, id)
}

// RuleSetsForConcept returns the rule sets bound to conceptID.
func (e *Engine) RuleSetsForConcept(ctx context.Context, conceptID string) ([]*schema.RuleSet, error) {
	all, err := e.store.RuleSets(ctx)
	if err != nil {
		return nil, err
	}
	var out []*schema.RuleSet
	for _, rs := range all {
		if rs.Concept == conceptID {
			out = append(out, rs)
		}
	}
	return out, nil
}

// AddRuleSet stores a new rule set and fails with CONFLICT if the ID exists.
func (e *Engine) AddRuleSet(ctx context.Context, rs *schema.RuleSet) error {
	rs.Version = 0
	if err := e.store.SaveRuleSet(ctx, rs); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return schema.NewErrorf(schema.ErrCodeConflict, "rule set ID already exists: %s", rs.ID).WithCause(err)
		}
		return err
	}
	return nil
}

// UpdateRuleSet applies mutate to the stored rule set and saves it against
// the version it was read at. The ID cannot be changed.
func (e *Engine) UpdateRuleSet(ctx context.Context, id string, mutate func(*schema.RuleSet)) (*schema.RuleSet, error) {
	rs, err := e.store.RuleSet(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(rs)
	rs.ID = id
	if err := e.store.SaveRuleSet(ctx, rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// DeleteRuleSet removes a rule set.
func (e *Engine) DeleteRuleSet(ctx context.Context, id string) error {
	return e.store.DeleteRuleSet(ctx, id)
}

// Seed stores the default rule sets that are not already present.
func (e *Engine) Seed(ctx context.Context) error {
	for _, rs := range DefaultRuleSets() {
		if _, err := e.store.RuleSet(ctx, rs.ID); err == nil {
			continue
		} else if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return err
		}
		if err := e.store.SaveRuleSet(ctx, rs); err != nil {
			return err
		}
	}
	return nil
}
