package actions

import (
	"context"

	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/pkg/schema"
)

// --- expr.eval ---

type exprEvalAction struct {
	engines *expressions.Registry
}

func (a *exprEvalAction) Name() string { return "expr.eval" }

func (a *exprEvalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate a cel, expr or jq expression against the execution context",
	}
}

func (a *exprEvalAction) Validate(params map[string]any) error {
	if stringParam(params, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval requires non-empty 'expression' string parameter")
	}
	return nil
}

func (a *exprEvalAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	expression := stringParam(input.Params, "expression", "")
	engine := stringParam(input.Params, "engine", "expr")

	scope := make(map[string]any, len(input.Context)+1)
	for k, v := range input.Context {
		scope[k] = v
	}
	if data, ok := input.Params["data"]; ok {
		scope["data"] = data
	}

	result, err := a.engines.Evaluate(ctx, engine, expression, scope)
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Data: map[string]any{"result": result}}, nil
}
