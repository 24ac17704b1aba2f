package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry()
	require.NoError(t, err)
	return r
}

func TestRegistry_Names(t *testing.T) {
	assert.Equal(t, []string{"cel", "expr", "jq"}, newRegistry(t).Names())
}

func TestRegistry_UnknownEngine(t *testing.T) {
	_, err := newRegistry(t).Evaluate(context.Background(), "lua", "1", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCEL_DataVariable(t *testing.T) {
	r := newRegistry(t)
	ok, err := r.EvaluateBool(context.Background(), "cel", `data.amount > 100.0 && data.vendor.risk == "High"`,
		map[string]any{"data": map[string]any{"amount": 150.0, "vendor": map[string]any{"risk": "High"}}})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_MissingVariableDefaultsToEmptyMap(t *testing.T) {
	out, err := newRegistry(t).Evaluate(context.Background(), "cel", `size(steps)`, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), out)
}

func TestCEL_CompileError(t *testing.T) {
	_, err := newRegistry(t).Evaluate(context.Background(), "cel", `data.(`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestExpr_Evaluate(t *testing.T) {
	r := newRegistry(t)
	out, err := r.Evaluate(context.Background(), "expr", `data.amount * 2`, map[string]any{"data": map[string]any{"amount": 21}})
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	ok, err := r.EvaluateBool(context.Background(), "expr", `missing == nil`, map[string]any{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpr_CacheIgnoresEnvShape(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `x + 1`, map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	out, err = e.Evaluate(context.Background(), `x + 1`, map[string]any{"x": 1.5})
	require.NoError(t, err)
	assert.Equal(t, 2.5, out)
}

func TestEvaluateBool_RejectsNonBool(t *testing.T) {
	_, err := newRegistry(t).EvaluateBool(context.Background(), "expr", `1 + 1`, nil)
	assert.Error(t, err)
}

func TestJQ_SingleAndMultipleOutputs(t *testing.T) {
	r := newRegistry(t)
	vars := map[string]any{"steps": map[string]any{"fetch": map[string]any{"items": []any{1, 2, int64(3)}}}}

	out, err := r.Evaluate(context.Background(), "jq", `.steps.fetch.items | length`, vars)
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = r.Evaluate(context.Background(), "jq", `.steps.fetch.items[]`, vars)
	require.NoError(t, err)
	assert.Len(t, out, 3)

	out, err = r.Evaluate(context.Background(), "jq", `empty`, vars)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestJQ_NoEnvironment(t *testing.T) {
	out, err := newRegistry(t).Evaluate(context.Background(), "jq", `$ENV | length`, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestLookup(t *testing.T) {
	data := map[string]any{"a": map[string]any{"b": []any{"x", map[string]any{"c": 1}}}}

	v, ok := Lookup(data, "a.b.1.c")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = Lookup(data, "a.missing.c")
	assert.False(t, ok)

	_, ok = Lookup(data, "a.b.9")
	assert.False(t, ok)
}

func TestResolveTemplates(t *testing.T) {
	scope := TemplateScope{
		Inputs: map[string]any{"customer": map[string]any{"id": 42, "name": "Acme"}},
		Steps:  map[string]any{"load": map[string]any{"total": 99.5, "lines": []any{"a"}}},
	}
	params := map[string]any{
		"id":      "${inputs.customer.id}",
		"label":   "customer ${inputs.customer.name} owes ${steps.load.output.total}",
		"total":   "${steps.load.total}",
		"lines":   []any{"${steps.load.output.lines}"},
		"missing": "${inputs.nope}",
		"other":   "${vars.x}",
		"literal": 7,
	}

	got := ResolveParams(params, scope)
	assert.Equal(t, 42, got["id"])
	assert.Equal(t, "customer Acme owes 99.5", got["label"])
	assert.Equal(t, 99.5, got["total"])
	assert.Equal(t, []any{[]any{"a"}}, got["lines"])
	assert.Equal(t, "", got["missing"])
	assert.Equal(t, "", got["other"])
	assert.Equal(t, 7, got["literal"])

	// The input map is not mutated.
	assert.Equal(t, "${inputs.customer.id}", params["id"])
}

func TestResolveParams_Nil(t *testing.T) {
	assert.Equal(t, map[string]any{}, ResolveParams(nil, TemplateScope{}))
}

func TestResolveTemplates_Context(t *testing.T) {
	scope := TemplateScope{Context: map[string]any{"invoiceId": "inv-9", "vendor": map[string]any{"risk": "High"}}}
	out := ResolveParams(map[string]any{
		"id":    "${context.invoiceId}",
		"label": "risk=${context.vendor.risk}",
		"gone":  "${context.missing}",
	}, scope)
	assert.Equal(t, "inv-9", out["id"])
	assert.Equal(t, "risk=High", out["label"])
	assert.Equal(t, "", out["gone"])
}
