package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

type mockLookup map[string]bool

func (m mockLookup) Has(name string) bool        { return m[name] }
func (m mockLookup) HasRuleSet(id string) bool { return m[id] }

func newMockLookup(names ...string) mockLookup {
	m := mockLookup{}
	for _, n := range names {
		m[n] = true
	}
	return m
}

func validWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:   "wf",
		Name: "Workflow",
		Steps: []schema.StepDefinition{
			{ID: "validate", Type: schema.StepTypeAction, Action: "validate", Next: "route"},
			{ID: "route", Type: schema.StepTypeDecision, RuleSet: "policy",
				Branches: map[string]string{"approval:manager": "approve"}, Default: "done"},
			{ID: "approve", Type: schema.StepTypeHumanTask, TaskType: "approval", Timeout: "72h", Next: "done"},
			{ID: "done", Type: schema.StepTypeEnd},
		},
	}
}

func TestValidator_ImplementsInterface(t *testing.T) {
	var _ Validator = (*DefinitionValidator)(nil)
}

func TestValidate_Valid(t *testing.T) {
	v, err := New(WithActions(newMockLookup("validate")), WithRuleSets(newMockLookup("policy")))
	require.NoError(t, err)

	result := v.Validate(validWorkflow())
	assert.True(t, result.Valid(), "%+v", result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, v.ValidateWorkflow(validWorkflow()))
}

func TestValidate_Nil(t *testing.T) {
	v, err := New()
	require.NoError(t, err)
	result := v.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestValidate_Structural(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	def := validWorkflow()
	def.Steps[0].Type = "parallel"
	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "/steps/0/type")

	def = validWorkflow()
	def.Steps = nil
	assert.False(t, v.Validate(def).Valid())

	def = validWorkflow()
	def.Steps[2].Timeout = "soon"
	assert.False(t, v.Validate(def).Valid())
}

func TestValidate_Semantic(t *testing.T) {
	v, err := New(WithActions(newMockLookup()), WithRuleSets(newMockLookup()))
	require.NoError(t, err)

	result := v.Validate(validWorkflow())
	require.False(t, result.Valid())
	codes := map[string]bool{}
	for _, e := range result.Errors {
		codes[e.Path] = true
		assert.Equal(t, schema.ErrCodeNotFound, e.Code)
	}
	assert.True(t, codes["steps[0].action"])
	assert.True(t, codes["steps[1].ruleSet"])
}

func TestValidate_DanglingAndDuplicate(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	def := validWorkflow()
	def.Steps[0].Next = "ghost"
	def.Steps = append(def.Steps, schema.StepDefinition{ID: "done", Type: schema.StepTypeEnd})
	result := v.Validate(def)
	require.False(t, result.Valid())

	var msgs []string
	for _, e := range result.Errors {
		msgs = append(msgs, e.Message)
	}
	assert.Contains(t, msgs, `references non-existent step "ghost"`)
	assert.Contains(t, msgs, `duplicate step id "done"`)
}

func TestValidate_StepTypeRules(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	def := validWorkflow()
	def.Steps[0].Action = ""
	assert.False(t, v.Validate(def).Valid(), "action without action or db")

	def = validWorkflow()
	def.Steps[0].Action = ""
	def.Steps[0].DB = &schema.DBBinding{Action: schema.DataUpdate, Resource: "invoices"}
	assert.True(t, v.Validate(def).Valid())

	def = validWorkflow()
	def.Steps[1].RuleSet = ""
	assert.False(t, v.Validate(def).Valid(), "decision without ruleSet or condition")

	def = validWorkflow()
	def.Steps[1].Condition = &schema.Condition{Field: "a", Operator: "==", Value: 1}
	assert.False(t, v.Validate(def).Valid(), "decision with both")
}

func TestValidate_CycleRejected(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		ID:   "loop",
		Name: "Loop",
		Steps: []schema.StepDefinition{
			{ID: "a", Type: schema.StepTypeAction, Action: "x", Next: "b"},
			{ID: "b", Type: schema.StepTypeAction, Action: "x", Next: "a"},
		},
	}
	err = v.ValidateWorkflow(def)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))
	assert.True(t, schema.IsCode(DetectCycle(def), schema.ErrCodeCycleDetected))
}

func TestGraph_BranchCycleAndUnreachable(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "a", Next: "b"},
			{ID: "b", Branches: map[string]string{"true": "c", "false": "a"}},
			{ID: "c"},
		},
	}
	result := validateGraph(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)

	def = &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "a", Next: "c"},
			{ID: "b", Next: "c"},
			{ID: "c"},
		},
	}
	result = validateGraph(def)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, `"b"`)

	def = &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "a", Next: "b", Default: "c"},
			{ID: "b", Next: "d"},
			{ID: "c", Next: "d"},
			{ID: "d"},
		},
	}
	assert.NoError(t, DetectCycle(def), "diamond is acyclic")
}

func TestValidatePipeline(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	p := &schema.Pipeline{
		ID: "p",
		Steps: []schema.PipelineStep{
			{ID: "load", Type: schema.PipelineStepData, Action: schema.DataRead, Resource: "invoices",
				RetryPolicy: &schema.PipelineRetry{MaxAttempts: 3, Backoff: schema.BackoffExponential}},
			{ID: "score", Type: schema.PipelineStepLogic, Action: "score",
				Compensation: []schema.PipelineStep{{ID: "undo", Type: schema.PipelineStepLogic, Snippet: "x"}},
				OutputBindings: map[string]string{"score": ".score"}},
		},
	}
	assert.NoError(t, v.ValidatePipeline(p))

	p.Steps[0].Action = "merge"
	p.Steps[1].Action = ""
	result := v.ValidatePipelineResult(p)
	assert.Len(t, result.Errors, 2)

	bad := &schema.Pipeline{Steps: []schema.PipelineStep{{ID: "x", Type: "shell"}}}
	err = v.ValidatePipeline(bad)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Error(t, v.ValidatePipeline(nil))
}

func TestValidateInput(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	inputSchema := []byte(`{"type":"object","required":["invoiceId"],"properties":{"invoiceId":{"type":"string"}}}`)
	assert.NoError(t, v.ValidateInput(map[string]any{"invoiceId": "inv-1"}, inputSchema))
	err = v.ValidateInput(map[string]any{"amount": 5}, inputSchema)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	assert.NoError(t, v.ValidateInput(nil, nil), "no schema means no validation")
	assert.Error(t, v.ValidateInput(map[string]any{}, []byte(`{not json`)))
}
