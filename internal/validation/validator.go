package validation

import "github.com/rendis/flowcore/pkg/schema"

// Validator checks definitions for correctness before they are stored or run.
type Validator interface {
	ValidateWorkflow(def *schema.WorkflowDefinition) error
	ValidatePipeline(p *schema.Pipeline) error
}

// ActionLookup reports whether an action name is registered.
type ActionLookup interface {
	Has(name string) bool
}

// RuleSetLookup reports whether a rule set exists.
type RuleSetLookup interface {
	HasRuleSet(id string) bool
}

// DefinitionValidator runs the three-stage pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (step types, references, registered actions)
// 3. Graph (cycles, reachability)
type DefinitionValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
	ruleSets   RuleSetLookup
}

// Option configures a DefinitionValidator.
type Option func(*DefinitionValidator)

// WithActions enables action existence checks.
func WithActions(l ActionLookup) Option {
	return func(v *DefinitionValidator) { v.actions = l }
}

// WithRuleSets enables rule set existence checks.
func WithRuleSets(l RuleSetLookup) Option {
	return func(v *DefinitionValidator) { v.ruleSets = l }
}

// New creates a DefinitionValidator.
func New(opts ...Option) (*DefinitionValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	v := &DefinitionValidator{jsonSchema: jsv}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Validate runs the full pipeline over a workflow definition.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (v *DefinitionValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := structural(v.jsonSchema.validateWorkflowDoc, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, v.actions, v.ruleSets))

	// graph analysis is meaningless with dangling references
	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateWorkflow satisfies Validator. A cycle surfaces as CYCLE_DETECTED.
func (v *DefinitionValidator) ValidateWorkflow(def *schema.WorkflowDefinition) error {
	return v.Validate(def).ToError()
}

// ValidatePipelineResult runs structural and semantic checks over a pipeline.
func (v *DefinitionValidator) ValidatePipelineResult(p *schema.Pipeline) *schema.ValidationResult {
	if p == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "pipeline is nil")
		return r
	}
	result := structural(v.jsonSchema.validatePipelineDoc, p)
	if !result.Valid() {
		return result
	}
	result.Merge(validatePipelineSemantic(p))
	return result
}

// ValidatePipeline satisfies Validator.
func (v *DefinitionValidator) ValidatePipeline(p *schema.Pipeline) error {
	return v.ValidatePipelineResult(p).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (v *DefinitionValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return v.jsonSchema.ValidateInput(input, inputSchema)
}

// structural converts a schema validation error into a ValidationResult.
func structural(validate func(any) error, doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := validate(doc)
	if err == nil {
		return result
	}

	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}
