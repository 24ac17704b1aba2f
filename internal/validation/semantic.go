package validation

import (
	"fmt"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// validateSemantic checks what JSON Schema cannot express: unique step IDs,
// per-type required fields, dangling targets, and registered actions and
// rule sets.
func validateSemantic(def *schema.WorkflowDefinition, actions ActionLookup, ruleSets RuleSetLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if stepIDs[s.ID] {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
		}
		stepIDs[s.ID] = true
	}

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(&def.Steps[i], path, stepIDs, actions, ruleSets, result)
	}
	return result
}

func validateStepSemantic(step *schema.StepDefinition, path string, stepIDs map[string]bool, actions ActionLookup, ruleSets RuleSetLookup, result *schema.ValidationResult) {
	checkTarget := func(field, target string) {
		if target != "" && !stepIDs[target] {
			result.AddError(path+"."+field, schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", target))
		}
	}
	checkRuleSet := func(field, id string) {
		if id != "" && ruleSets != nil && !ruleSets.HasRuleSet(id) {
			result.AddError(path+"."+field, schema.ErrCodeNotFound,
				fmt.Sprintf("rule set %q not found", id))
		}
	}

	checkTarget("next", step.Next)
	checkTarget("default", step.Default)
	for key, target := range step.Branches {
		checkTarget(fmt.Sprintf("branches[%s]", key), target)
	}

	switch step.Type {
	case schema.StepTypeAction:
		if step.Action == "" && step.DB == nil {
			result.AddError(path, schema.ErrCodeValidation, "action step requires an action or a db binding")
		}
		if step.Action != "" && actions != nil && !actions.Has(step.Action) {
			result.AddError(path+".action", schema.ErrCodeNotFound,
				fmt.Sprintf("action %q not registered", step.Action))
		}
		if step.Compensation != "" && actions != nil && !actions.Has(step.Compensation) {
			result.AddError(path+".compensation", schema.ErrCodeNotFound,
				fmt.Sprintf("compensation action %q not registered", step.Compensation))
		}
		checkRuleSet("guardRuleSet", step.GuardRuleSet)
		if step.RetryPolicy != nil && step.RetryPolicy.MaxAttempts > 10 {
			result.AddWarning(path+".retryPolicy.maxAttempts", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", step.RetryPolicy.MaxAttempts))
		}

	case schema.StepTypeDecision:
		switch {
		case step.RuleSet == "" && step.Condition == nil:
			result.AddError(path, schema.ErrCodeValidation, "decision step requires a ruleSet or a condition")
		case step.RuleSet != "" && step.Condition != nil:
			result.AddError(path, schema.ErrCodeValidation, "decision step must not set both ruleSet and condition")
		}
		if len(step.Branches) == 0 && step.Default == "" && step.Next == "" {
			result.AddError(path+".branches", schema.ErrCodeValidation, "decision step has no branches, default or next")
		}
		checkRuleSet("ruleSet", step.RuleSet)

	case schema.StepTypeHumanTask:
		if step.Next == "" {
			result.AddWarning(path+".next", schema.ErrCodeValidation, "human task without next completes the workflow")
		}
		if step.Timeout != "" {
			if _, err := time.ParseDuration(step.Timeout); err != nil {
				result.AddError(path+".timeout", schema.ErrCodeValidation,
					fmt.Sprintf("invalid timeout %q", step.Timeout))
			}
		}

	case schema.StepTypeEnd:
		if step.Next != "" || len(step.Branches) > 0 {
			result.AddWarning(path, schema.ErrCodeValidation, "end step targets are ignored")
		}
	}
}

// validatePipelineSemantic checks unique IDs and per-type fields, including
// compensation steps.
func validatePipelineSemantic(p *schema.Pipeline) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	seen := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)
		if seen[s.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate step id %q", s.ID))
		}
		seen[s.ID] = true
		validatePipelineStep(s, path, result)
		for j := range s.Compensation {
			validatePipelineStep(&s.Compensation[j], fmt.Sprintf("%s.compensation[%d]", path, j), result)
		}
	}
	return result
}

func validatePipelineStep(s *schema.PipelineStep, path string, result *schema.ValidationResult) {
	switch s.Type {
	case schema.PipelineStepData:
		switch s.Action {
		case schema.DataQuery, schema.DataRead, schema.DataCreate, schema.DataUpdate, schema.DataDelete:
		default:
			result.AddError(path+".action", schema.ErrCodeValidation,
				fmt.Sprintf("unknown data action %q", s.Action))
		}
		if s.Resource == "" {
			result.AddError(path+".resource", schema.ErrCodeValidation, "data step requires a resource")
		}
	case schema.PipelineStepLogic:
		if s.Action == "" && s.Snippet == "" {
			result.AddError(path, schema.ErrCodeValidation, "logic step requires an action or a snippet")
		}
	}
}
