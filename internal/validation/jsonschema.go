package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowcore/pkg/schema"
)

const (
	workflowSchemaURL = "https://flowcore.dev/schemas/workflow.json"
	pipelineSchemaURL = "https://flowcore.dev/schemas/pipeline.json"
)

const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowcore.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "name", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "triggerEvent": { "type": "string" },
    "concept": { "type": "string" },
    "version": { "type": "integer", "minimum": 0 },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": { "type": "string", "enum": ["action", "decision", "human-task", "end"] },
        "action": { "type": "string" },
        "params": { "type": "object" },
        "compensation": { "type": "string" },
        "retryPolicy": { "$ref": "#/$defs/retry" },
        "requiresLock": { "type": "boolean" },
        "guardRuleSet": { "type": "string" },
        "db": { "$ref": "#/$defs/db" },
        "ruleSet": { "type": "string" },
        "condition": { "type": "object" },
        "branches": {
          "type": "object",
          "additionalProperties": { "type": "string", "minLength": 1 }
        },
        "default": { "type": "string" },
        "taskType": { "type": "string" },
        "assignmentRule": { "type": "string" },
        "timeout": {
          "type": "string",
          "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
        },
        "next": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["maxAttempts"],
      "properties": {
        "maxAttempts": { "type": "integer", "minimum": 1 },
        "initialDelayMs": { "type": "integer", "minimum": 0 },
        "maxDelayMs": { "type": "integer", "minimum": 0 },
        "backoffMultiplier": { "type": "number", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "db": {
      "type": "object",
      "required": ["action", "resource"],
      "properties": {
        "action": { "type": "string", "enum": ["query", "read", "create", "update", "delete"] },
        "resource": { "type": "string", "minLength": 1 },
        "transactional": { "type": "boolean" },
        "params": { "type": "object" },
        "targetState": { "type": "string" },
        "stateField": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowcore.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ["data", "logic"] },
        "action": { "type": "string" },
        "resource": { "type": "string" },
        "transactional": { "type": "boolean" },
        "snippet": { "type": "string" },
        "params": { "type": "object" },
        "retryPolicy": {
          "type": "object",
          "required": ["maxAttempts"],
          "properties": {
            "maxAttempts": { "type": "integer", "minimum": 1 },
            "backoff": { "type": "string", "enum": ["fixed", "exponential"] }
          },
          "additionalProperties": false
        },
        "timeoutMs": { "type": "integer", "minimum": 0 },
        "compensation": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        },
        "outputBindings": {
          "type": "object",
          "additionalProperties": { "type": "string", "minLength": 1 }
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates definitions and inputs against JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	pipelineSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded workflow and pipeline schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	for url, src := range map[string]string{
		workflowSchemaURL: workflowSchemaJSON,
		pipelineSchemaURL: pipelineSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	wf, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	pl, err := c.Compile(pipelineSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wf,
		pipelineSchema: pl,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

func (v *JSONSchemaValidator) validateWorkflowDoc(def any) error {
	return validateAgainst(v.workflowSchema, def, "workflow definition")
}

func (v *JSONSchemaValidator) validatePipelineDoc(p any) error {
	return validateAgainst(v.pipelineSchema, p, "pipeline")
}

func validateAgainst(s *jsonschema.Schema, value any, what string) error {
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize %s", what).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateInput validates input data against a JSON Schema given as raw bytes.
// Compiled schemas are cached by content.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("flowcore://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens a ValidationError tree into located leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
