package validation

import (
	"fmt"
	"slices"

	"github.com/rendis/flowcore/pkg/schema"
)

// validateGraph walks the graph from the first step. Any back edge is a
// CYCLE_DETECTED error; steps never reached are warnings.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(def.Steps) == 0 {
		return result
	}

	edges := make(map[string][]string, len(def.Steps))
	for i := range def.Steps {
		targets := def.Steps[i].Targets()
		// deterministic traversal order
		slices.Sort(targets)
		edges[def.Steps[i].ID] = slices.Compact(targets)
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(def.Steps))

	var cycle []string
	var visit func(id string, trail []string) bool
	visit = func(id string, trail []string) bool {
		color[id] = grey
		trail = append(trail, id)
		for _, next := range edges[id] {
			switch color[next] {
			case grey:
				cycle = append(slices.Clone(trail), next)
				return true
			case white:
				if visit(next, trail) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	if visit(def.FirstStep(), nil) {
		result.AddError("steps", schema.ErrCodeCycleDetected,
			fmt.Sprintf("workflow contains a cycle: %v", cycle))
		return result
	}

	for _, s := range def.Steps {
		if color[s.ID] == white {
			result.AddWarning(fmt.Sprintf("steps[%s]", s.ID), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from the first step", s.ID))
		}
	}
	return result
}

// DetectCycle reports the first cycle reachable from the entry step.
func DetectCycle(def *schema.WorkflowDefinition) error {
	r := validateGraph(def)
	if r.Valid() {
		return nil
	}
	return schema.NewError(r.Errors[0].Code, r.Errors[0].Message)
}
