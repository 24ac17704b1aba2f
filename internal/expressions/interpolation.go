package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var templatePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// TemplateScope holds the namespaces a ${...} template may reference.
type TemplateScope struct {
	Inputs map[string]any
	// Steps maps step ID to that step's output.
	Steps map[string]any
	// Context is a workflow execution's accumulated context.
	Context map[string]any
	// Vars holds values bound by earlier steps' outputBindings.
	Vars map[string]any
}

// ResolveTemplates returns a copy of v with every ${inputs.*}, ${vars.*},
// ${context.*} and ${steps.<id>[.output].*} reference substituted. A string that is exactly
// one template keeps the referenced value's type; templates embedded in
// longer strings are rendered as text. References that do not resolve
// become the empty string.
func ResolveTemplates(v any, scope TemplateScope) any {
	switch val := v.(type) {
	case string:
		return resolveString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = ResolveTemplates(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ResolveTemplates(item, scope)
		}
		return out
	default:
		return v
	}
}

// ResolveParams is ResolveTemplates specialised for parameter maps.
func ResolveParams(params map[string]any, scope TemplateScope) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return ResolveTemplates(params, scope).(map[string]any)
}

func resolveString(s string, scope TemplateScope) any {
	if !strings.Contains(s, "${") {
		return s
	}
	if m := templatePattern.FindStringSubmatch(s); m != nil && m[0] == s {
		v, ok := resolveRef(strings.TrimSpace(m[1]), scope)
		if !ok {
			return ""
		}
		return v
	}
	return templatePattern.ReplaceAllStringFunc(s, func(tok string) string {
		ref := strings.TrimSpace(tok[2 : len(tok)-1])
		v, ok := resolveRef(ref, scope)
		if !ok {
			return ""
		}
		return renderInline(v)
	})
}

func resolveRef(ref string, scope TemplateScope) (any, bool) {
	parts := strings.Split(ref, ".")
	switch parts[0] {
	case "inputs":
		v, ok := lookupParts(scope.Inputs, parts[1:])
		return v, ok && v != nil
	case "context":
		v, ok := lookupParts(scope.Context, parts[1:])
		return v, ok && v != nil
	case "vars":
		v, ok := lookupParts(scope.Vars, parts[1:])
		return v, ok && v != nil
	case "steps":
		if len(parts) < 2 {
			return nil, false
		}
		rest := parts[1:]
		// steps.<id>.output.x and steps.<id>.x address the same value.
		if len(rest) > 1 && rest[1] == "output" {
			rest = append([]string{rest[0]}, rest[2:]...)
		}
		v, ok := lookupParts(scope.Steps, rest)
		return v, ok && v != nil
	default:
		return nil, false
	}
}

func renderInline(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}
