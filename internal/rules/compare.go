package rules

import (
	"fmt"
	"strings"

	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/pkg/schema"
)

// compare applies a comparison operator. A field that does not resolve
// makes every operator false, including "!=".
func compare(c *schema.Condition, data map[string]any) bool {
	if c.Field == "" {
		return false
	}
	field, ok := expressions.Lookup(data, c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case "==", "===":
		return equal(field, c.Value)
	case "!=", "!==":
		return !equal(field, c.Value)
	case ">":
		n, ok := order(field, c.Value)
		return ok && n > 0
	case ">=":
		n, ok := order(field, c.Value)
		return ok && n >= 0
	case "<":
		n, ok := order(field, c.Value)
		return ok && n < 0
	case "<=":
		n, ok := order(field, c.Value)
		return ok && n <= 0
	case "contains":
		return strings.Contains(toString(field), toString(c.Value))
	case "startsWith":
		return strings.HasPrefix(toString(field), toString(c.Value))
	case "endsWith":
		return strings.HasSuffix(toString(field), toString(c.Value))
	default:
		return false
	}
}

// equal is strict: numbers compare by value regardless of Go type, other
// scalars must match in type and value, and composites never compare equal.
func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		return ok && x == y
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

// order compares two numbers or two strings. Mixed or other types are unordered.
func order(a, b any) (int, bool) {
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return "null"
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// String renders a value the way branch keys expect it, e.g. "true" or "CFO".
func String(v any) string {
	if v == nil {
		return ""
	}
	return toString(v)
}
