package expressions

import (
	"strconv"
	"strings"
)

// Lookup walks a dot-separated path through nested maps and slices.
// It reports false as soon as a segment is missing.
func Lookup(data any, path string) (any, bool) {
	if path == "" {
		return data, data != nil
	}
	return lookupParts(data, strings.Split(path, "."))
}

func lookupParts(data any, parts []string) (any, bool) {
	cur := data
	for _, p := range parts {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[p]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
