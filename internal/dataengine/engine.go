// Package dataengine executes data steps against a resource store.
//
// Params follow one shape for every backend:
//
//	query/read: {filter: {col: value}, limit: n}
//	create:     {record: {col: value}}
//	update:     {filter: {...}, patch: {col: value}}
//	delete:     {filter: {...}}
package dataengine

import (
	"context"
	"fmt"

	"github.com/rendis/flowcore/pkg/schema"
)

// Engine runs one data request. Failures are reported in the result, never
// as a Go error, so callers can persist them alongside successes.
type Engine interface {
	Exec(ctx context.Context, req schema.DataRequest, params, execCtx map[string]any, meta schema.ExecMeta) schema.DataResult
}

func failure(err error) schema.DataResult {
	return schema.DataResult{OK: false, Error: err.Error(), Retryable: schema.IsRetryable(err) && schema.ErrorCode(err) != ""}
}

func mapParam(params map[string]any, key string) map[string]any {
	if params == nil {
		return nil
	}
	m, _ := params[key].(map[string]any)
	return m
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func normalizeAction(a string) string {
	if a == "" {
		return schema.DataQuery
	}
	return a
}

func unknownAction(a string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "unknown action %q", a)
}

func requireFilter(action string, filter map[string]any) error {
	if len(filter) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires a non-empty filter", action)
	}
	return nil
}

func str(v any) string { return fmt.Sprint(v) }
