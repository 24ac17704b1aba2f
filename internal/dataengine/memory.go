package dataengine

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/pkg/schema"
)

// MemoryEngine keeps resources as in-process tables. Filters match by the
// string form of each value. It ignores the transactional flag.
type MemoryEngine struct {
	mu     sync.RWMutex
	tables map[string][]map[string]any
}

// NewMemoryEngine creates an empty engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{tables: make(map[string][]map[string]any)}
}

// Seed replaces the rows of a resource.
func (e *MemoryEngine) Seed(resource string, rows ...map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]map[string]any, len(rows))
	for i, r := range rows {
		cp[i] = schema.CloneMap(r)
	}
	e.tables[resource] = cp
}

// Rows returns a copy of a resource's rows.
func (e *MemoryEngine) Rows(resource string) []map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]map[string]any, len(e.tables[resource]))
	for i, r := range e.tables[resource] {
		out[i] = schema.CloneMap(r)
	}
	return out
}

func (e *MemoryEngine) Exec(_ context.Context, req schema.DataRequest, params, _ map[string]any, _ schema.ExecMeta) schema.DataResult {
	if req.Resource == "" {
		return failure(schema.NewError(schema.ErrCodeValidation, "resource is required"))
	}
	filter := mapParam(params, "filter")

	switch action := normalizeAction(req.Action); action {
	case schema.DataQuery, schema.DataRead:
		e.mu.RLock()
		defer e.mu.RUnlock()
		out := make([]any, 0)
		for _, r := range e.tables[req.Resource] {
			if matches(r, filter) {
				out = append(out, schema.CloneMap(r))
			}
		}
		if limit := intParam(params, "limit"); limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return schema.DataResult{OK: true, Data: out, Meta: map[string]any{"count": len(out)}}

	case schema.DataCreate:
		record := schema.CloneMap(mapParam(params, "record"))
		if record == nil {
			record = map[string]any{}
		}
		if _, ok := record["id"]; !ok {
			record["id"] = uuid.NewString()
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		e.tables[req.Resource] = append(e.tables[req.Resource], record)
		return schema.DataResult{OK: true, Data: schema.CloneMap(record)}

	case schema.DataUpdate:
		if err := requireFilter(action, filter); err != nil {
			return failure(err)
		}
		patch := mapParam(params, "patch")
		e.mu.Lock()
		defer e.mu.Unlock()
		updated := make([]any, 0)
		for _, r := range e.tables[req.Resource] {
			if matches(r, filter) {
				for k, v := range patch {
					r[k] = v
				}
				updated = append(updated, schema.CloneMap(r))
			}
		}
		return schema.DataResult{OK: true, Data: updated, Meta: map[string]any{"affectedRows": len(updated)}}

	case schema.DataDelete:
		if err := requireFilter(action, filter); err != nil {
			return failure(err)
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		rows := e.tables[req.Resource]
		kept := rows[:0]
		for _, r := range rows {
			if !matches(r, filter) {
				kept = append(kept, r)
			}
		}
		removed := len(rows) - len(kept)
		e.tables[req.Resource] = kept
		return schema.DataResult{OK: true, Data: map[string]any{"removed": removed}}

	default:
		return failure(unknownAction(action))
	}
}

// Resources lists the known resource names.
func (e *MemoryEngine) Resources() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.tables))
	for k := range e.tables {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func matches(row, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := row[k]
		if !ok || str(got) != str(want) {
			return false
		}
	}
	return true
}

var _ Engine = (*MemoryEngine)(nil)
