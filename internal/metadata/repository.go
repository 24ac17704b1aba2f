// Package metadata stores workflow, rule set, concept, pipeline and logic
// script definitions with optimistic versioning.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

// Kind names a class of definition.
type Kind string

const (
	KindWorkflow Kind = "workflow"
	KindRuleSet  Kind = "ruleset"
	KindConcept  Kind = "concept"
	KindPipeline Kind = "pipeline"
	KindLogic    Kind = "logic"
)

// Document is a versioned definition envelope.
type Document struct {
	Kind      Kind            `json:"kind"`
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	Body      json.RawMessage `json:"body"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Repository loads and saves definitions. Save takes the version the caller
// last observed (0 for a new document) and fails with CONFLICT if the stored
// version differs. It returns the new version.
type Repository interface {
	Load(ctx context.Context, kind Kind, id string) (*Document, error)
	Save(ctx context.Context, kind Kind, id string, expectedVersion int64, body any) (int64, error)
	List(ctx context.Context, kind Kind) ([]*Document, error)
	Delete(ctx context.Context, kind Kind, id string) error
}

// KVRepository implements Repository on a KeyValueStore under "meta:" keys.
// Version checks are serialized within the process.
type KVRepository struct {
	kv  store.KeyValueStore
	mu  sync.Mutex
	now func() time.Time
}

// NewKVRepository creates a repository backed by kv.
func NewKVRepository(kv store.KeyValueStore) *KVRepository {
	return &KVRepository{kv: kv, now: time.Now}
}

func docKey(kind Kind, id string) string {
	return fmt.Sprintf("meta:%s:%s", kind, id)
}

func (r *KVRepository) Load(ctx context.Context, kind Kind, id string) (*Document, error) {
	doc, err := store.GetJSON[Document](ctx, r.kv, docKey(kind, id))
	if store.IsNotFound(err) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", kind, id)
	}
	return doc, err
}

func (r *KVRepository) Save(ctx context.Context, kind Kind, id string, expectedVersion int64, body any) (int64, error) {
	if id == "" {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "%s id is required", kind)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "encode %s %q: %s", kind, id, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var current int64
	existing, err := store.GetJSON[Document](ctx, r.kv, docKey(kind, id))
	switch {
	case err == nil:
		current = existing.Version
	case store.IsNotFound(err):
	default:
		return 0, err
	}
	if current != expectedVersion {
		return 0, schema.NewErrorf(schema.ErrCodeConflict,
			"%s %q is at version %d, expected %d", kind, id, current, expectedVersion)
	}

	doc := Document{Kind: kind, ID: id, Version: current + 1, Body: raw, UpdatedAt: r.now().UTC()}
	if err := store.PutJSON(ctx, r.kv, docKey(kind, id), doc, 0); err != nil {
		return 0, err
	}
	return doc.Version, nil
}

func (r *KVRepository) List(ctx context.Context, kind Kind) ([]*Document, error) {
	docs, err := store.ScanJSON[Document](ctx, r.kv, fmt.Sprintf("meta:%s:", kind))
	if err != nil {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (r *KVRepository) Delete(ctx context.Context, kind Kind, id string) error {
	return r.kv.Delete(ctx, docKey(kind, id))
}

var _ Repository = (*KVRepository)(nil)
