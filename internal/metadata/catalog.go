package metadata

import (
	"context"
	"encoding/json"

	"github.com/rendis/flowcore/pkg/schema"
)

// Catalog is a typed view over a Repository. Each saved definition carries
// its repository version in its Version field.
type Catalog struct {
	repo Repository
}

// NewCatalog wraps repo.
func NewCatalog(repo Repository) *Catalog {
	return &Catalog{repo: repo}
}

// Repository returns the underlying repository.
func (c *Catalog) Repository() Repository { return c.repo }

func load[T any](ctx context.Context, repo Repository, kind Kind, id string, setVersion func(*T, int64)) (*T, error) {
	doc, err := repo.Load(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(doc.Body, &v); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence, "decode %s %q: %s", kind, id, err.Error())
	}
	setVersion(&v, doc.Version)
	return &v, nil
}

func list[T any](ctx context.Context, repo Repository, kind Kind, setVersion func(*T, int64)) ([]*T, error) {
	docs, err := repo.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := json.Unmarshal(d.Body, &v); err != nil {
			continue
		}
		setVersion(&v, d.Version)
		out = append(out, &v)
	}
	return out, nil
}

func setWorkflowVersion(w *schema.WorkflowDefinition, v int64) { w.Version = v }
func setRuleSetVersion(r *schema.RuleSet, v int64)             { r.Version = v }
func setConceptVersion(c *schema.Concept, v int64)             { c.Version = v }
func setPipelineVersion(*schema.Pipeline, int64)               {}
func setLogicVersion(l *schema.LogicScript, v int64)           { l.Version = v }

// Workflow loads a workflow definition.
func (c *Catalog) Workflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	return load(ctx, c.repo, KindWorkflow, id, setWorkflowVersion)
}

// Workflows lists every stored workflow definition.
func (c *Catalog) Workflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	return list(ctx, c.repo, KindWorkflow, setWorkflowVersion)
}

// SaveWorkflow stores wf, using wf.Version as the expected version, and
// bumps wf.Version on success.
func (c *Catalog) SaveWorkflow(ctx context.Context, wf *schema.WorkflowDefinition) error {
	v, err := c.repo.Save(ctx, KindWorkflow, wf.ID, wf.Version, wf)
	if err != nil {
		return err
	}
	wf.Version = v
	return nil
}

// RuleSet loads a rule set.
func (c *Catalog) RuleSet(ctx context.Context, id string) (*schema.RuleSet, error) {
	return load(ctx, c.repo, KindRuleSet, id, setRuleSetVersion)
}

// RuleSets lists every stored rule set.
func (c *Catalog) RuleSets(ctx context.Context) ([]*schema.RuleSet, error) {
	return list(ctx, c.repo, KindRuleSet, setRuleSetVersion)
}

// SaveRuleSet stores rs with optimistic versioning.
func (c *Catalog) SaveRuleSet(ctx context.Context, rs *schema.RuleSet) error {
	v, err := c.repo.Save(ctx, KindRuleSet, rs.ID, rs.Version, rs)
	if err != nil {
		return err
	}
	rs.Version = v
	return nil
}

// DeleteRuleSet removes a rule set.
func (c *Catalog) DeleteRuleSet(ctx context.Context, id string) error {
	return c.repo.Delete(ctx, KindRuleSet, id)
}

// GetConcept loads a concept. It satisfies the engine's concept source.
func (c *Catalog) GetConcept(ctx context.Context, id string) (*schema.Concept, error) {
	return load(ctx, c.repo, KindConcept, id, setConceptVersion)
}

// SaveConcept stores a concept with optimistic versioning.
func (c *Catalog) SaveConcept(ctx context.Context, concept *schema.Concept) error {
	v, err := c.repo.Save(ctx, KindConcept, concept.ID, concept.Version, concept)
	if err != nil {
		return err
	}
	concept.Version = v
	return nil
}

// Pipeline loads an orchestrator pipeline.
func (c *Catalog) Pipeline(ctx context.Context, id string) (*schema.Pipeline, error) {
	return load(ctx, c.repo, KindPipeline, id, setPipelineVersion)
}

// Pipelines lists every stored pipeline.
func (c *Catalog) Pipelines(ctx context.Context) ([]*schema.Pipeline, error) {
	return list(ctx, c.repo, KindPipeline, setPipelineVersion)
}

// UpsertPipeline stores p, overwriting whatever version is current.
func (c *Catalog) UpsertPipeline(ctx context.Context, p *schema.Pipeline) error {
	return upsert(ctx, c.repo, KindPipeline, p.ID, p)
}

// LogicScript loads a logic script. It satisfies the logic executor's
// script source.
func (c *Catalog) LogicScript(ctx context.Context, id string) (*schema.LogicScript, error) {
	return load(ctx, c.repo, KindLogic, id, setLogicVersion)
}

// LogicScripts lists every stored logic script.
func (c *Catalog) LogicScripts(ctx context.Context) ([]*schema.LogicScript, error) {
	return list(ctx, c.repo, KindLogic, setLogicVersion)
}

// SaveLogicScript stores script with optimistic versioning.
func (c *Catalog) SaveLogicScript(ctx context.Context, script *schema.LogicScript) error {
	v, err := c.repo.Save(ctx, KindLogic, script.ID, script.Version, script)
	if err != nil {
		return err
	}
	script.Version = v
	return nil
}

// DeleteLogicScript removes a logic script.
func (c *Catalog) DeleteLogicScript(ctx context.Context, id string) error {
	return c.repo.Delete(ctx, KindLogic, id)
}

// upsert saves body over the current version, whatever it is.
func upsert(ctx context.Context, repo Repository, kind Kind, id string, body any) error {
	var current int64
	doc, err := repo.Load(ctx, kind, id)
	switch {
	case err == nil:
		current = doc.Version
	case !schema.IsCode(err, schema.ErrCodeNotFound):
		return err
	}
	_, err = repo.Save(ctx, kind, id, current, body)
	return err
}
