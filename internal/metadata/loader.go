package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/flowcore/pkg/schema"
)

// LoadDir reads every .yaml, .yml and .json file under dir and upserts the
// definitions it contains. Each document must carry a top-level "kind" of
// workflow, ruleset, concept or pipeline. A file may hold several YAML
// documents separated by "---". It returns the number of definitions stored.
func LoadDir(ctx context.Context, c *Catalog, dir string) (int, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".json":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(files)

	total := 0
	for _, path := range files {
		n, err := loadFile(ctx, c, path)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func loadFile(ctx context.Context, c *Catalog, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	n := 0
	for {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", path, err.Error())
		}
		if err := storeNode(ctx, c, &node); err != nil {
			return n, schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", path, err.Error()).WithCause(err)
		}
		n++
	}
}

func storeNode(ctx context.Context, c *Catalog, node *yaml.Node) error {
	var head struct {
		Kind Kind `yaml:"kind"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}

	switch head.Kind {
	case KindWorkflow:
		var wf schema.WorkflowDefinition
		if err := node.Decode(&wf); err != nil {
			return err
		}
		return upsert(ctx, c.repo, KindWorkflow, wf.ID, &wf)
	case KindRuleSet:
		var rs schema.RuleSet
		if err := node.Decode(&rs); err != nil {
			return err
		}
		return upsert(ctx, c.repo, KindRuleSet, rs.ID, &rs)
	case KindConcept:
		var concept schema.Concept
		if err := node.Decode(&concept); err != nil {
			return err
		}
		return upsert(ctx, c.repo, KindConcept, concept.ID, &concept)
	case KindPipeline:
		var p schema.Pipeline
		if err := node.Decode(&p); err != nil {
			return err
		}
		return upsert(ctx, c.repo, KindPipeline, p.ID, &p)
	case KindLogic:
		var script schema.LogicScript
		if err := node.Decode(&script); err != nil {
			return err
		}
		return upsert(ctx, c.repo, KindLogic, script.ID, &script)
	case "":
		return fmt.Errorf("document has no kind")
	default:
		return fmt.Errorf("unknown kind %q", head.Kind)
	}
}
