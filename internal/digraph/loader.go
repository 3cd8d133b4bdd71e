package digraph

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/drover-org/drover/internal/core"
)

// definition mirrors the YAML pipeline file.
type definition struct {
	Name  string           `yaml:"name"`
	Nodes []map[string]any `yaml:"nodes"`
}

// knownNodeKeys are the node attributes with dedicated fields; everything
// else is preserved in Node.Metadata.
var knownNodeKeys = map[string]struct{}{
	"id": {}, "handler": {}, "file": {}, "acceptance": {}, "status": {}, "depends": {},
}

// Load parses a YAML pipeline file into a DAG.
func Load(path string) (*DAG, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file %s: %w", path, err)
	}
	dag, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline %s: %w", path, err)
	}
	if dag.Name == "" {
		base := filepath.Base(path)
		dag.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if abs, err := filepath.Abs(path); err == nil {
		dag.Location = abs
	} else {
		dag.Location = path
	}
	return dag, nil
}

func parse(data []byte) (*DAG, error) {
	var def definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if len(def.Nodes) == 0 {
		return nil, fmt.Errorf("pipeline declares no nodes")
	}

	dag := &DAG{
		Name:  def.Name,
		nodes: map[string]*core.Node{},
		preds: map[string][]string{},
		succs: map[string][]string{},
	}

	type rawDeps struct {
		id      string
		depends []string
	}
	var deps []rawDeps

	for i, raw := range def.Nodes {
		node, depends, err := buildNode(raw)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		if _, exists := dag.nodes[node.ID]; exists {
			return nil, fmt.Errorf("duplicate node id %q", node.ID)
		}
		dag.nodes[node.ID] = node
		dag.order = append(dag.order, node.ID)
		deps = append(deps, rawDeps{id: node.ID, depends: depends})
	}

	for _, dep := range deps {
		for _, from := range dep.depends {
			if _, ok := dag.nodes[from]; !ok {
				return nil, fmt.Errorf("node %q depends on unknown node %q", dep.id, from)
			}
			dag.edges = append(dag.edges, core.Edge{From: from, To: dep.id})
			dag.preds[dep.id] = append(dag.preds[dep.id], from)
			dag.succs[from] = append(dag.succs[from], dep.id)
		}
	}

	if err := dag.validateAcyclic(); err != nil {
		return nil, err
	}
	return dag, nil
}

func buildNode(raw map[string]any) (*core.Node, []string, error) {
	id, _ := raw["id"].(string)
	if id == "" {
		return nil, nil, fmt.Errorf("missing node id")
	}

	handlerStr, _ := raw["handler"].(string)
	handler, err := core.ParseHandlerType(handlerStr)
	if err != nil {
		return nil, nil, fmt.Errorf("node %q: %w", id, err)
	}

	statusStr, _ := raw["status"].(string)
	status, err := core.ParseNodeStatus(statusStr)
	if err != nil {
		return nil, nil, fmt.Errorf("node %q: %w", id, err)
	}

	filePath, _ := raw["file"].(string)
	acceptance, _ := raw["acceptance"].(string)

	var depends []string
	switch v := raw["depends"].(type) {
	case nil:
	case string:
		depends = []string{v}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, nil, fmt.Errorf("node %q: depends entries must be strings", id)
			}
			depends = append(depends, s)
		}
	default:
		return nil, nil, fmt.Errorf("node %q: depends must be a string or list", id)
	}

	var metadata map[string]any
	for key, value := range raw {
		if _, known := knownNodeKeys[key]; known {
			continue
		}
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[key] = value
	}

	return &core.Node{
		ID:         id,
		Handler:    handler,
		FilePath:   filePath,
		Acceptance: acceptance,
		Status:     status,
		Metadata:   metadata,
	}, depends, nil
}
