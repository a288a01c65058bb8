// Package workflow defines the in-memory graph model for a FlowGrid workflow
// (nodes, edges, declared fields) together with validation and topological
// resolution over it. A Workflow is immutable for the duration of a run.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind identifies what a node does. The set is closed; validation rejects
// anything else.
type Kind string

const (
	KindEntry       Kind = "entry"
	KindEnd         Kind = "end"
	KindLLM         Kind = "llm"
	KindHTTPRequest Kind = "http_request"
	KindTransform   Kind = "transform"
	KindEvaluator   Kind = "evaluator"
)

// Valid reports whether k is a known node kind.
func (k Kind) Valid() bool {
	switch k {
	case KindEntry, KindEnd, KindLLM, KindHTTPRequest, KindTransform, KindEvaluator:
		return true
	}
	return false
}

// Executable reports whether the scheduler runs nodes of this kind. Entry is
// seeded, end is resolved at the finish, so neither is executable.
func (k Kind) Executable() bool {
	return k != KindEntry && k != KindEnd
}

// Field declares a named, typed input or output of a node. Non-optional
// inputs must be fed by at least one edge.
type Field struct {
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Optional bool      `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Node is a unit of computation. Params are opaque to the core and only
// interpreted by the component factory for the node's kind.
type Node struct {
	ID      string         `json:"id" yaml:"id"`
	Kind    Kind           `json:"kind" yaml:"kind"`
	Inputs  []Field        `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []Field        `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Params  map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Edge links one node's output handle to another node's input handle. The
// target's named input becomes available once the source has produced that
// named output.
type Edge struct {
	Source       string `json:"source" yaml:"source"`
	SourceHandle string `json:"source_handle" yaml:"source_handle"`
	Target       string `json:"target" yaml:"target"`
	TargetHandle string `json:"target_handle" yaml:"target_handle"`
}

// Workflow is an ordered set of nodes plus the edges between them. Exactly
// one entry node (its declared outputs are the run's inputs) and at most one
// end node.
type Workflow struct {
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// Node returns the node with the given id.
func (w *Workflow) Node(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// Entry returns the workflow's entry node, or nil when absent.
func (w *Workflow) Entry() *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Kind == KindEntry {
			return &w.Nodes[i]
		}
	}
	return nil
}

// End returns the workflow's end node, or nil when absent.
func (w *Workflow) End() *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Kind == KindEnd {
			return &w.Nodes[i]
		}
	}
	return nil
}

// InEdges returns every edge targeting the given node.
func (w *Workflow) InEdges(id string) []Edge {
	var edges []Edge
	for _, e := range w.Edges {
		if e.Target == id {
			edges = append(edges, e)
		}
	}
	return edges
}

// OutEdges returns every edge sourced from the given node.
func (w *Workflow) OutEdges(id string) []Edge {
	var edges []Edge
	for _, e := range w.Edges {
		if e.Source == id {
			edges = append(edges, e)
		}
	}
	return edges
}

// Clone returns a deep copy safe to mutate (used by the optimizer to apply
// per-trial parameter overrides).
func (w *Workflow) Clone() *Workflow {
	cp := &Workflow{Name: w.Name, Nodes: make([]Node, len(w.Nodes)), Edges: append([]Edge(nil), w.Edges...)}
	for i, n := range w.Nodes {
		cn := n
		cn.Inputs = append([]Field(nil), n.Inputs...)
		cn.Outputs = append([]Field(nil), n.Outputs...)
		if n.Params != nil {
			cn.Params = make(map[string]any, len(n.Params))
			for k, v := range n.Params {
				cn.Params[k] = v
			}
		}
		cp.Nodes[i] = cn
	}
	return cp
}

// ParseJSON decodes a workflow from its wire representation.
func ParseJSON(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	return &wf, nil
}

// ParseFile loads a workflow definition from a YAML or JSON file. YAML is a
// superset of JSON, so a single decoder covers both.
func ParseFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}
	var wf Workflow
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return &wf, nil
	}
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &wf, nil
}
