package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNodeNotFound is returned when an operation names a node id the workflow
// does not contain.
var ErrNodeNotFound = errors.New("node not found")

// CycleError reports a cycle in the workflow graph. Path holds the exact loop
// starting and ending at the repeated node, e.g. [a b c a].
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("workflow contains a cycle: %s", strings.Join(e.Path, " -> "))
}

// ValidationError reports a structural defect attributable to a specific
// node or edge.
type ValidationError struct {
	NodeID string
	Field  string
	Msg    string
}

func (e *ValidationError) Error() string {
	switch {
	case e.NodeID != "" && e.Field != "":
		return fmt.Sprintf("node %q: %s %q", e.NodeID, e.Msg, e.Field)
	case e.NodeID != "":
		return fmt.Sprintf("node %q: %s", e.NodeID, e.Msg)
	}
	return e.Msg
}

// Validate checks a workflow before any execution is attempted: structural
// integrity, acyclicity, and required-input completeness. It is a pure check
// with no side effects; validating the same workflow twice yields the same
// result.
func Validate(w *Workflow) error {
	if err := validateStructure(w); err != nil {
		return err
	}
	if err := detectCycle(w); err != nil {
		return err
	}
	return checkCompleteness(w)
}

func validateStructure(w *Workflow) error {
	if len(w.Nodes) == 0 {
		return &ValidationError{Msg: "workflow has no nodes"}
	}
	seen := make(map[string]bool, len(w.Nodes))
	entries, ends := 0, 0
	for _, n := range w.Nodes {
		if n.ID == "" {
			return &ValidationError{Msg: "node with empty id"}
		}
		if seen[n.ID] {
			return &ValidationError{NodeID: n.ID, Msg: "duplicate node id"}
		}
		seen[n.ID] = true
		if !n.Kind.Valid() {
			return &ValidationError{NodeID: n.ID, Msg: fmt.Sprintf("unknown node kind %q", string(n.Kind))}
		}
		switch n.Kind {
		case KindEntry:
			entries++
		case KindEnd:
			ends++
		}
		for _, f := range append(append([]Field(nil), n.Inputs...), n.Outputs...) {
			if _, err := f.Type.CtyType(); err != nil {
				return &ValidationError{NodeID: n.ID, Field: f.Name, Msg: err.Error() + " on field"}
			}
		}
	}
	if entries != 1 {
		return &ValidationError{Msg: fmt.Sprintf("workflow must have exactly one entry node, found %d", entries)}
	}
	if ends > 1 {
		return &ValidationError{Msg: fmt.Sprintf("workflow may have at most one end node, found %d", ends)}
	}
	for _, e := range w.Edges {
		src, ok := w.Node(e.Source)
		if !ok {
			return &ValidationError{NodeID: e.Source, Msg: "edge references unknown source node"}
		}
		tgt, ok := w.Node(e.Target)
		if !ok {
			return &ValidationError{NodeID: e.Target, Msg: "edge references unknown target node"}
		}
		if !hasField(src.Outputs, e.SourceHandle) {
			return &ValidationError{NodeID: src.ID, Field: e.SourceHandle, Msg: "edge references undeclared output handle"}
		}
		if !hasField(tgt.Inputs, e.TargetHandle) {
			return &ValidationError{NodeID: tgt.ID, Field: e.TargetHandle, Msg: "edge references undeclared input handle"}
		}
	}
	return nil
}

func hasField(fields []Field, name string) bool {
	for _, f := range fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// detectCycle runs a depth-first search from the entry node over the forward
// adjacency, tracking the current path so a back edge can be reported as the
// exact loop rather than a bare "cycle exists".
func detectCycle(w *Workflow) error {
	entry := w.Entry()
	if entry == nil {
		return &ValidationError{Msg: "workflow has no entry node"}
	}

	const (
		unvisited = iota
		inProgress
		visited
	)
	state := make(map[string]int, len(w.Nodes))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		if state[id] == inProgress {
			// Back edge: slice the current path from the first occurrence of
			// id and close the loop.
			for i, p := range path {
				if p == id {
					loop := append(append([]string(nil), path[i:]...), id)
					return &CycleError{Path: loop}
				}
			}
			return &CycleError{Path: []string{id, id}}
		}
		if state[id] == visited {
			return nil
		}
		state[id] = inProgress
		path = append(path, id)
		for _, e := range w.OutEdges(id) {
			if err := visit(e.Target); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[id] = visited
		return nil
	}

	return visit(entry.ID)
}

// checkCompleteness verifies that every node fed by at least one edge has all
// of its required input fields connected.
func checkCompleteness(w *Workflow) error {
	for _, n := range w.Nodes {
		in := w.InEdges(n.ID)
		if len(in) == 0 {
			continue
		}
		for _, f := range n.Inputs {
			if f.Optional {
				continue
			}
			connected := false
			for _, e := range in {
				if e.TargetHandle == f.Name {
					connected = true
					break
				}
			}
			if !connected {
				return &ValidationError{NodeID: n.ID, Field: f.Name, Msg: "missing required input"}
			}
		}
	}
	return nil
}
