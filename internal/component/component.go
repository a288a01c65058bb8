// Package component turns validated workflow nodes into runnable units. A
// Component is the compiled form of a node: it is handed exactly the inputs
// resolved by the workflow's edges and returns named outputs plus any cost it
// incurred. Dispatch over node kinds goes through a factory registry that
// modules populate at startup.
package component

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vk/flowgrid/internal/workflow"
)

// Result is what a component produces on success. Cost is the monetary cost
// of the call in USD, zero for free components.
type Result struct {
	Outputs map[string]any
	Cost    float64
}

// Component is a compiled, runnable node.
type Component interface {
	NodeID() string
	Run(ctx context.Context, inputs map[string]any) (*Result, error)
}

// Factory builds a Component for a node. It may fail when the node's params
// cannot be turned into a runnable unit.
type Factory func(node workflow.Node, wf *workflow.Workflow) (Component, error)

// CompileError reports that a node's definition could not be compiled into a
// runnable unit.
type CompileError struct {
	NodeID string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compiling node %q: %v", e.NodeID, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Func adapts a plain function into a Component. Used by the built-in
// pass-through nodes and heavily by tests.
func Func(nodeID string, fn func(ctx context.Context, inputs map[string]any) (*Result, error)) Component {
	return &funcComponent{id: nodeID, fn: fn}
}

type funcComponent struct {
	id string
	fn func(ctx context.Context, inputs map[string]any) (*Result, error)
}

func (c *funcComponent) NodeID() string { return c.id }

func (c *funcComponent) Run(ctx context.Context, inputs map[string]any) (*Result, error) {
	return c.fn(ctx, inputs)
}

// DecodeParams maps a node's loosely typed params onto a module's typed
// params struct via a JSON round trip.
func DecodeParams(raw map[string]any, out any) error {
	if raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// passthrough copies its inputs to its outputs unchanged. Entry and end
// nodes compile to this.
func passthrough(nodeID string) Component {
	return Func(nodeID, func(_ context.Context, inputs map[string]any) (*Result, error) {
		out := make(map[string]any, len(inputs))
		for k, v := range inputs {
			out[k] = v
		}
		return &Result{Outputs: out}, nil
	})
}
