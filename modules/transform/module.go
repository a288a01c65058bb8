// Package transform provides the component factory for transform nodes:
// expressions over the node's resolved inputs, compiled once at workflow
// compile time and evaluated per run.
package transform

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/vk/flowgrid/internal/component"
	"github.com/vk/flowgrid/internal/workflow"
)

// Module implements component.Module for this package.
type Module struct{}

// Register binds the transform node kind to this factory.
func (m *Module) Register(r *component.Registry) {
	r.Register(workflow.KindTransform, New)
}

// Component evaluates one compiled expression per output handle.
type Component struct {
	nodeID   string
	programs map[string]*vm.Program
}

// New compiles a transform node. Params carry either a single "expression"
// (bound to the node's first declared output) or an "expressions" map of
// output handle to expression source. Expression variables are the node's
// input handles.
func New(node workflow.Node, _ *workflow.Workflow) (component.Component, error) {
	sources := map[string]string{}
	if raw, ok := node.Params["expressions"].(map[string]any); ok {
		for handle, v := range raw {
			src, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("expression for %q is not a string", handle)
			}
			sources[handle] = src
		}
	} else if src, ok := node.Params["expression"].(string); ok {
		handle := "result"
		if len(node.Outputs) > 0 {
			handle = node.Outputs[0].Name
		}
		sources[handle] = src
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("transform node declares no expression")
	}

	programs := make(map[string]*vm.Program, len(sources))
	for handle, src := range sources {
		program, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compiling expression for %q: %w", handle, err)
		}
		programs[handle] = program
	}
	return &Component{nodeID: node.ID, programs: programs}, nil
}

func (c *Component) NodeID() string { return c.nodeID }

// Run evaluates every expression against the resolved inputs.
func (c *Component) Run(_ context.Context, inputs map[string]any) (*component.Result, error) {
	env := map[string]any{}
	for k, v := range inputs {
		env[k] = v
	}
	outputs := make(map[string]any, len(c.programs))
	for handle, program := range c.programs {
		out, err := expr.Run(program, env)
		if err != nil {
			return nil, fmt.Errorf("evaluating expression for %q: %w", handle, err)
		}
		outputs[handle] = out
	}
	return &component.Result{Outputs: outputs}, nil
}
