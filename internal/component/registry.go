package component

import (
	"fmt"
	"sync"

	"github.com/vk/flowgrid/internal/workflow"
)

// Module is the interface all component modules implement to be registered
// with an application instance.
type Module interface {
	Register(r *Registry)
}

// Registry maps node kinds to component factories, and evaluator names to
// evaluator factories. Registration happens at startup; lookups during runs
// are read-only.
type Registry struct {
	mu         sync.RWMutex
	factories  map[workflow.Kind]Factory
	evaluators map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories:  make(map[workflow.Kind]Factory),
		evaluators: make(map[string]Factory),
	}
}

// Register binds a factory to a processing node kind. Later registrations
// replace earlier ones, which tests use to substitute scripted components.
func (r *Registry) Register(kind workflow.Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// RegisterEvaluator binds a factory to an evaluator implementation name,
// referenced by evaluator nodes via params.evaluator.
func (r *Registry) RegisterEvaluator(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[name] = f
}

// Compile turns a node into a runnable Component. Entry and end nodes are
// identity pass-throughs; evaluator nodes dispatch on params.evaluator;
// processing kinds dispatch on the node kind.
func (r *Registry) Compile(node workflow.Node, wf *workflow.Workflow) (Component, error) {
	switch node.Kind {
	case workflow.KindEntry, workflow.KindEnd:
		return passthrough(node.ID), nil
	case workflow.KindEvaluator:
		name, _ := node.Params["evaluator"].(string)
		if name == "" {
			return nil, &CompileError{NodeID: node.ID, Err: fmt.Errorf("evaluator node missing params.evaluator")}
		}
		r.mu.RLock()
		f, ok := r.evaluators[name]
		r.mu.RUnlock()
		if !ok {
			return nil, &CompileError{NodeID: node.ID, Err: fmt.Errorf("no evaluator registered under %q", name)}
		}
		return r.build(f, node, wf)
	default:
		r.mu.RLock()
		f, ok := r.factories[node.Kind]
		r.mu.RUnlock()
		if !ok {
			return nil, &CompileError{NodeID: node.ID, Err: fmt.Errorf("no factory registered for kind %q", string(node.Kind))}
		}
		return r.build(f, node, wf)
	}
}

func (r *Registry) build(f Factory, node workflow.Node, wf *workflow.Workflow) (Component, error) {
	c, err := f(node, wf)
	if err != nil {
		if _, ok := err.(*CompileError); ok {
			return nil, err
		}
		return nil, &CompileError{NodeID: node.ID, Err: err}
	}
	return c, nil
}
