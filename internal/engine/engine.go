// Package engine executes compiled workflows: a readiness-driven scheduler
// that runs components in dependency order, an evaluation aggregator that
// scores produced outputs, and a small random-search optimizer on top of
// both. The engine owns no cross-run state; one Engine is safely shared by
// concurrent runs because every Execute call keeps its state on the stack.
package engine

import (
	"fmt"
	"strings"

	"github.com/vk/flowgrid/internal/component"
)

// Engine compiles and runs workflows against a component registry.
type Engine struct {
	reg *component.Registry
}

// New creates an Engine backed by the given registry.
func New(reg *component.Registry) *Engine {
	return &Engine{reg: reg}
}

// Registry exposes the engine's component registry, primarily for tests.
func (e *Engine) Registry() *component.Registry { return e.reg }

// ComponentError reports that a node's compiled component failed during Run.
// It aborts the whole run with Error status.
type ComponentError struct {
	NodeID string
	Err    error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("node %q failed: %v", e.NodeID, e.Err)
}

func (e *ComponentError) Unwrap() error { return e.Err }

// DeadlockError reports that a scheduler pass made no progress while
// executable nodes remained. Distinct from the static cycle check: dynamic
// readiness can fail even on an acyclic graph when required data is genuinely
// unreachable.
type DeadlockError struct {
	Remaining []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("workflow has a loop: no remaining node is ready (%s)", strings.Join(e.Remaining, ", "))
}
