package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/vk/flowgrid/internal/workflow"
)

// NodeState is reported through Options.OnNodeState as each node moves
// through its lifecycle.
type NodeState string

const (
	NodeRunning NodeState = "running"
	NodeSuccess NodeState = "success"
	NodeError   NodeState = "error"
)

// Options tunes a single Execute call.
type Options struct {
	// UntilNodeID restricts the run to the named node's dependency subset
	// and stops right after it has executed. Naming the entry node executes
	// nothing and returns only the entry's outputs.
	UntilNodeID string
	// RunEvaluators includes evaluator nodes in the scheduler pass. They are
	// normally excluded and run by the aggregator instead.
	RunEvaluators bool
	// OnNodeState, when set, is called for every node state transition.
	OnNodeState func(nodeID string, state NodeState, err error)
}

// RunResult is the outcome of one Execute call. Outputs maps node id to that
// node's produced handle values; Output is the run's final output (the end
// node's resolved inputs, or the until-node's outputs on a partial run).
type RunResult struct {
	Outputs  map[string]map[string]any
	Output   map[string]any
	Cost     float64
	Executed []string
	Duration time.Duration
}

// Execute validates the workflow, seeds the entry outputs from the supplied
// inputs, and repeats readiness scans over the executable nodes until all
// have run, the until-node has run, or a pass makes no progress (runtime
// deadlock). A component failure aborts the run immediately; outputs already
// computed stay on the returned RunResult for debugging.
func (e *Engine) Execute(ctx context.Context, wf *workflow.Workflow, inputs map[string]any, opts Options) (*RunResult, error) {
	logger := ctxlog.FromContext(ctx)
	started := time.Now()

	if err := workflow.Validate(wf); err != nil {
		return nil, err
	}
	entry := wf.Entry()
	if err := workflow.CheckInputs(entry.Outputs, inputs); err != nil {
		return nil, fmt.Errorf("entry inputs: %w", err)
	}
	if opts.UntilNodeID != "" {
		if _, ok := wf.Node(opts.UntilNodeID); !ok {
			return nil, fmt.Errorf("%w: %q", workflow.ErrNodeNotFound, opts.UntilNodeID)
		}
	}

	res := &RunResult{Outputs: map[string]map[string]any{entry.ID: inputs}}
	notify := opts.OnNodeState
	if notify == nil {
		notify = func(string, NodeState, error) {}
	}

	// Executable set. A full run takes every executable node in workflow
	// order; a partial run takes only the until-node's ancestors, already
	// topologically ordered by the resolver. Entry and end never execute;
	// evaluators only on request.
	var candidates []workflow.Node
	switch {
	case opts.UntilNodeID == entry.ID:
	case opts.UntilNodeID != "":
		subset, err := workflow.DependencySubset(wf, opts.UntilNodeID)
		if err != nil {
			return nil, err
		}
		candidates = subset
	default:
		candidates = wf.Nodes
	}
	var pending []workflow.Node
	for _, n := range candidates {
		if !n.Kind.Executable() {
			continue
		}
		if n.Kind == workflow.KindEvaluator && !opts.RunEvaluators {
			continue
		}
		pending = append(pending, n)
	}

	executed := make(map[string]bool)
	for len(executed) < len(pending) {
		progress := false
		for _, n := range pending {
			if executed[n.ID] {
				continue
			}
			if err := ctx.Err(); err != nil {
				res.Duration = time.Since(started)
				return res, err
			}
			nodeInputs, ready := resolveInputs(wf, n.ID, res.Outputs)
			if !ready {
				continue
			}

			comp, err := e.reg.Compile(n, wf)
			if err != nil {
				notify(n.ID, NodeError, err)
				res.Duration = time.Since(started)
				return res, err
			}
			notify(n.ID, NodeRunning, nil)
			logger.Debug("Executing node.", "node_id", n.ID, "kind", string(n.Kind))
			out, err := comp.Run(ctx, nodeInputs)
			if err != nil {
				cerr := &ComponentError{NodeID: n.ID, Err: err}
				notify(n.ID, NodeError, cerr)
				res.Duration = time.Since(started)
				return res, cerr
			}
			res.Outputs[n.ID] = out.Outputs
			res.Cost += out.Cost
			res.Executed = append(res.Executed, n.ID)
			executed[n.ID] = true
			progress = true
			notify(n.ID, NodeSuccess, nil)

			if n.ID == opts.UntilNodeID {
				res.Output = out.Outputs
				res.Duration = time.Since(started)
				return res, nil
			}
		}
		if !progress && len(executed) < len(pending) {
			var remaining []string
			for _, n := range pending {
				if !executed[n.ID] {
					remaining = append(remaining, n.ID)
				}
			}
			res.Duration = time.Since(started)
			return res, &DeadlockError{Remaining: remaining}
		}
	}

	switch {
	case opts.UntilNodeID == entry.ID:
		res.Output = inputs
	default:
		if end := wf.End(); end != nil {
			if endInputs, ready := resolveInputs(wf, end.ID, res.Outputs); ready {
				res.Output = endInputs
				res.Outputs[end.ID] = endInputs
			}
		}
	}
	res.Duration = time.Since(started)
	return res, nil
}

// resolveInputs gathers a node's inputs from the outputs produced so far. It
// reports false until every edge targeting the node has its source value
// available, which is exactly the readiness condition.
func resolveInputs(wf *workflow.Workflow, nodeID string, outputs map[string]map[string]any) (map[string]any, bool) {
	in := wf.InEdges(nodeID)
	resolved := make(map[string]any, len(in))
	for _, e := range in {
		src, ok := outputs[e.Source]
		if !ok {
			return nil, false
		}
		v, ok := src[e.SourceHandle]
		if !ok {
			return nil, false
		}
		resolved[e.TargetHandle] = v
	}
	return resolved, true
}
