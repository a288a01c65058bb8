package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/vk/flowgrid/internal/engine"
	"github.com/vk/flowgrid/internal/protocol"
	"github.com/vk/flowgrid/internal/workflow"
)

// worker executes one run start to finish. It shares no mutable state with
// other runs or with the controller beyond the run handle; a recovered panic
// is the crash boundary and is surfaced by the controller's poll loop. The
// run context was created by Submit, so Stop can always force-cancel it.
func (s *Supervisor) worker(run *Run, ev *protocol.ClientEvent) {
	runCtx := ctxlog.WithLogger(run.ctx, s.logger.With("run_id", run.ID))
	defer run.cancel()

	defer func() {
		if r := recover(); r != nil {
			ctxlog.FromContext(runCtx).Error("Worker panicked.", "panic", r)
			run.setCrash(fmt.Errorf("%v", r))
		}
		run.alive.Store(false)
		s.remove(run.ID)
	}()

	// Cooperative stop: the sentinel records the reason, then cancellation
	// propagates through the run context.
	go func() {
		select {
		case reason := <-run.stop:
			run.setStopReason(reason)
			run.cancel()
		case <-runCtx.Done():
		}
	}()

	started := time.Now()
	stateType := stateEventType(run.Kind)
	run.emit(protocol.StateChange(stateType, protocol.ExecutionState{
		Status:    protocol.StatusRunning,
		TraceID:   run.ID,
		StartedAt: protocol.Millis(started),
	}))

	var (
		result map[string]any
		cost   float64
		err    error
	)
	switch ev.Type {
	case protocol.EventExecuteComponent:
		result, cost, err = s.runComponent(runCtx, run, ev.ExecuteComponent)
	case protocol.EventExecuteFlow:
		result, cost, err = s.runFlow(runCtx, run, ev.ExecuteFlow)
	case protocol.EventExecuteEvaluation:
		result, cost, err = s.runEvaluation(runCtx, run, ev.ExecuteEvaluation)
	case protocol.EventExecuteOptimization:
		result, err = s.runOptimization(runCtx, run, ev.ExecuteOptimization)
	default:
		err = fmt.Errorf("event %q does not start a run", string(ev.Type))
	}

	// Remove from the registry before the terminal event goes out so that a
	// client observing the terminal state never finds the run still active.
	s.remove(run.ID)

	switch {
	case err == nil:
		run.emit(protocol.StateChange(stateType, protocol.ExecutionState{
			Status:     protocol.StatusSuccess,
			TraceID:    run.ID,
			StartedAt:  protocol.Millis(started),
			FinishedAt: protocol.Millis(time.Now()),
			Result:     result,
			Cost:       cost,
		}))
	case errors.Is(err, context.Canceled):
		run.emit(terminalStopEvent(run))
	default:
		run.emit(protocol.StateChange(stateType, protocol.ExecutionState{
			Status:     protocol.StatusError,
			TraceID:    run.ID,
			StartedAt:  protocol.Millis(started),
			FinishedAt: protocol.Millis(time.Now()),
			Error:      err.Error(),
		}))
	}
}

// runComponent executes a single node with directly supplied inputs.
func (s *Supervisor) runComponent(ctx context.Context, run *Run, ev *protocol.ExecuteComponent) (map[string]any, float64, error) {
	wf := &ev.Workflow
	node, ok := wf.Node(ev.NodeID)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", workflow.ErrNodeNotFound, ev.NodeID)
	}
	comp, err := s.engine.Registry().Compile(*node, wf)
	if err != nil {
		return nil, 0, err
	}

	run.emit(protocol.ComponentState(node.ID, protocol.ExecutionState{
		Status:    protocol.StatusRunning,
		StartedAt: protocol.Millis(time.Now()),
	}))
	out, err := comp.Run(ctx, ev.Inputs)
	if err != nil {
		run.emit(protocol.ComponentState(node.ID, protocol.ExecutionState{
			Status:     protocol.StatusError,
			FinishedAt: protocol.Millis(time.Now()),
			Error:      err.Error(),
		}))
		if ctx.Err() != nil {
			return nil, 0, context.Canceled
		}
		return nil, 0, &engine.ComponentError{NodeID: node.ID, Err: err}
	}
	run.emit(protocol.ComponentState(node.ID, protocol.ExecutionState{
		Status:     protocol.StatusSuccess,
		FinishedAt: protocol.Millis(time.Now()),
		Result:     out.Outputs,
	}))
	return out.Outputs, out.Cost, nil
}

// runFlow executes a workflow, streaming per-node state changes.
func (s *Supervisor) runFlow(ctx context.Context, run *Run, ev *protocol.ExecuteFlow) (map[string]any, float64, error) {
	res, err := s.engine.Execute(ctx, &ev.Workflow, ev.Inputs, engine.Options{
		UntilNodeID: ev.UntilNodeID,
		OnNodeState: nodeStateEmitter(run),
	})
	if err != nil {
		return nil, 0, err
	}
	return res.Output, res.Cost, nil
}

// runEvaluation executes the workflow and then aggregates its evaluators.
func (s *Supervisor) runEvaluation(ctx context.Context, run *Run, ev *protocol.ExecuteEvaluation) (map[string]any, float64, error) {
	res, err := s.engine.Execute(ctx, &ev.Workflow, ev.Inputs, engine.Options{
		OnNodeState: nodeStateEmitter(run),
	})
	if err != nil {
		return nil, 0, err
	}
	report, err := s.engine.Evaluate(ctx, &ev.Workflow, res.Outputs)
	if err != nil {
		return nil, 0, err
	}
	result, err := toMap(report)
	if err != nil {
		return nil, 0, err
	}
	result["output"] = res.Output
	return result, res.Cost, nil
}

// runOptimization runs the sweep under the extended timeout, reporting
// per-trial progress as debug events.
func (s *Supervisor) runOptimization(ctx context.Context, run *Run, ev *protocol.ExecuteOptimization) (map[string]any, error) {
	params := engine.ParseOptimizationParams(ev.Params)
	report, err := s.engine.Optimize(ctx, &ev.Workflow, ev.Inputs, params, func(line string) {
		run.emit(protocol.Debug(line))
	})
	if err != nil {
		return nil, err
	}
	return toMap(report)
}

// nodeStateEmitter adapts scheduler node transitions into component state
// change events.
func nodeStateEmitter(run *Run) func(nodeID string, state engine.NodeState, err error) {
	return func(nodeID string, state engine.NodeState, err error) {
		es := protocol.ExecutionState{}
		switch state {
		case engine.NodeRunning:
			es.Status = protocol.StatusRunning
			es.StartedAt = protocol.Millis(time.Now())
		case engine.NodeSuccess:
			es.Status = protocol.StatusSuccess
			es.FinishedAt = protocol.Millis(time.Now())
		case engine.NodeError:
			es.Status = protocol.StatusError
			es.FinishedAt = protocol.Millis(time.Now())
			if err != nil {
				es.Error = err.Error()
			}
		}
		run.emit(protocol.ComponentState(nodeID, es))
	}
}

// toMap round-trips a report struct into the loosely typed result payload.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
