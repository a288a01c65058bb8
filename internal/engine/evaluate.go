package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/vk/flowgrid/internal/workflow"
)

// EvaluationStatus classifies what happened to a single evaluator node.
type EvaluationStatus string

const (
	EvaluationProcessed EvaluationStatus = "processed"
	EvaluationSkipped   EvaluationStatus = "skipped"
	EvaluationError     EvaluationStatus = "error"
)

// Evaluation is the immutable result record for one evaluator node, including
// the exact inputs it was given.
type Evaluation struct {
	NodeID   string           `json:"node_id"`
	Status   EvaluationStatus `json:"status"`
	Score    float64          `json:"score"`
	Passed   *bool            `json:"passed,omitempty"`
	Details  string           `json:"details,omitempty"`
	Inputs   map[string]any   `json:"inputs,omitempty"`
	Duration time.Duration    `json:"duration"`
}

// EvaluationReport combines the per-evaluator records with the aggregate
// score: the arithmetic mean of all processed evaluator scores, or 0 when no
// evaluator was processed. Skipped and errored evaluators contribute no
// score but are still reported.
type EvaluationReport struct {
	AggregateScore float64               `json:"aggregate_score"`
	Evaluations    map[string]Evaluation `json:"evaluations"`
}

// evaluatorParallelism caps concurrent evaluator executions per run.
const evaluatorParallelism = 4

// Evaluate runs every evaluator node in the workflow against the outputs a
// prior Execute produced. Evaluators are independent, so they fan out
// concurrently; inputs are resolved from the prior outputs exactly as the
// scheduler would. An evaluator whose inputs are unavailable is skipped, one
// whose component fails is recorded with error status; neither aborts the
// others.
func (e *Engine) Evaluate(ctx context.Context, wf *workflow.Workflow, priorOutputs map[string]map[string]any) (*EvaluationReport, error) {
	logger := ctxlog.FromContext(ctx)

	report := &EvaluationReport{Evaluations: make(map[string]Evaluation)}
	var mu sync.Mutex
	record := func(ev Evaluation) {
		mu.Lock()
		defer mu.Unlock()
		report.Evaluations[ev.NodeID] = ev
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(evaluatorParallelism)
	for _, n := range wf.Nodes {
		if n.Kind != workflow.KindEvaluator {
			continue
		}
		node := n
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			inputs, ready := resolveInputs(wf, node.ID, priorOutputs)
			if !ready {
				logger.Debug("Evaluator skipped, inputs unavailable.", "node_id", node.ID)
				record(Evaluation{NodeID: node.ID, Status: EvaluationSkipped})
				return nil
			}
			comp, err := e.reg.Compile(node, wf)
			if err != nil {
				record(Evaluation{NodeID: node.ID, Status: EvaluationError, Details: err.Error(), Inputs: inputs})
				return nil
			}
			started := time.Now()
			out, err := comp.Run(gctx, inputs)
			elapsed := time.Since(started)
			if err != nil {
				logger.Debug("Evaluator failed.", "node_id", node.ID, "error", err)
				record(Evaluation{NodeID: node.ID, Status: EvaluationError, Details: err.Error(), Inputs: inputs, Duration: elapsed})
				return nil
			}
			record(evaluationFromOutputs(node.ID, inputs, out.Outputs, elapsed))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	total, processed := 0.0, 0
	for _, ev := range report.Evaluations {
		if ev.Status == EvaluationProcessed {
			total += ev.Score
			processed++
		}
	}
	if processed > 0 {
		report.AggregateScore = total / float64(processed)
	}
	return report, nil
}

// evaluationFromOutputs extracts the conventional score/passed/details
// handles from an evaluator component's outputs.
func evaluationFromOutputs(nodeID string, inputs, outputs map[string]any, elapsed time.Duration) Evaluation {
	ev := Evaluation{NodeID: nodeID, Status: EvaluationProcessed, Inputs: inputs, Duration: elapsed}
	if v, ok := outputs["score"]; ok {
		ev.Score = toFloat(v)
	}
	if v, ok := outputs["passed"].(bool); ok {
		passed := v
		ev.Passed = &passed
	}
	if v, ok := outputs["details"].(string); ok {
		ev.Details = v
	}
	return ev
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
