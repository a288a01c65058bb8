package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/vk/flowgrid/internal/workflow"
)

// OptimizationParams controls the random-search sweep. Candidates are applied
// as parameter overrides to every LLM node in the workflow.
type OptimizationParams struct {
	Trials       int
	Seed         int64
	Temperatures []float64
	Instructions []string
}

// ParseOptimizationParams decodes the loosely typed params payload of an
// execute_optimization event.
func ParseOptimizationParams(raw map[string]any) OptimizationParams {
	p := OptimizationParams{Trials: 5}
	if v, ok := raw["trials"]; ok {
		if n := int(toFloat(v)); n > 0 {
			p.Trials = n
		}
	}
	if v, ok := raw["seed"]; ok {
		p.Seed = int64(toFloat(v))
	}
	if v, ok := raw["temperatures"].([]any); ok {
		for _, t := range v {
			p.Temperatures = append(p.Temperatures, toFloat(t))
		}
	}
	if v, ok := raw["instructions"].([]any); ok {
		for _, s := range v {
			if str, ok := s.(string); ok {
				p.Instructions = append(p.Instructions, str)
			}
		}
	}
	if len(p.Temperatures) == 0 {
		p.Temperatures = []float64{0.0, 0.3, 0.7, 1.0}
	}
	return p
}

// Trial records one optimization candidate and the aggregate score it earned.
type Trial struct {
	Index     int            `json:"index"`
	Overrides map[string]any `json:"overrides"`
	Score     float64        `json:"score"`
	Error     string         `json:"error,omitempty"`
}

// OptimizationReport summarizes a sweep.
type OptimizationReport struct {
	BestScore     float64        `json:"best_score"`
	BestOverrides map[string]any `json:"best_overrides,omitempty"`
	Trials        []Trial        `json:"trials"`
}

// Optimize runs a random search: each trial applies candidate overrides to a
// copy of the workflow, executes it, evaluates the outputs, and keeps the
// best aggregate score. A failing trial is recorded with score 0 and does
// not abort the sweep. onProgress, when set, receives a line per trial.
func (e *Engine) Optimize(ctx context.Context, wf *workflow.Workflow, inputs map[string]any, params OptimizationParams, onProgress func(string)) (*OptimizationReport, error) {
	logger := ctxlog.FromContext(ctx)
	if onProgress == nil {
		onProgress = func(string) {}
	}
	rng := rand.New(rand.NewSource(seedOrNow(params.Seed)))

	report := &OptimizationReport{}
	for i := 0; i < params.Trials; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		overrides := map[string]any{
			"temperature": params.Temperatures[rng.Intn(len(params.Temperatures))],
		}
		if len(params.Instructions) > 0 {
			overrides["instructions"] = params.Instructions[rng.Intn(len(params.Instructions))]
		}

		candidate := wf.Clone()
		for j := range candidate.Nodes {
			if candidate.Nodes[j].Kind != workflow.KindLLM {
				continue
			}
			if candidate.Nodes[j].Params == nil {
				candidate.Nodes[j].Params = map[string]any{}
			}
			for k, v := range overrides {
				candidate.Nodes[j].Params[k] = v
			}
		}

		trial := Trial{Index: i, Overrides: overrides}
		runRes, err := e.Execute(ctx, candidate, inputs, Options{})
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			trial.Error = err.Error()
			logger.Debug("Optimization trial failed.", "trial", i, "error", err)
		} else {
			evalReport, evalErr := e.Evaluate(ctx, candidate, runRes.Outputs)
			if evalErr != nil {
				return report, evalErr
			}
			trial.Score = evalReport.AggregateScore
		}
		report.Trials = append(report.Trials, trial)
		if trial.Error == "" && (report.BestOverrides == nil || trial.Score > report.BestScore) {
			report.BestScore = trial.Score
			report.BestOverrides = overrides
		}
		onProgress(fmt.Sprintf("trial %d/%d score=%.3f best=%.3f", i+1, params.Trials, trial.Score, report.BestScore))
	}
	return report, nil
}

func seedOrNow(seed int64) int64 {
	if seed != 0 {
		return seed
	}
	return time.Now().UnixNano()
}
