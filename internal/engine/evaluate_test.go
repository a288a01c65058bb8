package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/flowgrid/internal/component"
	"github.com/vk/flowgrid/internal/engine"
	"github.com/vk/flowgrid/internal/testutil"
	"github.com/vk/flowgrid/internal/workflow"
	"github.com/vk/flowgrid/modules/evals"
)

// multiEvalWorkflow attaches n evaluator nodes to a single answer node.
func multiEvalWorkflow(n int, names ...string) *workflow.Workflow {
	wf := &workflow.Workflow{
		Nodes: []workflow.Node{
			{ID: "entry", Kind: workflow.KindEntry, Outputs: []workflow.Field{{Name: "question"}, {Name: "gold_answer"}}},
			{ID: "answer", Kind: workflow.KindLLM,
				Inputs:  []workflow.Field{{Name: "question"}},
				Outputs: []workflow.Field{{Name: "answer"}}},
		},
		Edges: []workflow.Edge{
			{Source: "entry", SourceHandle: "question", Target: "answer", TargetHandle: "question"},
		},
	}
	for i := 0; i < n; i++ {
		id := names[i]
		wf.Nodes = append(wf.Nodes, workflow.Node{
			ID: id, Kind: workflow.KindEvaluator,
			Params: map[string]any{"evaluator": id},
			Inputs: []workflow.Field{{Name: "output"}, {Name: "expected"}},
			Outputs: []workflow.Field{
				{Name: "score", Type: workflow.FieldFloat},
				{Name: "passed", Type: workflow.FieldBool},
			},
		})
		wf.Edges = append(wf.Edges,
			workflow.Edge{Source: "answer", SourceHandle: "answer", Target: id, TargetHandle: "output"},
			workflow.Edge{Source: "entry", SourceHandle: "gold_answer", Target: id, TargetHandle: "expected"},
		)
	}
	return wf
}

func scoredFactory(score float64) component.Factory {
	return testutil.StaticFactory(map[string]any{"score": score, "passed": score >= 1.0})
}

func TestEvaluate_AggregateIsMeanOfProcessed(t *testing.T) {
	t.Parallel()

	reg := component.NewRegistry()
	reg.RegisterEvaluator("full", scoredFactory(1.0))
	reg.RegisterEvaluator("zero", scoredFactory(0.0))
	reg.RegisterEvaluator("half", scoredFactory(0.5))
	eng := engine.New(reg)

	wf := multiEvalWorkflow(3, "full", "zero", "half")
	outputs := map[string]map[string]any{
		"entry":  {"question": "q", "gold_answer": "Paris"},
		"answer": {"answer": "Paris"},
	}

	report, err := eng.Evaluate(context.Background(), wf, outputs)
	require.NoError(t, err)
	require.Len(t, report.Evaluations, 3)
	assert.InDelta(t, 0.5, report.AggregateScore, 1e-9)

	half := report.Evaluations["half"]
	assert.Equal(t, engine.EvaluationProcessed, half.Status)
	assert.Equal(t, 0.5, half.Score)
	require.NotNil(t, half.Passed)
	assert.False(t, *half.Passed)
	assert.Equal(t, map[string]any{"output": "Paris", "expected": "Paris"}, half.Inputs)
}

func TestEvaluate_NoProcessedMeansZero(t *testing.T) {
	t.Parallel()

	reg := component.NewRegistry()
	reg.RegisterEvaluator("full", scoredFactory(1.0))
	eng := engine.New(reg)

	wf := multiEvalWorkflow(1, "full")
	// No answer output: the evaluator's inputs never become available.
	outputs := map[string]map[string]any{"entry": {"question": "q", "gold_answer": "Paris"}}

	report, err := eng.Evaluate(context.Background(), wf, outputs)
	require.NoError(t, err)
	assert.Zero(t, report.AggregateScore)
	assert.Equal(t, engine.EvaluationSkipped, report.Evaluations["full"].Status)
}

func TestEvaluate_FailingEvaluatorIsRecordedNotFatal(t *testing.T) {
	t.Parallel()

	reg := component.NewRegistry()
	reg.RegisterEvaluator("full", scoredFactory(1.0))
	reg.RegisterEvaluator("broken", testutil.FailingFactory(errors.New("judge offline")))
	eng := engine.New(reg)

	wf := multiEvalWorkflow(2, "full", "broken")
	outputs := map[string]map[string]any{
		"entry":  {"question": "q", "gold_answer": "Paris"},
		"answer": {"answer": "Paris"},
	}

	report, err := eng.Evaluate(context.Background(), wf, outputs)
	require.NoError(t, err)

	broken := report.Evaluations["broken"]
	assert.Equal(t, engine.EvaluationError, broken.Status)
	assert.Contains(t, broken.Details, "judge offline")

	// The failing evaluator contributes nothing; the aggregate is the mean
	// over the single processed one.
	assert.InDelta(t, 1.0, report.AggregateScore, 1e-9)
}

func TestEvaluate_NoEvaluatorNodes(t *testing.T) {
	t.Parallel()

	eng := engine.New(component.NewRegistry())
	report, err := eng.Evaluate(context.Background(), multiEvalWorkflow(0), nil)
	require.NoError(t, err)
	assert.Empty(t, report.Evaluations)
	assert.Zero(t, report.AggregateScore)
}

// The full capital-of-France scenario: scripted LLM components plus the real
// exact_match evaluator, run through Execute then Evaluate.
func TestExecuteAndEvaluate_EndToEnd(t *testing.T) {
	t.Parallel()

	reg := component.NewRegistry()
	reg.Register(workflow.KindLLM, func(node workflow.Node, _ *workflow.Workflow) (component.Component, error) {
		return component.Func(node.ID, func(_ context.Context, inputs map[string]any) (*component.Result, error) {
			if node.ID == "generate_query" {
				return &component.Result{Outputs: map[string]any{"query": inputs["question"]}}, nil
			}
			return &component.Result{Outputs: map[string]any{"answer": "Paris"}}, nil
		}), nil
	})
	(&evals.Module{}).Register(reg)
	eng := engine.New(reg)

	wf := testutil.LinearWorkflow()
	inputs := map[string]any{"question": "What is the capital of France?", "gold_answer": "Paris"}

	res, err := eng.Execute(context.Background(), wf, inputs, engine.Options{})
	require.NoError(t, err)
	assert.Equal(t, "Paris", res.Output["result"])

	report, err := eng.Evaluate(context.Background(), wf, res.Outputs)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, report.AggregateScore, 1e-9)

	ev := report.Evaluations["exact_match_evaluator"]
	assert.Equal(t, engine.EvaluationProcessed, ev.Status)
	assert.Equal(t, 1.0, ev.Score)
	require.NotNil(t, ev.Passed)
	assert.True(t, *ev.Passed)
}
