// Package testutil holds shared helpers for package tests: a thread-safe
// log buffer, scripted component factories, and workflow fixtures.
package testutil

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/vk/flowgrid/internal/component"
	"github.com/vk/flowgrid/internal/workflow"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// StaticFactory returns a factory whose components always produce the given
// outputs.
func StaticFactory(outputs map[string]any) component.Factory {
	return func(node workflow.Node, _ *workflow.Workflow) (component.Component, error) {
		return component.Func(node.ID, func(ctx context.Context, _ map[string]any) (*component.Result, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return &component.Result{Outputs: outputs}, nil
		}), nil
	}
}

// EchoFactory returns a factory whose components copy their inputs to their
// outputs, remapping the first input onto the node's first declared output.
func EchoFactory() component.Factory {
	return func(node workflow.Node, _ *workflow.Workflow) (component.Component, error) {
		return component.Func(node.ID, func(_ context.Context, inputs map[string]any) (*component.Result, error) {
			out := make(map[string]any, len(inputs))
			for k, v := range inputs {
				out[k] = v
			}
			if len(node.Outputs) == 1 && len(node.Inputs) == 1 {
				if v, ok := inputs[node.Inputs[0].Name]; ok {
					out[node.Outputs[0].Name] = v
				}
			}
			return &component.Result{Outputs: out}, nil
		}), nil
	}
}

// FailingFactory returns a factory whose components always fail with err.
func FailingFactory(err error) component.Factory {
	return func(node workflow.Node, _ *workflow.Workflow) (component.Component, error) {
		return component.Func(node.ID, func(context.Context, map[string]any) (*component.Result, error) {
			return nil, err
		}), nil
	}
}

// SlowFactory returns a factory whose components produce outputs after d,
// or fail early with the context's error when cancelled.
func SlowFactory(d time.Duration, outputs map[string]any) component.Factory {
	return func(node workflow.Node, _ *workflow.Workflow) (component.Component, error) {
		return component.Func(node.ID, func(ctx context.Context, _ map[string]any) (*component.Result, error) {
			select {
			case <-time.After(d):
				return &component.Result{Outputs: outputs}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}), nil
	}
}

// PanickingFactory returns a factory whose components panic, for crash
// detection tests.
func PanickingFactory(msg string) component.Factory {
	return func(node workflow.Node, _ *workflow.Workflow) (component.Component, error) {
		return component.Func(node.ID, func(context.Context, map[string]any) (*component.Result, error) {
			panic(msg)
		}), nil
	}
}

// LinearWorkflow is the canonical fixture:
//
//	entry -> generate_query -> generate_answer -> end
//
// with an exact_match evaluator fed by generate_answer.answer and
// entry.gold_answer. All processing nodes are kind llm so tests can swap in
// scripted factories.
func LinearWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Name: "qa-pipeline",
		Nodes: []workflow.Node{
			{
				ID:   "entry",
				Kind: workflow.KindEntry,
				Outputs: []workflow.Field{
					{Name: "question", Type: workflow.FieldStr},
					{Name: "gold_answer", Type: workflow.FieldStr},
				},
			},
			{
				ID:      "generate_query",
				Kind:    workflow.KindLLM,
				Inputs:  []workflow.Field{{Name: "question", Type: workflow.FieldStr}},
				Outputs: []workflow.Field{{Name: "query", Type: workflow.FieldStr}},
			},
			{
				ID:      "generate_answer",
				Kind:    workflow.KindLLM,
				Inputs:  []workflow.Field{{Name: "query", Type: workflow.FieldStr}},
				Outputs: []workflow.Field{{Name: "answer", Type: workflow.FieldStr}},
			},
			{
				ID:     "exact_match_evaluator",
				Kind:   workflow.KindEvaluator,
				Params: map[string]any{"evaluator": "exact_match"},
				Inputs: []workflow.Field{
					{Name: "output", Type: workflow.FieldStr},
					{Name: "expected", Type: workflow.FieldStr},
				},
				Outputs: []workflow.Field{
					{Name: "score", Type: workflow.FieldFloat},
					{Name: "passed", Type: workflow.FieldBool},
				},
			},
			{
				ID:     "end",
				Kind:   workflow.KindEnd,
				Inputs: []workflow.Field{{Name: "result", Type: workflow.FieldStr}},
			},
		},
		Edges: []workflow.Edge{
			{Source: "entry", SourceHandle: "question", Target: "generate_query", TargetHandle: "question"},
			{Source: "generate_query", SourceHandle: "query", Target: "generate_answer", TargetHandle: "query"},
			{Source: "generate_answer", SourceHandle: "answer", Target: "end", TargetHandle: "result"},
			{Source: "generate_answer", SourceHandle: "answer", Target: "exact_match_evaluator", TargetHandle: "output"},
			{Source: "entry", SourceHandle: "gold_answer", Target: "exact_match_evaluator", TargetHandle: "expected"},
		},
	}
}

// CyclicWorkflow returns entry -> a -> b -> c -> a.
func CyclicWorkflow() *workflow.Workflow {
	node := func(id string) workflow.Node {
		return workflow.Node{
			ID:      id,
			Kind:    workflow.KindTransform,
			Inputs:  []workflow.Field{{Name: "in", Type: workflow.FieldStr, Optional: true}},
			Outputs: []workflow.Field{{Name: "out", Type: workflow.FieldStr}},
			Params:  map[string]any{"expression": `"x"`},
		}
	}
	return &workflow.Workflow{
		Nodes: []workflow.Node{
			{ID: "entry", Kind: workflow.KindEntry, Outputs: []workflow.Field{{Name: "seed", Type: workflow.FieldStr}}},
			node("a"), node("b"), node("c"),
		},
		Edges: []workflow.Edge{
			{Source: "entry", SourceHandle: "seed", Target: "a", TargetHandle: "in"},
			{Source: "a", SourceHandle: "out", Target: "b", TargetHandle: "in"},
			{Source: "b", SourceHandle: "out", Target: "c", TargetHandle: "in"},
			{Source: "c", SourceHandle: "out", Target: "a", TargetHandle: "in"},
		},
	}
}
