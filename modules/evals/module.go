// Package evals provides the built-in evaluator implementations referenced
// by evaluator nodes via params.evaluator. Every evaluator produces the
// conventional score/passed/details output handles consumed by the
// evaluation aggregator.
package evals

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/flowgrid/internal/component"
	"github.com/vk/flowgrid/internal/workflow"
)

// Module implements component.Module for this package.
type Module struct{}

// Register binds the built-in evaluator names.
func (m *Module) Register(r *component.Registry) {
	r.RegisterEvaluator("exact_match", newExactMatch)
	r.RegisterEvaluator("contains", newContains)
}

// newExactMatch scores 1.0 when the "output" input equals the "expected"
// input after whitespace trimming, 0.0 otherwise.
func newExactMatch(node workflow.Node, _ *workflow.Workflow) (component.Component, error) {
	caseSensitive := true
	if v, ok := node.Params["case_sensitive"].(bool); ok {
		caseSensitive = v
	}
	return component.Func(node.ID, func(_ context.Context, inputs map[string]any) (*component.Result, error) {
		got, expected, err := matchInputs(inputs)
		if err != nil {
			return nil, err
		}
		if !caseSensitive {
			got = strings.ToLower(got)
			expected = strings.ToLower(expected)
		}
		return scoreResult(got == expected, fmt.Sprintf("expected %q, got %q", expected, got)), nil
	}), nil
}

// newContains scores 1.0 when the "output" input contains the "expected"
// substring.
func newContains(node workflow.Node, _ *workflow.Workflow) (component.Component, error) {
	return component.Func(node.ID, func(_ context.Context, inputs map[string]any) (*component.Result, error) {
		got, expected, err := matchInputs(inputs)
		if err != nil {
			return nil, err
		}
		return scoreResult(strings.Contains(got, expected), fmt.Sprintf("expected to contain %q, got %q", expected, got)), nil
	}), nil
}

func matchInputs(inputs map[string]any) (got, expected string, err error) {
	g, ok := inputs["output"]
	if !ok {
		return "", "", fmt.Errorf("missing evaluator input %q", "output")
	}
	e, ok := inputs["expected"]
	if !ok {
		return "", "", fmt.Errorf("missing evaluator input %q", "expected")
	}
	return strings.TrimSpace(fmt.Sprintf("%v", g)), strings.TrimSpace(fmt.Sprintf("%v", e)), nil
}

func scoreResult(passed bool, details string) *component.Result {
	score := 0.0
	if passed {
		score = 1.0
		details = ""
	}
	return &component.Result{Outputs: map[string]any{
		"score":   score,
		"passed":  passed,
		"details": details,
	}}
}
