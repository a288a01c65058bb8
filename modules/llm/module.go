// Package llm provides the component factory for llm nodes: one chat
// completion per run, with optional structured (JSON) output repair and
// token-based cost accounting.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	openai "github.com/sashabaranov/go-openai"

	"github.com/vk/flowgrid/internal/component"
	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/vk/flowgrid/internal/workflow"
)

const defaultModel = openai.GPT4oMini

// Module implements component.Module for this package.
type Module struct{}

// Register binds the llm node kind to this factory.
func (m *Module) Register(r *component.Registry) {
	r.Register(workflow.KindLLM, New)
}

// Params are the node parameters an llm node understands. All optional.
type Params struct {
	Model           string  `json:"model"`
	Instructions    string  `json:"instructions"`
	Temperature     float64 `json:"temperature"`
	MaxTokens       int     `json:"max_tokens"`
	BaseURL         string  `json:"base_url"`
	InputCostPer1K  float64 `json:"input_cost_per_1k"`
	OutputCostPer1K float64 `json:"output_cost_per_1k"`
}

// Component calls a chat completion API and maps the reply onto the node's
// first declared output field.
type Component struct {
	nodeID string
	params Params
	output workflow.Field
	client *openai.Client
}

// New compiles an llm node. The API key comes from OPENAI_API_KEY; a custom
// base_url param points the client at any OpenAI-compatible endpoint.
func New(node workflow.Node, _ *workflow.Workflow) (component.Component, error) {
	var params Params
	if err := component.DecodeParams(node.Params, &params); err != nil {
		return nil, fmt.Errorf("invalid llm params: %w", err)
	}
	if params.Model == "" {
		params.Model = defaultModel
	}

	output := workflow.Field{Name: "output", Type: workflow.FieldStr}
	if len(node.Outputs) > 0 {
		output = node.Outputs[0]
	}

	cfg := openai.DefaultConfig(os.Getenv("OPENAI_API_KEY"))
	if params.BaseURL != "" {
		cfg.BaseURL = params.BaseURL
	}
	return &Component{
		nodeID: node.ID,
		params: params,
		output: output,
		client: openai.NewClientWithConfig(cfg),
	}, nil
}

func (c *Component) NodeID() string { return c.nodeID }

// Run sends one chat completion. Inputs become the user message; the reply
// lands on the declared output handle, parsed as JSON (with repair) when the
// output field is typed json.
func (c *Component) Run(ctx context.Context, inputs map[string]any) (*component.Result, error) {
	logger := ctxlog.FromContext(ctx)

	messages := []openai.ChatCompletionMessage{}
	if c.params.Instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: c.params.Instructions,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: renderInputs(inputs),
	})

	req := openai.ChatCompletionRequest{
		Model:       c.params.Model,
		Messages:    messages,
		Temperature: float32(c.params.Temperature),
		MaxTokens:   c.params.MaxTokens,
	}
	if c.output.Type == workflow.FieldJSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	content := resp.Choices[0].Message.Content
	logger.Debug("LLM call finished.", "node_id", c.nodeID, "model", c.params.Model,
		"prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens)

	value, err := c.outputValue(content)
	if err != nil {
		return nil, err
	}
	cost := float64(resp.Usage.PromptTokens)/1000*c.params.InputCostPer1K +
		float64(resp.Usage.CompletionTokens)/1000*c.params.OutputCostPer1K
	return &component.Result{
		Outputs: map[string]any{c.output.Name: value},
		Cost:    cost,
	}, nil
}

// outputValue converts the raw reply for the declared output type. Models
// routinely emit almost-JSON, so a failed parse goes through jsonrepair
// before giving up.
func (c *Component) outputValue(content string) (any, error) {
	if c.output.Type != workflow.FieldJSON {
		return content, nil
	}
	trimmed := strings.TrimSpace(content)
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		return parsed, nil
	}
	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return nil, fmt.Errorf("model output is not valid JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
		return nil, fmt.Errorf("model output is not valid JSON after repair: %w", err)
	}
	return parsed, nil
}

// renderInputs flattens resolved inputs into a deterministic user message. A
// single input is passed through raw; multiple inputs become labeled lines.
func renderInputs(inputs map[string]any) string {
	if len(inputs) == 1 {
		for _, v := range inputs {
			return fmt.Sprintf("%v", v)
		}
	}
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %v\n", name, inputs[name])
	}
	return b.String()
}
