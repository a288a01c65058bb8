// Package httpreq provides the component factory for http_request nodes:
// one outbound HTTP call per run, with optional markdown extraction for
// HTML responses so downstream LLM nodes get readable text.
package httpreq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/vk/flowgrid/internal/component"
	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/vk/flowgrid/internal/workflow"
)

// maxResponseBody caps response reads to keep rogue endpoints from
// exhausting memory.
const maxResponseBody int64 = 10 << 20

// Module implements component.Module for this package.
type Module struct{}

// Register binds the http_request node kind to this factory.
func (m *Module) Register(r *component.Registry) {
	r.Register(workflow.KindHTTPRequest, New)
}

// Params configure the request. URL may instead arrive on the "url" input
// handle; Format selects how the body is surfaced: text (default), json, or
// markdown (HTML converted for LLM consumption).
type Params struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Format  string            `json:"format"`
	Timeout string            `json:"timeout"`
}

// Component performs the call.
type Component struct {
	nodeID string
	params Params
	output workflow.Field
	client *http.Client
}

// New compiles an http_request node.
func New(node workflow.Node, _ *workflow.Workflow) (component.Component, error) {
	var params Params
	if err := component.DecodeParams(node.Params, &params); err != nil {
		return nil, fmt.Errorf("invalid http_request params: %w", err)
	}
	if params.Method == "" {
		params.Method = http.MethodGet
	}
	switch params.Format {
	case "", "text", "json", "markdown":
	default:
		return nil, fmt.Errorf("invalid http_request format %q", params.Format)
	}
	timeout := 30 * time.Second
	if params.Timeout != "" {
		d, err := time.ParseDuration(params.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid http_request timeout: %w", err)
		}
		timeout = d
	}

	output := workflow.Field{Name: "response", Type: workflow.FieldStr}
	if len(node.Outputs) > 0 {
		output = node.Outputs[0]
	}
	return &Component{
		nodeID: node.ID,
		params: params,
		output: output,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (c *Component) NodeID() string { return c.nodeID }

// Run issues the request. The "url" input overrides params.url and the
// "body" input, when present, is sent as the request body.
func (c *Component) Run(ctx context.Context, inputs map[string]any) (*component.Result, error) {
	logger := ctxlog.FromContext(ctx)

	url := c.params.URL
	if v, ok := inputs["url"].(string); ok && v != "" {
		url = v
	}
	if url == "" {
		return nil, fmt.Errorf("no url configured or supplied")
	}

	var body io.Reader
	if v, ok := inputs["body"]; ok {
		switch b := v.(type) {
		case string:
			body = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("encoding request body: %w", err)
			}
			body = strings.NewReader(string(data))
		}
	}

	req, err := http.NewRequestWithContext(ctx, c.params.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range c.params.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	logger.Debug("HTTP request finished.", "node_id", c.nodeID, "url", url, "status", resp.StatusCode, "bytes", len(data))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("non-2xx status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	value, err := c.renderBody(data, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	outputs := map[string]any{c.output.Name: value}
	if c.output.Name != "status_code" {
		outputs["status_code"] = resp.StatusCode
	}
	return &component.Result{Outputs: outputs}, nil
}

func (c *Component) renderBody(data []byte, contentType string) (any, error) {
	format := c.params.Format
	if format == "" || format == "text" {
		if format == "" && strings.Contains(contentType, "text/html") {
			format = "markdown"
		} else {
			return string(data), nil
		}
	}
	switch format {
	case "json":
		var parsed any
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("response is not valid JSON: %w", err)
		}
		return parsed, nil
	case "markdown":
		markdown, err := htmltomarkdown.ConvertString(string(data))
		if err != nil {
			return nil, fmt.Errorf("converting HTML to markdown: %w", err)
		}
		return markdown, nil
	}
	return string(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
