package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/flowgrid/internal/component"
	"github.com/vk/flowgrid/internal/engine"
	"github.com/vk/flowgrid/internal/protocol"
	"github.com/vk/flowgrid/internal/server"
	"github.com/vk/flowgrid/internal/supervisor"
	"github.com/vk/flowgrid/internal/testutil"
	"github.com/vk/flowgrid/internal/workflow"
)

func newTestServer(t *testing.T, wire func(*component.Registry)) *httptest.Server {
	t.Helper()
	buf := &testutil.SafeBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	reg := component.NewRegistry()
	if wire != nil {
		wire(reg)
	}
	sup := supervisor.New(supervisor.Config{
		PollInterval: 5 * time.Millisecond,
		GracePeriod:  50 * time.Millisecond,
	}, engine.New(reg), logger)

	ts := httptest.NewServer(server.New(sup, logger).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func wireAnswer(reg *component.Registry) {
	reg.Register(workflow.KindLLM, func(node workflow.Node, _ *workflow.Workflow) (component.Component, error) {
		return component.Func(node.ID, func(_ context.Context, inputs map[string]any) (*component.Result, error) {
			if node.ID == "generate_query" {
				return &component.Result{Outputs: map[string]any{"query": inputs["question"]}}, nil
			}
			return &component.Result{Outputs: map[string]any{"answer": "Paris"}}, nil
		}), nil
	})
	reg.RegisterEvaluator("exact_match", func(node workflow.Node, _ *workflow.Workflow) (component.Component, error) {
		return component.Func(node.ID, func(_ context.Context, inputs map[string]any) (*component.Result, error) {
			score := 0.0
			if inputs["output"] == inputs["expected"] {
				score = 1.0
			}
			return &component.Result{Outputs: map[string]any{"score": score, "passed": score == 1.0}}, nil
		}), nil
	})
}

// postEvent sends one event and decodes the full SSE stream.
func postEvent(t *testing.T, ts *httptest.Server, body string) []protocol.ServerEvent {
	t.Helper()
	resp, err := http.Post(ts.URL+"/execute", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []protocol.ServerEvent
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev protocol.ServerEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func marshalEvent(t *testing.T, ev protocol.ClientEvent) string {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return string(data)
}

// countDone also verifies the stream invariant: done arrives exactly once,
// always last.
func countDone(t *testing.T, events []protocol.ServerEvent) {
	t.Helper()
	require.NotEmpty(t, events)
	for i, ev := range events[:len(events)-1] {
		require.NotEqual(t, protocol.EventDone, ev.Type, "done arrived early at index %d", i)
	}
	require.Equal(t, protocol.EventDone, events[len(events)-1].Type)
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK\n", buf.String())
}

func TestServer_IsAlive(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	events := postEvent(t, ts, `{"type":"is_alive"}`)

	countDone(t, events)
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventIsAliveResponse, events[0].Type)
}

func TestServer_ExecuteFlow(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, wireAnswer)
	body := marshalEvent(t, protocol.ClientEvent{
		Type: protocol.EventExecuteFlow,
		ExecuteFlow: &protocol.ExecuteFlow{
			TraceID:  "t-http",
			Workflow: *testutil.LinearWorkflow(),
			Inputs:   map[string]any{"question": "What is the capital of France?", "gold_answer": "Paris"},
		},
	})
	events := postEvent(t, ts, body)
	countDone(t, events)

	// Exactly one terminal state change, immediately before done.
	var terminals int
	for _, ev := range events {
		if ev.Terminal() {
			terminals++
		}
	}
	require.Equal(t, 1, terminals)

	final := events[len(events)-2]
	require.True(t, final.Terminal())
	assert.Equal(t, protocol.StatusSuccess, final.State.Status)
	assert.Equal(t, "t-http", final.State.TraceID)
	assert.Equal(t, "Paris", final.State.Result["result"])
}

func TestServer_ExecuteEvaluation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, wireAnswer)
	body := marshalEvent(t, protocol.ClientEvent{
		Type: protocol.EventExecuteEvaluation,
		ExecuteEvaluation: &protocol.ExecuteEvaluation{
			RunID:    "r-http",
			Workflow: *testutil.LinearWorkflow(),
			Inputs:   map[string]any{"question": "What is the capital of France?", "gold_answer": "Paris"},
		},
	})
	events := postEvent(t, ts, body)
	countDone(t, events)

	final := events[len(events)-2]
	require.Equal(t, protocol.EventEvaluationStateChange, final.Type)
	assert.Equal(t, protocol.StatusSuccess, final.State.Status)
	assert.EqualValues(t, 1.0, final.State.Result["aggregate_score"])
}

func TestServer_ValidationErrorBeforeWorker(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, wireAnswer)
	body := marshalEvent(t, protocol.ClientEvent{
		Type: protocol.EventExecuteFlow,
		ExecuteFlow: &protocol.ExecuteFlow{
			TraceID:  "t-bad",
			Workflow: *testutil.CyclicWorkflow(),
			Inputs:   map[string]any{"seed": "s"},
		},
	})
	events := postEvent(t, ts, body)
	countDone(t, events)

	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventError, events[0].Type)
	assert.Contains(t, events[0].Message, "cycle")
}

func TestServer_MalformedEvent(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	events := postEvent(t, ts, `{"type":"launch_missiles","payload":{}}`)
	countDone(t, events)
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventError, events[0].Type)
	assert.Contains(t, events[0].Message, "unknown event type")

	events = postEvent(t, ts, `not json`)
	countDone(t, events)
	assert.Equal(t, protocol.EventError, events[0].Type)
}

func TestServer_StopExecution(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(reg *component.Registry) {
		reg.Register(workflow.KindLLM, testutil.SlowFactory(10*time.Second, nil))
	})

	flowBody := marshalEvent(t, protocol.ClientEvent{
		Type: protocol.EventExecuteFlow,
		ExecuteFlow: &protocol.ExecuteFlow{
			TraceID:  "t-interrupt",
			Workflow: *testutil.LinearWorkflow(),
			Inputs:   map[string]any{"question": "q", "gold_answer": "Paris"},
		},
	})

	type streamResult struct {
		events []protocol.ServerEvent
	}
	resultCh := make(chan streamResult, 1)
	go func() {
		resultCh <- streamResult{events: postEvent(t, ts, flowBody)}
	}()

	// Give the flow a moment to get in flight, then stop it on a second
	// connection.
	time.Sleep(50 * time.Millisecond)
	stopEvents := postEvent(t, ts, `{"type":"stop_execution","payload":{"trace_id":"t-interrupt"}}`)
	countDone(t, stopEvents)

	res := <-resultCh
	countDone(t, res.events)
	final := res.events[len(res.events)-2]
	require.True(t, final.Terminal())
	assert.Equal(t, protocol.StatusError, final.State.Status)
	assert.Equal(t, "Interrupted", final.State.Error)
}

func TestServer_PoolExhaustion(t *testing.T) {
	t.Parallel()

	buf := &testutil.SafeBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	reg := component.NewRegistry()
	reg.Register(workflow.KindLLM, testutil.SlowFactory(10*time.Second, nil))
	sup := supervisor.New(supervisor.Config{
		PoolSize:     1,
		PollInterval: 5 * time.Millisecond,
	}, engine.New(reg), logger)
	ts := httptest.NewServer(server.New(sup, logger).Handler())
	t.Cleanup(ts.Close)

	occupy := marshalEvent(t, protocol.ClientEvent{
		Type: protocol.EventExecuteFlow,
		ExecuteFlow: &protocol.ExecuteFlow{
			TraceID:  "t-first",
			Workflow: *testutil.LinearWorkflow(),
			Inputs:   map[string]any{"question": "q", "gold_answer": "Paris"},
		},
	})
	go postEvent(t, ts, occupy)
	require.Eventually(t, func() bool { return len(sup.Active()) == 1 },
		2*time.Second, 10*time.Millisecond)

	second := marshalEvent(t, protocol.ClientEvent{
		Type: protocol.EventExecuteFlow,
		ExecuteFlow: &protocol.ExecuteFlow{
			TraceID:  "t-second",
			Workflow: *testutil.LinearWorkflow(),
			Inputs:   map[string]any{"question": "q", "gold_answer": "Paris"},
		},
	})
	events := postEvent(t, ts, second)
	countDone(t, events)
	assert.Equal(t, protocol.EventError, events[0].Type)
	assert.Contains(t, events[0].Message, "worker pool exhausted")

	sup.Stop("t-first", "Interrupted")
}
