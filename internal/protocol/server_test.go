package protocol_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/flowgrid/internal/protocol"
)

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	assert.False(t, protocol.StatusRunning.Terminal())
	assert.True(t, protocol.StatusSuccess.Terminal())
	assert.True(t, protocol.StatusError.Terminal())
	assert.True(t, protocol.StatusStopped.Terminal())
}

func TestServerEvent_Terminal(t *testing.T) {
	t.Parallel()

	running := protocol.StateChange(protocol.EventExecutionStateChange, protocol.ExecutionState{Status: protocol.StatusRunning})
	assert.False(t, running.Terminal())

	final := protocol.StateChange(protocol.EventEvaluationStateChange, protocol.ExecutionState{Status: protocol.StatusStopped})
	assert.True(t, final.Terminal())

	// Component state changes never end the stream, even on error.
	comp := protocol.ComponentState("answer", protocol.ExecutionState{Status: protocol.StatusError})
	assert.False(t, comp.Terminal())

	assert.False(t, protocol.Done().Terminal())
	assert.False(t, protocol.Error("boom").Terminal())
}

func TestServerEvent_WireFormat(t *testing.T) {
	t.Parallel()

	t.Run("state change envelope", func(t *testing.T) {
		started := protocol.Millis(time.Now())
		ev := protocol.StateChange(protocol.EventExecutionStateChange, protocol.ExecutionState{
			Status:    protocol.StatusRunning,
			TraceID:   "t-1",
			StartedAt: started,
		})
		data, err := json.Marshal(ev)
		require.NoError(t, err)

		var raw map[string]any
		require.NoError(t, json.Unmarshal(data, &raw))
		assert.Equal(t, "execution_state_change", raw["type"])
		payload := raw["payload"].(map[string]any)
		state := payload["execution_state"].(map[string]any)
		assert.Equal(t, "running", state["status"])
		assert.Equal(t, "t-1", state["trace_id"])
		assert.EqualValues(t, started, state["started_at"])
	})

	t.Run("component state names the component", func(t *testing.T) {
		ev := protocol.ComponentState("generate_answer", protocol.ExecutionState{Status: protocol.StatusSuccess})
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"component_id":"generate_answer"`)

		var back protocol.ServerEvent
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, "generate_answer", back.ComponentID)
		require.NotNil(t, back.State)
		assert.Equal(t, protocol.StatusSuccess, back.State.Status)
	})

	t.Run("done and is_alive_response have no payload", func(t *testing.T) {
		data, err := json.Marshal(protocol.Done())
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"done"}`, string(data))

		data, err = json.Marshal(protocol.IsAliveResponse())
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"is_alive_response"}`, string(data))
	})

	t.Run("error carries its message", func(t *testing.T) {
		data, err := json.Marshal(protocol.Error("run timed out after 2m0s without progress"))
		require.NoError(t, err)

		var back protocol.ServerEvent
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, protocol.EventError, back.Type)
		assert.Contains(t, back.Message, "timed out")
	})

	t.Run("unknown type rejected both ways", func(t *testing.T) {
		_, err := json.Marshal(protocol.ServerEvent{Type: "mystery"})
		require.Error(t, err)

		var back protocol.ServerEvent
		err = json.Unmarshal([]byte(`{"type":"mystery","payload":{}}`), &back)
		require.Error(t, err)
	})
}

func TestSSEWriter(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w, err := protocol.NewSSEWriter(rec)
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	require.NoError(t, w.Send(protocol.Debug("first")))
	require.NoError(t, w.Send(protocol.Done()))
	require.True(t, rec.Flushed)

	frames := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	require.Len(t, frames, 2)
	for _, frame := range frames {
		assert.True(t, strings.HasPrefix(frame, "data: "), "frame %q must carry the data prefix", frame)
	}

	var first protocol.ServerEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frames[0], "data: ")), &first))
	assert.Equal(t, protocol.EventDebug, first.Type)
	assert.Equal(t, "first", first.Message)
}
