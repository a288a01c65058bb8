package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ServerEventType tags a server-to-client event.
type ServerEventType string

const (
	EventIsAliveResponse         ServerEventType = "is_alive_response"
	EventComponentStateChange    ServerEventType = "component_state_change"
	EventExecutionStateChange    ServerEventType = "execution_state_change"
	EventEvaluationStateChange   ServerEventType = "evaluation_state_change"
	EventOptimizationStateChange ServerEventType = "optimization_state_change"
	EventDebug                   ServerEventType = "debug"
	EventError                   ServerEventType = "error"
	EventDone                    ServerEventType = "done"
)

// Status is the lifecycle state of a run or a single component.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

// Terminal reports whether the status ends a run's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusStopped
}

// ExecutionState is the client-visible state of a run or component.
// Timestamps are unix milliseconds.
type ExecutionState struct {
	Status     Status         `json:"status"`
	TraceID    string         `json:"trace_id,omitempty"`
	StartedAt  int64          `json:"started_at,omitempty"`
	FinishedAt int64          `json:"finished_at,omitempty"`
	StoppedAt  int64          `json:"stopped_at,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Cost       float64        `json:"cost,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Millis converts a time to the wire timestamp format.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// ServerEvent is the closed union of server-to-client events.
type ServerEvent struct {
	Type        ServerEventType
	ComponentID string          // set for component_state_change
	State       *ExecutionState // set for all *_state_change events
	Message     string          // set for debug and error
}

// Terminal reports whether this event ends a run's stream (the final
// state-change; done itself follows separately).
func (e ServerEvent) Terminal() bool {
	switch e.Type {
	case EventExecutionStateChange, EventEvaluationStateChange, EventOptimizationStateChange:
		return e.State != nil && e.State.Status.Terminal()
	}
	return false
}

// Convenience constructors.

func IsAliveResponse() ServerEvent { return ServerEvent{Type: EventIsAliveResponse} }
func Done() ServerEvent            { return ServerEvent{Type: EventDone} }
func Debug(msg string) ServerEvent {
	return ServerEvent{Type: EventDebug, Message: msg}
}
func Error(msg string) ServerEvent {
	return ServerEvent{Type: EventError, Message: msg}
}

// ComponentState wraps a per-node state change.
func ComponentState(componentID string, state ExecutionState) ServerEvent {
	return ServerEvent{Type: EventComponentStateChange, ComponentID: componentID, State: &state}
}

// StateChange wraps a run-level state change of the given event type.
func StateChange(t ServerEventType, state ExecutionState) ServerEvent {
	return ServerEvent{Type: t, State: &state}
}

type serverEnvelope struct {
	Type    ServerEventType `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type componentStatePayload struct {
	ComponentID    string          `json:"component_id"`
	ExecutionState *ExecutionState `json:"execution_state"`
}

type statePayload struct {
	ExecutionState *ExecutionState `json:"execution_state"`
}

type messagePayload struct {
	Message string `json:"message"`
}

// MarshalJSON encodes the envelope form streamed to clients.
func (e ServerEvent) MarshalJSON() ([]byte, error) {
	var payload any
	switch e.Type {
	case EventComponentStateChange:
		payload = componentStatePayload{ComponentID: e.ComponentID, ExecutionState: e.State}
	case EventExecutionStateChange, EventEvaluationStateChange, EventOptimizationStateChange:
		payload = statePayload{ExecutionState: e.State}
	case EventDebug, EventError:
		payload = messagePayload{Message: e.Message}
	case EventIsAliveResponse, EventDone:
		return json.Marshal(map[string]any{"type": e.Type})
	default:
		return nil, fmt.Errorf("unknown server event type %q", string(e.Type))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(serverEnvelope{Type: e.Type, Payload: raw})
}

// UnmarshalJSON decodes the envelope form, used by stream-reading tests and
// the CLI client.
func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	e.Type = env.Type
	switch env.Type {
	case EventComponentStateChange:
		var p componentStatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		e.ComponentID = p.ComponentID
		e.State = p.ExecutionState
	case EventExecutionStateChange, EventEvaluationStateChange, EventOptimizationStateChange:
		var p statePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		e.State = p.ExecutionState
	case EventDebug, EventError:
		var p messagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		e.Message = p.Message
	case EventIsAliveResponse, EventDone:
	default:
		return fmt.Errorf("unknown server event type %q", string(env.Type))
	}
	return nil
}
