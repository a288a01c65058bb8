// Package protocol defines the tagged event types exchanged between clients
// and the server, and the server-sent-event framing they travel over. Events
// use a {"type": ..., "payload": ...} envelope on the wire; in memory they
// are closed unions with one payload pointer set per type.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vk/flowgrid/internal/workflow"
)

// ClientEventType tags a client-to-server event.
type ClientEventType string

const (
	EventIsAlive             ClientEventType = "is_alive"
	EventExecuteComponent    ClientEventType = "execute_component"
	EventExecuteFlow         ClientEventType = "execute_flow"
	EventExecuteEvaluation   ClientEventType = "execute_evaluation"
	EventExecuteOptimization ClientEventType = "execute_optimization"
	EventStopExecution       ClientEventType = "stop_execution"
	EventStopEvaluation      ClientEventType = "stop_evaluation_execution"
	EventStopOptimization    ClientEventType = "stop_optimization_execution"
)

// ExecuteComponent runs a single node with directly supplied inputs.
type ExecuteComponent struct {
	TraceID  string            `json:"trace_id"`
	NodeID   string            `json:"node_id"`
	Workflow workflow.Workflow `json:"workflow"`
	Inputs   map[string]any    `json:"inputs,omitempty"`
}

// ExecuteFlow runs a workflow, optionally only up to until_node_id.
type ExecuteFlow struct {
	TraceID     string            `json:"trace_id"`
	Workflow    workflow.Workflow `json:"workflow"`
	Inputs      map[string]any    `json:"inputs,omitempty"`
	UntilNodeID string            `json:"until_node_id,omitempty"`
}

// ExecuteEvaluation runs a workflow and then its evaluators.
type ExecuteEvaluation struct {
	RunID    string            `json:"run_id"`
	Workflow workflow.Workflow `json:"workflow"`
	Inputs   map[string]any    `json:"inputs,omitempty"`
}

// ExecuteOptimization runs an optimization sweep under the extended timeout.
type ExecuteOptimization struct {
	RunID     string            `json:"run_id"`
	Workflow  workflow.Workflow `json:"workflow"`
	Inputs    map[string]any    `json:"inputs,omitempty"`
	Optimizer string            `json:"optimizer,omitempty"`
	Params    map[string]any    `json:"params,omitempty"`
}

// StopExecution cancels an in-flight flow or component run.
type StopExecution struct {
	TraceID string `json:"trace_id"`
	NodeID  string `json:"node_id,omitempty"`
}

// StopRun cancels an in-flight evaluation or optimization run.
type StopRun struct {
	RunID string `json:"run_id"`
}

// ClientEvent is the closed union of client-to-server events. Exactly the
// payload matching Type is non-nil.
type ClientEvent struct {
	Type                ClientEventType
	ExecuteComponent    *ExecuteComponent
	ExecuteFlow         *ExecuteFlow
	ExecuteEvaluation   *ExecuteEvaluation
	ExecuteOptimization *ExecuteOptimization
	StopExecution       *StopExecution
	StopEvaluation      *StopRun
	StopOptimization    *StopRun
}

// RunID returns the trace or run id the event refers to, empty for is_alive.
func (e *ClientEvent) RunID() string {
	switch e.Type {
	case EventExecuteComponent:
		return e.ExecuteComponent.TraceID
	case EventExecuteFlow:
		return e.ExecuteFlow.TraceID
	case EventExecuteEvaluation:
		return e.ExecuteEvaluation.RunID
	case EventExecuteOptimization:
		return e.ExecuteOptimization.RunID
	case EventStopExecution:
		return e.StopExecution.TraceID
	case EventStopEvaluation:
		return e.StopEvaluation.RunID
	case EventStopOptimization:
		return e.StopOptimization.RunID
	}
	return ""
}

type clientEnvelope struct {
	Type    ClientEventType `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseClientEvent decodes a client event envelope, rejecting unknown types
// and malformed payloads.
func ParseClientEvent(data []byte) (*ClientEvent, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing event: %w", err)
	}
	ev := &ClientEvent{Type: env.Type}
	var payload any
	switch env.Type {
	case EventIsAlive:
		return ev, nil
	case EventExecuteComponent:
		ev.ExecuteComponent = &ExecuteComponent{}
		payload = ev.ExecuteComponent
	case EventExecuteFlow:
		ev.ExecuteFlow = &ExecuteFlow{}
		payload = ev.ExecuteFlow
	case EventExecuteEvaluation:
		ev.ExecuteEvaluation = &ExecuteEvaluation{}
		payload = ev.ExecuteEvaluation
	case EventExecuteOptimization:
		ev.ExecuteOptimization = &ExecuteOptimization{}
		payload = ev.ExecuteOptimization
	case EventStopExecution:
		ev.StopExecution = &StopExecution{}
		payload = ev.StopExecution
	case EventStopEvaluation:
		ev.StopEvaluation = &StopRun{}
		payload = ev.StopEvaluation
	case EventStopOptimization:
		ev.StopOptimization = &StopRun{}
		payload = ev.StopOptimization
	default:
		return nil, fmt.Errorf("unknown event type %q", string(env.Type))
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("event %q requires a payload", string(env.Type))
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return nil, fmt.Errorf("parsing %q payload: %w", string(env.Type), err)
	}
	return ev, nil
}

// MarshalJSON encodes the envelope form, used by the CLI and tests.
func (e ClientEvent) MarshalJSON() ([]byte, error) {
	var payload any
	switch e.Type {
	case EventExecuteComponent:
		payload = e.ExecuteComponent
	case EventExecuteFlow:
		payload = e.ExecuteFlow
	case EventExecuteEvaluation:
		payload = e.ExecuteEvaluation
	case EventExecuteOptimization:
		payload = e.ExecuteOptimization
	case EventStopExecution:
		payload = e.StopExecution
	case EventStopEvaluation:
		payload = e.StopEvaluation
	case EventStopOptimization:
		payload = e.StopOptimization
	}
	raw := map[string]any{"type": e.Type}
	if payload != nil {
		raw["payload"] = payload
	}
	return json.Marshal(raw)
}
