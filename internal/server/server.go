// Package server exposes the execution engine over a single HTTP endpoint:
// the client POSTs one JSON event and receives a server-sent-event stream.
// Every stream, regardless of outcome, ends with exactly one terminal
// state-change event (for run-starting events) and exactly one done event.
package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/vk/flowgrid/internal/protocol"
	"github.com/vk/flowgrid/internal/supervisor"
	"github.com/vk/flowgrid/internal/workflow"
)

// maxEventSize caps the request body to keep rogue payloads from exhausting
// memory.
const maxEventSize = 16 << 20

// Server routes client events to the worker supervisor.
type Server struct {
	sup    *supervisor.Supervisor
	logger *slog.Logger
}

// New creates a Server.
func New(sup *supervisor.Supervisor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sup: sup, logger: logger}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	sse, err := protocol.NewSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// From here on every outcome is delivered as events; the stream always
	// closes with done.
	defer func() {
		if err := sse.Send(protocol.Done()); err != nil {
			s.logger.Debug("Failed to send done event.", "error", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventSize))
	if err != nil {
		sse.Send(protocol.Error(fmt.Sprintf("reading request: %v", err)))
		return
	}
	ev, err := protocol.ParseClientEvent(body)
	if err != nil {
		sse.Send(protocol.Error(err.Error()))
		return
	}
	s.logger.Debug("Client event received.", "type", string(ev.Type), "run_id", ev.RunID())

	switch ev.Type {
	case protocol.EventIsAlive:
		sse.Send(protocol.IsAliveResponse())
		return

	case protocol.EventStopExecution:
		s.sup.Stop(ev.StopExecution.TraceID, "Interrupted")
		return

	case protocol.EventStopEvaluation:
		s.sup.Stop(ev.StopEvaluation.RunID, "stopped by user")
		return

	case protocol.EventStopOptimization:
		s.sup.Stop(ev.StopOptimization.RunID, "stopped by user")
		return
	}

	// Run-starting events: validate synchronously so definition errors come
	// back before a worker is consulted.
	if wf := eventWorkflow(ev); wf != nil {
		if err := workflow.Validate(wf); err != nil {
			sse.Send(protocol.Error(err.Error()))
			return
		}
	}

	run, err := s.sup.Submit(ev)
	if err != nil {
		sse.Send(protocol.Error(err.Error()))
		return
	}
	if err := s.sup.Stream(r.Context(), run, sse.Send); err != nil {
		s.logger.Debug("Stream ended early.", "run_id", run.ID, "error", err)
	}
}

func eventWorkflow(ev *protocol.ClientEvent) *workflow.Workflow {
	switch ev.Type {
	case protocol.EventExecuteComponent:
		return &ev.ExecuteComponent.Workflow
	case protocol.EventExecuteFlow:
		return &ev.ExecuteFlow.Workflow
	case protocol.EventExecuteEvaluation:
		return &ev.ExecuteEvaluation.Workflow
	case protocol.EventExecuteOptimization:
		return &ev.ExecuteOptimization.Workflow
	}
	return nil
}
