// Package supervisor owns the pool of isolated run workers. Each in-flight
// run gets exactly one worker with its own state; the only objects shared
// with the controller are the run's event channel and the mutex-guarded run
// registry, which is the single source of truth for "is a run in flight".
// Entries are removed on every terminal path: completion, error, timeout,
// and cancellation.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vk/flowgrid/internal/engine"
	"github.com/vk/flowgrid/internal/protocol"
)

// Config tunes the pool. Zero values fall back to defaults.
type Config struct {
	// PoolSize bounds the number of concurrently in-flight runs.
	PoolSize int
	// ExecTimeout aborts a flow/component/evaluation run that produces no
	// message for this long.
	ExecTimeout time.Duration
	// OptimizationTimeout is the extended window for optimization runs.
	OptimizationTimeout time.Duration
	// PollInterval bounds how long the controller's stream loop blocks
	// between liveness and timeout checks.
	PollInterval time.Duration
	// GracePeriod is how long a cooperative stop may take before the run is
	// forcefully abandoned.
	GracePeriod time.Duration
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 120 * time.Second
	}
	if c.OptimizationTimeout <= 0 {
		c.OptimizationTimeout = 600 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * time.Second
	}
	return c
}

// RunKind selects timeout window and stop semantics for a run.
type RunKind int

const (
	KindFlow RunKind = iota
	KindComponent
	KindEvaluation
	KindOptimization
)

// Run is the controller-side handle for one in-flight run. ctx and cancel
// are set before the run is published to the registry and never reassigned,
// so both sides may use them without locking.
type Run struct {
	ID   string
	Kind RunKind

	events chan protocol.ServerEvent
	stop   chan string
	ctx    context.Context
	cancel context.CancelFunc

	alive atomic.Bool

	mu         sync.Mutex
	crashErr   error
	stopReason string
}

// emit delivers an event to the stream without ever blocking the worker; a
// stream that stopped draining (timeout, abandoned run) drops events.
func (r *Run) emit(ev protocol.ServerEvent) {
	select {
	case r.events <- ev:
	default:
	}
}

func (r *Run) setCrash(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crashErr = err
}

func (r *Run) crashError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.crashErr
}

func (r *Run) setStopReason(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopReason == "" {
		r.stopReason = reason
	}
}

func (r *Run) stoppedReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopReason
}

// Supervisor assigns client events to workers and tracks in-flight runs.
type Supervisor struct {
	cfg    Config
	engine *engine.Engine
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// New creates a Supervisor executing runs against the given engine.
func New(cfg Config, eng *engine.Engine, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:    cfg.withDefaults(),
		engine: eng,
		logger: logger,
		runs:   make(map[string]*Run),
	}
}

// Active returns the ids of all in-flight runs.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids
}

// Submit assigns the event to a fresh worker and returns the run handle.
// It fails when the pool is exhausted or the run id is already in flight.
func (s *Supervisor) Submit(ev *protocol.ClientEvent) (*Run, error) {
	kind, err := runKind(ev)
	if err != nil {
		return nil, err
	}
	id := ev.RunID()
	if id == "" {
		id = uuid.NewString()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &Run{
		ID:     id,
		Kind:   kind,
		events: make(chan protocol.ServerEvent, 256),
		stop:   make(chan string, 1),
		ctx:    runCtx,
		cancel: cancel,
	}
	run.alive.Store(true)

	s.mu.Lock()
	if len(s.runs) >= s.cfg.PoolSize {
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("worker pool exhausted (%d runs in flight)", s.cfg.PoolSize)
	}
	if _, exists := s.runs[id]; exists {
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("run %q is already in flight", id)
	}
	s.runs[id] = run
	s.mu.Unlock()

	go s.worker(run, ev)
	return run, nil
}

// Stop requests cancellation of an in-flight run: a cooperative sentinel
// first, then forceful abandonment after the grace period. Returns false for
// unknown (already finished) run ids.
func (s *Supervisor) Stop(runID, reason string) bool {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.logger.Debug("Stop requested.", "run_id", runID, "reason", reason)

	select {
	case run.stop <- reason:
	default:
	}

	go func() {
		time.Sleep(s.cfg.GracePeriod)
		if !run.alive.Load() {
			return
		}
		// The worker ignored the cooperative stop; abandon it and make sure
		// any attached stream still terminates cleanly.
		s.logger.Warn("Worker did not stop within grace period, abandoning run.", "run_id", runID)
		run.cancel()
		run.setStopReason(reason)
		run.emit(terminalStopEvent(run))
		s.remove(runID)
	}()
	return true
}

func (s *Supervisor) remove(runID string) {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
}

func runKind(ev *protocol.ClientEvent) (RunKind, error) {
	switch ev.Type {
	case protocol.EventExecuteFlow:
		return KindFlow, nil
	case protocol.EventExecuteComponent:
		return KindComponent, nil
	case protocol.EventExecuteEvaluation:
		return KindEvaluation, nil
	case protocol.EventExecuteOptimization:
		return KindOptimization, nil
	}
	return 0, fmt.Errorf("event %q does not start a run", string(ev.Type))
}

// stateEventType maps a run kind to its run-level state-change event type.
func stateEventType(kind RunKind) protocol.ServerEventType {
	switch kind {
	case KindEvaluation:
		return protocol.EventEvaluationStateChange
	case KindOptimization:
		return protocol.EventOptimizationStateChange
	}
	return protocol.EventExecutionStateChange
}

// terminalStopEvent builds the terminal event for a user-initiated stop:
// evaluation/optimization runs report a distinct "stopped" status, while
// flow/component runs surface the conventional "Interrupted" error.
func terminalStopEvent(run *Run) protocol.ServerEvent {
	now := protocol.Millis(time.Now())
	if run.Kind == KindEvaluation || run.Kind == KindOptimization {
		return protocol.StateChange(stateEventType(run.Kind), protocol.ExecutionState{
			Status:    protocol.StatusStopped,
			TraceID:   run.ID,
			StoppedAt: now,
		})
	}
	reason := run.stoppedReason()
	if reason == "" {
		reason = "Interrupted"
	}
	return protocol.StateChange(stateEventType(run.Kind), protocol.ExecutionState{
		Status:     protocol.StatusError,
		TraceID:    run.ID,
		FinishedAt: now,
		Error:      reason,
	})
}
