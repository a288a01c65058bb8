package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/flowgrid/internal/protocol"
)

// Stream drains a run's events into send until the terminal state change has
// been delivered. It is the controller's only blocking wait and never blocks
// longer than one poll interval at a time: every empty poll re-checks worker
// liveness (crash detection) and the no-message timeout window.
func (s *Supervisor) Stream(ctx context.Context, run *Run, send func(protocol.ServerEvent) error) error {
	timeout := s.cfg.ExecTimeout
	if run.Kind == KindOptimization {
		timeout = s.cfg.OptimizationTimeout
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	lastMessage := time.Now()

	for {
		select {
		case ev := <-run.events:
			if err := send(ev); err != nil {
				s.Stop(run.ID, "client disconnected")
				return err
			}
			lastMessage = time.Now()
			if ev.Terminal() {
				return nil
			}

		case <-ticker.C:
			// Crash detection: a dead worker with nothing left to drain
			// means the terminal event will never arrive.
			if !run.alive.Load() && len(run.events) == 0 {
				msg := "worker exited without a terminal event"
				if err := run.crashError(); err != nil {
					msg = fmt.Sprintf("runtime crashed: %v", err)
				}
				s.remove(run.ID)
				if err := send(protocol.Error(msg)); err != nil {
					return err
				}
				return send(protocol.StateChange(stateEventType(run.Kind), protocol.ExecutionState{
					Status:     protocol.StatusError,
					TraceID:    run.ID,
					FinishedAt: protocol.Millis(time.Now()),
					Error:      msg,
				}))
			}

			if time.Since(lastMessage) > timeout {
				msg := fmt.Sprintf("run timed out after %s without progress", timeout)
				s.Stop(run.ID, "timed out")
				s.remove(run.ID)
				if err := send(protocol.Error(msg)); err != nil {
					return err
				}
				return send(protocol.StateChange(stateEventType(run.Kind), protocol.ExecutionState{
					Status:     protocol.StatusError,
					TraceID:    run.ID,
					FinishedAt: protocol.Millis(time.Now()),
					Error:      msg,
				}))
			}

		case <-ctx.Done():
			s.Stop(run.ID, "client disconnected")
			return ctx.Err()
		}
	}
}
