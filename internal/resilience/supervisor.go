package resilience

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	// restartStormWindow/restartStormLimit: more than restartStormLimit
	// restarts of one loop within the window escalates to a fatal alert and
	// the loop is abandoned.
	restartStormWindow = time.Minute
	restartStormLimit  = 5
)

// Supervisor runs background loops, restarting any that panic with
// exponential backoff. Repeated rapid restarts of the same loop escalate:
// the loop stops and the fatal hook fires.
type Supervisor struct {
	backoff Backoff
	logger  *slog.Logger
	wg      sync.WaitGroup

	// OnFatal is invoked (once per loop) when a restart storm is detected.
	// Optional; set before the first Go call.
	OnFatal func(loop string, err any)

	// OnRestart is invoked on every panic-restart, e.g. for a metrics
	// counter. Optional.
	OnRestart func(loop string)
}

// NewSupervisor creates a supervisor with the given restart backoff.
func NewSupervisor(backoff Backoff, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		backoff: backoff,
		logger:  logger.With("component", "supervisor"),
	}
}

// Go launches fn under supervision. fn should block until ctx is cancelled;
// a normal return also ends supervision. Panics are logged and the loop is
// restarted after a backoff delay.
func (s *Supervisor) Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var restarts int
		windowStart := time.Now()

		for {
			panicked := s.runOnce(ctx, name, fn)
			if !panicked || ctx.Err() != nil {
				return
			}

			if time.Since(windowStart) > restartStormWindow {
				restarts = 0
				windowStart = time.Now()
			}
			restarts++
			if s.OnRestart != nil {
				s.OnRestart(name)
			}
			if restarts > restartStormLimit {
				s.logger.Error("restart storm, abandoning loop", "loop", name, "restarts", restarts)
				if s.OnFatal != nil {
					s.OnFatal(name, "restart storm")
				}
				return
			}

			delay := s.backoff.Next(restarts - 1)
			s.logger.Warn("loop panicked, restarting", "loop", name, "restart", restarts, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}()
}

// runOnce executes fn, converting a panic into a logged restart signal.
func (s *Supervisor) runOnce(ctx context.Context, name string, fn func(ctx context.Context)) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.logger.Error("panic in background loop",
				"loop", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(ctx)
	return false
}

// Wait blocks until every supervised loop has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
