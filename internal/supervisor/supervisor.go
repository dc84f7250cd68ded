// Package supervisor owns creation, startup and teardown of the fixed set
// of cooperating onboard workers. Workers run as goroutines with dedicated
// cancel functions; the supervisor itself never executes worker logic.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultGracePeriod bounds how long teardown waits for a single worker
	// to acknowledge cancellation before abandoning it.
	DefaultGracePeriod = 2 * time.Second

	reportBuffer = 32
)

// WithGracePeriod overrides the per-worker teardown wait.
func WithGracePeriod(d time.Duration) func(*Supervisor) {
	return func(s *Supervisor) {
		s.gracePeriod = d
	}
}

// Supervisor spawns and tears down the worker set. All methods are safe for
// concurrent use; Teardown is idempotent.
type Supervisor struct {
	robotID     int
	logger      *slog.Logger
	gracePeriod time.Duration

	reports chan Report

	mu       sync.Mutex
	workers  map[string]*worker
	order    []string
	held     *worker
	heldName string
	kicked   bool
}

// New creates a supervisor for the given robot.
func New(robotID int, logger *slog.Logger, options ...func(*Supervisor)) *Supervisor {
	s := Supervisor{
		robotID:     robotID,
		logger:      logger,
		gracePeriod: DefaultGracePeriod,
		reports:     make(chan Report, reportBuffer),
		workers:     make(map[string]*worker),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Reports returns the channel carrying worker fault reports.
func (s *Supervisor) Reports() <-chan Report { return s.reports }

// Add registers a worker started by Startup.
func (s *Supervisor) Add(r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[r.Name()] = &worker{runner: r}
	s.order = append(s.order, r.Name())
}

// AddHeld registers the user-code worker. It is created by Startup but not
// released until KickOffUserCode; user code can never run before preflight
// clears.
func (s *Supervisor) AddHeld(r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[r.Name()] = &worker{runner: r}
	s.order = append(s.order, r.Name())
	s.held = s.workers[r.Name()]
	s.heldName = r.Name()
}

// Startup spawns all registered workers except the held one.
func (s *Supervisor) Startup(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.order {
		w := s.workers[name]
		if w == s.held || w.started {
			continue
		}
		s.spawnLocked(ctx, name, w)
	}
}

// KickOffUserCode releases the held user-code worker. Idempotent-once: it
// reports whether this call actually started it.
func (s *Supervisor) KickOffUserCode(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == nil || s.kicked {
		return false
	}
	s.kicked = true
	s.spawnLocked(ctx, s.heldName, s.held)
	return true
}

func (s *Supervisor) spawnLocked(ctx context.Context, name string, w *worker) {
	wctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.started = true

	s.logger.Info("starting worker", slog.String("worker", name))

	go func() {
		defer close(w.done)
		defer func() {
			if r := recover(); r != nil {
				s.report(Report{
					Worker:  name,
					Kind:    FaultRuntime,
					Context: "worker goroutine",
					Message: fmt.Sprintf("panic: %v", r),
				})
			}
		}()

		if err := w.runner.Run(wctx, s.reports); err != nil {
			s.report(Report{
				Worker:  name,
				Kind:    FaultRuntime,
				Context: "worker run loop",
				Message: err.Error(),
				Err:     err,
			})
		}
	}()
}

// report never blocks: if the supervising loop is not draining, the report
// is logged and dropped.
func (s *Supervisor) report(r Report) {
	select {
	case s.reports <- r:
	default:
		s.logger.Warn("report channel full, dropping",
			slog.String("worker", r.Worker),
			slog.String("message", r.Message))
	}
}

// Alive reports whether the named worker is running.
func (s *Supervisor) Alive(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	return ok && w.alive()
}

// LiveWorkers returns the names of all running workers.
func (s *Supervisor) LiveWorkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var live []string
	for _, name := range s.order {
		if s.workers[name].alive() {
			live = append(live, name)
		}
	}
	return live
}

// Shutdown runs the lifecycle shutdown hook under the grace period, then
// proceeds to Teardown unconditionally.
func (s *Supervisor) Shutdown(hook func(context.Context) error) {
	if hook != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.gracePeriod)
		if err := hook(ctx); err != nil {
			s.logger.Warn("lifecycle shutdown hook failed", slog.Any("error", err))
		}
		cancel()
	}
	s.Teardown()
}

// Teardown stops every worker: the graceful exit hook first with errors
// swallowed, then cancellation with a bounded wait per worker. A stuck
// worker is abandoned with a log line and never blocks the others. Safe to
// call repeatedly.
func (s *Supervisor) Teardown() {
	s.mu.Lock()
	workers := make(map[string]*worker, len(s.workers))
	order := s.order
	for name, w := range s.workers {
		workers[name] = w
	}
	s.workers = make(map[string]*worker)
	s.order = nil
	s.held = nil
	s.mu.Unlock()

	if len(workers) == 0 {
		return
	}

	for _, name := range order {
		s.exitQuietly(name, workers[name])
	}

	for _, w := range workers {
		if w.cancel != nil {
			w.cancel()
		}
	}

	for _, name := range order {
		w := workers[name]
		if !w.started {
			continue
		}
		select {
		case <-w.done:
			s.logger.Info("worker stopped", slog.String("worker", name))
		case <-time.After(s.gracePeriod):
			s.logger.Error("worker did not stop within grace period, abandoning",
				slog.String("worker", name))
		}
	}
}

// exitQuietly runs the worker's graceful exit hook; one stuck or panicking
// hook must never block teardown of the rest.
func (s *Supervisor) exitQuietly(name string, w *worker) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("worker exit hook panicked",
				slog.String("worker", name), slog.Any("panic", r))
		}
	}()
	if err := w.runner.Exit(); err != nil {
		s.logger.Warn("worker exit hook failed",
			slog.String("worker", name), slog.Any("error", err))
	}
}
