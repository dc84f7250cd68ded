// Package usercode runs user-supplied flight programs. The worker is
// created at startup but held by the supervisor; it cannot run before
// preflight clears. Program semantics beyond the Fly contract are out of
// scope.
package usercode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/quadswarm/onboard/internal/state"
	"github.com/quadswarm/onboard/internal/supervisor"
)

// WorkerName identifies the user-code worker.
const WorkerName = "user code handler"

// Program is a user flight program. Fly publishes targets to the blackboard
// and returns when done or when ctx is cancelled.
type Program interface {
	Name() string
	Fly(ctx context.Context, store *state.Store) error
}

var (
	registryMu sync.Mutex
	registry   = map[string]Program{}
)

// Register makes a program loadable by name from configuration.
func Register(p Program) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[p.Name()] = p
}

// Lookup returns the named program. "none" always resolves to an idle
// program.
func Lookup(name string) (Program, error) {
	if name == "" || name == "none" {
		return idleProgram{}, nil
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if p, ok := registry[name]; ok {
		return p, nil
	}
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return nil, fmt.Errorf("unknown user program %q (registered: %v)", name, names)
}

// idleProgram parks until cancelled. Used when no user code is configured.
type idleProgram struct{}

func (idleProgram) Name() string { return "none" }

func (idleProgram) Fly(ctx context.Context, _ *state.Store) error {
	<-ctx.Done()
	return nil
}

// WithLogger sets the worker logger.
func WithLogger(logger *slog.Logger) func(*Worker) {
	return func(w *Worker) { w.logger = logger.With(slog.String("worker", WorkerName)) }
}

// Worker runs one program against the blackboard.
type Worker struct {
	program Program
	store   *state.Store
	logger  *slog.Logger
}

// NewWorker wraps a program as a supervisor runner.
func NewWorker(program Program, store *state.Store, options ...func(*Worker)) *Worker {
	w := Worker{
		program: program,
		store:   store,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&w)
	}

	return &w
}

// Name implements supervisor.Runner.
func (w *Worker) Name() string { return WorkerName }

// Exit implements supervisor.Runner.
func (w *Worker) Exit() error { return nil }

// Run executes the program. A panic in user code is recovered and reported
// as a worker fault; siblings keep flying.
func (w *Worker) Run(ctx context.Context, _ chan<- supervisor.Report) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("user program %q panicked: %v", w.program.Name(), r)
		}
	}()

	w.store.SetUserCode(w.program.Name())
	w.logger.Info("user program started", slog.String("program", w.program.Name()))

	if err := w.program.Fly(ctx, w.store); err != nil {
		return fmt.Errorf("user program %q: %w", w.program.Name(), err)
	}

	w.logger.Info("user program finished", slog.String("program", w.program.Name()))
	return nil
}
