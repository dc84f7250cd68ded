// Package control implements the control-law relay worker. The driver
// holds its last vector whenever the mailbox goes stale, so whoever flies
// the robot must refresh the command mailbox every cycle; the relay does
// exactly that with the latest published target.
package control

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/quadswarm/onboard/internal/state"
	"github.com/quadswarm/onboard/internal/supervisor"
)

// WorkerName identifies the control relay worker.
const WorkerName = "control manager"

const defaultInterval = 20 * time.Millisecond

// WithInterval overrides the refresh cadence. It should match the driver's
// command cycle.
func WithInterval(d time.Duration) func(*Relay) {
	return func(r *Relay) { r.interval = d }
}

// WithLogger sets the relay logger.
func WithLogger(logger *slog.Logger) func(*Relay) {
	return func(r *Relay) { r.logger = logger.With(slog.String("worker", WorkerName)) }
}

// Relay forwards user targets into the command mailbox at the command
// cycle rate.
type Relay struct {
	store    *state.Store
	logger   *slog.Logger
	interval time.Duration
}

// New creates a relay bound to the blackboard.
func New(store *state.Store, options ...func(*Relay)) *Relay {
	r := Relay{
		store:    store,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		interval: defaultInterval,
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

// Name implements supervisor.Runner.
func (r *Relay) Name() string { return WorkerName }

// Exit implements supervisor.Runner.
func (r *Relay) Exit() error { return nil }

// Run refreshes the command mailbox every tick. Until a target is ever
// published nothing is written and the driver keeps its disarmed vector.
func (r *Relay) Run(ctx context.Context, _ chan<- supervisor.Report) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if target, ok := r.store.Target(); ok {
			r.store.SetCommands(target)
		}
	}
}
