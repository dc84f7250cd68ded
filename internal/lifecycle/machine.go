// Package lifecycle implements the coarse robot lifecycle state machine
// driven by the supervising loop: init -> preflight -> idle <-> running ->
// shutdown. Transitions only happen via explicit calls; shutdown is
// terminal.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/quadswarm/onboard/internal/fc"
	"github.com/quadswarm/onboard/internal/state"
	"github.com/quadswarm/onboard/internal/supervisor"
)

// State is a lifecycle state.
type State string

const (
	StateInit      State = "init"
	StatePreflight State = "preflight"
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateShutdown  State = "shutdown"
)

// DefaultBoardWatchdog is how long after Create the board may stay
// disconnected before Check aborts.
const DefaultBoardWatchdog = 15 * time.Second

// ErrShutdown is returned by any transition attempted after Shutdown.
var ErrShutdown = errors.New("lifecycle machine is shut down")

// WithLogger sets the machine logger.
func WithLogger(logger *slog.Logger) func(*Machine) {
	return func(m *Machine) { m.logger = logger }
}

// WithBoardWatchdog overrides the board-connected watchdog window.
func WithBoardWatchdog(d time.Duration) func(*Machine) {
	return func(m *Machine) { m.boardWatchdog = d }
}

// Machine gates the robot lifecycle. All methods are safe for concurrent
// use.
type Machine struct {
	logger        *slog.Logger
	boardWatchdog time.Duration

	mu      sync.Mutex
	current State
	sup     *supervisor.Supervisor
	store   *state.Store
	created time.Time
}

// New creates a machine in the init state.
func New(options ...func(*Machine)) *Machine {
	m := Machine{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		boardWatchdog: DefaultBoardWatchdog,
		current:       StateInit,
	}

	for _, option := range options {
		option(&m)
	}

	return &m
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Create binds the machine to the supervisor and blackboard and moves
// init -> preflight.
func (m *Machine) Create(sup *supervisor.Supervisor, store *state.Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transitionLocked(StateInit, StatePreflight); err != nil {
		return err
	}
	m.sup = sup
	m.store = store
	m.created = time.Now()
	return nil
}

// DoPreflightChecks verifies the worker set came up. It is only valid in
// preflight and does not transition.
func (m *Machine) DoPreflightChecks() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != StatePreflight {
		return m.badTransitionLocked("preflight checks")
	}
	if !m.sup.Alive(fc.WorkerName) {
		return fmt.Errorf("preflight: worker %q is not alive", fc.WorkerName)
	}
	return nil
}

// ChecksComplete moves preflight -> idle.
func (m *Machine) ChecksComplete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(StatePreflight, StateIdle)
}

// Run moves idle -> running, typically when user code kicks off.
func (m *Machine) Run() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(StateIdle, StateRunning)
}

// Idle moves running -> idle.
func (m *Machine) Idle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(StateRunning, StateIdle)
}

// Check evaluates health while idle or running and returns an abort flag
// the caller must act on immediately. In any other state it returns false.
func (m *Machine) Check() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != StateIdle && m.current != StateRunning {
		return false
	}

	if code := m.store.Safety(); code == state.SafetyShutdown {
		m.logger.Warn("abort: shutdown safety code observed")
		return true
	}

	if !m.sup.Alive(fc.WorkerName) {
		m.logger.Warn("abort: flight-controller worker is gone")
		return true
	}

	if connected, _ := m.store.BoardConnected(); !connected {
		if time.Since(m.created) > m.boardWatchdog {
			m.logger.Warn("abort: board never connected within watchdog",
				slog.Duration("watchdog", m.boardWatchdog))
			return true
		}
	}

	return false
}

// Shutdown moves to the terminal state, raises the shutdown safety code so
// the driver disarms and reboots the board, and waits (bounded by ctx) for
// the driver worker to exit. Further transitions are refused.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.current == StateShutdown {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateShutdown)
	store, sup := m.store, m.sup
	m.mu.Unlock()

	if store == nil {
		return nil
	}
	store.SetSafety(state.SafetyShutdown)

	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for sup.Alive(fc.WorkerName) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("driver still running at shutdown deadline: %w", ctx.Err())
		case <-t.C:
		}
	}
	return nil
}

func (m *Machine) transitionLocked(from, to State) error {
	if m.current == StateShutdown {
		return ErrShutdown
	}
	if m.current != from {
		return m.badTransitionLocked(string(to))
	}
	m.setStateLocked(to)
	return nil
}

func (m *Machine) setStateLocked(to State) {
	m.logger.Info("lifecycle transition",
		slog.String("from", string(m.current)), slog.String("to", string(to)))
	m.current = to
	if m.store != nil {
		m.store.SetPhase(string(to))
	}
}

func (m *Machine) badTransitionLocked(to string) error {
	return fmt.Errorf("invalid lifecycle transition %s -> %s", m.current, to)
}
