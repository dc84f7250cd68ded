// Package state implements the shared blackboard all onboard workers read
// and write through. Every field is accessed via a narrow accessor and is
// safe under concurrent multi-reader/multi-writer use. Only field-level
// consistency is guaranteed: two reads are never a snapshot.
package state

import (
	"context"
	"sync"
	"time"
)

const waitPollInterval = 2 * time.Millisecond

// Store is the synchronized blackboard for commands, safety code, telemetry
// and connection flags. The zero value is not usable; use New.
type Store struct {
	robotID int

	mu sync.RWMutex

	commands      Setpoint
	commandsFresh bool

	target    Setpoint
	targetSet bool

	safety SafetyCode

	voltage float64
	power   float64

	boardConnected bool
	boardSeen      time.Time

	lowVoltageWarning bool

	pose     Pose
	poseSeen time.Time

	phase       string
	lastCommand string
	userCode    string

	startRequested bool
}

// New creates a blackboard for the given robot.
func New(robotID int) *Store {
	return &Store{
		robotID:     robotID,
		voltage:     -1, // negative until the first real sample arrives
		phase:       "init",
		lastCommand: "none",
		userCode:    "none",
	}
}

// RobotID returns the immutable robot identity.
func (s *Store) RobotID() int { return s.robotID }

// SetCommands places a fresh externally supplied command batch in the
// mailbox. The previous batch is overwritten whether or not it was consumed.
func (s *Store) SetCommands(sp Setpoint) {
	s.mu.Lock()
	s.commands = sp
	s.commandsFresh = true
	s.mu.Unlock()
}

// Commands returns the current command batch and whether it is fresh, i.e.
// written since the last clearing read. Never blocks; absence of a fresh
// batch is a normal, frequent outcome.
func (s *Store) Commands(clearFresh bool) (Setpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, fresh := s.commands, s.commandsFresh
	if clearFresh {
		s.commandsFresh = false
	}
	return sp, fresh
}

// WaitCommands blocks until a fresh command batch arrives or ctx is done.
// Intended for user programs; the driver only ever polls.
func (s *Store) WaitCommands(ctx context.Context) (Setpoint, error) {
	t := time.NewTicker(waitPollInterval)
	defer t.Stop()
	for {
		if sp, fresh := s.Commands(true); fresh {
			return sp, nil
		}
		select {
		case <-ctx.Done():
			return Setpoint{}, ctx.Err()
		case <-t.C:
		}
	}
}

// SetTarget publishes the user-level target setpoint consumed by the control
// relay.
func (s *Store) SetTarget(sp Setpoint) {
	s.mu.Lock()
	s.target = sp
	s.targetSet = true
	s.mu.Unlock()
}

// Target returns the latest target setpoint and whether one has ever been
// published.
func (s *Store) Target() (Setpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target, s.targetSet
}

// Safety returns the current safety code.
func (s *Store) Safety() SafetyCode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.safety
}

// SetSafety writes the safety code. Last writer wins.
func (s *Store) SetSafety(code SafetyCode) {
	s.mu.Lock()
	s.safety = code
	s.mu.Unlock()
}

// ResetSafetyFromConnecting atomically moves the safety code from Connecting
// back to Normal. It reports whether the transition happened; if anything
// escalated the code during warm-up the escalation is preserved untouched.
func (s *Store) ResetSafetyFromConnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.safety != SafetyConnecting {
		return false
	}
	s.safety = SafetyNormal
	return true
}

// SetBatteryVoltage publishes the latest battery voltage sample in volts.
func (s *Store) SetBatteryVoltage(v float64) {
	s.mu.Lock()
	s.voltage = v
	s.mu.Unlock()
}

// BatteryVoltage returns the latest voltage sample, negative before the
// first sample.
func (s *Store) BatteryVoltage() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voltage
}

// SetBatteryPower publishes the latest battery power draw in watts.
func (s *Store) SetBatteryPower(w float64) {
	s.mu.Lock()
	s.power = w
	s.mu.Unlock()
}

// BatteryPower returns the latest power sample.
func (s *Store) BatteryPower() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.power
}

// SetBoardConnected flags whether the flight-controller link is up. The
// timestamp of the last positive flag feeds the lifecycle watchdog.
func (s *Store) SetBoardConnected(connected bool) {
	s.mu.Lock()
	s.boardConnected = connected
	if connected {
		s.boardSeen = time.Now()
	}
	s.mu.Unlock()
}

// BoardConnected returns the link flag and when it last went up.
func (s *Store) BoardConnected() (bool, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boardConnected, s.boardSeen
}

// SetLowVoltageWarning raises the sticky one-shot low voltage flag. It is
// never cleared for the lifetime of the store.
func (s *Store) SetLowVoltageWarning() {
	s.mu.Lock()
	s.lowVoltageWarning = true
	s.mu.Unlock()
}

// LowVoltageWarning reports whether the low voltage flag was ever raised.
func (s *Store) LowVoltageWarning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lowVoltageWarning
}

// SetPose publishes the latest motion-capture fix.
func (s *Store) SetPose(p Pose) {
	s.mu.Lock()
	s.pose = p
	s.poseSeen = time.Now()
	s.mu.Unlock()
}

// Pose returns the latest fix and its age. Age is very large before the
// first fix.
func (s *Store) Pose() (Pose, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.poseSeen.IsZero() {
		return s.pose, time.Duration(1<<62 - 1)
	}
	return s.pose, time.Since(s.poseSeen)
}

// SetPhase records the lifecycle phase for outbound status frames.
func (s *Store) SetPhase(phase string) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
}

// Phase returns the recorded lifecycle phase.
func (s *Store) Phase() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// SetLastCommand records a label for the last inbound ground command.
func (s *Store) SetLastCommand(label string) {
	s.mu.Lock()
	s.lastCommand = label
	s.mu.Unlock()
}

// LastCommand returns the label of the last inbound ground command.
func (s *Store) LastCommand() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCommand
}

// SetUserCode records the name of the loaded user program.
func (s *Store) SetUserCode(name string) {
	s.mu.Lock()
	s.userCode = name
	s.mu.Unlock()
}

// UserCode returns the name of the loaded user program.
func (s *Store) UserCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userCode
}

// RequestStart asks the supervisor to release the user-code worker. The
// flag is consumed by StartRequested.
func (s *Store) RequestStart() {
	s.mu.Lock()
	s.startRequested = true
	s.mu.Unlock()
}

// StartRequested consumes the pending start request, if any.
func (s *Store) StartRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	requested := s.startRequested
	s.startRequested = false
	return requested
}
