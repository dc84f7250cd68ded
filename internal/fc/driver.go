// Package fc implements the flight-controller driver worker: the boundary
// where a software fault becomes a physical hazard. Each cycle it consumes
// bounded commands from the blackboard, transmits them to the board, and
// publishes telemetry and safety escalations back.
package fc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/quadswarm/onboard/internal/state"
	"github.com/quadswarm/onboard/internal/supervisor"
)

// WorkerName identifies the driver worker to the supervisor and the
// lifecycle machine.
const WorkerName = "fc handler"

const (
	defaultCycleInterval = 20 * time.Millisecond  // fast command cycle
	defaultSlowInterval  = 200 * time.Millisecond // slow telemetry cadence
	defaultWarmUp        = 5 * time.Second
	defaultSettle        = 500 * time.Millisecond
	defaultLowVoltage    = 6.4 // V
	defaultLowVoltWindow = 3 * time.Second
)

// LinkError marks a hardware link fault. Fatal to the driver worker only;
// the retry policy belongs to the supervisor.
type LinkError struct {
	Op  string
	Err error
}

func (e *LinkError) Error() string { return fmt.Sprintf("fc link: %s: %v", e.Op, e.Err) }
func (e *LinkError) Unwrap() error { return e.Err }

// WithLogger sets the driver logger.
func WithLogger(logger *slog.Logger) func(*Driver) {
	return func(d *Driver) {
		d.logger = logger.With(slog.String("worker", WorkerName))
	}
}

// WithBounds overrides the command envelope.
func WithBounds(b Bounds) func(*Driver) {
	return func(d *Driver) { d.bounds = b }
}

// WithCycleInterval overrides the fast command cycle interval.
func WithCycleInterval(interval time.Duration) func(*Driver) {
	return func(d *Driver) { d.cycleInterval = interval }
}

// WithSlowInterval overrides the slow telemetry cadence.
func WithSlowInterval(interval time.Duration) func(*Driver) {
	return func(d *Driver) { d.slowInterval = interval }
}

// WithWarmUp overrides the disarmed warm-up duration.
func WithWarmUp(duration time.Duration) func(*Driver) {
	return func(d *Driver) { d.warmUp = duration }
}

// WithSettle overrides the post-reboot settle time.
func WithSettle(duration time.Duration) func(*Driver) {
	return func(d *Driver) { d.settle = duration }
}

// WithLowVoltageWatchdog overrides the low-voltage threshold and hysteresis
// window.
func WithLowVoltageWatchdog(threshold float64, window time.Duration) func(*Driver) {
	return func(d *Driver) {
		d.lowVoltThreshold = threshold
		d.lowVoltWindow = window
	}
}

// Driver owns the hardware link for one board. Exactly one instance owns a
// link at a time.
type Driver struct {
	link   Link
	store  *state.Store
	logger *slog.Logger

	bounds        Bounds
	cycleInterval time.Duration
	slowInterval  time.Duration
	warmUp        time.Duration
	settle        time.Duration

	lowVoltThreshold float64
	lowVoltWindow    time.Duration

	// live command vector; always already bounded
	cmds state.Commands

	slowRequests []Request
	slowIndex    int
	lastSlow     time.Time

	lastAboveThreshold time.Time
	lowReported        bool
}

// New creates a driver for the given link and blackboard with a discard
// logger.
func New(link Link, store *state.Store, options ...func(*Driver)) *Driver {
	d := Driver{
		link:             link,
		store:            store,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		bounds:           DefaultBounds(),
		cycleInterval:    defaultCycleInterval,
		slowInterval:     defaultSlowInterval,
		warmUp:           defaultWarmUp,
		settle:           defaultSettle,
		lowVoltThreshold: defaultLowVoltage,
		lowVoltWindow:    defaultLowVoltWindow,
		cmds:             state.Idle(),
		slowRequests:     []Request{RequestAnalog},
	}

	for _, option := range options {
		option(&d)
	}

	return &d
}

// Name implements supervisor.Runner.
func (d *Driver) Name() string { return WorkerName }

// Exit implements supervisor.Runner. The link close also happens in Run's
// defer; closing twice is tolerated by every Link implementation.
func (d *Driver) Exit() error { return d.link.Close() }

// Run walks the driver through its states: Connecting, WarmUp, Operating.
// Any fault is returned wrapped for the supervisor; siblings are unaffected.
func (d *Driver) Run(ctx context.Context, reports chan<- supervisor.Report) error {
	d.logger.Info("connecting to flight controller")

	if err := d.link.Open(ctx); err != nil {
		// No internal retry: report and exit, the supervisor decides.
		return &LinkError{Op: "open", Err: err}
	}
	defer d.link.Close()
	defer d.store.SetBoardConnected(false)

	d.store.SetBoardConnected(true)

	// The board refuses arm commands until it has seen the bootstrap
	// sequence; skipping it trips the receiver failsafe.
	for _, req := range BootSequence {
		if err := d.link.Poll(req); err != nil {
			return &LinkError{Op: fmt.Sprintf("bootstrap %s", req), Err: err}
		}
	}

	d.store.SetSafety(state.SafetyConnecting)
	if err := d.runWarmUp(ctx); err != nil {
		return err
	}

	// Reset to Normal only if nothing escalated during warm-up. Single
	// atomic transition: a concurrent reader can never observe an
	// intermediate value.
	if d.store.ResetSafetyFromConnecting() {
		d.logger.Info("warm-up complete, safety normal")
	} else {
		d.logger.Warn("safety code changed during warm-up, leaving it",
			slog.String("safety", d.store.Safety().String()))
	}

	return d.operate(ctx, reports)
}

// runWarmUp continuously transmits a disarmed, centered vector for the full
// warm-up duration. Only the driver worker blocks here.
func (d *Driver) runWarmUp(ctx context.Context) error {
	d.logger.Info("warm-up: transmitting disarm", slog.Duration("duration", d.warmUp))

	deadline := time.Now().Add(d.warmUp)
	ticker := time.NewTicker(d.cycleInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		d.cmds = state.Idle()
		if err := d.sendCommands(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// operate is the fast command loop. It exits on context cancellation, a
// link fault, or a safety escalation.
func (d *Driver) operate(ctx context.Context, reports chan<- supervisor.Report) error {
	d.lastSlow = time.Now()
	d.lastAboveThreshold = time.Now()

	ticker := time.NewTicker(d.cycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		// Fresh external batch: bound and adopt. Absent: hold the previous,
		// already bounded vector. An external controller refreshes every
		// cycle, so holding is the safe default, not neutral.
		if sp, fresh := d.store.Commands(true); fresh {
			d.cmds = d.bounds.Apply(sp, d.cmds)
		}

		if code := d.store.Safety(); code == state.SafetyEmergencyStop || code == state.SafetyShutdown {
			return d.escalate(ctx, code, reports)
		}

		if err := d.sendCommands(); err != nil {
			return err
		}

		if now := time.Now(); now.Sub(d.lastSlow) >= d.slowInterval {
			d.lastSlow = now
			if err := d.pollSlow(now, reports); err != nil {
				return err
			}
		}
	}
}

// escalate handles an emergency-stop or shutdown code: reboot the board,
// report, settle, and block re-arm until the next warm-up. The supervisor
// owns any restart.
func (d *Driver) escalate(ctx context.Context, code state.SafetyCode, reports chan<- supervisor.Report) error {
	if err := d.link.Reboot(); err != nil {
		d.logger.Error("board reboot failed", slog.Any("error", err))
	}

	d.report(reports, supervisor.Report{
		Worker:  WorkerName,
		Kind:    supervisor.FaultSafety,
		Context: "operating loop",
		Message: fmt.Sprintf("flight controller rebooted on safety code %d (%s)", int(code), code),
	})

	select {
	case <-ctx.Done():
	case <-time.After(d.settle):
	}

	// Straight to Connecting: arming stays blocked until the next warm-up
	// completes.
	d.store.SetSafety(state.SafetyConnecting)
	d.logger.Info("exiting after safety escalation", slog.Int("code", int(code)))
	return nil
}

func (d *Driver) sendCommands() error {
	c := d.cmds
	if err := d.link.SendFrame(c.Roll, c.Pitch, c.Throttle, c.Yaw, c.Aux1, c.Aux2); err != nil {
		return &LinkError{Op: "send commands", Err: err}
	}
	return nil
}

// pollSlow advances the round-robin telemetry index and polls one item.
func (d *Driver) pollSlow(now time.Time, reports chan<- supervisor.Report) error {
	req := d.slowRequests[d.slowIndex]
	d.slowIndex = (d.slowIndex + 1) % len(d.slowRequests)

	if err := d.link.Poll(req); err != nil {
		return &LinkError{Op: fmt.Sprintf("poll %s", req), Err: err}
	}

	if req == RequestAnalog {
		d.checkBattery(d.link.Analog(), now, reports)
	}
	return nil
}

// checkBattery publishes battery telemetry and runs the low-voltage
// watchdog. A single noisy sample below threshold never escalates; the
// escalation fires once the hysteresis window since the last above-threshold
// sample is exceeded.
func (d *Driver) checkBattery(a Analog, now time.Time, reports chan<- supervisor.Report) {
	power := a.Voltage * a.Amperage
	d.store.SetBatteryVoltage(a.Voltage)
	d.store.SetBatteryPower(power)

	if a.Voltage >= d.lowVoltThreshold {
		d.lastAboveThreshold = now
		d.lowReported = false
		return
	}

	if now.Sub(d.lastAboveThreshold) < d.lowVoltWindow {
		return
	}

	d.store.SetSafety(state.SafetyLowVoltage)
	d.store.SetLowVoltageWarning()
	if !d.lowReported {
		d.lowReported = true
		d.report(reports, supervisor.Report{
			Worker:  WorkerName,
			Kind:    supervisor.FaultSafety,
			Context: "battery watchdog",
			Message: fmt.Sprintf("LOW VOLTAGE WARNING: %.2fV", a.Voltage),
		})
	}
}

// report never blocks the command loop: if the supervising loop has stopped
// draining, the report is logged and dropped. The safety code itself is
// already on the blackboard.
func (d *Driver) report(reports chan<- supervisor.Report, r supervisor.Report) {
	select {
	case reports <- r:
	default:
		d.logger.Warn("report channel full, dropping", slog.String("message", r.Message))
	}
}
