package fc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quadswarm/onboard/internal/state"
	"github.com/quadswarm/onboard/internal/supervisor"
)

type sentFrame struct {
	roll, pitch, throttle, yaw, aux1, aux2 int
}

// fakeLink records every exchange; no hardware involved.
type fakeLink struct {
	mu sync.Mutex

	openErr error
	pollErr map[Request]error

	opened  bool
	closed  int
	reboots int
	frames  []sentFrame
	polls   []Request

	analog Analog
}

func newFakeLink() *fakeLink {
	return &fakeLink{pollErr: make(map[Request]error)}
}

func (l *fakeLink) Open(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.openErr != nil {
		return l.openErr
	}
	l.opened = true
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	return nil
}

func (l *fakeLink) SendFrame(roll, pitch, throttle, yaw, aux1, aux2 int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, sentFrame{roll, pitch, throttle, yaw, aux1, aux2})
	return nil
}

func (l *fakeLink) Poll(req Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.polls = append(l.polls, req)
	return l.pollErr[req]
}

func (l *fakeLink) Analog() Analog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.analog
}

func (l *fakeLink) Reboot() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reboots++
	return nil
}

func (l *fakeLink) sentFrames() []sentFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]sentFrame, len(l.frames))
	copy(out, l.frames)
	return out
}

func testDriver(link Link, store *state.Store) *Driver {
	return New(link, store,
		WithCycleInterval(time.Millisecond),
		WithSlowInterval(5*time.Millisecond),
		WithWarmUp(20*time.Millisecond),
		WithSettle(time.Millisecond))
}

func runDriver(t *testing.T, ctx context.Context, d *Driver) (<-chan error, chan supervisor.Report) {
	t.Helper()
	reports := make(chan supervisor.Report, 8)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, reports) }()
	return done, reports
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not exit in time")
		return nil
	}
}

func TestDriver_OpenFailureIsFatal(t *testing.T) {
	link := newFakeLink()
	link.openErr = errors.New("no such device")
	store := state.New(1)

	err := testDriver(link, store).Run(context.Background(), make(chan supervisor.Report, 1))

	var linkErr *LinkError
	if !errors.As(err, &linkErr) {
		t.Fatalf("Expected LinkError, got %v", err)
	}
	if connected, _ := store.BoardConnected(); connected {
		t.Error("Board must not be flagged connected after a failed open")
	}
}

func TestDriver_BootstrapFailureIsFatal(t *testing.T) {
	link := newFakeLink()
	link.pollErr[RequestUID] = errors.New("timeout")
	store := state.New(1)

	err := testDriver(link, store).Run(context.Background(), make(chan supervisor.Report, 1))

	var linkErr *LinkError
	if !errors.As(err, &linkErr) {
		t.Fatalf("Expected LinkError, got %v", err)
	}
	if connected, _ := store.BoardConnected(); connected {
		t.Error("Board must be flagged disconnected after a fatal fault")
	}
}

func TestDriver_WarmUpTransmitsDisarmed(t *testing.T) {
	link := newFakeLink()
	link.analog = Analog{Voltage: 7.4}
	store := state.New(1)

	// An arm batch published before warm-up must not leak into it.
	store.SetCommands(state.Setpoint{
		Roll: 1500, Pitch: 1500, Throttle: 1200, Yaw: 1500,
		Aux1: state.CommandArm, Aux2: state.ModeHorizon,
	})

	ctx, cancel := context.WithCancel(context.Background())
	d := New(link, store,
		WithCycleInterval(time.Millisecond),
		WithSlowInterval(time.Hour), // no telemetry during this test
		WithWarmUp(200*time.Millisecond),
		WithSettle(time.Millisecond))
	done, _ := runDriver(t, ctx, d)

	// Wait until warm-up frames flow, then check the published safety code.
	deadline := time.Now().Add(time.Second)
	for len(link.sentFrames()) < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if store.Safety() != state.SafetyConnecting {
		t.Errorf("Expected safety %v during warm-up, got %v", state.SafetyConnecting, store.Safety())
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Expected clean exit, got %v", err)
	}

	frames := link.sentFrames()
	if len(frames) == 0 {
		t.Fatal("Expected warm-up frames to be sent")
	}
	idle := state.Idle()
	want := sentFrame{idle.Roll, idle.Pitch, idle.Throttle, idle.Yaw, idle.Aux1, idle.Aux2}
	for i, f := range frames[:5] {
		if f != want {
			t.Errorf("Warm-up frame %d: expected %+v, got %+v", i, want, f)
		}
	}
}

func TestDriver_WarmUpEndsInNormal(t *testing.T) {
	link := newFakeLink()
	link.analog = Analog{Voltage: 7.4}
	store := state.New(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done, _ := runDriver(t, ctx, testDriver(link, store))

	deadline := time.Now().Add(time.Second)
	for store.Safety() != state.SafetyNormal && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if store.Safety() != state.SafetyNormal {
		t.Errorf("Expected safety %v after warm-up, got %v", state.SafetyNormal, store.Safety())
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Expected clean exit, got %v", err)
	}
}

func TestDriver_EscalationRebootsAndExits(t *testing.T) {
	link := newFakeLink()
	link.analog = Analog{Voltage: 7.4}
	store := state.New(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done, reports := runDriver(t, ctx, testDriver(link, store))

	// Let warm-up finish, then pull the emergency stop.
	deadline := time.Now().Add(time.Second)
	for store.Safety() != state.SafetyNormal && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	store.SetSafety(state.SafetyEmergencyStop)

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Expected clean exit after escalation, got %v", err)
	}

	if link.reboots != 1 {
		t.Errorf("Expected 1 board reboot, got %d", link.reboots)
	}
	if code := store.Safety(); code != state.SafetyConnecting {
		t.Errorf("Expected safety %v after escalation, got %v", state.SafetyConnecting, code)
	}

	select {
	case report := <-reports:
		if report.Kind != supervisor.FaultSafety {
			t.Errorf("Expected safety report, got kind %q", report.Kind)
		}
	default:
		t.Error("Expected a safety report after escalation")
	}
}

func TestDriver_HoldsLastVectorWithoutFreshBatch(t *testing.T) {
	link := newFakeLink()
	link.analog = Analog{Voltage: 7.4}
	store := state.New(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(link, store,
		WithCycleInterval(time.Millisecond),
		WithSlowInterval(time.Hour),
		WithWarmUp(5*time.Millisecond),
		WithSettle(time.Millisecond))
	done, _ := runDriver(t, ctx, d)

	deadline := time.Now().Add(time.Second)
	for store.Safety() != state.SafetyNormal && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// One batch, then silence: the bounded result must repeat.
	store.SetCommands(state.Setpoint{
		Roll: 1510, Pitch: 1490, Throttle: 940, Yaw: 1500,
		Aux1: state.CommandDisarm, Aux2: state.ModeHorizon,
	})
	before := len(link.sentFrames())
	for len(link.sentFrames()) < before+10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Expected clean exit, got %v", err)
	}

	frames := link.sentFrames()
	if len(frames) < before+3 {
		t.Fatalf("Expected more frames after the batch, got %d", len(frames)-before)
	}
	want := sentFrame{1510, 1490, 940, 1500, state.CommandDisarm, state.ModeHorizon}
	last := frames[len(frames)-1]
	if last != want {
		t.Errorf("Expected held vector %+v, got %+v", want, last)
	}
}

func TestDriver_LowVoltageHysteresis(t *testing.T) {
	link := newFakeLink()
	store := state.New(1)
	d := New(link, store, WithLowVoltageWatchdog(6.4, 3*time.Second))
	reports := make(chan supervisor.Report, 4)

	base := time.Now()
	d.lastAboveThreshold = base

	samples := []struct {
		voltage float64
		at      time.Duration
	}{
		{6.5, 0},
		{6.3, 1 * time.Second}, // below, inside window
		{6.3, 2 * time.Second}, // still inside: last good at t=0
		{6.5, 3 * time.Second}, // recovers, window restarts
		{6.3, 4 * time.Second},
		{6.3, 5 * time.Second},
		{6.3, 6500 * time.Millisecond}, // 3.5s below: fires
	}
	for _, s := range samples {
		d.checkBattery(Analog{Voltage: s.voltage, Amperage: 2}, base.Add(s.at), reports)
	}

	if code := store.Safety(); code != state.SafetyLowVoltage {
		t.Errorf("Expected safety %v, got %v", state.SafetyLowVoltage, code)
	}
	if !store.LowVoltageWarning() {
		t.Error("Expected sticky low voltage warning to be raised")
	}
	if len(reports) != 1 {
		t.Fatalf("Expected exactly 1 low voltage report, got %d", len(reports))
	}

	// Further low samples in the same episode stay quiet.
	d.checkBattery(Analog{Voltage: 6.2, Amperage: 2}, base.Add(7*time.Second), reports)
	if len(reports) != 1 {
		t.Errorf("Expected no duplicate report, got %d", len(reports))
	}

	// Telemetry is published either way.
	if v := store.BatteryVoltage(); v != 6.2 {
		t.Errorf("Expected published voltage 6.2, got %v", v)
	}
	if w := store.BatteryPower(); w != 6.2*2 {
		t.Errorf("Expected published power %.1f, got %v", 6.2*2, w)
	}
}

func TestDriver_ReportNeverBlocksWatchdog(t *testing.T) {
	link := newFakeLink()
	store := state.New(1)
	d := New(link, store, WithLowVoltageWatchdog(6.4, 3*time.Second))

	// Nobody drains this channel; the watchdog must still complete and
	// publish the safety code.
	reports := make(chan supervisor.Report)

	done := make(chan struct{})
	go func() {
		d.checkBattery(Analog{Voltage: 6.0, Amperage: 2}, time.Now().Add(time.Minute), reports)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checkBattery blocked on an undrained report channel")
	}
	if code := store.Safety(); code != state.SafetyLowVoltage {
		t.Errorf("Expected safety %v, got %v", state.SafetyLowVoltage, code)
	}
}

func TestDriver_EscalationExitsWithUndrainedReports(t *testing.T) {
	link := newFakeLink()
	link.analog = Analog{Voltage: 7.4}
	store := state.New(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Unbuffered and never drained, as during a teardown that has stopped
	// listening.
	reports := make(chan supervisor.Report)
	done := make(chan error, 1)
	go func() { done <- testDriver(link, store).Run(ctx, reports) }()

	deadline := time.Now().Add(time.Second)
	for store.Safety() != state.SafetyNormal && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	store.SetSafety(state.SafetyEmergencyStop)

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Expected clean exit, got %v", err)
	}
	if link.reboots != 1 {
		t.Errorf("Expected 1 board reboot, got %d", link.reboots)
	}
}

func TestDriver_SingleNoisySampleDoesNotEscalate(t *testing.T) {
	link := newFakeLink()
	store := state.New(1)
	d := New(link, store, WithLowVoltageWatchdog(6.4, 3*time.Second))
	reports := make(chan supervisor.Report, 4)

	base := time.Now()
	d.lastAboveThreshold = base
	d.checkBattery(Analog{Voltage: 6.0}, base.Add(time.Second), reports)

	if code := store.Safety(); code != state.SafetyNormal {
		t.Errorf("Expected safety to stay %v, got %v", state.SafetyNormal, code)
	}
	if len(reports) != 0 {
		t.Errorf("Expected no reports, got %d", len(reports))
	}
}
