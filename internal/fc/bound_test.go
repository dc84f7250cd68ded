package fc

import (
	"math"
	"testing"

	"github.com/quadswarm/onboard/internal/state"
)

func TestBounds_Apply_AnalogChannels(t *testing.T) {
	b := DefaultBounds()

	testCases := []struct {
		name string
		prev int
		next float64
		want int
	}{
		{"small step passes through", 1500, 1502, 1502},
		{"large step slew limited", 1500, 2000, 1550},
		{"large negative step slew limited", 1500, 1000, 1450},
		{"step exactly at limit", 1500, 1550, 1550},
		{"clamped to max", 1940, 1990, 1950},
		{"clamped to min", 920, 870, 900},
		{"nan falls back to neutral", 1700, math.NaN(), 1500},
		{"positive infinity falls back to neutral", 1700, math.Inf(1), 1500},
		{"overflow falls back to neutral", 1700, 1e18, 1500},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			prev := state.Commands{Roll: tc.prev, Pitch: tc.prev, Throttle: tc.prev, Yaw: tc.prev}
			next := state.Setpoint{Roll: tc.next, Pitch: tc.next, Throttle: tc.next, Yaw: tc.next}

			got := b.Apply(next, prev)
			if got.Roll != tc.want || got.Pitch != tc.want || got.Throttle != tc.want || got.Yaw != tc.want {
				t.Errorf("Expected all analog channels %d, got roll=%d pitch=%d throttle=%d yaw=%d",
					tc.want, got.Roll, got.Pitch, got.Throttle, got.Yaw)
			}
		})
	}
}

func TestBounds_Apply_AuxChannels(t *testing.T) {
	b := DefaultBounds()
	prev := state.Commands{Aux1: state.CommandDisarm, Aux2: state.ModeHorizon}

	// Aux channels jump freely: disarm to arm is a single-cycle change.
	got := b.Apply(state.Setpoint{
		Roll: 1500, Pitch: 1500, Throttle: 900, Yaw: 1500,
		Aux1: state.CommandArm, Aux2: state.ModeAngle,
	}, prev)
	if got.Aux1 != state.CommandArm {
		t.Errorf("Expected aux1 %d, got %d", state.CommandArm, got.Aux1)
	}
	if got.Aux2 != state.ModeAngle {
		t.Errorf("Expected aux2 %d, got %d", state.ModeAngle, got.Aux2)
	}

	// A garbage value must not flip arm state: previous value is held.
	got = b.Apply(state.Setpoint{
		Roll: 1500, Pitch: 1500, Throttle: 900, Yaw: 1500,
		Aux1: math.NaN(), Aux2: math.Inf(-1),
	}, prev)
	if got.Aux1 != state.CommandDisarm {
		t.Errorf("Expected aux1 to hold %d, got %d", state.CommandDisarm, got.Aux1)
	}
	if got.Aux2 != state.ModeHorizon {
		t.Errorf("Expected aux2 to hold %d, got %d", state.ModeHorizon, got.Aux2)
	}
}

func TestBounds_Apply_RepeatedBatchesConverge(t *testing.T) {
	b := DefaultBounds()
	cmds := state.Idle()
	target := state.Setpoint{Roll: 1500, Pitch: 1500, Throttle: 1200, Yaw: 1500, Aux1: 1000, Aux2: 1500}

	// 900 -> 1200 at 50 per cycle takes 6 cycles.
	for i := 0; i < 6; i++ {
		cmds = b.Apply(target, cmds)
	}
	if cmds.Throttle != 1200 {
		t.Errorf("Expected throttle to converge to 1200, got %d", cmds.Throttle)
	}

	cmds = b.Apply(target, cmds)
	if cmds.Throttle != 1200 {
		t.Errorf("Expected throttle to stay at 1200, got %d", cmds.Throttle)
	}
}
