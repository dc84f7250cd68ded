package fc

import (
	"math"

	"github.com/quadswarm/onboard/internal/state"
)

// Bounds is the hardware-command envelope applied to every external batch.
type Bounds struct {
	MaxDiff    int // largest allowed per-cycle change on an analog channel
	MaxCommand int
	MinCommand int
}

// DefaultBounds matches the board's usable pulse-width envelope with a slew
// limit of 50 units per cycle.
func DefaultBounds() Bounds {
	return Bounds{MaxDiff: 50, MaxCommand: 1950, MinCommand: 900}
}

// Apply bounds one external command batch against the previous live vector.
// Analog channels (roll, pitch, throttle, yaw) are slew-limited and clamped;
// aux channels pass through unbounded apart from numeric sanity. This is the
// sole path by which external commands reach the hardware.
func (b Bounds) Apply(next state.Setpoint, prev state.Commands) state.Commands {
	return state.Commands{
		Roll:     b.channel(next.Roll, prev.Roll),
		Pitch:    b.channel(next.Pitch, prev.Pitch),
		Throttle: b.channel(next.Throttle, prev.Throttle),
		Yaw:      b.channel(next.Yaw, prev.Yaw),
		Aux1:     auxChannel(next.Aux1, prev.Aux1),
		Aux2:     auxChannel(next.Aux2, prev.Aux2),
	}
}

// channel bounds a single analog channel. A value that cannot be
// interpreted as a sane integer falls back to the neutral 1500; this is a
// local recovery, never an error.
func (b Bounds) channel(next float64, prev int) int {
	n, ok := toCommand(next)
	if !ok {
		return state.NeutralCommand
	}

	if diff := n - prev; diff > b.MaxDiff {
		n = prev + b.MaxDiff
	} else if diff < -b.MaxDiff {
		n = prev - b.MaxDiff
	}

	if n > b.MaxCommand {
		return b.MaxCommand
	}
	if n < b.MinCommand {
		return b.MinCommand
	}
	return n
}

// auxChannel passes mode channels through; on numeric failure the previous
// value is held so a garbage frame cannot flip arm or flight mode.
func auxChannel(next float64, prev int) int {
	if n, ok := toCommand(next); ok {
		return n
	}
	return prev
}

func toCommand(v float64) (int, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v > math.MaxInt32 || v < math.MinInt32 {
		return 0, false
	}
	return int(v), true
}
