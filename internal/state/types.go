package state

import "fmt"

// RC channel conventions for an AETR-configured flight controller.
// Values are in the usual 1000..2000 us pulse-width range.
const (
	CenterCommand  = 1500 // neutral roll/pitch/yaw
	ThrottleIdle   = 900  // throttle at stick bottom
	CommandDisarm  = 1000 // aux1 disarm
	CommandArm     = 1800 // aux1 arm
	ModeHorizon    = 1500 // aux2 default flight mode
	ModeAngle      = 1000
	ModeFlip       = 2000
	NeutralCommand = 1500 // safe fallback when a command cannot be interpreted
)

// SafetyCode is the single shared scalar coordinating emergency, shutdown
// and connecting states across workers. Last writer wins; the escalation
// policy lives in the flight-controller driver, not here.
type SafetyCode int

const (
	SafetyNormal        SafetyCode = 0
	SafetyEmergencyStop SafetyCode = 1
	SafetyShutdown      SafetyCode = 2
	SafetyLowVoltage    SafetyCode = 4
	SafetyConnecting    SafetyCode = 5
)

func (c SafetyCode) String() string {
	switch c {
	case SafetyNormal:
		return "normal"
	case SafetyEmergencyStop:
		return "emergency-stop"
	case SafetyShutdown:
		return "shutdown"
	case SafetyLowVoltage:
		return "low-voltage"
	case SafetyConnecting:
		return "connecting"
	default:
		return fmt.Sprintf("safety(%d)", int(c))
	}
}

// Setpoint is an externally supplied command batch, AETR plus the two aux
// (mode) channels. Values are float64 on the way in: they come from network
// frames or user control laws and are only converted to bounded integer
// channels by the flight-controller driver.
type Setpoint struct {
	Roll     float64
	Pitch    float64
	Throttle float64
	Yaw      float64
	Aux1     float64
	Aux2     float64
}

// Commands is the live integer command vector as transmitted to the board.
type Commands struct {
	Roll     int
	Pitch    int
	Throttle int
	Yaw      int
	Aux1     int
	Aux2     int
}

// Idle returns a disarmed, centered command vector.
func Idle() Commands {
	return Commands{
		Roll:     CenterCommand,
		Pitch:    CenterCommand,
		Throttle: ThrottleIdle,
		Yaw:      CenterCommand,
		Aux1:     CommandDisarm,
		Aux2:     ModeHorizon,
	}
}

// Pose is the latest motion-capture fix for this robot.
type Pose struct {
	X, Y, Z        float64
	Qw, Qx, Qy, Qz float64
}
