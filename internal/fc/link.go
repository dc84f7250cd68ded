package fc

import "context"

// Request names a single request/response exchange with the flight
// controller firmware. The wire encoding is the link's concern.
type Request string

const (
	RequestAPIVersion    Request = "MSP_API_VERSION"
	RequestFCVariant     Request = "MSP_FC_VARIANT"
	RequestFCVersion     Request = "MSP_FC_VERSION"
	RequestBuildInfo     Request = "MSP_BUILD_INFO"
	RequestBoardInfo     Request = "MSP_BOARD_INFO"
	RequestUID           Request = "MSP_UID"
	RequestAccTrim       Request = "MSP_ACC_TRIM"
	RequestName          Request = "MSP_NAME"
	RequestStatus        Request = "MSP_STATUS"
	RequestStatusEx      Request = "MSP_STATUS_EX"
	RequestBatteryConfig Request = "MSP_BATTERY_CONFIG"
	RequestBatteryState  Request = "MSP_BATTERY_STATE"
	RequestBoxNames      Request = "MSP_BOXNAMES"
	RequestAnalog        Request = "MSP_ANALOG"
)

// BootSequence is the fixed request sequence the link requires before it
// accepts arm commands. Without it the receiver failsafe activates and the
// board refuses to arm.
var BootSequence = []Request{
	RequestAPIVersion,
	RequestFCVariant,
	RequestFCVersion,
	RequestBuildInfo,
	RequestBoardInfo,
	RequestUID,
	RequestAccTrim,
	RequestName,
	RequestStatus,
	RequestStatusEx,
	RequestBatteryConfig,
	RequestBatteryState,
	RequestBoxNames,
}

// Analog holds the parsed analog telemetry fields from the board.
type Analog struct {
	Voltage  float64 // V
	Amperage float64 // A
	DrawnMAh float64 // cumulative charge drawn, mAh
	RSSI     int
}

// Link is the hardware boundary. Exactly one driver instance owns a link at
// a time. Implementations may block on I/O up to their own timeout, never
// indefinitely.
type Link interface {
	// Open establishes the hardware connection.
	Open(ctx context.Context) error
	// Close releases the connection. Safe to call after a failed Open.
	Close() error
	// SendFrame transmits one command frame.
	SendFrame(roll, pitch, throttle, yaw, aux1, aux2 int) error
	// Poll sends a named request and applies the response to the link's
	// parsed state.
	Poll(req Request) error
	// Analog returns the most recently parsed analog telemetry.
	Analog() Analog
	// Reboot asks the board to reset itself.
	Reboot() error
}
