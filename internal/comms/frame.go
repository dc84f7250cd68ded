// Package comms implements the ground-station link workers: a UDP status
// sender and a command receiver. Frames use comma-separated text with an
// "abc" header followed by the field count, so several messages can share a
// datagram.
package comms

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/quadswarm/onboard/internal/state"
)

const frameHeader = "abc"

// Inbound message kinds.
const (
	KindCommand = "cmd"    // cmd,roll,pitch,throttle,yaw,aux1,aux2
	KindSafety  = "safety" // safety,<code>
	KindStart   = "start"  // start[,program]
	KindStop    = "stop"   // stop
)

// Status is the periodic outbound robot status frame.
type Status struct {
	ID          int
	Voltage     float64
	Safety      state.SafetyCode
	Phase       string
	LastCommand string
	UserCode    string
}

// Message is one parsed inbound message; Fields excludes the kind.
type Message struct {
	Kind   string
	Fields []string
}

// encodeStatus renders one status frame:
// abc,6,<id>,<voltage>,<safety>,<phase>,<lastCmd>,<userCode>
func encodeStatus(st Status) []byte {
	fields := []string{
		strconv.Itoa(st.ID),
		strconv.FormatFloat(st.Voltage, 'f', 2, 64),
		strconv.Itoa(int(st.Safety)),
		st.Phase,
		st.LastCommand,
		st.UserCode,
	}
	return []byte(frameHeader + "," + strconv.Itoa(len(fields)) + "," + strings.Join(fields, ","))
}

// parseFrames extracts every well-formed message from a datagram. Malformed
// framing yields an error; a valid header with a bad length is skipped so
// one corrupt message never discards its neighbors.
func parseFrames(data []byte) ([]Message, error) {
	parts := strings.Split(string(data), ",")

	var msgs []Message
	for i, part := range parts {
		if part != frameHeader {
			continue
		}
		if i+1 >= len(parts) {
			break
		}
		n, err := strconv.Atoi(strings.TrimSpace(parts[i+1]))
		if err != nil || n < 1 {
			continue
		}
		start := i + 2
		if start+n > len(parts) {
			continue
		}
		fields := parts[start : start+n]
		msgs = append(msgs, Message{Kind: fields[0], Fields: fields[1:]})
	}

	if len(msgs) == 0 {
		return nil, fmt.Errorf("no valid frames in %d bytes", len(data))
	}
	return msgs, nil
}

// parseSetpoint decodes the six float fields of a command message.
func parseSetpoint(fields []string) (state.Setpoint, error) {
	if len(fields) != 6 {
		return state.Setpoint{}, fmt.Errorf("command needs 6 channels, got %d", len(fields))
	}

	var values [6]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return state.Setpoint{}, fmt.Errorf("channel %d: %w", i, err)
		}
		values[i] = v
	}

	return state.Setpoint{
		Roll:     values[0],
		Pitch:    values[1],
		Throttle: values[2],
		Yaw:      values[3],
		Aux1:     values[4],
		Aux2:     values[5],
	}, nil
}
