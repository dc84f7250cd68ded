// Package msp implements the MultiWii Serial Protocol (v1) side of the
// flight-controller link: framing, the request code table, and decoding of
// the analog telemetry payload.
package msp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/quadswarm/onboard/internal/fc"
)

// Code is an MSP v1 message code.
type Code uint8

const (
	CodeAPIVersion    Code = 1
	CodeFCVariant     Code = 2
	CodeFCVersion     Code = 3
	CodeBoardInfo     Code = 4
	CodeBuildInfo     Code = 5
	CodeName          Code = 10
	CodeBatteryConfig Code = 32
	CodeReboot        Code = 68
	CodeStatus        Code = 101
	CodeAnalog        Code = 110
	CodeBoxNames      Code = 116
	CodeBatteryState  Code = 130
	CodeStatusEx      Code = 150
	CodeUID           Code = 160
	CodeSetRawRC      Code = 200
	CodeAccTrim       Code = 240
)

// requestCodes maps the driver's named requests onto wire codes.
var requestCodes = map[fc.Request]Code{
	fc.RequestAPIVersion:    CodeAPIVersion,
	fc.RequestFCVariant:     CodeFCVariant,
	fc.RequestFCVersion:     CodeFCVersion,
	fc.RequestBuildInfo:     CodeBuildInfo,
	fc.RequestBoardInfo:     CodeBoardInfo,
	fc.RequestUID:           CodeUID,
	fc.RequestAccTrim:       CodeAccTrim,
	fc.RequestName:          CodeName,
	fc.RequestStatus:        CodeStatus,
	fc.RequestStatusEx:      CodeStatusEx,
	fc.RequestBatteryConfig: CodeBatteryConfig,
	fc.RequestBatteryState:  CodeBatteryState,
	fc.RequestBoxNames:      CodeBoxNames,
	fc.RequestAnalog:        CodeAnalog,
}

var (
	// ErrUnknownRequest is returned for a request name with no wire code.
	ErrUnknownRequest = errors.New("unknown request")

	// ErrBadChecksum is returned when a response frame fails its XOR check.
	ErrBadChecksum = errors.New("bad checksum")

	// ErrRejected is returned when the board answers with an error frame
	// ('!' direction byte).
	ErrRejected = errors.New("request rejected by board")

	// ErrReadTimeout is returned when the port's read deadline expires
	// before a frame arrives.
	ErrReadTimeout = errors.New("serial read timed out")
)

// timeoutReader surfaces the port's expired read deadline as an error.
// go.bug.st/serial returns (0, nil) once the SetReadTimeout deadline passes,
// and io.ReadFull retries zero-byte reads forever, so a silent board would
// otherwise hang readFrame with the link mutex held.
type timeoutReader struct {
	r io.Reader
}

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil {
		return 0, ErrReadTimeout
	}
	return n, err
}

const maxPayload = 255

// frame is one decoded MSP message.
type frame struct {
	code    Code
	payload []byte
}

// encodeFrame builds an outbound '$M<' frame with an XOR checksum over
// length, code and payload.
func encodeFrame(code Code, payload []byte) []byte {
	buf := make([]byte, 0, 6+len(payload))
	buf = append(buf, '$', 'M', '<', byte(len(payload)), byte(code))
	buf = append(buf, payload...)
	return append(buf, checksum(byte(len(payload)), byte(code), payload))
}

func checksum(length, code byte, payload []byte) byte {
	sum := length ^ code
	for _, b := range payload {
		sum ^= b
	}
	return sum
}

// readFrame scans the stream for the next '$M' preamble and decodes one
// inbound frame. A '!' direction byte marks a board-side rejection.
func readFrame(r io.Reader) (frame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, fmt.Errorf("reading preamble: %w", err)
	}

	// Resynchronize if the stream is mid-frame.
	for hdr[0] != '$' || hdr[1] != 'M' {
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return frame{}, fmt.Errorf("resynchronizing: %w", err)
		}
		hdr[0], hdr[1], hdr[2] = hdr[1], hdr[2], b[0]
	}

	rejected := hdr[2] == '!'

	var head [2]byte // length, code
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return frame{}, fmt.Errorf("reading header: %w", err)
	}

	length := int(head[0])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, fmt.Errorf("reading payload: %w", err)
	}

	var sum [1]byte
	if _, err := io.ReadFull(r, sum[:]); err != nil {
		return frame{}, fmt.Errorf("reading checksum: %w", err)
	}
	if sum[0] != checksum(head[0], head[1], payload) {
		return frame{}, ErrBadChecksum
	}

	f := frame{code: Code(head[1]), payload: payload}
	if rejected {
		return f, fmt.Errorf("%w: code %d", ErrRejected, f.code)
	}
	return f, nil
}

// encodeRC packs six RC channels as little-endian uint16 in AETR + aux
// order, the layout MSP_SET_RAW_RC expects.
func encodeRC(roll, pitch, throttle, yaw, aux1, aux2 int) []byte {
	channels := []int{roll, pitch, throttle, yaw, aux1, aux2}
	payload := make([]byte, 2*len(channels))
	for i, ch := range channels {
		binary.LittleEndian.PutUint16(payload[2*i:], uint16(ch))
	}
	return payload
}

// decodeAnalog parses an MSP_ANALOG payload: vbat in 0.1 V, drawn charge in
// mAh, RSSI, amperage in 0.01 A.
func decodeAnalog(payload []byte) (fc.Analog, error) {
	if len(payload) < 7 {
		return fc.Analog{}, fmt.Errorf("analog payload too short: %d bytes", len(payload))
	}
	return fc.Analog{
		Voltage:  float64(payload[0]) / 10,
		DrawnMAh: float64(binary.LittleEndian.Uint16(payload[1:3])),
		RSSI:     int(binary.LittleEndian.Uint16(payload[3:5])),
		Amperage: float64(int16(binary.LittleEndian.Uint16(payload[5:7]))) / 100,
	}, nil
}
