package msp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/quadswarm/onboard/internal/fc"
)

const (
	DefaultBaudRate    = 115200
	DefaultReadTimeout = 500 * time.Millisecond
)

// WithBaudRate overrides the serial baud rate.
func WithBaudRate(baud int) func(*Board) {
	return func(b *Board) { b.baudRate = baud }
}

// WithReadTimeout overrides the per-read serial deadline.
func WithReadTimeout(timeout time.Duration) func(*Board) {
	return func(b *Board) { b.readTimeout = timeout }
}

// Board drives a flight controller over an MSP v1 serial link. It
// implements fc.Link. Requests are strictly request/response; the mutex
// keeps a command frame from interleaving with a telemetry poll.
type Board struct {
	portName    string
	baudRate    int
	readTimeout time.Duration

	mu     sync.Mutex
	port   serial.Port
	analog fc.Analog
}

// New creates a board link for the given serial port name.
func New(portName string, options ...func(*Board)) *Board {
	b := Board{
		portName:    portName,
		baudRate:    DefaultBaudRate,
		readTimeout: DefaultReadTimeout,
	}

	for _, option := range options {
		option(&b)
	}

	return &b
}

// Open establishes the serial connection.
func (b *Board) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.port != nil {
		return errors.New("link already open")
	}

	port, err := serial.Open(b.portName, &serial.Mode{BaudRate: b.baudRate})
	if err != nil {
		return fmt.Errorf("opening %s: %w", b.portName, err)
	}
	if err = port.SetReadTimeout(b.readTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("setting read timeout: %w", err)
	}

	b.port = port
	return nil
}

// Close releases the serial port. Safe to call repeatedly.
func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	return err
}

// SendFrame transmits one MSP_SET_RAW_RC command frame and consumes the
// acknowledgement.
func (b *Board) SendFrame(roll, pitch, throttle, yaw, aux1, aux2 int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.exchange(CodeSetRawRC, encodeRC(roll, pitch, throttle, yaw, aux1, aux2))
	return err
}

// Poll sends a named request and applies the response.
func (b *Board) Poll(req fc.Request) error {
	code, ok := requestCodes[req]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, req)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := b.exchange(code, nil)
	if err != nil {
		return err
	}

	if f.code == CodeAnalog {
		analog, err := decodeAnalog(f.payload)
		if err != nil {
			return fmt.Errorf("decoding analog: %w", err)
		}
		b.analog = analog
	}
	return nil
}

// Analog returns the most recently parsed analog telemetry.
func (b *Board) Analog() fc.Analog {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.analog
}

// Reboot asks the board to reset. The board drops the link instead of
// answering, so no response is read.
func (b *Board) Reboot() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.port == nil {
		return errors.New("link not open")
	}
	if _, err := b.port.Write(encodeFrame(CodeReboot, nil)); err != nil {
		return fmt.Errorf("sending reboot: %w", err)
	}
	return nil
}

// exchange writes one request frame and reads frames until the matching
// response code arrives. Callers hold the mutex.
func (b *Board) exchange(code Code, payload []byte) (frame, error) {
	if b.port == nil {
		return frame{}, errors.New("link not open")
	}

	if _, err := b.port.Write(encodeFrame(code, payload)); err != nil {
		return frame{}, fmt.Errorf("writing frame %d: %w", code, err)
	}

	// Skip unsolicited frames but never spin forever on a chatty link.
	for range [4]int{} {
		f, err := readFrame(timeoutReader{b.port})
		if err != nil {
			return frame{}, fmt.Errorf("reading response to %d: %w", code, err)
		}
		if f.code == code {
			return f, nil
		}
	}
	return frame{}, fmt.Errorf("no response to frame %d", code)
}
