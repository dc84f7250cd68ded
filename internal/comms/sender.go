package comms

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/quadswarm/onboard/internal/state"
	"github.com/quadswarm/onboard/internal/supervisor"
)

// SenderName identifies the sender worker.
const SenderName = "sender"

const defaultSendInterval = 500 * time.Millisecond

// WithSendInterval overrides the status cadence.
func WithSendInterval(d time.Duration) func(*Sender) {
	return func(s *Sender) { s.interval = d }
}

// WithSenderLogger sets the sender logger.
func WithSenderLogger(logger *slog.Logger) func(*Sender) {
	return func(s *Sender) { s.logger = logger.With(slog.String("worker", SenderName)) }
}

// Sender periodically reports robot status to the ground station over UDP.
// Send failures are logged and retried next tick; telemetry is best-effort
// and never takes the robot down.
type Sender struct {
	serverAddr string
	interval   time.Duration
	store      *state.Store
	logger     *slog.Logger

	mu   sync.Mutex
	conn *net.UDPConn

	sentBytes uint64
	sentCount uint64
}

// NewSender creates the status sender worker.
func NewSender(serverAddr string, store *state.Store, options ...func(*Sender)) *Sender {
	s := Sender{
		serverAddr: serverAddr,
		interval:   defaultSendInterval,
		store:      store,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Name implements supervisor.Runner.
func (s *Sender) Name() string { return SenderName }

// Exit implements supervisor.Runner. Closing the connection unblocks a
// worker stuck in a send.
func (s *Sender) Exit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Run dials the ground station and sends one status frame per tick.
func (s *Sender) Run(ctx context.Context, _ chan<- supervisor.Report) error {
	addr, err := net.ResolveUDPAddr("udp4", s.serverAddr)
	if err != nil {
		return fmt.Errorf("resolving ground station %s: %w", s.serverAddr, err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("dialing ground station: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()
	defer func() {
		s.logger.Info("sender stopped",
			slog.String("sent", humanize.Bytes(s.sentBytes)),
			slog.Uint64("frames", s.sentCount))
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame := encodeStatus(Status{
			ID:          s.store.RobotID(),
			Voltage:     s.store.BatteryVoltage(),
			Safety:      s.store.Safety(),
			Phase:       s.store.Phase(),
			LastCommand: s.store.LastCommand(),
			UserCode:    s.store.UserCode(),
		})

		n, err := conn.Write(frame)
		if err != nil {
			s.logger.Warn("status send failed", slog.Any("error", err))
			continue
		}
		s.sentBytes += uint64(n)
		s.sentCount++
	}
}
