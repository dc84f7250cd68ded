package comms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quadswarm/onboard/internal/state"
	"github.com/quadswarm/onboard/internal/supervisor"
)

// ReceiverName identifies the receiver worker.
const ReceiverName = "receiver"

const receiverReadTimeout = 200 * time.Millisecond

// WithReceiverLogger sets the receiver logger.
func WithReceiverLogger(logger *slog.Logger) func(*Receiver) {
	return func(r *Receiver) { r.logger = logger.With(slog.String("worker", ReceiverName)) }
}

// Receiver listens for ground-station datagrams and writes their contents
// into the blackboard. Malformed frames are dropped and counted, never
// fatal.
type Receiver struct {
	listenAddr string
	store      *state.Store
	logger     *slog.Logger

	mu   sync.Mutex
	conn *net.UDPConn

	dropped uint64
}

// NewReceiver creates the command receiver worker.
func NewReceiver(listenAddr string, store *state.Store, options ...func(*Receiver)) *Receiver {
	r := Receiver{
		listenAddr: listenAddr,
		store:      store,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

// Name implements supervisor.Runner.
func (r *Receiver) Name() string { return ReceiverName }

// Exit implements supervisor.Runner. Closing the connection unblocks a
// worker stuck in a read.
func (r *Receiver) Exit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// Run binds the listen port and applies inbound messages until cancelled.
func (r *Receiver) Run(ctx context.Context, _ chan<- supervisor.Report) error {
	addr, err := net.ResolveUDPAddr("udp4", r.listenAddr)
	if err != nil {
		return fmt.Errorf("resolving listen address %s: %w", r.listenAddr, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", r.listenAddr, err)
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	defer conn.Close()

	buf := make([]byte, 1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		_ = conn.SetReadDeadline(time.Now().Add(receiverReadTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading datagram: %w", err)
		}

		msgs, err := parseFrames(buf[:n])
		if err != nil {
			r.dropped++
			r.logger.Warn("dropping unparseable datagram", slog.Any("error", err))
			continue
		}
		for _, msg := range msgs {
			r.apply(msg)
		}
	}
}

// apply writes one message into the blackboard.
func (r *Receiver) apply(msg Message) {
	switch msg.Kind {
	case KindCommand:
		sp, err := parseSetpoint(msg.Fields)
		if err != nil {
			r.dropped++
			r.logger.Warn("dropping bad command", slog.Any("error", err))
			return
		}
		r.store.SetCommands(sp)
		r.store.SetLastCommand(KindCommand)

	case KindSafety:
		if len(msg.Fields) != 1 {
			r.dropped++
			return
		}
		code, err := strconv.Atoi(strings.TrimSpace(msg.Fields[0]))
		if err != nil {
			r.dropped++
			r.logger.Warn("dropping bad safety code", slog.Any("error", err))
			return
		}
		r.store.SetSafety(state.SafetyCode(code))
		r.store.SetLastCommand(KindSafety)

	case KindStart:
		r.store.RequestStart()
		r.store.SetLastCommand(KindStart)

	case KindStop:
		r.store.SetSafety(state.SafetyShutdown)
		r.store.SetLastCommand(KindStop)

	default:
		r.dropped++
		r.logger.Warn("dropping unknown message", slog.String("kind", msg.Kind))
	}
}
