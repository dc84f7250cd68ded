// Package localizer implements the motion-capture listener worker. It joins
// the tracking multicast group, decodes pose packets, and publishes this
// robot's pose and tracking freshness to the blackboard. Localization math
// beyond passthrough is out of scope.
package localizer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"sync"
	"time"

	"github.com/quadswarm/onboard/internal/state"
	"github.com/quadswarm/onboard/internal/supervisor"
)

// WorkerName identifies the localizer worker.
const WorkerName = "localizer"

const (
	readTimeout = 200 * time.Millisecond
	readBuffer  = 131072

	// Packet layout, little-endian:
	// 5-byte tag ("opti1"/"opti2"), 3 pad bytes, float32 capture time,
	// uint16 sequence, then one 29-byte record per rigid body:
	// uint8 id, float32 x, y, z, qw, qx, qy, qz.
	preambleSize = 14
	recordSize   = 29

	// Sequence numbers roll over at 65536; anything within this distance
	// below the last seen value is treated as fresh wraparound rather than
	// stale.
	rolloverWindow = 100
)

// WithLogger sets the listener logger.
func WithLogger(logger *slog.Logger) func(*Listener) {
	return func(l *Listener) { l.logger = logger.With(slog.String("worker", WorkerName)) }
}

// Listener receives multicast tracking packets for the whole swarm and
// keeps only its own rigid body.
type Listener struct {
	groupAddr string
	store     *state.Store
	logger    *slog.Logger

	mu   sync.Mutex
	conn *net.UDPConn

	lastSeq uint16
	first   bool
}

// New creates a listener for the given multicast group ("ip:port").
func New(groupAddr string, store *state.Store, options ...func(*Listener)) *Listener {
	l := Listener{
		groupAddr: groupAddr,
		store:     store,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		first:     true,
	}

	for _, option := range options {
		option(&l)
	}

	return &l
}

// Name implements supervisor.Runner.
func (l *Listener) Name() string { return WorkerName }

// Exit implements supervisor.Runner.
func (l *Listener) Exit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

// Run joins the group and publishes poses until cancelled.
func (l *Listener) Run(ctx context.Context, _ chan<- supervisor.Report) error {
	addr, err := net.ResolveUDPAddr("udp4", l.groupAddr)
	if err != nil {
		return fmt.Errorf("resolving tracking group %s: %w", l.groupAddr, err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("joining tracking group: %w", err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer conn.Close()
	_ = conn.SetReadBuffer(readBuffer)

	buf := make([]byte, 1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading tracking packet: %w", err)
		}

		if pose, ok := l.decode(buf[:n], l.store.RobotID()); ok {
			l.store.SetPose(pose)
		}
	}
}

// decode validates one packet and extracts the record for robotID. Stale
// sequence numbers are dropped, with 16-bit rollover tolerated.
func (l *Listener) decode(data []byte, robotID int) (state.Pose, bool) {
	if len(data) < preambleSize {
		return state.Pose{}, false
	}
	tag := string(data[:5])
	if tag != "opti1" && tag != "opti2" {
		return state.Pose{}, false
	}

	seq := binary.LittleEndian.Uint16(data[12:14])
	if !l.first {
		rollover := seq < rolloverWindow && l.lastSeq > math.MaxUint16-rolloverWindow
		if seq <= l.lastSeq && !rollover {
			return state.Pose{}, false
		}
	}
	l.first = false
	l.lastSeq = seq

	for off := preambleSize; off+recordSize <= len(data); off += recordSize {
		if int(data[off]) != robotID {
			continue
		}
		f := func(i int) float64 {
			bits := binary.LittleEndian.Uint32(data[off+1+4*i:])
			return float64(math.Float32frombits(bits))
		}
		return state.Pose{
			X: f(0), Y: f(1), Z: f(2),
			Qw: f(3), Qx: f(4), Qy: f(5), Qz: f(6),
		}, true
	}
	return state.Pose{}, false
}
