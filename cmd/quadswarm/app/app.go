// Package app wires the onboard worker set together and supervises one
// bring-up attempt from preflight to teardown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/quadswarm/onboard/internal/comms"
	"github.com/quadswarm/onboard/internal/control"
	"github.com/quadswarm/onboard/internal/fc"
	"github.com/quadswarm/onboard/internal/flightlog"
	"github.com/quadswarm/onboard/internal/lifecycle"
	"github.com/quadswarm/onboard/internal/localizer"
	"github.com/quadswarm/onboard/internal/msp"
	"github.com/quadswarm/onboard/internal/state"
	"github.com/quadswarm/onboard/internal/supervisor"
	"github.com/quadswarm/onboard/internal/usercode"
)

const (
	// tickInterval paces the supervising loop: health checks, start
	// requests and report draining.
	tickInterval = 50 * time.Millisecond

	// batteryInterval paces battery samples into the flight recorder.
	batteryInterval = time.Second
)

// Run executes a single bring-up attempt: construct every worker from
// scratch, start the supervisor, walk the lifecycle to idle and supervise
// until cancelled or aborted. On return everything created here is torn
// down; the caller decides whether to retry.
func Run(ctx context.Context, config *Config, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervising loop panicked: %v", r)
		}
	}()

	robotID, err := resolveRobotID(config.Robot)
	if err != nil {
		return fmt.Errorf("resolving robot identity: %w", err)
	}
	logger = logger.With(slog.Int("robot", robotID))

	store := state.New(robotID)

	rec, err := openRecorder(config, robotID)
	if err != nil {
		return fmt.Errorf("opening flight recorder: %w", err)
	}
	defer func() {
		size := rec.Size()
		if cerr := rec.Close(); cerr != nil {
			logger.Warn("closing flight recorder", slog.Any("error", cerr))
		}
		logger.Info("flight recorder closed",
			slog.String("path", rec.Path()), slog.String("size", humanize.Bytes(uint64(size))))
	}()

	// Recording is forensics, never control flow: failures are logged and
	// swallowed.
	record := func(source, message string) {
		if rerr := rec.Event(source, message); rerr != nil {
			logger.Warn("recording event", slog.Any("error", rerr))
		}
	}

	program, err := usercode.Lookup(config.UserCode.Program)
	if err != nil {
		return fmt.Errorf("loading user program: %w", err)
	}

	link := msp.New(config.Serial.Port,
		msp.WithBaudRate(config.Serial.BaudRate),
		msp.WithReadTimeout(config.Serial.ReadTimeout()))

	driver := fc.New(link, store,
		fc.WithLogger(logger),
		fc.WithBounds(fc.Bounds{
			MaxDiff:    config.FC.MaxDiff,
			MaxCommand: config.FC.MaxCommand,
			MinCommand: config.FC.MinCommand,
		}),
		fc.WithCycleInterval(config.FC.Cycle()),
		fc.WithSlowInterval(config.FC.Slow()),
		fc.WithWarmUp(config.FC.WarmUp()),
		fc.WithSettle(config.FC.Settle()),
		fc.WithLowVoltageWatchdog(config.FC.LowVoltageThreshold, config.FC.LowVoltageWindow()))

	sup := supervisor.New(robotID, logger,
		supervisor.WithGracePeriod(config.Supervisor.Grace()))

	if config.Localizer.Enabled {
		sup.Add(localizer.New(config.Localizer.Group, store, localizer.WithLogger(logger)))
	}
	sup.Add(driver)
	sup.Add(control.New(store,
		control.WithLogger(logger), control.WithInterval(config.FC.Cycle())))
	if config.Comms.Enabled {
		sup.Add(comms.NewSender(config.Comms.ServerAddr, store,
			comms.WithSenderLogger(logger),
			comms.WithSendInterval(config.Comms.SendInterval())))
		sup.Add(comms.NewReceiver(config.Comms.ListenAddr, store,
			comms.WithReceiverLogger(logger)))
	}
	sup.AddHeld(usercode.NewWorker(program, store, usercode.WithLogger(logger)))

	stm := lifecycle.New(
		lifecycle.WithLogger(logger),
		lifecycle.WithBoardWatchdog(config.Supervisor.BoardWatchdog()))

	if rerr := rec.Begin(config); rerr != nil {
		logger.Warn("starting flight session", slog.Any("error", rerr))
	}

	sup.Startup(ctx)
	defer sup.Shutdown(stm.Shutdown)

	if err = stm.Create(sup, store); err != nil {
		return err
	}
	if err = stm.DoPreflightChecks(); err != nil {
		record("lifecycle", err.Error())
		return err
	}
	if err = stm.ChecksComplete(); err != nil {
		return err
	}
	record("lifecycle", "preflight complete, robot is idle")
	logger.Info("robot is idle", slog.String("program", program.Name()))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	lastBattery := time.Now()

	for {
		select {
		case <-ctx.Done():
			record("lifecycle", "interrupted, shutting down")
			logger.Info("interrupted, shutting down")
			return nil

		case report := <-sup.Reports():
			record(report.Worker, report.Message)
			logger.Warn("worker fault",
				slog.String("worker", report.Worker),
				slog.String("kind", string(report.Kind)),
				slog.String("context", report.Context),
				slog.String("message", report.Message))

		case now := <-ticker.C:
			if stm.Check() {
				record("lifecycle", "health check failed, shutting down")
				return nil
			}

			if store.StartRequested() && sup.KickOffUserCode(ctx) {
				if terr := stm.Run(); terr != nil {
					logger.Warn("entering running state", slog.Any("error", terr))
				}
				record("lifecycle", fmt.Sprintf("user program %q kicked off", program.Name()))
				logger.Info("user program kicked off", slog.String("program", program.Name()))
			}

			if now.Sub(lastBattery) >= batteryInterval {
				lastBattery = now
				if voltage := store.BatteryVoltage(); voltage >= 0 {
					if rerr := rec.Battery(voltage, store.BatteryPower()); rerr != nil {
						logger.Warn("recording battery sample", slog.Any("error", rerr))
					}
				}
			}
		}
	}
}

// openRecorder creates the data directory if needed and opens a recorder
// in it.
func openRecorder(config *Config, robotID int) (*flightlog.Recorder, error) {
	if err := os.MkdirAll(config.Storage.DataDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return flightlog.New(config.Storage.DataDirectory, robotID)
}

// resolveRobotID returns the configured identity, or derives it from the
// last octet of the interface address on the configured subnet.
func resolveRobotID(config RobotConfig) (int, error) {
	if config.ID != 0 {
		return config.ID, nil
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return 0, fmt.Errorf("listing interface addresses: %w", err)
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil {
			continue
		}
		s := ip.String()
		if !strings.HasPrefix(s, config.SubnetPrefix) {
			continue
		}
		id, err := strconv.Atoi(s[strings.LastIndexByte(s, '.')+1:])
		if err != nil {
			continue
		}
		return id, nil
	}

	return 0, fmt.Errorf("no interface address matches subnet prefix %q", config.SubnetPrefix)
}
