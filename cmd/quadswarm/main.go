package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/quadswarm/onboard/cmd/quadswarm/app"
)

func main() {
	var logLevel slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))

	var configPath string
	flag.StringVar(&configPath, "c", "", "Path to the configuration file")
	flag.Parse()

	if configPath == "" {
		logger.Error("no configuration file provided")
		os.Exit(1)
	}

	config, err := app.LoadConfig(configPath)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to load configuration file: %s", err.Error()), slog.String("path", configPath))
		os.Exit(1)
	}

	logLevel.Set(config.Settings.Level())

	if err = os.MkdirAll(config.Settings.LogDir, 0o755); err != nil {
		logger.Error(fmt.Sprintf("failed to create log directory: %s", err.Error()), slog.String("path", config.Settings.LogDir))
		os.Exit(1)
	}

	// The robot usually runs headless; mirror the log into a rotated file so
	// it survives a power cut mid-flight.
	fileLog := &lumberjack.Logger{
		Filename:   filepath.Join(config.Settings.LogDir, "quadswarm.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
	}
	defer fileLog.Close()
	logger = slog.New(slog.NewTextHandler(io.MultiWriter(os.Stdout, fileLog), &slog.HandlerOptions{Level: &logLevel}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A failed bring-up attempt tears everything down and starts over from
	// scratch, up to the configured number of attempts.
	for attempt := 1; ; attempt++ {
		err = app.Run(ctx, config, logger)
		if err == nil || ctx.Err() != nil {
			break
		}

		logger.Error("bring-up attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", config.Supervisor.MaxAttempts),
			slog.Any("error", err))

		if attempt >= config.Supervisor.MaxAttempts {
			logger.Error("giving up")

			cancel()
			os.Exit(1)
		}

		select {
		case <-ctx.Done():
			os.Exit(1)
		case <-time.After(config.Supervisor.RetryBackoff() * time.Duration(attempt)):
		}
	}
}
