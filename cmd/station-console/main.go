// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

// station-console is the operator-facing console process for a factory
// test station. It connects to the local test-execution backend,
// mirrors the test tree and its live statuses, tracks running
// invocations, and records the session history to a local event log.
//
// The console runs one session per backend lifetime. When the backend
// restarts (announced by a changed identity token) or the push channel
// is lost, the console exits nonzero and the station's process
// supervisor starts it again against the new backend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/testfloor/station/eventlog"
	"github.com/testfloor/station/eventstream"
	"github.com/testfloor/station/lib/config"
	"github.com/testfloor/station/rpc"
	"github.com/testfloor/station/session"
	"github.com/testfloor/station/waiver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("station-console", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to station config YAML (overrides STATION_CONFIG)")
	logLevel := flagSet.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flagSet.Bool("log-json", false, "emit JSON log records")
	exportPath := flagSet.String("export-log", "", "export the event log to this file and exit")
	exportCompression := flagSet.String("export-compression", "zstd", "export compression: none, zstd, lz4")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	logger, err := newLogger(*logLevel, *logJSON)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	var cfg *config.Config
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if *exportPath != "" {
		return exportLog(cfg, logger, *exportPath, *exportCompression)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runConsole(ctx, cfg, logger)
}

func runConsole(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := rpc.New(rpc.Config{
		URL:           cfg.Backend.RPCURL,
		Endpoints:     cfg.Backend.Extensions,
		Attempts:      cfg.Timing.CallAttempts,
		RetryDelay:    cfg.Timing.RetryDelay(),
		ReadyMethod:   cfg.Backend.ReadyMethod,
		ReadyInterval: cfg.Timing.ReadyInterval(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	waivers := waiver.Empty()
	if cfg.WaiverFile != "" {
		waivers, err = waiver.Load(cfg.WaiverFile)
		if err != nil {
			return err
		}
		logger.Info("waiver list loaded",
			"path", cfg.WaiverFile,
			"entries", waivers.Len(),
		)
	}

	var log *eventlog.Log
	if cfg.EventLog.Path != "" {
		log, err = eventlog.Open(eventlog.Config{
			Path:   cfg.EventLog.Path,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		defer log.Close()
	}

	sess, err := session.New(session.Options{
		Client: client,
		Dial: func(ctx context.Context) (*eventstream.Conn, error) {
			return eventstream.Dial(ctx, cfg.Backend.EventURL, logger)
		},
		Waivers:           waivers,
		EventLog:          log,
		KeepaliveInterval: cfg.Timing.Keepalive(),
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer sess.Close()

	select {
	case fatal := <-sess.Events():
		return fmt.Errorf("session ended (%s): %w", fatal.Reason, fatal.Err)
	case <-ctx.Done():
		logger.Info("shutting down on signal")
		return nil
	}
}

func exportLog(cfg *config.Config, logger *slog.Logger, path, compressionName string) error {
	if cfg.EventLog.Path == "" {
		return fmt.Errorf("no event log configured; set event_log.path")
	}
	compression, err := eventlog.ParseCompression(compressionName)
	if err != nil {
		return err
	}

	log, err := eventlog.Open(eventlog.Config{
		Path:   cfg.EventLog.Path,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer log.Close()

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := log.Export(out, compression); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func newLogger(level string, jsonOutput bool) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	options := &slog.HandlerOptions{Level: slogLevel}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
}
