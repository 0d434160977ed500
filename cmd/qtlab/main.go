// Command qtlab is an interactive instrument console.
//
// It manages a registry of instruments created from YAML profiles,
// with simulated transports for offline use. Parameter reads and
// writes go through the full wrapper pipeline: type casting, bounds
// checks, slew-rate ramping, change notification, and persistence of
// persistent parameters between sessions.
//
// Usage:
//
//	qtlab [flags]
//
// Flags:
//
//	-profiles string   Directory holding instrument profiles (default "profiles")
//	-settings string   Directory for persisted parameter values (default "settings")
//	-trace string      CBOR trace log file (disabled if empty)
//	-log-level string  Log level: debug, info, warn, error (default "info")
//	-version           Print the version and exit
//
// Examples:
//
//	# Start with the default directories
//	qtlab
//
//	# Record a full trace of the session
//	qtlab -trace session.qlog -log-level debug
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/qtlab/qtlab-go/cmd/qtlab/interactive"
	"github.com/qtlab/qtlab-go/pkg/instrument"
	"github.com/qtlab/qtlab-go/pkg/log"
	"github.com/qtlab/qtlab-go/pkg/notify"
	"github.com/qtlab/qtlab-go/pkg/persistence"
	"github.com/qtlab/qtlab-go/pkg/version"
)

// Config holds the console configuration.
type Config struct {
	ProfileDir  string
	SettingsDir string
	TraceFile   string
	LogLevel    string
	ShowVersion bool
}

var config Config

func init() {
	flag.StringVar(&config.ProfileDir, "profiles", "profiles", "Directory holding instrument profiles")
	flag.StringVar(&config.SettingsDir, "settings", "settings", "Directory for persisted parameter values")
	flag.StringVar(&config.TraceFile, "trace", "", "CBOR trace log file (disabled if empty)")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&config.ShowVersion, "version", false, "Print the version and exit")
}

func main() {
	flag.Parse()

	if config.ShowVersion {
		fmt.Println(version.String())
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "qtlab: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(config.LogLevel),
	}))
	slog.SetDefault(logger)

	// Event trace: file logger if requested, slog at debug always.
	events, traceFile := buildEventLogger(logger)
	if traceFile != nil {
		defer traceFile.Close()
	}

	notifier := notify.New(logger)
	settings := persistence.NewStore(config.SettingsDir)

	registry := instrument.NewRegistry(instrument.RegistryConfig{
		Events: events,
		Logger: logger,
	})
	defer registry.Close()

	logger.Info("session started",
		"session", registry.SessionID(),
		"profiles", config.ProfileDir,
		"settings", config.SettingsDir)

	shell, err := interactive.New(interactive.Config{
		Registry:   registry,
		Notifier:   notifier,
		Settings:   settings,
		Events:     events,
		ProfileDir: config.ProfileDir,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A signal ends the session the same way "quit" does.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	shell.Run(ctx, cancel)
	return nil
}

// buildEventLogger assembles the trace pipeline from the configuration.
// The returned file logger is non-nil when a trace file is active and
// must be closed by the caller.
func buildEventLogger(logger *slog.Logger) (log.Logger, *log.FileLogger) {
	adapter := log.NewSlogAdapter(logger)
	if config.TraceFile == "" {
		return adapter, nil
	}

	file, err := log.NewFileLogger(config.TraceFile)
	if err != nil {
		logger.Warn("trace log disabled", "path", config.TraceFile, "error", err)
		return adapter, nil
	}
	return log.NewMultiLogger(file, adapter), file
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
