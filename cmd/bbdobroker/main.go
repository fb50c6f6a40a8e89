// Package main runs the BBDO broker: it loads a configuration, assembles the
// endpoints and serves metrics and health until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/bbdobroker/broker"
	"github.com/c360/bbdobroker/config"
	"github.com/c360/bbdobroker/health"
	"github.com/c360/bbdobroker/metric"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "bbdobroker"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, logger, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid",
			"inputs", len(cfg.Inputs),
			"outputs", len(cfg.Outputs))
		return nil
	}

	metricsRegistry := metric.NewMetricsRegistry()
	b, err := broker.New(broker.Options{
		Config:          cfg,
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}

	return runWithSignalHandling(context.Background(), b, metricsRegistry, cliCfg, logger)
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return nil, nil, false, fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp(os.Stdout, cliCfg.flags)
		return nil, nil, true, nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Starting bbdobroker",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// runWithSignalHandling starts the broker and the metrics server, then waits
// for SIGINT or SIGTERM.
func runWithSignalHandling(
	ctx context.Context,
	b *broker.Broker,
	metricsRegistry *metric.MetricsRegistry,
	cliCfg *CLIConfig,
	logger *slog.Logger,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := b.Start(signalCtx); err != nil {
		_ = b.Stop(cliCfg.ShutdownTimeout)
		return fmt.Errorf("start broker: %w", err)
	}

	var server *metric.Server
	if cliCfg.MetricsAddr != "" {
		server = metric.NewServer(cliCfg.MetricsAddr, "/metrics", metricsRegistry,
			health.Handler(b.Health(), b.Name()))
		if err := server.Start(); err != nil {
			_ = b.Stop(cliCfg.ShutdownTimeout)
			return fmt.Errorf("start metrics server: %w", err)
		}
		logger.Info("Metrics server listening", "address", server.Address())
	}

	logger.Info("bbdobroker started", "broker", b.Name())

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	return shutdown(b, server, cliCfg.ShutdownTimeout, logger)
}

// shutdown stops the broker first so the health endpoint stays up while
// streams drain.
func shutdown(b *broker.Broker, server *metric.Server, timeout time.Duration, logger *slog.Logger) error {
	start := time.Now()
	err := b.Stop(timeout)
	if err != nil {
		logger.Error("Error stopping broker", "error", err)
	}

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := server.Stop(ctx); serr != nil {
			logger.Warn("Error stopping metrics server", "error", serr)
		}
	}

	if err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("bbdobroker shutdown complete", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// loadConfig loads and validates configuration from path, applying BBDO_*
// environment overrides.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
