package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	MetricsAddr     string
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool

	flags *flag.FlagSet
}

func parseFlags(args []string) (*CLIConfig, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cfg := &CLIConfig{flags: fs}

	configPath := getEnv("BBDO_CONFIG", "/etc/bbdobroker/config.yaml")
	fs.StringVar(&cfg.ConfigPath, "config", configPath,
		"Path to configuration file, .yaml or .json (env: BBDO_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", configPath,
		"Path to configuration file, .yaml or .json (env: BBDO_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("BBDO_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: BBDO_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("BBDO_LOG_FORMAT", "json"),
		"Log format: json, text (env: BBDO_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("BBDO_DEBUG", false),
		"Enable debug logging (env: BBDO_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("BBDO_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: BBDO_SHUTDOWN_TIMEOUT)")

	fs.StringVar(&cfg.MetricsAddr, "metrics-addr",
		getEnv("BBDO_METRICS_ADDR", ":9090"),
		"Address serving /metrics and /health, empty to disable (env: BBDO_METRICS_ADDR)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs.Output(), fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - BBDO monitoring event broker

Usage: %s [options]

Options:
`, appName, appName)
	fs.SetOutput(w)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Run with a config file
  %[1]s --config=/etc/bbdobroker/config.yaml

  # Run with debug logging
  %[1]s --log-level=debug --log-format=text

  # Override broker identity from the environment
  export BBDO_BROKER_NAME=central
  export BBDO_BROKER_INSTANCE_ID=1
  %[1]s

  # Validate configuration only
  %[1]s --validate

Version: %[2]s
Build: %[3]s
`, appName, Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
