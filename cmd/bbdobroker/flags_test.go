package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bbdobroker/testutil"
)

func TestParseFlagsDefaults(t *testing.T) {
	t.Setenv("BBDO_CONFIG", "")
	os.Unsetenv("BBDO_CONFIG")

	cfg, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "/etc/bbdobroker/config.yaml", cfg.ConfigPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.False(t, cfg.Validate)
}

func TestParseFlagsEnvFallback(t *testing.T) {
	t.Setenv("BBDO_CONFIG", "/tmp/broker.json")
	t.Setenv("BBDO_LOG_FORMAT", "text")
	t.Setenv("BBDO_SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("BBDO_METRICS_ADDR", "")

	cfg, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/broker.json", cfg.ConfigPath)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.MetricsAddr, "an empty address disables the metrics server")
}

func TestParseFlagsOverrideEnv(t *testing.T) {
	t.Setenv("BBDO_LOG_LEVEL", "warn")

	cfg, err := parseFlags([]string{"-c", "broker.yaml", "--debug", "--validate"})
	require.NoError(t, err)
	assert.Equal(t, "broker.yaml", cfg.ConfigPath)
	assert.Equal(t, "debug", cfg.LogLevel, "debug wins over the level")
	assert.True(t, cfg.Validate)
}

func TestParseFlagsUnknown(t *testing.T) {
	_, err := parseFlags([]string{"--nope"})
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("outputs: []\n"), 0o600))

	valid := CLIConfig{ConfigPath: path, LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}
	require.NoError(t, validateFlags(&valid))

	tests := []struct {
		name   string
		mutate func(*CLIConfig)
	}{
		{"missing config", func(c *CLIConfig) { c.ConfigPath = filepath.Join(t.TempDir(), "none.yaml") }},
		{"bad level", func(c *CLIConfig) { c.LogLevel = "trace" }},
		{"bad format", func(c *CLIConfig) { c.LogFormat = "xml" }},
		{"zero shutdown", func(c *CLIConfig) { c.ShutdownTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, validateFlags(&c))
		})
	}

	version := CLIConfig{ShowVersion: true}
	assert.NoError(t, validateFlags(&version), "version skips validation")
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "endpoint", "central")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"service":"bbdobroker"`)
	assert.Contains(t, out, `"endpoint":"central"`)
}

func TestRunValidateOnly(t *testing.T) {
	path := testutil.NewConfigBuilder("central").
		AddAcceptor("pollers", "127.0.0.1:0").
		AddOutput("store", "sink", map[string]any{"sink": "discard"}).
		WriteFile(t, "broker.yaml")
	assert.NoError(t, run([]string{"--config", path, "--validate", "--log-level", "error"}))

	bad := testutil.NewConfigBuilder("central").
		AddOutput("x", "carrier-pigeon", nil).
		WriteFile(t, "bad.yaml")
	assert.Error(t, run([]string{"--config", bad, "--validate", "--log-level", "error"}))
}
