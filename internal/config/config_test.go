package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/leonletto/panebus/internal/config"
	"github.com/leonletto/panebus/internal/kernel"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PANEBUS_DEV_MODE", "PANEBUS_TELEMETRY", "PANEBUS_LEDGER_DISABLED",
		"PANEBUS_LEDGER_PATH", "PANEBUS_LOG_LEVEL", "PANEBUS_CONTRACTS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
	assert.Equal(t, kernel.DefaultConfig(), cfg.KernelConfig())
	assert.True(t, cfg.Ledger.Enabled)
	assert.Equal(t, 3, cfg.Ledger.SessionWindow)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	yamlText := `
kernel:
  defer_ttl: 45s
  safe_mode_threshold: 5
  ingest_rate_limit:
    enabled: true
    per_second: 10
    burst: 20
ledger:
  path: /var/lib/panebus/ledger.db
  retention: 168h
contracts:
  - packs/focus.yaml
log:
  level: debug
`
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(yamlText), 0600))

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Kernel.DeferTTL.Std())
	assert.Equal(t, 5, cfg.Kernel.SafeModeThreshold)
	assert.Equal(t, 1000, cfg.Kernel.BufferCap)
	assert.True(t, cfg.Kernel.IngestRateLimit.Enabled)
	assert.Equal(t, 20, cfg.Kernel.IngestRateLimit.Burst)
	assert.Equal(t, 7*24*time.Hour, cfg.Ledger.Retention.Std())
	assert.Equal(t, "/var/lib/panebus/ledger.db", cfg.LedgerPath(dir))
	assert.Equal(t, []string{filepath.Join(dir, "packs/focus.yaml")}, cfg.ContractPaths(dir))
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("log:\n  level: warn\n"), 0600))

	t.Setenv("PANEBUS_DEV_MODE", "true")
	t.Setenv("PANEBUS_TELEMETRY", "0")
	t.Setenv("PANEBUS_LEDGER_DISABLED", "yes")
	t.Setenv("PANEBUS_LEDGER_PATH", "alt.db")
	t.Setenv("PANEBUS_LOG_LEVEL", "error")
	t.Setenv("PANEBUS_CONTRACTS", "a.yaml, ,b.yaml")

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.True(t, cfg.Kernel.DevMode)
	assert.False(t, cfg.Kernel.Telemetry)
	assert.False(t, cfg.Ledger.Enabled)
	assert.Equal(t, filepath.Join(dir, "alt.db"), cfg.LedgerPath(dir))
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.Contracts)
}

func TestLoad_UnparseableEnvIsIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("PANEBUS_LEDGER_DISABLED", "maybe")

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	assert.True(t, cfg.Ledger.Enabled)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "kernel:\n  buffer_size: 3\n", "buffer_size"},
		{"bad duration", "kernel:\n  defer_ttl: soon\n", "invalid duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	cfg.Kernel.BufferCap = 0
	cfg.Kernel.SafeModeCooldown = 0
	cfg.Ledger.SessionWindow = 0
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"buffer_capacity", "safe_mode_cooldown", "session_window", "log.level"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg = config.Default()
	cfg.Ledger.Enabled = false
	cfg.Ledger.Path = ""
	assert.NoError(t, cfg.Validate())
}

func TestSave_RoundTrips(t *testing.T) {
	clearEnv(t)
	dir := filepath.Join(t.TempDir(), ".panebus")

	cfg := config.Default()
	cfg.Kernel.DeferTTL = config.Duration(90 * time.Second)
	cfg.Contracts = []string{"packs/a.yaml"}
	require.NoError(t, config.Save(dir, cfg))

	data, err := os.ReadFile(config.Path(dir)) //nolint:gosec // G304 - test fixture path
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "defer_ttl: 1m30s"), string(data))

	loaded, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestNewLogger(t *testing.T) {
	logger, err := config.NewLogger(config.LogConfig{Level: "warn"}, false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = config.NewLogger(config.LogConfig{Level: "warn", Format: "console"}, true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = config.NewLogger(config.LogConfig{Level: "nope"}, false)
	assert.Error(t, err)
}
