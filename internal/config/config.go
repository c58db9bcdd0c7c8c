// Package config loads .panebus/config.yaml.
//
// Priority, lowest first: built-in defaults, the config file, environment
// variables (PANEBUS_*), then CLI flags applied by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/leonletto/panebus/internal/kernel"
	"github.com/leonletto/panebus/internal/ledger"
)

// FileName is the config file inside the state directory.
const FileName = "config.yaml"

// Defaults not owned by the kernel.
const (
	DefaultLedgerFile    = "ledger.db"
	DefaultRetention     = ledger.DefaultRetention
	DefaultPruneMaxRows  = 10000
	DefaultSessionWindow = 3
	DefaultLogLevel      = "info"
)

// Config is the full file layout.
type Config struct {
	Kernel    KernelConfig `yaml:"kernel"`
	Ledger    LedgerConfig `yaml:"ledger"`
	Contracts []string     `yaml:"contracts,omitempty"`
	Log       LogConfig    `yaml:"log"`
}

// KernelConfig mirrors kernel.Config plus runtime switches.
type KernelConfig struct {
	BufferCap              int                      `yaml:"buffer_cap"`
	BufferWindow           Duration                 `yaml:"buffer_window"`
	DeferTTL               Duration                 `yaml:"defer_ttl"`
	MaxDeferredPerContract int                      `yaml:"max_deferred_per_contract"`
	SafeModeThreshold      int                      `yaml:"safe_mode_threshold"`
	SafeModeWindow         Duration                 `yaml:"safe_mode_window"`
	SafeModeCooldown       Duration                 `yaml:"safe_mode_cooldown"`
	DevMode                bool                     `yaml:"dev_mode"`
	Telemetry              bool                     `yaml:"telemetry"`
	IngestRateLimit        kernel.IngestLimitConfig `yaml:"ingest_rate_limit"`
}

// LedgerConfig controls the evidence ledger.
type LedgerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is relative to the state directory unless absolute.
	Path          string   `yaml:"path"`
	Retention     Duration `yaml:"retention"`
	// MaxRows caps retained events, snapshots and archived decisions.
	MaxRows       int      `yaml:"max_rows"`
	SessionWindow int      `yaml:"session_window"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	k := kernel.DefaultConfig()
	return Config{
		Kernel: KernelConfig{
			BufferCap:              k.BufferCapacity,
			BufferWindow:           Duration(k.BufferWindow),
			DeferTTL:               Duration(k.DeferTTL),
			MaxDeferredPerContract: k.MaxDeferredPerContract,
			SafeModeThreshold:      k.SafeModeThreshold,
			SafeModeWindow:         Duration(k.SafeModeWindow),
			SafeModeCooldown:       Duration(k.SafeModeCooldown),
			Telemetry:              true,
			IngestRateLimit: kernel.IngestLimitConfig{
				PerSecond: kernel.DefaultIngestPerSecond,
				Burst:     kernel.DefaultIngestBurst,
			},
		},
		Ledger: LedgerConfig{
			Enabled:       true,
			Path:          DefaultLedgerFile,
			Retention:     Duration(DefaultRetention),
			MaxRows:       DefaultPruneMaxRows,
			SessionWindow: DefaultSessionWindow,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

// Path returns the config file location inside stateDir.
func Path(stateDir string) string {
	return filepath.Join(stateDir, FileName)
}

// Load reads the config file in stateDir, applies environment overrides
// and validates the result. A missing file yields the defaults.
func Load(stateDir string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(stateDir)) //nolint:gosec // G304 - path from internal state directory
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		cfg, err = Parse(data)
		if err != nil {
			return Config{}, err
		}
	}
	ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to stateDir, creating the directory if needed.
func Save(stateDir string, cfg Config) error {
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(Path(stateDir), data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyEnv applies PANEBUS_* environment overrides.
//
// Environment variables:
//   - PANEBUS_DEV_MODE: "true" to disable payload redaction
//   - PANEBUS_TELEMETRY: "false" to stop buffering events
//   - PANEBUS_LEDGER_DISABLED: "true" to run the ledger in degraded mode
//   - PANEBUS_LEDGER_PATH: ledger database file
//   - PANEBUS_LOG_LEVEL: debug, info, warn or error
//   - PANEBUS_CONTRACTS: comma-separated contract pack files
func ApplyEnv(cfg *Config) {
	if v, ok := envBool("PANEBUS_DEV_MODE"); ok {
		cfg.Kernel.DevMode = v
	}
	if v, ok := envBool("PANEBUS_TELEMETRY"); ok {
		cfg.Kernel.Telemetry = v
	}
	if v, ok := envBool("PANEBUS_LEDGER_DISABLED"); ok {
		cfg.Ledger.Enabled = !v
	}
	if v := os.Getenv("PANEBUS_LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
	}
	if v := os.Getenv("PANEBUS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PANEBUS_CONTRACTS"); v != "" {
		cfg.Contracts = nil
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.Contracts = append(cfg.Contracts, p)
			}
		}
	}
}

// Validate checks that every cap and window is usable.
func (c Config) Validate() error {
	errs := []error{c.KernelConfig().Validate()}
	if c.Ledger.Enabled && c.Ledger.Path == "" {
		errs = append(errs, errors.New("ledger.path must be set when the ledger is enabled"))
	}
	if c.Ledger.Retention < 0 {
		errs = append(errs, errors.New("ledger.retention must not be negative"))
	}
	if c.Ledger.MaxRows < 0 {
		errs = append(errs, errors.New("ledger.max_rows must not be negative"))
	}
	if c.Ledger.SessionWindow <= 0 {
		errs = append(errs, errors.New("ledger.session_window must be positive"))
	}
	if c.Kernel.IngestRateLimit.Enabled && c.Kernel.IngestRateLimit.PerSecond <= 0 {
		errs = append(errs, errors.New("kernel.ingest_rate_limit.per_second must be positive"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// KernelConfig converts the kernel section to kernel tunables.
func (c Config) KernelConfig() kernel.Config {
	return kernel.Config{
		BufferCapacity:         c.Kernel.BufferCap,
		BufferWindow:           c.Kernel.BufferWindow.Std(),
		DeferTTL:               c.Kernel.DeferTTL.Std(),
		MaxDeferredPerContract: c.Kernel.MaxDeferredPerContract,
		SafeModeThreshold:      c.Kernel.SafeModeThreshold,
		SafeModeWindow:         c.Kernel.SafeModeWindow.Std(),
		SafeModeCooldown:       c.Kernel.SafeModeCooldown.Std(),
	}
}

// LedgerPath resolves the ledger file against stateDir.
func (c Config) LedgerPath(stateDir string) string {
	if filepath.IsAbs(c.Ledger.Path) {
		return c.Ledger.Path
	}
	return filepath.Join(stateDir, c.Ledger.Path)
}

// ContractPaths resolves contract pack files against stateDir.
func (c Config) ContractPaths(stateDir string) []string {
	out := make([]string, 0, len(c.Contracts))
	for _, p := range c.Contracts {
		if !filepath.IsAbs(p) {
			p = filepath.Join(stateDir, p)
		}
		out = append(out, p)
	}
	return out
}

// envBool reads a boolean environment variable. ok is false when unset or
// unparseable.
func envBool(key string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}
