// Package cli holds the command implementations behind cmd/panebus: opening
// a project's state directory, wiring a kernel from config, and formatting
// results for humans.
package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/leonletto/panebus/internal/clock"
	"github.com/leonletto/panebus/internal/config"
	"github.com/leonletto/panebus/internal/contractpack"
	"github.com/leonletto/panebus/internal/kernel"
	"github.com/leonletto/panebus/internal/ledger"
	"github.com/leonletto/panebus/internal/paths"
)

// OpenOptions controls Open.
type OpenOptions struct {
	RepoPath string
	Verbose  bool
	// Logger overrides the logger built from config.
	Logger *zap.Logger
	Clock  clock.Clock
}

// Workspace is an opened project: its resolved state directory, config and
// ledger. The ledger may be unavailable; commands then report degraded
// results instead of failing.
type Workspace struct {
	Root     string
	StateDir string
	Config   config.Config
	Logger   *zap.Logger
	Store    *ledger.Store
	Memory   *ledger.Memory
}

// Open discovers the state directory above opts.RepoPath, loads its config
// and initializes the ledger.
func Open(ctx context.Context, opts OpenOptions) (*Workspace, error) {
	root, stateDir, err := paths.Discover(opts.RepoPath)
	if err != nil {
		if errors.Is(err, paths.ErrNoStateDir) {
			return nil, fmt.Errorf("%w; run 'panebus init' first", err)
		}
		return nil, err
	}
	cfg, err := config.Load(stateDir)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger, err = config.NewLogger(cfg.Log, opts.Verbose)
		if err != nil {
			return nil, err
		}
	}

	store := ledger.NewStore(ledger.Options{
		Enabled: cfg.Ledger.Enabled,
		Path:    cfg.LedgerPath(stateDir),
		Logger:  logger.Named("ledger"),
		Clock:   opts.Clock,
	})
	if err := store.Init(ctx); err != nil && !errors.Is(err, ledger.ErrUnavailable) {
		logger.Warn("ledger unavailable, continuing in degraded mode", zap.Error(err))
	}

	return &Workspace{
		Root:     root,
		StateDir: stateDir,
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Memory:   ledger.NewMemory(store),
	}, nil
}

// Close releases the ledger and flushes the logger.
func (w *Workspace) Close() error {
	err := w.Store.Close()
	_ = w.Logger.Sync()
	return err
}

// NewKernel builds a kernel from the workspace config and registers the
// configured contract packs followed by extraPacks.
func (w *Workspace) NewKernel(clk clock.Clock, extraPacks ...string) (*kernel.Kernel, error) {
	kc := w.Config.Kernel
	opts := []kernel.Option{
		kernel.WithConfig(w.Config.KernelConfig()),
		kernel.WithLogger(w.Logger.Named("kernel")),
		kernel.WithDevMode(kc.DevMode),
		kernel.WithTelemetry(kc.Telemetry),
	}
	if clk != nil {
		opts = append(opts, kernel.WithClock(clk))
	}
	if kc.IngestRateLimit.Enabled {
		opts = append(opts, kernel.WithIngestLimiter(kernel.NewIngestLimiter(kc.IngestRateLimit)))
	}
	k, err := kernel.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kernel: %w", err)
	}

	packs := append(w.Config.ContractPaths(w.StateDir), extraPacks...)
	for _, path := range packs {
		contracts, err := contractpack.LoadInto(k, path, w.Logger)
		if err != nil {
			return nil, err
		}
		w.Logger.Debug("contract pack loaded", zap.String("path", path), zap.Int("contracts", len(contracts)))
	}
	return k, nil
}
