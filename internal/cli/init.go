package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/leonletto/panebus/internal/config"
	"github.com/leonletto/panebus/internal/ledger"
	"github.com/leonletto/panebus/internal/paths"
)

// InitOptions contains options for initializing a panebus project.
type InitOptions struct {
	RepoPath string
	Force    bool
}

// InitResult reports what Init created.
type InitResult struct {
	StateDir    string `json:"stateDir"`
	ConfigPath  string `json:"configPath"`
	LedgerPath  string `json:"ledgerPath"`
	LedgerReady bool   `json:"ledgerReady"`
}

// stateGitignore keeps machine-local files out of version control. The
// config and contract packs stay tracked.
const stateGitignore = `ledger.db
ledger.db-*
context/
`

// Init creates the state directory with a default config, the context and
// contracts directories, and an initialized ledger.
func Init(ctx context.Context, opts InitOptions) (*InitResult, error) {
	stateDir := filepath.Join(opts.RepoPath, paths.StateDirName)

	if !opts.Force {
		if _, err := os.Stat(stateDir); err == nil {
			return nil, fmt.Errorf("%s/ already exists. Use --force to reinitialize", paths.StateDirName)
		}
	}

	for _, dir := range []string{stateDir, paths.ContextDir(stateDir), paths.ContractsDir(stateDir)} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	cfg := config.Default()
	if err := config.Save(stateDir, cfg); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(stateDir, ".gitignore"), []byte(stateGitignore), 0644); err != nil { //nolint:gosec // G306 - gitignore is not a secret
		return nil, fmt.Errorf("write .gitignore: %w", err)
	}

	res := &InitResult{
		StateDir:   stateDir,
		ConfigPath: config.Path(stateDir),
		LedgerPath: cfg.LedgerPath(stateDir),
	}
	store := ledger.NewStore(ledger.Options{Enabled: cfg.Ledger.Enabled, Path: res.LedgerPath})
	err := store.Init(ctx)
	switch {
	case err == nil:
		res.LedgerReady = true
		if err := store.Close(); err != nil {
			return nil, fmt.Errorf("close ledger: %w", err)
		}
	case errors.Is(err, ledger.ErrUnavailable):
	default:
		return nil, fmt.Errorf("initialize ledger: %w", err)
	}
	return res, nil
}
