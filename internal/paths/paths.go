// Package paths locates the .panebus state directory of a repository.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StateDirName is the per-repository state directory.
const StateDirName = ".panebus"

// redirectFile inside a state directory points at the shared one.
const redirectFile = "redirect"

// ErrNoStateDir is returned when no .panebus directory is found.
var ErrNoStateDir = errors.New("no " + StateDirName + "/ directory found")

// FindRoot walks up from startPath to the nearest directory containing
// .panebus/, the way git finds .git/.
func FindRoot(startPath string) (string, error) {
	absPath, err := filepath.Abs(startPath)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}

	for dir := absPath; ; {
		info, err := os.Stat(filepath.Join(dir, StateDirName))
		if err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w (searched from %s to /)", ErrNoStateDir, absPath)
		}
		dir = parent
	}
}

// ResolveStateDir returns the effective state directory for root.
//
// A .panebus/redirect file holding an absolute path lets a secondary
// worktree share the main worktree's ledger and contracts. Only one hop is
// followed.
func ResolveStateDir(root string) (string, error) {
	local := filepath.Join(root, StateDirName)
	redirectPath := filepath.Join(local, redirectFile)

	data, err := os.ReadFile(redirectPath) //nolint:gosec // G304 - path inside the state directory
	if err != nil {
		if os.IsNotExist(err) {
			return local, nil
		}
		return "", fmt.Errorf("read redirect file: %w", err)
	}

	target := strings.TrimSpace(string(data))
	switch {
	case target == "":
		return "", fmt.Errorf("redirect file is empty: %s", redirectPath)
	case !filepath.IsAbs(target):
		return "", fmt.Errorf("redirect target must be absolute path, got: %s", target)
	}

	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("redirect target does not exist: %s", target)
		}
		return "", fmt.Errorf("stat redirect target: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("redirect target is not a directory: %s", target)
	}
	if _, err := os.Stat(filepath.Join(target, redirectFile)); err == nil {
		return "", fmt.Errorf("redirect chain detected: %s points to %s which also redirects", redirectPath, target)
	}
	return target, nil
}

// Discover finds the root above startPath and resolves its state directory.
func Discover(startPath string) (root, stateDir string, err error) {
	root, err = FindRoot(startPath)
	if err != nil {
		return "", "", err
	}
	stateDir, err = ResolveStateDir(root)
	if err != nil {
		return "", "", err
	}
	return root, stateDir, nil
}

// IsRedirected reports whether root's state directory redirects elsewhere.
func IsRedirected(root string) bool {
	_, err := os.Stat(filepath.Join(root, StateDirName, redirectFile))
	return err == nil
}

// ContextDir holds per-pane context files.
func ContextDir(stateDir string) string {
	return filepath.Join(stateDir, "context")
}

// ContractsDir holds contract packs created by init.
func ContractsDir(stateDir string) string {
	return filepath.Join(stateDir, "contracts")
}
