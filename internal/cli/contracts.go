package cli

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/leonletto/panebus/internal/contractpack"
	"github.com/leonletto/panebus/internal/kernel"
)

// CheckContracts loads and compiles the pack at path, then registers it on a
// scratch kernel so every rule the kernel enforces at registration is
// checked too.
func CheckContracts(path string, logger *zap.Logger) ([]kernel.Contract, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	k, err := kernel.New(kernel.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create kernel: %w", err)
	}
	return contractpack.LoadInto(k, path, logger)
}
