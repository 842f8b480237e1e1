package handlers

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jjss83/mentor/pkg/orchestrator"
)

// ResultsDirChecker fails when the results root exists but is not a
// directory. A missing root is created by the first run.
type ResultsDirChecker struct {
	Dir string
}

func (c ResultsDirChecker) CheckHealth(ctx context.Context) error {
	st, err := os.Stat(c.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("results directory: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("results directory %s is not a directory", c.Dir)
	}
	return nil
}

// RegistryChecker fails once the training registry stops accepting runs.
type RegistryChecker struct {
	Registry *orchestrator.Registry
}

func (c RegistryChecker) CheckHealth(ctx context.Context) error {
	if c.Registry == nil {
		return errors.New("training registry not initialized")
	}
	if c.Registry.Closed() {
		return orchestrator.ErrShuttingDown
	}
	return nil
}
