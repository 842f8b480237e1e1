//go:build !windows

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// writeScript creates an executable /bin/sh script. Scripts are written before
// any process is started in a test to avoid ETXTBSY on fork.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

type testEnv struct {
	dir      string
	results  string
	config   string
	prober   *fakeProber
	registry *Registry
}

func newTestEnv(t *testing.T, learn string, mutate ...func(*RegistryOptions, *ToolConfig)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:     dir,
		results: filepath.Join(dir, "results"),
		config:  writeTrainerConfig(t, dir, "ReachTarget"),
		prober:  newFakeProber(),
	}

	tools := ToolConfig{
		LearnCommand:   learn,
		TempRoot:       filepath.Join(dir, "tmp"),
		CompanionGrace: time.Second,
	}
	opts := RegistryOptions{
		Defaults:    Defaults{ResultsDir: env.results},
		CancelGrace: 300 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts, &tools)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Ports = NewPortAllocator(env.prober, 0)
	opts.Supervisor = NewSupervisor(tools, env.prober, opts.Logger)
	env.registry = NewRegistry(opts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = env.registry.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) request(runID string) StartRequest {
	return StartRequest{ConfigPath: e.config, RunID: runID, SkipConda: true}
}

func waitRun(t *testing.T, run *TrainingRun) {
	t.Helper()
	done := run.Done()
	require.NotNil(t, done, "run %s has no process", run.ID())
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatalf("run %s did not finish", run.ID())
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

// killGroupOnCleanup kills the run's process group when the test ends, taking
// down descendants that outlived the training process.
func killGroupOnCleanup(t *testing.T, run *TrainingRun) {
	t.Helper()
	p := run.handle()
	if p == nil || p.PID() <= 0 {
		return
	}
	pid := p.PID()
	t.Cleanup(func() { _ = syscall.Kill(-pid, syscall.SIGKILL) })
}
