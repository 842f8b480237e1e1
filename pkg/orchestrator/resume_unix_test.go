//go:build !windows

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jjss83/mentor/pkg/runstore"
)

func seedRun(t *testing.T, env *testEnv, md *runstore.RunMetadata) {
	t.Helper()
	require.NoError(t, runstore.NewStore(env.results).WriteMetadata(md))
}

func TestScanner_RestartResumesOnlyUnfinishedRuns(t *testing.T) {
	dir := t.TempDir()
	learn := writeScript(t, dir, "learn", "exec sleep 30")
	env := newTestEnv(t, learn)

	base := func(id string) *runstore.RunMetadata {
		return &runstore.RunMetadata{
			ConfigPath:           env.config,
			RunID:                id,
			ResultsDirectory:     env.results,
			CondaEnvironmentName: "mlagents",
			BasePort:             intPtr(5105),
			SkipConda:            true,
			NoGraphics:           true,
		}
	}

	// Finished: terminal artifact.
	seedRun(t, env, base("done"))
	writeArtifact(t, env.results, "done", `{"status": "Success"}`)

	// Unfinished and resumable.
	seedRun(t, env, base("pending"))
	writeArtifact(t, env.results, "pending", `{"status": "running"}`)

	// No metadata.
	require.NoError(t, os.MkdirAll(filepath.Join(env.results, "orphan"), 0755))

	// Env executable gone.
	missingEnv := base("noenv")
	gone := filepath.Join(dir, "Gone.x86_64")
	missingEnv.EnvPath = &gone
	seedRun(t, env, missingEnv)

	report := NewScanner(env.registry, "", nil).Scan(context.Background())

	assert.Equal(t, []string{"pending"}, report.Resumed)
	assert.ElementsMatch(t, []string{"orphan", "noenv"}, report.Skipped)
	assert.Contains(t, report.Messages, "Resumed unfinished training 'pending' (previous status: running).")
	assert.Contains(t, report.Messages, "Skipped 'orphan' because run_metadata.json is missing or unreadable.")
	assert.Contains(t, report.Messages, "Skipped 'noenv' because envPath is missing or not a valid executable ("+gone+").")
	require.Error(t, report.Err())
	assert.Len(t, report.Failures.Errors, 2)

	_, ok := env.registry.Get("done")
	assert.False(t, ok)

	run, ok := env.registry.Get("pending")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, run.Status())

	// The resumed spec matches what was persisted; ports are re-allocated.
	spec := run.Spec()
	assert.Equal(t, env.config, spec.ConfigPath)
	assert.Equal(t, env.results, spec.ResultsDir)
	assert.Equal(t, 5105, spec.RequestedBasePort)
	assert.Equal(t, 5105, spec.BasePort)
	assert.True(t, spec.SkipConda)
	assert.True(t, spec.NoGraphics)

	// A second scan sees the run as active.
	again := NewScanner(env.registry, "", nil).Scan(context.Background())
	assert.Empty(t, again.Resumed)
	assert.Contains(t, again.Messages, "Training run 'pending' is already in progress.")
}

func TestScanner_ResumesWithExecutableEnvPath(t *testing.T) {
	dir := t.TempDir()
	learn := writeScript(t, dir, "learn", "exec sleep 30")
	unityEnv := writeScript(t, dir, "Reach.x86_64", "exit 0")
	env := newTestEnv(t, learn)

	seedRun(t, env, &runstore.RunMetadata{
		ConfigPath:           env.config,
		RunID:                "withenv",
		ResultsDirectory:     env.results,
		CondaEnvironmentName: "mlagents",
		EnvPath:              &unityEnv,
		SkipConda:            true,
	})

	report := NewScanner(env.registry, "", nil).Scan(context.Background())
	assert.Equal(t, []string{"withenv"}, report.Resumed)
	assert.Contains(t, report.Messages, "Resumed unfinished training 'withenv' (previous status: unknown).")
	assert.NoError(t, report.Err())
}

func TestScanner_PlanDoesNotStartAnything(t *testing.T) {
	dir := t.TempDir()
	learn := writeScript(t, dir, "learn", "exec sleep 30")
	env := newTestEnv(t, learn)

	seedRun(t, env, &runstore.RunMetadata{
		ConfigPath:           env.config,
		RunID:                "pending",
		ResultsDirectory:     env.results,
		CondaEnvironmentName: "mlagents",
		SkipConda:            true,
	})

	plan, err := NewScanner(env.registry, "", nil).Plan()
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "pending", plan[0].RunID)
	assert.Empty(t, plan[0].SkipReason)
	assert.Empty(t, env.registry.List())
}

func TestScanner_MissingResultsDirectory(t *testing.T) {
	env := newTestEnv(t, "/bin/true")

	report := NewScanner(env.registry, "", nil).Scan(context.Background())
	assert.Equal(t, []string{"Results directory '" + env.results + "' does not exist. Nothing to resume."}, report.Messages)
	assert.NoError(t, report.Err())
}

func TestReconciler_ArtifactPrecedenceOverMemory(t *testing.T) {
	dir := t.TempDir()
	learn := writeScript(t, dir, "learn", "exec sleep 30")
	env := newTestEnv(t, learn)
	c := NewReconciler(env.registry, nil)

	run, err := env.registry.TryStart(context.Background(), env.request("live"))
	require.NoError(t, err)

	p := c.StatusOf("live", "")
	assert.Equal(t, StatusRunning, p.Status)
	assert.Equal(t, SourceMemory, p.Source)
	assert.False(t, p.Completed)
	assert.Equal(t, CancelNone, p.Cancel)
	assert.Equal(t, run.Spec().BasePort, p.BasePort)

	// A non-terminal artifact does not override memory.
	writeArtifact(t, env.results, "live", `{"status": "running"}`)
	assert.Equal(t, SourceMemory, c.StatusOf("live", "").Source)

	// A terminal artifact does.
	writeArtifact(t, env.results, "live", `{"status": "Success"}`)
	p = c.StatusOf("live", "")
	assert.Equal(t, StatusSucceeded, p.Status)
	assert.True(t, p.Completed)
	assert.Equal(t, SourceArtifact, p.Source)
	assert.NotEmpty(t, p.LogTail)
}
