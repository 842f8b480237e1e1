//go:build !windows

package orchestrator

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec(t *testing.T, dir string) JobSpec {
	t.Helper()
	return JobSpec{
		RunID:      "rtg-260119-1",
		ConfigPath: writeTrainerConfig(t, dir, "ReachTarget"),
		ResultsDir: filepath.Join(dir, "results"),
		CondaEnv:   "mlagents",
		BasePort:   5005,
		SkipConda:  true,
	}
}

func startAndWait(t *testing.T, s *Supervisor, spec JobSpec) (*Process, int, string) {
	t.Helper()
	logPath := filepath.Join(spec.ResultsDir, spec.RunID, "run_logs", "mentor.log")
	p, err := s.Start(context.Background(), spec, logPath)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	code, err := p.Wait(ctx)
	require.NoError(t, err)
	return p, code, readFile(t, logPath)
}

func TestSupervisor_TrainingCommand(t *testing.T) {
	t.Setenv("CONDA_EXE", "")
	s := NewSupervisor(ToolConfig{}, newFakeProber(), nil)

	spec := JobSpec{
		RunID:      "rtg-260119-1",
		ConfigPath: "/cfg/reach.yaml",
		ResultsDir: "/data/results",
		CondaEnv:   "mlagents",
		BasePort:   5025,
	}
	assert.Equal(t, []string{
		"conda", "run", "-n", "mlagents", "mlagents-learn", "/cfg/reach.yaml",
		"--run-id=rtg-260119-1", "--results-dir=/data/results", "--force", "--base-port=5025",
	}, s.TrainingCommand(spec))

	spec.SkipConda = true
	spec.EnvPath = "/envs/Reach.x86_64"
	spec.NoGraphics = true
	assert.Equal(t, []string{
		"mlagents-learn", "/cfg/reach.yaml", "--run-id=rtg-260119-1", "--env=/envs/Reach.x86_64",
		"--results-dir=/data/results", "--force", "--base-port=5025", "--no-graphics",
	}, s.TrainingCommand(spec))

	spec.TensorboardPort = 6006
	assert.Equal(t, []string{
		"tensorboard", "--logdir", "/data/results", "--host", "localhost", "--port", "6006",
	}, s.TensorboardCommand(spec))
}

func TestSupervisor_CondaExeOverride(t *testing.T) {
	dir := t.TempDir()
	conda := writeScript(t, dir, "conda", "exit 0")
	t.Setenv("CONDA_EXE", conda)

	s := NewSupervisor(ToolConfig{}, newFakeProber(), nil)
	argv := s.TrainingCommand(JobSpec{CondaEnv: "ml", ConfigPath: "c.yaml", RunID: "r", ResultsDir: "/r"})
	assert.Equal(t, conda, argv[0])

	t.Setenv("CONDA_EXE", filepath.Join(dir, "missing"))
	argv = s.TrainingCommand(JobSpec{CondaEnv: "ml", ConfigPath: "c.yaml", RunID: "r", ResultsDir: "/r"})
	assert.Equal(t, "conda", argv[0])
}

func TestSupervisor_PumpsOutputAndReportsExitCode(t *testing.T) {
	dir := t.TempDir()
	learn := writeScript(t, dir, "learn", `echo "step 1000 reward 0.5"
echo "warning: slow" 1>&2
echo "TMPDIR=$TMPDIR"
exit 3`)

	s := NewSupervisor(ToolConfig{LearnCommand: learn, TempRoot: filepath.Join(dir, "tmp")}, newFakeProber(), nil)
	spec := testSpec(t, dir)
	_, code, log := startAndWait(t, s, spec)

	assert.Equal(t, 3, code)
	assert.Contains(t, log, "Writing training artifacts to '"+spec.ResultsDir+"'.")
	assert.Contains(t, log, "Starting training session with command:")
	assert.Contains(t, log, learn+" "+spec.ConfigPath+" --run-id=rtg-260119-1")
	assert.Contains(t, log, "step 1000 reward 0.5")
	assert.Contains(t, log, "warning: slow")
	assert.Contains(t, log, "TMPDIR="+filepath.Join(dir, "tmp")+string(os.PathSeparator))
}

func TestSupervisor_LargeOutputIsFullyFlushedBeforeDone(t *testing.T) {
	dir := t.TempDir()
	learn := writeScript(t, dir, "learn", `i=0
while [ $i -lt 2000 ]; do
  echo "line $i of training output padded to make chunks span writes"
  i=$((i+1))
done
echo "final line"`)

	s := NewSupervisor(ToolConfig{LearnCommand: learn, TempRoot: filepath.Join(dir, "tmp")}, newFakeProber(), nil)
	_, code, log := startAndWait(t, s, testSpec(t, dir))

	assert.Equal(t, 0, code)
	assert.Contains(t, log, "line 1999 of training output")
	assert.True(t, strings.HasSuffix(log, "final line\n"))
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	dir := t.TempDir()
	s := NewSupervisor(ToolConfig{LearnCommand: filepath.Join(dir, "no-such-tool"), TempRoot: filepath.Join(dir, "tmp")}, newFakeProber(), nil)
	spec := testSpec(t, dir)

	_, err := s.Start(context.Background(), spec, filepath.Join(spec.ResultsDir, spec.RunID, "run_logs", "mentor.log"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSpawn))

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, filepath.Join(dir, "no-such-tool"), spawnErr.Command)
}

func TestSupervisor_ReusesExistingTensorboardListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	dir := t.TempDir()
	learn := writeScript(t, dir, "learn", "exit 0")
	board := writeScript(t, dir, "tensorboard", "echo should-not-run")

	s := NewSupervisor(ToolConfig{LearnCommand: learn, TensorboardCommand: board, TempRoot: filepath.Join(dir, "tmp")}, TCPProber{}, nil)
	spec := testSpec(t, dir)
	spec.Tensorboard = true
	spec.TensorboardPort = port

	p, _, log := startAndWait(t, s, spec)
	assert.False(t, p.OwnsCompanion())
	assert.Equal(t, "http://localhost:"+strconv.Itoa(port), p.TensorboardURL())
	assert.Contains(t, log, "TensorBoard already running on port "+strconv.Itoa(port)+"; not launching another instance.")
	assert.NotContains(t, log, "should-not-run")
}

func TestSupervisor_StopsOwnedCompanionAfterTraining(t *testing.T) {
	dir := t.TempDir()
	learn := writeScript(t, dir, "learn", "sleep 1\nexit 0")
	board := writeScript(t, dir, "tensorboard", "echo board-up\nexec sleep 60")

	s := NewSupervisor(ToolConfig{
		LearnCommand:       learn,
		TensorboardCommand: board,
		TempRoot:           filepath.Join(dir, "tmp"),
		CompanionGrace:     2 * time.Second,
	}, newFakeProber(), nil)
	spec := testSpec(t, dir)
	spec.Tensorboard = true
	spec.TensorboardPort = 16006

	start := time.Now()
	p, code, log := startAndWait(t, s, spec)
	assert.Equal(t, 0, code)
	assert.True(t, p.OwnsCompanion())
	assert.Less(t, time.Since(start), 30*time.Second)
	assert.Contains(t, log, "Starting TensorBoard in parallel with command:")
	assert.Contains(t, log, "board-up")
	assert.Contains(t, log, "Training session finished. Stopping TensorBoard...")
}

func TestProcess_TerminateKillsTermIgnoringTree(t *testing.T) {
	dir := t.TempDir()
	learn := writeScript(t, dir, "learn", `trap '' TERM
echo ready
while true; do sleep 1; done`)

	s := NewSupervisor(ToolConfig{LearnCommand: learn, TempRoot: filepath.Join(dir, "tmp")}, newFakeProber(), nil)
	spec := testSpec(t, dir)
	logPath := filepath.Join(spec.ResultsDir, spec.RunID, "run_logs", "mentor.log")
	p, err := s.Start(context.Background(), spec, logPath)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(logPath)
		return strings.Contains(string(b), "ready")
	}, 10*time.Second, 20*time.Millisecond)

	outcome, err := p.Terminate(200 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeKilled, outcome)

	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process tree survived SIGKILL")
	}
	code, _, done := p.Result()
	assert.True(t, done)
	assert.NotEqual(t, 0, code)

	outcome, err = p.Terminate(time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyExited, outcome)
}

func TestFormatCommand(t *testing.T) {
	assert.Equal(t, "conda run -n ml mlagents-learn '/my configs/a.yaml' --run-id=x",
		formatCommand([]string{"conda", "run", "-n", "ml", "mlagents-learn", "/my configs/a.yaml", "--run-id=x"}))
	assert.Equal(t, `'it'\''s' ''`, formatCommand([]string{"it's", ""}))
}

func TestSupervisor_ExitObservedBeforeOutputCloses(t *testing.T) {
	dir := t.TempDir()
	learn := writeScript(t, dir, "learn", "echo started\nsleep 6 &\nexit 3")
	s := NewSupervisor(ToolConfig{
		LearnCommand: learn,
		TempRoot:     filepath.Join(dir, "tmp"),
		OutputDrain:  200 * time.Millisecond,
	}, newFakeProber(), nil)

	spec := testSpec(t, dir)
	logPath := filepath.Join(spec.ResultsDir, spec.RunID, "run_logs", "mentor.log")
	p, err := s.Start(context.Background(), spec, logPath)
	require.NoError(t, err)
	pid := p.PID()
	t.Cleanup(func() { _ = syscall.Kill(-pid, syscall.SIGKILL) })

	select {
	case <-p.ExitedCh():
	case <-time.After(2 * time.Second):
		t.Fatal("exit not observed while a descendant holds stdout")
	}
	code, waitErr, done := p.Result()
	require.True(t, done)
	assert.NoError(t, waitErr)
	assert.Equal(t, 3, code)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = p.Wait(ctx)
	require.NoError(t, err)

	log := readFile(t, logPath)
	assert.Contains(t, log, "started")
	assert.Contains(t, log, "detaching")
}

func TestProcess_TerminateSignalsOnce(t *testing.T) {
	dir := t.TempDir()
	learn := writeScript(t, dir, "learn", "exec sleep 30")
	s := NewSupervisor(ToolConfig{LearnCommand: learn, TempRoot: filepath.Join(dir, "tmp")}, newFakeProber(), nil)

	spec := testSpec(t, dir)
	logPath := filepath.Join(spec.ResultsDir, spec.RunID, "run_logs", "mentor.log")
	p, err := s.Start(context.Background(), spec, logPath)
	require.NoError(t, err)

	outcomes := make([]TerminationOutcome, 3)
	var wg sync.WaitGroup
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], _ = p.Terminate(5 * time.Second)
		}()
	}
	wg.Wait()

	assert.Equal(t, OutcomeTerminated, outcomes[0])
	assert.Equal(t, outcomes[0], outcomes[1])
	assert.Equal(t, outcomes[0], outcomes[2])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(readFile(t, logPath), "Cancellation requested"))
}
