package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Supervisor defaults.
const (
	DefaultLearnCommand       = "mlagents-learn"
	DefaultTensorboardCommand = "tensorboard"
	DefaultCondaExecutable    = "conda"

	// pumpChunkSize is the fixed read size for output pumping.
	pumpChunkSize = 4096

	defaultCompanionGrace = 5 * time.Second
	defaultOutputDrain    = time.Second
)

// TerminationOutcome describes how a process tree ended after Terminate.
type TerminationOutcome string

const (
	OutcomeAlreadyExited TerminationOutcome = "already-exited"
	OutcomeTerminated    TerminationOutcome = "terminated"
	OutcomeKilled        TerminationOutcome = "killed"
)

// ToolConfig names the external commands the supervisor runs.
type ToolConfig struct {
	// LearnCommand is the training tool. Default: mlagents-learn
	LearnCommand string

	// TensorboardCommand is the companion visualization tool. Default: tensorboard
	TensorboardCommand string

	// CondaExecutable is used for `conda run -n <env>` when CONDA_EXE does not
	// name an existing file. Default: conda
	CondaExecutable string

	// TempRoot is the parent of the per-run isolated temp directories.
	// Default: <os temp>/mentor
	TempRoot string

	// CompanionGrace is how long an owned companion gets to exit after the
	// training process finished. Default: 5s
	CompanionGrace time.Duration

	// OutputDrain is how long output is still read after a process exited.
	// Descendants that inherited the output pipes are cut off afterwards.
	// Default: 1s
	OutputDrain time.Duration
}

func (t ToolConfig) withDefaults() ToolConfig {
	if strings.TrimSpace(t.LearnCommand) == "" {
		t.LearnCommand = DefaultLearnCommand
	}
	if strings.TrimSpace(t.TensorboardCommand) == "" {
		t.TensorboardCommand = DefaultTensorboardCommand
	}
	if strings.TrimSpace(t.CondaExecutable) == "" {
		t.CondaExecutable = DefaultCondaExecutable
	}
	if strings.TrimSpace(t.TempRoot) == "" {
		t.TempRoot = filepath.Join(os.TempDir(), "mentor")
	}
	if t.CompanionGrace <= 0 {
		t.CompanionGrace = defaultCompanionGrace
	}
	if t.OutputDrain <= 0 {
		t.OutputDrain = defaultOutputDrain
	}
	return t
}

// Supervisor spawns training processes and their optional TensorBoard
// companions and pumps their output into the per-run log.
type Supervisor struct {
	tools  ToolConfig
	prober PortProber
	logger *zap.Logger
}

func NewSupervisor(tools ToolConfig, prober PortProber, logger *zap.Logger) *Supervisor {
	if prober == nil {
		prober = TCPProber{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		tools:  tools.withDefaults(),
		prober: prober,
		logger: logger,
	}
}

// Process is the live handle of one supervised training process.
//
// Exit state (exit code, wait error) is written as soon as the training
// process exits, before Exited is closed, and is immutable afterwards. Done
// follows once output has been drained and the companion stopped.
type Process struct {
	cmd    *exec.Cmd
	exited chan struct{}
	done   chan struct{}

	companion      *exec.Cmd
	companionDone  chan struct{}
	tensorboardURL string

	log    *jobLog
	logger *zap.Logger
	grace  time.Duration
	drain  time.Duration

	exitCode int
	err      error

	termOnce    sync.Once
	termOutcome TerminationOutcome
	termErr     error
}

// PID returns the training process id.
func (p *Process) PID() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and its output has been flushed.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitedCh is closed as soon as the training process has exited.
func (p *Process) ExitedCh() <-chan struct{} {
	return p.exited
}

// Exited reports whether the training process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Wait blocks until the process is done or ctx ends. A non-zero exit code is
// returned as data; the error is non-nil only for wait failures or ctx.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Result returns the exit state once the training process has exited.
func (p *Process) Result() (exitCode int, err error, done bool) {
	if !p.Exited() {
		return 0, nil, false
	}
	return p.exitCode, p.err, true
}

// TensorboardURL is set when a companion was started or an existing listener
// on the companion port was reused.
func (p *Process) TensorboardURL() string {
	return p.tensorboardURL
}

// OwnsCompanion reports whether this process started its own TensorBoard.
func (p *Process) OwnsCompanion() bool {
	return p.companion != nil
}

// Terminate stops the whole training process tree and, if owned, the
// companion tree. SIGTERM goes first; survivors are killed after grace.
// Only the first call signals; later calls wait for it and share its result.
func (p *Process) Terminate(grace time.Duration) (TerminationOutcome, error) {
	p.termOnce.Do(func() {
		p.termOutcome, p.termErr = p.terminate(grace)
	})
	return p.termOutcome, p.termErr
}

func (p *Process) terminate(grace time.Duration) (TerminationOutcome, error) {
	if p.Exited() {
		return OutcomeAlreadyExited, nil
	}
	p.log.Linef("Cancellation requested; terminating training process tree (pid %d).", p.PID())

	outcome, err := terminateTree(p.cmd, p.exited, grace)
	if p.companion != nil {
		if _, cerr := terminateTree(p.companion, p.companionDone, grace); cerr != nil {
			err = errors.Join(err, fmt.Errorf("companion: %w", cerr))
		}
	}
	return outcome, err
}

// TrainingCommand builds the full argv for a training run.
func (s *Supervisor) TrainingCommand(spec JobSpec) []string {
	args := s.wrap(spec, s.tools.LearnCommand)
	args = append(args, spec.ConfigPath, "--run-id="+spec.RunID)
	if spec.EnvPath != "" {
		args = append(args, "--env="+spec.EnvPath)
	}
	args = append(args, "--results-dir="+spec.ResultsDir, "--force")
	if spec.BasePort > 0 {
		args = append(args, "--base-port="+strconv.Itoa(spec.BasePort))
	}
	if spec.NoGraphics {
		args = append(args, "--no-graphics")
	}
	return args
}

// TensorboardCommand builds the companion argv.
func (s *Supervisor) TensorboardCommand(spec JobSpec) []string {
	args := s.wrap(spec, s.tools.TensorboardCommand)
	return append(args,
		"--logdir", spec.ResultsDir,
		"--host", "localhost",
		"--port", strconv.Itoa(spec.TensorboardPort),
	)
}

func (s *Supervisor) wrap(spec JobSpec, tool string) []string {
	if spec.SkipConda {
		return []string{tool}
	}
	return []string{s.condaExecutable(), "run", "-n", spec.CondaEnv, tool}
}

func (s *Supervisor) condaExecutable() string {
	if explicit := strings.TrimSpace(os.Getenv("CONDA_EXE")); explicit != "" {
		if st, err := os.Stat(explicit); err == nil && st.Mode().IsRegular() {
			return explicit
		}
	}
	return s.tools.CondaExecutable
}

// Start spawns the training process (and companion, if requested) and returns
// as soon as the training process is running. Only a failure to spawn the
// training process is returned as an error (*SpawnError).
func (s *Supervisor) Start(ctx context.Context, spec JobSpec, logPath string) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(spec.ResultsDir, 0755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	log, err := openJobLog(logPath)
	if err != nil {
		return nil, err
	}

	env, err := s.isolatedEnv()
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	logger := s.logger.With(zap.String("run_id", spec.RunID))
	p := &Process{
		exited: make(chan struct{}),
		done:   make(chan struct{}),
		log:    log,
		logger: logger,
		grace:  s.tools.CompanionGrace,
		drain:  s.tools.OutputDrain,
	}

	training := s.TrainingCommand(spec)
	log.Linef("Writing training artifacts to '%s'.", spec.ResultsDir)
	log.Linef("")
	log.Linef("Starting training session with command:")
	log.Linef("%s", formatCommand(training))
	log.Linef("")

	if spec.Tensorboard {
		s.startCompanion(spec, env, p)
	}

	cmd := exec.Command(training[0], training[1:]...)
	cmd.Env = env
	cmd.Stdin = nil
	configureProcessGroup(cmd)
	out, err := attachPipes(cmd)
	if err == nil {
		err = cmd.Start()
		out.closeWriters()
		if err != nil {
			out.closeReaders()
		}
	}
	if err != nil {
		log.Linef("Failed to start training process: %v", err)
		if p.companion != nil {
			_, _ = terminateTree(p.companion, p.companionDone, 0)
			<-p.companionDone
		}
		_ = log.Close()
		return nil, &SpawnError{Command: training[0], Err: err}
	}
	p.cmd = cmd

	logger.Info("Training process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("base_port", spec.BasePort),
		zap.String("log_path", logPath))

	pumps := out.pump(log)
	go p.supervise(pumps, out)
	return p, nil
}

// supervise waits for the process and publishes its exit, drains output for
// at most the drain window, stops an owned companion, and finally closes the
// log and signals Done.
func (p *Process) supervise(pumps <-chan error, out *outputPipes) {
	p.exitCode, p.err = exitCodeOf(p.cmd.Wait())
	close(p.exited)

	if err := awaitDrain(pumps, out, p.drain); err != nil {
		p.logger.Warn("Output pump failed", zap.Error(err))
	}
	if out.cutOff() {
		p.log.Linef("Output still open %s after the training process exited; detaching.", p.drain)
		p.logger.Warn("Training output held open by a detached descendant", zap.Duration("drain", p.drain))
	}

	if p.companion != nil {
		select {
		case <-p.companionDone:
		default:
			p.log.Linef("")
			p.log.Linef("Training session finished. Stopping TensorBoard...")
			if _, err := terminateTree(p.companion, p.companionDone, p.grace); err != nil {
				p.logger.Warn("Failed to stop TensorBoard", zap.Error(err))
			}
		}
		<-p.companionDone
	}

	if err := p.log.Close(); err != nil {
		p.logger.Warn("Failed to close run log", zap.Error(err))
	}
	close(p.done)
}

func (s *Supervisor) startCompanion(spec JobSpec, env []string, p *Process) {
	port := spec.TensorboardPort
	if port <= 0 {
		port = DefaultTensorboardPort
		spec.TensorboardPort = port
	}
	p.tensorboardURL = fmt.Sprintf("http://localhost:%d", port)

	// Any listener on the port is accepted as an existing TensorBoard.
	if s.prober.InUse(port) {
		p.log.Linef("TensorBoard already running on port %d; not launching another instance.", port)
		p.log.Linef("")
		p.logger.Info("Reusing existing TensorBoard listener", zap.Int("port", port))
		return
	}

	argv := s.TensorboardCommand(spec)
	p.log.Linef("Starting TensorBoard in parallel with command:")
	p.log.Linef("%s", formatCommand(argv))
	p.log.Linef("")

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	configureProcessGroup(cmd)
	out, err := attachPipes(cmd)
	if err == nil {
		err = cmd.Start()
		out.closeWriters()
		if err != nil {
			out.closeReaders()
		}
	}
	if err != nil {
		p.log.Linef("Failed to start TensorBoard: %v", err)
		p.logger.Warn("Failed to start TensorBoard", zap.Error(err))
		return
	}

	p.companion = cmd
	p.companionDone = make(chan struct{})
	pumps := out.pump(p.log)
	go func() {
		_ = cmd.Wait()
		close(p.companionDone)
		_ = awaitDrain(pumps, out, p.drain)
	}()
}

// isolatedEnv returns the inherited environment with TMP/TEMP/TMPDIR pointed at
// a fresh directory so concurrent runs never share scratch space.
func (s *Supervisor) isolatedEnv() ([]string, error) {
	dir := filepath.Join(s.tools.TempRoot, strings.ReplaceAll(uuid.New().String(), "-", ""))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create isolated temp dir: %w", err)
	}

	env := make([]string, 0, len(os.Environ())+3)
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		switch strings.ToUpper(key) {
		case "TMP", "TEMP", "TMPDIR":
			continue
		}
		env = append(env, kv)
	}
	return append(env, "TMP="+dir, "TEMP="+dir, "TMPDIR="+dir), nil
}

// outputPipes are OS pipes owned by the supervisor rather than by exec.Cmd,
// so Wait returns when the process exits even if a descendant still holds
// the write ends.
type outputPipes struct {
	readers []*os.File
	writers []*os.File

	mu     sync.Mutex
	forced bool
}

// attachPipes connects fresh pipes to cmd's stdout and stderr. The caller
// closes the write ends once Start returned.
func attachPipes(cmd *exec.Cmd) (*outputPipes, error) {
	out := &outputPipes{}
	for i := 0; i < 2; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			out.closeWriters()
			out.closeReaders()
			return nil, err
		}
		out.readers = append(out.readers, r)
		out.writers = append(out.writers, w)
	}
	cmd.Stdout = out.writers[0]
	cmd.Stderr = out.writers[1]
	return out, nil
}

// pump copies every read end into dst. The channel yields the first pump
// error, or nil, once all pumps returned.
func (o *outputPipes) pump(dst io.Writer) <-chan error {
	var g errgroup.Group
	for _, r := range o.readers {
		g.Go(func() error { return pump(dst, r) })
	}
	ch := make(chan error, 1)
	go func() { ch <- g.Wait() }()
	return ch
}

func (o *outputPipes) closeWriters() {
	for _, w := range o.writers {
		_ = w.Close()
	}
}

func (o *outputPipes) closeReaders() {
	for _, r := range o.readers {
		_ = r.Close()
	}
}

// forceClose closes the read ends while pumps may still be blocked on them.
func (o *outputPipes) forceClose() {
	o.mu.Lock()
	o.forced = true
	o.mu.Unlock()
	o.closeReaders()
}

// cutOff reports whether output was still open when the drain window ended.
func (o *outputPipes) cutOff() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.forced
}

// awaitDrain waits up to window for the pumps to hit EOF, then closes the
// read ends and waits for the pumps to return.
func awaitDrain(pumps <-chan error, out *outputPipes, window time.Duration) error {
	timer := time.NewTimer(window)
	defer timer.Stop()

	var err error
	select {
	case err = <-pumps:
	case <-timer.C:
		out.forceClose()
		err = <-pumps
	}
	out.closeReaders()
	return err
}

// pump forwards src to dst in fixed-size chunks as data arrives. If dst stops
// accepting writes, src is still drained so the child never blocks on a full pipe.
func pump(dst io.Writer, src io.Reader) error {
	buf := make([]byte, pumpChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				_, _ = io.Copy(io.Discard, src)
				return fmt.Errorf("write run log: %w", werr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func exitCodeOf(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// formatCommand renders argv for humans, single-quoting arguments that a POSIX
// shell would split or expand.
func formatCommand(argv []string) string {
	parts := make([]string, 0, len(argv))
	for _, a := range argv {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// jobLog is the append-only per-run log shared by all pumps of a run.
// Writes go straight to the file; nothing is buffered in memory.
type jobLog struct {
	mu     sync.Mutex
	f      *os.File
	closed bool
}

func openJobLog(path string) (*jobLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return &jobLog{f: f}, nil
}

func (l *jobLog) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, os.ErrClosed
	}
	return l.f.Write(b)
}

// Linef writes one formatted line. Errors are dropped: the log is best effort.
func (l *jobLog) Linef(format string, args ...any) {
	_, _ = l.Write([]byte(fmt.Sprintf(format, args...) + "\n"))
}

func (l *jobLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}
