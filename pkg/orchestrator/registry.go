package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jjss83/mentor/pkg/runstore"
)

// DefaultCancelGrace is how long a canceled process tree gets to exit after
// SIGTERM before it is killed.
const DefaultCancelGrace = 10 * time.Second

// CompletionHook is called once for every run whose process exited, after the
// run reached its terminal status.
type CompletionHook func(ctx context.Context, run *TrainingRun)

// RegistryOptions wires a Registry. Zero fields get defaults.
type RegistryOptions struct {
	Defaults    Defaults
	Ports       *PortAllocator
	IDs         *IdentityGenerator
	Supervisor  *Supervisor
	Logger      *zap.Logger
	Metrics     *Metrics
	OnComplete  CompletionHook
	CancelGrace time.Duration
}

// Registry is the in-memory table of training runs for this process.
//
// A single mutex serializes identifier generation, the conflict check, port
// allocation and reservation. Metadata writes and process spawning happen
// outside the lock, against a reservation that already excludes competitors.
type Registry struct {
	defaults    Defaults
	ports       *PortAllocator
	ids         *IdentityGenerator
	supervisor  *Supervisor
	logger      *zap.Logger
	metrics     *Metrics
	onComplete  CompletionHook
	cancelGrace time.Duration
	now         func() time.Time

	mu     sync.Mutex
	runs   map[string]*TrainingRun
	closed bool

	// watchers counts reservations that may still spawn or watch a process.
	// Add happens under mu so it never races with Shutdown's Wait.
	watchers sync.WaitGroup
}

func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := opts.Defaults.withFallbacks()
	ports := opts.Ports
	if ports == nil {
		ports = NewPortAllocator(nil, defaults.BasePort)
	}
	ids := opts.IDs
	if ids == nil {
		ids = NewIdentityGenerator()
	}
	supervisor := opts.Supervisor
	if supervisor == nil {
		supervisor = NewSupervisor(ToolConfig{}, ports.Prober(), logger)
	}
	grace := opts.CancelGrace
	if grace <= 0 {
		grace = DefaultCancelGrace
	}
	return &Registry{
		defaults:    defaults,
		ports:       ports,
		ids:         ids,
		supervisor:  supervisor,
		logger:      logger,
		metrics:     opts.Metrics,
		onComplete:  opts.OnComplete,
		cancelGrace: grace,
		now:         time.Now,
		runs:        make(map[string]*TrainingRun),
	}
}

// Defaults returns the effective job defaults.
func (r *Registry) Defaults() Defaults {
	return r.defaults
}

// TryStart validates req, reserves an identifier and a port block, persists
// the metadata and spawns the training process. It returns once the process is
// running; the exit is observed in the background.
//
// Errors: *ValidationError, *ConflictError, *PortExhaustedError, *SpawnError,
// ErrShuttingDown and the ctx error. A run whose process could not be spawned
// stays in the registry as failed. A ctx that ends before the metadata is
// written leaves nothing behind; once the metadata is on disk the spawn is
// attempted regardless of ctx.
func (r *Registry) TryStart(ctx context.Context, req StartRequest) (*TrainingRun, error) {
	spec, err := req.Resolve(r.defaults)
	if err != nil {
		r.metrics.recordRejected(err)
		return nil, err
	}

	run, err := r.reserve(spec)
	if err != nil {
		r.metrics.recordRejected(err)
		r.logger.Warn("Training run rejected", zap.String("run_id", spec.RunID), zap.Error(err))
		return nil, err
	}
	spec = run.Spec()
	logger := r.logger.With(zap.String("run_id", spec.RunID))

	if err := ctx.Err(); err != nil {
		r.forget(run)
		r.watchers.Done()
		return nil, err
	}

	store := runstore.NewStore(spec.ResultsDir)
	if err := store.WriteMetadata(spec.Metadata()); err != nil {
		r.forget(run)
		r.watchers.Done()
		return nil, fmt.Errorf("persist run metadata: %w", err)
	}

	p, err := r.supervisor.Start(context.WithoutCancel(ctx), spec, run.LogPath())
	if err != nil {
		run.markSpawnFailed(err, r.now())
		r.watchers.Done()
		r.metrics.recordRejected(err)
		logger.Error("Failed to start training process", zap.Error(err))
		return nil, err
	}

	run.attach(p, r.now())
	r.metrics.recordStarted()
	logger.Info("Training run started",
		zap.Int("base_port", spec.BasePort),
		zap.String("results_dir", spec.ResultsDir))

	go r.watch(run, p)

	if r.Closed() {
		// Shutdown began while the process was being spawned.
		go func() { _, _ = p.Terminate(r.cancelGrace) }()
	}

	// A cancel that arrived while the run was queued had nothing to stop yet.
	// Terminate is idempotent, so a concurrent Cancel is harmless.
	if run.CancelState() == CancelRequested {
		go r.terminate(run, p)
	}
	return run, nil
}

func (r *Registry) reserve(spec JobSpec) (*TrainingRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrShuttingDown
	}
	if spec.RunID == "" {
		spec.RunID = r.ids.Next(spec.ConfigPath, spec.ResultsDir, r.idsLocked())
	}
	if existing, ok := r.runs[spec.RunID]; ok && existing.Active() {
		return nil, &ConflictError{RunID: spec.RunID}
	}

	alloc, err := r.ports.Allocate(spec.RequestedBasePort, r.reservedLocked())
	if err != nil {
		return nil, err
	}
	spec.BasePort = alloc.Base

	logPath := runstore.NewStore(spec.ResultsDir).LogPath(spec.RunID)
	run := newTrainingRun(spec, logPath, r.now())
	run.message = alloc.Message
	r.runs[spec.RunID] = run
	r.watchers.Add(1)
	return run, nil
}

func (r *Registry) forget(run *TrainingRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs[run.ID()] == run {
		delete(r.runs, run.ID())
	}
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) reservedLocked() []PortBlock {
	var blocks []PortBlock
	for _, run := range r.runs {
		if run.Active() {
			blocks = append(blocks, run.Block())
		}
	}
	return blocks
}

func (r *Registry) watch(run *TrainingRun, p *Process) {
	defer r.watchers.Done()
	<-p.Done()

	ended := r.now()
	run.markEnded(ended)
	status := run.Status()
	_, started, _ := run.Times()
	r.metrics.recordFinished(status, ended.Sub(started))

	code, waitErr, _ := p.Result()
	fields := []zap.Field{
		zap.String("run_id", run.ID()),
		zap.String("status", string(status)),
		zap.Int("exit_code", code),
	}
	if waitErr != nil {
		fields = append(fields, zap.Error(waitErr))
	}
	r.logger.Info("Training process exited", fields...)

	if r.onComplete != nil {
		r.onComplete(context.Background(), run)
	}
}

// Get returns the run with the given identifier.
func (r *Registry) Get(id string) (*TrainingRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	return run, ok
}

// List returns all runs known to this process, oldest first.
func (r *Registry) List() []*TrainingRun {
	r.mu.Lock()
	runs := make([]*TrainingRun, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	r.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool {
		ci, _, _ := runs[i].Times()
		cj, _, _ := runs[j].Times()
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return runs[i].ID() < runs[j].ID()
	})
	return runs
}

// Cancel marks the run canceled and terminates its process tree in the
// background. The canceled status is visible immediately. Canceling a run that
// already finished leaves it unchanged.
func (r *Registry) Cancel(ctx context.Context, id string) (*TrainingRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	run, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	p, ok := run.requestCancel()
	if !ok {
		return run, nil
	}
	r.logger.Info("Cancellation requested", zap.String("run_id", id))
	run.setMessage("Cancellation requested.")
	if p != nil {
		go r.terminate(run, p)
	}
	return run, nil
}

func (r *Registry) terminate(run *TrainingRun, p *Process) {
	outcome, err := p.Terminate(r.cancelGrace)

	var msg string
	switch outcome {
	case OutcomeAlreadyExited:
		msg = "Training was canceled; the process had already exited."
	case OutcomeTerminated:
		msg = "Training was canceled; the process tree exited after termination was requested."
	default:
		msg = fmt.Sprintf("Training was canceled; the process tree did not exit within %s and was killed.", r.cancelGrace)
	}
	run.setMessage(msg)

	fields := []zap.Field{
		zap.String("run_id", run.ID()),
		zap.String("outcome", string(outcome)),
		zap.Duration("grace", r.cancelGrace),
	}
	if err != nil {
		r.logger.Warn("Training process termination reported errors", append(fields, zap.Error(err))...)
		return
	}
	r.logger.Info("Training process termination finished", fields...)
}

// Closed reports whether Shutdown has been called.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Shutdown rejects further starts, terminates every live process tree without
// marking the runs canceled, so a later resume scan picks them up, and waits
// for their watchers.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	for _, run := range r.List() {
		if !run.Active() {
			continue
		}
		p := run.handle()
		if p == nil {
			continue
		}
		if _, err := p.Terminate(r.cancelGrace); err != nil {
			r.logger.Warn("Failed to stop training process on shutdown", zap.String("run_id", run.ID()), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		r.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
