package orchestrator

import (
	"sync"
	"time"
)

// Status is the reported state of a training run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusUnknown   Status = "unknown"
	StatusNotFound  Status = "not-found"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// CancelState tracks a cancellation from request to confirmed process exit.
type CancelState string

const (
	CancelNone      CancelState = "none"
	CancelRequested CancelState = "requested"
	CancelConfirmed CancelState = "confirmed"
)

// TrainingRun is one supervised job. The registry owns it; all other holders
// read it through its accessors.
type TrainingRun struct {
	id   string
	spec JobSpec

	logPath string

	mu             sync.Mutex
	process        *Process
	spawnErr       error
	cancelled      bool
	message        string
	tensorboardURL string
	createdAt      time.Time
	startedAt      time.Time
	endedAt        time.Time
}

func newTrainingRun(spec JobSpec, logPath string, now time.Time) *TrainingRun {
	return &TrainingRun{
		id:        spec.RunID,
		spec:      spec,
		logPath:   logPath,
		createdAt: now,
	}
}

func (r *TrainingRun) ID() string {
	return r.id
}

// Spec returns the resolved job specification, including the allocated base port.
func (r *TrainingRun) Spec() JobSpec {
	return r.spec
}

// Block returns the port block held by the run.
func (r *TrainingRun) Block() PortBlock {
	return PortBlock{Owner: r.id, Base: r.spec.BasePort, Size: PortBlockSize}
}

func (r *TrainingRun) LogPath() string {
	return r.logPath
}

func (r *TrainingRun) ResultsDir() string {
	return r.spec.ResultsDir
}

// Status derives the current status from the process handle and cancel flag.
// A requested cancel is reported as canceled immediately.
func (r *TrainingRun) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *TrainingRun) statusLocked() Status {
	if r.spawnErr != nil {
		return StatusFailed
	}
	if r.cancelled {
		return StatusCanceled
	}
	if r.process == nil {
		return StatusQueued
	}
	code, err, done := r.process.Result()
	if !done {
		return StatusRunning
	}
	if code == 0 && err == nil {
		return StatusSucceeded
	}
	return StatusFailed
}

// Active reports whether the run still holds its identifier and port block:
// it is queued, or its process has not exited yet.
func (r *TrainingRun) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spawnErr != nil {
		return false
	}
	if r.process == nil {
		return true
	}
	return !r.process.Exited()
}

// ExitCode returns the process exit code once it is known.
func (r *TrainingRun) ExitCode() (int, bool) {
	r.mu.Lock()
	p := r.process
	r.mu.Unlock()
	if p == nil {
		return 0, false
	}
	code, _, done := p.Result()
	return code, done
}

// CancelState reports none, requested (process still alive) or confirmed.
func (r *TrainingRun) CancelState() CancelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cancelled {
		return CancelNone
	}
	if r.process == nil || r.process.Exited() {
		return CancelConfirmed
	}
	return CancelRequested
}

func (r *TrainingRun) Message() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.message
}

func (r *TrainingRun) TensorboardURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tensorboardURL
}

// Done is closed when the process is done. It is nil while queued and for runs
// that failed to spawn.
func (r *TrainingRun) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.process == nil {
		return nil
	}
	return r.process.Done()
}

// Times returns creation, start and end timestamps (zero when not reached).
func (r *TrainingRun) Times() (created, started, ended time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createdAt, r.startedAt, r.endedAt
}

func (r *TrainingRun) handle() *Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.process
}

func (r *TrainingRun) setMessage(msg string) {
	r.mu.Lock()
	r.message = msg
	r.mu.Unlock()
}

func (r *TrainingRun) attach(p *Process, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.process = p
	r.startedAt = now
	r.tensorboardURL = p.TensorboardURL()
}

func (r *TrainingRun) markSpawnFailed(err error, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawnErr = err
	r.endedAt = now
	r.message = err.Error()
}

func (r *TrainingRun) markEnded(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endedAt = now
}

// requestCancel flips the cancel flag and returns the process to terminate,
// or nil if there is nothing (more) to stop. ok is false if the run already
// finished on its own.
func (r *TrainingRun) requestCancel() (p *Process, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return nil, true
	}
	if r.statusLocked().Terminal() {
		return nil, false
	}
	r.cancelled = true
	return r.process, true
}
