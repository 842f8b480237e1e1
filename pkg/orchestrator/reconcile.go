package orchestrator

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/jjss83/mentor/pkg/runstore"
)

// DefaultLogTailLines is how many trailing log lines a status payload carries.
const DefaultLogTailLines = 50

// Source names where a status answer came from.
type Source string

const (
	SourceMemory     Source = "memory"
	SourceArtifact   Source = "artifact"
	SourceFilesystem Source = "filesystem"
	SourceNone       Source = "none"
)

// StatusPayload is a point-in-time answer to "what is the state of run X".
type StatusPayload struct {
	RunID              string      `json:"runId"`
	Status             Status      `json:"status"`
	Completed          bool        `json:"completed"`
	ExitCode           *int        `json:"exitCode"`
	ResultsDirectory   string      `json:"resultsDirectory"`
	TrainingStatusPath string      `json:"trainingStatusPath"`
	Message            string      `json:"message,omitempty"`
	TensorboardURL     string      `json:"tensorboardUrl,omitempty"`
	LogPath            string      `json:"logPath,omitempty"`
	BasePort           int         `json:"basePort,omitempty"`
	Cancel             CancelState `json:"cancel,omitempty"`
	Source             Source      `json:"source"`
	LogTail            []string    `json:"logTail,omitempty"`
}

// Reconciler merges in-memory run state with the artifacts the training tool
// leaves on disk. It never writes.
type Reconciler struct {
	registry  *Registry
	logger    *zap.Logger
	tailLines int
	tailBytes int64
}

func NewReconciler(registry *Registry, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		registry:  registry,
		logger:    logger,
		tailLines: DefaultLogTailLines,
		tailBytes: runstore.DefaultTailBytes,
	}
}

// WithTail overrides the number of log lines attached to payloads.
func (c *Reconciler) WithTail(lines int) *Reconciler {
	cp := *c
	cp.tailLines = lines
	return &cp
}

// StatusOf answers for runID. resultsDirOverride selects the results root
// when the run is not tracked in memory (or is tracked under another root).
//
// Precedence: a terminal or unparsable training_status.json wins over memory;
// memory wins over a non-terminal artifact; without memory the artifact, then
// the run directory, decide.
func (c *Reconciler) StatusOf(runID, resultsDirOverride string) StatusPayload {
	runID = strings.TrimSpace(runID)
	if err := ValidateRunID(runID); err != nil {
		return StatusPayload{
			RunID:   runID,
			Status:  StatusNotFound,
			Message: err.Error(),
			Source:  SourceNone,
		}
	}
	run, tracked := c.registry.Get(runID)

	resultsDir := c.resolveResultsDir(resultsDirOverride)
	if tracked {
		if resultsDirOverride == "" || resultsDir == run.ResultsDir() {
			resultsDir = run.ResultsDir()
		} else {
			tracked = false
		}
	}

	store := runstore.NewStore(resultsDir)
	payload := StatusPayload{
		RunID:              runID,
		ResultsDirectory:   resultsDir,
		TrainingStatusPath: store.StatusPath(runID),
		LogPath:            store.LogPath(runID),
		Source:             SourceNone,
	}

	artifact, err := store.ReadStatus(runID)
	if err != nil {
		c.logger.Warn("Failed to read training status artifact", zap.String("run_id", runID), zap.Error(err))
		artifact = nil
	}

	switch {
	case tracked:
		c.fromMemory(&payload, run)
		if artifact.Authoritative() {
			applyArtifact(&payload, artifact)
		}
	case artifact != nil:
		applyArtifact(&payload, artifact)
	case store.RunDirExists(runID):
		payload.Status = StatusUnknown
		payload.Source = SourceFilesystem
		payload.Message = "Run directory exists but training_status.json has not been written yet."
	default:
		payload.Status = StatusNotFound
		payload.Message = fmt.Sprintf("No run data found at '%s'.", store.RunDir(runID))
		payload.LogPath = ""
		return payload
	}

	payload.LogTail = c.tail(payload.LogPath)
	return payload
}

// Tail returns up to lines trailing lines of a run's log. An invalid runID
// yields a *ValidationError.
func (c *Reconciler) Tail(runID, resultsDirOverride string, lines int) (string, []string, error) {
	if err := ValidateRunID(runID); err != nil {
		return "", nil, err
	}
	path := ""
	if run, ok := c.registry.Get(runID); ok && resultsDirOverride == "" {
		path = run.LogPath()
	} else {
		path = runstore.NewStore(c.resolveResultsDir(resultsDirOverride)).LogPath(runID)
	}
	if lines <= 0 {
		lines = c.tailLines
	}
	out, err := runstore.TailFile(path, lines, c.tailBytes)
	return path, out, err
}

// Snapshot returns the payload of every run tracked in memory.
func (c *Reconciler) Snapshot() []StatusPayload {
	runs := c.registry.List()
	out := make([]StatusPayload, 0, len(runs))
	for _, run := range runs {
		p := c.WithTail(0).StatusOf(run.ID(), "")
		out = append(out, p)
	}
	return out
}

func (c *Reconciler) resolveResultsDir(override string) string {
	dir := strings.TrimSpace(override)
	if dir == "" {
		dir = c.registry.Defaults().ResultsDir
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

func (c *Reconciler) fromMemory(p *StatusPayload, run *TrainingRun) {
	p.Source = SourceMemory
	p.Status = run.Status()
	p.Completed = p.Status.Terminal()
	p.Message = run.Message()
	p.TensorboardURL = run.TensorboardURL()
	p.LogPath = run.LogPath()
	p.BasePort = run.Spec().BasePort
	p.Cancel = run.CancelState()
	if code, ok := run.ExitCode(); ok {
		p.ExitCode = &code
	}
}

func applyArtifact(p *StatusPayload, a *runstore.StatusArtifact) {
	p.Source = SourceArtifact
	switch a.Verdict {
	case runstore.VerdictSucceeded:
		p.Status = StatusSucceeded
		p.Completed = true
	case runstore.VerdictFailed:
		p.Status = StatusFailed
		p.Completed = true
	case runstore.VerdictUnclear:
		p.Status = StatusUnknown
		p.Completed = true
		p.Message = "training_status.json exists but carries no clear verdict."
	default:
		p.Status = StatusUnknown
		p.Completed = false
		p.Message = fmt.Sprintf("training_status.json reports status '%s'.", a.Raw)
	}
}

func (c *Reconciler) tail(path string) []string {
	if path == "" || c.tailLines <= 0 {
		return nil
	}
	lines, err := runstore.TailFile(path, c.tailLines, c.tailBytes)
	if err != nil {
		c.logger.Debug("Failed to tail run log", zap.String("path", path), zap.Error(err))
		return nil
	}
	return lines
}
