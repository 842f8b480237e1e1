package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/jjss83/mentor/pkg/runstore"
)

// ResumeCandidate is one unfinished run found on disk.
type ResumeCandidate struct {
	RunID          string
	PreviousStatus string
	Metadata       *runstore.RunMetadata
	// SkipReason is set when the run cannot be restarted.
	SkipReason string
}

// ResumeReport summarizes a resume scan. The scan never fails as a whole;
// per-run problems are collected in Failures.
type ResumeReport struct {
	ResultsDir string
	Messages   []string
	Resumed    []string
	Skipped    []string
	Failures   *multierror.Error
}

// Err returns the aggregated per-run failures, or nil.
func (r ResumeReport) Err() error {
	return r.Failures.ErrorOrNil()
}

// Scanner restarts runs left unfinished by a previous orchestrator process.
type Scanner struct {
	registry   *Registry
	resultsDir string
	logger     *zap.Logger
	metrics    *Metrics
}

// NewScanner scans resultsDir, or the registry's default results root when
// resultsDir is empty.
func NewScanner(registry *Registry, resultsDir string, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(resultsDir) == "" {
		resultsDir = registry.Defaults().ResultsDir
	}
	if abs, err := filepath.Abs(resultsDir); err == nil {
		resultsDir = abs
	}
	return &Scanner{
		registry:   registry,
		resultsDir: resultsDir,
		logger:     logger,
		metrics:    registry.metrics,
	}
}

func (s *Scanner) ResultsDir() string {
	return s.resultsDir
}

// Plan lists the unfinished runs under the results root without starting
// anything. Runs whose artifact declares a terminal status are omitted.
func (s *Scanner) Plan() ([]ResumeCandidate, error) {
	store := runstore.NewStore(s.resultsDir)
	ids, err := store.RunIDs()
	if err != nil {
		return nil, err
	}

	var out []ResumeCandidate
	for _, id := range ids {
		artifact, err := store.ReadStatus(id)
		if err != nil {
			s.logger.Warn("Failed to read training status artifact", zap.String("run_id", id), zap.Error(err))
		}
		if artifact.Terminal() {
			continue
		}

		c := ResumeCandidate{RunID: id, PreviousStatus: previousStatus(artifact)}

		md, err := store.ReadMetadata(id)
		if err != nil {
			s.logger.Debug("Run metadata unusable", zap.String("run_id", id), zap.Error(err))
			c.SkipReason = fmt.Sprintf("Skipped '%s' because run_metadata.json is missing or unreadable.", id)
			out = append(out, c)
			continue
		}
		c.Metadata = md
		if md.RunID != "" {
			c.RunID = md.RunID
		}

		if env := md.EnvPathValue(); env != "" && !isExecutableFile(env) {
			c.SkipReason = fmt.Sprintf("Skipped '%s' because envPath is missing or not a valid executable (%s).", c.RunID, env)
		}
		out = append(out, c)
	}
	return out, nil
}

// Scan restarts every resumable run through the registry, with fresh port
// allocation and a fresh process.
func (s *Scanner) Scan(ctx context.Context) ResumeReport {
	report := ResumeReport{ResultsDir: s.resultsDir}
	note := func(msg string) {
		report.Messages = append(report.Messages, msg)
		s.logger.Info(msg, zap.String("component", "resume"))
	}

	if st, err := os.Stat(s.resultsDir); err != nil || !st.IsDir() {
		note(fmt.Sprintf("Results directory '%s' does not exist. Nothing to resume.", s.resultsDir))
		return report
	}

	candidates, err := s.Plan()
	if err != nil {
		report.Failures = multierror.Append(report.Failures, err)
		note(fmt.Sprintf("Failed to scan results directory '%s': %v", s.resultsDir, err))
		return report
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			report.Failures = multierror.Append(report.Failures, err)
			note("Resume scan interrupted.")
			break
		}

		if c.SkipReason != "" {
			report.Skipped = append(report.Skipped, c.RunID)
			report.Failures = multierror.Append(report.Failures, errors.New(c.SkipReason))
			s.metrics.recordResume(false)
			note(c.SkipReason)
			continue
		}

		_, err := s.registry.TryStart(ctx, RequestFromMetadata(c.Metadata))
		var conflict *ConflictError
		switch {
		case err == nil:
			report.Resumed = append(report.Resumed, c.RunID)
			s.metrics.recordResume(true)
			note(fmt.Sprintf("Resumed unfinished training '%s' (previous status: %s).", c.RunID, c.PreviousStatus))
		case errors.As(err, &conflict):
			report.Skipped = append(report.Skipped, c.RunID)
			s.metrics.recordResume(false)
			note(fmt.Sprintf("Training run '%s' is already in progress.", c.RunID))
		default:
			report.Skipped = append(report.Skipped, c.RunID)
			report.Failures = multierror.Append(report.Failures, fmt.Errorf("resume %s: %w", c.RunID, err))
			s.metrics.recordResume(false)
			note(fmt.Sprintf("Failed to resume '%s': %v", c.RunID, err))
		}
	}

	if len(report.Messages) == 0 {
		note("No unfinished training runs found.")
	}
	return report
}

func previousStatus(a *runstore.StatusArtifact) string {
	if a == nil || strings.TrimSpace(a.Raw) == "" {
		return "unknown"
	}
	return strings.ToLower(strings.TrimSpace(a.Raw))
}
