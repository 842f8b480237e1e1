package archive

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jjss83/mentor/pkg/orchestrator"
)

// Result summarizes one archive pass over a run directory.
type Result struct {
	RunID    string
	Uploaded int
	Skipped  int
	Bytes    int64
	Duration time.Duration
}

// Archiver copies a run directory to object storage.
type Archiver struct {
	putter  ObjectPutter
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New validates cfg and returns an Archiver writing through putter.
func New(putter ObjectPutter, cfg Config, logger *zap.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Archiver{
		putter: putter,
		cfg:    cfg,
		logger: logger.Named("archive"),
	}
	if cfg.RateLimit > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return a, nil
}

// Match reports whether a slash-separated path relative to the run directory
// is selected by the include and exclude patterns.
func (a *Archiver) Match(rel string) bool {
	included := false
	for _, p := range a.cfg.includes() {
		if ok, _ := doublestar.Match(p, rel); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, p := range a.cfg.Exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	return true
}

// Archive uploads every selected file under runDir. Per-file failures are
// collected; the pass continues past them.
func (a *Archiver) Archive(ctx context.Context, runID, runDir string) (Result, error) {
	started := time.Now()
	res := Result{RunID: runID}

	info, err := os.Stat(runDir)
	if err != nil || !info.IsDir() {
		return res, fmt.Errorf("%w: %s", ErrRunDirectoryMissing, runDir)
	}

	var errs *multierror.Error
	walkErr := filepath.WalkDir(runDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = multierror.Append(errs, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			res.Skipped++
			return nil
		}
		rel, err := filepath.Rel(runDir, path)
		if err != nil {
			errs = multierror.Append(errs, err)
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !a.Match(rel) {
			res.Skipped++
			return nil
		}

		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		n, err := a.upload(ctx, a.cfg.objectKey(runID, rel), path)
		if err != nil {
			errs = multierror.Append(errs, err)
			return nil
		}
		res.Uploaded++
		res.Bytes += n
		return nil
	})
	if walkErr != nil {
		errs = multierror.Append(errs, walkErr)
	}
	res.Duration = time.Since(started)
	return res, errs.ErrorOrNil()
}

func (a *Archiver) upload(ctx context.Context, key, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if err := a.putter.PutObject(ctx, key, f, info.Size()); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Hook returns a registry completion hook that archives each finished run.
// Failures are logged and never change the run's status.
func (a *Archiver) Hook() orchestrator.CompletionHook {
	return func(ctx context.Context, run *orchestrator.TrainingRun) {
		runDir := filepath.Join(run.ResultsDir(), run.ID())
		logger := a.logger.With(zap.String("run_id", run.ID()), zap.String("status", string(run.Status())))

		res, err := a.Archive(ctx, run.ID(), runDir)
		if err != nil {
			logger.Warn("Run archive incomplete",
				zap.Int("uploaded", res.Uploaded),
				zap.Bool("retryable", IsRetryable(err)),
				zap.Error(err))
			return
		}
		logger.Info("Run archived",
			zap.String("bucket", a.cfg.Bucket),
			zap.Int("uploaded", res.Uploaded),
			zap.Int("skipped", res.Skipped),
			zap.Int64("bytes", res.Bytes),
			zap.Duration("duration", res.Duration))
	}
}
