package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jjss83/mentor/internal/config"
	"github.com/jjss83/mentor/pkg/archive"
	"github.com/jjss83/mentor/pkg/orchestrator"
)

// orchestration is the orchestrator object graph shared by serve, train and resume.
type orchestration struct {
	registry   *orchestrator.Registry
	reconciler *orchestrator.Reconciler
}

// newOrchestration builds a registry from cfg. reg may be nil when metrics are not
// exported.
func newOrchestration(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*orchestration, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tc := cfg.Training

	ports := orchestrator.NewPortAllocator(orchestrator.TCPProber{}, tc.DefaultBasePort)
	supervisor := orchestrator.NewSupervisor(orchestrator.ToolConfig{
		LearnCommand:       tc.LearnCommand,
		TensorboardCommand: tc.TensorboardCommand,
		CondaExecutable:    tc.CondaExecutable,
		TempRoot:           tc.TempRoot,
	}, ports.Prober(), logger)

	opts := orchestrator.RegistryOptions{
		Defaults: orchestrator.Defaults{
			ResultsDir:      tc.ResultsDir,
			ConfigPath:      tc.DefaultConfig,
			CondaEnv:        tc.CondaEnv,
			BasePort:        tc.DefaultBasePort,
			TensorboardPort: tc.TensorboardPort,
		},
		Ports:       ports,
		Supervisor:  supervisor,
		Logger:      logger,
		CancelGrace: tc.CancelGrace,
	}
	if reg != nil {
		opts.Metrics = orchestrator.NewMetrics(reg)
	}

	rt := &orchestration{}
	if cfg.Archive.Enabled {
		a, err := newArchiver(ctx, cfg.Archive, logger)
		if err != nil {
			return nil, err
		}
		opts.OnComplete = a.Hook()
	}

	rt.registry = orchestrator.NewRegistry(opts)
	rt.reconciler = orchestrator.NewReconciler(rt.registry, logger).WithTail(tc.LogTailLines)
	return rt, nil
}

func newArchiver(ctx context.Context, ac config.ArchiveConfig, logger *zap.Logger) (*archive.Archiver, error) {
	acfg := archiveConfig(ac)
	putter, err := archive.NewS3Putter(ctx, acfg)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return archive.New(putter, acfg, logger)
}

func archiveConfig(ac config.ArchiveConfig) archive.Config {
	return archive.Config{
		Bucket:          ac.Bucket,
		Prefix:          ac.Prefix,
		Region:          ac.Region,
		Endpoint:        ac.Endpoint,
		Profile:         ac.Profile,
		ForcePathStyle:  ac.ForcePathStyle,
		AccessKeyID:     ac.AccessKeyID,
		SecretAccessKey: ac.SecretAccessKey,
		Include:         ac.Include,
		Exclude:         ac.Exclude,
		RateLimit:       ac.RateLimit,
	}
}
