package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jjss83/mentor/internal/config"
	"github.com/jjss83/mentor/internal/observability"
	"github.com/jjss83/mentor/internal/server"
	"github.com/jjss83/mentor/internal/server/handlers"
	"github.com/jjss83/mentor/pkg/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the training HTTP API",
	Long: `Run the HTTP API that starts, cancels and reports on training runs.

Unless --no-resume is given, runs left unfinished under the results directory
are restarted before the server accepts requests.

Examples:
  mentor serve
  mentor serve --host 0.0.0.0 --port 8080
  MENTOR_RESULTS_DIR=/data/results mentor serve --no-resume`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (default from config)")
	serveCmd.Flags().Int("port", 0, "Listen port (default from config)")
	serveCmd.Flags().Bool("no-resume", false, "Do not resume unfinished runs on startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	overrides := map[string]any{}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		overrides["server.host"] = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		overrides["server.port"] = port
	}
	if noResume, _ := cmd.Flags().GetBool("no-resume"); noResume {
		overrides["training.resume_on_start"] = false
	}

	cfg, err := loadConfig(cmd, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}

	identity := GetAppIdentity()
	if err := observability.InitServerLogger(identity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize logger", err)
	}
	defer observability.Sync()
	logger := observability.ServerLogger

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		observability.InitTelemetry()
		metricsHandler = observability.PrometheusExporter
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rt *orchestration
	if cfg.Metrics.Enabled {
		rt, err = newOrchestration(ctx, cfg, logger, observability.TelemetrySystem)
	} else {
		rt, err = newOrchestration(ctx, cfg, logger, nil)
	}
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize orchestrator", err)
	}

	handlers.SetVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	if cfg.Health.Enabled {
		registerHealthCheckers(handlers.InitHealthManager(versionInfo.Version), cfg, identity, rt.registry)
	}

	if cfg.Training.ResumeOnStart {
		report := orchestrator.NewScanner(rt.registry, cfg.Training.ResultsDir, logger).Scan(ctx)
		if err := report.Err(); err != nil {
			logger.Warn("Some runs could not be resumed", zap.Error(err))
		}
		logger.Info("Resume scan finished",
			zap.String("results_dir", report.ResultsDir),
			zap.Strings("resumed", report.Resumed),
			zap.Strings("skipped", report.Skipped))
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithTraining(handlers.NewTraining(rt.registry, rt.reconciler, logger)),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	}
	if cfg.Debug.PprofEnabled {
		opts = append(opts, server.WithProfiler())
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)

	var metricsSrv *http.Server
	if metricsHandler != nil {
		metricsSrv = server.NewMetricsServer(cfg.Server.Host, cfg.Metrics.Port, metricsHandler)
		g.Go(func() error {
			logger.Info("Metrics server listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var result *multierror.Error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("http server: %w", err))
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				result = multierror.Append(result, fmt.Errorf("metrics server: %w", err))
			}
		}
		if err := rt.registry.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("registry: %w", err))
		}
		return result.ErrorOrNil()
	})

	if err := g.Wait(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server stopped with errors", err)
	}
	logger.Info("Server stopped")
	return nil
}

// registerHealthCheckers installs the checkers behind /health and /ready.
func registerHealthCheckers(hm *handlers.HealthManager, cfg *config.Config, identity *config.Identity, registry *orchestrator.Registry) {
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: identity.BinaryName,
		envPrefix:  identity.EnvPrefix,
		configName: identity.ConfigName,
	})
	hm.RegisterChecker("results_dir", handlers.ResultsDirChecker{Dir: cfg.Training.ResultsDir})
	hm.RegisterChecker("training", handlers.RegistryChecker{Registry: registry})
	if cfg.Metrics.Enabled {
		hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
}

type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}
