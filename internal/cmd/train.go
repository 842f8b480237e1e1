package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/jjss83/mentor/internal/observability"
	"github.com/jjss83/mentor/pkg/orchestrator"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run one training job in the foreground",
	Long: `Start a training run and wait for it to finish.

The run gets its own port block and an isolated temp directory. Interrupting
the command cancels the run and stops its whole process tree.

Examples:
  mentor train --config config/ppo/ReachTarget.yaml
  mentor train --config reach.yaml --run-id rtg-260119-1 --no-graphics --follow
  mentor train --config reach.yaml --skip-conda --tensorboard --json`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)
	addTrainFlags(trainCmd.Flags())
}

func addTrainFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Trainer configuration file (default from config)")
	fs.String("env", "", "Unity environment executable")
	fs.String("run-id", "", "Run identifier (default: generated from the behavior name)")
	fs.String("results-dir", "", "Results root (default from config)")
	fs.String("conda-env", "", "Conda environment (default from config)")
	fs.Int("base-port", 0, "Requested base port (default from config)")
	fs.Int("tensorboard-port", 0, "TensorBoard port (default from config)")
	fs.Bool("no-graphics", false, "Run the environment without rendering")
	fs.Bool("skip-conda", false, "Run the training tool directly instead of through conda")
	fs.Bool("tensorboard", false, "Start TensorBoard alongside the run")
	fs.Bool("follow", false, "Stream the run log while training")
	fs.Bool("json", false, "Print the final status as JSON")
}

func trainRequestFromFlags(cmd *cobra.Command) orchestrator.StartRequest {
	flags := cmd.Flags()
	req := orchestrator.StartRequest{}
	req.ConfigPath, _ = flags.GetString("config")
	req.EnvPath, _ = flags.GetString("env")
	req.RunID, _ = flags.GetString("run-id")
	req.ResultsDir, _ = flags.GetString("results-dir")
	req.CondaEnv, _ = flags.GetString("conda-env")
	req.NoGraphics, _ = flags.GetBool("no-graphics")
	req.SkipConda, _ = flags.GetBool("skip-conda")
	req.Tensorboard, _ = flags.GetBool("tensorboard")
	if flags.Changed("base-port") {
		port, _ := flags.GetInt("base-port")
		req.BasePort = &port
	}
	if flags.Changed("tensorboard-port") {
		port, _ := flags.GetInt("tensorboard-port")
		req.TensorboardPort = &port
	}
	return req
}

func runTrain(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	follow, _ := cmd.Flags().GetBool("follow")

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	logger := zap.NewNop()
	if verbose {
		logger, err = observability.NewLogger(GetAppIdentity().BinaryName, cfg.Logging.Level, cfg.Logging.Profile)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to initialize logger", err)
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := newOrchestration(ctx, cfg, logger, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize orchestrator", err)
	}

	run, err := rt.registry.TryStart(ctx, trainRequestFromFlags(cmd))
	if err != nil {
		return startError(err)
	}
	observability.CLILogger.Info(fmt.Sprintf("Started training run %s", run.ID()),
		zap.String("run_id", run.ID()),
		zap.Int("base_port", run.Spec().BasePort),
		zap.String("log", run.LogPath()))
	if url := run.TensorboardURL(); url != "" {
		observability.CLILogger.Info("TensorBoard: " + url)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	stopFollow := make(chan struct{})
	followDone := make(chan struct{})
	if follow {
		go func() {
			defer close(followDone)
			if err := followLogUntil(run.LogPath(), stopFollow); err != nil {
				observability.CLILogger.Warn("Log follow stopped", zap.Error(err))
			}
		}()
	} else {
		close(followDone)
	}

	interrupted := false
wait:
	for {
		select {
		case <-run.Done():
			break wait
		case sig := <-sigCh:
			if interrupted {
				continue
			}
			interrupted = true
			observability.CLILogger.Info(fmt.Sprintf("Received %s, canceling run %s", sig, run.ID()))
			if _, err := rt.registry.Cancel(ctx, run.ID()); err != nil {
				observability.CLILogger.Warn("Cancel failed", zap.Error(err))
			}
		}
	}
	close(stopFollow)
	<-followDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Training.CancelGrace+5*time.Second)
	defer cancel()
	if err := rt.registry.Shutdown(shutdownCtx); err != nil {
		observability.CLILogger.Warn("Shutdown incomplete", zap.Error(err))
	}

	payload := rt.reconciler.StatusOf(run.ID(), "")
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			return err
		}
	} else {
		printStatus(payload)
	}
	return runOutcome(payload)
}

// startError maps a rejected start onto an exit code.
func startError(err error) error {
	var (
		validation *orchestrator.ValidationError
		conflict   *orchestrator.ConflictError
		ports      *orchestrator.PortExhaustedError
	)
	switch {
	case errors.As(err, &validation):
		return exitError(foundry.ExitInvalidArgument, "Invalid training request", err)
	case errors.As(err, &conflict):
		return exitError(foundry.ExitInvalidArgument, "Training run already active", err)
	case errors.As(err, &ports):
		return exitError(foundry.ExitExternalServiceUnavailable, "No free port block", err)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start training", err)
	}
}

// runOutcome maps a terminal status onto the command result.
func runOutcome(p orchestrator.StatusPayload) error {
	switch p.Status {
	case orchestrator.StatusSucceeded:
		return nil
	case orchestrator.StatusCanceled:
		return exitError(foundry.ExitSignalInt, "Training run canceled", fmt.Errorf("run %s", p.RunID))
	default:
		code := 1
		if p.ExitCode != nil && *p.ExitCode > 0 {
			code = *p.ExitCode
		}
		return exitError(code, "Training run did not succeed", fmt.Errorf("run %s finished with status %s", p.RunID, p.Status))
	}
}
