package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/jjss83/mentor/pkg/orchestrator"
)

var statusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Show the reconciled status of a run",
	Long: `Show the status of a training run as reconstructed from its results
directory. The status file written by the training tool wins over the run log.

Examples:
  mentor status rtg-260119-1
  mentor status rtg-260119-1 --results-dir /data/results --json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("results-dir", "", "Results root (default from config)")
	statusCmd.Flags().Int("tail", -1, "Log lines to include (default from config)")
	statusCmd.Flags().Bool("json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	runID := strings.TrimSpace(args[0])
	if err := orchestrator.ValidateRunID(runID); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid run id", err)
	}
	resultsDir, _ := cmd.Flags().GetString("results-dir")
	tailN, _ := cmd.Flags().GetInt("tail")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	rt, err := newOrchestration(cmd.Context(), cfg, nil, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize orchestrator", err)
	}
	reconciler := rt.reconciler
	if tailN >= 0 {
		reconciler = reconciler.WithTail(tailN)
	}

	payload := reconciler.StatusOf(runID, resultsDir)
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			return err
		}
	} else {
		printStatus(payload)
	}
	if payload.Status == orchestrator.StatusNotFound {
		return exitError(foundry.ExitFileNotFound, "Run not found", fmt.Errorf("%s", payload.Message))
	}
	return nil
}

func printStatus(p orchestrator.StatusPayload) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "run_id\t%s\n", p.RunID)
	_, _ = fmt.Fprintf(tw, "status\t%s\n", p.Status)
	_, _ = fmt.Fprintf(tw, "completed\t%t\n", p.Completed)
	if p.ExitCode != nil {
		_, _ = fmt.Fprintf(tw, "exit_code\t%d\n", *p.ExitCode)
	}
	_, _ = fmt.Fprintf(tw, "source\t%s\n", p.Source)
	_, _ = fmt.Fprintf(tw, "results_dir\t%s\n", p.ResultsDirectory)
	_, _ = fmt.Fprintf(tw, "status_file\t%s\n", p.TrainingStatusPath)
	if p.LogPath != "" {
		_, _ = fmt.Fprintf(tw, "log\t%s\n", p.LogPath)
	}
	if p.BasePort > 0 {
		_, _ = fmt.Fprintf(tw, "base_port\t%d\n", p.BasePort)
	}
	if p.TensorboardURL != "" {
		_, _ = fmt.Fprintf(tw, "tensorboard\t%s\n", p.TensorboardURL)
	}
	if p.Cancel != "" && p.Cancel != orchestrator.CancelNone {
		_, _ = fmt.Fprintf(tw, "cancel\t%s\n", p.Cancel)
	}
	if p.Message != "" {
		_, _ = fmt.Fprintf(tw, "message\t%s\n", p.Message)
	}
	_ = tw.Flush()

	if len(p.LogTail) > 0 {
		_, _ = fmt.Fprintln(os.Stdout)
		for _, line := range p.LogTail {
			_, _ = fmt.Fprintln(os.Stdout, line)
		}
	}
}
