package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jjss83/mentor/internal/observability"
	"github.com/jjss83/mentor/pkg/orchestrator"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Restart runs left unfinished by a previous process",
	Long: `Scan the results directory for runs whose training status is not terminal
and restart each one from its recorded metadata, with freshly allocated ports.

Without --dry-run the command stays in the foreground until every resumed run
has finished. Interrupting it cancels the resumed runs.

Examples:
  mentor resume --dry-run
  mentor resume --results-dir /data/results`,
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().String("results-dir", "", "Results root (default from config)")
	resumeCmd.Flags().Bool("dry-run", false, "List resumable runs without starting them")
	resumeCmd.Flags().Bool("json", false, "Output as JSON")
}

// resumePlanEntry is the JSON form of one dry-run candidate.
type resumePlanEntry struct {
	RunID          string `json:"runId"`
	PreviousStatus string `json:"previousStatus"`
	Resumable      bool   `json:"resumable"`
	SkipReason     string `json:"skipReason,omitempty"`
}

func runResume(cmd *cobra.Command, args []string) error {
	resultsDir, _ := cmd.Flags().GetString("results-dir")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	logger := zap.NewNop()
	if verbose {
		logger = observability.CLILogger
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newOrchestration(ctx, cfg, logger, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize orchestrator", err)
	}
	scanner := orchestrator.NewScanner(rt.registry, resultsDir, logger)

	if dryRun {
		candidates, err := scanner.Plan()
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to scan results directory", err)
		}
		return printResumePlan(scanner.ResultsDir(), candidates, jsonOutput)
	}

	report := scanner.Scan(ctx)
	for _, msg := range report.Messages {
		observability.CLILogger.Info(msg)
	}

	waitForRuns(ctx, rt, report.Resumed)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Training.CancelGrace+5*time.Second)
	defer cancel()
	if err := rt.registry.Shutdown(shutdownCtx); err != nil {
		observability.CLILogger.Warn("Shutdown incomplete", zap.Error(err))
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rt.reconciler.WithTail(0).Snapshot()); err != nil {
			return err
		}
	}
	if err := report.Err(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Some runs could not be resumed", err)
	}
	return nil
}

// waitForRuns blocks until every listed run finished. Cancellation of ctx
// cancels the runs that are still active and keeps waiting for them.
func waitForRuns(ctx context.Context, rt *orchestration, ids []string) {
	canceled := false
	for _, id := range ids {
		run, ok := rt.registry.Get(id)
		if !ok {
			continue
		}
		select {
		case <-run.Done():
		case <-ctx.Done():
			if !canceled {
				canceled = true
				observability.CLILogger.Info("Interrupted, canceling resumed runs")
				for _, other := range ids {
					_, _ = rt.registry.Cancel(context.Background(), other)
				}
			}
			<-run.Done()
		}
		observability.CLILogger.Info(fmt.Sprintf("Run %s finished: %s", id, run.Status()))
	}
}

func printResumePlan(resultsDir string, candidates []orchestrator.ResumeCandidate, jsonOutput bool) error {
	entries := make([]resumePlanEntry, 0, len(candidates))
	for _, c := range candidates {
		entries = append(entries, resumePlanEntry{
			RunID:          c.RunID,
			PreviousStatus: c.PreviousStatus,
			Resumable:      c.SkipReason == "",
			SkipReason:     c.SkipReason,
		})
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		observability.CLILogger.Info(fmt.Sprintf("No unfinished training runs found in %s.", resultsDir))
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN_ID\tPREVIOUS_STATUS\tACTION")
	for _, e := range entries {
		action := "resume"
		if !e.Resumable {
			action = e.SkipReason
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", e.RunID, e.PreviousStatus, action)
	}
	return tw.Flush()
}
