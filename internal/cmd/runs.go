package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/jjss83/mentor/pkg/orchestrator"
	"github.com/jjss83/mentor/pkg/runstore"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect training runs on disk",
	Long: `Inspect the training runs recorded under a results directory.

Status is reconstructed from each run's artifacts, so these commands work
whether or not a server is running.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs under the results directory",
	RunE:  runRunsList,
}

var runsLogsCmd = &cobra.Command{
	Use:   "logs <run_id>",
	Short: "Show the orchestrator log for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLogs,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsLogsCmd)

	runsCmd.PersistentFlags().String("results-dir", "", "Results root (default from config)")
	runsListCmd.Flags().Bool("json", false, "Output as JSON")
	runsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = whole log)")
	runsLogsCmd.Flags().Bool("follow", false, "Follow log output")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	resultsDir, _ := cmd.Flags().GetString("results-dir")

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	if resultsDir == "" {
		resultsDir = cfg.Training.ResultsDir
	}
	rt, err := newOrchestration(cmd.Context(), cfg, nil, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize orchestrator", err)
	}
	reconciler := rt.reconciler.WithTail(0)

	ids, err := runstore.NewStore(resultsDir).RunIDs()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
	}
	payloads := make([]orchestrator.StatusPayload, 0, len(ids))
	for _, id := range ids {
		payloads = append(payloads, reconciler.StatusOf(id, resultsDir))
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payloads)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN_ID\tSTATUS\tEXIT\tSOURCE\tLOG")
	for _, p := range payloads {
		exit := "-"
		if p.ExitCode != nil {
			exit = fmt.Sprintf("%d", *p.ExitCode)
		}
		logPath := p.LogPath
		if logPath == "" {
			logPath = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.RunID, p.Status, exit, p.Source, logPath)
	}
	return tw.Flush()
}

func runRunsLogs(cmd *cobra.Command, args []string) error {
	runID := strings.TrimSpace(args[0])
	if err := orchestrator.ValidateRunID(runID); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid run id", err)
	}
	resultsDir, _ := cmd.Flags().GetString("results-dir")
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}
	follow, _ := cmd.Flags().GetBool("follow")

	if resultsDir == "" {
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
		}
		resultsDir = cfg.Training.ResultsDir
	}
	store := runstore.NewStore(resultsDir)
	if !store.RunDirExists(runID) {
		return exitError(foundry.ExitFileNotFound, "Run not found",
			fmt.Errorf("no run directory for %s under %s", runID, resultsDir))
	}

	path := store.LogPath(runID)
	var err error
	if follow {
		err = followLogUntil(path, nil)
	} else {
		err = printLogTail(path, tailN)
	}
	if errors.Is(err, os.ErrNotExist) {
		return exitError(foundry.ExitFileNotFound, "Run log not found", err)
	}
	return err
}

func printLogTail(path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(os.Stdout, f)
		return err
	}

	lines, err := runstore.TailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(os.Stdout, line)
	}
	return nil
}

// followLogUntil prints path and then polls it for appended content until
// stop is closed. A nil stop follows forever.
func followLogUntil(path string, stop <-chan struct{}) error {
	var f *os.File
	for {
		var err error
		f, err = os.Open(path)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) || stop == nil {
			return err
		}
		// The supervisor creates the log shortly after the run starts.
		select {
		case <-stop:
			return nil
		case <-time.After(250 * time.Millisecond):
		}
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	var partial string
	drain := func() error {
		for {
			chunk, err := r.ReadString('\n')
			if err == io.EOF {
				partial += chunk
				return nil
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(os.Stdout, partial+chunk)
			partial = ""
		}
	}

	for {
		if err := drain(); err != nil {
			return err
		}
		select {
		case <-stop:
			if err := drain(); err != nil {
				return err
			}
			if partial != "" {
				_, _ = fmt.Fprintln(os.Stdout, partial)
			}
			return nil
		case <-time.After(250 * time.Millisecond):
		}
	}
}
