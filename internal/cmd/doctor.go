package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jjss83/mentor/internal/config"
	errwrap "github.com/jjss83/mentor/internal/errors"
	"github.com/jjss83/mentor/internal/observability"
	"github.com/jjss83/mentor/pkg/archive"
	"github.com/jjss83/mentor/pkg/orchestrator"
)

var (
	doctorArchive bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  mentor doctor            # Training environment checks
  mentor doctor --archive  # Also check S3 archive credentials`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorArchive, "archive", false, "Also check archive storage credentials")
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		ExitWithCode(observability.CLILogger, foundry.ExitInvalidArgument, "Cannot load configuration",
			errwrap.WrapInternal(cmd.Context(), err, "Cannot load configuration"))
		return
	}

	allChecks := true
	checkNum := 1
	totalChecks := 6
	if doctorArchive {
		totalChecks = 8
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Gofulmen access
	version := crucible.GetVersion()
	if version.Gofulmen != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 3: Results directory
	if err := checkResultsDir(cfg.Training.ResultsDir); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking results directory... ❌ %s", checkNum, totalChecks, cfg.Training.ResultsDir),
			zap.Error(err))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking results directory... ✅ %s", checkNum, totalChecks, cfg.Training.ResultsDir),
			zap.String("results_dir", cfg.Training.ResultsDir))
	}
	checkNum++

	// Check 4: Training tool
	tools := []string{cfg.Training.LearnCommand}
	conda := cfg.Training.CondaExecutable
	if exe := os.Getenv("CONDA_EXE"); exe != "" {
		conda = exe
	}
	if conda == "" {
		conda = orchestrator.DefaultCondaExecutable
	}
	tools = append(tools, conda)
	found := 0
	for _, tool := range tools {
		if path, err := exec.LookPath(tool); err == nil {
			observability.CLILogger.Debug("Found tool", zap.String("tool", tool), zap.String("path", path))
			found++
		}
	}
	if found > 0 {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking training tools... ✅ %d of %d on PATH", checkNum, totalChecks, found, len(tools)),
			zap.Strings("tools", tools))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking training tools... ⚠️  neither %s nor %s found on PATH", checkNum, totalChecks, tools[0], tools[1]))
		allChecks = false
	}
	checkNum++

	// Check 5: Default port block
	ports := orchestrator.NewPortAllocator(orchestrator.TCPProber{}, cfg.Training.DefaultBasePort)
	alloc, err := ports.Allocate(cfg.Training.DefaultBasePort, nil)
	switch {
	case err != nil:
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking port blocks... ❌ no free block from %d", checkNum, totalChecks, cfg.Training.DefaultBasePort),
			zap.Error(err))
		allChecks = false
	case alloc.Base != cfg.Training.DefaultBasePort:
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking port blocks... ⚠️  %d busy, next free block at %d", checkNum, totalChecks, cfg.Training.DefaultBasePort, alloc.Base))
	default:
		block := orchestrator.PortBlock{Base: alloc.Base, Size: orchestrator.PortBlockSize}
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking port blocks... ✅ %d-%d free", checkNum, totalChecks, block.Base, block.End()-1))
	}
	checkNum++

	// Check 6: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if doctorArchive {
		allChecks = runArchiveChecks(cmd.Context(), cfg.Archive, checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkResultsDir verifies that dir exists, or can be created, and is writable.
func checkResultsDir(dir string) error {
	if dir == "" {
		return errors.New("results directory is not configured")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(filepath.Clean(name))
}

// runArchiveChecks runs archive storage diagnostic checks.
func runArchiveChecks(ctx context.Context, ac config.ArchiveConfig, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Archive Checks:")

	acfg := archiveConfig(ac)
	if ac.Bucket == "" {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking archive bucket... ⚠️  archive.bucket is not set", checkNum, totalChecks))
		allChecks = false
	} else if err := acfg.Validate(); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking archive bucket... ❌ invalid archive settings", checkNum, totalChecks),
			zap.Error(err))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking archive bucket... ✅ %s", checkNum, totalChecks, ac.Bucket),
			zap.Bool("enabled", ac.Enabled))
	}
	checkNum++

	cfg, err := archive.LoadAWSConfig(ctx, acfg)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials (%s)", checkNum, totalChecks, source),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("region", cfg.Region))

	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring archive credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure archive credentials:")
	observability.CLILogger.Info("  1. Set archive.access_key_id and archive.secret_access_key")
	observability.CLILogger.Info("     (MENTOR_ARCHIVE_ACCESS_KEY_ID / MENTOR_ARCHIVE_SECRET_ACCESS_KEY), or")
	observability.CLILogger.Info("  2. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  3. Set archive.profile to a profile from 'aws configure', or")
	observability.CLILogger.Info("  4. Use an IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - archive.endpoint (MENTOR_ARCHIVE_ENDPOINT) and archive.force_path_style (MENTOR_ARCHIVE_FORCE_PATH_STYLE)")
	observability.CLILogger.Info("")
}
