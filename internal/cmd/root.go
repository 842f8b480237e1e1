// Package cmd implements the mentor command line.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jjss83/mentor/internal/config"
	"github.com/jjss83/mentor/internal/observability"
)

var (
	cfgFile  string
	logLevel string
	verbose  bool

	appIdentity *config.Identity
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var rootCmd = &cobra.Command{
	Use:   "mentor",
	Short: "Orchestrate ML-Agents training runs",
	Long: `mentor launches and supervises reinforcement-learning training runs.

It allocates non-overlapping port blocks, runs the training tool in an isolated
environment, reconciles run status from the artifacts the tool writes, and
resumes runs left unfinished by a previous process.

Examples:
  mentor serve                          # HTTP API on localhost:8080
  mentor train --config reach.yaml      # Run one training job in the foreground
  mentor status rtg-260119-1            # Reconciled status of a run
  mentor resume --dry-run               # Show what would be resumed`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initConfig()
		observability.InitCLILogger(GetAppIdentity().BinaryName, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Config file (default: ./mentor.yaml or user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI output")
}

// SetVersionInfo records build metadata injected at link time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity resolved by initConfig, or nil.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func initConfig() {
	if appIdentity == nil {
		id := config.DefaultIdentity
		if existing := config.GetIdentity(); existing != nil {
			id = *existing
		}
		config.SetIdentity(id)
		appIdentity = &id
	}

	setDefaults()
	viper.SetEnvPrefix(appIdentity.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if logLevel != "" {
		viper.Set("logging.level", logLevel)
	}
	config.SetConfigFile(cfgFile)
}

// setDefaults seeds the process-wide viper instance read by the CLI before a
// full config load.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("health.enabled", true)

	viper.SetDefault("training.default_base_port", 5005)
	viper.SetDefault("training.log_tail_lines", 50)

	viper.SetDefault("debug.enabled", false)
	viper.SetDefault("debug.pprof_enabled", false)
}

// loadConfig loads the full configuration with the CLI log level and any
// command-specific overrides applied on top.
func loadConfig(cmd *cobra.Command, overrides map[string]any) (*config.Config, error) {
	merged := map[string]any{}
	if cmd.Flags().Changed("log-level") {
		merged["logging.level"] = viper.GetString("logging.level")
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return config.Load(cmd.Context(), merged)
}

// commandError carries the process exit code for a failed command.
type commandError struct {
	code    int
	message string
	err     error
}

func (e *commandError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.message, e.code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *commandError) Unwrap() error {
	return e.err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &commandError{code: code, message: message, err: err}
}

// exitCodeOf returns the exit code carried by err, or 1.
func exitCodeOf(err error) int {
	var ce *commandError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

// ExitWithCode logs msg and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Error(msg, zap.Int("exit_code", code), zap.Error(err))
	observability.Sync()
	os.Exit(code)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		observability.CLILogger.Error("Command failed", zap.Error(err))
		if !observability.CLILogger.Core().Enabled(zap.ErrorLevel) {
			_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return exitCodeOf(err)
	}
	return 0
}
