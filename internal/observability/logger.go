// Package observability holds the process-wide loggers and the metrics
// registry shared by the CLI and the HTTP server.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

var (
	// CLILogger prints human-facing command output to stderr.
	CLILogger = zap.NewNop()

	// ServerLogger is the structured logger used by serve and the orchestrator.
	ServerLogger = zap.NewNop()
)

// InitCLILogger configures CLILogger. Messages are printed bare; verbose adds
// debug output with level and time.
func InitCLILogger(serviceName string, verbose bool) {
	enc := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
		enc.TimeKey = "ts"
		enc.LevelKey = "level"
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
		enc.ConsoleSeparator = " "
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), level)
	CLILogger = zap.New(core).Named(serviceName)
}

// InitServerLogger configures ServerLogger from a level name and a profile.
func InitServerLogger(serviceName, level, profile string) error {
	logger, err := NewLogger(serviceName, level, profile)
	if err != nil {
		return err
	}
	ServerLogger = logger
	return nil
}

// NewLogger builds a logger writing to stderr. STRUCTURED emits JSON lines and
// CONSOLE emits human-readable lines.
func NewLogger(serviceName, level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		encoder = zapcore.NewJSONEncoder(enc)
	case ProfileConsole:
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
		enc.ConsoleSeparator = " "
		encoder = zapcore.NewConsoleEncoder(enc)
	default:
		return nil, fmt.Errorf("unknown logging profile %q (expected %s or %s)", profile, ProfileStructured, ProfileConsole)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), lvl)
	return zap.New(core, zap.AddCaller()).
		With(zap.String("service", serviceName)), nil
}

// Sync flushes both loggers.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}
