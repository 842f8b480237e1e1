// Package config loads the mentor configuration from defaults, config files,
// MENTOR_* environment variables and runtime overrides, in increasing order of
// precedence.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Debug    DebugConfig    `mapstructure:"debug"`
	Training TrainingConfig `mapstructure:"training"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// TrainingConfig holds job defaults and the external tool commands.
type TrainingConfig struct {
	// ResultsDir defaults to the application data directory's results folder.
	ResultsDir         string        `mapstructure:"results_dir"`
	DefaultConfig      string        `mapstructure:"default_config"`
	CondaEnv           string        `mapstructure:"conda_env"`
	DefaultBasePort    int           `mapstructure:"default_base_port"`
	TensorboardPort    int           `mapstructure:"tensorboard_port"`
	LearnCommand       string        `mapstructure:"learn_command"`
	TensorboardCommand string        `mapstructure:"tensorboard_command"`
	CondaExecutable    string        `mapstructure:"conda_executable"`
	TempRoot           string        `mapstructure:"temp_root"`
	CancelGrace        time.Duration `mapstructure:"cancel_grace"`
	ResumeOnStart      bool          `mapstructure:"resume_on_start"`
	LogTailLines       int           `mapstructure:"log_tail_lines"`
}

// ArchiveConfig configures the optional upload of finished runs.
type ArchiveConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Bucket         string   `mapstructure:"bucket"`
	Prefix         string   `mapstructure:"prefix"`
	Region         string   `mapstructure:"region"`
	Endpoint       string   `mapstructure:"endpoint"`
	Profile        string   `mapstructure:"profile"`
	ForcePathStyle bool     `mapstructure:"force_path_style"`
	// Static credentials; both or neither.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Include        []string `mapstructure:"include"`
	Exclude        []string `mapstructure:"exclude"`
	RateLimit      float64  `mapstructure:"rate_limit"`
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}
	switch c.Logging.Profile {
	case "STRUCTURED", "CONSOLE":
	default:
		return fmt.Errorf("logging.profile %q must be STRUCTURED or CONSOLE", c.Logging.Profile)
	}
	if c.Training.DefaultBasePort <= 0 || c.Training.DefaultBasePort > 65535 {
		return fmt.Errorf("training.default_base_port %d out of range", c.Training.DefaultBasePort)
	}
	if c.Training.TensorboardPort <= 0 || c.Training.TensorboardPort > 65535 {
		return fmt.Errorf("training.tensorboard_port %d out of range", c.Training.TensorboardPort)
	}
	if c.Archive.Enabled && strings.TrimSpace(c.Archive.Bucket) == "" {
		return fmt.Errorf("archive.bucket is required when archive.enabled is set")
	}
	if (c.Archive.AccessKeyID == "") != (c.Archive.SecretAccessKey == "") {
		return fmt.Errorf("archive.access_key_id and archive.secret_access_key must be set together")
	}
	return nil
}
