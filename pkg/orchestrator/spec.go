package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jjss83/mentor/pkg/runstore"
)

// Job specification defaults.
const (
	DefaultCondaEnv        = "mlagents"
	DefaultConfigPath      = "config/ppo/3DBall.yaml"
	DefaultTensorboardPort = 6006
)

// Defaults supplies the values used for every StartRequest field the caller
// leaves empty.
type Defaults struct {
	// ResultsDir is the results root handed to the training tool.
	ResultsDir string

	// ConfigPath is used when a request names no trainer configuration.
	// Default: config/ppo/3DBall.yaml
	ConfigPath string

	// CondaEnv is the environment activated by `conda run -n`.
	// Default: mlagents
	CondaEnv string

	// BasePort is the first candidate base port for allocation.
	// Default: 5005
	BasePort int

	// TensorboardPort is the companion visualization port.
	// Default: 6006
	TensorboardPort int
}

func (d Defaults) withFallbacks() Defaults {
	if strings.TrimSpace(d.ConfigPath) == "" {
		d.ConfigPath = DefaultConfigPath
	}
	if strings.TrimSpace(d.CondaEnv) == "" {
		d.CondaEnv = DefaultCondaEnv
	}
	if d.BasePort <= 0 {
		d.BasePort = DefaultBasePort
	}
	if d.TensorboardPort <= 0 {
		d.TensorboardPort = DefaultTensorboardPort
	}
	return d
}

// StartRequest is the loosely specified job request accepted at the boundary.
// Zero values mean "use the default".
type StartRequest struct {
	ConfigPath      string `json:"config,omitempty"`
	EnvPath         string `json:"envPath,omitempty"`
	RunID           string `json:"runId,omitempty"`
	ResultsDir      string `json:"resultsDir,omitempty"`
	CondaEnv        string `json:"condaEnv,omitempty"`
	BasePort        *int   `json:"basePort,omitempty"`
	TensorboardPort *int   `json:"tensorboardPort,omitempty"`
	NoGraphics      bool   `json:"noGraphics,omitempty"`
	SkipConda       bool   `json:"skipConda,omitempty"`
	Tensorboard     bool   `json:"tensorboard,omitempty"`
}

// JobSpec is a validated job specification. Paths are absolute.
type JobSpec struct {
	RunID      string
	ConfigPath string
	EnvPath    string
	ResultsDir string
	CondaEnv   string

	// RequestedBasePort is the caller's explicit base port, 0 if none.
	RequestedBasePort int
	// BasePort is the resolved base port, set by the registry during allocation.
	BasePort int

	TensorboardPort int
	NoGraphics      bool
	SkipConda       bool
	Tensorboard     bool
}

// Resolve applies defaults and validates the request. RunID may remain empty;
// the registry generates one under its lock.
func (r StartRequest) Resolve(d Defaults) (JobSpec, error) {
	d = d.withFallbacks()

	configPath := strings.TrimSpace(r.ConfigPath)
	if configPath == "" {
		configPath = d.ConfigPath
	}
	absConfig, err := existingFile(configPath, "trainer config")
	if err != nil {
		return JobSpec{}, &ValidationError{Field: "config", Message: err.Error()}
	}

	var absEnv string
	if envPath := strings.TrimSpace(r.EnvPath); envPath != "" {
		absEnv, err = existingFile(envPath, "environment executable")
		if err != nil {
			return JobSpec{}, &ValidationError{Field: "envPath", Message: err.Error()}
		}
	}

	runID := strings.TrimSpace(r.RunID)
	if runID != "" {
		if err := ValidateRunID(runID); err != nil {
			return JobSpec{}, err
		}
	}

	resultsDir := strings.TrimSpace(r.ResultsDir)
	if resultsDir == "" {
		resultsDir = strings.TrimSpace(d.ResultsDir)
	}
	if resultsDir == "" {
		return JobSpec{}, &ValidationError{Field: "resultsDir", Message: "results directory is required"}
	}
	absResults, err := filepath.Abs(resultsDir)
	if err != nil {
		return JobSpec{}, &ValidationError{Field: "resultsDir", Message: fmt.Sprintf("failed to resolve directory path '%s': %v", resultsDir, err)}
	}

	condaEnv := strings.TrimSpace(r.CondaEnv)
	if condaEnv == "" {
		condaEnv = d.CondaEnv
	}

	spec := JobSpec{
		RunID:           runID,
		ConfigPath:      absConfig,
		EnvPath:         absEnv,
		ResultsDir:      absResults,
		CondaEnv:        condaEnv,
		TensorboardPort: d.TensorboardPort,
		NoGraphics:      r.NoGraphics,
		SkipConda:       r.SkipConda,
		Tensorboard:     r.Tensorboard,
	}

	if r.BasePort != nil {
		if !validPort(*r.BasePort) {
			return JobSpec{}, &ValidationError{Field: "basePort", Message: "base port must be between 1 and 65535"}
		}
		spec.RequestedBasePort = *r.BasePort
	}
	if r.TensorboardPort != nil {
		if !validPort(*r.TensorboardPort) {
			return JobSpec{}, &ValidationError{Field: "tensorboardPort", Message: "tensorboard port must be between 1 and 65535"}
		}
		spec.TensorboardPort = *r.TensorboardPort
	}

	return spec, nil
}

// Metadata converts the spec into its persisted form.
func (s JobSpec) Metadata() *runstore.RunMetadata {
	md := &runstore.RunMetadata{
		ConfigPath:           s.ConfigPath,
		RunID:                s.RunID,
		ResultsDirectory:     s.ResultsDir,
		CondaEnvironmentName: s.CondaEnv,
		NoGraphics:           s.NoGraphics,
		SkipConda:            s.SkipConda,
		LaunchTensorboard:    s.Tensorboard,
	}
	if s.EnvPath != "" {
		env := s.EnvPath
		md.EnvPath = &env
	}
	if s.RequestedBasePort > 0 {
		port := s.RequestedBasePort
		md.BasePort = &port
	}
	if s.BasePort > 0 {
		port := s.BasePort
		md.ResolvedBasePort = &port
	}
	if s.Tensorboard && s.TensorboardPort > 0 {
		port := s.TensorboardPort
		md.TensorboardPort = &port
	}
	return md
}

// RequestFromMetadata reconstructs the request that produced persisted
// metadata. The resolved base port is deliberately not carried over: resumed
// runs go through fresh allocation.
func RequestFromMetadata(md *runstore.RunMetadata) StartRequest {
	req := StartRequest{
		ConfigPath:  md.ConfigPath,
		EnvPath:     md.EnvPathValue(),
		RunID:       md.RunID,
		ResultsDir:  md.ResultsDirectory,
		CondaEnv:    md.CondaEnvironmentName,
		NoGraphics:  md.NoGraphics,
		SkipConda:   md.SkipConda,
		Tensorboard: md.LaunchTensorboard,
	}
	if md.BasePort != nil {
		port := *md.BasePort
		req.BasePort = &port
	}
	if md.TensorboardPort != nil {
		port := *md.TensorboardPort
		req.TensorboardPort = &port
	}
	return req
}

func existingFile(path, description string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	st, err := os.Stat(abs)
	if err != nil || !st.Mode().IsRegular() {
		return "", fmt.Errorf("could not find the specified %s at '%s'", description, abs)
	}
	return abs, nil
}

// ValidateRunID rejects identifiers that cannot name a single directory
// under a results root.
func ValidateRunID(runID string) error {
	if runID == "" {
		return &ValidationError{Field: "runId", Message: "run id is required"}
	}
	if runID == "." || runID == ".." {
		return &ValidationError{Field: "runId", Message: fmt.Sprintf("run id '%s' is not allowed", runID)}
	}
	if strings.ContainsAny(runID, `/\:*?"<>|`) {
		return &ValidationError{Field: "runId", Message: fmt.Sprintf("run id '%s' must not contain path separators or reserved characters", runID)}
	}
	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}
