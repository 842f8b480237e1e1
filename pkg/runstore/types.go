package runstore

import "time"

// File and directory names inside a run directory.
//
// NOTE: These names are shared with the external training tool and with
// previous orchestrator versions; they are part of the stable on-disk contract.
const (
	RunLogsDirName      = "run_logs"
	MetadataFileName    = "run_metadata.json"
	StatusFileName      = "training_status.json"
	LogFileName         = "mentor.log"
	metadataTempPattern = "run_metadata.json.tmp.*"
)

// RunMetadata is the persisted job specification written before a training
// process is spawned.
//
// Keys are camelCase to stay readable by older tooling that produced the same
// file. The schema is designed for backward-compatible extension (additive fields).
type RunMetadata struct {
	EnvPath              *string `json:"envPath"`
	ConfigPath           string  `json:"configPath"`
	RunID                string  `json:"runId"`
	ResultsDirectory     string  `json:"resultsDirectory"`
	CondaEnvironmentName string  `json:"condaEnvironmentName"`
	BasePort             *int    `json:"basePort"`
	NoGraphics           bool    `json:"noGraphics"`
	SkipConda            bool    `json:"skipConda"`
	LaunchTensorboard    bool    `json:"launchTensorboard"`

	TensorboardPort  *int       `json:"tensorboardPort,omitempty"`
	ResolvedBasePort *int       `json:"resolvedBasePort,omitempty"`
	SavedAt          *time.Time `json:"savedAt,omitempty"`
}

// EnvPathValue returns the environment executable path or "" when unset.
func (m *RunMetadata) EnvPathValue() string {
	if m == nil || m.EnvPath == nil {
		return ""
	}
	return *m.EnvPath
}

// Verdict is the normalized state declared by a training_status.json artifact.
type Verdict string

const (
	VerdictSucceeded Verdict = "succeeded"
	VerdictFailed    Verdict = "failed"
	VerdictRunning   Verdict = "running"
	// VerdictUnclear means the artifact exists but carries no readable status.
	VerdictUnclear Verdict = "unclear"
	// VerdictOther means the artifact declares a status this orchestrator does
	// not recognize.
	VerdictOther Verdict = "other"
)

// StatusArtifact is the orchestrator's read-only view of training_status.json.
type StatusArtifact struct {
	Path    string
	Raw     string
	Verdict Verdict
}

// Terminal reports whether the artifact declares a finished run.
func (a *StatusArtifact) Terminal() bool {
	if a == nil {
		return false
	}
	return a.Verdict == VerdictSucceeded || a.Verdict == VerdictFailed
}

// Authoritative reports whether the artifact should override any in-memory
// belief about the run: terminal verdicts and artifacts without a clear verdict.
func (a *StatusArtifact) Authoritative() bool {
	if a == nil {
		return false
	}
	return a.Terminal() || a.Verdict == VerdictUnclear
}
