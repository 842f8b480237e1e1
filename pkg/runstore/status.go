package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// ReadStatusFile reads a training_status.json artifact from an explicit path.
//
// Returns (nil, nil) when the file does not exist.
func ReadStatusFile(path string) (*StatusArtifact, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read status artifact: %w", err)
	}

	artifact := &StatusArtifact{Path: path, Verdict: VerdictUnclear}

	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return artifact, nil
	}
	raw, ok := doc["status"].(string)
	if !ok {
		return artifact, nil
	}
	artifact.Raw = raw
	artifact.Verdict = NormalizeVerdict(raw)
	return artifact, nil
}

// NormalizeVerdict maps the status strings the training tool is known to write
// onto a Verdict. Matching is case-insensitive.
func NormalizeVerdict(status string) Verdict {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "succeeded", "completed":
		return VerdictSucceeded
	case "failure", "failed":
		return VerdictFailed
	case "running", "in_progress", "in-progress", "started":
		return VerdictRunning
	case "":
		return VerdictUnclear
	default:
		return VerdictOther
	}
}
