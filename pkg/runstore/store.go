// Package runstore owns the on-disk layout of training runs.
//
// Directory layout:
//
//	<root>/<run_id>/run_logs/run_metadata.json   (written by the orchestrator)
//	<root>/<run_id>/run_logs/mentor.log          (written by the output pump)
//	<root>/<run_id>/run_logs/training_status.json (written by the training tool)
//
// Root is the results directory handed to the training tool.
package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrMetadataNotFound indicates a run directory has no run_metadata.json.
var ErrMetadataNotFound = errors.New("run metadata not found")

// Store persists and loads run metadata and reads run artifacts.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) LogsDir(runID string) string {
	return filepath.Join(s.RunDir(runID), RunLogsDirName)
}

func (s *Store) MetadataPath(runID string) string {
	return filepath.Join(s.LogsDir(runID), MetadataFileName)
}

func (s *Store) StatusPath(runID string) string {
	return filepath.Join(s.LogsDir(runID), StatusFileName)
}

func (s *Store) LogPath(runID string) string {
	return filepath.Join(s.LogsDir(runID), LogFileName)
}

// RunDirExists reports whether <root>/<run_id> exists as a directory.
func (s *Store) RunDirExists(runID string) bool {
	st, err := os.Stat(s.RunDir(runID))
	return err == nil && st.IsDir()
}

// EnsureLogsDir creates <root>/<run_id>/run_logs.
func (s *Store) EnsureLogsDir(runID string) error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("results root dir is empty")
	}
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run_id is required")
	}
	if err := os.MkdirAll(s.LogsDir(runID), 0755); err != nil {
		return fmt.Errorf("create run logs dir: %w", err)
	}
	return nil
}

// WriteMetadata replaces run_metadata.json atomically (temp file + rename) so
// concurrent readers never observe a partially written file.
func (s *Store) WriteMetadata(md *RunMetadata) error {
	if md == nil {
		return fmt.Errorf("run metadata is nil")
	}
	runID := strings.TrimSpace(md.RunID)
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	if err := s.EnsureLogsDir(runID); err != nil {
		return err
	}

	if md.SavedAt == nil {
		now := time.Now().UTC()
		md.SavedAt = &now
	}

	b, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}
	b = append(b, '\n')

	logsDir := s.LogsDir(runID)
	tmp, err := os.CreateTemp(logsDir, metadataTempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp metadata file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp metadata file: %w", err)
	}

	if err := os.Rename(tmpName, s.MetadataPath(runID)); err != nil {
		return fmt.Errorf("rename metadata file: %w", err)
	}
	return nil
}

// ReadMetadata loads and validates run_metadata.json for a run.
//
// A missing file yields an error wrapping ErrMetadataNotFound. Files that fail
// schema validation are rejected rather than partially trusted.
func (s *Store) ReadMetadata(runID string) (*RunMetadata, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	path := s.MetadataPath(runID)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMetadataNotFound, path)
		}
		return nil, fmt.Errorf("read run metadata: %w", err)
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("%s is empty", MetadataFileName)
	}

	if err := ValidateMetadataRaw([]byte(trimmed)); err != nil {
		return nil, err
	}

	var md RunMetadata
	if err := json.Unmarshal([]byte(trimmed), &md); err != nil {
		return nil, fmt.Errorf("parse %s: %w", MetadataFileName, err)
	}
	return &md, nil
}

// ReadStatus reads the training tool's status artifact for a run.
//
// Returns (nil, nil) when the artifact does not exist. An artifact that exists
// but cannot be parsed is returned with VerdictUnclear, not as an error.
func (s *Store) ReadStatus(runID string) (*StatusArtifact, error) {
	return ReadStatusFile(s.StatusPath(runID))
}

// RunIDs lists the run directories under the results root, sorted by name.
// A missing root yields an empty list.
func (s *Store) RunIDs() ([]string, error) {
	if strings.TrimSpace(s.root) == "" {
		return nil, fmt.Errorf("results root dir is empty")
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read results root: %w", err)
	}

	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		out = append(out, entry.Name())
	}
	sort.Strings(out)
	return out, nil
}
