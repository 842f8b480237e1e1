package runstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func TestStore_WriteReadMetadataRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	md := &RunMetadata{
		EnvPath:              strPtr("/opt/envs/reach/Reach.x86_64"),
		ConfigPath:           "/opt/configs/reach.yaml",
		RunID:                "rtg-260119-1",
		ResultsDirectory:     root,
		CondaEnvironmentName: "mlagents",
		BasePort:             intPtr(5005),
		NoGraphics:           true,
		LaunchTensorboard:    true,
		ResolvedBasePort:     intPtr(5025),
	}

	if err := s.WriteMetadata(md); err != nil {
		t.Fatalf("WriteMetadata() error: %v", err)
	}

	got, err := s.ReadMetadata("rtg-260119-1")
	if err != nil {
		t.Fatalf("ReadMetadata() error: %v", err)
	}
	if got.RunID != md.RunID {
		t.Fatalf("run_id mismatch: got=%q want=%q", got.RunID, md.RunID)
	}
	if got.ConfigPath != md.ConfigPath {
		t.Fatalf("config mismatch: got=%q want=%q", got.ConfigPath, md.ConfigPath)
	}
	if got.EnvPathValue() != "/opt/envs/reach/Reach.x86_64" {
		t.Fatalf("env path not persisted: %q", got.EnvPathValue())
	}
	require.NotNil(t, got.BasePort)
	assert.Equal(t, 5005, *got.BasePort)
	require.NotNil(t, got.ResolvedBasePort)
	assert.Equal(t, 5025, *got.ResolvedBasePort)
	assert.True(t, got.NoGraphics)
	assert.True(t, got.LaunchTensorboard)
	assert.False(t, got.SkipConda)
	assert.NotNil(t, got.SavedAt)
}

func TestStore_WriteMetadataLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	md := &RunMetadata{ConfigPath: "/c.yaml", RunID: "run-1", ResultsDirectory: root, CondaEnvironmentName: "mlagents"}
	require.NoError(t, s.WriteMetadata(md))
	require.NoError(t, s.WriteMetadata(md))

	entries, err := os.ReadDir(s.LogsDir("run-1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, MetadataFileName, entries[0].Name())
}

func TestStore_ReadMetadataMissing(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.ReadMetadata("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMetadataNotFound))
}

func TestStore_ReadMetadataRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "empty file", content: "   \n"},
		{name: "not json", content: "{runId: "},
		{name: "missing configPath", content: `{"runId":"r","resultsDirectory":"/r","condaEnvironmentName":"mlagents"}`},
		{name: "port out of range", content: `{"configPath":"/c","runId":"r","resultsDirectory":"/r","condaEnvironmentName":"m","basePort":70000}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(t.TempDir())
			require.NoError(t, s.EnsureLogsDir("r"))
			require.NoError(t, os.WriteFile(s.MetadataPath("r"), []byte(tt.content), 0644))

			_, err := s.ReadMetadata("r")
			require.Error(t, err)
		})
	}
}

func TestStore_RunIDsSkipsFilesAndSorts(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "b-run"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a-run"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0644))

	ids, err := s.RunIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"a-run", "b-run"}, ids)
}

func TestStore_RunIDsMissingRoot(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "missing"))

	ids, err := s.RunIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}
