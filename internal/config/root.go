package config

import (
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/pathfinder"
)

// projectMarkers identify a project root when walking up from the working
// directory.
var projectMarkers = []string{"mentor.yaml", "go.mod", ".git"}

// findProjectRoot walks up from the working directory to the nearest
// directory holding a project marker. The walk stops at the home directory
// when the working directory is inside it. In CI the checkout may live
// outside $HOME, so a valid workspace hint replaces that boundary. When no
// marker is found the working directory is returned.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(cwd); err == nil {
		cwd = resolved
	}

	var opts []pathfinder.FindOption
	if hint, ok := pathfinder.DetectCIBoundaryHint(cwd); ok {
		opts = append(opts, pathfinder.WithBoundary(hint.Boundary))
	} else if !insideHome(cwd) {
		opts = append(opts, pathfinder.WithBoundary(filepath.VolumeName(cwd)+string(filepath.Separator)))
	}

	root, err := pathfinder.FindRepositoryRoot(cwd, projectMarkers, opts...)
	if err != nil {
		return cwd, nil
	}
	return root, nil
}

func insideHome(path string) bool {
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	if resolved, err := filepath.EvalSymlinks(home); err == nil {
		home = resolved
	}
	return pathfinder.ValidatePathWithinRoot(path, home) == nil
}
