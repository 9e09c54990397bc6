package config

import (
	"os"
	"path/filepath"
)

// defaultArtifactsRoot follows XDG state conventions, matching where run
// logs for local CLI invocations live.
func defaultArtifactsRoot() string {
	if root := os.Getenv(EnvArtifactsRoot); root != "" {
		return root
	}
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			base = "."
		} else {
			base = filepath.Join(home, ".local", "state")
		}
	}
	return filepath.Join(base, "aos", "artifacts")
}

// ArtifactsRoot resolves the artifacts root from flag > env > default.
func ArtifactsRoot(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return defaultArtifactsRoot()
}
