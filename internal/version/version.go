// Package version holds build metadata injected with -ldflags.
package version

import "fmt"

// Set at build time, e.g. -X github.com/pandeptwidyaop/devflow/internal/version.Version=v1.2.0
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Info returns the build metadata for the version endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	}
}

// String is the one line banner printed by the CLI.
func String() string {
	return fmt.Sprintf("DevFlow Pro %s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
