// Package version contains build version information.
package version

import "fmt"

// Version is the release version, set at build time via ldflags.
var Version = "0.0.0"

// GitCommit is the git commit hash, set at build time via ldflags.
var GitCommit = "unknown"

// BuildDate is the build date, set at build time via ldflags.
var BuildDate = "unknown"

// String formats the build information for display.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
