// Package version holds build information set via -ldflags.
package version

import "fmt"

// Set at build time:
//
//	go build -ldflags "-X llamagate/internal/version.Version=v1.0.0 -X llamagate/internal/version.Commit=abc123 -X llamagate/internal/version.Date=2026-01-01"
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line description of the build.
func Info() string {
	return fmt.Sprintf("llamagate %s (commit: %s, built: %s)", Version, Commit, Date)
}
