// Package version carries build metadata injected with -ldflags.
package version

import "fmt"

// Set with -ldflags "-X azure-utilities/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("azutil %s (commit %s, built %s)", Version, Commit, BuildDate)
}
