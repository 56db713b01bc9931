package buildinfo

import "fmt"

// Set at build time via -ldflags "-X uthreads/internal/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Short returns a compact build identifier for window titles and logs.
func Short() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if Commit != "" && Commit != "unknown" {
		if len(Commit) > 12 {
			return Commit[:12]
		}
		return Commit
	}
	return "dev"
}

// String returns the full version line printed by -version.
func String() string {
	return fmt.Sprintf("uthreads %s (commit %s, built %s)", Version, Commit, Date)
}
