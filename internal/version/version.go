// Package version exposes build version information.
package version

// Set via -ldflags at build time.
var (
	Version    = "dev"
	CommitHash = "unknown"
)

// GetInfo returns the human-readable version string.
func GetInfo() string {
	if Version == "dev" {
		return "dev+" + CommitHash
	}
	return Version
}
