// Package contracts carries the shared version metadata for keygate.
package contracts

const (
	// Version is the current version of the application
	Version = "0.3.0"
)

var (
	// BuildTime is set during build using ldflags
	BuildTime = "unknown"

	// GitCommit is set during build using ldflags
	GitCommit = "unknown"
)
