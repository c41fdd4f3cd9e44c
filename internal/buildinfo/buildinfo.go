// Package buildinfo carries the version metadata stamped into the binary.
package buildinfo

// Release builds overwrite these via -ldflags "-X ..."; the zero values mark
// a local development build.
var (
	// Version is the semantic version or git describe output.
	Version = "dev"

	// Commit is the short git commit SHA.
	Commit = "none"

	// BuildDate is the UTC build timestamp.
	BuildDate = "unknown"
)
