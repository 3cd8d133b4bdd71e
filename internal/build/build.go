// Package build holds build-time metadata injected via -ldflags.
package build

var (
	// Slug is the binary name used in CLI help and file paths.
	Slug = "drover"

	// Version is the semantic version of the build.
	Version = "0.1.0"
)
