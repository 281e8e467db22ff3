package utils

// Set at build time via -ldflags.
var (
	// Tag is the git tag of this build.
	Tag string
	// GitHash is the commit hash of this build.
	GitHash string
	// BuildStamp is the UTC build time.
	BuildStamp string
)
