package broker

// These variables are set at build time via ldflags, e.g.
// go build -ldflags "-X github.com/imjszhang/js-eyes/internal/broker.Version=$(cat VERSION)"
var (
	// Version is the semantic version reported to agents and on /health.
	Version = "dev"

	// GitCommit is the git commit hash.
	GitCommit = "unknown"

	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// VersionInfo returns a formatted version string for display
func VersionInfo() string {
	if GitCommit != "unknown" && len(GitCommit) > 7 {
		return Version + " (" + GitCommit[:7] + ")"
	}
	return Version
}
