// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"strconv"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	// BuildTime is either a Unix timestamp or an RFC 3339 string.
	BuildTime = "unknown"
)

// startTime records when the process started.
var startTime = time.Now()

// Info returns all build and runtime info as a map.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTimestamp(),
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// BuildTimestamp renders BuildTime in the %Y-%m-%dT%H:%M:%SZ form the
// web application expects. Values that are neither a Unix timestamp
// nor RFC 3339 are returned unchanged.
func BuildTimestamp() string {
	if secs, err := strconv.ParseInt(BuildTime, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC().Format("2006-01-02T15:04:05Z")
	}
	if t, err := time.Parse(time.RFC3339, BuildTime); err == nil {
		return t.UTC().Format("2006-01-02T15:04:05Z")
	}
	return BuildTime
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent returns the User-Agent header for outbound requests.
func UserAgent() string {
	return "TuneSyncMQ-conductor/" + Version
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("TuneSyncMQ conductor %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTimestamp())
}
