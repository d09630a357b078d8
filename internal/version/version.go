// Package version provides build-time version information for liveedge.
//
// Version, Commit, and Date are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/liveedge/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/liveedge/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/liveedge/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// When Commit is not injected it falls back to the VCS stamp recorded by the
// Go toolchain.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "liveedge"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns all version information as a structured type.
func GetInfo() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
	if info.Commit == "unknown" {
		applyBuildSettings(&info)
	}
	return info
}

func applyBuildSettings(info *Info) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Commit = s.Value
		case "vcs.time":
			if info.Date == "unknown" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
}

// ShortCommit returns the first 8 characters of the commit, or "" when
// the commit is unknown.
func (i Info) ShortCommit() string {
	if i.Commit == "unknown" || len(i.Commit) < 8 {
		return ""
	}
	return i.Commit[:8]
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	if c := info.ShortCommit(); c != "" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, c, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns a short version string suitable for CLI --version output.
func Short() string {
	if c := GetInfo().ShortCommit(); c != "" {
		return fmt.Sprintf("%s (%s)", Version, c)
	}
	return Version
}
