package config

import "runtime/debug"

// Release builds stamp metadata through -ldflags:
//
//	go build -ldflags "-X resolver/internal/config.version=1.2.3 \
//	    -X resolver/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X resolver/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/api
//
// Plain `go build` inside a checkout still records the VCS revision and commit
// time in the binary; NewBuildInfo falls back to those.
var (
	version   = defaultVersion
	commit    = defaultCommit
	buildTime = defaultBuildTime
)

const (
	defaultVersion   = "dev"
	defaultCommit    = "none"
	defaultBuildTime = "unknown"

	// ldflagsPackage is the import path the -X flags must name.
	ldflagsPackage = "resolver/internal/config"

	shortRevisionLen = 7
)

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// NewBuildInfo returns the ldflags values, filling any left at their default
// from the toolchain's VCS stamp.
func NewBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}

	bi, ok := readBuildInfo()
	if !ok || bi == nil {
		return info
	}
	if info.Version == defaultVersion && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == defaultCommit && s.Value != "" {
				info.Commit = shortRevision(s.Value)
			}
		case "vcs.time":
			if info.BuildTime == defaultBuildTime && s.Value != "" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" && info.Commit != defaultCommit && commit == defaultCommit {
				info.Commit += "-dirty"
			}
		}
	}
	return info
}

func shortRevision(rev string) string {
	if len(rev) > shortRevisionLen {
		return rev[:shortRevisionLen]
	}
	return rev
}
