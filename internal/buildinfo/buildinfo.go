// Package buildinfo provides build-time information (version, commit, build time).
// These variables are injected at build time via -ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
)

// Name is the executable name reported to GARM and in the User-Agent.
const Name = "garm-provider-pm2"

var (
	// Version is the provider version (e.g. "v0.1.0" or "dev").
	// Set via: -ldflags "-X github.com/terrpan/garm-provider-pm2/internal/buildinfo.Version=<value>"
	Version = "dev"

	// Commit is the git commit hash.
	// Set via: -ldflags "-X github.com/terrpan/garm-provider-pm2/internal/buildinfo.Commit=<value>"
	Commit = "unknown"

	// BuildTime is the build timestamp (e.g. "2026-02-19T12:34:56Z").
	// Set via: -ldflags "-X github.com/terrpan/garm-provider-pm2/internal/buildinfo.BuildTime=<value>"
	BuildTime = "unknown"
)

// UserAgent returns the User-Agent sent to the GARM metadata service.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", Name, Version)
}

// Summary is the one-line description printed by the version subcommand.
func Summary() string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s %s/%s)",
		Name, Version, Commit, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
