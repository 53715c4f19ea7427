// Package version exposes build metadata set via -ldflags:
//
//	go build -ldflags "-X github.com/HerbHall/plughost/internal/version.Version=1.2.0"
package version

import (
	"fmt"
	"runtime"
)

// Build metadata.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Short returns the version string.
func Short() string {
	return Version
}

// Info returns a one-line human readable description of the build.
func Info() string {
	return fmt.Sprintf("plughost %s (commit %s, built %s, %s %s/%s)",
		Version, Commit, Date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Map returns build metadata for JSON responses.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     Commit,
		"date":       Date,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}
