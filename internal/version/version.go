// Package version carries build metadata injected with -ldflags, e.g.
// -X github.com/Chapsvision-dev/storage-gateway/internal/version.Version=v1.2.0
package version

import "runtime"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Info returns the one-line form printed by `storagegw version`.
func Info() string {
	return Version + " (" + Commit + ", built " + BuildDate + ", " + runtime.Version() + ")"
}

// Fields returns build metadata for health and status payloads.
func Fields() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     Commit,
		"build_date": BuildDate,
		"go":         runtime.Version(),
	}
}
