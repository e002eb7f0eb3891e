// Package version holds build metadata, set via -ldflags:
//
//	-X github.com/GoCodeAlone/foreman/internal/version.Version=v1.2.0
package version

import "fmt"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String formats the build metadata for humans, e.g. for "foreman version".
func String(program string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", program, Version, Commit, BuildDate)
}
