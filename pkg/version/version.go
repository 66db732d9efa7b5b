// Package version holds build metadata injected via ldflags.
package version

// Build information. Populated at build time via:
//
//	-ldflags "-X github.com/supermd/syncd/pkg/version.Version=v1.2.3 ..."
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
