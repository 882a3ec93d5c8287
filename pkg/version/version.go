// Package version contains the version of this program. The value is meant
// to be overridden at build time:
//
//	go build -ldflags "-X github.com/sqm-tools/cfprobe/pkg/version.Version=v1.2.3"
package version

// Version is the symbolic version of the running code.
var Version = "v0.0.0-dev"
