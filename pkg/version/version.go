// Package version contains the symbolic version of the bloat client and
// server.
package version

// Version is the symbolic build version. It is overridden at build time
// via -ldflags.
var Version = "v0.1.0"

// GitShortCommit is the Git commit (short form) the binary was built from.
// It is overridden at build time via -ldflags.
var GitShortCommit = "unknown"
