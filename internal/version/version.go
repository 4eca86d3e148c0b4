// Package version exposes the pmbot release embedded at build time.
package version

import (
	_ "embed"
	"fmt"
	"runtime"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the current version, with whitespace trimmed
func Get() string {
	return strings.TrimSpace(versionContent)
}

// String returns the version line printed by `pmbot version`.
func String() string {
	return fmt.Sprintf("pmbot %s (%s, %s/%s)", Get(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
