// Package version reports the build identity of the hase tools.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Release is stamped by release builds through
// -ldflags "-X github.com/efeslab/hase/pkg/version.Release=...".
// Unstamped builds fall back to VCS metadata from the Go toolchain.
var Release = ""

// String returns the identity printed by "hase version".
func String() string {
	return fmt.Sprintf("hase %s (%s, %s/%s)", resolve(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func resolve() string {
	if Release != "" {
		return Release
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		var rev, dirty string
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				rev = s.Value
			case "vcs.modified":
				if s.Value == "true" {
					dirty = "-dirty"
				}
			}
		}
		if len(rev) >= 12 {
			return rev[:12] + dirty
		}
	}
	return "dev"
}
