// Package version reports the qtlab release version.
package version

import (
	"fmt"
	"runtime/debug"
)

// Current is the qtlab release version. Overridden at link time for
// tagged builds:
//
//	go build -ldflags "-X github.com/qtlab/qtlab-go/pkg/version.Current=0.3.0"
var Current = "0.0.0-dev"

// String returns the full version line, including VCS revision when
// the binary was built from a checkout.
func String() string {
	if rev := revision(); rev != "" {
		return fmt.Sprintf("qtlab %s (%s)", Current, rev)
	}
	return "qtlab " + Current
}

func revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	var dirty bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			rev = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty && rev != "" {
		rev += "-dirty"
	}
	return rev
}
