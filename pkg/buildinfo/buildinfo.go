// Package buildinfo contains build information.
//
// Build information should be set during compilation by passing
// -ldflags "-X github.com/livetree/livetree/pkg/buildinfo.VersionSuffix=value"
// to "go build".
package buildinfo

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/livetree/livetree/pkg/must"
	"github.com/livetree/livetree/pkg/prog"
)

// Version identifies the version of livetree. On development commits, it
// identifies the next release.
const Version = "0.1.0"

// VersionSuffix is appended to Version in the output of "livetree -version"
// and "livetree -buildinfo" to build the full version string. It can be
// overridden when building.
var VersionSuffix = "-dev.unknown"

// Program is the buildinfo subprogram. It handles the -version and -buildinfo
// flags.
type Program struct{}

func (Program) Run(fds [3]*os.File, f *prog.Flags, _ []string) error {
	if !f.Version && !f.BuildInfo {
		return prog.ErrNotSuitable
	}
	fullVersion := Version + VersionSuffix
	if f.Version {
		if f.JSON {
			fmt.Fprintln(fds[1], quoteJSON(fullVersion))
		} else {
			fmt.Fprintln(fds[1], fullVersion)
		}
		return nil
	}
	if f.JSON {
		fmt.Fprintf(fds[1],
			`{"version":%s,"goversion":%s}`+"\n",
			quoteJSON(fullVersion), quoteJSON(runtime.Version()))
	} else {
		fmt.Fprintln(fds[1], "Version:", fullVersion)
		fmt.Fprintln(fds[1], "Go version:", runtime.Version())
	}
	return nil
}

func quoteJSON(s string) string {
	return string(must.OK1(json.Marshal(s)))
}
