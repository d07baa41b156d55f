package buildinfo

import (
	"fmt"
	"runtime"
	"testing"

	. "github.com/livetree/livetree/pkg/prog/progtest"
)

func TestProgram(t *testing.T) {
	fullVersion := Version + VersionSuffix
	Test(t, Program{},
		ThatLivetree("-version").WritesStdout(fullVersion+"\n"),
		ThatLivetree("-version", "-json").WritesStdout(quoteJSON(fullVersion)+"\n"),

		ThatLivetree("-buildinfo").WritesStdout(
			fmt.Sprintf("Version: %v\nGo version: %v\n", fullVersion, runtime.Version())),
		ThatLivetree("-buildinfo", "-json").WritesStdout(
			fmt.Sprintf(`{"version":%s,"goversion":%s}`+"\n",
				quoteJSON(fullVersion), quoteJSON(runtime.Version()))),

		ThatLivetree().ExitsWith(2).
			WritesStderr("internal error: no suitable subprogram\n"),
	)
}
