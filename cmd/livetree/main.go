// Livetree attaches a local HTML document to a server that renders it, and
// keeps the document in sync by applying the server's diffs in place.
package main

import (
	"os"

	"github.com/livetree/livetree/pkg/attach"
	"github.com/livetree/livetree/pkg/buildinfo"
	"github.com/livetree/livetree/pkg/prog"
)

func main() {
	os.Exit(prog.Run(
		[3]*os.File{os.Stdin, os.Stdout, os.Stderr}, os.Args,
		prog.Composite(buildinfo.Program{}, attach.Program{})))
}
