// Package progtest provides utilities for testing subprograms.
//
// The entry point of this package is [Test], which runs a [prog.Program]
// against a number of [Case] instances built with [ThatLivetree].
package progtest

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/livetree/livetree/pkg/must"
	"github.com/livetree/livetree/pkg/prog"
)

// Case is a test case against a program.
type Case struct {
	args []string
	want result
}

type result struct {
	exit   int
	stdout output
	stderr output
}

type output struct {
	content string
	partial bool
}

// ThatLivetree returns a new Case with the given CLI arguments.
func ThatLivetree(args ...string) Case {
	return Case{args: args, want: result{}}
}

// DoesNothing returns an identical Case. It is useful to mark tests that
// otherwise assert nothing.
func (c Case) DoesNothing() Case { return c }

// ExitsWith returns an altered Case that requires the program to exit with the
// given code.
func (c Case) ExitsWith(code int) Case {
	c.want.exit = code
	return c
}

// WritesStdout returns an altered Case that requires the program to write
// exactly the given text to stdout.
func (c Case) WritesStdout(s string) Case {
	c.want.stdout = output{content: s}
	return c
}

// WritesStdoutContaining returns an altered Case that requires the program's
// stdout to contain the given text.
func (c Case) WritesStdoutContaining(s string) Case {
	c.want.stdout = output{content: s, partial: true}
	return c
}

// WritesStderr returns an altered Case that requires the program to write
// exactly the given text to stderr.
func (c Case) WritesStderr(s string) Case {
	c.want.stderr = output{content: s}
	return c
}

// WritesStderrContaining returns an altered Case that requires the program's
// stderr to contain the given text.
func (c Case) WritesStderrContaining(s string) Case {
	c.want.stderr = output{content: s, partial: true}
	return c
}

// Test runs the program against the given cases.
func Test(t *testing.T, p prog.Program, cases ...Case) {
	t.Helper()
	for _, c := range cases {
		t.Run(strings.Join(c.args, " "), func(t *testing.T) {
			t.Helper()
			exit, stdout, stderr := run(p, c.args)
			if exit != c.want.exit {
				t.Errorf("got exit %d, want %d", exit, c.want.exit)
			}
			checkOutput(t, "stdout", stdout, c.want.stdout)
			checkOutput(t, "stderr", stderr, c.want.stderr)
		})
	}
}

func checkOutput(t *testing.T, name, got string, want output) {
	t.Helper()
	if want.partial {
		if !strings.Contains(got, want.content) {
			t.Errorf("got %s %q, want string containing %q", name, got, want.content)
		}
	} else if got != want.content {
		t.Errorf("got %s %q, want %q", name, got, want.content)
	}
}

func run(p prog.Program, args []string) (exit int, stdout, stderr string) {
	stdin := must.OK1(os.Open(os.DevNull))
	defer stdin.Close()
	r1, w1 := must.OK2(os.Pipe())
	r2, w2 := must.OK2(os.Pipe())
	outCh := capture(r1)
	errCh := capture(r2)

	exit = prog.Run([3]*os.File{stdin, w1, w2},
		append([]string{"livetree"}, args...), p)
	w1.Close()
	w2.Close()
	return exit, <-outCh, <-errCh
}

func capture(r *os.File) <-chan string {
	ch := make(chan string, 1)
	go func() {
		defer r.Close()
		ch <- string(must.OK1(io.ReadAll(r)))
	}()
	return ch
}
