// Package tt supports table-driven tests with little boilerplate.
package tt

import (
	"fmt"
	"reflect"
	"strings"
)

// Table represents a test table.
type Table []*Case

// Case represents a test case. It is created by the Args function, and offers
// setters that augment and return itself; those calls can be chained like
// Args(...).Rets(...).
type Case struct {
	args []any
	rets []any
}

// Args returns a new Case with the given arguments.
func Args(args ...any) *Case {
	return &Case{args: args}
}

// Rets modifies the test case so that it requires the return values to match
// the given values, and returns the receiver. An argument that implements the
// Matcher interface is matched with its Match method; other arguments are
// matched with reflect.DeepEqual.
func (c *Case) Rets(rets ...any) *Case {
	c.rets = rets
	return c
}

// T is the interface for accessing testing.T.
type T interface {
	Helper()
	Errorf(format string, args ...any)
}

// Test tests a function against the given test cases.
func Test(t T, fn any, name string, tests Table) {
	t.Helper()
	for _, test := range tests {
		rets := call(fn, test.args)
		if !match(test.rets, rets) {
			t.Errorf("%s(%s) -> %s, want %s",
				name, sprintSeq(test.args), sprintSeq(rets), sprintSeq(test.rets))
		}
	}
}

// Matcher wraps the Match method.
type Matcher interface {
	// Match reports whether a return value is considered a match.
	Match(ret any) bool
}

// Any is a Matcher that matches any value.
var Any Matcher = anyMatcher{}

type anyMatcher struct{}

func (anyMatcher) Match(any) bool { return true }

func match(matchers, actual []any) bool {
	if len(matchers) != len(actual) {
		return false
	}
	for i, matcher := range matchers {
		if m, ok := matcher.(Matcher); ok {
			if !m.Match(actual[i]) {
				return false
			}
		} else if !reflect.DeepEqual(matcher, actual[i]) {
			return false
		}
	}
	return true
}

func call(fn any, args []any) []any {
	argValues := make([]reflect.Value, len(args))
	for i, arg := range args {
		if arg == nil {
			// reflect.ValueOf(nil) is invalid; use the zero value of the
			// parameter type instead.
			argValues[i] = reflect.Zero(reflect.TypeOf(fn).In(i))
		} else {
			argValues[i] = reflect.ValueOf(arg)
		}
	}
	retValues := reflect.ValueOf(fn).Call(argValues)
	rets := make([]any, len(retValues))
	for i, ret := range retValues {
		rets[i] = ret.Interface()
	}
	return rets
}

func sprintSeq(vs []any) string {
	var sb strings.Builder
	for i, v := range vs {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%v", v)
	}
	return sb.String()
}
