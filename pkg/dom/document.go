package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/livetree/livetree/pkg/errutil"
)

// Document owns a live HTML node tree along with the client-only state that
// must survive patches: which element is focused, the in-progress value and
// selection of editable elements, and which elements have a removal pending.
type Document struct {
	root *html.Node // the document node
	body *html.Node

	focused *html.Node
	inputs  map[*html.Node]InputState
	pending map[*html.Node]struct{}
}

// InputState is the transient state of an editable element: the live value
// as the user last left it, and the selection range within it.
type InputState struct {
	Value    string
	SelStart int
	SelEnd   int
}

// Parse parses a complete HTML document.
func Parse(markup string) (*Document, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	body := findBody(root)
	if body == nil {
		return nil, fmt.Errorf("parse document: no body element")
	}
	return &Document{
		root:    root,
		body:    body,
		inputs:  make(map[*html.Node]InputState),
		pending: make(map[*html.Node]struct{}),
	}, nil
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "body" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if body := findBody(c); body != nil {
			return body
		}
	}
	return nil
}

// Body returns the document's body element.
func (d *Document) Body() *html.Node { return d.body }

// ElementByKey returns the element with the given stable key, or nil.
func (d *Document) ElementByKey(key string) *html.Node {
	if key == "" {
		return nil
	}
	return findKey(d.body, key)
}

func findKey(n *html.Node, key string) *html.Node {
	if IsElement(n) && Key(n) == key {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findKey(c, key); found != nil {
			return found
		}
	}
	return nil
}

// ParseFragment parses markup as it would appear inside the given context
// element and returns the resulting detached nodes.
func (d *Document) ParseFragment(context *html.Node, markup string) ([]*html.Node, error) {
	nodes, err := html.ParseFragment(strings.NewReader(markup), context)
	if err != nil {
		return nil, fmt.Errorf("parse fragment: %w", err)
	}
	return nodes, nil
}

// Render serializes the subtree rooted at n back to markup.
func Render(n *html.Node) (string, error) {
	var sb strings.Builder
	if err := html.Render(&sb, n); err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	return sb.String(), nil
}

// RenderChildren serializes the children of n, in order.
func RenderChildren(n *html.Node) (string, error) {
	var sb strings.Builder
	var errs error
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		errs = errutil.Multi(errs, html.Render(&sb, c))
	}
	if errs != nil {
		return "", fmt.Errorf("render: %w", errs)
	}
	return sb.String(), nil
}

// Focus records n as the focused element.
func (d *Document) Focus(n *html.Node) { d.focused = n }

// Blur clears the focused element.
func (d *Document) Blur() { d.focused = nil }

// Focused returns the focused element, or nil.
func (d *Document) Focused() *html.Node { return d.focused }

// SetInputState records the transient input state of an editable element.
func (d *Document) SetInputState(n *html.Node, state InputState) {
	d.inputs[n] = state
}

// InputStateOf returns the transient input state of n and whether any is
// recorded.
func (d *Document) InputStateOf(n *html.Node) (InputState, bool) {
	state, ok := d.inputs[n]
	return state, ok
}

// ClearInputState drops any transient input state recorded for n.
func (d *Document) ClearInputState(n *html.Node) {
	delete(d.inputs, n)
}

// MarkPending records that n has a deferred removal scheduled.
func (d *Document) MarkPending(n *html.Node) {
	d.pending[n] = struct{}{}
}

// IsPending reports whether n has a deferred removal scheduled.
func (d *Document) IsPending(n *html.Node) bool {
	_, ok := d.pending[n]
	return ok
}

// ClearPending forgets a scheduled removal for n, if any.
func (d *Document) ClearPending(n *html.Node) {
	delete(d.pending, n)
}

// Detach removes n from its parent and forgets all transient state for n and
// its descendants. It is a no-op if n is already detached.
func (d *Document) Detach(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
	d.forget(n)
}

func (d *Document) forget(n *html.Node) {
	if d.focused == n {
		d.focused = nil
	}
	delete(d.inputs, n)
	delete(d.pending, n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		d.forget(c)
	}
}

// Attached reports whether n is still reachable from the document body.
func (d *Document) Attached(n *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n == d.body {
			return true
		}
	}
	return false
}
