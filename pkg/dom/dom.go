// Package dom wraps an HTML node tree from golang.org/x/net/html in a
// Document that plays the role of the live document: it tracks focus,
// transient per-element input state, and the element-level markers that the
// reconciler recognizes.
//
// Transient state is kept in side maps keyed by node identity, never as
// attributes on the nodes, so it can never leak into serialized markup.
package dom

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Marker attributes recognized on elements. Together with the stable key
// attribute they form the contract owed by markup producers.
const (
	// AttrKey is the stable key attribute. Anything that needs identity
	// across patches must carry one, unique within its patched scope.
	AttrKey = "id"
	// AttrIgnore marks an element whose children are never touched by a
	// patch; only its attributes are merged.
	AttrIgnore = "lt-ignore"
	// AttrSticky marks a client-owned element. Treated like AttrIgnore; the
	// distinct name records that an external collaborator manages the
	// subtree.
	AttrSticky = "lt-sticky"
	// AttrView marks a nested view boundary. The element's key is the view
	// id and AttrSession carries its identity marker.
	AttrView = "lt-view"
	// AttrSession is the identity marker of a nested view. A changed value
	// means the old view must be destroyed and a new one joined.
	AttrSession = "lt-session"
	// AttrStream marks an element as a member of the stream named by the
	// attribute value.
	AttrStream = "lt-stream"
	// AttrDeferRemove marks an element whose removal is deferred until its
	// transition window elapses.
	AttrDeferRemove = "lt-defer-remove"
	// AttrTransition overrides the transition window for a deferred
	// removal, in milliseconds.
	AttrTransition = "lt-transition"
	// AttrDisconnected is set on a view container while the view is in an
	// errored or closed state.
	AttrDisconnected = "lt-disconnected"
)

// Attr returns the value of the named attribute and whether it is present.
func Attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// HasAttr reports whether the named attribute is present.
func HasAttr(n *html.Node, name string) bool {
	_, ok := Attr(n, name)
	return ok
}

// SetAttr sets the named attribute, replacing an existing value.
func SetAttr(n *html.Node, name, value string) {
	for i, a := range n.Attr {
		if a.Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

// RemoveAttr removes the named attribute if present.
func RemoveAttr(n *html.Node, name string) {
	for i, a := range n.Attr {
		if a.Key == name {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

// Key returns the stable key of the element, or "" if it has none.
func Key(n *html.Node) string {
	key, _ := Attr(n, AttrKey)
	return key
}

// IsElement reports whether n is an element node.
func IsElement(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode
}

// IsEditable reports whether n is an element that accepts user input.
func IsEditable(n *html.Node) bool {
	if !IsElement(n) {
		return false
	}
	switch n.Data {
	case "input", "textarea", "select":
		return true
	}
	return false
}

// TransitionWindow returns the element's declared transition window and
// whether one is declared.
func TransitionWindow(n *html.Node) (ms int, ok bool) {
	raw, ok := Attr(n, AttrTransition)
	if !ok {
		return 0, false
	}
	ms, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || ms < 0 {
		return 0, false
	}
	return ms, true
}

// ViewRef identifies a nested view boundary: the element key naming the view
// and its session identity marker.
type ViewRef struct {
	ID      string
	Session string
}

// Views collects the nested view boundaries in the subtree rooted at n,
// in document order. It does not descend into a boundary: views nested
// further down are owned by the child view, not by this scope. The root
// itself is not reported.
func Views(n *html.Node) []ViewRef {
	var refs []ViewRef
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if IsElement(c) && HasAttr(c, AttrView) {
			session, _ := Attr(c, AttrSession)
			refs = append(refs, ViewRef{ID: Key(c), Session: session})
			continue
		}
		refs = append(refs, Views(c)...)
	}
	return refs
}
