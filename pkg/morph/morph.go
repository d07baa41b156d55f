// Package morph patches a live DOM subtree against freshly serialized
// markup, mutating the live tree into the new shape with minimal operations.
//
// Patching is keyed where possible: an element that declares a stable key is
// matched with the element carrying the same key in the new markup even if
// its position changed, and is relocated rather than recreated. Elements
// without keys fall back to positional and tag matching.
//
// Before generic diffing, each matched element is checked against a fixed
// precedence list: ignored and client-owned elements only get their
// attributes merged, nested view boundaries are never descended into, and a
// focused editable element keeps its live value and selection no matter what
// the new markup declares for it.
//
// A single patch invocation is stateless; all cross-call bookkeeping lives
// in the Document's side maps.
package morph

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/net/html"

	"github.com/livetree/livetree/pkg/dom"
	"github.com/livetree/livetree/pkg/logutil"
)

var logger = logutil.GetLogger("[morph] ")

// ErrTargetMissing is returned by PatchElement when the keyed target does
// not exist in the live document. No mutation has happened when it is
// returned; the caller may fall back to a full-subtree patch.
var ErrTargetMissing = errors.New("patch target not found")

// Hooks are the fixed callback stages of a patch. The Before stages may veto
// the operation by returning false. Stage order per node is a contract:
// BeforeNodeAdded precedes the insertion, AfterNodeAdded follows it, and
// likewise for updates and discards.
type Hooks interface {
	BeforeNodeAdded(n *html.Node) bool
	AfterNodeAdded(n *html.Node)
	BeforeElementUpdated(old, new *html.Node) bool
	AfterElementUpdated(old *html.Node)
	BeforeNodeDiscarded(n *html.Node) bool
	AfterNodeDiscarded(n *html.Node)
}

// NopHooks implements Hooks with no-ops that never veto. Embed it to
// implement only some stages.
type NopHooks struct{}

func (NopHooks) BeforeNodeAdded(*html.Node) bool           { return true }
func (NopHooks) AfterNodeAdded(*html.Node)                 {}
func (NopHooks) BeforeElementUpdated(o, n *html.Node) bool { return true }
func (NopHooks) AfterElementUpdated(*html.Node)            {}
func (NopHooks) BeforeNodeDiscarded(*html.Node) bool       { return true }
func (NopHooks) AfterNodeDiscarded(*html.Node)             {}

// StreamMode is the declared ordering mode of a stream.
type StreamMode int

const (
	// StreamAppend places inserted children at the end of the group, except
	// that an insert run starting at an existing child is anchored at that
	// child instead.
	StreamAppend StreamMode = iota
	// StreamPrepend places inserted children at the front of the group.
	StreamPrepend
	// StreamSort reorders the whole group by ascending numeric value of the
	// sort attribute after inserts and deletes are applied.
	StreamSort
)

// StreamOp is one update to a stream: the key of the parent element, the
// keys to insert in order, the keys to delete, and the parent's declared
// ordering mode. Inserted keys may include existing children; they act as
// position anchors for the keys that follow them in the list.
type StreamOp struct {
	Parent   string
	Inserts  []string
	Deletes  []string
	Mode     StreamMode
	SortAttr string
}

// Options configure a patch.
type Options struct {
	// Hooks receives the per-node callbacks. Nil means no hooks.
	Hooks Hooks
	// Streams are applied after the generic walk.
	Streams []StreamOp
	// TransitionWindow is the default window for deferred removals; an
	// element's own transition marker overrides it.
	TransitionWindow time.Duration
	// Schedule runs fn after d. It defaults to time.AfterFunc; a caller
	// with an event loop injects a scheduler that posts fn onto the loop.
	Schedule func(d time.Duration, fn func())
	// OnPatched, if non-nil, is called once after a successful patch.
	OnPatched func()
}

// Result reports what a patch observed about nested view boundaries.
type Result struct {
	// Views are the boundaries present in the patched scope afterwards, in
	// document order.
	Views []dom.ViewRef
	// LostViews are ids of boundaries that were discarded, or whose session
	// marker changed, during this patch.
	LostViews []string
}

// Patch reconciles the entire child list of container against markup.
func Patch(doc *dom.Document, container *html.Node, markup string, opts *Options) (*Result, error) {
	newChildren, err := doc.ParseFragment(container, markup)
	if err != nil {
		return nil, err
	}
	p := newPatcher(doc, opts)
	p.patchChildren(container, newChildren)
	p.applyStreams()
	p.result.Views = dom.Views(container)
	p.done()
	return p.result, nil
}

// PatchElement reconciles the single element carrying the given key against
// markup for that element. If no element in the document carries the key it
// returns ErrTargetMissing without mutating anything.
func PatchElement(doc *dom.Document, key, markup string, opts *Options) (*Result, error) {
	target := doc.ElementByKey(key)
	if target == nil || target.Parent == nil {
		return nil, ErrTargetMissing
	}
	parsed, err := doc.ParseFragment(target.Parent, markup)
	if err != nil {
		return nil, err
	}
	var newEl *html.Node
	for _, n := range parsed {
		if dom.IsElement(n) {
			newEl = n
			break
		}
	}
	if newEl == nil {
		return nil, fmt.Errorf("patch element %q: markup contains no element", key)
	}
	p := newPatcher(doc, opts)
	if target.Data != newEl.Data {
		if p.replace(target, newEl) {
			target = newEl
		}
	} else {
		p.morphElement(target, newEl)
	}
	p.applyStreams()
	p.result.Views = dom.Views(target)
	p.done()
	return p.result, nil
}

type patcher struct {
	doc    *dom.Document
	opts   *Options
	hooks  Hooks
	result *Result
	// Nodes inserted by this patch, so stream placement can tell new
	// children from pre-existing anchors.
	added map[*html.Node]bool
	// Union of the delete sets of all stream ops in this patch.
	deleted map[string]bool
}

func newPatcher(doc *dom.Document, opts *Options) *patcher {
	if opts == nil {
		opts = &Options{}
	}
	hooks := opts.Hooks
	if hooks == nil {
		hooks = NopHooks{}
	}
	p := &patcher{
		doc:     doc,
		opts:    opts,
		hooks:   hooks,
		result:  &Result{},
		added:   make(map[*html.Node]bool),
		deleted: make(map[string]bool),
	}
	for _, op := range opts.Streams {
		for _, key := range op.Deletes {
			p.deleted[key] = true
		}
	}
	return p
}

func (p *patcher) done() {
	if p.opts.OnPatched != nil {
		p.opts.OnPatched()
	}
}

// patchChildren reconciles the children of parent against newChildren,
// which must be detached nodes.
func (p *patcher) patchChildren(parent *html.Node, newChildren []*html.Node) {
	oldKeyed := make(map[string]*html.Node)
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if dom.IsElement(c) {
			if key := dom.Key(c); key != "" {
				oldKeyed[key] = c
			}
		}
	}

	cur := parent.FirstChild
	for _, newC := range newChildren {
		if dom.IsElement(newC) {
			if key := dom.Key(newC); key != "" {
				if old := oldKeyed[key]; old != nil {
					delete(oldKeyed, key)
					if old == cur {
						cur = cur.NextSibling
					} else {
						// Keyed node moved: relocate the live node, keeping
						// its identity.
						parent.RemoveChild(old)
						parent.InsertBefore(old, cur)
					}
					if old.Data == newC.Data {
						p.morphElement(old, newC)
					} else {
						p.replace(old, newC)
					}
					continue
				}
				p.insertBefore(parent, newC, cur)
				continue
			}
		}
		if cur != nil && compatible(cur, newC) {
			matched := cur
			cur = cur.NextSibling
			p.morphNode(matched, newC)
			continue
		}
		p.insertBefore(parent, newC, cur)
	}

	var leftover []*html.Node
	for c := cur; c != nil; c = c.NextSibling {
		leftover = append(leftover, c)
	}
	for _, c := range leftover {
		if p.keepLeftover(c) {
			continue
		}
		p.discardOrDefer(c)
	}
}

// keepLeftover reports whether an old child absent from the new markup must
// be preserved: stream members live until their stream deletes them, and a
// node already pending removal is left to its timer.
func (p *patcher) keepLeftover(c *html.Node) bool {
	if p.doc.IsPending(c) {
		return true
	}
	if !dom.IsElement(c) || !dom.HasAttr(c, dom.AttrStream) {
		return false
	}
	return !p.deleted[dom.Key(c)]
}

// compatible reports whether an old node can be positionally matched with a
// new node.
func compatible(old, new *html.Node) bool {
	if old.Type != new.Type {
		return false
	}
	if old.Type != html.ElementNode {
		return true
	}
	return old.Data == new.Data && dom.Key(old) == dom.Key(new)
}

func (p *patcher) morphNode(old, new *html.Node) {
	if old.Type == html.ElementNode {
		p.morphElement(old, new)
		return
	}
	if old.Data != new.Data {
		old.Data = new.Data
	}
}

// morphElement updates old in place from new. The two elements have the
// same tag.
func (p *patcher) morphElement(old, new *html.Node) {
	// The new markup declares the element again; any removal scheduled for
	// it is obsolete.
	p.doc.ClearPending(old)
	if !p.hooks.BeforeElementUpdated(old, new) {
		return
	}
	switch {
	case dom.HasAttr(old, dom.AttrIgnore) || dom.HasAttr(old, dom.AttrSticky):
		// Children are owned elsewhere; merge attributes only.
		p.mergeAttrs(old, new, false)
	case dom.HasAttr(old, dom.AttrView) && dom.HasAttr(new, dom.AttrView):
		oldSession, _ := dom.Attr(old, dom.AttrSession)
		newSession, _ := dom.Attr(new, dom.AttrSession)
		if oldSession != newSession {
			// The boundary now belongs to a different view instance. The
			// old one must be destroyed and the new one joined; patching in
			// place would mix their subtrees.
			p.result.LostViews = append(p.result.LostViews, dom.Key(old))
		}
		p.mergeAttrs(old, new, false)
	case p.doc.Focused() == old && dom.IsEditable(old):
		// In-progress typing must never be clobbered. Merge everything but
		// the value, and leave the children (a textarea's default text)
		// alone.
		p.mergeAttrs(old, new, true)
	default:
		p.mergeAttrs(old, new, false)
		if dom.IsEditable(old) {
			// The server's value is now authoritative.
			p.doc.ClearInputState(old)
		}
		p.patchChildren(old, detachChildren(new))
	}
	p.hooks.AfterElementUpdated(old)
}

// mergeAttrs makes old's attributes match new's. With keepValue, the value
// attribute is neither overwritten nor removed.
func (p *patcher) mergeAttrs(old, new *html.Node, keepValue bool) {
	newAttrs := make(map[string]string, len(new.Attr))
	for _, a := range new.Attr {
		newAttrs[a.Key] = a.Val
	}
	kept := old.Attr[:0]
	for _, a := range old.Attr {
		if _, ok := newAttrs[a.Key]; ok || (keepValue && a.Key == "value") {
			kept = append(kept, a)
		}
	}
	old.Attr = kept
	for _, a := range new.Attr {
		if keepValue && a.Key == "value" {
			continue
		}
		dom.SetAttr(old, a.Key, a.Val)
	}
}

func (p *patcher) insertBefore(parent, n, before *html.Node) {
	if !p.hooks.BeforeNodeAdded(n) {
		return
	}
	parent.InsertBefore(n, before)
	p.added[n] = true
	p.hooks.AfterNodeAdded(n)
}

// replace swaps old for new in place and reports whether it did. A vetoed
// add leaves the old node in the tree untouched, like a vetoed update.
func (p *patcher) replace(old, new *html.Node) bool {
	if !p.hooks.BeforeNodeAdded(new) {
		return false
	}
	old.Parent.InsertBefore(new, old)
	p.added[new] = true
	p.hooks.AfterNodeAdded(new)
	p.discard(old)
	return true
}

func (p *patcher) discardOrDefer(c *html.Node) {
	if dom.IsElement(c) && dom.HasAttr(c, dom.AttrDeferRemove) {
		p.deferDiscard(c)
		return
	}
	p.discard(c)
}

// deferDiscard schedules c's removal after its transition window. The timer
// is a no-op if c was removed, or declared again by a later patch, before it
// fires.
func (p *patcher) deferDiscard(c *html.Node) {
	if p.doc.IsPending(c) {
		// A removal is already scheduled; don't stack timers.
		return
	}
	window := p.opts.TransitionWindow
	if ms, ok := dom.TransitionWindow(c); ok {
		window = time.Duration(ms) * time.Millisecond
	}
	p.doc.MarkPending(c)
	doc, hooks := p.doc, p.hooks
	p.schedule(window, func() {
		if !doc.IsPending(c) || !doc.Attached(c) {
			return
		}
		doc.ClearPending(c)
		if !hooks.BeforeNodeDiscarded(c) {
			return
		}
		doc.Detach(c)
		hooks.AfterNodeDiscarded(c)
	})
}

func (p *patcher) schedule(d time.Duration, fn func()) {
	if p.opts.Schedule != nil {
		p.opts.Schedule(d, fn)
		return
	}
	time.AfterFunc(d, fn)
}

func (p *patcher) discard(c *html.Node) {
	if !p.hooks.BeforeNodeDiscarded(c) {
		return
	}
	if dom.IsElement(c) {
		if dom.HasAttr(c, dom.AttrView) {
			p.result.LostViews = append(p.result.LostViews, dom.Key(c))
		}
		for _, ref := range dom.Views(c) {
			p.result.LostViews = append(p.result.LostViews, ref.ID)
		}
	}
	p.doc.Detach(c)
	p.hooks.AfterNodeDiscarded(c)
}

func detachChildren(n *html.Node) []*html.Node {
	var children []*html.Node
	for n.FirstChild != nil {
		c := n.FirstChild
		n.RemoveChild(c)
		children = append(children, c)
	}
	return children
}
