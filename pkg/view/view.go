// Package view implements the per-view state machine that ties a render
// tree to a DOM subtree.
//
// A View owns exactly one render tree and one container element. Every
// incoming diff is merged into the tree, the tree is serialized, and the
// container is patched against the result. The View also tracks the nested
// view boundaries visible in its subtree and tells its Coordinator when one
// appears or disappears; it never joins or destroys children itself.
//
// All work for one view runs on a Runner goroutine: diffs are applied
// strictly in the order they arrive, a patch runs to completion before
// anything else touches the subtree, and deferred-removal timers post back
// onto the runner instead of firing concurrently. Views attached to the
// same document must share one Runner, since the document carries no lock
// of its own. In-order delivery across calls is the transport's obligation;
// the View assumes it rather than enforcing it.
package view

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/livetree/livetree/pkg/dom"
	"github.com/livetree/livetree/pkg/logutil"
	"github.com/livetree/livetree/pkg/morph"
	"github.com/livetree/livetree/pkg/rtree"
)

var logger = logutil.GetLogger("[view] ")

// State is the lifecycle state of a View.
type State int

const (
	// Unjoined is the initial state; no join has been requested yet.
	Unjoined State = iota
	// Joining means a join has been requested and its acknowledgment is
	// outstanding.
	Joining
	// Joined is the steady state in which diffs are applied.
	Joined
	// Errored means the join was rejected or the transport failed at
	// runtime. Diffs are no longer applied; a new join cycle may begin.
	Errored
	// Closed means the view was torn down, either because the transport
	// closed cleanly or because its owner destroyed it.
	Closed
)

func (s State) String() string {
	switch s {
	case Unjoined:
		return "unjoined"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Errored:
		return "errored"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Coordinator is the external join-coordinator. Its methods are called on
// the view's loop goroutine and must not call back into the notifying view
// synchronously.
type Coordinator interface {
	// ViewDiscovered reports a nested view boundary with no known owner.
	ViewDiscovered(parent *View, ref dom.ViewRef)
	// ViewLost reports that a nested view's boundary disappeared or changed
	// identity.
	ViewLost(parent *View, id string)
	// PatchApplied is emitted after each successful reconciliation.
	PatchApplied(v *View)
	// ViewClosed is emitted once when the view reaches the Closed state.
	ViewClosed(v *View)
}

// Options configure a View.
type Options struct {
	// Coordinator receives lifecycle notifications. Nil disables them.
	Coordinator Coordinator
	// Hooks are passed through to every patch.
	Hooks morph.Hooks
	// TransitionWindow is the default deferred-removal window.
	TransitionWindow time.Duration
	// Runner serializes work across every view sharing a document. Nil
	// creates a dedicated runner owned by this view, which is only safe
	// when no other view patches the same document.
	Runner *Runner
}

// Errors returned for calls that are invalid in the current state.
var (
	ErrNotJoined = errors.New("view not joined")
	ErrClosed    = errors.New("view closed")
	errBadState  = errors.New("call invalid in current state")
)

// View drives reconciliation for one DOM subtree.
type View struct {
	id        string
	doc       *dom.Document
	container *html.Node
	opts      Options

	// All fields below are owned by the runner goroutine.
	state    State
	tree     rtree.Node
	children map[string]string // boundary id -> session

	runner     *Runner
	ownsRunner bool
	closed     chan struct{}
	closeOnce  sync.Once
}

// New creates a view owning the given container element. The view starts
// Unjoined.
func New(id string, doc *dom.Document, container *html.Node, opts *Options) *View {
	if opts == nil {
		opts = &Options{}
	}
	v := &View{
		id:        id,
		doc:       doc,
		container: container,
		opts:      *opts,
		children:  make(map[string]string),
		runner:    opts.Runner,
		closed:    make(chan struct{}),
	}
	if v.runner == nil {
		v.runner = NewRunner()
		v.ownsRunner = true
	}
	return v
}

// ID returns the view's id.
func (v *View) ID() string { return v.id }

// Container returns the container element the view owns.
func (v *View) Container() *html.Node { return v.container }

// do runs f on the runner goroutine and waits for it to finish. It reports
// whether f ran; it does not run after the view is closed.
func (v *View) do(f func()) bool {
	select {
	case <-v.closed:
		return false
	default:
	}
	return v.runner.Do(f)
}

// post schedules f on the runner goroutine without waiting. Used by timers.
func (v *View) post(f func()) {
	select {
	case <-v.closed:
		return
	default:
	}
	v.runner.Post(f)
}

// State returns the view's current state.
func (v *View) State() State {
	var s State
	if !v.do(func() { s = v.state }) {
		return Closed
	}
	return s
}

// Tree returns the view's current render tree, or nil before the first
// join.
func (v *View) Tree() rtree.Node {
	var tree rtree.Node
	v.do(func() { tree = v.tree })
	return tree
}

// HTML returns the current markup of the view's container children.
func (v *View) HTML() (string, error) {
	var markup string
	var err error
	if !v.do(func() { markup, err = dom.RenderChildren(v.container) }) {
		return "", ErrClosed
	}
	return markup, err
}

// BeginJoin records that a join was requested. Valid when Unjoined, and
// when Errored to start a new join cycle.
func (v *View) BeginJoin() error {
	return v.call(func() error {
		if v.state != Unjoined && v.state != Errored {
			return fmt.Errorf("%w: join requested while %s", errBadState, v.state)
		}
		v.state = Joining
		return nil
	})
}

// Join acknowledges the join with the initial full tree: the render tree is
// initialized from it and the first patch is applied.
func (v *View) Join(tree rtree.Node) error {
	return v.call(func() error {
		if v.state != Joining {
			return fmt.Errorf("%w: join ack while %s", errBadState, v.state)
		}
		v.tree = tree
		if err := v.patch(nil); err != nil {
			return err
		}
		dom.RemoveAttr(v.container, dom.AttrDisconnected)
		v.state = Joined
		return nil
	})
}

// Repaint patches the container from a previously stored tree while the
// join round trip is in flight, so the user sees the last known markup
// instead of an empty container. The render tree and tracked children are
// left untouched; the join acknowledgment patches the real tree over this.
func (v *View) Repaint(tree rtree.Node) error {
	return v.call(func() error {
		if v.state != Joining {
			return fmt.Errorf("%w: repaint while %s", errBadState, v.state)
		}
		_, err := morph.Patch(v.doc, v.container, rtree.Render(tree), v.patchOptions(nil))
		return err
	})
}

// JoinFailed records a rejected or timed out join. The view shows a
// persistent error presentation; it does not retry by itself.
func (v *View) JoinFailed(reason error) {
	v.do(func() {
		logger.Printf("view %s: join failed: %v", v.id, reason)
		v.state = Errored
		dom.SetAttr(v.container, dom.AttrDisconnected, "error")
	})
}

// ApplyDiff merges a diff into the render tree, serializes, and patches the
// container, applying any stream operations afterwards. Valid only when
// Joined; diffs arriving in any other state are not applied.
func (v *View) ApplyDiff(diff rtree.Node, streams []morph.StreamOp) error {
	return v.call(func() error {
		if v.state != Joined {
			logger.Printf("view %s: dropping diff while %s", v.id, v.state)
			return ErrNotJoined
		}
		v.tree = rtree.Merge(v.tree, diff)
		return v.patch(streams)
	})
}

// ApplyStreams applies stream operations without a tree change: the current
// tree is re-serialized and patched with the given operations.
func (v *View) ApplyStreams(streams []morph.StreamOp) error {
	return v.call(func() error {
		if v.state != Joined {
			return ErrNotJoined
		}
		return v.patch(streams)
	})
}

// ApplyElement patches the single element with the given key against the
// rendered form of node, leaving the rest of the subtree alone. A missing
// target returns morph.ErrTargetMissing without mutation; the caller may
// fall back to a full patch on the next diff.
func (v *View) ApplyElement(key string, node rtree.Node) error {
	return v.call(func() error {
		if v.state != Joined {
			return ErrNotJoined
		}
		res, err := morph.PatchElement(v.doc, key, rtree.Render(node), v.patchOptions(nil))
		if err != nil {
			return err
		}
		// A scoped patch only sees one element; absence of a boundary
		// elsewhere means nothing here.
		v.trackViews(res, true)
		return nil
	})
}

// TransportError records a runtime transport failure: the view stops
// applying diffs and shows a persistent disconnected presentation.
func (v *View) TransportError(reason error) {
	v.do(func() {
		if v.state == Closed {
			return
		}
		logger.Printf("view %s: transport error: %v", v.id, reason)
		v.state = Errored
		dom.SetAttr(v.container, dom.AttrDisconnected, "error")
	})
}

// Close tears the view down. All known children are reported lost and the
// coordinator is notified once. A shared runner keeps running for the other
// views; a dedicated one stops. Close is idempotent.
func (v *View) Close() {
	v.do(func() {
		if v.state == Closed {
			return
		}
		v.state = Closed
		dom.SetAttr(v.container, dom.AttrDisconnected, "closed")
		for id := range v.children {
			v.notifyLost(id)
		}
		v.children = map[string]string{}
		if v.opts.Coordinator != nil {
			v.opts.Coordinator.ViewClosed(v)
		}
	})
	v.closeOnce.Do(func() { close(v.closed) })
	if v.ownsRunner {
		v.runner.Close()
	}
}

// call runs f on the loop and propagates its error.
func (v *View) call(f func() error) error {
	var err error
	if !v.do(func() { err = f() }) {
		return ErrClosed
	}
	return err
}

// patch serializes the current tree and reconciles the container against
// it.
func (v *View) patch(streams []morph.StreamOp) error {
	res, err := morph.Patch(v.doc, v.container, rtree.Render(v.tree), v.patchOptions(streams))
	if err != nil {
		return err
	}
	v.trackViews(res, false)
	return nil
}

func (v *View) patchOptions(streams []morph.StreamOp) *morph.Options {
	return &morph.Options{
		Hooks:            v.opts.Hooks,
		Streams:          streams,
		TransitionWindow: v.opts.TransitionWindow,
		Schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, func() { v.post(fn) })
		},
		OnPatched: func() {
			if v.opts.Coordinator != nil {
				v.opts.Coordinator.PatchApplied(v)
			}
		},
	}
}

// trackViews updates the set of known nested views from a patch result and
// notifies the coordinator about the difference. For a scoped patch the
// result only covers one element, so children absent from it are not lost.
func (v *View) trackViews(res *morph.Result, scoped bool) {
	for _, id := range res.LostViews {
		if _, known := v.children[id]; known {
			delete(v.children, id)
			v.notifyLost(id)
		}
	}
	if !scoped {
		current := make(map[string]string, len(res.Views))
		for _, ref := range res.Views {
			current[ref.ID] = ref.Session
		}
		for id := range v.children {
			if _, still := current[id]; !still {
				delete(v.children, id)
				v.notifyLost(id)
			}
		}
	}
	for _, ref := range res.Views {
		if _, known := v.children[ref.ID]; !known {
			v.children[ref.ID] = ref.Session
			if v.opts.Coordinator != nil {
				v.opts.Coordinator.ViewDiscovered(v, ref)
			}
		}
	}
}

func (v *View) notifyLost(id string) {
	if v.opts.Coordinator != nil {
		v.opts.Coordinator.ViewLost(v, id)
	}
}
