package morph

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/html"

	"github.com/livetree/livetree/pkg/dom"
	"github.com/livetree/livetree/pkg/must"
)

func newDoc(t *testing.T, inner string) (*dom.Document, *html.Node) {
	t.Helper()
	d := must.OK1(dom.Parse("<html><body>" + inner + "</body></html>"))
	return d, d.Body()
}

// childKeys returns the key of each element child, or its tag for unkeyed
// elements, in order.
func childKeys(n *html.Node) []string {
	var keys []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !dom.IsElement(c) {
			continue
		}
		if key := dom.Key(c); key != "" {
			keys = append(keys, key)
		} else {
			keys = append(keys, c.Data)
		}
	}
	return keys
}

func mustPatch(t *testing.T, doc *dom.Document, container *html.Node, markup string, opts *Options) *Result {
	t.Helper()
	res, err := Patch(doc, container, markup, opts)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	return res
}

func TestPatch_UpdatesTextInPlace(t *testing.T) {
	doc, body := newDoc(t, `<p id="msg">old</p>`)
	p := doc.ElementByKey("msg")
	mustPatch(t, doc, body, `<p id="msg">new</p>`, nil)
	if doc.ElementByKey("msg") != p {
		t.Errorf("element recreated, want updated in place")
	}
	if got := p.FirstChild.Data; got != "new" {
		t.Errorf("text = %q, want new", got)
	}
}

func TestPatch_UpdatesAttributes(t *testing.T) {
	doc, body := newDoc(t, `<div id="box" class="old" title="gone"></div>`)
	mustPatch(t, doc, body, `<div id="box" class="new" lang="en"></div>`, nil)
	box := doc.ElementByKey("box")
	if v, _ := dom.Attr(box, "class"); v != "new" {
		t.Errorf("class = %q, want new", v)
	}
	if dom.HasAttr(box, "title") {
		t.Errorf("title attribute not removed")
	}
	if v, _ := dom.Attr(box, "lang"); v != "en" {
		t.Errorf("lang = %q, want en", v)
	}
}

func TestPatch_InsertsAndRemoves(t *testing.T) {
	doc, body := newDoc(t, `<p id="a">a</p><p id="b">b</p>`)
	mustPatch(t, doc, body, `<p id="a">a</p><p id="c">c</p>`, nil)
	want := []string{"a", "c"}
	if diff := cmp.Diff(want, childKeys(body)); diff != "" {
		t.Errorf("children (-want +got):\n%s", diff)
	}
}

func TestPatch_KeyedNodeMovedNotRecreated(t *testing.T) {
	doc, body := newDoc(t,
		`<div id="row-1"></div><div id="row-3"></div><div id="row-5"></div>`)
	row5 := doc.ElementByKey("row-5")
	mustPatch(t, doc, body,
		`<div id="row-5"></div><div id="row-1"></div><div id="row-3"></div>`, nil)
	if doc.ElementByKey("row-5") != row5 {
		t.Errorf("moved keyed node was recreated, want the same node")
	}
	want := []string{"row-5", "row-1", "row-3"}
	if diff := cmp.Diff(want, childKeys(body)); diff != "" {
		t.Errorf("children (-want +got):\n%s", diff)
	}
}

func TestPatch_KeyedTagChangeReplaces(t *testing.T) {
	doc, body := newDoc(t, `<div id="x">old</div>`)
	old := doc.ElementByKey("x")
	mustPatch(t, doc, body, `<span id="x">new</span>`, nil)
	got := doc.ElementByKey("x")
	if got == old {
		t.Errorf("tag change patched in place, want replacement")
	}
	if got.Data != "span" {
		t.Errorf("tag = %q, want span", got.Data)
	}
}

func TestPatch_FocusedInputKeepsDraft(t *testing.T) {
	doc, body := newDoc(t, `<input id="name" value="server-old" class="old">`)
	input := doc.ElementByKey("name")
	doc.Focus(input)
	doc.SetInputState(input, dom.InputState{Value: "draft", SelStart: 5, SelEnd: 5})

	mustPatch(t, doc, body, `<input id="name" value="server-value" class="new">`, nil)

	if doc.ElementByKey("name") != input {
		t.Fatalf("focused input recreated")
	}
	state, ok := doc.InputStateOf(input)
	if !ok || state.Value != "draft" || state.SelStart != 5 || state.SelEnd != 5 {
		t.Errorf("input state = %+v, %v; want draft with selection 5-5", state, ok)
	}
	if v, _ := dom.Attr(input, "value"); v != "server-old" {
		t.Errorf("value attribute = %q, want untouched server-old", v)
	}
	if v, _ := dom.Attr(input, "class"); v != "new" {
		t.Errorf("class = %q, want new: non-value attributes must still merge", v)
	}
	if doc.Focused() != input {
		t.Errorf("focus lost across patch")
	}
}

func TestPatch_UnfocusedInputTakesServerValue(t *testing.T) {
	doc, body := newDoc(t, `<input id="name" value="server-old">`)
	input := doc.ElementByKey("name")
	doc.SetInputState(input, dom.InputState{Value: "draft"})

	mustPatch(t, doc, body, `<input id="name" value="server-value">`, nil)

	if v, _ := dom.Attr(input, "value"); v != "server-value" {
		t.Errorf("value attribute = %q, want server-value", v)
	}
	if _, ok := doc.InputStateOf(input); ok {
		t.Errorf("stale draft survived on an unfocused input")
	}
}

func TestPatch_IgnoredSubtreeKeepsChildren(t *testing.T) {
	doc, body := newDoc(t,
		`<div id="map" lt-ignore class="old"><b>client content</b></div>`)
	mustPatch(t, doc, body,
		`<div id="map" lt-ignore class="new"><i>server content</i></div>`, nil)
	box := doc.ElementByKey("map")
	if v, _ := dom.Attr(box, "class"); v != "new" {
		t.Errorf("class = %q, want new: attributes still merge on ignored elements", v)
	}
	got := must.OK1(dom.RenderChildren(box))
	if want := "<b>client content</b>"; got != want {
		t.Errorf("children = %q, want %q verbatim", got, want)
	}
}

func TestPatch_StickySubtreeKeepsChildren(t *testing.T) {
	doc, body := newDoc(t, `<div id="w" lt-sticky><b>owned</b></div>`)
	mustPatch(t, doc, body, `<div id="w" lt-sticky><i>other</i></div>`, nil)
	got := must.OK1(dom.RenderChildren(doc.ElementByKey("w")))
	if want := "<b>owned</b>"; got != want {
		t.Errorf("children = %q, want %q verbatim", got, want)
	}
}

func TestPatch_ViewBoundaryNotDescended(t *testing.T) {
	doc, body := newDoc(t,
		`<div id="child" lt-view lt-session="s1" class="old"><p>child dom</p></div>`)
	res := mustPatch(t, doc, body,
		`<div id="child" lt-view lt-session="s1" class="new"><p>server dom</p></div>`, nil)
	box := doc.ElementByKey("child")
	if v, _ := dom.Attr(box, "class"); v != "new" {
		t.Errorf("class = %q, want new", v)
	}
	got := must.OK1(dom.RenderChildren(box))
	if want := "<p>child dom</p>"; got != want {
		t.Errorf("children = %q, want %q: nested view owns its subtree", got, want)
	}
	if len(res.LostViews) != 0 {
		t.Errorf("LostViews = %v, want none", res.LostViews)
	}
	want := []dom.ViewRef{{ID: "child", Session: "s1"}}
	if diff := cmp.Diff(want, res.Views); diff != "" {
		t.Errorf("Views (-want +got):\n%s", diff)
	}
}

func TestPatch_SessionChangeSignalsViewTurnover(t *testing.T) {
	doc, body := newDoc(t, `<div id="child" lt-view lt-session="s1"></div>`)
	res := mustPatch(t, doc, body, `<div id="child" lt-view lt-session="s2"></div>`, nil)
	if diff := cmp.Diff([]string{"child"}, res.LostViews); diff != "" {
		t.Errorf("LostViews (-want +got):\n%s", diff)
	}
	want := []dom.ViewRef{{ID: "child", Session: "s2"}}
	if diff := cmp.Diff(want, res.Views); diff != "" {
		t.Errorf("Views (-want +got):\n%s", diff)
	}
}

func TestPatch_DiscardedBoundaryReportedLost(t *testing.T) {
	doc, body := newDoc(t,
		`<section><div id="child" lt-view lt-session="s1"></div></section>`)
	res := mustPatch(t, doc, body, `<section></section>`, nil)
	if diff := cmp.Diff([]string{"child"}, res.LostViews); diff != "" {
		t.Errorf("LostViews (-want +got):\n%s", diff)
	}
	if len(res.Views) != 0 {
		t.Errorf("Views = %v, want none", res.Views)
	}
}

func TestPatch_NewBoundaryDiscovered(t *testing.T) {
	doc, body := newDoc(t, `<p>plain</p>`)
	res := mustPatch(t, doc, body,
		`<p>plain</p><div id="modal" lt-view lt-session="s9"></div>`, nil)
	want := []dom.ViewRef{{ID: "modal", Session: "s9"}}
	if diff := cmp.Diff(want, res.Views); diff != "" {
		t.Errorf("Views (-want +got):\n%s", diff)
	}
}

func TestPatch_DeferredRemoval(t *testing.T) {
	doc, body := newDoc(t,
		`<p id="keep"></p><div id="toast" lt-defer-remove lt-transition="40"></div>`)
	toast := doc.ElementByKey("toast")

	var fired func()
	var window time.Duration
	opts := &Options{Schedule: func(d time.Duration, fn func()) {
		window, fired = d, fn
	}}
	mustPatch(t, doc, body, `<p id="keep"></p>`, opts)

	if !doc.Attached(toast) {
		t.Fatalf("deferred node removed immediately")
	}
	if fired == nil {
		t.Fatalf("no removal scheduled")
	}
	if window != 40*time.Millisecond {
		t.Errorf("window = %v, want 40ms from the transition marker", window)
	}

	fired()
	if doc.Attached(toast) {
		t.Errorf("node still attached after its transition window")
	}
	// Firing again must be a no-op.
	fired()
}

func TestPatch_DeferredRemovalCanceledByRedeclaration(t *testing.T) {
	doc, body := newDoc(t, `<div id="toast" lt-defer-remove></div>`)
	toast := doc.ElementByKey("toast")

	var fired func()
	opts := &Options{Schedule: func(d time.Duration, fn func()) { fired = fn }}
	mustPatch(t, doc, body, ``, opts)
	if !doc.Attached(toast) {
		t.Fatalf("deferred node removed immediately")
	}

	// A later patch declares the element again before the window elapses.
	mustPatch(t, doc, body, `<div id="toast" lt-defer-remove></div>`, opts)
	fired()
	if !doc.Attached(toast) {
		t.Errorf("redeclared node removed by a stale timer")
	}
}

func TestPatch_DeferredRemovalIdempotentAfterDetach(t *testing.T) {
	doc, body := newDoc(t, `<div id="toast" lt-defer-remove></div>`)
	toast := doc.ElementByKey("toast")

	var fired func()
	opts := &Options{Schedule: func(d time.Duration, fn func()) { fired = fn }}
	mustPatch(t, doc, body, ``, opts)

	// An unrelated removal beats the timer.
	doc.Detach(toast)
	fired() // must not panic or mutate anything
}

func TestPatchElement_Scoped(t *testing.T) {
	doc, body := newDoc(t, `<p id="a">a</p><p id="b">b</p>`)
	res, err := PatchElement(doc, "b", `<p id="b" class="hot">b2</p>`, nil)
	if err != nil {
		t.Fatalf("PatchElement: %v", err)
	}
	if res == nil {
		t.Fatalf("PatchElement returned nil result")
	}
	b := doc.ElementByKey("b")
	if got := b.FirstChild.Data; got != "b2" {
		t.Errorf("text = %q, want b2", got)
	}
	a := doc.ElementByKey("a")
	if got := a.FirstChild.Data; got != "a" {
		t.Errorf("sibling text = %q, want untouched a", got)
	}
	if diff := cmp.Diff([]string{"a", "b"}, childKeys(body)); diff != "" {
		t.Errorf("children (-want +got):\n%s", diff)
	}
}

func TestPatchElement_TargetMissing(t *testing.T) {
	doc, body := newDoc(t, `<p id="a">a</p>`)
	before := must.OK1(dom.RenderChildren(body))
	_, err := PatchElement(doc, "nope", `<p id="nope"></p>`, nil)
	if !errors.Is(err, ErrTargetMissing) {
		t.Fatalf("err = %v, want ErrTargetMissing", err)
	}
	after := must.OK1(dom.RenderChildren(body))
	if before != after {
		t.Errorf("document mutated by a failed scoped patch:\n%s\nvs\n%s", before, after)
	}
}

func TestPatch_OnPatchedNotification(t *testing.T) {
	doc, body := newDoc(t, ``)
	calls := 0
	mustPatch(t, doc, body, `<p></p>`, &Options{OnPatched: func() { calls++ }})
	if calls != 1 {
		t.Errorf("OnPatched called %d times, want 1", calls)
	}
}
