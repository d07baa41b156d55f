package view

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/html"

	"github.com/livetree/livetree/pkg/dom"
	"github.com/livetree/livetree/pkg/morph"
	"github.com/livetree/livetree/pkg/must"
	"github.com/livetree/livetree/pkg/rtree"
)

type fakeCoordinator struct {
	discovered []dom.ViewRef
	lost       []string
	patches    int
	closes     int
}

func (c *fakeCoordinator) ViewDiscovered(parent *View, ref dom.ViewRef) {
	c.discovered = append(c.discovered, ref)
}
func (c *fakeCoordinator) ViewLost(parent *View, id string) { c.lost = append(c.lost, id) }
func (c *fakeCoordinator) PatchApplied(v *View)             { c.patches++ }
func (c *fakeCoordinator) ViewClosed(v *View)               { c.closes++ }

func newTestView(t *testing.T) (*View, *fakeCoordinator, *dom.Document, *html.Node) {
	t.Helper()
	doc := must.OK1(dom.Parse(`<html><body><div id="main"></div></body></html>`))
	container := doc.ElementByKey("main")
	coord := &fakeCoordinator{}
	v := New("main", doc, container, &Options{Coordinator: coord})
	t.Cleanup(v.Close)
	return v, coord, doc, container
}

func msgTree(text string) rtree.Node {
	return &rtree.Branch{
		Statics:  []string{`<p id="msg">`, `</p>`},
		Dynamics: map[int]rtree.Node{0: rtree.Leaf(text)},
	}
}

func TestLifecycle_JoinAndPatch(t *testing.T) {
	v, coord, _, container := newTestView(t)
	if got := v.State(); got != Unjoined {
		t.Fatalf("initial state = %v, want unjoined", got)
	}
	must.OK(v.BeginJoin())
	if got := v.State(); got != Joining {
		t.Fatalf("state after BeginJoin = %v, want joining", got)
	}
	must.OK(v.Join(msgTree("hi")))
	if got := v.State(); got != Joined {
		t.Fatalf("state after Join = %v, want joined", got)
	}
	if got := must.OK1(v.HTML()); got != `<p id="msg">hi</p>` {
		t.Errorf("HTML = %q", got)
	}
	if coord.patches != 1 {
		t.Errorf("PatchApplied called %d times, want 1", coord.patches)
	}
	if dom.HasAttr(container, dom.AttrDisconnected) {
		t.Errorf("joined view still marked disconnected")
	}
}

func TestRepaint(t *testing.T) {
	v, _, _, _ := newTestView(t)
	must.OK(v.BeginJoin())
	must.OK(v.Repaint(msgTree("cached")))
	if got := must.OK1(v.HTML()); got != `<p id="msg">cached</p>` {
		t.Errorf("HTML = %q", got)
	}
	if got := v.State(); got != Joining {
		t.Fatalf("state after Repaint = %v, want joining", got)
	}
	if v.Tree() != nil {
		t.Errorf("Repaint initialized the render tree")
	}

	// The acknowledged join paints the real tree over the cached one.
	must.OK(v.Join(msgTree("live")))
	if got := must.OK1(v.HTML()); got != `<p id="msg">live</p>` {
		t.Errorf("HTML after join = %q", got)
	}
}

func TestRepaint_RequiresJoining(t *testing.T) {
	v, _, _, _ := newTestView(t)
	if err := v.Repaint(msgTree("cached")); err == nil {
		t.Errorf("Repaint before BeginJoin succeeded, want error")
	}
	must.OK(v.BeginJoin())
	must.OK(v.Join(msgTree("hi")))
	if err := v.Repaint(msgTree("cached")); err == nil {
		t.Errorf("Repaint while joined succeeded, want error")
	}
}

func TestSharedRunner_ConcurrentViews(t *testing.T) {
	doc := must.OK1(dom.Parse(`<html><body>` +
		`<div id="main"></div>` +
		`<div id="side"><span id="stale" lt-defer-remove="0">x</span></div>` +
		`</body></html>`))
	r := NewRunner()
	defer r.Close()
	a := New("main", doc, doc.ElementByKey("main"), &Options{Runner: r})
	defer a.Close()
	b := New("side", doc, doc.ElementByKey("side"), &Options{Runner: r})
	defer b.Close()
	must.OK(a.BeginJoin())
	must.OK(a.Join(msgTree("0")))
	must.OK(b.BeginJoin())

	// One view streams diffs while the other repaints a stored tree,
	// scheduling a deferred removal. Both patch the same document, so all
	// of it has to land on the shared runner.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 50; i++ {
			diff := &rtree.Branch{Dynamics: map[int]rtree.Node{
				0: rtree.Leaf(strconv.Itoa(i)),
			}}
			must.OK(a.ApplyDiff(diff, nil))
		}
	}()
	go func() {
		defer wg.Done()
		must.OK(b.Repaint(rtree.Leaf(`<p id="cached">cached</p>`)))
	}()
	wg.Wait()

	if got := must.OK1(a.HTML()); got != `<p id="msg">50</p>` {
		t.Errorf("HTML = %q, want the last diff's value", got)
	}
	deadline := time.After(time.Second)
	for strings.Contains(must.OK1(b.HTML()), "stale") {
		select {
		case <-deadline:
			t.Fatalf("deferred removal never fired")
		case <-time.After(time.Millisecond):
		}
	}
	if got := must.OK1(b.HTML()); got != `<p id="cached">cached</p>` {
		t.Errorf("HTML = %q, want the repainted tree", got)
	}
}

func TestJoin_RequiresJoining(t *testing.T) {
	v, _, _, _ := newTestView(t)
	if err := v.Join(msgTree("hi")); err == nil {
		t.Errorf("Join without BeginJoin succeeded, want error")
	}
}

func TestApplyDiff_MergesAndPatches(t *testing.T) {
	v, coord, _, _ := newTestView(t)
	must.OK(v.BeginJoin())
	must.OK(v.Join(msgTree("hi")))

	diff := &rtree.Branch{Dynamics: map[int]rtree.Node{0: rtree.Leaf("bye")}}
	must.OK(v.ApplyDiff(diff, nil))
	if got := must.OK1(v.HTML()); got != `<p id="msg">bye</p>` {
		t.Errorf("HTML = %q", got)
	}
	if coord.patches != 2 {
		t.Errorf("PatchApplied called %d times, want 2", coord.patches)
	}
}

func TestApplyDiff_OrderPreserved(t *testing.T) {
	v, _, _, _ := newTestView(t)
	must.OK(v.BeginJoin())
	must.OK(v.Join(msgTree("0")))
	for i := 1; i <= 9; i++ {
		diff := &rtree.Branch{Dynamics: map[int]rtree.Node{
			0: rtree.Leaf(string(rune('0' + i))),
		}}
		must.OK(v.ApplyDiff(diff, nil))
	}
	if got := must.OK1(v.HTML()); got != `<p id="msg">9</p>` {
		t.Errorf("HTML = %q, want the last diff's value", got)
	}
}

func TestApplyDiff_RequiresJoined(t *testing.T) {
	v, _, _, _ := newTestView(t)
	err := v.ApplyDiff(msgTree("hi"), nil)
	if !errors.Is(err, ErrNotJoined) {
		t.Errorf("err = %v, want ErrNotJoined", err)
	}
}

func TestJoinFailed_ShowsErrorAndAllowsRejoin(t *testing.T) {
	v, _, _, container := newTestView(t)
	must.OK(v.BeginJoin())
	v.JoinFailed(errors.New("no such view"))
	if got := v.State(); got != Errored {
		t.Fatalf("state = %v, want errored", got)
	}
	if got, _ := dom.Attr(container, dom.AttrDisconnected); got != "error" {
		t.Errorf("disconnected marker = %q, want error", got)
	}
	if err := v.ApplyDiff(msgTree("hi"), nil); !errors.Is(err, ErrNotJoined) {
		t.Errorf("diff applied while errored")
	}

	// A new join cycle clears the error presentation.
	must.OK(v.BeginJoin())
	must.OK(v.Join(msgTree("back")))
	if dom.HasAttr(container, dom.AttrDisconnected) {
		t.Errorf("rejoined view still marked disconnected")
	}
}

func TestTransportError_SuspendsDiffs(t *testing.T) {
	v, _, _, container := newTestView(t)
	must.OK(v.BeginJoin())
	must.OK(v.Join(msgTree("hi")))

	v.TransportError(errors.New("connection reset"))
	if got := v.State(); got != Errored {
		t.Fatalf("state = %v, want errored", got)
	}
	if got, _ := dom.Attr(container, dom.AttrDisconnected); got != "error" {
		t.Errorf("disconnected marker = %q, want error", got)
	}
	if err := v.ApplyDiff(msgTree("x"), nil); !errors.Is(err, ErrNotJoined) {
		t.Errorf("diff applied after transport error")
	}
	if got := must.OK1(v.HTML()); got != `<p id="msg">hi</p>` {
		t.Errorf("HTML changed after transport error: %q", got)
	}
}

func TestClose(t *testing.T) {
	v, coord, _, _ := newTestView(t)
	must.OK(v.BeginJoin())
	must.OK(v.Join(msgTree("hi")))

	v.Close()
	if got := v.State(); got != Closed {
		t.Fatalf("state = %v, want closed", got)
	}
	if coord.closes != 1 {
		t.Errorf("ViewClosed called %d times, want 1", coord.closes)
	}
	if err := v.ApplyDiff(msgTree("x"), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	v.Close() // idempotent
	if coord.closes != 1 {
		t.Errorf("ViewClosed called again on second Close")
	}
}

func nestedTree(session string) rtree.Node {
	return &rtree.Branch{
		Statics: []string{`<div id="child" lt-view lt-session="`, `"></div>`},
		Dynamics: map[int]rtree.Node{
			0: rtree.Leaf(session),
		},
	}
}

func TestNestedViews_DiscoveryAndLoss(t *testing.T) {
	v, coord, _, _ := newTestView(t)
	must.OK(v.BeginJoin())
	must.OK(v.Join(nestedTree("s1")))
	want := []dom.ViewRef{{ID: "child", Session: "s1"}}
	if diff := cmp.Diff(want, coord.discovered); diff != "" {
		t.Fatalf("discovered (-want +got):\n%s", diff)
	}

	// Fingerprint change drops the boundary entirely.
	must.OK(v.ApplyDiff(&rtree.Branch{Statics: []string{`<p>empty</p>`}}, nil))
	if diff := cmp.Diff([]string{"child"}, coord.lost); diff != "" {
		t.Errorf("lost (-want +got):\n%s", diff)
	}
}

func TestNestedViews_SessionChangeIsLossPlusDiscovery(t *testing.T) {
	v, coord, _, _ := newTestView(t)
	must.OK(v.BeginJoin())
	must.OK(v.Join(nestedTree("s1")))

	must.OK(v.ApplyDiff(&rtree.Branch{
		Dynamics: map[int]rtree.Node{0: rtree.Leaf("s2")},
	}, nil))
	if diff := cmp.Diff([]string{"child"}, coord.lost); diff != "" {
		t.Errorf("lost (-want +got):\n%s", diff)
	}
	want := []dom.ViewRef{
		{ID: "child", Session: "s1"},
		{ID: "child", Session: "s2"},
	}
	if diff := cmp.Diff(want, coord.discovered); diff != "" {
		t.Errorf("discovered (-want +got):\n%s", diff)
	}
}

func TestApplyElement(t *testing.T) {
	v, _, _, _ := newTestView(t)
	must.OK(v.BeginJoin())
	must.OK(v.Join(rtree.Leaf(`<p id="a">a</p><p id="b">b</p>`)))

	must.OK(v.ApplyElement("b", rtree.Leaf(`<p id="b">b2</p>`)))
	if got := must.OK1(v.HTML()); got != `<p id="a">a</p><p id="b">b2</p>` {
		t.Errorf("HTML = %q", got)
	}

	err := v.ApplyElement("missing", rtree.Leaf(`<p id="missing"></p>`))
	if !errors.Is(err, morph.ErrTargetMissing) {
		t.Errorf("err = %v, want ErrTargetMissing", err)
	}
}

func TestApplyStreams(t *testing.T) {
	v, _, _, _ := newTestView(t)
	must.OK(v.BeginJoin())
	must.OK(v.Join(rtree.Leaf(`<ul id="list">` +
		`<li id="a" lt-stream="list">a</li>` +
		`<li id="b" lt-stream="list">b</li>` +
		`</ul>`)))

	must.OK(v.ApplyStreams([]morph.StreamOp{{
		Parent:  "list",
		Deletes: []string{"a"},
	}}))
	got := must.OK1(v.HTML())
	want := `<ul id="list"><li id="b" lt-stream="list">b</li></ul>`
	if got != want {
		t.Errorf("HTML = %q, want %q", got, want)
	}
}
