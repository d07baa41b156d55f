package morph

import (
	"math"
	"sort"
	"strconv"

	"golang.org/x/net/html"

	"github.com/livetree/livetree/pkg/dom"
)

// applyStreams physically reorders each stream group after the generic walk.
// Deletes are applied first, then inserts in their declared order, then a
// sort-mode group is sorted by its numeric attribute.
func (p *patcher) applyStreams() {
	for _, op := range p.opts.Streams {
		parent := p.doc.ElementByKey(op.Parent)
		if parent == nil {
			logger.Printf("stream parent %q not in document, skipping", op.Parent)
			continue
		}
		p.applyStream(parent, op)
	}
}

func (p *patcher) applyStream(parent *html.Node, op StreamOp) {
	for _, key := range op.Deletes {
		if c := childByKey(parent, key); c != nil {
			p.discardOrDefer(c)
		}
	}

	var prev *html.Node
	for _, key := range op.Inserts {
		c := childByKey(parent, key)
		if c == nil {
			logger.Printf("stream child %q not in parent %q, skipping", key, op.Parent)
			continue
		}
		switch {
		case prev != nil:
			moveAfter(parent, c, prev)
		case op.Mode == StreamPrepend:
			if parent.FirstChild != c {
				parent.RemoveChild(c)
				parent.InsertBefore(c, parent.FirstChild)
			}
		case op.Mode == StreamAppend && p.added[c]:
			if c.NextSibling != nil {
				parent.RemoveChild(c)
				parent.InsertBefore(c, nil)
			}
		default:
			// An existing child opening the insert list anchors the run at
			// its current position; sort mode places everything below.
		}
		prev = c
	}

	if op.Mode == StreamSort && op.SortAttr != "" {
		sortChildren(parent, op.SortAttr)
	}
}

func childByKey(parent *html.Node, key string) *html.Node {
	if key == "" {
		return nil
	}
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if dom.IsElement(c) && dom.Key(c) == key {
			return c
		}
	}
	return nil
}

func moveAfter(parent, c, prev *html.Node) {
	if prev.NextSibling == c {
		return
	}
	parent.RemoveChild(c)
	parent.InsertBefore(c, prev.NextSibling)
}

// sortChildren stably sorts the element children of parent by ascending
// numeric value of the named attribute. Children without the attribute, and
// non-element children, sink to the end in their current order.
func sortChildren(parent *html.Node, attr string) {
	var children []*html.Node
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		children = append(children, c)
	}
	sort.SliceStable(children, func(i, j int) bool {
		return sortValue(children[i], attr) < sortValue(children[j], attr)
	})
	for _, c := range children {
		parent.RemoveChild(c)
	}
	for _, c := range children {
		parent.AppendChild(c)
	}
}

func sortValue(n *html.Node, attr string) float64 {
	if !dom.IsElement(n) {
		return math.Inf(1)
	}
	raw, ok := dom.Attr(n, attr)
	if !ok {
		return math.Inf(1)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return math.Inf(1)
	}
	return v
}
