// Package rtree implements the render tree, a compact tree representation of
// server-rendered markup that supports merging incremental diffs and
// serializing the merged result back to markup.
//
// A render tree is built from three node shapes:
//
//   - A Leaf is a literal string.
//
//   - A Branch is an ordered sequence of static markup fragments interleaved
//     with dynamic slots; slot i is rendered between fragment i and fragment
//     i+1. Each slot holds another node.
//
//   - A Comprehension is a repeated block: one statics sequence shared by all
//     rows, plus one sequence of dynamic values per row. It renders each row
//     by interleaving the shared statics with that row's values, so per-row
//     markup is never re-sent.
//
// A diff is a partial tree of the same shape family. A diff that carries
// statics at some position signals a fingerprint change: the template at that
// position was replaced, so the old subtree there is structurally
// incompatible and is replaced wholesale rather than merged key by key.
package rtree

import "strings"

// Node is a node of a render tree: a [Leaf], a [*Branch] or a
// [*Comprehension].
type Node interface {
	// render appends the markup of the node to sb.
	render(sb *strings.Builder)
}

// Leaf is a literal string resolved for a dynamic slot.
type Leaf string

// Branch is a static template instantiated with dynamic slot values. Statics
// has one more element than the highest populated slot index in a fully
// resolved tree; a partial diff may populate any subset of slots and may omit
// Statics entirely, meaning "same template as before".
type Branch struct {
	Statics  []string
	Dynamics map[int]Node
}

// Comprehension is a repeated block: Statics is shared by every row, and each
// row supplies one dynamic value per slot.
type Comprehension struct {
	Statics []string
	Rows    [][]Node
}

// Merge merges diff into dst and returns the merged tree. dst is mutated in
// place where possible; the returned node must be used as the new tree.
//
// The merge rules are:
//
//   - A nil diff, or a Branch diff with no statics and no dynamics, is a
//     no-op: dst is returned unchanged.
//
//   - A diff that carries statics replaces dst wholesale (fingerprint
//     change), as does a Leaf diff.
//
//   - Otherwise the diff's populated slots are merged into dst slot by slot,
//     recursing where both sides are container-shaped. A slot that held a
//     Comprehension but receives a non-Comprehension diff drops the stale
//     rows instead of merging into them.
//
// A diff whose shape cannot be reconciled with dst overwrites dst at that
// position; the sender is authoritative and Merge never fails.
func Merge(dst, diff Node) Node {
	switch diff := diff.(type) {
	case nil:
		return dst
	case Leaf:
		return diff
	case *Comprehension:
		if diff.Statics != nil {
			return diff
		}
		src, ok := dst.(*Comprehension)
		if !ok {
			return diff
		}
		if diff.Rows != nil {
			src.Rows = diff.Rows
		}
		return src
	case *Branch:
		if diff.Statics != nil {
			return diff
		}
		if len(diff.Dynamics) == 0 {
			// Empty diff; keep dst whatever its shape.
			return dst
		}
		src, ok := dst.(*Branch)
		if !ok {
			// Shape mismatch; the diff wins wholesale.
			return diff
		}
		if src.Dynamics == nil {
			src.Dynamics = make(map[int]Node, len(diff.Dynamics))
		}
		for slot, v := range diff.Dynamics {
			src.Dynamics[slot] = mergeSlot(src.Dynamics[slot], v)
		}
		return src
	}
	return diff
}

func mergeSlot(old, v Node) Node {
	if !isContainer(v) || !isContainer(old) {
		// New slot, or a leaf on either side; assign the incoming value
		// directly.
		return v
	}
	if _, wasComp := old.(*Comprehension); wasComp {
		if _, isComp := v.(*Comprehension); !isComp {
			// The slot stopped being a repeated block; drop the stale rows
			// so they cannot leak into the new subtree.
			old = nil
		}
	}
	return Merge(old, v)
}

func isContainer(n Node) bool {
	switch n.(type) {
	case *Branch, *Comprehension:
		return true
	}
	return false
}

// Render serializes the tree to markup. Rendering is a pure function of the
// tree: identical trees always render identically.
func Render(n Node) string {
	var sb strings.Builder
	RenderTo(&sb, n)
	return sb.String()
}

// RenderTo is like Render, but appends to an existing strings.Builder.
func RenderTo(sb *strings.Builder, n Node) {
	if n != nil {
		n.render(sb)
	}
}

func (l Leaf) render(sb *strings.Builder) {
	sb.WriteString(string(l))
}

func (b *Branch) render(sb *strings.Builder) {
	for i, static := range b.Statics {
		if i > 0 {
			RenderTo(sb, b.Dynamics[i-1])
		}
		sb.WriteString(static)
	}
}

func (c *Comprehension) render(sb *strings.Builder) {
	for _, row := range c.Rows {
		for i, static := range c.Statics {
			if i > 0 && i-1 < len(row) {
				RenderTo(sb, row[i-1])
			}
			sb.WriteString(static)
		}
	}
}
