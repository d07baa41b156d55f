package channel

import (
	"encoding/json"

	"github.com/livetree/livetree/pkg/morph"
)

// Methods exchanged on the connection. The client calls "view/join" and
// notifies "view/leave"; the server notifies the rest. The server's
// notifications for one view arrive on one connection read loop, which gives
// the in-order delivery the view layer assumes.
const (
	methodJoin   = "view/join"
	methodLeave  = "view/leave"
	methodDiff   = "view/diff"
	methodStream = "view/stream"
	methodClose  = "view/close"
	methodError  = "view/error"
)

type joinParams struct {
	View    string `json:"view"`
	Ref     string `json:"ref"`
	Session string `json:"session,omitempty"`
}

type joinResult struct {
	Tree json.RawMessage `json:"tree"`
}

type leaveParams struct {
	View string `json:"view"`
}

type diffParams struct {
	View string `json:"view"`
	// Diff is the tree diff to merge, in the render tree wire format.
	Diff json.RawMessage `json:"diff"`
	// Target selects a single keyed element; empty means the whole view
	// container.
	Target  string       `json:"target,omitempty"`
	Streams []streamWire `json:"streams,omitempty"`
}

type streamParams struct {
	View    string       `json:"view"`
	Streams []streamWire `json:"streams"`
}

type closeParams struct {
	View string `json:"view"`
}

type errorParams struct {
	View   string `json:"view"`
	Reason string `json:"reason"`
}

type streamWire struct {
	Parent  string   `json:"parent"`
	Inserts []string `json:"insert,omitempty"`
	Deletes []string `json:"delete,omitempty"`
	Mode    string   `json:"mode,omitempty"`
	Attr    string   `json:"attr,omitempty"`
}

func (w streamWire) op() morph.StreamOp {
	op := morph.StreamOp{
		Parent:   w.Parent,
		Inserts:  w.Inserts,
		Deletes:  w.Deletes,
		SortAttr: w.Attr,
	}
	switch w.Mode {
	case "prepend":
		op.Mode = morph.StreamPrepend
	case "sort":
		op.Mode = morph.StreamSort
	default:
		op.Mode = morph.StreamAppend
	}
	return op
}

func streamOps(wires []streamWire) []morph.StreamOp {
	if len(wires) == 0 {
		return nil
	}
	ops := make([]morph.StreamOp, len(wires))
	for i, w := range wires {
		ops[i] = w.op()
	}
	return ops
}
