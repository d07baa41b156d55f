// Package channel connects views to a server over a persistent JSON-RPC 2.0
// connection, usually carried on a WebSocket.
//
// The channel is the transport collaborator the view layer expects: it
// delivers diffs and stream instructions to the owning view in arrival
// order, performs the join handshake, and acts as the join-coordinator for
// nested views, joining newly discovered boundaries and leaving lost ones.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
	"golang.org/x/net/html"

	"github.com/livetree/livetree/pkg/dom"
	"github.com/livetree/livetree/pkg/logutil"
	"github.com/livetree/livetree/pkg/rtree"
	"github.com/livetree/livetree/pkg/store"
	"github.com/livetree/livetree/pkg/view"
)

var logger = logutil.GetLogger("[channel] ")

// ErrDisconnected is reported to views when the connection fails.
var ErrDisconnected = errors.New("connection lost")

// Options configure a Client.
type Options struct {
	// View carries per-view options. The coordinator field is overwritten;
	// the client is always the coordinator of the views it joins.
	View view.Options
	// Store, if non-nil, persists each view's tree after every applied
	// patch, and repaints the stored tree while a join is in flight.
	Store store.Store
	// OnPatch, if non-nil, is called after a patch initiated by the
	// connection has been applied. It runs on the connection's read loop
	// and may call methods of the view.
	OnPatch func(v *view.View)
}

// Client multiplexes views over one connection. All its views share one
// document and therefore one view.Runner, so no two patches interleave.
type Client struct {
	doc    *dom.Document
	opts   Options
	conn   *jsonrpc2.Conn
	runner *view.Runner

	mu     sync.Mutex
	views  map[string]*view.View
	closed bool
}

// Dial connects to a WebSocket endpoint and returns a connected client.
func Dial(ctx context.Context, url string, doc *dom.Document, opts *Options) (*Client, error) {
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewClient(ctx, wsstream.NewObjectStream(wsConn), doc, opts), nil
}

// NewClient wraps an already established connection. It is used by Dial and
// by tests that connect over an in-memory stream.
func NewClient(ctx context.Context, stream jsonrpc2.ObjectStream, doc *dom.Document, opts *Options) *Client {
	if opts == nil {
		opts = &Options{}
	}
	c := &Client{
		doc:    doc,
		opts:   *opts,
		runner: view.NewRunner(),
		views:  make(map[string]*view.View),
	}
	c.conn = jsonrpc2.NewConn(ctx, stream, c.handler())
	go c.watchDisconnect()
	return c
}

// DisconnectNotify returns a channel that is closed when the connection
// terminates.
func (c *Client) DisconnectNotify() <-chan struct{} {
	return c.conn.DisconnectNotify()
}

// View returns the joined view with the given id, or nil.
func (c *Client) View(id string) *view.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.views[id]
}

// Join joins the view rendered into the container element carrying
// containerKey. The returned view is Joined; a rejected or failed join
// leaves an Errored view behind and returns the error.
func (c *Client) Join(ctx context.Context, viewID, containerKey string) (*view.View, error) {
	// The lookup walks the document, so it runs on the runner like any
	// patch would.
	var container *html.Node
	if !c.runner.Do(func() { container = c.doc.ElementByKey(containerKey) }) {
		return nil, ErrDisconnected
	}
	if container == nil {
		return nil, fmt.Errorf("join %s: no container element %q", viewID, containerKey)
	}
	viewOpts := c.opts.View
	viewOpts.Coordinator = c
	viewOpts.Runner = c.runner
	v := view.New(viewID, c.doc, container, &viewOpts)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		v.Close()
		return nil, ErrDisconnected
	}
	if _, exists := c.views[viewID]; exists {
		c.mu.Unlock()
		v.Close()
		return nil, fmt.Errorf("join %s: already joined", viewID)
	}
	c.views[viewID] = v
	c.mu.Unlock()

	if err := v.BeginJoin(); err != nil {
		c.forget(viewID)
		v.Close()
		return nil, err
	}
	c.repaintSnapshot(v)

	session, _ := dom.Attr(container, dom.AttrSession)
	params := joinParams{View: viewID, Ref: ulid.Make().String(), Session: session}
	var result joinResult
	if err := c.conn.Call(ctx, methodJoin, params, &result); err != nil {
		v.JoinFailed(err)
		return v, fmt.Errorf("join %s: %w", viewID, err)
	}
	tree, err := rtree.ParseDiff(result.Tree)
	if err != nil {
		err = fmt.Errorf("join %s: %w", viewID, err)
		v.JoinFailed(err)
		return v, err
	}
	if err := v.Join(tree); err != nil {
		return v, fmt.Errorf("join %s: %w", viewID, err)
	}
	c.afterPatch(v)
	return v, nil
}

// repaintSnapshot paints the last stored tree, if any, so the user sees the
// previous state of the view instead of a blank container while the join
// round trip is in flight. The patch runs on the shared runner, like every
// other mutation of the document; once the join is acknowledged the real
// initial tree is patched over this.
func (c *Client) repaintSnapshot(v *view.View) {
	if c.opts.Store == nil {
		return
	}
	tree, err := c.opts.Store.Snapshot(v.ID())
	if err != nil {
		if !errors.Is(err, store.ErrNoSnapshot) {
			logger.Printf("load snapshot for %s: %v", v.ID(), err)
		}
		return
	}
	if err := v.Repaint(tree); err != nil {
		logger.Printf("repaint snapshot for %s: %v", v.ID(), err)
	}
}

// Leave destroys a joined view: the view is closed, its snapshot dropped,
// and the server notified.
func (c *Client) Leave(viewID string) {
	c.destroyView(viewID, true)
}

// Close closes every view and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	views := make([]*view.View, 0, len(c.views))
	for _, v := range c.views {
		views = append(views, v)
	}
	c.views = map[string]*view.View{}
	c.mu.Unlock()
	for _, v := range views {
		v.Close()
	}
	err := c.conn.Close()
	c.runner.Close()
	return err
}

func (c *Client) watchDisconnect() {
	<-c.conn.DisconnectNotify()
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	views := make([]*view.View, 0, len(c.views))
	for _, v := range c.views {
		views = append(views, v)
	}
	c.mu.Unlock()
	if wasClosed {
		return
	}
	logger.Printf("connection lost; marking %d view(s) errored", len(views))
	for _, v := range views {
		v.TransportError(ErrDisconnected)
	}
}

func (c *Client) forget(viewID string) {
	c.mu.Lock()
	delete(c.views, viewID)
	c.mu.Unlock()
}

func (c *Client) destroyView(viewID string, notifyServer bool) {
	c.mu.Lock()
	v := c.views[viewID]
	delete(c.views, viewID)
	closed := c.closed
	c.mu.Unlock()
	if v == nil {
		return
	}
	v.Close()
	if c.opts.Store != nil {
		if err := c.opts.Store.DelSnapshot(viewID); err != nil {
			logger.Printf("drop snapshot for %s: %v", viewID, err)
		}
	}
	if notifyServer && !closed {
		if err := c.conn.Notify(context.Background(), methodLeave, leaveParams{View: viewID}); err != nil {
			logger.Printf("notify leave for %s: %v", viewID, err)
		}
	}
}

// afterPatch persists the view's tree and runs the embedder's callback.
func (c *Client) afterPatch(v *view.View) {
	if c.opts.Store != nil {
		if tree := v.Tree(); tree != nil {
			if err := c.opts.Store.SaveSnapshot(v.ID(), tree); err != nil {
				logger.Printf("save snapshot for %s: %v", v.ID(), err)
			}
		}
	}
	if c.opts.OnPatch != nil {
		c.opts.OnPatch(v)
	}
}

// Coordinator implementation. These are called on a view's loop goroutine,
// so anything that calls back into a view runs on a fresh goroutine.

// ViewDiscovered joins a newly appeared nested view.
func (c *Client) ViewDiscovered(parent *view.View, ref dom.ViewRef) {
	go func() {
		if _, err := c.Join(context.Background(), ref.ID, ref.ID); err != nil {
			logger.Printf("join nested view %s: %v", ref.ID, err)
		}
	}()
}

// ViewLost destroys a nested view whose boundary disappeared.
func (c *Client) ViewLost(parent *view.View, id string) {
	go c.destroyView(id, true)
}

// PatchApplied is part of the Coordinator interface. Patch bookkeeping
// happens in afterPatch, driven by the message handlers; there is nothing
// left to do here.
func (c *Client) PatchApplied(v *view.View) {}

// ViewClosed drops a view that closed itself from the registry.
func (c *Client) ViewClosed(v *view.View) {
	go c.forget(v.ID())
}

func (c *Client) handler() jsonrpc2.Handler {
	return routingHandler(map[string]method{
		methodDiff:   c.handleDiff,
		methodStream: c.handleStream,
		methodClose:  c.handleClose,
		methodError:  c.handleError,
	})
}

type method func(ctx context.Context, params json.RawMessage) (any, error)

var (
	errMethodNotFound = &jsonrpc2.Error{
		Code: jsonrpc2.CodeMethodNotFound, Message: "method not found"}
	errInvalidParams = &jsonrpc2.Error{
		Code: jsonrpc2.CodeInvalidParams, Message: "invalid params"}
	errUnknownView = &jsonrpc2.Error{
		Code: jsonrpc2.CodeInvalidParams, Message: "unknown view"}
)

func routingHandler(methods map[string]method) jsonrpc2.Handler {
	return jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		fn, ok := methods[req.Method]
		if !ok {
			return nil, errMethodNotFound
		}
		if req.Params == nil {
			return nil, errInvalidParams
		}
		return fn(ctx, *req.Params)
	})
}

// Handler implementations. The connection calls these synchronously from
// its read loop, which preserves arrival order per view.

func (c *Client) handleDiff(_ context.Context, rawParams json.RawMessage) (any, error) {
	var params diffParams
	if json.Unmarshal(rawParams, &params) != nil {
		return nil, errInvalidParams
	}
	v := c.View(params.View)
	if v == nil {
		return nil, errUnknownView
	}
	diff, err := rtree.ParseDiff(params.Diff)
	if err != nil {
		logger.Printf("view %s: %v", params.View, err)
		return nil, errInvalidParams
	}
	if params.Target != "" {
		if err := v.ApplyElement(params.Target, diff); err != nil {
			// A missing target is not fatal: the server's next full diff
			// re-renders the whole view.
			logger.Printf("view %s: scoped patch %q: %v", params.View, params.Target, err)
			return nil, nil
		}
		c.afterPatch(v)
		return nil, nil
	}
	if err := v.ApplyDiff(diff, streamOps(params.Streams)); err != nil {
		logger.Printf("view %s: %v", params.View, err)
		return nil, nil
	}
	c.afterPatch(v)
	return nil, nil
}

func (c *Client) handleStream(_ context.Context, rawParams json.RawMessage) (any, error) {
	var params streamParams
	if json.Unmarshal(rawParams, &params) != nil {
		return nil, errInvalidParams
	}
	v := c.View(params.View)
	if v == nil {
		return nil, errUnknownView
	}
	if err := v.ApplyStreams(streamOps(params.Streams)); err != nil {
		logger.Printf("view %s: %v", params.View, err)
		return nil, nil
	}
	c.afterPatch(v)
	return nil, nil
}

func (c *Client) handleClose(_ context.Context, rawParams json.RawMessage) (any, error) {
	var params closeParams
	if json.Unmarshal(rawParams, &params) != nil {
		return nil, errInvalidParams
	}
	c.destroyView(params.View, false)
	return nil, nil
}

func (c *Client) handleError(_ context.Context, rawParams json.RawMessage) (any, error) {
	var params errorParams
	if json.Unmarshal(rawParams, &params) != nil {
		return nil, errInvalidParams
	}
	v := c.View(params.View)
	if v == nil {
		return nil, errUnknownView
	}
	v.TransportError(errors.New(params.Reason))
	return nil, nil
}
