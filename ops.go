package quillsync

import (
	"context"

	"github.com/quillnote/quillsync/pkg/call"
	"github.com/quillnote/quillsync/pkg/connection"
	"github.com/quillnote/quillsync/pkg/events"
	"github.com/quillnote/quillsync/pkg/reconcile"
)

// The methods below may be called from any goroutine. Each runs on the loop
// and waits for it, so none of them may be called from a handler, observer
// or renderer.

// Snapshot is a consistent copy of the reconciled view.
type Snapshot struct {
	Query  reconcile.Query
	Items  []reconcile.Item
	Total  int
	Loaded bool
	Tags   []reconcile.Tag
	Stats  reconcile.Stats
}

func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.loop.Call(ctx, func() {
		s = Snapshot{
			Query:  c.engine.Query(),
			Items:  c.engine.Items(),
			Total:  c.engine.Total(),
			Loaded: c.engine.Loaded(),
			Tags:   c.engine.Tags(),
			Stats:  c.engine.Stats(),
		}
	})
	return s, err
}

// SetQuery changes the filters or page of the view and re-fetches it.
func (c *Client) SetQuery(ctx context.Context, q reconcile.Query) error {
	return c.loop.Call(ctx, func() { c.engine.SetQuery(q) })
}

// Refresh re-fetches the page, the statistics and the tag list.
func (c *Client) Refresh(ctx context.Context) error {
	return c.loop.Call(ctx, c.engine.Refresh)
}

// ApplyOptimistic overlays fn on a visible item until the server answers. It
// reports whether the item is visible.
func (c *Client) ApplyOptimistic(ctx context.Context, id string, fn func(reconcile.Item) reconcile.Item) (bool, error) {
	var ok bool
	err := c.loop.Call(ctx, func() { ok = c.engine.ApplyOptimistic(id, fn) })
	return ok, err
}

// OnChange calls fn on the loop after every change of the view. The returned
// function unregisters it.
func (c *Client) OnChange(ctx context.Context, fn func(reconcile.Change)) (func(), error) {
	var off func()
	if err := c.loop.Call(ctx, func() { off = c.engine.OnChange(fn) }); err != nil {
		return nil, err
	}
	return func() { c.loop.Post(off) }, nil
}

// StartCall dials peerID. It returns call.ErrBusy when a call is live.
func (c *Client) StartCall(ctx context.Context, peerID string, kind events.MediaKind) error {
	var callErr error
	if err := c.loop.Call(ctx, func() { callErr = c.calls.StartCall(peerID, kind) }); err != nil {
		return err
	}
	return callErr
}

func (c *Client) AcceptCall(ctx context.Context) error {
	return c.loop.Call(ctx, c.calls.Accept)
}

func (c *Client) RejectCall(ctx context.Context) error {
	return c.loop.Call(ctx, c.calls.Reject)
}

func (c *Client) CancelCall(ctx context.Context) error {
	return c.loop.Call(ctx, c.calls.Cancel)
}

func (c *Client) EndCall(ctx context.Context) error {
	return c.loop.Call(ctx, c.calls.End)
}

// ToggleCamera starts flipping the camera. The outcome shows up in CallView.
func (c *Client) ToggleCamera(ctx context.Context) error {
	var callErr error
	if err := c.loop.Call(ctx, func() { callErr = c.calls.ToggleCamera() }); err != nil {
		return err
	}
	return callErr
}

// ToggleMic starts flipping the microphone like ToggleCamera.
func (c *Client) ToggleMic(ctx context.Context) error {
	var callErr error
	if err := c.loop.Call(ctx, func() { callErr = c.calls.ToggleMic() }); err != nil {
		return err
	}
	return callErr
}

// CallView returns the latest call view. It does not wait for the loop.
func (c *Client) CallView() call.View {
	c.mu.Lock()
	surface := c.surface
	c.mu.Unlock()
	if surface == nil {
		return call.View{Mode: call.ModeHidden}
	}
	return surface.Current()
}

// Status returns the state of the push channel.
func (c *Client) Status() connection.State { return c.conn.Status() }

// Retries returns the number of reconnect attempts since the last success.
func (c *Client) Retries() int { return c.conn.Retries() }
