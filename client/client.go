// Package client is the public façade over the connection engine: one
// function call dials a WebSocket endpoint, wires the default TCP/TLS
// transport, and hands back a handle whose Send/Cast/Shutdown methods
// are the only surface most callers ever need. Grounded on the donor's
// client/client.go WebSocketClient (handshake-then-background-loops
// shape), generalized from its own bespoke handshake/reconnect/heartbeat
// logic onto the engine package, which now owns all three.
package client

import (
	"github.com/netloop/wsclient/api"
	"github.com/netloop/wsclient/control"
	"github.com/netloop/wsclient/engine"
	"github.com/netloop/wsclient/transport"
)

// Client is a thin handle onto a running engine.Engine. S is the
// handler's opaque user-state type.
type Client[S any] struct {
	e *engine.Engine[S]
}

// Dial resolves urlStr, applies opts over control.DefaultOptions, and
// starts an engine against the default TCP/TLS transport.Dialer. args is
// forwarded verbatim to handler.Init.
func Dial[S any](urlStr string, handler api.Handler[S], args any, opts ...control.Option) (*Client[S], error) {
	cfg, err := control.NewConnectionConfig(urlStr, opts...)
	if err != nil {
		return nil, err
	}
	return DialWithDialer(cfg, handler, args, transport.NewDialer())
}

// DialWithDialer is Dial with an explicit api.Dialer, for callers that
// need a non-default transport (e.g. tests substituting an in-memory
// transport, or a SOCKS/HTTP-proxy-aware dialer).
func DialWithDialer[S any](cfg *control.ConnectionConfig, handler api.Handler[S], args any, dialer api.Dialer) (*Client[S], error) {
	e := engine.New[S](cfg, handler, dialer, args)
	return &Client[S]{e: e}, nil
}

// Send encodes and transmits frame, blocking until the engine has
// processed the send. Returns api.ErrDisconnected if not Connected.
func (c *Client[S]) Send(frame *api.Frame) error {
	return c.e.Send(frame)
}

// Cast enqueues frame for transmission without waiting for the engine
// loop to process it; it drops silently if the engine isn't Connected.
func (c *Client[S]) Cast(frame *api.Frame) {
	c.e.Cast(frame)
}

// Notify delivers msg to handler.OnExternalMessage out of band, for
// callers that need to push arbitrary application events into the
// handler's single-threaded state rather than a wire frame.
func (c *Client[S]) Notify(msg any) {
	c.e.Notify(msg)
}

// Shutdown requests an orderly, permanent engine termination.
func (c *Client[S]) Shutdown() {
	c.e.Shutdown()
}

// State reports the engine's current lifecycle state.
func (c *Client[S]) State() engine.State {
	return c.e.State()
}

// Done returns a channel closed once the engine has fully terminated.
func (c *Client[S]) Done() <-chan struct{} {
	return c.e.Done()
}

// DumpState returns the engine's debug probe readings (state, platform
// CPU count, and anything else registered), for operators inspecting a
// running client without instrumenting the handler itself.
func (c *Client[S]) DumpState() map[string]any {
	return c.e.DumpState()
}

// ConfigStore returns the engine's hot-reloadable properties bag; see
// engine.Engine.ConfigStore.
func (c *Client[S]) ConfigStore() *control.ConfigStore {
	return c.e.ConfigStore()
}
