// Package engine implements the Connection Engine: the state machine that
// drives the handshake, consumes the wire codec, invokes handler
// callbacks, manages timers, and implements reconnect policy. Grounded on
// the donor's protocol/connection.go (the WSConnection recv/send loops
// and control-frame policy) and lowlevel/client/facade.go (the
// client-side dial + heartbeat loop), generalized from a fire-and-forget
// batch client into an explicit Disconnected/Handshaking/Connected state
// machine.
package engine

import (
	"time"

	"github.com/netloop/wsclient/api"
	"github.com/netloop/wsclient/control"
	"github.com/netloop/wsclient/wire"
)

// State is one of the three connection lifecycle states. There is no
// terminal state: the engine stops by exiting its loop, not by
// transitioning into one.
type State int

const (
	StateDisconnected State = iota
	StateHandshaking
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// requestContext is the per-connection negotiated/runtime state. It is
// exclusively owned and mutated by the engine's event loop; nothing else
// ever touches it concurrently.
type requestContext struct {
	target control.Target

	key      string // regenerated per connect attempt
	protocol string // server-selected Sec-WebSocket-Protocol, if any

	socket api.Transport // nil while Disconnected

	// handshakeDone is false while accumulating the HTTP Upgrade
	// response; true once the stream is pure WebSocket frames.
	handshakeDone bool

	// readBuf is the partial-read buffer: non-empty only if the last
	// parse returned "need more bytes". During the
	// handshake phase it holds the accumulating HTTP response; afterward
	// it holds undecoded frame bytes.
	readBuf []byte

	decode wire.DecodeState

	keepaliveMs          int
	keepaliveMaxAttempts int
	kaAttempts           int
	keepaliveTimer       *time.Timer

	reconnectTimer *time.Timer

	// attempts counts every connectNow call across the engine's lifetime;
	// clear() does not reset it, so connectNow can tell an initial
	// connect from a reconnect for metrics purposes.
	attempts int
}

// clear resets per-attempt fields, called when entering Disconnected:
// it drops the socket and clears the partial-read buffer.
func (c *requestContext) clear() {
	c.socket = nil
	c.handshakeDone = false
	c.readBuf = nil
	c.decode = wire.DecodeState{}
	c.kaAttempts = 0
	stopTimer(c.keepaliveTimer)
	c.keepaliveTimer = nil
}

// maybeCancelReconnect cancels a pending reconnect timer, if any; called
// whenever a fresh connect is about to be attempted so a delayed
// reconnect never races a manual one.
func (c *requestContext) maybeCancelReconnect() {
	stopTimer(c.reconnectTimer)
	c.reconnectTimer = nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
