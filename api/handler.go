package api

// ConnInfo is the read-only snapshot of per-connection properties a
// handler may inspect: the negotiated protocol, the resolved host/port/
// path, and the handshake key used for this attempt. The engine owns the
// mutable RequestContext this is derived from; handlers only ever see
// this immutable view.
type ConnInfo struct {
	Scheme   string
	Host     string
	Port     int
	Path     string
	Protocol string // negotiated Sec-WebSocket-Protocol, "" if none
	Key      string // base64 nonce used for this connect attempt
}

// DirectiveKind enumerates the small vocabulary of directives a handler
// callback may return.
type DirectiveKind int

const (
	DirOk DirectiveKind = iota
	DirOnce
	DirReconnect
	DirReply
	DirClose
)

// Directive is the polymorphic return value of every handler callback
// except OnTerminate. The handler's state moves through it by value: the
// engine never aliases or retains a second copy.
type Directive[S any] struct {
	Kind  DirectiveKind
	State S

	// DirReconnect with AfterMs > 0 arms a delayed reconnect timer.
	AfterMs int

	// DirOk from OnConnect may additionally arm the keepalive timer.
	KeepaliveMs int

	// DirReply carries the frame the engine should encode and send.
	Reply *Frame

	// DirClose carries the outbound close payload.
	ClosePayload []byte
}

// Ok returns a plain Ok(state) directive.
func Ok[S any](state S) Directive[S] { return Directive[S]{Kind: DirOk, State: state} }

// OkKeepalive returns Ok(state, keepalive_ms), valid only from OnConnect.
func OkKeepalive[S any](state S, keepaliveMs int) Directive[S] {
	return Directive[S]{Kind: DirOk, State: state, KeepaliveMs: keepaliveMs}
}

// Once returns Once(state): init directive requesting a single connect attempt.
func Once[S any](state S) Directive[S] { return Directive[S]{Kind: DirOnce, State: state} }

// Reconnect returns Reconnect(state): reconnect immediately.
func Reconnect[S any](state S) Directive[S] { return Directive[S]{Kind: DirReconnect, State: state} }

// ReconnectAfter returns Reconnect(after_ms, state): delayed reconnect.
func ReconnectAfter[S any](afterMs int, state S) Directive[S] {
	return Directive[S]{Kind: DirReconnect, State: state, AfterMs: afterMs}
}

// Reply returns Reply(frame, state).
func Reply[S any](frame *Frame, state S) Directive[S] {
	return Directive[S]{Kind: DirReply, State: state, Reply: frame}
}

// Close returns Close(payload, state).
func Close[S any](payload []byte, state S) Directive[S] {
	return Directive[S]{Kind: DirClose, State: state, ClosePayload: payload}
}

// Handler is the five-operation callback surface the user implements. S
// is the handler's opaque user-state type; the engine passes it by value
// into each callback and stores the returned state, never retaining or
// aliasing a second copy.
type Handler[S any] interface {
	// Init is called once at engine construction with the opaque args
	// passed to engine.New (or client.Dial). It decides the initial posture: stay disconnected,
	// attempt one connect, or attempt-and-keep-reconnecting.
	Init(args any) Directive[S]

	// OnConnect is called once the 101 response has been fully validated.
	OnConnect(info ConnInfo, state S) Directive[S]

	// OnDisconnect is called on every transition into Disconnected,
	// including the very first one if a connect attempt fails.
	OnDisconnect(reason error, state S) Directive[S]

	// OnFrame is called for every data, ping and pong frame yielded by
	// the wire codec (for an inbound ping, after the automatic pong has
	// already been sent). Close frames are not delivered here: the
	// engine echoes them and runs the disconnect subprotocol.
	OnFrame(frame Frame, info ConnInfo, state S) Directive[S]

	// OnExternalMessage is called for application-originated messages
	// injected into the engine out of band (via Engine.Notify from
	// another goroutine); same directive vocabulary as OnFrame.
	OnExternalMessage(msg any, info ConnInfo, state S) Directive[S]

	// OnTerminate is a side-effect-only notification that the engine is
	// about to stop processing this connection's lifecycle entirely
	// (remote close already handled, keepalive timeout, handler panic, or
	// caller-initiated shutdown).
	OnTerminate(reason error, info ConnInfo, state S)
}
