package engine

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netloop/wsclient/api"
	"github.com/netloop/wsclient/control"
	"github.com/netloop/wsclient/handshake"
	"github.com/netloop/wsclient/internal/queue"
	"github.com/netloop/wsclient/wire"
)

// Engine drives a single WebSocket connection's lifecycle: one goroutine
// (loop) owns all mutable state, consuming commands, transport events and
// timers through a single select statement — a single-threaded
// cooperative event loop per engine. S is the handler's opaque
// user-state type, threaded through by value on every callback so it is
// never aliased or retained by the engine itself.
type Engine[S any] struct {
	cfg     *control.ConnectionConfig
	handler api.Handler[S]
	dialer  api.Dialer
	logger  control.Logger
	metrics *control.Metrics
	cmds    *queue.CommandQueue

	state    State
	ctx      *requestContext
	debug    *control.DebugProbes
	cfgStore *control.ConfigStore

	// sslVerifyOverride mirrors the ConfigStore's "ssl_verify" key for the
	// loop goroutine to read before each dial; set from whatever
	// goroutine calls ConfigStore.Set, so it needs its own lock rather
	// than going through the loop-owned ctx.
	overrideMu    sync.Mutex
	sslVerifyOver *api.TLSVerifyMode

	userState S

	terminated bool
	stopped    chan struct{}

	// stateAtomic mirrors state for readers outside the loop goroutine
	// (Engine.State is safe to call from any goroutine).
	stateAtomic atomic.Int32
}

// New constructs an Engine and starts its event loop. dialer is injected
// so tests can substitute an in-memory transport — the transport-socket
// is a pass-through collaborator, never hardcoded into the engine
// itself. args is forwarded verbatim to handler.Init.
func New[S any](cfg *control.ConnectionConfig, handler api.Handler[S], dialer api.Dialer, args any) *Engine[S] {
	e := &Engine[S]{
		cfg:     cfg,
		handler: handler,
		dialer:  dialer,
		logger:  control.DefaultLogger(),
		metrics: control.NewMetrics("wsclient"),
		cmds:    queue.New(),
		ctx: &requestContext{
			target:               cfg.Target,
			keepaliveMaxAttempts: cfg.Options.KeepaliveMaxAttempts,
		},
		stopped: make(chan struct{}),
	}
	e.debug = control.NewDebugProbes()
	control.RegisterPlatformProbes(e.debug)
	// Only the atomic state mirror is safe to read from an arbitrary
	// caller goroutine; e.ctx fields are loop-owned and not probed here.
	e.debug.RegisterProbe("engine.state", func() any { return e.State().String() })

	e.cfgStore = control.NewConfigStore()
	e.cfgStore.OnReload(e.reloadSSLVerifyOverride)

	initDir := e.safeInitCall(args)
	e.userState = initDir.State

	go e.loop()

	switch initDir.Kind {
	case api.DirOnce, api.DirReconnect:
		e.cmds.Push(queue.Command{Kind: queue.CmdConnect})
	}

	return e
}

// safeInitCall recovers a panicking Init so engine construction never
// itself panics; a recovered Init leaves the engine in its zero-value
// Disconnected posture, not connecting.
func (e *Engine[S]) safeInitCall(args any) (dir api.Directive[S]) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.HandlerFailures.Inc()
			e.logger.Printf("handler Init panicked: %v", r)
			var zero S
			dir = api.Directive[S]{Kind: api.DirOk, State: zero}
		}
	}()
	return e.handler.Init(args)
}

// safeDirective invokes fn, recovering a panic into (zero-Directive,
// true) rather than crashing the loop goroutine: handler exceptions are
// logged and terminate the engine, not the process.
func (e *Engine[S]) safeDirective(fn func() api.Directive[S], callback string) (dir api.Directive[S], panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.HandlerFailures.Inc()
			e.logger.Printf("handler %s panicked: %v\nhandler state: %+v\n%s", callback, r, e.userState, debug.Stack())
			panicked = true
		}
	}()
	dir = fn()
	return
}

// State returns the current lifecycle state. Safe to call from any
// goroutine.
func (e *Engine[S]) State() State {
	return State(e.stateAtomic.Load())
}

// Done returns a channel closed once the engine has fully terminated.
func (e *Engine[S]) Done() <-chan struct{} {
	return e.stopped
}

// DumpState reports the engine's registered debug probes: the current
// lifecycle state ("engine.state") and the platform CPU count
// ("platform.cpus"). Safe to call from any goroutine; the state probe
// reads only the atomic state mirror.
func (e *Engine[S]) DumpState() map[string]any {
	return e.debug.DumpState()
}

// ConfigStore returns the engine's hot-reloadable properties bag. Calling
// Set({"ssl_verify": api.TLSVerifyNone}) on it overrides the TLS verify
// mode the *next* connect attempt dials with, without requiring a fresh
// Client. Unrecognized keys are accepted and ignored.
func (e *Engine[S]) ConfigStore() *control.ConfigStore {
	return e.cfgStore
}

// reloadSSLVerifyOverride is the ConfigStore.OnReload hook: it runs in
// whatever goroutine called ConfigStore.Set, so it only touches the
// overrideMu-guarded fields, never e.ctx.
func (e *Engine[S]) reloadSSLVerifyOverride() {
	v, ok := e.cfgStore.Get("ssl_verify")
	if !ok {
		return
	}
	mode, ok := v.(api.TLSVerifyMode)
	if !ok {
		return
	}
	e.overrideMu.Lock()
	e.sslVerifyOver = &mode
	e.overrideMu.Unlock()
}

// effectiveSSLVerify returns the ConfigStore override if one has been set,
// else the immutable per-connection default from cfg.Options.
func (e *Engine[S]) effectiveSSLVerify() api.TLSVerifyMode {
	e.overrideMu.Lock()
	defer e.overrideMu.Unlock()
	if e.sslVerifyOver != nil {
		return *e.sslVerifyOver
	}
	return e.cfg.Options.SSLVerify
}

// Send encodes and transmits frame, blocking the caller until the engine
// loop has processed the command. The loop itself never suspends on
// this; only the external caller blocks. Returns api.ErrDisconnected if
// the engine is not Connected.
func (e *Engine[S]) Send(frame *api.Frame) error {
	done := make(chan error, 1)
	e.cmds.Push(queue.Command{Kind: queue.CmdSend, Payload: frame, Done: done})
	select {
	case err := <-done:
		return err
	case <-e.stopped:
		return api.ErrDisconnected
	}
}

// Cast is the fire-and-forget counterpart of Send: it enqueues frame for
// transmission without waiting for the result, and drops silently if the
// engine is not Connected.
func (e *Engine[S]) Cast(frame *api.Frame) {
	select {
	case <-e.stopped:
		return
	default:
	}
	e.cmds.Push(queue.Command{Kind: queue.CmdCast, Payload: frame})
}

// Notify delivers msg to handler.OnExternalMessage out of band — the
// entry point for application-originated messages injected from another
// goroutine.
func (e *Engine[S]) Notify(msg any) {
	select {
	case <-e.stopped:
		return
	default:
	}
	e.cmds.Push(queue.Command{Kind: queue.CmdNotify, Payload: msg})
}

// Shutdown requests an orderly engine termination: the current connection
// (if any) is closed and handler.OnTerminate is invoked, without going
// through the reconnect subprotocol.
func (e *Engine[S]) Shutdown() {
	e.cmds.Push(queue.Command{Kind: queue.CmdShutdown})
}

// setState transitions state, keeping the atomic mirror and the state
// gauge metric in lockstep.
func (e *Engine[S]) setState(s State) {
	e.state = s
	e.stateAtomic.Store(int32(s))
	e.metrics.State.Set(float64(s))
}

// loop is the engine's single-threaded event loop. Every field on e.ctx
// and e.userState is read and written exclusively from here.
func (e *Engine[S]) loop() {
	for {
		var events <-chan api.TransportEvent
		if e.ctx.socket != nil {
			events = e.ctx.socket.Events()
		}
		var kaC <-chan time.Time
		if e.ctx.keepaliveTimer != nil {
			kaC = e.ctx.keepaliveTimer.C
		}
		var reconnC <-chan time.Time
		if e.ctx.reconnectTimer != nil {
			reconnC = e.ctx.reconnectTimer.C
		}

		select {
		case <-e.cmds.Notify():
			for {
				cmd, ok := e.cmds.Pop()
				if !ok {
					break
				}
				e.handleCommand(cmd)
				if e.terminated {
					break
				}
			}
		case ev, ok := <-events:
			if !ok {
				// A closed event channel means no further events will
				// arrive: treat it as the peer closing the transport.
				ev = api.TransportEvent{Kind: api.TransportEventClosed}
			}
			e.handleTransportEvent(ev)
		case <-kaC:
			e.onKeepaliveTick()
		case <-reconnC:
			e.onReconnectTick()
		}

		if e.terminated {
			close(e.stopped)
			return
		}
	}
}

// handleCommand dispatches one popped Command.
func (e *Engine[S]) handleCommand(cmd queue.Command) {
	switch cmd.Kind {
	case queue.CmdConnect:
		e.connectNow()
	case queue.CmdSend:
		e.handleSend(cmd)
	case queue.CmdCast:
		e.handleCastFrame(cmd)
	case queue.CmdNotify:
		e.handleNotify(cmd)
	case queue.CmdShutdown:
		e.terminate(api.NewError(api.ErrCodeDisconnected, "shutdown requested"))
	}
}

func (e *Engine[S]) handleSend(cmd queue.Command) {
	frame, _ := cmd.Payload.(*api.Frame)
	var err error
	switch {
	case e.state != StateConnected || e.ctx.socket == nil:
		err = api.ErrDisconnected
	case frame == nil:
		err = api.NewError(api.ErrCodeUnknown, "nil frame")
	default:
		data, encErr := wire.EncodeFrame(frame.Opcode, frame.Payload)
		if encErr != nil {
			err = encErr
		} else if sendErr := e.ctx.socket.Send(data); sendErr != nil {
			err = api.NewError(api.ErrCodeTransportIo, sendErr.Error())
		} else {
			e.metrics.FramesSent.Inc()
			e.metrics.BytesSent.Add(float64(len(frame.Payload)))
		}
	}

	if cmd.Done != nil {
		cmd.Done <- err
	}
	if ae, ok := err.(*api.Error); ok && ae.Code == api.ErrCodeTransportIo {
		e.disconnect(err)
	}
}

// handleCastFrame is Cast's fire-and-forget frame send: same encode/write
// path as handleSend but with no caller waiting on the result, and it
// drops silently on a disconnected engine rather than returning an error.
func (e *Engine[S]) handleCastFrame(cmd queue.Command) {
	frame, ok := cmd.Payload.(*api.Frame)
	if !ok || frame == nil || e.state != StateConnected || e.ctx.socket == nil {
		return
	}
	data, err := wire.EncodeFrame(frame.Opcode, frame.Payload)
	if err != nil {
		e.logger.Printf("cast encode failed: %v", err)
		return
	}
	if sendErr := e.ctx.socket.Send(data); sendErr != nil {
		e.disconnect(api.NewError(api.ErrCodeTransportIo, sendErr.Error()))
		return
	}
	e.metrics.FramesSent.Inc()
	e.metrics.BytesSent.Add(float64(len(frame.Payload)))
}

// handleNotify dispatches to OnExternalMessage only while Connected,
// mirroring send/cast's silent drop in every other state — the state
// table has no Disconnected/Handshaking row for external messages.
func (e *Engine[S]) handleNotify(cmd queue.Command) {
	if e.state != StateConnected {
		return
	}
	info := e.connInfo()
	dir, panicked := e.safeDirective(func() api.Directive[S] {
		return e.handler.OnExternalMessage(cmd.Payload, info, e.userState)
	}, "OnExternalMessage")
	if panicked {
		e.terminate(api.NewError(api.ErrCodeHandlerFailure, "handler OnExternalMessage panicked"))
		return
	}
	e.applyGeneralDirective(dir)
}

// connectNow starts a fresh connect attempt: dial, then send the
// handshake request. Failures route through the normal disconnect
// subprotocol so handler.OnDisconnect gets a chance to schedule a retry.
func (e *Engine[S]) connectNow() {
	e.ctx.maybeCancelReconnect()
	reconnecting := e.ctx.attempts > 0
	e.ctx.attempts++
	e.ctx.clear()
	e.setState(StateHandshaking)
	if reconnecting {
		e.metrics.Reconnects.Inc()
	}

	key, err := handshake.NewKey()
	if err != nil {
		e.disconnect(api.NewError(api.ErrCodeTransportConnect, err.Error()))
		return
	}
	e.ctx.key = key

	tr, dialErr := e.dialer.Dial(e.cfg.Target.Scheme, e.cfg.Target.Host, e.cfg.Target.Port,
		e.effectiveSSLVerify(), e.cfg.Options.ConnectTimeout)
	if dialErr != nil {
		e.logger.Printf("dial %s failed: %v", e.cfg.Target.HostPort(), dialErr)
		e.disconnect(dialErr)
		return
	}
	e.ctx.socket = tr

	req := handshake.BuildRequest(e.cfg.Target.HostPort(), e.cfg.Target.Path, key,
		e.cfg.Options.ExtraHeaders, e.cfg.Options.Protocols)
	if sendErr := tr.Send(req); sendErr != nil {
		e.disconnect(api.NewError(api.ErrCodeTransportIo, sendErr.Error()))
		return
	}

	// Arming here (not just after OnConnect) guards the handshake itself
	// against a peer that accepts the TCP connection but never answers
	// the Upgrade request.
	if e.cfg.Options.KeepaliveMs > 0 {
		e.armKeepalive(e.cfg.Options.KeepaliveMs)
	}
}

// disconnect runs the disconnect subprotocol: tear down the transport,
// clear per-attempt state, and invoke handler.OnDisconnect, whose
// returned directive decides whether (and when) to reconnect.
func (e *Engine[S]) disconnect(reason error) {
	if e.ctx.socket != nil {
		e.ctx.socket.Close()
	}
	e.ctx.clear()
	e.setState(StateDisconnected)

	dir, panicked := e.safeDirective(func() api.Directive[S] {
		return e.handler.OnDisconnect(reason, e.userState)
	}, "OnDisconnect")
	if panicked {
		e.terminate(reason)
		return
	}
	e.userState = dir.State

	switch dir.Kind {
	case api.DirReconnect:
		e.scheduleReconnect(dir.AfterMs)
	case api.DirClose:
		e.terminate(reason)
	}
}

// terminate stops the engine permanently: the transport is closed,
// handler.OnTerminate is notified, and the loop exits after this command
// returns.
func (e *Engine[S]) terminate(reason error) {
	e.ctx.maybeCancelReconnect()
	e.cancelKeepalive()
	if e.ctx.socket != nil {
		e.ctx.socket.Close()
	}
	info := e.connInfo()
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.metrics.HandlerFailures.Inc()
				e.logger.Printf("handler OnTerminate panicked: %v", r)
			}
		}()
		e.handler.OnTerminate(reason, info, e.userState)
	}()
	e.terminated = true
}

func (e *Engine[S]) connInfo() api.ConnInfo {
	return api.ConnInfo{
		Scheme:   e.cfg.Target.Scheme,
		Host:     e.cfg.Target.Host,
		Port:     e.cfg.Target.Port,
		Path:     e.cfg.Target.Path,
		Protocol: e.ctx.protocol,
		Key:      e.ctx.key,
	}
}
