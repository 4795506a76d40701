package engine

import (
	"github.com/netloop/wsclient/api"
	"github.com/netloop/wsclient/handshake"
	"github.com/netloop/wsclient/wire"
)

// handleTransportEvent routes one inbound api.TransportEvent.
func (e *Engine[S]) handleTransportEvent(ev api.TransportEvent) {
	switch ev.Kind {
	case api.TransportEventData:
		e.onInboundBytes(ev.Data)
	case api.TransportEventClosed:
		e.disconnect(api.NewError(api.ErrCodeRemoteClosed, "transport closed by peer"))
	case api.TransportEventError:
		msg := "transport error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		e.disconnect(api.NewError(api.ErrCodeTransportIo, msg))
	}
}

// onInboundBytes appends newly-received bytes to the partial-read buffer
// and feeds them to the handshake validator or the frame codec depending
// on the current state.
func (e *Engine[S]) onInboundBytes(data []byte) {
	e.ctx.readBuf = append(e.ctx.readBuf, data...)
	switch e.state {
	case StateHandshaking:
		e.feedHandshake()
	case StateConnected:
		e.feedFrames()
	}
}

// feedHandshake drains the accumulated response bytes through
// handshake.ValidateResponse. Once accepted, any bytes past the header
// block are WebSocket frame bytes and get forwarded into feedFrames in
// the same call, since they already arrived with this read.
func (e *Engine[S]) feedHandshake() {
	res := handshake.ValidateResponse(e.ctx.readBuf, e.ctx.key)
	switch res.Status {
	case handshake.StatusNeedMore:
		return
	case handshake.StatusRejected:
		e.disconnect(api.NewError(api.ErrCodeHandshakeRejected, res.Reason))
	case handshake.StatusAccepted:
		e.ctx.readBuf = e.ctx.readBuf[res.Consumed:]
		e.ctx.protocol = res.Protocol
		e.setState(StateConnected)
		e.onConnectComplete()
		if e.state == StateConnected && len(e.ctx.readBuf) > 0 {
			e.feedFrames()
		}
	}
}

// feedFrames drains as many complete frames as are currently buffered. A
// protocol violation sends the close frame the codec names and runs the
// disconnect subprotocol with reason protocol_violation.
func (e *Engine[S]) feedFrames() {
	for e.state == StateConnected {
		res := wire.Step(e.ctx.readBuf, &e.ctx.decode)
		switch res.Kind {
		case wire.StepNeedMore:
			if res.Consumed == 0 {
				return
			}
			e.ctx.readBuf = e.ctx.readBuf[res.Consumed:]
		case wire.StepFrame:
			e.ctx.readBuf = e.ctx.readBuf[res.Consumed:]
			e.metrics.FramesReceived.Inc()
			e.metrics.BytesReceived.Add(float64(len(res.Frame.Payload)))
			e.handleFrame(res.Frame)
		case wire.StepProtocolError:
			e.metrics.ProtocolViolations.Inc()
			if data, encErr := wire.EncodeClose(res.CloseCode, res.Reason); encErr == nil && e.ctx.socket != nil {
				e.ctx.socket.Send(data)
			}
			e.disconnect(api.NewError(api.ErrCodeProtocolViolation, res.Reason))
			return
		}
	}
}

// handleFrame applies the per-opcode control-frame policy: ping gets an
// automatic pong before the handler ever sees it, pong resets the
// missed-keepalive counter, close is echoed and triggers a disconnect
// without reaching the handler, everything else goes to OnFrame.
func (e *Engine[S]) handleFrame(frame *api.Frame) {
	switch frame.Opcode {
	case api.OpcodePing:
		if data, err := wire.EncodeFrame(api.OpcodePong, frame.Payload); err == nil && e.ctx.socket != nil {
			if sendErr := e.ctx.socket.Send(data); sendErr == nil {
				e.metrics.FramesSent.Inc()
			}
		}
		e.deliverFrame(*frame)
	case api.OpcodePong:
		e.ctx.kaAttempts = 0
		e.deliverFrame(*frame)
	case api.OpcodeClose:
		code := frame.CloseCode
		if code == 0 {
			code = api.CloseNormal
		}
		if e.ctx.socket != nil {
			if data, err := wire.EncodeClose(code, ""); err == nil {
				e.ctx.socket.Send(data)
			}
		}
		e.disconnect(api.NewError(api.ErrCodeRemoteClosed, "peer sent close frame").
			WithContext("code", frame.CloseCode).WithContext("text", frame.CloseText))
	default:
		e.deliverFrame(*frame)
	}
}

func (e *Engine[S]) deliverFrame(frame api.Frame) {
	info := e.connInfo()
	dir, panicked := e.safeDirective(func() api.Directive[S] {
		return e.handler.OnFrame(frame, info, e.userState)
	}, "OnFrame")
	if panicked {
		e.terminate(api.NewError(api.ErrCodeHandlerFailure, "handler OnFrame panicked"))
		return
	}
	e.applyGeneralDirective(dir)
}

// onConnectComplete invokes handler.OnConnect once the 101 response is
// validated, (re)arming the keepalive timer if the directive requests it.
func (e *Engine[S]) onConnectComplete() {
	info := e.connInfo()
	dir, panicked := e.safeDirective(func() api.Directive[S] {
		return e.handler.OnConnect(info, e.userState)
	}, "OnConnect")
	if panicked {
		e.terminate(api.NewError(api.ErrCodeHandlerFailure, "handler OnConnect panicked"))
		return
	}
	e.userState = dir.State
	if dir.KeepaliveMs > 0 {
		e.armKeepalive(dir.KeepaliveMs)
	}
	e.applyPostDirective(dir)
}

// applyGeneralDirective applies the Reply/Close side effects common to
// OnFrame and OnExternalMessage; OnConnect additionally handles
// KeepaliveMs before reaching here via applyPostDirective.
func (e *Engine[S]) applyGeneralDirective(dir api.Directive[S]) {
	e.userState = dir.State
	e.applyPostDirective(dir)
}

func (e *Engine[S]) applyPostDirective(dir api.Directive[S]) {
	switch dir.Kind {
	case api.DirReply:
		e.sendReply(dir.Reply)
	case api.DirClose:
		e.sendCloseAndDisconnect(dir.ClosePayload)
	}
}

func (e *Engine[S]) sendReply(frame *api.Frame) {
	if frame == nil || e.ctx.socket == nil {
		return
	}
	data, err := wire.EncodeFrame(frame.Opcode, frame.Payload)
	if err != nil {
		e.logger.Printf("reply encode failed: %v", err)
		return
	}
	if sendErr := e.ctx.socket.Send(data); sendErr != nil {
		e.disconnect(api.NewError(api.ErrCodeTransportIo, sendErr.Error()))
		return
	}
	e.metrics.FramesSent.Inc()
	e.metrics.BytesSent.Add(float64(len(frame.Payload)))
}

// sendCloseAndDisconnect implements a handler-initiated Close directive:
// send the close frame, then run the normal disconnect subprotocol so
// OnDisconnect still gets a chance to decide on a reconnect.
func (e *Engine[S]) sendCloseAndDisconnect(payload []byte) {
	if e.ctx.socket != nil {
		if data, err := wire.EncodeFrame(api.OpcodeClose, payload); err == nil {
			e.ctx.socket.Send(data)
		}
	}
	e.disconnect(api.NewError(api.ErrCodeDisconnected, "connection closed by handler directive"))
}
