package engine

import (
	"time"

	"github.com/netloop/wsclient/api"
	"github.com/netloop/wsclient/wire"
)

// armKeepalive (re)starts the keepalive timer at ms milliseconds and
// resets the missed-ping counter. ms <= 0 disables it.
func (e *Engine[S]) armKeepalive(ms int) {
	e.cancelKeepalive()
	e.ctx.keepaliveMs = ms
	if ms <= 0 {
		return
	}
	e.ctx.kaAttempts = 0
	e.ctx.keepaliveTimer = time.NewTimer(time.Duration(ms) * time.Millisecond)
}

func (e *Engine[S]) cancelKeepalive() {
	stopTimer(e.ctx.keepaliveTimer)
	e.ctx.keepaliveTimer = nil
}

// onKeepaliveTick fires while Connected or Handshaking. Connected: sends a
// ping and re-arms. Handshaking: the socket is still mid Upgrade exchange,
// so a raw ping frame would corrupt that byte stream — it only counts the
// tick as a watchdog and re-arms. Either state disconnects with
// keepalive_timeout once keepaliveMaxAttempts consecutive ticks have gone
// unanswered.
func (e *Engine[S]) onKeepaliveTick() {
	e.ctx.keepaliveTimer = nil
	if (e.state != StateConnected && e.state != StateHandshaking) || e.ctx.keepaliveMs <= 0 {
		return
	}

	e.ctx.kaAttempts++
	if e.ctx.kaAttempts > e.ctx.keepaliveMaxAttempts {
		e.metrics.KeepaliveTimeouts.Inc()
		e.disconnect(api.NewError(api.ErrCodeKeepaliveTimeout, "missed keepalive pings").
			WithContext("attempts", e.ctx.kaAttempts))
		return
	}

	if e.state == StateConnected {
		if data, err := wire.EncodeFrame(api.OpcodePing, nil); err == nil && e.ctx.socket != nil {
			if sendErr := e.ctx.socket.Send(data); sendErr != nil {
				e.disconnect(api.NewError(api.ErrCodeTransportIo, sendErr.Error()))
				return
			}
			e.metrics.FramesSent.Inc()
		}
	}

	e.ctx.keepaliveTimer = time.NewTimer(time.Duration(e.ctx.keepaliveMs) * time.Millisecond)
}
