package engine

import "time"

// scheduleReconnect implements the ondisconnect Reconnect directive:
// afterMs <= 0 reconnects immediately in this same tick, otherwise a
// delayed timer is armed. Any previously pending reconnect timer is
// cancelled first so a second disconnect never stacks timers.
func (e *Engine[S]) scheduleReconnect(afterMs int) {
	e.ctx.maybeCancelReconnect()
	if afterMs <= 0 {
		e.connectNow()
		return
	}
	e.ctx.reconnectTimer = time.NewTimer(time.Duration(afterMs) * time.Millisecond)
}

func (e *Engine[S]) onReconnectTick() {
	e.ctx.reconnectTimer = nil
	e.connectNow()
}
