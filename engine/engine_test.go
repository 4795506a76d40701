package engine

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/netloop/wsclient/api"
	"github.com/netloop/wsclient/control"
	"github.com/netloop/wsclient/handshake"
	"github.com/netloop/wsclient/internal/queue"
)

// fakeTransport is an in-memory api.Transport double: Send appends to a
// channel the test drains, Events is fed directly by the test driving the
// engine's inbound side.
type fakeTransport struct {
	events chan api.TransportEvent
	sent   chan []byte
	closed chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan api.TransportEvent, 32),
		sent:   make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(p []byte) error {
	cp := append([]byte(nil), p...)
	f.sent <- cp
	return nil
}

func (f *fakeTransport) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeTransport) Events() <-chan api.TransportEvent { return f.events }
func (f *fakeTransport) SetDeadline(time.Time) error        { return nil }

// fakeDialer hands out pre-built fakeTransports in sequence.
type fakeDialer struct {
	transports chan *fakeTransport
	errs       chan error
	verifyUsed chan api.TLSVerifyMode
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		transports: make(chan *fakeTransport, 8),
		errs:       make(chan error, 8),
		verifyUsed: make(chan api.TLSVerifyMode, 8),
	}
}

func (d *fakeDialer) push(tr *fakeTransport) { d.transports <- tr }

func (d *fakeDialer) Dial(scheme, host string, port int, verify api.TLSVerifyMode, timeout time.Duration) (api.Transport, error) {
	d.verifyUsed <- verify
	select {
	case err := <-d.errs:
		return nil, err
	default:
	}
	return <-d.transports, nil
}

// recordingHandler is a minimal api.Handler[int] double whose behavior is
// configured per test via the exported function fields.
type recordingHandler struct {
	onInit       func(args any) api.Directive[int]
	onConnect    func(info api.ConnInfo, state int) api.Directive[int]
	onDisconnect func(reason error, state int) api.Directive[int]
	onFrame      func(frame api.Frame, info api.ConnInfo, state int) api.Directive[int]
	onExternal   func(msg any, info api.ConnInfo, state int) api.Directive[int]
	onTerminate  func(reason error, info api.ConnInfo, state int)

	connected    chan api.ConnInfo
	disconnected chan error
	frames       chan api.Frame
	terminated   chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		connected:    make(chan api.ConnInfo, 8),
		disconnected: make(chan error, 8),
		frames:       make(chan api.Frame, 8),
		terminated:   make(chan error, 8),
	}
}

func (h *recordingHandler) Init(args any) api.Directive[int] {
	if h.onInit != nil {
		return h.onInit(args)
	}
	return api.Once(0)
}

func (h *recordingHandler) OnConnect(info api.ConnInfo, state int) api.Directive[int] {
	h.connected <- info
	if h.onConnect != nil {
		return h.onConnect(info, state)
	}
	return api.Ok(state)
}

func (h *recordingHandler) OnDisconnect(reason error, state int) api.Directive[int] {
	h.disconnected <- reason
	if h.onDisconnect != nil {
		return h.onDisconnect(reason, state)
	}
	return api.Ok(state)
}

func (h *recordingHandler) OnFrame(frame api.Frame, info api.ConnInfo, state int) api.Directive[int] {
	h.frames <- frame
	if h.onFrame != nil {
		return h.onFrame(frame, info, state)
	}
	return api.Ok(state)
}

func (h *recordingHandler) OnExternalMessage(msg any, info api.ConnInfo, state int) api.Directive[int] {
	if h.onExternal != nil {
		return h.onExternal(msg, info, state)
	}
	return api.Ok(state)
}

func (h *recordingHandler) OnTerminate(reason error, info api.ConnInfo, state int) {
	h.terminated <- reason
	if h.onTerminate != nil {
		h.onTerminate(reason, info, state)
	}
}

func extractKey(request []byte) string {
	for _, line := range strings.Split(string(request), "\r\n") {
		if strings.HasPrefix(strings.ToLower(line), "sec-websocket-key:") {
			return strings.TrimSpace(line[len("Sec-WebSocket-Key:"):])
		}
	}
	return ""
}

func acceptResponse(key string) []byte {
	resp := fmt.Sprintf("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n",
		handshake.Accept(key))
	return []byte(resp)
}

func unmaskClientFrame(t *testing.T, raw []byte) (api.Opcode, []byte) {
	t.Helper()
	if len(raw) < 6 {
		t.Fatalf("frame too short: %d", len(raw))
	}
	opcode := api.Opcode(raw[0] & 0x0F)
	maskedLen := raw[1] & 0x7F
	offset := 2
	length := int(maskedLen)
	if maskedLen == 126 {
		length = int(raw[2])<<8 | int(raw[3])
		offset = 4
	}
	mask := raw[offset : offset+4]
	offset += 4
	payload := append([]byte(nil), raw[offset:offset+length]...)
	for i := range payload {
		payload[i] ^= mask[i%4]
	}
	return opcode, payload
}

func newTestEngine(t *testing.T, h *recordingHandler, d *fakeDialer) *Engine[int] {
	t.Helper()
	cfg, err := control.NewConnectionConfig("ws://example.test/socket")
	if err != nil {
		t.Fatalf("NewConnectionConfig: %v", err)
	}
	return New[int](cfg, h, d, nil)
}

func connectEngine(t *testing.T, e *Engine[int], d *fakeDialer) *fakeTransport {
	t.Helper()
	tr := newFakeTransport()
	d.push(tr)

	var req []byte
	select {
	case req = <-tr.sent:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handshake request")
	}
	key := extractKey(req)
	if key == "" {
		t.Fatal("could not extract Sec-WebSocket-Key from request")
	}
	tr.events <- api.TransportEvent{Kind: api.TransportEventData, Data: acceptResponse(key)}
	return tr
}

func TestEngineHandshakeAndConnect(t *testing.T) {
	h := newRecordingHandler()
	d := newFakeDialer()
	e := newTestEngine(t, h, d)
	connectEngine(t, e, d)

	select {
	case <-h.connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnect was never called")
	}

	deadline := time.Now().Add(time.Second)
	for e.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("engine did not reach Connected, got %v", e.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEngineSendWhileDisconnectedReturnsErr(t *testing.T) {
	h := newRecordingHandler()
	h.onInit = func(any) api.Directive[int] { return api.Ok(0) }
	d := newFakeDialer()
	e := newTestEngine(t, h, d)

	err := e.Send(&api.Frame{Opcode: api.OpcodeText, Payload: []byte("hi")})
	if err != api.ErrDisconnected {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestEngineAutoPongAndFrameDispatch(t *testing.T) {
	h := newRecordingHandler()
	d := newFakeDialer()
	e := newTestEngine(t, h, d)
	tr := connectEngine(t, e, d)
	<-h.connected

	// Server frames must never be masked; build the ping the way a
	// well-behaved server would, independent of the client-only
	// wire.EncodeFrame helper.
	serverPing := serverUnmaskedFrame(api.OpcodePing, []byte("hb"))
	tr.events <- api.TransportEvent{Kind: api.TransportEventData, Data: serverPing}

	select {
	case sent := <-tr.sent:
		op, payload := unmaskClientFrame(t, sent)
		if op != api.OpcodePong || string(payload) != "hb" {
			t.Fatalf("expected pong echo, got opcode=%v payload=%q", op, payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auto-pong")
	}

	select {
	case f := <-h.frames:
		if f.Opcode != api.OpcodePing {
			t.Fatalf("expected handler to see ping frame, got %v", f.Opcode)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnFrame")
	}
}

func TestEngineReconnectDirectiveTriggersNewConnect(t *testing.T) {
	h := newRecordingHandler()
	h.onDisconnect = func(reason error, state int) api.Directive[int] {
		return api.Reconnect(state)
	}
	d := newFakeDialer()
	e := newTestEngine(t, h, d)
	tr := connectEngine(t, e, d)
	<-h.connected

	tr.Close()
	close(tr.events)

	select {
	case <-h.disconnected:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect was never called")
	}

	connectEngine(t, e, d)
	select {
	case <-h.connected:
	case <-time.After(time.Second):
		t.Fatal("engine never reconnected")
	}
}

func TestEngineCloseDirectiveTerminates(t *testing.T) {
	h := newRecordingHandler()
	h.onDisconnect = func(reason error, state int) api.Directive[int] {
		return api.Close[int](nil, state)
	}
	d := newFakeDialer()
	e := newTestEngine(t, h, d)
	tr := connectEngine(t, e, d)
	<-h.connected

	tr.Close()
	close(tr.events)

	select {
	case <-h.terminated:
	case <-time.After(time.Second):
		t.Fatal("OnTerminate was never called")
	}
	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("engine never reached Done")
	}
}

func TestEngineCastSendsFrameWhenConnected(t *testing.T) {
	h := newRecordingHandler()
	d := newFakeDialer()
	e := newTestEngine(t, h, d)
	tr := connectEngine(t, e, d)
	<-h.connected

	e.Cast(&api.Frame{Opcode: api.OpcodeText, Payload: []byte("cast-me")})

	select {
	case sent := <-tr.sent:
		op, payload := unmaskClientFrame(t, sent)
		if op != api.OpcodeText || string(payload) != "cast-me" {
			t.Fatalf("expected cast frame, got opcode=%v payload=%q", op, payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cast frame to be sent")
	}
}

func TestEngineCastDropsSilentlyWhenDisconnected(t *testing.T) {
	h := newRecordingHandler()
	h.onInit = func(any) api.Directive[int] { return api.Ok(0) }
	d := newFakeDialer()
	e := newTestEngine(t, h, d)

	// Must not block or panic; there is nothing to send to.
	e.Cast(&api.Frame{Opcode: api.OpcodeText, Payload: []byte("nobody home")})
}

func TestEngineNotifyReachesOnExternalMessage(t *testing.T) {
	h := newRecordingHandler()
	received := make(chan any, 1)
	h.onExternal = func(msg any, info api.ConnInfo, state int) api.Directive[int] {
		received <- msg
		return api.Ok(state)
	}
	d := newFakeDialer()
	e := newTestEngine(t, h, d)
	connectEngine(t, e, d)
	<-h.connected

	e.Notify("hello")

	select {
	case msg := <-received:
		if msg != "hello" {
			t.Fatalf("expected %q, got %v", "hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnExternalMessage")
	}
}

// serverUnmaskedFrame builds a single-frame, FIN=1, unmasked frame the
// way a well-behaved server would, independent of the client-side
// wire.EncodeFrame helper (which always masks).
func serverUnmaskedFrame(op api.Opcode, payload []byte) []byte {
	out := []byte{0x80 | byte(op), byte(len(payload))}
	return append(out, payload...)
}

// TestEngineFeedFramesDrainsMultipleFramesPerRead covers feedFrames
// looping over the buffer rather than decoding once per transport read:
// two complete frames arriving in a single transport read must both
// reach OnFrame without waiting for a second read.
func TestEngineFeedFramesDrainsMultipleFramesPerRead(t *testing.T) {
	h := newRecordingHandler()
	d := newFakeDialer()
	e := newTestEngine(t, h, d)
	tr := connectEngine(t, e, d)
	<-h.connected

	var buf []byte
	buf = append(buf, serverUnmaskedFrame(api.OpcodeText, []byte("one"))...)
	buf = append(buf, serverUnmaskedFrame(api.OpcodeText, []byte("two"))...)
	tr.events <- api.TransportEvent{Kind: api.TransportEventData, Data: buf}

	for _, want := range []string{"one", "two"} {
		select {
		case f := <-h.frames:
			if string(f.Payload) != want {
				t.Fatalf("expected payload %q, got %q", want, f.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frame %q", want)
		}
	}
}

// TestEngineConfigStoreOverridesSSLVerifyOnReconnect covers ConfigStore
// wiring: a Set after the initial connect must change the verify mode
// the next connectNow dial call is made with.
func TestEngineConfigStoreOverridesSSLVerifyOnReconnect(t *testing.T) {
	h := newRecordingHandler()
	h.onDisconnect = func(reason error, state int) api.Directive[int] {
		return api.Reconnect(state)
	}
	d := newFakeDialer()
	e := newTestEngine(t, h, d)
	tr := connectEngine(t, e, d)
	<-h.connected

	select {
	case v := <-d.verifyUsed:
		if v != api.TLSVerifyPeer {
			t.Fatalf("expected default TLSVerifyPeer on first dial, got %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first dial's verify mode")
	}

	e.ConfigStore().Set(map[string]any{"ssl_verify": api.TLSVerifyNone})

	tr.Close()
	close(tr.events)
	select {
	case <-h.disconnected:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect was never called")
	}
	connectEngine(t, e, d)

	select {
	case v := <-d.verifyUsed:
		if v != api.TLSVerifyNone {
			t.Fatalf("expected overridden TLSVerifyNone on reconnect dial, got %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reconnect dial's verify mode")
	}
}

// TestEngineDumpStateReportsCurrentLifecycleState exercises the wired
// debug-probe surface: DumpState must reflect the atomic state mirror.
func TestEngineDumpStateReportsCurrentLifecycleState(t *testing.T) {
	h := newRecordingHandler()
	h.onInit = func(any) api.Directive[int] { return api.Ok(0) }
	d := newFakeDialer()
	e := newTestEngine(t, h, d)

	state, ok := e.DumpState()["engine.state"]
	if !ok {
		t.Fatal("expected engine.state probe in DumpState output")
	}
	if state != "disconnected" {
		t.Fatalf("expected disconnected before any connect, got %v", state)
	}

	// Init returned Ok, so the engine stays disconnected until it is
	// given an explicit connect command.
	e.cmds.Push(queue.Command{Kind: queue.CmdConnect})
	connectEngine(t, e, d)
	<-h.connected

	deadline := time.Now().Add(time.Second)
	for e.DumpState()["engine.state"] != "connected" {
		if time.Now().After(deadline) {
			t.Fatalf("DumpState never reported connected, last saw %v", e.DumpState()["engine.state"])
		}
		time.Sleep(time.Millisecond)
	}
}
