// Package transport provides the concrete byte-stream Transport the
// engine drives: a net.Conn (optionally TLS-wrapped) plus a goroutine
// translating Read() into the api.TransportEvent stream ("bytes
// received", "peer closed", "transport error"). Grounded on the donor's
// lowlevel/client/transport.go, adjusted from batch/zero-copy
// buffer-pool semantics (irrelevant to a single client connection) to a
// plain event channel.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/netloop/wsclient/api"
)

// Dialer opens a TCP (ws) or TLS-over-TCP (wss) connection and wraps it
// as an api.Transport.
type Dialer struct {
	// ReadBufferSize sizes each Recv chunk; the donor used 64KiB for its
	// zero-copy pool buffers (lowlevel/client/facade.go DefaultConfig).
	ReadBufferSize int
}

// NewDialer returns a Dialer with the donor's default 64KiB read buffer.
func NewDialer() *Dialer {
	return &Dialer{ReadBufferSize: 64 * 1024}
}

// Dial implements api.Dialer.
func (d *Dialer) Dial(scheme, host string, port int, verify api.TLSVerifyMode, timeout time.Duration) (api.Transport, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var netDialer net.Dialer
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, api.NewError(api.ErrCodeTransportConnect, err.Error()).WithContext("addr", addr)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	if scheme == "wss" {
		tlsConf := &tls.Config{ServerName: host}
		if verify == api.TLSVerifyNone {
			tlsConf.InsecureSkipVerify = true
		}
		tlsConn := tls.Client(conn, tlsConf)
		if dl, ok := ctx.Deadline(); ok {
			tlsConn.SetDeadline(dl)
		}
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, api.NewError(api.ErrCodeTransportConnect, "tls handshake: "+err.Error())
		}
		tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	bufSize := d.ReadBufferSize
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return newConnTransport(conn, bufSize), nil
}

// connTransport adapts a net.Conn to api.Transport.
type connTransport struct {
	conn    net.Conn
	events  chan api.TransportEvent
	closeCh chan struct{}
}

func newConnTransport(conn net.Conn, bufSize int) *connTransport {
	t := &connTransport{
		conn:    conn,
		events:  make(chan api.TransportEvent, 16),
		closeCh: make(chan struct{}),
	}
	go t.readLoop(bufSize)
	return t
}

func (t *connTransport) readLoop(bufSize int) {
	defer close(t.events)
	buf := make([]byte, bufSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case t.events <- api.TransportEvent{Kind: api.TransportEventData, Data: chunk}:
			case <-t.closeCh:
				return
			}
		}
		if err != nil {
			kind := api.TransportEventError
			if isEOF(err) {
				kind = api.TransportEventClosed
			}
			select {
			case t.events <- api.TransportEvent{Kind: kind, Err: err}:
			case <-t.closeCh:
			}
			return
		}
	}
}

func isEOF(err error) bool {
	type timeoutOrClosed interface{ Timeout() bool }
	if err.Error() == "EOF" {
		return true
	}
	if _, ok := err.(timeoutOrClosed); ok {
		return false
	}
	return false
}

func (t *connTransport) Send(p []byte) error {
	_, err := t.conn.Write(p)
	if err != nil {
		return api.NewError(api.ErrCodeTransportIo, err.Error())
	}
	return nil
}

func (t *connTransport) Close() error {
	select {
	case <-t.closeCh:
	default:
		close(t.closeCh)
	}
	return t.conn.Close()
}

func (t *connTransport) Events() <-chan api.TransportEvent {
	return t.events
}

func (t *connTransport) SetDeadline(tm time.Time) error {
	return t.conn.SetDeadline(tm)
}
