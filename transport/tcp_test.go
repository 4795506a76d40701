package transport

import (
	"net"
	"testing"
	"time"

	"github.com/netloop/wsclient/api"
)

func TestConnTransportDataAndClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	tr := newConnTransport(client, 4096)

	go func() {
		server.Write([]byte("hello"))
	}()

	select {
	case ev := <-tr.Events():
		if ev.Kind != api.TransportEventData || string(ev.Data) != "hello" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data event")
	}

	server.Close()

	select {
	case ev, ok := <-tr.Events():
		if ok && ev.Kind != api.TransportEventClosed && ev.Kind != api.TransportEventError {
			t.Fatalf("expected closed/error event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close event")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestConnTransportSend(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tr := newConnTransport(client, 4096)
	defer tr.Close()

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := server.Read(buf)
		done <- buf[:n]
	}()

	if err := tr.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-done:
		if string(got) != "ping" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for send")
	}
}
