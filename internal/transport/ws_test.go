package transport

import (
	"fmt"
	"testing"
	"time"
)

func TestWSPluginRoundTrip(t *testing.T) {
	a := &WSPlugin{}
	if err := a.Setup(Options{Host: "127.0.0.1", Port: 0}); err != nil {
		t.Fatalf("setup a: %v", err)
	}
	defer a.Destroy()

	port := pickFreePort(t)
	b := &WSPlugin{}
	if err := b.Setup(Options{Host: "127.0.0.1", Port: port}); err != nil {
		t.Fatalf("setup b: %v", err)
	}
	defer b.Destroy()

	target := fmt.Sprintf("ws://127.0.0.1:%d/dcf", port)
	if err := a.Send([]byte("hello"), target); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		data, ok, err := b.Receive()
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if ok {
			if string(data) != "hello" {
				t.Fatalf("got %q, want %q", data, "hello")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for message")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWSPluginReceiveNoneWhenEmpty(t *testing.T) {
	a := &WSPlugin{}
	if err := a.Setup(Options{Host: "127.0.0.1", Port: 0}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer a.Destroy()

	_, ok, err := a.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false on empty inbox")
	}
}

func TestWSPluginDestroyIdempotent(t *testing.T) {
	a := &WSPlugin{}
	if err := a.Setup(Options{Host: "127.0.0.1", Port: 0}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := a.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := a.Destroy(); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
}

func TestWSPluginVersion(t *testing.T) {
	a := &WSPlugin{}
	if a.Version() != ProtocolVersion {
		t.Fatalf("Version() = %q, want %q", a.Version(), ProtocolVersion)
	}
}

func TestWSPluginClientOnlySetupHasNoListener(t *testing.T) {
	a := &WSPlugin{}
	if err := a.Setup(Options{}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer a.Destroy()
	if a.httpSrv != nil {
		t.Fatalf("expected no listener for client-only setup")
	}
}
