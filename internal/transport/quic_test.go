package transport

import (
	"fmt"
	"testing"
	"time"
)

func TestQUICPluginRoundTrip(t *testing.T) {
	port := pickFreePort(t)

	b := &QUICPlugin{}
	if err := b.Setup(Options{Host: "127.0.0.1", Port: port}); err != nil {
		t.Fatalf("setup b: %v", err)
	}
	defer b.Destroy()

	a := &QUICPlugin{}
	if err := a.Setup(Options{}); err != nil {
		t.Fatalf("setup a: %v", err)
	}
	defer a.Destroy()

	target := fmt.Sprintf("127.0.0.1:%d", port)
	if err := a.Send([]byte("hello"), target); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.After(3 * time.Second)
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
			t.Fatal("timed out waiting for datagram")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestQUICPluginReceiveNoneWhenEmpty(t *testing.T) {
	a := &QUICPlugin{}
	if err := a.Setup(Options{}); err != nil {
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

func TestQUICPluginDestroyIdempotent(t *testing.T) {
	a := &QUICPlugin{}
	if err := a.Setup(Options{}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := a.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := a.Destroy(); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
}

func TestQUICPluginVersion(t *testing.T) {
	a := &QUICPlugin{}
	if a.Version() != ProtocolVersion {
		t.Fatalf("Version() = %q, want %q", a.Version(), ProtocolVersion)
	}
}
