package packet

import (
	"bytes"
	"testing"
)

func TestNewAndAccessors(t *testing.T) {
	p, err := New(TagPing, []byte("hello"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Tag() != TagPing {
		t.Fatalf("Tag() = %d, want %d", p.Tag(), TagPing)
	}
	if !bytes.Equal(p.Payload(), []byte("hello")) {
		t.Fatalf("Payload() = %q, want %q", p.Payload(), "hello")
	}
	if p.Len() != 6 {
		t.Fatalf("Len() = %d, want 6", p.Len())
	}
}

func TestNewRejectsOversize(t *testing.T) {
	_, err := New(TagChat, make([]byte, MaxLength))
	if err == nil {
		t.Fatalf("expected error for oversize payload")
	}
}

func TestWrapRejectsEmpty(t *testing.T) {
	if _, err := Wrap(nil); err == nil {
		t.Fatalf("expected error for empty packet")
	}
}

func TestWrapAcceptsMaxLength(t *testing.T) {
	data := make([]byte, MaxLength)
	data[0] = TagKeyframe
	p, err := Wrap(data)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if p.Len() != MaxLength {
		t.Fatalf("Len() = %d, want %d", p.Len(), MaxLength)
	}
}

func TestWrapRejectsTooLarge(t *testing.T) {
	if _, err := Wrap(make([]byte, MaxLength+1)); err == nil {
		t.Fatalf("expected error for packet exceeding MaxLength")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p, err := New(TagChat, []byte("gg wp"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wire := Encode(p)

	got, consumed, ok, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !ok {
		t.Fatalf("Decode: ok = false, want true")
	}
	if consumed != len(wire) {
		t.Fatalf("consumed = %d, want %d", consumed, len(wire))
	}
	if !bytes.Equal(got.Bytes(), p.Bytes()) {
		t.Fatalf("decode(encode(p)) != p: got %v want %v", got.Bytes(), p.Bytes())
	}
}

func TestDecodeIncompleteFrame(t *testing.T) {
	p, _ := New(TagPing, []byte("x"))
	wire := Encode(p)
	_, _, ok, err := Decode(wire[:len(wire)-1])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for incomplete frame")
	}
}

func TestDecodeZeroLength(t *testing.T) {
	wire := []byte{0x00, 0x00}
	_, consumed, ok, err := Decode(wire)
	if !ok || consumed != 2 {
		t.Fatalf("expected ok=true consumed=2, got ok=%v consumed=%d", ok, consumed)
	}
	if err == nil {
		t.Fatalf("expected error for zero-length packet")
	}
}
