package iofifo

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestPushPopRoundTrip(t *testing.T) {
	f := NewFifo(16)
	src := []byte("hello world12345")[:16]
	if err := f.Push(src); err != nil {
		t.Fatalf("Push: %v", err)
	}
	dst := make([]byte, 16)
	if err := f.Pop(dst, false); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if !bytes.Equal(src, dst) {
		t.Fatalf("round trip mismatch: got %q want %q", dst, src)
	}
	if f.BytesLeft() != 16 {
		t.Fatalf("BytesLeft() = %d, want 16", f.BytesLeft())
	}
}

func TestPushPopRestoresState(t *testing.T) {
	f := NewFifo(8)
	if err := f.Push([]byte("abcd")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	dst := make([]byte, 4)
	if err := f.Pop(dst, false); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	before := snapshot(f)
	if err := f.Push(dst); err != nil {
		t.Fatalf("re-Push: %v", err)
	}
	var out [4]byte
	if err := f.Pop(out[:], false); err != nil {
		t.Fatalf("re-Pop: %v", err)
	}
	after := snapshot(f)
	if before != after {
		t.Fatalf("state not restored: before=%v after=%v", before, after)
	}
}

type state struct{ readPos, writePos, bytesLeft int }

func snapshot(f *Fifo) state {
	f.Lock()
	defer f.Unlock()
	return state{f.readPos, f.writePos, f.bytesLeft}
}

func TestWrapAround(t *testing.T) {
	f := NewFifo(4)
	if err := f.Push([]byte("ab")); err != nil {
		t.Fatal(err)
	}
	var tmp [2]byte
	if err := f.Pop(tmp[:], false); err != nil {
		t.Fatal(err)
	}
	if err := f.Push([]byte("cdef")); err != nil {
		t.Fatalf("Push across wrap: %v", err)
	}
	out := make([]byte, 4)
	if err := f.Pop(out, false); err != nil {
		t.Fatal(err)
	}
	if string(out) != "cdef" {
		t.Fatalf("wrap-around mismatch: got %q", out)
	}
}

func TestPushOverflowLeavesStateUnchanged(t *testing.T) {
	f := NewFifo(4)
	if err := f.Push([]byte("ab")); err != nil {
		t.Fatal(err)
	}
	before := snapshot(f)
	if err := f.Push([]byte("abc")); err == nil {
		t.Fatalf("expected overflow error")
	}
	after := snapshot(f)
	if before != after {
		t.Fatalf("state changed on failed push: before=%v after=%v", before, after)
	}
}

func TestPopUnderflowLeavesStateUnchanged(t *testing.T) {
	f := NewFifo(4)
	if err := f.Push([]byte("a")); err != nil {
		t.Fatal(err)
	}
	before := snapshot(f)
	if err := f.Pop(make([]byte, 2), false); err == nil {
		t.Fatalf("expected underflow error")
	}
	after := snapshot(f)
	if before != after {
		t.Fatalf("state changed on failed pop: before=%v after=%v", before, after)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	f := NewFifo(8)
	if err := f.Push([]byte("xy")); err != nil {
		t.Fatal(err)
	}
	var a, b [2]byte
	if err := f.Peek(a[:]); err != nil {
		t.Fatal(err)
	}
	if err := f.Peek(b[:]); err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("peek is not idempotent: %v != %v", a, b)
	}
	if f.Size() != 2 {
		t.Fatalf("Size() after peek = %d, want 2", f.Size())
	}
}

func TestPeekDwordEndian(t *testing.T) {
	f := NewFifo(8)
	if err := f.Push([]byte{0x01, 0x02, 0x03, 0x04}); err != nil {
		t.Fatal(err)
	}
	le, ok := f.PeekDword(binary.LittleEndian)
	if !ok || le != 0x04030201 {
		t.Fatalf("PeekDword little-endian = %x, ok=%v", le, ok)
	}
	be, ok := f.PeekDword(binary.BigEndian)
	if !ok || be != 0x01020304 {
		t.Fatalf("PeekDword big-endian = %x, ok=%v", be, ok)
	}
}

func TestPeekDwordInsufficientBytes(t *testing.T) {
	f := NewFifo(8)
	if err := f.Push([]byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	v, ok := f.PeekDword(binary.LittleEndian)
	if ok || v != 0 {
		t.Fatalf("PeekDword on short buffer = (%d, %v), want (0, false)", v, ok)
	}
}

func TestPeekQword(t *testing.T) {
	f := NewFifo(16)
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := f.Push(want); err != nil {
		t.Fatal(err)
	}
	got, ok := f.PeekQword(binary.BigEndian)
	if !ok {
		t.Fatalf("PeekQword: not ok")
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], got)
	if !bytes.Equal(buf[:], want) {
		t.Fatalf("PeekQword round-trip mismatch: got %v want %v", buf, want)
	}
}

func TestExactCapacityBoundaryAllowed(t *testing.T) {
	f := NewFifo(4)
	if err := f.Push([]byte("abcd")); err != nil {
		t.Fatalf("Push of exactly capacity bytes should succeed: %v", err)
	}
	out := make([]byte, 4)
	if err := f.Pop(out, false); err != nil {
		t.Fatalf("Pop of exactly size bytes should succeed: %v", err)
	}
}
