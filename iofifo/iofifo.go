// Package iofifo implements a fixed-capacity cyclic byte buffer: the
// building block the channel multiplexer uses to stage slave payloads
// between the OS pipe and the framed wire. Capacity never changes after
// construction; bytesLeft + size == capacity is maintained at all times.
package iofifo

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

// ErrWouldOverflow is returned by Push when n exceeds the free space.
var ErrWouldOverflow = errors.New("iofifo: push would overflow capacity")

// ErrUnderflow is returned by Pop/Peek when n exceeds the buffered bytes.
var ErrUnderflow = errors.New("iofifo: not enough buffered bytes")

// Fifo is a fixed-capacity ring buffer of bytes with independent read and
// write cursors. The zero value is not usable; use NewFifo.
type Fifo struct {
	mu        sync.Mutex
	buf       []byte
	readPos   int
	writePos  int
	bytesLeft int // free space; bytesLeft + size() == capacity always
}

// NewFifo allocates a fifo with the given fixed capacity.
func NewFifo(capacity int) *Fifo {
	return &Fifo{
		buf:       make([]byte, capacity),
		bytesLeft: capacity,
	}
}

// Capacity returns the fixed capacity given at construction.
func (f *Fifo) Capacity() int {
	return len(f.buf)
}

// Size returns the number of buffered, unread bytes.
func (f *Fifo) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size()
}

func (f *Fifo) size() int {
	return len(f.buf) - f.bytesLeft
}

// BytesLeft returns the free space currently available to Push.
func (f *Fifo) BytesLeft() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytesLeft
}

// Lock exposes the internal mutex so a caller can perform several
// operations (e.g. peek a header, then conditionally pop the body)
// atomically with respect to other producers/consumers.
func (f *Fifo) Lock() { f.mu.Lock() }

// Unlock releases the lock taken by Lock.
func (f *Fifo) Unlock() { f.mu.Unlock() }

// Push copies src into the buffer, wrapping across the end as needed.
// Fails with ErrWouldOverflow if len(src) > BytesLeft(); on failure the
// buffer is left completely unchanged.
func (f *Fifo) Push(src []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.push(src)
}

func (f *Fifo) push(src []byte) error {
	n := len(src)
	if n > f.bytesLeft {
		return errors.Wrapf(ErrWouldOverflow, "want %d, have %d", n, f.bytesLeft)
	}
	if n == 0 {
		return nil
	}

	cap := len(f.buf)
	first := cap - f.writePos
	if first > n {
		first = n
	}
	copy(f.buf[f.writePos:], src[:first])
	if rest := n - first; rest > 0 {
		copy(f.buf, src[first:])
	}
	f.writePos = (f.writePos + n) % cap
	f.bytesLeft -= n
	return nil
}

// Pop copies n = len(dst) bytes out of the buffer, wrapping as needed. If
// dst is empty this is a no-op. When peekOnly is false the read cursor
// advances and BytesLeft grows accordingly; when true the buffer is left
// untouched (see Peek). Fails with ErrUnderflow if len(dst) > Size().
func (f *Fifo) Pop(dst []byte, peekOnly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pop(dst, peekOnly)
}

func (f *Fifo) pop(dst []byte, peekOnly bool) error {
	n := len(dst)
	size := f.size()
	if n > size {
		return errors.Wrapf(ErrUnderflow, "want %d, have %d", n, size)
	}
	if n == 0 {
		return nil
	}

	cap := len(f.buf)
	readPos := f.readPos
	first := cap - readPos
	if first > n {
		first = n
	}
	copy(dst[:first], f.buf[readPos:])
	if rest := n - first; rest > 0 {
		copy(dst[first:], f.buf[:rest])
	}

	if !peekOnly {
		f.readPos = (readPos + n) % cap
		f.bytesLeft += n
	}
	return nil
}

// Peek is Pop(dst, true): a non-destructive read.
func (f *Fifo) Peek(dst []byte) error {
	return f.Pop(dst, true)
}

// PeekByte non-destructively reads the next buffered byte. Returns
// (0, false) if the fifo is empty.
func (f *Fifo) PeekByte() (byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b [1]byte
	if err := f.pop(b[:], true); err != nil {
		return 0, false
	}
	return b[0], true
}

// PeekDword non-destructively reads the next 4 buffered bytes as a uint32
// in the given byte order. Returns (0, false) if fewer than 4 bytes are
// buffered.
func (f *Fifo) PeekDword(order binary.ByteOrder) (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b [4]byte
	if err := f.pop(b[:], true); err != nil {
		return 0, false
	}
	return order.Uint32(b[:]), true
}

// PeekQword non-destructively reads the next 8 buffered bytes as a uint64
// in the given byte order. Returns (0, false) if fewer than 8 bytes are
// buffered.
func (f *Fifo) PeekQword(order binary.ByteOrder) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b [8]byte
	if err := f.pop(b[:], true); err != nil {
		return 0, false
	}
	return order.Uint64(b[:]), true
}
