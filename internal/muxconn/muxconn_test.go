package muxconn

import (
	"bytes"
	"io"
	"testing"
)

func TestOpenRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteOpenRequest(&buf, OpenRequest{ID: 7}); err != nil {
		t.Fatalf("WriteOpenRequest: %v", err)
	}
	got, err := ReadOpenRequest(&buf)
	if err != nil {
		t.Fatalf("ReadOpenRequest: %v", err)
	}
	if got.ID != 7 {
		t.Fatalf("got id %d, want 7", got.ID)
	}
}

type closeCounter struct {
	io.Reader
	closed *int
}

func (c closeCounter) Close() error { *c.closed++; return nil }

type writeCloseCounter struct {
	io.Writer
	closed *int
}

func (c writeCloseCounter) Close() error { *c.closed++; return nil }

func TestPipeClosesBothEnds(t *testing.T) {
	var wClosed, rClosed int
	p := Pipe{
		W: writeCloseCounter{Writer: &bytes.Buffer{}, closed: &wClosed},
		R: closeCounter{Reader: bytes.NewReader(nil), closed: &rClosed},
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if wClosed != 1 || rClosed != 1 {
		t.Fatalf("expected both ends closed once, got w=%d r=%d", wClosed, rClosed)
	}
}
