package iomixer

import (
	"bytes"
	"io"
	"testing"
	"time"
)

// pairedMixers wires two mixers back to back over a pair of in-memory
// pipes, one per direction - the loopback topology spec.md sec 8's
// end-to-end scenarios are phrased against.
func pairedMixers(t *testing.T, opts ...Option) (a, b *Mixer) {
	t.Helper()
	aReader, bWriter := io.Pipe()
	bReader, aWriter := io.Pipe()

	a = New(aReader, aWriter, opts...)
	b = New(bReader, bWriter, opts...)

	a.SetQuietMode(true)
	b.SetQuietMode(true)

	if err := a.Start(); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	return a, b
}

func TestEcho(t *testing.T) {
	a, b := pairedMixers(t)

	aWrite, _, aID, err := a.AddSlave(-1)
	if err != nil {
		t.Fatalf("a.AddSlave: %v", err)
	}
	_, bRead, bID, err := b.AddSlave(-1)
	if err != nil {
		t.Fatalf("b.AddSlave: %v", err)
	}
	if aID != bID {
		t.Fatalf("auto-allocated ids differ: a=%d b=%d", aID, bID)
	}

	msg := []byte{0x01, 0x02, 0x03}
	if _, err := aWrite.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len(msg))
	if _, err := io.ReadFull(bRead, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %v, want %v", got, msg)
	}
}

func TestMultiplexOrderNoInterleaving(t *testing.T) {
	a, b := pairedMixers(t)

	aWrite1, _, ch1, err := a.AddSlave(-1)
	if err != nil {
		t.Fatal(err)
	}
	aWrite2, _, ch2, err := a.AddSlave(-1)
	if err != nil {
		t.Fatal(err)
	}
	_, bRead1, _, err := b.AddSlave(ch1)
	if err != nil {
		t.Fatal(err)
	}
	_, bRead2, _, err := b.AddSlave(ch2)
	if err != nil {
		t.Fatal(err)
	}

	aWrite1.Write([]byte("aaaa"))
	aWrite2.Write([]byte("bbbb"))
	aWrite1.Write([]byte("cccc"))

	got1 := make([]byte, 8)
	if _, err := io.ReadFull(bRead1, got1); err != nil {
		t.Fatalf("channel 1 read: %v", err)
	}
	if string(got1) != "aaaacccc" {
		t.Fatalf("channel 1 = %q, want %q", got1, "aaaacccc")
	}

	got2 := make([]byte, 4)
	if _, err := io.ReadFull(bRead2, got2); err != nil {
		t.Fatalf("channel 2 read: %v", err)
	}
	if string(got2) != "bbbb" {
		t.Fatalf("channel 2 = %q, want %q", got2, "bbbb")
	}
}

func TestPerChannelEOF(t *testing.T) {
	a, b := pairedMixers(t)

	aWrite1, _, ch1, _ := a.AddSlave(-1)
	aWrite2, _, ch2, _ := a.AddSlave(-1)
	_, bRead1, _, _ := b.AddSlave(ch1)
	_, bRead2, _, _ := b.AddSlave(ch2)

	aWrite2.Write([]byte("still open"))
	buf := make([]byte, len("still open"))
	io.ReadFull(bRead2, buf)

	aWrite1.Close() // triggers EOF on channel 1 only

	tail := make([]byte, 1)
	n, err := bRead1.Read(tail)
	if n != 0 || err != io.EOF {
		t.Fatalf("channel 1 read after peer close = (%d, %v), want (0, io.EOF)", n, err)
	}

	// channel 2 must remain usable
	aWrite2.Write([]byte("more"))
	more := make([]byte, 4)
	if _, err := io.ReadFull(bRead2, more); err != nil {
		t.Fatalf("channel 2 still open: %v", err)
	}
}

type fakeCompressor struct{ calls int }

func (f *fakeCompressor) Compress(src []byte) ([]byte, error) {
	f.calls++
	out := make([]byte, 0, len(src)/4+8)
	out = append(out, byte(len(src)>>24), byte(len(src)>>16), byte(len(src)>>8), byte(len(src)))
	if len(src) > 0 {
		out = append(out, src[0])
	}
	return out, nil
}

func (f *fakeCompressor) Uncompress(dst []byte, compressed []byte) (int, error) {
	n := int(compressed[0])<<24 | int(compressed[1])<<16 | int(compressed[2])<<8 | int(compressed[3])
	fill := byte(0)
	if len(compressed) > 4 {
		fill = compressed[4]
	}
	for i := 0; i < n; i++ {
		dst[i] = fill
	}
	return n, nil
}

func TestCompressionToggle(t *testing.T) {
	comp := &fakeCompressor{}
	a, b := pairedMixers(t, WithCompressor(comp))

	aWrite, _, ch, err := a.AddSlave(-1)
	if err != nil {
		t.Fatal(err)
	}
	_, bRead, _, err := b.AddSlave(ch)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.SetSlaveCompression(ch, true); err != nil {
		t.Fatalf("SetSlaveCompression: %v", err)
	}

	payload := make([]byte, 4096) // all zeros
	if _, err := aWrite.Write(payload); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 4096)
	if _, err := io.ReadFull(bRead, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
	if comp.calls != 1 {
		t.Fatalf("compressor called %d times, want 1", comp.calls)
	}
}

func TestGracefulShutdown(t *testing.T) {
	a, b := pairedMixers(t)

	done := make(chan struct{})
	var bEOF int32
	b.SetSlaveDeadCallback(func(id Channel) {
		if id == MasterChannel {
			close(done)
		}
	})
	_ = bEOF

	if err := a.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	a.Join()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("peer never observed channel-0 EOF")
	}
	b.Join()
}

func TestShutdownIdempotent(t *testing.T) {
	a, _ := pairedMixers(t)
	if err := a.Shutdown(); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(); err != nil {
		t.Fatalf("second Shutdown should be a no-op, not an error: %v", err)
	}
}

func TestRemoveSlaveUnregisteredIsNoOp(t *testing.T) {
	a, _ := pairedMixers(t)
	if err := a.RemoveSlave(999); err != nil {
		t.Fatalf("RemoveSlave(unregistered) = %v, want nil", err)
	}
}

func TestAddSlaveAutoAllocatesDistinctIDs(t *testing.T) {
	a, _ := pairedMixers(t)
	_, _, id1, err := a.AddSlave(-1)
	if err != nil {
		t.Fatal(err)
	}
	_, _, id2, err := a.AddSlave(-1)
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Fatalf("auto-allocated ids collided: %d == %d", id1, id2)
	}
	if id1 == MasterChannel || id2 == MasterChannel {
		t.Fatalf("auto-allocated id reused reserved channel 0")
	}
}

func TestAddSlaveRejectsChannelZero(t *testing.T) {
	a, _ := pairedMixers(t)
	if _, _, _, err := a.AddSlave(MasterChannel); err != ErrReservedChannel {
		t.Fatalf("AddSlave(0) = %v, want ErrReservedChannel", err)
	}
}

func TestAddSlaveRejectsDuplicateID(t *testing.T) {
	a, _ := pairedMixers(t)
	if _, _, _, err := a.AddSlave(5); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := a.AddSlave(5); err == nil {
		t.Fatalf("expected duplicate channel error")
	}
}

func TestBrokenConnection(t *testing.T) {
	aReader, bWriter := io.Pipe()
	bReader, aWriter := io.Pipe()

	a := New(aReader, aWriter)
	b := New(bReader, bWriter)
	a.SetQuietMode(true)
	b.SetQuietMode(true)

	done := make(chan struct{})
	b.SetSlaveDeadCallback(func(id Channel) {
		if id == MasterChannel {
			close(done)
		}
	})

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}

	// Kill the transport under A without a graceful shutdown.
	aWriter.CloseWithError(io.ErrClosedPipe)
	bWriter.CloseWithError(io.ErrClosedPipe)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("b's decoder never reported the master dead after a broken connection")
	}
}
