package iomixer

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/dzik143/iomixer/iofifo"
	"github.com/dzik143/iomixer/job"
	"github.com/dzik143/iomixer/reflife"
	"github.com/dzik143/iomixer/syncutil"
)

// MaxFrameSize bounds a single slave-encoder read (spec.md sec 4.6.3 step 3:
// "implementation-defined, at least 16 KiB recommended ... the reference
// uses 64 KiB").
const MaxFrameSize = 64 * 1024

// inboundFifoCapacity bounds the iofifo.Fifo (C3) each slave stages
// decoded-but-not-yet-delivered payloads in. The master-decoder's dispatch
// pushes here instead of writing straight to the slave's OS pipe, so one
// slow caller blocks only its own slave's pump goroutine while the fifo has
// room; once it is full, the shared decoder loop waits in pushInbound.
const inboundFifoCapacity = 4 * MaxFrameSize

// inboundPollInterval bounds how long the push/pump sides ever wait on a
// signal before re-checking the fifo themselves - the same bounded-wait
// safety net Mixer.Shutdown uses for the master EOF handshake.
const inboundPollInterval = 100 * time.Millisecond

// errSlaveInboundClosed is returned by pushInbound once the slave has been
// cancelled or its pump goroutine has died, so the decoder can log and drop
// the frame instead of retrying forever against a buffer nobody drains.
var errSlaveInboundClosed = errors.New("iomixer: slave inbound closed")

// slave is the per-channel record of spec.md sec 3: the OS pipe pair the
// caller communicates through, the compression flag, the EOF booleans, and
// the write-serialization mutex for its inbound pipe.
type slave struct {
	reflife.RefCounted

	id Channel

	// mixerIn is read by the encoder; callerOut is the end handed to the
	// caller to write raw bytes into (together: the outbound pipe).
	mixerIn   *os.File
	callerOut *os.File

	// callerIn is read by the caller; mixerOut is written by the inbound
	// pump (together: the inbound pipe).
	callerIn *os.File
	mixerOut *os.File

	// inbound stages payloads the decoder has demultiplexed for this
	// channel until the pump goroutine relays them onto mixerOut.
	inbound      *iofifo.Fifo
	inboundData  *syncutil.Semaphore // signaled whenever inbound gains bytes, or on cancel
	inboundSpace *syncutil.Semaphore // signaled whenever the pump frees bytes

	flags       uint32 // atomic access via flagsBits below
	eofSent     int32  // atomic bool
	eofReceived int32  // atomic bool
	cancelled   int32  // atomic bool
	pumpDead    int32  // atomic bool

	writeMu sync.Mutex // serializes writes into mixerOut

	encoderJob *job.Job
	pumpJob    *job.Job
}

func newSlave(id Channel) (*slave, error) {
	outR, outW, err := os.Pipe() // outR: mixerIn, outW: callerOut
	if err != nil {
		return nil, err
	}
	inR, inW, err := os.Pipe() // inR: callerIn, inW: mixerOut
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, err
	}

	s := &slave{
		id:           id,
		mixerIn:      outR,
		callerOut:    outW,
		callerIn:     inR,
		mixerOut:     inW,
		inbound:      iofifo.NewFifo(inboundFifoCapacity),
		inboundData:  syncutil.NewSemaphore("slave-inbound-data", 0),
		inboundSpace: syncutil.NewSemaphore("slave-inbound-space", 0),
	}
	s.RefCounted.Init(func() {})
	return s, nil
}

func (s *slave) setCompression(on bool) {
	if on {
		atomic.StoreUint32(&s.flags, uint32(FlagCompressed))
	} else {
		atomic.StoreUint32(&s.flags, 0)
	}
}

func (s *slave) flagByte() uint8 {
	return uint8(atomic.LoadUint32(&s.flags))
}

func (s *slave) markEofSent()         { atomic.StoreInt32(&s.eofSent, 1) }
func (s *slave) hasEofSent() bool     { return atomic.LoadInt32(&s.eofSent) == 1 }
func (s *slave) markEofReceived()     { atomic.StoreInt32(&s.eofReceived, 1) }
func (s *slave) hasEofReceived() bool { return atomic.LoadInt32(&s.eofReceived) == 1 }

func (s *slave) markPumpDead()    { atomic.StoreInt32(&s.pumpDead, 1) }
func (s *slave) isPumpDead() bool { return atomic.LoadInt32(&s.pumpDead) == 1 }

// cancel unblocks the encoder's pending read on mixerIn by closing it, and
// wakes the inbound pump so it notices cancellation promptly rather than
// waiting out a full inboundPollInterval. The encoder distinguishes this
// from a caller-initiated EOF (io.EOF) by the resulting error not being
// io.EOF; see encoder.go.
func (s *slave) cancel() {
	if atomic.CompareAndSwapInt32(&s.cancelled, 0, 1) {
		s.mixerIn.Close()
		s.inboundData.Signal()
	}
}

func (s *slave) cancelled_() bool {
	return atomic.LoadInt32(&s.cancelled) == 1
}

// pushInbound stages payload for delivery to the caller, blocking (with a
// bounded retry, per inboundPollInterval) while the fifo has no room. It
// gives up once the slave is cancelled or its pump has died, rather than
// retrying against a buffer nobody will ever drain again.
func (s *slave) pushInbound(payload []byte) error {
	for {
		if err := s.inbound.Push(payload); err == nil {
			s.inboundData.Signal()
			return nil
		} else if errors.Cause(err) != iofifo.ErrWouldOverflow {
			return err
		}
		if s.cancelled_() || s.isPumpDead() {
			return errSlaveInboundClosed
		}
		s.inboundSpace.Wait(int(inboundPollInterval / time.Millisecond))
	}
}

// slaveInboundPumpFunc drains s.inbound into s.mixerOut, the goroutine that
// actually decouples the shared decoder loop from this one channel's
// consumer. It runs as a job.Job (C5) alongside the slave's encoder.
func slaveInboundPumpFunc(s *slave) job.Func {
	return func(j *job.Job) error {
		defer s.markPumpDead()

		buf := make([]byte, MaxFrameSize)
		for {
			size := s.inbound.Size()
			if size == 0 {
				if s.cancelled_() {
					return nil
				}
				s.inboundData.Wait(int(inboundPollInterval / time.Millisecond))
				continue
			}
			if size > len(buf) {
				size = len(buf)
			}
			if err := s.inbound.Pop(buf[:size], false); err != nil {
				// lost a race against... nothing: this is the fifo's
				// only consumer. Re-check rather than treat as fatal.
				continue
			}
			s.inboundSpace.Signal()

			s.writeMu.Lock()
			_, werr := s.mixerOut.Write(buf[:size])
			s.writeMu.Unlock()
			if werr != nil {
				return werr
			}
		}
	}
}

// closeInbound closes the decoder-facing write end of the inbound pipe,
// which surfaces as io.EOF on the caller's read end - spec.md invariant 4.
func (s *slave) closeInbound() {
	s.mixerOut.Close()
}

// closeAll tears down every pipe end the mixer owns for this slave. The
// caller-side ends (callerOut, callerIn) are owned by the application once
// handed back from AddSlave, but closing them here as well is safe and
// matches removeSlave's "close its pipes" contract from spec.md sec 4.6.2.
func (s *slave) closeAll() {
	s.mixerIn.Close()
	s.callerOut.Close()
	s.callerIn.Close()
	s.mixerOut.Close()
}
