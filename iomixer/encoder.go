package iomixer

import (
	"io"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/dzik143/iomixer/job"
)

// errFrameSuppressed is returned internally by writeFrame when a frame
// loses its race against a concurrent EOF on the same scope (the whole
// master, or the frame's own channel) that was only just marked by another
// goroutine. The caller-side hasEofSent() checks elsewhere in this package
// are advisory fast paths; this is the authoritative, masterMu-guarded
// re-check spec.md sec 8's "masterEofSent implies no further frame of any
// kind is transmitted" actually depends on.
var errFrameSuppressed = errors.New("iomixer: frame suppressed by a concurrent EOF")

// writeFrame serializes one frame onto the master transport under
// masterMu, guaranteeing spec.md sec 4.6.5's byte-level atomicity: header
// and payload are written as a single critical section so no other
// encoder's bytes can interleave mid-frame. s is the originating slave for
// a data or per-channel EOF frame, or nil when writing the channel-0
// master EOF frame itself.
func (m *Mixer) writeFrame(id Channel, flags uint8, payload []byte, s *slave) error {
	m.masterMu.Lock()
	defer m.masterMu.Unlock()

	// Re-check under the same lock that guards the write below: a caller
	// may have decided to write before masterEofSent/eofSent flipped, but
	// nothing is actually on the wire until this critical section runs.
	if id != MasterChannel && atomic.LoadInt32(&m.masterEofSent) == 1 {
		return errFrameSuppressed
	}
	if s != nil && len(payload) > 0 && s.hasEofSent() {
		return errFrameSuppressed
	}

	h := frameHeader{channelID: id, flags: flags, length: int32(len(payload))}
	if err := writeHeader(writerFunc(m.transport.Write), h); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := m.transport.Write(payload); err != nil {
			return err
		}
	}

	if id == MasterChannel {
		atomic.StoreInt32(&m.masterEofSent, 1)
	} else if len(payload) == 0 {
		s.markEofSent()
	}
	return nil
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// emitEOF writes a zero-length frame for s's channel and marks eofSent -
// spec.md invariant 3.
func (m *Mixer) emitEOF(s *slave) {
	if s.hasEofSent() {
		return
	}
	if err := m.writeFrame(s.id, 0, nil, s); err != nil && err != errFrameSuppressed {
		m.log.Errorf("emitEOF(%d): %v", s.id, err)
	}
}

// emitMasterEOF writes the channel-0 zero-length frame signalling the far
// side that no more data of any kind will be sent on the master.
func (m *Mixer) emitMasterEOF() {
	if err := m.writeFrame(MasterChannel, 0, nil, nil); err != nil {
		m.log.Errorf("emitMasterEOF: %v", err)
	}
}

// slaveEncoderFunc is the slave-encoder task of spec.md sec 4.6.3: read up
// to MaxFrameSize bytes from the slave's OS pipe, optionally compress, emit
// one frame, repeat until cancellation or EOF. It runs as a job.Job (C5), the
// same abstraction the master-decoder task uses.
func (m *Mixer) slaveEncoderFunc(s *slave) job.Func {
	return func(j *job.Job) error {
		defer func() {
			if m.onSlaveDead != nil {
				m.onSlaveDead(s.id)
			}
			s.Release()
			m.Release()
		}()

		buf := make([]byte, MaxFrameSize)

		for {
			n, err := s.mixerIn.Read(buf)

			if err != nil {
				if err == io.EOF {
					// caller closed its write end: orderly EOF.
					m.emitEOF(s)
					return nil
				}
				if s.cancelled_() {
					// cancellation: exit without emitting any frame,
					// per spec.md sec 4.6.7 / "Boundary behaviors".
					return nil
				}
				// any other read failure terminates this encoder only;
				// other channels are unaffected (spec.md sec 4.6.8).
				if !m.log.Quiet() {
					m.log.Errorf("slave %d: read: %v", s.id, err)
				}
				return err
			}

			if n == 0 {
				continue
			}

			payload := buf[:n]
			flags := s.flagByte()

			if flags&FlagCompressed != 0 && n > compressThreshold && m.compressor != nil {
				compressed, cerr := m.compressor.Compress(payload)
				if cerr != nil {
					// compression failure terminates only this encoder,
					// per spec.md sec 7.
					m.log.Errorf("slave %d: compress: %v", s.id, cerr)
					return cerr
				}
				payload = compressed
			} else {
				flags &^= FlagCompressed
			}

			if s.hasEofSent() {
				// Shutdown's emitEOF can set eofSent while this encoder
				// is still reading; data read after that is dropped, per
				// spec.md sec 4.6.8's "attempting to push data after
				// eofSent is dropped".
				m.log.Debugf("slave %d: dropping post-EOF write", s.id)
				continue
			}

			if err := m.writeFrame(s.id, flags, payload, s); err != nil {
				if err == errFrameSuppressed {
					// lost the race against a concurrent Shutdown's
					// channel-0 EOF: the wire ordering invariant wins,
					// this payload is simply dropped.
					return nil
				}
				if !m.log.Quiet() {
					m.log.Errorf("slave %d: write: %v", s.id, err)
				}
				return err
			}
		}
	}
}
