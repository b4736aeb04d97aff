package iomixer

import (
	"io"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/dzik143/iomixer/job"
	"github.com/dzik143/iomixer/reqpool"
)

// MaxDecodedPayload bounds the declared length a decoded frame may carry.
// A frame claiming more is treated as a broken connection per spec.md
// sec 6 ("refuse decoding frames whose declared length exceeds their
// configured per-frame ceiling").
const MaxDecodedPayload = 16 * 1024 * 1024

// runMasterDecoderFunc is the master-decoder task of spec.md sec 4.6.4: read
// frames off the master transport and dispatch each to its slave (or to
// the channel-0 EOF handshake) until masterEofReceived. It runs as a job.Job
// (C5), its State() tracking Finished/Stopped/Error for the same lifecycle
// the slave-encoder tasks use.
func (m *Mixer) runMasterDecoderFunc(j *job.Job) error {
	defer func() {
		if m.onSlaveDead != nil {
			m.onSlaveDead(MasterChannel)
		}
		m.Release()
	}()

	r := readerFunc(m.transport.Read)

	for atomic.LoadInt32(&m.masterEofReceived) == 0 {
		h, err := readHeader(r)
		if err != nil {
			return m.onTransportBroken(err)
		}

		if h.length < 0 || int(h.length) > MaxDecodedPayload {
			m.log.Errorf("decoder: frame length %d exceeds ceiling", h.length)
			return m.onTransportBroken(ErrFrameTooLarge)
		}

		if h.length == 0 {
			if h.channelID == MasterChannel {
				atomic.StoreInt32(&m.masterEofReceived, 1)
				if serr := m.masterEOFWait.Serve(masterEOFWaitID); serr != nil && errors.Cause(serr) != reqpool.ErrUnknownID {
					m.log.Debugf("decoder: masterEOFWait.Serve: %v", serr)
				}
				return nil
			}
			m.handleSlaveEOF(h.channelID)
			continue
		}

		payload := make([]byte, h.length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return m.onTransportBroken(err)
		}

		if h.flags&FlagCompressed != 0 {
			if m.compressor == nil {
				m.log.Errorf("decoder: channel %d: compressed frame but no compressor configured", h.channelID)
				continue
			}
			// The original size is not carried on the wire; decode
			// into one MaxFrameSize buffer, the largest payload this
			// module's encoder reads per frame. The buffer is not
			// grown for a larger original.
			dst := make([]byte, MaxFrameSize)
			n, uerr := m.compressor.Uncompress(dst, payload)
			if uerr != nil {
				m.log.Errorf("decoder: channel %d: uncompress: %v", h.channelID, uerr)
				continue
			}
			payload = dst[:n]
		}

		m.dispatch(h.channelID, payload)
	}
	return nil
}

func (m *Mixer) handleSlaveEOF(id Channel) {
	m.slavesMu.RLock()
	s, ok := m.slaves[id]
	m.slavesMu.RUnlock()
	if !ok {
		m.log.Debugf("decoder: EOF for unknown channel %d", id)
		return
	}
	s.markEofReceived()
	s.closeInbound()
}

// dispatch stages a decoded payload for delivery on channel id. It hands off
// to the slave's iofifo (C3) inbound buffer rather than writing the slave's
// OS pipe directly, so a slow consumer backs up only its own channel's
// buffer while that buffer has room. Once it holds inboundFifoCapacity
// bytes, pushInbound blocks this shared decoder loop, and with it every
// other channel, until the slave's pump frees space.
func (m *Mixer) dispatch(id Channel, payload []byte) {
	m.slavesMu.RLock()
	s, ok := m.slaves[id]
	m.slavesMu.RUnlock()

	if !ok {
		m.log.Errorf("decoder: payload for unknown channel %d dropped", id)
		return
	}
	if s.hasEofReceived() {
		m.log.Debugf("decoder: payload for already-EOF channel %d dropped", id)
		return
	}

	if err := s.pushInbound(payload); err != nil {
		m.log.Errorf("decoder: channel %d: stage payload: %v", id, err)
	}
}

// onTransportBroken handles any transport read failure: spec.md sec 7
// treats a short/failed read as "connection broken" and sec 4.6.4 step 4
// says any read returning <= 0 sets masterEofReceived and exits. Returns nil
// for the orderly io.EOF case and the real error otherwise, so the caller's
// job.Job settles into Finished vs Error accordingly.
func (m *Mixer) onTransportBroken(err error) error {
	atomic.StoreInt32(&m.masterEofReceived, 1)
	if err == io.EOF {
		return nil
	}
	if !m.log.Quiet() {
		m.log.Errorf("decoder: transport broken: %v", err)
	}
	return err
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
