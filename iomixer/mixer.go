// Package iomixer is the channel multiplexer: it frames many logically
// independent, byte-oriented slave streams onto one full-duplex master
// transport, and demultiplexes the reverse direction back into the
// caller's slave handles. See spec.md sec 4.6 for the full contract this
// package implements; this file holds the Mixer type and its public
// lifecycle operations.
package iomixer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/dzik143/iomixer/internal/ilog"
	"github.com/dzik143/iomixer/job"
	"github.com/dzik143/iomixer/reflife"
	"github.com/dzik143/iomixer/reqpool"
)

// ShutdownEOFTimeout bounds how long Shutdown waits for the peer's
// channel-0 EOF before forcing masterEofReceived and proceeding -
// spec.md sec 4.6.6 step 4 and the resolved Open Question in sec 9.
const ShutdownEOFTimeout = time.Second

// masterEOFWaitID is the sole slot reqpool.Pool masterEOFWait ever holds:
// Shutdown pushes it before sending the channel-0 EOF, the decoder serves it
// the moment the peer's own channel-0 EOF arrives.
const masterEOFWaitID = 0

// ErrUnknownChannel is returned when an operation names a channel that has
// no registered slave.
var ErrUnknownChannel = errors.New("iomixer: unknown channel")

// ErrDuplicateChannel is returned by AddSlave when a caller-supplied ID is
// already registered.
var ErrDuplicateChannel = errors.New("iomixer: channel id already registered")

// ErrReservedChannel is returned by AddSlave when the caller asks for
// channel 0, which is reserved for the master EOF handshake.
var ErrReservedChannel = errors.New("iomixer: channel 0 is reserved")

// ErrCompressionUnavailable is returned by SetSlaveCompression(on=true) when
// no Compressor was configured at construction.
var ErrCompressionUnavailable = errors.New("iomixer: no compressor configured")

// ErrAlreadyShutdown names the already-shut-down condition. Shutdown does
// not return it: a second Shutdown call is a no-op that returns nil -
// spec.md sec 4.6.6: "A second call to shutdown is a no-op."
var ErrAlreadyShutdown = errors.New("iomixer: already shut down")

// ErrNotStarted names the not-started condition. No function in this
// package returns it; AddSlave, Stop and Join all accept an unstarted mixer.
var ErrNotStarted = errors.New("iomixer: decoder not started")

// SlaveDeadFunc is invoked exactly once per channel when that slave's
// encoder task exits (spec.md sec 4.6.2's onSlaveDead), including channel 0
// for the master-decoder task itself.
type SlaveDeadFunc func(id Channel)

var instanceCounter int32

// Mixer is the channel multiplexer. Construct with New or NewWithCallbacks.
type Mixer struct {
	reflife.RefCounted

	name string
	log  *ilog.Logger

	transport transport

	slavesMu sync.RWMutex
	slaves   map[Channel]*slave

	masterMu sync.Mutex

	dead              int32
	masterEofSent     int32
	masterEofReceived int32
	started           int32

	compressor Compressor

	onSlaveDead SlaveDeadFunc
	onIOCancel  func()

	decoderJob *job.Job

	// masterEOFWait lets Shutdown block on the peer's channel-0 EOF via
	// reqpool (C4) instead of a bare busy-poll loop; the decoder serves
	// masterEOFWaitID the moment that frame arrives.
	masterEOFWait *reqpool.Pool
}

// Option configures a Mixer at construction time.
type Option func(*Mixer)

// WithCompressor injects an optional compression capability. Without it,
// SetSlaveCompression(id, true) fails and every frame is sent raw.
func WithCompressor(c Compressor) Option {
	return func(m *Mixer) { m.compressor = c }
}

// WithLogger overrides the default logger (stderr, not quiet).
func WithLogger(l *ilog.Logger) Option {
	return func(m *Mixer) { m.log = l }
}

func newMixer(t transport, opts ...Option) *Mixer {
	id := atomic.AddInt32(&instanceCounter, 1)
	m := &Mixer{
		name:          fmt.Sprintf("mixer-%d", id),
		transport:     t,
		slaves:        make(map[Channel]*slave),
		masterEOFWait: reqpool.NewPool(1),
	}
	m.RefCounted.Init(func() {})
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = ilog.New(m.name)
	}
	return m
}

// New constructs a mixer around an existing pair of transport handles - a
// file descriptor or a socket connection, both satisfying io.Reader and
// io.Writer (spec.md sec 4.6.2's inType/outType discriminant collapses to
// this one Go shape; see transport.go).
func New(masterIn ioReader, masterOut ioWriter, opts ...Option) *Mixer {
	return newMixer(newIOTransport(masterIn, masterOut), opts...)
}

// NewWithCallbacks constructs a mixer around user-supplied read/write
// callbacks instead of a concrete handle. The callbacks must block until at
// least one byte of progress is made, or return <= 0 on EOF/error. cancelFn,
// if non-nil, is invoked to unblock an in-progress read during Stop/Shutdown.
func NewWithCallbacks(readFn ReadFunc, writeFn WriteFunc, cancelFn CancelFunc, opts ...Option) *Mixer {
	return newMixer(&callbackTransport{readFn: readFn, writeFn: writeFn, cancelFn: cancelFn}, opts...)
}

// Name returns the mixer's generated diagnostic name.
func (m *Mixer) Name() string { return m.name }

// SetSlaveDeadCallback registers fn to be invoked exactly once per channel
// when that slave's encoder exits, including channel 0 for the decoder.
func (m *Mixer) SetSlaveDeadCallback(fn SlaveDeadFunc) {
	m.onSlaveDead = fn
}

// SetQuietMode suppresses error-level diagnostics for the expected-shutdown
// path (spec.md sec 4.6.2).
func (m *Mixer) SetQuietMode(quiet bool) {
	m.log.SetQuiet(quiet)
}

func (m *Mixer) isDead() bool {
	return atomic.LoadInt32(&m.dead) == 1
}

// AddSlave registers a new channel. Pass id = -1 to auto-allocate the
// smallest unused positive ID; otherwise id must be unique and nonzero.
// Returns the two caller-side pipe ends: writeInto is where the
// application writes raw bytes to be framed onto the master, and readFrom
// is where the application reads bytes demultiplexed off the master.
func (m *Mixer) AddSlave(id Channel) (writeInto ioWriteCloser, readFrom ioReadCloser, assigned Channel, err error) {
	if id == MasterChannel {
		return nil, nil, 0, ErrReservedChannel
	}

	m.slavesMu.Lock()
	defer m.slavesMu.Unlock()

	if id < 0 {
		candidate := Channel(1)
		for {
			if _, taken := m.slaves[candidate]; !taken {
				break
			}
			candidate++
		}
		id = candidate
	} else if _, taken := m.slaves[id]; taken {
		return nil, nil, 0, errors.Wrapf(ErrDuplicateChannel, "id=%d", id)
	}

	s, err := newSlave(id)
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "AddSlave: allocating pipes")
	}

	m.slaves[id] = s
	s.AddRef() // the encoder task's strong reference to the slave, dropped on exit
	m.AddRef() // the encoder task's strong reference to the mixer, dropped on exit
	s.encoderJob = job.New(fmt.Sprintf("%s/slave-%d/encoder", m.name, id), m.slaveEncoderFunc(s), nil)
	s.pumpJob = job.New(fmt.Sprintf("%s/slave-%d/pump", m.name, id), slaveInboundPumpFunc(s), nil)

	return s.callerOut, s.callerIn, id, nil
}

// SetSlaveCompression toggles channel id's compression-on flag. Enabling it
// requires a Compressor to have been configured via WithCompressor.
func (m *Mixer) SetSlaveCompression(id Channel, on bool) error {
	if on && m.compressor == nil {
		return ErrCompressionUnavailable
	}
	m.slavesMu.RLock()
	s, ok := m.slaves[id]
	m.slavesMu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrUnknownChannel, "id=%d", id)
	}
	s.setCompression(on)
	return nil
}

// RemoveSlave cancels the slave's encoder, closes its pipes and drops its
// record. Safe to call at any time after AddSlave, and a no-op (returning
// success) for an unregistered id.
func (m *Mixer) RemoveSlave(id Channel) error {
	m.slavesMu.Lock()
	s, ok := m.slaves[id]
	if ok {
		delete(m.slaves, id)
	}
	m.slavesMu.Unlock()

	if !ok {
		return nil
	}

	s.cancel()
	s.encoderJob.Cancel()
	s.pumpJob.Cancel()
	s.encoderJob.Wait(-1)
	s.pumpJob.Wait(-1)
	s.closeAll()
	return nil
}

// Start spawns the master-decoder task. No data is delivered to slaves
// before this call.
func (m *Mixer) Start() error {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return nil
	}
	m.AddRef() // the decoder task's strong reference, dropped on exit
	m.decoderJob = job.New(m.name+"/decoder", m.runMasterDecoderFunc, nil)
	return nil
}

// Stop requests termination of the decoder task, invoking the transport's
// cancel callback to unblock any in-progress read.
func (m *Mixer) Stop() {
	m.transport.cancel()
	if m.onIOCancel != nil {
		m.onIOCancel()
	}
}

// Join waits for the master-decoder task and all slave-encoder tasks to
// finish.
func (m *Mixer) Join() {
	if atomic.LoadInt32(&m.started) == 1 {
		m.decoderJob.Wait(-1)
	}
	m.slavesMu.RLock()
	pending := make([]*slave, 0, len(m.slaves))
	for _, s := range m.slaves {
		pending = append(pending, s)
	}
	m.slavesMu.RUnlock()
	for _, s := range pending {
		s.encoderJob.Wait(-1)
		s.pumpJob.Wait(-1)
	}
}

// Shutdown performs the graceful teardown sequence of spec.md sec 4.6.6:
// emit EOF on every live slave, emit the channel-0 EOF, wait (bounded) for
// the peer's channel-0 EOF, then stop and join everything. A second call is
// a no-op.
func (m *Mixer) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&m.dead, 0, 1) {
		return nil
	}

	m.slavesMu.RLock()
	live := make([]*slave, 0, len(m.slaves))
	for _, s := range m.slaves {
		live = append(live, s)
	}
	m.slavesMu.RUnlock()

	for _, s := range live {
		m.emitEOF(s)
	}

	// Register interest in the peer's channel-0 EOF before sending ours, so
	// the decoder's Serve call can never land before the Push that makes the
	// slot exist to serve.
	if err := m.masterEOFWait.Push(masterEOFWaitID, nil, nil); err != nil {
		m.log.Debugf("Shutdown: masterEOFWait.Push: %v", err)
	}

	m.emitMasterEOF()

	if atomic.LoadInt32(&m.masterEofReceived) == 0 {
		if _, _, err := m.masterEOFWait.Wait(masterEOFWaitID, int(ShutdownEOFTimeout/time.Millisecond)); err != nil {
			m.log.Debugf("Shutdown: peer channel-0 EOF not observed within %s: %v", ShutdownEOFTimeout, err)
		}
	}
	atomic.StoreInt32(&m.masterEofReceived, 1)

	m.Stop()

	m.slavesMu.Lock()
	remaining := make([]Channel, 0, len(m.slaves))
	for id := range m.slaves {
		remaining = append(remaining, id)
	}
	m.slavesMu.Unlock()

	for _, id := range remaining {
		m.RemoveSlave(id)
	}

	m.Join()
	return nil
}

type ioReader interface{ Read(p []byte) (int, error) }
type ioWriter interface{ Write(p []byte) (int, error) }
type ioReadCloser interface {
	ioReader
	Close() error
}
type ioWriteCloser interface {
	ioWriter
	Close() error
}
