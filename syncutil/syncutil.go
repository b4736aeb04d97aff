// Package syncutil provides the blocking primitives the rest of the module
// is built on: a named mutex for diagnostics and a counting semaphore with
// timed waits. reqpool's slots and iomixer's per-slave inbound staging wait
// on Semaphore; the other packages use the standard sync package directly.
package syncutil

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is returned by Semaphore.Wait when the timeout elapses before a
// permit becomes available.
var ErrTimeout = errors.New("syncutil: wait timed out")

// Mutex is a thin, non-reentrant mutual exclusion lock that also carries a
// human-readable name for diagnostics - useful when a deadlock dump needs to
// say which lock is held, not just that "a mutex" is held.
type Mutex struct {
	name string
	mu   sync.Mutex
}

// NewNamedMutex returns a Mutex tagged with name for diagnostics.
func NewNamedMutex(name string) *Mutex {
	return &Mutex{name: name}
}

// Lock acquires the mutex, blocking until it is available.
func (m *Mutex) Lock() { m.mu.Lock() }

// Unlock releases the mutex. Unlocking an unlocked Mutex is a programming
// error, same as sync.Mutex.
func (m *Mutex) Unlock() { m.mu.Unlock() }

// Name returns the diagnostic name given at construction.
func (m *Mutex) Name() string { return m.name }

// Semaphore is a non-negative counting semaphore built the way smux's
// Session tracks its receive-window "bucket": an atomic counter plus a
// single-slot notify channel that wakes one parked waiter per Signal.
type Semaphore struct {
	name   string
	count  int32
	notify chan struct{}
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(name string, initial int) *Semaphore {
	return &Semaphore{
		name:   name,
		count:  int32(initial),
		notify: make(chan struct{}, 1),
	}
}

// Signal increments the counter and wakes one waiter, if any.
func (s *Semaphore) Signal() {
	atomic.AddInt32(&s.count, 1)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// TryWait attempts a non-blocking acquire. Returns nil on success,
// ErrTimeout if the counter is currently zero.
func (s *Semaphore) TryWait() error {
	for {
		n := atomic.LoadInt32(&s.count)
		if n <= 0 {
			return ErrTimeout
		}
		if atomic.CompareAndSwapInt32(&s.count, n, n-1) {
			return nil
		}
	}
}

// Wait blocks until a permit is available or timeoutMs elapses.
// timeoutMs < 0 waits forever; timeoutMs == 0 behaves like TryWait.
// Returns nil on acquire, ErrTimeout on timeout.
func (s *Semaphore) Wait(timeoutMs int) error {
	if err := s.TryWait(); err == nil {
		return nil
	}
	if timeoutMs == 0 {
		return ErrTimeout
	}

	var deadlineCh <-chan time.Time
	if timeoutMs > 0 {
		timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer timer.Stop()
		deadlineCh = timer.C
	}

	for {
		select {
		case <-s.notify:
			if err := s.TryWait(); err == nil {
				// Signals that arrived while the notify slot was full
				// were coalesced; hand the wakeup on if permits remain.
				if atomic.LoadInt32(&s.count) > 0 {
					select {
					case s.notify <- struct{}{}:
					default:
					}
				}
				return nil
			}
			// spurious wakeup (another waiter won the race); retry.
		case <-deadlineCh:
			return ErrTimeout
		}
	}
}

// Unwind drains the counter to zero via repeated non-blocking waits and
// returns the number of permits drained.
func (s *Semaphore) Unwind() int {
	drained := 0
	for s.TryWait() == nil {
		drained++
	}
	return drained
}

// Name returns the diagnostic name given at construction.
func (s *Semaphore) Name() string { return s.name }
