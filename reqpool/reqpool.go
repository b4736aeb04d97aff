// Package reqpool implements a fixed-size table mapping integer request IDs
// to in-flight request slots, each with a one-waiter-per-slot semaphore.
// It is the synchronization primitive behind any "push a request by ID from
// one goroutine, serve it from another, wait for the result" protocol - the
// same shape smux uses per-stream, generalized to an explicit ID space.
package reqpool

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/dzik143/iomixer/syncutil"
)

// ErrDuplicateID is returned by Push when id is already in use.
var ErrDuplicateID = errors.New("reqpool: id already in use")

// ErrPoolFull is returned by Push when no slot is free.
var ErrPoolFull = errors.New("reqpool: no free slot")

// ErrUnknownID is returned by Wait/Serve when id has no pushed slot.
var ErrUnknownID = errors.New("reqpool: unknown id")

// ErrTimeout is returned by Wait when timeoutMs elapses before Serve.
var ErrTimeout = syncutil.ErrTimeout

const freeID = -1

type slot struct {
	id  int
	sem *syncutil.Semaphore
	mu  sync.Mutex
	in  any
	out any
}

// Pool is a fixed-size table of request slots.
type Pool struct {
	mu    sync.Mutex
	slots []*slot
	byID  map[int]int // id -> slot index
}

// NewPool allocates a pool with the given fixed number of slots.
func NewPool(size int) *Pool {
	slots := make([]*slot, size)
	for i := range slots {
		slots[i] = &slot{id: freeID, sem: syncutil.NewSemaphore("reqpool-slot", 0)}
	}
	return &Pool{slots: slots, byID: make(map[int]int, size)}
}

// Push claims a free slot for id and stores the input/output payloads.
// Fails with ErrDuplicateID if id is already in use, ErrPoolFull if every
// slot is occupied.
func (p *Pool) Push(id int, in, out any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byID[id]; ok {
		return errors.Wrapf(ErrDuplicateID, "id=%d", id)
	}

	for i, s := range p.slots {
		if s.id == freeID {
			s.mu.Lock()
			s.id = id
			s.in = in
			s.out = out
			s.mu.Unlock()
			p.byID[id] = i
			return nil
		}
	}
	return errors.Wrapf(ErrPoolFull, "id=%d", id)
}

// Wait blocks on the slot for id until Serve signals it or timeoutMs
// elapses, then frees the slot regardless of outcome. Returns the input
// and output payloads stored by Push.
func (p *Pool) Wait(id int, timeoutMs int) (in, out any, err error) {
	p.mu.Lock()
	idx, ok := p.byID[id]
	p.mu.Unlock()
	if !ok {
		return nil, nil, errors.Wrapf(ErrUnknownID, "id=%d", id)
	}
	s := p.slots[idx]

	waitErr := s.sem.Wait(timeoutMs)

	s.mu.Lock()
	in, out = s.in, s.out
	s.mu.Unlock()

	p.free(idx, id)

	if waitErr != nil {
		return in, out, errors.Wrapf(ErrTimeout, "id=%d", id)
	}
	return in, out, nil
}

func (p *Pool) free(idx, id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.byID[id]; ok && cur == idx {
		delete(p.byID, id)
	}
	s := p.slots[idx]
	s.mu.Lock()
	s.id = freeID
	s.in = nil
	s.out = nil
	s.mu.Unlock()
	// drain any stray permits left by a racing Serve so the slot starts
	// the next Push at count zero.
	s.sem.Unwind()
}

// Serve signals the slot for id exactly once. ErrUnknownID if id has no
// pushed slot.
func (p *Pool) Serve(id int) error {
	p.mu.Lock()
	idx, ok := p.byID[id]
	p.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownID, "id=%d", id)
	}
	p.slots[idx].sem.Signal()
	return nil
}

// Len returns the fixed size of the pool.
func (p *Pool) Len() int {
	return len(p.slots)
}
