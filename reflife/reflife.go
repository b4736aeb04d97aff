// Package reflife provides the intrusive reference-counting lifecycle shared
// by the long-lived mixer objects: mixers, slaves and jobs. A value embeds RefCounted, calls AddRef/Release instead of relying
// on the garbage collector to time teardown, and Release runs the supplied
// cleanup exactly once when the count reaches zero.
package reflife

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrUntracked is returned by CheckTracked when a pointer is not present in
// the debug registry for its class - a double release, or a method call on
// an object that was never constructed through the registry.
var ErrUntracked = errors.New("reflife: pointer not tracked for this class")

// RefCounted is embedded by value in objects that need explicit addRef /
// release semantics. The zero value has a count of zero; Init, called from
// the owning constructor, sets it to one live reference, matching the
// constructor pattern "build it, then hand the first reference to the
// caller".
type RefCounted struct {
	count  int32
	once   sync.Once
	onZero func()
}

// Init sets the cleanup function invoked exactly once when the count drops
// to zero. Must be called once, from the owning object's constructor.
func (r *RefCounted) Init(onZero func()) {
	r.count = 1
	r.onZero = onZero
}

// AddRef increments the reference count. The caller must already hold a live
// reference (e.g. from a constructor or a prior AddRef) - there is no way to
// safely addRef a value that might concurrently reach zero.
func (r *RefCounted) AddRef() {
	atomic.AddInt32(&r.count, 1)
}

// Release decrements the reference count and runs the registered cleanup
// exactly once when it reaches zero. Returns the post-decrement count.
func (r *RefCounted) Release() int32 {
	n := atomic.AddInt32(&r.count, -1)
	if n == 0 {
		r.once.Do(func() {
			if r.onZero != nil {
				r.onZero()
			}
		})
	}
	return n
}

// RefCount reports the current reference count, for diagnostics only.
func (r *RefCounted) RefCount() int32 {
	return atomic.LoadInt32(&r.count)
}

// Registry is a process-wide set of live pointers for one class, for
// catching double-release and use-after-release bugs loudly instead of
// corrupting memory. Track registers a pointer; Untrack drops it;
// CheckTracked reports whether a pointer is currently registered. The
// mixer, slave and job types of this module do not register themselves in
// a Registry.
type Registry struct {
	mu    sync.Mutex
	class string
	live  map[any]struct{}
}

// NewRegistry creates a registry for a named class, used only in
// CheckTracked's error text.
func NewRegistry(class string) *Registry {
	return &Registry{class: class, live: make(map[any]struct{})}
}

// Track registers ptr as a live instance.
func (r *Registry) Track(ptr any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[ptr] = struct{}{}
}

// Untrack removes ptr from the live set. Safe to call more than once.
func (r *Registry) Untrack(ptr any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, ptr)
}

// CheckTracked returns ErrUntracked if ptr is not currently registered.
// Every exported method on a tracked object, and Release itself, should
// call this under debug builds before touching receiver state.
func (r *Registry) CheckTracked(ptr any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[ptr]; !ok {
		return errors.Wrapf(ErrUntracked, "%s: %v", r.class, ptr)
	}
	return nil
}

// Len reports the number of currently tracked instances, for diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
