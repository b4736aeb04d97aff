// Package job wraps a user-supplied worker function running on a dedicated
// goroutine behind a small state machine: Initializing -> Pending ->
// Finished/Stopped/Error. It is the generic background-task abstraction the
// mixer's master-decoder and slave-encoder tasks are themselves instances
// of (see iomixer), generalized for any one-shot worker with a progress
// meter and a notify callback.
package job

import (
	"sync"
	"sync/atomic"

	"github.com/dzik143/iomixer/reflife"
)

// State is a job's position in its state machine.
type State int32

const (
	Initializing State = iota
	Pending
	Finished
	Stopped
	Error
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Pending:
		return "Pending"
	case Finished:
		return "Finished"
	case Stopped:
		return "Stopped"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

func (s State) terminal() bool {
	return s == Finished || s == Stopped || s == Error
}

// EventKind distinguishes the two kinds of notification a Job fires.
type EventKind int

const (
	StateChanged EventKind = iota
	Progress
)

// Notify is invoked around every state transition and progress update.
type Notify func(j *Job, event EventKind)

// Func is a user worker. A non-nil return is equivalent to calling
// j.Fail(err); returning nil without the worker itself having called Fail
// marks the job Finished.
type Func func(j *Job) error

// Job runs fn on a dedicated goroutine and tracks its lifecycle.
type Job struct {
	reflife.RefCounted

	title string

	mu       sync.Mutex
	state    State
	progress float64
	errCode  int
	cancel   int32 // atomic bool

	notify Notify
	done   chan struct{}
}

// New constructs a job, immediately spawning the worker goroutine. title is
// carried out-of-band for diagnostics only.
func New(title string, fn Func, notify Notify) *Job {
	j := &Job{
		title:  title,
		state:  Initializing,
		notify: notify,
		done:   make(chan struct{}),
	}
	j.RefCounted.Init(func() {})

	go j.run(fn)

	return j
}

func (j *Job) run(fn Func) {
	j.setState(Pending)

	err := fn(j)

	j.mu.Lock()
	alreadyTerminal := j.state.terminal()
	j.mu.Unlock()

	if !alreadyTerminal {
		if err != nil {
			j.Fail(err)
		} else {
			j.setState(Finished)
		}
	}

	close(j.done)
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
	j.fire(StateChanged)
}

func (j *Job) fire(event EventKind) {
	if j.notify != nil {
		j.notify(j, event)
	}
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// SetProgress updates the progress meter, clamped to [0, 100], and fires a
// Progress notification. Intended to be called by the worker function.
func (j *Job) SetProgress(pct float64) {
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	j.mu.Lock()
	j.progress = pct
	j.mu.Unlock()
	j.fire(Progress)
}

// Progress returns the current progress meter value.
func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Fail transitions the job to Error, recording errCode as out-of-band
// diagnostic state. Intended to be called by the worker function on
// failure, though New's wrapper also calls it if fn returns a non-nil error
// without having set a terminal state itself.
func (j *Job) Fail(err error) {
	j.mu.Lock()
	if j.state.terminal() {
		j.mu.Unlock()
		return
	}
	j.state = Error
	if err != nil {
		j.errCode = 1
	}
	j.mu.Unlock()
	j.fire(StateChanged)
}

// Cancel sets the job to Stopped. This is advisory: the worker function is
// expected to poll Cancelled and exit promptly; Cancel does not itself
// interrupt a running worker.
func (j *Job) Cancel() {
	atomic.StoreInt32(&j.cancel, 1)
	j.mu.Lock()
	if !j.state.terminal() {
		j.state = Stopped
	}
	j.mu.Unlock()
	j.fire(StateChanged)
}

// Cancelled reports whether Cancel has been called.
func (j *Job) Cancelled() bool {
	return atomic.LoadInt32(&j.cancel) == 1
}

// Wait blocks until the worker function has returned (the state is then
// terminal) or timeoutMs elapses. A Cancel that has already set Stopped does
// not end the wait while the worker is still running. timeoutMs < 0 waits
// forever. Returns nil once the worker has returned, ErrTimeout on timeout.
func (j *Job) Wait(timeoutMs int) error {
	if timeoutMs < 0 {
		<-j.done
		return nil
	}
	select {
	case <-j.done:
		return nil
	case <-timeAfter(timeoutMs):
		return ErrTimeout
	}
}

// Title returns the title given at construction.
func (j *Job) Title() string { return j.title }

// ErrCode returns the out-of-band error code set by Fail.
func (j *Job) ErrCode() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errCode
}
