package reqpool

import (
	"testing"

	"github.com/pkg/errors"
)

func TestPushWaitServe(t *testing.T) {
	p := NewPool(4)
	if err := p.Push(1, "in", "out"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	done := make(chan struct{})
	go func() {
		in, out, err := p.Wait(1, -1)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		if in != "in" || out != "out" {
			t.Errorf("Wait returned (%v, %v), want (in, out)", in, out)
		}
		close(done)
	}()

	if err := p.Serve(1); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	<-done
}

func TestPushDuplicateID(t *testing.T) {
	p := NewPool(2)
	if err := p.Push(1, nil, nil); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := p.Push(1, nil, nil); errors.Cause(err) != ErrDuplicateID {
		t.Fatalf("second Push() = %v, want ErrDuplicateID", err)
	}
}

func TestPushPoolFull(t *testing.T) {
	p := NewPool(1)
	if err := p.Push(1, nil, nil); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := p.Push(2, nil, nil); errors.Cause(err) != ErrPoolFull {
		t.Fatalf("Push() on full pool = %v, want ErrPoolFull", err)
	}
}

func TestWaitTimeout(t *testing.T) {
	p := NewPool(1)
	if err := p.Push(7, nil, nil); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, _, err := p.Wait(7, 20); errors.Cause(err) != ErrTimeout {
		t.Fatalf("Wait() = %v, want ErrTimeout", err)
	}
	// slot must be freed even after a timeout
	if err := p.Push(7, nil, nil); err != nil {
		t.Fatalf("Push after timed-out Wait should reuse the freed slot: %v", err)
	}
}

func TestServeUnknownID(t *testing.T) {
	p := NewPool(2)
	if err := p.Serve(99); errors.Cause(err) != ErrUnknownID {
		t.Fatalf("Serve(unknown) = %v, want ErrUnknownID", err)
	}
}

func TestSlotReusedAfterWait(t *testing.T) {
	p := NewPool(1)
	if err := p.Push(1, nil, nil); err != nil {
		t.Fatal(err)
	}
	go p.Serve(1)
	if _, _, err := p.Wait(1, -1); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := p.Push(2, nil, nil); err != nil {
		t.Fatalf("Push into freed slot: %v", err)
	}
}
