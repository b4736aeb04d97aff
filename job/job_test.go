package job

import (
	"errors"
	"testing"
	"time"
)

func TestJobFinishesSuccessfully(t *testing.T) {
	var events []EventKind
	j := New("ok", func(j *Job) error {
		j.SetProgress(50)
		return nil
	}, func(j *Job, e EventKind) {
		events = append(events, e)
	})

	if err := j.Wait(1000); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if j.State() != Finished {
		t.Fatalf("State() = %v, want Finished", j.State())
	}
	var sawProgress bool
	for _, e := range events {
		if e == Progress {
			sawProgress = true
		}
	}
	if !sawProgress {
		t.Fatalf("expected a Progress notification")
	}
}

func TestJobFailPropagatesErrCode(t *testing.T) {
	j := New("fails", func(j *Job) error {
		return errors.New("boom")
	}, nil)

	if err := j.Wait(1000); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if j.State() != Error {
		t.Fatalf("State() = %v, want Error", j.State())
	}
	if j.ErrCode() == 0 {
		t.Fatalf("ErrCode() = 0, want nonzero after Fail")
	}
}

func TestJobCancelIsAdvisory(t *testing.T) {
	started := make(chan struct{})
	j := New("cancellable", func(j *Job) error {
		close(started)
		for !j.Cancelled() {
			time.Sleep(time.Millisecond)
		}
		return nil
	}, nil)

	<-started
	j.Cancel()
	if err := j.Wait(1000); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if j.State() != Stopped {
		t.Fatalf("State() = %v, want Stopped", j.State())
	}
}

func TestJobWaitTimeout(t *testing.T) {
	block := make(chan struct{})
	j := New("slow", func(j *Job) error {
		<-block
		return nil
	}, nil)
	defer close(block)

	if err := j.Wait(20); err != ErrTimeout {
		t.Fatalf("Wait() = %v, want ErrTimeout", err)
	}
}

func TestJobSetProgressClamps(t *testing.T) {
	done := make(chan struct{})
	j := New("progress", func(j *Job) error {
		j.SetProgress(-5)
		if j.Progress() != 0 {
			t.Errorf("Progress() = %v, want 0", j.Progress())
		}
		j.SetProgress(150)
		if j.Progress() != 100 {
			t.Errorf("Progress() = %v, want 100", j.Progress())
		}
		close(done)
		return nil
	}, nil)
	<-done
	j.Wait(1000)
}
