package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func blockUntilCancelled(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTaskCompletes(t *testing.T) {
	tsk := Start(context.Background(), func(ctx context.Context) error { return nil }, nil)
	if err := tsk.Wait(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if tsk.Status() != Done {
		t.Errorf("expected status done, got %s", tsk.Status())
	}
}

func TestTaskFails(t *testing.T) {
	boom := errors.New("boom")
	tsk := Start(context.Background(), func(ctx context.Context) error { return boom }, nil)
	if err := tsk.Wait(context.Background()); err != boom {
		t.Fatalf("expected boom, got %v", err)
	}
	if tsk.Status() != Failed {
		t.Errorf("expected status failed, got %s", tsk.Status())
	}
	// waiting again returns the same result
	if err := tsk.Wait(context.Background()); err != boom {
		t.Errorf("second wait returned %v", err)
	}
}

func TestStopCallsStopFuncOnce(t *testing.T) {
	var calls int32
	stop := func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	tsk := Start(context.Background(), blockUntilCancelled, stop)
	if tsk.Status() != Running {
		t.Fatalf("expected running, got %s", tsk.Status())
	}
	tsk.Stop()
	tsk.Stop()
	err := tsk.Wait(context.Background())
	if err != ErrStopped {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	if tsk.Status() != Stopped {
		t.Errorf("expected stopped, got %s", tsk.Status())
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("stop func called %d times, expected 1", n)
	}
}

func TestStopFinishedIsNoop(t *testing.T) {
	called := false
	tsk := Start(context.Background(), func(ctx context.Context) error { return nil }, func() error {
		called = true
		return nil
	})
	tsk.Wait(context.Background())
	if err := tsk.Stop(); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("stop func should not run for a finished task")
	}
	if tsk.Status() != Done {
		t.Errorf("status changed after stop of finished task: %s", tsk.Status())
	}
}

func TestWaitRespectsContext(t *testing.T) {
	tsk := Start(context.Background(), blockUntilCancelled, nil)
	defer tsk.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tsk.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if tsk.Status() != Running {
		t.Errorf("task should keep running after waiter gives up, got %s", tsk.Status())
	}
}

func TestPendingTaskStop(t *testing.T) {
	ran := false
	tsk := New(func(ctx context.Context) error {
		ran = true
		return nil
	}, nil)
	if tsk.Status() != Pending {
		t.Fatalf("expected pending, got %s", tsk.Status())
	}
	tsk.Stop()
	tsk.Start(context.Background())
	if err := tsk.Wait(context.Background()); err != ErrStopped {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	if ran {
		t.Error("stopped pending task should never run")
	}
}

func TestCompleted(t *testing.T) {
	boom := errors.New("boom")
	if err := Completed(nil).Wait(context.Background()); err != nil {
		t.Error(err)
	}
	tsk := Completed(boom)
	if tsk.Status() != Failed || tsk.Err() != boom {
		t.Errorf("expected failed with boom, got %s %v", tsk.Status(), tsk.Err())
	}
}

func TestWaitAllJoinsErrors(t *testing.T) {
	e1, e2 := errors.New("one"), errors.New("two")
	err := WaitAll(context.Background(), Completed(e1), Completed(nil), Completed(e2))
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Errorf("expected joined error, got %v", err)
	}
}
