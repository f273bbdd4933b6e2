// Package task provides the changer primitive every asynchronous device
// operation in this module returns: a goroutine doing the work, with a
// uniform Wait / Status / Stop contract on top of it.
package task

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrStopped is returned by Wait when the task was stopped before it completed
	ErrStopped = errors.New("task stopped before completion")
)

// Status is the lifecycle state of a Task
type Status int

const (
	// Pending tasks have been created but not started
	Pending Status = iota

	// Running tasks have a live goroutine doing the work
	Running

	// Done tasks completed without error
	Done

	// Stopped tasks were halted by Stop
	Stopped

	// Failed tasks completed with an error
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Done:
		return "done"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Finished returns true for the terminal states
func (s Status) Finished() bool {
	return s == Done || s == Stopped || s == Failed
}

// RunFunc does the work of a task.  It should return promptly once ctx is done
type RunFunc func(ctx context.Context) error

// StopFunc halts the device the task is driving, e.g. writes a motor's stop PV
type StopFunc func() error

// Task is an asynchronous operation with a uniform wait/status/stop contract.
// It is safe for concurrent use
type Task struct {
	mu       sync.Mutex
	status   Status
	err      error
	done     chan struct{}
	run      RunFunc
	stop     StopFunc
	cancel   context.CancelFunc
	stopped  bool
	started  time.Time
	finished time.Time
}

// New returns a pending task.  Call Start to begin it
func New(run RunFunc, stop StopFunc) *Task {
	return &Task{run: run, stop: stop, done: make(chan struct{})}
}

// Start creates a task and begins it immediately
func Start(ctx context.Context, run RunFunc, stop StopFunc) *Task {
	t := New(run, stop)
	t.Start(ctx)
	return t
}

// Completed returns a task which has already finished with err.
// It is used by devices whose operations are synchronous, and to report
// errors detected before any work began
func Completed(err error) *Task {
	t := New(nil, nil)
	now := time.Now()
	t.started = now
	t.finish(err)
	return t
}

// Start begins a pending task.  Starting a task which is not pending does nothing
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	if t.status != Pending || t.stopped {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.status = Running
	t.started = time.Now()
	t.mu.Unlock()
	go func() {
		defer cancel()
		t.finish(t.run(ctx))
	}()
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Finished() {
		return
	}
	switch {
	case t.stopped:
		t.status = Stopped
		t.err = ErrStopped
	case err != nil:
		t.status = Failed
		t.err = err
	default:
		t.status = Done
	}
	t.finished = time.Now()
	close(t.done)
}

// Wait blocks until the task finishes or ctx is done, whichever is first.
// It returns the task's error, ErrStopped if it was stopped, or ctx.Err()
// if ctx ended first.  The task keeps running if ctx ends first
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel which is closed when the task finishes
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Status returns the current status of the task
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the error the task finished with, nil while it is running
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Elapsed returns how long the task has run, or ran if finished
func (t *Task) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started.IsZero() {
		return 0
	}
	if t.finished.IsZero() {
		return time.Since(t.started)
	}
	return t.finished.Sub(t.started)
}

// Stop halts the task.  The run context is cancelled and the stop function,
// if any, is called exactly once.  Stopping a finished task does nothing.
// The error returned is that of the stop function
func (t *Task) Stop() error {
	t.mu.Lock()
	if t.status.Finished() || t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	pending := t.status == Pending
	cancel := t.cancel
	stop := t.stop
	t.mu.Unlock()

	var err error
	if stop != nil && !pending {
		err = stop()
	}
	if cancel != nil {
		cancel()
	}
	if pending {
		t.finish(nil)
	}
	return err
}

// WaitAll waits for every task and joins their errors
func WaitAll(ctx context.Context, tasks ...*Task) error {
	var errs []error
	for _, t := range tasks {
		if t == nil {
			continue
		}
		if err := t.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every task and joins the errors of their stop functions
func StopAll(tasks ...*Task) error {
	var errs []error
	for _, t := range tasks {
		if t == nil {
			continue
		}
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
