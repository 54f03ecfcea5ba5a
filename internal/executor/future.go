package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of work run by a Pool. ctx is cancelled when the owning
// future is cancelled or the pool shuts down.
type Task func(ctx context.Context) error

const (
	statePending int32 = iota
	stateRunning
	stateDone
	stateCancelled
)

// Future is the handle for a submitted Task.
type Future struct {
	fn     Task
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
	done   chan struct{}

	mu        sync.Mutex
	err       error
	callbacks []func()
}

func newFuture(parent context.Context, fn Task) *Future {
	ctx, cancel := context.WithCancel(parent)
	return &Future{
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// run executes the task unless it was cancelled while queued.
func (f *Future) run() {
	if !f.state.CompareAndSwap(statePending, stateRunning) {
		return
	}
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor: task panic: %v", r)
		}
		f.finish(stateDone, err)
	}()
	err = f.fn(f.ctx)
}

func (f *Future) finish(state int32, err error) {
	f.mu.Lock()
	f.err = err
	f.state.Store(state)
	close(f.done)
	cbs := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	f.cancel()
	for _, cb := range cbs {
		cb()
	}
}

// Cancel prevents a queued task from running and reports true in that case.
// A task that is already running only sees its context cancelled; Cancel
// then returns false and the task finishes on its own.
func (f *Future) Cancel() bool {
	if f.state.CompareAndSwap(statePending, stateCancelled) {
		f.finish(stateCancelled, ErrCancelled)
		return true
	}
	f.cancel()
	return false
}

// Done is closed once the task has finished or was cancelled before running.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the task's error once Done is closed. A task cancelled before
// it ran reports ErrCancelled.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Cancelled reports whether the task was cancelled before it started.
func (f *Future) Cancelled() bool { return f.state.Load() == stateCancelled }

// Running reports whether the task is currently executing.
func (f *Future) Running() bool { return f.state.Load() == stateRunning }

// Wait blocks until the task completes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout blocks for at most d. It returns context.DeadlineExceeded when
// the task did not complete in time.
func (f *Future) WaitTimeout(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.Err()
	case <-timer.C:
		return context.DeadlineExceeded
	}
}

// OnDone registers cb to run after the task finishes. If the task has
// already finished, cb runs immediately on the calling goroutine.
func (f *Future) OnDone(cb func()) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		cb()
		return
	default:
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}
