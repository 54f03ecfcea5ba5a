package executor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripwire/dupwatch/internal/executor"
)

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecutor_LazyPools(t *testing.T) {
	e := executor.New(executor.Config{HashWorkers: 2}, newDiscardLogger())
	t.Cleanup(func() { e.Shutdown(true) })

	assert.Empty(t, e.Stats(), "no pool should exist before first use")

	p1, err := e.Hashing()
	require.NoError(t, err)
	p2, err := e.Hashing()
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	b, err := e.Backup()
	require.NoError(t, err)
	assert.Equal(t, "backup", b.Name())

	stats := e.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, 2, stats[0].Workers)
	assert.Equal(t, 2, stats[1].Workers, "backup pool is capped by the hashing pool size")
}

func TestDefaultHashWorkers_Ceiling(t *testing.T) {
	n := executor.DefaultHashWorkers()
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 8)
}

func TestSubmit_RunsTask(t *testing.T) {
	e := executor.New(executor.Config{HashWorkers: 1}, newDiscardLogger())
	t.Cleanup(func() { e.Shutdown(true) })

	sentinel := errors.New("boom")
	f, err := e.Submit(context.Background(), func(context.Context) error { return sentinel })
	require.NoError(t, err)

	assert.ErrorIs(t, f.WaitTimeout(time.Second), sentinel)
	assert.False(t, f.Cancelled())
}

func TestFuture_CancelQueued(t *testing.T) {
	e := executor.New(executor.Config{HashWorkers: 1, QueueSize: 4}, newDiscardLogger())
	t.Cleanup(func() { e.Shutdown(true) })

	release := make(chan struct{})
	started := make(chan struct{})
	blocker, err := e.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	var ran atomic.Bool
	queued, err := e.Submit(context.Background(), func(context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)

	assert.True(t, queued.Cancel(), "queued task should be cancellable")
	assert.ErrorIs(t, queued.Err(), executor.ErrCancelled)
	assert.False(t, blocker.Cancel(), "running task cannot be cancelled before it runs")

	close(release)
	require.NoError(t, blocker.WaitTimeout(time.Second))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestFuture_CancelSignalsRunningContext(t *testing.T) {
	e := executor.New(executor.Config{HashWorkers: 1}, newDiscardLogger())
	t.Cleanup(func() { e.Shutdown(true) })

	started := make(chan struct{})
	f, err := e.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	f.Cancel()
	assert.ErrorIs(t, f.WaitTimeout(time.Second), context.Canceled)
}

func TestFuture_PanicBecomesError(t *testing.T) {
	e := executor.New(executor.Config{HashWorkers: 1}, newDiscardLogger())
	t.Cleanup(func() { e.Shutdown(true) })

	f, err := e.Submit(context.Background(), func(context.Context) error { panic("bad file") })
	require.NoError(t, err)

	err = f.WaitTimeout(time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad file")
}

func TestFuture_OnDone(t *testing.T) {
	e := executor.New(executor.Config{HashWorkers: 1}, newDiscardLogger())
	t.Cleanup(func() { e.Shutdown(true) })

	called := make(chan struct{})
	f, err := e.Submit(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	f.OnDone(func() { close(called) })

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("OnDone callback not invoked")
	}

	// Registering after completion runs immediately.
	var late atomic.Bool
	f.OnDone(func() { late.Store(true) })
	assert.True(t, late.Load())
}

func TestShutdown_RestartCycle(t *testing.T) {
	e := executor.New(executor.Config{HashWorkers: 1}, newDiscardLogger())

	started := make(chan struct{})
	running, err := e.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	e.Shutdown(true)
	assert.ErrorIs(t, running.Err(), context.Canceled)

	_, err = e.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, executor.ErrShutdown)
	_, err = e.Backup()
	assert.ErrorIs(t, err, executor.ErrShutdown)

	e.Restart()
	t.Cleanup(func() { e.Shutdown(true) })

	f, err := e.Submit(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.NoError(t, f.WaitTimeout(time.Second))
}

func TestPool_SubmitHonoursContextWhenFull(t *testing.T) {
	e := executor.New(executor.Config{HashWorkers: 1, QueueSize: 1}, newDiscardLogger())
	t.Cleanup(func() { e.Shutdown(true) })

	release := make(chan struct{})
	started := make(chan struct{})
	_, err := e.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started
	defer close(release)

	_, err = e.Submit(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err, "one slot of queue space is available")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = e.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
