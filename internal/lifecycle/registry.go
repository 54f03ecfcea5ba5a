// Package lifecycle keeps track of the long-running goroutines of the
// service (one watch loop per root, the cache flusher, the notification
// dispatcher) so that "start if not already running" and "stop and join" are
// idempotent.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Routine is the body of a registered goroutine. It must return once ctx is
// cancelled.
type Routine func(ctx context.Context)

type entry struct {
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

func (e *entry) alive() bool {
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// Registry maps a key to the single live goroutine registered under it.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// StartIfNeeded starts fn under key unless a live goroutine is already
// registered there. A registration whose goroutine has exited is replaced.
// It reports whether a new goroutine was started.
func (r *Registry) StartIfNeeded(ctx context.Context, key string, fn Routine) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok && e.alive() {
		return false
	}

	rctx, cancel := context.WithCancel(ctx)
	e := &entry{cancel: cancel, done: make(chan struct{}), started: time.Now()}
	r.entries[key] = e

	go func() {
		defer close(e.done)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("lifecycle: routine panicked",
					slog.String("key", key),
					slog.String("panic", fmt.Sprint(rec)),
				)
			}
		}()
		fn(rctx)
	}()

	r.logger.Debug("lifecycle: routine started", slog.String("key", key))
	return true
}

// IsAlive reports whether a live goroutine is registered under key.
func (r *Registry) IsAlive(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return ok && e.alive()
}

// Done returns a channel closed when the goroutine under key exits, or nil
// when nothing is registered.
func (r *Registry) Done(key string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.done
	}
	return nil
}

// Shutdown cancels the goroutine under key and waits up to timeout for it to
// return. The registration is removed whether or not the join succeeded. It
// reports whether the goroutine exited in time; unknown keys report true.
func (r *Registry) Shutdown(key string, timeout time.Duration) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()

	if !ok {
		return true
	}

	e.cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.done:
		r.logger.Debug("lifecycle: routine stopped", slog.String("key", key))
		return true
	case <-timer.C:
		r.logger.Warn("lifecycle: routine did not stop in time",
			slog.String("key", key),
			slog.Duration("timeout", timeout),
		)
		return false
	}
}

// ShutdownAll shuts down every registered goroutine, each with its own
// timeout, and reports whether all of them exited in time.
func (r *Registry) ShutdownAll(timeout time.Duration) bool {
	ok := true
	for _, key := range r.Keys() {
		if !r.Shutdown(key, timeout) {
			ok = false
		}
	}
	return ok
}

// Keys returns the registered keys in sorted order, live or not.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
