package monitor

import (
	"time"

	"github.com/tripwire/dupwatch/internal/syncx"
	"github.com/tripwire/dupwatch/internal/watcher"
)

const (
	DefaultDebounceWindow = 500 * time.Millisecond
	DefaultRehashInterval = 100 * time.Millisecond

	debounceCapacity = 8192
)

type debounceKey struct {
	path   string
	action watcher.Action
}

// Debouncer collapses bursts of identical (path, action) events.
type Debouncer struct {
	window time.Duration
	rehash time.Duration
	last   *syncx.TTLCache[debounceKey, time.Time]
	now    func() time.Time
}

// NewDebouncer returns a Debouncer accepting one event per (path, action)
// per window. Modified events are re-accepted inside the window once rehash
// has elapsed since the last accepted one.
func NewDebouncer(window, rehash time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if rehash <= 0 {
		rehash = DefaultRehashInterval
	}
	return &Debouncer{
		window: window,
		rehash: rehash,
		last:   syncx.NewTTLCache[debounceKey, time.Time](debounceCapacity, window),
		now:    time.Now,
	}
}

// Accept reports whether the event should be processed and records it when
// it is.
func (d *Debouncer) Accept(path string, action watcher.Action) bool {
	key := debounceKey{path: path, action: action}
	now := d.now()

	if last, ok := d.last.Get(key); ok {
		if elapsed := now.Sub(last); elapsed < d.window {
			if action != watcher.ActionModified || elapsed <= d.rehash {
				return false
			}
		}
	}
	d.last.Put(key, now)
	return true
}

// Len returns the number of tracked keys.
func (d *Debouncer) Len() int { return d.last.Len() }
