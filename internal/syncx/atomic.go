// Package syncx holds the small concurrency primitives shared by the watcher,
// the hashing pipeline and the slab cache: atomic counters and flags,
// mutex-guarded collections, a TTL cache and a fixed-size ring.
//
// Every type is safe for concurrent use unless its doc comment says
// otherwise. Zero values of Counter, Flag and the collection types are ready
// to use.
package syncx

import "sync/atomic"

// Counter is an int64 counter updated atomically.
type Counter struct {
	v atomic.Int64
}

// Inc adds one and returns the new value.
func (c *Counter) Inc() int64 { return c.v.Add(1) }

// Add adds delta and returns the new value.
func (c *Counter) Add(delta int64) int64 { return c.v.Add(delta) }

// Load returns the current value.
func (c *Counter) Load() int64 { return c.v.Load() }

// Reset sets the counter to zero and returns the previous value.
func (c *Counter) Reset() int64 { return c.v.Swap(0) }

// Flag is a boolean that can be flipped from any goroutine.
type Flag struct {
	v atomic.Bool
}

// Set stores v.
func (f *Flag) Set(v bool) { f.v.Store(v) }

// Get reports the current value.
func (f *Flag) Get() bool { return f.v.Load() }

// SetIf stores next only when the current value equals prev and reports
// whether the swap happened.
func (f *Flag) SetIf(prev, next bool) bool { return f.v.CompareAndSwap(prev, next) }
