package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tripwire/dupwatch/internal/watcher"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDebouncer(clock *fakeClock) *Debouncer {
	d := NewDebouncer(500*time.Millisecond, 100*time.Millisecond)
	d.now = clock.now
	return d
}

func TestDebouncer_CollapsesBurst(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	d := newTestDebouncer(clock)

	assert.True(t, d.Accept("/a", watcher.ActionAdded))
	for i := 0; i < 5; i++ {
		clock.advance(50 * time.Millisecond)
		assert.False(t, d.Accept("/a", watcher.ActionAdded), "repeat %d inside window", i)
	}
}

func TestDebouncer_WindowElapsed(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	d := newTestDebouncer(clock)

	assert.True(t, d.Accept("/a", watcher.ActionRemoved))
	clock.advance(499 * time.Millisecond)
	assert.False(t, d.Accept("/a", watcher.ActionRemoved))
	clock.advance(500 * time.Millisecond)
	assert.True(t, d.Accept("/a", watcher.ActionRemoved))
}

func TestDebouncer_IndependentKeys(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	d := newTestDebouncer(clock)

	assert.True(t, d.Accept("/a", watcher.ActionAdded))
	assert.True(t, d.Accept("/a", watcher.ActionModified))
	assert.True(t, d.Accept("/a", watcher.ActionRemoved))
	assert.True(t, d.Accept("/b", watcher.ActionAdded))
	assert.False(t, d.Accept("/a", watcher.ActionAdded))
	assert.Equal(t, 4, d.Len())
}

func TestDebouncer_ModifiedRehash(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	d := newTestDebouncer(clock)

	assert.True(t, d.Accept("/a", watcher.ActionModified))
	clock.advance(80 * time.Millisecond)
	assert.False(t, d.Accept("/a", watcher.ActionModified), "inside rehash sub-window")
	clock.advance(40 * time.Millisecond)
	assert.True(t, d.Accept("/a", watcher.ActionModified), "past rehash sub-window")
	clock.advance(50 * time.Millisecond)
	assert.False(t, d.Accept("/a", watcher.ActionModified), "rehash measured from last accepted")

	// Only Modified gets the rehash treatment.
	assert.True(t, d.Accept("/a", watcher.ActionAdded))
	clock.advance(200 * time.Millisecond)
	assert.False(t, d.Accept("/a", watcher.ActionAdded))
}
