// Package console is the in-process activity console. Monitors write short
// human-readable lines to it; the console keeps the most recent ones, mirrors
// each line to the structured log and fans it out to live subscribers such as
// the websocket stream.
//
// Subscribers receive lines on buffered channels with a non-blocking send, so
// a slow reader drops lines instead of stalling the monitor that logged them.
package console

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/dupwatch/internal/syncx"
)

const (
	DefaultHistory    = 500
	DefaultSubscriber = 64
)

// Line is one console message.
type Line struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Console records and broadcasts console lines. It is safe for concurrent
// use.
type Console struct {
	history *syncx.List[Line]
	seq     atomic.Uint64

	// Subscribers keyed by their receive-only channel. mu is held for
	// reading while sending and for writing while closing a channel.
	mu      sync.RWMutex
	subs    sync.Map // map[<-chan Line]chan Line
	subCnt  atomic.Int64
	bufSize int
	dropped atomic.Int64

	logger *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// New returns a Console keeping history lines and buffering bufSize lines per
// subscriber. Non-positive sizes take the defaults.
func New(logger *slog.Logger, history, bufSize int) *Console {
	if history <= 0 {
		history = DefaultHistory
	}
	if bufSize <= 0 {
		bufSize = DefaultSubscriber
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		history: syncx.NewList[Line](history),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Log records msg and delivers it to every subscriber.
func (c *Console) Log(msg string) {
	line := Line{Seq: c.seq.Add(1), Time: time.Now(), Message: msg}
	c.history.Append(line)
	c.logger.Info("console: " + msg)

	if c.closed.Load() {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.subs.Range(func(_, v any) bool {
		ch := v.(chan Line)
		select {
		case ch <- line:
		default:
			c.dropped.Add(1)
		}
		return true
	})
}

// Recent returns the retained lines, oldest first.
func (c *Console) Recent() []Line {
	return c.history.Snapshot()
}

// Subscribe registers a live subscriber. The channel is closed when ctx is
// cancelled, on Unsubscribe or on Close.
func (c *Console) Subscribe(ctx context.Context) <-chan Line {
	ch := make(chan Line, c.bufSize)
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		close(ch)
		return ch
	}
	c.subs.Store((<-chan Line)(ch), ch)
	c.subCnt.Add(1)
	c.mu.Unlock()

	if ctx != nil {
		go func() {
			<-ctx.Done()
			c.Unsubscribe(ch)
		}()
	}
	return ch
}

// Unsubscribe removes the subscriber and closes its channel. Unknown
// channels are ignored.
func (c *Console) Unsubscribe(ch <-chan Line) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, loaded := c.subs.LoadAndDelete(ch); loaded {
		close(v.(chan Line))
		c.subCnt.Add(-1)
	}
}

// Subscribers returns the number of live subscribers.
func (c *Console) Subscribers() int { return int(c.subCnt.Load()) }

// Dropped returns how many lines were dropped for slow subscribers.
func (c *Console) Dropped() int64 { return c.dropped.Load() }

// Close closes every subscriber channel. Later Log calls still record
// history but broadcast nothing.
func (c *Console) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.subs.Range(func(k, v any) bool {
			c.subs.Delete(k)
			close(v.(chan Line))
			c.subCnt.Add(-1)
			return true
		})
	})
}
