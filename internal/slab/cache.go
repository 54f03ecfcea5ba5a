// Package slab implements the persistent content-hash cache: a fixed-size,
// memory-mapped ring of (hash, flags) records with an in-memory index.
//
// # Ring semantics
//
// Append writes to slot tail mod max_records and advances tail. Once the
// logical span tail-head exceeds max_records the head cursor advances, so
// the file behaves as a bounded FIFO of distinct hashes. When a slot is
// overwritten its previous hash leaves the index, keeping the index an
// exact mirror of the VALID slots.
//
// # Recovery
//
// Every record carries its own VALID bit. Open rebuilds the index by scanning
// all slots regardless of the cursors, so a crash that lost the header (or a
// corrupted header) still recovers every valid record. Inconsistent cursors
// are repaired after the scan.
//
// # Locking
//
// All mutations go through one mutex per Cache. Has only consults the index,
// which carries its own lock. A second process opening the same file is
// refused through an exclusive lock on "<path>.lock".
package slab

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/mmap-go"
	"github.com/gofrs/flock"

	"github.com/tripwire/dupwatch/internal/syncx"
)

// DefaultMaxRecords is the ring capacity used when Options.MaxRecords is 0.
const DefaultMaxRecords = 1 << 16

var (
	// ErrClosed is returned by mutating calls after Close.
	ErrClosed = errors.New("slab: cache closed")
	// ErrOutOfBounds is returned when an offset falls outside the mapping.
	ErrOutOfBounds = errors.New("slab: offset out of bounds")
	// ErrLocked is returned by Open when another process holds the cache.
	ErrLocked = errors.New("slab: cache file is locked by another process")
)

// Options configures Open.
type Options struct {
	MaxRecords int
	Logger     *slog.Logger
}

// Stats is the summary exposed to collaborators.
type Stats struct {
	Entries    int    `json:"entries"`
	Path       string `json:"path"`
	Head       uint64 `json:"head"`
	Tail       uint64 `json:"tail"`
	MaxRecords int    `json:"max_records"`
}

// Cache is an open slab file.
type Cache struct {
	path       string
	maxRecords uint64
	logger     *slog.Logger

	mu     sync.Mutex
	file   *os.File
	lock   *flock.Flock
	data   mmap.MMap
	closed bool

	index *syncx.Set[uint64]
	dirty syncx.Flag
}

// Open maps the cache file at path, creating or extending it to its full
// size, and rebuilds the index from every VALID slot. A file larger than the
// configured size is left as is and only its leading part is used.
func Open(path string, opts Options) (*Cache, error) {
	maxRecords := opts.MaxRecords
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("slab: create directory for %q: %w", path, err)
	}

	lk := flock.New(path + ".lock")
	locked, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("slab: lock %q: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		_ = lk.Unlock()
		return nil, fmt.Errorf("slab: open %q: %w", path, err)
	}

	size := FileSize(maxRecords)
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = lk.Unlock()
		return nil, fmt.Errorf("slab: stat %q: %w", path, err)
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			_ = lk.Unlock()
			return nil, fmt.Errorf("slab: extend %q to %d bytes: %w", path, size, err)
		}
	}

	data, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		_ = f.Close()
		_ = lk.Unlock()
		return nil, fmt.Errorf("slab: map %q: %w", path, err)
	}

	c := &Cache{
		path:       path,
		maxRecords: uint64(maxRecords),
		logger:     logger,
		file:       f,
		lock:       lk,
		data:       data,
		index:      syncx.NewSet[uint64](),
	}

	n, err := c.RebuildIndex()
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.repairCursors(n); err != nil {
		_ = c.Close()
		return nil, err
	}

	head, tail := c.Cursors()
	logger.Info("slab: cache opened",
		slog.String("path", path),
		slog.Int("entries", n),
		slog.Int("max_records", maxRecords),
		slog.Uint64("head", head),
		slog.Uint64("tail", tail),
	)
	return c, nil
}

// Has reports whether hash is indexed. It never touches the file.
func (c *Cache) Has(hash uint64) bool {
	return c.index.Has(hash)
}

// Append records hash with the VALID bit set plus any extra flags. It is a
// no-op when hash is already indexed.
func (c *Cache) Append(hash, flags uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.index.Has(hash) {
		return nil
	}

	head, tail, err := decodeCursors(c.data)
	if err != nil {
		return err
	}

	off := slotOffset(tail % c.maxRecords)
	prev, err := decodeRecord(c.data, off)
	if err != nil {
		return err
	}
	if err := encodeRecord(c.data, off, Record{Hash: hash, Flags: flags | FlagValid}); err != nil {
		return err
	}

	tail++
	if tail-head > c.maxRecords {
		head = tail - c.maxRecords
	}
	if err := encodeCursors(c.data, head, tail); err != nil {
		return err
	}

	if prev.Valid() && prev.Hash != hash {
		c.index.Remove(prev.Hash)
	}
	c.index.Add(hash)
	c.dirty.Set(true)
	return nil
}

// Flush writes dirty mapped pages back to the file.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.flushLocked()
}

func (c *Cache) flushLocked() error {
	if !c.dirty.Get() {
		return nil
	}
	if err := c.data.Flush(); err != nil {
		return fmt.Errorf("slab: flush %q: %w", c.path, err)
	}
	c.dirty.Set(false)
	return nil
}

// Close flushes, unmaps and releases the file and its lock. Calling Close
// more than once is safe.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if err := c.flushLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := c.data.Unmap(); err != nil {
		errs = append(errs, fmt.Errorf("slab: unmap %q: %w", c.path, err))
	}
	c.data = nil
	if err := c.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("slab: close %q: %w", c.path, err))
	}
	if err := c.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("slab: unlock %q: %w", c.path, err))
	}

	c.logger.Info("slab: cache closed",
		slog.String("path", c.path),
		slog.Int("entries", c.index.Len()),
	)
	return errors.Join(errs...)
}

// RebuildIndex clears the index and re-adds every slot whose VALID bit is
// set, ignoring the head and tail cursors. It returns the number of indexed
// hashes.
func (c *Cache) RebuildIndex() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}

	c.index.Clear()
	for slot := uint64(0); slot < c.maxRecords; slot++ {
		rec, err := decodeRecord(c.data, slotOffset(slot))
		if err != nil {
			return c.index.Len(), fmt.Errorf("slab: rebuild %q: %w", c.path, err)
		}
		if rec.Valid() {
			c.index.Add(rec.Hash)
		}
	}
	return c.index.Len(), nil
}

// repairCursors resets head and tail when they violate
// head <= tail <= head+max_records. The new tail points just past the valid
// records so the next append lands in the first free slot of an unwrapped
// ring, or in slot 0 of a full one.
func (c *Cache) repairCursors(valid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	head, tail, err := decodeCursors(c.data)
	if err != nil {
		return err
	}
	if tail >= head && tail-head <= c.maxRecords {
		return nil
	}

	newTail := uint64(valid)
	c.logger.Warn("slab: header cursors inconsistent, repairing",
		slog.String("path", c.path),
		slog.Uint64("head", head),
		slog.Uint64("tail", tail),
		slog.Uint64("new_tail", newTail),
	)
	if err := encodeCursors(c.data, 0, newTail); err != nil {
		return err
	}
	c.dirty.Set(true)
	return nil
}

// Cursors returns the logical head and tail.
func (c *Cache) Cursors() (head, tail uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, 0
	}
	head, tail, _ = decodeCursors(c.data)
	return head, tail
}

// Record returns the record stored in slot.
func (c *Cache) Record(slot int) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Record{}, ErrClosed
	}
	if slot < 0 || uint64(slot) >= c.maxRecords {
		return Record{}, fmt.Errorf("%w: slot %d of %d", ErrOutOfBounds, slot, c.maxRecords)
	}
	return decodeRecord(c.data, slotOffset(uint64(slot)))
}

// Len returns the number of indexed hashes.
func (c *Cache) Len() int { return c.index.Len() }

// Path returns the cache file path.
func (c *Cache) Path() string { return c.path }

// MaxRecords returns the ring capacity.
func (c *Cache) MaxRecords() int { return int(c.maxRecords) }

// Stats returns the entry count, path and cursors.
func (c *Cache) Stats() Stats {
	head, tail := c.Cursors()
	return Stats{
		Entries:    c.Len(),
		Path:       c.path,
		Head:       head,
		Tail:       tail,
		MaxRecords: int(c.maxRecords),
	}
}
