// Package stats holds the process-wide duplicate-detection statistics shared
// by every monitor, the hashing workers and any observer.
package stats

import (
	"sync"

	"github.com/tripwire/dupwatch/internal/syncx"
)

// Snapshot is a consistent copy of the counters.
type Snapshot struct {
	LastFile   string `json:"last_file"`
	FilesSeen  int64  `json:"files_seen"`
	Duplicates int64  `json:"duplicates"`
	Hashes     int    `json:"hashes"`
}

// Stats counts observed files and duplicate matches and remembers the first
// path seen for every content hash.
type Stats struct {
	filesSeen  syncx.Counter
	duplicates syncx.Counter

	mu       sync.RWMutex
	lastFile string

	firstSeen *syncx.Map[uint64, string]
}

// New returns zeroed Stats.
func New() *Stats {
	return &Stats{firstSeen: syncx.NewMap[uint64, string]()}
}

// TrackFile records name as the most recently touched file and counts it.
func (s *Stats) TrackFile(name string) {
	s.filesSeen.Inc()
	s.mu.Lock()
	s.lastFile = name
	s.mu.Unlock()
}

// RecordHash registers path as a holder of hash. When another path already
// holds the hash it returns that path with duplicate set and counts the
// match. Re-observing the first holder is not a duplicate.
func (s *Stats) RecordHash(hash uint64, path string) (first string, duplicate bool) {
	first, _ = s.firstSeen.GetOrSet(hash, path)
	if first == path {
		return first, false
	}
	s.duplicates.Inc()
	return first, true
}

// FirstHolder returns the first path recorded for hash.
func (s *Stats) FirstHolder(hash uint64) (string, bool) {
	return s.firstSeen.Get(hash)
}

// FilesSeen returns the number of tracked files.
func (s *Stats) FilesSeen() int64 { return s.filesSeen.Load() }

// Duplicates returns the number of duplicate matches.
func (s *Stats) Duplicates() int64 { return s.duplicates.Load() }

// LastFile returns the most recently tracked file name.
func (s *Stats) LastFile() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFile
}

// Snapshot returns a copy of every counter.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		LastFile:   s.LastFile(),
		FilesSeen:  s.filesSeen.Load(),
		Duplicates: s.duplicates.Load(),
		Hashes:     s.firstSeen.Len(),
	}
}

// Reset zeroes the counters and forgets every hash holder.
func (s *Stats) Reset() {
	s.filesSeen.Reset()
	s.duplicates.Reset()
	s.firstSeen.Clear()
	s.mu.Lock()
	s.lastFile = ""
	s.mu.Unlock()
}
