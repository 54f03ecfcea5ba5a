package stats_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/tripwire/dupwatch/internal/stats"
)

func TestRecordHash(t *testing.T) {
	s := stats.New()

	if first, dup := s.RecordHash(1, "/a"); dup || first != "/a" {
		t.Fatalf("RecordHash(/a) = (%q, %v), want (/a, false)", first, dup)
	}
	if _, dup := s.RecordHash(1, "/a"); dup {
		t.Error("re-observing the same path must not count as a duplicate")
	}
	first, dup := s.RecordHash(1, "/b")
	if !dup || first != "/a" {
		t.Errorf("RecordHash(/b) = (%q, %v), want (/a, true)", first, dup)
	}
	if got := s.Duplicates(); got != 1 {
		t.Errorf("Duplicates = %d, want 1", got)
	}
}

func TestTrackFileAndSnapshot(t *testing.T) {
	s := stats.New()
	s.TrackFile("a.txt")
	s.TrackFile("b.txt")
	s.RecordHash(9, "/x/b.txt")

	snap := s.Snapshot()
	if snap.LastFile != "b.txt" {
		t.Errorf("LastFile = %q, want %q", snap.LastFile, "b.txt")
	}
	if snap.FilesSeen != 2 {
		t.Errorf("FilesSeen = %d, want 2", snap.FilesSeen)
	}
	if snap.Hashes != 1 {
		t.Errorf("Hashes = %d, want 1", snap.Hashes)
	}

	s.Reset()
	if snap := s.Snapshot(); snap != (stats.Snapshot{}) {
		t.Errorf("Snapshot after Reset = %+v, want zero", snap)
	}
}

func TestConcurrentDuplicates(t *testing.T) {
	s := stats.New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.RecordHash(42, fmt.Sprintf("/copy-%d", i))
		}(i)
	}
	wg.Wait()

	if got := s.Duplicates(); got != 19 {
		t.Errorf("Duplicates = %d, want 19", got)
	}
	if _, ok := s.FirstHolder(42); !ok {
		t.Error("FirstHolder(42) missing")
	}
}
