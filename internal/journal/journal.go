// Package journal records duplicate findings in an append-only JSON-lines
// file whose entries are SHA-256 hash-chained, so a later reader can tell
// whether the history of detected duplicates was edited.
//
// # Hash chain
//
// The event_hash of entry N is
//
//	SHA-256( JSON({seq, ts, finding, prev_hash}) )
//
// and its prev_hash is the event_hash of entry N-1. The first entry links to
// GenesisHash.
//
// Open replays an existing file before appending, so a restarted service
// continues the same chain. The last few entries are kept in memory for the
// control API.
package journal

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tripwire/dupwatch/internal/syncx"
)

// GenesisHash is the prev_hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// DefaultKeep is the number of recent entries held in memory.
const DefaultKeep = 256

const maxLine = 1 << 20

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("journal: closed")

// Finding is one detected duplicate.
type Finding struct {
	// Hash is the 64-bit content hash in fixed-width hex.
	Hash string `json:"hash"`
	// Path is the file that was just hashed.
	Path string `json:"path"`
	// Original is the earlier path holding the same content.
	Original string `json:"original"`
	// Root is the monitored directory that reported Path.
	Root string `json:"root,omitempty"`
}

// FormatHash renders a content hash the way Finding.Hash stores it.
func FormatHash(h uint64) string { return fmt.Sprintf("%016x", h) }

// Entry is one chained journal line.
type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Finding   Finding   `json:"finding"`
	PrevHash  string    `json:"prev_hash"`
	EventHash string    `json:"event_hash"`
}

// chained is the part of an Entry covered by EventHash.
type chained struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Finding   Finding   `json:"finding"`
	PrevHash  string    `json:"prev_hash"`
}

func (e Entry) digest() string {
	raw, err := json.Marshal(chained{
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		Finding:   e.Finding,
		PrevHash:  e.PrevHash,
	})
	if err != nil {
		panic(fmt.Sprintf("journal: marshal entry: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Journal appends findings to one file. It is safe for concurrent use.
type Journal struct {
	path string

	mu     sync.Mutex
	file   *os.File
	head   string
	seq    int64
	recent *syncx.Ring[Entry]
	closed bool
}

// Open opens or creates the journal at path. An existing file is verified
// from the first line; a broken chain is returned as an error and the file
// is left untouched. keep bounds the in-memory history; zero means
// DefaultKeep.
func Open(path string, keep int) (*Journal, error) {
	if keep <= 0 {
		keep = DefaultKeep
	}
	j := &Journal{
		path:   path,
		head:   GenesisHash,
		recent: syncx.NewRing[Entry](keep),
	}

	switch f, err := os.Open(path); {
	case err == nil:
		seq, head, err := replay(f, j.recent.Add)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("journal: %s: %w", path, err)
		}
		j.seq, j.head = seq, head
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s for append: %w", path, err)
	}
	j.file = f
	return j, nil
}

// Record chains f onto the journal and writes it as one line.
func (j *Journal) Record(f Finding) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return Entry{}, ErrClosed
	}

	e := Entry{
		Seq:       j.seq + 1,
		Timestamp: time.Now().UTC(),
		Finding:   f,
		PrevHash:  j.head,
	}
	e.EventHash = e.digest()

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: marshal entry: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("journal: write entry %d: %w", e.Seq, err)
	}

	j.seq = e.Seq
	j.head = e.EventHash
	j.recent.Add(e)
	return e, nil
}

// Recent returns up to n of the newest entries, oldest first. n <= 0
// returns everything held in memory.
func (j *Journal) Recent(n int) []Entry {
	j.mu.Lock()
	out := j.recent.List()
	j.mu.Unlock()
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Len is the number of entries in the file.
func (j *Journal) Len() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Head is the event_hash of the newest entry, or GenesisHash.
func (j *Journal) Head() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

func (j *Journal) Path() string { return j.path }

// Close syncs and closes the file. Calling it again is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return fmt.Errorf("journal: sync: %w", err)
	}
	return j.file.Close()
}

// Verify checks the whole chain in the file at path and returns its
// entries. An empty file is a valid, empty journal.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: verify: %w", err)
	}
	defer f.Close()

	var entries []Entry
	if _, _, err := replay(f, func(e Entry) { entries = append(entries, e) }); err != nil {
		return nil, fmt.Errorf("journal: %s: %w", path, err)
	}
	return entries, nil
}

// replay walks r line by line, checking every link and digest, and hands
// each good entry to fn. It returns the last sequence number and head hash.
func replay(r io.Reader, fn func(Entry)) (int64, string, error) {
	seq, head := int64(0), GenesisHash

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for line := 1; sc.Scan(); line++ {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return 0, "", fmt.Errorf("line %d: malformed entry: %w", line, err)
		}
		if e.Seq != seq+1 {
			return 0, "", fmt.Errorf("line %d: sequence %d follows %d", line, e.Seq, seq)
		}
		if e.PrevHash != head {
			return 0, "", fmt.Errorf("chain break at seq %d: prev_hash %q, want %q", e.Seq, e.PrevHash, head)
		}
		if got := e.digest(); got != e.EventHash {
			return 0, "", fmt.Errorf("hash mismatch at seq %d: stored %q, computed %q", e.Seq, e.EventHash, got)
		}
		fn(e)
		seq, head = e.Seq, e.EventHash
	}
	if err := sc.Err(); err != nil {
		return 0, "", fmt.Errorf("scan: %w", err)
	}
	return seq, head, nil
}
