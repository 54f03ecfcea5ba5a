package slab

import (
	"encoding/binary"
	"fmt"
)

// On-disk layout, little-endian:
//
//	offset 0   head   uint64
//	offset 8   tail   uint64
//	offset 16  record[0] { hash uint64; flags uint64 }
//	...        record[max_records-1]
const (
	HeaderSize = 16
	RecordSize = 16

	headOffset = 0
	tailOffset = 8
)

// FlagValid marks a slot as holding a live record. Validity is tracked per
// record so that recovery does not depend on the header cursors.
const FlagValid uint64 = 1 << 0

// Record is one slot of the ring.
type Record struct {
	Hash  uint64
	Flags uint64
}

// Valid reports whether the VALID bit is set.
func (r Record) Valid() bool { return r.Flags&FlagValid != 0 }

// FileSize returns the full size of a cache file holding maxRecords slots.
func FileSize(maxRecords int) int64 {
	return HeaderSize + int64(maxRecords)*RecordSize
}

func slotOffset(slot uint64) int {
	return HeaderSize + int(slot)*RecordSize
}

func encodeRecord(b []byte, off int, r Record) error {
	if off < HeaderSize || off+RecordSize > len(b) {
		return fmt.Errorf("%w: record at %d, mapping is %d bytes", ErrOutOfBounds, off, len(b))
	}
	binary.LittleEndian.PutUint64(b[off:], r.Hash)
	binary.LittleEndian.PutUint64(b[off+8:], r.Flags)
	return nil
}

func decodeRecord(b []byte, off int) (Record, error) {
	if off < HeaderSize || off+RecordSize > len(b) {
		return Record{}, fmt.Errorf("%w: record at %d, mapping is %d bytes", ErrOutOfBounds, off, len(b))
	}
	return Record{
		Hash:  binary.LittleEndian.Uint64(b[off:]),
		Flags: binary.LittleEndian.Uint64(b[off+8:]),
	}, nil
}

func decodeCursors(b []byte) (head, tail uint64, err error) {
	if len(b) < HeaderSize {
		return 0, 0, fmt.Errorf("%w: header needs %d bytes, mapping is %d", ErrOutOfBounds, HeaderSize, len(b))
	}
	return binary.LittleEndian.Uint64(b[headOffset:]), binary.LittleEndian.Uint64(b[tailOffset:]), nil
}

func encodeCursors(b []byte, head, tail uint64) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w: header needs %d bytes, mapping is %d", ErrOutOfBounds, HeaderSize, len(b))
	}
	binary.LittleEndian.PutUint64(b[headOffset:], head)
	binary.LittleEndian.PutUint64(b[tailOffset:], tail)
	return nil
}
