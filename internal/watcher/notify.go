package watcher

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// notifyHeaderSize is the fixed part of one entry: next offset, action and
// name length, each a little-endian uint32.
const notifyHeaderSize = 12

// ParseNotifyBuffer decodes a packed notification buffer. buf must be
// sliced to the byte count the OS reported. Each entry is
//
//	u32 next_entry_offset (0 = last)
//	u32 action
//	u32 name_byte_length
//	UTF-16LE name[name_byte_length/2]
//
// Parsing stops at the first structurally invalid entry (odd name length,
// entry or name past the end of buf, non-positive offset other than the
// terminal 0). The entries decoded before it are returned along with an
// error wrapping ErrMalformedBuffer.
func ParseNotifyBuffer(buf []byte) ([]RawChange, error) {
	if len(buf) == 0 {
		return nil, nil
	}

	var out []RawChange
	off := 0
	for {
		if off < 0 || off+notifyHeaderSize > len(buf) {
			return out, fmt.Errorf("%w: entry at %d exceeds %d bytes", ErrMalformedBuffer, off, len(buf))
		}
		next := binary.LittleEndian.Uint32(buf[off:])
		action := binary.LittleEndian.Uint32(buf[off+4:])
		nameLen := binary.LittleEndian.Uint32(buf[off+8:])

		if nameLen%2 != 0 {
			return out, fmt.Errorf("%w: odd name length %d at %d", ErrMalformedBuffer, nameLen, off)
		}
		start := off + notifyHeaderSize
		end := start + int(nameLen)
		if int(nameLen) < 0 || end > len(buf) {
			return out, fmt.Errorf("%w: name at %d+%d exceeds %d bytes", ErrMalformedBuffer, start, nameLen, len(buf))
		}

		out = append(out, RawChange{
			Action: Action(action),
			Name:   decodeUTF16LE(buf[start:end]),
		})

		if next == 0 {
			return out, nil
		}
		if int32(next) <= 0 {
			return out, fmt.Errorf("%w: non-positive next offset %d at %d", ErrMalformedBuffer, int32(next), off)
		}
		off += int(next)
		if off >= len(buf) {
			return out, fmt.Errorf("%w: next offset %d at %d points past %d bytes", ErrMalformedBuffer, next, off-int(next), len(buf))
		}
	}
}

func decodeUTF16LE(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(u))
}
