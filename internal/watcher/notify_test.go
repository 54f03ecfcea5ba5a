package watcher_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"unicode/utf16"

	"github.com/tripwire/dupwatch/internal/watcher"
)

// entry is one record to encode into a raw notification buffer.
type entry struct {
	action uint32
	name   string
}

// encodeNotify builds a buffer in the FILE_NOTIFY_INFORMATION layout with
// DWORD-aligned entries.
func encodeNotify(entries ...entry) []byte {
	var buf []byte
	for i, e := range entries {
		u := utf16.Encode([]rune(e.name))
		size := 12 + 2*len(u)
		if pad := size % 4; pad != 0 {
			size += 4 - pad
		}
		rec := make([]byte, size)
		if i < len(entries)-1 {
			binary.LittleEndian.PutUint32(rec[0:], uint32(size))
		}
		binary.LittleEndian.PutUint32(rec[4:], e.action)
		binary.LittleEndian.PutUint32(rec[8:], uint32(2*len(u)))
		for j, c := range u {
			binary.LittleEndian.PutUint16(rec[12+2*j:], c)
		}
		buf = append(buf, rec...)
	}
	return buf
}

func TestParseNotifyBuffer_Entries(t *testing.T) {
	buf := encodeNotify(
		entry{1, `docs\report.txt`},
		entry{3, "résumé.pdf"},
		entry{4, "old.txt"},
		entry{5, "日本語 😀.txt"},
	)

	got, err := watcher.ParseNotifyBuffer(buf)
	if err != nil {
		t.Fatalf("ParseNotifyBuffer: %v", err)
	}
	want := []watcher.RawChange{
		{Action: watcher.ActionAdded, Name: `docs\report.txt`},
		{Action: watcher.ActionModified, Name: "résumé.pdf"},
		{Action: watcher.ActionRenamedFrom, Name: "old.txt"},
		{Action: watcher.ActionRenamedTo, Name: "日本語 😀.txt"},
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (%+v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseNotifyBuffer_Empty(t *testing.T) {
	got, err := watcher.ParseNotifyBuffer(nil)
	if err != nil || got != nil {
		t.Errorf("ParseNotifyBuffer(nil) = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestParseNotifyBuffer_UnknownAction(t *testing.T) {
	got, err := watcher.ParseNotifyBuffer(encodeNotify(entry{9, "x"}))
	if err != nil {
		t.Fatalf("ParseNotifyBuffer: %v", err)
	}
	if got[0].Action.Known() {
		t.Error("action 9 should not be known")
	}
	if s := got[0].Action.String(); s != "unknown(9)" {
		t.Errorf("String = %q, want %q", s, "unknown(9)")
	}
}

func TestParseNotifyBuffer_Malformed(t *testing.T) {
	good := encodeNotify(entry{1, "a.txt"}, entry{2, "b.txt"})
	firstLen := int(binary.LittleEndian.Uint32(good[0:]))

	tests := []struct {
		name    string
		mutate  func([]byte) []byte
		wantLen int
	}{
		{
			name: "odd name length in second entry",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[firstLen+8:], 3)
				return b
			},
			wantLen: 1,
		},
		{
			name: "next offset past returned byte count",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[0:], uint32(len(b)+4))
				return b
			},
			wantLen: 1,
		},
		{
			name: "negative next offset",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[0:], 0xFFFFFFF0)
				return b
			},
			wantLen: 1,
		},
		{
			name: "name length past end",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[8:], 4096)
				return b
			},
			wantLen: 0,
		},
		{
			name: "truncated header",
			mutate: func(b []byte) []byte {
				return b[:8]
			},
			wantLen: 0,
		},
		{
			name: "second entry truncated",
			mutate: func(b []byte) []byte {
				return b[:firstLen+6]
			},
			wantLen: 1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := append([]byte(nil), good...)
			got, err := watcher.ParseNotifyBuffer(tc.mutate(buf))
			if !errors.Is(err, watcher.ErrMalformedBuffer) {
				t.Fatalf("err = %v, want ErrMalformedBuffer", err)
			}
			if len(got) != tc.wantLen {
				t.Errorf("len = %d, want %d", len(got), tc.wantLen)
			}
		})
	}
}
