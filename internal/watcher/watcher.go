// Package watcher turns OS directory-change notifications into a typed,
// ordered stream of ChangeEvents for one watched root.
//
// A Session owns one Source (the OS handle plus the blocking read) and one
// fixed read buffer. Its loop performs a single blocking read per iteration,
// resolves each change to an absolute path and the acting user, and sends
// the resulting events on a channel in the order the OS reported them.
//
// On Windows the Source is a ReadDirectoryChangesW handle opened with full
// share mode; its raw FILE_NOTIFY_INFORMATION buffer is decoded by
// ParseNotifyBuffer. Other platforms use an fsnotify-backed Source with the
// same contract so the pipeline can run on development hosts.
package watcher

import (
	"errors"
	"fmt"
)

// Action is the kind of change reported for a name.
type Action uint32

// Action codes as reported in the raw notification buffer.
const (
	ActionAdded Action = iota + 1
	ActionRemoved
	ActionModified
	ActionRenamedFrom
	ActionRenamedTo
)

// Known reports whether a is one of the five defined actions. Any other
// value is surfaced as Unknown(code).
func (a Action) Known() bool {
	return a >= ActionAdded && a <= ActionRenamedTo
}

func (a Action) String() string {
	switch a {
	case ActionAdded:
		return "added"
	case ActionRemoved:
		return "removed"
	case ActionModified:
		return "modified"
	case ActionRenamedFrom:
		return "renamed_from"
	case ActionRenamedTo:
		return "renamed_to"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(a))
	}
}

// RawChange is one decoded entry of a notification batch. Name is relative
// to the watched root.
type RawChange struct {
	Action Action
	Name   string
}

var (
	// ErrCancelled is returned by Source.Read when the read was cancelled.
	ErrCancelled = errors.New("watcher: read cancelled")
	// ErrOverflow is returned by Source.Read when the OS dropped changes
	// because its buffer overflowed.
	ErrOverflow = errors.New("watcher: notification buffer overflow")
	// ErrMalformedBuffer wraps structural errors found while parsing a
	// notification buffer.
	ErrMalformedBuffer = errors.New("watcher: malformed notification buffer")
)

// SourceOptions controls how a Source is opened.
type SourceOptions struct {
	// Subtree watches the whole tree below the root.
	Subtree bool
	// FollowReparsePoints allows traversal through reparse points
	// (symlinks, junctions). Off by default.
	FollowReparsePoints bool
}

// Source is an open change-notification handle for one root.
type Source interface {
	// Read blocks until a batch of changes is available, the read is
	// cancelled (ErrCancelled) or an error occurs. buf is the session's
	// reusable read buffer. A malformed batch returns the entries decoded
	// before the bad one together with an error wrapping
	// ErrMalformedBuffer.
	Read(buf []byte) ([]RawChange, error)
	// Cancel unblocks an in-flight Read. It may be called from any
	// goroutine.
	Cancel() error
	// Close releases the handle. It must not be called while a Read may
	// still be writing into buf.
	Close() error
}

// OpenSource opens the platform Source for root.
func OpenSource(root string, opts SourceOptions) (Source, error) {
	return openPlatformSource(root, opts)
}

// IsTransient reports whether err is a temporary condition that should be
// treated as "no changes this cycle".
func IsTransient(err error) bool {
	return isTransient(err)
}
