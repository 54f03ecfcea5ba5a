//go:build windows

package watcher

import (
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/windows"
)

const notifyFilter = windows.FILE_NOTIFY_CHANGE_FILE_NAME |
	windows.FILE_NOTIFY_CHANGE_DIR_NAME |
	windows.FILE_NOTIFY_CHANGE_ATTRIBUTES |
	windows.FILE_NOTIFY_CHANGE_SIZE |
	windows.FILE_NOTIFY_CHANGE_LAST_WRITE |
	windows.FILE_NOTIFY_CHANGE_CREATION |
	windows.FILE_NOTIFY_CHANGE_SECURITY

// Win32 error codes that mean "try again later".
const (
	errNotReady       syscall.Errno = 21
	errUnexpNetErr    syscall.Errno = 59
	errNetnameDeleted syscall.Errno = 64
	errSemTimeout     syscall.Errno = 121
	errNotFound       syscall.Errno = 1168
)

// dirSource wraps a directory handle opened for overlapped
// ReadDirectoryChangesW. The overlapped structure is heap allocated once
// and reused by every read.
//
// cancelled is set before CancelIoEx. A Read that issues its request after
// CancelIoEx ran sees the flag and cancels itself, so a cancel racing the
// start of a read is never lost.
type dirSource struct {
	h         windows.Handle
	ov        *windows.Overlapped
	subtree   bool
	cancelled atomic.Bool
}

func openPlatformSource(root string, opts SourceOptions) (Source, error) {
	p, err := windows.UTF16PtrFromString(root)
	if err != nil {
		return nil, err
	}

	attrs := uint32(windows.FILE_FLAG_BACKUP_SEMANTICS | windows.FILE_FLAG_OVERLAPPED)
	if !opts.FollowReparsePoints {
		attrs |= windows.FILE_FLAG_OPEN_REPARSE_POINT
	}

	h, err := windows.CreateFile(p,
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		attrs,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("CreateFile: %w", err)
	}

	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		_ = windows.CloseHandle(h)
		return nil, fmt.Errorf("CreateEvent: %w", err)
	}

	return &dirSource{
		h:       h,
		ov:      &windows.Overlapped{HEvent: ev},
		subtree: opts.Subtree,
	}, nil
}

func (d *dirSource) Read(buf []byte) ([]RawChange, error) {
	if len(buf) < notifyHeaderSize {
		return nil, fmt.Errorf("watcher: read buffer of %d bytes is too small", len(buf))
	}
	if d.cancelled.Load() {
		return nil, ErrCancelled
	}
	if err := windows.ResetEvent(d.ov.HEvent); err != nil {
		return nil, fmt.Errorf("ResetEvent: %w", err)
	}

	err := windows.ReadDirectoryChanges(d.h, &buf[0], uint32(len(buf)), d.subtree, notifyFilter, nil, d.ov, 0)
	if err != nil && !errors.Is(err, windows.ERROR_IO_PENDING) {
		return nil, fmt.Errorf("ReadDirectoryChangesW: %w", err)
	}
	if d.cancelled.Load() {
		_ = windows.CancelIoEx(d.h, d.ov)
	}

	var n uint32
	if err := windows.GetOverlappedResult(d.h, d.ov, &n, true); err != nil {
		if errors.Is(err, windows.ERROR_OPERATION_ABORTED) {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("GetOverlappedResult: %w", err)
	}
	if n == 0 {
		return nil, ErrOverflow
	}
	return ParseNotifyBuffer(buf[:n])
}

// Cancel cancels every pending read on the handle and every later one.
// When no read was pending it returns an error wrapping ERROR_NOT_FOUND so
// the caller can fall back to nudging the directory.
func (d *dirSource) Cancel() error {
	d.cancelled.Store(true)
	if err := windows.CancelIoEx(d.h, nil); err != nil {
		if errors.Is(err, errNotFound) {
			return fmt.Errorf("CancelIoEx: no pending read: %w", err)
		}
		return fmt.Errorf("CancelIoEx: %w", err)
	}
	return nil
}

func (d *dirSource) Close() error {
	err := windows.CloseHandle(d.h)
	if cerr := windows.CloseHandle(d.ov.HEvent); err == nil {
		err = cerr
	}
	return err
}

func isTransient(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case errNotReady, errUnexpNetErr, errNetnameDeleted, errSemTimeout:
		return true
	}
	return false
}
