//go:build !windows

package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
)

// maxBatch caps how many queued events one Read drains.
const maxBatch = 256

// notifySource adapts fsnotify to the Source contract. Renames surface as
// RenamedFrom for the old name and Added for the new one.
type notifySource struct {
	root    string
	subtree bool
	w       *fsnotify.Watcher
	cancel  chan struct{}
}

func openPlatformSource(root string, opts SourceOptions) (Source, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s := &notifySource{
		root:    root,
		subtree: opts.Subtree,
		w:       w,
		cancel:  make(chan struct{}, 1),
	}
	if err := w.Add(root); err != nil {
		_ = w.Close()
		return nil, err
	}
	if opts.Subtree {
		s.addTree(root)
	}
	return s, nil
}

// addTree watches every directory below dir. Unreadable directories are
// skipped.
func (s *notifySource) addTree(dir string) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() && p != s.root {
			_ = s.w.Add(p)
		}
		return nil
	})
}

func (s *notifySource) Read(_ []byte) ([]RawChange, error) {
	select {
	case <-s.cancel:
		return nil, ErrCancelled
	case err, ok := <-s.w.Errors:
		if !ok {
			return nil, ErrCancelled
		}
		if errors.Is(err, fsnotify.ErrEventOverflow) {
			return nil, ErrOverflow
		}
		return nil, err
	case ev, ok := <-s.w.Events:
		if !ok {
			return nil, ErrCancelled
		}
		out := s.translate(nil, ev)
		for len(out) < maxBatch {
			select {
			case ev, ok := <-s.w.Events:
				if !ok {
					return out, nil
				}
				out = s.translate(out, ev)
			default:
				return out, nil
			}
		}
		return out, nil
	}
}

func (s *notifySource) translate(out []RawChange, ev fsnotify.Event) []RawChange {
	rel, err := filepath.Rel(s.root, ev.Name)
	if err != nil || rel == "." {
		return out
	}

	var action Action
	switch {
	case ev.Has(fsnotify.Create):
		action = ActionAdded
		if s.subtree {
			s.watchIfDir(ev.Name)
		}
	case ev.Has(fsnotify.Remove):
		action = ActionRemoved
	case ev.Has(fsnotify.Rename):
		action = ActionRenamedFrom
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		action = ActionModified
	default:
		return out
	}
	return append(out, RawChange{Action: action, Name: rel})
}

func (s *notifySource) watchIfDir(p string) {
	if fi, err := os.Stat(p); err == nil && fi.IsDir() {
		s.addTree(p)
	}
}

// Cancel unblocks a pending Read. Extra cancels are coalesced.
func (s *notifySource) Cancel() error {
	select {
	case s.cancel <- struct{}{}:
	default:
	}
	return nil
}

func (s *notifySource) Close() error {
	return s.w.Close()
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)
}
