package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tripwire/dupwatch/internal/syncx"
)

// NudgeFileName is the sentinel created and deleted inside the root to
// unblock a pending read when the direct cancellation call fails.
const NudgeFileName = "~.dupwatch_nudge.tmp"

const (
	DefaultBufferSize       = 64 << 10
	DefaultMaxErrors        = 10
	DefaultFastPollInterval = 50 * time.Millisecond
	DefaultErrorInterval    = time.Second
	DefaultCancelGrace      = 100 * time.Millisecond
	DefaultEventBuffer      = 256
)

// Options configures a Session.
type Options struct {
	BufferSize int
	// MaxErrors is the number of consecutive non-transient read errors
	// tolerated before the loop gives up.
	MaxErrors        int
	FastPollInterval time.Duration
	ErrorInterval    time.Duration
	// CancelGrace bounds how long Stop waits for the pending read to
	// return before leaving the close to the loop.
	CancelGrace time.Duration
	EventBuffer int

	Subtree             bool
	FollowReparsePoints bool

	// OpenSource opens the change source. Defaults to the platform source.
	OpenSource func(root string, opts SourceOptions) (Source, error)
	// ResolveUser maps an absolute path to the acting user name. Defaults
	// to ResolveUsername.
	ResolveUser func(path string) string

	Logger *slog.Logger
}

// DefaultOptions returns Options watching the whole subtree with default
// intervals.
func DefaultOptions() Options {
	return Options{Subtree: true}.WithDefaults()
}

// WithDefaults fills zero fields with their defaults.
func (o Options) WithDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = DefaultMaxErrors
	}
	if o.FastPollInterval <= 0 {
		o.FastPollInterval = DefaultFastPollInterval
	}
	if o.ErrorInterval <= 0 {
		o.ErrorInterval = DefaultErrorInterval
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = DefaultCancelGrace
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.OpenSource == nil {
		o.OpenSource = OpenSource
	}
	if o.ResolveUser == nil {
		o.ResolveUser = ResolveUsername
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// ChangeEvent is one change under a watched root.
type ChangeEvent struct {
	Action    Action
	Name      string
	Path      string
	Username  string
	Timestamp time.Time
}

// Session is the watch loop for one root.
type Session struct {
	root   string
	opts   Options
	logger *slog.Logger

	buf      []byte
	errCount int

	running  syncx.Flag
	started  bool
	startMu  sync.Mutex
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	events   chan ChangeEvent

	mu        sync.Mutex
	src       Source
	srcClosed bool

	errMu sync.Mutex
	err   error
}

// NewSession validates root and prepares a Session. No handle is opened
// until Start.
func NewSession(root string, opts Options) (*Session, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("watcher: resolve %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("watcher: stat %q: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watcher: %q is not a directory", abs)
	}

	opts = opts.WithDefaults()
	return &Session{
		root:     abs,
		opts:     opts,
		logger:   opts.Logger.With(slog.String("root", abs)),
		buf:      make([]byte, opts.BufferSize),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		events:   make(chan ChangeEvent, opts.EventBuffer),
	}, nil
}

// Root returns the absolute watched root.
func (s *Session) Root() string { return s.root }

// Start opens the change source and launches the watch loop. A failure to
// open the handle is returned to the caller and nothing is started.
func (s *Session) Start() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	select {
	case <-s.stopping:
		return fmt.Errorf("watcher: session for %q already stopped", s.root)
	default:
	}
	if s.started {
		return fmt.Errorf("watcher: session for %q already started", s.root)
	}

	src, err := s.opts.OpenSource(s.root, s.sourceOptions())
	if err != nil {
		return fmt.Errorf("watcher: open %q: %w", s.root, err)
	}
	s.mu.Lock()
	s.src = src
	s.mu.Unlock()

	s.started = true
	s.running.Set(true)
	go s.run()

	s.logger.Info("watcher: session started",
		slog.Bool("subtree", s.opts.Subtree),
		slog.Int("buffer_size", len(s.buf)),
	)
	return nil
}

// Events returns the ordered change stream. It is closed when the loop
// exits.
func (s *Session) Events() <-chan ChangeEvent { return s.events }

// Done is closed once the loop has exited and the handle is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that terminated the loop, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Running reports whether the loop is active.
func (s *Session) Running() bool { return s.running.Get() }

// Stop clears the running flag, cancels the pending read (nudging the root
// when cancellation fails) and waits up to CancelGrace for the loop to exit.
// If the read is still pending after the grace period the loop closes the
// handle itself once the read returns. Stop is idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.startMu.Lock()
		s.running.Set(false)
		close(s.stopping)
		started := s.started
		s.startMu.Unlock()
		if !started {
			close(s.events)
			close(s.done)
			return
		}

		s.cancelRead()

		timer := time.NewTimer(s.opts.CancelGrace)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			s.logger.Warn("watcher: read still pending after cancel, handle closes when it returns",
				slog.Duration("grace", s.opts.CancelGrace))
		}
	})
}

func (s *Session) run() {
	defer close(s.done)
	defer s.closeSource()
	defer close(s.events)

	for s.running.Get() {
		changes, err := s.source().Read(s.buf)
		if !s.running.Get() {
			return
		}
		if err != nil {
			if !s.handleReadError(err) {
				return
			}
			if len(changes) == 0 {
				continue
			}
		} else {
			s.errCount = 0
		}

		if len(changes) == 0 {
			s.sleep(s.opts.FastPollInterval)
			continue
		}

		for _, ch := range changes {
			if !s.running.Get() {
				return
			}
			if filepath.Base(ch.Name) == NudgeFileName {
				continue
			}
			select {
			case s.events <- s.newEvent(ch):
			case <-s.stopping:
				return
			}
		}
	}
}

// handleReadError applies the failure policy and reports whether the loop
// should continue.
func (s *Session) handleReadError(err error) bool {
	switch {
	case errors.Is(err, ErrCancelled):
		return true
	case errors.Is(err, ErrMalformedBuffer):
		s.logger.Error("watcher: discarding rest of notification batch", slog.Any("error", err))
		return true
	case errors.Is(err, ErrOverflow):
		s.logger.Warn("watcher: change buffer overflowed, some changes were lost")
		return true
	case IsTransient(err):
		s.logger.Debug("watcher: transient read error", slog.Any("error", err))
		if _, failed := s.source().(failedSource); failed {
			s.reopen()
		}
		s.sleep(s.opts.FastPollInterval)
		return true
	}

	s.errCount++
	s.logger.Error("watcher: read failed",
		slog.Any("error", err),
		slog.Int("consecutive_errors", s.errCount),
		slog.Int("max_errors", s.opts.MaxErrors),
	)
	if s.errCount > s.opts.MaxErrors {
		s.setErr(fmt.Errorf("watcher: %s: giving up after %d consecutive errors: %w", s.root, s.errCount, err))
		s.running.Set(false)
		return false
	}

	s.reopen()
	s.sleep(s.opts.ErrorInterval)
	return true
}

func (s *Session) newEvent(ch RawChange) ChangeEvent {
	path := filepath.Join(s.root, filepath.FromSlash(ch.Name))
	return ChangeEvent{
		Action:    ch.Action,
		Name:      ch.Name,
		Path:      path,
		Username:  s.opts.ResolveUser(path),
		Timestamp: time.Now(),
	}
}

func (s *Session) sourceOptions() SourceOptions {
	return SourceOptions{Subtree: s.opts.Subtree, FollowReparsePoints: s.opts.FollowReparsePoints}
}

func (s *Session) source() Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src
}

// reopen replaces the handle after a non-transient error. A failed reopen
// leaves a source that keeps returning the open error, so the failure counts
// towards MaxErrors on the next cycle.
func (s *Session) reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srcClosed {
		return
	}
	if err := s.src.Close(); err != nil {
		s.logger.Debug("watcher: close before reopen failed", slog.Any("error", err))
	}
	src, err := s.opts.OpenSource(s.root, s.sourceOptions())
	if err != nil {
		s.logger.Warn("watcher: reopen failed", slog.Any("error", err))
		s.src = failedSource{err: err}
		return
	}
	s.src = src
}

func (s *Session) closeSource() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srcClosed || s.src == nil {
		return
	}
	s.srcClosed = true
	if err := s.src.Close(); err != nil {
		s.logger.Warn("watcher: close failed", slog.Any("error", err))
	}
}

func (s *Session) cancelRead() {
	src := s.source()
	if src == nil {
		return
	}
	if err := src.Cancel(); err != nil {
		s.logger.Debug("watcher: cancel failed, nudging", slog.Any("error", err))
		s.nudge()
	}
}

// nudge forces a change notification by creating and deleting a sentinel
// file in the root.
func (s *Session) nudge() {
	p := filepath.Join(s.root, NudgeFileName)
	f, err := os.Create(p)
	if err != nil {
		s.logger.Warn("watcher: nudge failed", slog.Any("error", err))
		return
	}
	_ = f.Close()
	if err := os.Remove(p); err != nil {
		s.logger.Debug("watcher: remove nudge file", slog.Any("error", err))
	}
}

func (s *Session) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.stopping:
	}
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.err = err
}

type failedSource struct{ err error }

func (f failedSource) Read([]byte) ([]RawChange, error) { return nil, f.err }
func (failedSource) Cancel() error                     { return nil }
func (failedSource) Close() error                      { return nil }
