// Package app contains the dupwatch service. It owns the process-wide
// collaborators (the slab cache, the hashing executor, the statistics, the
// console, the duplicate journal and the notification dispatcher) and
// supervises one monitor per
// watched root through the lifecycle registry.
//
// Monitors are addressed by Handle. A handle stays valid until StopMonitor or
// Close; a monitor whose watch loop gave up keeps its handle so the failure
// can be inspected, and calling StartMonitor again for the same root
// replaces it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tripwire/dupwatch/internal/config"
	"github.com/tripwire/dupwatch/internal/console"
	"github.com/tripwire/dupwatch/internal/executor"
	"github.com/tripwire/dupwatch/internal/hasher"
	"github.com/tripwire/dupwatch/internal/journal"
	"github.com/tripwire/dupwatch/internal/lifecycle"
	"github.com/tripwire/dupwatch/internal/monitor"
	"github.com/tripwire/dupwatch/internal/notify"
	"github.com/tripwire/dupwatch/internal/queue"
	"github.com/tripwire/dupwatch/internal/slab"
	"github.com/tripwire/dupwatch/internal/stats"
	"github.com/tripwire/dupwatch/internal/watcher"
)

const (
	stopTimeout   = 5 * time.Second
	pruneInterval = time.Hour
	pruneAge      = 24 * time.Hour

	keyFlush    = "cache:flush"
	keyDispatch = "notify:dispatch"
	keyPrune    = "notify:prune"
)

var (
	// ErrUnknownHandle is returned for handles that were never issued or
	// have been stopped.
	ErrUnknownHandle = errors.New("app: unknown monitor handle")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("app: service closed")
)

// Handle identifies a running monitor.
type Handle uint64

// MonitorOptions are the per-root switches of StartMonitor.
type MonitorOptions struct {
	CheckCurrentFiles       bool `json:"check_current_files"`
	Notifications           bool `json:"notifications"`
	ExcludeSystemExtensions bool `json:"exclude_system_extensions"`
	ExcludeTempExtensions   bool `json:"exclude_temp_extensions"`
}

// OptionsFromRoot converts a configured root into MonitorOptions.
func OptionsFromRoot(rc config.RootConfig) MonitorOptions {
	return MonitorOptions{
		CheckCurrentFiles:       rc.CheckCurrentFiles,
		Notifications:           rc.Notifications,
		ExcludeSystemExtensions: rc.ExcludeSystemExtensions,
		ExcludeTempExtensions:   rc.ExcludeTempExtensions,
	}
}

// MonitorInfo describes one monitor.
type MonitorInfo struct {
	Handle   Handle           `json:"handle"`
	Root     string           `json:"root"`
	Running  bool             `json:"running"`
	Started  time.Time        `json:"started"`
	Err      string           `json:"error,omitempty"`
	Counters monitor.Counters `json:"counters"`
}

type managed struct {
	handle  Handle
	key     string
	mon     *monitor.Monitor
	started time.Time

	mu  sync.Mutex
	err error
}

func (m *managed) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *managed) getErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Service is the dupwatch process. It is safe for concurrent use.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	cache      *slab.Cache
	exec       *executor.Executor
	registry   *lifecycle.Registry
	stats      *stats.Stats
	console    *console.Console
	outbox     *queue.SQLiteQueue
	dispatcher *notify.Dispatcher
	journal    *journal.Journal

	sink       notify.Sink
	opener     notify.Opener
	openSource func(root string, opts watcher.SourceOptions) (watcher.Source, error)

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	mu       sync.Mutex
	next     Handle
	monitors map[Handle]*managed
	byRoot   map[string]Handle
	closed   bool
}

// Option is a functional option for Service construction.
type Option func(*Service)

// WithSink sets where notifications are delivered. Defaults to the log.
func WithSink(sink notify.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithOpener sets how clicked notification files are opened.
func WithOpener(o notify.Opener) Option {
	return func(s *Service) { s.opener = o }
}

// WithSourceOpener replaces the platform change source for every monitor.
func WithSourceOpener(fn func(root string, opts watcher.SourceOptions) (watcher.Source, error)) Option {
	return func(s *Service) { s.openSource = fn }
}

// New opens the slab cache and the notification outbox and starts the
// background routines. A cache that cannot be mapped is returned as an
// error and nothing is left running.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:       cfg,
		logger:    logger,
		monitors:  make(map[Handle]*managed),
		byRoot:    make(map[string]Handle),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	cache, err := slab.Open(cfg.Cache.Path, slab.Options{MaxRecords: cfg.Cache.MaxRecords, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("app: open cache: %w", err)
	}
	s.cache = cache

	if p := cfg.Notify.QueuePath; p != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			_ = cache.Close()
			return nil, fmt.Errorf("app: create outbox directory: %w", err)
		}
	}
	outbox, err := queue.New(cfg.Notify.QueuePath)
	if err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("app: open notification outbox: %w", err)
	}
	s.outbox = outbox

	if !cfg.Journal.Disabled {
		j, err := openJournal(cfg.Journal)
		if err != nil {
			_ = outbox.Close()
			_ = cache.Close()
			return nil, err
		}
		s.journal = j
	}

	s.exec = executor.New(executor.Config{
		HashWorkers:   cfg.Hashing.Workers,
		BackupWorkers: cfg.Hashing.BackupWorkers,
		QueueSize:     cfg.Hashing.QueueSize,
	}, logger)
	s.registry = lifecycle.New(logger)
	s.stats = stats.New()
	s.console = console.New(logger, 0, 0)
	s.dispatcher = notify.NewDispatcher(outbox, s.sink, notify.DispatcherOptions{
		PollInterval: cfg.Notify.PollInterval,
		BatchSize:    cfg.Notify.BatchSize,
		Opener:       s.opener,
		Console:      s.console,
		Logger:       logger,
	})

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.registry.StartIfNeeded(s.ctx, keyFlush, s.flushLoop)
	s.registry.StartIfNeeded(s.ctx, keyDispatch, s.dispatcher.Run)
	s.registry.StartIfNeeded(s.ctx, keyPrune, s.pruneLoop)

	logger.Info("app: service ready",
		slog.String("cache_path", cache.Path()),
		slog.Int("cache_entries", cache.Len()),
		slog.String("outbox_path", cfg.Notify.QueuePath),
		slog.Bool("journal", s.journal != nil),
	)
	return s, nil
}

// Start starts a monitor for every configured root and returns the first
// start error. Roots that started keep running.
func (s *Service) Start(ctx context.Context) error {
	var g errgroup.Group
	for _, rc := range s.cfg.Roots {
		rc := rc // per-iteration copy; go.mod targets go1.21 loop semantics
		g.Go(func() error {
			if _, err := s.StartMonitor(ctx, rc.Path, OptionsFromRoot(rc)); err != nil {
				s.logger.Error("app: monitor failed to start",
					slog.String("root", rc.Path),
					slog.Any("error", err),
				)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// StartMonitor starts watching root and returns its handle. A root that is
// already being watched returns the existing handle. Without an initial scan
// the call returns once the watch handle is open, so a failure to open it is
// returned here; with a scan the failure is reported through Monitor.
func (s *Service) StartMonitor(ctx context.Context, root string, opts MonitorOptions) (Handle, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return 0, fmt.Errorf("app: resolve %q: %w", root, err)
	}
	rk := rootKey(abs)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if h, ok := s.byRoot[rk]; ok {
		if m := s.monitors[h]; m != nil && s.registry.IsAlive(m.key) {
			s.mu.Unlock()
			return h, nil
		}
		s.forgetLocked(h)
	}

	mon, err := monitor.New(s.monitorConfig(abs, opts), s.monitorDeps(), s.watchOptions())
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("app: start monitor: %w", err)
	}

	s.next++
	m := &managed{
		handle:  s.next,
		key:     "monitor:" + rk,
		mon:     mon,
		started: time.Now(),
	}
	s.monitors[m.handle] = m
	s.byRoot[rk] = m.handle
	s.registry.StartIfNeeded(s.ctx, m.key, func(rctx context.Context) {
		err := mon.Run(rctx)
		m.setErr(err)
		if err != nil {
			s.logger.Error("app: monitor ended", slog.String("root", mon.Root()), slog.Any("error", err))
		}
	})
	done := s.registry.Done(m.key)
	s.mu.Unlock()

	s.logger.Info("app: monitor registered",
		slog.Uint64("handle", uint64(m.handle)),
		slog.String("root", mon.Root()),
		slog.Bool("check_current_files", opts.CheckCurrentFiles),
		slog.Bool("notifications", opts.Notifications),
	)

	if opts.CheckCurrentFiles {
		return m.handle, nil
	}
	select {
	case <-mon.Started():
		return m.handle, nil
	case <-done:
		err := m.getErr()
		s.mu.Lock()
		s.forgetLocked(m.handle)
		s.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("app: monitor for %q stopped before it started", mon.Root())
		}
		return 0, err
	case <-ctx.Done():
		s.mu.Lock()
		s.forgetLocked(m.handle)
		s.mu.Unlock()
		s.stopManaged(m)
		return 0, ctx.Err()
	}
}

// StopMonitor stops the monitor and releases its handle.
func (s *Service) StopMonitor(h Handle) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	m, ok := s.monitors[h]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownHandle
	}
	s.forgetLocked(h)
	s.mu.Unlock()

	s.stopManaged(m)
	return nil
}

// GetStats returns the shared duplicate statistics as seen through h.
func (s *Service) GetStats(h Handle) (stats.Snapshot, error) {
	if _, err := s.lookup(h); err != nil {
		return stats.Snapshot{}, err
	}
	return s.stats.Snapshot(), nil
}

// GetCacheStats returns the slab summary.
func (s *Service) GetCacheStats() slab.Stats {
	return s.cache.Stats()
}

// Monitor describes the monitor behind h.
func (s *Service) Monitor(h Handle) (MonitorInfo, error) {
	m, err := s.lookup(h)
	if err != nil {
		return MonitorInfo{}, err
	}
	return s.info(m), nil
}

// Monitors describes every monitor ordered by handle.
func (s *Service) Monitors() []MonitorInfo {
	s.mu.Lock()
	ms := make([]*managed, 0, len(s.monitors))
	for _, m := range s.monitors {
		ms = append(ms, m)
	}
	s.mu.Unlock()

	sort.Slice(ms, func(i, j int) bool { return ms[i].handle < ms[j].handle })
	out := make([]MonitorInfo, 0, len(ms))
	for _, m := range ms {
		out = append(out, s.info(m))
	}
	return out
}

// Console returns the activity console.
func (s *Service) Console() *console.Console { return s.console }

// Click opens the file behind the delivered notification with the given ID.
func (s *Service) Click(id string) error { return s.dispatcher.Click(id) }

// Duplicates returns up to limit of the most recent journaled findings,
// oldest first. It is empty when the journal is disabled.
func (s *Service) Duplicates(limit int) []journal.Entry {
	if s.journal == nil {
		return nil
	}
	return s.journal.Recent(limit)
}

// Close stops every monitor, then the hashing pools and background
// routines, and finally closes the cache, the outbox and the journal. It is
// idempotent.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ms := make([]*managed, 0, len(s.monitors))
	for h, m := range s.monitors {
		ms = append(ms, m)
		delete(s.monitors, h)
	}
	clear(s.byRoot)
	s.mu.Unlock()

	for _, m := range ms {
		m.mon.Stop()
	}
	s.exec.Shutdown(true)
	if !s.registry.ShutdownAll(stopTimeout) {
		s.logger.Warn("app: some routines did not stop in time")
	}
	s.cancel()

	var errs []error
	if err := s.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("app: close cache: %w", err))
	}
	if err := s.outbox.Close(); err != nil {
		errs = append(errs, fmt.Errorf("app: close outbox: %w", err))
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: close journal: %w", err))
		}
	}
	s.console.Close()

	s.logger.Info("app: service closed", slog.Int("monitors", len(ms)))
	return errors.Join(errs...)
}

func (s *Service) lookup(h Handle) (*managed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	m, ok := s.monitors[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return m, nil
}

func (s *Service) info(m *managed) MonitorInfo {
	mi := MonitorInfo{
		Handle:   m.handle,
		Root:     m.mon.Root(),
		Running:  s.registry.IsAlive(m.key) && m.mon.Processor().Running(),
		Started:  m.started,
		Counters: m.mon.Processor().Counters(),
	}
	if err := m.getErr(); err != nil {
		mi.Err = err.Error()
	}
	return mi
}

// forgetLocked drops h from the maps. The caller holds s.mu.
func (s *Service) forgetLocked(h Handle) {
	m, ok := s.monitors[h]
	if !ok {
		return
	}
	delete(s.monitors, h)
	if s.byRoot[rootKey(m.mon.Root())] == h {
		delete(s.byRoot, rootKey(m.mon.Root()))
	}
}

func (s *Service) stopManaged(m *managed) {
	m.mon.Stop()
	if !s.registry.Shutdown(m.key, stopTimeout) {
		s.logger.Warn("app: monitor did not stop in time", slog.String("root", m.mon.Root()))
	}
	s.logger.Info("app: monitor stopped",
		slog.Uint64("handle", uint64(m.handle)),
		slog.String("root", m.mon.Root()),
	)
}

func (s *Service) monitorConfig(root string, opts MonitorOptions) monitor.Config {
	return monitor.Config{
		Root: root,
		Filter: monitor.Filter{
			Excluded:      s.cfg.ExcludedSegments(),
			ExcludeSystem: opts.ExcludeSystemExtensions,
			ExcludeTemp:   opts.ExcludeTempExtensions,
		},
		Notifications:          opts.Notifications,
		CheckCurrentFiles:      opts.CheckCurrentFiles,
		DebounceWindow:         s.cfg.Watch.DebounceWindow,
		ModifiedRehashInterval: s.cfg.Watch.ModifiedRehashInterval,
		Hash: hasher.Options{
			MaxFileBytes: s.cfg.Hashing.MaxFileBytes,
			SampleBytes:  s.cfg.Hashing.SampleBytes,
		},
		FileTimeout:     s.cfg.Hashing.FileTimeout,
		ChunkTimeout:    s.cfg.Hashing.ChunkTimeout,
		SpiderChunkSize: s.cfg.Hashing.SpiderChunkSize,
	}
}

func (s *Service) monitorDeps() monitor.Deps {
	return monitor.Deps{
		Pool:     s.exec,
		Cache:    s.cache,
		Stats:    s.stats,
		Console:  s.console,
		Notifier: s.dispatcher,
		Journal:  s.journalDep(),
		Logger:   s.logger,
	}
}

// journalDep keeps a disabled journal a nil interface rather than a typed
// nil pointer.
func (s *Service) journalDep() monitor.Journal {
	if s.journal == nil {
		return nil
	}
	return s.journal
}

func openJournal(cfg config.JournalConfig) (*journal.Journal, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("app: create journal directory: %w", err)
	}
	j, err := journal.Open(cfg.Path, cfg.Keep)
	if err != nil {
		return nil, fmt.Errorf("app: open journal: %w", err)
	}
	return j, nil
}

func (s *Service) watchOptions() watcher.Options {
	w := s.cfg.Watch
	return watcher.Options{
		BufferSize:          w.BufferSize,
		MaxErrors:           w.MaxErrors,
		FastPollInterval:    w.FastPollInterval,
		ErrorInterval:       w.ErrorInterval,
		CancelGrace:         w.CancelGrace,
		Subtree:             true,
		FollowReparsePoints: w.FollowReparsePoints,
		OpenSource:          s.openSource,
		Logger:              s.logger,
	}
}

func (s *Service) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Cache.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.cache.Flush(); err != nil && !errors.Is(err, slab.ErrClosed) {
				s.logger.Warn("app: cache flush failed", slog.Any("error", err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.outbox.Prune(ctx, time.Now().Add(-pruneAge))
			if err != nil {
				s.logger.Warn("app: outbox prune failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				s.logger.Debug("app: outbox pruned", slog.Int64("rows", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// rootKey folds case on Windows, where paths compare case-insensitively.
func rootKey(abs string) string {
	abs = filepath.Clean(abs)
	if runtime.GOOS == "windows" {
		return strings.ToLower(abs)
	}
	return abs
}
