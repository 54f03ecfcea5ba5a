// Package monitor turns the change stream of one watched root into duplicate
// detection work.
//
// A Processor filters and debounces each event, writes a console line,
// optionally raises a notification and, for added and modified files, hands
// the path to the shared hashing pool. Hash results are appended to the
// persistent cache and checked against the process-wide first-seen map. A
// Monitor wires a watcher.Session to a Processor and runs the optional
// initial scan of the root.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tripwire/dupwatch/internal/executor"
	"github.com/tripwire/dupwatch/internal/hasher"
	"github.com/tripwire/dupwatch/internal/journal"
	"github.com/tripwire/dupwatch/internal/notify"
	"github.com/tripwire/dupwatch/internal/stats"
	"github.com/tripwire/dupwatch/internal/syncx"
	"github.com/tripwire/dupwatch/internal/watcher"
)

const (
	DefaultFileTimeout     = 10 * time.Second
	DefaultChunkTimeout    = 60 * time.Second
	DefaultSpiderChunkSize = 64
	DefaultCancelWait      = 250 * time.Millisecond

	mtimeCapacity        = 16384
	notificationDuration = 2 * time.Second
)

var errStopped = errors.New("monitor: processor stopped")

// Submitter runs hashing tasks. *executor.Executor and *executor.Pool
// satisfy it.
type Submitter interface {
	Submit(ctx context.Context, fn executor.Task) (*executor.Future, error)
}

// HashStore is the persistent set of content hashes seen so far.
type HashStore interface {
	Has(hash uint64) bool
	Append(hash, flags uint64) error
}

// Console receives human-readable activity lines.
type Console interface {
	Log(msg string)
}

// Journal keeps a durable record of duplicate findings.
type Journal interface {
	Record(f journal.Finding) (journal.Entry, error)
}

// Config configures one Processor. Zero durations and sizes take defaults.
type Config struct {
	Root              string
	Filter            Filter
	Notifications     bool
	CheckCurrentFiles bool

	DebounceWindow         time.Duration
	ModifiedRehashInterval time.Duration

	Hash            hasher.Options
	FileTimeout     time.Duration
	ChunkTimeout    time.Duration
	SpiderChunkSize int
	// CancelWait bounds how long Stop waits for running hash tasks.
	CancelWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.FileTimeout <= 0 {
		c.FileTimeout = DefaultFileTimeout
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = DefaultChunkTimeout
	}
	if c.SpiderChunkSize <= 0 {
		c.SpiderChunkSize = DefaultSpiderChunkSize
	}
	if c.CancelWait <= 0 {
		c.CancelWait = DefaultCancelWait
	}
	return c
}

// Deps are the shared services a Processor works against. Pool, Cache and
// Stats are required.
type Deps struct {
	Pool     Submitter
	Cache    HashStore
	Stats    *stats.Stats
	Console  Console
	Notifier notify.Notifier
	Journal  Journal
	Logger   *slog.Logger
}

// Counters is a snapshot of a Processor's activity.
type Counters struct {
	Events     int64 `json:"events"`
	Filtered   int64 `json:"filtered"`
	Debounced  int64 `json:"debounced"`
	Hashed     int64 `json:"hashed"`
	HashErrors int64 `json:"hash_errors"`
	MTimeSkips int64 `json:"mtime_skips"`
	Pending    int   `json:"pending"`
}

// Processor handles the events of one root.
type Processor struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	debounce *Debouncer
	mtimes   *lru.Cache[string, time.Time]
	pending  *syncx.Set[*executor.Future]
	running  syncx.Flag

	renameMu    sync.Mutex
	renamedFrom string

	events     syncx.Counter
	filtered   syncx.Counter
	debounced  syncx.Counter
	hashed     syncx.Counter
	hashErrors syncx.Counter
	mtimeSkips syncx.Counter
}

// NewProcessor returns a running Processor for cfg.Root.
func NewProcessor(cfg Config, deps Deps) (*Processor, error) {
	if deps.Pool == nil || deps.Cache == nil || deps.Stats == nil {
		return nil, errors.New("monitor: pool, cache and stats are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	mtimes, err := lru.New[string, time.Time](mtimeCapacity)
	if err != nil {
		return nil, fmt.Errorf("monitor: mtime cache: %w", err)
	}

	cfg = cfg.withDefaults()
	p := &Processor{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With(slog.String("root", cfg.Root)),
		debounce: NewDebouncer(cfg.DebounceWindow, cfg.ModifiedRehashInterval),
		mtimes:   mtimes,
		pending:  syncx.NewSet[*executor.Future](),
	}
	p.running.Set(true)
	return p, nil
}

// Running reports whether the processor still accepts work.
func (p *Processor) Running() bool { return p.running.Get() }

// Handle filters, debounces and processes one event.
func (p *Processor) Handle(ctx context.Context, ev watcher.ChangeEvent) {
	p.events.Inc()
	if !p.cfg.Filter.Allow(ev.Path) {
		p.filtered.Inc()
		return
	}
	if !p.debounce.Accept(ev.Path, ev.Action) {
		p.debounced.Inc()
		return
	}
	p.process(ctx, ev)
}

func (p *Processor) process(ctx context.Context, ev watcher.ChangeEvent) {
	name := filepath.Base(ev.Path)
	p.trackFile(name, ev.Path)

	switch ev.Action {
	case watcher.ActionAdded:
		p.console(fmt.Sprintf("User: %s Created: %s", ev.Username, ev.Path))
		p.notify(ctx, ev)
		p.checkFileAsync(ctx, ev.Path)
	case watcher.ActionRemoved:
		p.console(fmt.Sprintf("User: %s Deleted: %s", ev.Username, ev.Path))
		p.notify(ctx, ev)
	case watcher.ActionModified:
		p.console(fmt.Sprintf("User: %s Modified: %s", ev.Username, ev.Path))
		p.notify(ctx, ev)
		p.checkFileAsync(ctx, ev.Path)
	case watcher.ActionRenamedFrom:
		p.renameMu.Lock()
		p.renamedFrom = name
		p.renameMu.Unlock()
	case watcher.ActionRenamedTo:
		p.renameMu.Lock()
		old := p.renamedFrom
		p.renamedFrom = ""
		p.renameMu.Unlock()
		p.console(fmt.Sprintf("User: %s renamed: [%s] to: [%s]\nPath: %s", ev.Username, old, name, ev.Path))
	default:
		p.console(fmt.Sprintf("Unknown action: %s", ev.Path))
		p.logger.Warn("monitor: unknown action",
			slog.String("action", ev.Action.String()),
			slog.String("path", ev.Path),
		)
	}
}

// trackFile counts path when it is still a regular file.
func (p *Processor) trackFile(name, path string) {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return
	}
	p.deps.Stats.TrackFile(name)
}

func (p *Processor) notify(ctx context.Context, ev watcher.ChangeEvent) {
	if !p.cfg.Notifications || p.deps.Notifier == nil {
		return
	}

	n := notify.Notification{
		Path:      ev.Path,
		Action:    ev.Action.String(),
		Duration:  notificationDuration,
		CreatedAt: ev.Timestamp,
	}
	shown := p.displayPath(ev.Path)
	switch ev.Action {
	case watcher.ActionAdded:
		n.Title, n.Message, n.Clickable = "Click to open file", "File added\n"+shown, true
	case watcher.ActionRemoved:
		n.Title, n.Message = "Click to close notification", "File removed\n"+shown
	case watcher.ActionModified:
		n.Title, n.Message, n.Clickable = "Click to open file", "File modified\n"+shown, true
	default:
		return
	}

	if err := p.deps.Notifier.Notify(ctx, n); err != nil {
		p.logger.Error("monitor: notification failed", slog.String("path", ev.Path), slog.Any("error", err))
	}
}

// displayPath shortens path to its part below the root.
func (p *Processor) displayPath(path string) string {
	if rel, err := filepath.Rel(p.cfg.Root, path); err == nil && rel != "." {
		return rel
	}
	return path
}

// checkFileAsync submits path for hashing unless it vanished, is a
// directory, or its modification time is unchanged since the last hash.
func (p *Processor) checkFileAsync(ctx context.Context, path string) *executor.Future {
	fi, err := os.Stat(path)
	if err != nil {
		p.logger.Debug("monitor: file disappeared before hashing", slog.String("path", path))
		return nil
	}
	if fi.IsDir() {
		return nil
	}
	if m, ok := p.mtimes.Get(path); ok && m.Equal(fi.ModTime()) {
		p.mtimeSkips.Inc()
		p.logger.Debug("monitor: skipping hash, mtime unchanged", slog.String("path", path))
		return nil
	}

	fut, err := p.submit(ctx, path)
	if err != nil {
		p.logger.Error("monitor: submit hash job", slog.String("path", path), slog.Any("error", err))
		return nil
	}
	return fut
}

// submit queues a hash task for path and tracks its future until it is done.
func (p *Processor) submit(ctx context.Context, path string) (*executor.Future, error) {
	if !p.running.Get() {
		return nil, errStopped
	}
	fut, err := p.deps.Pool.Submit(ctx, func(tctx context.Context) error {
		return p.hashFile(tctx, path)
	})
	if err != nil {
		return nil, err
	}
	p.pending.Add(fut)
	fut.OnDone(func() { p.pending.Remove(fut) })
	return fut, nil
}

func (p *Processor) hashFile(ctx context.Context, path string) error {
	if !p.running.Get() {
		return errStopped
	}

	sum, err := hasher.File(ctx, path, p.cfg.Hash)
	if err != nil {
		p.hashErrors.Inc()
		switch {
		case errors.Is(err, context.Canceled):
		case errors.Is(err, hasher.ErrEmptyFile):
			p.logger.Debug("monitor: nothing to hash", slog.String("path", path))
		default:
			p.logger.Error("monitor: hash failed", slog.String("path", path), slog.Any("error", err))
		}
		return err
	}
	p.hashed.Inc()
	p.mtimes.Add(path, sum.ModTime)

	if !p.deps.Cache.Has(sum.Hash) {
		if err := p.deps.Cache.Append(sum.Hash, 0); err != nil {
			p.logger.Error("monitor: cache append failed",
				slog.String("path", path),
				slog.Any("error", err),
			)
		}
	}
	p.checkHashFast(path, sum.Hash)
	return nil
}

// checkHashFast registers path as a holder of hash and reports a duplicate
// when an earlier, different path holds it.
func (p *Processor) checkHashFast(path string, hash uint64) {
	first, dup := p.deps.Stats.RecordHash(hash, path)
	if !dup {
		return
	}
	p.console(fmt.Sprintf("Duplicate found: %s matches %s", path, first))
	if p.deps.Journal == nil {
		return
	}
	_, err := p.deps.Journal.Record(journal.Finding{
		Hash:     journal.FormatHash(hash),
		Path:     path,
		Original: first,
		Root:     p.cfg.Root,
	})
	if err != nil && !errors.Is(err, journal.ErrClosed) {
		p.logger.Error("monitor: journal record failed", slog.String("path", path), slog.Any("error", err))
	}
}

// Stop refuses new work, cancels every pending hash task and waits up to
// CancelWait for the ones already running. It is idempotent.
func (p *Processor) Stop() {
	if !p.running.SetIf(true, false) {
		return
	}

	futures := p.pending.Drain()
	if len(futures) == 0 {
		return
	}

	cancelled := 0
	for _, f := range futures {
		if f.Cancel() {
			cancelled++
		}
	}

	left := 0
	deadline := time.NewTimer(p.cfg.CancelWait)
	defer deadline.Stop()
wait:
	for i, f := range futures {
		select {
		case <-f.Done():
		case <-deadline.C:
			for _, r := range futures[i:] {
				select {
				case <-r.Done():
				default:
					left++
				}
			}
			break wait
		}
	}

	if left > 0 {
		p.logger.Debug("monitor: hashing tasks still running after cancel", slog.Int("remaining", left))
	}
	if cancelled > 0 {
		p.logger.Debug("monitor: cancelled pending hashing tasks", slog.Int("cancelled", cancelled))
	}
}

// Counters returns the processor's activity counters.
func (p *Processor) Counters() Counters {
	return Counters{
		Events:     p.events.Load(),
		Filtered:   p.filtered.Load(),
		Debounced:  p.debounced.Load(),
		Hashed:     p.hashed.Load(),
		HashErrors: p.hashErrors.Load(),
		MTimeSkips: p.mtimeSkips.Load(),
		Pending:    p.pending.Len(),
	}
}

func (p *Processor) console(msg string) {
	if p.deps.Console != nil {
		p.deps.Console.Log(msg)
	}
}
