package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tripwire/dupwatch/internal/watcher"
)

// Monitor runs one root: an optional initial scan, then the watch session
// feeding the Processor in order.
type Monitor struct {
	session *watcher.Session
	proc    *Processor
	logger  *slog.Logger

	started  chan struct{}
	stopOnce sync.Once
}

// New prepares a Monitor for cfg.Root. No handle is opened until Run.
func New(cfg Config, deps Deps, wopts watcher.Options) (*Monitor, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if wopts.Logger == nil {
		wopts.Logger = deps.Logger
	}
	session, err := watcher.NewSession(cfg.Root, wopts)
	if err != nil {
		return nil, err
	}
	cfg.Root = session.Root()

	proc, err := NewProcessor(cfg, deps)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		session: session,
		proc:    proc,
		logger:  deps.Logger.With(slog.String("root", cfg.Root)),
		started: make(chan struct{}),
	}, nil
}

// Root returns the absolute watched root.
func (m *Monitor) Root() string { return m.session.Root() }

// Processor returns the monitor's event processor.
func (m *Monitor) Processor() *Processor { return m.proc }

// Session returns the underlying watch session.
func (m *Monitor) Session() *watcher.Session { return m.session }

// Started is closed once the watch handle is open and events flow.
func (m *Monitor) Started() <-chan struct{} { return m.started }

// Run scans the root when configured, starts the session and processes its
// events until the session ends or ctx is cancelled. A failure to open the
// watch handle is returned directly; a session that gave up after repeated
// errors is reported through its error. Cancellation returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	root := m.Root()
	defer m.proc.console(fmt.Sprintf("Monitoring stopped for %s", root))

	if m.proc.cfg.CheckCurrentFiles {
		m.proc.console(fmt.Sprintf("Starting initial file discovery for %s", root))
		if _, err := m.proc.Spider(ctx); err != nil {
			m.logger.Error("monitor: initial discovery failed", slog.Any("error", err))
		}
		m.proc.console(fmt.Sprintf("Initial file discovery completed for %s", root))
	}

	if !m.proc.Running() || ctx.Err() != nil {
		m.Stop()
		return nil
	}
	if err := m.session.Start(); err != nil {
		m.proc.Stop()
		return err
	}
	m.proc.console(fmt.Sprintf("Monitoring started for %s", root))
	close(m.started)

	events := m.session.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				m.proc.Stop()
				return m.session.Err()
			}
			m.proc.Handle(ctx, ev)
		case <-ctx.Done():
			m.Stop()
			return nil
		}
	}
}

// Stop halts hashing and then the watch session. It is idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Debug("monitor: stopping")
		m.proc.Stop()
		m.session.Stop()
	})
}
