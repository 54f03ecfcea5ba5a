// Package executor provides the named worker pools used for content hashing.
//
// An Executor lazily creates at most one hashing pool and one smaller backup
// pool. Both are sized from the CPU count with a ceiling. Shutdown tears both
// pools down and refuses new work until Restart is called, after which the
// pools are recreated on first use.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
)

var (
	// ErrShutdown is returned when work is requested after Shutdown.
	ErrShutdown = errors.New("executor: shut down")
	// ErrPoolClosed is returned by Submit on a pool that has been torn down.
	ErrPoolClosed = errors.New("executor: pool closed")
	// ErrCancelled is the error of a future cancelled before it ran.
	ErrCancelled = errors.New("executor: task cancelled")
)

const (
	maxHashWorkers   = 8
	maxBackupWorkers = 2
	defaultQueueSize = 1024
)

// Config sizes the pools. Zero fields take defaults.
type Config struct {
	HashWorkers   int
	BackupWorkers int
	QueueSize     int
}

// DefaultHashWorkers returns min(NumCPU, 8).
func DefaultHashWorkers() int {
	return min(runtime.NumCPU(), maxHashWorkers)
}

func (c Config) withDefaults() Config {
	if c.HashWorkers <= 0 {
		c.HashWorkers = DefaultHashWorkers()
	}
	if c.BackupWorkers <= 0 {
		c.BackupWorkers = min(maxBackupWorkers, c.HashWorkers)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// Executor owns the hashing and backup pools.
type Executor struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	hashing *Pool
	backup  *Pool
	down    bool
}

// New returns an Executor. No goroutines are started until a pool is first
// requested.
func New(cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg.withDefaults(), logger: logger}
}

// Hashing returns the hashing pool, creating it on first use.
func (e *Executor) Hashing() (*Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.down {
		return nil, ErrShutdown
	}
	if e.hashing == nil {
		e.hashing = newPool("hashing", e.cfg.HashWorkers, e.cfg.QueueSize, e.logger)
	}
	return e.hashing, nil
}

// Backup returns the backup pool, creating it on first use.
func (e *Executor) Backup() (*Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.down {
		return nil, ErrShutdown
	}
	if e.backup == nil {
		e.backup = newPool("backup", e.cfg.BackupWorkers, e.cfg.QueueSize, e.logger)
	}
	return e.backup, nil
}

// Submit queues fn on the hashing pool.
func (e *Executor) Submit(ctx context.Context, fn Task) (*Future, error) {
	p, err := e.Hashing()
	if err != nil {
		return nil, err
	}
	return p.Submit(ctx, fn)
}

// Shutdown tears down both pools. Queued tasks are cancelled and running
// tasks see their context cancelled. With wait set, Shutdown blocks until
// every worker has exited.
func (e *Executor) Shutdown(wait bool) {
	e.mu.Lock()
	pools := []*Pool{e.hashing, e.backup}
	e.hashing, e.backup = nil, nil
	e.down = true
	e.mu.Unlock()

	for _, p := range pools {
		if p != nil {
			p.shutdown(wait)
		}
	}
	e.logger.Info("executor: shut down")
}

// Restart makes the executor usable again after Shutdown.
func (e *Executor) Restart() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.down = false
}

// Stats reports the pools that currently exist.
func (e *Executor) Stats() []PoolStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []PoolStats
	for _, p := range []*Pool{e.hashing, e.backup} {
		if p != nil {
			out = append(out, p.Stats())
		}
	}
	return out
}
