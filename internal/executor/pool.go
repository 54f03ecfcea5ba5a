package executor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Pool is a fixed set of worker goroutines fed by a bounded queue.
type Pool struct {
	name    string
	workers int
	queue   chan *Future
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
}

// PoolStats is a point-in-time view of a Pool.
type PoolStats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Active    int64  `json:"active"`
	Queued    int    `json:"queued"`
	Completed int64  `json:"completed"`
}

func newPool(name string, workers, queueSize int, logger *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    name,
		workers: workers,
		queue:   make(chan *Future, queueSize),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	logger.Debug("executor: pool started",
		slog.String("pool", name),
		slog.Int("workers", workers),
		slog.Int("queue_size", queueSize),
	)
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for f := range p.queue {
		if p.ctx.Err() != nil {
			f.Cancel()
			continue
		}
		p.active.Add(1)
		f.run()
		p.active.Add(-1)
		p.completed.Add(1)
	}
}

// Submit queues fn and returns its Future. It blocks while the queue is full
// until space frees up, ctx is done, or the pool shuts down.
func (p *Pool) Submit(ctx context.Context, fn Task) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	f := newFuture(p.ctx, fn)
	select {
	case p.queue <- f:
		return f, nil
	case <-ctx.Done():
		f.Cancel()
		return nil, ctx.Err()
	case <-p.ctx.Done():
		f.Cancel()
		return nil, ErrPoolClosed
	}
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Stats returns the pool's current counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    p.active.Load(),
		Queued:    len(p.queue),
		Completed: p.completed.Load(),
	}
}

// shutdown cancels running tasks, drops queued ones and optionally waits for
// the workers to exit.
func (p *Pool) shutdown(wait bool) {
	p.cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if wait {
			p.wg.Wait()
		}
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	if wait {
		p.wg.Wait()
	}
	p.logger.Debug("executor: pool stopped", slog.String("pool", p.name))
}
