package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/dupwatch/internal/syncx"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultBatchSize    = 32

	// clickable notifications stay clickable this long
	clickTTL      = 24 * time.Hour
	clickCapacity = 1024
)

// Pending is an outbox entry that has not been acknowledged yet.
type Pending struct {
	ID           int64
	Notification Notification
}

// Outbox is the durable at-least-once store behind the Dispatcher.
type Outbox interface {
	Enqueue(ctx context.Context, n Notification) error
	Dequeue(ctx context.Context, max int) ([]Pending, error)
	Ack(ctx context.Context, ids []int64) error
	Depth() int
}

// Console receives short human-readable status lines.
type Console interface {
	Log(msg string)
}

// DispatcherOptions configures a Dispatcher. Zero fields take defaults.
type DispatcherOptions struct {
	PollInterval time.Duration
	BatchSize    int
	// Opener opens clicked files. Defaults to the platform opener.
	Opener  Opener
	Console Console
	Logger  *slog.Logger
}

// Dispatcher implements Notifier on top of an Outbox and drains it into a
// Sink. With a nil Outbox notifications are delivered synchronously.
type Dispatcher struct {
	outbox Outbox
	sink   Sink
	opts   DispatcherOptions
	logger *slog.Logger
	clicks *syncx.TTLCache[string, string]

	delivered syncx.Counter
	failed    syncx.Counter
	blocked   syncx.Counter
}

// NewDispatcher returns a Dispatcher delivering to sink.
func NewDispatcher(outbox Outbox, sink Sink, opts DispatcherOptions) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Opener == nil {
		opts.Opener = SystemOpener{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if sink == nil {
		sink = LogSink{Logger: opts.Logger}
	}
	return &Dispatcher{
		outbox: outbox,
		sink:   sink,
		opts:   opts,
		logger: opts.Logger,
		clicks: syncx.NewTTLCache[string, string](clickCapacity, clickTTL),
	}
}

// Notify stores n in the outbox, or delivers it directly when there is none.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if d.outbox == nil {
		return d.deliver(ctx, n)
	}
	if err := d.outbox.Enqueue(ctx, n); err != nil {
		return fmt.Errorf("notify: enqueue: %w", err)
	}
	return nil
}

// Run drains the outbox until ctx is cancelled. Entries are acknowledged
// only after the sink accepted them; a failed delivery stops the batch so
// the entry is retried on the next poll.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.outbox == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("notify: drain failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DrainOnce delivers one batch and returns the number of acknowledged
// entries.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	if d.outbox == nil {
		return 0, nil
	}
	batch, err := d.outbox.Dequeue(ctx, d.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("notify: dequeue: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	acked := make([]int64, 0, len(batch))
	var deliverErr error
	for _, p := range batch {
		if err := d.deliver(ctx, p.Notification); err != nil {
			deliverErr = err
			break
		}
		acked = append(acked, p.ID)
	}
	if len(acked) > 0 {
		if err := d.outbox.Ack(ctx, acked); err != nil {
			return 0, fmt.Errorf("notify: ack: %w", err)
		}
	}
	return len(acked), deliverErr
}

// deliver hands n to the sink. A clickable notification gets a fresh ID
// that maps back to its path until it expires.
func (d *Dispatcher) deliver(ctx context.Context, n Notification) error {
	if n.Clickable {
		n.ID = uuid.NewString()
		d.clicks.Put(n.ID, n.Path)
	}
	if err := d.sink.Deliver(ctx, n); err != nil {
		if n.ID != "" {
			d.clicks.Delete(n.ID)
		}
		d.failed.Inc()
		return fmt.Errorf("notify: deliver %q: %w", n.Path, err)
	}
	d.delivered.Inc()
	return nil
}

// DispatcherStats is a snapshot of delivery counters.
type DispatcherStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Blocked   int64 `json:"blocked"`
	Pending   int   `json:"pending"`
}

// Stats returns the current delivery counters.
func (d *Dispatcher) Stats() DispatcherStats {
	s := DispatcherStats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Blocked:   d.blocked.Load(),
	}
	if d.outbox != nil {
		s.Pending = d.outbox.Depth()
	}
	return s
}

func (d *Dispatcher) console(msg string) {
	if d.opts.Console != nil {
		d.opts.Console.Log(msg)
	}
}
