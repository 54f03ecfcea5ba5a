// Package notify carries user-facing change notifications from the monitors
// to a delivery sink. Notifications are written to a durable outbox first and
// delivered in batches by the Dispatcher routine, so a slow or unavailable
// sink never blocks event processing.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Notification is one user-facing message about a file change.
type Notification struct {
	// ID is assigned by the Dispatcher when a clickable notification is
	// delivered. Dispatcher.Click accepts only IDs it issued.
	ID      string `json:"id,omitempty"`
	Title   string `json:"title"`
	Message string `json:"message"`
	// Path is the absolute path of the file the notification is about.
	Path   string `json:"path"`
	Action string `json:"action"`
	// Clickable marks notifications whose click opens Path.
	Clickable bool          `json:"clickable"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// Notifier accepts notifications for delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Sink presents a notification to the user.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogSink delivers notifications as structured log records. It is the sink
// used when no desktop integration is configured.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver logs n at info level.
func (s LogSink) Deliver(_ context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notify: "+n.Title,
		slog.String("message", n.Message),
		slog.String("path", n.Path),
		slog.String("action", n.Action),
		slog.Bool("clickable", n.Clickable),
	)
	return nil
}
