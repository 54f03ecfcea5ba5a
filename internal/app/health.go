package app

import (
	"time"

	"github.com/tripwire/dupwatch/internal/executor"
	"github.com/tripwire/dupwatch/internal/notify"
	"github.com/tripwire/dupwatch/internal/slab"
	"github.com/tripwire/dupwatch/internal/stats"
)

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	// Status is "ok", "degraded" when a monitor ended with an error, or
	// "closed".
	Status       string  `json:"status"`
	UptimeS      float64 `json:"uptime_s"`
	Monitors     int     `json:"monitors"`
	Failed       int     `json:"failed_monitors"`
	QueueDepth   int     `json:"queue_depth"`
	CacheEntries int     `json:"cache_entries"`
}

// Health returns a snapshot of the current service health.
func (s *Service) Health() HealthStatus {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	h := HealthStatus{
		Status:  "ok",
		UptimeS: time.Since(s.startTime).Seconds(),
	}
	if closed {
		h.Status = "closed"
		return h
	}

	for _, mi := range s.Monitors() {
		h.Monitors++
		if mi.Err != "" {
			h.Failed++
		}
	}
	if h.Failed > 0 {
		h.Status = "degraded"
	}
	h.QueueDepth = s.outbox.Depth()
	h.CacheEntries = s.cache.Len()
	return h
}

// Metrics is everything the metrics endpoint exports.
type Metrics struct {
	UptimeS            float64
	Stats              stats.Snapshot
	Cache              slab.Stats
	Pools              []executor.PoolStats
	Notifications      notify.DispatcherStats
	Monitors           []MonitorInfo
	ConsoleSubscribers int
	ConsoleDropped     int64
	JournalEntries     int64
}

// Metrics gathers a point-in-time view of every counter.
func (s *Service) Metrics() Metrics {
	m := Metrics{
		UptimeS:            time.Since(s.startTime).Seconds(),
		Stats:              s.stats.Snapshot(),
		Cache:              s.cache.Stats(),
		Pools:              s.exec.Stats(),
		Notifications:      s.dispatcher.Stats(),
		Monitors:           s.Monitors(),
		ConsoleSubscribers: s.console.Subscribers(),
		ConsoleDropped:     s.console.Dropped(),
	}
	if s.journal != nil {
		m.JournalEntries = s.journal.Len()
	}
	return m
}
