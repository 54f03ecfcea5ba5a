package api

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dupwatch"

// collector exports app.Metrics on every scrape. Values are read from the
// controller at collection time, so nothing is cached between scrapes.
type collector struct {
	ctl Controller

	uptime             *prometheus.Desc
	filesSeen          *prometheus.Desc
	duplicates         *prometheus.Desc
	hashes             *prometheus.Desc
	cacheEntries       *prometheus.Desc
	cacheCapacity      *prometheus.Desc
	poolWorkers        *prometheus.Desc
	poolActive         *prometheus.Desc
	poolQueued         *prometheus.Desc
	poolCompleted      *prometheus.Desc
	notifyDelivered    *prometheus.Desc
	notifyFailed       *prometheus.Desc
	notifyBlocked      *prometheus.Desc
	notifyPending      *prometheus.Desc
	monitorUp          *prometheus.Desc
	monitorEvents      *prometheus.Desc
	monitorFiltered    *prometheus.Desc
	monitorDebounced   *prometheus.Desc
	monitorHashed      *prometheus.Desc
	monitorHashErrors  *prometheus.Desc
	monitorPending     *prometheus.Desc
	consoleSubscribers *prometheus.Desc
	consoleDropped     *prometheus.Desc
	journalEntries     *prometheus.Desc
}

func newCollector(ctl Controller) *collector {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &collector{
		ctl:                ctl,
		uptime:             d("uptime_seconds", "Seconds since the service started."),
		filesSeen:          d("files_seen_total", "Files observed by any monitor."),
		duplicates:         d("duplicates_total", "Duplicate content matches."),
		hashes:             d("distinct_hashes", "Distinct content hashes seen this run."),
		cacheEntries:       d("cache_entries", "Hashes held by the persistent cache."),
		cacheCapacity:      d("cache_capacity", "Record slots in the persistent cache."),
		poolWorkers:        d("pool_workers", "Worker goroutines per pool.", "pool"),
		poolActive:         d("pool_active_tasks", "Tasks currently running per pool.", "pool"),
		poolQueued:         d("pool_queued_tasks", "Tasks waiting per pool.", "pool"),
		poolCompleted:      d("pool_completed_tasks_total", "Tasks finished per pool.", "pool"),
		notifyDelivered:    d("notifications_delivered_total", "Notifications delivered to the sink."),
		notifyFailed:       d("notifications_failed_total", "Failed notification deliveries."),
		notifyBlocked:      d("notification_clicks_blocked_total", "Clicks refused for unsafe file types."),
		notifyPending:      d("notifications_pending", "Notifications waiting in the outbox."),
		monitorUp:          d("monitor_up", "1 while the monitor is running.", "handle", "root"),
		monitorEvents:      d("monitor_events_total", "Change events received.", "handle", "root"),
		monitorFiltered:    d("monitor_filtered_total", "Events dropped by the path filter.", "handle", "root"),
		monitorDebounced:   d("monitor_debounced_total", "Events collapsed by the debouncer.", "handle", "root"),
		monitorHashed:      d("monitor_hashed_total", "Files hashed.", "handle", "root"),
		monitorHashErrors:  d("monitor_hash_errors_total", "Files that failed to hash.", "handle", "root"),
		monitorPending:     d("monitor_pending_hashes", "Hash tasks in flight.", "handle", "root"),
		consoleSubscribers: d("console_subscribers", "Live console stream subscribers."),
		consoleDropped:     d("console_dropped_lines_total", "Console lines dropped for slow subscribers."),
		journalEntries:     d("journal_entries", "Findings in the duplicate journal."),
	}
}

// Describe sends every descriptor up front. Labelled series may be absent
// at registration time, so DescribeByCollect would miss them.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.uptime, c.filesSeen, c.duplicates, c.hashes, c.cacheEntries, c.cacheCapacity,
		c.poolWorkers, c.poolActive, c.poolQueued, c.poolCompleted,
		c.notifyDelivered, c.notifyFailed, c.notifyBlocked, c.notifyPending,
		c.monitorUp, c.monitorEvents, c.monitorFiltered, c.monitorDebounced,
		c.monitorHashed, c.monitorHashErrors, c.monitorPending,
		c.consoleSubscribers, c.consoleDropped, c.journalEntries,
	} {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	m := c.ctl.Metrics()
	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}
	counter := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, v, labels...)
	}

	gauge(c.uptime, m.UptimeS)
	counter(c.filesSeen, float64(m.Stats.FilesSeen))
	counter(c.duplicates, float64(m.Stats.Duplicates))
	gauge(c.hashes, float64(m.Stats.Hashes))
	gauge(c.cacheEntries, float64(m.Cache.Entries))
	gauge(c.cacheCapacity, float64(m.Cache.MaxRecords))

	for _, p := range m.Pools {
		gauge(c.poolWorkers, float64(p.Workers), p.Name)
		gauge(c.poolActive, float64(p.Active), p.Name)
		gauge(c.poolQueued, float64(p.Queued), p.Name)
		counter(c.poolCompleted, float64(p.Completed), p.Name)
	}

	counter(c.notifyDelivered, float64(m.Notifications.Delivered))
	counter(c.notifyFailed, float64(m.Notifications.Failed))
	counter(c.notifyBlocked, float64(m.Notifications.Blocked))
	gauge(c.notifyPending, float64(m.Notifications.Pending))

	for _, mi := range m.Monitors {
		h := strconv.FormatUint(uint64(mi.Handle), 10)
		up := 0.0
		if mi.Running {
			up = 1
		}
		gauge(c.monitorUp, up, h, mi.Root)
		counter(c.monitorEvents, float64(mi.Counters.Events), h, mi.Root)
		counter(c.monitorFiltered, float64(mi.Counters.Filtered), h, mi.Root)
		counter(c.monitorDebounced, float64(mi.Counters.Debounced), h, mi.Root)
		counter(c.monitorHashed, float64(mi.Counters.Hashed), h, mi.Root)
		counter(c.monitorHashErrors, float64(mi.Counters.HashErrors), h, mi.Root)
		gauge(c.monitorPending, float64(mi.Counters.Pending), h, mi.Root)
	}

	gauge(c.consoleSubscribers, float64(m.ConsoleSubscribers))
	counter(c.consoleDropped, float64(m.ConsoleDropped))
	gauge(c.journalEntries, float64(m.JournalEntries))
}

// metricsHandler serves the Prometheus text exposition of ctl's metrics
// together with the Go runtime and process collectors.
func metricsHandler(ctl Controller) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newCollector(ctl),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
