package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/pipeline/internal/orchestrator"
)

// DefaultNamespace prefixes every exported metric name.
const DefaultNamespace = "pipeline"

// StatsSource is anything that can produce a scheduler statistics snapshot.
type StatsSource interface {
	Statistics() orchestrator.Statistics
}

// Collector exports a StatsSource snapshot on every scrape.
type Collector struct {
	source StatsSource

	queued         *prometheus.Desc
	processed      *prometheus.Desc
	completed      *prometheus.Desc
	failed         *prometheus.Desc
	rejected       *prometheus.Desc
	retried        *prometheus.Desc
	timeouts       *prometheus.Desc
	cancelled      *prometheus.Desc
	deadlineMisses *prometheus.Desc
	anomalies      *prometheus.Desc

	running       *prometheus.Desc
	queueLength   *prometheus.Desc
	retryPending  *prometheus.Desc
	activeWorkers *prometheus.Desc
	workers       *prometheus.Desc
	avgLatency    *prometheus.Desc

	committed *prometheus.Desc
	limit     *prometheus.Desc
}

// NewCollector creates a collector for source. An empty namespace uses
// DefaultNamespace.
func NewCollector(source StatsSource, namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}

	return &Collector{
		source: source,

		queued:         desc("tasks_queued_total", "Tasks accepted for scheduling"),
		processed:      desc("tasks_processed_total", "Tasks that reached a terminal state"),
		completed:      desc("tasks_completed_total", "Tasks that completed successfully"),
		failed:         desc("tasks_failed_total", "Tasks that failed, including cancellations"),
		rejected:       desc("tasks_rejected_total", "Submissions rejected before queueing"),
		retried:        desc("task_retries_total", "Retry attempts scheduled"),
		timeouts:       desc("task_timeouts_total", "Attempts that exceeded their timeout"),
		cancelled:      desc("tasks_cancelled_total", "Tasks cancelled by shutdown"),
		deadlineMisses: desc("deadline_misses_total", "Tasks started after their deadline"),
		anomalies:      desc("ledger_anomalies_total", "Resource releases that would have underflowed"),

		running:       desc("tasks_running", "Attempts currently executing"),
		queueLength:   desc("queue_length", "Tasks waiting in the priority queue"),
		retryPending:  desc("retries_pending", "Failed attempts waiting out their backoff"),
		activeWorkers: desc("workers_active", "Workers not in the idle state"),
		workers:       desc("workers", "Size of the worker pool"),
		avgLatency:    desc("task_latency_avg_seconds", "Moving average attempt duration"),

		committed: desc("resources_committed", "Resources committed to running tasks", "resource"),
		limit:     desc("resources_limit", "Configured resource limits", "resource"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queued, c.processed, c.completed, c.failed, c.rejected,
		c.retried, c.timeouts, c.cancelled, c.deadlineMisses, c.anomalies,
		c.running, c.queueLength, c.retryPending, c.activeWorkers, c.workers,
		c.avgLatency, c.committed, c.limit,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Statistics()

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.queued, s.TotalQueued)
	counter(c.processed, s.TotalProcessed)
	counter(c.completed, s.Completed)
	counter(c.failed, s.Failed)
	counter(c.rejected, s.Rejected)
	counter(c.retried, s.Retried)
	counter(c.timeouts, s.Timeouts)
	counter(c.cancelled, s.Cancelled)
	counter(c.deadlineMisses, s.DeadlineMisses)
	counter(c.anomalies, s.Anomalies)

	gauge(c.running, float64(s.Running))
	gauge(c.queueLength, float64(s.QueueLength))
	gauge(c.retryPending, float64(s.RetryPending))
	gauge(c.activeWorkers, float64(s.ActiveWorkers))
	gauge(c.workers, float64(s.Workers))
	gauge(c.avgLatency, s.AvgLatency.Seconds())

	used, lim := s.Resources.Committed, s.Resources.Limits
	gauge(c.committed, float64(used.MemoryMB), "memory_mb")
	gauge(c.committed, used.CPUPercent, "cpu_percent")
	gauge(c.committed, used.NetworkMbps, "network_mbps")
	gauge(c.committed, float64(used.StorageMB), "storage_mb")
	gauge(c.committed, float64(s.Resources.Running), "tasks")

	gauge(c.limit, float64(lim.MemoryMB), "memory_mb")
	gauge(c.limit, lim.CPUPercent, "cpu_percent")
	gauge(c.limit, lim.NetworkMbps, "network_mbps")
	gauge(c.limit, float64(lim.StorageMB), "storage_mb")
	gauge(c.limit, float64(lim.MaxConcurrentTasks), "tasks")
}

// Handler returns an HTTP handler serving the collector from its own
// registry, alongside the Go runtime and process collectors.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	for _, col := range []prometheus.Collector{
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
