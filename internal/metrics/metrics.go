// Package metrics exposes scheduler activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/jobpool/pkg/model"
)

// Collector holds the pool's metrics on a private registry. All methods are
// safe on a nil *Collector, which records nothing.
type Collector struct {
	registry *prometheus.Registry

	passes           prometheus.Counter
	passDuration     prometheus.Histogram
	fatalErrors      prometheus.Counter
	submits          prometheus.Counter
	submitErrors     prometheus.Counter
	terminalFailures prometheus.Counter
	jobsCreated      prometheus.Counter
	uploads          prometheus.Counter

	jobsByStatus *prometheus.GaugeVec
	queueRunning prometheus.Gauge
	queueQueued  prometheus.Gauge
}

// NewCollector creates a Collector with Go runtime and process metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobpool_passes_total",
			Help: "Total number of scheduler passes",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobpool_pass_duration_seconds",
			Help:    "Scheduler pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		fatalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobpool_fatal_errors_total",
			Help: "Passes aborted by an unreachable queue or store",
		}),
		submits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobpool_submits_total",
			Help: "Jobs accepted by the batch queue",
		}),
		submitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobpool_submit_errors_total",
			Help: "Jobs rejected by the batch queue",
		}),
		terminalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobpool_terminal_failures_total",
			Help: "Jobs that exhausted their attempts",
		}),
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobpool_jobs_created_total",
			Help: "Jobs created from grouped files",
		}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobpool_uploads_total",
			Help: "Jobs handed off to the upload collaborator",
		}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobpool_jobs",
			Help: "Current number of jobs per status",
		}, []string{"status"}),
		queueRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobpool_queue_running",
			Help: "Jobs running on the batch queue",
		}),
		queueQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobpool_queue_queued",
			Help: "Jobs waiting on the batch queue",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.passes,
		c.passDuration,
		c.fatalErrors,
		c.submits,
		c.submitErrors,
		c.terminalFailures,
		c.jobsCreated,
		c.uploads,
		c.jobsByStatus,
		c.queueRunning,
		c.queueQueued,
	)
	return c
}

// Registry returns the registry the metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordPass records one scheduler pass; fatal marks an aborted pass.
func (c *Collector) RecordPass(d time.Duration, fatal bool) {
	if c == nil {
		return
	}
	c.passes.Inc()
	c.passDuration.Observe(d.Seconds())
	if fatal {
		c.fatalErrors.Inc()
	}
}

func (c *Collector) RecordSubmit() {
	if c == nil {
		return
	}
	c.submits.Inc()
}

func (c *Collector) RecordSubmitError() {
	if c == nil {
		return
	}
	c.submitErrors.Inc()
}

func (c *Collector) RecordTerminalFailure() {
	if c == nil {
		return
	}
	c.terminalFailures.Inc()
}

func (c *Collector) RecordJobCreated() {
	if c == nil {
		return
	}
	c.jobsCreated.Inc()
}

func (c *Collector) RecordUpload() {
	if c == nil {
		return
	}
	c.uploads.Inc()
}

// SetJobCounts replaces the per-status gauges. Statuses missing from summary
// are reported as zero.
func (c *Collector) SetJobCounts(summary model.JobSummary) {
	if c == nil {
		return
	}
	for _, s := range model.AllJobStatuses {
		c.jobsByStatus.WithLabelValues(string(s)).Set(float64(summary[s]))
	}
}

// SetQueue records the batch queue occupancy.
func (c *Collector) SetQueue(running, queued int) {
	if c == nil {
		return
	}
	c.queueRunning.Set(float64(running))
	c.queueQueued.Set(float64(queued))
}
