// ============================================================================
// postpilot Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metric families:
//
//   Counters
//     postpilot_jobs_enqueued_total
//     postpilot_jobs_cancelled_total
//     postpilot_jobs_dispatched_total
//     postpilot_jobs_completed_total
//     postpilot_jobs_retried_total
//     postpilot_jobs_exhausted_total
//     postpilot_platform_publish_total{platform, outcome}
//
//   Histograms
//     postpilot_job_latency_seconds       handler run time per attempt
//
//   Gauges
//     postpilot_jobs_pending
//     postpilot_jobs_in_flight
//     postpilot_queue_recovery_seconds
//
// The collector registers on its own registry so several can coexist in one
// process (tests, embedded runtimes). A nil *Collector is valid and records
// nothing.
//
// Useful queries:
//
//   rate(postpilot_jobs_exhausted_total[1h])
//   sum by (platform) (rate(postpilot_platform_publish_total{outcome="failure"}[5m]))
//   histogram_quantile(0.95, rate(postpilot_job_latency_seconds_bucket[5m]))
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "postpilot"

// Collector holds the process metrics.
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued   prometheus.Counter
	jobsCancelled  prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsRetried    prometheus.Counter
	jobsExhausted  prometheus.Counter
	publishes      *prometheus.CounterVec

	jobLatency   prometheus.Histogram
	recoveryTime prometheus.Gauge

	jobsPending  prometheus.Gauge
	jobsInFlight prometheus.Gauge
}

// NewCollector creates a collector registered on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of publish jobs enqueued",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Total number of pending jobs cancelled",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Total number of job attempts handed to workers",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed successfully",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Total number of failed attempts rescheduled with backoff",
		}),
		jobsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_exhausted_total",
			Help:      "Total number of jobs that failed every attempt",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_publish_total",
			Help:      "Per-platform publish attempts by outcome",
		}, []string{"platform", "outcome"}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Job handler latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_recovery_seconds",
			Help:      "Time the queue took to restore its state at startup",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Current number of pending jobs",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Current number of in-flight jobs",
		}),
	}

	c.registry.MustRegister(
		c.jobsEnqueued,
		c.jobsCancelled,
		c.jobsDispatched,
		c.jobsCompleted,
		c.jobsRetried,
		c.jobsExhausted,
		c.publishes,
		c.jobLatency,
		c.recoveryTime,
		c.jobsPending,
		c.jobsInFlight,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RecordEnqueue() {
	if c == nil {
		return
	}
	c.jobsEnqueued.Inc()
}

func (c *Collector) RecordCancel() {
	if c == nil {
		return
	}
	c.jobsCancelled.Inc()
}

func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.jobsDispatched.Inc()
}

// RecordCompleted counts a completed job and observes its attempt latency.
func (c *Collector) RecordCompleted(latency time.Duration) {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latency.Seconds())
}

// RecordRetry counts a failed attempt that will run again.
func (c *Collector) RecordRetry(latency time.Duration) {
	if c == nil {
		return
	}
	c.jobsRetried.Inc()
	c.jobLatency.Observe(latency.Seconds())
}

// RecordExhausted counts a job whose final attempt failed.
func (c *Collector) RecordExhausted(latency time.Duration) {
	if c == nil {
		return
	}
	c.jobsExhausted.Inc()
	c.jobLatency.Observe(latency.Seconds())
}

// RecordPublish counts one platform publish attempt.
func (c *Collector) RecordPublish(platform string, success bool) {
	if c == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.publishes.WithLabelValues(platform, outcome).Inc()
}

func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdateQueueStats sets the pending and in-flight gauges.
func (c *Collector) UpdateQueueStats(pending, inFlight int) {
	if c == nil {
		return
	}
	c.jobsPending.Set(float64(pending))
	c.jobsInFlight.Set(float64(inFlight))
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
