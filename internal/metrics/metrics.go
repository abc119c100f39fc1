package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the engine's prometheus metrics on a private registry. Every method is safe to call on a
// nil *Collector so components can run without metrics.
type Collector struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	inflight          *prometheus.GaugeVec
	queued            *prometheus.GaugeVec
	admissionRejected *prometheus.CounterVec
	queueWait         prometheus.Histogram

	prepTotal    *prometheus.CounterVec
	prepDuration prometheus.Histogram

	triggersFired  prometheus.Counter
	claimConflicts prometheus.Counter
	retriesTotal   prometheus.Counter
	streamDropped  prometheus.Counter
	rateLimited    prometheus.Counter
	runnersBusy    prometheus.Gauge

	registry *prometheus.Registry
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnrunner_executions_total",
				Help: "Total number of finished executions",
			},
			[]string{"origin", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fnrunner_execution_duration_seconds",
				Help:    "Wall clock duration of executions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"origin"},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fnrunner_scheduler_inflight",
				Help: "Executions currently holding a slot",
			},
			[]string{"function_id"},
		),
		queued: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fnrunner_scheduler_queued",
				Help: "Requests waiting for a slot",
			},
			[]string{"function_id"},
		),
		admissionRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnrunner_scheduler_rejected_total",
				Help: "Requests rejected at admission",
			},
			[]string{"reason"},
		),
		queueWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fnrunner_scheduler_queue_wait_seconds",
				Help:    "Time spent queued before dispatch",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
		),
		prepTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnrunner_prep_total",
				Help: "Dependency preparations by cache result",
			},
			[]string{"result"},
		),
		prepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fnrunner_prep_duration_seconds",
				Help:    "Duration of dependency builds in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		triggersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fnrunner_triggers_fired_total",
			Help: "Triggers fired by the clock",
		}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fnrunner_trigger_claim_conflicts_total",
			Help: "Due triggers claimed by another evaluator",
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fnrunner_retries_total",
			Help: "Trigger executions re-submitted after a failure",
		}),
		streamDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fnrunner_stream_dropped_records_total",
			Help: "Output records dropped for slow subscribers",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fnrunner_rate_limited_total",
			Help: "Invocations refused by the per function rate limit",
		}),
		runnersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fnrunner_runners_busy",
			Help: "Runners currently executing",
		}),
		registry: registry,
	}

	registry.MustRegister(
		c.executionsTotal,
		c.executionDuration,
		c.inflight,
		c.queued,
		c.admissionRejected,
		c.queueWait,
		c.prepTotal,
		c.prepDuration,
		c.triggersFired,
		c.claimConflicts,
		c.retriesTotal,
		c.streamDropped,
		c.rateLimited,
		c.runnersBusy,
		collectors.NewGoCollector(),
	)

	return c
}

// RecordExecution counts a finished execution
func (c *Collector) RecordExecution(origin, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.executionsTotal.WithLabelValues(origin, status).Inc()
	c.executionDuration.WithLabelValues(origin).Observe(duration.Seconds())
}

// SetLane publishes the in-flight and queued counts of one function
func (c *Collector) SetLane(functionID string, inflight, queued int) {
	if c == nil {
		return
	}
	c.inflight.WithLabelValues(functionID).Set(float64(inflight))
	c.queued.WithLabelValues(functionID).Set(float64(queued))
}

func (c *Collector) RecordRejected(reason string) {
	if c == nil {
		return
	}
	c.admissionRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordQueueWait(d time.Duration) {
	if c == nil {
		return
	}
	c.queueWait.Observe(d.Seconds())
}

// RecordPrep counts a dependency preparation. Builds also record their duration.
func (c *Collector) RecordPrep(hit bool, duration time.Duration) {
	if c == nil {
		return
	}
	if hit {
		c.prepTotal.WithLabelValues("hit").Inc()
		return
	}
	c.prepTotal.WithLabelValues("build").Inc()
	c.prepDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordPrepFailure() {
	if c == nil {
		return
	}
	c.prepTotal.WithLabelValues("failed").Inc()
}

func (c *Collector) RecordTriggerFired() {
	if c == nil {
		return
	}
	c.triggersFired.Inc()
}

func (c *Collector) RecordClaimConflict() {
	if c == nil {
		return
	}
	c.claimConflicts.Inc()
}

func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.retriesTotal.Inc()
}

func (c *Collector) RecordStreamDropped(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.streamDropped.Add(float64(n))
}

func (c *Collector) RecordRateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}

func (c *Collector) RunnerBusy(delta int) {
	if c == nil {
		return
	}
	c.runnersBusy.Add(float64(delta))
}

// Handler returns an HTTP handler for the /metrics endpoint
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the private registry, mainly for tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
