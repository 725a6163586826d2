// Package metrics exposes the engine's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// Collector holds all engine metrics. One instance per process.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal prometheus.Counter

	rendersTotal   *prometheus.CounterVec
	renderDuration *prometheus.HistogramVec
	activeRenders  prometheus.Gauge

	waitTotal    *prometheus.CounterVec
	waitDuration *prometheus.HistogramVec

	batchJobsTotal *prometheus.CounterVec
	batchURLsTotal *prometheus.CounterVec
	activeBatchJob prometheus.Gauge

	rejectedTargetsTotal *prometheus.CounterVec
	errorsTotal          *prometheus.CounterVec

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewCollector creates a Collector registered on the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry creates a Collector on a custom registry (tests).
func NewCollectorWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	c := &Collector{logger: logger}

	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "requests_total",
			Help:      "Total number of render requests processed",
		},
		[]string{"source", "outcome"}, // source: interactive, batch
	)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "request_duration_seconds",
			Help:      "Time taken to process render requests end to end",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source", "outcome"},
	)

	c.cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits by tier",
		},
		[]string{"tier"}, // tier: fast, durable
	)

	c.cacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cache_misses_total",
			Help:      "Total number of full cache misses",
		},
	)

	c.rendersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "renders_total",
			Help:      "Total number of render pipeline runs by outcome",
		},
		[]string{"outcome"}, // success, partial, failed
	)

	c.renderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "render_duration_seconds",
			Help:      "Wall time of render pipeline runs",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"outcome"},
	)

	c.activeRenders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "active_renders",
			Help:      "Number of render permits currently held",
		},
	)

	c.waitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "wait_total",
			Help:      "Total number of requests that waited on a concurrent render",
		},
		[]string{"outcome"}, // success, timeout
	)

	c.waitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting for concurrent renders to complete",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"outcome"},
	)

	c.batchJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "jobs_total",
			Help:      "Total number of batch jobs by final status",
		},
		[]string{"status", "source"}, // source: sitemap, file
	)

	c.batchURLsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "urls_total",
			Help:      "Total number of batch URLs processed by result",
		},
		[]string{"result"}, // completed, failed
	)

	c.activeBatchJob = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "active_jobs",
			Help:      "Number of batch jobs currently running",
		},
	)

	c.rejectedTargetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "rejected_targets_total",
			Help:      "Total number of URLs rejected by target validation",
		},
		[]string{"source"},
	)

	c.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "errors_total",
			Help:      "Total number of errors by type",
		},
		[]string{"error_type"},
	)

	registerer.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.cacheHitsTotal,
		c.cacheMissesTotal,
		c.rendersTotal,
		c.renderDuration,
		c.activeRenders,
		c.waitTotal,
		c.waitDuration,
		c.batchJobsTotal,
		c.batchURLsTotal,
		c.activeBatchJob,
		c.rejectedTargetsTotal,
		c.errorsTotal,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	c.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Debug("Prometheus metrics initialized")
	return c
}

func (c *Collector) RecordRequest(source, outcome string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(source, outcome).Inc()
	c.requestDuration.WithLabelValues(source, outcome).Observe(duration.Seconds())
}

func (c *Collector) RecordCacheHit(tier string)  { c.cacheHitsTotal.WithLabelValues(tier).Inc() }
func (c *Collector) RecordCacheMiss()            { c.cacheMissesTotal.Inc() }
func (c *Collector) RecordRejectedTarget(source string) {
	c.rejectedTargetsTotal.WithLabelValues(source).Inc()
}

func (c *Collector) RecordRender(outcome string, duration time.Duration) {
	c.rendersTotal.WithLabelValues(outcome).Inc()
	c.renderDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (c *Collector) RenderStarted()  { c.activeRenders.Inc() }
func (c *Collector) RenderFinished() { c.activeRenders.Dec() }

func (c *Collector) RecordWait(outcome string, duration time.Duration) {
	c.waitTotal.WithLabelValues(outcome).Inc()
	c.waitDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (c *Collector) BatchJobStarted()  { c.activeBatchJob.Inc() }
func (c *Collector) BatchJobFinished(status, source string) {
	c.activeBatchJob.Dec()
	c.batchJobsTotal.WithLabelValues(status, source).Inc()
}

func (c *Collector) RecordBatchURL(result string) {
	c.batchURLsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordError(errorType string) {
	c.errorsTotal.WithLabelValues(errorType).Inc()
}

// Handler returns the fasthttp handler serving the metrics endpoint.
func (c *Collector) Handler() func(*fasthttp.RequestCtx) {
	return c.httpHandler
}
