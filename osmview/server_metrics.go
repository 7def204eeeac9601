package osmview

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var buildInfoMetric = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "osmview",
	Name:      "buildinfo",
}, []string{"version", "revision"})

var buildTimeMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "osmview",
	Name:      "buildtime",
})

func init() {
	prometheus.MustRegister(buildInfoMetric)
	prometheus.MustRegister(buildTimeMetric)
}

// SetBuildInfo initializes static metrics with the version, git hash
// and build time.
func SetBuildInfo(version, commit, date string) {
	buildInfoMetric.WithLabelValues(version, commit).Set(1)
	built, err := time.Parse(time.RFC3339, date)
	if err == nil {
		buildTimeMetric.Set(float64(built.Unix()))
	} else {
		buildTimeMetric.Set(0)
	}
}

type metrics struct {
	// overall requests: count, duration, response size by layer/handler/status
	requests        *prometheus.CounterVec
	responseSize    *prometheus.HistogramVec
	requestDuration *prometheus.HistogramVec
	// tile cache
	cacheEntries   prometheus.Gauge
	cacheSizeBytes prometheus.Gauge
	cacheLimit     prometheus.Gauge
	cacheRequests  *prometheus.CounterVec
	// requests to the underlying source
	sourceRequests *prometheus.CounterVec
	sourceDuration *prometheus.HistogramVec
}

func isCanceled(ctx context.Context) bool {
	return ctx.Err() == context.Canceled
}

// requestTracker times one tile or tilejson request.
type requestTracker struct {
	finished bool
	start    time.Time
	metrics  *metrics
}

func (m *metrics) startRequest() *requestTracker {
	return &requestTracker{start: time.Now(), metrics: m}
}

func (r *requestTracker) finish(ctx context.Context, layer, handler string, status, responseSize int) {
	if r.finished {
		return
	}
	r.finished = true
	statusString := strconv.Itoa(status)
	// exclude layer from "not found" metrics to limit cardinality on
	// requests for nonexistent layers
	if status == 404 {
		layer = ""
	} else if isCanceled(ctx) {
		statusString = "canceled"
	}

	labels := []string{layer, handler, statusString}
	r.metrics.requests.WithLabelValues(labels...).Inc()
	r.metrics.responseSize.WithLabelValues(labels...).Observe(float64(responseSize))
	r.metrics.requestDuration.WithLabelValues(labels...).Observe(time.Since(r.start).Seconds())
}

// sourceTracker times one fetch from the underlying tile source.
type sourceTracker struct {
	finished bool
	start    time.Time
	metrics  *metrics
	layer    string
}

func (m *metrics) startSourceRequest(layer string) *sourceTracker {
	return &sourceTracker{start: time.Now(), metrics: m, layer: layer}
}

func (r *sourceTracker) finish(ctx context.Context, status string) {
	if r.finished {
		return
	}
	r.finished = true
	if isCanceled(ctx) {
		status = "canceled"
	}
	r.metrics.sourceRequests.WithLabelValues(r.layer, status).Inc()
	r.metrics.sourceDuration.WithLabelValues(r.layer, status).Observe(time.Since(r.start).Seconds())
}

func (m *metrics) initCacheStats(limitBytes int) {
	m.cacheLimit.Set(float64(limitBytes))
	m.updateCacheStats(0, 0)
}

func (m *metrics) updateCacheStats(sizeBytes, entries int) {
	m.cacheEntries.Set(float64(entries))
	m.cacheSizeBytes.Set(float64(sizeBytes))
}

func (m *metrics) cacheRequest(layer, status string) {
	m.cacheRequests.WithLabelValues(layer, status).Inc()
}

func register[K prometheus.Collector](logger *zap.Logger, metric K) K {
	if err := prometheus.Register(metric); err != nil {
		logger.Warn("metric registration", zap.Error(err))
	}
	return metric
}

func createMetrics(scope string, logger *zap.Logger) *metrics {
	namespace := "osmview"
	durationBuckets := prometheus.DefBuckets
	kib := 1024.0
	sizeBuckets := []float64{1.0 * kib, 5.0 * kib, 10.0 * kib, 25.0 * kib, 50.0 * kib, 100 * kib, 250 * kib, 500 * kib, 1024 * kib}

	return &metrics{
		requests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "requests_total",
			Help:      "Overall number of requests to the service",
		}, []string{"layer", "handler", "status"})),
		responseSize: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "response_size_bytes",
			Help:      "Overall response size in bytes",
			Buckets:   sizeBuckets,
		}, []string{"layer", "handler", "status"})),
		requestDuration: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "request_duration_seconds",
			Help:      "Overall request duration in seconds",
			Buckets:   durationBuckets,
		}, []string{"layer", "handler", "status"})),
		cacheEntries: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "cache_entries",
			Help:      "Number of tiles in the cache",
		})),
		cacheSizeBytes: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "cache_size_bytes",
			Help:      "Current tile cache usage in bytes",
		})),
		cacheLimit: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "cache_limit_bytes",
			Help:      "Maximum tile cache size in bytes",
		})),
		cacheRequests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "cache_requests",
			Help:      "Requests to the tile cache by layer and status (hit/miss)",
		}, []string{"layer", "status"})),
		sourceRequests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "source_requests_total",
			Help:      "Requests to the underlying tile source",
		}, []string{"layer", "status"})),
		sourceDuration: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "source_request_duration_seconds",
			Help:      "Tile source fetch duration in seconds",
			Buckets:   durationBuckets,
		}, []string{"layer", "status"})),
	}
}

// view controller metrics, separate from the tile path

type viewMetrics struct {
	commits  *prometheus.CounterVec
	failures prometheus.Counter
}

func createViewMetrics(logger *zap.Logger) *viewMetrics {
	return &viewMetrics{
		commits: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "osmview",
			Subsystem: "view",
			Name:      "commits_total",
			Help:      "Committed view changes by operation",
		}, []string{"op"})),
		failures: register(logger, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "osmview",
			Subsystem: "view",
			Name:      "validation_failures_total",
			Help:      "Navigations rejected for non-numeric coordinate input",
		})),
	}
}
