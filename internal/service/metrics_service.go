package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll loop termination reasons.
const (
	PollReasonStable    = "stable"
	PollReasonError     = "error"
	PollReasonCancelled = "cancelled"
	PollReasonTimeout   = "timeout"
)

// MetricsService encapsulates Prometheus instrumentation for the gateway and the assessment client.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	upstreamTotal   *prometheus.CounterVec
	pollActive      prometheus.Gauge
	pollFinished    *prometheus.CounterVec
	pollFetches     prometheus.Counter
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	cacheHitCount  uint64
	cacheMissCount uint64
}

// NewMetricsService registers the collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	upstreamLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "assessment_api_request_duration_seconds",
		Help:    "Latency of requests to the assessment service",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	upstreamTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assessment_api_requests_total",
		Help: "Requests to the assessment service by operation and outcome",
	}, []string{"operation", "outcome"})

	pollActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "assessment_poll_loops_active",
		Help: "Status polling loops currently running",
	})

	pollFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assessment_poll_loops_finished_total",
		Help: "Status polling loops that exited, by reason",
	}, []string{"reason"})

	pollFetches := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "assessment_poll_fetches_total",
		Help: "Status fetches issued by polling loops",
	})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapshot_cache_latency_seconds",
		Help:    "Latency for snapshot cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapshot_cache_write_seconds",
		Help:    "Latency for snapshot cache writes",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "snapshot_cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_cache_misses_total",
		Help: "Total cache misses",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, upstreamLatency, upstreamTotal, pollActive, pollFinished, pollFetches,
		cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		upstreamLatency: upstreamLatency,
		upstreamTotal:   upstreamTotal,
		pollActive:      pollActive,
		pollFinished:    pollFinished,
		pollFetches:     pollFetches,
		cacheLatency:    cacheLatency,
		cacheWrite:      cacheWrite,
		cacheHitRatio:   cacheHitRatio,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry returns the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records gateway request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveUpstream records one request to the assessment service. outcome is
// "ok", "request_failed", "network_failure" or "invalid".
func (m *MetricsService) ObserveUpstream(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.upstreamLatency.WithLabelValues(operation).Observe(duration.Seconds())
	m.upstreamTotal.WithLabelValues(operation, outcome).Inc()
}

// PollStarted marks a polling loop as running.
func (m *MetricsService) PollStarted() {
	if m == nil {
		return
	}
	m.pollActive.Inc()
}

// PollFetched counts one status fetch issued by a polling loop.
func (m *MetricsService) PollFetched() {
	if m == nil {
		return
	}
	m.pollFetches.Inc()
}

// PollFinished marks a polling loop as exited for the given reason.
func (m *MetricsService) PollFinished(reason string) {
	if m == nil {
		return
	}
	m.pollActive.Dec()
	m.pollFinished.WithLabelValues(reason).Inc()
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	total := hits + misses
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil || m.cacheWrite == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}
