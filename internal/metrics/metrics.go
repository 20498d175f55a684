// Package metrics provides Prometheus metrics for the endpoint logger.
package metrics

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for exchange and backend latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Capture directions used as the "direction" label.
const (
	DirectionRequest  = "request"
	DirectionResponse = "response"
)

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	Registry *prometheus.Registry

	ExchangesTotal    *prometheus.CounterVec
	ExchangesInFlight prometheus.Gauge
	ExchangeDuration  *prometheus.HistogramVec

	CapturedBytes    *prometheus.CounterVec
	CaptureTruncated *prometheus.CounterVec
	GateRejections   prometheus.Counter

	BackendResponses *prometheus.CounterVec
	BackendDuration  *prometheus.HistogramVec

	StorageAppendErrors   prometheus.Counter
	StorageAppendDuration prometheus.Histogram

	AdminRequestsTotal   *prometheus.CounterVec
	AdminRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ExchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "endpoint_logger_exchanges_total",
			Help: "Total finalized exchanges by terminal status.",
		}, []string{"status"}),

		ExchangesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "endpoint_logger_exchanges_in_flight",
			Help: "Number of exchanges currently holding a concurrency slot.",
		}),

		ExchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "endpoint_logger_exchange_duration_seconds",
			Help:    "Exchange duration from first request byte to last response byte.",
			Buckets: defaultBuckets,
		}, []string{"status"}),

		CapturedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "endpoint_logger_captured_bytes_total",
			Help: "Body bytes observed in transit, by direction.",
		}, []string{"direction"}),

		CaptureTruncated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "endpoint_logger_capture_truncated_total",
			Help: "Bodies whose capture hit the configured limit, by direction.",
		}, []string{"direction"}),

		GateRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "endpoint_logger_gate_rejections_total",
			Help: "Requests rejected because the proxy was at capacity.",
		}),

		BackendResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "endpoint_logger_backend_responses_total",
			Help: "Total backend responses by method and status code.",
		}, []string{"method", "status_code"}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "endpoint_logger_backend_request_duration_seconds",
			Help:    "Time until the backend returned response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		StorageAppendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "endpoint_logger_storage_append_errors_total",
			Help: "Exchange records that could not be persisted after all retries.",
		}),

		StorageAppendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "endpoint_logger_storage_append_duration_seconds",
			Help:    "Storage append latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		AdminRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "endpoint_logger_admin_requests_total",
			Help: "Total admin API requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		AdminRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "endpoint_logger_admin_request_duration_seconds",
			Help:    "Admin API request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),
	}

	reg.MustRegister(
		m.ExchangesTotal,
		m.ExchangesInFlight,
		m.ExchangeDuration,
		m.CapturedBytes,
		m.CaptureTruncated,
		m.GateRejections,
		m.BackendResponses,
		m.BackendDuration,
		m.StorageAppendErrors,
		m.StorageAppendDuration,
		m.AdminRequestsTotal,
		m.AdminRequestDuration,
	)

	return m
}

// ObserveBackend records one backend response.
func (m *Metrics) ObserveBackend(method string, statusCode int, seconds float64) {
	method = NormalizeMethod(method)
	m.BackendResponses.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	m.BackendDuration.WithLabelValues(method).Observe(seconds)
}

// ObserveCapture records the bytes seen for one body and whether capture was truncated.
func (m *Metrics) ObserveCapture(direction string, size int64, truncated bool) {
	if size > 0 {
		m.CapturedBytes.WithLabelValues(direction).Add(float64(size))
	}
	if truncated {
		m.CaptureTruncated.WithLabelValues(direction).Inc()
	}
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed admin path label values (bounded cardinality).
var knownPrefixes = []string{"/exchanges", "/healthz", "/health_check", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
