package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamcast"

// Recorder owns the process's Prometheus collectors: HTTP request metrics,
// stream lifecycle counters, the active-stream gauge, and scheduler tick
// measurements. One Recorder per process; it carries its own registry so
// tests never collide on globally registered collectors.
type Recorder struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	streamEvents  *prometheus.CounterVec
	activeStreams prometheus.Gauge

	schedulerTicks prometheus.Counter
	tickDuration   prometheus.Histogram
	admissions     *prometheus.CounterVec
}

// New constructs a Recorder with a fresh registry and all collectors
// registered.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed by the API.",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		streamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream lifecycle events by kind and event.",
		}, []string{"kind", "event"}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streams currently live.",
		}),
		schedulerTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Completed scheduling passes.",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Duration of one scheduling pass.",
			Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 2.5},
		}),
		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_admissions_total",
			Help:      "Admission attempts by kind and result.",
		}, []string{"kind", "result"}),
	}
}

// ObserveRequest accumulates request totals and latency by method, normalized
// path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	normalized := normalizePath(path)
	r.httpRequests.WithLabelValues(strings.ToUpper(method), normalized, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(strings.ToUpper(method), normalized).Observe(duration.Seconds())
}

// StreamStarted records a launch of the given stream kind.
func (r *Recorder) StreamStarted(kind string) {
	r.streamEvents.WithLabelValues(normalizeName(kind), "start").Inc()
}

// StreamFinished records a terminal transition with its outcome.
func (r *Recorder) StreamFinished(kind, outcome string) {
	r.streamEvents.WithLabelValues(normalizeName(kind), normalizeName(outcome)).Inc()
}

// SetActiveStreams pins the live-stream gauge to count.
func (r *Recorder) SetActiveStreams(count int) {
	r.activeStreams.Set(float64(count))
}

// TickCompleted records one finished scheduling pass and its duration.
func (r *Recorder) TickCompleted(duration time.Duration) {
	r.schedulerTicks.Inc()
	r.tickDuration.Observe(duration.Seconds())
}

// AdmissionAttempted records an admission attempt and whether it succeeded.
func (r *Recorder) AdmissionAttempted(kind string, succeeded bool) {
	result := "started"
	if !succeeded {
		result = "failed"
	}
	r.admissions.WithLabelValues(normalizeName(kind), result).Inc()
}

// Handler serves the recorder's registry in Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// normalizePath collapses identifier segments so the path label stays low
// cardinality.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
