// Package metrics exposes Prometheus instrumentation for the sync loop, the
// conversion engine and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ratelock"

// Recorder is what the rest of the service reports into.
type Recorder interface {
	ObserveHTTPRequest(route string, status int, duration time.Duration)
	ObserveConversion(method, outcome string)
	ObserveSync(outcome string, duration time.Duration)
	ObserveProviderAttempt(state string)
	IncAuditWriteRetries()
	SetLatestSnapshot(capturedAt time.Time)
	Handler() http.Handler
}

// Metrics is the Prometheus-backed Recorder. Every instance owns its registry.
type Metrics struct {
	registry         *prometheus.Registry
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	conversions      *prometheus.CounterVec
	syncRuns         *prometheus.CounterVec
	syncDuration     prometheus.Histogram
	providerAttempts *prometheus.CounterVec
	auditRetries     prometheus.Counter
	latestSnapshot   prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		conversions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Conversions by calculation method and outcome.",
		}, []string{"method", "outcome"}),
		syncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Rate sync runs by outcome.",
		}, []string{"outcome"}),
		syncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Wall time of one rate sync run.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		providerAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fetch_transitions_total",
			Help:      "Rate provider fetch state transitions.",
		}, []string{"state"}),
		auditRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_retries_total",
			Help:      "Audit writes retried after a store failure.",
		}),
		latestSnapshot: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_snapshot_timestamp_seconds",
			Help:      "Capture time of the newest snapshot written by this process.",
		}),
	}
}

// RegisterCacheStats exports snapshot cache counters read on scrape.
func (m *Metrics) RegisterCacheStats(stats func() (hits, misses int64)) {
	factory := promauto.With(m.registry)
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_cache_hits_total",
		Help:      "Snapshot cache hits.",
	}, func() float64 {
		hits, _ := stats()
		return float64(hits)
	})
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_cache_misses_total",
		Help:      "Snapshot cache misses.",
	}, func() float64 {
		_, misses := stats()
		return float64(misses)
	})
}

func (m *Metrics) ObserveHTTPRequest(route string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) ObserveConversion(method, outcome string) {
	m.conversions.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) ObserveSync(outcome string, duration time.Duration) {
	m.syncRuns.WithLabelValues(outcome).Inc()
	m.syncDuration.Observe(duration.Seconds())
}

func (m *Metrics) ObserveProviderAttempt(state string) {
	m.providerAttempts.WithLabelValues(state).Inc()
}

func (m *Metrics) IncAuditWriteRetries() {
	m.auditRetries.Inc()
}

func (m *Metrics) SetLatestSnapshot(capturedAt time.Time) {
	m.latestSnapshot.Set(float64(capturedAt.Unix()))
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}

// Noop discards everything; used when metrics are disabled and in tests.
type Noop struct{}

func (Noop) ObserveHTTPRequest(string, int, time.Duration) {}
func (Noop) ObserveConversion(string, string)              {}
func (Noop) ObserveSync(string, time.Duration)             {}
func (Noop) ObserveProviderAttempt(string)                 {}
func (Noop) IncAuditWriteRetries()                         {}
func (Noop) SetLatestSnapshot(time.Time)                   {}
func (Noop) Handler() http.Handler                         { return http.NotFoundHandler() }

var (
	_ Recorder = (*Metrics)(nil)
	_ Recorder = Noop{}
)
