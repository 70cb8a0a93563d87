// Package metrics holds the prometheus collectors of the application.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "perks"

type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight    prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	gatewayInFlight prometheus.Gauge
	gatewayDuration *prometheus.HistogramVec
	cacheLoads      *prometheus.CounterVec
	redemptions     *prometheus.CounterVec
	adjustments     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),
		gatewayInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight persistence gateway requests.",
		}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Duration of persistence gateway round-trips.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"code", "method"}),
		cacheLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "loads_total",
			Help:      "Completed collection loads by result.",
		}, []string{"collection", "result"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redemption",
			Name:      "checkouts_total",
			Help:      "Checkouts by outcome.",
		}, []string{"outcome"}),
		adjustments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "adjustments_total",
			Help:      "Administrative point adjustments recorded.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.gatewayInFlight,
		m.gatewayDuration,
		m.cacheLoads,
		m.redemptions,
		m.adjustments,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// InstrumentTransport wraps next so every gateway round-trip is timed.
func (m *Metrics) InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperInFlight(m.gatewayInFlight,
		promhttp.InstrumentRoundTripperDuration(m.gatewayDuration, next))
}

func (m *Metrics) ObserveRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func (m *Metrics) RequestStarted() {
	if m != nil {
		m.httpInFlight.Inc()
	}
}

func (m *Metrics) RequestFinished() {
	if m != nil {
		m.httpInFlight.Dec()
	}
}

func (m *Metrics) ObserveCacheLoad(collection string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cacheLoads.WithLabelValues(collection, result).Inc()
}

// ObserveCheckout counts one checkout. Outcome is completed, partial or
// rejected.
func (m *Metrics) ObserveCheckout(outcome string) {
	if m != nil {
		m.redemptions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveAdjustment() {
	if m != nil {
		m.adjustments.Inc()
	}
}
