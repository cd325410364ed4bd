// Package metrics exposes Prometheus collectors for the tank monitor.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tankmon/internal/tank"
)

// Metrics bundles the service collectors on a private registry so tests can
// construct as many instances as they need.
type Metrics struct {
	registry *prometheus.Registry

	fetchesTotal    prometheus.Counter
	fetchFailures   *prometheus.CounterVec
	publishesTotal  prometheus.Counter
	publishFailures prometheus.Counter
	oilPercent      prometheus.Gauge
	oilLitres       prometheus.Gauge
	lastFetchUnix   prometheus.Gauge
	httpDuration    *prometheus.HistogramVec
}

// New builds the collector set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		fetchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tankmon_fetches_total",
			Help: "Total scrape attempts against the supplier portal.",
		}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tankmon_fetch_failures_total",
			Help: "Failed scrape attempts, labeled by reason.",
		}, []string{"reason"}),
		publishesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tankmon_publishes_total",
			Help: "Successful message bus publishes.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tankmon_publish_failures_total",
			Help: "Failed message bus publishes.",
		}),
		oilPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tankmon_oil_percent",
			Help: "Latest scraped tank level percentage.",
		}),
		oilLitres: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tankmon_oil_litres",
			Help: "Latest derived oil volume in litres.",
		}),
		lastFetchUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tankmon_last_fetch_timestamp_seconds",
			Help: "Unix timestamp of the last successful fetch.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tankmon_http_request_duration_seconds",
			Help:    "HTTP request latency by method, route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(
		m.fetchesTotal,
		m.fetchFailures,
		m.publishesTotal,
		m.publishFailures,
		m.oilPercent,
		m.oilLitres,
		m.lastFetchUnix,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FetchStarted counts a scrape attempt.
func (m *Metrics) FetchStarted() {
	if m == nil {
		return
	}
	m.fetchesTotal.Inc()
}

// FetchFailed counts a failed scrape with its reason.
func (m *Metrics) FetchFailed(reason string) {
	if m == nil {
		return
	}
	m.fetchFailures.WithLabelValues(reason).Inc()
}

// FetchSucceeded records the gauges for a fresh reading.
func (m *Metrics) FetchSucceeded(r tank.Reading) {
	if m == nil {
		return
	}
	m.oilPercent.Set(r.Percent)
	m.oilLitres.Set(r.Litres)
	m.lastFetchUnix.Set(float64(r.Timestamp.Unix()))
}

// Published counts a successful bus publish.
func (m *Metrics) Published() {
	if m == nil {
		return
	}
	m.publishesTotal.Inc()
}

// PublishFailed counts a failed bus publish.
func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
