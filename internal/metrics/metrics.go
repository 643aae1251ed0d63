// Package metrics exposes Prometheus collectors for access transitions,
// access set mutations, the ingest pipeline and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "accessguard"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	mutations   *prometheus.CounterVec
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// New creates the collectors and registers them with a new registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_transitions_total",
			Help:      "Grant and revoke operations by outcome.",
		}, []string{"op", "outcome"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_set_mutations_total",
			Help:      "Access set mutations issued to the firewall.",
		}, []string{"set", "op"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.registry.MustRegister(m.transitions, m.mutations, m.requests, m.latency)
	return m
}

// Transition counts one grant or revoke outcome.
func (m *Metrics) Transition(op, outcome string) {
	m.transitions.WithLabelValues(op, outcome).Inc()
}

// SetMutation counts one access set mutation.
func (m *Metrics) SetMutation(set, op string) {
	m.mutations.WithLabelValues(set, op).Inc()
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.latency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// PipelineStats is the counter snapshot of an ingest processor.
type PipelineStats struct {
	Records     int64
	Incidents   int64
	Duplicates  int64
	AutoBlocked int64
	Failures    int64
}

// RegisterPipeline exposes the ingest counters read from stats on every
// scrape.
func (m *Metrics) RegisterPipeline(stats func() PipelineStats) {
	counter := func(name, help string, pick func(PipelineStats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(stats())) })
	}
	m.registry.MustRegister(
		counter("records_total", "Decoded sensor records.", func(s PipelineStats) int64 { return s.Records }),
		counter("incidents_total", "New incidents stored.", func(s PipelineStats) int64 { return s.Incidents }),
		counter("duplicates_total", "Incidents suppressed as duplicates.", func(s PipelineStats) int64 { return s.Duplicates }),
		counter("auto_blocks_total", "Devices blocked automatically.", func(s PipelineStats) int64 { return s.AutoBlocked }),
		counter("failures_total", "Records that failed processing.", func(s PipelineStats) int64 { return s.Failures }),
	)
}

// RegisterOnline exposes the number of devices with an online lease.
func (m *Metrics) RegisterOnline(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices_online",
		Help:      "Devices holding an online DHCP lease at the last status refresh.",
	}, func() float64 { return float64(count()) }))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
