// Package metrics exports gateway, admission and federation metrics to
// Prometheus and keeps a short realtime throughput history for the admin API.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EntropyParadigm/pure-gopher/internal/admission"
	"github.com/EntropyParadigm/pure-gopher/internal/gateway"
)

const namespace = "puregopher"

// Collector holds hot-path atomic totals plus the Prometheus series fed
// from them. It implements gateway.Observer and admission.Observer.
type Collector struct {
	registry *prometheus.Registry
	buckets  *BucketAggregator

	ingressBytes atomic.Int64
	egressBytes  atomic.Int64
	activeConns  atomic.Int64
	requests     atomic.Int64

	connections *prometheus.CounterVec
	active      *prometheus.GaugeVec
	traffic     *prometheus.CounterVec
	served      *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	decisions   *prometheus.CounterVec
}

// TotalsSnapshot is a point-in-time copy of the atomic totals.
type TotalsSnapshot struct {
	IngressBytes int64
	EgressBytes  int64
	ActiveConns  int64
	Requests     int64
}

// NewCollector creates a Collector with its own registry, including the Go
// runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		buckets:  NewBucketAggregator(defaultBucketSeconds, time.Now()),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Accepted connections by protocol.",
		}, []string{"protocol"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help: "Open connections by protocol.",
		}, []string{"protocol"}),
		traffic: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "traffic_bytes_total",
			Help: "Bytes transferred by protocol and direction.",
		}, []string{"protocol", "direction"}),
		served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total",
			Help: "Finished connections by protocol and outcome.",
		}, []string{"protocol", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_duration_seconds",
			Help:    "Connection lifetime from accept to close.",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 15, 60},
		}, []string{"protocol"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "admission_decisions_total",
			Help: "Admission pipeline decisions by result.",
		}, []string{"result"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.connections, c.active, c.traffic, c.served, c.duration, c.decisions,
	)
	return c
}

// Registry exposes the registry for gauge registration.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Buckets exposes the history aggregator.
func (c *Collector) Buckets() *BucketAggregator { return c.buckets }

// Handler serves the Prometheus text exposition.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ConnectionOpened implements gateway.Observer.
func (c *Collector) ConnectionOpened(protocol string) {
	c.activeConns.Add(1)
	c.connections.WithLabelValues(protocol).Inc()
	c.active.WithLabelValues(protocol).Inc()
}

// ConnectionClosed implements gateway.Observer.
func (c *Collector) ConnectionClosed(protocol string) {
	c.activeConns.Add(-1)
	c.active.WithLabelValues(protocol).Dec()
}

// TrafficDelta implements gateway.Observer.
func (c *Collector) TrafficDelta(protocol string, ingress, egress int64) {
	c.buckets.AddTraffic(protocol, max(ingress, 0), max(egress, 0))
	if ingress > 0 {
		c.ingressBytes.Add(ingress)
		c.traffic.WithLabelValues(protocol, "ingress").Add(float64(ingress))
	}
	if egress > 0 {
		c.egressBytes.Add(egress)
		c.traffic.WithLabelValues(protocol, "egress").Add(float64(egress))
	}
}

// RequestServed implements gateway.Observer.
func (c *Collector) RequestServed(protocol string, outcome gateway.Outcome, took time.Duration) {
	c.requests.Add(1)
	c.buckets.AddRequest(protocol, outcome == gateway.OutcomeOK)
	c.served.WithLabelValues(protocol, string(outcome)).Inc()
	c.duration.WithLabelValues(protocol).Observe(took.Seconds())
}

// ObserveAdmission implements admission.Observer.
func (c *Collector) ObserveAdmission(d admission.Decision) {
	result := string(d.Reason)
	if d.Admitted {
		result = "admitted"
	}
	c.decisions.WithLabelValues(result).Inc()
}

// Totals returns the atomic totals.
func (c *Collector) Totals() TotalsSnapshot {
	return TotalsSnapshot{
		IngressBytes: c.ingressBytes.Load(),
		EgressBytes:  c.egressBytes.Load(),
		ActiveConns:  c.activeConns.Load(),
		Requests:     c.requests.Load(),
	}
}
