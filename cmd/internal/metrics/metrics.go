// Package metrics holds the Prometheus collectors exported by the Harvest server.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "harvest"

// Metrics is the set of server collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	storeOps *prometheus.CounterVec

	feedConnections   prometheus.Gauge
	feedSubscriptions prometheus.Gauge
	feedDelivered     prometheus.Counter
	feedDropped       prometheus.Counter
	brokerPublished   *prometheus.CounterVec
}

// New builds the collectors on a fresh registry, together with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status class.",
		}, []string{"route", "method", "status_class"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations by name and result.",
		}, []string{"op", "result"}),
		feedConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "connections",
			Help:      "Open change-feed WebSocket connections.",
		}),
		feedSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "subscriptions",
			Help:      "Active change-feed subscriptions.",
		}),
		feedDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "events_delivered_total",
			Help:      "Change events queued to subscribers.",
		}),
		feedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "events_dropped_total",
			Help:      "Change events dropped because a subscriber queue was full.",
		}),
		brokerPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "published_total",
			Help:      "Change events handed to the broker by result.",
		}, []string{"broker", "result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.storeOps,
		m.feedConnections,
		m.feedSubscriptions,
		m.feedDelivered,
		m.feedDropped,
		m.brokerPublished,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, StatusClass(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveStore records one store operation. Errors are labelled by their kind when
// they carry one ("validation_error", "forbidden", ...), otherwise "error".
func (m *Metrics) ObserveStore(op string, err error) {
	if m == nil {
		return
	}
	m.storeOps.WithLabelValues(op, resultLabel(err)).Inc()
}

// FeedConnected adjusts the open connection gauge by delta.
func (m *Metrics) FeedConnected(delta int) {
	if m == nil {
		return
	}
	m.feedConnections.Add(float64(delta))
}

// FeedSubscribed adjusts the active subscription gauge by delta.
func (m *Metrics) FeedSubscribed(delta int) {
	if m == nil {
		return
	}
	m.feedSubscriptions.Add(float64(delta))
}

// FeedDelivered counts an event queued to a subscriber.
func (m *Metrics) FeedDelivered() {
	if m == nil {
		return
	}
	m.feedDelivered.Inc()
}

// FeedDropped counts an event dropped under backpressure.
func (m *Metrics) FeedDropped() {
	if m == nil {
		return
	}
	m.feedDropped.Inc()
}

// BrokerPublished records a publish attempt on the named broker.
func (m *Metrics) BrokerPublished(broker string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.brokerPublished.WithLabelValues(broker, result).Inc()
}

// StatusClass maps an HTTP status to "2xx", "4xx", ...
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	// Sentinel kinds are plain errors.New values whose text is the stable kind name.
	inner := err
	for next := errors.Unwrap(inner); next != nil; next = errors.Unwrap(inner) {
		inner = next
	}
	switch s := inner.Error(); s {
	case "validation_error", "unauthorized", "forbidden", "not_found", "data_unavailable":
		return s
	default:
		return "error"
	}
}
