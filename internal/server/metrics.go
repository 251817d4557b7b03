package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors on a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	messagesCreated prometheus.Counter
	messagesDeleted prometheus.Counter
	publishOutcomes *prometheus.CounterVec
	viewers         prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// NewMetrics registers the collectors. storedCount backs the stored
// messages gauge.
func NewMetrics(storedCount func() int) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		messagesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatboard_messages_created_total",
			Help: "Messages created",
		}),
		messagesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatboard_messages_deleted_total",
			Help: "Messages deleted",
		}),
		publishOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatboard_realtime_publish_total",
			Help: "Realtime events by publish outcome",
		}, []string{"outcome"}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatboard_ws_viewers",
			Help: "Connected websocket viewers",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatboard_http_requests_total",
			Help: "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatboard_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.messagesCreated,
		m.messagesDeleted,
		m.publishOutcomes,
		m.viewers,
		m.httpRequests,
		m.httpDuration,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chatboard_messages_stored",
			Help: "Messages currently held in the store",
		}, func() float64 { return float64(storedCount()) }),
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) publishOutcome(outcome string) {
	m.publishOutcomes.WithLabelValues(outcome).Inc()
}

// trackLocalDrops exposes the in-process broker's dropped deliveries.
func (m *Metrics) trackLocalDrops(dropped func() uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "chatboard_local_broker_dropped_total",
		Help: "Payloads skipped because a local subscriber's buffer was full",
	}, func() float64 { return float64(dropped()) }))
}

func (m *Metrics) setViewers(n int) {
	m.viewers.Set(float64(n))
}

func (m *Metrics) observeRequest(route, method string, status int, seconds float64) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(seconds)
}
