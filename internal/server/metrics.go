package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values for dmrelay_messages_total.
const (
	resultDelivered  = "delivered"
	resultOffline    = "offline"
	resultStoreError = "store_error"
	resultSuppressed = "suppressed"
)

// Label values for dmrelay_frames_dropped_total.
const (
	dropMalformed   = "malformed"
	dropViolation   = "protocol_violation"
	dropRateLimited = "rate_limited"
	dropBufferFull  = "buffer_full"
)

// Metrics holds the relay's Prometheus collectors on a private registry so
// several servers can coexist in one process.
type Metrics struct {
	registry        *prometheus.Registry
	connectionsOpen prometheus.Gauge
	usersOnline     prometheus.Gauge
	messages        *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	broadcasts      prometheus.Counter
}

// NewMetrics creates and registers every collector, including the Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dmrelay_connections_open",
			Help: "Open WebSocket connections, joined or not.",
		}),
		usersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dmrelay_users_online",
			Help: "Usernames currently bound to a connection.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dmrelay_messages_total",
			Help: "Chat messages handled, by outcome.",
		}, []string{"result"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dmrelay_frames_dropped_total",
			Help: "Inbound or outbound frames dropped, by reason.",
		}, []string{"reason"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmrelay_broadcasts_total",
			Help: "Presence snapshots broadcast to all connections.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectionsOpen,
		m.usersOnline,
		m.messages,
		m.framesDropped,
		m.broadcasts,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) messageHandled(result string) {
	m.messages.WithLabelValues(result).Inc()
}

func (m *Metrics) frameDropped(reason string) {
	m.framesDropped.WithLabelValues(reason).Inc()
}
