// Package metrics exposes relay counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sigrelay"

// Failure reasons used as label values.
const (
	ReasonPeerNotConnected = "peer_not_connected"
	ReasonMissingTarget    = "missing_target"
	ReasonInvalidEnvelope  = "invalid_envelope"
	ReasonChannelOverflow  = "channel_overflow"
	ReasonHandlerRefused   = "handler_refused"
)

// Metrics holds the relay collectors on a private registry. All methods are
// safe on a nil *Metrics, which records nothing.
type Metrics struct {
	reg *prometheus.Registry

	peers       prometheus.Gauge
	connections prometheus.Gauge
	pending     prometheus.Gauge
	sessions    prometheus.Gauge

	established prometheus.Counter
	closed      prometheus.Counter
	denied      prometheus.Counter
	relayed     *prometheus.CounterVec
	failures    *prometheus.CounterVec
	received    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "reachable_peers",
			Help: "Peers with at least one live overlay connection.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "overlay_connections",
			Help: "Live overlay connections.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_events",
			Help: "Events waiting in the relay queue after the last drain.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bridge_sessions",
			Help: "Open websocket sessions.",
		}),
		established: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_established_total",
			Help: "Overlay connections accepted into the directory.",
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_closed_total",
			Help: "Overlay connections removed from the directory.",
		}),
		denied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_denied_total",
			Help: "Overlay connections refused during authentication.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_relayed_total",
			Help: "Signals handed to a connection, by origin.",
		}, []string{"origin"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_failures_total",
			Help: "Signals that could not be relayed, by reason.",
		}, []string{"reason"}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "overlay_signals_received_total",
			Help: "Signals received from overlay peers.",
		}),
	}
	m.reg.MustRegister(
		m.peers, m.connections, m.pending, m.sessions,
		m.established, m.closed, m.denied,
		m.relayed, m.failures, m.received,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// SetState records the directory and queue sizes.
func (m *Metrics) SetState(peers, connections, pending int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(peers))
	m.connections.Set(float64(connections))
	m.pending.Set(float64(pending))
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) ConnectionEstablished() {
	if m != nil {
		m.established.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.closed.Inc()
	}
}

func (m *Metrics) ConnectionDenied() {
	if m != nil {
		m.denied.Inc()
	}
}

// Relayed counts a signal handed to a connection. origin is "bridge" or
// "overlay".
func (m *Metrics) Relayed(origin string) {
	if m != nil {
		m.relayed.WithLabelValues(origin).Inc()
	}
}

// Failed counts a signal dropped for reason.
func (m *Metrics) Failed(reason string) {
	if m != nil {
		m.failures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SignalReceived() {
	if m != nil {
		m.received.Inc()
	}
}
