package amqp1

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector exports connection core metrics to Prometheus
type PrometheusMetricsCollector struct {
	connections    *prometheus.CounterVec
	sessions       *prometheus.CounterVec
	openSessions   prometheus.Gauge
	channels       *prometheus.CounterVec
	authorizations *prometheus.CounterVec
}

// NewPrometheusMetricsCollector creates the collector and registers its
// metrics with reg under the given namespace
func NewPrometheusMetricsCollector(reg prometheus.Registerer, namespace string) (*PrometheusMetricsCollector, error) {
	m := &PrometheusMetricsCollector{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events by type.",
		}, []string{"event"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "open_sessions",
			Help:      "Sessions currently registered.",
		}),
		channels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "request_response_channel_events_total",
			Help:      "Request-response channel events by type.",
		}, []string{"event"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "authorizations_total",
			Help:      "CBS authorizations by result.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{m.connections, m.sessions, m.openSessions, m.channels, m.authorizations} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register amqp metrics: %w", err)
		}
	}

	return m, nil
}

func (m *PrometheusMetricsCollector) ConnectionCreated() {
	m.connections.WithLabelValues("created").Inc()
}

func (m *PrometheusMetricsCollector) ConnectionActive() {
	m.connections.WithLabelValues("active").Inc()
}

func (m *PrometheusMetricsCollector) ConnectionClosed() {
	m.connections.WithLabelValues("closed").Inc()
}

func (m *PrometheusMetricsCollector) ConnectionError(err error) {
	m.connections.WithLabelValues("error").Inc()
}

func (m *PrometheusMetricsCollector) SessionCreated() {
	m.sessions.WithLabelValues("created").Inc()
	m.openSessions.Inc()
}

func (m *PrometheusMetricsCollector) SessionRemoved() {
	m.sessions.WithLabelValues("removed").Inc()
	m.openSessions.Dec()
}

func (m *PrometheusMetricsCollector) ChannelCreated() {
	m.channels.WithLabelValues("created").Inc()
}

func (m *PrometheusMetricsCollector) ChannelRecreated() {
	m.channels.WithLabelValues("recreated").Inc()
}

func (m *PrometheusMetricsCollector) ChannelError(err error) {
	m.channels.WithLabelValues("error").Inc()
}

func (m *PrometheusMetricsCollector) AuthorizationSucceeded() {
	m.authorizations.WithLabelValues("success").Inc()
}

func (m *PrometheusMetricsCollector) AuthorizationFailed(err error) {
	m.authorizations.WithLabelValues("failure").Inc()
}
