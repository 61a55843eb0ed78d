package amqp1

import (
	"sync/atomic"
)

// MetricsCollector collects metrics for connection core operations
type MetricsCollector interface {
	// Connection metrics
	ConnectionCreated()
	ConnectionActive()
	ConnectionClosed()
	ConnectionError(err error)

	// Session metrics
	SessionCreated()
	SessionRemoved()

	// Request-response channel metrics
	ChannelCreated()
	ChannelRecreated()
	ChannelError(err error)

	// Authorization metrics
	AuthorizationSucceeded()
	AuthorizationFailed(err error)
}

// StandardMetricsCollector provides a thread-safe in-memory metrics collector
type StandardMetricsCollector struct {
	connectionsCreated atomic.Int64
	connectionsActive  atomic.Int64
	connectionsClosed  atomic.Int64
	connectionErrors   atomic.Int64

	sessionsCreated atomic.Int64
	sessionsRemoved atomic.Int64

	channelsCreated   atomic.Int64
	channelsRecreated atomic.Int64
	channelErrors     atomic.Int64

	authorizationsSucceeded atomic.Int64
	authorizationsFailed    atomic.Int64
}

// NewStandardMetricsCollector creates a new standard metrics collector
func NewStandardMetricsCollector() *StandardMetricsCollector {
	return &StandardMetricsCollector{}
}

// Connection metrics
func (m *StandardMetricsCollector) ConnectionCreated() {
	m.connectionsCreated.Add(1)
}

func (m *StandardMetricsCollector) ConnectionActive() {
	m.connectionsActive.Add(1)
}

func (m *StandardMetricsCollector) ConnectionClosed() {
	m.connectionsClosed.Add(1)
}

func (m *StandardMetricsCollector) ConnectionError(err error) {
	m.connectionErrors.Add(1)
}

// Session metrics
func (m *StandardMetricsCollector) SessionCreated() {
	m.sessionsCreated.Add(1)
}

func (m *StandardMetricsCollector) SessionRemoved() {
	m.sessionsRemoved.Add(1)
}

// Channel metrics
func (m *StandardMetricsCollector) ChannelCreated() {
	m.channelsCreated.Add(1)
}

func (m *StandardMetricsCollector) ChannelRecreated() {
	m.channelsRecreated.Add(1)
}

func (m *StandardMetricsCollector) ChannelError(err error) {
	m.channelErrors.Add(1)
}

// Authorization metrics
func (m *StandardMetricsCollector) AuthorizationSucceeded() {
	m.authorizationsSucceeded.Add(1)
}

func (m *StandardMetricsCollector) AuthorizationFailed(err error) {
	m.authorizationsFailed.Add(1)
}

// Getters for metrics
func (m *StandardMetricsCollector) GetConnectionsCreated() int64 {
	return m.connectionsCreated.Load()
}

func (m *StandardMetricsCollector) GetConnectionsActive() int64 {
	return m.connectionsActive.Load()
}

func (m *StandardMetricsCollector) GetConnectionsClosed() int64 {
	return m.connectionsClosed.Load()
}

func (m *StandardMetricsCollector) GetConnectionErrors() int64 {
	return m.connectionErrors.Load()
}

func (m *StandardMetricsCollector) GetSessionsCreated() int64 {
	return m.sessionsCreated.Load()
}

func (m *StandardMetricsCollector) GetSessionsRemoved() int64 {
	return m.sessionsRemoved.Load()
}

func (m *StandardMetricsCollector) GetChannelsCreated() int64 {
	return m.channelsCreated.Load()
}

func (m *StandardMetricsCollector) GetChannelsRecreated() int64 {
	return m.channelsRecreated.Load()
}

func (m *StandardMetricsCollector) GetChannelErrors() int64 {
	return m.channelErrors.Load()
}

func (m *StandardMetricsCollector) GetAuthorizationsSucceeded() int64 {
	return m.authorizationsSucceeded.Load()
}

func (m *StandardMetricsCollector) GetAuthorizationsFailed() int64 {
	return m.authorizationsFailed.Load()
}

// NoOpMetricsCollector is a metrics collector that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) ConnectionCreated()            {}
func (n *NoOpMetricsCollector) ConnectionActive()             {}
func (n *NoOpMetricsCollector) ConnectionClosed()             {}
func (n *NoOpMetricsCollector) ConnectionError(err error)     {}
func (n *NoOpMetricsCollector) SessionCreated()               {}
func (n *NoOpMetricsCollector) SessionRemoved()               {}
func (n *NoOpMetricsCollector) ChannelCreated()               {}
func (n *NoOpMetricsCollector) ChannelRecreated()             {}
func (n *NoOpMetricsCollector) ChannelError(err error)        {}
func (n *NoOpMetricsCollector) AuthorizationSucceeded()       {}
func (n *NoOpMetricsCollector) AuthorizationFailed(err error) {}

// NewNoOpMetricsCollector creates a no-op metrics collector
func NewNoOpMetricsCollector() *NoOpMetricsCollector {
	return &NoOpMetricsCollector{}
}
