package amqp1

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/amqp1-go-client/engine/enginetest"
)

func TestStandardMetricsCollector(t *testing.T) {
	m := NewStandardMetricsCollector()

	m.ConnectionCreated()
	m.ConnectionActive()
	m.ConnectionError(errors.New("boom"))
	m.ConnectionClosed()
	m.SessionCreated()
	m.SessionCreated()
	m.SessionRemoved()
	m.ChannelCreated()
	m.ChannelRecreated()
	m.ChannelError(errors.New("detached"))
	m.AuthorizationSucceeded()
	m.AuthorizationFailed(errors.New("denied"))

	assert.Equal(t, int64(1), m.GetConnectionsCreated())
	assert.Equal(t, int64(1), m.GetConnectionsActive())
	assert.Equal(t, int64(1), m.GetConnectionErrors())
	assert.Equal(t, int64(1), m.GetConnectionsClosed())
	assert.Equal(t, int64(2), m.GetSessionsCreated())
	assert.Equal(t, int64(1), m.GetSessionsRemoved())
	assert.Equal(t, int64(1), m.GetChannelsCreated())
	assert.Equal(t, int64(1), m.GetChannelsRecreated())
	assert.Equal(t, int64(1), m.GetChannelErrors())
	assert.Equal(t, int64(1), m.GetAuthorizationsSucceeded())
	assert.Equal(t, int64(1), m.GetAuthorizationsFailed())
}

func TestPrometheusMetricsCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetricsCollector(reg, "test")
	require.NoError(t, err)

	m.ConnectionCreated()
	m.ConnectionActive()
	m.SessionCreated()
	m.SessionCreated()
	m.SessionRemoved()
	m.ChannelRecreated()
	m.AuthorizationSucceeded()
	m.AuthorizationFailed(errors.New("denied"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.connections.WithLabelValues("created")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connections.WithLabelValues("active")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.sessions.WithLabelValues("created")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.openSessions))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.channels.WithLabelValues("recreated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.authorizations.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.authorizations.WithLabelValues("failure")))

	assert.Equal(t, 6, testutil.CollectAndCount(m.connections)+testutil.CollectAndCount(m.sessions)+
		testutil.CollectAndCount(m.channels)+testutil.CollectAndCount(m.openSessions))
}

func TestPrometheusMetricsCollectorDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusMetricsCollector(reg, "test")
	require.NoError(t, err)

	_, err = NewPrometheusMetricsCollector(reg, "test")
	require.Error(t, err)

	var already prometheus.AlreadyRegisteredError
	assert.ErrorAs(t, err, &already)
}

func TestPrometheusMetricsCollectorWithConnection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetricsCollector(reg, "test")
	require.NoError(t, err)

	conn := mustConnect(t, newTestFactory(t, enginetest.NewEngine(), WithMetrics(m)))
	_, err = conn.CreateSession(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.connections.WithLabelValues("active")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.openSessions))

	require.NoError(t, conn.Dispose())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connections.WithLabelValues("closed")))
}

func TestNoOpMetricsCollector(t *testing.T) {
	var m MetricsCollector = NewNoOpMetricsCollector()
	assert.NotPanics(t, func() {
		m.ConnectionCreated()
		m.ConnectionError(errors.New("boom"))
		m.SessionCreated()
		m.ChannelError(nil)
		m.AuthorizationFailed(nil)
	})
}
