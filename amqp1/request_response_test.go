package amqp1

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/amqp1-go-client/engine"
	"github.com/israelio/amqp1-go-client/engine/enginetest"
)

func TestRequestResponseRoundTrip(t *testing.T) {
	eng := enginetest.NewEngine()
	eng.Responder = statusResponder(200)
	conn := mustConnect(t, newTestFactory(t, eng))

	provider, err := conn.CreateRequestResponseChannel(context.Background(), "rr-session", "rr", "$node")
	require.NoError(t, err)

	ch, err := provider.Channel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rr-session", ch.SessionName())
	assert.Equal(t, "rr", ch.LinkName())
	assert.Equal(t, "$node", ch.Address())
	assert.Equal(t, "node-client-reply-to", ch.ReplyTo())

	req := &engine.Message{Value: "ping"}
	resp, err := ch.Request(context.Background(), req)
	require.NoError(t, err)

	assert.NotEmpty(t, req.MessageID)
	assert.Equal(t, "node-client-reply-to", req.ReplyTo)
	assert.Equal(t, "$node", req.To)
	assert.Equal(t, req.MessageID, resp.CorrelationID)
	assert.Equal(t, "ping", resp.Value)

	code, _ := responseStatus(resp)
	assert.Equal(t, 200, code)
}

func TestRequestResponseChannelIsReused(t *testing.T) {
	eng := enginetest.NewEngine()
	conn := mustConnect(t, newTestFactory(t, eng))

	provider, err := conn.CreateRequestResponseChannel(context.Background(), "rr-session", "rr", "$node")
	require.NoError(t, err)

	first, err := provider.Channel(context.Background())
	require.NoError(t, err)
	second, err := provider.Channel(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, provider.Instances())
	assert.Equal(t, 1, eng.LastConnection().Session("rr-session").ReceiversCreated("$node"))
}

func TestRequestResponseChannelRecreatedAfterFailure(t *testing.T) {
	eng := enginetest.NewEngine()
	eng.Responder = statusResponder(200)
	metrics := NewStandardMetricsCollector()
	conn := mustConnect(t, newTestFactory(t, eng, WithMetrics(metrics)))

	provider, err := conn.CreateRequestResponseChannel(context.Background(), "rr-session", "rr", "$node")
	require.NoError(t, err)

	ch, err := provider.Channel(context.Background())
	require.NoError(t, err)

	cause := errors.New("link detached")
	eng.LastConnection().Session("rr-session").Receiver("$node").Fail(cause)

	awaitClosed(t, ch.Done(), "channel did not end after the link failed")
	assert.True(t, IsTransportFault(ch.Err()))
	assert.ErrorIs(t, ch.Err(), cause)

	require.Eventually(t, func() bool {
		return provider.Instances() == 2
	}, 5*time.Second, 5*time.Millisecond)

	next, err := provider.Channel(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, ch, next)

	_, err = next.Request(context.Background(), &engine.Message{Value: "ping"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), metrics.GetChannelsCreated())
	assert.Equal(t, int64(1), metrics.GetChannelsRecreated())
	assert.Equal(t, int64(1), metrics.GetChannelErrors())
}

func TestRequestResponseChannelNotRecreatedAfterDispose(t *testing.T) {
	eng := enginetest.NewEngine()
	conn := mustConnect(t, newTestFactory(t, eng))

	provider, err := conn.CreateRequestResponseChannel(context.Background(), "rr-session", "rr", "$node")
	require.NoError(t, err)

	ch, err := provider.Channel(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.Dispose())
	awaitClosed(t, ch.Done(), "channel did not end with the connection")
	assert.True(t, IsIllegalState(ch.Err()))

	_, err = provider.Channel(context.Background())
	assert.True(t, IsIllegalState(err))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, provider.Instances())
}

func TestPendingRequestFailsOnClose(t *testing.T) {
	eng := enginetest.NewEngine()
	// No reply is ever sent
	eng.Responder = func(address string, req *engine.Message) *engine.Message { return nil }
	conn := mustConnect(t, newTestFactory(t, eng))

	provider, err := conn.CreateRequestResponseChannel(context.Background(), "rr-session", "rr", "$node")
	require.NoError(t, err)
	ch, err := provider.Channel(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	var reqErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, reqErr = ch.Request(context.Background(), &engine.Message{Value: "ping"})
	}()

	require.Eventually(t, func() bool {
		ch.pendingMux.Lock()
		defer ch.pendingMux.Unlock()
		return len(ch.pending) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, ch.Close(context.Background()))
	wg.Wait()

	require.Error(t, reqErr)
	assert.True(t, IsIllegalState(reqErr))

	// Requests on a closed channel fail immediately
	_, err = ch.Request(context.Background(), &engine.Message{})
	assert.True(t, IsIllegalState(err))

	// Closing twice is a no-op
	assert.NoError(t, ch.Close(context.Background()))
}

func TestRequestHonorsContext(t *testing.T) {
	eng := enginetest.NewEngine()
	eng.Responder = func(address string, req *engine.Message) *engine.Message { return nil }
	conn := mustConnect(t, newTestFactory(t, eng))

	provider, err := conn.CreateRequestResponseChannel(context.Background(), "rr-session", "rr", "$node")
	require.NoError(t, err)
	ch, err := provider.Channel(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = ch.Request(ctx, &engine.Message{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsTimeout(err))

	ch.pendingMux.Lock()
	assert.Empty(t, ch.pending)
	ch.pendingMux.Unlock()
}

func TestChannelProviderClose(t *testing.T) {
	eng := enginetest.NewEngine()
	conn := mustConnect(t, newTestFactory(t, eng))

	provider, err := conn.CreateRequestResponseChannel(context.Background(), "rr-session", "rr", "$node")
	require.NoError(t, err)
	ch, err := provider.Channel(context.Background())
	require.NoError(t, err)

	require.NoError(t, provider.Close())
	require.NoError(t, provider.Close())

	awaitClosed(t, ch.Done(), "channel was not closed with its provider")
	assert.True(t, eng.LastConnection().Session("rr-session").Receiver("$node").Closed())

	_, err = provider.Channel(context.Background())
	assert.True(t, IsIllegalState(err))
	assert.Equal(t, 1, provider.Instances())
}

func TestCreateRequestResponseChannelValidation(t *testing.T) {
	conn := mustConnect(t, newTestFactory(t, enginetest.NewEngine()))

	_, err := conn.CreateRequestResponseChannel(context.Background(), "", "rr", "$node")
	assert.Error(t, err)
	_, err = conn.CreateRequestResponseChannel(context.Background(), "rr-session", "", "$node")
	assert.Error(t, err)
	_, err = conn.CreateRequestResponseChannel(context.Background(), "rr-session", "rr", "")
	assert.Error(t, err)

	require.NoError(t, conn.Dispose())
	_, err = conn.CreateRequestResponseChannel(context.Background(), "rr-session", "rr", "$node")
	assert.True(t, IsIllegalState(err))
}

func TestResponseStatus(t *testing.T) {
	tests := []struct {
		name     string
		props    map[string]any
		wantCode int
		wantDesc string
	}{
		{"int32", map[string]any{"status-code": int32(200)}, 200, ""},
		{"int", map[string]any{"status-code": 404, "status-description": "not found"}, 404, "not found"},
		{"camel case", map[string]any{"statusCode": int64(401), "statusDescription": "denied"}, 401, "denied"},
		{"float", map[string]any{"status-code": float64(202)}, 202, ""},
		{"missing", map[string]any{}, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, desc := responseStatus(&engine.Message{ApplicationProperties: tt.props})
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantDesc, desc)
		})
	}

	code, desc := responseStatus(nil)
	assert.Zero(t, code)
	assert.Empty(t, desc)
}
