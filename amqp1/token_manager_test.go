package amqp1

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/israelio/amqp1-go-client/engine/enginetest"
)

func TestRefreshDelay(t *testing.T) {
	tests := []struct {
		name     string
		lifetime time.Duration
		min      time.Duration
		max      time.Duration
	}{
		{"one hour", time.Hour, 53 * time.Minute, 54 * time.Minute},
		{"ten minutes", 10 * time.Minute, 8*time.Minute + 50*time.Second, 9 * time.Minute},
		{"short lived", 2 * time.Second, minTokenRefresh, minTokenRefresh},
		{"expired", -time.Minute, minTokenRefresh, minTokenRefresh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay := refreshDelay(time.Now().Add(tt.lifetime))
			assert.GreaterOrEqual(t, delay, tt.min)
			assert.LessOrEqual(t, delay, tt.max)
		})
	}
}

func TestCBSTokenManagerProviderAudience(t *testing.T) {
	provider := &CBSTokenManagerProvider{Namespace: testNamespace}

	m := provider.NewTokenManager(nil, "entity").(*cbsTokenManager)
	assert.Equal(t, "amqp://test.servicebus.local/entity", m.audience)
	assert.Equal(t, m.audience, m.scopes)

	provider.Scopes = "https://servicebus.azure.net//.default"
	m = provider.NewTokenManager(nil, "entity").(*cbsTokenManager)
	assert.Equal(t, "https://servicebus.azure.net//.default", m.scopes)
}

func TestCBSTokenManagerAuthorize(t *testing.T) {
	responder := &recordingResponder{code: 200}
	eng := enginetest.NewEngine()
	eng.Responder = responder.respond
	conn := mustConnect(t, newTestFactory(t, eng, WithTokenProvider(staticTokenProvider(time.Hour))))

	cbs, err := conn.GetClaimsBasedSecurityNode(context.Background())
	require.NoError(t, err)

	provider := &CBSTokenManagerProvider{Namespace: testNamespace, Logger: zaptest.NewLogger(t)}
	manager := provider.NewTokenManager(cbs, "orders")
	defer manager.Close()

	expiresAt, err := manager.Authorize(context.Background())
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	req := responder.last()
	require.NotNil(t, req)
	assert.Equal(t, "amqp://test.servicebus.local/orders", req.ApplicationProperties["name"])

	// A renewal is scheduled
	m := manager.(*cbsTokenManager)
	m.mu.Lock()
	assert.NotNil(t, m.timer)
	m.mu.Unlock()
}

func TestCBSTokenManagerRefreshPublishesFailure(t *testing.T) {
	eng := enginetest.NewEngine()
	eng.Responder = statusResponder(401)
	conn := mustConnect(t, newTestFactory(t, eng, WithTokenProvider(staticTokenProvider(time.Hour))))

	cbs, err := conn.GetClaimsBasedSecurityNode(context.Background())
	require.NoError(t, err)

	provider := &CBSTokenManagerProvider{
		Namespace:   testNamespace,
		RetryPolicy: NewRetryPolicy(RetryOptions{MaxRetries: 0, TryTimeout: time.Second}),
		Logger:      zaptest.NewLogger(t),
	}
	manager := provider.NewTokenManager(cbs, "orders")
	m := manager.(*cbsTokenManager)

	m.refresh(0)

	select {
	case err := <-manager.Errors():
		assert.True(t, IsAuthorizationFailure(err))
		var respErr *ResponseError
		assert.ErrorAs(t, err, &respErr)
	case <-time.After(time.Second):
		t.Fatal("renewal failure was not published")
	}

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	_, ok := <-manager.Errors()
	assert.False(t, ok, "errors channel should be closed")
}

func TestCBSTokenManagerCloseStopsRenewal(t *testing.T) {
	provider := &CBSTokenManagerProvider{Namespace: testNamespace}
	m := provider.NewTokenManager(nil, "orders").(*cbsTokenManager)

	require.NoError(t, m.Close())

	// Scheduling after close is ignored
	m.schedule(time.Millisecond, 0)
	m.mu.Lock()
	assert.Nil(t, m.timer)
	m.mu.Unlock()

	// Publishing after close does not panic
	m.publish(assert.AnError)
}
