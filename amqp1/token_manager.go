package amqp1

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const minTokenRefresh = 5 * time.Second

// TokenManager keeps an entity authorized on the CBS node
type TokenManager interface {
	// Authorize performs the first authorization and schedules renewals
	Authorize(ctx context.Context) (time.Time, error)

	// Errors delivers renewal failures; it is closed by Close
	Errors() <-chan error

	Close() error
}

// TokenManagerProvider creates token managers for entities
type TokenManagerProvider interface {
	NewTokenManager(cbs *ClaimsBasedSecurityNode, entityPath string) TokenManager
}

// CBSTokenManagerProvider creates token managers authorizing the audience
// amqp://<namespace>/<entityPath>
type CBSTokenManagerProvider struct {
	Namespace string
	// Scopes passed to the token provider; empty uses the audience
	Scopes      string
	RetryPolicy RetryPolicy
	Logger      *zap.Logger
}

// NewTokenManager implements TokenManagerProvider
func (p *CBSTokenManagerProvider) NewTokenManager(cbs *ClaimsBasedSecurityNode, entityPath string) TokenManager {
	audience := fmt.Sprintf("amqp://%s/%s", p.Namespace, entityPath)
	scopes := p.Scopes
	if scopes == "" {
		scopes = audience
	}

	retryPolicy := p.RetryPolicy
	if retryPolicy == nil {
		retryPolicy = NewRetryPolicy(DefaultRetryOptions())
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &cbsTokenManager{
		cbs:         cbs,
		audience:    audience,
		scopes:      scopes,
		retryPolicy: retryPolicy,
		logger:      logger.With(zap.String("entityPath", entityPath), zap.String("audience", audience)),
		errs:        make(chan error, 4),
	}
}

// cbsTokenManager renews the token before it expires
type cbsTokenManager struct {
	cbs         *ClaimsBasedSecurityNode
	audience    string
	scopes      string
	retryPolicy RetryPolicy
	logger      *zap.Logger

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
	errs   chan error
}

// Authorize implements TokenManager
func (m *cbsTokenManager) Authorize(ctx context.Context) (time.Time, error) {
	expiresAt, err := m.cbs.Authorize(ctx, m.audience, m.scopes)
	if err != nil {
		return time.Time{}, err
	}

	m.schedule(refreshDelay(expiresAt), 0)
	return expiresAt, nil
}

// refresh renews the token; failures are published and retried with the
// retry policy
func (m *cbsTokenManager) refresh(attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.retryPolicy.TryTimeout())
	defer cancel()

	expiresAt, err := m.cbs.Authorize(ctx, m.audience, m.scopes)
	if err == nil {
		m.logger.Debug("token renewed", zap.Time("expiresAt", expiresAt))
		m.schedule(refreshDelay(expiresAt), 0)
		return
	}

	if !IsAuthorizationFailure(err) {
		err = newAuthorizationError(m.cbs.conn.id, "renew token for "+m.audience, err)
	}
	m.publish(err)

	delay, ok := m.retryPolicy.CalculateRetryDelay(err, attempt)
	if !ok {
		m.logger.Warn("token renewal exhausted retries", zap.Int("attempts", attempt+1), zap.Error(err))
		return
	}
	m.logger.Debug("token renewal failed, retrying", zap.Duration("delay", delay), zap.Error(err))
	m.schedule(delay, attempt+1)
}

func (m *cbsTokenManager) schedule(delay time.Duration, attempt int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(delay, func() { m.refresh(attempt) })
}

func (m *cbsTokenManager) publish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	select {
	case m.errs <- err:
	default:
		m.logger.Debug("dropping token renewal error, no reader", zap.Error(err))
	}
}

// Errors implements TokenManager
func (m *cbsTokenManager) Errors() <-chan error {
	return m.errs
}

// Close implements TokenManager
func (m *cbsTokenManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
	}
	close(m.errs)
	return nil
}

// refreshDelay renews when a tenth of the token's lifetime is left, and not
// sooner than minTokenRefresh
func refreshDelay(expiresAt time.Time) time.Duration {
	lifetime := time.Until(expiresAt)
	delay := lifetime - lifetime/10
	if delay < minTokenRefresh {
		return minTokenRefresh
	}
	return delay
}
