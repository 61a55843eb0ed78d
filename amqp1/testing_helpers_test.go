package amqp1

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/israelio/amqp1-go-client/engine"
	"github.com/israelio/amqp1-go-client/engine/enginetest"
)

const testNamespace = "test.servicebus.local"

// newTestFactory creates a factory bound to eng with short timeouts
func newTestFactory(t *testing.T, eng engine.Engine, opts ...FactoryOption) *ConnectionFactory {
	t.Helper()

	base := []FactoryOption{
		WithHost("broker.local"),
		WithNamespace(testNamespace),
		WithEngine(eng),
		WithLogger(zaptest.NewLogger(t)),
		WithRetryOptions(RetryOptions{
			MaxRetries: 5,
			Delay:      10 * time.Millisecond,
			MaxDelay:   50 * time.Millisecond,
			TryTimeout: 2 * time.Second,
		}),
	}
	return NewConnectionFactory(append(base, opts...)...)
}

// newTestConnection creates an unstarted connection disposed at cleanup
func newTestConnection(t *testing.T, cf *ConnectionFactory, id string) *Connection {
	t.Helper()

	conn, err := cf.NewConnectionWithID(id)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Dispose()
	})
	return conn
}

// mustConnect creates an active connection or fails the test
func mustConnect(t *testing.T, cf *ConnectionFactory) *Connection {
	t.Helper()

	conn := newTestConnection(t, cf, "conn1")
	require.NoError(t, conn.ConnectAndAwaitActive(context.Background()))
	return conn
}

// awaitClosed waits for ch to close or fails the test
func awaitClosed[T any](t *testing.T, ch <-chan T, msg string) {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal(msg)
		}
	}
}

// statusResponder answers every request with the given status code, echoing
// the request value
func statusResponder(code int) enginetest.Responder {
	return func(address string, req *engine.Message) *engine.Message {
		return &engine.Message{
			ApplicationProperties: map[string]any{statusCodeKey: int32(code)},
			Value:                 req.Value,
		}
	}
}

// staticTokenProvider returns the same SAS token for any scope
func staticTokenProvider(lifetime time.Duration) TokenProvider {
	return TokenProviderFunc(func(ctx context.Context, scopes string) (*AccessToken, error) {
		return &AccessToken{
			Token:     "SharedAccessSignature sr=" + scopes,
			Type:      TokenTypeSAS,
			ExpiresAt: time.Now().Add(lifetime),
		}, nil
	})
}

// rejectingDispatcher runs its loop but rejects every task
type rejectingDispatcher struct {
	*engine.LoopDispatcher
	rejected atomic.Int32
}

func newRejectingDispatcher() *rejectingDispatcher {
	return &rejectingDispatcher{LoopDispatcher: engine.NewLoopDispatcher(1)}
}

func (d *rejectingDispatcher) Invoke(task func()) error {
	d.rejected.Add(1)
	return engine.ErrQueueRejected
}

// recordingDispatcher is a LoopDispatcher that runs onClose when closed
type recordingDispatcher struct {
	*engine.LoopDispatcher
	onClose func()
}

func (d *recordingDispatcher) Close() error {
	d.onClose()
	return d.LoopDispatcher.Close()
}

// sequence records the order of named steps across goroutines
type sequence struct {
	mu    sync.Mutex
	steps []string
}

func (s *sequence) record(step string) {
	s.mu.Lock()
	s.steps = append(s.steps, step)
	s.mu.Unlock()
}

func (s *sequence) get() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.steps...)
}

// fakeTokenManager records authorization and close calls
type fakeTokenManager struct {
	gate         <-chan struct{}
	authorizeErr error
	onClose      func()
	authorized   atomic.Int32
	closed       atomic.Bool
	errs         chan error
}

func (m *fakeTokenManager) Authorize(ctx context.Context) (time.Time, error) {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		}
	}
	m.authorized.Add(1)
	if m.authorizeErr != nil {
		return time.Time{}, m.authorizeErr
	}
	return time.Now().Add(time.Hour), nil
}

func (m *fakeTokenManager) Errors() <-chan error { return m.errs }

func (m *fakeTokenManager) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		if m.onClose != nil {
			m.onClose()
		}
		close(m.errs)
	}
	return nil
}

// fakeTokenManagerProvider hands out fakeTokenManagers
type fakeTokenManagerProvider struct {
	gate         <-chan struct{}
	authorizeErr error
	onClose      func()

	mu       sync.Mutex
	managers []*fakeTokenManager
	paths    []string
}

func (p *fakeTokenManagerProvider) NewTokenManager(cbs *ClaimsBasedSecurityNode, entityPath string) TokenManager {
	m := &fakeTokenManager{gate: p.gate, authorizeErr: p.authorizeErr, onClose: p.onClose, errs: make(chan error, 1)}
	p.mu.Lock()
	p.managers = append(p.managers, m)
	p.paths = append(p.paths, entityPath)
	p.mu.Unlock()
	return m
}

func (p *fakeTokenManagerProvider) created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.managers)
}

func (p *fakeTokenManagerProvider) closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.managers {
		if m.closed.Load() {
			n++
		}
	}
	return n
}

// recordingListener records connection lifecycle events
type recordingListener struct {
	active          atomic.Int32
	closed          atomic.Int32
	sessionsCreated atomic.Int32
	sessionsRemoved atomic.Int32

	mu     sync.Mutex
	signal ShutdownSignal
}

func (l *recordingListener) OnConnectionActive(conn *Connection) { l.active.Add(1) }

func (l *recordingListener) OnConnectionClosed(conn *Connection, signal ShutdownSignal) {
	l.mu.Lock()
	l.signal = signal
	l.mu.Unlock()
	l.closed.Add(1)
}

func (l *recordingListener) OnSessionCreated(conn *Connection, name string) { l.sessionsCreated.Add(1) }

func (l *recordingListener) OnSessionRemoved(conn *Connection, name string) { l.sessionsRemoved.Add(1) }
