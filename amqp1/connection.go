package amqp1

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/israelio/amqp1-go-client/engine"
	"github.com/israelio/amqp1-go-client/internal/reactive"
)

const (
	cbsSessionName = "cbs-session"
	cbsLinkName    = "cbs"
	cbsAddress     = "$cbs"

	managementNodeAddressSuffix = "/$management"
)

// Connection represents an AMQP 1.0 connection. It owns a single engine
// connection, multiplexed into named sessions and request-response channels.
type Connection struct {
	factory          *ConnectionFactory
	id               string
	hostname         string
	namespace        string
	port             int
	operationTimeout time.Duration
	engine           engine.Engine
	logger           *zap.Logger

	// Engine connection and its dispatcher, created once
	connMux    sync.Mutex
	handle     engine.Connection
	dispatcher engine.Dispatcher
	pumpDone   chan struct{}

	// State
	state          atomic.Int32
	disposed       atomic.Bool
	endpointStates *reactive.Latest[EndpointState]
	shutdown       *reactive.Once[ShutdownSignal]
	closeDone      chan struct{}

	// Sessions
	sessions *xsync.MapOf[string, *Session]

	// Nodes
	cbsMux               sync.Mutex
	cbs                  *ClaimsBasedSecurityNode
	managementNodes      *xsync.MapOf[string, *ManagementNode]
	tokenManagerProvider TokenManagerProvider

	// Listeners
	listenerMux sync.RWMutex
	listeners   []ConnectionListener
}

func newConnection(cf *ConnectionFactory, id string, eng engine.Engine) *Connection {
	c := &Connection{
		factory:          cf,
		id:               id,
		hostname:         cf.Host,
		namespace:        cf.FullyQualifiedNamespace,
		port:             cf.Port,
		operationTimeout: cf.operationTimeout(),
		engine:           eng,
		logger:           cf.Logger.With(zap.String("connectionId", id)),
		endpointStates:   reactive.NewLatest[EndpointState](8),
		shutdown:         reactive.NewOnce[ShutdownSignal](),
		closeDone:        make(chan struct{}),
		sessions:         xsync.NewMapOf[string, *Session](),
		managementNodes:  xsync.NewMapOf[string, *ManagementNode](),
		listeners:        append([]ConnectionListener(nil), cf.Listeners...),
	}
	c.state.Store(int32(StateUnstarted))

	c.tokenManagerProvider = cf.TokenManagerProvider
	if c.tokenManagerProvider == nil {
		c.tokenManagerProvider = &CBSTokenManagerProvider{
			Namespace:   c.namespace,
			RetryPolicy: cf.RetryPolicy,
			Logger:      cf.Logger,
		}
	}

	return c
}

// start creates the engine connection and its dispatcher goroutine on first demand
func (c *Connection) start(ctx context.Context) error {
	c.connMux.Lock()
	defer c.connMux.Unlock()

	if c.handle != nil {
		return nil
	}
	if c.disposed.Load() {
		return newIllegalStateError(c.id, "connection is disposed")
	}

	c.state.Store(int32(StateConnecting))
	handle, err := c.engine.NewConnection(ctx, c.id, c.hostname, c.port)
	if err != nil {
		c.state.Store(int32(StateUnstarted))
		err = newTransportError(c.id, "create engine connection", err)
		c.factory.Metrics.ConnectionError(err)
		return err
	}

	c.handle = handle
	c.dispatcher = handle.Dispatcher()
	c.pumpDone = make(chan struct{})
	c.factory.Metrics.ConnectionCreated()

	go c.runDispatcher(c.dispatcher)
	go c.pumpEndpointStates(handle.EndpointStates(), c.pumpDone)

	c.logger.Debug("engine connection created",
		zap.String("hostname", c.hostname),
		zap.Int("port", c.port))
	return nil
}

// runDispatcher drives the engine event loop until it is closed
func (c *Connection) runDispatcher(d engine.Dispatcher) {
	if err := d.Run(); err != nil {
		c.logger.Warn("dispatcher stopped with error", zap.Error(err))
	}

	if !c.disposed.Load() {
		c.closeAsync(ShutdownSignal{
			TransportInitiated: true,
			Reason:             "dispatcher stopped unexpectedly",
		})
	}
}

// pumpEndpointStates translates the engine's endpoint states and triggers the
// shutdown cascade when the engine stream ends
func (c *Connection) pumpEndpointStates(states <-chan engine.StateEvent, done chan struct{}) {
	defer close(done)

	for ev := range states {
		if ev.Err != nil {
			err := newTransportError(c.id, "connection endpoint failed", ev.Err)
			c.factory.Metrics.ConnectionError(err)
			c.factory.ErrorHandler.HandleConnectionError(c, err)
			c.closeAsync(ShutdownSignal{
				TransportInitiated: true,
				Reason:             ev.Err.Error(),
			})
			c.endpointStates.Fail(err)
			return
		}

		state := endpointStateOf(ev.State)
		if state == EndpointActive && c.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
			c.logger.Info("connection active")
			c.factory.Metrics.ConnectionActive()
			c.notifyListeners(func(l ConnectionListener) {
				l.OnConnectionActive(c)
			})
		}
		c.endpointStates.Publish(state)
	}

	c.closeAsync(ShutdownSignal{
		TransportInitiated: true,
		Reason:             "connection handler closed",
	})
	c.endpointStates.Complete()
}

// ConnectAndAwaitActive starts the engine connection if needed and waits
// until it reports active, bounded by the operation timeout. On timeout the
// connection is disposed.
func (c *Connection) ConnectAndAwaitActive(ctx context.Context) error {
	if c.disposed.Load() {
		return newIllegalStateError(c.id, "connection is disposed")
	}
	if err := c.start(ctx); err != nil {
		return err
	}

	sub := c.endpointStates.Subscribe()
	defer sub.Cancel()

	timer := time.NewTimer(c.operationTimeout)
	defer timer.Stop()

	for {
		select {
		case r, ok := <-sub.C:
			if !ok {
				return &Error{Kind: KindUnexpectedCompletion, ConnectionID: c.id, Reason: "endpoint states ended before active"}
			}
			switch r.Kind {
			case reactive.KindValue:
				if r.Value == EndpointActive {
					return nil
				}
			case reactive.KindError:
				return asTransportError(c.id, "connection failed before active", r.Err)
			case reactive.KindEmpty:
				return &Error{Kind: KindUnexpectedCompletion, ConnectionID: c.id, Reason: "endpoint states ended before active"}
			}

		case <-timer.C:
			err := newTimeoutError(c.id, "", c.operationTimeout)
			c.logger.Warn("connection did not become active", zap.Duration("timeout", c.operationTimeout))
			c.factory.Metrics.ConnectionError(err)
			c.closeAsync(ShutdownSignal{Reason: "timeout waiting for connection to become active"})
			return err

		case <-ctx.Done():
			return newContextError(c.id, "", ctx.Err())
		}
	}
}

// EndpointStates subscribes to the connection's endpoint states. The most
// recent state is replayed on subscribe.
func (c *Connection) EndpointStates() *StateSubscription {
	return newStateSubscription(c.endpointStates.Subscribe())
}

// ShutdownSignals returns a channel that receives the connection's shutdown
// signal once, then is closed. Late subscribers receive the same signal.
func (c *Connection) ShutdownSignals() <-chan ShutdownSignal {
	return c.shutdown.Subscribe()
}

// ShutdownSignal returns the signal the connection is closing with, or false
// while it is open
func (c *Connection) ShutdownSignal() (ShutdownSignal, bool) {
	return c.shutdown.Value()
}

// CreateSession returns the session with the given name, creating it if it
// does not exist, and waits for it to become active
func (c *Connection) CreateSession(ctx context.Context, name string) (*Session, error) {
	if c.disposed.Load() {
		return nil, newIllegalStateError(c.id, "cannot create session "+name+" on a disposed connection")
	}
	if name == "" {
		return nil, fmt.Errorf("session name cannot be empty")
	}
	if err := c.ConnectAndAwaitActive(ctx); err != nil {
		return nil, err
	}

	session, loaded := c.sessions.LoadOrCompute(name, func() *Session {
		return newSession(c, name)
	})
	if !loaded {
		c.logger.Debug("creating session", zap.String("sessionName", name))
		session.open(c.engineConnection())
		c.factory.Metrics.SessionCreated()
		c.notifyListeners(func(l ConnectionListener) {
			l.OnSessionCreated(c, name)
		})
	}

	timeout := c.factory.RetryPolicy.TryTimeout()
	if err := session.awaitActive(ctx, timeout); err != nil {
		if IsTimeout(err) {
			c.logger.Warn("session did not become active",
				zap.String("sessionName", name),
				zap.Duration("timeout", timeout))
			c.removeSessionInstance(session)
		}
		return nil, err
	}

	if c.disposed.Load() {
		return nil, newIllegalStateError(c.id, "connection disposed while creating session "+name)
	}
	return session, nil
}

// RemoveSession removes and disposes the named session. It reports whether
// the session was present.
func (c *Connection) RemoveSession(name string) bool {
	session, ok := c.sessions.LoadAndDelete(name)
	if !ok {
		return false
	}

	session.dispose()
	c.sessionRemoved(name)
	return true
}

// removeSessionInstance removes session only if the registry still maps its
// name to that instance
func (c *Connection) removeSessionInstance(session *Session) bool {
	removed := false
	c.sessions.Compute(session.name, func(old *Session, loaded bool) (*Session, bool) {
		if loaded && old == session {
			removed = true
			return nil, true
		}
		return old, !loaded
	})

	session.dispose()
	if removed {
		c.sessionRemoved(session.name)
	}
	return removed
}

// evictSession is called when a session's endpoint states end. Sessions of a
// disposed connection are left to the shutdown cascade.
func (c *Connection) evictSession(session *Session) {
	if c.disposed.Load() {
		return
	}
	if c.removeSessionInstance(session) {
		c.logger.Debug("session terminated and removed", zap.String("sessionName", session.name))
	}
}

func (c *Connection) sessionRemoved(name string) {
	c.factory.Metrics.SessionRemoved()
	c.notifyListeners(func(l ConnectionListener) {
		l.OnSessionRemoved(c, name)
	})
}

// CreateRequestResponseChannel returns a provider for the request-response
// channel identified by session, link name and address. The provider
// recreates the channel after failures while the connection is alive.
func (c *Connection) CreateRequestResponseChannel(ctx context.Context, sessionName, linkName, address string) (*RequestResponseChannelProvider, error) {
	if c.disposed.Load() {
		return nil, newIllegalStateError(c.id, "cannot create request-response channel on a disposed connection")
	}
	if sessionName == "" || linkName == "" || address == "" {
		return nil, fmt.Errorf("session name, link name and address are required")
	}

	return newRequestResponseChannelProvider(c, sessionName, linkName, address), nil
}

// GetClaimsBasedSecurityNode returns the connection's CBS node, creating it
// on first use
func (c *Connection) GetClaimsBasedSecurityNode(ctx context.Context) (*ClaimsBasedSecurityNode, error) {
	if c.disposed.Load() {
		return nil, newIllegalStateError(c.id, "cannot get CBS node of a disposed connection")
	}

	c.cbsMux.Lock()
	defer c.cbsMux.Unlock()

	if c.cbs != nil {
		return c.cbs, nil
	}
	if c.disposed.Load() {
		return nil, newIllegalStateError(c.id, "cannot get CBS node of a disposed connection")
	}

	provider, err := c.CreateRequestResponseChannel(ctx, cbsSessionName, cbsLinkName, cbsAddress)
	if err != nil {
		return nil, err
	}

	c.cbs = newClaimsBasedSecurityNode(c, provider, c.factory.TokenProvider)
	return c.cbs, nil
}

// GetManagementNode returns the authorized management node of entityPath,
// creating it on first use
func (c *Connection) GetManagementNode(ctx context.Context, entityPath string) (*ManagementNode, error) {
	if c.disposed.Load() {
		return nil, newIllegalStateError(c.id, "cannot get management node of a disposed connection")
	}
	if entityPath == "" {
		return nil, fmt.Errorf("entity path cannot be empty")
	}

	if node, ok := c.managementNodes.Load(entityPath); ok {
		return node, nil
	}

	cbs, err := c.GetClaimsBasedSecurityNode(ctx)
	if err != nil {
		return nil, err
	}

	logger := c.logger.With(zap.String("entityPath", entityPath))
	tokenManager := c.tokenManagerProvider.NewTokenManager(cbs, entityPath)
	if _, err := tokenManager.Authorize(ctx); err != nil {
		_ = tokenManager.Close()
		err = newAuthorizationError(c.id, "authorize management node "+entityPath, err)
		c.factory.Metrics.AuthorizationFailed(err)
		return nil, err
	}
	c.factory.Metrics.AuthorizationSucceeded()

	provider, err := c.CreateRequestResponseChannel(ctx,
		entityPath+"-mgmt-session",
		entityPath+"-mgmt",
		entityPath+managementNodeAddressSuffix)
	if err != nil {
		_ = tokenManager.Close()
		return nil, err
	}

	node := newManagementNode(c, entityPath, provider, tokenManager)
	actual, loaded := c.managementNodes.LoadOrStore(entityPath, node)
	if loaded {
		logger.Debug("management node created concurrently, discarding duplicate")
		if err := node.Close(); err != nil {
			logger.Warn("failed to close duplicate management node", zap.Error(err))
		}
		return actual, nil
	}

	// The cascade may have snapshotted the registry before the insert
	if c.disposed.Load() {
		c.managementNodes.Delete(entityPath)
		_ = node.Close()
		return nil, newIllegalStateError(c.id, "connection disposed while creating management node "+entityPath)
	}

	node.start()
	logger.Debug("management node created")
	return node, nil
}

// CloseAsync starts a graceful, caller-initiated shutdown and returns a
// channel closed once the cascade finished. Repeated calls return the same
// channel.
func (c *Connection) CloseAsync() <-chan struct{} {
	return c.closeAsync(ShutdownSignal{
		Graceful: true,
		Reason:   "connection disposed by client",
	})
}

// closeAsync runs the shutdown cascade once; the first signal wins
func (c *Connection) closeAsync(signal ShutdownSignal) <-chan struct{} {
	if !c.disposed.CompareAndSwap(false, true) {
		c.logger.Debug("connection already closing, ignoring shutdown signal", zap.Stringer("signal", signal))
		return c.closeDone
	}

	c.state.Store(int32(StateClosing))
	c.shutdown.Emit(signal)
	c.logger.Info("closing connection",
		zap.Bool("transportInitiated", signal.TransportInitiated),
		zap.Bool("graceful", signal.Graceful),
		zap.String("reason", signal.Reason))

	go c.cascade(signal)
	return c.closeDone
}

// cascade closes nodes, the engine connection, sessions and the dispatcher,
// each step bounded by the operation timeout
func (c *Connection) cascade(signal ShutdownSignal) {
	defer close(c.closeDone)

	// CBS and management nodes first, concurrently
	if err := c.closeNodes(); err != nil {
		c.logger.Warn("error closing nodes", zap.Error(err))
	}

	c.connMux.Lock()
	handle, dispatcher, pumpDone := c.handle, c.dispatcher, c.pumpDone
	c.connMux.Unlock()

	if handle != nil {
		c.closeHandle(handle, dispatcher)
		c.awaitSessionsClosed()

		if err := dispatcher.Close(); err != nil {
			c.logger.Warn("error closing dispatcher", zap.Error(err))
		}
		select {
		case <-dispatcher.Done():
		case <-time.After(c.operationTimeout):
			c.logger.Warn("timeout waiting for dispatcher to stop", zap.Duration("timeout", c.operationTimeout))
		}

		select {
		case <-pumpDone:
		case <-time.After(c.operationTimeout):
			c.logger.Warn("timeout waiting for endpoint states to end", zap.Duration("timeout", c.operationTimeout))
		}
	}

	// Whatever the engine did not terminate is disposed here
	c.sessions.Range(func(name string, s *Session) bool {
		s.dispose()
		return true
	})
	c.sessions.Clear()

	c.state.Store(int32(StateClosed))
	c.endpointStates.Complete()
	c.factory.Metrics.ConnectionClosed()
	c.notifyListeners(func(l ConnectionListener) {
		l.OnConnectionClosed(c, signal)
	})
	c.logger.Info("connection closed")
}

// closeNodes closes the CBS node and every management node concurrently
func (c *Connection) closeNodes() error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)

	closeNode := func(name string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("close %s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}

	c.cbsMux.Lock()
	cbs := c.cbs
	c.cbsMux.Unlock()
	if cbs != nil {
		closeNode("cbs node", cbs.Close)
	}

	c.managementNodes.Range(func(path string, node *ManagementNode) bool {
		closeNode("management node "+path, node.Close)
		return true
	})

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		mu.Lock()
		defer mu.Unlock()
		return errs
	case <-time.After(c.operationTimeout):
		return newTimeoutError(c.id, "", c.operationTimeout)
	}
}

// closeHandle closes the engine connection on the dispatcher, falling back to
// a direct close when the dispatcher rejects the task
func (c *Connection) closeHandle(handle engine.Connection, dispatcher engine.Dispatcher) {
	result := make(chan error, 1)
	if err := dispatcher.Invoke(func() { result <- handle.Close() }); err != nil {
		c.logger.Warn("dispatcher rejected close, closing engine connection directly", zap.Error(err))
		result <- handle.Close()
	}

	select {
	case err := <-result:
		if err != nil {
			c.logger.Warn("error closing engine connection", zap.Error(err))
		}
	case <-time.After(c.operationTimeout):
		c.logger.Warn("timeout closing engine connection", zap.Duration("timeout", c.operationTimeout))
	}
}

// awaitSessionsClosed waits for every registered session to end, bounded by
// the operation timeout. A timeout is logged, not fatal.
func (c *Connection) awaitSessionsClosed() {
	deadline := time.NewTimer(c.operationTimeout)
	defer deadline.Stop()

	var pending []*Session
	c.sessions.Range(func(name string, s *Session) bool {
		pending = append(pending, s)
		return true
	})

	for _, s := range pending {
		select {
		case <-s.done:
		case <-deadline.C:
			c.logger.Warn("timeout waiting for sessions to close",
				zap.Int("sessions", len(pending)),
				zap.Duration("timeout", c.operationTimeout))
			return
		}
	}
}

// Dispose closes the connection and blocks until the cascade finished, at
// most twice the operation timeout
func (c *Connection) Dispose() error {
	bound := 2 * c.operationTimeout
	select {
	case <-c.CloseAsync():
		return nil
	case <-time.After(bound):
		return newTimeoutError(c.id, "", bound)
	}
}

// Close is an alias for Dispose
func (c *Connection) Close() error {
	return c.Dispose()
}

// invoke schedules task on the connection's dispatcher
func (c *Connection) invoke(task func()) error {
	c.connMux.Lock()
	d := c.dispatcher
	c.connMux.Unlock()

	if d == nil {
		return newIllegalStateError(c.id, "connection not started")
	}
	return d.Invoke(task)
}

// invokeAndWait runs fn on the dispatcher and waits for its result
func invokeAndWait[T any](ctx context.Context, c *Connection, fn func() (T, error)) (T, error) {
	p := reactive.NewPromise[T]()
	err := c.invoke(func() {
		defer func() {
			if r := recover(); r != nil {
				p.Fail(newTransportError(c.id, "dispatched task panicked", fmt.Errorf("%v", r)))
				c.logger.Error("dispatched task panicked", zap.Any("panic", r), zap.Stack("stack"))
			}
		}()
		v, err := fn()
		if err != nil {
			p.Fail(err)
			return
		}
		p.Complete(v)
	})
	if err != nil {
		var zero T
		return zero, asTransportError(c.id, "dispatch", err)
	}
	v, err := p.Wait(ctx)
	return v, waitErr(ctx, c.id, "", err)
}

func (c *Connection) engineConnection() engine.Connection {
	c.connMux.Lock()
	defer c.connMux.Unlock()
	return c.handle
}

// ID returns the connection id
func (c *Connection) ID() string {
	return c.id
}

// FullyQualifiedNamespace returns the namespace used for token audiences
func (c *Connection) FullyQualifiedNamespace() string {
	return c.namespace
}

// Hostname returns the host the connection dials
func (c *Connection) Hostname() string {
	return c.hostname
}

// MaxFrameSize returns the max frame size the engine connection advertises,
// or the configured one before the engine connection exists
func (c *Connection) MaxFrameSize() uint32 {
	if h := c.engineConnection(); h != nil {
		return h.MaxFrameSize()
	}
	return c.factory.MaxFrameSize
}

// ConnectionProperties returns the connection properties
func (c *Connection) ConnectionProperties() map[string]any {
	if h := c.engineConnection(); h != nil {
		return h.Properties()
	}
	props := make(map[string]any, len(c.factory.Properties))
	for k, v := range c.factory.Properties {
		props[k] = v
	}
	return props
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsDisposed reports whether the connection was disposed
func (c *Connection) IsDisposed() bool {
	return c.disposed.Load()
}
