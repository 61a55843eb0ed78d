// Package enginetest provides a scriptable in-memory engine.Engine for
// exercising the connection core without a broker.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/israelio/amqp1-go-client/engine"
)

// Responder produces the reply for a request sent to address. Returning nil
// sends no reply.
type Responder func(address string, req *engine.Message) *engine.Message

// Engine is a fake engine.Engine
type Engine struct {
	// AutoActivate makes new connections report Active immediately
	AutoActivate bool
	// SessionAutoActivate makes new sessions report Active immediately
	SessionAutoActivate bool
	// NewConnectionErr, when set, fails NewConnection
	NewConnectionErr error
	// NewDispatcher overrides the dispatcher given to new connections
	NewDispatcher func() engine.Dispatcher
	// Responder answers requests sent over sender links
	Responder Responder
	// OnConnectionClose runs once when a connection is first closed, before
	// its sessions and state stream complete
	OnConnectionClose func(c *Connection)

	mu          sync.Mutex
	connections []*Connection
}

// NewEngine creates an engine whose connections and sessions activate on creation
func NewEngine() *Engine {
	return &Engine{
		AutoActivate:        true,
		SessionAutoActivate: true,
	}
}

// NewConnection implements engine.Engine
func (e *Engine) NewConnection(ctx context.Context, id, hostname string, port int) (engine.Connection, error) {
	if e.NewConnectionErr != nil {
		return nil, e.NewConnectionErr
	}

	var dispatcher engine.Dispatcher
	if e.NewDispatcher != nil {
		dispatcher = e.NewDispatcher()
	} else {
		dispatcher = engine.NewLoopDispatcher(64)
	}

	c := &Connection{
		ID:         id,
		Hostname:   hostname,
		Port:       port,
		engine:     e,
		dispatcher: dispatcher,
		states:     make(chan engine.StateEvent, 16),
		sessions:   make(map[string][]*Session),
	}
	c.states <- engine.StateEvent{State: engine.StateUninitialized}
	if e.AutoActivate {
		c.states <- engine.StateEvent{State: engine.StateActive}
	}

	e.mu.Lock()
	e.connections = append(e.connections, c)
	e.mu.Unlock()

	return c, nil
}

// ConnectionCount returns how many connections were created
func (e *Engine) ConnectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.connections)
}

// LastConnection returns the most recently created connection
func (e *Engine) LastConnection() *Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.connections) == 0 {
		return nil
	}
	return e.connections[len(e.connections)-1]
}

// Connection is a fake engine.Connection
type Connection struct {
	ID       string
	Hostname string
	Port     int

	// NewSessionErr, when set, fails NewSession
	NewSessionErr error

	engine     *Engine
	dispatcher engine.Dispatcher

	stateMu      sync.Mutex
	states       chan engine.StateEvent
	statesClosed bool

	mu       sync.Mutex
	sessions map[string][]*Session

	closed     atomic.Bool
	closeCalls atomic.Int32
}

// EndpointStates implements engine.Connection
func (c *Connection) EndpointStates() <-chan engine.StateEvent {
	return c.states
}

// Dispatcher implements engine.Connection
func (c *Connection) Dispatcher() engine.Dispatcher {
	return c.dispatcher
}

// MaxFrameSize implements engine.Connection
func (c *Connection) MaxFrameSize() uint32 {
	return 65536
}

// Properties implements engine.Connection
func (c *Connection) Properties() map[string]any {
	return map[string]any{"product": "enginetest"}
}

// NewSession implements engine.Connection
func (c *Connection) NewSession(ctx context.Context, name string) (engine.Session, error) {
	if c.NewSessionErr != nil {
		return nil, c.NewSessionErr
	}
	if c.closed.Load() {
		return nil, errors.New("enginetest: connection closed")
	}

	s := &Session{
		name:      name,
		conn:      c,
		states:    make(chan engine.StateEvent, 16),
		receivers: make(map[string][]*Receiver),
	}
	s.states <- engine.StateEvent{State: engine.StateUninitialized}
	if c.engine.SessionAutoActivate {
		s.states <- engine.StateEvent{State: engine.StateActive}
	}

	c.mu.Lock()
	c.sessions[name] = append(c.sessions[name], s)
	c.mu.Unlock()

	return s, nil
}

// Close implements engine.Connection. Open sessions complete their state streams.
func (c *Connection) Close() error {
	c.closeCalls.Add(1)
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if hook := c.engine.OnConnectionClose; hook != nil {
		hook(c)
	}

	c.mu.Lock()
	var sessions []*Session
	for _, list := range c.sessions {
		sessions = append(sessions, list...)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Complete()
	}

	c.EmitState(engine.StateClosed)
	c.CompleteStates()
	return nil
}

// EmitState pushes a state onto the connection's endpoint-state stream
func (c *Connection) EmitState(state engine.State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.statesClosed {
		c.states <- engine.StateEvent{State: state}
	}
}

// Fail ends the connection's endpoint-state stream with err
func (c *Connection) Fail(err error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.statesClosed {
		c.states <- engine.StateEvent{Err: err}
		c.statesClosed = true
		close(c.states)
	}
}

// CompleteStates ends the connection's endpoint-state stream without error
func (c *Connection) CompleteStates() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.statesClosed {
		c.statesClosed = true
		close(c.states)
	}
}

// Closed reports whether Close was called
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// CloseCalls returns how many times Close was called
func (c *Connection) CloseCalls() int {
	return int(c.closeCalls.Load())
}

// SessionsCreated returns how many engine sessions were created for name
func (c *Connection) SessionsCreated(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions[name])
}

// Session returns the most recent engine session created for name
func (c *Connection) Session(name string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.sessions[name]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Session is a fake engine.Session
type Session struct {
	name string
	conn *Connection

	stateMu      sync.Mutex
	states       chan engine.StateEvent
	statesClosed bool

	mu        sync.Mutex
	receivers map[string][]*Receiver
	closed    atomic.Bool
}

// Name implements engine.Session
func (s *Session) Name() string {
	return s.name
}

// EndpointStates implements engine.Session
func (s *Session) EndpointStates() <-chan engine.StateEvent {
	return s.states
}

// NewSender implements engine.Session
func (s *Session) NewSender(ctx context.Context, name, target string, opts engine.LinkOptions) (engine.Sender, error) {
	if s.closed.Load() {
		return nil, engine.ErrLinkClosed
	}
	return &Sender{session: s, name: name, target: target}, nil
}

// NewReceiver implements engine.Session
func (s *Session) NewReceiver(ctx context.Context, name, source string, opts engine.LinkOptions) (engine.Receiver, error) {
	if s.closed.Load() {
		return nil, engine.ErrLinkClosed
	}
	r := &Receiver{
		name:     name,
		source:   source,
		incoming: make(chan *engine.Message, 16),
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	s.receivers[source] = append(s.receivers[source], r)
	s.mu.Unlock()
	return r, nil
}

// Close implements engine.Session
func (s *Session) Close(ctx context.Context) error {
	s.Complete()
	return nil
}

// EmitState pushes a state onto the session's endpoint-state stream
func (s *Session) EmitState(state engine.State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if !s.statesClosed {
		s.states <- engine.StateEvent{State: state}
	}
}

// Fail ends the session's endpoint-state stream with err and fails its links
func (s *Session) Fail(err error) {
	s.stateMu.Lock()
	if !s.statesClosed {
		s.states <- engine.StateEvent{Err: err}
		s.statesClosed = true
		close(s.states)
	}
	s.stateMu.Unlock()
	s.terminateLinks(err)
}

// Complete ends the session's endpoint-state stream and closes its links
func (s *Session) Complete() {
	s.stateMu.Lock()
	if !s.statesClosed {
		s.states <- engine.StateEvent{State: engine.StateClosed}
		s.statesClosed = true
		close(s.states)
	}
	s.stateMu.Unlock()
	s.terminateLinks(engine.ErrLinkClosed)
}

func (s *Session) terminateLinks(err error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.receivers {
		for _, r := range list {
			r.Fail(err)
		}
	}
}

// Receiver returns the most recent receiver attached to source
func (s *Session) Receiver(source string) *Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.receivers[source]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// ReceiversCreated returns how many receivers were attached to source
func (s *Session) ReceiversCreated(source string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receivers[source])
}

// Sender is a fake engine.Sender. Sent messages are answered by the engine's
// Responder through the session's receiver on the same address.
type Sender struct {
	session *Session
	name    string
	target  string
	closed  atomic.Bool
}

// Send implements engine.Sender
func (s *Sender) Send(ctx context.Context, msg *engine.Message) error {
	if s.closed.Load() || s.session.closed.Load() {
		return engine.ErrLinkClosed
	}

	responder := s.session.conn.engine.Responder
	if responder == nil {
		return nil
	}

	reply := responder(s.target, msg)
	if reply == nil {
		return nil
	}
	reply.CorrelationID = msg.MessageID

	r := s.session.Receiver(s.target)
	if r == nil {
		return fmt.Errorf("enginetest: no receiver on %s", s.target)
	}
	return r.Deliver(reply)
}

// Close implements engine.Sender
func (s *Sender) Close(ctx context.Context) error {
	s.closed.Store(true)
	return nil
}

// Receiver is a fake engine.Receiver
type Receiver struct {
	name     string
	source   string
	incoming chan *engine.Message
	once     sync.Once
	done     chan struct{}
	err      error
	accepted atomic.Int32
}

// Receive implements engine.Receiver
func (r *Receiver) Receive(ctx context.Context) (*engine.Message, error) {
	select {
	case msg := <-r.incoming:
		return msg, nil
	case <-r.done:
		return nil, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept implements engine.Receiver
func (r *Receiver) Accept(ctx context.Context, msg *engine.Message) error {
	r.accepted.Add(1)
	return nil
}

// Close implements engine.Receiver
func (r *Receiver) Close(ctx context.Context) error {
	r.Fail(engine.ErrLinkClosed)
	return nil
}

// Deliver queues msg for Receive
func (r *Receiver) Deliver(msg *engine.Message) error {
	select {
	case <-r.done:
		return r.err
	default:
	}
	select {
	case r.incoming <- msg:
		return nil
	default:
		return errors.New("enginetest: receiver buffer full")
	}
}

// Fail terminates the receiver; pending and future Receive calls return err
func (r *Receiver) Fail(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Closed reports whether the receiver was terminated
func (r *Receiver) Closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
