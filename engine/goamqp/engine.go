// Package goamqp binds the engine contract to github.com/Azure/go-amqp.
//
// go-amqp performs blocking network calls; they run on the connection's
// LoopDispatcher goroutine, which keeps engine objects single-threaded.
package goamqp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"go.uber.org/zap"

	"github.com/israelio/amqp1-go-client/engine"
)

const (
	defaultDispatcherQueueSize = 256

	// go-amqp advertises this when no max frame size is configured
	defaultMaxFrameSize = 65536
)

// Options configures the go-amqp engine
type Options struct {
	TLSConfig *tls.Config
	UseTLS    bool

	// SASL PLAIN credentials; empty uses SASL ANONYMOUS
	Username string
	Password string

	MaxFrameSize uint32
	IdleTimeout  time.Duration
	Properties   map[string]any

	// DispatcherQueueSize bounds the tasks queued per connection
	DispatcherQueueSize int

	Logger *zap.Logger
}

// Engine is an engine.Engine over go-amqp
type Engine struct {
	opts Options
	dial func(ctx context.Context, addr string, opts *amqp.ConnOptions) (*amqp.Conn, error)
}

// NewEngine creates a go-amqp engine
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DispatcherQueueSize <= 0 {
		opts.DispatcherQueueSize = defaultDispatcherQueueSize
	}
	return &Engine{opts: opts, dial: amqp.Dial}
}

// NewConnection implements engine.Engine. It returns immediately; the dial
// runs in the background and reports Active, or an error, on the
// endpoint-state stream.
func (e *Engine) NewConnection(ctx context.Context, id, hostname string, port int) (engine.Connection, error) {
	if hostname == "" {
		return nil, errors.New("goamqp: hostname cannot be empty")
	}

	scheme := "amqp"
	if e.opts.UseTLS {
		scheme = "amqps"
	}
	addr := fmt.Sprintf("%s://%s:%d", scheme, hostname, port)

	connOpts := &amqp.ConnOptions{
		ContainerID:  id,
		HostName:     hostname,
		IdleTimeout:  e.opts.IdleTimeout,
		MaxFrameSize: e.opts.MaxFrameSize,
		Properties:   e.opts.Properties,
		SASLType:     amqp.SASLTypeAnonymous(),
	}
	if e.opts.Username != "" {
		connOpts.SASLType = amqp.SASLTypePlain(e.opts.Username, e.opts.Password)
	}
	if e.opts.UseTLS {
		tlsConfig := e.opts.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: hostname}
		}
		connOpts.TLSConfig = tlsConfig
	}

	dialCtx, cancel := context.WithCancel(context.Background())
	frameSize := e.opts.MaxFrameSize
	if frameSize == 0 {
		frameSize = defaultMaxFrameSize
	}

	logger := e.opts.Logger.With(zap.String("connectionId", id))
	c := &Connection{
		id:         id,
		logger:     logger,
		dispatcher: engine.NewLoopDispatcher(e.opts.DispatcherQueueSize, engine.WithDispatcherLogger(logger)),
		states:     newStateStream(),
		cancelDial: cancel,
		properties: e.opts.Properties,
		frameSize:  frameSize,
	}
	c.states.emit(engine.StateUninitialized)

	go c.dial(dialCtx, e.dial, addr, connOpts)
	return c, nil
}

// Connection is an engine.Connection over *amqp.Conn
type Connection struct {
	id         string
	logger     *zap.Logger
	dispatcher *engine.LoopDispatcher
	states     *stateStream
	cancelDial context.CancelFunc
	properties map[string]any
	frameSize  uint32

	mu       sync.Mutex
	conn     *amqp.Conn
	closed   bool
	sessions []*Session
}

func (c *Connection) dial(ctx context.Context, dial func(context.Context, string, *amqp.ConnOptions) (*amqp.Conn, error), addr string, opts *amqp.ConnOptions) {
	conn, err := dial(ctx, addr, opts)
	if err != nil {
		c.logger.Warn("dial failed", zap.String("addr", addr), zap.Error(err))
		c.states.fail(fmt.Errorf("goamqp: dial %s: %w", addr, err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Debug("connected", zap.String("addr", addr))
	c.states.emit(engine.StateActive)

	go c.watch(conn)
}

// watch fails the connection when go-amqp closes it without a local Close,
// e.g. the peer dropped the socket or sent close
func (c *Connection) watch(conn *amqp.Conn) {
	<-conn.Done()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	err := conn.Err()
	if err == nil {
		err = errors.New("goamqp: connection closed by peer")
	}
	c.lost(err)
}

// EndpointStates implements engine.Connection
func (c *Connection) EndpointStates() <-chan engine.StateEvent {
	return c.states.ch
}

// Dispatcher implements engine.Connection
func (c *Connection) Dispatcher() engine.Dispatcher {
	return c.dispatcher
}

// MaxFrameSize implements engine.Connection. It is the size this side
// advertises in its open frame.
func (c *Connection) MaxFrameSize() uint32 {
	return c.frameSize
}

// Properties implements engine.Connection
func (c *Connection) Properties() map[string]any {
	return c.properties
}

// NewSession implements engine.Connection
func (c *Connection) NewSession(ctx context.Context, name string) (engine.Session, error) {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()

	if closed {
		return nil, errors.New("goamqp: connection closed")
	}
	if conn == nil {
		return nil, errors.New("goamqp: connection not established")
	}

	as, err := conn.NewSession(ctx, nil)
	if err != nil {
		c.checkConnError(err)
		return nil, fmt.Errorf("goamqp: begin session %s: %w", name, err)
	}

	s := &Session{
		name:    name,
		conn:    c,
		session: as,
		states:  newStateStream(),
		logger:  c.logger.With(zap.String("sessionName", name)),
	}
	s.states.emit(engine.StateUninitialized)
	s.states.emit(engine.StateActive)

	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()

	return s, nil
}

// Close implements engine.Connection
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()

	c.cancelDial()

	var err error
	if conn != nil {
		err = conn.Close()
		var connErr *amqp.ConnError
		if errors.As(err, &connErr) && connErr.RemoteErr == nil {
			err = nil
		}
	}

	for _, s := range sessions {
		s.states.complete(engine.StateClosed)
	}
	c.states.complete(engine.StateClosed)
	return err
}

// checkConnError fails the connection if err reports it lost
func (c *Connection) checkConnError(err error) {
	var connErr *amqp.ConnError
	if errors.As(err, &connErr) {
		c.lost(err)
	}
}

// lost fails every open session and the connection's state stream, unless
// the connection was already closed
func (c *Connection) lost(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()

	c.logger.Warn("connection lost", zap.Error(err))
	for _, s := range sessions {
		s.states.fail(err)
	}
	c.states.fail(err)
}

// Session is an engine.Session over *amqp.Session
type Session struct {
	name    string
	conn    *Connection
	session *amqp.Session
	states  *stateStream
	logger  *zap.Logger
}

// Name implements engine.Session
func (s *Session) Name() string {
	return s.name
}

// EndpointStates implements engine.Session
func (s *Session) EndpointStates() <-chan engine.StateEvent {
	return s.states.ch
}

// NewSender implements engine.Session
func (s *Session) NewSender(ctx context.Context, name, target string, opts engine.LinkOptions) (engine.Sender, error) {
	senderMode := senderSettleMode(opts.SenderSettleMode)
	receiverMode := receiverSettleMode(opts.ReceiverSettleMode)

	as, err := s.session.NewSender(ctx, target, &amqp.SenderOptions{
		Name:                        name,
		SettlementMode:              &senderMode,
		RequestedReceiverSettleMode: &receiverMode,
		Properties:                  opts.Properties,
	})
	if err != nil {
		s.checkError(err)
		return nil, fmt.Errorf("goamqp: attach sender %s: %w", name, err)
	}
	return &Sender{session: s, sender: as}, nil
}

// NewReceiver implements engine.Session
func (s *Session) NewReceiver(ctx context.Context, name, source string, opts engine.LinkOptions) (engine.Receiver, error) {
	senderMode := senderSettleMode(opts.SenderSettleMode)
	receiverMode := receiverSettleMode(opts.ReceiverSettleMode)

	ar, err := s.session.NewReceiver(ctx, source, &amqp.ReceiverOptions{
		Name:                      name,
		TargetAddress:             opts.TargetAddress,
		SettlementMode:            &receiverMode,
		RequestedSenderSettleMode: &senderMode,
		Properties:                opts.Properties,
	})
	if err != nil {
		s.checkError(err)
		return nil, fmt.Errorf("goamqp: attach receiver %s: %w", name, err)
	}
	return &Receiver{session: s, receiver: ar}, nil
}

// Close implements engine.Session
func (s *Session) Close(ctx context.Context) error {
	err := s.session.Close(ctx)
	s.states.complete(engine.StateClosed)

	var sessErr *amqp.SessionError
	if errors.As(err, &sessErr) && sessErr.RemoteErr == nil {
		return nil
	}
	return err
}

// checkError ends the session's state stream when err reports the session
// or its connection lost
func (s *Session) checkError(err error) {
	var sessErr *amqp.SessionError
	if errors.As(err, &sessErr) {
		s.logger.Debug("session ended", zap.Error(err))
		s.states.fail(err)
		return
	}
	s.conn.checkConnError(err)
}

// Sender is an engine.Sender over *amqp.Sender
type Sender struct {
	session *Session
	sender  *amqp.Sender
}

// Send implements engine.Sender
func (s *Sender) Send(ctx context.Context, msg *engine.Message) error {
	if err := s.sender.Send(ctx, toAMQPMessage(msg), nil); err != nil {
		s.session.checkError(err)
		return err
	}
	return nil
}

// Close implements engine.Sender
func (s *Sender) Close(ctx context.Context) error {
	return s.sender.Close(ctx)
}

// Receiver is an engine.Receiver over *amqp.Receiver
type Receiver struct {
	session  *Session
	receiver *amqp.Receiver

	// received keeps the go-amqp message of each delivery until it is settled
	received sync.Map
}

// Receive implements engine.Receiver
func (r *Receiver) Receive(ctx context.Context) (*engine.Message, error) {
	am, err := r.receiver.Receive(ctx, nil)
	if err != nil {
		if ctx.Err() == nil {
			r.session.checkError(err)
		}
		return nil, err
	}

	msg := fromAMQPMessage(am)
	r.received.Store(msg, am)
	return msg, nil
}

// Accept implements engine.Receiver
func (r *Receiver) Accept(ctx context.Context, msg *engine.Message) error {
	v, ok := r.received.LoadAndDelete(msg)
	if !ok {
		return errors.New("goamqp: message was not received on this link or is already settled")
	}
	return r.receiver.AcceptMessage(ctx, v.(*amqp.Message))
}

// Close implements engine.Receiver
func (r *Receiver) Close(ctx context.Context) error {
	r.received.Range(func(key, _ any) bool {
		r.received.Delete(key)
		return true
	})
	return r.receiver.Close(ctx)
}

func senderSettleMode(m engine.SenderSettleMode) amqp.SenderSettleMode {
	switch m {
	case engine.SenderSettleModeSettled:
		return amqp.SenderSettleModeSettled
	case engine.SenderSettleModeMixed:
		return amqp.SenderSettleModeMixed
	default:
		return amqp.SenderSettleModeUnsettled
	}
}

func receiverSettleMode(m engine.ReceiverSettleMode) amqp.ReceiverSettleMode {
	if m == engine.ReceiverSettleModeSecond {
		return amqp.ReceiverSettleModeSecond
	}
	return amqp.ReceiverSettleModeFirst
}

func toAMQPMessage(msg *engine.Message) *amqp.Message {
	am := &amqp.Message{
		ApplicationProperties: msg.ApplicationProperties,
		Value:                 msg.Value,
	}
	if msg.Data != nil {
		am.Data = [][]byte{msg.Data}
	}

	props := &amqp.MessageProperties{
		MessageID:     msg.MessageID,
		CorrelationID: msg.CorrelationID,
	}
	if msg.To != "" {
		props.To = &msg.To
	}
	if msg.ReplyTo != "" {
		props.ReplyTo = &msg.ReplyTo
	}
	am.Properties = props

	return am
}

func fromAMQPMessage(am *amqp.Message) *engine.Message {
	msg := &engine.Message{
		ApplicationProperties: am.ApplicationProperties,
		Value:                 am.Value,
	}
	if len(am.Data) > 0 {
		msg.Data = am.GetData()
	}
	if p := am.Properties; p != nil {
		msg.MessageID = p.MessageID
		msg.CorrelationID = p.CorrelationID
		if p.To != nil {
			msg.To = *p.To
		}
		if p.ReplyTo != nil {
			msg.ReplyTo = *p.ReplyTo
		}
	}
	return msg
}

// stateStream is an endpoint-state channel that is closed once
type stateStream struct {
	mu     sync.Mutex
	ch     chan engine.StateEvent
	closed bool
}

func newStateStream() *stateStream {
	return &stateStream{ch: make(chan engine.StateEvent, 8)}
}

func (s *stateStream) emit(state engine.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.send(engine.StateEvent{State: state})
	}
}

func (s *stateStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.sendLast(engine.StateEvent{Err: err})
		s.closed = true
		close(s.ch)
	}
}

func (s *stateStream) complete(final engine.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.sendLast(engine.StateEvent{State: final})
		s.closed = true
		close(s.ch)
	}
}

// send drops the event if nobody drains the stream
func (s *stateStream) send(ev engine.StateEvent) {
	select {
	case s.ch <- ev:
	default:
	}
}

// sendLast delivers a terminal event, dropping the oldest buffered events to
// make room. Only writers holding mu send, so a freed slot stays free.
func (s *stateStream) sendLast(ev engine.StateEvent) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}
