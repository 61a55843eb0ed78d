package amqp1

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/israelio/amqp1-go-client/engine"
	"github.com/israelio/amqp1-go-client/internal/reactive"
)

// Session is a named AMQP session on a connection. Sessions are created and
// deduplicated by Connection.CreateSession.
type Session struct {
	conn   *Connection
	name   string
	logger *zap.Logger

	endpointStates *reactive.Latest[EndpointState]

	handleMux sync.Mutex
	handle    engine.Session
	disposed  atomic.Bool
	ended     atomic.Bool

	doneOnce sync.Once
	done     chan struct{}
}

func newSession(conn *Connection, name string) *Session {
	return &Session{
		conn:           conn,
		name:           name,
		logger:         conn.logger.With(zap.String("sessionName", name)),
		endpointStates: reactive.NewLatest[EndpointState](4),
		done:           make(chan struct{}),
	}
}

// open begins the engine session on the dispatcher and starts its state pump
func (s *Session) open(handle engine.Connection) {
	timeout := s.conn.operationTimeout

	err := s.conn.invoke(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if s.disposed.Load() {
			s.terminate(reactive.Empty[EndpointState]())
			return
		}

		es, err := handle.NewSession(ctx, s.name)
		if err != nil {
			s.fail(asTransportError(s.conn.id, "begin session "+s.name, err))
			return
		}

		s.handleMux.Lock()
		s.handle = es
		disposed := s.disposed.Load()
		s.handleMux.Unlock()

		go s.pumpEndpointStates(es.EndpointStates())

		if disposed {
			if err := es.Close(ctx); err != nil {
				s.logger.Debug("error closing session disposed while opening", zap.Error(err))
			}
		}
	})
	if err != nil {
		s.fail(newTransportError(s.conn.id, "schedule session "+s.name, err))
	}
}

// pumpEndpointStates republishes the engine session's states and evicts the
// session once they end
func (s *Session) pumpEndpointStates(states <-chan engine.StateEvent) {
	for ev := range states {
		if ev.Err != nil {
			s.fail(asTransportError(s.conn.id, "session "+s.name+" failed", ev.Err))
			return
		}
		s.endpointStates.Publish(endpointStateOf(ev.State))
	}

	s.ended.Store(true)
	s.conn.evictSession(s)
	s.terminate(reactive.Empty[EndpointState]())
}

// fail evicts the session and ends its state stream with err
func (s *Session) fail(err error) {
	e, ok := err.(*Error)
	if ok && e.SessionName == "" {
		cp := *e
		cp.SessionName = s.name
		err = &cp
	}

	s.ended.Store(true)
	s.conn.factory.ErrorHandler.HandleSessionError(s, err)
	s.conn.evictSession(s)
	s.terminate(reactive.Failure[EndpointState](err))
}

func (s *Session) terminate(r reactive.Result[EndpointState]) {
	if r.Kind == reactive.KindError {
		s.endpointStates.Fail(r.Err)
	} else {
		s.endpointStates.Complete()
	}
	s.doneOnce.Do(func() { close(s.done) })
}

// awaitActive waits until the session reports active, bounded by timeout
func (s *Session) awaitActive(ctx context.Context, timeout time.Duration) error {
	sub := s.endpointStates.Subscribe()
	defer sub.Cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case r, ok := <-sub.C:
			if !ok || r.Kind == reactive.KindEmpty {
				return &Error{
					Kind:         KindUnexpectedCompletion,
					ConnectionID: s.conn.id,
					SessionName:  s.name,
					Reason:       "session ended before active",
				}
			}
			if r.Kind == reactive.KindError {
				return r.Err
			}
			if r.Value == EndpointActive {
				return nil
			}

		case <-timer.C:
			return newTimeoutError(s.conn.id, s.name, timeout)

		case <-ctx.Done():
			return newContextError(s.conn.id, s.name, ctx.Err())
		}
	}
}

// dispose closes the engine session once. Disposing twice is a no-op.
func (s *Session) dispose() {
	s.handleMux.Lock()
	if !s.disposed.CompareAndSwap(false, true) {
		s.handleMux.Unlock()
		return
	}
	handle := s.handle
	s.handleMux.Unlock()

	if handle == nil || s.ended.Load() {
		return
	}

	closeSession := func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.conn.operationTimeout)
		defer cancel()
		if err := handle.Close(ctx); err != nil {
			s.logger.Debug("error closing session", zap.Error(err))
		}
	}
	if err := s.conn.invoke(closeSession); err != nil {
		closeSession()
	}
}

// engineSession returns the engine session, nil until it was begun
func (s *Session) engineSession() engine.Session {
	s.handleMux.Lock()
	defer s.handleMux.Unlock()
	return s.handle
}

// Name returns the session name
func (s *Session) Name() string {
	return s.name
}

// EndpointStates subscribes to the session's endpoint states
func (s *Session) EndpointStates() *StateSubscription {
	return newStateSubscription(s.endpointStates.Subscribe())
}

// IsDisposed reports whether the session was disposed
func (s *Session) IsDisposed() bool {
	return s.disposed.Load()
}

// Done is closed once the session's endpoint states ended
func (s *Session) Done() <-chan struct{} {
	return s.done
}
