package amqp1

import (
	"fmt"
	"sync"

	"github.com/israelio/amqp1-go-client/engine"
	"github.com/israelio/amqp1-go-client/internal/reactive"
)

// ConnectionState represents the lifecycle state of a connection
type ConnectionState int32

const (
	StateUnstarted ConnectionState = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

// String returns a string representation of the connection state
func (cs ConnectionState) String() string {
	switch cs {
	case StateUnstarted:
		return "unstarted"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EndpointState is the connection-level view of an engine endpoint state
type EndpointState int

const (
	EndpointUninitialized EndpointState = iota
	EndpointActive
	EndpointClosed
)

// String returns a string representation of the endpoint state
func (s EndpointState) String() string {
	switch s {
	case EndpointUninitialized:
		return "uninitialized"
	case EndpointActive:
		return "active"
	case EndpointClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// endpointStateOf translates an engine state
func endpointStateOf(s engine.State) EndpointState {
	switch s {
	case engine.StateActive:
		return EndpointActive
	case engine.StateClosed:
		return EndpointClosed
	default:
		return EndpointUninitialized
	}
}

// EndpointStateEvent is delivered on a StateSubscription. Err is set on the
// final event when the stream failed; Completed on the final event when it
// ended normally.
type EndpointStateEvent struct {
	State     EndpointState
	Err       error
	Completed bool
}

// StateSubscription is a consumer of an endpoint-state stream. The most
// recent state is replayed on subscribe. C is closed after the final event.
type StateSubscription struct {
	C <-chan EndpointStateEvent

	sub  *reactive.Subscription[EndpointState]
	once sync.Once
	stop chan struct{}
}

func newStateSubscription(sub *reactive.Subscription[EndpointState]) *StateSubscription {
	out := make(chan EndpointStateEvent, 4)
	s := &StateSubscription{C: out, sub: sub, stop: make(chan struct{})}

	go func() {
		defer close(out)
		for r := range sub.C {
			var ev EndpointStateEvent
			switch r.Kind {
			case reactive.KindValue:
				ev.State = r.Value
			case reactive.KindError:
				ev.State = EndpointClosed
				ev.Err = r.Err
			case reactive.KindEmpty:
				ev.State = EndpointClosed
				ev.Completed = true
			}
			select {
			case out <- ev:
			case <-s.stop:
				return
			}
		}
	}()

	return s
}

// Cancel stops the subscription
func (s *StateSubscription) Cancel() {
	s.once.Do(func() { close(s.stop) })
	s.sub.Cancel()
}

// ShutdownSignal describes why a connection shut down
type ShutdownSignal struct {
	// TransportInitiated is true when the engine (not the caller) caused the shutdown
	TransportInitiated bool
	Graceful           bool
	Reason             string
}

// String returns a string representation of the signal
func (s ShutdownSignal) String() string {
	return fmt.Sprintf("shutdown(transport=%t, graceful=%t): %s", s.TransportInitiated, s.Graceful, s.Reason)
}
