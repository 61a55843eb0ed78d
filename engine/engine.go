package engine

import (
	"context"
	"errors"
)

// State is an endpoint state reported by the engine for a connection, a
// session or a link
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateClosed
)

// String returns a string representation of the endpoint state
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateEvent is one element of an endpoint-state stream. A non-nil Err is
// terminal; the stream channel is closed after it. A closed channel without
// an error event is a normal completion.
type StateEvent struct {
	State State
	Err   error
}

// ErrLinkClosed is returned by link operations after the link was closed
var ErrLinkClosed = errors.New("engine: link closed")

// Engine creates protocol-level connections
type Engine interface {
	NewConnection(ctx context.Context, id, hostname string, port int) (Connection, error)
}

// Connection is a protocol-level connection handle
type Connection interface {
	// EndpointStates returns the raw endpoint-state stream of the connection
	EndpointStates() <-chan StateEvent

	// Dispatcher returns the event-loop dispatcher owning this connection
	Dispatcher() Dispatcher

	// NewSession begins a session; must be called on the dispatcher
	NewSession(ctx context.Context, name string) (Session, error)

	MaxFrameSize() uint32
	Properties() map[string]any

	// Close closes the connection; must be called on the dispatcher
	Close() error
}

// Session is a protocol-level session handle
type Session interface {
	Name() string
	EndpointStates() <-chan StateEvent
	NewSender(ctx context.Context, name, target string, opts LinkOptions) (Sender, error)
	NewReceiver(ctx context.Context, name, source string, opts LinkOptions) (Receiver, error)
	Close(ctx context.Context) error
}

// Sender is the sending half of a link
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	Close(ctx context.Context) error
}

// Receiver is the receiving half of a link
type Receiver interface {
	Receive(ctx context.Context) (*Message, error)
	Accept(ctx context.Context, msg *Message) error
	Close(ctx context.Context) error
}

// SenderSettleMode mirrors the AMQP 1.0 snd-settle-mode
type SenderSettleMode int

const (
	SenderSettleModeUnsettled SenderSettleMode = iota
	SenderSettleModeSettled
	SenderSettleModeMixed
)

// ReceiverSettleMode mirrors the AMQP 1.0 rcv-settle-mode
type ReceiverSettleMode int

const (
	ReceiverSettleModeFirst ReceiverSettleMode = iota
	ReceiverSettleModeSecond
)

// LinkOptions configures a sender or receiver link
type LinkOptions struct {
	SenderSettleMode   SenderSettleMode
	ReceiverSettleMode ReceiverSettleMode
	// TargetAddress is the receiver's own address (reply-to for request-response links)
	TargetAddress string
	Properties    map[string]any
}

// Message is an AMQP message. Body encoding is the caller's concern: the
// engine carries Value or Data as-is.
type Message struct {
	MessageID             any
	CorrelationID         any
	To                    string
	ReplyTo               string
	ApplicationProperties map[string]any
	Value                 any
	Data                  []byte
}
