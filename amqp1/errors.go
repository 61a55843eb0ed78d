package amqp1

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrorKind classifies failures surfaced by the connection core
type ErrorKind int

const (
	// KindTimeout: an activation deadline elapsed or the caller's context ended
	KindTimeout ErrorKind = iota + 1
	// KindUnexpectedCompletion: the engine stream ended before reaching active
	KindUnexpectedCompletion
	// KindIllegalState: the operation was attempted after disposal
	KindIllegalState
	// KindTransportFault: the engine reported an error or an I/O failure
	KindTransportFault
	// KindAuthorizationFailure: token acquisition, authorization or renewal failed
	KindAuthorizationFailure
)

// String returns a string representation of the error kind
func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnexpectedCompletion:
		return "unexpected completion"
	case KindIllegalState:
		return "illegal state"
	case KindTransportFault:
		return "transport fault"
	case KindAuthorizationFailure:
		return "authorization failure"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every public operation
type Error struct {
	Kind         ErrorKind
	ConnectionID string
	SessionName  string
	Bound        time.Duration // deadline that elapsed, for KindTimeout
	Reason       string
	Err          error // underlying cause, if any
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("amqp1 %s (connection %s", e.Kind, e.ConnectionID)
	if e.SessionName != "" {
		msg += fmt.Sprintf(", session %s", e.SessionName)
	}
	msg += ")"
	if e.Kind == KindTimeout && e.Bound > 0 {
		msg += fmt.Sprintf(" after %dms", e.Bound.Milliseconds())
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind, so errors.Is(err, ErrDisposed) works
// for any illegal-state error
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.ConnectionID == "" && t.SessionName == "" && t.Reason == "" && t.Err == nil
}

// Sentinel errors usable with errors.Is
var (
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrUnexpectedCompletion = &Error{Kind: KindUnexpectedCompletion}
	ErrDisposed             = &Error{Kind: KindIllegalState}
	ErrTransportFault       = &Error{Kind: KindTransportFault}
	ErrAuthorization        = &Error{Kind: KindAuthorizationFailure}
)

func newTimeoutError(connectionID, sessionName string, bound time.Duration) *Error {
	return &Error{
		Kind:         KindTimeout,
		ConnectionID: connectionID,
		SessionName:  sessionName,
		Bound:        bound,
	}
}

// newContextError reports a caller's context ending before the operation
// did; errors.Is still matches the context error through Err
func newContextError(connectionID, sessionName string, err error) *Error {
	return &Error{
		Kind:         KindTimeout,
		ConnectionID: connectionID,
		SessionName:  sessionName,
		Reason:       "context done",
		Err:          err,
	}
}

// waitErr wraps err when it is the error of the done ctx
func waitErr(ctx context.Context, connectionID, sessionName string, err error) error {
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		var e *Error
		if !errors.As(err, &e) {
			return newContextError(connectionID, sessionName, err)
		}
	}
	return err
}

func newIllegalStateError(connectionID, reason string) *Error {
	return &Error{Kind: KindIllegalState, ConnectionID: connectionID, Reason: reason}
}

func newTransportError(connectionID, reason string, err error) *Error {
	return &Error{Kind: KindTransportFault, ConnectionID: connectionID, Reason: reason, Err: err}
}

func newAuthorizationError(connectionID, reason string, err error) *Error {
	return &Error{Kind: KindAuthorizationFailure, ConnectionID: connectionID, Reason: reason, Err: err}
}

// asTransportError keeps typed errors as they are and wraps anything else as
// a transport fault
func asTransportError(connectionID, reason string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newTransportError(connectionID, reason, err)
}

// KindOf returns the kind of err, or 0 if err is not an *Error
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsTimeout reports whether err is a timeout
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsIllegalState reports whether err was caused by using a disposed connection
func IsIllegalState(err error) bool { return KindOf(err) == KindIllegalState }

// IsUnexpectedCompletion reports whether the engine stream ended before activation
func IsUnexpectedCompletion(err error) bool { return KindOf(err) == KindUnexpectedCompletion }

// IsTransportFault reports whether err is an engine or I/O failure
func IsTransportFault(err error) bool { return KindOf(err) == KindTransportFault }

// IsAuthorizationFailure reports whether err is a token/authorization failure
func IsAuthorizationFailure(err error) bool { return KindOf(err) == KindAuthorizationFailure }

// ErrorHandler handles connection, session and channel errors
type ErrorHandler interface {
	HandleConnectionError(conn *Connection, err error)
	HandleSessionError(session *Session, err error)
	HandleChannelError(ch *RequestResponseChannel, err error)
	HandleAuthorizationError(entityPath string, err error)
}

// DefaultErrorHandler provides default error handling with logging
type DefaultErrorHandler struct {
	Logger *zap.Logger
}

// HandleConnectionError logs connection errors
func (deh *DefaultErrorHandler) HandleConnectionError(conn *Connection, err error) {
	if deh.Logger != nil {
		deh.Logger.Warn("connection error", zap.String("connectionId", conn.ID()), zap.Error(err))
	}
}

// HandleSessionError logs session errors
func (deh *DefaultErrorHandler) HandleSessionError(session *Session, err error) {
	if deh.Logger != nil {
		deh.Logger.Warn("session error", zap.String("sessionName", session.Name()), zap.Error(err))
	}
}

// HandleChannelError logs request-response channel errors
func (deh *DefaultErrorHandler) HandleChannelError(ch *RequestResponseChannel, err error) {
	if deh.Logger != nil {
		deh.Logger.Warn("request-response channel error",
			zap.String("linkName", ch.LinkName()),
			zap.String("address", ch.Address()),
			zap.Error(err))
	}
}

// HandleAuthorizationError logs token renewal failures
func (deh *DefaultErrorHandler) HandleAuthorizationError(entityPath string, err error) {
	if deh.Logger != nil {
		deh.Logger.Warn("authorization error", zap.String("entityPath", entityPath), zap.Error(err))
	}
}
