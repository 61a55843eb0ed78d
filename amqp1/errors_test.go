package amqp1

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want []string
	}{
		{
			name: "timeout names connection, session and bound",
			err:  newTimeoutError("conn1", "s1", 1500*time.Millisecond),
			want: []string{"timeout", "conn1", "session s1", "1500ms"},
		},
		{
			name: "illegal state carries reason",
			err:  newIllegalStateError("conn1", "connection disposed"),
			want: []string{"illegal state", "conn1", "connection disposed"},
		},
		{
			name: "transport fault carries cause",
			err:  newTransportError("conn1", "dial", errors.New("connection refused")),
			want: []string{"transport fault", "dial", "connection refused"},
		},
		{
			name: "authorization failure",
			err:  newAuthorizationError("conn1", "put-token", &ResponseError{StatusCode: 401, Description: "unauthorized"}),
			want: []string{"authorization failure", "put-token", "401", "unauthorized"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.want {
				assert.Contains(t, msg, s)
			}
		})
	}
}

func TestErrorSentinels(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("request failed: %w", newTransportError("conn1", "send", cause))

	assert.ErrorIs(t, err, ErrTransportFault)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrDisposed)

	assert.ErrorIs(t, newIllegalStateError("conn1", "disposed"), ErrDisposed)
	assert.ErrorIs(t, newTimeoutError("conn1", "", time.Second), ErrTimeout)
	assert.ErrorIs(t, newAuthorizationError("conn1", "", nil), ErrAuthorization)

	// A populated error is not a sentinel for other errors of its kind
	assert.NotErrorIs(t, newTimeoutError("conn1", "", time.Second), newTimeoutError("conn2", "", time.Second))
}

func TestErrorKindPredicates(t *testing.T) {
	assert.True(t, IsTimeout(newTimeoutError("c", "", time.Second)))
	assert.True(t, IsIllegalState(newIllegalStateError("c", "x")))
	assert.True(t, IsTransportFault(newTransportError("c", "x", nil)))
	assert.True(t, IsAuthorizationFailure(newAuthorizationError("c", "x", nil)))
	assert.True(t, IsUnexpectedCompletion(&Error{Kind: KindUnexpectedCompletion}))

	assert.False(t, IsTimeout(errors.New("plain")))
	assert.Equal(t, ErrorKind(0), KindOf(nil))
	assert.Equal(t, "unknown", ErrorKind(0).String())
}

func TestAsTransportErrorKeepsTypedErrors(t *testing.T) {
	typed := newTimeoutError("conn1", "s1", time.Second)
	assert.Same(t, typed, asTransportError("conn1", "x", typed))

	wrapped := asTransportError("conn1", "dial", errors.New("refused"))
	var e *Error
	require.ErrorAs(t, wrapped, &e)
	assert.Equal(t, KindTransportFault, e.Kind)
	assert.Equal(t, "conn1", e.ConnectionID)
}

// TestDefaultErrorHandler tests the default logging error handler
func TestDefaultErrorHandler(t *testing.T) {
	handler := &DefaultErrorHandler{}

	assert.NotPanics(t, func() {
		handler.HandleAuthorizationError("orders", errors.New("denied"))
		handler.HandleConnectionError(nil, errors.New("connection error"))
	})
}
