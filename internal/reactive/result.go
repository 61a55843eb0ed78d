package reactive

import "errors"

// ResultKind tags what a Result carries
type ResultKind int

const (
	KindValue ResultKind = iota
	KindError
	KindEmpty
)

// String returns a string representation of the result kind
func (k ResultKind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindError:
		return "error"
	case KindEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// ErrEmpty is returned when a producer completes without a value
var ErrEmpty = errors.New("reactive: completed without a value")

// Result is a tagged completion: a value, an error, or empty completion
type Result[T any] struct {
	Kind  ResultKind
	Value T
	Err   error
}

// Value wraps v as a value result
func Value[T any](v T) Result[T] {
	return Result[T]{Kind: KindValue, Value: v}
}

// Failure wraps err as an error result
func Failure[T any](err error) Result[T] {
	return Result[T]{Kind: KindError, Err: err}
}

// Empty returns an empty completion result
func Empty[T any]() Result[T] {
	return Result[T]{Kind: KindEmpty}
}

// IsTerminal reports whether the result ends a stream
func (r Result[T]) IsTerminal() bool {
	return r.Kind != KindValue
}

// Unwrap converts the result into Go's value/error pair
func (r Result[T]) Unwrap() (T, error) {
	switch r.Kind {
	case KindError:
		var zero T
		return zero, r.Err
	case KindEmpty:
		var zero T
		return zero, ErrEmpty
	default:
		return r.Value, nil
	}
}
