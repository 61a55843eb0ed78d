package amqp1

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy supplies the operation timeout and the delay before the next
// attempt. Returning false from CalculateRetryDelay stops retrying.
type RetryPolicy interface {
	TryTimeout() time.Duration
	CalculateRetryDelay(err error, attempt int) (time.Duration, bool)
}

// RetryMode selects how the delay grows between attempts
type RetryMode int

const (
	RetryModeExponential RetryMode = iota
	RetryModeFixed
)

// RetryOptions configures the built-in retry policy
type RetryOptions struct {
	MaxRetries int
	Delay      time.Duration
	MaxDelay   time.Duration
	TryTimeout time.Duration
	Mode       RetryMode
	Jitter     bool
}

// DefaultRetryOptions returns the defaults used when no policy is configured
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries: 3,
		Delay:      800 * time.Millisecond,
		MaxDelay:   time.Minute,
		TryTimeout: time.Minute,
		Mode:       RetryModeExponential,
		Jitter:     true,
	}
}

// BackoffRetryPolicy is the built-in RetryPolicy
type BackoffRetryPolicy struct {
	opts RetryOptions
}

// NewRetryPolicy creates a retry policy, filling zero values with defaults
func NewRetryPolicy(opts RetryOptions) *BackoffRetryPolicy {
	def := DefaultRetryOptions()
	if opts.Delay <= 0 {
		opts.Delay = def.Delay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.MaxDelay < opts.Delay {
		opts.MaxDelay = opts.Delay
	}
	if opts.TryTimeout <= 0 {
		opts.TryTimeout = def.TryTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &BackoffRetryPolicy{opts: opts}
}

// TryTimeout implements RetryPolicy
func (p *BackoffRetryPolicy) TryTimeout() time.Duration {
	return p.opts.TryTimeout
}

// MaxRetries returns the configured retry count
func (p *BackoffRetryPolicy) MaxRetries() int {
	return p.opts.MaxRetries
}

// CalculateRetryDelay implements RetryPolicy. attempt is zero based.
func (p *BackoffRetryPolicy) CalculateRetryDelay(err error, attempt int) (time.Duration, bool) {
	if attempt >= p.opts.MaxRetries || !isRetriable(err) {
		return 0, false
	}

	delay := p.opts.Delay
	if p.opts.Mode == RetryModeExponential {
		for i := 0; i < attempt && delay < p.opts.MaxDelay; i++ {
			delay *= 2
		}
	}
	if delay > p.opts.MaxDelay {
		delay = p.opts.MaxDelay
	}

	// Up to 25% jitter
	if p.opts.Jitter && delay >= 4 {
		delay += time.Duration(rand.Int63n(int64(delay / 4)))
	}

	return delay, true
}

// isRetriable reports whether an attempt that failed with err may be retried
func isRetriable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindIllegalState, KindAuthorizationFailure:
		return false
	default:
		return true
	}
}
