package resilience

import (
	"context"
	"errors"
)

var (
	// ErrCircuitOpen is returned when the endpoint's breaker refuses the
	// call. Never retried: hammering an open circuit defeats its purpose.
	ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

	// ErrRateLimited is returned when the endpoint's window quota is
	// exhausted. Never retried within the call.
	ErrRateLimited = errors.New("resilience: rate limit exceeded")
)

// permanentError marks a failure that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the default retry predicate treats it as
// non-retryable. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable is the default classification: everything is transient
// except errors wrapped with Permanent and caller cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
