package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// ErrCircuitOpen fails a batch fast when the target's circuit breaker is
// open. It does not consume retry budget and does not count as an API call.
var ErrCircuitOpen = errors.New("dispatch: circuit open, batch not sent")

// Kind classifies a dispatch failure for retry decisions.
type Kind string

const (
	// KindTransient covers network errors, timeouts and rate limits; the
	// same batch may succeed on retry.
	KindTransient Kind = "transient"
	// KindPermanent covers validation and auth failures; retrying the same
	// batch cannot succeed.
	KindPermanent Kind = "permanent"
)

// Error is a classified failure from the dispatch collaborator.
type Error struct {
	// Err is the underlying error.
	Err error
	// Kind decides retry eligibility.
	Kind Kind
	// StatusCode is the HTTP status code (0 for network errors).
	StatusCode int
	// Message is the response body or error detail from the backend.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("dispatch error: kind=%s status=%d", e.Kind, e.StatusCode)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the same batch may succeed on retry.
func (e *Error) IsRetryable() bool {
	return e.Kind == KindTransient
}

// ProtocolError reports a malformed result from the dispatch collaborator:
// the returned outcome count does not line up with the batch. The contract
// itself is broken, so the batch fails without retry.
type ProtocolError struct {
	Target   string
	Expected int
	Got      int
	Detail   string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("dispatch protocol violation for %s: %s", e.Target, e.Detail)
	}
	return fmt.Sprintf("dispatch protocol violation for %s: expected %d outcomes, got %d",
		e.Target, e.Expected, e.Got)
}

// classify wraps an arbitrary dispatcher error into a classified *Error.
// Already-classified errors pass through; context deadlines become
// transient timeouts; anything else is treated as a transient network
// failure (the dispatcher marks permanent failures explicitly).
func classify(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Err: err, Kind: KindTransient, Message: "dispatch timeout"}
	}
	return &Error{Err: err, Kind: KindTransient}
}
