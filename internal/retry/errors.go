package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Kind classifies a collaborator failure for retry purposes.
type Kind int

const (
	// KindPermanent failures are never retried.
	KindPermanent Kind = iota
	// KindTransient failures are retried until attempts run out.
	KindTransient
	// KindInput failures mean the input itself is unusable. Never retried.
	KindInput
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindInput:
		return "input"
	default:
		return "permanent"
	}
}

// Error carries an explicit classification for a wrapped error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " error"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// Input marks err as caused by unusable input.
func Input(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindInput, Err: err}
}

// IsInput reports whether err was classified as an input error.
func IsInput(err error) bool {
	return Classify(err) == KindInput
}

// Classify returns the retry kind of err. Explicit classifications win;
// otherwise timeouts, rate limits, 5xx responses and dropped connections
// are transient and everything else is permanent.
func Classify(err error) Kind {
	if err == nil {
		return KindPermanent
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return KindTransient
		}
	}
	return KindPermanent
}

var transientMarkers = []string{
	"http status 429",
	"http status 5",
	"too many requests",
	"rate limit",
	"resource_exhausted",
	"server_error",
	"service unavailable",
	"timeout",
	"connection reset",
	"connection refused",
	"connection closed",
	"broken pipe",
	"unexpected eof",
}
