package broker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies broker failures into the closed set the controllers
// branch on. Anything unclassifiable is a transport error: retryable.
type ErrorKind string

const (
	// KindTransport covers timeouts, 5xx, connection failures. Retryable.
	KindTransport ErrorKind = "transport"
	// KindValidation covers rejected parameters (bad qty, price,
	// insufficient funds). Not retryable until inputs change.
	KindValidation ErrorKind = "validation"
	// KindNotSupported means the operation is not available for the asset
	// class or account.
	KindNotSupported ErrorKind = "not_supported"
	// KindNotFound means the referenced order or symbol does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindStaleData means market data is older than the caller accepts.
	KindStaleData ErrorKind = "stale_data"
)

// Error is the typed error returned by every Broker operation that fails.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("broker %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("broker %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a typed broker error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the error kind, defaulting to transport so unknown
// failures stay retryable.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransport
}

// IsRetryable reports whether the failure may clear on its own.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindStaleData:
		return true
	default:
		return false
	}
}
