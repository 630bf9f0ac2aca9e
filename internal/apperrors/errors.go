package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for callers and for the HTTP mapping.
type Kind string

const (
	KindInvalidInput         Kind = "InvalidInput"
	KindInvalidOdds          Kind = "InvalidOdds"
	KindInvalidProbability   Kind = "InvalidProbability"
	KindNotFound             Kind = "NotFound"
	KindConflict             Kind = "Conflict"
	KindUnavailable          Kind = "Unavailable"
	KindTimeout              Kind = "Timeout"
	KindCancelled            Kind = "Cancelled"
	KindInternal             Kind = "Internal"
	KindQueueFull            Kind = "QueueFull"
	KindInsufficientData     Kind = "InsufficientData"
	KindNumericalInstability Kind = "NumericalInstability"
)

// Error is a kind-tagged error value. Wrapping preserves the kind of the
// outermost tagged error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E constructs a tagged error.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind and context message.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal for untagged errors.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind onto its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput, KindInvalidOdds, KindInvalidProbability:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout, KindCancelled:
		return http.StatusGatewayTimeout
	case KindQueueFull:
		return http.StatusTooManyRequests
	case KindInsufficientData, KindNumericalInstability:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WireKind collapses internal kinds onto the wire taxonomy.
func WireKind(kind Kind) string {
	switch kind {
	case KindInvalidOdds, KindInvalidProbability:
		return string(KindInvalidInput)
	case KindCancelled:
		return string(KindTimeout)
	case KindNumericalInstability:
		return string(KindInsufficientData)
	default:
		return string(kind)
	}
}
