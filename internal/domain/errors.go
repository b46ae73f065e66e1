package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound indicates resource not found
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidRequest indicates invalid request
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthorized indicates unauthorized access
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates cross-tenant access
	ErrForbidden = errors.New("access denied")
	// ErrConnectionLimit indicates the per-user streaming connection cap was hit
	ErrConnectionLimit = errors.New("connection limit reached")
	// ErrConnectionClosed indicates the client went away mid-stream
	ErrConnectionClosed = errors.New("connection closed")
)

// ErrorKind classifies a failure for HTTP mapping and stream recovery.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation_error"
	KindNotFound         ErrorKind = "not_found"
	KindAuthorization    ErrorKind = "authorization_error"
	KindRateLimited      ErrorKind = "rate_limited"
	KindTimeout          ErrorKind = "timeout"
	KindAuthFailed       ErrorKind = "auth_failed"
	KindParse            ErrorKind = "parse_error"
	KindConnectionClosed ErrorKind = "connection_closed"
	KindUnknown          ErrorKind = "unknown_error"
)

// Error is a classified error. Recoverable errors are advisory in streaming
// mode; non-recoverable ones terminate the stream.
type Error struct {
	Kind        ErrorKind
	Message     string
	Recoverable bool
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified error wrapping err.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{
		Kind:        kind,
		Message:     message,
		Recoverable: kind == KindRateLimited || kind == KindTimeout,
		Err:         err,
	}
}

// ParseError marks model output the normalizer could not restructure.
func ParseError(message string) *Error {
	return &Error{Kind: KindParse, Message: message}
}

// KindOf returns the classification of err, mapping sentinels to their kinds.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidRequest):
		return KindValidation
	case errors.Is(err, ErrUnauthorized):
		return KindAuthFailed
	case errors.Is(err, ErrForbidden):
		return KindAuthorization
	case errors.Is(err, ErrConnectionClosed):
		return KindConnectionClosed
	}
	return KindUnknown
}

// IsRecoverable reports whether the stream may continue after err.
func IsRecoverable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Recoverable
	}
	return false
}

// HTTPStatus maps an error to the status code of its buffered envelope.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization:
		return http.StatusForbidden
	case KindAuthFailed:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindParse:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
