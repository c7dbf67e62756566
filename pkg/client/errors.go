package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrExhausted is returned when all retry attempts are spent on a
	// transient failure.
	ErrExhausted = errors.New("retry attempts exhausted")

	// ErrPermanentFailure is returned for failures that do not improve
	// with retry (credentials, permissions, missing resources).
	ErrPermanentFailure = errors.New("permanent API failure")

	// ErrContextCancelled is returned when the context is cancelled while
	// waiting out a backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of API failures.
type ErrorClass string

const (
	// ErrorClassPermanent represents non-retryable failures (403, 404 and
	// other 4xx except the rate-limit statuses).
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimited represents HTTP 425 ("too early") and 429
	// remote pushback.
	ErrorClassRateLimited ErrorClass = "rate_limited"

	// ErrorClassNetwork represents network and timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassFault represents a successful HTTP exchange whose body
	// carries the remote system's own fault indicator, or is not a JSON
	// object at all.
	ErrorClassFault ErrorClass = "fault"
)

// Retryable reports whether failures of this class are worth retrying.
func (c ErrorClass) Retryable() bool {
	return c != ErrorClassPermanent
}

// classifyStatus maps an HTTP status code to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooEarly, status == http.StatusTooManyRequests:
		return ErrorClassRateLimited
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassPermanent
	default:
		return ErrorClassFault
	}
}

// APIError carries the classification and context of a failed API call.
type APIError struct {
	Method     string
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("omie %s error (status %d) calling %s: %s",
			e.Class, e.StatusCode, e.Method, e.Message)
	}
	return fmt.Sprintf("omie %s error calling %s: %s", e.Class, e.Method, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// permanent builds an APIError that callers can match with
// errors.Is(err, ErrPermanentFailure).
func permanent(method string, status int, message string) *APIError {
	return &APIError{
		Method:     method,
		StatusCode: status,
		Class:      ErrorClassPermanent,
		Message:    message,
		Err:        ErrPermanentFailure,
	}
}
