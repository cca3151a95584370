package whoop

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrRateLimited is returned for HTTP 429 responses. Retried with
// backoff.
var ErrRateLimited = errors.New("rate limited")

// ErrDecode marks a response body that could not be decoded. Not
// retryable: the request succeeded, the payload is just wrong.
var ErrDecode = errors.New("malformed API response")

// StatusError is a non-2xx response other than 401 and 429. Only 5xx
// statuses are worth retrying.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d", e.Code)
}

// RetryExhaustedError is returned when the backoff budget runs out.
// It wraps the last classified error.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// isRetryable reports whether the backoff layer should retry: rate
// limiting and server-side failures only. Network errors, decode
// errors, and other 4xx responses propagate immediately.
func isRetryable(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError
	}

	return false
}
