package client

import (
	"errors"
	"fmt"
)

// Client-specific errors
var (
	ErrInvalidConfig   = errors.New("invalid client configuration")
	ErrInvalidResponse = errors.New("invalid response from record service")
	ErrNotFound        = errors.New("record not found")
	ErrUnauthenticated = errors.New("client has no access token")
)

// HTTPError is a non-2xx response that was not retried.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status=%d message=%s", e.Method, e.URL, e.StatusCode, e.Message)
}

// Retryable reports statuses worth another attempt.
func (e *HTTPError) Retryable() bool {
	return retryableStatus(e.StatusCode)
}
