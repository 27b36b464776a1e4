// Package errors provides structured error types for the chatstream client.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrNotConnected    = errors.New("not connected to gateway")
	ErrMissingChatID   = errors.New("chat id required")
	ErrClosed          = errors.New("client closed")
	ErrUnauthorized    = errors.New("gateway rejected credential")
	ErrForbidden       = errors.New("gateway denied access")
	ErrReconnectFailed = errors.New("reconnection attempts exhausted")
	ErrTimeout         = errors.New("operation timed out")
	ErrRateLimit       = errors.New("rate limit exceeded")
	ErrNotFound        = errors.New("resource not found")
	ErrUnavailable     = errors.New("service unavailable")
)

// APIError represents an error from the chat history REST API.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}
