package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidRequest indicates invalid request
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthorized indicates unauthorized access
	ErrUnauthorized = errors.New("unauthorized")
	// ErrStreamActive indicates a session already has an open stream
	ErrStreamActive = errors.New("stream already active for session")
	// ErrNoStream indicates a session has no open stream
	ErrNoStream = errors.New("no active stream for session")
)

// AuthError is returned when no usable credential is configured.
// It is never retried.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "authentication required"
	}
	return "authentication required: " + e.Reason
}

// Is lets errors.Is(err, ErrUnauthorized) match auth failures.
func (e *AuthError) Is(target error) bool {
	return target == ErrUnauthorized
}

// NetworkError wraps a connectivity failure that happened before any
// response was read.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout phases
const (
	PhaseConnect = "connect"
	PhaseIdle    = "idle"
	PhaseRequest = "request"
)

// TimeoutError reports an aborted connection-establishment, idle-read or
// whole-request deadline.
type TimeoutError struct {
	Phase string
	After string
}

func (e *TimeoutError) Error() string {
	if e.After == "" {
		return fmt.Sprintf("%s timeout", e.Phase)
	}
	return fmt.Sprintf("%s timeout after %s", e.Phase, e.After)
}

// Timeout satisfies the net.Error style check.
func (e *TimeoutError) Timeout() bool { return true }

// HTTPError is a non-2xx response status
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.Status)
	}
	return fmt.Sprintf("http status %d: %s", e.Status, e.Message)
}

// Is maps 401/403 onto ErrUnauthorized.
func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized && (e.Status == 401 || e.Status == 403)
}

// APIError is a well-formed envelope whose code is not zero
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// Describe turns a pipeline error into text suitable for an errored message.
func Describe(err error) string {
	var (
		authErr    *AuthError
		netErr     *NetworkError
		timeoutErr *TimeoutError
		httpErr    *HTTPError
		apiErr     *APIError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr):
		return "Please sign in again."
	case errors.As(err, &timeoutErr):
		if timeoutErr.Phase == PhaseIdle {
			return "The response stalled and was stopped. Please try again."
		}
		return "The server took too long to respond. Please try again."
	case errors.As(err, &netErr):
		return "Network unavailable. Check your connection and try again."
	case errors.As(err, &httpErr):
		if httpErr.Is(ErrUnauthorized) {
			return "Your session has expired. Please sign in again."
		}
		if httpErr.Message != "" {
			return fmt.Sprintf("Request failed (%d): %s", httpErr.Status, httpErr.Message)
		}
		return fmt.Sprintf("Request failed (%d).", httpErr.Status)
	case errors.As(err, &apiErr):
		return apiErr.Message
	default:
		return "Something went wrong: " + err.Error()
	}
}
