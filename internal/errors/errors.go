// Package errors provides error types and handling for TabPFN API calls.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrorType categorizes errors for handling decisions.
type ErrorType int

const (
	// Unknown is an uncategorized error.
	Unknown ErrorType = iota
	// Network represents network-related errors (DNS, connection).
	Network
	// Timeout represents timeout errors.
	Timeout
	// RateLimit represents rate limiting (429) errors.
	RateLimit
	// Auth represents authentication/authorization errors (401, 403).
	Auth
	// NotFound represents 404 errors.
	NotFound
	// ServerError represents 5xx errors.
	ServerError
	// ClientError represents 4xx errors (except 401, 403, 404, 429).
	ClientError
	// Parse represents response decoding errors.
	Parse
	// Configuration represents a local misconfiguration (unknown endpoint, disallowed method).
	Configuration
	// UserInput represents invalid arguments rejected before any request is sent.
	UserInput
	// Cancelled represents context cancellation.
	Cancelled
)

// String returns the string representation of ErrorType.
func (t ErrorType) String() string {
	switch t {
	case Network:
		return "network"
	case Timeout:
		return "timeout"
	case RateLimit:
		return "rate_limit"
	case Auth:
		return "auth"
	case NotFound:
		return "not_found"
	case ServerError:
		return "server_error"
	case ClientError:
		return "client_error"
	case Parse:
		return "parse"
	case Configuration:
		return "configuration"
	case UserInput:
		return "user_input"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsRetryable returns whether errors of this type should be retried.
func (t ErrorType) IsRetryable() bool {
	switch t {
	case Network, Timeout, RateLimit, ServerError:
		return true
	default:
		return false
	}
}

// APIError represents a categorized error from a call to a TabPFN endpoint.
type APIError struct {
	Type       ErrorType
	Endpoint   string
	Operation  string
	Message    string
	Detail     string // detail reported by the server, if any
	Cause      error
	StatusCode int
	Retryable  bool
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s error during %s on %s: %s",
		e.Type.String(), e.Operation, e.Endpoint, e.Message)
	if e.Detail != "" {
		msg += fmt.Sprintf(" (server: %s)", e.Detail)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *APIError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// New creates a new APIError.
func New(errType ErrorType, endpoint, operation, message string, cause error) *APIError {
	return &APIError{
		Type:      errType,
		Endpoint:  endpoint,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: errType.IsRetryable(),
	}
}

// NewNetworkError creates a network error.
func NewNetworkError(endpoint, operation string, cause error) *APIError {
	return New(Network, endpoint, operation, "network failure", cause)
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(endpoint, operation string, cause error) *APIError {
	return New(Timeout, endpoint, operation, "request timed out", cause)
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(endpoint string, retryAfter int) *APIError {
	err := New(RateLimit, endpoint, "request", fmt.Sprintf("rate limited, retry after %ds", retryAfter), nil)
	err.StatusCode = http.StatusTooManyRequests
	return err
}

// NewAuthError creates an authentication error.
func NewAuthError(endpoint string, statusCode int, message string) *APIError {
	err := New(Auth, endpoint, "request", message, nil)
	err.StatusCode = statusCode
	return err
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(endpoint string) *APIError {
	err := New(NotFound, endpoint, "request", "resource not found", nil)
	err.StatusCode = http.StatusNotFound
	return err
}

// NewServerError creates a server error.
func NewServerError(endpoint string, statusCode int, message string) *APIError {
	err := New(ServerError, endpoint, "request", message, nil)
	err.StatusCode = statusCode
	return err
}

// NewClientError creates a client error.
func NewClientError(endpoint string, statusCode int, message string) *APIError {
	err := New(ClientError, endpoint, "request", message, nil)
	err.StatusCode = statusCode
	return err
}

// NewParseError creates a parse error.
func NewParseError(endpoint, operation string, cause error) *APIError {
	return New(Parse, endpoint, operation, "decoding response failed", cause)
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(endpoint, message string, cause error) *APIError {
	return New(Configuration, endpoint, "configuration", message, cause)
}

// NewUserInputError creates an error for arguments rejected locally.
func NewUserInputError(operation, message string) *APIError {
	return New(UserInput, "-", operation, message, nil)
}

// NewCancelledError creates a cancelled error.
func NewCancelledError(endpoint, operation string) *APIError {
	return New(Cancelled, endpoint, operation, "operation cancelled", nil)
}

// Categorize determines the error type from a generic error.
func Categorize(err error, endpoint string) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	if errors.Is(err, context.Canceled) {
		return NewCancelledError(endpoint, "request")
	}

	if isTimeout(err) {
		return NewTimeoutError(endpoint, "request", err)
	}

	if isNetworkError(err) {
		return NewNetworkError(endpoint, "request", err)
	}

	return New(Unknown, endpoint, "request", err.Error(), err)
}

// CategorizeHTTPStatus creates an error from an HTTP status code.
// It returns nil for 1xx-3xx codes.
func CategorizeHTTPStatus(statusCode int, endpoint string) *APIError {
	switch {
	case statusCode == http.StatusUnauthorized:
		return NewAuthError(endpoint, statusCode, "unauthorized")
	case statusCode == http.StatusForbidden:
		return NewAuthError(endpoint, statusCode, "forbidden")
	case statusCode == http.StatusNotFound:
		return NewNotFoundError(endpoint)
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(endpoint, 60)
	case statusCode >= 500:
		return NewServerError(endpoint, statusCode, fmt.Sprintf("server returned %d", statusCode))
	case statusCode >= 400:
		return NewClientError(endpoint, statusCode, fmt.Sprintf("client error %d", statusCode))
	default:
		return nil
	}
}

// isTimeout checks if an error is a timeout.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

// isNetworkError checks if an error is network-related.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "dial tcp")
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}

	return isTimeout(err) || isNetworkError(err)
}

// IsAuthError checks if an error is authentication-related.
func IsAuthError(err error) bool {
	return GetErrorType(err) == Auth
}

// IsRateLimitError checks if an error is rate limiting.
func IsRateLimitError(err error) bool {
	return GetErrorType(err) == RateLimit
}

// IsUserInputError checks if an error was raised for invalid local input.
func IsUserInputError(err error) bool {
	return GetErrorType(err) == UserInput
}

// GetStatusCode extracts the status code from an error.
func GetStatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// GetErrorType extracts the error type from an error.
func GetErrorType(err error) ErrorType {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Type
	}
	return Unknown
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
