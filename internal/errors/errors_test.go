package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"
)

// =============================================================================
// ErrorType Tests
// =============================================================================

func TestErrorType_String(t *testing.T) {
	tests := []struct {
		errType ErrorType
		want    string
	}{
		{Unknown, "unknown"},
		{Network, "network"},
		{Timeout, "timeout"},
		{RateLimit, "rate_limit"},
		{Auth, "auth"},
		{NotFound, "not_found"},
		{ServerError, "server_error"},
		{ClientError, "client_error"},
		{Parse, "parse"},
		{Configuration, "configuration"},
		{UserInput, "user_input"},
		{Cancelled, "cancelled"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.errType.String(); got != tt.want {
				t.Errorf("String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorType_IsRetryable(t *testing.T) {
	tests := []struct {
		errType   ErrorType
		retryable bool
	}{
		{Network, true},
		{Timeout, true},
		{RateLimit, true},
		{ServerError, true},
		{Auth, false},
		{NotFound, false},
		{ClientError, false},
		{Parse, false},
		{Configuration, false},
		{UserInput, false},
		{Cancelled, false},
		{Unknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.errType.String(), func(t *testing.T) {
			if got := tt.errType.IsRetryable(); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

// =============================================================================
// APIError Tests
// =============================================================================

func TestAPIError_Error(t *testing.T) {
	err := New(Network, "upload_train_set", "upload", "connection failed", nil)

	want := "network error during upload on upload_train_set: connection failed"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAPIError_Error_WithDetailAndCause(t *testing.T) {
	err := NewClientError("register", 400, "client error 400")
	err.Detail = "Email already registered"
	err.Cause = errors.New("underlying")

	got := err.Error()
	for _, sub := range []string{"client_error", "register", "(server: Email already registered)", "(caused by: underlying)"} {
		if !strings.Contains(got, sub) {
			t.Errorf("Error() = %q, should contain %q", got, sub)
		}
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewNetworkError("root", "request", cause)

	if err.Unwrap() != cause {
		t.Error("Unwrap() should return the cause")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
}

func TestAPIError_Is(t *testing.T) {
	err1 := NewNetworkError("login", "request", nil)
	err2 := NewNetworkError("predict", "upload", nil)
	err3 := NewTimeoutError("login", "request", nil)

	if !errors.Is(err1, err2) {
		t.Error("Errors with same type should match")
	}
	if errors.Is(err1, err3) {
		t.Error("Errors with different types should not match")
	}
}

func TestAPIError_Wrapped(t *testing.T) {
	wrapped := fmt.Errorf("login failed: %w", NewAuthError("login", 401, "unauthorized"))

	if !IsAuthError(wrapped) {
		t.Error("IsAuthError should see through wrapping")
	}
	if GetStatusCode(wrapped) != 401 {
		t.Errorf("GetStatusCode() = %d, want 401", GetStatusCode(wrapped))
	}
}

// =============================================================================
// Error Constructor Tests
// =============================================================================

func TestConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *APIError
		errType    ErrorType
		statusCode int
		retryable  bool
	}{
		{"network", NewNetworkError("root", "request", nil), Network, 0, true},
		{"timeout", NewTimeoutError("root", "request", nil), Timeout, 0, true},
		{"rate limit", NewRateLimitError("predict", 30), RateLimit, 429, true},
		{"auth", NewAuthError("protected_root", 401, "unauthorized"), Auth, 401, false},
		{"not found", NewNotFoundError("fit"), NotFound, 404, false},
		{"server", NewServerError("predict", 503, "unavailable"), ServerError, 503, true},
		{"client", NewClientError("register", 422, "bad input"), ClientError, 422, false},
		{"parse", NewParseError("login", "decode", nil), Parse, 0, false},
		{"configuration", NewConfigurationError("fit", "method PUT not allowed", nil), Configuration, 0, false},
		{"user input", NewUserInputError("register", "passwords do not match"), UserInput, 0, false},
		{"cancelled", NewCancelledError("predict", "upload"), Cancelled, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.errType {
				t.Errorf("Type = %v, want %v", tt.err.Type, tt.errType)
			}
			if tt.err.StatusCode != tt.statusCode {
				t.Errorf("StatusCode = %d, want %d", tt.err.StatusCode, tt.statusCode)
			}
			if tt.err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", tt.err.Retryable, tt.retryable)
			}
		})
	}
}

func TestNewRateLimitError_Message(t *testing.T) {
	err := NewRateLimitError("predict", 30)
	if !strings.Contains(err.Message, "30s") {
		t.Errorf("Message = %q, should mention retry delay", err.Message)
	}
}

func TestNewUserInputError_Endpoint(t *testing.T) {
	err := NewUserInputError("register", "passwords do not match")
	if err.Endpoint != "-" {
		t.Errorf("Endpoint = %q, want -", err.Endpoint)
	}
	if !IsUserInputError(err) {
		t.Error("IsUserInputError should be true")
	}
}

// =============================================================================
// Categorize Tests
// =============================================================================

func TestCategorize_APIError(t *testing.T) {
	original := NewAuthError("login", 401, "unauthorized")
	if got := Categorize(original, "other"); got != original {
		t.Error("Categorize should return the existing APIError")
	}
}

func TestCategorize_Nil(t *testing.T) {
	if Categorize(nil, "root") != nil {
		t.Error("Categorize(nil) should return nil")
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"context canceled", context.Canceled, Cancelled},
		{"wrapped canceled", fmt.Errorf("do: %w", context.Canceled), Cancelled},
		{"deadline", context.DeadlineExceeded, Timeout},
		{"net timeout", &mockNetError{timeout: true}, Timeout},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, Network},
		{"dns", &net.DNSError{Err: "no such host", Name: "x"}, Network},
		{"econnrefused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), Network},
		{"string match", errors.New("read: connection reset by peer"), Network},
		{"unknown", errors.New("something odd"), Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Categorize(tt.err, "root")
			if got.Type != tt.want {
				t.Errorf("Type = %v, want %v", got.Type, tt.want)
			}
			if got.Endpoint != "root" {
				t.Errorf("Endpoint = %q, want root", got.Endpoint)
			}
		})
	}
}

// =============================================================================
// HTTP Status Tests
// =============================================================================

func TestCategorizeHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorType
		isNil  bool
	}{
		{200, Unknown, true},
		{204, Unknown, true},
		{302, Unknown, true},
		{400, ClientError, false},
		{401, Auth, false},
		{403, Auth, false},
		{404, NotFound, false},
		{409, ClientError, false},
		{422, ClientError, false},
		{429, RateLimit, false},
		{500, ServerError, false},
		{502, ServerError, false},
		{503, ServerError, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			got := CategorizeHTTPStatus(tt.status, "predict")
			if tt.isNil {
				if got != nil {
					t.Errorf("CategorizeHTTPStatus(%d) = %v, want nil", tt.status, got)
				}
				return
			}
			if got == nil {
				t.Fatalf("CategorizeHTTPStatus(%d) = nil", tt.status)
			}
			if got.Type != tt.want {
				t.Errorf("Type = %v, want %v", got.Type, tt.want)
			}
			if got.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", got.StatusCode, tt.status)
			}
		})
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", NewNetworkError("root", "request", nil), true},
		{"server", NewServerError("root", 500, "boom"), true},
		{"auth", NewAuthError("root", 401, "no"), false},
		{"plain timeout", &mockNetError{timeout: true}, true},
		{"plain error", errors.New("nope"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRateLimitError(t *testing.T) {
	if !IsRateLimitError(NewRateLimitError("predict", 1)) {
		t.Error("rate limit error should be detected")
	}
	if IsRateLimitError(errors.New("plain")) {
		t.Error("plain error is not a rate limit error")
	}
}

func TestGetErrorType(t *testing.T) {
	if GetErrorType(NewParseError("login", "decode", nil)) != Parse {
		t.Error("GetErrorType should return Parse")
	}
	if GetErrorType(errors.New("plain")) != Unknown {
		t.Error("GetErrorType of plain error should be Unknown")
	}
	if GetStatusCode(errors.New("plain")) != 0 {
		t.Error("GetStatusCode of plain error should be 0")
	}
}

// Mock net.Error for testing
type mockNetError struct {
	timeout   bool
	temporary bool
}

func (e *mockNetError) Error() string   { return "mock net error" }
func (e *mockNetError) Timeout() bool   { return e.timeout }
func (e *mockNetError) Temporary() bool { return e.temporary }

var _ net.Error = (*mockNetError)(nil)
