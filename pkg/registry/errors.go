package registry

import (
	"errors"
	"fmt"
)

// ConfigurationError reports an unknown environment selector or a malformed
// configuration record. It signals a static misconfiguration and is never retryable.
type ConfigurationError struct {
	Environment Environment
	Field       string
	Reason      string
	Cause       error
}

func (e *ConfigurationError) Error() string {
	msg := "registry configuration error"
	if e.Environment != "" {
		msg += fmt.Sprintf(" in environment %q", e.Environment)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" at %s", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// NotFoundError reports an endpoint name missing from a registry.
type NotFoundError struct {
	Environment Environment
	Name        string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("endpoint %q not found in %s registry", e.Name, e.Environment)
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
