package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies a failure. Classification happens structurally at
// the point the error is raised; callers branch on this tag, never on
// message text.
type ErrorType string

const (
	// ErrorTypeInvalidRequest is malformed input. Never retried.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuth is a bad or missing API key. Never retried.
	ErrorTypeAuth ErrorType = "auth_error"

	// ErrorTypeRateLimit is an upstream 429. Retryable, fallback-eligible.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeTimeout is a call exceeding its deadline. Retryable.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeModelUnavailable is a missing or overloaded model. Retryable.
	ErrorTypeModelUnavailable ErrorType = "model_unavailable"

	// ErrorTypeServer is an upstream 5xx. Retryable, fallback-eligible.
	ErrorTypeServer ErrorType = "server_error"

	// ErrorTypeUnsupportedModel is a configuration error, such as a cost
	// lookup on a model missing from the pricing table. Never retried.
	ErrorTypeUnsupportedModel ErrorType = "unsupported_model"
)

// ClassifiedError is the single error shape every adapter surfaces.
// Message is a sanitized summary; raw provider bodies and keys are never
// carried here.
type ClassifiedError struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Status    int       `json:"status,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Retryable bool      `json:"retryable"`
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Code returns the machine-readable code surfaced to callers.
func (e *ClassifiedError) Code() string { return string(e.Type) }

// WithProvider tags the error with the provider that raised it.
func (e *ClassifiedError) WithProvider(name string) *ClassifiedError {
	e.Provider = name
	return e
}

// NewClassifiedError builds an error with retryability derived from type.
func NewClassifiedError(t ErrorType, message string) *ClassifiedError {
	return &ClassifiedError{
		Type:      t,
		Message:   message,
		Retryable: isRetryable(t),
	}
}

func isRetryable(t ErrorType) bool {
	switch t {
	case ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeModelUnavailable, ErrorTypeServer:
		return true
	}
	return false
}

// Convenience constructors, mirroring the taxonomy.

func ErrInvalidRequest(message string) *ClassifiedError {
	return NewClassifiedError(ErrorTypeInvalidRequest, message)
}

func ErrAuth(message string) *ClassifiedError {
	return NewClassifiedError(ErrorTypeAuth, message)
}

func ErrRateLimit(message string) *ClassifiedError {
	return NewClassifiedError(ErrorTypeRateLimit, message)
}

func ErrTimeout(message string) *ClassifiedError {
	return NewClassifiedError(ErrorTypeTimeout, message)
}

func ErrModelUnavailable(message string) *ClassifiedError {
	return NewClassifiedError(ErrorTypeModelUnavailable, message)
}

func ErrServer(message string) *ClassifiedError {
	return NewClassifiedError(ErrorTypeServer, message)
}

func ErrUnsupportedModel(model string) *ClassifiedError {
	return NewClassifiedError(ErrorTypeUnsupportedModel, "no pricing entry for model "+model)
}

// ClassifyStatus maps an upstream HTTP status to an error type. Provider
// clients refine this with the provider's own error-type string when one
// is present in the body.
func ClassifyStatus(status int) ErrorType {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorTypeAuth
	case status == http.StatusNotFound:
		return ErrorTypeModelUnavailable
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case status >= 500:
		return ErrorTypeServer
	default:
		return ErrorTypeInvalidRequest
	}
}

// Classify coerces any error into a ClassifiedError. Context deadline and
// cancellation failures always classify as timeout; everything else that is
// not already classified becomes a retryable server error with a sanitized
// message.
func Classify(err error) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTimeout("upstream call exceeded deadline")
	}
	ce = ErrServer("upstream call failed")
	return ce
}

// IsClassified reports whether err carries a ClassifiedError and returns it.
func IsClassified(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
