package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// DefaultRetryAfter is used when a provider signals a rate limit without a
// retry-after hint.
const DefaultRetryAfter = 30 * time.Second

// ErrorType represents the category of error.
type ErrorType string

const (
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeRequestTooLarge ErrorType = "request_too_large"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeProvider        ErrorType = "provider"
	ErrorTypeNetwork         ErrorType = "network"
	ErrorTypeTimeout         ErrorType = "timeout"
)

// Error is a provider-neutral completion error. Adapters map SDK and HTTP
// failures onto it so the retry client can decide what to do.
type Error struct {
	Type        ErrorType
	Message     string
	Retryable   bool
	RetryAfter  *time.Duration
	StatusCode  int
	ProviderErr error
}

func (e *Error) Error() string {
	if e.ProviderErr != nil {
		return e.Message + ": " + e.ProviderErr.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.ProviderErr
}

// ErrorTypeOf returns the category of err, or "" when err is not an *Error.
func ErrorTypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ""
}

// IsRetryableError reports whether a retry may succeed.
func IsRetryableError(err error) bool {
	var llmErr *Error
	return errors.As(err, &llmErr) && llmErr.Retryable
}

// ExtractRetryAfter returns the provider's retry hint, if any.
func ExtractRetryAfter(err error) *time.Duration {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.RetryAfter
	}
	return nil
}

// NewProviderError wraps a permanent provider failure.
func NewProviderError(message string, providerErr error) *Error {
	return &Error{Type: ErrorTypeProvider, Message: message, ProviderErr: providerErr}
}

// NewNetworkError wraps a transport failure; these are retried.
func NewNetworkError(message string, providerErr error) *Error {
	return &Error{Type: ErrorTypeNetwork, Message: message, Retryable: true, ProviderErr: providerErr}
}

// FromStatus maps an HTTP status from a provider onto an Error.
func FromStatus(provider string, status int, message string, providerErr error) *Error {
	e := &Error{
		Type:        ErrorTypeProvider,
		Message:     fmt.Sprintf("%s API error: %s", provider, message),
		StatusCode:  status,
		ProviderErr: providerErr,
	}
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := DefaultRetryAfter
		e.Type = ErrorTypeRateLimit
		e.Message = fmt.Sprintf("%s rate limit: %s", provider, message)
		e.Retryable = true
		e.RetryAfter = &retryAfter
	case status == http.StatusRequestEntityTooLarge:
		e.Type = ErrorTypeRequestTooLarge
		e.Message = fmt.Sprintf("%s request too large: %s", provider, message)
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
		e.Type = ErrorTypeInvalidRequest
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Type = ErrorTypeTimeout
		e.Retryable = true
	case status >= 500:
		e.Retryable = true
	}
	return e
}

// FromContext converts context cancellation into a non-retryable timeout,
// returning nil for any other error.
func FromContext(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Type: ErrorTypeTimeout, Message: "request cancelled", ProviderErr: err}
	}
	return nil
}
