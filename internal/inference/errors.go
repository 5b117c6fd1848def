package inference

import (
	"errors"
	"fmt"
)

// Error codes attached to ProviderError.
const (
	ErrCodeAuthentication = "authentication_error"
	ErrCodeRateLimit      = "rate_limit_exceeded"
	ErrCodeModelNotFound  = "model_not_found"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeServerError    = "server_error"
)

// ProviderError means the provider rejected the request or failed server side.
type ProviderError struct {
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a typed provider error.
func NewProviderError(code, message string, err error) *ProviderError {
	return &ProviderError{Code: code, Message: message, Err: err}
}

// UnexpectedError covers everything else, network failures included.
type UnexpectedError struct {
	Err error
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected error: %v", e.Err)
}

func (e *UnexpectedError) Unwrap() error {
	return e.Err
}

// Kind distinguishes failures for display and logging.
type Kind string

const (
	KindNone       Kind = ""
	KindProvider   Kind = "provider"
	KindUnexpected Kind = "unexpected"
)

// Classify maps err to its kind. Anything that is not a ProviderError is unexpected.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return KindProvider
	}
	return KindUnexpected
}

// codeForStatus maps an HTTP status from a provider to an error code.
func codeForStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return ErrCodeAuthentication
	case status == 429:
		return ErrCodeRateLimit
	case status == 404:
		return ErrCodeModelNotFound
	case status >= 500:
		return ErrCodeServerError
	default:
		return ErrCodeInvalidRequest
	}
}
