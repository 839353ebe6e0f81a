package errors

import (
	"net/http"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"

	// Authorization errors (403xx)
	ErrScopeDenied ErrorCode = "40301"

	// Resource errors (404xx)
	ErrCredentialNotFound ErrorCode = "40401"

	// Rate limit errors (429xx)
	ErrQuotaExhausted ErrorCode = "42901"
	ErrRateLimited    ErrorCode = "42902"

	// Server errors (500xx)
	ErrInternalServer ErrorCode = "50001"
	ErrStoreFailure   ErrorCode = "50002"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id"`
}

// Common errors
var (
	ErrCredentialNotFoundError = &APIError{
		Code:       ErrCredentialNotFound,
		Message:    "Credential not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrQuotaExhaustedError = &APIError{
		Code:       ErrQuotaExhausted,
		Message:    "Credential quota exhausted",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrRateLimitedError = &APIError{
		Code:       ErrRateLimited,
		Message:    "Rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrStoreFailureError = &APIError{
		Code:       ErrStoreFailure,
		Message:    "Credential store unavailable",
		HTTPStatus: http.StatusInternalServerError,
	}
)

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       ErrValidationFailed,
		Message:    "Validation failed",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewScopeDeniedError creates a scope denial carrying the failing check.
func NewScopeDeniedError(reason string) *APIError {
	return &APIError{
		Code:       ErrScopeDenied,
		Message:    "Credential scope denied",
		Details:    map[string]string{"reason": reason},
		HTTPStatus: http.StatusForbidden,
	}
}
