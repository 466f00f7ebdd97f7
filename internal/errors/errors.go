// Package errors provides custom error types and error handling utilities
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// AppError represents an application error with context
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Details    string `json:"details,omitempty"`
	Cause      error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError with the same code, so that
// errors.Is(err, ErrQuantityOutOfRange) matches errors built with WithDetails.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails returns a copy of the error carrying details
func (e *AppError) WithDetails(format string, args ...interface{}) *AppError {
	cp := *e
	cp.Details = fmt.Sprintf(format, args...)
	return &cp
}

// WithCause returns a copy of the error wrapping cause
func (e *AppError) WithCause(cause error) *AppError {
	cp := *e
	cp.Cause = cause
	return &cp
}

// Common error codes
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeInternalError          = "INTERNAL_ERROR"
	ErrCodeInvalidService         = "INVALID_SERVICE"
	ErrCodeQuantityOutOfRange     = "QUANTITY_OUT_OF_RANGE"
	ErrCodeMissingField           = "MISSING_FIELD"
	ErrCodeInvalidLink            = "INVALID_LINK"
	ErrCodeOrderNotFound          = "ORDER_NOT_FOUND"
	ErrCodePaymentNotFound        = "PAYMENT_NOT_FOUND"
	ErrCodeAlreadyHasPendingPay   = "ALREADY_HAS_PENDING_PAYMENT"
	ErrCodeInvalidTransition      = "INVALID_TRANSITION"
	ErrCodePaymentCreationFailed  = "PAYMENT_CREATION_FAILED"
	ErrCodeCatalogStale           = "CATALOG_STALE"
	ErrCodeUpstreamUnavailable    = "UPSTREAM_UNAVAILABLE"
	ErrCodePaymentAlreadyInFlight = "PAYMENT_CREATION_IN_PROGRESS"
	ErrCodeDuplicateOrder         = "DUPLICATE_ORDER"
)

// Pre-defined errors
var (
	ErrInvalidService = &AppError{
		Code:       ErrCodeInvalidService,
		Message:    "Service not found in catalog",
		StatusCode: http.StatusBadRequest,
	}

	ErrQuantityOutOfRange = &AppError{
		Code:       ErrCodeQuantityOutOfRange,
		Message:    "Quantity is outside the service's allowed range",
		StatusCode: http.StatusBadRequest,
	}

	ErrMissingField = &AppError{
		Code:       ErrCodeMissingField,
		Message:    "Required field is missing",
		StatusCode: http.StatusBadRequest,
	}

	ErrInvalidLink = &AppError{
		Code:       ErrCodeInvalidLink,
		Message:    "Target link must be an absolute http(s) URL",
		StatusCode: http.StatusBadRequest,
	}

	ErrOrderNotFound = &AppError{
		Code:       ErrCodeOrderNotFound,
		Message:    "Order not found",
		StatusCode: http.StatusNotFound,
	}

	ErrPaymentNotFound = &AppError{
		Code:       ErrCodePaymentNotFound,
		Message:    "Payment not found",
		StatusCode: http.StatusNotFound,
	}

	ErrAlreadyHasPendingPayment = &AppError{
		Code:       ErrCodeAlreadyHasPendingPay,
		Message:    "Order already has a pending payment",
		StatusCode: http.StatusConflict,
	}

	ErrPaymentInFlight = &AppError{
		Code:       ErrCodePaymentAlreadyInFlight,
		Message:    "A payment is already being created for this order",
		StatusCode: http.StatusConflict,
	}

	ErrInvalidTransition = &AppError{
		Code:       ErrCodeInvalidTransition,
		Message:    "Order is not in a state that allows this operation",
		StatusCode: http.StatusConflict,
	}

	ErrPaymentCreationFailed = &AppError{
		Code:       ErrCodePaymentCreationFailed,
		Message:    "Payment gateway did not create the payment",
		StatusCode: http.StatusBadGateway,
	}

	ErrCatalogStale = &AppError{
		Code:       ErrCodeCatalogStale,
		Message:    "Service catalog is stale and could not be refreshed",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrUpstreamUnavailable = &AppError{
		Code:       ErrCodeUpstreamUnavailable,
		Message:    "Upstream service is temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrDuplicateOrder = &AppError{
		Code:       ErrCodeDuplicateOrder,
		Message:    "Order already exists",
		StatusCode: http.StatusConflict,
	}

	ErrInternalError = &AppError{
		Code:       ErrCodeInternalError,
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// NewAppError creates a new application error
func NewAppError(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewValidationError creates a validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// IsAppError checks if an error is, or wraps, an AppError
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is is a shorthand for the standard library's errors.Is
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// GetStatusCode returns the HTTP status code for an error
func GetStatusCode(err error) int {
	if appErr, ok := IsAppError(err); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// ErrorResponse represents an error response structure
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details in the response
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ToErrorResponse converts an error to an error response
func ToErrorResponse(err error) ErrorResponse {
	if appErr, ok := IsAppError(err); ok {
		return ErrorResponse{
			Error: ErrorDetail{
				Code:    appErr.Code,
				Message: appErr.Message,
				Details: appErr.Details,
			},
		}
	}

	return ErrorResponse{
		Error: ErrorDetail{
			Code:    ErrCodeInternalError,
			Message: "Internal server error",
		},
	}
}
