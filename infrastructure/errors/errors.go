// Package errors provides unified error handling for the script layer
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// Validation errors (1xxx)
	ErrCodeInvalidInput     ErrorCode = "VAL_1001"
	ErrCodeMissingParameter ErrorCode = "VAL_1002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_1003"

	// Resource errors (2xxx)
	ErrCodeNotFound      ErrorCode = "RES_2001"
	ErrCodeAlreadyExists ErrorCode = "RES_2002"

	// Execution errors (3xxx)
	ErrCodePoolExhausted ErrorCode = "EXEC_3001"
	ErrCodeCompileFailed ErrorCode = "EXEC_3002"
	ErrCodeExecution     ErrorCode = "EXEC_3003"
	ErrCodeTimeout       ErrorCode = "EXEC_3004"
	ErrCodeRateLimited   ErrorCode = "EXEC_3005"

	// Service errors (5xxx)
	ErrCodeInternal      ErrorCode = "SVC_5001"
	ErrCodeDatabaseError ErrorCode = "SVC_5002"
)

// ServiceError represents a structured error with code, message, and HTTP status
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Validation Errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "Invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "Missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

// Resource Errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "Resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "Resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// Execution Errors

func PoolExhausted() *ServiceError {
	return New(ErrCodePoolExhausted, "No script engine available", http.StatusServiceUnavailable)
}

func CompileFailed(err error) *ServiceError {
	return Wrap(ErrCodeCompileFailed, "Script compilation failed", http.StatusUnprocessableEntity, err)
}

func ExecutionFailed(message string) *ServiceError {
	return New(ErrCodeExecution, message, http.StatusUnprocessableEntity)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "Operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func RateLimitExceeded(limit float64) *ServiceError {
	return New(ErrCodeRateLimited, "Rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit)
}

// Service Errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabaseError, "Database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
