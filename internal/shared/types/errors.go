package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies failures returned across the bridge
type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION_ERROR"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodeQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeUnknownProtocol   ErrorCode = "UNKNOWN_PROTOCOL"
	CodeUnknownMethod     ErrorCode = "UNKNOWN_METHOD"
	CodeUnknownPermission ErrorCode = "UNKNOWN_PERMISSION"
	CodeFeatureDisabled   ErrorCode = "FEATURE_DISABLED"
	CodeTooManyPending    ErrorCode = "TOO_MANY_PENDING_REQUESTS"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeUnauthenticated   ErrorCode = "UNAUTHENTICATED"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// Error is the structured error every handler returns
type Error struct {
	Code         ErrorCode              `json:"code"`
	Message      string                 `json:"message"`
	Details      map[string]interface{} `json:"details,omitempty"`
	RetryAfterMs int64                  `json:"retryAfterMs,omitempty"`
}

// NewError creates a structured error
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a structured error with a formatted message
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetail attaches a detail value and returns the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Is matches errors by code so errors.Is(err, types.NewError(CodeNotFound, "")) works
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus maps the error code to the REST fallback status
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeUnknownPermission:
		return http.StatusBadRequest
	case CodePermissionDenied, CodeFeatureDisabled:
		return http.StatusForbidden
	case CodeQuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case CodeNotFound, CodeUnknownProtocol, CodeUnknownMethod:
		return http.StatusNotFound
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeTooManyPending, CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// AsError converts any error into the structured form.
// Errors that are not already structured become INTERNAL_ERROR.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(CodeInternal, err.Error())
}

// CodeOf returns the error code of err, or empty when err is nil
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return AsError(err).Code
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
