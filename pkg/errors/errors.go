// Package errors provides the structured error system used across reqcache: stable codes, categories and retry hints.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a stable, machine-readable error code.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Connection errors
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"

	// Upstream response errors
	ErrCodeServerError        ErrorCode = "SERVER_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeRateLimited        ErrorCode = "RATE_LIMITED"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"

	// Storage errors
	ErrCodeQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeSerializationFailed ErrorCode = "SERIALIZATION_FAILED"
	ErrCodeStorageRead         ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite        ErrorCode = "STORAGE_WRITE"

	// Operation errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// Authentication/Authorization errors
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeAuthorizationFailed  ErrorCode = "AUTHORIZATION_FAILED"
	ErrCodeTokenExpired         ErrorCode = "TOKEN_EXPIRED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryUpstream      ErrorCategory = "upstream"
	CategoryStorage       ErrorCategory = "storage"
	CategoryOperation     ErrorCategory = "operation"
	CategoryAuth          ErrorCategory = "auth"
	CategoryInternal      ErrorCategory = "internal"
)

// ReqCacheError represents a structured error with context and metadata.
type ReqCacheError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Field-level detail reported by the server for validation failures
	FieldErrors map[string]string `json:"field_errors,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Error handling hints
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	UserFacing bool          `json:"user_facing"`
	HTTPStatus int           `json:"http_status,omitempty"`

	// Debug information
	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *ReqCacheError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *ReqCacheError) Unwrap() error {
	return e.Cause
}

// Is matches on error code, so errors.Is(err, errors.New(code, "")) works.
func (e *ReqCacheError) Is(target error) bool {
	if t, ok := target.(*ReqCacheError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *ReqCacheError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.RequestID != "" {
		parts = append(parts, fmt.Sprintf("RequestID=%s", e.RequestID))
	}
	if e.HTTPStatus != 0 {
		parts = append(parts, fmt.Sprintf("HTTPStatus=%d", e.HTTPStatus))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.RetryAfter > 0 {
		parts = append(parts, fmt.Sprintf("RetryAfter=%s", e.RetryAfter))
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("ReqCacheError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *ReqCacheError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new error with the defaults for its code.
func NewError(code ErrorCode, message string) *ReqCacheError {
	return &ReqCacheError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Wrap creates a new error with the given code around cause.
func Wrap(code ErrorCode, message string, cause error) *ReqCacheError {
	return NewError(code, message).WithCause(cause)
}

// FromHTTPStatus maps an upstream HTTP status to a classified error.
func FromHTTPStatus(status int, message string) *ReqCacheError {
	var code ErrorCode
	switch {
	case status == http.StatusUnauthorized:
		code = ErrCodeAuthenticationFailed
	case status == http.StatusForbidden:
		code = ErrCodeAuthorizationFailed
	case status == http.StatusNotFound:
		code = ErrCodeNotFound
	case status == http.StatusTooManyRequests:
		code = ErrCodeRateLimited
	case status == http.StatusServiceUnavailable:
		code = ErrCodeServiceUnavailable
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		code = ErrCodeOperationTimeout
	case status >= 500:
		code = ErrCodeServerError
	case status >= 400:
		code = ErrCodeValidationFailed
	default:
		code = ErrCodeInternalError
	}
	if message == "" {
		message = http.StatusText(status)
	}
	e := NewError(code, message)
	e.HTTPStatus = status
	return e
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "CONNECTION_") || strings.HasPrefix(codeStr, "NETWORK_"):
		return CategoryConnection
	case strings.HasPrefix(codeStr, "SERVER_") || strings.HasPrefix(codeStr, "SERVICE_") ||
		strings.HasPrefix(codeStr, "RATE_") || strings.HasPrefix(codeStr, "NOT_FOUND"):
		return CategoryUpstream
	case strings.HasPrefix(codeStr, "STORAGE_") || strings.HasPrefix(codeStr, "QUOTA_") ||
		strings.HasPrefix(codeStr, "SERIALIZATION_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_") ||
		strings.HasPrefix(codeStr, "VALIDATION_"):
		return CategoryOperation
	case strings.HasPrefix(codeStr, "AUTHENTICATION_") || strings.HasPrefix(codeStr, "AUTHORIZATION_") ||
		strings.HasPrefix(codeStr, "TOKEN_"):
		return CategoryAuth
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a code is transient.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeNetworkError:       true,
		ErrCodeConnectionTimeout:  true,
		ErrCodeOperationTimeout:   true,
		ErrCodeServerError:        true,
		ErrCodeServiceUnavailable: true,
		ErrCodeRateLimited:        true,
	}
	return retryableCodes[code]
}

// IsUserFacingByDefault determines if an error should be shown to users.
func IsUserFacingByDefault(code ErrorCode) bool {
	userFacingCodes := map[ErrorCode]bool{
		ErrCodeInvalidConfig:        true,
		ErrCodeValidationFailed:     true,
		ErrCodeNotFound:             true,
		ErrCodeRateLimited:          true,
		ErrCodeAuthenticationFailed: true,
		ErrCodeAuthorizationFailed:  true,
		ErrCodeOperationTimeout:     true,
		ErrCodeServiceUnavailable:   true,
	}
	return userFacingCodes[code]
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:        400, // Bad Request
		ErrCodeValidationFailed:     400,
		ErrCodeAuthenticationFailed: 401, // Unauthorized
		ErrCodeTokenExpired:         401,
		ErrCodeAuthorizationFailed:  403, // Forbidden
		ErrCodeNotFound:             404,
		ErrCodeRateLimited:          429, // Too Many Requests
		ErrCodeQuotaExceeded:        507, // Insufficient Storage
		ErrCodeServerError:          500,
		ErrCodeInternalError:        500,
		ErrCodeServiceUnavailable:   503,
		ErrCodeOperationTimeout:     504, // Gateway Timeout
		ErrCodeConnectionTimeout:    504,
	}

	if status, ok := statusMap[code]; ok {
		return status
	}
	return 0
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *ReqCacheError) WithContext(key, value string) *ReqCacheError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *ReqCacheError) WithDetail(key string, value interface{}) *ReqCacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithFieldErrors attaches server-provided field-level validation messages.
func (e *ReqCacheError) WithFieldErrors(fields map[string]string) *ReqCacheError {
	if len(fields) == 0 {
		return e
	}
	if e.FieldErrors == nil {
		e.FieldErrors = make(map[string]string, len(fields))
	}
	for k, v := range fields {
		e.FieldErrors[k] = v
	}
	return e
}

// WithComponent sets the component for an error
func (e *ReqCacheError) WithComponent(component string) *ReqCacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *ReqCacheError) WithOperation(operation string) *ReqCacheError {
	e.Operation = operation
	return e
}

// WithRequestID sets the request id for an error
func (e *ReqCacheError) WithRequestID(id string) *ReqCacheError {
	e.RequestID = id
	return e
}

// WithCause sets the underlying cause
func (e *ReqCacheError) WithCause(cause error) *ReqCacheError {
	e.Cause = cause
	return e
}

// WithRetryAfter sets the server-provided backoff hint
func (e *ReqCacheError) WithRetryAfter(d time.Duration) *ReqCacheError {
	e.RetryAfter = d
	return e
}

// WithRetryable overrides the default retryable flag
func (e *ReqCacheError) WithRetryable(retryable bool) *ReqCacheError {
	e.Retryable = retryable
	return e
}

// WithStack captures the current stack trace
func (e *ReqCacheError) WithStack() *ReqCacheError {
	e.Stack = CaptureStack(2)
	return e
}

// As returns the first ReqCacheError in err's chain.
func As(err error) (*ReqCacheError, bool) {
	var rcErr *ReqCacheError
	if stderrors.As(err, &rcErr) {
		return rcErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first ReqCacheError in err's chain, or "" if there is none.
func CodeOf(err error) ErrorCode {
	if rcErr, ok := As(err); ok {
		return rcErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if rcErr, ok := err.(*ReqCacheError); ok && rcErr.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsRetryable reports whether the first ReqCacheError in err's chain is marked retryable.
func IsRetryable(err error) bool {
	if rcErr, ok := As(err); ok {
		return rcErr.Retryable
	}
	return false
}

// RetryAfterOf returns the retry-after hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	for err != nil {
		if rcErr, ok := err.(*ReqCacheError); ok && rcErr.RetryAfter > 0 {
			return rcErr.RetryAfter
		}
		err = stderrors.Unwrap(err)
	}
	return 0
}

// UserFacingMessage returns a simplified message suitable for end users
func (e *ReqCacheError) UserFacingMessage() string {
	if !e.UserFacing {
		return "Something went wrong. Please try again."
	}

	messages := map[ErrorCode]string{
		ErrCodeInvalidConfig:        "Invalid configuration",
		ErrCodeValidationFailed:     "Please check the submitted values",
		ErrCodeNotFound:             "The requested item was not found",
		ErrCodeAuthenticationFailed: "Your session has expired. Please sign in again",
		ErrCodeAuthorizationFailed:  "You do not have access to this item",
		ErrCodeOperationTimeout:     "The request timed out",
		ErrCodeServiceUnavailable:   "Service temporarily unavailable",
	}

	if e.Code == ErrCodeRateLimited {
		if e.RetryAfter > 0 {
			return fmt.Sprintf("Too many requests. Try again in %s", e.RetryAfter.Round(time.Second))
		}
		return "Too many requests. Try again shortly"
	}

	if msg, exists := messages[e.Code]; exists {
		return msg
	}
	return e.Message
}
