package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// AppError represents application-level error with HTTP status.
type AppError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Status  int                    `json:"-"`
	Err     error                  `json:"-"`

	retryAfter time.Duration
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// NewAppError creates a new application error.
func NewAppError(code, field, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Field: field, Status: status}
}

// WithParam sets a single error param.
func (e *AppError) WithParam(key string, value interface{}) *AppError {
	if e.Params == nil {
		e.Params = make(map[string]interface{})
	}
	e.Params[key] = value
	return e
}

// WithError wraps an underlying error.
func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// RetryAfter is the hint rendered as a Retry-After header, zero when unset.
func (e *AppError) RetryAfter() time.Duration { return e.retryAfter }

func NotFoundError(message string) *AppError {
	return NewAppError("ERR_NOT_FOUND", "", message, http.StatusNotFound)
}

func BadRequestError(message string) *AppError {
	return NewAppError("ERR_BAD_REQUEST", "", message, http.StatusBadRequest)
}

// TooManyRequestsError creates a 429. A positive retryAfter is rounded up to whole
// seconds for the Retry-After header.
func TooManyRequestsError(message string, retryAfter time.Duration) *AppError {
	e := NewAppError("ERR_RATE_LIMITED", "", message, http.StatusTooManyRequests)
	if retryAfter > 0 {
		e.retryAfter = retryAfter
		e.WithParam("retry_after_seconds", retryAfterSeconds(retryAfter))
	}
	return e
}

// UnavailableError creates a 503 error, used when an upstream exchange or store
// cannot serve the request.
func UnavailableError(message string) *AppError {
	return NewAppError("ERR_UNAVAILABLE", "", message, http.StatusServiceUnavailable)
}

func InternalError(message string) *AppError {
	return NewAppError("ERR_INTERNAL", "", message, http.StatusInternalServerError)
}

func retryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func retryAfterHeader(d time.Duration) string {
	return strconv.Itoa(retryAfterSeconds(d))
}
