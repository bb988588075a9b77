package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError 是整个项目统一的业务错误载体。
// Code 为 HTTP 状态码，Reason 为稳定的机器可读错误码（如 QUEUE_FULL），
// Message 面向人类，Metadata 携带结构化附加信息。
type AppError struct {
	Code     int32             `json:"code"`
	Reason   string            `json:"reason"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`

	cause error
}

// Status is the JSON-serializable error body returned to API clients.
type Status struct {
	Code     int32             `json:"code"`
	Reason   string            `json:"reason,omitempty"`
	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("error: code = %d reason = %s message = %s cause = %v", e.Code, e.Reason, e.Message, e.cause)
	}
	return fmt.Sprintf("error: code = %d reason = %s message = %s", e.Code, e.Reason, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

// Is 按 Code + Reason 判等，允许 errors.Is 在调用方做精确匹配。
func (e *AppError) Is(target error) bool {
	var t *AppError
	if errors.As(target, &t) {
		return t.Code == e.Code && t.Reason == e.Reason
	}
	return false
}

// WithCause 附加底层错误，保留原始调用链。
func (e *AppError) WithCause(cause error) *AppError {
	clone := e.clone()
	clone.cause = cause
	return clone
}

// WithMetadata 附加结构化元数据（覆盖同名 key）。
func (e *AppError) WithMetadata(md map[string]string) *AppError {
	clone := e.clone()
	if clone.Metadata == nil {
		clone.Metadata = make(map[string]string, len(md))
	}
	for k, v := range md {
		clone.Metadata[k] = v
	}
	return clone
}

func (e *AppError) clone() *AppError {
	if e == nil {
		return nil
	}
	clone := &AppError{
		Code:    e.Code,
		Reason:  e.Reason,
		Message: e.Message,
		cause:   e.cause,
	}
	if e.Metadata != nil {
		clone.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}

// New creates an AppError with the given HTTP status code, reason and message.
func New(code int, reason, message string) *AppError {
	return &AppError{Code: int32(code), Reason: reason, Message: message}
}

// Newf is New with fmt.Sprintf semantics for the message.
func Newf(code int, reason, format string, args ...any) *AppError {
	return New(code, reason, fmt.Sprintf(format, args...))
}

// FromError 将任意 error 归一化为 *AppError。
// 非 AppError 一律视为未知内部错误（500 / UNKNOWN）。
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return &AppError{
		Code:    int32(http.StatusInternalServerError),
		Reason:  "UNKNOWN",
		Message: err.Error(),
		cause:   err,
	}
}

// Code returns the HTTP status code carried by err (500 for unknown errors).
func Code(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return int(FromError(err).Code)
}

// Reason returns the machine-readable reason carried by err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return FromError(err).Reason
}

func BadRequest(reason, message string) *AppError {
	return New(http.StatusBadRequest, reason, message)
}

func Unauthorized(reason, message string) *AppError {
	return New(http.StatusUnauthorized, reason, message)
}

func Forbidden(reason, message string) *AppError {
	return New(http.StatusForbidden, reason, message)
}

func NotFound(reason, message string) *AppError {
	return New(http.StatusNotFound, reason, message)
}

func Conflict(reason, message string) *AppError {
	return New(http.StatusConflict, reason, message)
}

func TooManyRequests(reason, message string) *AppError {
	return New(http.StatusTooManyRequests, reason, message)
}

func Internal(reason, message string) *AppError {
	return New(http.StatusInternalServerError, reason, message)
}

func ServiceUnavailable(reason, message string) *AppError {
	return New(http.StatusServiceUnavailable, reason, message)
}

func GatewayTimeout(reason, message string) *AppError {
	return New(http.StatusGatewayTimeout, reason, message)
}

// StatusClientClosedRequest 是 nginx 约定的 499，标准库没有该常量。
const StatusClientClosedRequest = 499

func ClientClosed(reason, message string) *AppError {
	return New(StatusClientClosedRequest, reason, message)
}

func isCode(err error, code int) bool {
	if err == nil {
		return false
	}
	return FromError(err).Code == int32(code)
}

func IsBadRequest(err error) bool      { return isCode(err, http.StatusBadRequest) }
func IsUnauthorized(err error) bool    { return isCode(err, http.StatusUnauthorized) }
func IsForbidden(err error) bool       { return isCode(err, http.StatusForbidden) }
func IsNotFound(err error) bool        { return isCode(err, http.StatusNotFound) }
func IsConflict(err error) bool        { return isCode(err, http.StatusConflict) }
func IsTooManyRequests(err error) bool { return isCode(err, http.StatusTooManyRequests) }
func IsInternal(err error) bool        { return isCode(err, http.StatusInternalServerError) }
func IsClientClosed(err error) bool    { return isCode(err, StatusClientClosedRequest) }
func IsGatewayTimeout(err error) bool  { return isCode(err, http.StatusGatewayTimeout) }

func IsServiceUnavailable(err error) bool {
	return isCode(err, http.StatusServiceUnavailable)
}

// IsReason reports whether err carries the given reason code.
func IsReason(err error, reason string) bool {
	if err == nil {
		return false
	}
	return FromError(err).Reason == reason
}
