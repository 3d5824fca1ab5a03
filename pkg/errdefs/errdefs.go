package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class across the API boundary
type Code string

const (
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeNameConflict      Code = "NAME_CONFLICT"
	CodeConflict          Code = "CONFLICT"
	CodeDependencyCycle   Code = "DEPENDENCY_CYCLE"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeSSHConnectFailed  Code = "SSH_CONNECT_FAILED"
	CodeHostKeyMismatch   Code = "HOSTKEY_MISMATCH"
	CodeSSHCommandTimeout Code = "SSH_COMMAND_TIMEOUT"
	CodeDockerUnreachable Code = "DOCKER_UNREACHABLE"
	CodeImagePullFailed   Code = "IMAGE_PULL_FAILED"
	CodeUnavailable       Code = "UNAVAILABLE"
	CodeInternal          Code = "INTERNAL"
)

// Error is a coded error with optional structured details. It wraps an
// underlying cause so errors.Is/As keep working through it.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetail attaches one detail entry and returns the error for chaining
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a coded error
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// Wrapf attaches a code and formatted message to an underlying error
func Wrapf(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// NotFound reports a missing entity, e.g. NotFound("machine", id)
func NotFound(kind, id string) *Error {
	return Newf(CodeNotFound, "%s %q not found", kind, id).
		WithDetail("kind", kind).
		WithDetail("id", id)
}

// NameConflict reports a uniqueness violation on a name
func NameConflict(kind, name string) *Error {
	return Newf(CodeNameConflict, "%s name %q already in use", kind, name).
		WithDetail("kind", kind).
		WithDetail("name", name)
}

// Invalid reports a validation failure
func Invalid(message string) *Error {
	return New(CodeInvalidArgument, message)
}

// Invalidf reports a validation failure with a formatted message
func Invalidf(format string, args ...any) *Error {
	return Newf(CodeInvalidArgument, format, args...)
}

// GetCode extracts the code from an error chain, defaulting to INTERNAL
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// GetDetails extracts details from an error chain, nil when absent
func GetDetails(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// IsCode reports whether the error chain carries the given code
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// IsNotFound reports whether the error is a NOT_FOUND
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsConflict reports whether the error is a CONFLICT or NAME_CONFLICT
func IsConflict(err error) bool {
	c := GetCode(err)
	return c == CodeConflict || c == CodeNameConflict
}

// IsTimeout reports whether the error is a remote command timeout
func IsTimeout(err error) bool {
	return IsCode(err, CodeSSHCommandTimeout)
}

// HTTPStatus maps an error chain to the HTTP status the API returns for it
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNameConflict, CodeConflict:
		return http.StatusConflict
	case CodeDependencyCycle:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeSSHConnectFailed, CodeHostKeyMismatch, CodeDockerUnreachable, CodeImagePullFailed:
		return http.StatusBadGateway
	case CodeSSHCommandTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
