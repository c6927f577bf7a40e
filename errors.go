package subrpc

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is the stable string code of a protocol error.
type ErrorCode string

const (
	CodeParseError           ErrorCode = "PARSE_ERROR"
	CodeBadRequest           ErrorCode = "BAD_REQUEST"
	CodeUnauthorized         ErrorCode = "UNAUTHORIZED"
	CodeForbidden            ErrorCode = "FORBIDDEN"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeMethodNotSupported   ErrorCode = "METHOD_NOT_SUPPORTED"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeUnsupportedMediaType ErrorCode = "UNSUPPORTED_MEDIA_TYPE"
	CodeInternalServerError  ErrorCode = "INTERNAL_SERVER_ERROR"
)

var numericCodes = map[ErrorCode]int{
	CodeParseError:           -32700,
	CodeBadRequest:           -32600,
	CodeInternalServerError:  -32603,
	CodeUnauthorized:         -32001,
	CodeForbidden:            -32003,
	CodeNotFound:             -32004,
	CodeMethodNotSupported:   -32005,
	CodeTimeout:              -32008,
	CodeUnsupportedMediaType: -32015,
}

var stringCodes = func() map[int]ErrorCode {
	m := make(map[int]ErrorCode, len(numericCodes))
	for code, n := range numericCodes {
		m[n] = code
	}
	return m
}()

var httpStatuses = map[ErrorCode]int{
	CodeParseError:           400,
	CodeBadRequest:           400,
	CodeUnauthorized:         401,
	CodeForbidden:            403,
	CodeNotFound:             404,
	CodeMethodNotSupported:   405,
	CodeTimeout:              408,
	CodeUnsupportedMediaType: 415,
	CodeInternalServerError:  500,
}

// Numeric returns the wire-level numeric code.
func (c ErrorCode) Numeric() int {
	if n, ok := numericCodes[c]; ok {
		return n
	}
	return numericCodes[CodeInternalServerError]
}

// HTTPStatus returns the HTTP status associated with the code.
func (c ErrorCode) HTTPStatus() int {
	if s, ok := httpStatuses[c]; ok {
		return s
	}
	return 500
}

// Error is a protocol error raised by the router, executor or dispatcher.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a protocol error with the given code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a protocol error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// coerceError maps any error onto a protocol error, defaulting uncoded
// errors to INTERNAL_SERVER_ERROR while keeping the cause wrapped.
func coerceError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return &Error{Code: CodeInternalServerError, Message: err.Error(), Cause: err}
}

// ErrorFormatter is the user-replaceable hook applied to every formatted
// error shape before it leaves the server. It may return a modified shape.
type ErrorFormatter func(shape *ErrorShape, err error) *ErrorShape

func identityFormatter(shape *ErrorShape, _ error) *ErrorShape { return shape }

// FormatError maps an internal error to the stable client-safe shape and
// applies the formatter hook. An empty path is omitted from the shape.
func FormatError(err error, path string, hook ErrorFormatter) *ErrorShape {
	perr := coerceError(err)
	shape := &ErrorShape{
		Code:    perr.Code.Numeric(),
		Message: perr.Message,
		Data: ErrorData{
			Code:       string(perr.Code),
			HTTPStatus: perr.Code.HTTPStatus(),
			Path:       path,
		},
	}
	if hook == nil {
		hook = identityFormatter
	}
	return hook(shape, err)
}

// ErrorFromShape reconstructs a protocol error from a received shape.
// Reformatting the result preserves code and message.
func ErrorFromShape(shape *ErrorShape) *Error {
	code := ErrorCode(shape.Data.Code)
	if _, ok := numericCodes[code]; !ok {
		if c, ok := stringCodes[shape.Code]; ok {
			code = c
		} else {
			code = CodeInternalServerError
		}
	}
	return &Error{Code: code, Message: shape.Message}
}

func errorResponse(id interface{}, err error, path string, hook ErrorFormatter) *Response {
	return &Response{ID: id, Error: FormatError(err, path, hook)}
}

// ClientError is returned by one-shot calls that were rejected by the
// remote side. Shape carries the full wire-level error.
type ClientError struct {
	Message string
	Shape   *ErrorShape
}

func (e *ClientError) Error() string { return e.Message }

// Data returns the structured error data from the remote shape.
func (e *ClientError) Data() ErrorData { return e.Shape.Data }

func clientError(shape *ErrorShape) *ClientError {
	return &ClientError{Message: shape.Message, Shape: shape}
}

// transport-level errors, kept distinct from protocol errors
var (
	ErrTimeout      = errors.New("request timed out")
	ErrClosedConn   = errors.New("closed connection")
	ErrDisconnected = errors.New("transport disconnected")
)

// ReconnectError reports an exhausted reconnection loop.
type ReconnectError struct {
	Attempts int
	Cause    error
}

func (e *ReconnectError) Error() string {
	return fmt.Sprintf("reconnection failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *ReconnectError) Unwrap() error { return e.Cause }

// SubscriptionError reports a fatal subscription registration outcome.
type SubscriptionError struct {
	Reason string
	Cause  error
}

func (e *SubscriptionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("subscription failed: %s: %v", e.Reason, e.Cause)
	}
	return "subscription failed: " + e.Reason
}

func (e *SubscriptionError) Unwrap() error { return e.Cause }

// KeepaliveError reports a liveness watchdog expiry.
type KeepaliveError struct {
	Window time.Duration
}

func (e *KeepaliveError) Error() string {
	return fmt.Sprintf("no inbound traffic within %s", e.Window)
}
