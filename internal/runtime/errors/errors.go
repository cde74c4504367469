package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrHandshakeTimeout       = sterrors.New("framebridge: handshake timed out")
	ErrOriginRejected         = sterrors.New("framebridge: origin rejected")
	ErrUnknownMethod          = sterrors.New("framebridge: unknown method")
	ErrCallTimeout            = sterrors.New("framebridge: call timed out")
	ErrRemote                 = sterrors.New("framebridge: remote handler failed")
	ErrSerialization          = sterrors.New("framebridge: configuration snapshot failed")
	ErrConfigFunctionNotFound = sterrors.New("framebridge: configuration function not found")
	ErrChannelClosed          = sterrors.New("framebridge: channel closed")

	ErrConnectionExists   = sterrors.New("framebridge: connection already exists")
	ErrConnectionNotFound = sterrors.New("framebridge: connection not found")
	ErrAlreadyConnected   = sterrors.New("framebridge: client already connected")
	ErrNotConnected       = sterrors.New("framebridge: client not connected")

	ErrWildcardOrigin         = sterrors.New("framebridge: expected origin must not be a wildcard")
	ErrExpectedOriginRequired = sterrors.New("framebridge: expected origin is required")
	ErrFrameRequired          = sterrors.New("framebridge: frame reference is required")
	ErrWindowRequired         = sterrors.New("framebridge: local window is required")
	ErrPortRequired           = sterrors.New("framebridge: port is required")
	ErrConfigRequired         = sterrors.New("framebridge: config is required")
	ErrLoggerRequired         = sterrors.New("framebridge: logger is required")
	ErrInvalidArguments       = sterrors.New("framebridge: invalid arguments")
)

// Machine-readable error codes carried in Response.Code.
const (
	CodeUnknownMethod          = "unknown_method"
	CodeRemoteError            = "remote_error"
	CodeConfigFunctionNotFound = "config_function_not_found"
	CodeSerialization          = "serialization_failure"
	CodeInvalidArguments       = "invalid_arguments"
)

// CodeOf maps a handler error onto the wire code reported to the caller.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case sterrors.Is(err, ErrUnknownMethod):
		return CodeUnknownMethod
	case sterrors.Is(err, ErrConfigFunctionNotFound):
		return CodeConfigFunctionNotFound
	case sterrors.Is(err, ErrSerialization):
		return CodeSerialization
	case sterrors.Is(err, ErrInvalidArguments):
		return CodeInvalidArguments
	default:
		return CodeRemoteError
	}
}

func sentinelForCode(code string) error {
	switch code {
	case CodeUnknownMethod:
		return ErrUnknownMethod
	case CodeConfigFunctionNotFound:
		return ErrConfigFunctionNotFound
	case CodeSerialization:
		return ErrSerialization
	case CodeInvalidArguments:
		return ErrInvalidArguments
	default:
		return ErrRemote
	}
}

// RemoteError is returned to a caller when the peer answered with ok=false.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("framebridge: remote call %s failed: %s", e.Method, e.Message)
}

// Unwrap exposes the sentinel matching Code, so errors.Is(err, ErrUnknownMethod)
// works on the caller side.
func (e *RemoteError) Unwrap() error {
	return sentinelForCode(e.Code)
}

// CallTimeoutError reports a call that received no response in time.
type CallTimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("framebridge: call to %q timed out after %s", e.Method, e.Timeout)
}

func (e *CallTimeoutError) Unwrap() error { return ErrCallTimeout }

// HandshakeTimeoutError reports a handshake that did not complete in time.
// Role is "initiator" or "responder".
type HandshakeTimeoutError struct {
	Role    string
	Timeout time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("framebridge: %s handshake timed out after %s", e.Role, e.Timeout)
}

func (e *HandshakeTimeoutError) Unwrap() error { return ErrHandshakeTimeout }

// ConnectionNotFoundError lists the live connection ids to ease debugging.
type ConnectionNotFoundError struct {
	ID   string
	Live []string
}

func (e *ConnectionNotFoundError) Error() string {
	live := "none"
	if len(e.Live) > 0 {
		live = strings.Join(e.Live, ", ")
	}
	return fmt.Sprintf("framebridge: no connection with id %q (live: %s)", e.ID, live)
}

func (e *ConnectionNotFoundError) Unwrap() error { return ErrConnectionNotFound }

// SerializationError wraps the reason a configuration could not be cloned.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	if e.Err == nil {
		return ErrSerialization.Error()
	}
	return fmt.Sprintf("%s: %v", ErrSerialization.Error(), e.Err)
}

func (e *SerializationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSerialization}
	}
	return []error{ErrSerialization, e.Err}
}

// ConfigFunctionNotFound builds the error returned when a path does not
// resolve to a callable value.
func ConfigFunctionNotFound(path string) error {
	return fmt.Errorf("%w: %q", ErrConfigFunctionNotFound, path)
}

// UnknownMethod builds the error a dispatcher reports for an unregistered method.
func UnknownMethod(method string) error {
	return fmt.Errorf("%w %q", ErrUnknownMethod, method)
}
