// Package errors defines the devserve error taxonomy.
//
// Every failure that crosses a component boundary is a *DevError tagged with
// an ErrorType. Only watch failures are fatal to the process; compile,
// client-send and network signals are contained by the component that
// observed them and turned into events.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeWatch    ErrorType = "watch"
	ErrorTypeCompile  ErrorType = "compile"
	ErrorTypeClient   ErrorType = "client"
	ErrorTypeNetwork  ErrorType = "network"
	ErrorTypeConfig   ErrorType = "config"
	ErrorTypeIO       ErrorType = "io"
	ErrorTypeInternal ErrorType = "internal"
)

// Error codes.
const (
	ErrCodeWatchRootMissing    = "WATCH_ROOT_MISSING"
	ErrCodeWatchRootNotDir     = "WATCH_ROOT_NOT_DIR"
	ErrCodeWatchRootLost       = "WATCH_ROOT_LOST"
	ErrCodeWatchBackend        = "WATCH_BACKEND"
	ErrCodeCompileFailed       = "COMPILE_FAILED"
	ErrCodeCompileTimeout      = "COMPILE_TIMEOUT"
	ErrCodeNoCompiler          = "NO_COMPILER"
	ErrCodeClientSend          = "CLIENT_SEND"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeInvalidConfig       = "INVALID_CONFIG"
)

// DevError is a structured error type with context.
type DevError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Key         string
	FilePath    string
	Line        int
	Column      int
	Recoverable bool
}

// Error implements the error interface.
func (e *DevError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}
	if e.Key != "" {
		parts = append(parts, "artifact:"+e.Key)
	}
	if loc := e.Location(); loc != "" {
		parts = append(parts, loc)
	}

	parts = append(parts, e.Message)
	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Location renders file:line:column, omitting unknown parts.
func (e *DevError) Location() string {
	if e.FilePath == "" {
		return ""
	}
	location := e.FilePath
	if e.Line > 0 {
		location += fmt.Sprintf(":%d", e.Line)
		if e.Column > 0 {
			location += fmt.Sprintf(":%d", e.Column)
		}
	}
	return location
}

// Unwrap returns the underlying cause error.
func (e *DevError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *DevError) Is(target error) bool {
	var t *DevError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *DevError) WithContext(key string, value interface{}) *DevError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithLocation adds file location information.
func (e *DevError) WithLocation(filePath string, line, column int) *DevError {
	e.FilePath = filePath
	e.Line = line
	e.Column = column

	return e
}

// WithKey attaches the artifact key the error belongs to.
func (e *DevError) WithKey(key string) *DevError {
	e.Key = key

	return e
}

// NewWatchFailure reports that the watched root is missing or became
// inaccessible. It is the only fatal error type.
func NewWatchFailure(code, root string, cause error) *DevError {
	return &DevError{
		Type:        ErrorTypeWatch,
		Code:        code,
		Message:     "cannot watch " + root,
		Cause:       cause,
		FilePath:    root,
		Recoverable: false,
	}
}

// NewCompileFailure creates a per-artifact build error. message is the
// client-displayable text.
func NewCompileFailure(key, message string, cause error) *DevError {
	return &DevError{
		Type:        ErrorTypeCompile,
		Code:        ErrCodeCompileFailed,
		Message:     message,
		Cause:       cause,
		Key:         key,
		Recoverable: true,
	}
}

// NewClientSendFailure records that a message could not be delivered to a
// live-reload client.
func NewClientSendFailure(clientID string, cause error) *DevError {
	return &DevError{
		Type:        ErrorTypeClient,
		Code:        ErrCodeClientSend,
		Message:     "send to client " + clientID + " failed",
		Cause:       cause,
		Recoverable: true,
	}
}

// NewNetworkDegraded describes the health signal raised when the origin
// answers with a server error. It is logged, never returned up the stack.
func NewNetworkDegraded(statusCode int) *DevError {
	return &DevError{
		Type:        ErrorTypeNetwork,
		Code:        ErrCodeUpstreamUnavailable,
		Message:     fmt.Sprintf("upstream answered %d", statusCode),
		Recoverable: true,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *DevError {
	return &DevError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *DevError {
	return &DevError{
		Type:        ErrorTypeIO,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// AsDevError unwraps err into a *DevError when possible.
func AsDevError(err error) (*DevError, bool) {
	var de *DevError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsFatal reports whether err must stop the dev server.
func IsFatal(err error) bool {
	de, ok := AsDevError(err)
	return ok && de.Type == ErrorTypeWatch
}

// IsCompileFailure reports whether err is a per-artifact compile error.
func IsCompileFailure(err error) bool {
	de, ok := AsDevError(err)
	return ok && de.Type == ErrorTypeCompile
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	if de, ok := AsDevError(err); ok {
		return de.Recoverable
	}

	return false
}

// AsCompileFailure normalises any compiler error into a compile failure for
// key. Errors that already carry a compile failure keep their location.
func AsCompileFailure(key string, err error) *DevError {
	if err == nil {
		return nil
	}
	if de, ok := AsDevError(err); ok && de.Type == ErrorTypeCompile {
		if de.Key == "" {
			de.Key = key
		}
		return de
	}
	return NewCompileFailure(key, err.Error(), err)
}
