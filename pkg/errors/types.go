package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Worker transport errors
	ErrCodeServiceNotAvailable ErrorCode = "SERVICE_NOT_AVAILABLE"
	ErrCodeSessionError        ErrorCode = "SESSION_ERROR"
	ErrCodeNavigationError     ErrorCode = "NAVIGATION_ERROR"
	ErrCodeActionError         ErrorCode = "ACTION_ERROR"
	ErrCodeSecurityError       ErrorCode = "SECURITY_ERROR"

	// Configuration errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error represents a structured browserhost error. Message holds internal
// diagnostic detail for logs; UserMessage is safe to surface to an end user
// or agent response. Errors are propagated, never mutated, once returned.
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Context     map[string]any
	Retryable   bool
	UserMessage string
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Context:   make(map[string]any),
		Retryable: false,
	}
}

// Wrap wraps an existing error with browserhost error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
		Retryable:  false,
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithUserMessage sets the human-friendly message returned to users.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error is retryable
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	structured, ok := err.(*Error)
	if !ok {
		return false
	}

	return structured.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	structured, ok := err.(*Error)
	if !ok {
		return ErrCodeInternal
	}

	return structured.Code
}

// IsRetryable checks if an error is retryable. Retry decisions branch on
// this flag, never on the code itself.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	structured, ok := err.(*Error)
	if !ok {
		return false
	}

	return structured.Retryable
}

// NewServiceNotAvailable reports that the worker or its RPC channel is
// unreachable. Not retryable: a missing binary or closed port rarely
// self-heals within a retry window.
func NewServiceNotAvailable(message string) *Error {
	return New(ErrCodeServiceNotAvailable, message).
		WithUserMessage("The browser service is not available right now.")
}

// NewSessionError reports a transient session-scoped failure.
func NewSessionError(sessionID, message string) *Error {
	return New(ErrCodeSessionError, message).
		WithContext("session_id", sessionID).
		WithRetryable(true).
		WithUserMessage("The browser session hit a temporary problem.")
}

// NewNavigationError reports a failed navigation.
func NewNavigationError(url, message string) *Error {
	return New(ErrCodeNavigationError, message).
		WithContext("url", url).
		WithRetryable(true).
		WithUserMessage("The page could not be loaded.")
}

// NewActionError reports a failed page interaction (click, type, select).
func NewActionError(action, message string) *Error {
	return New(ErrCodeActionError, message).
		WithContext("action", action).
		WithRetryable(true).
		WithUserMessage("The browser action could not be completed.")
}

// NewSecurityError reports an action blocked by policy. Never retryable;
// callers must propagate it verbatim.
func NewSecurityError(message string) *Error {
	return New(ErrCodeSecurityError, message).
		WithUserMessage("That action was blocked for security reasons.")
}

// WrapAction wraps an unrecognized error from an attempted action with a
// generic user message that references the action, not the raw error text.
func WrapAction(err error, action string) *Error {
	if err == nil {
		return nil
	}
	if structured, ok := err.(*Error); ok {
		return structured
	}
	return Wrap(err, ErrCodeInternal, fmt.Sprintf("%s failed", action)).
		WithContext("action", action).
		WithUserMessage(fmt.Sprintf("Something went wrong while trying to %s.", action))
}
