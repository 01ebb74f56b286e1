// Package domain holds the core types shared by the registry, the engine and
// the HTTP layer: blueprints, pipes, runs, sessions and the error taxonomy.
package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind tags an Error with its category. The string value is what API
// responses carry in their error_type field.
type ErrorKind string

const (
	KindParse         ErrorKind = "ParseError"
	KindRegistration  ErrorKind = "RegistrationError"
	KindSessionClosed ErrorKind = "SessionClosedError"
	KindValidation    ErrorKind = "ValidationError"
	KindExecution     ErrorKind = "ExecutionError"
	KindNotFound      ErrorKind = "NotFoundError"
	KindAuth          ErrorKind = "AuthError"
	KindCleanup       ErrorKind = "CleanupError"
	KindBuild         ErrorKind = "BuildError"
	KindConfig        ErrorKind = "ConfigError"
	KindInternal      ErrorKind = "InternalError"
)

// Error is the structured error returned by every orchestration step.
type Error struct {
	Kind      ErrorKind
	Op        string
	PipeCode  string
	SessionID SessionID
	Message   string
	Err       error

	// Status overrides the default HTTP status for the kind when non-zero.
	Status int
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" [")
		b.WriteString(e.Op)
		b.WriteString("]")
	}
	if e.PipeCode != "" {
		fmt.Fprintf(&b, " pipe %q", e.PipeCode)
	}
	b.WriteString(": ")
	b.WriteString(e.Detail())
	return b.String()
}

// Detail returns the human-readable message without the kind prefix.
func (e *Error) Detail() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "unknown error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.PipeCode == "" || t.PipeCode == e.PipeCode)
}

// HTTPStatusCode returns the status an API handler should answer with.
func (e *Error) HTTPStatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// WithPipe returns the error annotated with the pipe code.
func (e *Error) WithPipe(code string) *Error {
	e.PipeCode = code
	return e
}

// WithSession returns the error annotated with the session.
func (e *Error) WithSession(id SessionID) *Error {
	e.SessionID = id
	return e
}

// NewError builds an Error of the given kind wrapping err.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// ErrParse wraps a definition parsing failure.
func ErrParse(err error) *Error { return NewError(KindParse, "parse", err) }

// ErrNotFound reports an unknown pipe code.
func ErrNotFound(code string) *Error {
	return &Error{Kind: KindNotFound, Op: "lookup", PipeCode: code, Message: "pipe not found"}
}

// ErrRunNotFound reports an unknown run ID. It maps to 404.
func ErrRunNotFound(id string) *Error {
	return &Error{Kind: KindNotFound, Op: "get_run", Message: fmt.Sprintf("run %s not found", id), Status: http.StatusNotFound}
}

// ErrSessionClosed reports an operation against a closed session.
func ErrSessionClosed(op string, id SessionID) *Error {
	return &Error{Kind: KindSessionClosed, Op: op, SessionID: id, Message: fmt.Sprintf("session %s is closed", id)}
}

// ErrValidation reports a structural or dry-run failure of one pipe.
func ErrValidation(code string, err error) *Error {
	return &Error{Kind: KindValidation, Op: "validate", PipeCode: code, Err: err}
}

// ErrExecution reports a failure during a real run.
func ErrExecution(code string, err error) *Error {
	return &Error{Kind: KindExecution, Op: "execute", PipeCode: code, Err: err}
}

// ErrAuth reports invalid or expired credentials.
func ErrAuth(message string) *Error {
	return &Error{Kind: KindAuth, Op: "authenticate", Message: message}
}

// ErrAuthConfig reports missing server-side auth configuration. It maps to 500.
func ErrAuthConfig(message string) *Error {
	return &Error{Kind: KindAuth, Op: "authenticate", Message: message, Status: http.StatusInternalServerError}
}

// AsError returns the outermost *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when err carries none.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether any *Error in err's chain has the given kind.
func IsKind(err error, kind ErrorKind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// HTTPStatusCode maps any error to an HTTP status.
func HTTPStatusCode(err error) int {
	if e, ok := AsError(err); ok {
		return e.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}
