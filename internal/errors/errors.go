// Package errors provides the error taxonomy used across the qvopt runtime.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies an error so callers can branch on it with Is.
type Kind string

const (
	// KindShapeMismatch means an argument vector did not match a kernel shape.
	KindShapeMismatch Kind = "shape_mismatch"
	// KindUninitializedObjective means an objective was evaluated before
	// an observable and kernel were bound.
	KindUninitializedObjective Kind = "uninitialized_objective"
	// KindNotFound means a string-keyed factory lookup failed.
	KindNotFound Kind = "not_found"
	// KindDoubleSynchronize means a task handle was consumed twice.
	KindDoubleSynchronize Kind = "double_synchronize"
	// KindBackendDispatch means the execution backend failed.
	KindBackendDispatch Kind = "backend_dispatch_failure"
	// KindInvalid is used for malformed input that fits no other kind.
	KindInvalid Kind = "invalid"
)

// Sentinels for use with Is.
var (
	ErrShapeMismatch          = &Error{Kind: KindShapeMismatch}
	ErrUninitializedObjective = &Error{Kind: KindUninitializedObjective}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrDoubleSynchronize      = &Error{Kind: KindDoubleSynchronize}
	ErrBackendDispatch        = &Error{Kind: KindBackendDispatch}
	ErrInvalid                = &Error{Kind: KindInvalid}
)

// Error represents an error with a kind, context and stack trace.
type Error struct {
	// Kind classifies the error.
	Kind Kind
	// The underlying error that was returned
	Err error
	// A human-readable message describing the error
	Message string
	// The operation that was being performed when the error occurred
	Operation string
	// The component or package where the error occurred
	Component string
	// The stack trace
	Stack []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var builder strings.Builder

	if e.Kind != "" {
		builder.WriteString(string(e.Kind))
	}

	if e.Message != "" {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Message)
	}

	if e.Operation != "" || e.Component != "" {
		builder.WriteString(" (")
		if e.Component != "" {
			builder.WriteString("component=")
			builder.WriteString(e.Component)
		}
		if e.Operation != "" {
			if e.Component != "" {
				builder.WriteString(", ")
			}
			builder.WriteString("operation=")
			builder.WriteString(e.Operation)
		}
		builder.WriteString(")")
	}

	if e.Err != nil {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Err.Error())
	}

	return builder.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. A target with an
// empty kind matches nothing so that ad-hoc errors are not conflated.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

// WithMessage adds a message to the error.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithOperation adds an operation to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent adds a component to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// StackTrace returns the stack trace as a slice of strings.
func (e *Error) StackTrace() []string {
	return e.Stack
}

// New creates a new error with a message.
func New(msg string) *Error {
	return &Error{
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Errorf creates a new error with a formatted message.
func Errorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// E creates a new error of the given kind with a formatted message.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// Wrap wraps an error with additional context. The kind of an existing
// *Error in the chain is preserved.
func Wrap(err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    KindOf(err),
		Err:     err,
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    KindOf(err),
		Err:     err,
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// WrapKind wraps err and forces the given kind.
func WrapKind(kind Kind, err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Err:     err,
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if stderrors.As(err, &e) {
			if e.Kind != "" {
				return e.Kind
			}
			err = e.Err
			continue
		}
		return ""
	}
	return ""
}

// getStackTrace returns the current stack trace as a slice of strings.
func getStackTrace() []string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, getStackTrace, and the constructor
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") && !strings.Contains(frame.File, "internal/errors") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}

	return stack
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if err's
// type contains an Unwrap method returning error.
// Otherwise, Unwrap returns nil.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}
