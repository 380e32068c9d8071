package bare

import (
	"errors"
	"strings"

	"github.com/caffeineduck/barego/native"
)

// Kind categorizes a structured error.
type Kind string

const (
	KindSetup             Kind = "setup"              // runtime creation
	KindRuntime           Kind = "runtime"            // host-side lifecycle or engine status
	KindJS                Kind = "js"                 // uncaught script exception
	KindMemory            Kind = "memory"             // heap limit
	KindResourceExhausted Kind = "resource_exhausted" // non-memory engine limit
)

// Error is the structured error reported by every lifecycle operation.
// It is immutable and holds no engine handles, so it may outlive the
// instance that produced it.
type Error struct {
	kind     Kind
	op       string
	message  string
	jsType   string
	stack    string
	hasStack bool
	cause    error
}

// Kind sentinels for errors.Is.
var (
	ErrSetup             = &Error{kind: KindSetup}
	ErrRuntime           = &Error{kind: KindRuntime}
	ErrJS                = &Error{kind: KindJS}
	ErrMemory            = &Error{kind: KindMemory}
	ErrResourceExhausted = &Error{kind: KindResourceExhausted}

	// ErrAlreadyTornDown is returned by every operation on a torn down
	// instance.
	ErrAlreadyTornDown = &Error{kind: KindRuntime, message: "instance already torn down"}
	// ErrNotInitialized is returned by Get before EnsureInitialized
	// succeeded.
	ErrNotInitialized = &Error{kind: KindRuntime, message: "runtime context not initialized"}
)

func newError(kind Kind, op, message string, cause error) *Error {
	return &Error{kind: kind, op: op, message: message, cause: cause}
}

// NewSetupError reports a failed runtime creation.
func NewSetupError(message string, cause error) *Error {
	return newError(KindSetup, "setup", message, cause)
}

// NewRuntimeError reports a host-side or engine status failure.
func NewRuntimeError(message string, cause error) *Error {
	return newError(KindRuntime, "", message, cause)
}

// NewJSError reports an uncaught script exception. A nil stack means the
// exception carried none.
func NewJSError(jsType, message string, stack *string) *Error {
	e := &Error{kind: KindJS, jsType: jsType, message: message}
	if stack != nil {
		e.stack = *stack
		e.hasStack = true
	}
	return e
}

// NewMemoryError reports an exceeded heap limit.
func NewMemoryError(message string, cause error) *Error {
	return newError(KindMemory, "", message, cause)
}

// NewResourceExhaustedError reports an exceeded non-memory engine limit.
func NewResourceExhaustedError(message string, cause error) *Error {
	return newError(KindResourceExhausted, "", message, cause)
}

func (e *Error) Kind() Kind      { return e.kind }
func (e *Error) Op() string      { return e.op }
func (e *Error) Message() string { return e.message }

// Type is the constructor name of a JS exception, e.g. "TypeError".
func (e *Error) Type() string { return e.jsType }

// Stack returns the exception's stack trace, if it had one.
func (e *Error) Stack() (string, bool) { return e.stack, e.hasStack }

func (e *Error) withOp(op string) *Error {
	c := *e
	c.op = op
	return &c
}

// Error formats the error the way the bare CLI prints it.
func (e *Error) Error() string {
	var b strings.Builder
	switch e.kind {
	case KindSetup:
		b.WriteString("Setup error: ")
		b.WriteString(e.message)
	case KindJS:
		b.WriteString(e.jsType)
		b.WriteString(": ")
		b.WriteString(e.message)
		if e.hasStack {
			b.WriteString("\nStack trace:\n")
			b.WriteString(e.stack)
		}
		return b.String()
	case KindMemory:
		b.WriteString("Memory error: ")
		b.WriteString(e.message)
	case KindResourceExhausted:
		b.WriteString("Resource exhausted: ")
		b.WriteString(e.message)
	default:
		b.WriteString("Runtime error: ")
		b.WriteString(e.message)
	}
	if e.cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches on kind, and on message when target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.kind != t.kind {
		return false
	}
	return t.message == "" || t.message == e.message
}

// AsError extracts the structured error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// classify maps a native failure onto the taxonomy. Heap and resource
// limits keep their own kinds; everything else becomes a RuntimeError
// carrying message.
func classify(op, message string, err error) *Error {
	if e, ok := AsError(err); ok {
		return e
	}
	switch {
	case errors.Is(err, native.ErrHeapLimit):
		return newError(KindMemory, op, "heap limit exceeded", err)
	case errors.Is(err, native.ErrResourceLimit):
		return newError(KindResourceExhausted, op, "engine resource limit exceeded", err)
	default:
		return newError(KindRuntime, op, message, err)
	}
}
