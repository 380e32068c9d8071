package native

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHandle is returned for null, unknown or released handles.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrHeapLimit is returned when a runtime exceeds its memory limit.
	ErrHeapLimit = errors.New("heap limit exceeded")
	// ErrResourceLimit is returned when the engine runs out of a
	// non-memory resource such as handles or stack.
	ErrResourceLimit = errors.New("resource limit exceeded")
	// ErrStringExpected is returned when a string read targets a
	// non-string value.
	ErrStringExpected = errors.New("string expected")
)

// StatusError reports a non-zero status from a native entry point.
type StatusError struct {
	Op   string
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Code)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Status returns nil for a zero code and a *StatusError otherwise.
func Status(op string, code int) error {
	if code == 0 {
		return nil
	}
	return &StatusError{Op: op, Code: code}
}
