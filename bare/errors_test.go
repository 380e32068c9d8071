package bare

import (
	"errors"
	"fmt"
	"testing"

	"github.com/caffeineduck/barego/native"
)

func TestErrorFormat(t *testing.T) {
	stack := "at main (/app.js:1:1)"
	tests := []struct {
		err  *Error
		want string
	}{
		{NewSetupError("failed to create runtime", nil), "Setup error: failed to create runtime"},
		{NewRuntimeError("instance already torn down", nil), "Runtime error: instance already torn down"},
		{NewMemoryError("heap limit exceeded", nil), "Memory error: heap limit exceeded"},
		{NewResourceExhaustedError("too many handles", nil), "Resource exhausted: too many handles"},
		{NewJSError("TypeError", "x is not a function", nil), "TypeError: x is not a function"},
		{NewJSError("Error", "boom", &stack), "Error: boom\nStack trace:\nat main (/app.js:1:1)"},
		{
			NewRuntimeError("failed to run script", native.Status("bare_run", 2)),
			"Runtime error: failed to run script (caused by: bare_run: status 2)",
		},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}

func TestErrorIs(t *testing.T) {
	torn := ErrAlreadyTornDown.withOp("run")
	if !errors.Is(torn, ErrAlreadyTornDown) {
		t.Error("expected op-tagged copy to match its sentinel")
	}
	if !errors.Is(torn, ErrRuntime) {
		t.Error("expected kind sentinel to match")
	}
	if errors.Is(torn, ErrSetup) {
		t.Error("expected different kinds not to match")
	}
	if errors.Is(NewRuntimeError("other", nil), ErrAlreadyTornDown) {
		t.Error("expected message mismatch not to match")
	}

	wrapped := fmt.Errorf("cli: %w", NewJSError("Error", "x", nil))
	e, ok := AsError(wrapped)
	if !ok || e.Kind() != KindJS {
		t.Errorf("expected AsError to find the JS error, got %v", e)
	}
	if !errors.Is(wrapped, ErrJS) {
		t.Error("expected wrapped JS error to match ErrJS")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{native.Status("bare_run", 1), KindRuntime},
		{&native.StatusError{Op: "bare_run", Code: -1, Err: native.ErrHeapLimit}, KindMemory},
		{fmt.Errorf("wrapped: %w", native.ErrResourceLimit), KindResourceExhausted},
		{NewSetupError("x", nil), KindSetup},
	}
	for _, tt := range tests {
		if got := classify("run", "failed", tt.err).Kind(); got != tt.want {
			t.Errorf("%v: expected %s, got %s", tt.err, tt.want, got)
		}
	}
}
