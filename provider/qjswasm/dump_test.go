package qjswasm

import "testing"

func TestParseDump(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		ctor    string
		message string
		stack   string
	}{
		{
			name:    "error with stack",
			text:    "TypeError: not a function\n    at foo (app.js:3:5)\n    at <eval> (app.js:7:1)\n",
			ctor:    "TypeError",
			message: "not a function",
			stack:   "    at foo (app.js:3:5)\n    at <eval> (app.js:7:1)",
		},
		{
			name:    "rejection",
			text:    "Possibly unhandled promise rejection: RangeError: too far\n",
			ctor:    "RangeError",
			message: "too far",
		},
		{
			name:    "bare constructor",
			text:    "InternalError\n",
			ctor:    "InternalError",
			message: "",
		},
		{
			name:    "thrown primitive",
			text:    "boom\n",
			ctor:    "Error",
			message: "boom",
		},
		{
			name:    "message with colon",
			text:    "Error: a: b\n",
			ctor:    "Error",
			message: "a: b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := parseDump(tt.text)
			if !ok {
				t.Fatal("expected a dump")
			}
			if *v.Ctor != tt.ctor || *v.Message != tt.message {
				t.Errorf("expected %s: %q, got %s: %q", tt.ctor, tt.message, *v.Ctor, *v.Message)
			}
			if tt.stack == "" {
				if v.Stack != nil {
					t.Errorf("expected no stack, got %q", *v.Stack)
				}
			} else if v.Stack == nil || *v.Stack != tt.stack {
				t.Errorf("unexpected stack %v", v.Stack)
			}
		})
	}
}

func TestParseDumpEmpty(t *testing.T) {
	if _, ok := parseDump("\n \n"); ok {
		t.Error("expected no dump in blank text")
	}
}
