package qjswasm

import (
	"strings"
	"unicode"
)

// parseDump recovers an exception from the text QuickJS writes when an
// error escapes to the engine: the string form of the error followed by
// indented stack frames. It returns false when text holds no error.
func parseDump(text string) (jsValue, bool) {
	if i := strings.LastIndex(text, rejectionPrefix); i >= 0 {
		text = text[i+len(rejectionPrefix):]
	}
	text = strings.Trim(text, "\r\n")
	if strings.TrimSpace(text) == "" {
		return jsValue{}, false
	}

	lines := strings.Split(text, "\n")
	head := strings.TrimSpace(lines[0])

	var frames []string
	for _, l := range lines[1:] {
		if t := strings.TrimSpace(l); strings.HasPrefix(t, "at ") {
			frames = append(frames, strings.TrimRight(l, "\r"))
		}
	}

	ctor, msg := "Error", head
	if name, rest, ok := strings.Cut(head, ": "); ok && isIdentifier(name) {
		ctor, msg = name, rest
	} else if isIdentifier(head) && strings.HasSuffix(head, "Error") {
		ctor, msg = head, ""
	}

	v := jsValue{
		Type:    "object",
		Str:     head,
		Ctor:    &ctor,
		Message: &msg,
	}
	if len(frames) > 0 {
		stack := strings.Join(frames, "\n")
		v.Stack = &stack
	}
	return v, true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '$' || unicode.IsLetter(r):
		case i > 0 && unicode.IsDigit(r):
		default:
			return false
		}
	}
	return true
}
