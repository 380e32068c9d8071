package qjswasm

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
)

// Prelude messages travel on stderr framed as \x00BARE:{json}\x00.
const (
	protocolPrefix = "\x00BARE:"
	protocolSuffix = "\x00"

	rejectionPrefix = "Possibly unhandled promise rejection: "
)

// jsValue is a script value as described by the prelude.
type jsValue struct {
	Type    string  `json:"type"`
	Str     string  `json:"str"`
	Ctor    *string `json:"ctor,omitempty"`
	Message *string `json:"message,omitempty"`
	Stack   *string `json:"stack,omitempty"`
}

type message struct {
	Op     string   `json:"op"`
	Code   int      `json:"code,omitempty"`
	Linger int      `json:"linger,omitempty"`
	Value  *jsValue `json:"value,omitempty"`
}

// protocolHandler intercepts the module's stderr. Prelude messages are
// queued for the host; everything else passes through to out and is kept
// until the next take so engine error dumps can be parsed.
type protocolHandler struct {
	out io.Writer

	mu       sync.Mutex
	buf      bytes.Buffer
	raw      strings.Builder
	messages []message
	invalid  int
}

func newProtocolHandler(out io.Writer) *protocolHandler {
	if out == nil {
		out = io.Discard
	}
	return &protocolHandler{out: out}
}

func (p *protocolHandler) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(data)

	for {
		content := p.buf.String()
		startIdx := strings.Index(content, protocolPrefix)
		if startIdx == -1 {
			// Hold back a possible partial prefix at the end.
			keep := partialPrefix(content)
			p.passthrough(content[:len(content)-keep])
			p.buf.Reset()
			p.buf.WriteString(content[len(content)-keep:])
			break
		}

		p.passthrough(content[:startIdx])

		body := content[startIdx+len(protocolPrefix):]
		endIdx := strings.Index(body, protocolSuffix)
		if endIdx == -1 {
			p.buf.Reset()
			p.buf.WriteString(content[startIdx:])
			break
		}

		p.buf.Reset()
		p.buf.WriteString(body[endIdx+len(protocolSuffix):])

		var msg message
		if err := json.Unmarshal([]byte(body[:endIdx]), &msg); err != nil {
			p.invalid++
			continue
		}
		p.messages = append(p.messages, msg)
	}

	return len(data), nil
}

func (p *protocolHandler) passthrough(s string) {
	if s == "" {
		return
	}
	p.raw.WriteString(s)
	_, _ = io.WriteString(p.out, s)
}

// partialPrefix returns the length of the longest suffix of s that is a
// proper prefix of protocolPrefix.
func partialPrefix(s string) int {
	for n := len(protocolPrefix) - 1; n > 0; n-- {
		if strings.HasSuffix(s, protocolPrefix[:n]) {
			return n
		}
	}
	return 0
}

// next pops the oldest queued message.
func (p *protocolHandler) next() (message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) == 0 {
		return message{}, false
	}
	msg := p.messages[0]
	p.messages = p.messages[1:]
	return msg, true
}

// takeRaw returns and clears the pass-through text seen since the last
// call.
func (p *protocolHandler) takeRaw() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.raw.String()
	p.raw.Reset()
	return s
}
