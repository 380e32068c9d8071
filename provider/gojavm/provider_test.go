package gojavm

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/caffeineduck/barego/native"
)

type harness struct {
	t        *testing.T
	p        *Provider
	loop     native.Loop
	platform native.Platform
	stdout   *bytes.Buffer
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	stdout := new(bytes.Buffer)
	p := New(append([]Option{WithStdout(stdout), WithStderr(stdout)}, opts...)...)

	loop, err := p.NewLoop()
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	platform, err := p.CreatePlatform(loop, native.DefaultPlatformOptions())
	if err != nil {
		t.Fatalf("create platform: %v", err)
	}
	return &harness{t: t, p: p, loop: loop, platform: platform, stdout: stdout}
}

func (h *harness) setup(argv ...string) (native.Runtime, native.Env) {
	h.t.Helper()
	if len(argv) == 0 {
		argv = []string{"bare"}
	}
	rt, env, err := h.p.Setup(h.loop, h.platform, argv, native.Options{MemoryLimit: 1 << 30})
	if err != nil {
		h.t.Fatalf("setup: %v", err)
	}
	return rt, env
}

// exec loads and runs src and returns the exit code and the run error.
func (h *harness) exec(src string) (int, error) {
	h.t.Helper()
	rt, _ := h.setup()
	if err := h.p.Load(rt, "/test.js", []byte(src)); err != nil {
		h.t.Fatalf("load: %v", err)
	}
	runErr := h.p.Run(rt)
	code, err := h.p.Teardown(rt)
	if err != nil {
		h.t.Fatalf("teardown: %v", err)
	}
	return code, runErr
}

// =============================================================================
// HANDLES
// =============================================================================

func TestLoopAndPlatformLifecycle(t *testing.T) {
	h := newHarness(t)

	if err := h.p.DeleteLoop(h.loop); err == nil {
		t.Error("expected deleting a loop with a live platform to fail")
	}
	if err := h.p.DestroyPlatform(h.platform); err != nil {
		t.Fatalf("destroy platform: %v", err)
	}
	if err := h.p.DestroyPlatform(h.platform); !errors.Is(err, native.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle on second destroy, got %v", err)
	}
	if err := h.p.DeleteLoop(h.loop); err != nil {
		t.Fatalf("delete loop: %v", err)
	}
	if h.p.loops.Len() != 0 || h.p.platforms.Len() != 0 {
		t.Error("expected handle tables to be empty")
	}
}

func TestStaleRuntimeHandle(t *testing.T) {
	h := newHarness(t)
	rt, env := h.setup()
	if _, err := h.p.Teardown(rt); err != nil {
		t.Fatalf("teardown: %v", err)
	}

	if err := h.p.Run(rt); !errors.Is(err, native.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle from run, got %v", err)
	}
	if _, err := h.p.Teardown(rt); !errors.Is(err, native.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle from teardown, got %v", err)
	}
	if _, err := h.p.IsExceptionPending(env); !errors.Is(err, native.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle from exception query, got %v", err)
	}
	if h.p.runtimes.Len() != 0 || h.p.envs.Len() != 0 {
		t.Error("expected runtime tables to be empty after teardown")
	}
}

func TestRunBeforeLoad(t *testing.T) {
	h := newHarness(t)
	rt, _ := h.setup()
	defer h.p.Teardown(rt)

	var status *native.StatusError
	if err := h.p.Run(rt); !errors.As(err, &status) || status.Code != StatusNotLoaded {
		t.Errorf("expected StatusNotLoaded, got %v", err)
	}
}

// =============================================================================
// EXECUTION
// =============================================================================

func TestConsoleAndArgv(t *testing.T) {
	h := newHarness(t)
	rt, _ := h.setup("bare", "one", "two")
	if err := h.p.Load(rt, "/argv.js", []byte(`console.log(Bare.argv.length, Bare.argv[1], Bare.argv[2])`)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := h.p.Run(rt); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := h.p.Teardown(rt); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if got := strings.TrimSpace(h.stdout.String()); got != "3 one two" {
		t.Errorf("expected '3 one two', got %q", got)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want int
	}{
		{"default", `1 + 1`, 0},
		{"exit", `Bare.exit(3)`, 3},
		{"exit stops execution", `Bare.exit(2); Bare.exitCode = 9`, 2},
		{"exitCode property", `Bare.exitCode = 4`, 4},
		{"exit from timer", `setTimeout(() => Bare.exit(5), 1)`, 5},
		{"uncaught", `throw new Error('boom')`, 1},
	}

	h := newHarness(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := h.exec(tt.src)
			if code != tt.want {
				t.Errorf("expected exit code %d, got %d", tt.want, code)
			}
		})
	}
}

func TestTimersDrain(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec(`
		let n = 0;
		const id = setInterval(() => { if (++n === 3) { clearInterval(id); console.log('ticks', n) } }, 1);
		setTimeout((a, b) => console.log(a + b), 2, 40, 2);
		setImmediate(() => console.log('immediate'));
	`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	out := h.stdout.String()
	for _, want := range []string{"ticks 3", "42", "immediate"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got %q", want, out)
		}
	}
}

func TestUncaughtExceptionListener(t *testing.T) {
	h := newHarness(t)
	code, err := h.exec(`
		Bare.on('uncaughtException', (e) => console.log('caught', e.message));
		setTimeout(() => { throw new Error('late') }, 1);
	`)
	if err != nil {
		t.Fatalf("expected listener to absorb the exception, got %v", err)
	}
	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(h.stdout.String(), "caught late") {
		t.Errorf("expected listener output, got %q", h.stdout.String())
	}
}

func TestUnhandledRejection(t *testing.T) {
	h := newHarness(t)
	rt, env := h.setup()
	defer h.p.Teardown(rt)

	if err := h.p.Load(rt, "/reject.js", []byte(`Promise.reject(new TypeError('nope'))`)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := h.p.Run(rt); err == nil {
		t.Fatal("expected run to fail")
	}
	pending, err := h.p.IsExceptionPending(env)
	if err != nil || !pending {
		t.Fatalf("expected a pending exception, got %v %v", pending, err)
	}
}

func TestScriptEventOrder(t *testing.T) {
	h := newHarness(t)
	rt, _ := h.setup()

	var got []string
	for _, kind := range native.EventKinds {
		kind := kind
		if err := h.p.On(rt, kind, func(native.Runtime, int) { got = append(got, "host:"+kind.String()) }); err != nil {
			t.Fatalf("on %s: %v", kind, err)
		}
	}

	src := `
		let again = true;
		Bare.on('beforeExit', () => { console.log('beforeExit'); if (again) { again = false; setTimeout(() => {}, 1) } });
		Bare.on('exit', (code) => console.log('exit', code));
		Bare.on('teardown', () => console.log('teardown'));
		Bare.suspend(100);
		Bare.resume();
	`
	if err := h.p.Load(rt, "/events.js", []byte(src)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := h.p.Run(rt); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := h.p.Teardown(rt); err != nil {
		t.Fatalf("teardown: %v", err)
	}

	want := []string{
		"host:suspend",
		"host:resume",
		"host:beforeExit",
		"host:beforeExit",
		"host:exit",
		"host:teardown",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}

	out := h.stdout.String()
	if strings.Count(out, "beforeExit") != 2 {
		t.Errorf("expected beforeExit twice, got %q", out)
	}
	if !strings.Contains(out, "exit 0") || !strings.Contains(out, "teardown") {
		t.Errorf("expected exit and teardown listeners to run, got %q", out)
	}
}

func TestIdleWhileSuspended(t *testing.T) {
	h := newHarness(t)
	rt, _ := h.setup()

	var linger int
	var idle int
	h.p.On(rt, native.EventSuspend, func(_ native.Runtime, l int) { linger = l })
	h.p.On(rt, native.EventIdle, func(native.Runtime, int) { idle++ })

	if err := h.p.Load(rt, "/idle.js", []byte(`Bare.suspend(250)`)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := h.p.Run(rt); err != nil {
		t.Fatalf("run: %v", err)
	}
	h.p.Teardown(rt)

	if linger != 250 {
		t.Errorf("expected linger 250, got %d", linger)
	}
	if idle != 1 {
		t.Errorf("expected one idle event, got %d", idle)
	}
}

// =============================================================================
// EXCEPTIONS
// =============================================================================

func TestSyntaxErrorIsPendingAfterLoad(t *testing.T) {
	h := newHarness(t)
	rt, env := h.setup()
	defer h.p.Teardown(rt)

	err := h.p.Load(rt, "/bad.js", []byte(`this is not valid javascript;`))
	if err == nil {
		t.Fatal("expected load to fail")
	}

	exc, err := h.p.GetAndClearLastException(env)
	if err != nil {
		t.Fatalf("get exception: %v", err)
	}
	if got := h.readString(env, h.prop(env, h.prop(env, exc, "constructor"), "name")); got != "SyntaxError" {
		t.Errorf("expected SyntaxError, got %q", got)
	}
	if pending, _ := h.p.IsExceptionPending(env); pending {
		t.Error("expected exception to be cleared")
	}
}

func TestValueAccess(t *testing.T) {
	h := newHarness(t)
	rt, env := h.setup()
	defer h.p.Teardown(rt)

	h.p.Load(rt, "/x.js", []byte(`class MyError extends Error {}; throw new MyError('custom')`))
	if err := h.p.Run(rt); err == nil {
		t.Fatal("expected run to fail")
	}

	exc, _ := h.p.GetAndClearLastException(env)
	if typ, _ := h.p.Typeof(env, exc); typ != native.TypeObject {
		t.Errorf("expected object, got %s", typ)
	}
	if got := h.readString(env, h.prop(env, h.prop(env, exc, "constructor"), "name")); got != "MyError" {
		t.Errorf("expected MyError, got %q", got)
	}
	if got := h.readString(env, h.prop(env, exc, "message")); got != "custom" {
		t.Errorf("expected 'custom', got %q", got)
	}

	missing := h.prop(env, exc, "nope")
	if typ, _ := h.p.Typeof(env, missing); typ != native.TypeUndefined {
		t.Errorf("expected undefined, got %s", typ)
	}
	if _, err := h.p.GetNamedProperty(env, missing, "x"); err == nil {
		t.Error("expected property read on undefined to fail")
	}
	if _, err := h.p.GetValueStringUTF8(env, exc); !errors.Is(err, native.ErrStringExpected) {
		t.Errorf("expected ErrStringExpected, got %v", err)
	}

	s, err := h.p.CoerceToString(env, exc)
	if err != nil {
		t.Fatalf("coerce: %v", err)
	}
	if got := h.readString(env, s); got != "Error: custom" {
		t.Errorf("expected 'Error: custom', got %q", got)
	}

	if _, err := h.p.Typeof(env, native.Value(9999)); !errors.Is(err, native.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle, got %v", err)
	}
}

func TestCoerceToStringPrimitives(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		src  string
		want string
	}{
		{`throw 42`, "42"},
		{`throw 1.5`, "1.5"},
		{`throw true`, "true"},
		{`throw null`, "null"},
		{`throw undefined`, "undefined"},
		{`throw 10n`, "10"},
		{`throw 'text'`, "text"},
		{`throw {toString() { return 'custom' }}`, "custom"},
	}

	for _, tc := range tests {
		t.Run(tc.src, func(t *testing.T) {
			rt, env := h.setup()
			defer h.p.Teardown(rt)

			h.p.Load(rt, "/x.js", []byte(tc.src))
			if err := h.p.Run(rt); err == nil {
				t.Fatal("expected run to fail")
			}

			exc, err := h.p.GetAndClearLastException(env)
			if err != nil {
				t.Fatalf("get exception: %v", err)
			}
			s, err := h.p.CoerceToString(env, exc)
			if err != nil {
				t.Fatalf("coerce: %v", err)
			}
			if typ, _ := h.p.Typeof(env, s); typ != native.TypeString {
				t.Errorf("expected a string, got %s", typ)
			}
			if got := h.readString(env, s); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestStackOverflowIsResourceLimit(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec(`function f() { return f() + 1 } f()`)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if !errors.Is(err, native.ErrResourceLimit) {
		var status *native.StatusError
		if !errors.As(err, &status) || status.Code != StatusPendingException {
			t.Errorf("expected resource limit or pending RangeError, got %v", err)
		}
	}
}

func (h *harness) prop(env native.Env, v native.Value, name string) native.Value {
	h.t.Helper()
	out, err := h.p.GetNamedProperty(env, v, name)
	if err != nil {
		h.t.Fatalf("get %s: %v", name, err)
	}
	return out
}

func (h *harness) readString(env native.Env, v native.Value) string {
	h.t.Helper()
	s, err := h.p.GetValueStringUTF8(env, v)
	if err != nil {
		h.t.Fatalf("read string: %v", err)
	}
	return s
}
