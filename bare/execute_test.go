package bare

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/caffeineduck/barego/native"
)

func TestExecuteHappyPath(t *testing.T) {
	var events []EventKind
	record := func(e Event) { events = append(events, e.Kind) }

	code, err := Execute(sharedCtx, Script{
		Source:   []byte(`Bare.exitCode = 2`),
		Filename: "/app.js",
		Options:  DefaultOptions(),
	},
		WithHandler(EventExit, record),
		WithHandler(EventTeardown, record),
		WithInstanceOptions(WithInstanceLogger(zaptest.NewLogger(t))),
	)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if code != 2 {
		t.Errorf("expected exit code 2, got %d", code)
	}
	if len(events) != 2 || events[0] != EventExit || events[1] != EventTeardown {
		t.Errorf("expected exit then teardown, got %v", events)
	}
}

func TestExecuteReturnsScriptError(t *testing.T) {
	code, err := Execute(sharedCtx, Script{
		Source:   []byte(`throw new RangeError('out of range')`),
		Filename: "/app.js",
		Options:  DefaultOptions(),
	})
	e := mustKind(t, err, KindJS)
	if e.Type() != "RangeError" {
		t.Errorf("expected RangeError, got %q", e.Type())
	}
	if code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
}

func TestExecuteEarliestErrorWins(t *testing.T) {
	f := newFakeProvider()
	f.loadErr = native.Status("bare_load", 1)
	f.exception = fakeError("SyntaxError", "Unexpected token", nil)
	f.teardownErr = []error{native.Status("bare_teardown", -1), native.Status("bare_teardown", -1)}

	_, err := Execute(newFakeContext(t, f), Script{Source: []byte("{"), Filename: "/x.js"})
	e := mustKind(t, err, KindJS)
	if e.Type() != "SyntaxError" {
		t.Errorf("expected the load error to win over teardown, got %v", e)
	}
	if f.count("run") != 0 {
		t.Error("expected no run after a failed load")
	}
	if f.count("teardown") != 2 {
		t.Errorf("expected teardown plus one retry, got %d", f.count("teardown"))
	}
}

func TestExecuteTeardownError(t *testing.T) {
	f := newFakeProvider()
	f.teardownErr = []error{errors.New("a"), errors.New("b")}

	_, err := Execute(newFakeContext(t, f), Script{Source: []byte("1"), Filename: "/x.js"})
	mustKind(t, err, KindRuntime)
}

func TestExecuteSetupError(t *testing.T) {
	f := newFakeProvider()
	f.setupErr = errors.New("no memory")

	code, err := Execute(newFakeContext(t, f), Script{Source: []byte("1"), Filename: "/x.js"})
	mustKind(t, err, KindSetup)
	if code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
}

func ExampleExecute() {
	rc, err := Get()
	if err != nil {
		fmt.Println(err)
		return
	}

	code, err := Execute(rc, Script{
		Source:   []byte(`Bare.on('exit', () => {}); Bare.exit(0)`),
		Filename: "/example.js",
		Args:     []string{"bare"},
		Options:  DefaultOptions(),
	},
		WithHandler(EventBeforeExit, func(Event) { fmt.Println("Bare is about to exit...") }),
		WithHandler(EventExit, func(Event) { fmt.Println("Bare is exiting!") }),
		WithHandler(EventTeardown, func(Event) { fmt.Println("Bare is tearing down!") }),
		WithHandler(EventIdle, func(Event) { fmt.Println("Bare is idle!") }),
		WithHandler(EventSuspend, func(e Event) { fmt.Printf("Bare is suspending with linger %d!\n", e.Linger) }),
		WithHandler(EventResume, func(Event) { fmt.Println("Bare is resuming!") }),
	)
	fmt.Println("exit code:", code, "error:", err)
	// Output:
	// Bare is exiting!
	// Bare is tearing down!
	// exit code: 0 error: <nil>
}
