package bare

import (
	"errors"
	"sync"

	"github.com/caffeineduck/barego/native"
)

// fakeValue is a script value held by fakeProvider.
type fakeValue struct {
	typ   native.ValueType
	str   string
	props map[string]*fakeValue
	// failOn names properties whose read fails.
	failOn map[string]bool
}

func fakeString(s string) *fakeValue {
	return &fakeValue{typ: native.TypeString, str: s}
}

func fakeError(ctor, message string, stack *string) *fakeValue {
	v := &fakeValue{
		typ: native.TypeObject,
		str: ctor + ": " + message,
		props: map[string]*fakeValue{
			"constructor": {typ: native.TypeFunction, props: map[string]*fakeValue{"name": fakeString(ctor)}},
			"message":     fakeString(message),
		},
	}
	if stack != nil {
		v.props["stack"] = fakeString(*stack)
	}
	return v
}

// fakeProvider is a scripted engine binding that records every native
// call.
type fakeProvider struct {
	mu sync.Mutex

	loopErr     error
	platformErr error
	setupErr    error
	loadErr     error
	runErr      error
	teardownErr []error // consumed one per call
	pendingErr  error

	exitCode  int
	exception *fakeValue
	// onRun fires the given events during Run.
	onRun []native.EventKind

	calls       []string
	loops       int
	platforms   int
	runtimes    int
	callbacks   map[native.EventKind]native.Trampoline
	values      []*fakeValue
	lastRuntime native.Runtime
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{callbacks: make(map[native.EventKind]native.Trampoline)}
}

func (f *fakeProvider) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeProvider) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) NewLoop() (native.Loop, error) {
	f.record("new_loop")
	if f.loopErr != nil {
		return 0, f.loopErr
	}
	f.mu.Lock()
	f.loops++
	f.mu.Unlock()
	return 1, nil
}

func (f *fakeProvider) DeleteLoop(native.Loop) error {
	f.record("delete_loop")
	f.mu.Lock()
	f.loops--
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) CreatePlatform(native.Loop, native.PlatformOptions) (native.Platform, error) {
	f.record("create_platform")
	if f.platformErr != nil {
		return 0, f.platformErr
	}
	f.mu.Lock()
	f.platforms++
	f.mu.Unlock()
	return 1, nil
}

func (f *fakeProvider) DestroyPlatform(native.Platform) error {
	f.record("destroy_platform")
	f.platforms--
	return nil
}

func (f *fakeProvider) Setup(native.Loop, native.Platform, []string, native.Options) (native.Runtime, native.Env, error) {
	f.record("setup")
	if f.setupErr != nil {
		return 0, 0, f.setupErr
	}
	f.runtimes++
	f.lastRuntime = native.Runtime(f.runtimes)
	return f.lastRuntime, native.Env(f.runtimes), nil
}

func (f *fakeProvider) Load(native.Runtime, string, []byte) error {
	f.record("load")
	return f.loadErr
}

func (f *fakeProvider) Run(rt native.Runtime) error {
	f.record("run")
	for _, kind := range f.onRun {
		if cb := f.callbacks[kind]; cb != nil {
			cb(rt, 7)
		}
	}
	return f.runErr
}

func (f *fakeProvider) Teardown(rt native.Runtime) (int, error) {
	f.record("teardown")
	if len(f.teardownErr) > 0 {
		err := f.teardownErr[0]
		f.teardownErr = f.teardownErr[1:]
		if err != nil {
			return 0, err
		}
	}
	if cb := f.callbacks[native.EventTeardown]; cb != nil {
		cb(rt, 0)
	}
	f.runtimes--
	return f.exitCode, nil
}

func (f *fakeProvider) On(_ native.Runtime, kind native.EventKind, cb native.Trampoline) error {
	f.record("on:" + kind.String())
	if cb == nil {
		delete(f.callbacks, kind)
		return nil
	}
	f.callbacks[kind] = cb
	return nil
}

func (f *fakeProvider) IsExceptionPending(native.Env) (bool, error) {
	f.record("is_exception_pending")
	if f.pendingErr != nil {
		return false, f.pendingErr
	}
	return f.exception != nil, nil
}

func (f *fakeProvider) GetAndClearLastException(native.Env) (native.Value, error) {
	f.record("get_and_clear_last_exception")
	v := f.exception
	f.exception = nil
	if v == nil {
		v = &fakeValue{typ: native.TypeUndefined}
	}
	return f.handle(v), nil
}

func (f *fakeProvider) handle(v *fakeValue) native.Value {
	f.values = append(f.values, v)
	return native.Value(len(f.values))
}

func (f *fakeProvider) value(h native.Value) (*fakeValue, error) {
	i := int(h) - 1
	if i < 0 || i >= len(f.values) {
		return nil, native.ErrInvalidHandle
	}
	return f.values[i], nil
}

func (f *fakeProvider) Typeof(_ native.Env, h native.Value) (native.ValueType, error) {
	v, err := f.value(h)
	if err != nil {
		return 0, err
	}
	return v.typ, nil
}

func (f *fakeProvider) GetNamedProperty(_ native.Env, h native.Value, name string) (native.Value, error) {
	f.record("get:" + name)
	v, err := f.value(h)
	if err != nil {
		return 0, err
	}
	if v.failOn[name] {
		return 0, &native.StatusError{Op: "get_named_property", Code: 1}
	}
	if v.typ == native.TypeUndefined || v.typ == native.TypeNull {
		return 0, errors.New("cannot read property of undefined")
	}
	p, ok := v.props[name]
	if !ok {
		p = &fakeValue{typ: native.TypeUndefined}
	}
	return f.handle(p), nil
}

func (f *fakeProvider) GetValueStringUTF8(_ native.Env, h native.Value) (string, error) {
	v, err := f.value(h)
	if err != nil {
		return "", err
	}
	if v.typ != native.TypeString {
		return "", native.ErrStringExpected
	}
	return v.str, nil
}

func (f *fakeProvider) CoerceToString(_ native.Env, h native.Value) (native.Value, error) {
	v, err := f.value(h)
	if err != nil {
		return 0, err
	}
	return f.handle(fakeString(v.str)), nil
}

var _ native.Provider = (*fakeProvider)(nil)
