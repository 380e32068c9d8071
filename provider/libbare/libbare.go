//go:build libbare && cgo

package libbare

/*
#cgo LDFLAGS: -lbare -luv
#include <stdbool.h>
#include <stdlib.h>
#include <bare.h>
#include <js.h>
#include <uv.h>

extern void goBareBeforeExit(bare_t *bare);
extern void goBareExit(bare_t *bare);
extern void goBareTeardown(bare_t *bare);
extern void goBareIdle(bare_t *bare);
extern void goBareSuspend(bare_t *bare, int linger);
extern void goBareResume(bare_t *bare);
*/
import "C"

import (
	"fmt"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/caffeineduck/barego/internal/handle"
	"github.com/caffeineduck/barego/native"
)

// Option configures a Provider.
type Option func(*config)

type config struct {
	logger *zap.Logger
}

func defaultConfig() config {
	return config{logger: zap.NewNop()}
}

// WithLogger sets the provider's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Provider binds libbare. Create one per process.
type Provider struct {
	cfg config

	calls chan func()

	loops     handle.Table[*C.uv_loop_t]
	platforms handle.Table[*C.js_platform_t]
	runtimes  handle.Table[*runtime]
	envs      handle.Table[*runtime]
}

var _ native.Provider = (*Provider)(nil)

type runtime struct {
	id        native.Runtime
	envHandle native.Env
	bare      *C.bare_t
	env       *C.js_env_t

	mu        sync.Mutex
	callbacks [6]native.Trampoline
	values    []*C.js_value_t

	nested atomic.Pointer[nestedCalls]
}

// nestedCalls is the queue the native thread serves while a callback for
// one runtime runs. done is closed when the callback returns.
type nestedCalls struct {
	calls chan func()
	done  chan struct{}
}

// New creates a Provider and starts its native thread.
func New(opts ...Option) *Provider {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	p := &Provider{cfg: cfg, calls: make(chan func())}
	go p.thread()
	return p
}

// Name returns "bare".
func (p *Provider) Name() string { return "bare" }

func (p *Provider) thread() {
	goruntime.LockOSThread()
	for fn := range p.calls {
		fn()
	}
}

// do runs fn on the native thread.
func (p *Provider) do(fn func()) {
	done := make(chan struct{})
	p.calls <- func() {
		defer close(done)
		fn()
	}
	<-done
}

// doOn runs fn on the native thread for r. While one of r's event
// callbacks is running the native thread is inside bare_run and serves r's
// nested queue instead of the provider queue.
func (p *Provider) doOn(r *runtime, fn func()) {
	if n := r.nested.Load(); n != nil {
		done := make(chan struct{})
		select {
		case n.calls <- func() {
			defer close(done)
			fn()
		}:
			<-done
			return
		case <-n.done:
		}
	}
	p.do(fn)
}

func status(op string, rc C.int) error {
	return native.Status(op, int(rc))
}

func (p *Provider) NewLoop() (native.Loop, error) {
	var l *C.uv_loop_t
	p.do(func() { l = C.uv_loop_new() })
	if l == nil {
		return 0, &native.StatusError{Op: "uv_loop_new", Code: -1}
	}
	h := p.loops.Add(l)
	p.cfg.logger.Debug("loop created", zap.Uintptr("loop", h))
	return native.Loop(h), nil
}

func (p *Provider) DeleteLoop(h native.Loop) error {
	l, ok := p.loops.Remove(uintptr(h))
	if !ok {
		return &native.StatusError{Op: "uv_loop_delete", Code: -1, Err: native.ErrInvalidHandle}
	}
	p.do(func() { C.uv_loop_delete(l) })
	return nil
}

func (p *Provider) CreatePlatform(h native.Loop, opts native.PlatformOptions) (native.Platform, error) {
	l, ok := p.loops.Get(uintptr(h))
	if !ok {
		return 0, &native.StatusError{Op: "js_create_platform", Code: -1, Err: native.ErrInvalidHandle}
	}

	copts := C.js_platform_options_t{
		version:                     C.int(opts.Version),
		expose_garbage_collection:   C.bool(opts.ExposeGarbageCollection),
		trace_garbage_collection:    C.bool(opts.TraceGarbageCollection),
		disable_optimizing_compiler: C.bool(opts.DisableOptimizingCompiler),
		trace_optimizations:         C.bool(opts.TraceOptimizations),
		trace_deoptimizations:       C.bool(opts.TraceDeoptimizations),
		enable_sampling_profiler:    C.bool(opts.EnableSamplingProfiler),
		sampling_profiler_interval:  C.int(opts.SamplingProfilerInterval),
		optimize_for_memory:         C.bool(opts.OptimizeForMemory),
	}

	var platform *C.js_platform_t
	var err error
	p.do(func() {
		err = status("js_create_platform", C.js_create_platform(l, &copts, &platform))
	})
	if err != nil {
		return 0, err
	}
	ph := p.platforms.Add(platform)
	p.cfg.logger.Debug("platform created", zap.Uintptr("platform", ph))
	return native.Platform(ph), nil
}

func (p *Provider) DestroyPlatform(h native.Platform) error {
	platform, ok := p.platforms.Remove(uintptr(h))
	if !ok {
		return &native.StatusError{Op: "js_destroy_platform", Code: -1, Err: native.ErrInvalidHandle}
	}
	var err error
	p.do(func() { err = status("js_destroy_platform", C.js_destroy_platform(platform)) })
	return err
}

func (p *Provider) Setup(lh native.Loop, ph native.Platform, argv []string, opts native.Options) (native.Runtime, native.Env, error) {
	l, ok := p.loops.Get(uintptr(lh))
	if !ok {
		return 0, 0, &native.StatusError{Op: "bare_setup", Code: -1, Err: native.ErrInvalidHandle}
	}
	platform, ok := p.platforms.Get(uintptr(ph))
	if !ok {
		return 0, 0, &native.StatusError{Op: "bare_setup", Code: -1, Err: native.ErrInvalidHandle}
	}

	cargv := make([]*C.char, len(argv))
	for i, a := range argv {
		cargv[i] = C.CString(a)
	}
	defer func() {
		for _, s := range cargv {
			C.free(unsafe.Pointer(s))
		}
	}()
	// argv must live in C memory for the duration of the call.
	arr := (**C.char)(C.malloc(C.size_t(len(cargv)+1) * C.size_t(unsafe.Sizeof(uintptr(0)))))
	defer C.free(unsafe.Pointer(arr))
	slots := unsafe.Slice(arr, len(cargv)+1)
	copy(slots, cargv)
	slots[len(cargv)] = nil

	copts := C.bare_options_t{
		version:      C.int(opts.Version),
		memory_limit: C.size_t(opts.MemoryLimit),
	}

	var env *C.js_env_t
	var bare *C.bare_t
	var err error
	p.do(func() {
		err = status("bare_setup", C.bare_setup(l, platform, &env, C.int(len(argv)), arr, &copts, &bare))
	})
	if err != nil {
		return 0, 0, err
	}

	r := &runtime{bare: bare, env: env}

	r.id = native.Runtime(p.runtimes.Add(r))
	r.envHandle = native.Env(p.envs.Add(r))
	registry.Store(uintptr(unsafe.Pointer(r.bare)), &callbackTarget{r: r})

	p.cfg.logger.Debug("runtime created", zap.Uintptr("runtime", uintptr(r.id)), zap.Strings("argv", argv))
	return r.id, r.envHandle, nil
}

func (p *Provider) runtime(h native.Runtime, op string) (*runtime, error) {
	r, ok := p.runtimes.Get(uintptr(h))
	if !ok {
		return nil, &native.StatusError{Op: op, Code: -1, Err: native.ErrInvalidHandle}
	}
	return r, nil
}

func (p *Provider) env(h native.Env, op string) (*runtime, error) {
	r, ok := p.envs.Get(uintptr(h))
	if !ok {
		return nil, &native.StatusError{Op: op, Code: -1, Err: native.ErrInvalidHandle}
	}
	return r, nil
}

func (p *Provider) Load(h native.Runtime, filename string, source []byte) error {
	r, err := p.runtime(h, "bare_load")
	if err != nil {
		return err
	}

	cname := C.CString(filename)
	defer C.free(unsafe.Pointer(cname))
	csrc := C.CBytes(source)
	defer C.free(csrc)

	p.doOn(r, func() {
		buf := C.uv_buf_init((*C.char)(csrc), C.uint(len(source)))
		var result *C.js_value_t
		err = status("bare_load", C.bare_load(r.bare, cname, &buf, &result))
	})
	return err
}

func (p *Provider) Run(h native.Runtime) error {
	r, err := p.runtime(h, "bare_run")
	if err != nil {
		return err
	}
	p.doOn(r, func() { err = status("bare_run", C.bare_run(r.bare)) })
	return err
}

func (p *Provider) Teardown(h native.Runtime) (int, error) {
	r, err := p.runtime(h, "bare_teardown")
	if err != nil {
		return 0, err
	}

	var code C.int
	p.doOn(r, func() { err = status("bare_teardown", C.bare_teardown(r.bare, &code)) })
	if err != nil {
		return 0, err
	}

	registry.Delete(uintptr(unsafe.Pointer(r.bare)))
	p.runtimes.Remove(uintptr(r.id))
	p.envs.Remove(uintptr(r.envHandle))
	r.values = nil

	p.cfg.logger.Debug("runtime released", zap.Int("exit_code", int(code)))
	return int(code), nil
}

func (p *Provider) On(h native.Runtime, kind native.EventKind, cb native.Trampoline) error {
	r, err := p.runtime(h, "bare_on")
	if err != nil {
		return err
	}
	if kind < 0 || int(kind) >= len(r.callbacks) {
		return &native.StatusError{Op: "bare_on", Code: -1, Err: fmt.Errorf("unknown event kind %d", kind)}
	}

	r.mu.Lock()
	r.callbacks[kind] = cb
	r.mu.Unlock()

	var rc C.int
	p.doOn(r, func() {
		switch kind {
		case native.EventBeforeExit:
			fn := C.bare_before_exit_cb(C.goBareBeforeExit)
			if cb == nil {
				fn = nil
			}
			rc = C.bare_on_before_exit(r.bare, fn)
		case native.EventExit:
			fn := C.bare_exit_cb(C.goBareExit)
			if cb == nil {
				fn = nil
			}
			rc = C.bare_on_exit(r.bare, fn)
		case native.EventTeardown:
			fn := C.bare_teardown_cb(C.goBareTeardown)
			if cb == nil {
				fn = nil
			}
			rc = C.bare_on_teardown(r.bare, fn)
		case native.EventIdle:
			fn := C.bare_idle_cb(C.goBareIdle)
			if cb == nil {
				fn = nil
			}
			rc = C.bare_on_idle(r.bare, fn)
		case native.EventSuspend:
			fn := C.bare_suspend_cb(C.goBareSuspend)
			if cb == nil {
				fn = nil
			}
			rc = C.bare_on_suspend(r.bare, fn)
		case native.EventResume:
			fn := C.bare_resume_cb(C.goBareResume)
			if cb == nil {
				fn = nil
			}
			rc = C.bare_on_resume(r.bare, fn)
		default:
			rc = -1
		}
	})
	if rc != 0 {
		return &native.StatusError{Op: "bare_on_" + kind.String(), Code: int(rc)}
	}
	return nil
}

func (p *Provider) IsExceptionPending(h native.Env) (bool, error) {
	r, err := p.env(h, "js_is_exception_pending")
	if err != nil {
		return false, err
	}
	var pending C.bool
	p.doOn(r, func() { err = status("js_is_exception_pending", C.js_is_exception_pending(r.env, &pending)) })
	return bool(pending), err
}

func (p *Provider) GetAndClearLastException(h native.Env) (native.Value, error) {
	r, err := p.env(h, "js_get_and_clear_last_exception")
	if err != nil {
		return 0, err
	}
	var v *C.js_value_t
	p.doOn(r, func() { err = status("js_get_and_clear_last_exception", C.js_get_and_clear_last_exception(r.env, &v)) })
	if err != nil {
		return 0, err
	}
	return r.handle(v), nil
}

func (p *Provider) Typeof(h native.Env, vh native.Value) (native.ValueType, error) {
	r, v, err := p.value(h, vh, "js_typeof")
	if err != nil {
		return 0, err
	}
	var t C.js_value_type_t
	p.doOn(r, func() { err = status("js_typeof", C.js_typeof(r.env, v, &t)) })
	return native.ValueType(t), err
}

func (p *Provider) GetNamedProperty(h native.Env, oh native.Value, name string) (native.Value, error) {
	r, obj, err := p.value(h, oh, "js_get_named_property")
	if err != nil {
		return 0, err
	}
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var prop *C.js_value_t
	p.doOn(r, func() { err = status("js_get_named_property", C.js_get_named_property(r.env, obj, cname, &prop)) })
	if err != nil {
		return 0, err
	}
	return r.handle(prop), nil
}

func (p *Provider) GetValueStringUTF8(h native.Env, vh native.Value) (string, error) {
	r, v, err := p.value(h, vh, "js_get_value_string_utf8")
	if err != nil {
		return "", err
	}

	var s string
	p.doOn(r, func() {
		var n C.size_t
		if rc := C.js_get_value_string_utf8(r.env, v, nil, 0, &n); rc != 0 {
			err = &native.StatusError{Op: "js_get_value_string_utf8", Code: int(rc), Err: native.ErrStringExpected}
			return
		}
		buf := (*C.utf8_t)(C.malloc(n + 1))
		defer C.free(unsafe.Pointer(buf))
		if rc := C.js_get_value_string_utf8(r.env, v, buf, n+1, &n); rc != 0 {
			err = &native.StatusError{Op: "js_get_value_string_utf8", Code: int(rc), Err: native.ErrStringExpected}
			return
		}
		s = C.GoStringN((*C.char)(unsafe.Pointer(buf)), C.int(n))
	})
	return s, err
}

func (p *Provider) CoerceToString(h native.Env, vh native.Value) (native.Value, error) {
	r, v, err := p.value(h, vh, "js_coerce_to_string")
	if err != nil {
		return 0, err
	}
	var s *C.js_value_t
	p.doOn(r, func() { err = status("js_coerce_to_string", C.js_coerce_to_string(r.env, v, &s)) })
	if err != nil {
		return 0, err
	}
	return r.handle(s), nil
}

func (p *Provider) value(h native.Env, vh native.Value, op string) (*runtime, *C.js_value_t, error) {
	r, err := p.env(h, op)
	if err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := int(vh) - 1
	if i < 0 || i >= len(r.values) {
		return nil, nil, &native.StatusError{Op: op, Code: -1, Err: fmt.Errorf("value %d: %w", vh, native.ErrInvalidHandle)}
	}
	return r, r.values[i], nil
}

// handle records v for later calls. Values stay valid until teardown.
func (r *runtime) handle(v *C.js_value_t) native.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
	return native.Value(len(r.values))
}
