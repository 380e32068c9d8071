package qjswasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/barego/native"
)

// Reactor exports.
const (
	exportInitArgv = "qjs_init_argv"
	exportEval     = "qjs_eval"
	exportLoopOnce = "qjs_loop_once"
	exportDestroy  = "qjs_destroy"
	exportMalloc   = "malloc"
	exportFree     = "free"
)

var requiredExports = []string{
	exportInitArgv, exportEval, exportLoopOnce, exportDestroy, exportMalloc, exportFree,
}

// qjs_loop_once results below zero. A positive result is the delay in
// milliseconds until the next timer; zero means call again now.
const (
	loopIdle  = -1
	loopError = -2
)

type runtime struct {
	p        *Provider
	id       native.Runtime
	env      native.Env
	platform *platform
	loop     *loop
	opts     native.Options
	argv     []string
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mod    api.Module
	proto  *protocolHandler

	fnEval, fnLoopOnce, fnDestroy, fnMalloc, fnFree api.Function

	source []byte
	loaded bool
	ran    bool
	// dead stops further module calls; released means the module is closed.
	dead     bool
	released bool

	exitCode  int
	exited    bool
	halted    bool
	suspended bool

	pending    *value
	hasPending bool
	fatal      error

	callbacks [6]native.Trampoline

	values []*value
}

func (p *Provider) Setup(lh native.Loop, ph native.Platform, argv []string, opts native.Options) (native.Runtime, native.Env, error) {
	l, ok := p.loops.Get(uintptr(lh))
	if !ok {
		return 0, 0, &native.StatusError{Op: "setup", Code: -1, Err: native.ErrInvalidHandle}
	}
	pl, ok := p.platforms.Get(uintptr(ph))
	if !ok || pl.loop != l {
		return 0, 0, &native.StatusError{Op: "setup", Code: -1, Err: native.ErrInvalidHandle}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &runtime{
		p:        p,
		platform: pl,
		loop:     l,
		opts:     opts,
		argv:     append([]string(nil), argv...),
		log:      p.cfg.logger,
		ctx:      ctx,
		cancel:   cancel,
		proto:    newProtocolHandler(p.cfg.stderr),
	}

	l.drive.Lock()
	err := r.instantiate()
	l.drive.Unlock()
	if err != nil {
		r.close()
		return 0, 0, &native.StatusError{Op: "setup", Code: -1, Err: err}
	}

	l.mu.Lock()
	l.runtimes++
	l.mu.Unlock()

	r.id = native.Runtime(p.runtimes.Add(r))
	r.env = native.Env(p.envs.Add(r))
	r.log = p.cfg.logger.With(zap.Uintptr("runtime", uintptr(r.id)))
	r.log.Debug("runtime created", zap.Strings("argv", r.argv), zap.Uint64("memory_limit", opts.MemoryLimit))
	return r.id, r.env, nil
}

func (r *runtime) instantiate() error {
	modConfig := wazero.NewModuleConfig().
		WithStdout(r.p.cfg.stdout).
		WithStderr(r.proto).
		WithStartFunctions("_initialize").
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithName("")

	mod, err := r.loop.runtime.InstantiateModule(r.ctx, r.platform.compiled, modConfig)
	if err != nil {
		return fmt.Errorf("instantiate quickjs: %w", err)
	}
	r.mod = mod
	r.fnEval = mod.ExportedFunction(exportEval)
	r.fnLoopOnce = mod.ExportedFunction(exportLoopOnce)
	r.fnDestroy = mod.ExportedFunction(exportDestroy)
	r.fnMalloc = mod.ExportedFunction(exportMalloc)
	r.fnFree = mod.ExportedFunction(exportFree)

	if err := r.initArgv([]string{"qjs", "--std"}); err != nil {
		return err
	}

	if err := r.eval(prelude, "<bare>"); err != nil {
		return fmt.Errorf("evaluate prelude: %w", err)
	}
	if msg, ok := r.proto.next(); !ok || msg.Op != "ready" {
		return fmt.Errorf("evaluate prelude: %s", strings.TrimSpace(r.proto.takeRaw()))
	}

	argv, _ := json.Marshal(r.argv)
	if err := r.eval("__bare.init("+string(argv)+")", "<bare>"); err != nil {
		return fmt.Errorf("set argv: %w", err)
	}
	return nil
}

func (r *runtime) initArgv(args []string) error {
	var ptrs []uint32
	defer func() {
		for _, ptr := range ptrs {
			r.release(ptr)
		}
	}()

	for _, a := range args {
		ptr, err := r.cstring(a)
		if err != nil {
			return err
		}
		ptrs = append(ptrs, ptr)
	}

	res, err := r.fnMalloc.Call(r.ctx, uint64(4*len(args)))
	if err != nil {
		return fmt.Errorf("malloc argv: %w", err)
	}
	arr := uint32(res[0])
	if arr == 0 {
		return native.ErrHeapLimit
	}
	defer r.release(arr)
	for i, ptr := range ptrs {
		if !r.mod.Memory().WriteUint32Le(arr+uint32(4*i), ptr) {
			return fmt.Errorf("write argv: out of range")
		}
	}

	res, err = r.mod.ExportedFunction(exportInitArgv).Call(r.ctx, uint64(len(args)), uint64(arr))
	if err != nil {
		return fmt.Errorf("init quickjs: %w", err)
	}
	if code := int32(res[0]); code != 0 {
		return fmt.Errorf("init quickjs: status %d", code)
	}
	return nil
}

// cstring copies s into module memory as a NUL-terminated string. The
// caller frees it with release.
func (r *runtime) cstring(s string) (uint32, error) {
	res, err := r.fnMalloc.Call(r.ctx, uint64(len(s)+1))
	if err != nil {
		return 0, fmt.Errorf("malloc: %w", err)
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return 0, native.ErrHeapLimit
	}
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	if !r.mod.Memory().Write(ptr, buf) {
		r.release(ptr)
		return 0, fmt.Errorf("write string: out of range")
	}
	return ptr, nil
}

func (r *runtime) release(ptr uint32) {
	if r.dead || ptr == 0 {
		return
	}
	_, _ = r.fnFree.Call(r.ctx, uint64(ptr))
}

// eval runs code as a global script. A non-zero status means an
// exception escaped to the engine, which dumps it to stderr.
func (r *runtime) eval(code, filename string) error {
	codePtr, err := r.cstring(code)
	if err != nil {
		return err
	}
	defer r.release(codePtr)
	namePtr, err := r.cstring(filename)
	if err != nil {
		return err
	}
	defer r.release(namePtr)

	res, err := r.fnEval.Call(r.ctx, uint64(codePtr), uint64(len(code)), uint64(namePtr), 0)
	if err != nil {
		return err
	}
	if status := int32(res[0]); status != 0 {
		return &native.StatusError{Op: "eval", Code: int(status)}
	}
	return nil
}

func (p *Provider) Load(h native.Runtime, filename string, source []byte) error {
	r, err := p.runtime(h, "load")
	if err != nil {
		return err
	}
	if r.loaded {
		return &native.StatusError{Op: "load", Code: StatusAlreadyLoaded}
	}

	r.loop.drive.Lock()
	defer r.loop.drive.Unlock()

	src, _ := json.Marshal(string(source))
	r.step(func() error { return r.eval("__bare.check("+string(src)+")", filename) })
	if r.hasPending || r.fatal != nil {
		return &native.StatusError{Op: "load", Code: StatusPendingException, Err: r.fatal}
	}

	r.source, r.loaded = source, true
	r.log.Debug("script checked", zap.String("filename", filename))
	return nil
}

func (p *Provider) Run(h native.Runtime) error {
	r, err := p.runtime(h, "run")
	if err != nil {
		return err
	}
	if !r.loaded {
		return &native.StatusError{Op: "run", Code: StatusNotLoaded}
	}
	if r.ran {
		return &native.StatusError{Op: "run", Code: StatusAlreadyRun}
	}
	r.ran = true

	r.loop.drive.Lock()
	defer r.loop.drive.Unlock()

	src, _ := json.Marshal(string(r.source))
	r.step(func() error { return r.eval("__bare.run("+string(src)+")", "<bare>") })

	r.drain()

	// Work scheduled by exit listeners never runs.
	r.halt()
	r.emit(native.EventExit, 0)

	switch {
	case r.fatal != nil:
		return &native.StatusError{Op: "run", Code: -1, Err: r.fatal}
	case r.hasPending:
		return &native.StatusError{Op: "run", Code: StatusPendingException}
	}
	return nil
}

// drain turns the event loop until no work remains and beforeExit
// listeners schedule nothing new.
func (r *runtime) drain() {
	carried, carry := false, 0
	next := func() int {
		if carried {
			carried = false
			return carry
		}
		return r.loopOnce()
	}
	// more reports whether the last emission scheduled work.
	more := func() bool {
		if r.halted {
			return false
		}
		carry = r.loopOnce()
		carried = carry != loopIdle
		return carried
	}

	for !r.halted {
		n := next()
		switch {
		case n > 0:
			r.sleep(time.Duration(n) * time.Millisecond)
			continue
		case n == 0:
			continue
		case n == loopError:
			continue
		}

		if r.suspended {
			r.emit(native.EventIdle, 0)
			if r.halted || more() {
				continue
			}
		}
		r.emit(native.EventBeforeExit, 0)
		if !more() {
			return
		}
	}
}

func (r *runtime) loopOnce() int {
	n := loopIdle
	r.step(func() error {
		res, err := r.fnLoopOnce.Call(r.ctx)
		if err != nil {
			return err
		}
		n = int(int32(res[0]))
		if n == loopError {
			r.raiseDump("event loop error")
		}
		return nil
	})
	if r.halted {
		return loopIdle
	}
	return n
}

func (r *runtime) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.ctx.Done():
	}
}

func (p *Provider) Teardown(h native.Runtime) (int, error) {
	r, err := p.runtime(h, "teardown")
	if err != nil {
		return 0, err
	}

	r.loop.drive.Lock()
	r.halted = true
	r.emit(native.EventTeardown, 0)
	var errs error
	if !r.dead {
		if _, err := r.fnDestroy.Call(r.ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("destroy quickjs: %w", err))
		}
	}
	errs = multierr.Append(errs, r.close())
	r.loop.drive.Unlock()

	if _, ok := p.runtimes.Remove(uintptr(r.id)); !ok {
		errs = multierr.Append(errs, fmt.Errorf("release runtime: %w", native.ErrInvalidHandle))
	}
	if _, ok := p.envs.Remove(uintptr(r.env)); !ok {
		errs = multierr.Append(errs, fmt.Errorf("release env: %w", native.ErrInvalidHandle))
	}
	r.values = nil

	r.loop.mu.Lock()
	r.loop.runtimes--
	r.loop.mu.Unlock()

	r.log.Debug("runtime released", zap.Int("exit_code", r.exitCode))
	if errs != nil {
		return r.exitCode, &native.StatusError{Op: "teardown", Code: -1, Err: errs}
	}
	return r.exitCode, nil
}

func (r *runtime) close() error {
	var err error
	if r.mod != nil && !r.released {
		err = r.mod.Close(context.Background())
	}
	r.dead, r.released = true, true
	r.cancel()
	return err
}

func (p *Provider) On(h native.Runtime, kind native.EventKind, cb native.Trampoline) error {
	r, err := p.runtime(h, "on")
	if err != nil {
		return err
	}
	if kind < 0 || int(kind) >= len(r.callbacks) {
		return &native.StatusError{Op: "on", Code: -1, Err: fmt.Errorf("unknown event kind %d", kind)}
	}
	r.callbacks[kind] = cb
	return nil
}

// emit delivers an event to the host trampoline, then to script
// listeners.
func (r *runtime) emit(kind native.EventKind, linger int) {
	if cb := r.callbacks[kind]; cb != nil {
		cb(r.id, linger)
	}
	if r.dead {
		return
	}

	arg := ""
	switch kind {
	case native.EventSuspend:
		arg = fmt.Sprintf(", %d", linger)
	case native.EventExit, native.EventBeforeExit:
		arg = fmt.Sprintf(", %d", r.exitCode)
	}
	r.step(func() error {
		return r.eval(fmt.Sprintf("__bare.emit(%q%s)", kind.String(), arg), "<bare>")
	})
}

// step runs one module call, then applies the prelude messages it
// produced and checks the memory limit.
func (r *runtime) step(fn func() error) {
	if r.dead {
		return
	}
	if err := fn(); err != nil {
		r.trap(err)
	}
	r.handleMessages()
	if raw := r.proto.takeRaw(); strings.Contains(raw, rejectionPrefix) {
		if v, ok := parseDump(raw); ok {
			r.raise(v)
		}
	}
	r.checkMemory()
}

func (r *runtime) handleMessages() {
	for {
		msg, ok := r.proto.next()
		if !ok {
			return
		}
		switch msg.Op {
		case "exit":
			r.exitCode = msg.Code
			r.exited = true
			r.halted = true
		case "exitCode":
			r.exitCode = msg.Code
		case "throw":
			if msg.Value != nil {
				r.raise(*msg.Value)
			}
		case "suspend":
			r.suspended = true
			r.emit(native.EventSuspend, msg.Linger)
		case "resume":
			if r.suspended {
				r.suspended = false
				r.emit(native.EventResume, 0)
			}
		default:
			r.log.Debug("ignoring prelude message", zap.String("op", msg.Op))
		}
	}
}

// trap handles a failed module call.
func (r *runtime) trap(err error) {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		r.exitCode = int(exitErr.ExitCode())
		r.exited = true
		r.halted = true
		r.dead = true
		return
	}

	var status *native.StatusError
	if errors.As(err, &status) {
		r.raiseDump("uncaught exception")
		return
	}

	if r.fatal == nil {
		if strings.Contains(err.Error(), "stack overflow") {
			r.fatal = fmt.Errorf("%w: %v", native.ErrResourceLimit, err)
		} else {
			r.fatal = err
		}
	}
	r.exitCode = 1
	r.halted = true
	r.dead = true
}

// raiseDump makes the engine's last error dump the pending exception.
func (r *runtime) raiseDump(fallback string) {
	v, ok := parseDump(r.proto.takeRaw())
	if !ok {
		ctor := "Error"
		v = jsValue{Type: "object", Str: "Error: " + fallback, Ctor: &ctor, Message: &fallback}
	}
	r.raise(v)
}

// raise records v as the pending exception unless one is already
// pending. Engine-level out-of-memory and stack exhaustion become fatal.
func (r *runtime) raise(v jsValue) {
	if r.exited {
		return
	}
	r.exitCode = 1
	r.halted = true

	if v.Ctor != nil && *v.Ctor == "InternalError" && v.Message != nil && r.fatal == nil {
		switch {
		case strings.Contains(*v.Message, "out of memory"):
			r.fatal = fmt.Errorf("%w: %s", native.ErrHeapLimit, *v.Message)
			return
		case strings.Contains(*v.Message, "stack overflow"):
			r.fatal = fmt.Errorf("%w: %s", native.ErrResourceLimit, *v.Message)
			return
		}
	}

	if !r.hasPending {
		r.pending = newValue(v)
		r.hasPending = true
	}
}

func (r *runtime) halt() {
	r.halted = true
	r.step(func() error { return r.eval("__bare.halt()", "<bare>") })
}

func (r *runtime) checkMemory() {
	limit := r.opts.MemoryLimit
	if limit == 0 || r.dead {
		return
	}
	if used := uint64(r.mod.Memory().Size()); used > limit && r.fatal == nil {
		r.fatal = fmt.Errorf("%w: linear memory %d exceeds limit %d", native.ErrHeapLimit, used, limit)
		r.exitCode = 1
		r.halted = true
	}
}
