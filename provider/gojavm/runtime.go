package gojavm

import (
	"errors"
	"fmt"
	rtmetrics "runtime/metrics"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/barego/native"
)

// exitSignal interrupts the VM when a script calls Bare.exit.
type exitSignal struct{ code int }

// heapLimitExceeded interrupts the VM when the heap outgrows the limit.
type heapLimitExceeded struct{ limit, used uint64 }

func (e heapLimitExceeded) Error() string {
	return fmt.Sprintf("heap usage %d exceeds limit %d", e.used, e.limit)
}

type runtime struct {
	p        *Provider
	id       native.Runtime
	env      native.Env
	platform *platform
	loop     *loop
	el       *eventloop.EventLoop
	vm       *goja.Runtime
	argv     []string
	opts     native.Options
	log      *zap.Logger

	filename string
	program  *goja.Program
	ran      bool

	exitCode  int
	exited    bool
	halted    bool
	suspended bool

	pending    goja.Value
	hasPending bool
	fatal      error
	overLimit  atomic.Bool

	callbacks [6]native.Trampoline
	listeners map[string][]goja.Value

	timers    map[int64]*timer
	nextTimer int64
	scheduled int64

	rejections map[*goja.Promise]struct{}

	values []goja.Value
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

	r := &runtime{
		p:          p,
		platform:   pl,
		loop:       l,
		argv:       append([]string(nil), argv...),
		opts:       opts,
		listeners:  make(map[string][]goja.Value),
		timers:     make(map[int64]*timer),
		rejections: make(map[*goja.Promise]struct{}),
	}

	r.el = eventloop.NewEventLoop(
		eventloop.WithRegistry(pl.registry),
		eventloop.EnableConsole(false),
	)

	var installErr error
	r.el.Run(func(vm *goja.Runtime) {
		r.vm = vm
		installErr = r.install(vm)
	})
	if installErr != nil {
		r.el.Terminate()
		return 0, 0, &native.StatusError{Op: "setup", Code: -1, Err: installErr}
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

func (p *Provider) Load(h native.Runtime, filename string, source []byte) error {
	r, err := p.runtime(h, "load")
	if err != nil {
		return err
	}
	if r.program != nil {
		return &native.StatusError{Op: "load", Code: StatusAlreadyLoaded}
	}

	prog, err := goja.Compile(filename, string(source), false)
	if err != nil {
		r.raise(r.compileError(filename, err))
		return &native.StatusError{Op: "load", Code: StatusPendingException, Err: err}
	}
	r.filename = filename
	r.program = prog
	r.log.Debug("script compiled", zap.String("filename", filename))
	return nil
}

// compileError builds the script-side error object for a compile failure.
func (r *runtime) compileError(filename string, err error) goja.Value {
	ctorName, message := "SyntaxError", err.Error()

	var syntaxErr *goja.CompilerSyntaxError
	var refErr *goja.CompilerReferenceError
	switch {
	case errors.As(err, &syntaxErr):
		message = syntaxErr.Message
	case errors.As(err, &refErr):
		ctorName, message = "ReferenceError", refErr.Message
	}

	obj, nerr := r.vm.New(r.vm.Get(ctorName), r.vm.ToValue(message))
	if nerr != nil {
		return r.vm.ToValue(message)
	}
	_ = obj.Set("stack", fmt.Sprintf("%s: %s\n    at %s", ctorName, message, filename))
	return obj
}

func (p *Provider) Run(h native.Runtime) error {
	r, err := p.runtime(h, "run")
	if err != nil {
		return err
	}
	if r.program == nil {
		return &native.StatusError{Op: "run", Code: StatusNotLoaded}
	}
	if r.ran {
		return &native.StatusError{Op: "run", Code: StatusAlreadyRun}
	}
	r.ran = true

	r.loop.drive.Lock()
	defer r.loop.drive.Unlock()

	stop := r.watchMemory()

	r.el.Run(func(vm *goja.Runtime) {
		r.call(func() error {
			_, err := vm.RunProgram(r.program)
			return err
		})
	})

	for !r.halted {
		before := r.scheduled
		if r.suspended {
			r.el.Run(func(*goja.Runtime) { r.emit(native.EventIdle, 0) })
			if r.halted || r.scheduled != before {
				continue
			}
		}
		r.el.Run(func(*goja.Runtime) { r.emit(native.EventBeforeExit, 0) })
		if r.scheduled == before {
			break
		}
	}

	stop()

	// Work scheduled by exit listeners never runs.
	r.halt()
	r.el.Run(func(*goja.Runtime) { r.emit(native.EventExit, 0) })

	switch {
	case r.fatal != nil:
		return &native.StatusError{Op: "run", Code: -1, Err: r.fatal}
	case r.hasPending:
		return &native.StatusError{Op: "run", Code: StatusPendingException}
	}
	return nil
}

func (p *Provider) Teardown(h native.Runtime) (int, error) {
	r, err := p.runtime(h, "teardown")
	if err != nil {
		return 0, err
	}

	r.loop.drive.Lock()
	r.vm.ClearInterrupt()
	r.halted = true
	r.el.Run(func(*goja.Runtime) { r.emit(native.EventTeardown, 0) })
	r.halt()
	r.el.Terminate()
	r.loop.drive.Unlock()

	var errs error
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
// listeners. It must run on the loop.
func (r *runtime) emit(kind native.EventKind, linger int) {
	if cb := r.callbacks[kind]; cb != nil {
		cb(r.id, linger)
	}

	name := kind.String()
	listeners := append([]goja.Value(nil), r.listeners[name]...)
	for _, l := range listeners {
		fn, ok := goja.AssertFunction(l)
		if !ok {
			continue
		}
		var args []goja.Value
		switch kind {
		case native.EventSuspend:
			args = []goja.Value{r.vm.ToValue(linger)}
		case native.EventExit, native.EventBeforeExit:
			args = []goja.Value{r.vm.ToValue(r.exitCode)}
		}
		r.call(func() error {
			_, err := fn(goja.Undefined(), args...)
			return err
		})
		if r.halted && kind != native.EventExit && kind != native.EventTeardown {
			return
		}
	}
}

// call runs one script entry point and routes its failure.
func (r *runtime) call(fn func() error) {
	err := fn()
	if err != nil {
		r.fail(err)
	}
	r.settleRejections()
}

func (r *runtime) fail(err error) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		r.vm.ClearInterrupt()
		switch v := interrupted.Value().(type) {
		case exitSignal:
			r.exitCode = v.code
			r.halt()
		case heapLimitExceeded:
			if r.fatal == nil {
				r.fatal = fmt.Errorf("%w: %v", native.ErrHeapLimit, v)
			}
			r.exitCode = 1
			r.halt()
		default:
			if r.fatal == nil {
				r.fatal = err
			}
			r.exitCode = 1
			r.halt()
		}
		return
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		r.uncaught(exc.Value())
		return
	}

	var stackErr *goja.StackOverflowError
	if errors.As(err, &stackErr) {
		if r.fatal == nil {
			r.fatal = fmt.Errorf("%w: %v", native.ErrResourceLimit, err)
		}
		r.exitCode = 1
		r.halt()
		return
	}

	r.uncaught(r.vm.NewGoError(err))
}

// uncaught offers v to uncaughtException listeners. Without listeners, or
// if a listener throws, v becomes the pending exception and the runtime
// halts.
func (r *runtime) uncaught(v goja.Value) {
	if r.exited {
		return
	}
	listeners := r.listeners["uncaughtException"]
	if len(listeners) == 0 || r.halted {
		r.raise(v)
		return
	}
	for _, l := range append([]goja.Value(nil), listeners...) {
		fn, ok := goja.AssertFunction(l)
		if !ok {
			continue
		}
		if _, err := fn(goja.Undefined(), v); err != nil {
			var exc *goja.Exception
			if errors.As(err, &exc) {
				r.raise(exc.Value())
			} else {
				r.fail(err)
			}
			return
		}
	}
}

func (r *runtime) raise(v goja.Value) {
	if !r.hasPending {
		r.pending = v
		r.hasPending = true
	}
	r.exitCode = 1
	r.halt()
}

func (r *runtime) settleRejections() {
	if len(r.rejections) == 0 {
		return
	}
	pending := r.rejections
	r.rejections = make(map[*goja.Promise]struct{})
	for p := range pending {
		if r.halted {
			return
		}
		reason := p.Result()
		listeners := r.listeners["unhandledRejection"]
		if len(listeners) == 0 {
			r.uncaught(reason)
			continue
		}
		for _, l := range append([]goja.Value(nil), listeners...) {
			if fn, ok := goja.AssertFunction(l); ok {
				if _, err := fn(goja.Undefined(), reason, r.vm.ToValue(p)); err != nil {
					r.fail(err)
					break
				}
			}
		}
	}
}

// halt stops all scheduled work. The current loop iteration drains and
// the loop returns.
func (r *runtime) halt() {
	r.halted = true
	for id, t := range r.timers {
		t.cancel(r.el)
		delete(r.timers, id)
	}
}

// watchMemory interrupts the VM once the Go heap outgrows the runtime's
// memory limit. The returned func stops the watcher.
func (r *runtime) watchMemory() func() {
	limit := r.opts.MemoryLimit
	if limit == 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(r.p.cfg.memoryPoll)
		defer ticker.Stop()
		sample := []rtmetrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				rtmetrics.Read(sample)
				if sample[0].Value.Kind() != rtmetrics.KindUint64 {
					continue
				}
				if used := sample[0].Value.Uint64(); used > limit {
					r.overLimit.Store(true)
					r.vm.Interrupt(heapLimitExceeded{limit: limit, used: used})
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
		if r.overLimit.Load() && r.fatal == nil {
			r.fatal = fmt.Errorf("%w: limit %d", native.ErrHeapLimit, limit)
			r.exitCode = 1
		}
		r.vm.ClearInterrupt()
	}
}
