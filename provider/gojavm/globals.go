package gojavm

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"

	"github.com/caffeineduck/barego/native"
)

var scriptEvents = map[string]bool{
	"beforeExit":         true,
	"exit":               true,
	"teardown":           true,
	"idle":               true,
	"suspend":            true,
	"resume":             true,
	"uncaughtException":  true,
	"unhandledRejection": true,
}

// maxCallStackSize bounds script recursion well below the goroutine
// stack limit.
const maxCallStackSize = 8192

func (r *runtime) install(vm *goja.Runtime) error {
	vm.SetMaxCallStackSize(maxCallStackSize)
	vm.SetPromiseRejectionTracker(func(p *goja.Promise, op goja.PromiseRejectionOperation) {
		switch op {
		case goja.PromiseRejectionReject:
			r.rejections[p] = struct{}{}
		case goja.PromiseRejectionHandle:
			delete(r.rejections, p)
		}
	})

	if err := r.installTimers(vm); err != nil {
		return fmt.Errorf("install timers: %w", err)
	}
	if err := vm.Set("console", r.console(vm)); err != nil {
		return fmt.Errorf("install console: %w", err)
	}
	bare, err := r.bareObject(vm)
	if err != nil {
		return fmt.Errorf("install Bare: %w", err)
	}
	if err := vm.Set("Bare", bare); err != nil {
		return fmt.Errorf("install Bare: %w", err)
	}
	return nil
}

func (r *runtime) bareObject(vm *goja.Runtime) (*goja.Object, error) {
	obj := vm.NewObject()

	if err := obj.Set("argv", r.argv); err != nil {
		return nil, err
	}
	if err := obj.Set("platform", "goja"); err != nil {
		return nil, err
	}

	getter := vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(r.exitCode)
	})
	setter := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		r.exitCode = int(call.Argument(0).ToInteger())
		return goja.Undefined()
	})
	if err := obj.DefineAccessorProperty("exitCode", getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return nil, err
	}

	methods := map[string]func(goja.FunctionCall) goja.Value{
		"exit": func(call goja.FunctionCall) goja.Value {
			code := r.exitCode
			if arg := call.Argument(0); !goja.IsUndefined(arg) {
				code = int(arg.ToInteger())
			}
			r.exitCode = code
			r.exited = true
			vm.Interrupt(exitSignal{code: code})
			return goja.Undefined()
		},
		"on": func(call goja.FunctionCall) goja.Value {
			r.addListener(vm, call)
			return obj
		},
		"off": func(call goja.FunctionCall) goja.Value {
			name := call.Argument(0).String()
			fn := call.Argument(1)
			ls := r.listeners[name]
			for i, l := range ls {
				if l.SameAs(fn) {
					r.listeners[name] = append(ls[:i:i], ls[i+1:]...)
					break
				}
			}
			return obj
		},
		"suspend": func(call goja.FunctionCall) goja.Value {
			linger := 0
			if arg := call.Argument(0); !goja.IsUndefined(arg) {
				linger = int(arg.ToInteger())
			}
			if !r.suspended {
				r.suspended = true
				r.emit(native.EventSuspend, linger)
			}
			return goja.Undefined()
		},
		"resume": func(goja.FunctionCall) goja.Value {
			if r.suspended {
				r.suspended = false
				r.emit(native.EventResume, 0)
			}
			return goja.Undefined()
		},
	}
	for name, fn := range methods {
		if err := obj.Set(name, fn); err != nil {
			return nil, err
		}
	}

	once := func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(vm.NewTypeError("listener must be a function"))
		}
		var wrapper goja.Value
		wrapper = vm.ToValue(func(inner goja.FunctionCall) goja.Value {
			ls := r.listeners[name]
			for i, l := range ls {
				if l.SameAs(wrapper) {
					r.listeners[name] = append(ls[:i:i], ls[i+1:]...)
					break
				}
			}
			v, err := fn(inner.This, inner.Arguments...)
			if err != nil {
				panic(err)
			}
			return v
		})
		r.listeners[name] = append(r.listeners[name], wrapper)
		return obj
	}
	if err := obj.Set("once", once); err != nil {
		return nil, err
	}
	return obj, nil
}

func (r *runtime) addListener(vm *goja.Runtime, call goja.FunctionCall) {
	name := call.Argument(0).String()
	if !scriptEvents[name] {
		panic(vm.NewTypeError("unknown event %q", name))
	}
	fn := call.Argument(1)
	if _, ok := goja.AssertFunction(fn); !ok {
		panic(vm.NewTypeError("listener must be a function"))
	}
	r.listeners[name] = append(r.listeners[name], fn)
}

func (r *runtime) console(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	printer := func(w io.Writer) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			fmt.Fprintln(w, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	out, errw := printer(r.p.cfg.stdout), printer(r.p.cfg.stderr)
	_ = obj.Set("log", out)
	_ = obj.Set("info", out)
	_ = obj.Set("debug", out)
	_ = obj.Set("warn", errw)
	_ = obj.Set("error", errw)
	return obj
}

// timer is a script timer scheduled on the goja_nodejs loop.
type timer struct {
	timeout  *eventloop.Timer
	interval *eventloop.Interval
}

func (t *timer) cancel(el *eventloop.EventLoop) {
	if t.timeout != nil {
		el.ClearTimeout(t.timeout)
	}
	if t.interval != nil {
		el.ClearInterval(t.interval)
	}
}

// installTimers replaces the loop's timer globals with tracked ones, so
// that a halted runtime can cancel everything it scheduled.
func (r *runtime) installTimers(vm *goja.Runtime) error {
	schedule := func(repeat bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				panic(vm.NewTypeError("callback must be a function"))
			}
			delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
			if delay < 0 {
				delay = 0
			}
			var args []goja.Value
			if len(call.Arguments) > 2 {
				args = append(args, call.Arguments[2:]...)
			}
			return vm.ToValue(r.schedule(fn, args, delay, repeat))
		}
	}
	immediate := func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("callback must be a function"))
		}
		var args []goja.Value
		if len(call.Arguments) > 1 {
			args = append(args, call.Arguments[1:]...)
		}
		return vm.ToValue(r.schedule(fn, args, 0, false))
	}
	cancel := func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).ToInteger()
		if t, ok := r.timers[id]; ok {
			t.cancel(r.el)
			delete(r.timers, id)
		}
		return goja.Undefined()
	}

	globals := map[string]any{
		"setTimeout":     schedule(false),
		"setInterval":    schedule(true),
		"setImmediate":   immediate,
		"clearTimeout":   cancel,
		"clearInterval":  cancel,
		"clearImmediate": cancel,
	}
	for name, fn := range globals {
		if err := vm.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// schedule registers fn with the loop and returns its script-visible id.
// A halted runtime schedules nothing.
func (r *runtime) schedule(fn goja.Callable, args []goja.Value, delay time.Duration, repeat bool) int64 {
	if r.halted {
		return 0
	}
	r.nextTimer++
	r.scheduled++
	id := r.nextTimer

	t := &timer{}
	r.timers[id] = t

	cb := func(*goja.Runtime) {
		if r.halted {
			return
		}
		if !repeat {
			delete(r.timers, id)
		}
		r.call(func() error {
			_, err := fn(goja.Undefined(), args...)
			return err
		})
	}
	if repeat {
		t.interval = r.el.SetInterval(cb, delay)
	} else {
		t.timeout = r.el.SetTimeout(cb, delay)
	}
	return id
}
