//go:build libbare && cgo

package libbare

/*
#include <bare.h>
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/caffeineduck/barego/native"
)

// registry maps a bare_t pointer to the runtime that owns it.
var registry sync.Map

type callbackTarget struct {
	r *runtime
}

func dispatch(bare *C.bare_t, kind native.EventKind, linger int) {
	v, ok := registry.Load(uintptr(unsafe.Pointer(bare)))
	if !ok {
		return
	}
	t := v.(*callbackTarget)

	t.r.mu.Lock()
	cb := t.r.callbacks[kind]
	t.r.mu.Unlock()
	if cb == nil {
		return
	}

	// The handler runs on its own goroutine so that the calls it makes for
	// this runtime can be served here, on the native thread. Calls for
	// other runtimes wait in the provider queue until bare_run returns.
	n := &nestedCalls{calls: make(chan func()), done: make(chan struct{})}
	prev := t.r.nested.Swap(n)
	defer t.r.nested.Store(prev)

	go func() {
		defer close(n.done)
		cb(t.r.id, linger)
	}()
	for {
		select {
		case fn := <-n.calls:
			fn()
		case <-n.done:
			return
		}
	}
}

//export goBareBeforeExit
func goBareBeforeExit(bare *C.bare_t) {
	dispatch(bare, native.EventBeforeExit, 0)
}

//export goBareExit
func goBareExit(bare *C.bare_t) {
	dispatch(bare, native.EventExit, 0)
}

//export goBareTeardown
func goBareTeardown(bare *C.bare_t) {
	dispatch(bare, native.EventTeardown, 0)
}

//export goBareIdle
func goBareIdle(bare *C.bare_t) {
	dispatch(bare, native.EventIdle, 0)
}

//export goBareSuspend
func goBareSuspend(bare *C.bare_t, linger C.int) {
	dispatch(bare, native.EventSuspend, int(linger))
}

//export goBareResume
func goBareResume(bare *C.bare_t) {
	dispatch(bare, native.EventResume, 0)
}
