package bare

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/caffeineduck/barego/native"
)

// EventKind identifies a lifecycle event.
type EventKind = native.EventKind

const (
	EventBeforeExit = native.EventBeforeExit
	EventExit       = native.EventExit
	EventTeardown   = native.EventTeardown
	EventIdle       = native.EventIdle
	EventSuspend    = native.EventSuspend
	EventResume     = native.EventResume
)

// Event is delivered to a Handler on the loop thread.
type Event struct {
	Kind EventKind
	// Linger is the suspend grace period in milliseconds. Only set for
	// EventSuspend.
	Linger int
}

// Handler observes a lifecycle event. It runs synchronously on the loop
// thread and must not call back into the instance's lifecycle methods.
type Handler func(Event)

type registration struct {
	trampoline native.Trampoline
	handler    Handler
}

// eventRegistry holds at most one handler per event kind. It is owned by a
// single Instance and is only touched from that instance's goroutine.
type eventRegistry struct {
	slots       [len(eventSlots)]*registration
	invalid     bool
	dispatching bool
	log         *zap.Logger
}

var eventSlots = [...]EventKind{
	EventBeforeExit,
	EventExit,
	EventTeardown,
	EventIdle,
	EventSuspend,
	EventResume,
}

func slotOf(kind EventKind) (int, error) {
	if kind < 0 || int(kind) >= len(eventSlots) {
		return 0, fmt.Errorf("unknown event kind %d", kind)
	}
	return int(kind), nil
}

// set stores h for kind and returns the trampoline to install, or nil when
// h is nil and the slot was cleared.
func (r *eventRegistry) set(kind EventKind, h Handler) (native.Trampoline, error) {
	i, err := slotOf(kind)
	if err != nil {
		return nil, err
	}
	if h == nil {
		r.slots[i] = nil
		return nil, nil
	}
	if r.slots[i] != nil {
		r.log.Debug("replacing event handler", zap.Stringer("event", kind))
	}
	reg := &registration{handler: h}
	reg.trampoline = func(_ native.Runtime, linger int) {
		r.dispatch(kind, linger)
	}
	r.slots[i] = reg
	return reg.trampoline, nil
}

func (r *eventRegistry) each(fn func(kind EventKind, reg *registration) error) error {
	for i, reg := range r.slots {
		if reg == nil {
			continue
		}
		if err := fn(eventSlots[i], reg); err != nil {
			return err
		}
	}
	return nil
}

func (r *eventRegistry) dispatch(kind EventKind, linger int) {
	if r.invalid {
		r.log.Debug("dropping event after teardown", zap.Stringer("event", kind))
		return
	}
	i, err := slotOf(kind)
	if err != nil || r.slots[i] == nil {
		return
	}
	h := r.slots[i].handler

	r.dispatching = true
	defer func() {
		r.dispatching = false
		if v := recover(); v != nil {
			r.log.Error("event handler panicked",
				zap.Stringer("event", kind),
				zap.Any("panic", v))
		}
	}()

	ev := Event{Kind: kind}
	if kind == EventSuspend {
		ev.Linger = linger
	}
	h(ev)
}

// invalidate drops every registration. Late events are ignored.
func (r *eventRegistry) invalidate() {
	r.invalid = true
	for i := range r.slots {
		r.slots[i] = nil
	}
}
