package ael

import (
	"sync"
	"sync/atomic"
)

var (
	eventIDCounter   atomic.Uint64
	handlerIDCounter atomic.Uint64
)

// EventHandler is the capability required to attach to an event loop: react
// to decoded readiness and report the currently desired readiness mask.
//
// Implementations embed EventHandlerBase, which carries the handler's stable
// id, the descriptor it wishes to register, and the back-reference to its
// event once attached.
type EventHandler interface {
	// HandleEvents is invoked on the loop goroutine with the handler's
	// registered handle and the decoded readiness mask. It must not block:
	// drain until would-block or yield by requesting readiness.
	HandleEvents(handle Handle, events Events)

	// Events returns the handler's currently desired readiness mask.
	Events() Events

	core() *EventHandlerBase
}

// EventHandlerBase is the embeddable base for event handlers.
type EventHandlerBase struct {
	handle Handle
	ev     atomic.Pointer[Event]
	id     uint64
}

// NewEventHandlerBase initializes a handler base with handle as the
// descriptor to register at attach time. Pass the zero Handle for handlers
// with no descriptor.
func NewEventHandlerBase(handle Handle) EventHandlerBase {
	return EventHandlerBase{handle: handle, id: handlerIDCounter.Add(1)}
}

func (b *EventHandlerBase) core() *EventHandlerBase { return b }

// HandlerID returns the handler's stable id, assigned at construction.
func (b *EventHandlerBase) HandlerID() uint64 {
	return b.id
}

// AttachedEvent returns the handler's event, or nil if the handler has not
// been attached.
func (b *EventHandlerBase) AttachedEvent() *Event {
	return b.ev.Load()
}

// setEvent installs the event back-reference; it reports false if the
// handler already has one (double attach).
func (b *EventHandlerBase) setEvent(ev *Event) bool {
	return b.ev.CompareAndSwap(nil, ev)
}

// takeHandle surrenders the handler's descriptor to its event. Called once,
// during attach, on whichever goroutine called Attach.
func (b *EventHandlerBase) takeHandle() Handle {
	h := b.handle
	b.handle = Handle{}
	return h
}

// Event mediates between a handler and its loop. It is created when the
// handler is attached, owned by the loop's event registry, and destroyed
// after the loop removes it, at which point its handle (if any) is closed.
type Event struct {
	id        uint64
	loop      *EventLoop
	handler   EventHandler
	handle    Handle
	closeOnce sync.Once
}

func newEvent(loop *EventLoop, handler EventHandler) *Event {
	ev := &Event{
		id:      eventIDCounter.Add(1),
		loop:    loop,
		handler: handler,
	}
	logger().Debug().Uint64("event", ev.id).Log("event created")
	return ev
}

// ID returns the event's stable identifier: monotonic and process-wide.
func (e *Event) ID() uint64 {
	return e.id
}

// Handle returns the registered handle; it may be the absent handle.
func (e *Event) Handle() Handle {
	return e.handle
}

// Events returns the handler's currently desired readiness mask, or zero if
// the handler is gone.
func (e *Event) Events() Events {
	if e.handler == nil {
		return 0
	}
	return e.handler.Events()
}

// Close removes the event from its loop. Exactly-once: repeated calls are
// safe from any goroutine.
func (e *Event) Close() {
	e.closeOnce.Do(func() {
		e.loop.remove(e.id)
	})
}

// Ready requests a re-dispatch of the event with the given mask. Safe from
// any goroutine.
func (e *Event) Ready(events Events) {
	e.loop.ready(e, events)
}

// Modify pushes the handler's current readiness mask into the kernel-side
// interest set. It must be called from the loop goroutine.
func (e *Event) Modify() {
	e.loop.modify(e)
}
