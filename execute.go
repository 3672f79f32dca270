package ael

// executeHandler is a one-shot internal handler with no descriptor. The
// reactor's no-handle add path dispatches it exactly once; it then closes
// its event and releases itself from the loop.
type executeHandler struct {
	EventHandlerBase
	loop *EventLoop
	fn   func()
}

func newExecuteHandler(loop *EventLoop, fn func()) *executeHandler {
	return &executeHandler{
		EventHandlerBase: NewEventHandlerBase(Handle{}),
		loop:             loop,
		fn:               fn,
	}
}

func (h *executeHandler) Events() Events {
	return 0
}

func (h *executeHandler) HandleEvents(Handle, Events) {
	if h.fn != nil {
		h.fn()
	}

	if ev := h.AttachedEvent(); ev != nil {
		ev.Close()
	}
	h.loop.removeInternal(h)
}
