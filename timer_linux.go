//go:build linux

package ael

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// timerHandler drives a timerfd descriptor. On each firing it reads the
// kernel's expiration counter, clamps it to the configured ceiling, and
// invokes the captured thunk that many times. Run-once timers cancel
// themselves after the first delivery.
type timerHandler struct {
	EventHandlerBase
	loop     *EventLoop
	fn       func()
	runOnce  bool
	canceled atomic.Bool
}

func newTimerHandler(loop *EventLoop, handle Handle, runOnce bool, fn func()) *timerHandler {
	return &timerHandler{
		EventHandlerBase: NewEventHandlerBase(handle),
		loop:             loop,
		runOnce:          runOnce,
		fn:               fn,
	}
}

func (h *timerHandler) Events() Events {
	return EventRead
}

func (h *timerHandler) HandleEvents(handle Handle, events Events) {
	if h.canceled.Load() {
		logger().Debug().Uint64("handler", h.HandlerID()).Log("timer already canceled")
		return
	}

	if !events.Any(EventRead) {
		logger().Warning().Uint64("handler", h.HandlerID()).Uint64("events", uint64(events)).Log("unexpected events for timer")
		return
	}

	var buf [8]byte
	n, err := readFD(handle.FD(), buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			// Timer has not expired.
			return
		}
		panic(errors.Wrap(err, "ael: timerfd read failed"))
	}
	if n != len(buf) {
		panic("ael: short timerfd read")
	}

	occurrences := binary.NativeEndian.Uint64(buf[:])

	if limit := CurrentConfig().IntervalOccurrencesLimit; occurrences > limit {
		logger().Warning().Uint64("handler", h.HandlerID()).Uint64("occurrences", occurrences).Log("too many stacked interval occurrences, clamping")
		occurrences = limit
	}

	for i := uint64(0); i < occurrences; i++ {
		if h.canceled.Load() {
			// Cancellation observed mid-firing suppresses the rest.
			return
		}
		h.fn()
	}

	if h.runOnce {
		h.Cancel()
	}
}

// Cancel stops the timer. Idempotent; safe from any goroutine.
func (h *timerHandler) Cancel() {
	if h.canceled.Swap(true) {
		return
	}

	logger().Debug().Uint64("handler", h.HandlerID()).Log("timer canceled")

	if ev := h.AttachedEvent(); ev != nil {
		ev.Close()
	}
	h.loop.removeInternal(h)
}
