package ael

import (
	"errors"
)

// Standard errors.
//
// Setup failures (address parsing, socket/bind/listen/timerfd creation) are
// returned from factory functions, wrapped with context, and a double attach
// is returned from Attach as ErrHandlerAttached. Other programmer errors
// (filter insertion outside the allowed window, removal of an unknown event)
// and fatal OS errors observed on the loop goroutine panic:
// they indicate a bug in the embedder or an unrecoverable kernel state, and
// the loop does not attempt to continue past them. Transient and recoverable
// I/O conditions never surface as errors; they are absorbed into result
// values and readiness re-arming.
var (
	// ErrInvalidAddress is returned when an address parses as neither IPv4
	// nor IPv6.
	ErrInvalidAddress = errors.New("ael: invalid address")

	// ErrZeroTimerDurations is returned when a timer is requested with both
	// the interval and the initial delay zero.
	ErrZeroTimerDurations = errors.New("ael: invalid timer durations (both zero)")

	// ErrHandlerAttached is returned when Attach is called on a handler that
	// already has an event.
	ErrHandlerAttached = errors.New("ael: event handler already attached")

	// ErrLoopStopped is returned when operations are attempted on a stopped
	// event loop.
	ErrLoopStopped = errors.New("ael: event loop has been stopped")
)
