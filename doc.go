// Package ael is an asynchronous-event networking substrate: a
// single-threaded reactor per event loop that multiplexes descriptor
// readiness, timers, and cross-thread task injection, with a full-duplex
// byte-stream abstraction and a composable filter chain on top.
//
// # Architecture
//
// Each [EventLoop] owns a reactor (an edge-triggered epoll instance plus an
// eventfd wake-up descriptor) and a dedicated goroutine locked to its OS
// thread. Handlers attach via [EventLoop.Attach]; the loop wraps each
// handler in an [Event] that carries a stable process-wide id and mediates
// Close, Ready, and Modify. Cross-thread submissions (Add, Remove, Ready)
// enqueue work and wake the reactor; the reactor finalizes them on its own
// goroutine.
//
// Timers are timerfd-backed: [EventLoop.ExecuteOnceIn],
// [EventLoop.ExecuteInterval], and [EventLoop.ExecuteIntervalIn] return a
// [Cancellable]; [EventLoop.ExecuteOnce] runs a thunk on the loop goroutine
// as soon as possible.
//
// # Streams
//
// [StreamBuffer] is a full-duplex connection over an ordered chain of
// [StreamBufferFilter] values: inbound bytes flow back-to-front, outbound
// bytes front-to-back, and connect/accept handshakes and graceful shutdown
// propagate across filters. The innermost filter is always the TCP leaf; a
// codec such as [CryptoStreamBufferFilter] or [SnappyStreamBufferFilter]
// can be pushed from inside [StreamBufferHandler.HandleConnected], at which
// point the connection re-enters the connecting state at the new outermost
// level. [StreamListener] accepts connections and hands descriptors to a
// [NewConnectionHandler].
//
// # Thread Safety
//
// Safe from any goroutine: [EventLoop.Attach], the Execute variants,
// [StreamBuffer.Write], [StreamBuffer.Close], [Event.Close], [Event.Ready],
// [Cancellable] Cancel, [DestroyAll]. Loop-goroutine only: [Event.Modify],
// filter-chain state, and every handler callback. Handler callbacks must
// not block: drain until would-block or yield by requesting readiness.
//
// # Errors
//
// Factory functions return setup errors, and [EventLoop.Attach] returns
// [ErrHandlerAttached] for a double attach. Transient I/O (would-block,
// in-progress connect) and recoverable I/O (peer reset, broken pipe) are
// absorbed internally; filters translate them into result values. Fatal OS
// errors on the loop goroutine and other programmer errors (filter insertion
// outside the allowed window) panic.
//
// # Logging
//
// The package logs through the logiface facade; see [SetLogger]. The
// default is no logging.
package ael
