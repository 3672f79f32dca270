package ael

import (
	"sync"
	"sync/atomic"
)

// StreamBufferHandler is the user-facing observer of a stream buffer.
// Callbacks run on the loop goroutine.
type StreamBufferHandler interface {
	// HandleData delivers inbound bytes. The view may be borrowed: Save it
	// before retaining it past the callback.
	HandleData(sb *StreamBuffer, dv *DataView)

	// HandleConnected fires once the outermost filter completes its
	// handshake. It is the only place a new filter may be pushed onto an
	// established buffer.
	HandleConnected(sb *StreamBuffer)

	// HandleEOF fires exactly once, after every filter has both sides
	// closed. A failed connect reaches the handler as HandleEOF with no
	// preceding HandleConnected.
	HandleEOF(sb *StreamBuffer)
}

// StreamBufferMode selects which side of the handshake the buffer drives.
type StreamBufferMode int

const (
	// ClientMode drives Connect on the outermost filter.
	ClientMode StreamBufferMode = iota
	// ServerMode drives Accept on the outermost filter.
	ServerMode
)

// StreamBuffer is a full-duplex byte stream over an ordered filter chain.
// Write and Close are safe from any goroutine; everything else, including
// all filter state, runs on the loop goroutine.
//
// Connection lifecycle: connecting until the outermost filter reports
// handshake success (HandleConnected), then connected; Close or an outer
// read-close moves it to closing; once every filter has both sides closed
// and pending data is flushed, HandleEOF fires exactly once and the event
// closes.
type StreamBuffer struct {
	EventHandlerBase

	handler StreamBufferHandler
	filters []StreamBufferFilter
	mode    StreamBufferMode

	pendingMu     sync.Mutex
	pendingWrites []*DataView

	addFilterAllowed bool
	eofCalled        bool
	shouldClose      atomic.Bool
}

func newStreamBuffer(handler StreamBufferHandler, handle Handle, mode StreamBufferMode, established bool) *StreamBuffer {
	sb := &StreamBuffer{
		EventHandlerBase: NewEventHandlerBase(handle),
		handler:          handler,
		mode:             mode,
		addFilterAllowed: true,
	}
	sb.AddStreamBufferFilter(newTCPStreamBufferFilter(handle, established))
	return sb
}

// NewClientStreamBuffer creates a client buffer connecting to ip:port, with
// the TCP leaf filter installed. The connect may complete asynchronously;
// the handler learns the outcome through HandleConnected or HandleEOF.
func NewClientStreamBuffer(handler StreamBufferHandler, ip string, port uint16) (*StreamBuffer, error) {
	handle, connected, err := NewStreamHandle(ip, port)
	if err != nil {
		return nil, err
	}
	return newStreamBuffer(handler, handle, ClientMode, connected), nil
}

// NewClientStreamBufferWithHandle creates a client buffer over an existing
// descriptor. connected reports whether the connect already completed; when
// false, the connect outcome is resolved through writability and SO_ERROR.
func NewClientStreamBufferWithHandle(handler StreamBufferHandler, handle Handle, connected bool) *StreamBuffer {
	return newStreamBuffer(handler, handle, ClientMode, connected)
}

// NewServerStreamBuffer creates a server buffer over an already-accepted
// descriptor, with the TCP leaf filter installed.
func NewServerStreamBuffer(handler StreamBufferHandler, handle Handle) *StreamBuffer {
	return newStreamBuffer(handler, handle, ServerMode, true)
}

// AddStreamBufferFilter appends a filter on the outer (user-facing) side of
// the chain. It is legal only during construction or from inside
// HandleConnected for the just-completed outer filter; each window admits
// one filter. A filter pushed from HandleConnected re-enters the connecting
// state at the new outermost level.
func (sb *StreamBuffer) AddStreamBufferFilter(f StreamBufferFilter) {
	if !sb.addFilterAllowed {
		panic("ael: filter added when it is not allowed")
	}
	sb.addFilterAllowed = false

	fc := f.filterCore()
	fc.owner = sb
	fc.self = f
	fc.id = sb.HandlerID()

	if len(sb.filters) > 0 {
		prev := sb.filters[len(sb.filters)-1]
		prev.filterCore().next = f
		fc.prev = prev
		fc.order = prev.filterCore().order + 1
	}

	logger().Debug().Uint64("handler", sb.HandlerID()).Int("order", fc.order).Log("filter attached")

	sb.filters = append(sb.filters, f)
}

// Write saves the view and queues it for transmission. Zero-length and
// post-close writes are refused. Safe from any goroutine.
func (sb *StreamBuffer) Write(dv DataView) {
	if dv.Len() == 0 {
		logger().Warning().Uint64("handler", sb.HandlerID()).Log("refusing zero-length write")
		return
	}

	if sb.shouldClose.Load() {
		logger().Debug().Uint64("handler", sb.HandlerID()).Log("refusing write after close")
		return
	}

	saved := dv.Save()

	sb.pendingMu.Lock()
	wasEmpty := len(sb.pendingWrites) == 0
	sb.pendingWrites = append(sb.pendingWrites, saved)
	sb.pendingMu.Unlock()

	if wasEmpty {
		if ev := sb.AttachedEvent(); ev != nil {
			ev.Ready(EventWrite)
		}
	}
}

// Close requests a graceful close of the buffer. Safe from any goroutine.
func (sb *StreamBuffer) Close() {
	logger().Debug().Uint64("handler", sb.HandlerID()).Log("close requested")
	sb.shouldClose.Store(true)
	if ev := sb.AttachedEvent(); ev != nil {
		ev.Ready(EventClose)
	}
}

// Events implements EventHandler: the buffer's readiness mask is that of
// its outermost filter.
func (sb *StreamBuffer) Events() Events {
	return sb.outermost().filterCore().interest()
}

// HandleEvents implements EventHandler.
func (sb *StreamBuffer) HandleEvents(handle Handle, events Events) {
	if sb.handler == nil {
		logger().Warning().Uint64("handler", sb.HandlerID()).Log("stream buffer handler gone, closing")
		if ev := sb.AttachedEvent(); ev != nil {
			ev.Close()
		}
		return
	}

	if sb.shouldClose.Load() {
		sb.doClose()
	} else if !sb.isConnected() {
		sb.doConnect()
	} else {
		if events.Any(EventRead | EventStream) {
			sb.doRead()
		}
		if events.Any(EventWrite | EventStream) {
			sb.doWrite()
		}
	}

	sb.doFinalize()
}

func (sb *StreamBuffer) outermost() StreamBufferFilter {
	return sb.filters[len(sb.filters)-1]
}

func (sb *StreamBuffer) isConnected() bool {
	return sb.outermost().filterCore().connected
}

func (sb *StreamBuffer) isReadClosed() bool {
	for _, f := range sb.filters {
		if !f.filterCore().readClosed {
			return false
		}
	}
	return true
}

func (sb *StreamBuffer) isWriteClosed() bool {
	for _, f := range sb.filters {
		if !f.filterCore().writeClosed {
			return false
		}
	}
	return true
}

func (sb *StreamBuffer) doRead() {
	fc := sb.outermost().filterCore()
	if fc.readClosed {
		return
	}
	fc.read()
}

func (sb *StreamBuffer) doWrite() {
	fc := sb.outermost().filterCore()
	if fc.writeClosed {
		return
	}

	sb.pendingMu.Lock()
	snapshot := sb.pendingWrites
	sb.pendingWrites = nil
	sb.pendingMu.Unlock()

	// Drain even with no new views: a partial write from an earlier
	// dispatch may still sit in a filter's pending-out queue.
	fc.write(snapshot)
}

func (sb *StreamBuffer) doConnect() {
	outer := sb.outermost()

	var res ConnectResult
	if sb.mode == ClientMode {
		res = outer.Connect()
	} else {
		res = outer.Accept()
	}

	fc := outer.filterCore()

	switch {
	case res.IsFailed():
		logger().Debug().Uint64("handler", sb.HandlerID()).Int("order", fc.order).Log("handshake failed")
		fc.readClosed = true
		fc.writeClosed = true

	case res.IsSuccess():
		logger().Debug().Uint64("handler", sb.HandlerID()).Int("order", fc.order).Log("handshake complete")
		fc.connected = true

		// HandleConnected may push one more filter, re-entering the
		// connecting state at the new outermost level.
		sb.addFilterAllowed = true
		sb.handler.HandleConnected(sb)
		sb.addFilterAllowed = false

		if ev := sb.AttachedEvent(); ev != nil {
			ev.Modify()
			ev.Ready(EventRead | EventWrite)
		}

	default:
		logger().Debug().Uint64("handler", sb.HandlerID()).Int("order", fc.order).Log("handshake pending")
	}
}

func (sb *StreamBuffer) doClose() {
	// Flush queued writes first, unless some write side is already gone.
	shouldFlush := true
	for _, f := range sb.filters {
		if f.filterCore().writeClosed {
			shouldFlush = false
			break
		}
	}
	if shouldFlush {
		sb.doWrite()
	}

	// Walk outermost to innermost; stop at the first filter that cannot
	// close yet.
	for i := len(sb.filters) - 1; i >= 0; i-- {
		fc := sb.filters[i].filterCore()
		if !fc.readClosed || !fc.writeClosed {
			fc.closeFilter()
		}
		if !fc.readClosed || !fc.writeClosed {
			logger().Debug().Uint64("handler", sb.HandlerID()).Int("order", fc.order).Log("filter close delayed")
			return
		}
	}
}

func (sb *StreamBuffer) doFinalize() {
	fc := sb.outermost().filterCore()

	if !sb.shouldClose.Load() && fc.readClosed {
		sb.shouldClose.Store(true)
		sb.doClose()
	}

	if sb.isReadClosed() && sb.isWriteClosed() && !sb.eofCalled {
		sb.eofCalled = true
		logger().Debug().Uint64("handler", sb.HandlerID()).Log("EOF")
		sb.handler.HandleEOF(sb)
		if ev := sb.AttachedEvent(); ev != nil {
			ev.Close()
		}
	}
}

// deliverData hands inbound data to the user handler.
func (sb *StreamBuffer) deliverData(dv *DataView) {
	if sb.handler == nil {
		logger().Warning().Uint64("handler", sb.HandlerID()).Log("stream buffer handler gone, dropping data")
		return
	}
	sb.handler.HandleData(sb, dv)
}
