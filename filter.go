package ael

// InResult is the outcome of one In step: exactly one of should-close,
// would-block, or data.
type InResult struct {
	data        *DataView
	shouldClose bool
}

// InResultShouldClose reports that the read side is finished.
func InResultShouldClose() InResult {
	return InResult{shouldClose: true}
}

// InResultWouldBlock reports that no more data is available this dispatch.
func InResultWouldBlock() InResult {
	return InResult{}
}

// InResultData carries inbound data. The view may be borrowed: it is only
// valid until the producing In call returns, and consumers that buffer it
// must Save it.
func InResultData(dv *DataView) InResult {
	return InResult{data: dv}
}

// ShouldCloseRead reports that the read side is finished.
func (r InResult) ShouldCloseRead() bool { return r.shouldClose }

// HasData reports whether the result carries data.
func (r InResult) HasData() bool { return r.data != nil && !r.data.Empty() }

// Data returns the inbound view.
func (r InResult) Data() *DataView { return r.data }

// OutResult is the outcome of one Out step.
type OutResult struct {
	shouldCloseWrite bool
}

// OutResultShouldClose reports that the write side is finished.
func OutResultShouldClose() OutResult {
	return OutResult{shouldCloseWrite: true}
}

// ShouldCloseWrite reports that the write side is finished.
func (r OutResult) ShouldCloseWrite() bool { return r.shouldCloseWrite }

// ConnectResult is the outcome of a Connect or Accept step.
type ConnectResult int

const (
	// ConnectPending means the handshake needs more readiness rounds.
	ConnectPending ConnectResult = iota
	// ConnectFailed means the handshake failed; both sides close.
	ConnectFailed
	// ConnectSuccess means the handshake completed.
	ConnectSuccess
)

func (r ConnectResult) IsPending() bool { return r == ConnectPending }
func (r ConnectResult) IsFailed() bool  { return r == ConnectFailed }
func (r ConnectResult) IsSuccess() bool { return r == ConnectSuccess }

// ShutdownResult is the outcome of a Shutdown step.
type ShutdownResult struct {
	complete bool
}

// ShutdownComplete reports that graceful shutdown finished.
func ShutdownComplete() ShutdownResult {
	return ShutdownResult{complete: true}
}

// ShutdownPending reports that shutdown needs more readiness rounds.
func ShutdownPending() ShutdownResult {
	return ShutdownResult{}
}

// IsComplete reports whether shutdown finished.
func (r ShutdownResult) IsComplete() bool { return r.complete }

// StreamBufferFilter is one bidirectional segment of a stream pipeline.
// Inbound bytes flow back-to-front (each filter's In pulls from the filter
// below via PrevIn); outbound bytes flow front-to-back (each filter's Out
// pushes toward the socket via PrevOut). The innermost filter talks to the
// transport; the outermost filter talks to the user handler.
//
// Implementations embed FilterBase and run exclusively on the loop
// goroutine.
type StreamBufferFilter interface {
	// In produces the next chunk of inbound data, pulling from the filter
	// below as needed.
	In() InResult

	// Out consumes one outbound view, pushing toward the socket. It returns
	// any unconsumed remainder (the chain re-queues it and stops for this
	// dispatch) and the step outcome.
	Out(dv *DataView) (*DataView, OutResult)

	// Connect drives the client-side handshake.
	Connect() ConnectResult

	// Accept drives the server-side handshake.
	Accept() ConnectResult

	// Shutdown drives graceful close of this filter.
	Shutdown() ShutdownResult

	filterCore() *FilterBase
}

// FilterBase is the embeddable base for stream buffer filters: chain links,
// per-filter state flags, and the pending-out queue, plus the drain loops
// shared by every filter.
type FilterBase struct {
	connected   bool
	readClosed  bool
	writeClosed bool

	prev StreamBufferFilter
	next StreamBufferFilter
	self StreamBufferFilter

	owner *StreamBuffer
	order int
	id    uint64

	pendingOut []*DataView
}

func (b *FilterBase) filterCore() *FilterBase { return b }

// Connected reports whether this filter's handshake has completed.
func (b *FilterBase) Connected() bool { return b.connected }

// interest is this filter's requested readiness. A connected filter (or any
// non-innermost filter, which may need inbound bytes to continue a
// handshake) wants the full mask; otherwise writability is enough to learn
// the connect outcome.
func (b *FilterBase) interest() Events {
	if b.connected || b.order > 0 {
		return EventRead | EventWrite | EventStream
	}
	return EventWrite | EventStream
}

// read drains inbound data through self.In until would-block, close, or the
// read starvation ceiling, delivering each chunk to the user handler.
func (b *FilterBase) read() {
	limit := CurrentConfig().ReadStarvationLimit
	total := 0

	for {
		res := b.self.In()

		if res.ShouldCloseRead() {
			b.readClosed = true
			return
		}

		if !res.HasData() {
			return
		}

		dv := res.Data()
		total += dv.Len()
		b.HandleData(dv)

		if total >= limit {
			logger().Debug().Uint64("filter", b.id).Int("order", b.order).Log("read starvation limit reached, re-arming")
			b.rearm(EventRead)
			return
		}
	}
}

// write appends views to the pending-out queue and drains it through
// self.Out. A remainder returned by Out is re-queued at the front and the
// drain stops for this dispatch; the write starvation ceiling re-arms.
func (b *FilterBase) write(views []*DataView) {
	b.pendingOut = append(b.pendingOut, views...)

	limit := CurrentConfig().WriteStarvationLimit
	total := 0

	for len(b.pendingOut) > 0 {
		dv := b.pendingOut[0]
		b.pendingOut = b.pendingOut[1:]

		left, res := b.self.Out(dv)

		if res.ShouldCloseWrite() {
			b.writeClosed = true
			return
		}

		if left != nil && !left.Empty() {
			b.pendingOut = append([]*DataView{left}, b.pendingOut...)
			return
		}

		total += dv.Len()
		if total >= limit {
			logger().Debug().Uint64("filter", b.id).Int("order", b.order).Log("write starvation limit reached, re-arming")
			b.rearm(EventWrite)
			return
		}
	}
}

// closeFilter attempts graceful close: flush any pending-out data, then run
// Shutdown. If shutdown completes, both sides are marked closed; otherwise
// the filter holds position until the next readiness round.
func (b *FilterBase) closeFilter() {
	if len(b.pendingOut) > 0 && !b.writeClosed {
		logger().Debug().Uint64("filter", b.id).Int("order", b.order).Log("flushing pending out data before shutdown")

		for len(b.pendingOut) > 0 {
			dv := b.pendingOut[0]
			b.pendingOut = b.pendingOut[1:]

			left, res := b.self.Out(dv)

			if res.ShouldCloseWrite() {
				b.writeClosed = true
				break
			}

			if left != nil && !left.Empty() {
				b.pendingOut = append([]*DataView{left}, b.pendingOut...)
				break
			}
		}
	}

	if len(b.pendingOut) == 0 || b.writeClosed {
		if b.self.Shutdown().IsComplete() {
			logger().Debug().Uint64("filter", b.id).Int("order", b.order).Log("shutdown complete")
			b.writeClosed = true
			b.readClosed = true
		}
		return
	}

	logger().Debug().Uint64("filter", b.id).Int("order", b.order).Log("cannot close yet, more data to flush")
}

// PrevIn pulls one In step from the filter below. Only non-innermost filters
// may call it.
func (b *FilterBase) PrevIn() InResult {
	if b.prev == nil {
		panic("ael: PrevIn called on the innermost filter")
	}
	return b.prev.In()
}

// PrevOut pushes views toward the socket through the filter below. The
// views must be owned (Saved); they may be queued past this call. The
// result reports whether the lower write side closed.
func (b *FilterBase) PrevOut(views ...*DataView) OutResult {
	if b.prev == nil {
		panic("ael: PrevOut called on the innermost filter")
	}

	pc := b.prev.filterCore()
	pc.write(views)
	if pc.writeClosed {
		return OutResultShouldClose()
	}
	return OutResult{}
}

// HandleData delivers inbound data to the user handler through the owning
// stream buffer.
func (b *FilterBase) HandleData(dv *DataView) {
	if b.owner == nil {
		logger().Warning().Uint64("filter", b.id).Log("filter has no owner, dropping data")
		return
	}
	b.owner.deliverData(dv)
}

// rearm requests readiness on the owning buffer's event.
func (b *FilterBase) rearm(events Events) {
	if b.owner == nil {
		return
	}
	if ev := b.owner.AttachedEvent(); ev != nil {
		ev.Ready(events)
	}
}
