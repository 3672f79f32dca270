//go:build linux

package ael

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// maxEventsPerPoll caps the readiness batch drained per Process step.
const maxEventsPerPoll = 32

// readyRequest is a queued cross-thread Ready submission.
type readyRequest struct {
	ev     *Event
	events Events
}

// asyncIO owns the readiness primitive: an epoll instance with every
// descriptor registered edge-triggered, plus an eventfd used to interrupt
// Process for cross-thread work.
//
// Add, Remove and Ready may be called from any goroutine: they enqueue into
// the pending queues under mu and post a wake-up on the empty→non-empty
// transition. The queues are finalized, in category order, on the loop
// goroutine when the wake descriptor fires. Modify is immediate and is only
// legal on the loop goroutine. The fd→event map is touched exclusively on
// the loop goroutine.
type asyncIO struct {
	epfd   int
	wakeFD int

	// Loop-goroutine only.
	events map[int]*Event
	evbuf  [maxEventsPerPoll]unix.EpollEvent

	mu            sync.Mutex
	pendingAdd    []*Event
	pendingRemove []*Event
	pendingReady  []readyRequest

	closed atomic.Bool
}

func newAsyncIO() (*asyncIO, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "ael: epoll_create1 failed")
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "ael: eventfd failed")
	}

	a := &asyncIO{
		epfd:   epfd,
		wakeFD: wakeFD,
		events: make(map[int]*Event),
	}

	wakeEvent := unix.EpollEvent{
		Events: unix.EPOLLET | unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &wakeEvent); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "ael: epoll_ctl EPOLL_CTL_ADD failed")
	}

	logger().Debug().Int("epoll_fd", epfd).Int("wake_fd", wakeFD).Log("async io created")

	return a, nil
}

// eventsToEpoll translates a readiness mask into kernel interest flags.
// EventClose expands to the full close mask.
func eventsToEpoll(events Events) uint32 {
	if events&EventClose != 0 {
		return unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP
	}

	var ep uint32
	if events&EventRead != 0 {
		ep |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		ep |= unix.EPOLLOUT
	}
	if events&EventStream != 0 {
		ep |= unix.EPOLLRDHUP
	}
	return ep
}

// epollToEvents decodes kernel readiness. Error and hang-up conditions wake
// every direction so the handler can observe the failure on its next read or
// write.
func epollToEvents(ep uint32) Events {
	var events Events
	if ep&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if ep&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if ep&unix.EPOLLRDHUP != 0 {
		events |= EventStream
	}
	if ep&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		events |= EventRead | EventWrite | EventStream
	}
	return events
}

// expandEvents resolves EventClose into the mask a close dispatch runs with.
func expandEvents(events Events) Events {
	if events&EventClose != 0 {
		return EventRead | EventWrite | EventStream
	}
	return events
}

// Add registers the event with the reactor. Any goroutine.
func (a *asyncIO) Add(ev *Event) {
	a.mu.Lock()
	a.pendingAdd = append(a.pendingAdd, ev)
	wake := len(a.pendingAdd) == 1
	a.mu.Unlock()
	if wake {
		a.Wakeup()
	}
}

// Remove unregisters the event. Any goroutine.
func (a *asyncIO) Remove(ev *Event) {
	a.mu.Lock()
	a.pendingRemove = append(a.pendingRemove, ev)
	wake := len(a.pendingRemove) == 1
	a.mu.Unlock()
	if wake {
		a.Wakeup()
	}
}

// Ready requests a dispatch of an already-registered event. Any goroutine.
// Requests whose handle/id pair is no longer current are dropped at
// finalization.
func (a *asyncIO) Ready(ev *Event, events Events) {
	a.mu.Lock()
	a.pendingReady = append(a.pendingReady, readyRequest{ev: ev, events: expandEvents(events)})
	wake := len(a.pendingReady) == 1
	a.mu.Unlock()
	if wake {
		a.Wakeup()
	}
}

// Modify pushes the event's current readiness mask into the interest set.
// Loop goroutine only (the event loop asserts this).
func (a *asyncIO) Modify(ev *Event) {
	fd := ev.Handle().FD()
	e := unix.EpollEvent{
		Events: unix.EPOLLET | eventsToEpoll(ev.Events()),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(a.epfd, unix.EPOLL_CTL_MOD, fd, &e); err != nil {
		panic(errors.Wrap(err, "ael: epoll_ctl EPOLL_CTL_MOD failed"))
	}
}

// Wakeup unblocks Process. Any goroutine. Write errors are ignored: the
// counter saturating still counts as a pending wake-up, and failures during
// shutdown are expected.
func (a *asyncIO) Wakeup() {
	if a.closed.Load() {
		return
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, _ = writeFD(a.wakeFD, buf[:])
}

// Process blocks on the readiness primitive, drains one batch, and
// dispatches exactly one handler call per ready event.
func (a *asyncIO) Process() {
	n, err := unix.EpollWait(a.epfd, a.evbuf[:], -1)
	if err != nil {
		if err == unix.EINTR {
			return
		}
		panic(errors.Wrap(err, "ael: epoll_wait failed"))
	}

	for i := 0; i < n; i++ {
		fd := int(a.evbuf[i].Fd)

		if fd == a.wakeFD {
			a.drainWake()
			a.finalizePending()
			continue
		}

		ev, ok := a.events[fd]
		if !ok {
			logger().Debug().Int("fd", fd).Log("fd not in event table, skipping")
			continue
		}

		ev.handler.HandleEvents(ev.handle, epollToEvents(a.evbuf[i].Events))
	}
}

// drainWake zeroes the eventfd counter. EPOLLET requires reading until
// would-block.
func (a *asyncIO) drainWake() {
	var buf [8]byte
	for {
		if _, err := readFD(a.wakeFD, buf[:]); err != nil {
			return
		}
	}
}

// finalizePending handles every queued Add, Remove and Ready, in category
// order, on the loop goroutine.
func (a *asyncIO) finalizePending() {
	a.mu.Lock()
	add := a.pendingAdd
	remove := a.pendingRemove
	ready := a.pendingReady
	a.pendingAdd = nil
	a.pendingRemove = nil
	a.pendingReady = nil
	a.mu.Unlock()

	for _, ev := range add {
		a.addFinalize(ev)
	}
	for _, ev := range remove {
		a.removeFinalize(ev)
	}
	for _, req := range ready {
		a.readyFinalize(req)
	}
}

func (a *asyncIO) addFinalize(ev *Event) {
	if !ev.handle.Valid() {
		// No descriptor. Dispatch once and let the handler remove itself.
		if ev.handler != nil {
			ev.handler.HandleEvents(ev.handle, 0)
		}
		return
	}

	fd := ev.handle.FD()
	e := unix.EpollEvent{
		Events: unix.EPOLLET | eventsToEpoll(ev.Events()),
		Fd:     int32(fd),
	}

	a.events[fd] = ev

	if err := unix.EpollCtl(a.epfd, unix.EPOLL_CTL_ADD, fd, &e); err != nil {
		panic(errors.Wrap(err, "ael: epoll_ctl EPOLL_CTL_ADD failed"))
	}

	logger().Debug().Uint64("event", ev.id).Int("fd", fd).Log("event registered")
}

func (a *asyncIO) removeFinalize(ev *Event) {
	if !ev.handle.Valid() {
		return
	}

	fd := ev.handle.FD()
	if _, ok := a.events[fd]; !ok {
		panic("ael: event not found")
	}
	delete(a.events, fd)

	if err := unix.EpollCtl(a.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		panic(errors.Wrap(err, "ael: epoll_ctl EPOLL_CTL_DEL failed"))
	}

	// The event is gone from the registry; its descriptor closes here.
	_ = ev.handle.Close()

	logger().Debug().Uint64("event", ev.id).Int("fd", fd).Log("event unregistered")
}

func (a *asyncIO) readyFinalize(req readyRequest) {
	handle := req.ev.handle
	if !handle.Valid() {
		return
	}

	current, ok := a.events[handle.FD()]
	if !ok || current.id != req.ev.id {
		// Stale: the handle/id pair is no longer registered.
		logger().Debug().Uint64("event", req.ev.id).Log("stale ready request dropped")
		return
	}

	req.ev.handler.HandleEvents(handle, req.events)
}

// Close releases the epoll instance and the wake descriptor.
func (a *asyncIO) Close() {
	a.closed.Store(true)
	_ = unix.Close(a.wakeFD)
	_ = unix.Close(a.epfd)
}
