package ael

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var (
	loopTableMu sync.Mutex
	loopTable   = make(map[*EventLoop]struct{})
)

// Cancellable is returned by the timer-backed Execute variants. Cancel is
// idempotent and safe from any goroutine; cancellation observed after a
// firing but before delivery suppresses the pending occurrences.
type Cancellable interface {
	Cancel()
}

// EventLoop owns a reactor and the dedicated goroutine that drives it. All
// handler callbacks and all filter-chain state run on that goroutine; the
// exported methods are safe from any goroutine unless noted.
type EventLoop struct {
	aio *asyncIO

	mu       sync.Mutex
	events   map[uint64]*Event
	internal map[EventHandler]struct{}

	stop        atomic.Bool
	done        chan struct{}
	goroutineID atomic.Uint64
}

// Create allocates a loop, registers it in the process-wide table, and
// starts its goroutine.
func Create() (*EventLoop, error) {
	aio, err := newAsyncIO()
	if err != nil {
		return nil, err
	}

	l := &EventLoop{
		aio:      aio,
		events:   make(map[uint64]*Event),
		internal: make(map[EventHandler]struct{}),
		done:     make(chan struct{}),
	}

	loopTableMu.Lock()
	loopTable[l] = struct{}{}
	loopTableMu.Unlock()

	go l.run()

	return l, nil
}

// DestroyAll stops every loop in the process and joins their goroutines. It
// returns only after every loop goroutine has finished.
func DestroyAll() {
	loopTableMu.Lock()
	snapshot := make([]*EventLoop, 0, len(loopTable))
	for l := range loopTable {
		snapshot = append(snapshot, l)
	}
	loopTable = make(map[*EventLoop]struct{})
	loopTableMu.Unlock()

	for _, l := range snapshot {
		l.Stop()
	}
}

// Stop flags the loop to stop, wakes the reactor, and waits for the loop
// goroutine to finish. Every still-registered event is closed on the way
// out. Safe to call more than once; must not be called from the loop
// goroutine itself.
func (l *EventLoop) Stop() {
	if !l.stop.Swap(true) {
		loopTableMu.Lock()
		delete(loopTable, l)
		loopTableMu.Unlock()
		l.aio.Wakeup()
	}
	<-l.done
}

// run is the loop goroutine. epoll dispatch is pinned to one OS thread.
func (l *EventLoop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.goroutineID.Store(getGoroutineID())
	defer l.goroutineID.Store(0)

	logger().Debug().Log("event loop goroutine started")

	for !l.stop.Load() {
		l.aio.Process()
	}

	// Snapshot to avoid mutating the registry while ranging over it: each
	// Close removes its event from the map.
	l.mu.Lock()
	snapshot := make([]*Event, 0, len(l.events))
	for _, ev := range l.events {
		snapshot = append(snapshot, ev)
	}
	l.mu.Unlock()

	for _, ev := range snapshot {
		ev.Close()
	}

	// Wake once more in case there was nothing queued, then drain the
	// removals in one final step.
	l.aio.Wakeup()
	l.aio.Process()
	l.aio.Close()

	logger().Debug().Log("event loop goroutine finished")

	close(l.done)
}

// Attach wraps handler in an event, inserts it into the event registry, and
// hands it to the reactor. The handler's event reference is set before the
// reactor sees the add. Attaching an already-attached handler fails.
func (l *EventLoop) Attach(handler EventHandler) error {
	if l.stop.Load() {
		return ErrLoopStopped
	}

	ev := newEvent(l, handler)

	hc := handler.core()
	if !hc.setEvent(ev) {
		return ErrHandlerAttached
	}
	ev.handle = hc.takeHandle()

	l.mu.Lock()
	l.events[ev.id] = ev
	l.mu.Unlock()

	logger().Debug().Uint64("event", ev.id).Int("fd", ev.handle.FD()).Log("handler attached")

	l.aio.Add(ev)
	return nil
}

// attachInternal attaches a loop-owned handler (execute thunks, timers),
// retaining it until it removes itself.
func (l *EventLoop) attachInternal(handler EventHandler) error {
	l.mu.Lock()
	l.internal[handler] = struct{}{}
	l.mu.Unlock()

	if err := l.Attach(handler); err != nil {
		l.mu.Lock()
		delete(l.internal, handler)
		l.mu.Unlock()
		return err
	}
	return nil
}

// removeInternal releases a loop-owned handler after it has fired or been
// canceled.
func (l *EventLoop) removeInternal(handler EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.internal[handler]; !ok {
		panic("ael: internal handler not found")
	}
	delete(l.internal, handler)
}

// ExecuteOnce schedules fn to run once on the loop goroutine, as soon as
// possible.
func (l *EventLoop) ExecuteOnce(fn func()) error {
	return l.attachInternal(newExecuteHandler(l, fn))
}

// ExecuteOnceIn schedules fn to run once on the loop goroutine after delay.
func (l *EventLoop) ExecuteOnceIn(delay time.Duration, fn func()) (Cancellable, error) {
	return l.executeTimer(0, delay, fn)
}

// ExecuteInterval schedules fn to run on the loop goroutine every interval,
// starting as soon as possible.
func (l *EventLoop) ExecuteInterval(interval time.Duration, fn func()) (Cancellable, error) {
	return l.executeTimer(interval, 0, fn)
}

// ExecuteIntervalIn schedules fn to run on the loop goroutine every
// interval, starting after delay.
func (l *EventLoop) ExecuteIntervalIn(interval, delay time.Duration, fn func()) (Cancellable, error) {
	return l.executeTimer(interval, delay, fn)
}

func (l *EventLoop) executeTimer(interval, delay time.Duration, fn func()) (Cancellable, error) {
	handle, err := NewTimerHandle(interval, delay)
	if err != nil {
		return nil, err
	}

	th := newTimerHandler(l, handle, interval == 0, fn)
	if err := l.attachInternal(th); err != nil {
		_ = handle.Close()
		return nil, err
	}
	return th, nil
}

// remove takes the event out of the registry and asks the reactor to
// unregister it. Reached only through Event.Close, which guards repeats.
func (l *EventLoop) remove(id uint64) {
	l.mu.Lock()
	ev, ok := l.events[id]
	if !ok {
		l.mu.Unlock()
		panic("ael: event not found")
	}
	delete(l.events, id)
	l.mu.Unlock()

	logger().Debug().Uint64("event", id).Log("event removed")

	l.aio.Remove(ev)
}

// ready forwards a readiness request to the reactor.
func (l *EventLoop) ready(ev *Event, events Events) {
	l.aio.Ready(ev, events)
}

// modify forwards to the reactor; loop goroutine only.
func (l *EventLoop) modify(ev *Event) {
	if l.goroutineID.Load() != getGoroutineID() {
		panic("ael: Modify called outside the event loop goroutine")
	}
	l.aio.Modify(ev)
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
