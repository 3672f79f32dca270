//go:build linux

package ael

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestEventsToEpoll(t *testing.T) {
	assert.Equal(t, uint32(0), eventsToEpoll(0))
	assert.Equal(t, uint32(unix.EPOLLIN), eventsToEpoll(EventRead))
	assert.Equal(t, uint32(unix.EPOLLOUT), eventsToEpoll(EventWrite))
	assert.Equal(t, uint32(unix.EPOLLRDHUP), eventsToEpoll(EventStream))
	assert.Equal(t,
		uint32(unix.EPOLLIN|unix.EPOLLOUT|unix.EPOLLRDHUP),
		eventsToEpoll(EventRead|EventWrite|EventStream))

	// EventClose expands to the full close mask regardless of other flags.
	full := uint32(unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP)
	assert.Equal(t, full, eventsToEpoll(EventClose))
	assert.Equal(t, full, eventsToEpoll(EventClose|EventRead))
}

func TestEpollToEvents(t *testing.T) {
	assert.Equal(t, EventRead, epollToEvents(unix.EPOLLIN))
	assert.Equal(t, EventWrite, epollToEvents(unix.EPOLLOUT))
	assert.Equal(t, EventStream, epollToEvents(unix.EPOLLRDHUP))

	// Errors and hang-ups wake every direction.
	all := EventRead | EventWrite | EventStream
	assert.Equal(t, all, epollToEvents(unix.EPOLLERR))
	assert.Equal(t, all, epollToEvents(unix.EPOLLHUP))
	assert.Equal(t, all, epollToEvents(unix.EPOLLIN|unix.EPOLLHUP))
}

func TestExpandEvents(t *testing.T) {
	assert.Equal(t, EventRead, expandEvents(EventRead))
	assert.Equal(t, EventRead|EventWrite|EventStream, expandEvents(EventClose))
}

func TestEventsMaskHelpers(t *testing.T) {
	mask := EventRead | EventStream
	assert.True(t, mask.Has(EventRead))
	assert.False(t, mask.Has(EventRead|EventWrite))
	assert.True(t, mask.Any(EventRead|EventWrite))
	assert.False(t, mask.Any(EventWrite))
}

func TestAsyncIO_staleReadyDropped(t *testing.T) {
	a, err := newAsyncIO()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	// A ready request for an unregistered handle/id pair must be dropped
	// without dispatching.
	dispatched := false
	loop := &EventLoop{events: make(map[uint64]*Event), internal: make(map[EventHandler]struct{}), done: make(chan struct{})}
	h := newExecuteHandler(loop, func() { dispatched = true })
	ev := newEvent(loop, h)
	ev.handle = HandleFromFD(0)

	a.readyFinalize(readyRequest{ev: ev, events: EventRead})
	assert.False(t, dispatched)
}
