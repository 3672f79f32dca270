//go:build linux

package ael

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NewConnectionHandler receives descriptors accepted by a StreamListener.
type NewConnectionHandler interface {
	HandleNewConnection(handle Handle)
}

// StreamListener accepts connections on a listening stream socket and
// delivers each accepted descriptor to its NewConnectionHandler. Accepts per
// readiness dispatch are bounded by the configured starvation ceiling; once
// the ceiling is hit the listener re-arms itself with read readiness.
type StreamListener struct {
	EventHandlerBase
	handler NewConnectionHandler
}

// NewStreamListener creates a listener bound to ip:port.
func NewStreamListener(handler NewConnectionHandler, ip string, port uint16) (*StreamListener, error) {
	logger().Info().Str("ip", ip).Int("port", int(port)).Log("creating stream listener")

	handle, err := NewStreamListenerHandle(ip, port)
	if err != nil {
		return nil, err
	}

	return &StreamListener{
		EventHandlerBase: NewEventHandlerBase(handle),
		handler:          handler,
	}, nil
}

func (s *StreamListener) Events() Events {
	return EventRead
}

func (s *StreamListener) HandleEvents(handle Handle, events Events) {
	if !events.Any(EventRead) {
		logger().Warning().Int("fd", handle.FD()).Uint64("events", uint64(events)).Log("non-read event for listener")
		return
	}

	// Bound the accepts per dispatch to keep the loop responsive.
	limit := CurrentConfig().ListenStarvationLimit
	for i := 0; i < limit; i++ {
		fd, _, err := unix.Accept4(handle.FD(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				logger().Debug().Int("fd", handle.FD()).Log("nothing to accept")
				return
			case unix.EBADF, unix.EFAULT, unix.EINVAL, unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM, unix.ENOTSOCK:
				panic(errors.Wrap(err, "ael: accept failed"))
			default:
				// Per-connection failures (e.g. the peer aborted between the
				// queue and the accept) skip just that connection.
				logger().Debug().Int("fd", handle.FD()).Err(err).Log("accept failed, skipping connection")
				continue
			}
		}

		logger().Debug().Int("fd", handle.FD()).Int("new_fd", fd).Log("accepted new connection")

		if s.handler != nil {
			s.handler.HandleNewConnection(HandleFromFD(fd))
		} else {
			logger().Warning().Int("new_fd", fd).Log("no connection handler, dropping accepted descriptor")
			_ = unix.Close(fd)
		}
	}

	logger().Debug().Int("fd", handle.FD()).Log("listener reached starvation limit, re-arming")

	if ev := s.AttachedEvent(); ev != nil {
		ev.Ready(EventRead)
	}
}
