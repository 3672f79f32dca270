//go:build linux

package ael

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NewTimerHandle creates a timer descriptor backed by a monotonic,
// non-blocking, close-on-exec timerfd. interval selects periodic firing
// (zero means one-shot); initialDelay is the delay before the first firing.
// Both zero is rejected. A zero initialDelay with a non-zero interval means
// "fire as soon as possible" and is promoted to the minimum positive value.
func NewTimerHandle(interval, initialDelay time.Duration) (Handle, error) {
	if interval == 0 && initialDelay == 0 {
		return Handle{}, ErrZeroTimerDurations
	}

	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return Handle{}, errors.Wrap(err, "ael: timerfd_create failed")
	}

	its := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
		Value:    unix.NsecToTimespec(initialDelay.Nanoseconds()),
	}
	if its.Value.Sec == 0 && its.Value.Nsec == 0 {
		// Start as soon as possible.
		its.Value.Nsec = 1
	}

	if err := unix.TimerfdSettime(fd, 0, &its, nil); err != nil {
		_ = unix.Close(fd)
		return Handle{}, errors.Wrap(err, "ael: timerfd_settime failed")
	}

	return HandleFromFD(fd), nil
}

// streamSockaddr parses ip as IPv4 first, then IPv6, and builds the matching
// socket domain and address.
func streamSockaddr(ip string, port uint16) (int, unix.Sockaddr, error) {
	parsed := net.ParseIP(ip)
	if parsed != nil {
		if v4 := parsed.To4(); v4 != nil {
			sa := &unix.SockaddrInet4{Port: int(port)}
			copy(sa.Addr[:], v4)
			return unix.AF_INET, sa, nil
		}
		if v6 := parsed.To16(); v6 != nil {
			sa := &unix.SockaddrInet6{Port: int(port)}
			copy(sa.Addr[:], v6)
			return unix.AF_INET6, sa, nil
		}
	}
	return 0, nil, errors.Wrapf(ErrInvalidAddress, "%q", ip)
}

// NewStreamListenerHandle creates a non-blocking, close-on-exec stream
// socket bound to ip:port and listening with the configured backlog.
func NewStreamListenerHandle(ip string, port uint16) (Handle, error) {
	domain, sa, err := streamSockaddr(ip, port)
	if err != nil {
		return Handle{}, err
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return Handle{}, errors.Wrap(err, "ael: socket failed")
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return Handle{}, errors.Wrap(err, "ael: bind failed")
	}

	if err := unix.Listen(fd, CurrentConfig().ListenBacklog); err != nil {
		_ = unix.Close(fd)
		return Handle{}, errors.Wrap(err, "ael: listen failed")
	}

	logger().Debug().Int("fd", fd).Str("ip", ip).Int("port", int(port)).Log("created listener descriptor")

	return HandleFromFD(fd), nil
}

// NewStreamHandle creates a non-blocking, close-on-exec stream socket and
// initiates a connect to ip:port. The second return value reports whether
// the connect completed synchronously. Fatal socket-setup errors are
// returned; transient connect errors other than "in progress" yield a valid
// handle whose failure will surface through readiness.
func NewStreamHandle(ip string, port uint16) (Handle, bool, error) {
	domain, sa, err := streamSockaddr(ip, port)
	if err != nil {
		return Handle{}, false, err
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return Handle{}, false, errors.Wrap(err, "ael: socket failed")
	}

	err = unix.Connect(fd, sa)
	if err == nil {
		logger().Debug().Int("fd", fd).Str("ip", ip).Int("port", int(port)).Log("connected synchronously")
		return HandleFromFD(fd), true, nil
	}

	switch err {
	case unix.EINPROGRESS:
		// Completion (or failure) arrives via writability.
	case unix.EAFNOSUPPORT, unix.EALREADY, unix.EBADF, unix.EFAULT, unix.EISCONN, unix.ENOTSOCK:
		_ = unix.Close(fd)
		return Handle{}, false, errors.Wrap(err, "ael: connect failed")
	default:
		logger().Warning().Int("fd", fd).Str("ip", ip).Int("port", int(port)).Err(err).Log("connect failed, deferring to readiness")
	}

	return HandleFromFD(fd), false, nil
}
