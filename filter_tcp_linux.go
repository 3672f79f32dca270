//go:build linux

package ael

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// tcpReadChunk is the per-filter staging buffer size for recv.
const tcpReadChunk = 64 * 1024

// tcpStreamBufferFilter is the leaf filter: the innermost segment of every
// chain, talking directly to the stream socket.
type tcpStreamBufferFilter struct {
	FilterBase

	handle Handle

	// established is true when no asynchronous connect is outstanding:
	// always for accepted sockets, and for clients whose connect completed
	// synchronously.
	established bool

	readBuf []byte
}

func newTCPStreamBufferFilter(handle Handle, established bool) *tcpStreamBufferFilter {
	logger().Debug().Int("fd", handle.FD()).Log("creating tcp stream buffer filter")
	return &tcpStreamBufferFilter{
		handle:      handle,
		established: established,
		readBuf:     make([]byte, tcpReadChunk),
	}
}

func (f *tcpStreamBufferFilter) In() InResult {
	n, err := readFD(f.handle.FD(), f.readBuf)

	if err != nil {
		switch err {
		case unix.EAGAIN:
			logger().Debug().Int("fd", f.handle.FD()).Log("read would block")
			return InResultWouldBlock()
		case unix.EFAULT, unix.EINVAL, unix.ENOTCONN, unix.ENOTSOCK, unix.EBADF:
			panic(errors.Wrap(err, "ael: read failed"))
		default:
			logger().Debug().Int("fd", f.handle.FD()).Err(err).Log("read EOF with error")
			return InResultShouldClose()
		}
	}

	if n == 0 {
		logger().Debug().Int("fd", f.handle.FD()).Log("read EOF")
		return InResultShouldClose()
	}

	logger().Debug().Int("fd", f.handle.FD()).Int("bytes", n).Log("read")

	dv := NewDataView(f.readBuf[:n])
	return InResultData(&dv)
}

func (f *tcpStreamBufferFilter) Out(dv *DataView) (*DataView, OutResult) {
	// More queued data hints the kernel to coalesce segments.
	flags := unix.MSG_DONTWAIT | unix.MSG_NOSIGNAL
	if len(f.pendingOut) > 0 {
		flags |= unix.MSG_MORE
	}

	n, err := unix.SendmsgN(f.handle.FD(), dv.Bytes(), nil, nil, flags)

	if err != nil {
		switch err {
		case unix.EAGAIN:
			logger().Debug().Int("fd", f.handle.FD()).Log("write would block")
			return dv, OutResult{}
		case unix.EBADF, unix.EDESTADDRREQ, unix.EFAULT, unix.EINVAL, unix.EMSGSIZE, unix.ENOMEM, unix.ENOTCONN, unix.ENOTSOCK, unix.EOPNOTSUPP:
			panic(errors.Wrap(err, "ael: write failed"))
		default:
			logger().Debug().Int("fd", f.handle.FD()).Err(err).Log("no longer writable")
			return nil, OutResultShouldClose()
		}
	}

	if n == 0 {
		panic("ael: write returned 0")
	}

	logger().Debug().Int("fd", f.handle.FD()).Int("bytes", n).Log("write")

	if n < dv.Len() {
		left := dv.Slice(n)
		logger().Debug().Int("fd", f.handle.FD()).Int("bytes", left.Len()).Log("partial write, bytes left")
		return left.Save(), OutResult{}
	}

	return nil, OutResult{}
}

func (f *tcpStreamBufferFilter) Connect() ConnectResult {
	if f.established {
		return ConnectSuccess
	}

	// The async connect resolved; SO_ERROR holds the verdict.
	soerr, err := unix.GetsockoptInt(f.handle.FD(), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		panic(errors.Wrap(err, "ael: getsockopt failed"))
	}

	if soerr != 0 {
		logger().Debug().Int("fd", f.handle.FD()).Err(unix.Errno(soerr)).Log("connect failed on socket error")
		return ConnectFailed
	}

	logger().Debug().Int("fd", f.handle.FD()).Log("connect complete")
	f.established = true
	return ConnectSuccess
}

func (f *tcpStreamBufferFilter) Accept() ConnectResult {
	if f.established {
		return ConnectSuccess
	}
	panic("ael: connection should already be accepted")
}

func (f *tcpStreamBufferFilter) Shutdown() ShutdownResult {
	// The descriptor itself closes with the event.
	return ShutdownComplete()
}
