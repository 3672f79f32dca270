package ael

import (
	"fmt"
)

// Handle is a typed wrapper over a kernel file descriptor. The zero value is
// the absent handle. Destroying a Handle does not close the descriptor;
// closing is always explicit via Close.
//
// The descriptor is stored shifted by one so that the zero value is absent
// rather than accidentally aliasing fd 0.
type Handle struct {
	fd1 int
}

// HandleFromFD wraps an existing descriptor. Negative descriptors yield the
// absent handle.
func HandleFromFD(fd int) Handle {
	if fd < 0 {
		return Handle{}
	}
	return Handle{fd1: fd + 1}
}

// FD returns the wrapped descriptor, or -1 for the absent handle.
func (h Handle) FD() int {
	return h.fd1 - 1
}

// Valid reports whether the handle wraps a descriptor.
func (h Handle) Valid() bool {
	return h.fd1 > 0
}

// Close closes the wrapped descriptor. Closing the absent handle is a no-op.
func (h Handle) Close() error {
	if !h.Valid() {
		return nil
	}
	return closeFD(h.FD())
}

// String implements fmt.Stringer for log output.
func (h Handle) String() string {
	return fmt.Sprintf("%d", h.FD())
}
