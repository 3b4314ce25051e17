//go:build linux

// Package eventfd provides the cross-thread wakeup descriptor used by an
// event loop to interrupt a blocked poll call. On Linux this is a real
// eventfd; see eventfd_other.go for the portable fallback.
package eventfd

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// EventFd wraps a Linux eventfd(2) descriptor used as a level-triggered
// wakeup channel: a write of any 8-byte counter makes the fd readable.
type EventFd struct {
	fd int
}

// New creates a non-blocking, close-on-exec eventfd with an initial counter
// of zero.
func New() (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "eventfd")
	}
	return &EventFd{fd: fd}, nil
}

// Fd returns the underlying file descriptor, for registration with a poller.
func (e *EventFd) Fd() int { return e.fd }

// WriteEvent adds val to the kernel counter, waking up anyone blocked
// reading this fd.
func (e *EventFd) WriteEvent(val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	_, err := unix.Write(e.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "eventfd write")
	}
	return nil
}

// ReadEvent drains the kernel counter and returns its value, resetting it
// to zero.
func (e *EventFd) ReadEvent() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(e.fd, buf[:])
	if err != nil {
		return 0, errors.Wrap(err, "eventfd read")
	}
	if n != 8 {
		return 0, errors.Errorf("eventfd read returned %d bytes, want 8", n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Close releases the descriptor.
func (e *EventFd) Close() error {
	return unix.Close(e.fd)
}
