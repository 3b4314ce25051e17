//go:build !linux

package eventfd

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// EventFd stands in for a Linux eventfd with a self-pipe on platforms that
// lack eventfd(2). Only the read end is ever registered with a poller;
// WriteEvent writes to the other end. Each WriteEvent queues its own 8-byte
// value and each ReadEvent returns one of them; values are not summed into
// a single counter the way eventfd does.
type EventFd struct {
	r, w int
}

// New creates a non-blocking pipe pair standing in for an eventfd.
func New() (*EventFd, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, errors.Wrap(err, "pipe2")
	}
	return &EventFd{r: fds[0], w: fds[1]}, nil
}

// Fd returns the read end, for registration with a poller.
func (e *EventFd) Fd() int { return e.r }

// WriteEvent writes val to the write end of the pipe.
func (e *EventFd) WriteEvent(val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	_, err := unix.Write(e.w, buf[:])
	if err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "eventfd emulation write")
	}
	return nil
}

// ReadEvent drains one 8-byte counter from the pipe.
func (e *EventFd) ReadEvent() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(e.r, buf[:])
	if err != nil {
		return 0, errors.Wrap(err, "eventfd emulation read")
	}
	if n != 8 {
		return 0, errors.Errorf("eventfd emulation read returned %d bytes, want 8", n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Close releases both ends of the pipe.
func (e *EventFd) Close() error {
	err1 := unix.Close(e.r)
	err2 := unix.Close(e.w)
	if err1 != nil {
		return err1
	}
	return err2
}
