package reactor

import (
	"golang.org/x/sys/unix"
)

// Buffer is a growable byte buffer with a cheap-prepend region, modeled as:
//
//	+-------------------+------------------+------------------+
//	| prependable bytes  |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0              <=  readerIndex  <=  writerIndex       <=  len(buf)
//
// A Buffer is not safe for concurrent use; each TcpConnection owns its own
// input and output Buffer and only touches them from its owning loop.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

const (
	cheapPrepend = 8
	initialSize  = 1024
)

// NewBuffer returns an empty Buffer with room for initialSize writable
// bytes before its first grow.
func NewBuffer() *Buffer {
	return NewBufferSize(initialSize)
}

// NewBufferSize returns an empty Buffer sized to hold at least size
// writable bytes up front.
func NewBufferSize(size int) *Buffer {
	return &Buffer{
		buf:         make([]byte, cheapPrepend+size),
		readerIndex: cheapPrepend,
		writerIndex: cheapPrepend,
	}
}

// ReadableBytes returns the number of bytes available to Retrieve.
func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes returns the number of bytes available to Append without a
// grow or slide.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIndex }

// PrependableBytes returns the number of bytes currently reserved ahead of
// the readable region.
func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Peek returns the readable region without consuming it. The returned
// slice aliases the Buffer's storage and is invalidated by the next
// Append or Retrieve call.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readerIndex:b.writerIndex]
}

// Retrieve consumes len bytes from the front of the readable region.
func (b *Buffer) Retrieve(len int) {
	if len < b.ReadableBytes() {
		b.readerIndex += len
	} else {
		b.RetrieveAll()
	}
}

// RetrieveAll discards the entire readable region and resets both cursors
// to the start of the content area.
func (b *Buffer) RetrieveAll() {
	b.readerIndex = cheapPrepend
	b.writerIndex = cheapPrepend
}

// RetrieveAllString consumes the entire readable region and returns it as
// a string.
func (b *Buffer) RetrieveAllString() string {
	return b.RetrieveString(b.ReadableBytes())
}

// RetrieveString consumes len bytes from the front of the readable region
// and returns them as a string. It panics if len exceeds ReadableBytes,
// mirroring the original's LOG_FATAL on an out-of-range retrieve.
func (b *Buffer) RetrieveString(len int) string {
	if len > b.ReadableBytes() {
		fatalf("reactor: retrieve %d bytes out of range", len)
	}
	s := string(b.buf[b.readerIndex : b.readerIndex+len])
	b.Retrieve(len)
	return s
}

// EnsureWritableBytes grows or slides the buffer so at least len bytes are
// writable.
func (b *Buffer) EnsureWritableBytes(len int) {
	if b.WritableBytes() < len {
		b.makeSpace(len)
	}
}

// Append copies data onto the writable region, growing the buffer if
// needed.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritableBytes(len(data))
	n := copy(b.buf[b.writerIndex:], data)
	b.writerIndex += n
}

// AppendString is a convenience wrapper around Append for string data.
func (b *Buffer) AppendString(s string) {
	b.Append([]byte(s))
}

// BeginWrite returns the writable region as a slice, for callers (such as
// ReadFd) that fill it directly before advancing the write cursor.
func (b *Buffer) BeginWrite() []byte {
	return b.buf[b.writerIndex:]
}

// HasWritten advances the write cursor after the caller has filled some of
// the slice returned by BeginWrite.
func (b *Buffer) HasWritten(n int) {
	b.writerIndex += n
}

func (b *Buffer) makeSpace(lenNeeded int) {
	if b.WritableBytes()+b.PrependableBytes()-cheapPrepend < lenNeeded {
		grown := make([]byte, b.writerIndex+lenNeeded)
		copy(grown, b.buf)
		b.buf = grown
	} else {
		readable := b.ReadableBytes()
		copy(b.buf[cheapPrepend:], b.buf[b.readerIndex:b.writerIndex])
		b.readerIndex = cheapPrepend
		b.writerIndex = b.readerIndex + readable
	}
}

// WriteFd writes up to ReadableBytes from the front of the readable region
// to fd and retires what was written. On error it returns the error
// unchanged and leaves the readable region untouched, so the caller can
// retry the remainder; the original's write_to_fd zeroes the caller's
// errno on error instead of leaving it set, which looks unintentional —
// this follows the clearly-intended behavior instead.
func (b *Buffer) WriteFd(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		return 0, err
	}
	b.Retrieve(n)
	return n, nil
}

// ReadFd reads from fd into the buffer, using a 64KiB stack-local scratch
// buffer as a second scatter target so a single read can absorb more than
// the buffer's current writable capacity without an up-front grow. This
// mirrors the readv-based trick muduo's Buffer::readFd uses: most reads fit
// in the buffer directly, and the rare large read spills into extrabuf and
// is appended in a second pass.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var extrabuf [65536]byte

	writable := b.WritableBytes()
	iovs := [][]byte{b.buf[b.writerIndex:]}
	if writable < len(extrabuf) {
		iovs = append(iovs, extrabuf[:])
	}

	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return 0, err
	}
	if n <= writable {
		b.writerIndex += n
	} else {
		b.writerIndex = len(b.buf)
		b.Append(extrabuf[:n-writable])
	}
	return n, nil
}
