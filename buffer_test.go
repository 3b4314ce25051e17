package reactor

import (
	"bytes"
	"os"
	"testing"
)

func TestBufferRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "hello, world", string(bytes.Repeat([]byte("x"), 100000))} {
		b := NewBuffer()
		b.AppendString(s)
		got := b.RetrieveString(len(s))
		if got != s {
			t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(s))
		}
		if b.ReadableBytes() != 0 {
			t.Fatalf("buffer not empty after full retrieve: %d bytes remain", b.ReadableBytes())
		}
		if b.PrependableBytes() != cheapPrepend {
			t.Fatalf("prependable = %d, want %d after drain", b.PrependableBytes(), cheapPrepend)
		}
	}
}

func TestBufferCapacityLaw(t *testing.T) {
	b := NewBuffer()
	prevCap := len(b.buf)
	ops := []struct {
		appendLen   int
		retrieveLen int
	}{
		{10, 0}, {2000, 5}, {0, 1000}, {50, 0}, {1, 1},
	}
	for _, op := range ops {
		if op.appendLen > 0 {
			b.Append(bytes.Repeat([]byte{'z'}, op.appendLen))
		}
		if op.retrieveLen > 0 && op.retrieveLen <= b.ReadableBytes() {
			b.Retrieve(op.retrieveLen)
		}
		if !(cheapPrepend <= b.readerIndex && b.readerIndex <= b.writerIndex && b.writerIndex <= len(b.buf)) {
			t.Fatalf("invariant broken: prepend=%d r=%d w=%d cap=%d", cheapPrepend, b.readerIndex, b.writerIndex, len(b.buf))
		}
		if len(b.buf) < prevCap {
			t.Fatalf("capacity shrank from %d to %d", prevCap, len(b.buf))
		}
		prevCap = len(b.buf)
	}
}

func TestBufferRetrieveAllAsString(t *testing.T) {
	b := NewBuffer()
	b.AppendString("abcdef")
	if got := b.RetrieveAllString(); got != "abcdef" {
		t.Fatalf("RetrieveAllString() = %q, want abcdef", got)
	}
	if b.ReadableBytes() != 0 {
		t.Fatalf("expected empty buffer, got %d readable bytes", b.ReadableBytes())
	}
}

func TestBufferRetrievePartial(t *testing.T) {
	b := NewBuffer()
	b.AppendString("abcdef")
	b.Retrieve(3)
	if got := b.RetrieveAllString(); got != "def" {
		t.Fatalf("RetrieveAllString() = %q, want def", got)
	}
}

func TestBufferGrowBeyondInitialCapacity(t *testing.T) {
	b := NewBuffer()
	big := bytes.Repeat([]byte("q"), initialSize*4)
	b.Append(big)
	if b.ReadableBytes() != len(big) {
		t.Fatalf("ReadableBytes() = %d, want %d", b.ReadableBytes(), len(big))
	}
	if !bytes.Equal(b.Peek(), big) {
		t.Fatal("peeked content does not match appended content")
	}
}

func TestBufferWriteFdRetiresWrittenBytes(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	b := NewBuffer()
	b.AppendString("hello, world")

	n, err := b.WriteFd(int(w.Fd()))
	if err != nil {
		t.Fatalf("WriteFd: %v", err)
	}
	if n != len("hello, world") {
		t.Fatalf("wrote %d bytes, want %d", n, len("hello, world"))
	}
	if b.ReadableBytes() != 0 {
		t.Fatalf("buffer still has %d readable bytes after full write", b.ReadableBytes())
	}

	got := make([]byte, n)
	if _, err := r.Read(got); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "hello, world" {
		t.Fatalf("read back %q, want %q", got, "hello, world")
	}
}

func TestBufferRetrieveOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic retrieving more than readable bytes")
		}
	}()
	b := NewBuffer()
	b.AppendString("ab")
	b.RetrieveString(10)
}
