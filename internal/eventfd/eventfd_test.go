package eventfd

import "testing"

func TestNew(t *testing.T) {
	efd, err := New()
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer efd.Close()

	if efd.Fd() < 0 {
		t.Fatalf("invalid fd %d", efd.Fd())
	}
}

func TestReadWriteEvent(t *testing.T) {
	efd, err := New()
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer efd.Close()

	const want uint64 = 0x78
	if err := efd.WriteEvent(want); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	got, err := efd.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if got != want {
		t.Errorf("ReadEvent() = %#x, want %#x", got, want)
	}
}

func BenchmarkReadWriteEvent(b *testing.B) {
	const event = 15
	efd, err := New()
	if err != nil {
		b.Fatal(err)
	}
	defer efd.Close()

	for i := 0; i < b.N; i++ {
		if err := efd.WriteEvent(event); err != nil {
			b.Fatal(err)
		}
		val, err := efd.ReadEvent()
		if err != nil {
			b.Fatal(err)
		} else if val != event {
			b.Fatal("value mismatch")
		}
	}
}
