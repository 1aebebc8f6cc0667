package pipe

import (
	"testing"
	"time"

	"nucleus/internal/defs"
)

func TestFIFOOrderingAcrossMultipleWrites(t *testing.T) {
	p := New()
	writes := [][]byte{[]byte("ab"), []byte("cd"), []byte("ef")}
	for _, w := range writes {
		if n, err := p.Write(w); err != 0 || n != len(w) {
			t.Fatalf("write %q: n=%d err=%v", w, n, err)
		}
	}
	got := make([]byte, 6)
	n, err := p.Read(got, false)
	if err != 0 || n != 6 {
		t.Fatalf("read: n=%d err=%v", n, err)
	}
	if string(got) != "abcdef" {
		t.Fatalf("got %q, want abcdef", got)
	}
}

func TestNonBlockingReadOnEmptyReturnsAgain(t *testing.T) {
	p := New()
	buf := make([]byte, 4)
	_, err := p.Read(buf, true)
	if err != defs.EAGAIN {
		t.Fatalf("err = %v, want EAGAIN", err)
	}
}

func TestBlockingReadWakesOnWrite(t *testing.T) {
	p := New()
	result := make(chan int, 1)
	go func() {
		buf := make([]byte, 3)
		n, _ := p.Read(buf, false)
		result <- n
	}()
	time.Sleep(10 * time.Millisecond) // give the reader time to block
	p.Write([]byte("abc"))

	select {
	case n := <-result:
		if n != 3 {
			t.Fatalf("read %d bytes, want 3", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocking read never woke up")
	}
}

func TestReadAfterWriterCloseReturnsBadFd(t *testing.T) {
	p := New()
	p.CloseWriter()
	buf := make([]byte, 4)
	_, err := p.Read(buf, false)
	if err != defs.EBADF {
		t.Fatalf("err = %v, want EBADF", err)
	}
}

func TestWriteOverCapacityFails(t *testing.T) {
	p := New()
	big := make([]byte, Capacity+1)
	_, err := p.Write(big)
	if err != defs.EFBIG {
		t.Fatalf("err = %v, want EFBIG", err)
	}
}

func TestWriteToClosedReaderReturnsEPIPE(t *testing.T) {
	p := New()
	p.CloseReader()
	_, err := p.Write([]byte("x"))
	if err != defs.EPIPE {
		t.Fatalf("err = %v, want EPIPE", err)
	}
}
