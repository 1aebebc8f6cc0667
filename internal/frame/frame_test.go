package frame

import (
	"testing"

	"nucleus/internal/defs"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	a := New(0, 64)
	var got []Frame
	for i := 0; i < 64; i++ {
		f, err := a.Alloc()
		if err != 0 {
			t.Fatalf("alloc %d: %v", i, err)
		}
		got = append(got, f)
	}
	if _, err := a.Alloc(); err == 0 {
		t.Fatalf("expected ENOMEM once exhausted")
	}
	for _, f := range got {
		if !a.Free(f) {
			t.Fatalf("free %d failed", f)
		}
	}
	st := a.Stats()
	if st.Free != st.Total {
		t.Fatalf("bitmap not back to all-clear: free=%d total=%d", st.Free, st.Total)
	}
}

func TestNoDoubleAllocWithoutFree(t *testing.T) {
	a := New(0, 4)
	seen := map[Frame]bool{}
	for i := 0; i < 4; i++ {
		f, err := a.Alloc()
		if err != 0 {
			t.Fatalf("alloc: %v", err)
		}
		if seen[f] {
			t.Fatalf("frame %d handed out twice", f)
		}
		seen[f] = true
	}
}

func TestFreeUnallocatedDoesNotCorrupt(t *testing.T) {
	a := New(0, 4)
	if a.Free(2) {
		t.Fatalf("freeing a never-allocated frame should report false")
	}
	f, err := a.Alloc()
	if err != 0 || f != 0 {
		t.Fatalf("allocator state corrupted after bogus free: f=%d err=%v", f, err)
	}
}

func TestNotifyOOMFiresOnExhaustion(t *testing.T) {
	a := New(0, 1)
	ch := make(chan OOMMsg, 1)
	a.NotifyOOM(ch)

	if _, err := a.Alloc(); err != 0 {
		t.Fatalf("first alloc: %v", err)
	}
	if _, err := a.Alloc(); err != defs.ENOMEM {
		t.Fatalf("second alloc err = %v, want ENOMEM", err)
	}

	select {
	case msg := <-ch:
		if msg.Need != 1 {
			t.Fatalf("OOMMsg.Need = %d, want 1", msg.Need)
		}
	default:
		t.Fatalf("expected an OOM notification")
	}
}

func TestNotifyOOMDoesNotBlockAllocWhenChannelFull(t *testing.T) {
	a := New(0, 1)
	ch := make(chan OOMMsg) // unbuffered, never drained
	a.NotifyOOM(ch)

	if _, err := a.Alloc(); err != 0 {
		t.Fatalf("first alloc: %v", err)
	}
	if _, err := a.Alloc(); err != defs.ENOMEM {
		t.Fatalf("second alloc err = %v, want ENOMEM", err)
	}
}
