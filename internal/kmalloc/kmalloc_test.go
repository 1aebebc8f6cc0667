package kmalloc

import (
	"math/rand"
	"testing"

	"nucleus/internal/defs"
)

func TestRoundTripFreesEverything(t *testing.T) {
	a := New(make([]byte, 1<<20), true)
	r := rand.New(rand.NewSource(1))

	var ptrs []int
	for i := 0; i < 200; i++ {
		sz := 1 + r.Intn(512)
		p, err := a.Kmalloc(sz, false, false)
		if err != 0 {
			t.Fatalf("alloc %d: %v", i, err)
		}
		ptrs = append(ptrs, p)
	}

	free, noAdj := a.WalkFooterChain()
	if free != a.FreeListLen() {
		t.Fatalf("free-list length %d != footer-chain free count %d", a.FreeListLen(), free)
	}
	if !noAdj {
		t.Fatalf("adjacent free blocks found mid-run")
	}

	for _, p := range ptrs {
		if err := a.Kfree(p); err != 0 {
			t.Fatalf("free %#x: %v", p, err)
		}
	}

	free, noAdj = a.WalkFooterChain()
	if !noAdj {
		t.Fatalf("adjacent FREE blocks survived a full free")
	}
	if free != a.FreeListLen() {
		t.Fatalf("free-list length mismatch after full free: %d vs %d", a.FreeListLen(), free)
	}
	if free != 1 {
		t.Fatalf("expected full coalesce into one free block, got %d", free)
	}
}

func TestAlignedAllocIsPageAligned(t *testing.T) {
	a := New(make([]byte, 1<<16), false)
	// force a misaligned high-water mark first
	a.Kmalloc(3, false, false)
	p, err := a.Kmalloc(64, true, false)
	if err != 0 {
		t.Fatalf("aligned alloc: %v", err)
	}
	if p%defs.PGSIZE != 0 {
		t.Fatalf("pointer %#x not page aligned", p)
	}
}

func TestDoubleFreeRejected(t *testing.T) {
	a := New(make([]byte, 4096), false)
	p, _ := a.Kmalloc(16, false, false)
	if err := a.Kfree(p); err != 0 {
		t.Fatalf("first free: %v", err)
	}
	if err := a.Kfree(p); err == 0 {
		t.Fatalf("double free should be rejected")
	}
}

func TestZeroFillsContent(t *testing.T) {
	a := New(make([]byte, 4096), false)
	p, _ := a.Kmalloc(32, false, false)
	a.Kfree(p)
	p2, err := a.Kmalloc(32, false, true)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	for i := 0; i < 32; i++ {
		if a.mem[p2+i] != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
}

func TestHighWaterMarkGrowthIsBounded(t *testing.T) {
	a := New(make([]byte, 1<<20), false)
	// warm the arena: leave one freed 64-byte block for the loop to reuse
	warm, _ := a.Kmalloc(64, false, false)
	a.Kfree(warm)
	first := a.AllocEnd()
	for i := 0; i < 10000; i++ {
		p, err := a.Kmalloc(64, false, false)
		if err != 0 {
			t.Fatalf("alloc %d: %v", i, err)
		}
		a.Kfree(p)
	}
	if a.AllocEnd() != first {
		t.Fatalf("alloc_end grew from repeated alloc/free pairs: %d -> %d", first, a.AllocEnd())
	}
}
