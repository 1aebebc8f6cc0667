package valloc

import (
	"testing"

	"nucleus/internal/defs"
	"nucleus/internal/frame"
)

func newTestContext(t *testing.T) (*Context, *frame.Allocator, *frame.Memory) {
	t.Helper()
	fa := frame.New(0, 4096)
	mem := frame.NewMemory(4096)
	pool := NewRangePool()
	ctx, err := NewContext(fa, mem, pool, nil)
	if err != 0 {
		t.Fatalf("NewContext: %v", err)
	}
	return ctx, fa, mem
}

func TestVallocBitmapInvariant(t *testing.T) {
	ctx, _, _ := newTestContext(t)
	r, err := ctx.Valloc(4, nil, nil, READ_WRITE)
	if err != 0 {
		t.Fatalf("Valloc: %v", err)
	}
	if r.Size != 4*defs.PGSIZE {
		t.Fatalf("size = %d, want %d", r.Size, 4*defs.PGSIZE)
	}
	startPage := r.Virt / defs.PGSIZE
	for i := uint32(0); i < 4; i++ {
		if !ctx.BitSet(startPage + i) {
			t.Fatalf("bit %d not set after Valloc", startPage+i)
		}
	}
	ctx.Vfree(r)
	for i := uint32(0); i < 4; i++ {
		if ctx.BitSet(startPage + i) {
			t.Fatalf("bit %d still set after Vfree", startPage+i)
		}
	}
}

func TestVmapByteEquality(t *testing.T) {
	// vmap shares physical frames, so both contexts sit on one frame
	// allocator and one Memory, as every task's context does.
	src, fa, mem := newTestContext(t)
	dst, err := NewContext(fa, mem, NewRangePool(), nil)
	if err != 0 {
		t.Fatalf("dst NewContext: %v", err)
	}

	sr, err := src.Valloc(1, nil, nil, READ_WRITE|USER)
	if err != 0 {
		t.Fatalf("src Valloc: %v", err)
	}
	for i := uint32(0); i < 16; i++ {
		src.WriteByte(sr.Virt+i, byte(i+1))
	}

	dstVirt, err := dst.Vmap(src, sr.Virt, 16, READ_WRITE)
	if err != 0 {
		t.Fatalf("Vmap: %v", err)
	}
	for i := uint32(0); i < 16; i++ {
		got, ok := dst.ReadByte(dstVirt + i)
		if !ok {
			t.Fatalf("byte %d not readable in dst", i)
		}
		want, _ := src.ReadByte(sr.Virt + i)
		if got != want {
			t.Fatalf("byte %d: dst=%d src=%d", i, got, want)
		}
	}
}

func TestVmapRejectsShardOfShard(t *testing.T) {
	a, _, _ := newTestContext(t)
	b, _, _ := newTestContext(t)
	c, _, _ := newTestContext(t)

	sr, _ := a.Valloc(1, nil, nil, READ_WRITE)
	_, err := b.Vmap(a, sr.Virt, defs.PGSIZE, READ_WRITE)
	if err != 0 {
		t.Fatalf("first vmap: %v", err)
	}
	// b's range is now a shard; mapping it again into c must fail.
	if _, err := c.Vmap(b, 0, defs.PGSIZE, READ_WRITE); err == 0 {
		t.Fatalf("expected shard-of-shard rejection")
	}
}

func TestForkCopyIsolation(t *testing.T) {
	// Simulates the fork-copy semantics from spec.md §8: a FORK_COPY page
	// duplicated into a child must not alias the parent's frame.
	parent, fa, mem := newTestContext(t)
	r, _ := parent.Valloc(1, nil, nil, READ_WRITE)
	parent.WriteByte(r.Virt, 0x41)

	// Duplicate: allocate a fresh frame for the child and copy contents,
	// exactly what task.Fork does per-region.
	childFrame, err := fa.AllocContig(1)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	copy(mem.Bytes(childFrame), mem.Bytes(r.Phys))

	child, err := NewContext(fa, mem, NewRangePool(), nil)
	if err != 0 {
		t.Fatalf("child NewContext: %v", err)
	}
	cr, err := child.Valloc(1, &r.Virt, &childFrame, READ_WRITE)
	if err != 0 {
		t.Fatalf("child Valloc: %v", err)
	}

	child.WriteByte(cr.Virt, 0x42)
	pb, _ := parent.ReadByte(r.Virt)
	cb, _ := child.ReadByte(cr.Virt)
	if pb != 0x41 {
		t.Fatalf("parent byte mutated: %#x", pb)
	}
	if cb != 0x42 {
		t.Fatalf("child byte wrong: %#x", cb)
	}
}

func TestRangePoolExhaustionPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on pool exhaustion")
		}
	}()
	fa := frame.New(0, 8192)
	mem := frame.NewMemory(8192)
	pool := NewRangePool()
	ctx, _ := NewContext(fa, mem, pool, nil)
	for i := 0; i < 51; i++ {
		ctx.Valloc(1, nil, nil, READ_WRITE)
	}
}
