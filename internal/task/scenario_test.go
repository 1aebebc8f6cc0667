package task

import (
	"testing"

	"nucleus/internal/console"
	"nucleus/internal/frame"
	"nucleus/internal/valloc"
	"nucleus/internal/vfs"
)

// TestBootScenario3WriteOkToConsoleThenExit exercises spec.md §8 end-to-end
// scenario 3 ("Build an ELF32 that writes 'ok' to fd 1 and exits ... boot
// produces 'ok' on the console and the task transitions to TERMINATED with
// exit code 0") at the task level: the ELF loader and scheduler trace are
// covered elsewhere (internal/elf, cmd/kernel), so what's exercised here is
// the part spec.md actually specifies at this layer — fd 1 resolving to the
// console mount task.New provisions, and Exit recording the terminal state
// a waiting parent (or boot loop) observes.
func TestBootScenario3WriteOkToConsoleThenExit(t *testing.T) {
	fa := frame.New(0, 4096)
	mem := frame.NewMemory(4096)
	pool := valloc.NewRangePool()
	pool.MarkKmallocReady()

	kernelCtx, err := valloc.NewContext(fa, mem, pool, nil)
	if err != 0 {
		t.Fatalf("kernel context: %v", err)
	}

	fake := &console.Fake{}
	mount := console.NewMount(fake)

	init, err := New(nil, fa, mem, pool, kernelCtx, mount)
	if err != 0 {
		t.Fatalf("new init task: %v", err)
	}

	f, ok := init.Fds.Get(1)
	if !ok {
		t.Fatalf("fd 1 not provisioned")
	}
	if f.Mount != mount || f.Type != vfs.TypeDev {
		t.Fatalf("fd 1 does not point at the console mount")
	}
	n, werr := f.Mount.Callbacks.Write(f.Inode, 0, []byte("ok"))
	if werr != 0 || n != 2 {
		t.Fatalf("write ok: n=%d err=%v", n, werr)
	}
	if string(fake.Written) != "ok" {
		t.Fatalf("console got %q, want %q", fake.Written, "ok")
	}

	init.Exit(0)
	if init.State != TERMINATED {
		t.Fatalf("state = %v, want TERMINATED", init.State)
	}
	if init.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", init.ExitCode)
	}
}
