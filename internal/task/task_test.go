package task

import (
	"testing"

	"nucleus/internal/defs"
	"nucleus/internal/frame"
	"nucleus/internal/pipe"
	"nucleus/internal/valloc"
	"nucleus/internal/vfs"
)

func newTestTask(t *testing.T) (*Task, *frame.Allocator, *frame.Memory, *valloc.RangePool) {
	t.Helper()
	fa := frame.New(0, 4096)
	mem := frame.NewMemory(4096)
	pool := valloc.NewRangePool()
	pool.MarkKmallocReady()

	kernelCtx, err := valloc.NewContext(fa, mem, pool, nil)
	if err != 0 {
		t.Fatalf("kernel context: %v", err)
	}
	tsk, err := New(nil, fa, mem, pool, kernelCtx, nil)
	if err != 0 {
		t.Fatalf("new task: %v", err)
	}
	return tsk, fa, mem, pool
}

func TestNewTaskStartsReadyWithEmptyFdTable(t *testing.T) {
	tsk, _, _, _ := newTestTask(t)
	if tsk.State != READY {
		t.Fatalf("state = %v, want READY", tsk.State)
	}
	if _, ok := tsk.Fds.Get(0); ok {
		t.Fatalf("expected empty fd table")
	}
}

// TestExitClosesOpenPipeEnds confirms Exit runs a still-open pipe fd's
// Callbacks.Close (CloseReader here) rather than leaving the other end
// blocked/writable forever, matching fdTable's "destroyed on close or task
// exit" contract.
func TestExitClosesOpenPipeEnds(t *testing.T) {
	tsk, _, _, _ := newTestTask(t)

	p := pipe.New()
	mount := &vfs.Mount{Path: "\x00pipe", FSName: "pipe", Instance: p}
	mount.Callbacks = &vfs.Callbacks{
		Close: func(inode uint32) defs.Err_t {
			if inode == 0 {
				p.CloseReader()
			} else {
				p.CloseWriter()
			}
			return 0
		},
	}
	rf := &vfs.File{Inode: 0, Mount: mount, Type: vfs.TypePipe, Flags: vfs.FD_READ}
	tsk.Fds.AllocFileno(rf, 0)

	tsk.Exit(0)

	if _, err := p.Write([]byte("x")); err != defs.EPIPE {
		t.Fatalf("errno = %v, want EPIPE once Exit closes the reader end", err)
	}
}

func TestSetInitialStateLaysOutArgvEnvp(t *testing.T) {
	tsk, _, _, _ := newTestTask(t)
	const stackTop = 0x10000
	r, err := tsk.Valloc.Valloc(4, ptr32(uint32(stackTop-4*defs.PGSIZE)), nil, valloc.READ_WRITE|valloc.USER)
	if err != 0 {
		t.Fatalf("valloc stack: %v", err)
	}
	tsk.AddMem(STACK, FREE_ON_EXIT, r)

	tsk.SetInitialState(0x8048000, stackTop, []string{"init"}, []string{"HOME=/"})

	if tsk.CPU.EIP != 0x8048000 {
		t.Fatalf("eip = %#x", tsk.CPU.EIP)
	}
	if tsk.CPU.EFLAGS&eflagIF == 0 {
		t.Fatalf("expected EFLAGS.IF set")
	}
	if tsk.CPU.ESP == 0 || tsk.CPU.ESP >= stackTop {
		t.Fatalf("esp = %#x, want below stack top", tsk.CPU.ESP)
	}

	// argc is the first word at esp.
	argc := uint32(0)
	for i := 0; i < 4; i++ {
		b, ok := tsk.Valloc.ReadByte(tsk.CPU.ESP + uint32(i))
		if !ok {
			t.Fatalf("could not read argc byte %d", i)
		}
		argc |= uint32(b) << (8 * uint(i))
	}
	if argc != 1 {
		t.Fatalf("argc = %d, want 1", argc)
	}
}

func ptr32(v uint32) *uint32 { return &v }

func TestForkCopiesForkCopyRegionsAndIsolatesWrites(t *testing.T) {
	parent, fa, mem, pool := newTestTask(t)

	r, err := parent.Valloc.Valloc(1, nil, nil, valloc.READ_WRITE|valloc.USER|valloc.FREE_ON_RELEASE)
	if err != 0 {
		t.Fatalf("valloc: %v", err)
	}
	parent.AddMem(DATA, FORK_COPY|FREE_ON_EXIT, r)
	parent.Valloc.WriteByte(r.Virt, 0xAA)

	child, err := parent.Fork(fa, mem, pool)
	if err != 0 {
		t.Fatalf("fork: %v", err)
	}
	if child.CPU.EAX != 0 {
		t.Fatalf("child eax = %d, want 0", child.CPU.EAX)
	}
	if parent.CPU.EAX != uint32(child.Pid) {
		t.Fatalf("parent eax = %d, want child pid %d", parent.CPU.EAX, child.Pid)
	}

	if len(child.Regions) != 1 {
		t.Fatalf("expected 1 forked region, got %d", len(child.Regions))
	}
	b, ok := child.Valloc.ReadByte(child.Regions[0].Range.Virt)
	if !ok || b != 0xAA {
		t.Fatalf("child did not inherit parent's byte, got %v ok=%v", b, ok)
	}

	// Writing in the child must not affect the parent (Fork copy isolation,
	// spec.md §8).
	child.Valloc.WriteByte(child.Regions[0].Range.Virt, 0xBB)
	pb, _ := parent.Valloc.ReadByte(r.Virt)
	if pb != 0xAA {
		t.Fatalf("parent byte changed to %v after child write", pb)
	}
}

func TestExitFreesFreeOnExitRegionsAndWakesWaiter(t *testing.T) {
	parent, fa, mem, pool := newTestTask(t)
	child, err := New(parent, fa, mem, pool, parent.Valloc, nil)
	if err != 0 {
		t.Fatalf("new child: %v", err)
	}
	r, err := child.Valloc.Valloc(1, nil, nil, valloc.READ_WRITE|valloc.USER|valloc.FREE_ON_RELEASE)
	if err != 0 {
		t.Fatalf("valloc: %v", err)
	}
	child.AddMem(DATA, FREE_ON_EXIT, r)

	done := make(chan int, 1)
	go func() {
		code, _ := parent.Wait(child)
		done <- code
	}()

	child.Exit(42)

	if got := <-done; got != 42 {
		t.Fatalf("exit code = %d, want 42", got)
	}
	if child.State != TERMINATED {
		t.Fatalf("state = %v, want TERMINATED", child.State)
	}
	if _, ok := child.Valloc.Lookup(r.Virt); ok {
		t.Fatalf("FREE_ON_EXIT region still mapped after Exit")
	}
}

func TestSchedulerRoundRobin(t *testing.T) {
	s := NewScheduler()
	a := &Task{Pid: 1}
	b := &Task{Pid: 2}
	s.Add(a)
	s.Add(b)

	first := s.Tick()
	if first != a {
		t.Fatalf("expected task a first")
	}
	second := s.Tick()
	if second != b {
		t.Fatalf("expected task b second (a requeued behind b)")
	}
	third := s.Tick()
	if third != a {
		t.Fatalf("expected task a third (round-robin wrap)")
	}
}

func TestSchedulerIdleWhenNoneReady(t *testing.T) {
	s := NewScheduler()
	if got := s.Tick(); got != nil {
		t.Fatalf("expected nil (idle), got %v", got)
	}
}

func TestSchedulerBlockedTaskNotRequeued(t *testing.T) {
	s := NewScheduler()
	a := &Task{Pid: 1}
	s.Add(a)
	s.Tick() // a becomes RUNNING
	s.Block(a)
	if got := s.Tick(); got != nil {
		t.Fatalf("expected idle after blocking the only task, got %v", got)
	}
	s.Wake(a)
	if got := s.Tick(); got != a {
		t.Fatalf("expected a to run again after Wake")
	}
}
