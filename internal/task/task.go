// Package task implements the task/scheduler model: lifecycle
// (task_new/task_fork/task_exit), per-task memory-region bookkeeping, the
// SysV i386 initial-stack layout, and a round-robin scheduler (spec.md
// §4.7).
//
// Grounded on biscuit's src/tinfo/tinfo.go's Tnote_t (state flags, the
// kill/doom bookkeeping) and biscuit's src/accnt/accnt.go's Accnt_t (embedded
// mutex guarding a snapshot-able struct). tinfo.Current/SetCurrent rely on
// a patched runtime.Gptr/Setgptr goroutine-local slot that only exists in
// biscuit's forked toolchain; a hosted module has no such hook, so the
// "current task" is instead passed explicitly by the scheduler rather than
// fetched from thread-local storage — ordinary Go style, not a goroutine-
// local pointer trick.
package task

import (
	"sync"

	"nucleus/internal/console"
	"nucleus/internal/defs"
	"nucleus/internal/frame"
	"nucleus/internal/trap"
	"nucleus/internal/valloc"
	"nucleus/internal/vfs"
)

// State is a task's scheduling state (spec.md §3).
type State int

const (
	RUNNING State = iota
	READY
	STOPPED
	BLOCKED
	TERMINATED
)

// Section tags a memory region by purpose (spec.md §3).
type Section int

const (
	CODE Section = iota
	DATA
	STACK
	HEAP
)

// RegionFlags is the per-region bit set from spec.md §3: "flags {FORK_COPY,
// FREE_ON_EXIT}".
type RegionFlags uint32

const (
	FORK_COPY RegionFlags = 1 << iota
	FREE_ON_EXIT
)

// MemRegion records one allocation attributable to a task (spec.md §3:
// "memory_regions is a list describing each allocation attributable to the
// task"). The underlying valloc.Range is what actually owns the virtual
// and physical memory; MemRegion is the task-level annotation of what that
// range is for and whether it survives fork/exit.
type MemRegion struct {
	Section Section
	Flags   RegionFlags
	Range   *valloc.Range
}

// Conventional x86-32 user-mode segment selectors (RPL 3) and the
// EFLAGS.IF bit. Segmentation/GDT setup is out of this module's scope
// (spec.md §1 treats the boot/GDT as an external collaborator); these are
// the values task_set_initial_state would load into cs/ds and eflags.
const (
	userCS  = 0x1B
	userDS  = 0x23
	eflagIF = 0x200
)

// Pid is a task identifier (spec.md §3).
type Pid int32

// Task is one schedulable unit (spec.md §3).
type Task struct {
	Pid        Pid
	Parent     *Task
	State      State
	CPU        trap.CPUState
	Valloc     *valloc.Context
	Regions    []*MemRegion
	Fds        *vfs.FdTable
	Cwd        *vfs.Cwd
	BinaryPath string
	Entry      uint32
	Sbrk       uint32
	ExitCode   int
	Errno      defs.Err_t // set by the syscall dispatcher on a failed call

	mu        sync.Mutex
	children  []*Task
	waiters   []chan *Task // blocked waitpid callers; woken on Exit
	kernelCtx *valloc.Context
}

var pidCounter struct {
	mu   sync.Mutex
	next Pid
}

func allocPid() Pid {
	pidCounter.mu.Lock()
	defer pidCounter.mu.Unlock()
	pidCounter.next++
	return pidCounter.next
}

// New allocates a pid, a fresh valloc context, an empty fd table, and a
// zeroed cpu state (spec.md §4.7: "task_new(parent?) allocates a pid, a
// fresh valloc context, a kernel stack, an empty fd table ..., and a
// zeroed cpu state"). The kernel stack itself is a host goroutine stack in
// this hosted module, so there is no separate allocation for it here.
//
// consoleMount, if non-nil, provisions fd 0/1/2 bound to that mount (spec.md
// §4.8: "Standard descriptors 0, 1, 2 are provisioned for the first task by
// the kernel and point at the console"). Pass nil when the caller will
// populate the fd table some other way (Fork does, via its parent-fd
// snapshot, which already carries the parent's console fds along).
func New(parent *Task, fa *frame.Allocator, mem *frame.Memory, pool *valloc.RangePool, kernelCtx *valloc.Context, consoleMount *vfs.Mount) (*Task, defs.Err_t) {
	ctx, err := valloc.NewContext(fa, mem, pool, kernelCtx)
	if err != 0 {
		return nil, err
	}
	t := &Task{
		Pid:       allocPid(),
		Valloc:    ctx,
		Fds:       vfs.NewFdTable(),
		Cwd:       vfs.NewRootCwd(),
		State:     READY,
		Parent:    parent,
		kernelCtx: kernelCtx,
	}
	if consoleMount != nil {
		t.Fds.AllocFileno(console.File(consoleMount, vfs.FD_READ), 0)
		t.Fds.AllocFileno(console.File(consoleMount, vfs.FD_WRITE), 1)
		t.Fds.AllocFileno(console.File(consoleMount, vfs.FD_WRITE), 2)
	}
	if parent != nil {
		parent.mu.Lock()
		parent.children = append(parent.children, t)
		parent.mu.Unlock()
	}
	return t, 0
}

// AddMem records an ownership claim over r, tagged by section and
// lifecycle flags (spec.md §4.7: "task_add_mem(t, virt, phys, size,
// section, flags) records an ownership claim").
func (t *Task) AddMem(section Section, flags RegionFlags, r *valloc.Range) *MemRegion {
	m := &MemRegion{Section: section, Flags: flags, Range: r}
	t.Regions = append(t.Regions, m)
	return m
}

// PushUserStack lays out argc, argv[], envp[] on the user stack below top,
// per the SysV i386 convention, and returns the resulting stack pointer
// (spec.md §4.7: "task_set_initial_state(t) initializes user stack with
// argc, argv[], envp[] per the SysV i386 convention").
func PushUserStack(ctx *valloc.Context, top uint32, argv, envp []string) uint32 {
	sp := top
	writeStr := func(s string) uint32 {
		sp -= uint32(len(s) + 1)
		for i := 0; i < len(s); i++ {
			ctx.WriteByte(sp+uint32(i), s[i])
		}
		ctx.WriteByte(sp+uint32(len(s)), 0)
		return sp
	}

	argvPtrs := make([]uint32, len(argv))
	for i, s := range argv {
		argvPtrs[i] = writeStr(s)
	}
	envpPtrs := make([]uint32, len(envp))
	for i, s := range envp {
		envpPtrs[i] = writeStr(s)
	}

	sp &^= 3 // word-align before the pointer tables

	writeWord := func(v uint32) {
		sp -= 4
		for i := 0; i < 4; i++ {
			ctx.WriteByte(sp+uint32(i), byte(v>>(8*uint(i))))
		}
	}

	writeWord(0) // envp NULL terminator
	for i := len(envpPtrs) - 1; i >= 0; i-- {
		writeWord(envpPtrs[i])
	}
	writeWord(0) // argv NULL terminator
	for i := len(argvPtrs) - 1; i >= 0; i-- {
		writeWord(argvPtrs[i])
	}
	writeWord(uint32(len(argv))) // argc

	return sp
}

// SetInitialState sets cpu_state.eip/esp, selects user cs/ds, and enables
// interrupts in eflags (spec.md §4.7).
func (t *Task) SetInitialState(entry uint32, stackTop uint32, argv, envp []string) {
	sp := PushUserStack(t.Valloc, stackTop, argv, envp)
	t.Entry = entry
	t.CPU.EIP = entry
	t.CPU.ESP = sp
	t.CPU.CS = userCS
	t.CPU.DS = userDS
	t.CPU.EFLAGS = eflagIF
}

// Fork creates a child of t: a fresh valloc context into which every
// FORK_COPY region is duplicated (fresh frames, contents copied byte for
// byte), a dup'd fd table, and saved_state inherited with the return
// register set to 0 in the child (spec.md §4.7: "task_fork(parent,
// saved_state) creates a child with ... EAX set to 0 in the child and to
// the child pid in the parent").
func (t *Task) Fork(fa *frame.Allocator, mem *frame.Memory, pool *valloc.RangePool) (*Task, defs.Err_t) {
	// consoleMount is nil here: the fd-table snapshot loop below already
	// duplicates every fd the parent has open, fd 0/1/2 included, so a
	// second console provisioning would only collide with those slots.
	child, err := New(t, fa, mem, pool, t.kernelCtx, nil)
	if err != 0 {
		return nil, err
	}
	child.BinaryPath = t.BinaryPath
	child.Sbrk = t.Sbrk
	child.CPU = t.CPU

	for _, region := range t.Regions {
		if region.Flags&FORK_COPY == 0 {
			continue
		}
		r := region.Range
		sizePages := r.Size / defs.PGSIZE
		virt := r.Virt
		newRange, err := child.Valloc.Valloc(sizePages, &virt, nil, r.Flags)
		if err != 0 {
			return nil, err
		}
		for off := uint32(0); off < r.Size; off++ {
			b, ok := t.Valloc.ReadByte(r.Virt + off)
			if !ok {
				continue
			}
			child.Valloc.WriteByte(newRange.Virt+off, b)
		}
		child.AddMem(region.Section, region.Flags, newRange)
	}

	for fd, f := range t.Fds.Snapshot() {
		nf := *f
		child.Fds.AllocFileno(&nf, fd)
	}

	child.CPU.EAX = 0
	t.CPU.EAX = uint32(child.Pid)
	return child, 0
}

// Exit transitions t to TERMINATED, closes every still-open descriptor
// (spec.md §3: a vfs_file_t is "destroyed on close or task exit" — a pipe
// end left open past exit must still run its close path so the other end
// observes BadFd/EPIPE rather than hanging forever), frees every
// FREE_ON_EXIT region, tears down the valloc context, and wakes any task
// blocked in Wait (spec.md §4.7: "task_exit(code) transitions to
// TERMINATED, frees all FREE_ON_EXIT regions, tears down the valloc
// context, notifies parent").
func (t *Task) Exit(code int) {
	t.mu.Lock()
	t.State = TERMINATED
	t.ExitCode = code
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	for _, f := range t.Fds.CloseAll() {
		if f.Mount != nil && f.Mount.Callbacks != nil && f.Mount.Callbacks.Close != nil {
			f.Mount.Callbacks.Close(f.Inode)
		}
	}

	for _, region := range t.Regions {
		if region.Flags&FREE_ON_EXIT != 0 {
			t.Valloc.Vfree(region.Range)
		}
	}
	t.Valloc.Dir.RmContext()

	for _, w := range waiters {
		w <- t
		close(w)
	}
}

// Wait blocks until child terminates, returning its exit code. This
// replaces the kernel's hlt-spin on the child's state with an explicit
// wait channel (spec.md §9 Design Notes: "Replace the while(condition)
// halt(); idiom with explicit blocking primitives").
func (t *Task) Wait(child *Task) (int, defs.Err_t) {
	child.mu.Lock()
	if child.State == TERMINATED {
		code := child.ExitCode
		child.mu.Unlock()
		return code, 0
	}
	ch := make(chan *Task, 1)
	child.waiters = append(child.waiters, ch)
	child.mu.Unlock()

	<-ch
	return child.ExitCode, 0
}
