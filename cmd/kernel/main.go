// Command kernel is the boot entry point: it wires together every
// subsystem package into a running system and loads an init program from
// an ext2 disk image, the hosted analogue of the assembly entry stub
// handing off to kernel_main (spec.md §4.1's boot sequence, steps 2-7).
//
// Grounded on mkfs.go's package-main shape (biscuit's src/mkfs/mkfs.go) — the
// closest teacher analogue to a host-run entry point, since nothing in the
// retrieved pack actually boots bare metal (spec.md §1 scopes multiboot
// parsing and early text output as external collaborators this module
// never implements).
package main

import (
	"fmt"
	"os"
	"time"

	"nucleus/internal/console"
	"nucleus/internal/defs"
	"nucleus/internal/diag"
	"nucleus/internal/elf"
	"nucleus/internal/ext2"
	"nucleus/internal/frame"
	"nucleus/internal/ide"
	"nucleus/internal/pit"
	"nucleus/internal/syscall"
	"nucleus/internal/task"
	"nucleus/internal/trap"
	"nucleus/internal/valloc"
	"nucleus/internal/vfs"
)

// Physical memory sizing for the hosted frame allocator: 8192 frames of
// 4 KiB each is 32 MiB, enough for a handful of tasks and their stacks
// (spec.md never pins an exact size; this mirrors the figure already used
// by internal/syscall's and internal/elf's own tests).
const totalFrames = 8192

// ext2BlockSize assumes the common default (log_block_size = 0, i.e. 1024
// B blocks); a superblock reporting a different block size would need a
// second ide.SectorBacked built after Mount's first bootstrap read, which
// this entry point does not attempt.
const ext2BlockSize = 1024

// timerPeriod is the hosted stand-in for the PIT's IRQ0 period (spec.md
// §4.6: PIT_RATE ticks/second); nothing drives a real timer interrupt in a
// hosted binary, so a time.Ticker plays that role.
const timerPeriod = time.Second / pit.Rate

// noopPIC satisfies trap.PIC: EOI is a port-I/O side effect with nothing
// to observe in a hosted binary (spec.md §1: PIC programming is an
// external collaborator).
type noopPIC struct{}

func (noopPIC) EOIMaster() {}
func (noopPIC) EOISlave()  {}

// fileReader adapts an open vfs inode, read through a mount's Callbacks,
// into elf.FileReader.
type fileReader struct {
	cb    *vfs.Callbacks
	inode uint32
}

func (f fileReader) ReadAt(offset int64, buf []byte) (int, defs.Err_t) {
	if f.cb.Read == nil {
		return 0, defs.ENOSYS
	}
	return f.cb.Read(f.inode, offset, buf)
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: kernel <disk-image> <init-path> [argv...]\n")
		os.Exit(1)
	}
	diskImage := os.Args[1]
	initPath := os.Args[2]
	argv := append([]string{initPath}, os.Args[3:]...)

	fa := frame.New(0, totalFrames)
	mem := frame.NewMemory(totalFrames)
	pool := valloc.NewRangePool()
	pool.MarkKmallocReady()

	kernelCtx, err := valloc.NewContext(fa, mem, pool, nil)
	if err != 0 {
		fatalf("kernel address space: %v", err)
	}

	disk, err := ide.OpenFileBackend(diskImage, false)
	if err != 0 {
		fatalf("open disk image %s: %v", diskImage, err)
	}
	defer disk.Close()
	blocks := ide.NewSectorBacked(disk, ext2BlockSize)

	fs, err := ext2.Mount(blocks)
	if err != 0 {
		fatalf("mount root filesystem: %v", err)
	}

	rootCallbacks := fs.VFSCallbacks()
	mounts := vfs.NewTable()
	mounts.Register(&vfs.Mount{Path: "/", FSName: "ext2", DevicePath: diskImage, Callbacks: rootCallbacks, Instance: fs})

	con := console.NewStdConsole(os.Stdout, os.Stdin)
	consoleMount := console.NewMount(con)
	mounts.Register(consoleMount)

	sched := task.NewScheduler()
	taskTable := map[task.Pid]*task.Task{}
	lookup := func(pid task.Pid) *task.Task { return taskTable[pid] }

	dispatcher := syscall.New(mounts, fa, mem, pool, lookup)
	dispatcher.Sched = sched

	clock := pit.NewClock()
	recorder := diag.NewRecorder(256)

	pic := noopPIC{}
	faultFn := func(vector int, state *trap.CPUState) {
		diag.Panic("unhandled fault", vector, state, nil)
	}
	traps := trap.New(pic, faultFn)
	traps.Register(trap.SyscallVector, func(state *trap.CPUState) {
		cur := sched.Current()
		if cur == nil {
			return
		}
		dispatcher.Dispatch(cur)
	})

	initTask, err := task.New(nil, fa, mem, pool, kernelCtx, consoleMount)
	if err != 0 {
		fatalf("create init task: %v", err)
	}
	taskTable[initTask.Pid] = initTask

	inode, err := fs.Open(initPath)
	if err != 0 {
		fatalf("open init program %s: %v", initPath, err)
	}
	if _, err := elf.Load(fileReader{cb: rootCallbacks, inode: inode}, initTask, argv, nil); err != 0 {
		fatalf("load init program: %v", err)
	}
	initTask.BinaryPath = initPath
	sched.Add(initTask)

	fmt.Printf("nucleus: mounted %s, init pid %d entry %#x\n", diskImage, initTask.Pid, initTask.Entry)

	// Drive the scheduler with simulated timer ticks (spec.md §4.7's
	// round-robin loop) until no task is left to run (every task has exited
	// or is blocked). There is no real CPU
	// to execute user code in a hosted binary, so this loop only exercises
	// the scheduling and accounting machinery, not instruction execution.
	ticker := time.NewTicker(timerPeriod)
	defer ticker.Stop()
	for range ticker.C {
		clock.Advance()
		cur := sched.Tick()
		if cur == nil {
			break
		}
		recorder.Record(int(cur.Pid), uint64(cur.CPU.EIP))
	}

	fmt.Printf("nucleus: init (pid %d) exited with code %d\n", initTask.Pid, initTask.ExitCode)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "nucleus: "+format+"\n", args...)
	os.Exit(1)
}
