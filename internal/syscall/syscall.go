// Package syscall implements the trap-gated syscall dispatch table:
// reading the call number and argument registers off a task's saved cpu
// state, validating user pointers before dereference, and routing to the
// core syscall set (spec.md §4.12, ABI per spec.md §6).
//
// Grounded on trap.Dispatcher's {vector -> handler} table (internal/trap),
// generalized here to {syscall number -> handler}, per the Design Note's
// "table-driven registry replaces SYSCALL_HANDLER(name) macros." Argument
// and path handling follow fd.Fd_t/fd.Cwd_t (biscuit's src/fd/fd.go): open
// resolves a cwd-relative path to a mount + inode, fork/exit/waitpid defer
// to internal/task, and pipe/ioctl defer to internal/pipe and a mount's
// vfs.Callbacks.
package syscall

import (
	"nucleus/internal/defs"
	"nucleus/internal/elf"
	"nucleus/internal/frame"
	"nucleus/internal/pipe"
	"nucleus/internal/task"
	"nucleus/internal/valloc"
	"nucleus/internal/vfs"
)

// Handler services one syscall number. It reads whatever argument
// registers it needs from t.CPU and returns the value to place in eax, or
// a nonzero error (spec.md §6: "Return value in eax; errors indicated by
// eax = -1 and a per-task errno").
type Handler func(d *Dispatcher, t *task.Task) (uint32, defs.Err_t)

// Dispatcher owns the syscall-number -> handler table and the kernel
// objects handlers need to reach: the mount table for path resolution, and
// the frame/valloc primitives task.Fork needs to build a child context.
type Dispatcher struct {
	Mounts   *vfs.Table
	Frames   *frame.Allocator
	Mem      *frame.Memory
	Pool     *valloc.RangePool
	Lookup   func(task.Pid) *task.Task // resolves a pid for waitpid/kill
	Sched    *task.Scheduler           // if set, pipe reads that would block park here instead of spinning (spec.md §4.7)
	handlers map[defs.Err_t]Handler
}

// errBlocked is a sentinel Handler error meaning "this call did not
// complete; the task has already been parked BLOCKED and must retry the
// same call once woken." It is a positive value, distinguishable from the
// negative-errno convention the rest of Err_t uses, and is never exposed to
// a task's eax/errno.
const errBlocked defs.Err_t = 1

// New builds a dispatcher with the default handler table installed.
func New(mounts *vfs.Table, fa *frame.Allocator, mem *frame.Memory, pool *valloc.RangePool, lookup func(task.Pid) *task.Task) *Dispatcher {
	d := &Dispatcher{
		Mounts:   mounts,
		Frames:   fa,
		Mem:      mem,
		Pool:     pool,
		Lookup:   lookup,
		handlers: make(map[defs.Err_t]Handler),
	}
	d.installDefaults()
	return d
}

// Register installs (or overrides) the handler for a syscall number.
// cmd/syscalltab finds the d.Register(defs.SYS_*, ...) calls in this
// package's source to check that the core set is installed.
func (d *Dispatcher) Register(num defs.Err_t, h Handler) {
	d.handlers[num] = h
}

// Installed reports which syscall numbers currently have a handler.
func (d *Dispatcher) Installed() map[defs.Err_t]bool {
	out := make(map[defs.Err_t]bool, len(d.handlers))
	for num := range d.handlers {
		out[num] = true
	}
	return out
}

// Dispatch reads t.CPU.EAX as the call number, invokes the matching
// handler, and writes the result back: eax = return value on success, or
// eax = -1 with t.Errno set on failure (spec.md §4.12/§6). A call number
// with no registered handler fails with NotSupported, matching a gate
// whose handler table slot was never filled in.
func (d *Dispatcher) Dispatch(t *task.Task) {
	num := defs.Err_t(int32(t.CPU.EAX))
	h, ok := d.handlers[num]
	if !ok {
		d.fail(t, defs.ENOSYS)
		return
	}
	ret, err := h(d, t)
	if err == errBlocked {
		// t.CPU is left untouched, so the next time the scheduler marks
		// this task RUNNING it re-enters this same call with the same
		// arguments — the hosted analogue of a restarted blocking syscall.
		if d.Sched != nil {
			d.Sched.Block(t)
		}
		return
	}
	if err != 0 {
		d.fail(t, err)
		return
	}
	t.CPU.EAX = ret
	t.Errno = 0
}

func (d *Dispatcher) fail(t *task.Task, err defs.Err_t) {
	t.CPU.EAX = ^uint32(0) // -1
	t.Errno = err
}

func (d *Dispatcher) installDefaults() {
	d.Register(defs.SYS_OPEN, sysOpen)
	d.Register(defs.SYS_CLOSE, sysClose)
	d.Register(defs.SYS_READ, sysRead)
	d.Register(defs.SYS_WRITE, sysWrite)
	d.Register(defs.SYS_SEEK, sysSeek)
	d.Register(defs.SYS_STAT, sysStat)
	d.Register(defs.SYS_GETDENTS, sysGetdents)
	d.Register(defs.SYS_IOCTL, sysIoctl)
	d.Register(defs.SYS_FORK, sysFork)
	d.Register(defs.SYS_EXECVE, sysExecve)
	d.Register(defs.SYS_EXIT, sysExit)
	d.Register(defs.SYS_WAITPID, sysWaitpid)
	d.Register(defs.SYS_CHDIR, sysChdir)
	d.Register(defs.SYS_GETCWD, sysGetcwd)
	d.Register(defs.SYS_PIPE, sysPipe)
	d.Register(defs.SYS_SBRK, sysSbrk)
	d.Register(defs.SYS_GETPID, sysGetpid)
	d.Register(defs.SYS_KILL, sysKill)
	d.Register(defs.SYS_ACCESS, sysAccess)
	d.Register(defs.SYS_CHMOD, sysChmod)
}

// --- user-memory helpers -----------------------------------------------

const maxCString = 4096

// readUser copies n bytes starting at addr out of t's address space,
// failing with a bad-user-pointer error the moment any byte falls outside
// a mapped range (spec.md §6: "Argument pointers must lie within user
// memory of the calling task").
func readUser(t *task.Task, addr uint32, n int) ([]byte, defs.Err_t) {
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		b, ok := t.Valloc.ReadByte(addr + uint32(i))
		if !ok {
			return nil, defs.EFAULT
		}
		buf[i] = b
	}
	return buf, 0
}

func writeUser(t *task.Task, addr uint32, buf []byte) defs.Err_t {
	for i, b := range buf {
		if !t.Valloc.WriteByte(addr+uint32(i), b) {
			return defs.EFAULT
		}
	}
	return 0
}

func readCString(t *task.Task, addr uint32) (string, defs.Err_t) {
	var b []byte
	for i := 0; i < maxCString; i++ {
		c, ok := t.Valloc.ReadByte(addr + uint32(i))
		if !ok {
			return "", defs.EFAULT
		}
		if c == 0 {
			return string(b), 0
		}
		b = append(b, c)
	}
	return "", defs.EINVAL
}

func writeUint32(t *task.Task, addr uint32, v uint32) defs.Err_t {
	var raw [4]byte
	raw[0], raw[1], raw[2], raw[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return writeUser(t, addr, raw[:])
}

// --- path resolution -----------------------------------------------------

func resolveMount(d *Dispatcher, t *task.Task, rawPath string) (*vfs.Mount, string, defs.Err_t) {
	full := t.Cwd.Fullpath(rawPath)
	norm := vfs.Normalize(full, "/")
	return d.Mounts.Resolve(norm)
}

// --- handlers -------------------------------------------------------------

func sysOpen(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	path, err := readCString(t, t.CPU.EBX)
	if err != 0 {
		return 0, err
	}
	flags := int(t.CPU.ECX)

	mount, rel, err := resolveMount(d, t, path)
	if err != 0 {
		return 0, err
	}
	if mount.Callbacks.Open == nil {
		return 0, defs.ENOSYS
	}
	inode, err := mount.Callbacks.Open(rel, flags)
	if err != 0 {
		return 0, err
	}
	f := &vfs.File{Inode: inode, Mount: mount, MountPath: rel, Flags: flags, Type: vfs.TypeRegular}
	fd := t.Fds.AllocFileno(f, 0)
	return uint32(fd), 0
}

func sysClose(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	fd := int(t.CPU.EBX)
	f, ok := t.Fds.Close(fd)
	if !ok {
		return 0, defs.EBADF
	}
	if f.Mount == nil || f.Mount.Callbacks.Close == nil {
		return 0, 0
	}
	return 0, f.Mount.Callbacks.Close(f.Inode)
}

func getOpenFile(t *task.Task, fd int) (*vfs.File, defs.Err_t) {
	f, ok := t.Fds.Get(fd)
	if !ok {
		return nil, defs.EBADF
	}
	return f, 0
}

func sysRead(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	fd := int(t.CPU.EBX)
	bufAddr := t.CPU.ECX
	n := int(t.CPU.EDX)

	f, err := getOpenFile(t, fd)
	if err != 0 {
		return 0, err
	}
	if f.Type == vfs.TypePipe {
		p, ok := f.Mount.Instance.(*pipe.Pipe)
		if !ok {
			return 0, defs.EINVAL
		}
		buf := make([]byte, n)
		got, wouldBlock, err := p.TryRead(buf)
		if err != 0 {
			return 0, err
		}
		if wouldBlock {
			if f.Flags&oNonblock != 0 {
				return 0, defs.EAGAIN
			}
			// Park the task instead of blocking this dispatch call: a
			// scheduler-driven caller has no spare goroutine to spin in
			// cond.Wait() on (spec.md §4.7: "a blocked task is unblocked
			// by state transitions, e.g. pipe write makes a
			// pipe-read-blocked reader READY").
			pid := t.Pid
			p.AddReadWaiter(func() {
				if woken := d.Lookup(pid); woken != nil && d.Sched != nil {
					d.Sched.Wake(woken)
				}
			})
			return 0, errBlocked
		}
		if err := writeUser(t, bufAddr, buf[:got]); err != 0 {
			return 0, err
		}
		return uint32(got), 0
	}

	if f.Mount.Callbacks.Read == nil {
		return 0, defs.ENOSYS
	}
	buf := make([]byte, n)
	got, err := f.Mount.Callbacks.Read(f.Inode, f.Offset, buf)
	if err != 0 {
		return 0, err
	}
	if err := writeUser(t, bufAddr, buf[:got]); err != 0 {
		return 0, err
	}
	f.Offset += int64(got)
	return uint32(got), 0
}

func sysWrite(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	fd := int(t.CPU.EBX)
	bufAddr := t.CPU.ECX
	n := int(t.CPU.EDX)

	f, err := getOpenFile(t, fd)
	if err != 0 {
		return 0, err
	}
	body, err := readUser(t, bufAddr, n)
	if err != 0 {
		return 0, err
	}

	if f.Type == vfs.TypePipe {
		p, ok := f.Mount.Instance.(*pipe.Pipe)
		if !ok {
			return 0, defs.EINVAL
		}
		got, err := p.Write(body)
		return uint32(got), err
	}

	if f.Mount.Callbacks.Write == nil {
		return 0, defs.ENOSYS
	}
	got, err := f.Mount.Callbacks.Write(f.Inode, f.Offset, body)
	if err != 0 {
		return 0, err
	}
	f.Offset += int64(got)
	return uint32(got), 0
}

func sysSeek(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	fd := int(t.CPU.EBX)
	offset := int64(int32(t.CPU.ECX))
	whence := int(t.CPU.EDX)

	f, err := getOpenFile(t, fd)
	if err != 0 {
		return 0, err
	}
	if f.Mount.Callbacks.Seek == nil {
		switch whence {
		case 0:
			f.Offset = offset
		case 1:
			f.Offset += offset
		default:
			return 0, defs.ENOSYS
		}
		return uint32(f.Offset), 0
	}
	newOff, err := f.Mount.Callbacks.Seek(f.Inode, offset, whence)
	if err != 0 {
		return 0, err
	}
	f.Offset = newOff
	return uint32(newOff), 0
}

// encodeStat packs the fields sysStat copies into user memory: an 8-byte
// little-endian size followed by a 4-byte mode word.
func encodeStat(size int64, mode uint32) []byte {
	out := make([]byte, 8)
	v := uint64(size)
	for i := 0; i < 8; i++ {
		out[i] = byte(v >> (8 * uint(i)))
	}
	var modeBytes [4]byte
	modeBytes[0], modeBytes[1], modeBytes[2], modeBytes[3] = byte(mode), byte(mode>>8), byte(mode>>16), byte(mode>>24)
	return append(out, modeBytes[:]...)
}

func sysStat(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	path, err := readCString(t, t.CPU.EBX)
	if err != 0 {
		return 0, err
	}
	statAddr := t.CPU.ECX

	mount, rel, err := resolveMount(d, t, path)
	if err != 0 {
		return 0, err
	}
	if mount.Callbacks.Open == nil || mount.Callbacks.Stat == nil {
		return 0, defs.ENOSYS
	}
	inode, err := mount.Callbacks.Open(rel, 0)
	if err != 0 {
		return 0, err
	}
	size, mode, err := mount.Callbacks.Stat(inode)
	if err != 0 {
		return 0, err
	}
	if err := writeUser(t, statAddr, encodeStat(size, mode)); err != 0 {
		return 0, err
	}
	return 0, 0
}

// sysGetdents copies raw, on-disk-layout directory blocks into the user
// buffer (spec.md §4.9: "size must be a multiple of 1024 ... entries remain
// in on-disk layout") — it does not parse or normalize entry names; that is
// left to whatever in userspace walks the returned dirent records.
func sysGetdents(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	fd := int(t.CPU.EBX)
	bufAddr := t.CPU.ECX
	size := int(t.CPU.EDX)

	f, err := getOpenFile(t, fd)
	if err != 0 {
		return 0, err
	}
	if f.Mount.Callbacks.Getdents == nil {
		return 0, defs.ENOSYS
	}
	buf := make([]byte, size)
	n, err := f.Mount.Callbacks.Getdents(f.Inode, int(f.Offset), buf)
	if err != 0 {
		return 0, err
	}
	if err := writeUser(t, bufAddr, buf[:n]); err != 0 {
		return 0, err
	}
	f.Offset += int64(n)
	return uint32(n), 0
}

func sysIoctl(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	fd := int(t.CPU.EBX)
	cmd := int(t.CPU.ECX)
	arg := int(t.CPU.EDX)

	f, err := getOpenFile(t, fd)
	if err != 0 {
		return 0, err
	}
	var ret int
	err = vfs.Op(f.Mount.Callbacks, func(cb *vfs.Callbacks) defs.Err_t {
		if cb.Ioctl == nil {
			return defs.ENOSYS
		}
		var opErr defs.Err_t
		ret, opErr = cb.Ioctl(f.Inode, cmd, arg)
		return opErr
	})
	return uint32(ret), err
}

func sysFork(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	_, err := t.Fork(d.Frames, d.Mem, d.Pool)
	if err != 0 {
		return 0, err
	}
	// task.Fork already set t.CPU.EAX = child pid and child.CPU.EAX = 0;
	// Dispatch would otherwise overwrite eax with this handler's own
	// return value, so report the value Fork already installed.
	return t.CPU.EAX, 0
}

// sysExecve replaces t's code/data/stack mapping with the named
// executable. Per the Non-goal on dynamic loading (spec.md §4.11), argv
// beyond the invoked path and envp are taken as empty; a fuller loader
// would walk user-supplied argv/envp pointer arrays here.
func sysExecve(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	path, err := readCString(t, t.CPU.EBX)
	if err != 0 {
		return 0, err
	}
	mount, rel, err := resolveMount(d, t, path)
	if err != 0 {
		return 0, err
	}
	if mount.Callbacks.Open == nil || mount.Callbacks.Read == nil {
		return 0, defs.ENOSYS
	}
	inode, err := mount.Callbacks.Open(rel, 0)
	if err != 0 {
		return 0, err
	}
	reader := &callbackFileReader{cb: mount.Callbacks, inode: inode}
	if _, err := elf.Load(reader, t, []string{path}, nil); err != 0 {
		return 0, err
	}
	t.BinaryPath = path
	return 0, 0
}

// callbackFileReader adapts a mount's Read callback to elf.FileReader.
type callbackFileReader struct {
	cb    *vfs.Callbacks
	inode uint32
}

func (r *callbackFileReader) ReadAt(offset int64, buf []byte) (int, defs.Err_t) {
	return r.cb.Read(r.inode, offset, buf)
}

func sysExit(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	code := int(int32(t.CPU.EBX))
	t.Exit(code)
	return 0, 0
}

func sysWaitpid(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	pid := task.Pid(int32(t.CPU.EBX))
	if d.Lookup == nil {
		return 0, defs.ECHILD
	}
	child := d.Lookup(pid)
	if child == nil {
		return 0, defs.ECHILD
	}
	code, err := t.Wait(child)
	if err != 0 {
		return 0, err
	}
	return uint32(int32(code)), 0
}

func sysChdir(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	path, err := readCString(t, t.CPU.EBX)
	if err != 0 {
		return 0, err
	}
	t.Cwd.Chdir(path)
	return 0, 0
}

func sysGetcwd(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	bufAddr := t.CPU.EBX
	size := int(t.CPU.ECX)
	cwd := t.Cwd.Fullpath(".")
	if len(cwd)+1 > size {
		return 0, defs.EINVAL
	}
	if err := writeUser(t, bufAddr, append([]byte(cwd), 0)); err != 0 {
		return 0, err
	}
	return uint32(len(cwd)), 0
}

// oNonblock is the syscall-level O_NONBLOCK open flag, distinct from the
// vfs.FD_* descriptor-permission bits — an open file's Flags field carries
// both.
const oNonblock = 0x800

// pipeMountPath is the synthetic, never-resolved mount path used to wrap
// each anonymous pipe pair in its own vfs.Mount so that read/write dispatch
// through the ordinary vfs.File/Callbacks machinery; pipes are never looked
// up by path, only referenced directly by fd.
const pipeMountPath = "\x00pipe"

// pipeReaderInode and pipeWriterInode distinguish a pipe pair's two ends
// within the one vfs.Mount wrapping them, so Callbacks.Close (invoked by
// both sysClose and task.Exit via the ordinary fd-close path) knows which
// of Pipe.CloseReader/CloseWriter to run.
const (
	pipeReaderInode = 0
	pipeWriterInode = 1
)

func sysPipe(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	fdsAddr := t.CPU.EBX

	p := pipe.New()
	mount := &vfs.Mount{Path: pipeMountPath, FSName: "pipe", Instance: p}
	mount.Callbacks = &vfs.Callbacks{
		Close: func(inode uint32) defs.Err_t {
			if inode == pipeReaderInode {
				p.CloseReader()
			} else {
				p.CloseWriter()
			}
			return 0
		},
	}

	rf := &vfs.File{Inode: pipeReaderInode, Mount: mount, Type: vfs.TypePipe, Flags: vfs.FD_READ}
	wf := &vfs.File{Inode: pipeWriterInode, Mount: mount, Type: vfs.TypePipe, Flags: vfs.FD_WRITE}
	rfd := t.Fds.AllocFileno(rf, 0)
	wfd := t.Fds.AllocFileno(wf, 0)

	if err := writeUint32(t, fdsAddr, uint32(rfd)); err != 0 {
		return 0, err
	}
	if err := writeUint32(t, fdsAddr+4, uint32(wfd)); err != 0 {
		return 0, err
	}
	return 0, 0
}

func sysSbrk(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	inc := int32(t.CPU.EBX)
	old := t.Sbrk
	if inc == 0 {
		return old, 0
	}
	if inc < 0 {
		return 0, defs.EINVAL
	}
	pages := (uint32(inc) + defs.PGSIZE - 1) / defs.PGSIZE
	virt := old
	r, err := t.Valloc.Valloc(pages, &virt, nil, valloc.READ_WRITE|valloc.USER|valloc.ZERO_ON_ALLOC|valloc.FREE_ON_RELEASE)
	if err != 0 {
		return 0, err
	}
	t.AddMem(task.HEAP, task.FREE_ON_EXIT, r)
	t.Sbrk = old + uint32(inc)
	return old, 0
}

func sysGetpid(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	return uint32(t.Pid), 0
}

func sysKill(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	pid := task.Pid(int32(t.CPU.EBX))
	if d.Lookup == nil {
		return 0, defs.ESRCH
	}
	victim := d.Lookup(pid)
	if victim == nil {
		return 0, defs.ESRCH
	}
	victim.Exit(-1)
	return 0, 0
}

func sysAccess(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	path, err := readCString(t, t.CPU.EBX)
	if err != 0 {
		return 0, err
	}
	mode := uint32(t.CPU.ECX)
	mount, rel, err := resolveMount(d, t, path)
	if err != 0 {
		return 0, err
	}
	if mount.Callbacks.Open == nil || mount.Callbacks.Access == nil {
		return 0, defs.ENOSYS
	}
	inode, err := mount.Callbacks.Open(rel, 0)
	if err != 0 {
		return 0, err
	}
	return 0, mount.Callbacks.Access(inode, mode)
}

func sysChmod(d *Dispatcher, t *task.Task) (uint32, defs.Err_t) {
	path, err := readCString(t, t.CPU.EBX)
	if err != 0 {
		return 0, err
	}
	mode := uint32(t.CPU.ECX)
	mount, rel, err := resolveMount(d, t, path)
	if err != 0 {
		return 0, err
	}
	if mount.Callbacks.Open == nil || mount.Callbacks.Chmod == nil {
		return 0, defs.ENOSYS
	}
	inode, err := mount.Callbacks.Open(rel, 0)
	if err != 0 {
		return 0, err
	}
	return 0, mount.Callbacks.Chmod(inode, mode)
}
