// Package console implements the hosted stand-in for the kernel's text
// console device (spec.md §1 scopes "the framebuffer text console" and
// "early serial/VGA text output" as out-of-scope external collaborators;
// this package specifies only the narrow read/write contract a VFS mount
// needs to hand a task its standard descriptors).
//
// Grounded on the same "interface, single concrete implementation" shape
// SPEC_FULL.md §1 calls out for BlockDevice and TickSource: Console is the
// contract, StdConsole is the hosted backend (os.Stdin/os.Stdout), and
// Fake is the in-memory double integration tests drive directly, the way
// spec.md §8 scenario 3 ("boot produces 'ok' on the console") is exercised
// without a real VGA buffer to read back from.
package console

import (
	"bufio"
	"io"
	"sync"

	"nucleus/internal/defs"
	"nucleus/internal/vfs"
)

// Console is the contract every consumer above this package depends on:
// write bytes out, read input bytes in.
type Console interface {
	WriteBytes(b []byte) (int, defs.Err_t)
	ReadBytes(buf []byte) (int, defs.Err_t)
}

// StdConsole backs Console with the host process's stdin/stdout, the
// nearest hosted analogue of a serial/VGA text console.
type StdConsole struct {
	mu  sync.Mutex
	out io.Writer
	in  *bufio.Reader
}

// NewStdConsole builds a Console over the given writer/reader (ordinarily
// os.Stdout/os.Stdin; broken out as parameters so callers can redirect
// without reaching into the os package from other subsystems).
func NewStdConsole(out io.Writer, in io.Reader) *StdConsole {
	return &StdConsole{out: out, in: bufio.NewReader(in)}
}

func (c *StdConsole) WriteBytes(b []byte) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.out.Write(b)
	if err != nil {
		return n, defs.EIO
	}
	return n, 0
}

func (c *StdConsole) ReadBytes(buf []byte) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.in.Read(buf)
	if err != nil && n == 0 {
		return 0, defs.EIO
	}
	return n, 0
}

// Fake is an in-memory Console for tests: writes accumulate in Written,
// reads are served from a canned Input buffer.
type Fake struct {
	mu      sync.Mutex
	Written []byte
	Input   []byte
}

func (f *Fake) WriteBytes(b []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Written = append(f.Written, b...)
	return len(b), 0
}

func (f *Fake) ReadBytes(buf []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(buf, f.Input)
	f.Input = f.Input[n:]
	return n, 0
}

// consoleInode is the fixed, synthetic inode number the console's vfs.File
// descriptors carry — there is no on-disk inode behind a character device.
const consoleInode = 0

// Callbacks adapts c to the vfs.Callbacks table a "/dev/console" mount is
// registered with: Open always resolves to the same synthetic inode, Read
// and Write defer straight to c.
func Callbacks(c Console) *vfs.Callbacks {
	return &vfs.Callbacks{
		Open: func(path string, flags int) (uint32, defs.Err_t) {
			return consoleInode, 0
		},
		Stat: func(inode uint32) (int64, uint32, defs.Err_t) {
			return 0, 0, 0
		},
		Read: func(inode uint32, offset int64, buf []byte) (int, defs.Err_t) {
			return c.ReadBytes(buf)
		},
		Write: func(inode uint32, offset int64, buf []byte) (int, defs.Err_t) {
			return c.WriteBytes(buf)
		},
	}
}

// MountPath is where the console is registered in the mount table.
const MountPath = "/dev/console"

// NewMount builds the vfs.Mount a booted kernel registers c under.
func NewMount(c Console) *vfs.Mount {
	return &vfs.Mount{Path: MountPath, FSName: "devconsole", Instance: c, Callbacks: Callbacks(c)}
}

// File builds the vfs.File a task's fd 0/1/2 point at, open against mount
// with the given descriptor permission flags.
func File(mount *vfs.Mount, flags int) *vfs.File {
	return &vfs.File{Inode: consoleInode, Mount: mount, MountPath: "console", Flags: flags, Type: vfs.TypeDev}
}
