// Package vfs implements the minimal virtual filesystem layer: a mount
// table resolved by longest-prefix match, a per-task file-descriptor table,
// and path normalization (spec.md §4.8).
//
// Grounded on fd.Fd_t/fd.Cwd_t (biscuit's src/fd/fd.go) for the descriptor and
// cwd shapes, and on ufs.Ufs_t (biscuit's src/ufs/ufs.go) for how a concrete
// filesystem backend is wired behind the callback table. bpath, the
// teacher's path-canonicalization package that fd.Cwd_t.Canonicalpath calls
// into, ships as an empty stub in the example pack (go.mod only, no
// source) — Normalize below is written from spec.md §8's worked examples
// instead, using the standard library's slash-path Clean/Join, which is
// the textbook algorithm for exactly this ("/a/./b/../c" -> "/a/c").
package vfs

import (
	"path"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"nucleus/internal/defs"
)

// File descriptor permission bits (biscuit's src/fd/fd.go: FD_READ/FD_WRITE).
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// File types (spec.md §3's vfs_file_t.type).
const (
	TypeRegular = iota
	TypeDir
	TypePipe
	TypeDev
)

// Callbacks is the set of operations a mount supplies for a descriptor
// (spec.md §3: "callbacks is the set of operations the backing mount
// supplies"). A nil field means the operation is unsupported for that
// mount; calls routed through Op fail with NotSupported. The syscall layer
// treats two fields differently: a nil Close makes close a plain
// descriptor release, and a nil Seek falls back to offset arithmetic.
type Callbacks struct {
	Open     func(path string, flags int) (inode uint32, err defs.Err_t)
	Stat     func(inode uint32) (size int64, mode uint32, err defs.Err_t)
	Read     func(inode uint32, offset int64, buf []byte) (int, defs.Err_t)
	Write    func(inode uint32, offset int64, buf []byte) (int, defs.Err_t)
	Getdents func(inode uint32, offset int, buf []byte) (n int, err defs.Err_t)
	Ioctl    func(inode uint32, cmd, arg int) (int, defs.Err_t)
	Poll     func(inode uint32) (ready bool, err defs.Err_t)
	Seek     func(inode uint32, offset int64, whence int) (int64, defs.Err_t)
	Close    func(inode uint32) defs.Err_t
	Unlink   func(path string) defs.Err_t
	Chmod    func(inode uint32, mode uint32) defs.Err_t
	Symlink  func(target, linkpath string) defs.Err_t
	Readlink func(inode uint32) (string, defs.Err_t)
	Access   func(inode uint32, mode uint32) defs.Err_t
}

// Mount binds a mount point path to a backend's callback table and opaque
// instance handle (spec.md §3: "Mount. {mount_point_path, device_path,
// fs_name, callbacks, instance}").
type Mount struct {
	Path       string
	DevicePath string
	FSName     string
	Callbacks  *Callbacks
	Instance   interface{}
}

// Table is the kernel-wide mount table. Resolution of a user path iterates
// mounts by longest matching prefix (spec.md §4.8).
type Table struct {
	mu     sync.RWMutex
	mounts []*Mount
}

// NewTable creates an empty mount table.
func NewTable() *Table {
	return &Table{}
}

// Register adds or replaces the mount at m.Path.
func (t *Table) Register(m *Mount) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.mounts {
		if existing.Path == m.Path {
			t.mounts[i] = m
			return
		}
	}
	t.mounts = append(t.mounts, m)
}

// Unregister removes the mount at path, if any.
func (t *Table) Unregister(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, m := range t.mounts {
		if m.Path == path {
			t.mounts = append(t.mounts[:i], t.mounts[i+1:]...)
			return
		}
	}
}

// Resolve returns the mount whose mount point is the longest prefix of the
// (already-normalized) path, plus the remainder of the path relative to
// that mount point. Returns ENOENT if no mount matches (there should
// always be a "/" mount registered in a booted kernel).
func (t *Table) Resolve(path string) (*Mount, string, defs.Err_t) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Mount
	for _, m := range t.mounts {
		if !isPrefix(m.Path, path) {
			continue
		}
		if best == nil || len(m.Path) > len(best.Path) {
			best = m
		}
	}
	if best == nil {
		return nil, "", defs.ENOENT
	}
	rel := strings.TrimPrefix(path, best.Path)
	rel = strings.TrimPrefix(rel, "/")
	return best, rel, 0
}

func isPrefix(mountPoint, p string) bool {
	if mountPoint == "/" {
		return true
	}
	if p == mountPoint {
		return true
	}
	return strings.HasPrefix(p, mountPoint+"/")
}

// File is an open file descriptor (spec.md §3: "vfs_file_t").
type File struct {
	Num       int
	Inode     uint32
	Mount     *Mount
	MountPath string
	Offset    int64
	Flags     int
	Type      int
}

// FdTable is a per-task table of open file descriptors (spec.md §3's
// task.fd_table[]).
type FdTable struct {
	mu    sync.Mutex
	files map[int]*File
}

// NewFdTable creates an empty descriptor table.
func NewFdTable() *FdTable {
	return &FdTable{files: make(map[int]*File)}
}

// AllocFileno installs f at the lowest free descriptor number >= minFd
// (spec.md §3: "allocated by vfs_alloc_fileno(task, min_fd) returning the
// lowest free slot >= min_fd").
func (t *FdTable) AllocFileno(f *File, minFd int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd := minFd
	for {
		if _, taken := t.files[fd]; !taken {
			break
		}
		fd++
	}
	f.Num = fd
	t.files[fd] = f
	return fd
}

// Get returns the descriptor at fd, if open.
func (t *FdTable) Get(fd int) (*File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	return f, ok
}

// Close removes fd from the table and returns the descriptor that was
// there, so the caller can invoke its Callbacks.Close (destroyed on close
// or task exit, spec.md §3).
func (t *FdTable) Close(fd int) (*File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	if ok {
		delete(t.files, fd)
	}
	return f, ok
}

// Snapshot returns a copy of the fd -> File mapping, for fork's fd-table
// duplication (spec.md §4.7: "child's fd table = dup of parent's").
func (t *FdTable) Snapshot() map[int]*File {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]*File, len(t.files))
	for fd, f := range t.files {
		out[fd] = f
	}
	return out
}

// CloseAll drains every open descriptor, for task exit.
func (t *FdTable) CloseAll() []*File {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*File, 0, len(t.files))
	for _, f := range t.files {
		out = append(out, f)
	}
	t.files = make(map[int]*File)
	return out
}

// Cwd tracks a task's current working directory (biscuit's src/fd/fd.go:
// Cwd_t).
type Cwd struct {
	mu   sync.Mutex
	Path string
}

// NewRootCwd constructs a Cwd rooted at "/".
func NewRootCwd() *Cwd {
	return &Cwd{Path: "/"}
}

// Fullpath joins the cwd with p if p is not already absolute (biscuit's src/
// fd/fd.go: Cwd_t.Fullpath).
func (c *Cwd) Fullpath(p string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.HasPrefix(p, "/") {
		return p
	}
	return c.Path + "/" + p
}

// Chdir updates the cwd to the normalized form of p.
func (c *Cwd) Chdir(p string) {
	full := c.Fullpath(p)
	norm := Normalize(full, "/")
	c.mu.Lock()
	c.Path = norm
	c.mu.Unlock()
}

// Normalize collapses ".", "..", and duplicate slashes in p, resolving it
// against base if p is relative, and always returns an absolute path
// (spec.md §4.8, worked examples in §8):
//
//	Normalize("/a/./b/../c", "/")   == "/a/c"
//	Normalize("x/y", "/u/v")        == "/u/v/x/y"
//	Normalize("/", "/")             == "/"
func Normalize(p, base string) string {
	if !strings.HasPrefix(p, "/") {
		p = path.Join(base, p)
	}
	return path.Clean(p)
}

// NormalizeName returns the NFC normalization of a raw directory-entry
// name (ext2 names are arbitrary bytes). No read path in this module calls
// it: getdents hands names back exactly as they sit on disk.
func NormalizeName(b []byte) string {
	return string(norm.NFC.Bytes(b))
}

// Op routes one of the named operations through the mount's callback
// table, returning NotSupported if the backend left that callback nil
// (spec.md §4.8: "if the callback is null the operation fails with
// NotSupported").
func Op(cb *Callbacks, op func(*Callbacks) defs.Err_t) defs.Err_t {
	if cb == nil {
		return defs.ENOSYS
	}
	return op(cb)
}
