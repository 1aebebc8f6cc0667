// Package elf loads a 32-bit, little-endian, x86 ELF executable into a
// task's address space: identity validation, PT_LOAD segment mapping
// (with the W^X check and bss zero-tail), PT_INTERP path recording,
// PT_DYNAMIC tag walking, and the final task.sbrk/entry/initial-state
// wiring (spec.md §4.11).
//
// Grounded on biscuit's src/vm/as.go's Vmadd_anon/Vmadd_file (a segment is
// registered with the address space by start, length, and permission
// bits) — generalized here from biscuit's demand-paged, copy-on-write
// anonymous/file regions (this driver has no paging Non-goal territory to
// cover) down to the spec's eager PT_LOAD mapping. Header layout constants
// (ET_EXEC, EM_386, PT_LOAD, PT_INTERP, PT_DYNAMIC, DT_STRTAB, ELFCLASS32,
// ELFDATA2LSB) are reused from the standard library's debug/elf rather
// than hand-rolled, since that package is exactly the source of truth for
// these numbers; the actual segment-loading logic below is this module's
// own, not debug/elf.File parsing, since debug/elf expects a seekable
// os.File and this loader reads through the VFS/ext2 abstraction instead.
package elf

import (
	stdelf "debug/elf"
	"encoding/binary"

	"nucleus/internal/defs"
	"nucleus/internal/task"
	"nucleus/internal/util"
	"nucleus/internal/valloc"
)

const (
	identSize  = 16
	ehdrSize   = 52
	phdrSize   = 32
	dynEntSize = 8

	// userStackTop and userStackPages are a conventional placement for the
	// initial user stack; the spec does not pin an exact address, only the
	// SysV layout of its contents (spec.md §4.7).
	userStackTop   = uint32(0xBFFFF000)
	userStackPages = 256 // 1 MiB
)

// Result is what Load reports back about segments it could not fully
// resolve (spec.md §4.11 steps 3b/3c).
type Result struct {
	Interp     string
	HasDynamic bool
	DynStrtab  uint32
}

// FileReader is the narrow read interface Load needs from an open file —
// satisfied by an ext2.Fs-backed vfs.File via a small adapter in the
// syscall/exec path.
type FileReader interface {
	ReadAt(offset int64, buf []byte) (int, defs.Err_t)
}

func readExact(r FileReader, offset int64, n int) ([]byte, defs.Err_t) {
	buf := make([]byte, n)
	got, err := r.ReadAt(offset, buf)
	if err != 0 {
		return nil, err
	}
	if got != n {
		return nil, defs.ENOEXEC
	}
	return buf, 0
}

// validateIdent checks the 16-byte e_ident against the fixed magic
// (spec.md §4.11 step 1: "match against the fixed magic {0x7f, 'E', 'L',
// 'F', class=1, data=1, version=1, ...}").
func validateIdent(ident []byte) defs.Err_t {
	if len(ident) < identSize {
		return defs.ENOEXEC
	}
	if ident[0] != 0x7f || ident[1] != 'E' || ident[2] != 'L' || ident[3] != 'F' {
		return defs.ENOEXEC
	}
	if ident[4] != byte(stdelf.ELFCLASS32) {
		return defs.ENOEXEC
	}
	if ident[5] != byte(stdelf.ELFDATA2LSB) {
		return defs.ENOEXEC
	}
	if ident[6] != 1 { // EV_CURRENT
		return defs.ENOEXEC
	}
	return 0
}

type header struct {
	Type    uint16
	Machine uint16
	Version uint32
	Entry   uint32
	Phoff   uint32
	Shoff   uint32
	Ehsize  uint16
	Phentsize uint16
	Phnum   uint16
	Shnum   uint16
}

func parseHeader(raw []byte) (*header, defs.Err_t) {
	if len(raw) < ehdrSize {
		return nil, defs.ENOEXEC
	}
	h := &header{
		Type:      binary.LittleEndian.Uint16(raw[16:18]),
		Machine:   binary.LittleEndian.Uint16(raw[18:20]),
		Version:   binary.LittleEndian.Uint32(raw[20:24]),
		Entry:     binary.LittleEndian.Uint32(raw[24:28]),
		Phoff:     binary.LittleEndian.Uint32(raw[28:32]),
		Shoff:     binary.LittleEndian.Uint32(raw[32:36]),
		Ehsize:    binary.LittleEndian.Uint16(raw[40:42]),
		Phentsize: binary.LittleEndian.Uint16(raw[42:44]),
		Phnum:     binary.LittleEndian.Uint16(raw[44:46]),
		Shnum:     binary.LittleEndian.Uint16(raw[48:50]),
	}
	// spec.md §4.11 step 2: "Require type = ET_EXEC, machine = EM_386,
	// version = 1, nonzero entry, nonzero phnum and shnum."
	if h.Type != uint16(stdelf.ET_EXEC) {
		return nil, defs.ENOEXEC
	}
	if h.Machine != uint16(stdelf.EM_386) {
		return nil, defs.ENOEXEC
	}
	if h.Version != 1 {
		return nil, defs.ENOEXEC
	}
	if h.Entry == 0 || h.Phnum == 0 || h.Shnum == 0 {
		return nil, defs.ENOEXEC
	}
	return h, 0
}

type progHeader struct {
	Type   uint32
	Offset uint32
	Vaddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
}

func parseProgHeader(raw []byte) *progHeader {
	return &progHeader{
		Type:   binary.LittleEndian.Uint32(raw[0:4]),
		Offset: binary.LittleEndian.Uint32(raw[4:8]),
		Vaddr:  binary.LittleEndian.Uint32(raw[8:12]),
		Filesz: binary.LittleEndian.Uint32(raw[16:20]),
		Memsz:  binary.LittleEndian.Uint32(raw[20:24]),
		Flags:  binary.LittleEndian.Uint32(raw[24:28]),
	}
}

// Load validates, maps, and registers every PT_LOAD segment of the ELF
// image read through r, sets t's entry/sbrk/initial state, and returns a
// Result describing any PT_INTERP/PT_DYNAMIC it recorded but did not
// resolve (spec.md §4.11).
func Load(r FileReader, t *task.Task, argv, envp []string) (*Result, defs.Err_t) {
	ident, err := readExact(r, 0, identSize)
	if err != 0 {
		return nil, err
	}
	if err := validateIdent(ident); err != 0 {
		return nil, err
	}

	ehdrRaw, err := readExact(r, 0, ehdrSize)
	if err != 0 {
		return nil, err
	}
	h, err := parseHeader(ehdrRaw)
	if err != 0 {
		return nil, err
	}

	res := &Result{}
	var sbrk uint32

	for i := 0; i < int(h.Phnum); i++ {
		phRaw, err := readExact(r, int64(h.Phoff)+int64(i)*phdrSize, phdrSize)
		if err != 0 {
			return nil, err
		}
		ph := parseProgHeader(phRaw)

		switch stdelf.ProgType(ph.Type) {
		case stdelf.PT_LOAD:
			if err := loadSegment(r, t, ph); err != 0 {
				return nil, err
			}
			top := ph.Vaddr + ph.Memsz
			if top > sbrk {
				sbrk = top
			}
		case stdelf.PT_INTERP:
			pathRaw, err := readExact(r, int64(ph.Offset), int(ph.Filesz))
			if err != 0 {
				return nil, err
			}
			res.Interp = cstr(pathRaw)
		case stdelf.PT_DYNAMIC:
			res.HasDynamic = true
			n := int(ph.Filesz) / dynEntSize
			for j := 0; j < n; j++ {
				ent, err := readExact(r, int64(ph.Offset)+int64(j)*dynEntSize, dynEntSize)
				if err != 0 {
					return nil, err
				}
				tag := int32(binary.LittleEndian.Uint32(ent[0:4]))
				val := binary.LittleEndian.Uint32(ent[4:8])
				if stdelf.DynTag(tag) == stdelf.DT_STRTAB {
					res.DynStrtab = val
				}
			}
		}
	}

	t.Sbrk = sbrk
	stackVirt := userStackTop - userStackPages*defs.PGSIZE
	stackRange, err := t.Valloc.Valloc(userStackPages, &stackVirt, nil, valloc.READ_WRITE|valloc.USER|valloc.ZERO_ON_ALLOC)
	if err != 0 {
		return nil, err
	}
	t.AddMem(task.STACK, task.FREE_ON_EXIT, stackRange)

	t.SetInitialState(h.Entry, userStackTop, argv, envp)
	return res, 0
}

func loadSegment(r FileReader, t *task.Task, ph *progHeader) defs.Err_t {
	const pfX, pfW = 0x1, 0x2
	if ph.Flags&pfX != 0 && ph.Flags&pfW != 0 {
		// spec.md §4.11 step 3: "if the segment is executable it must not
		// be writable."
		return defs.ENOEXEC
	}

	vaddr := util.Rounddown(ph.Vaddr, uint32(defs.PGSIZE))
	sizePages := util.Roundup(ph.Memsz+(ph.Vaddr-vaddr), uint32(defs.PGSIZE)) / defs.PGSIZE

	flags := valloc.USER | valloc.ZERO_ON_ALLOC | valloc.FREE_ON_RELEASE
	if ph.Flags&pfW != 0 {
		flags |= valloc.READ_WRITE
	}

	rng, err := t.Valloc.Valloc(sizePages, &vaddr, nil, flags)
	if err != 0 {
		return err
	}

	if ph.Filesz > 0 {
		body, err := readExact(r, int64(ph.Offset), int(ph.Filesz))
		if err != 0 {
			return err
		}
		for i, b := range body {
			t.Valloc.WriteByte(ph.Vaddr+uint32(i), b)
		}
	}
	// Bytes from Filesz..Memsz stay zero: Valloc's ZERO_ON_ALLOC already
	// cleared the whole region before the copy above (spec.md §4.11 step
	// 3: "zero the tail (bss)").

	section := task.DATA
	if ph.Flags&pfX != 0 {
		section = task.CODE
	}
	t.AddMem(section, task.FREE_ON_EXIT, rng)
	return 0
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
