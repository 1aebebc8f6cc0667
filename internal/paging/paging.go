// Package paging builds and applies x86-32 two-level page tables: a page
// directory of 1024 PDEs, each pointing at a page table of 1024 PTEs, each
// mapping one 4 KiB page (spec.md §4.2).
//
// This is a deliberate redesign of the teacher's four-level x86-64 scheme
// (biscuit's src/mem/dmap.go's shl/pgbits walks four 9-bit levels plus a
// recursive/direct-map slot) down to the spec's two-level 10-bit x86-32
// scheme — the spec's own Non-goal ("no 64-bit paging") rules out porting
// the teacher's addressing math unchanged, so only its bit-flag vocabulary
// (PTE_P/PTE_W/PTE_U) and on-demand-table-allocation idiom carry over.
package paging

import (
	"nucleus/internal/defs"
	"nucleus/internal/frame"
)

// PTE flag bits, named after the teacher's mem.PTE_* constants.
const (
	PTE_P Entry = 1 << 0 // present
	PTE_W Entry = 1 << 1 // writable
	PTE_U Entry = 1 << 2 // user-accessible
)

// Entry is one page-directory or page-table entry: flags in the low 12
// bits, frame number in the high 20.
type Entry uint32

const entriesPerTable = 1024

func mkEntry(f frame.Frame, flags Entry) Entry {
	return Entry(uint32(f)<<defs.PGSHIFT) | (flags & 0xfff)
}

func (e Entry) present() bool { return e&PTE_P != 0 }
func (e Entry) frame() frame.Frame {
	return frame.Frame(uint32(e) >> defs.PGSHIFT)
}

// Table is a page table (a PDE-pointed-to frame holding 1024 PTEs) or a
// page directory (1024 PDEs) — structurally the same on x86-32.
type Table struct {
	Entries [entriesPerTable]Entry
	Frame   frame.Frame // physical frame this table itself occupies
}

// Allocator is the page-table frame source: the frame allocator, narrowed
// to what paging needs.
type Allocator interface {
	Alloc() (frame.Frame, defs.Err_t)
	Free(frame.Frame) bool
}

// Dir is a page directory: the root of one address space's translation
// structure.
type Dir struct {
	Tab    *Table
	tables map[uint32]*Table // populated second-level tables, indexed by PDE
	alloc  Allocator
}

// NewDir allocates a fresh, empty page directory.
func NewDir(a Allocator) (*Dir, defs.Err_t) {
	f, err := a.Alloc()
	if err != 0 {
		return nil, err
	}
	return &Dir{
		Tab:    &Table{Frame: f},
		tables: map[uint32]*Table{},
		alloc:  a,
	}, 0
}

func split(virt uint32) (pdIdx, ptIdx uint32) {
	pdIdx = virt >> 22
	ptIdx = (virt >> 12) & 0x3ff
	return
}

// SetRange installs identity-sized mappings for size/PGSIZE contiguous PTEs
// starting at virt, mapped to phys, phys+PGSIZE, ... It allocates
// intermediate page tables on demand and propagates USER/WRITABLE flags to
// every PTE (spec.md §4.2).
func (d *Dir) SetRange(virt uint32, phys frame.Frame, size uint32, flags Entry) defs.Err_t {
	if size%defs.PGSIZE != 0 || virt%defs.PGSIZE != 0 {
		return defs.EINVAL
	}
	npages := size / defs.PGSIZE
	for i := uint32(0); i < npages; i++ {
		v := virt + i*defs.PGSIZE
		pdIdx, ptIdx := split(v)
		pt, err := d.ensureTable(pdIdx)
		if err != 0 {
			return err
		}
		pt.Entries[ptIdx] = mkEntry(phys+frame.Frame(i), flags|PTE_P)
	}
	return 0
}

func (d *Dir) ensureTable(pdIdx uint32) (*Table, defs.Err_t) {
	if pt, ok := d.tables[pdIdx]; ok {
		return pt, 0
	}
	f, err := d.alloc.Alloc()
	if err != 0 {
		return nil, err
	}
	pt := &Table{Frame: f}
	d.tables[pdIdx] = pt
	// USER|WRITABLE on the PDE so every PTE underneath can still restrict
	// itself; the PDE only gates the table's existence, not individual
	// page permissions.
	d.Tab.Entries[pdIdx] = mkEntry(f, PTE_P|PTE_W|PTE_U)
	return pt, 0
}

// ClearRange invalidates PTEs (and, on real hardware, their TLB entries —
// out of scope here per spec.md §1's hardware-collaborator carve-out) for
// size/PGSIZE pages starting at virt.
func (d *Dir) ClearRange(virt, size uint32) {
	npages := size / defs.PGSIZE
	for i := uint32(0); i < npages; i++ {
		v := virt + i*defs.PGSIZE
		pdIdx, ptIdx := split(v)
		if pt, ok := d.tables[pdIdx]; ok {
			pt.Entries[ptIdx] = 0
		}
	}
}

// Translate walks the directory for virt and returns the backing frame, or
// ok=false if unmapped.
func (d *Dir) Translate(virt uint32) (frame.Frame, bool) {
	pdIdx, ptIdx := split(virt)
	pt, ok := d.tables[pdIdx]
	if !ok {
		return 0, false
	}
	e := pt.Entries[ptIdx]
	if !e.present() {
		return 0, false
	}
	return e.frame(), true
}

// RmContext walks every populated page table and frees it, then frees the
// directory's own frame. Page tables are reference-counted only implicitly
// by presence of live PTEs (spec.md §4.2); since Dir already tracks exactly
// the tables it allocated, tearing down is a direct walk with no refcount
// bookkeeping needed.
func (d *Dir) RmContext() {
	for pdIdx, pt := range d.tables {
		d.alloc.Free(pt.Frame)
		delete(d.tables, pdIdx)
	}
	d.alloc.Free(d.Tab.Frame)
}
