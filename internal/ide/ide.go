// Package ide implements the block-device layer behind the ext2 driver: a
// narrow BlockDevice interface standing in for primary-channel IDE PIO
// (spec.md §4.13 treats the actual port I/O as an out-of-scope external
// collaborator, per spec §1), and a hosted backend that reads/writes a
// disk image file.
//
// Grounded on pci/olddiski.go's Disk_i interface (biscuit's src/pci/
// olddiski.go) — a disk is "start a request, complete it, service an
// interrupt" there, which is the shape of a DMA controller; this module has
// no interrupt-driven DMA path to model, so BlockDevice collapses that down
// to a synchronous ReadSector/WriteSector pair, closer to ufs/driver.go's
// ahci_disk_t.Start (biscuit's src/ufs/driver.go), which already simulates a
// disk as a plain file with Seek+Read/Write. FileBackend replaces that
// os.File.Read/Seek pair with golang.org/x/sys/unix.Pread/Pwrite against an
// O_DIRECT-opened file descriptor — the nearest hosted equivalent of
// bypassing a cache to read real sectors.
package ide

import (
	"sync"

	"golang.org/x/sys/unix"

	"nucleus/internal/defs"
)

// SectorSize is the IDE sector size (spec.md §4.13: "512 B IDE sectors").
const SectorSize = 512

// BlockDevice is the narrow disk contract every consumer above this
// package depends on.
type BlockDevice interface {
	ReadSector(lba uint32) ([SectorSize]byte, defs.Err_t)
	WriteSector(lba uint32, data [SectorSize]byte) defs.Err_t
}

// FileBackend implements BlockDevice by reading/writing a disk image file
// through direct I/O, guarded by a mutex the way ahci_disk_t.Start locks
// around its seek-then-read/write pair to keep the two atomic.
type FileBackend struct {
	mu sync.Mutex
	fd int
}

// OpenFileBackend opens path as the backing store. direct requests
// O_DIRECT, bypassing the host page cache the way real port I/O bypasses
// any cache above the disk controller; tests against ordinary filesystems
// (tmpfs, overlayfs) that reject O_DIRECT should pass false.
func OpenFileBackend(path string, direct bool) (*FileBackend, defs.Err_t) {
	flags := unix.O_RDWR | unix.O_CREAT
	if direct {
		flags |= unix.O_DIRECT
	}
	fd, err := unix.Open(path, flags, 0644)
	if err != nil {
		return nil, defs.EIO
	}
	return &FileBackend{fd: fd}, 0
}

// ReadSector reads one 512-byte sector at lba.
func (f *FileBackend) ReadSector(lba uint32) ([SectorSize]byte, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var buf [SectorSize]byte
	n, err := unix.Pread(f.fd, buf[:], int64(lba)*SectorSize)
	if err != nil || n != SectorSize {
		return buf, defs.EIO
	}
	return buf, 0
}

// WriteSector writes one 512-byte sector at lba.
func (f *FileBackend) WriteSector(lba uint32, data [SectorSize]byte) defs.Err_t {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := unix.Pwrite(f.fd, data[:], int64(lba)*SectorSize)
	if err != nil || n != SectorSize {
		return defs.EIO
	}
	return 0
}

// Close releases the underlying file descriptor.
func (f *FileBackend) Close() defs.Err_t {
	if err := unix.Close(f.fd); err != nil {
		return defs.EIO
	}
	return 0
}

// SectorBacked adapts a BlockDevice (512 B sectors) to ext2.BlockDevice's
// ReadBlock(block, buf) contract, whose block size may be a multiple of the
// sector size (spec.md §4.9: "block_size = 1024 << s_log_block_size").
type SectorBacked struct {
	dev             BlockDevice
	sectorsPerBlock uint32
}

// NewSectorBacked builds the adapter for the given ext2 block size.
func NewSectorBacked(dev BlockDevice, blockSize uint32) *SectorBacked {
	return &SectorBacked{dev: dev, sectorsPerBlock: blockSize / SectorSize}
}

// ReadBlock implements ext2.BlockDevice.
func (s *SectorBacked) ReadBlock(block uint32, buf []byte) error {
	base := block * s.sectorsPerBlock
	for i := uint32(0); i < s.sectorsPerBlock; i++ {
		sec, err := s.dev.ReadSector(base + i)
		if err != 0 {
			return err
		}
		copy(buf[i*SectorSize:], sec[:])
	}
	return nil
}

// WriteBlock writes sectorsPerBlock sectors starting at block's base lba.
// Not part of ext2.BlockDevice (the ext2 driver is read-only), but kept
// symmetrical with ReadBlock for mkfs-style tooling and tests.
func (s *SectorBacked) WriteBlock(block uint32, buf []byte) error {
	base := block * s.sectorsPerBlock
	for i := uint32(0); i < s.sectorsPerBlock; i++ {
		var sec [SectorSize]byte
		copy(sec[:], buf[i*SectorSize:(i+1)*SectorSize])
		if err := s.dev.WriteSector(base+i, sec); err != 0 {
			return err
		}
	}
	return nil
}

// MemBackend is an in-memory BlockDevice, the hosted equivalent of a RAM
// disk — used by tests that want SectorBacked/ext2 coverage without a real
// file or root privileges for O_DIRECT.
type MemBackend struct {
	mu      sync.Mutex
	sectors map[uint32][SectorSize]byte
}

// NewMemBackend creates an empty (all-zero) in-memory disk.
func NewMemBackend() *MemBackend {
	return &MemBackend{sectors: make(map[uint32][SectorSize]byte)}
}

func (m *MemBackend) ReadSector(lba uint32) ([SectorSize]byte, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sectors[lba], 0
}

func (m *MemBackend) WriteSector(lba uint32, data [SectorSize]byte) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sectors[lba] = data
	return 0
}
