// Package ext2 implements the read-only ext2 filesystem driver: superblock
// and blockgroup parsing, inode addressing (direct/single/double indirect),
// directory-entry scanning, symlink resolution, and the vfs.Callbacks
// adapter that mounts it at "/" (spec.md §4.9).
//
// The on-disk structures are fixed-layout C structs, so they are decoded
// with encoding/binary the same way biscuit's src/fs/super.go's Superblock_t
// decodes biscuit's own (non-ext2) superblock fields — here generalized
// from that package's word-indexed custom layout to ext2's real byte
// offsets, since this driver targets actual ext2 images rather than
// biscuit's bespoke format. Block caching/readahead (biscuit's src/fs/blk.go's
// Bdev_block_t) is out of scope for a read-only driver; only the
// concurrent-reader dedup it implies is kept, via singleflight below.
package ext2

import (
	"encoding/binary"
	"strings"

	"golang.org/x/sync/singleflight"

	"nucleus/internal/defs"
	"nucleus/internal/vfs"
)

const (
	magicExt2      = 0xEF53
	superblockOff  = 1024
	superblockSize = 1024
	bgdSize        = 32
	defaultInodeSize = 128

	rootInode = 2

	sIFMT  = 0xF000
	sIFLNK = 0xA000
	sIFDIR = 0x4000
	sIFREG = 0x8000

	maxSymlinkDepth = 8
)

// BlockDevice is the narrow disk abstraction ext2 reads through (spec.md
// §9: "Keep a narrow BlockDevice trait"). It operates at ext2's own block
// granularity; internal/ide's sector-level BlockDevice is adapted down to
// this one block at a time when the kernel is wired up in cmd/kernel.
type BlockDevice interface {
	ReadBlock(block uint32, buf []byte) error
}

// Superblock holds the decoded fields of the 1024 B ext2 superblock
// (spec.md §4.9 step 1).
type Superblock struct {
	InodesCount    uint32
	BlocksCount    uint32
	FirstDataBlock uint32
	LogBlockSize   uint32
	BlocksPerGroup uint32
	InodesPerGroup uint32
	Magic          uint16
	State          uint16
	InodeSize      uint16
}

const (
	stateClean = 1
)

func parseSuperblock(raw []byte) (*Superblock, defs.Err_t) {
	if len(raw) < superblockSize {
		return nil, defs.EIO
	}
	sb := &Superblock{
		InodesCount:    binary.LittleEndian.Uint32(raw[0:4]),
		BlocksCount:    binary.LittleEndian.Uint32(raw[4:8]),
		FirstDataBlock: binary.LittleEndian.Uint32(raw[20:24]),
		LogBlockSize:   binary.LittleEndian.Uint32(raw[24:28]),
		BlocksPerGroup: binary.LittleEndian.Uint32(raw[32:36]),
		InodesPerGroup: binary.LittleEndian.Uint32(raw[40:44]),
		Magic:          binary.LittleEndian.Uint16(raw[56:58]),
		State:          binary.LittleEndian.Uint16(raw[58:60]),
	}
	if sb.Magic != magicExt2 {
		return nil, defs.EINVAL
	}
	if sb.State != stateClean {
		return nil, defs.EIO
	}
	sb.InodeSize = defaultInodeSize
	if len(raw) >= 90 {
		if rev := binary.LittleEndian.Uint32(raw[76:80]); rev >= 1 {
			if sz := binary.LittleEndian.Uint16(raw[88:90]); sz != 0 {
				sb.InodeSize = sz
			}
		}
	}
	return sb, 0
}

// BlockSize returns 1024 << LogBlockSize (spec.md §4.9 step 1).
func (sb *Superblock) BlockSize() uint32 {
	return 1024 << sb.LogBlockSize
}

// BlockGroup is one entry of the blockgroup descriptor table (spec.md
// §4.9 step 2, GLOSSARY "Blockgroup").
type BlockGroup struct {
	BlockBitmap    uint32
	InodeBitmap    uint32
	InodeTable     uint32
	FreeBlockCount uint16
	FreeInodeCount uint16
	UsedDirsCount  uint16
}

func parseBlockGroup(raw []byte) BlockGroup {
	return BlockGroup{
		BlockBitmap:    binary.LittleEndian.Uint32(raw[0:4]),
		InodeBitmap:    binary.LittleEndian.Uint32(raw[4:8]),
		InodeTable:     binary.LittleEndian.Uint32(raw[8:12]),
		FreeBlockCount: binary.LittleEndian.Uint16(raw[12:14]),
		FreeInodeCount: binary.LittleEndian.Uint16(raw[14:16]),
		UsedDirsCount:  binary.LittleEndian.Uint16(raw[16:18]),
	}
}

// Inode is the decoded 128 B (or Superblock.InodeSize) on-disk inode
// record (GLOSSARY "Inode").
type Inode struct {
	Mode       uint16
	Uid        uint16
	SizeLo     uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	Gid        uint16
	LinksCount uint16
	Blocks512  uint32
	Flags      uint32
	Block      [15]uint32
	Generation uint32
}

func parseInode(raw []byte) *Inode {
	in := &Inode{
		Mode:       binary.LittleEndian.Uint16(raw[0:2]),
		Uid:        binary.LittleEndian.Uint16(raw[2:4]),
		SizeLo:     binary.LittleEndian.Uint32(raw[4:8]),
		Atime:      binary.LittleEndian.Uint32(raw[8:12]),
		Ctime:      binary.LittleEndian.Uint32(raw[12:16]),
		Mtime:      binary.LittleEndian.Uint32(raw[16:20]),
		Dtime:      binary.LittleEndian.Uint32(raw[20:24]),
		Gid:        binary.LittleEndian.Uint16(raw[24:26]),
		LinksCount: binary.LittleEndian.Uint16(raw[26:28]),
		Blocks512:  binary.LittleEndian.Uint32(raw[28:32]),
		Flags:      binary.LittleEndian.Uint32(raw[32:36]),
		Generation: binary.LittleEndian.Uint32(raw[100:104]),
	}
	for i := 0; i < 15; i++ {
		in.Block[i] = binary.LittleEndian.Uint32(raw[40+4*i : 44+4*i])
	}
	return in
}

// IsDir reports whether the inode is a directory.
func (in *Inode) IsDir() bool { return in.Mode&sIFMT == sIFDIR }

// IsSymlink reports whether the inode is a symbolic link.
func (in *Inode) IsSymlink() bool { return in.Mode&sIFMT == sIFLNK }

// IsRegular reports whether the inode is a regular file.
func (in *Inode) IsRegular() bool { return in.Mode&sIFMT == sIFREG }

// dirent is one ext2 directory entry, scanned by rec_len (spec.md §4.9:
// "open(path): ... scanning directory entries by record_len").
type dirent struct {
	Inode   uint32
	RecLen  uint16
	NameLen uint8
	Name    string
}

// Fs is a mounted, read-only ext2 filesystem (spec.md §4.9).
type Fs struct {
	dev  BlockDevice
	sb   *Superblock
	bgs  []BlockGroup
	root *Inode

	sf singleflight.Group // collapses concurrent reads of the same block
}

// Mount reads the superblock, blockgroup table, and root inode from dev
// and returns a mounted filesystem (spec.md §4.9 steps 1-3).
func Mount(dev BlockDevice) (*Fs, defs.Err_t) {
	fs := &Fs{dev: dev}

	raw, err := fs.readByteRange(superblockOff, superblockSize, 1024)
	if err != 0 {
		return nil, err
	}
	sb, err := parseSuperblock(raw)
	if err != 0 {
		return nil, err
	}
	fs.sb = sb

	numGroups := (sb.BlocksCount + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup
	if numGroups == 0 {
		numGroups = 1
	}
	// Group descriptors start immediately after the superblock's block: for
	// a 1024 B block size the boot block occupies block 0 and
	// first_data_block is 1, so the table starts at block 2.
	bgdTableBlock := sb.FirstDataBlock + 1
	bgdBytes, err := fs.readByteRange(uint64(bgdTableBlock)*uint64(sb.BlockSize()), int(numGroups)*bgdSize, sb.BlockSize())
	if err != 0 {
		return nil, err
	}
	fs.bgs = make([]BlockGroup, numGroups)
	for i := range fs.bgs {
		fs.bgs[i] = parseBlockGroup(bgdBytes[i*bgdSize : (i+1)*bgdSize])
	}

	root, err := fs.ReadInode(rootInode)
	if err != 0 {
		return nil, err
	}
	fs.root = root
	return fs, 0
}

// readBlock reads one filesystem block, deduplicating concurrent readers
// of the same block (SPEC_FULL.md §4.9's singleflight wiring).
func (fs *Fs) readBlock(block uint32) ([]byte, defs.Err_t) {
	key := blockKey(block)
	v, sfErr, _ := fs.sf.Do(key, func() (interface{}, error) {
		buf := make([]byte, fs.sb.BlockSize())
		if err := fs.dev.ReadBlock(block, buf); err != nil {
			return nil, err
		}
		return buf, nil
	})
	if sfErr != nil {
		return nil, defs.EIO
	}
	return v.([]byte), 0
}

func blockKey(block uint32) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = hex[block&0xf]
		block >>= 4
	}
	return string(b)
}

// readByteRange reads [offset, offset+n) by fetching whichever blocks of
// size bs it spans. Used before fs.sb is fully populated (bs is passed
// explicitly rather than derived from fs.sb).
func (fs *Fs) readByteRange(offset uint64, n int, bs uint32) ([]byte, defs.Err_t) {
	out := make([]byte, n)
	filled := 0
	for filled < n {
		block := uint32((offset + uint64(filled)) / uint64(bs))
		blockOff := int((offset + uint64(filled)) % uint64(bs))
		buf := make([]byte, bs)
		if err := fs.dev.ReadBlock(block, buf); err != nil {
			return nil, defs.EIO
		}
		take := int(bs) - blockOff
		if take > n-filled {
			take = n - filled
		}
		copy(out[filled:filled+take], buf[blockOff:blockOff+take])
		filled += take
	}
	return out, 0
}

// ReadInode reads and decodes inode number n (spec.md §4.9: "read_inode(n):
// bg = (n-1) / inodes_per_group; ... offset ((n-1) % inodes_per_group) *
// inode_size").
func (fs *Fs) ReadInode(n uint32) (*Inode, defs.Err_t) {
	bg := (n - 1) / fs.sb.InodesPerGroup
	if int(bg) >= len(fs.bgs) {
		return nil, defs.EINVAL
	}
	idx := (n - 1) % fs.sb.InodesPerGroup
	off := uint64(fs.bgs[bg].InodeTable)*uint64(fs.sb.BlockSize()) + uint64(idx)*uint64(fs.sb.InodeSize)
	raw, err := fs.readByteRange(off, int(fs.sb.InodeSize), fs.sb.BlockSize())
	if err != 0 {
		return nil, err
	}
	return parseInode(raw), 0
}

// resolveBlock maps logical block b of an inode to its physical block
// number (spec.md §4.9 "Block addressing"; exact index arithmetic verified
// against spec.md §8's test vectors for block_size=1024: block 11 is
// direct, block 12 is indirect[0], block 267 is indirect[255], block 268
// is double-indirect[0][0]).
func (fs *Fs) resolveBlock(in *Inode, b uint32) (uint32, defs.Err_t) {
	bs := fs.sb.BlockSize()
	p := bs / 4

	if b < 12 {
		return in.Block[b], 0
	}
	b -= 12
	if b < p {
		return fs.indirectLookup(in.Block[12], b)
	}
	b -= p
	if b < p*p {
		outer := b / p
		inner := b % p
		mid, err := fs.indirectLookup(in.Block[13], outer)
		if err != 0 {
			return 0, err
		}
		return fs.indirectLookup(mid, inner)
	}
	// Triple indirect (in.Block[14]) is not required by the spec.
	return 0, defs.EIO
}

func (fs *Fs) indirectLookup(tableBlock, idx uint32) (uint32, defs.Err_t) {
	if tableBlock == 0 {
		return 0, 0
	}
	raw, err := fs.readBlock(tableBlock)
	if err != 0 {
		return 0, err
	}
	off := idx * 4
	if int(off+4) > len(raw) {
		return 0, defs.EIO
	}
	return binary.LittleEndian.Uint32(raw[off : off+4]), 0
}

// Read implements spec.md §4.9's `read(fp, buf, size)`: require a regular
// file, clamp size to min(size, inode.size), and copy num_blocks worth of
// data starting at offset.
func (fs *Fs) Read(in *Inode, offset int64, buf []byte) (int, defs.Err_t) {
	if !in.IsRegular() {
		return 0, defs.EISDIR
	}
	size := int64(in.SizeLo)
	if offset >= size {
		return 0, 0
	}
	want := int64(len(buf))
	if offset+want > size {
		want = size - offset
	}
	bs := int64(fs.sb.BlockSize())
	n := 0
	for int64(n) < want {
		logical := uint32((offset + int64(n)) / bs)
		blockOff := (offset + int64(n)) % bs
		phys, err := fs.resolveBlock(in, logical)
		if err != 0 {
			return n, err
		}
		take := bs - blockOff
		if take > want-int64(n) {
			take = want - int64(n)
		}
		if phys == 0 {
			// Sparse hole: reads as zero.
			for i := int64(0); i < take; i++ {
				buf[int64(n)+i] = 0
			}
		} else {
			blk, err := fs.readBlock(phys)
			if err != 0 {
				return n, err
			}
			copy(buf[n:int64(n)+take], blk[blockOff:blockOff+take])
		}
		n += int(take)
	}
	return n, 0
}

// ReadDirBlockRaw reads directory block index `idx` of a directory inode
// verbatim, unparsed (spec.md §4.9's getdents: "entries remain in on-disk
// layout").
func (fs *Fs) ReadDirBlockRaw(in *Inode, idx uint32) ([]byte, defs.Err_t) {
	if !in.IsDir() {
		return nil, defs.ENOTDIR
	}
	phys, err := fs.resolveBlock(in, idx)
	if err != 0 {
		return nil, err
	}
	if phys == 0 {
		return make([]byte, fs.sb.BlockSize()), 0
	}
	return fs.readBlock(phys)
}

// Getdents reads len(buf)/block_size directory blocks of inode n verbatim
// into buf, starting at the block containing byte offset, with directory
// entries left exactly as they sit on disk (spec.md §4.9: "getdents(fp, buf,
// size): size must be a multiple of 1024 ... reads size/block_size
// directory blocks verbatim into buf (entries remain in on-disk layout)").
// Returns the number of bytes copied, which is always a multiple of the
// filesystem's block size.
func (fs *Fs) Getdents(n uint32, offset int, buf []byte) (int, defs.Err_t) {
	bs := int(fs.sb.BlockSize())
	if len(buf) == 0 || len(buf)%bs != 0 {
		return 0, defs.EINVAL
	}
	in, err := fs.ReadInode(n)
	if err != 0 {
		return 0, err
	}
	startBlock := uint32(offset) / uint32(bs)
	nblocks := len(buf) / bs
	total := 0
	for i := 0; i < nblocks; i++ {
		blk, err := fs.ReadDirBlockRaw(in, startBlock+uint32(i))
		if err != 0 {
			return total, err
		}
		copy(buf[i*bs:(i+1)*bs], blk)
		total += len(blk)
	}
	return total, 0
}

func (fs *Fs) scanDirents(in *Inode) ([]dirent, defs.Err_t) {
	if !in.IsDir() {
		return nil, defs.ENOTDIR
	}
	bs := fs.sb.BlockSize()
	nblocks := (in.SizeLo + bs - 1) / bs
	var out []dirent
	for i := uint32(0); i < nblocks; i++ {
		blk, err := fs.ReadDirBlockRaw(in, i)
		if err != 0 {
			return nil, err
		}
		off := 0
		for off+8 <= len(blk) {
			ino := binary.LittleEndian.Uint32(blk[off : off+4])
			recLen := binary.LittleEndian.Uint16(blk[off+4 : off+6])
			nameLen := blk[off+6]
			if recLen == 0 {
				break
			}
			if ino != 0 {
				nameStart := off + 8
				nameEnd := nameStart + int(nameLen)
				if nameEnd > len(blk) {
					break
				}
				out = append(out, dirent{
					Inode:   ino,
					RecLen:  recLen,
					NameLen: nameLen,
					Name:    string(blk[nameStart:nameEnd]),
				})
			}
			off += int(recLen)
		}
	}
	return out, 0
}

// symlinkTarget returns the link text of a symlink inode: inline (stored
// directly in the 60 bytes of in.Block) if size <= 60, otherwise the file
// body (spec.md §4.9: "inline symlink (size <= 60) uses inode.blocks as
// the path string; otherwise read the file body").
func (fs *Fs) symlinkTarget(in *Inode) (string, defs.Err_t) {
	if in.SizeLo <= 60 {
		raw := make([]byte, 60)
		for i := 0; i < 15; i++ {
			binary.LittleEndian.PutUint32(raw[4*i:4*i+4], in.Block[i])
		}
		return string(raw[:in.SizeLo]), 0
	}
	buf := make([]byte, in.SizeLo)
	n, err := fs.Read(in, 0, buf)
	if err != 0 {
		return "", err
	}
	return string(buf[:n]), 0
}

// Open walks path from the root inode, resolving symlinks along the way
// (spec.md §4.9: "open(path): walk path components from the root inode
// ... Returns the resolved inode number or 0").
func (fs *Fs) Open(path string) (uint32, defs.Err_t) {
	ino, err := fs.resolve(rootInode, path, 0)
	if err != 0 {
		return 0, err
	}
	return ino, 0
}

func (fs *Fs) resolve(dirIno uint32, path string, depth int) (uint32, defs.Err_t) {
	if depth > maxSymlinkDepth {
		return 0, defs.EINVAL
	}
	cur := dirIno
	path = strings.Trim(path, "/")
	if path == "" {
		return rootInode, 0
	}
	parts := strings.Split(path, "/")
	for i, name := range parts {
		in, err := fs.ReadInode(cur)
		if err != 0 {
			return 0, err
		}
		entries, err := fs.scanDirents(in)
		if err != 0 {
			return 0, err
		}
		var next uint32
		found := false
		for _, d := range entries {
			if d.Name == name {
				next, found = d.Inode, true
				break
			}
		}
		if !found {
			return 0, defs.ENOENT
		}

		nin, err := fs.ReadInode(next)
		if err != 0 {
			return 0, err
		}
		if nin.IsSymlink() {
			target, err := fs.symlinkTarget(nin)
			if err != 0 {
				return 0, err
			}
			rest := strings.Join(parts[i+1:], "/")
			if strings.HasPrefix(target, "/") {
				// Absolute symlink targets reset the walk.
				full := target
				if rest != "" {
					full += "/" + rest
				}
				return fs.resolve(rootInode, full, depth+1)
			}
			// Relative targets are normalized against the symlink's
			// containing directory (cur), not the root.
			full := target
			if rest != "" {
				full += "/" + rest
			}
			return fs.resolve(cur, full, depth+1)
		}
		cur = next
	}
	return cur, 0
}

// Stat fills in the subset of inode metadata spec.md §4.9's `stat(fp,
// dest)` copies: mode, uid/gid, size, link count, timestamps, block
// count.
type Stat struct {
	Mode       uint16
	Uid, Gid   uint16
	Size       int64
	Links      uint16
	Blocks512  uint32
	Atime      uint32
	Mtime      uint32
	Ctime      uint32
	Dev        uint32
	BlockSize  uint32
}

// StatInode builds a Stat for inode n.
func (fs *Fs) StatInode(n uint32) (*Stat, defs.Err_t) {
	in, err := fs.ReadInode(n)
	if err != 0 {
		return nil, err
	}
	return &Stat{
		Mode:      in.Mode,
		Uid:       in.Uid,
		Gid:       in.Gid,
		Size:      int64(in.SizeLo),
		Links:     in.LinksCount,
		Blocks512: in.Blocks512,
		Atime:     in.Atime,
		Mtime:     in.Mtime,
		Ctime:     in.Ctime,
		Dev:       1, // spec.md §4.9: "sets st_dev = 1"
		BlockSize: fs.sb.BlockSize(),
	}, 0
}

// VFSCallbacks adapts fs to the vfs.Callbacks table the filesystem is
// mounted at "/" with (spec.md §4.9 step 4: "Mount at / with callbacks
// {open, stat, read, getdents}").
func (fs *Fs) VFSCallbacks() *vfs.Callbacks {
	return &vfs.Callbacks{
		Open: func(path string, flags int) (uint32, defs.Err_t) {
			return fs.Open(path)
		},
		Stat: func(inode uint32) (int64, uint32, defs.Err_t) {
			st, err := fs.StatInode(inode)
			if err != 0 {
				return 0, 0, err
			}
			return st.Size, uint32(st.Mode), 0
		},
		Read: func(inode uint32, offset int64, buf []byte) (int, defs.Err_t) {
			in, err := fs.ReadInode(inode)
			if err != 0 {
				return 0, err
			}
			return fs.Read(in, offset, buf)
		},
		Getdents: func(inode uint32, offset int, buf []byte) (int, defs.Err_t) {
			return fs.Getdents(inode, offset, buf)
		},
	}
}
