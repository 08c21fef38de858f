// Package inode implements the on-disk inode table: 128-byte packed
// inodes, four per block, read-modify-written at single-inode
// granularity, with bitmap-backed allocation and full block
// reclamation on free.
package inode

import (
	"bytes"
	"encoding/binary"
	"time"

	"tinyfs/internal/bitmap"
	"tinyfs/internal/diskio"
	"tinyfs/internal/fserrors"
	"tinyfs/internal/superblock"
)

// Type is the inode's kind.
type Type uint8

const (
	Free Type = iota
	FileType
	DirType
)

// NumDirect is the number of direct block pointers in an inode.
const NumDirect = 12

// Size is the packed on-disk size of an Inode in bytes.
const Size = 128

// PointersPerIndirectBlock is B/4, the fan-out of the single-indirect
// block.
const PointersPerIndirectBlock = 512 / 4

// Inode is the 128-byte on-disk inode record. Field order matches the
// packed on-disk layout; encoding/binary serializes each field by its
// fixed width in declaration order, so no manual alignment padding is
// needed — Reserved absorbs the remainder up to the 128-byte contract.
type Inode struct {
	Type        uint8
	Size        uint32
	BlocksUsed  uint32
	Direct      [NumDirect]uint32
	Indirect    uint32
	CreatedTime int64
	ModTime     int64
	AccessTime  int64
	Perms       uint32
	LinksCount  uint32
	Reserved    [35]byte
}

// Table is the inode table view over a mounted device and superblock.
type Table struct {
	disk *diskio.Disk
	sb   *superblock.Superblock
}

// New constructs a Table bound to the given device and superblock.
func New(disk *diskio.Disk, sb *superblock.Superblock) *Table {
	return &Table{disk: disk, sb: sb}
}

// position returns the containing block and intra-block byte offset
// for inode number n.
func (t *Table) position(n uint32) (block int64, offset int) {
	perBlock := t.sb.InodesPerBlock()
	block = int64(t.sb.InodeTableStart) + int64(n/perBlock)
	offset = int(n%perBlock) * Size
	return block, offset
}

// Read loads inode n from disk.
func (t *Table) Read(n uint32) (*Inode, error) {
	if n >= t.sb.TotalInodes {
		return nil, fserrors.New(fserrors.Invalid, "inode %d out of range", n)
	}
	block, offset := t.position(n)
	buf := make([]byte, diskio.BlockSize)
	if err := t.disk.ReadBlock(block, buf); err != nil {
		return nil, fserrors.New(fserrors.IO, "read inode %d: %v", n, err)
	}
	ino := &Inode{}
	if err := binary.Read(bytes.NewReader(buf[offset:offset+Size]), binary.LittleEndian, ino); err != nil {
		return nil, fserrors.New(fserrors.Generic, "decode inode %d: %v", n, err)
	}
	return ino, nil
}

// Write performs a read-modify-write of inode n's containing block,
// preserving the other INODES_PER_BLOCK-1 inodes in that block.
func (t *Table) Write(n uint32, ino *Inode) error {
	if n >= t.sb.TotalInodes {
		return fserrors.New(fserrors.Invalid, "inode %d out of range", n)
	}
	block, offset := t.position(n)
	buf := make([]byte, diskio.BlockSize)
	if err := t.disk.ReadBlock(block, buf); err != nil {
		return fserrors.New(fserrors.IO, "read inode block for %d: %v", n, err)
	}
	enc := new(bytes.Buffer)
	if err := binary.Write(enc, binary.LittleEndian, ino); err != nil {
		return fserrors.New(fserrors.Generic, "encode inode %d: %v", n, err)
	}
	copy(buf[offset:offset+Size], enc.Bytes())
	if err := t.disk.WriteBlock(block, buf); err != nil {
		return fserrors.New(fserrors.IO, "write inode %d: %v", n, err)
	}
	return nil
}

// Alloc finds the first free inode bitmap bit (skipping 0), marks it
// used, builds a fresh inode of the given type/perms and writes it. On
// write failure the bitmap bit is rolled back.
func Alloc(t *Table, inodeBitmap *bitmap.Bitmap, typ Type, perms uint32, now time.Time) (uint32, *Inode, error) {
	idx, err := inodeBitmap.FindFirstFree()
	if err != nil {
		return 0, nil, fserrors.New(fserrors.NoSpace, "no free inode: %v", err)
	}
	if err := inodeBitmap.Set(idx); err != nil {
		return 0, nil, fserrors.New(fserrors.Generic, "set inode bitmap bit %d: %v", idx, err)
	}

	ino := &Inode{
		Type:        uint8(typ),
		CreatedTime: now.Unix(),
		ModTime:     now.Unix(),
		AccessTime:  now.Unix(),
		Perms:       perms,
		LinksCount:  1,
	}

	if err := t.Write(uint32(idx), ino); err != nil {
		_ = inodeBitmap.Clear(idx)
		return 0, nil, fserrors.New(fserrors.IO, "write new inode %d: %v", idx, err)
	}
	return uint32(idx), ino, nil
}

// Free releases every block owned by inode n (direct pointers, the
// indirect block's children, and the indirect block itself) through
// blockBitmap, clears the inode bitmap bit, and overwrites the inode
// slot with a zeroed, Free-typed record. It reports the number of data
// blocks freed; the indirect block itself is released but not counted.
func (t *Table) Free(n uint32, ino *Inode, blockBitmap, inodeBitmap *bitmap.Bitmap) (freed int, err error) {
	for _, ptr := range ino.Direct {
		if ptr == 0 {
			continue
		}
		if err := blockBitmap.Clear(int(ptr)); err != nil {
			return freed, fserrors.New(fserrors.Generic, "clear block bitmap bit %d: %v", ptr, err)
		}
		freed++
	}

	if ino.Indirect != 0 {
		buf := make([]byte, diskio.BlockSize)
		if err := t.disk.ReadBlock(int64(ino.Indirect), buf); err != nil {
			return freed, fserrors.New(fserrors.IO, "read indirect block %d: %v", ino.Indirect, err)
		}
		for i := 0; i < PointersPerIndirectBlock; i++ {
			ptr := binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
			if ptr == 0 {
				continue
			}
			if err := blockBitmap.Clear(int(ptr)); err != nil {
				return freed, fserrors.New(fserrors.Generic, "clear block bitmap bit %d: %v", ptr, err)
			}
			freed++
		}
		if err := blockBitmap.Clear(int(ino.Indirect)); err != nil {
			return freed, fserrors.New(fserrors.Generic, "clear indirect block bitmap bit %d: %v", ino.Indirect, err)
		}
	}

	if err := inodeBitmap.Clear(int(n)); err != nil {
		return freed, fserrors.New(fserrors.Generic, "clear inode bitmap bit %d: %v", n, err)
	}

	zero := &Inode{Type: uint8(Free)}
	if err := t.Write(n, zero); err != nil {
		return freed, fserrors.New(fserrors.IO, "zero inode %d: %v", n, err)
	}
	return freed, nil
}

// IsDirectory reports whether the inode is a directory.
func (ino *Inode) IsDirectory() bool { return Type(ino.Type) == DirType }

// IsFile reports whether the inode is a regular file.
func (ino *Inode) IsFile() bool { return Type(ino.Type) == FileType }

// IsFree reports whether the inode slot is unused.
func (ino *Inode) IsFree() bool { return Type(ino.Type) == Free }
