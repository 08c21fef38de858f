// Package dentry implements fixed-size directory entry storage across
// a directory's data blocks. Find scans direct blocks then the indirect
// block's pointers; add places into the first empty slot, allocating
// blocks as needed with layered rollback; remove zeroes a slot; list is
// two-phase count-then-fill.
package dentry

import (
	"bytes"
	"encoding/binary"

	"tinyfs/internal/bitmap"
	"tinyfs/internal/diskio"
	"tinyfs/internal/fserrors"
	"tinyfs/internal/inode"
)

// MaxNameLen is the dentry name buffer capacity minus the NUL
// terminator.
const MaxNameLen = 249

// nameBufLen is the on-disk filename buffer size, 250 bytes.
const nameBufLen = 250

// Size is the packed on-disk size of a Dentry in bytes.
const Size = 256

// dentriesPerBlock is 2: 256-byte entries in 512-byte blocks.
const dentriesPerBlock = diskio.BlockSize / Size

// Dentry is a single directory entry slot.
type Dentry struct {
	InodeNum uint32
	NameLen  uint8
	FileType uint8
	Name     [nameBufLen]byte
}

// Empty reports whether the slot is unused.
func (d *Dentry) Empty() bool { return d.InodeNum == 0 }

// NameString returns the entry's name as a Go string.
func (d *Dentry) NameString() string {
	return string(d.Name[:d.NameLen])
}

func isControl(b byte) bool {
	return b < 0x20 || b == 0x7F
}

// nameIsValid reports whether name is usable as a dentry name:
// non-empty, within MaxNameLen, no '/' or control bytes, and not "."
// or "..".
func nameIsValid(name string) bool {
	if len(name) == 0 || len(name) > MaxNameLen {
		return false
	}
	if name == "." || name == ".." {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || isControl(name[i]) {
			return false
		}
	}
	return true
}

// Create builds a validated in-memory dentry. name must pass
// nameIsValid; inodeNum must be non-zero; fileType must be FileType or
// DirType. "." and ".." are not constructible here; the filesystem
// core builds those two directly with NewRawFor, bypassing this
// validator.
func Create(name string, inodeNum uint32, fileType inode.Type) (*Dentry, error) {
	if inodeNum == 0 {
		return nil, fserrors.New(fserrors.Invalid, "dentry: inode number must be non-zero")
	}
	if fileType != inode.FileType && fileType != inode.DirType {
		return nil, fserrors.New(fserrors.Invalid, "dentry: invalid file type %d", fileType)
	}
	if !nameIsValid(name) {
		return nil, fserrors.New(fserrors.Invalid, "dentry: invalid name %q", name)
	}
	return newRaw(name, inodeNum, fileType), nil
}

// newRaw builds a dentry without name validation, used only for the
// self-maintained "." and ".." entries.
func newRaw(name string, inodeNum uint32, fileType inode.Type) *Dentry {
	d := &Dentry{InodeNum: inodeNum, NameLen: uint8(len(name)), FileType: uint8(fileType)}
	copy(d.Name[:], name)
	return d
}

func decodeDentry(buf []byte) (*Dentry, error) {
	d := &Dentry{}
	if err := binary.Read(bytes.NewReader(buf[:Size]), binary.LittleEndian, d); err != nil {
		return nil, fserrors.New(fserrors.Generic, "decode dentry: %v", err)
	}
	return d, nil
}

func encodeDentry(d *Dentry) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, d); err != nil {
		return nil, fserrors.New(fserrors.Generic, "encode dentry: %v", err)
	}
	return buf.Bytes(), nil
}

// Dir is the directory-entry view over a mounted device.
type Dir struct {
	disk *diskio.Disk
}

// New constructs a Dir bound to the given device.
func New(disk *diskio.Disk) *Dir {
	return &Dir{disk: disk}
}

// indirectPointers returns the indirect block's pointer array, or nil
// when the directory has no indirect block yet.
func (d *Dir) indirectPointers(ino *inode.Inode) ([]uint32, error) {
	if ino.Indirect == 0 {
		return nil, nil
	}
	buf := make([]byte, diskio.BlockSize)
	if err := d.disk.ReadBlock(int64(ino.Indirect), buf); err != nil {
		return nil, fserrors.New(fserrors.IO, "read indirect block %d: %v", ino.Indirect, err)
	}
	ptrs := make([]uint32, inode.PointersPerIndirectBlock)
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return ptrs, nil
}

// Find scans dir's data blocks for name, returning its inode number and
// global slot index, or NotFound.
func (d *Dir) Find(ino *inode.Inode, name string) (foundInode uint32, slot int, err error) {
	slotBase := 0
	for _, blk := range ino.Direct {
		if blk == 0 {
			slotBase += dentriesPerBlock
			continue
		}
		found, idx, err := d.scanBlock(blk, name)
		if err != nil {
			return 0, 0, err
		}
		if found != 0 {
			return found, slotBase + idx, nil
		}
		slotBase += dentriesPerBlock
	}

	ptrs, err := d.indirectPointers(ino)
	if err != nil {
		return 0, 0, err
	}
	for _, blk := range ptrs {
		if blk == 0 {
			slotBase += dentriesPerBlock
			continue
		}
		found, idx, err := d.scanBlock(blk, name)
		if err != nil {
			return 0, 0, err
		}
		if found != 0 {
			return found, slotBase + idx, nil
		}
		slotBase += dentriesPerBlock
	}

	return 0, 0, fserrors.New(fserrors.NotFound, "dentry %q not found", name)
}

func (d *Dir) scanBlock(blockNum uint32, name string) (inodeNum uint32, idx int, err error) {
	buf := make([]byte, diskio.BlockSize)
	if err := d.disk.ReadBlock(int64(blockNum), buf); err != nil {
		return 0, 0, fserrors.New(fserrors.IO, "read dentry block %d: %v", blockNum, err)
	}
	for i := 0; i < dentriesPerBlock; i++ {
		ent, err := decodeDentry(buf[i*Size : (i+1)*Size])
		if err != nil {
			return 0, 0, err
		}
		if !ent.Empty() && ent.NameString() == name {
			return ent.InodeNum, i, nil
		}
	}
	return 0, 0, nil
}

// Add inserts newEntry into the first empty slot of dir (direct blocks
// then indirect), allocating a new data block (and, if needed, the
// indirect block itself) via blockBitmap when no empty slot exists yet.
// On success dirIno is mutated in place (Direct/Indirect/BlocksUsed) and
// the caller is responsible for persisting it via inodeTable.Write; on
// any I/O failure during a fresh allocation, the bitmap bit (and
// indirect pointer, if just allocated) are rolled back.
func (d *Dir) Add(dirIno *inode.Inode, newEntry *Dentry, blockBitmap *bitmap.Bitmap) error {
	if existing, _, err := d.Find(dirIno, newEntry.NameString()); err == nil && existing != 0 {
		return fserrors.New(fserrors.Exists, "dentry %q already exists", newEntry.NameString())
	}

	for i := range dirIno.Direct {
		if dirIno.Direct[i] != 0 {
			ok, err := d.tryInsertInBlock(dirIno.Direct[i], newEntry)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			continue
		}
		blk, err := d.allocZeroBlock(blockBitmap)
		if err != nil {
			return err
		}
		if err := d.writeEntryAt(blk, 0, newEntry); err != nil {
			_ = blockBitmap.Clear(int(blk))
			return err
		}
		dirIno.Direct[i] = blk
		dirIno.BlocksUsed++
		return nil
	}

	allocatedIndirect := false
	if dirIno.Indirect == 0 {
		blk, err := d.allocZeroBlock(blockBitmap)
		if err != nil {
			return err
		}
		dirIno.Indirect = blk
		dirIno.BlocksUsed++
		allocatedIndirect = true
	}
	rollbackIndirect := func() {
		if allocatedIndirect {
			_ = blockBitmap.Clear(int(dirIno.Indirect))
			dirIno.Indirect = 0
			dirIno.BlocksUsed--
		}
	}

	ptrs, err := d.indirectPointers(dirIno)
	if err != nil {
		rollbackIndirect()
		return err
	}
	for i, blk := range ptrs {
		if blk != 0 {
			ok, err := d.tryInsertInBlock(blk, newEntry)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			continue
		}
		newBlk, err := d.allocZeroBlock(blockBitmap)
		if err != nil {
			rollbackIndirect()
			return err
		}
		if err := d.writeEntryAt(newBlk, 0, newEntry); err != nil {
			_ = blockBitmap.Clear(int(newBlk))
			rollbackIndirect()
			return err
		}
		if err := d.setIndirectPointer(dirIno.Indirect, i, newBlk); err != nil {
			_ = blockBitmap.Clear(int(newBlk))
			rollbackIndirect()
			return err
		}
		dirIno.BlocksUsed++
		return nil
	}

	rollbackIndirect()
	return fserrors.New(fserrors.NoSpace, "directory has no free slot or block")
}

func (d *Dir) allocZeroBlock(blockBitmap *bitmap.Bitmap) (uint32, error) {
	idx, err := blockBitmap.FindFirstFree()
	if err != nil {
		return 0, fserrors.New(fserrors.NoSpace, "no free block: %v", err)
	}
	if err := blockBitmap.Set(idx); err != nil {
		return 0, fserrors.New(fserrors.Generic, "set block bitmap bit %d: %v", idx, err)
	}
	zero := make([]byte, diskio.BlockSize)
	if err := d.disk.WriteBlock(int64(idx), zero); err != nil {
		_ = blockBitmap.Clear(idx)
		return 0, fserrors.New(fserrors.IO, "zero new block %d: %v", idx, err)
	}
	return uint32(idx), nil
}

func (d *Dir) setIndirectPointer(indirectBlock uint32, slot int, ptr uint32) error {
	buf := make([]byte, diskio.BlockSize)
	if err := d.disk.ReadBlock(int64(indirectBlock), buf); err != nil {
		return fserrors.New(fserrors.IO, "read indirect block %d: %v", indirectBlock, err)
	}
	binary.LittleEndian.PutUint32(buf[slot*4:slot*4+4], ptr)
	if err := d.disk.WriteBlock(int64(indirectBlock), buf); err != nil {
		return fserrors.New(fserrors.IO, "write indirect block %d: %v", indirectBlock, err)
	}
	return nil
}

// tryInsertInBlock places entry into the first empty slot of an
// already-allocated block, reporting false if the block is full.
func (d *Dir) tryInsertInBlock(blockNum uint32, entry *Dentry) (bool, error) {
	buf := make([]byte, diskio.BlockSize)
	if err := d.disk.ReadBlock(int64(blockNum), buf); err != nil {
		return false, fserrors.New(fserrors.IO, "read dentry block %d: %v", blockNum, err)
	}
	for i := 0; i < dentriesPerBlock; i++ {
		ent, err := decodeDentry(buf[i*Size : (i+1)*Size])
		if err != nil {
			return false, err
		}
		if ent.Empty() {
			return true, d.writeEntryAt(blockNum, i, entry)
		}
	}
	return false, nil
}

func (d *Dir) writeEntryAt(blockNum uint32, slot int, entry *Dentry) error {
	buf := make([]byte, diskio.BlockSize)
	if err := d.disk.ReadBlock(int64(blockNum), buf); err != nil {
		return fserrors.New(fserrors.IO, "read dentry block %d: %v", blockNum, err)
	}
	enc, err := encodeDentry(entry)
	if err != nil {
		return err
	}
	copy(buf[slot*Size:(slot+1)*Size], enc)
	if err := d.disk.WriteBlock(int64(blockNum), buf); err != nil {
		return fserrors.New(fserrors.IO, "write dentry block %d: %v", blockNum, err)
	}
	return nil
}

// Remove locates name in dir and zeroes its slot. Now-empty directory
// blocks are not released; Add refills the holes.
func (d *Dir) Remove(dirIno *inode.Inode, name string) error {
	blocks := append([]uint32{}, dirIno.Direct[:]...)
	ptrs, err := d.indirectPointers(dirIno)
	if err != nil {
		return err
	}
	blocks = append(blocks, ptrs...)

	for _, blk := range blocks {
		if blk == 0 {
			continue
		}
		buf := make([]byte, diskio.BlockSize)
		if err := d.disk.ReadBlock(int64(blk), buf); err != nil {
			return fserrors.New(fserrors.IO, "read dentry block %d: %v", blk, err)
		}
		changed := false
		for i := 0; i < dentriesPerBlock; i++ {
			ent, err := decodeDentry(buf[i*Size : (i+1)*Size])
			if err != nil {
				return err
			}
			if !ent.Empty() && ent.NameString() == name {
				zero := make([]byte, Size)
				copy(buf[i*Size:(i+1)*Size], zero)
				changed = true
				break
			}
		}
		if changed {
			return d.disk.WriteBlock(int64(blk), buf)
		}
	}
	return fserrors.New(fserrors.NotFound, "dentry %q not found", name)
}

// List returns every non-empty dentry reachable from dir, two-phase:
// count, then fill in the same traversal order.
func (d *Dir) List(dirIno *inode.Inode) ([]*Dentry, error) {
	blocks := append([]uint32{}, dirIno.Direct[:]...)
	ptrs, err := d.indirectPointers(dirIno)
	if err != nil {
		return nil, err
	}
	blocks = append(blocks, ptrs...)

	var out []*Dentry
	for pass := 0; pass < 2; pass++ {
		count := 0
		for _, blk := range blocks {
			if blk == 0 {
				continue
			}
			buf := make([]byte, diskio.BlockSize)
			if err := d.disk.ReadBlock(int64(blk), buf); err != nil {
				return nil, fserrors.New(fserrors.IO, "read dentry block %d: %v", blk, err)
			}
			for i := 0; i < dentriesPerBlock; i++ {
				ent, err := decodeDentry(buf[i*Size : (i+1)*Size])
				if err != nil {
					return nil, err
				}
				if ent.Empty() {
					continue
				}
				if pass == 0 {
					count++
				} else {
					out = append(out, ent)
				}
			}
		}
		if pass == 0 {
			out = make([]*Dentry, 0, count)
		}
	}
	return out, nil
}

// NewRawFor is the hook internal/vfs uses to build the "." and ".."
// entries, which bypass name validation.
func NewRawFor(name string, inodeNum uint32, fileType inode.Type) *Dentry {
	return newRaw(name, inodeNum, fileType)
}
