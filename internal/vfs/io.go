package vfs

import (
	"encoding/binary"
	"time"

	"tinyfs/internal/diskio"
	"tinyfs/internal/fserrors"
	"tinyfs/internal/inode"
)

// blockPointer returns the k-th data block pointer of ino, reading the
// indirect block from disk when k >= inode.NumDirect.
func (fs *Filesystem) blockPointer(ino *inode.Inode, k int) (uint32, error) {
	if k < inode.NumDirect {
		return ino.Direct[k], nil
	}
	idx := k - inode.NumDirect
	if idx >= inode.PointersPerIndirectBlock {
		return 0, fserrors.New(fserrors.NoSpace, "block index %d exceeds indirect capacity", k)
	}
	if ino.Indirect == 0 {
		return 0, nil
	}
	buf := make([]byte, diskio.BlockSize)
	if err := fs.disk.ReadBlock(int64(ino.Indirect), buf); err != nil {
		return 0, fserrors.New(fserrors.IO, "read indirect block %d: %v", ino.Indirect, err)
	}
	return binary.LittleEndian.Uint32(buf[idx*4 : idx*4+4]), nil
}

// setBlockPointer sets the k-th data block pointer of ino, allocating
// and zeroing the indirect block first if required. On any failure
// after an indirect-block allocation, the bitmap bit is rolled back and
// ino.Indirect is restored to zero.
func (fs *Filesystem) setBlockPointer(ino *inode.Inode, k int, ptr uint32) error {
	if k < inode.NumDirect {
		ino.Direct[k] = ptr
		return nil
	}
	idx := k - inode.NumDirect
	if idx >= inode.PointersPerIndirectBlock {
		return fserrors.New(fserrors.NoSpace, "block index %d exceeds indirect capacity", k)
	}

	allocatedIndirect := false
	if ino.Indirect == 0 {
		blk, err := fs.allocBlock()
		if err != nil {
			return err
		}
		zero := make([]byte, diskio.BlockSize)
		if err := fs.disk.WriteBlock(int64(blk), zero); err != nil {
			_ = fs.blockBitmap.Clear(int(blk))
			return fserrors.New(fserrors.IO, "zero indirect block %d: %v", blk, err)
		}
		ino.Indirect = blk
		ino.BlocksUsed++
		allocatedIndirect = true
	}

	buf := make([]byte, diskio.BlockSize)
	if err := fs.disk.ReadBlock(int64(ino.Indirect), buf); err != nil {
		if allocatedIndirect {
			_ = fs.blockBitmap.Clear(int(ino.Indirect))
			ino.Indirect = 0
			ino.BlocksUsed--
		}
		return fserrors.New(fserrors.IO, "read indirect block %d: %v", ino.Indirect, err)
	}
	binary.LittleEndian.PutUint32(buf[idx*4:idx*4+4], ptr)
	if err := fs.disk.WriteBlock(int64(ino.Indirect), buf); err != nil {
		if allocatedIndirect {
			_ = fs.blockBitmap.Clear(int(ino.Indirect))
			ino.Indirect = 0
			ino.BlocksUsed--
		}
		return fserrors.New(fserrors.IO, "write indirect block %d: %v", ino.Indirect, err)
	}
	return nil
}

// allocBlock finds and marks used the smallest-index free block.
func (fs *Filesystem) allocBlock() (uint32, error) {
	idx, err := fs.blockBitmap.FindFirstFree()
	if err != nil {
		return 0, fserrors.New(fserrors.NoSpace, "no free block: %v", err)
	}
	if err := fs.blockBitmap.Set(idx); err != nil {
		return 0, fserrors.New(fserrors.Generic, "set block bitmap bit %d: %v", idx, err)
	}
	return uint32(idx), nil
}

// readInodeData reads up to len(out) bytes from ino starting at offset,
// clipping to ino.Size. Holes (zero pointers) read as zeros.
func (fs *Filesystem) readInodeData(ino *inode.Inode, offset uint32, out []byte) (int, error) {
	if offset >= ino.Size {
		return 0, nil
	}
	toRead := len(out)
	if remain := int(ino.Size - offset); toRead > remain {
		toRead = remain
	}
	if toRead <= 0 {
		return 0, nil
	}

	read := 0
	for read < toRead {
		absOffset := offset + uint32(read)
		k := int(absOffset / diskio.BlockSize)
		intraOff := int(absOffset % diskio.BlockSize)
		chunk := diskio.BlockSize - intraOff
		if remain := toRead - read; chunk > remain {
			chunk = remain
		}

		ptr, err := fs.blockPointer(ino, k)
		if err != nil {
			return read, err
		}
		if ptr == 0 {
			for i := 0; i < chunk; i++ {
				out[read+i] = 0
			}
		} else {
			buf := make([]byte, diskio.BlockSize)
			if err := fs.disk.ReadBlock(int64(ptr), buf); err != nil {
				return read, fserrors.New(fserrors.IO, "read data block %d: %v", ptr, err)
			}
			copy(out[read:read+chunk], buf[intraOff:intraOff+chunk])
		}
		read += chunk
	}
	return read, nil
}

// writeInodeData writes data into ino starting at offset, allocating
// new blocks (and the indirect block, if needed) as required, then
// persists ino. Every newly allocated block is zeroed before the
// partial write; pre-existing blocks are read-modify-written to
// preserve untouched bytes. Extending writes grow ino.Size.
func (fs *Filesystem) writeInodeData(n uint32, ino *inode.Inode, offset uint32, data []byte, now time.Time) (int, error) {
	written := 0
	for written < len(data) {
		absOffset := offset + uint32(written)
		k := int(absOffset / diskio.BlockSize)
		intraOff := int(absOffset % diskio.BlockSize)
		chunk := diskio.BlockSize - intraOff
		if remain := len(data) - written; chunk > remain {
			chunk = remain
		}

		ptr, err := fs.blockPointer(ino, k)
		if err != nil {
			return written, err
		}

		buf := make([]byte, diskio.BlockSize)
		if ptr == 0 {
			blk, err := fs.allocBlock()
			if err != nil {
				return written, err
			}
			if err := fs.disk.WriteBlock(int64(blk), buf); err != nil {
				_ = fs.blockBitmap.Clear(int(blk))
				return written, fserrors.New(fserrors.IO, "zero new block %d: %v", blk, err)
			}
			if err := fs.setBlockPointer(ino, k, blk); err != nil {
				_ = fs.blockBitmap.Clear(int(blk))
				return written, err
			}
			ino.BlocksUsed++
			ptr = blk
		} else if err := fs.disk.ReadBlock(int64(ptr), buf); err != nil {
			return written, fserrors.New(fserrors.IO, "read data block %d: %v", ptr, err)
		}

		copy(buf[intraOff:intraOff+chunk], data[written:written+chunk])
		if err := fs.disk.WriteBlock(int64(ptr), buf); err != nil {
			return written, fserrors.New(fserrors.IO, "write data block %d: %v", ptr, err)
		}
		written += chunk
	}

	if end := offset + uint32(written); end > ino.Size {
		ino.Size = end
	}
	ino.ModTime = now.Unix()
	if err := fs.inodes.Write(n, ino); err != nil {
		return written, err
	}
	return written, nil
}

// freeAllDataBlocks releases every block owned by ino (direct,
// indirect's children, and the indirect block itself) through the
// filesystem's block bitmap, zeroes ino's pointers, and reports the
// number of data blocks freed.
func (fs *Filesystem) freeAllDataBlocks(ino *inode.Inode) (int, error) {
	freed := 0
	for i, ptr := range ino.Direct {
		if ptr == 0 {
			continue
		}
		if err := fs.blockBitmap.Clear(int(ptr)); err != nil {
			return freed, fserrors.New(fserrors.Generic, "clear block bitmap bit %d: %v", ptr, err)
		}
		ino.Direct[i] = 0
		freed++
	}
	if ino.Indirect != 0 {
		buf := make([]byte, diskio.BlockSize)
		if err := fs.disk.ReadBlock(int64(ino.Indirect), buf); err != nil {
			return freed, fserrors.New(fserrors.IO, "read indirect block %d: %v", ino.Indirect, err)
		}
		for i := 0; i < inode.PointersPerIndirectBlock; i++ {
			ptr := binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
			if ptr == 0 {
				continue
			}
			if err := fs.blockBitmap.Clear(int(ptr)); err != nil {
				return freed, fserrors.New(fserrors.Generic, "clear block bitmap bit %d: %v", ptr, err)
			}
			freed++
		}
		if err := fs.blockBitmap.Clear(int(ino.Indirect)); err != nil {
			return freed, fserrors.New(fserrors.Generic, "clear indirect block bitmap bit %d: %v", ino.Indirect, err)
		}
		ino.Indirect = 0
	}
	ino.BlocksUsed = 0
	ino.Size = 0
	return freed, nil
}
