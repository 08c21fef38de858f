// Package vfs implements the filesystem core: format, mount, unmount,
// path-to-inode resolution, block-offset inode I/O, and the
// file/directory operations. Superblock and bitmaps load eagerly on
// mount, mutate in memory, and flush on unmount.
package vfs

import (
	"time"

	"github.com/sirupsen/logrus"

	"tinyfs/internal/bitmap"
	"tinyfs/internal/dentry"
	"tinyfs/internal/diskio"
	"tinyfs/internal/fserrors"
	"tinyfs/internal/fspath"
	"tinyfs/internal/inode"
	"tinyfs/internal/superblock"
)

// RootInode is the fixed inode number of the root directory.
const RootInode uint32 = 1

// Open-flag bits, OR-combinable.
const (
	ORDONLY = 0x01
	OWRONLY = 0x02
	ORDWR   = 0x03
	OCREAT  = 0x08
	OAPPEND = 0x10
	OTRUNC  = 0x20
)

const maxInodeToPathDepth = 64

// Filesystem is the in-memory, per-mount handle: device, superblock
// copy, both bitmaps, current directory, mounted flag.
type Filesystem struct {
	disk        *diskio.Disk
	sb          *superblock.Superblock
	blockBitmap *bitmap.Bitmap
	inodeBitmap *bitmap.Bitmap
	inodes      *inode.Table
	dirs        *dentry.Dir
	cwd         uint32
	mounted     bool
}

// File is an open-file handle: inode number, an inode snapshot, the
// current byte offset, the open flags, and a back-reference to the
// filesystem.
type File struct {
	fs       *Filesystem
	InodeNum uint32
	Inode    *inode.Inode
	Offset   uint32
	Flags    int
}

// Stats is a snapshot of the superblock counters and sizes, consumed
// by the shell's fsinfo command and by tests.
type Stats struct {
	TotalBlocks, FreeBlocks uint32
	TotalInodes, FreeInodes uint32
	BlockSize, InodeSize    uint32
	MountCount              uint32
}

// Format writes a fresh superblock, allocates in-memory bitmaps sized
// by the block and inode totals, marks metadata regions and inode 0 used, allocates the root
// directory (which must land on inode 1), and populates it with "."
// and ".." self-entries. Any mid-format failure frees the root inode
// and rewrites the superblock before returning the error.
func Format(path string, totalBlocks, totalInodes uint32) error {
	now := time.Now()
	sb, err := superblock.Init(totalBlocks, totalInodes, now)
	if err != nil {
		return err
	}

	disk, err := diskio.Attach(path, int64(totalBlocks)*diskio.BlockSize, true)
	if err != nil {
		return err
	}
	defer disk.Detach()

	blockBitmap := bitmap.New(int(totalBlocks))
	inodeBitmap := bitmap.New(int(totalInodes))

	metaEnd := sb.FirstDataBlock
	if err := blockBitmap.SetRange(0, int(metaEnd)); err != nil {
		return fserrors.New(fserrors.Generic, "mark metadata blocks used: %v", err)
	}
	if err := inodeBitmap.Set(0); err != nil {
		return fserrors.New(fserrors.Generic, "mark inode 0 used: %v", err)
	}

	inodes := inode.New(disk, sb)
	dirs := dentry.New(disk)

	rootNum, rootIno, err := inode.Alloc(inodes, inodeBitmap, inode.DirType, 0755, now)
	if err != nil {
		return err
	}
	if rootNum != RootInode {
		return formatRollback(inodes, inodeBitmap, rootNum, blockBitmap, sb, disk,
			fserrors.New(fserrors.Generic, "root inode allocated as %d, expected %d", rootNum, RootInode))
	}

	if err := dirs.Add(rootIno, dentry.NewRawFor(fspath.Current, rootNum, inode.DirType), blockBitmap); err != nil {
		return formatRollback(inodes, inodeBitmap, rootNum, blockBitmap, sb, disk, err)
	}
	if err := dirs.Add(rootIno, dentry.NewRawFor(fspath.Parent, rootNum, inode.DirType), blockBitmap); err != nil {
		return formatRollback(inodes, inodeBitmap, rootNum, blockBitmap, sb, disk, err)
	}
	rootIno.LinksCount = 2
	if err := inodes.Write(rootNum, rootIno); err != nil {
		return formatRollback(inodes, inodeBitmap, rootNum, blockBitmap, sb, disk, err)
	}

	sb.FreeBlocks = uint32(blockBitmap.CountFree())
	sb.FreeInodes = uint32(inodeBitmap.CountFree())

	if err := writeBitmapRegion(disk, sb.BlockBitmapStart, sb.BlockBitmapLen, blockBitmap); err != nil {
		return formatRollback(inodes, inodeBitmap, rootNum, blockBitmap, sb, disk, err)
	}
	if err := writeBitmapRegion(disk, sb.InodeBitmapStart, sb.InodeBitmapLen, inodeBitmap); err != nil {
		return formatRollback(inodes, inodeBitmap, rootNum, blockBitmap, sb, disk, err)
	}
	if err := writeSuperblock(disk, sb); err != nil {
		return formatRollback(inodes, inodeBitmap, rootNum, blockBitmap, sb, disk, err)
	}

	logrus.WithFields(logrus.Fields{"path": path, "blocks": totalBlocks, "inodes": totalInodes}).Info("filesystem formatted")
	return nil
}

func formatRollback(inodes *inode.Table, inodeBitmap *bitmap.Bitmap, rootNum uint32, blockBitmap *bitmap.Bitmap, sb *superblock.Superblock, disk *diskio.Disk, cause error) error {
	rootIno, readErr := inodes.Read(rootNum)
	if readErr == nil {
		_, _ = inodes.Free(rootNum, rootIno, blockBitmap, inodeBitmap)
	}
	sb.FreeBlocks = uint32(blockBitmap.CountFree())
	sb.FreeInodes = uint32(inodeBitmap.CountFree())
	_ = writeSuperblock(disk, sb)
	return cause
}

func writeSuperblock(disk *diskio.Disk, sb *superblock.Superblock) error {
	buf, err := sb.Marshal(diskio.BlockSize)
	if err != nil {
		return err
	}
	if err := disk.WriteBlock(0, buf); err != nil {
		return fserrors.New(fserrors.IO, "write superblock: %v", err)
	}
	return nil
}

func writeBitmapRegion(disk *diskio.Disk, start, length uint32, bm *bitmap.Bitmap) error {
	data := bm.Bytes()
	for i := uint32(0); i < length; i++ {
		buf := make([]byte, diskio.BlockSize)
		lo := int(i) * diskio.BlockSize
		hi := lo + diskio.BlockSize
		if lo < len(data) {
			if hi > len(data) {
				hi = len(data)
			}
			copy(buf, data[lo:hi])
		}
		if err := disk.WriteBlock(int64(start+i), buf); err != nil {
			return fserrors.New(fserrors.IO, "write bitmap block %d: %v", start+i, err)
		}
	}
	return nil
}

func readBitmapRegion(disk *diskio.Disk, start, length uint32, nbits int) (*bitmap.Bitmap, error) {
	data := make([]byte, 0, length*diskio.BlockSize)
	for i := uint32(0); i < length; i++ {
		buf := make([]byte, diskio.BlockSize)
		if err := disk.ReadBlock(int64(start+i), buf); err != nil {
			return nil, fserrors.New(fserrors.IO, "read bitmap block %d: %v", start+i, err)
		}
		data = append(data, buf...)
	}
	need := (nbits + 7) / 8
	if len(data) > need {
		data = data[:need]
	}
	return bitmap.FromBytes(nbits, data), nil
}

// Mount reads and validates the superblock, loads both bitmaps from
// disk, sets the current directory to root, and updates the mount
// timestamp/counter.
func Mount(path string) (*Filesystem, error) {
	disk, err := diskio.Attach(path, 0, false)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, diskio.BlockSize)
	if err := disk.ReadBlock(0, buf); err != nil {
		disk.Detach()
		return nil, fserrors.New(fserrors.IO, "read superblock: %v", err)
	}
	sb, err := superblock.Unmarshal(buf)
	if err != nil {
		disk.Detach()
		return nil, err
	}
	if !sb.Valid() {
		disk.Detach()
		return nil, fserrors.New(fserrors.Invalid, "bad magic: image is not a tinyfs filesystem")
	}

	blockBitmap, err := readBitmapRegion(disk, sb.BlockBitmapStart, sb.BlockBitmapLen, int(sb.TotalBlocks))
	if err != nil {
		disk.Detach()
		return nil, err
	}
	inodeBitmap, err := readBitmapRegion(disk, sb.InodeBitmapStart, sb.InodeBitmapLen, int(sb.TotalInodes))
	if err != nil {
		disk.Detach()
		return nil, err
	}

	sb.LastMountTime = time.Now().Unix()
	sb.MountCount++
	if err := writeSuperblock(disk, sb); err != nil {
		disk.Detach()
		return nil, err
	}

	fs := &Filesystem{
		disk:        disk,
		sb:          sb,
		blockBitmap: blockBitmap,
		inodeBitmap: inodeBitmap,
		inodes:      inode.New(disk, sb),
		dirs:        dentry.New(disk),
		cwd:         RootInode,
		mounted:     true,
	}
	logrus.WithField("path", path).Info("filesystem mounted")
	return fs, nil
}

// Unmount writes both bitmaps and the superblock back, then detaches
// the device.
func (fs *Filesystem) Unmount() error {
	if !fs.mounted {
		return fserrors.New(fserrors.Generic, "filesystem not mounted")
	}
	if err := writeBitmapRegion(fs.disk, fs.sb.BlockBitmapStart, fs.sb.BlockBitmapLen, fs.blockBitmap); err != nil {
		return err
	}
	if err := writeBitmapRegion(fs.disk, fs.sb.InodeBitmapStart, fs.sb.InodeBitmapLen, fs.inodeBitmap); err != nil {
		return err
	}
	if err := writeSuperblock(fs.disk, fs.sb); err != nil {
		return err
	}
	if err := fs.disk.Detach(); err != nil {
		return err
	}
	fs.mounted = false
	logrus.Info("filesystem unmounted")
	return nil
}

// Stats reports the current superblock counters and sizes.
func (fs *Filesystem) Stats() Stats {
	return Stats{
		TotalBlocks: fs.sb.TotalBlocks,
		FreeBlocks:  fs.sb.FreeBlocks,
		TotalInodes: fs.sb.TotalInodes,
		FreeInodes:  fs.sb.FreeInodes,
		BlockSize:   fs.sb.BlockSize,
		InodeSize:   fs.sb.InodeSize,
		MountCount:  fs.sb.MountCount,
	}
}

// CurrentDirInode returns the inode number of the current directory.
func (fs *Filesystem) CurrentDirInode() uint32 {
	return fs.cwd
}

// PathToInode resolves path to an inode number: validate, normalize,
// then walk one component at a time from root (absolute) or the
// current directory (relative).
func (fs *Filesystem) PathToInode(path string) (uint32, error) {
	if !fspath.IsValid(path) {
		return 0, fserrors.New(fserrors.Invalid, "malformed path %q", path)
	}
	norm, err := fspath.Normalize(path)
	if err != nil {
		return 0, err
	}
	if norm == "/" {
		return RootInode, nil
	}

	p, err := fspath.Parse(norm)
	if err != nil {
		return 0, err
	}

	cur := fs.cwd
	if p.IsAbsolute {
		cur = RootInode
	}

	for _, comp := range p.Components {
		if comp == fspath.Current {
			continue
		}
		curIno, err := fs.inodes.Read(cur)
		if err != nil {
			return 0, err
		}
		if comp == fspath.Parent {
			next, _, err := fs.dirs.Find(curIno, fspath.Parent)
			if err != nil {
				return 0, fserrors.New(fserrors.NotFound, "%q has no parent entry", comp)
			}
			cur = next
			continue
		}
		next, _, err := fs.dirs.Find(curIno, comp)
		if err != nil {
			return 0, fserrors.New(fserrors.NotFound, "%q not found", comp)
		}
		cur = next
	}
	return cur, nil
}
