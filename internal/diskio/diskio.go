// Package diskio implements a fixed-512-byte-block device over a
// memory-mapped backing image file: open-or-create, ftruncate to the
// target size, mmap(MAP_SHARED), with msync/munmap on detach.
package diskio

import (
	"os"

	"golang.org/x/sys/unix"

	"tinyfs/internal/fserrors"
)

// BlockSize is the fixed device block size in bytes.
const BlockSize = 512

// Disk is a memory-mapped, fixed-block backing image.
type Disk struct {
	file     *os.File
	data     []byte
	size     int64
	attached bool
	path     string
}

// Attach opens (or creates, when createNew is true) the image at path
// and memory-maps it. When createNew is true the file is truncated to
// size bytes, which must be a positive multiple of BlockSize; when
// opening an existing image, size is ignored and the file's own length
// is used.
func Attach(path string, size int64, createNew bool) (*Disk, error) {
	if createNew && (size <= 0 || size%BlockSize != 0) {
		return nil, fserrors.New(fserrors.Invalid, "size %d is not a positive multiple of %d", size, BlockSize)
	}

	flags := os.O_RDWR
	if createNew {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0666)
	if err != nil {
		return nil, fserrors.New(fserrors.IO, "open %s: %v", path, err)
	}

	if createNew {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fserrors.New(fserrors.IO, "truncate %s: %v", path, err)
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fserrors.New(fserrors.IO, "stat %s: %v", path, err)
		}
		size = fi.Size()
		if size < BlockSize || size%BlockSize != 0 {
			f.Close()
			return nil, fserrors.New(fserrors.Invalid, "image %s has size %d, not a positive multiple of %d", path, size, BlockSize)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fserrors.New(fserrors.IO, "mmap %s: %v", path, err)
	}

	return &Disk{file: f, data: data, size: size, attached: true, path: path}, nil
}

// Detach syncs, unmaps and closes the image.
func (d *Disk) Detach() error {
	if !d.attached {
		return fserrors.New(fserrors.Generic, "disk not attached")
	}
	if err := d.Sync(); err != nil {
		return err
	}
	if err := unix.Munmap(d.data); err != nil {
		return fserrors.New(fserrors.IO, "munmap %s: %v", d.path, err)
	}
	if err := d.file.Close(); err != nil {
		return fserrors.New(fserrors.IO, "close %s: %v", d.path, err)
	}
	d.attached = false
	d.data = nil
	return nil
}

func (d *Disk) blockCount() int64 {
	return d.size / BlockSize
}

func (d *Disk) checkBlock(n int64) error {
	if n < 0 || n >= d.blockCount() {
		return fserrors.New(fserrors.Invalid, "block %d out of range [0,%d)", n, d.blockCount())
	}
	return nil
}

// ReadBlock copies block n into buf, which must be at least BlockSize
// bytes.
func (d *Disk) ReadBlock(n int64, buf []byte) error {
	if !d.attached {
		return fserrors.New(fserrors.Generic, "disk not attached")
	}
	if err := d.checkBlock(n); err != nil {
		return err
	}
	if len(buf) < BlockSize {
		return fserrors.New(fserrors.Invalid, "buffer too small for block read")
	}
	copy(buf, d.data[n*BlockSize:(n+1)*BlockSize])
	return nil
}

// WriteBlock writes BlockSize bytes from buf into block n.
func (d *Disk) WriteBlock(n int64, buf []byte) error {
	if !d.attached {
		return fserrors.New(fserrors.Generic, "disk not attached")
	}
	if err := d.checkBlock(n); err != nil {
		return err
	}
	if len(buf) < BlockSize {
		return fserrors.New(fserrors.Invalid, "buffer too small for block write")
	}
	copy(d.data[n*BlockSize:(n+1)*BlockSize], buf[:BlockSize])
	return nil
}

// ReadAt reads len(buf) bytes starting at byte offset into buf.
func (d *Disk) ReadAt(offset int64, buf []byte) error {
	if !d.attached {
		return fserrors.New(fserrors.Generic, "disk not attached")
	}
	if offset < 0 || offset+int64(len(buf)) > d.size {
		return fserrors.New(fserrors.Invalid, "read [%d,%d) exceeds image size %d", offset, offset+int64(len(buf)), d.size)
	}
	copy(buf, d.data[offset:offset+int64(len(buf))])
	return nil
}

// WriteAt writes buf starting at byte offset.
func (d *Disk) WriteAt(offset int64, buf []byte) error {
	if !d.attached {
		return fserrors.New(fserrors.Generic, "disk not attached")
	}
	if offset < 0 || offset+int64(len(buf)) > d.size {
		return fserrors.New(fserrors.Invalid, "write [%d,%d) exceeds image size %d", offset, offset+int64(len(buf)), d.size)
	}
	copy(d.data[offset:offset+int64(len(buf))], buf)
	return nil
}

// Sync flushes the mapping to the backing file.
func (d *Disk) Sync() error {
	if !d.attached {
		return fserrors.New(fserrors.Generic, "disk not attached")
	}
	if err := unix.Msync(d.data, unix.MS_SYNC); err != nil {
		return fserrors.New(fserrors.IO, "msync %s: %v", d.path, err)
	}
	return nil
}

// Size returns the image size in bytes.
func (d *Disk) Size() int64 { return d.size }

// BlockCount returns the number of fixed-size blocks in the image.
func (d *Disk) BlockCount() int64 { return d.blockCount() }

// BlockSizeBytes returns the fixed block size.
func (d *Disk) BlockSizeBytes() int { return BlockSize }

// Attached reports whether the image is currently mapped.
func (d *Disk) Attached() bool { return d.attached }

// Path returns the backing image's filename.
func (d *Disk) Path() string { return d.path }
