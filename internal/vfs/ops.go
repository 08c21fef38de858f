package vfs

import (
	"errors"
	"strings"
	"time"

	"tinyfs/internal/dentry"
	"tinyfs/internal/fserrors"
	"tinyfs/internal/fspath"
	"tinyfs/internal/inode"
)

// resolveParent splits path into parent directory inode + final
// component, requiring the parent to be a directory and the name to be
// valid and absent. Shared by Create, Mkdir, and Link.
func (fs *Filesystem) resolveParent(path string) (parentNum uint32, parentIno *inode.Inode, name string, err error) {
	if !fspath.IsValid(path) {
		return 0, nil, "", fserrors.New(fserrors.Invalid, "malformed path %q", path)
	}
	norm, err := fspath.Normalize(path)
	if err != nil {
		return 0, nil, "", err
	}
	parentPath, name, err := fspath.Split(norm)
	if err != nil {
		return 0, nil, "", err
	}
	if !fspath.FilenameIsValid(name) {
		return 0, nil, "", fserrors.New(fserrors.Invalid, "invalid name %q", name)
	}

	parentNum, err = fs.PathToInode(parentPath)
	if err != nil {
		return 0, nil, "", err
	}
	parentIno, err = fs.inodes.Read(parentNum)
	if err != nil {
		return 0, nil, "", err
	}
	if !parentIno.IsDirectory() {
		return 0, nil, "", fserrors.New(fserrors.Invalid, "%q is not a directory", parentPath)
	}
	if _, _, err := fs.dirs.Find(parentIno, name); err == nil {
		return 0, nil, "", fserrors.New(fserrors.Exists, "%q already exists", name)
	}
	return parentNum, parentIno, name, nil
}

// Create allocates a FILE inode named by path's final component inside
// its resolved parent directory. On any failure after the dentry add,
// the inode is freed; on any failure after inode allocation but before
// the dentry add succeeds, the inode alone is freed.
func (fs *Filesystem) Create(path string, perms uint32) (uint32, error) {
	parentNum, parentIno, name, err := fs.resolveParent(path)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	num, ino, err := inode.Alloc(fs.inodes, fs.inodeBitmap, inode.FileType, perms, now)
	if err != nil {
		return 0, err
	}

	ent, err := dentry.Create(name, num, inode.FileType)
	if err != nil {
		fs.rollbackInode(num, ino)
		return 0, err
	}
	if err := fs.dirs.Add(parentIno, ent, fs.blockBitmap); err != nil {
		fs.rollbackInode(num, ino)
		return 0, err
	}
	if err := fs.inodes.Write(parentNum, parentIno); err != nil {
		_ = fs.dirs.Remove(parentIno, name)
		fs.rollbackInode(num, ino)
		return 0, err
	}
	fs.sb.FreeInodes = uint32(fs.inodeBitmap.CountFree())
	fs.sb.FreeBlocks = uint32(fs.blockBitmap.CountFree())
	return num, nil
}

func (fs *Filesystem) rollbackInode(num uint32, ino *inode.Inode) {
	_, _ = fs.inodes.Free(num, ino, fs.blockBitmap, fs.inodeBitmap)
	fs.sb.FreeInodes = uint32(fs.inodeBitmap.CountFree())
	fs.sb.FreeBlocks = uint32(fs.blockBitmap.CountFree())
}

// Mkdir allocates a DIRECTORY inode, links it into its parent, then
// populates it with "." and ".." and bumps the parent's link count for
// the child's "..". Rollback is layered: a failure after incrementing
// the parent link reverts it; a failure after the parent-dentry add
// removes it; a failure after the inode alloc frees it.
func (fs *Filesystem) Mkdir(path string, perms uint32) (uint32, error) {
	parentNum, parentIno, name, err := fs.resolveParent(path)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	num, ino, err := inode.Alloc(fs.inodes, fs.inodeBitmap, inode.DirType, perms, now)
	if err != nil {
		return 0, err
	}

	ent, err := dentry.Create(name, num, inode.DirType)
	if err != nil {
		fs.rollbackInode(num, ino)
		return 0, err
	}
	if err := fs.dirs.Add(parentIno, ent, fs.blockBitmap); err != nil {
		fs.rollbackInode(num, ino)
		return 0, err
	}
	if err := fs.inodes.Write(parentNum, parentIno); err != nil {
		_ = fs.dirs.Remove(parentIno, name)
		fs.rollbackInode(num, ino)
		return 0, err
	}

	if err := fs.dirs.Add(ino, dentry.NewRawFor(fspath.Current, num, inode.DirType), fs.blockBitmap); err != nil {
		_ = fs.dirs.Remove(parentIno, name)
		_ = fs.inodes.Write(parentNum, parentIno)
		fs.rollbackInode(num, ino)
		return 0, err
	}
	if err := fs.dirs.Add(ino, dentry.NewRawFor(fspath.Parent, parentNum, inode.DirType), fs.blockBitmap); err != nil {
		_ = fs.dirs.Remove(parentIno, name)
		_ = fs.inodes.Write(parentNum, parentIno)
		fs.rollbackInode(num, ino)
		return 0, err
	}
	ino.LinksCount = 2
	if err := fs.inodes.Write(num, ino); err != nil {
		_ = fs.dirs.Remove(parentIno, name)
		_ = fs.inodes.Write(parentNum, parentIno)
		fs.rollbackInode(num, ino)
		return 0, err
	}

	parentIno.LinksCount++
	if err := fs.inodes.Write(parentNum, parentIno); err != nil {
		parentIno.LinksCount--
		_ = fs.dirs.Remove(parentIno, name)
		fs.rollbackInode(num, ino)
		return 0, err
	}

	fs.sb.FreeInodes = uint32(fs.inodeBitmap.CountFree())
	fs.sb.FreeBlocks = uint32(fs.blockBitmap.CountFree())
	return num, nil
}

// Unlink resolves path, requires a non-directory, decrements its link
// count (freeing it entirely if it reaches zero), then removes the
// dentry from its parent.
func (fs *Filesystem) Unlink(path string) error {
	num, err := fs.PathToInode(path)
	if err != nil {
		return err
	}
	ino, err := fs.inodes.Read(num)
	if err != nil {
		return err
	}
	if ino.IsDirectory() {
		return fserrors.New(fserrors.Invalid, "%q is a directory", path)
	}

	parentPath, name, err := fspath.Split(mustNormalize(path))
	if err != nil {
		return err
	}
	parentNum, err := fs.PathToInode(parentPath)
	if err != nil {
		return err
	}
	parentIno, err := fs.inodes.Read(parentNum)
	if err != nil {
		return err
	}

	ino.LinksCount--
	if ino.LinksCount == 0 {
		if _, err := fs.freeAllDataBlocks(ino); err != nil {
			return err
		}
		if _, err := fs.inodes.Free(num, ino, fs.blockBitmap, fs.inodeBitmap); err != nil {
			return err
		}
	} else {
		if err := fs.inodes.Write(num, ino); err != nil {
			return err
		}
	}

	if err := fs.dirs.Remove(parentIno, name); err != nil {
		return err
	}
	if err := fs.inodes.Write(parentNum, parentIno); err != nil {
		return err
	}
	fs.sb.FreeInodes = uint32(fs.inodeBitmap.CountFree())
	fs.sb.FreeBlocks = uint32(fs.blockBitmap.CountFree())
	return nil
}

// Rmdir rejects the root, requires a directory whose only entries are
// "." and "..", frees its blocks and inode, removes its dentry from the
// parent, and decrements the parent's link count.
func (fs *Filesystem) Rmdir(path string) error {
	num, err := fs.PathToInode(path)
	if err != nil {
		return err
	}
	if num == RootInode {
		return fserrors.New(fserrors.Invalid, "cannot remove root directory")
	}
	ino, err := fs.inodes.Read(num)
	if err != nil {
		return err
	}
	if !ino.IsDirectory() {
		return fserrors.New(fserrors.Invalid, "%q is not a directory", path)
	}

	entries, err := fs.dirs.List(ino)
	if err != nil {
		return err
	}
	for _, e := range entries {
		n := e.NameString()
		if n != fspath.Current && n != fspath.Parent {
			return fserrors.New(fserrors.Generic, "directory %q is not empty", path)
		}
	}

	parentPath, name, err := fspath.Split(mustNormalize(path))
	if err != nil {
		return err
	}
	parentNum, err := fs.PathToInode(parentPath)
	if err != nil {
		return err
	}
	parentIno, err := fs.inodes.Read(parentNum)
	if err != nil {
		return err
	}

	if _, err := fs.freeAllDataBlocks(ino); err != nil {
		return err
	}
	if _, err := fs.inodes.Free(num, ino, fs.blockBitmap, fs.inodeBitmap); err != nil {
		return err
	}
	if err := fs.dirs.Remove(parentIno, name); err != nil {
		return err
	}
	parentIno.LinksCount--
	if err := fs.inodes.Write(parentNum, parentIno); err != nil {
		return err
	}

	fs.sb.FreeInodes = uint32(fs.inodeBitmap.CountFree())
	fs.sb.FreeBlocks = uint32(fs.blockBitmap.CountFree())
	return nil
}

// Link resolves the existing path, rejects directories, validates and
// resolves the new path's parent, requires the new name be absent, adds
// a dentry referencing the same inode, and increments its link count.
func (fs *Filesystem) Link(existing, newPath string) error {
	num, err := fs.PathToInode(existing)
	if err != nil {
		return err
	}
	ino, err := fs.inodes.Read(num)
	if err != nil {
		return err
	}
	if ino.IsDirectory() {
		return fserrors.New(fserrors.Invalid, "cannot hard-link a directory")
	}

	parentNum, parentIno, name, err := fs.resolveParent(newPath)
	if err != nil {
		return err
	}

	ent, err := dentry.Create(name, num, inode.FileType)
	if err != nil {
		return err
	}
	if err := fs.dirs.Add(parentIno, ent, fs.blockBitmap); err != nil {
		return err
	}
	if err := fs.inodes.Write(parentNum, parentIno); err != nil {
		_ = fs.dirs.Remove(parentIno, name)
		return err
	}

	ino.LinksCount++
	if err := fs.inodes.Write(num, ino); err != nil {
		_ = fs.dirs.Remove(parentIno, name)
		return err
	}
	fs.sb.FreeBlocks = uint32(fs.blockBitmap.CountFree())
	return nil
}

// Open resolves path (creating a FILE if O_CREAT is set and it's
// missing), requires a regular file, truncates it if O_TRUNC is set,
// and returns a cursor positioned at 0 or at EOF if O_APPEND.
func (fs *Filesystem) Open(path string, flags int) (*File, error) {
	num, err := fs.PathToInode(path)
	if err != nil {
		if !errors.Is(err, fserrors.ErrNotFound) || flags&OCREAT == 0 {
			return nil, err
		}
		num, err = fs.Create(path, 0644)
		if err != nil {
			return nil, err
		}
	}

	ino, err := fs.inodes.Read(num)
	if err != nil {
		return nil, err
	}
	if !ino.IsFile() {
		return nil, fserrors.New(fserrors.Invalid, "%q is not a regular file", path)
	}

	if flags&OTRUNC != 0 {
		if _, err := fs.freeAllDataBlocks(ino); err != nil {
			return nil, err
		}
		if err := fs.inodes.Write(num, ino); err != nil {
			return nil, err
		}
		fs.sb.FreeBlocks = uint32(fs.blockBitmap.CountFree())
	}

	offset := uint32(0)
	if flags&OAPPEND != 0 {
		offset = ino.Size
	}
	return &File{fs: fs, InodeNum: num, Inode: ino, Offset: offset, Flags: flags}, nil
}

// Read fills buf from the handle's current offset, advancing it and
// refreshing the inode snapshot's access time. Fails with Permission if
// the handle wasn't opened for reading.
func (f *File) Read(buf []byte) (int, error) {
	if f.Flags&ORDONLY == 0 {
		return 0, fserrors.New(fserrors.Permission, "file not opened for reading")
	}
	n, err := f.fs.readInodeData(f.Inode, f.Offset, buf)
	if err != nil {
		return n, err
	}
	f.Offset += uint32(n)
	f.Inode.AccessTime = time.Now().Unix()
	return n, nil
}

// Write writes data at the handle's current offset, advancing it and
// persisting the inode. Fails with Permission if the handle wasn't
// opened for writing.
func (f *File) Write(data []byte) (int, error) {
	if f.Flags&OWRONLY == 0 {
		return 0, fserrors.New(fserrors.Permission, "file not opened for writing")
	}
	n, err := f.fs.writeInodeData(f.InodeNum, f.Inode, f.Offset, data, time.Now())
	if err != nil {
		return n, err
	}
	f.Offset += uint32(n)
	f.fs.sb.FreeBlocks = uint32(f.fs.blockBitmap.CountFree())
	return n, nil
}

// Seek clamps offset to [0, inode.Size].
func (f *File) Seek(offset uint32) uint32 {
	if offset > f.Inode.Size {
		offset = f.Inode.Size
	}
	f.Offset = offset
	return f.Offset
}

// Close discards the handle; inode persistence already happened inside
// Write.
func (f *File) Close() {}

// List resolves path, requires a directory, and returns its dentries.
func (fs *Filesystem) List(path string) ([]*dentry.Dentry, error) {
	num, err := fs.PathToInode(path)
	if err != nil {
		return nil, err
	}
	ino, err := fs.inodes.Read(num)
	if err != nil {
		return nil, err
	}
	if !ino.IsDirectory() {
		return nil, fserrors.New(fserrors.Invalid, "%q is not a directory", path)
	}
	return fs.dirs.List(ino)
}

// Stat resolves path and returns its inode number and inode struct.
func (fs *Filesystem) Stat(path string) (uint32, *inode.Inode, error) {
	num, err := fs.PathToInode(path)
	if err != nil {
		return 0, nil, err
	}
	ino, err := fs.inodes.Read(num)
	if err != nil {
		return 0, nil, err
	}
	return num, ino, nil
}

// Cd resolves path, requires a directory, and updates the current
// directory.
func (fs *Filesystem) Cd(path string) error {
	num, err := fs.PathToInode(path)
	if err != nil {
		return err
	}
	ino, err := fs.inodes.Read(num)
	if err != nil {
		return err
	}
	if !ino.IsDirectory() {
		return fserrors.New(fserrors.Invalid, "%q is not a directory", path)
	}
	fs.cwd = num
	return nil
}

// InodeToPath walks upward from num via ".." entries, accumulating the
// name each level is known by in its parent, down to a depth cap of 64
// (reporting NoSpace beyond that), and joins the result with "/". Root
// renders as "/".
func (fs *Filesystem) InodeToPath(num uint32) (string, error) {
	if num == RootInode {
		return "/", nil
	}

	var names []string
	cur := num
	for depth := 0; ; depth++ {
		if depth >= maxInodeToPathDepth {
			return "", fserrors.New(fserrors.NoSpace, "path depth exceeds %d", maxInodeToPathDepth)
		}
		curIno, err := fs.inodes.Read(cur)
		if err != nil {
			return "", err
		}
		parentNum, _, err := fs.dirs.Find(curIno, fspath.Parent)
		if err != nil {
			return "", fserrors.New(fserrors.IO, "missing '..' entry for inode %d", cur)
		}
		parentIno, err := fs.inodes.Read(parentNum)
		if err != nil {
			return "", err
		}
		entries, err := fs.dirs.List(parentIno)
		if err != nil {
			return "", err
		}
		name := ""
		for _, e := range entries {
			n := e.NameString()
			if n == fspath.Current || n == fspath.Parent {
				continue
			}
			if e.InodeNum == cur {
				name = n
				break
			}
		}
		if name == "" {
			return "", fserrors.New(fserrors.Generic, "inode %d not found in parent %d", cur, parentNum)
		}
		names = append([]string{name}, names...)
		if parentNum == RootInode {
			break
		}
		cur = parentNum
	}
	return "/" + strings.Join(names, "/"), nil
}

func mustNormalize(path string) string {
	n, err := fspath.Normalize(path)
	if err != nil {
		return path
	}
	return n
}
