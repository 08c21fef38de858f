// Command tinyfs is a line-oriented shell over internal/vfs: a
// buffered stdin reader, command dispatch on the first token, and
// "<cmd>: cannot operate on '<path>': <message>" error reporting.
// Command failures go to stderr without terminating the loop.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"tinyfs/internal/fserrors"
	"tinyfs/internal/inode"
	"tinyfs/internal/vfs"
)

func main() {
	reader := bufio.NewReader(os.Stdin)
	var fs *vfs.Filesystem

	fmt.Println("tinyfs shell — type 'help' for a command list, 'exit' to quit")
	for {
		fmt.Print("tinyfs> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if fs != nil {
				_ = fs.Unmount()
			}
			return
		}
		args := tokenize(strings.TrimRight(line, "\r\n"))
		if len(args) == 0 {
			continue
		}

		cmd := strings.ToLower(args[0])
		if cmd == "exit" {
			if fs != nil {
				if err := fs.Unmount(); err != nil {
					fmt.Fprintln(os.Stderr, "exit: cannot unmount:", err)
				}
			}
			return
		}

		if cmd != "format" && cmd != "mount" && cmd != "help" && fs == nil {
			fmt.Fprintln(os.Stderr, cmd+": no filesystem mounted; run 'mount <img>' first")
			continue
		}

		switch cmd {
		case "help":
			printHelp()
		case "format":
			_, err = dispatchFormat(args)
		case "mount":
			if fs != nil {
				err = fserrors.New(fserrors.Generic, "already mounted; run 'unmount' first")
				break
			}
			fs, _, err = dispatchMount(args)
		case "unmount":
			err = dispatchUnmount(&fs)
		case "pwd":
			err = dispatchPwd(fs)
		case "cd":
			err = dispatchCd(fs, args)
		case "ls":
			err = dispatchLs(fs, args)
		case "touch":
			err = dispatchTouch(fs, args)
		case "write":
			err = dispatchWrite(fs, args)
		case "append":
			err = dispatchAppend(fs, args)
		case "rm":
			err = dispatchRm(fs, args)
		case "cat":
			err = dispatchCat(fs, args)
		case "mkdir":
			err = dispatchMkdir(fs, args)
		case "rmdir":
			err = dispatchRmdir(fs, args)
		case "ln":
			err = dispatchLn(fs, args)
		case "stat":
			err = dispatchStat(fs, args)
		case "fsinfo":
			err = dispatchFsinfo(fs)
		default:
			fmt.Fprintf(os.Stderr, "%s: unknown command (try 'help')\n", args[0])
			continue
		}

		if err != nil {
			reportError(cmd, args, err)
		}
	}
}

func reportError(cmd string, args []string, err error) {
	path := ""
	if len(args) > 1 {
		path = args[1]
	}
	var fsErr *fserrors.Error
	if errors.As(err, &fsErr) {
		fmt.Fprintf(os.Stderr, "%s: cannot operate on '%s': %s\n", cmd, path, fsErr.Error())
		return
	}
	fmt.Fprintf(os.Stderr, "%s: cannot operate on '%s': %s\n", cmd, path, err.Error())
}

func printHelp() {
	fmt.Println(`commands:
  format <img> <blocks>   create a new filesystem image
  mount <img>             mount an existing image
  unmount                 flush and detach the mounted image
  pwd                     print the current directory path
  cd <path>               change the current directory
  ls [path]                list a directory (default: current)
  touch <path>            create an empty file
  write <file> "text"     overwrite a file's contents
  append <file> "text"    append to a file's contents
  rm <path>               remove a file
  cat <path>              print a file's contents
  mkdir <path>            create a directory
  rmdir <path>            remove an empty directory
  ln <src> <dst>          create a hard link
  stat <path>             print inode metadata
  fsinfo                  print superblock statistics
  help                    print this message
  exit                    unmount (if mounted) and quit`)
}

func dispatchFormat(args []string) (string, error) {
	if len(args) != 3 {
		return "", fserrors.New(fserrors.Invalid, "usage: format <img> <blocks>")
	}
	blocks, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		return "", fserrors.New(fserrors.Invalid, "bad block count %q", args[2])
	}
	inodes := blocks / 4
	if inodes < 16 {
		inodes = 16
	}
	if err := vfs.Format(args[1], uint32(blocks), uint32(inodes)); err != nil {
		return "", err
	}
	fmt.Printf("formatted %s: %d blocks, %d inodes\n", args[1], blocks, inodes)
	return args[1], nil
}

func dispatchMount(args []string) (*vfs.Filesystem, string, error) {
	if len(args) != 2 {
		return nil, "", fserrors.New(fserrors.Invalid, "usage: mount <img>")
	}
	fs, err := vfs.Mount(args[1])
	if err != nil {
		return nil, "", err
	}
	fmt.Println("mounted", args[1])
	return fs, args[1], nil
}

func dispatchUnmount(fs **vfs.Filesystem) error {
	if *fs == nil {
		return fserrors.New(fserrors.Generic, "no filesystem mounted")
	}
	if err := (*fs).Unmount(); err != nil {
		return err
	}
	*fs = nil
	fmt.Println("unmounted")
	return nil
}

func dispatchPwd(fs *vfs.Filesystem) error {
	p, err := fs.InodeToPath(fs.CurrentDirInode())
	if err != nil {
		return err
	}
	fmt.Println(p)
	return nil
}

func dispatchCd(fs *vfs.Filesystem, args []string) error {
	if len(args) != 2 {
		return fserrors.New(fserrors.Invalid, "usage: cd <path>")
	}
	return fs.Cd(args[1])
}

func dispatchLs(fs *vfs.Filesystem, args []string) error {
	path := "."
	if len(args) == 2 {
		path = args[1]
	} else if len(args) > 2 {
		return fserrors.New(fserrors.Invalid, "usage: ls [path]")
	}
	entries, err := fs.List(path)
	if err != nil {
		return err
	}
	fmt.Printf("%-20s %-10s %-10s\n", "name", "inode", "type")
	for _, e := range entries {
		kind := "file"
		if e.FileType == uint8(inode.DirType) {
			kind = "dir"
		}
		fmt.Printf("%-20s %-10d %-10s\n", e.NameString(), e.InodeNum, kind)
	}
	return nil
}

func dispatchTouch(fs *vfs.Filesystem, args []string) error {
	if len(args) != 2 {
		return fserrors.New(fserrors.Invalid, "usage: touch <path>")
	}
	_, err := fs.Create(args[1], 0644)
	return err
}

func dispatchWrite(fs *vfs.Filesystem, args []string) error {
	if len(args) != 3 {
		return fserrors.New(fserrors.Invalid, `usage: write <file> "text"`)
	}
	f, err := fs.Open(args[1], vfs.OWRONLY|vfs.OCREAT|vfs.OTRUNC)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte(args[2]))
	return err
}

func dispatchAppend(fs *vfs.Filesystem, args []string) error {
	if len(args) != 3 {
		return fserrors.New(fserrors.Invalid, `usage: append <file> "text"`)
	}
	f, err := fs.Open(args[1], vfs.OWRONLY|vfs.OAPPEND)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte(args[2]))
	return err
}

func dispatchRm(fs *vfs.Filesystem, args []string) error {
	if len(args) != 2 {
		return fserrors.New(fserrors.Invalid, "usage: rm <path>")
	}
	return fs.Unlink(args[1])
}

func dispatchCat(fs *vfs.Filesystem, args []string) error {
	if len(args) != 2 {
		return fserrors.New(fserrors.Invalid, "usage: cat <path>")
	}
	_, ino, err := fs.Stat(args[1])
	if err != nil {
		return err
	}
	if ino.Type != uint8(inode.FileType) {
		return fserrors.New(fserrors.Invalid, "%s is not a file", args[1])
	}
	f, err := fs.Open(args[1], vfs.ORDONLY)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, ino.Size)
	n, err := f.Read(buf)
	if err != nil {
		return err
	}
	fmt.Println(string(buf[:n]))
	return nil
}

func dispatchMkdir(fs *vfs.Filesystem, args []string) error {
	if len(args) != 2 {
		return fserrors.New(fserrors.Invalid, "usage: mkdir <path>")
	}
	_, err := fs.Mkdir(args[1], 0755)
	return err
}

func dispatchRmdir(fs *vfs.Filesystem, args []string) error {
	if len(args) != 2 {
		return fserrors.New(fserrors.Invalid, "usage: rmdir <path>")
	}
	return fs.Rmdir(args[1])
}

func dispatchLn(fs *vfs.Filesystem, args []string) error {
	if len(args) != 3 {
		return fserrors.New(fserrors.Invalid, "usage: ln <src> <dst>")
	}
	return fs.Link(args[1], args[2])
}

func dispatchStat(fs *vfs.Filesystem, args []string) error {
	if len(args) != 2 {
		return fserrors.New(fserrors.Invalid, "usage: stat <path>")
	}
	num, ino, err := fs.Stat(args[1])
	if err != nil {
		return err
	}
	kind := "file"
	if ino.Type == uint8(inode.DirType) {
		kind = "directory"
	}
	fmt.Printf("inode:        %d\n", num)
	fmt.Printf("type:         %s\n", kind)
	fmt.Printf("size:         %d\n", ino.Size)
	fmt.Printf("blocks used:  %d\n", ino.BlocksUsed)
	fmt.Printf("links:        %d\n", ino.LinksCount)
	fmt.Printf("perms:        %#o\n", ino.Perms)
	return nil
}

func dispatchFsinfo(fs *vfs.Filesystem) error {
	s := fs.Stats()
	fmt.Printf("block size:    %d\n", s.BlockSize)
	fmt.Printf("inode size:    %d\n", s.InodeSize)
	fmt.Printf("total blocks:  %d\n", s.TotalBlocks)
	fmt.Printf("free blocks:   %d\n", s.FreeBlocks)
	fmt.Printf("total inodes:  %d\n", s.TotalInodes)
	fmt.Printf("free inodes:   %d\n", s.FreeInodes)
	fmt.Printf("mount count:   %d\n", s.MountCount)
	return nil
}
