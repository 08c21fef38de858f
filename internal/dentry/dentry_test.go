package dentry

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"tinyfs/internal/bitmap"
	"tinyfs/internal/diskio"
	"tinyfs/internal/inode"
	"tinyfs/internal/superblock"
)

// TestDentryPackedSize pins the on-disk slot width the block-slicing
// arithmetic in scanBlock/writeEntryAt depends on.
func TestDentryPackedSize(t *testing.T) {
	if got := binary.Size(Dentry{}); got != Size {
		t.Fatalf("binary.Size(Dentry{}) = %d; want %d", got, Size)
	}
}

func newTestDir(t *testing.T) (*Dir, *bitmap.Bitmap, *inode.Table) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image")
	sb, err := superblock.Init(200, 32, time.Now())
	if err != nil {
		t.Fatalf("superblock.Init: %v", err)
	}
	disk, err := diskio.Attach(path, int64(sb.TotalBlocks)*diskio.BlockSize, true)
	if err != nil {
		t.Fatalf("diskio.Attach: %v", err)
	}
	t.Cleanup(func() { _ = disk.Detach() })
	blockBitmap := bitmap.New(int(sb.TotalBlocks))
	_ = blockBitmap.SetRange(0, int(sb.FirstDataBlock))
	return New(disk), blockBitmap, inode.New(disk, sb)
}

func TestCreateValidatesName(t *testing.T) {
	if _, err := Create("ok.txt", 5, inode.FileType); err != nil {
		t.Fatalf("Create(ok.txt): %v", err)
	}
	for _, bad := range []string{".", "..", "", "has/slash"} {
		if _, err := Create(bad, 5, inode.FileType); err == nil {
			t.Errorf("Create(%q): want error", bad)
		}
	}
	if _, err := Create("ok.txt", 0, inode.FileType); err == nil {
		t.Errorf("Create with inode 0: want error")
	}
}

func TestAddFindRemove(t *testing.T) {
	dirs, blockBitmap, inodes := newTestDir(t)
	dirIno := &inode.Inode{Type: uint8(inode.DirType)}

	ent, err := Create("a.txt", 10, inode.FileType)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := dirs.Add(dirIno, ent, blockBitmap); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if dirIno.Direct[0] == 0 {
		t.Fatalf("Add did not allocate a data block in Direct[0]")
	}
	if dirIno.BlocksUsed != 1 {
		t.Fatalf("BlocksUsed = %d; want 1", dirIno.BlocksUsed)
	}

	num, _, err := dirs.Find(dirIno, "a.txt")
	if err != nil {
		t.Fatalf("Find(a.txt): %v", err)
	}
	if num != 10 {
		t.Fatalf("Find(a.txt) = %d; want 10", num)
	}

	if _, _, err := dirs.Find(dirIno, "missing"); err == nil {
		t.Fatalf("Find(missing): want NotFound error")
	}

	if err := dirs.Remove(dirIno, "a.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, _, err := dirs.Find(dirIno, "a.txt"); err == nil {
		t.Fatalf("Find after Remove: want NotFound")
	}
	_ = inodes
}

func TestAddRejectsDuplicateName(t *testing.T) {
	dirs, blockBitmap, _ := newTestDir(t)
	dirIno := &inode.Inode{Type: uint8(inode.DirType)}

	ent1, _ := Create("dup", 11, inode.FileType)
	if err := dirs.Add(dirIno, ent1, blockBitmap); err != nil {
		t.Fatalf("Add #1: %v", err)
	}
	ent2, _ := Create("dup", 12, inode.FileType)
	if err := dirs.Add(dirIno, ent2, blockBitmap); err == nil {
		t.Fatalf("Add with duplicate name: want Exists error")
	}
}

// TestAddFillsSlotsAcrossManyEntries exercises a directory large enough
// to span multiple direct blocks (2 dentries/block, 12 direct
// pointers), checking the direct-then-indirect fill order.
func TestAddFillsSlotsAcrossManyEntries(t *testing.T) {
	dirs, blockBitmap, _ := newTestDir(t)
	dirIno := &inode.Inode{Type: uint8(inode.DirType)}

	const n = 30
	var names []string
	for i := 0; i < n; i++ {
		name := string(rune('a' + i%26))
		if i >= 26 {
			name += string(rune('A' + i - 26))
		}
		names = append(names, name)
		ent, err := Create(name, uint32(i+2), inode.FileType)
		if err != nil {
			t.Fatalf("Create(%q): %v", name, err)
		}
		if err := dirs.Add(dirIno, ent, blockBitmap); err != nil {
			t.Fatalf("Add(%q) #%d: %v", name, i, err)
		}
	}

	list, err := dirs.List(dirIno)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != n {
		t.Fatalf("List() returned %d entries; want %d", len(list), n)
	}
	if dirIno.Indirect == 0 {
		t.Fatalf("%d entries did not spill into the indirect block", n)
	}
	for i, ent := range list {
		if ent.NameString() != names[i] {
			t.Fatalf("List()[%d] = %q; want %q (insertion order, direct then indirect)", i, ent.NameString(), names[i])
		}
	}
}

func TestRemoveLeavesHoleThatAddRefills(t *testing.T) {
	dirs, blockBitmap, _ := newTestDir(t)
	dirIno := &inode.Inode{Type: uint8(inode.DirType)}

	ent1, _ := Create("first", 20, inode.FileType)
	_ = dirs.Add(dirIno, ent1, blockBitmap)
	ent2, _ := Create("second", 21, inode.FileType)
	_ = dirs.Add(dirIno, ent2, blockBitmap)

	blocksBefore := dirIno.BlocksUsed
	if err := dirs.Remove(dirIno, "first"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if dirIno.BlocksUsed != blocksBefore {
		t.Fatalf("Remove changed BlocksUsed: %d -> %d; remove must not release blocks", blocksBefore, dirIno.BlocksUsed)
	}

	ent3, _ := Create("third", 22, inode.FileType)
	if err := dirs.Add(dirIno, ent3, blockBitmap); err != nil {
		t.Fatalf("Add after Remove: %v", err)
	}
	if dirIno.BlocksUsed != blocksBefore {
		t.Fatalf("Add after Remove allocated a new block instead of refilling the hole: BlocksUsed = %d, want %d", dirIno.BlocksUsed, blocksBefore)
	}
}

func TestListTwoPhaseCountMatchesFill(t *testing.T) {
	dirs, blockBitmap, _ := newTestDir(t)
	dirIno := &inode.Inode{Type: uint8(inode.DirType)}
	names := []string{"x", "y", "z"}
	for i, n := range names {
		ent, _ := Create(n, uint32(i+30), inode.FileType)
		if err := dirs.Add(dirIno, ent, blockBitmap); err != nil {
			t.Fatalf("Add(%q): %v", n, err)
		}
	}
	list, err := dirs.List(dirIno)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != len(names) {
		t.Fatalf("List() = %d entries; want %d", len(list), len(names))
	}
}

func TestNewRawForBypassesValidation(t *testing.T) {
	d := NewRawFor(".", 1, inode.DirType)
	if d.NameString() != "." {
		t.Fatalf("NewRawFor name = %q; want .", d.NameString())
	}
	if d.Empty() {
		t.Fatalf("NewRawFor(., 1, ...).Empty() = true")
	}
}
