package superblock

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestInitLayout(t *testing.T) {
	now := time.Unix(1700000000, 0)
	sb, err := Init(1000, 128, now)
	if err != nil {
		t.Fatalf("Init(1000, 128): %v", err)
	}
	if sb.Magic != Magic {
		t.Errorf("Magic = %#x; want %#x", sb.Magic, Magic)
	}
	if sb.BlockBitmapStart != 1 {
		t.Errorf("BlockBitmapStart = %d; want 1", sb.BlockBitmapStart)
	}
	if sb.InodeBitmapStart <= sb.BlockBitmapStart {
		t.Errorf("InodeBitmapStart (%d) should follow BlockBitmapStart (%d)", sb.InodeBitmapStart, sb.BlockBitmapStart)
	}
	if sb.InodeTableStart <= sb.InodeBitmapStart {
		t.Errorf("InodeTableStart (%d) should follow InodeBitmapStart (%d)", sb.InodeTableStart, sb.InodeBitmapStart)
	}
	if sb.FirstDataBlock <= sb.InodeTableStart {
		t.Errorf("FirstDataBlock (%d) should follow InodeTableStart (%d)", sb.FirstDataBlock, sb.InodeTableStart)
	}
	if sb.FreeBlocks != sb.TotalBlocks-sb.FirstDataBlock {
		t.Errorf("FreeBlocks = %d; want %d", sb.FreeBlocks, sb.TotalBlocks-sb.FirstDataBlock)
	}
	if sb.FreeInodes != sb.TotalInodes-1 {
		t.Errorf("FreeInodes = %d; want %d (reserves inode 0)", sb.FreeInodes, sb.TotalInodes-1)
	}
}

func TestInitNoSpace(t *testing.T) {
	// A handful of blocks cannot host bitmaps + inode table + any data.
	if _, err := Init(4, 128, time.Now()); err == nil {
		t.Fatalf("Init(4, 128): want NoSpace error, got nil")
	}
}

// TestSuperblockRoundTrip checks that Marshal then Unmarshal returns
// an identical struct, magic included.
func TestSuperblockRoundTrip(t *testing.T) {
	sb, err := Init(2000, 256, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	sb.LastMountTime = 1700000500
	sb.MountCount = 3

	buf, err := sb.Marshal(512)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(buf) != 512 {
		t.Fatalf("Marshal() len = %d; want 512", len(buf))
	}

	got, err := Unmarshal(buf)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(sb, got); diff != "" {
		t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
	}
	if !got.Valid() {
		t.Fatalf("Valid() = false after round-trip")
	}
}

func TestUnmarshalRejectsShortBuffer(t *testing.T) {
	if _, err := Unmarshal(make([]byte, 10)); err == nil {
		t.Fatalf("Unmarshal(10 bytes): want error")
	}
}

func TestValidRejectsBadMagic(t *testing.T) {
	sb := &Superblock{Magic: 0xdeadbeef}
	if sb.Valid() {
		t.Fatalf("Valid() = true for bad magic")
	}
}

func TestInodesPerBlock(t *testing.T) {
	sb, err := Init(1000, 128, time.Now())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := sb.InodesPerBlock(); got != 4 {
		t.Fatalf("InodesPerBlock() = %d; want 4", got)
	}
}

func TestPackedSize(t *testing.T) {
	// Unmarshal decodes exactly Size bytes from block 0, so the struct's
	// packed width must match it exactly, not merely fit in a block.
	if got := binary.Size(Superblock{}); got != Size {
		t.Fatalf("binary.Size(Superblock{}) = %d; want %d", got, Size)
	}

	sb, err := Init(1000, 128, time.Now())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	buf, err := sb.Marshal(512)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(buf) != 512 {
		t.Fatalf("Marshal() len = %d; want 512", len(buf))
	}
}
