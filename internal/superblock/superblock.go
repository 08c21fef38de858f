// Package superblock implements the on-disk layout descriptor stored
// at block 0: region computation from capacity at format time, block-0
// read/write, and magic validation. The packed form is 108 bytes,
// little-endian, trailing block bytes zero.
package superblock

import (
	"bytes"
	"encoding/binary"
	"time"

	"tinyfs/internal/fserrors"
)

// Magic identifies a formatted image.
const Magic uint32 = 0x12345678

// InodeSize is the packed on-disk size of one inode.
const InodeSize = 128

// Size is the packed on-disk size of a Superblock, asserted by TestPackedSize.
const Size = 108

// Superblock is the block-0 metadata struct, byte-identical to its
// on-disk packed layout.
type Superblock struct {
	Magic       uint32
	TotalBlocks uint32
	TotalInodes uint32
	FreeBlocks  uint32
	FreeInodes  uint32
	BlockSize   uint32
	InodeSize   uint32

	BlockBitmapStart uint32
	BlockBitmapLen   uint32
	InodeBitmapStart uint32
	InodeBitmapLen   uint32
	InodeTableStart  uint32
	InodeTableLen    uint32
	FirstDataBlock   uint32

	CreatedTime   int64
	LastMountTime int64
	MountCount    uint32

	Reserved [32]byte
}

// blocksNeeded rounds byteLen up to a whole number of blockSize blocks.
func blocksNeeded(byteLen, blockSize uint32) uint32 {
	return (byteLen + blockSize - 1) / blockSize
}

// Init computes the layout for a fresh filesystem with the given
// capacity, starting region placement at block 1 (block 0 is this
// superblock): block bitmap, then inode bitmap, then inode table, then
// the first data block. Fails with NoSpace if the computed data region
// would start at or past totalBlocks.
func Init(totalBlocks, totalInodes uint32, now time.Time) (*Superblock, error) {
	const blockSize = 512

	blockBitmapLen := blocksNeeded((totalBlocks+7)/8, blockSize)
	inodeBitmapLen := blocksNeeded((totalInodes+7)/8, blockSize)
	inodeTableLen := blocksNeeded(totalInodes*InodeSize, blockSize)

	blockBitmapStart := uint32(1)
	inodeBitmapStart := blockBitmapStart + blockBitmapLen
	inodeTableStart := inodeBitmapStart + inodeBitmapLen
	firstDataBlock := inodeTableStart + inodeTableLen

	if firstDataBlock >= totalBlocks {
		return nil, fserrors.New(fserrors.NoSpace, "layout for %d blocks/%d inodes leaves no data region", totalBlocks, totalInodes)
	}

	sb := &Superblock{
		Magic:            Magic,
		TotalBlocks:      totalBlocks,
		TotalInodes:      totalInodes,
		FreeBlocks:       totalBlocks - firstDataBlock,
		FreeInodes:       totalInodes - 1, // reserves inode 0; format recounts from the bitmap once root is allocated
		BlockSize:        blockSize,
		InodeSize:        InodeSize,
		BlockBitmapStart: blockBitmapStart,
		BlockBitmapLen:   blockBitmapLen,
		InodeBitmapStart: inodeBitmapStart,
		InodeBitmapLen:   inodeBitmapLen,
		InodeTableStart:  inodeTableStart,
		InodeTableLen:    inodeTableLen,
		FirstDataBlock:   firstDataBlock,
		CreatedTime:      now.Unix(),
		LastMountTime:    0,
		MountCount:       0,
	}
	return sb, nil
}

// Marshal serializes the superblock into a BlockSize-wide, zero-padded
// buffer suitable for Disk.WriteBlock(0, ...).
func (sb *Superblock) Marshal(blockSize int) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, sb); err != nil {
		return nil, fserrors.New(fserrors.Generic, "marshal superblock: %v", err)
	}
	out := make([]byte, blockSize)
	copy(out, buf.Bytes())
	return out, nil
}

// Unmarshal reads a superblock from a block-sized buffer.
func Unmarshal(block []byte) (*Superblock, error) {
	if len(block) < Size {
		return nil, fserrors.New(fserrors.IO, "block too short for superblock: %d bytes", len(block))
	}
	sb := &Superblock{}
	if err := binary.Read(bytes.NewReader(block[:Size]), binary.LittleEndian, sb); err != nil {
		return nil, fserrors.New(fserrors.Generic, "unmarshal superblock: %v", err)
	}
	return sb, nil
}

// Valid checks the magic number.
func (sb *Superblock) Valid() bool {
	return sb.Magic == Magic
}

// InodesPerBlock is how many packed inodes fit in one block.
func (sb *Superblock) InodesPerBlock() uint32 {
	return sb.BlockSize / sb.InodeSize
}
