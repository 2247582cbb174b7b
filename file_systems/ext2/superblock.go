// Package ext2 implements the read/write reference driver for the ext2-like
// on-disk format: superblock and block-group descriptors, 128-byte inodes
// with a three-level indirect block map, bitmap allocators, packed directory
// entries, and hard/symbolic links.
package ext2

import (
	"bytes"
	"encoding/binary"
	"fmt"

	vfs "github.com/0xUINTBEEF/uintvfs"
)

const (
	// SuperblockOffset is the byte offset of the superblock from the start
	// of the device.
	SuperblockOffset = 1024

	// SuperblockMagic identifies a volume of this format.
	SuperblockMagic = 0xEF53

	// InodeSize is the on-disk size of one inode record.
	InodeSize = 128

	// RootInode is the fixed inode number of the root directory.
	RootInode = 2

	// FirstFreeInode is the lowest inode number handed out by the
	// allocator; everything below it is reserved.
	FirstFreeInode = 11

	// GroupDescSize is the on-disk size of one block group descriptor.
	GroupDescSize = 32

	// MaxNameLength is the longest directory entry name.
	MaxNameLength = 255
)

// RawSuperblock is the on-disk superblock layout. All integers are
// little-endian; the struct spans the full 1024-byte superblock record.
type RawSuperblock struct {
	InodesCount         uint32
	BlocksCount         uint32
	ReservedBlocksCount uint32
	FreeBlocksCount     uint32
	FreeInodesCount     uint32
	FirstDataBlock      uint32
	LogBlockSize        uint32
	LogFragSize         int32
	BlocksPerGroup      uint32
	FragsPerGroup       uint32
	InodesPerGroup      uint32
	MountTime           uint32
	WriteTime           uint32
	MountCount          uint16
	MaxMountCount       uint16
	Magic               uint16
	State               uint16
	Errors              uint16
	MinorRevLevel       uint16
	LastCheck           uint32
	CheckInterval       uint32
	CreatorOS           uint32
	RevLevel            uint32
	DefResUID           uint16
	DefResGID           uint16
	FirstInode          uint32
	InodeSize           uint16
	BlockGroupNr        uint16
	FeatureCompat       uint32
	FeatureIncompat     uint32
	FeatureROCompat     uint32
	UUID                [16]byte
	VolumeName          [16]byte
	Padding             [888]byte
}

// BlockSize derives the logical block size from the size exponent.
func (sb *RawSuperblock) BlockSize() uint32 {
	return 1024 << sb.LogBlockSize
}

// GroupCount returns the number of block groups on the volume.
func (sb *RawSuperblock) GroupCount() uint32 {
	dataBlocks := sb.BlocksCount - sb.FirstDataBlock
	return (dataBlocks + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup
}

// Label returns the volume name with trailing NUL padding stripped.
func (sb *RawSuperblock) Label() string {
	return string(bytes.TrimRight(sb.VolumeName[:], "\x00"))
}

// Validate rejects superblocks that cannot describe a usable volume.
func (sb *RawSuperblock) Validate() vfs.DriverError {
	if sb.Magic != SuperblockMagic {
		return vfs.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("bad superblock magic 0x%04X, want 0x%04X",
				sb.Magic, SuperblockMagic),
		)
	}
	if sb.LogBlockSize > 2 {
		return vfs.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("unsupported block size exponent %d", sb.LogBlockSize),
		)
	}

	blockSize := sb.BlockSize()
	if sb.BlocksCount == 0 || sb.InodesCount == 0 {
		return vfs.ErrFileSystemCorrupted.WithMessage("zero block or inode count")
	}
	if sb.BlocksPerGroup == 0 || sb.BlocksPerGroup > blockSize*8 {
		return vfs.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("blocks per group %d not in (0, %d]",
				sb.BlocksPerGroup, blockSize*8),
		)
	}
	if sb.InodesPerGroup == 0 || sb.InodesPerGroup > blockSize*8 {
		return vfs.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("inodes per group %d not in (0, %d]",
				sb.InodesPerGroup, blockSize*8),
		)
	}

	wantFirst := uint32(0)
	if blockSize == 1024 {
		wantFirst = 1
	}
	if sb.FirstDataBlock != wantFirst {
		return vfs.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("first data block is %d, want %d for %d-byte blocks",
				sb.FirstDataBlock, wantFirst, blockSize),
		)
	}

	inodeGroups := (sb.InodesCount + sb.InodesPerGroup - 1) / sb.InodesPerGroup
	if inodeGroups != sb.GroupCount() {
		return vfs.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("inode table implies %d groups, block counts imply %d",
				inodeGroups, sb.GroupCount()),
		)
	}
	return nil
}

// RawGroupDescriptor is the 32-byte on-disk block group descriptor.
type RawGroupDescriptor struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
	Pad             uint16
	Reserved        [12]byte
}

// DecodeSuperblock parses a superblock from its 1024-byte on-disk record.
func DecodeSuperblock(data []byte) (RawSuperblock, vfs.DriverError) {
	var sb RawSuperblock
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &sb); err != nil {
		return sb, vfs.ErrIOFailed.Wrap(err)
	}
	return sb, nil
}

// EncodeSuperblock serializes a superblock into buf, which must be at least
// 1024 bytes.
func EncodeSuperblock(sb *RawSuperblock, buf []byte) vfs.DriverError {
	var scratch bytes.Buffer
	if err := binary.Write(&scratch, binary.LittleEndian, sb); err != nil {
		return vfs.ErrIOFailed.Wrap(err)
	}
	copy(buf, scratch.Bytes())
	return nil
}

// DecodeGroupDescriptor parses one descriptor from a 32-byte record.
func DecodeGroupDescriptor(data []byte) (RawGroupDescriptor, vfs.DriverError) {
	var desc RawGroupDescriptor
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &desc); err != nil {
		return desc, vfs.ErrIOFailed.Wrap(err)
	}
	return desc, nil
}

// EncodeGroupDescriptor serializes one descriptor into buf, which must be at
// least 32 bytes.
func EncodeGroupDescriptor(desc *RawGroupDescriptor, buf []byte) vfs.DriverError {
	var scratch bytes.Buffer
	if err := binary.Write(&scratch, binary.LittleEndian, desc); err != nil {
		return vfs.ErrIOFailed.Wrap(err)
	}
	copy(buf, scratch.Bytes())
	return nil
}
