package ext2_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xUINTBEEF/uintvfs/file_systems/ext2"
)

// The on-disk records have fixed sizes; the structs must match them exactly
// or every field after the first mismatch lands at the wrong offset.
func TestOnDiskRecordSizes(t *testing.T) {
	assert.Equal(t, 1024, binary.Size(ext2.RawSuperblock{}), "superblock record size")
	assert.Equal(t, ext2.GroupDescSize, binary.Size(ext2.RawGroupDescriptor{}), "group descriptor size")
	assert.Equal(t, ext2.InodeSize, binary.Size(ext2.RawInode{}), "inode record size")
}

func TestSuperblockCodecRoundTrip(t *testing.T) {
	original := ext2.RawSuperblock{
		InodesCount:     512,
		BlocksCount:     4096,
		FreeBlocksCount: 4000,
		FreeInodesCount: 502,
		FirstDataBlock:  1,
		LogBlockSize:    0,
		BlocksPerGroup:  8192,
		InodesPerGroup:  512,
		Magic:           ext2.SuperblockMagic,
		State:           1,
		RevLevel:        1,
		FirstInode:      ext2.FirstFreeInode,
		InodeSize:       ext2.InodeSize,
	}
	copy(original.VolumeName[:], "roundtrip")

	buf := make([]byte, 1024)
	require.NoError(t, ext2.EncodeSuperblock(&original, buf))

	decoded, err := ext2.DecodeSuperblock(buf)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
	assert.Equal(t, "roundtrip", decoded.Label())
	assert.Equal(t, uint32(1024), decoded.BlockSize())
}

func TestSuperblockValidate(t *testing.T) {
	valid := ext2.RawSuperblock{
		InodesCount:    512,
		BlocksCount:    4096,
		FirstDataBlock: 1,
		BlocksPerGroup: 8192,
		InodesPerGroup: 512,
		Magic:          ext2.SuperblockMagic,
	}
	assert.NoError(t, valid.Validate())

	badMagic := valid
	badMagic.Magic = 0x1234
	assert.Error(t, badMagic.Validate(), "a wrong magic must reject the volume")

	badExponent := valid
	badExponent.LogBlockSize = 9
	assert.Error(t, badExponent.Validate())

	badFirst := valid
	badFirst.FirstDataBlock = 0
	assert.Error(t, badFirst.Validate())
}

func TestInodeCodecRoundTrip(t *testing.T) {
	original := ext2.RawInode{
		Mode:        0x81A4, // regular file, 0644
		UID:         1000,
		Size:        8193,
		Atime:       1700000000,
		Ctime:       1700000001,
		Mtime:       1700000002,
		GID:         100,
		LinksCount:  2,
		SectorCount: 18,
	}
	original.Block[0] = 70
	original.Block[12] = 71

	buf := make([]byte, ext2.InodeSize)
	require.NoError(t, ext2.EncodeInode(&original, buf))

	decoded, err := ext2.DecodeInode(buf)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
	assert.True(t, decoded.IsRegular())
	assert.False(t, decoded.IsDir())
}

// Fast symlink targets live in the pointer array and survive the trip
// through the little-endian word packing.
func TestInodeInlineTarget(t *testing.T) {
	var inode ext2.RawInode
	inode.Mode = 0xA1FF // symlink, 0777

	target := "../some/relative/target"
	inode.SetInlineTarget([]byte(target))

	assert.True(t, inode.IsFastSymlink())
	assert.Equal(t, uint32(len(target)), inode.Size)
	assert.Equal(t, target, string(inode.InlineTarget()))
}
