package exfat_test

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vfs "github.com/0xUINTBEEF/uintvfs"
	"github.com/0xUINTBEEF/uintvfs/blockdev"
	"github.com/0xUINTBEEF/uintvfs/file_systems/exfat"
)

// putEntrySet writes a file entry set (0x85 + 0xC0 + 0xC1...) at buf[0:]
// and returns the number of bytes written.
func putEntrySet(buf []byte, name string, attrs uint16, firstCluster uint32, dataLength uint64, noFatChain bool) int {
	units := utf16.Encode([]rune(name))
	nameEntries := (len(units) + 14) / 15
	secondaryCount := 1 + nameEntries

	// 0x85 file entry.
	buf[0] = exfat.EntryTypeFile
	buf[1] = byte(secondaryCount)
	binary.LittleEndian.PutUint16(buf[4:6], attrs)
	binary.LittleEndian.PutUint32(buf[8:12], 0x58C86000)  // created
	binary.LittleEndian.PutUint32(buf[12:16], 0x58C86000) // modified
	binary.LittleEndian.PutUint32(buf[16:20], 0x58C86000) // accessed

	// 0xC0 stream extension.
	stream := buf[32:]
	stream[0] = exfat.EntryTypeStreamExtension
	stream[1] = 0x01 // allocation possible
	if noFatChain {
		stream[1] |= 0x02
	}
	stream[3] = byte(len(units))
	binary.LittleEndian.PutUint64(stream[8:16], dataLength)
	binary.LittleEndian.PutUint32(stream[20:24], firstCluster)
	binary.LittleEndian.PutUint64(stream[24:32], dataLength)

	// 0xC1 name entries, 15 UTF-16 units apiece.
	for i := 0; i < nameEntries; i++ {
		entry := buf[64+32*i:]
		entry[0] = exfat.EntryTypeFileName
		for j := 0; j < 15; j++ {
			idx := i*15 + j
			if idx < len(units) {
				binary.LittleEndian.PutUint16(entry[2+2*j:4+2*j], units[idx])
			}
		}
	}
	return 32 * (2 + nameEntries)
}

// buildTestImage fabricates a small exFAT volume: 16 clusters of one
// 512-byte sector each, a root directory with data.bin (contiguous, 600
// bytes) and sub/inner.txt.
func buildTestImage(t *testing.T) (blockdev.Device, []byte) {
	t.Helper()
	image := make([]byte, 32*512)

	// Boot sector.
	boot := image[:512]
	copy(boot[3:11], exfat.FileSystemName)
	binary.LittleEndian.PutUint32(boot[80:84], 2)   // FAT offset (sectors)
	binary.LittleEndian.PutUint32(boot[84:88], 1)   // FAT length
	binary.LittleEndian.PutUint32(boot[88:92], 4)   // cluster heap offset
	binary.LittleEndian.PutUint32(boot[92:96], 16)  // cluster count
	binary.LittleEndian.PutUint32(boot[96:100], 2)  // root directory cluster
	binary.LittleEndian.PutUint16(boot[104:106], 0x0100)
	boot[108] = 9 // bytes per sector shift
	boot[109] = 0 // sectors per cluster shift
	boot[110] = 1 // number of FATs
	boot[510] = 0x55
	boot[511] = 0xAA

	// FAT in sector 2. Chains: root (2) and bitmap (3) and sub (6) each a
	// single cluster; data.bin and inner.txt are contiguous (NoFatChain).
	fat := image[2*512 : 3*512]
	binary.LittleEndian.PutUint32(fat[0:4], 0xFFFFFFF8)
	binary.LittleEndian.PutUint32(fat[4:8], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(fat[8:12], 0xFFFFFFFF)  // cluster 2: root
	binary.LittleEndian.PutUint32(fat[12:16], 0xFFFFFFFF) // cluster 3: bitmap
	binary.LittleEndian.PutUint32(fat[24:28], 0xFFFFFFFF) // cluster 6: sub

	// Cluster heap starts at sector 4; cluster N is sector 4 + (N - 2).

	// Root directory in cluster 2: allocation bitmap entry, then the two
	// file entry sets.
	root := image[4*512 : 5*512]
	root[0] = exfat.EntryTypeAllocationBitmap
	binary.LittleEndian.PutUint32(root[20:24], 3) // bitmap cluster
	binary.LittleEndian.PutUint64(root[24:32], 2) // bitmap length in bytes
	offset := 32
	offset += putEntrySet(root[offset:], "data.bin", exfat.AttrArchive, 4, 600, true)
	putEntrySet(root[offset:], "sub", exfat.AttrDirectory, 6, 512, false)

	// Allocation bitmap in cluster 3: clusters 2..7 used.
	image[5*512] = 0x3F

	// data.bin spans clusters 4 and 5 contiguously.
	content := make([]byte, 600)
	for i := range content {
		content[i] = byte(i % 256)
	}
	copy(image[6*512:], content[:512])
	copy(image[7*512:], content[512:])

	// sub directory in cluster 6.
	sub := image[8*512 : 9*512]
	putEntrySet(sub, "inner.txt", 0, 7, 9, true)

	// inner.txt in cluster 7.
	copy(image[9*512:], "inner txt")

	return blockdev.NewMemDevice(image, "exfat0", 512), content
}

func TestMountAndListRoot(t *testing.T) {
	dev, _ := buildTestImage(t)
	fs, err := exfat.Driver{}.Mount(dev, vfs.MountReadOnly)
	require.NoError(t, err)

	entries, err := fs.ListDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 2, "bitmap and label entries must not be listed")

	assert.Equal(t, "data.bin", entries[0].Name)
	assert.Equal(t, vfs.KindFile, entries[0].Kind)
	assert.EqualValues(t, 600, entries[0].Size)

	assert.Equal(t, "sub", entries[1].Name)
	assert.Equal(t, vfs.KindDirectory, entries[1].Kind)
}

func TestReadContiguousFile(t *testing.T) {
	dev, content := buildTestImage(t)
	fs, err := exfat.Driver{}.Mount(dev, vfs.MountReadOnly)
	require.NoError(t, err)

	handle, err := fs.Open("/data.bin", vfs.OpenRead)
	require.NoError(t, err)
	defer handle.Close()

	buf := make([]byte, 1024)
	n, err := handle.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 600, n)
	assert.Equal(t, content, buf[:600])

	// A read spanning the cluster boundary.
	n, err = handle.ReadAt(buf[:64], 500)
	require.NoError(t, err)
	assert.Equal(t, 64, n)
	assert.Equal(t, content[500:564], buf[:64])
}

func TestResolveNestedPath(t *testing.T) {
	dev, _ := buildTestImage(t)
	fs, err := exfat.Driver{}.Mount(dev, vfs.MountReadOnly)
	require.NoError(t, err)

	handle, err := fs.Open("/sub/inner.txt", vfs.OpenRead)
	require.NoError(t, err)
	defer handle.Close()

	buf := make([]byte, 32)
	n, err := handle.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "inner txt", string(buf[:n]))

	_, err = fs.Open("/sub/absent", vfs.OpenRead)
	assert.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestStatFS(t *testing.T) {
	dev, _ := buildTestImage(t)
	fs, err := exfat.Driver{}.Mount(dev, vfs.MountReadOnly)
	require.NoError(t, err)

	stat, err := fs.StatFS()
	require.NoError(t, err)
	assert.EqualValues(t, 16, stat.TotalBlocks)
	assert.EqualValues(t, 10, stat.BlocksFree, "clusters 2..7 are allocated")
}

func TestRejectsNonExfatVolume(t *testing.T) {
	dev := blockdev.NewMemDevice(make([]byte, 32*512), "blank", 512)
	_, err := exfat.Driver{}.Mount(dev, vfs.MountReadOnly)
	assert.ErrorIs(t, err, vfs.ErrFileSystemCorrupted)
}

func TestWriteRejected(t *testing.T) {
	dev, _ := buildTestImage(t)
	fs, err := exfat.Driver{}.Mount(dev, vfs.MountReadOnly)
	require.NoError(t, err)

	_, err = fs.Open("/data.bin", vfs.OpenRead|vfs.OpenWrite)
	assert.ErrorIs(t, err, vfs.ErrReadOnlyFileSystem)
}
