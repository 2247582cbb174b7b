package fat12_test

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vfs "github.com/0xUINTBEEF/uintvfs"
	"github.com/0xUINTBEEF/uintvfs/blockdev"
	"github.com/0xUINTBEEF/uintvfs/file_systems/fat12"
)

// setFatEntry packs a 12-bit value into the FAT at the given cluster index.
func setFatEntry(fat []byte, cluster uint32, value uint16) {
	idx := cluster + cluster/2
	if cluster%2 == 1 {
		fat[idx] = fat[idx]&0x0F | byte(value<<4)
		fat[idx+1] = byte(value >> 4)
	} else {
		fat[idx] = byte(value)
		fat[idx+1] = fat[idx+1]&0xF0 | byte(value>>8)&0x0F
	}
}

// putDirent writes one 8.3 directory entry into buf.
func putDirent(buf []byte, name, ext string, attr byte, cluster uint16, size uint32) {
	for i := range buf[:11] {
		buf[i] = ' '
	}
	copy(buf[0:8], name)
	copy(buf[8:11], ext)
	buf[11] = attr
	binary.LittleEndian.PutUint16(buf[26:28], cluster)
	binary.LittleEndian.PutUint32(buf[28:32], size)
}

// buildTestImage fabricates a 64-sector FAT12 floppy holding HELLO.TXT (600
// bytes across clusters 2 and 3) and SUB/NOTE.TXT (cluster 5, via the
// directory in cluster 4).
func buildTestImage(t *testing.T) (blockdev.Device, []byte) {
	t.Helper()
	image := make([]byte, 64*512)

	// Boot sector. Reserved=1, one FAT of one sector, a 16-entry root.
	boot := image[0:512]
	copy(boot[3:11], "MSDOS5.0")
	binary.LittleEndian.PutUint16(boot[11:13], 512) // bytes per sector
	boot[13] = 1                                    // sectors per cluster
	binary.LittleEndian.PutUint16(boot[14:16], 1)   // reserved sectors
	boot[16] = 1                                    // FATs
	binary.LittleEndian.PutUint16(boot[17:19], 16)  // root entries
	binary.LittleEndian.PutUint16(boot[19:21], 64)  // total sectors
	boot[21] = 0xF8                                 // media
	binary.LittleEndian.PutUint16(boot[22:24], 1)   // FAT size
	copy(boot[43:54], "TESTFLOPPY ")
	boot[510] = 0x55
	boot[511] = 0xAA

	// FAT in sector 1. Clusters: 2 -> 3 -> EOC (HELLO.TXT), 4 (SUB dir),
	// 5 (NOTE.TXT).
	fat := image[512:1024]
	setFatEntry(fat, 0, 0xFF8)
	setFatEntry(fat, 1, 0xFFF)
	setFatEntry(fat, 2, 3)
	setFatEntry(fat, 3, 0xFFF)
	setFatEntry(fat, 4, 0xFFF)
	setFatEntry(fat, 5, 0xFFF)

	// Root directory in sector 2.
	rootDir := image[2*512 : 3*512]
	putDirent(rootDir[0:32], "HELLO", "TXT", fat12.AttrArchive, 2, 600)
	putDirent(rootDir[32:64], "SUB", "", fat12.AttrDirectory, 4, 0)

	// Data area starts at sector 3; cluster N lives at sector 3 + (N - 2).
	content := make([]byte, 600)
	for i := range content {
		content[i] = byte('A' + i%26)
	}
	copy(image[3*512:], content[:512]) // cluster 2
	copy(image[4*512:], content[512:]) // cluster 3

	// SUB directory in cluster 4.
	subDir := image[5*512 : 6*512]
	putDirent(subDir[0:32], "NOTE", "TXT", 0, 5, 11)

	// NOTE.TXT in cluster 5.
	copy(image[6*512:], "hello inner")

	return blockdev.NewMemDevice(image, "floppy0", 512), content
}

func TestMountAndListRoot(t *testing.T) {
	dev, _ := buildTestImage(t)
	fs, err := fat12.Driver{}.Mount(dev, 0)
	require.NoError(t, err)

	entries, err := fs.ListDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "HELLO.TXT", entries[0].Name)
	assert.Equal(t, vfs.KindFile, entries[0].Kind)
	assert.EqualValues(t, 600, entries[0].Size)
	assert.NotZero(t, entries[0].Attr&vfs.AttrArchive)

	assert.Equal(t, "SUB", entries[1].Name)
	assert.Equal(t, vfs.KindDirectory, entries[1].Kind)
}

func TestReadAcrossClusterBoundary(t *testing.T) {
	dev, content := buildTestImage(t)
	fs, err := fat12.Driver{}.Mount(dev, 0)
	require.NoError(t, err)

	handle, err := fs.Open("/HELLO.TXT", vfs.OpenRead)
	require.NoError(t, err)
	defer handle.Close()

	buf := make([]byte, 1024)
	n, err := handle.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 600, n)
	assert.Equal(t, content, buf[:600])

	// Offset reads cross the cluster seam correctly.
	n, err = handle.ReadAt(buf[:100], 480)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, content[480:580], buf[:100])
}

func TestResolveNestedPath(t *testing.T) {
	dev, _ := buildTestImage(t)
	fs, err := fat12.Driver{}.Mount(dev, 0)
	require.NoError(t, err)

	handle, err := fs.Open("/SUB/NOTE.TXT", vfs.OpenRead)
	require.NoError(t, err)
	defer handle.Close()

	buf := make([]byte, 32)
	n, err := handle.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello inner", string(buf[:n]))

	_, err = fs.Open("/SUB/MISSING.TXT", vfs.OpenRead)
	assert.ErrorIs(t, err, vfs.ErrNotFound)

	_, err = fs.Open("/HELLO.TXT/nope", vfs.OpenRead)
	assert.ErrorIs(t, err, vfs.ErrNotADirectory)
}

func TestStatFS(t *testing.T) {
	dev, _ := buildTestImage(t)
	fs, err := fat12.Driver{}.Mount(dev, 0)
	require.NoError(t, err)

	stat, err := fs.StatFS()
	require.NoError(t, err)

	// 61 data clusters, of which 2..5 are allocated.
	assert.EqualValues(t, 61, stat.TotalBlocks)
	assert.EqualValues(t, 57, stat.BlocksFree)
	assert.Equal(t, "TESTFLOPPY", stat.Label)
}

func TestRejectsNonFATVolume(t *testing.T) {
	dev := blockdev.NewMemDevice(make([]byte, 64*512), "blank", 512)
	_, err := fat12.Driver{}.Mount(dev, 0)
	assert.ErrorIs(t, err, vfs.ErrFileSystemCorrupted)
}

// Mounted through the VFS, the driver surfaces every mutation as
// unsupported or read-only.
func TestReadOnlySurface(t *testing.T) {
	dev, _ := buildTestImage(t)

	v := vfs.New()
	require.NoError(t, v.RegisterDriver("fat12", fat12.Driver{}))
	require.NoError(t, v.Mount("fat12", dev, "/", 0))

	assert.ErrorIs(t, v.Mkdir("/newdir", 0o755), vfs.ErrNotSupported)
	assert.ErrorIs(t, v.Unlink("/HELLO.TXT"), vfs.ErrNotSupported)
	assert.ErrorIs(t, v.Symlink("/a", "/b"), vfs.ErrNotSupported)

	_, err := v.Open("/NEW.TXT", vfs.OpenWrite|vfs.OpenCreate)
	assert.Error(t, err)

	// Reading through the VFS still works end to end.
	handle, err := v.Open("/SUB/NOTE.TXT", vfs.OpenRead)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, rerr := handle.Read(buf)
	require.NoError(t, rerr)
	assert.Equal(t, "hello inner", string(buf[:n]))
	_, rerr = handle.Read(buf)
	assert.ErrorIs(t, rerr, io.EOF)
	handle.Close()
}
