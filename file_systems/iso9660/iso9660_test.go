package iso9660_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vfs "github.com/0xUINTBEEF/uintvfs"
	"github.com/0xUINTBEEF/uintvfs/blockdev"
	"github.com/0xUINTBEEF/uintvfs/file_systems/iso9660"
)

// putRecord writes one directory record at buf[0:] and returns its length.
// Integer fields land in both byte orders, as the format requires.
func putRecord(buf []byte, identifier string, lba, size uint32, flags byte) int {
	recLen := 33 + len(identifier)
	if recLen%2 != 0 {
		recLen++
	}

	buf[0] = byte(recLen)
	binary.LittleEndian.PutUint32(buf[2:6], lba)
	binary.BigEndian.PutUint32(buf[6:10], lba)
	binary.LittleEndian.PutUint32(buf[10:14], size)
	binary.BigEndian.PutUint32(buf[14:18], size)
	copy(buf[18:25], []byte{124, 6, 1, 12, 0, 0, 0}) // 2024-06-01 12:00 UTC
	buf[25] = flags
	binary.LittleEndian.PutUint16(buf[28:30], 1)
	binary.BigEndian.PutUint16(buf[30:32], 1)
	buf[32] = byte(len(identifier))
	copy(buf[33:], identifier)
	return recLen
}

// buildTestImage fabricates a 24-sector ISO: a PVD, a terminator, a root
// directory holding README.TXT and DOCS/, and DOCS holding NOTES.TXT.
func buildTestImage(t *testing.T) (blockdev.Device, string, string) {
	t.Helper()
	image := make([]byte, 24*iso9660.SectorSize)

	readme := "iso file contents: 27 bytes"
	notes := "docs contents"

	// Primary volume descriptor in sector 16.
	pvd := image[16*iso9660.SectorSize:]
	pvd[0] = 1
	copy(pvd[1:6], iso9660.StandardIdentifier)
	pvd[6] = 1
	copy(pvd[40:72], "TESTISO                         ")
	binary.LittleEndian.PutUint32(pvd[80:84], 24)
	binary.BigEndian.PutUint32(pvd[84:88], 24)
	binary.LittleEndian.PutUint16(pvd[128:130], iso9660.SectorSize)
	binary.BigEndian.PutUint16(pvd[130:132], iso9660.SectorSize)
	putRecord(pvd[156:], "\x00", 18, iso9660.SectorSize, 2)

	// Set terminator in sector 17.
	term := image[17*iso9660.SectorSize:]
	term[0] = 255
	copy(term[1:6], iso9660.StandardIdentifier)
	term[6] = 1

	// Root directory extent in sector 18.
	root := image[18*iso9660.SectorSize:]
	offset := putRecord(root, "\x00", 18, iso9660.SectorSize, 2)
	offset += putRecord(root[offset:], "\x01", 18, iso9660.SectorSize, 2)
	offset += putRecord(root[offset:], "DOCS", 19, iso9660.SectorSize, 2)
	putRecord(root[offset:], "README.TXT;1", 20, uint32(len(readme)), 0)

	// DOCS directory extent in sector 19.
	docs := image[19*iso9660.SectorSize:]
	offset = putRecord(docs, "\x00", 19, iso9660.SectorSize, 2)
	offset += putRecord(docs[offset:], "\x01", 18, iso9660.SectorSize, 2)
	putRecord(docs[offset:], "NOTES.TXT;1", 21, uint32(len(notes)), 0)

	// File payloads.
	copy(image[20*iso9660.SectorSize:], readme)
	copy(image[21*iso9660.SectorSize:], notes)

	return blockdev.NewMemDevice(image, "cdrom0", 2048), readme, notes
}

func TestMountAndListRoot(t *testing.T) {
	dev, readme, _ := buildTestImage(t)
	fs, err := iso9660.Driver{}.Mount(dev, vfs.MountReadOnly)
	require.NoError(t, err)

	entries, err := fs.ListDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "DOCS", entries[0].Name)
	assert.Equal(t, vfs.KindDirectory, entries[0].Kind)
	assert.Equal(t, "README.TXT", entries[1].Name)
	assert.Equal(t, vfs.KindFile, entries[1].Kind)
	assert.EqualValues(t, len(readme), entries[1].Size)
}

func TestReadFile(t *testing.T) {
	dev, readme, notes := buildTestImage(t)
	fs, err := iso9660.Driver{}.Mount(dev, vfs.MountReadOnly)
	require.NoError(t, err)

	handle, err := fs.Open("/README.TXT", vfs.OpenRead)
	require.NoError(t, err)
	buf := make([]byte, 256)
	n, err := handle.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, readme, string(buf[:n]))
	handle.Close()

	// Nested resolution, and an offset read.
	handle, err = fs.Open("/DOCS/NOTES.TXT", vfs.OpenRead)
	require.NoError(t, err)
	n, err = handle.ReadAt(buf[:4], 5)
	require.NoError(t, err)
	assert.Equal(t, notes[5:9], string(buf[:4]))
	handle.Close()
}

func TestStatAndErrors(t *testing.T) {
	dev, readme, _ := buildTestImage(t)
	fs, err := iso9660.Driver{}.Mount(dev, vfs.MountReadOnly)
	require.NoError(t, err)

	stat, err := fs.Stat("/README.TXT")
	require.NoError(t, err)
	assert.EqualValues(t, len(readme), stat.Size)
	assert.True(t, stat.IsFile())

	stat, err = fs.Stat("/DOCS")
	require.NoError(t, err)
	assert.True(t, stat.IsDir())

	_, err = fs.Stat("/MISSING")
	assert.ErrorIs(t, err, vfs.ErrNotFound)

	_, err = fs.Open("/DOCS", vfs.OpenRead)
	assert.ErrorIs(t, err, vfs.ErrIsADirectory)

	_, err = fs.Open("/README.TXT", vfs.OpenRead|vfs.OpenWrite)
	assert.ErrorIs(t, err, vfs.ErrReadOnlyFileSystem)
}

func TestStatFS(t *testing.T) {
	dev, _, _ := buildTestImage(t)
	fs, err := iso9660.Driver{}.Mount(dev, vfs.MountReadOnly)
	require.NoError(t, err)

	stat, err := fs.StatFS()
	require.NoError(t, err)
	assert.EqualValues(t, iso9660.SectorSize, stat.BlockSize)
	assert.EqualValues(t, 24, stat.TotalBlocks)
	assert.Equal(t, "TESTISO", stat.Label)
}

func TestRejectsNonISOVolume(t *testing.T) {
	dev := blockdev.NewMemDevice(make([]byte, 24*2048), "blank", 2048)
	_, err := iso9660.Driver{}.Mount(dev, vfs.MountReadOnly)
	assert.ErrorIs(t, err, vfs.ErrFileSystemCorrupted)
}
