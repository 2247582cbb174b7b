package vfs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vfs "github.com/0xUINTBEEF/uintvfs"
	"github.com/0xUINTBEEF/uintvfs/file_systems/ext2"
	"github.com/0xUINTBEEF/uintvfs/imagetesting"
)

func newExt2VFS(t *testing.T) *vfs.VFS {
	t.Helper()

	dev := imagetesting.NewExt2Device(t, "dev0", 1024, 4096)
	v := vfs.New()
	require.NoError(t, v.RegisterDriver("ext2", &ext2.Driver{Clock: imagetesting.Clock}))
	require.NoError(t, v.Mount("ext2", dev, "/", 0))
	return v
}

func TestOpen__RequiresSomeAccessMode(t *testing.T) {
	v := newExt2VFS(t)
	_, err := v.Open("/x", vfs.OpenCreate)
	assert.ErrorIs(t, err, vfs.ErrInvalidArgument)
}

func TestRead__RequiresReadFlag(t *testing.T) {
	v := newExt2VFS(t)

	handle, err := v.Open("/f", vfs.OpenWrite|vfs.OpenCreate)
	require.NoError(t, err)
	defer handle.Close()

	_, rerr := handle.Read(make([]byte, 8))
	assert.ErrorIs(t, rerr, vfs.ErrPermissionDenied)
}

func TestWrite__RequiresWriteFlag(t *testing.T) {
	v := newExt2VFS(t)

	handle, err := v.Open("/f", vfs.OpenRead|vfs.OpenWrite|vfs.OpenCreate)
	require.NoError(t, err)
	handle.Close()

	readOnly, err := v.Open("/f", vfs.OpenRead)
	require.NoError(t, err)
	defer readOnly.Close()

	_, werr := readOnly.Write([]byte("nope"))
	assert.ErrorIs(t, werr, vfs.ErrPermissionDenied)
}

func TestHandle__ClosedIsInvalid(t *testing.T) {
	v := newExt2VFS(t)

	handle, err := v.Open("/f", vfs.OpenRead|vfs.OpenWrite|vfs.OpenCreate)
	require.NoError(t, err)
	handle.Close()

	_, rerr := handle.Read(make([]byte, 4))
	assert.ErrorIs(t, rerr, vfs.ErrInvalidArgument)
	_, serr := handle.Seek(0, vfs.SeekSet)
	assert.ErrorIs(t, serr, vfs.ErrInvalidArgument)

	// A second close is a no-op, not a crash or a double release.
	handle.Close()
}

func TestOpenDir__OnFile(t *testing.T) {
	v := newExt2VFS(t)

	handle, err := v.Open("/f", vfs.OpenWrite|vfs.OpenCreate)
	require.NoError(t, err)
	handle.Close()

	_, err = v.OpenDir("/f")
	assert.ErrorIs(t, err, vfs.ErrNotADirectory)
}

// Directory listings are snapshots: entries created after OpenDir don't
// show up in an already-open handle.
func TestReadDir__SnapshotSemantics(t *testing.T) {
	v := newExt2VFS(t)

	handle, err := v.Open("/before", vfs.OpenWrite|vfs.OpenCreate)
	require.NoError(t, err)
	handle.Close()

	dir, err := v.OpenDir("/")
	require.NoError(t, err)
	defer dir.Close()

	handle, err = v.Open("/after", vfs.OpenWrite|vfs.OpenCreate)
	require.NoError(t, err)
	handle.Close()

	var names []string
	for {
		entry, err := dir.ReadDir()
		if err != nil {
			assert.ErrorIs(t, err, vfs.ErrEndOfDirectory)
			break
		}
		names = append(names, entry.Name)
	}
	assert.Equal(t, []string{"before"}, names)
}

func TestTell__TracksReadsAndSeeks(t *testing.T) {
	v := newExt2VFS(t)

	handle, err := v.Open("/f", vfs.OpenRead|vfs.OpenWrite|vfs.OpenCreate)
	require.NoError(t, err)
	defer handle.Close()

	_, werr := handle.Write([]byte("0123456789"))
	require.NoError(t, werr)
	assert.EqualValues(t, 10, handle.Tell())

	_, serr := handle.Seek(2, vfs.SeekSet)
	require.NoError(t, serr)
	buf := make([]byte, 3)
	_, rerr := handle.Read(buf)
	require.NoError(t, rerr)
	assert.EqualValues(t, 5, handle.Tell())
}

func TestSync__FlushesAllMounts(t *testing.T) {
	v := newExt2VFS(t)

	handle, err := v.Open("/f", vfs.OpenWrite|vfs.OpenCreate)
	require.NoError(t, err)
	_, werr := handle.Write([]byte("durable"))
	require.NoError(t, werr)

	require.NoError(t, v.Sync())
	handle.Close()
}

func TestMountState__RemountAfterUnmount(t *testing.T) {
	dev := imagetesting.NewExt2Device(t, "dev0", 1024, 4096)

	v := vfs.New()
	require.NoError(t, v.RegisterDriver("ext2", &ext2.Driver{Clock: imagetesting.Clock}))

	// Registered -> Mounted -> Registered -> Mounted again.
	require.NoError(t, v.Mount("ext2", dev, "/", 0))
	require.NoError(t, v.Unmount("/"))
	require.NoError(t, v.Mount("ext2", dev, "/", 0))

	// Mounting over an existing mount point is rejected.
	err := v.Mount("ext2", dev, "/", 0)
	assert.ErrorIs(t, err, vfs.ErrExists)
}
