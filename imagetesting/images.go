// Package imagetesting fabricates in-memory disk images for driver and VFS
// tests.
package imagetesting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0xUINTBEEF/uintvfs/blockdev"
	"github.com/0xUINTBEEF/uintvfs/file_systems/ext2"
)

// FixedTime is the pinned clock used by formatted test images so their
// timestamps are reproducible.
var FixedTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// Clock returns FixedTime; hand it to drivers under test.
func Clock() time.Time {
	return FixedTime
}

// NewBlankDevice returns an in-memory device of the given geometry, zeroed.
// The backing slice is returned too so tests can inspect raw bytes.
func NewBlankDevice(t *testing.T, id string, blockSize uint, totalBlocks uint64) (blockdev.Device, []byte) {
	t.Helper()
	require.NotZero(t, blockSize, "block size is required")

	storage := make([]byte, uint64(blockSize)*totalBlocks)
	return blockdev.NewMemDevice(storage, id, blockSize), storage
}

// NewExt2Device formats a fresh in-memory volume of the ext2-like format
// and returns its device.
func NewExt2Device(t *testing.T, id string, blockSize uint32, totalBlocks uint64) blockdev.Device {
	t.Helper()

	dev, _ := NewBlankDevice(t, id, uint(blockSize), totalBlocks)
	err := ext2.Format(dev, ext2.FormatOptions{
		BlockSize: blockSize,
		Label:     "testvol",
		Clock:     Clock,
	})
	require.NoError(t, err, "formatting the test volume failed")
	return dev
}
