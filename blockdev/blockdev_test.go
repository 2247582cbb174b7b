package blockdev_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xUINTBEEF/uintvfs/blockdev"
)

func randomImage(t *testing.T, size int) []byte {
	t.Helper()
	image := make([]byte, size)
	_, err := rand.New(rand.NewSource(42)).Read(image)
	require.NoError(t, err)
	return image
}

func TestMemDevice__Geometry(t *testing.T) {
	dev := blockdev.NewMemDevice(make([]byte, 64*512), "dev0", 512)
	assert.Equal(t, uint(512), dev.BlockSize())
	assert.Equal(t, uint64(64), dev.CapacityBlocks())
	assert.Equal(t, "dev0", dev.ID())
}

func TestMemDevice__ReadBack(t *testing.T) {
	image := randomImage(t, 64*512)
	dev := blockdev.NewMemDevice(image, "dev0", 512)

	buf := make([]byte, 512)
	for lba := uint64(0); lba < 64; lba++ {
		require.NoError(t, dev.ReadBlocks(lba, buf))
		start := lba * 512
		assert.True(
			t,
			bytes.Equal(buf, image[start:start+512]),
			"block %d read back wrong", lba,
		)
	}
}

func TestMemDevice__WriteReadRoundTrip(t *testing.T) {
	dev := blockdev.NewMemDevice(make([]byte, 16*512), "dev0", 512)

	payload := randomImage(t, 3*512)
	require.NoError(t, dev.WriteBlocks(4, payload))

	buf := make([]byte, 3*512)
	require.NoError(t, dev.ReadBlocks(4, buf))
	assert.Equal(t, payload, buf)
}

func TestMemDevice__Bounds(t *testing.T) {
	dev := blockdev.NewMemDevice(make([]byte, 16*512), "dev0", 512)
	buf := make([]byte, 512)

	// The last valid block works; one past it doesn't.
	assert.NoError(t, dev.ReadBlocks(15, buf))
	assert.Error(t, dev.ReadBlocks(16, buf))

	// A multi-block read that runs off the end must fail too.
	assert.Error(t, dev.ReadBlocks(15, make([]byte, 2*512)))

	// Partial-block and empty buffers are rejected.
	assert.Error(t, dev.ReadBlocks(0, make([]byte, 100)))
	assert.Error(t, dev.ReadBlocks(0, nil))
	assert.Error(t, dev.WriteBlocks(0, make([]byte, 513)))
}

func TestStreamDeviceWithInferredSize(t *testing.T) {
	image := randomImage(t, 10*1024)

	dev, err := blockdev.NewStreamDeviceWithInferredSize(
		readWriteSeeker(image), "dev1", 1024,
	)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), dev.CapacityBlocks())
}

// readWriteSeeker adapts a byte slice for the inferred-size constructor.
func readWriteSeeker(data []byte) *sliceStream {
	return &sliceStream{data: data}
}

type sliceStream struct {
	data []byte
	pos  int64
}

func (s *sliceStream) Read(p []byte) (int, error) {
	n := copy(p, s.data[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *sliceStream) Write(p []byte) (int, error) {
	n := copy(s.data[s.pos:], p)
	s.pos += int64(n)
	return n, nil
}

func (s *sliceStream) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		s.pos = offset
	case 1:
		s.pos += offset
	case 2:
		s.pos = int64(len(s.data)) + offset
	}
	return s.pos, nil
}
