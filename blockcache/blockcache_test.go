package blockcache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xUINTBEEF/uintvfs/blockcache"
	"github.com/0xUINTBEEF/uintvfs/blockdev"
)

func newImageDevice(t *testing.T, id string, blocks int) (blockdev.Device, []byte) {
	t.Helper()
	storage := make([]byte, blocks*512)
	for i := range storage {
		storage[i] = byte(i % 251)
	}
	return blockdev.NewMemDevice(storage, id, 512), storage
}

func TestCache__HitAndMissCounters(t *testing.T) {
	dev, _ := newImageDevice(t, "dev0", 64)
	cache := blockcache.New(512, 8, 2)

	_, err := cache.Get(dev, 3)
	require.NoError(t, err)
	_, err = cache.Get(dev, 3)
	require.NoError(t, err)
	_, err = cache.Get(dev, 4)
	require.NoError(t, err)

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
}

func TestCache__ReadThrough(t *testing.T) {
	dev, storage := newImageDevice(t, "dev0", 64)
	cache := blockcache.New(512, 8, 2)

	data, err := cache.Get(dev, 5)
	require.NoError(t, err)
	assert.Equal(t, storage[5*512:6*512], data)
}

func TestCache__DirtyWriteBackOnFlush(t *testing.T) {
	dev, storage := newImageDevice(t, "dev0", 64)
	cache := blockcache.New(512, 8, 2)

	data, err := cache.Get(dev, 7)
	require.NoError(t, err)
	data[0] = 0xAB
	require.NoError(t, cache.MarkDirty(dev, 7))

	// Not written back yet.
	assert.NotEqual(t, byte(0xAB), storage[7*512])

	require.NoError(t, cache.Flush(dev, 7))
	assert.Equal(t, byte(0xAB), storage[7*512])
	assert.Equal(t, uint64(1), cache.Stats().WriteBacks)
}

// A dirty victim must complete its write-back before its slot is reused.
func TestCache__DirtyEvictionWritesBack(t *testing.T) {
	dev, storage := newImageDevice(t, "dev0", 256)
	// One set, one way: every distinct block evicts the previous one.
	cache := blockcache.New(512, 1, 1)

	data, err := cache.Get(dev, 1)
	require.NoError(t, err)
	data[10] = 0xCD
	require.NoError(t, cache.MarkDirty(dev, 1))

	// Touching another block forces the eviction.
	_, err = cache.Get(dev, 2)
	require.NoError(t, err)

	assert.Equal(t, byte(0xCD), storage[1*512+10], "eviction lost the dirty data")
	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, uint64(1), stats.WriteBacks)
}

func TestCache__FlushAll(t *testing.T) {
	dev, storage := newImageDevice(t, "dev0", 64)
	cache := blockcache.New(512, 8, 4)

	for _, block := range []uint64{1, 9, 17} {
		data, err := cache.Get(dev, block)
		require.NoError(t, err)
		data[0] = 0xEE
		require.NoError(t, cache.MarkDirty(dev, block))
	}

	require.NoError(t, cache.FlushAll())
	for _, block := range []uint64{1, 9, 17} {
		assert.Equal(t, byte(0xEE), storage[block*512], "block %d not written", block)
	}
}

func TestCache__InvalidateDropsChanges(t *testing.T) {
	dev, storage := newImageDevice(t, "dev0", 64)
	cache := blockcache.New(512, 8, 2)

	data, err := cache.Get(dev, 3)
	require.NoError(t, err)
	original := storage[3*512]
	data[0] = ^original
	require.NoError(t, cache.MarkDirty(dev, 3))

	cache.Invalidate(dev, 3)
	require.NoError(t, cache.FlushAll())
	assert.Equal(t, original, storage[3*512], "invalidate must discard, not flush")

	// The next Get re-reads from the device.
	data, err = cache.Get(dev, 3)
	require.NoError(t, err)
	assert.Equal(t, original, data[0])
}

func TestCache__GetZero(t *testing.T) {
	dev, storage := newImageDevice(t, "dev0", 64)
	cache := blockcache.New(512, 8, 2)

	data, err := cache.GetZero(dev, 6)
	require.NoError(t, err)
	for i, b := range data {
		require.Zero(t, b, "byte %d not zeroed", i)
	}

	// GetZero marks the buffer dirty, so the zeros land on the device.
	require.NoError(t, cache.FlushDevice(dev))
	for i := 6 * 512; i < 7*512; i++ {
		require.Zero(t, storage[i])
	}
}

func TestCache__MarkDirtyNonResident(t *testing.T) {
	dev, _ := newImageDevice(t, "dev0", 64)
	cache := blockcache.New(512, 8, 2)
	assert.Error(t, cache.MarkDirty(dev, 42))
}

func TestCache__PerDeviceKeying(t *testing.T) {
	devA, storageA := newImageDevice(t, "devA", 64)
	devB, storageB := newImageDevice(t, "devB", 64)
	for i := range storageB {
		storageB[i] = 0xFF
	}
	cache := blockcache.New(512, 8, 4)

	dataA, err := cache.Get(devA, 0)
	require.NoError(t, err)
	dataB, err := cache.Get(devB, 0)
	require.NoError(t, err)

	assert.Equal(t, storageA[:512], dataA)
	assert.Equal(t, storageB[:512], dataB)
	assert.Equal(t, uint64(2), cache.Stats().Misses)
}

// A cache block can span several device blocks.
func TestCache__LargerLogicalBlocks(t *testing.T) {
	dev, storage := newImageDevice(t, "dev0", 64)
	cache := blockcache.New(1024, 4, 2)

	data, err := cache.Get(dev, 3)
	require.NoError(t, err)
	assert.Equal(t, storage[3*1024:4*1024], data)
}
