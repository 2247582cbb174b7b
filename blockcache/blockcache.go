// Package blockcache provides a bounded, set-associative cache of device
// blocks with dirty tracking and write-back. It sits between filesystem
// drivers and the block device layer; one cache instance can serve any
// number of devices, keyed by (device ID, block number).
package blockcache

import (
	"container/list"
	"fmt"
	"hash/fnv"

	"github.com/hashicorp/go-multierror"
	"github.com/jacobsa/syncutil"

	"github.com/0xUINTBEEF/uintvfs/blockdev"
)

// Stats are the externally observable cache counters.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	WriteBacks uint64
}

type entry struct {
	dev   blockdev.Device
	devID string
	block uint64
	data  []byte
	dirty bool
}

// Cache is an N-way set-associative LRU block cache.
//
// The cache operates on logical blocks of a fixed size, which must be a
// multiple of each attached device's native block size. Buffers returned by
// Get are owned by the cache; callers that modify one must call MarkDirty
// before the next cache operation.
type Cache struct {
	blockSize uint
	ways      int

	mu syncutil.InvariantMutex

	// sets holds one LRU list per set; front is most recently used. Guarded
	// by mu.
	sets  []*list.List
	stats Stats
}

// New creates a cache of `numSets` sets with `ways` entries each, operating
// on blocks of `blockSize` bytes.
func New(blockSize uint, numSets, ways int) *Cache {
	if numSets < 1 {
		numSets = 1
	}
	if ways < 1 {
		ways = 1
	}

	cache := &Cache{
		blockSize: blockSize,
		ways:      ways,
		sets:      make([]*list.List, numSets),
	}
	for i := range cache.sets {
		cache.sets[i] = list.New()
	}
	cache.mu = syncutil.NewInvariantMutex(cache.checkInvariants)
	return cache
}

func (cache *Cache) checkInvariants() {
	for i, set := range cache.sets {
		if set.Len() > cache.ways {
			panic(fmt.Sprintf(
				"set %d holds %d entries, limit is %d", i, set.Len(), cache.ways,
			))
		}
		for elem := set.Front(); elem != nil; elem = elem.Next() {
			e := elem.Value.(*entry)
			if uint(len(e.data)) != cache.blockSize {
				panic(fmt.Sprintf(
					"entry (%s, %d) buffer is %d bytes, want %d",
					e.devID, e.block, len(e.data), cache.blockSize,
				))
			}
		}
	}
}

// BlockSize returns the logical block size the cache operates on.
func (cache *Cache) BlockSize() uint {
	return cache.blockSize
}

func (cache *Cache) setFor(devID string, block uint64) *list.List {
	h := fnv.New64a()
	h.Write([]byte(devID))
	var idx [8]byte
	for i := 0; i < 8; i++ {
		idx[i] = byte(block >> (8 * i))
	}
	h.Write(idx[:])
	return cache.sets[h.Sum64()%uint64(len(cache.sets))]
}

// lbaFactor gives the number of device blocks per cache block, or an error
// if the device's geometry is incompatible.
func (cache *Cache) lbaFactor(dev blockdev.Device) (uint64, error) {
	devBlockSize := dev.BlockSize()
	if devBlockSize == 0 || cache.blockSize%devBlockSize != 0 {
		return 0, fmt.Errorf(
			"device block size %d does not divide cache block size %d",
			devBlockSize,
			cache.blockSize,
		)
	}
	return uint64(cache.blockSize / devBlockSize), nil
}

func (cache *Cache) find(set *list.List, devID string, block uint64) *list.Element {
	for elem := set.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		if e.devID == devID && e.block == block {
			return elem
		}
	}
	return nil
}

func (cache *Cache) writeBack(e *entry) error {
	factor, err := cache.lbaFactor(e.dev)
	if err != nil {
		return err
	}
	if err := e.dev.WriteBlocks(e.block*factor, e.data); err != nil {
		return fmt.Errorf(
			"write-back of block %d on %q failed: %w", e.block, e.devID, err,
		)
	}
	e.dirty = false
	cache.stats.WriteBacks++
	return nil
}

// install makes room in `set` and inserts a fresh entry at the MRU position.
// A dirty victim completes its write-back before its slot is reused.
func (cache *Cache) install(
	set *list.List,
	dev blockdev.Device,
	block uint64,
	data []byte,
	dirty bool,
) (*entry, error) {
	if set.Len() >= cache.ways {
		victimElem := set.Back()
		victim := victimElem.Value.(*entry)
		if victim.dirty {
			if err := cache.writeBack(victim); err != nil {
				return nil, err
			}
		}
		set.Remove(victimElem)
		cache.stats.Evictions++
	}

	e := &entry{
		dev:   dev,
		devID: dev.ID(),
		block: block,
		data:  data,
		dirty: dirty,
	}
	set.PushFront(e)
	return e, nil
}

// Get returns the cache buffer for the given block, fetching it from the
// device on a miss. The returned slice is exactly one cache block long and
// remains valid until the entry is evicted, flushed away by Invalidate, or
// the cache is used to modify it; callers mutating it must MarkDirty.
func (cache *Cache) Get(dev blockdev.Device, block uint64) ([]byte, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	devID := dev.ID()
	set := cache.setFor(devID, block)
	if elem := cache.find(set, devID, block); elem != nil {
		set.MoveToFront(elem)
		cache.stats.Hits++
		return elem.Value.(*entry).data, nil
	}
	cache.stats.Misses++

	factor, err := cache.lbaFactor(dev)
	if err != nil {
		return nil, err
	}

	data := make([]byte, cache.blockSize)
	if err := dev.ReadBlocks(block*factor, data); err != nil {
		return nil, fmt.Errorf(
			"failed to load block %d from %q: %w", block, devID, err,
		)
	}

	e, err := cache.install(set, dev, block, data, false)
	if err != nil {
		return nil, err
	}
	return e.data, nil
}

// GetZero returns a zero-filled, dirty buffer for the given block without
// reading the device. It's for blocks whose prior contents are irrelevant,
// e.g. freshly allocated ones.
func (cache *Cache) GetZero(dev blockdev.Device, block uint64) ([]byte, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	devID := dev.ID()
	set := cache.setFor(devID, block)
	if elem := cache.find(set, devID, block); elem != nil {
		set.MoveToFront(elem)
		e := elem.Value.(*entry)
		for i := range e.data {
			e.data[i] = 0
		}
		e.dirty = true
		return e.data, nil
	}

	e, err := cache.install(set, dev, block, make([]byte, cache.blockSize), true)
	if err != nil {
		return nil, err
	}
	return e.data, nil
}

// MarkDirty flags a resident block for write-back. It's an error to mark a
// block that isn't resident.
func (cache *Cache) MarkDirty(dev blockdev.Device, block uint64) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	devID := dev.ID()
	elem := cache.find(cache.setFor(devID, block), devID, block)
	if elem == nil {
		return fmt.Errorf("block %d of %q is not resident", block, devID)
	}
	elem.Value.(*entry).dirty = true
	return nil
}

// Flush writes one block back to its device if it's resident and dirty.
func (cache *Cache) Flush(dev blockdev.Device, block uint64) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	devID := dev.ID()
	elem := cache.find(cache.setFor(devID, block), devID, block)
	if elem == nil {
		return nil
	}

	e := elem.Value.(*entry)
	if !e.dirty {
		return nil
	}
	return cache.writeBack(e)
}

// FlushDevice writes back every dirty block belonging to the given device.
func (cache *Cache) FlushDevice(dev blockdev.Device) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	devID := dev.ID()
	var result *multierror.Error
	for _, set := range cache.sets {
		for elem := set.Front(); elem != nil; elem = elem.Next() {
			e := elem.Value.(*entry)
			if e.devID == devID && e.dirty {
				result = multierror.Append(result, cache.writeBack(e))
			}
		}
	}
	return result.ErrorOrNil()
}

// FlushAll writes back every dirty block in the cache. All blocks are
// attempted even if some fail; the failures come back aggregated.
func (cache *Cache) FlushAll() error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	var result *multierror.Error
	for _, set := range cache.sets {
		for elem := set.Front(); elem != nil; elem = elem.Next() {
			e := elem.Value.(*entry)
			if e.dirty {
				result = multierror.Append(result, cache.writeBack(e))
			}
		}
	}
	return result.ErrorOrNil()
}

// Invalidate drops a block from the cache without writing it back. Pending
// modifications to that block are lost.
func (cache *Cache) Invalidate(dev blockdev.Device, block uint64) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	devID := dev.ID()
	set := cache.setFor(devID, block)
	if elem := cache.find(set, devID, block); elem != nil {
		set.Remove(elem)
	}
}

// InvalidateDevice drops every block belonging to the given device.
func (cache *Cache) InvalidateDevice(dev blockdev.Device) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	devID := dev.ID()
	for _, set := range cache.sets {
		elem := set.Front()
		for elem != nil {
			next := elem.Next()
			if elem.Value.(*entry).devID == devID {
				set.Remove(elem)
			}
			elem = next
		}
	}
}

// Stats returns a snapshot of the cache counters.
func (cache *Cache) Stats() Stats {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.stats
}
