package ext2

import (
	"encoding/binary"
	"fmt"

	vfs "github.com/0xUINTBEEF/uintvfs"
)

// ptrsPerBlock is the fan-out of one indirect index block.
func (fs *FileSystem) ptrsPerBlock() uint64 {
	return uint64(fs.blockSize / 4)
}

func (fs *FileSystem) checkBlockPointer(block uint32) vfs.DriverError {
	if block < fs.sb.FirstDataBlock || block >= fs.sb.BlocksCount {
		return fs.corrupt(fmt.Sprintf("block pointer %d out of range", block))
	}
	return nil
}

// readPointer fetches entry `idx` of the index block at `block`.
func (fs *FileSystem) readPointer(block uint32, idx uint64) (uint32, vfs.DriverError) {
	data, cerr := fs.cache.Get(fs.dev, uint64(block))
	if cerr != nil {
		return 0, vfs.CastError(cerr)
	}
	return binary.LittleEndian.Uint32(data[idx*4 : idx*4+4]), nil
}

func (fs *FileSystem) writePointer(block uint32, idx uint64, value uint32) vfs.DriverError {
	data, cerr := fs.cache.Get(fs.dev, uint64(block))
	if cerr != nil {
		return vfs.CastError(cerr)
	}
	binary.LittleEndian.PutUint32(data[idx*4:idx*4+4], value)
	if cerr := fs.cache.MarkDirty(fs.dev, uint64(block)); cerr != nil {
		return vfs.CastError(cerr)
	}
	return nil
}

// mapPath describes how a logical block index decomposes into the pointer
// tree: which inode slot roots it and the index at each indirection level.
func (fs *FileSystem) mapPath(logical uint64) (slot int, idxs []uint64, err vfs.DriverError) {
	n := fs.ptrsPerBlock()

	if logical < NumDirectBlocks {
		return int(logical), nil, nil
	}
	logical -= NumDirectBlocks

	if logical < n {
		return singleIndirectSlot, []uint64{logical}, nil
	}
	logical -= n

	if logical < n*n {
		return doubleIndirectSlot, []uint64{logical / n, logical % n}, nil
	}
	logical -= n * n

	if logical < n*n*n {
		return tripleIndirectSlot,
			[]uint64{logical / (n * n), (logical / n) % n, logical % n},
			nil
	}
	return 0, nil, vfs.ErrInvalidArgument.WithMessage(
		fmt.Sprintf("logical block %d exceeds the maximum file size",
			logical+NumDirectBlocks+n+n*n),
	)
}

// physicalBlock maps a logical block index of an inode to a physical block
// number. Zero means a sparse hole at any level of the tree.
func (fs *FileSystem) physicalBlock(inode *RawInode, logical uint64) (uint32, vfs.DriverError) {
	slot, idxs, err := fs.mapPath(logical)
	if err != nil {
		return 0, err
	}

	current := inode.Block[slot]
	for _, idx := range idxs {
		if current == 0 {
			return 0, nil
		}
		if err := fs.checkBlockPointer(current); err != nil {
			return 0, err
		}
		current, err = fs.readPointer(current, idx)
		if err != nil {
			return 0, err
		}
	}
	if current != 0 {
		if err := fs.checkBlockPointer(current); err != nil {
			return 0, err
		}
	}
	return current, nil
}

// ensurePhysicalBlock is physicalBlock with allocation: any missing index
// blocks are allocated, zeroed and back-filled, then the data block itself.
// Newly allocated data blocks come back zeroed through the cache. The
// inode's sector count is updated in memory; the caller writes the inode
// out.
func (fs *FileSystem) ensurePhysicalBlock(
	inode *RawInode,
	prefGroup uint32,
	logical uint64,
) (uint32, vfs.DriverError) {
	slot, idxs, err := fs.mapPath(logical)
	if err != nil {
		return 0, err
	}
	spb := fs.sectorsPerBlock()

	allocZeroed := func() (uint32, vfs.DriverError) {
		block, err := fs.allocBlock(prefGroup)
		if err != nil {
			return 0, err
		}
		if _, cerr := fs.cache.GetZero(fs.dev, uint64(block)); cerr != nil {
			return 0, vfs.CastError(cerr)
		}
		inode.SectorCount += spb
		return block, nil
	}

	if inode.Block[slot] == 0 {
		block, err := allocZeroed()
		if err != nil {
			return 0, err
		}
		inode.Block[slot] = block
	}

	current := inode.Block[slot]
	for _, idx := range idxs {
		if err := fs.checkBlockPointer(current); err != nil {
			return 0, err
		}
		next, err := fs.readPointer(current, idx)
		if err != nil {
			return 0, err
		}
		if next == 0 {
			next, err = allocZeroed()
			if err != nil {
				return 0, err
			}
			if err := fs.writePointer(current, idx, next); err != nil {
				return 0, err
			}
		}
		current = next
	}
	return current, nil
}

// freeSubtree releases an index/data subtree rooted at `block`. Level 0 is a
// data block; level L > 0 is an index block over level L-1 subtrees. Returns
// the number of blocks freed.
func (fs *FileSystem) freeSubtree(block uint32, level int) (uint32, vfs.DriverError) {
	freed := uint32(0)

	if level > 0 {
		n := fs.ptrsPerBlock()
		for idx := uint64(0); idx < n; idx++ {
			child, err := fs.readPointer(block, idx)
			if err != nil {
				return freed, err
			}
			if child == 0 {
				continue
			}
			childFreed, err := fs.freeSubtree(child, level-1)
			freed += childFreed
			if err != nil {
				return freed, err
			}
		}
	}

	fs.cache.Invalidate(fs.dev, uint64(block))
	if err := fs.freeBlock(block); err != nil {
		return freed, err
	}
	return freed + 1, nil
}

// subtreeCapacity gives the number of data blocks a subtree at the given
// level can map.
func (fs *FileSystem) subtreeCapacity(level int) uint64 {
	capacity := uint64(1)
	n := fs.ptrsPerBlock()
	for i := 0; i < level; i++ {
		capacity *= n
	}
	return capacity
}

// pruneSubtree frees everything in the subtree beyond the first `keep` data
// blocks. Returns (kept, freedBlocks): kept is false when the whole subtree
// (including its index block) was released.
func (fs *FileSystem) pruneSubtree(block uint32, level int, keep uint64) (bool, uint32, vfs.DriverError) {
	if keep == 0 {
		freed, err := fs.freeSubtree(block, level)
		return false, freed, err
	}
	if level == 0 {
		return true, 0, nil
	}

	n := fs.ptrsPerBlock()
	childCapacity := fs.subtreeCapacity(level - 1)
	freed := uint32(0)

	for idx := uint64(0); idx < n; idx++ {
		childStart := idx * childCapacity
		if childStart+childCapacity <= keep {
			continue
		}

		child, err := fs.readPointer(block, idx)
		if err != nil {
			return true, freed, err
		}
		if child == 0 {
			continue
		}

		childKeep := uint64(0)
		if keep > childStart {
			childKeep = keep - childStart
		}
		kept, childFreed, err := fs.pruneSubtree(child, level-1, childKeep)
		freed += childFreed
		if err != nil {
			return true, freed, err
		}
		if !kept {
			if err := fs.writePointer(block, idx, 0); err != nil {
				return true, freed, err
			}
		}
	}
	return true, freed, nil
}

// shrinkInode releases every block mapped at or beyond logical index
// `keepBlocks` and updates the inode's sector count in memory.
func (fs *FileSystem) shrinkInode(inode *RawInode, keepBlocks uint64) vfs.DriverError {
	n := fs.ptrsPerBlock()
	spb := fs.sectorsPerBlock()
	totalFreed := uint32(0)

	// Direct pointers.
	for slot := keepBlocks; slot < NumDirectBlocks; slot++ {
		if inode.Block[slot] == 0 {
			continue
		}
		freed, err := fs.freeSubtree(inode.Block[slot], 0)
		totalFreed += freed
		if err != nil {
			return err
		}
		inode.Block[slot] = 0
	}

	// Indirect trees, innermost first.
	trees := []struct {
		slot  int
		level int
		start uint64
	}{
		{singleIndirectSlot, 1, NumDirectBlocks},
		{doubleIndirectSlot, 2, NumDirectBlocks + n},
		{tripleIndirectSlot, 3, NumDirectBlocks + n + n*n},
	}
	for _, tree := range trees {
		if inode.Block[tree.slot] == 0 {
			continue
		}
		keep := uint64(0)
		if keepBlocks > tree.start {
			keep = keepBlocks - tree.start
		}
		kept, freed, err := fs.pruneSubtree(inode.Block[tree.slot], tree.level, keep)
		totalFreed += freed
		if err != nil {
			return err
		}
		if !kept {
			inode.Block[tree.slot] = 0
		}
	}

	removed := totalFreed * spb
	if removed > inode.SectorCount {
		inode.SectorCount = 0
	} else {
		inode.SectorCount -= removed
	}
	return nil
}
