package ext2

import (
	"fmt"

	"github.com/boljen/go-bitmap"

	vfs "github.com/0xUINTBEEF/uintvfs"
)

// blocksInGroup returns the number of data-area blocks the group actually
// covers; the last group is usually partial.
func (fs *FileSystem) blocksInGroup(group uint32) uint32 {
	start := group * fs.sb.BlocksPerGroup
	total := fs.sb.BlocksCount - fs.sb.FirstDataBlock
	if start+fs.sb.BlocksPerGroup > total {
		return total - start
	}
	return fs.sb.BlocksPerGroup
}

func (fs *FileSystem) inodesInGroup(group uint32) uint32 {
	start := group * fs.sb.InodesPerGroup
	if start+fs.sb.InodesPerGroup > fs.sb.InodesCount {
		return fs.sb.InodesCount - start
	}
	return fs.sb.InodesPerGroup
}

// allocBlock claims one free block, preferring `prefGroup` for locality and
// scanning the remaining groups in ascending order from there. The new
// block's prior contents are undefined; callers must zero or fully
// overwrite it.
func (fs *FileSystem) allocBlock(prefGroup uint32) (uint32, vfs.DriverError) {
	groupCount := uint32(len(fs.groups))
	if prefGroup >= groupCount {
		prefGroup = 0
	}

	for i := uint32(0); i < groupCount; i++ {
		group := (prefGroup + i) % groupCount
		if fs.groups[group].FreeBlocksCount == 0 {
			continue
		}

		data, cerr := fs.cache.Get(fs.dev, uint64(fs.groups[group].BlockBitmap))
		if cerr != nil {
			return 0, vfs.CastError(cerr)
		}

		bm := bitmap.Bitmap(data)
		limit := int(fs.blocksInGroup(group))
		for bit := 0; bit < limit; bit++ {
			if bm.Get(bit) {
				continue
			}

			bm.Set(bit, true)
			if cerr := fs.cache.MarkDirty(fs.dev, uint64(fs.groups[group].BlockBitmap)); cerr != nil {
				return 0, vfs.CastError(cerr)
			}

			fs.groups[group].FreeBlocksCount--
			fs.sb.FreeBlocksCount--
			if err := fs.writeGroupDescriptor(group); err != nil {
				return 0, err
			}
			if err := fs.writeSuperblock(); err != nil {
				return 0, err
			}

			block := fs.sb.FirstDataBlock + group*fs.sb.BlocksPerGroup + uint32(bit)
			return block, nil
		}

		// The descriptor promised a free block the bitmap doesn't have.
		return 0, fs.corrupt(fmt.Sprintf(
			"group %d claims %d free blocks but its bitmap is full",
			group, fs.groups[group].FreeBlocksCount,
		))
	}

	return 0, vfs.ErrNoSpaceOnDevice.WithMessage("no free blocks")
}

// freeBlock releases one block back to its group's bitmap.
func (fs *FileSystem) freeBlock(block uint32) vfs.DriverError {
	if block < fs.sb.FirstDataBlock || block >= fs.sb.BlocksCount {
		return fs.corrupt(fmt.Sprintf("freeing out-of-range block %d", block))
	}

	rel := block - fs.sb.FirstDataBlock
	group := rel / fs.sb.BlocksPerGroup
	bit := int(rel % fs.sb.BlocksPerGroup)

	data, cerr := fs.cache.Get(fs.dev, uint64(fs.groups[group].BlockBitmap))
	if cerr != nil {
		return vfs.CastError(cerr)
	}

	bm := bitmap.Bitmap(data)
	if !bm.Get(bit) {
		return fs.corrupt(fmt.Sprintf("double free of block %d", block))
	}
	bm.Set(bit, false)
	if cerr := fs.cache.MarkDirty(fs.dev, uint64(fs.groups[group].BlockBitmap)); cerr != nil {
		return vfs.CastError(cerr)
	}

	fs.groups[group].FreeBlocksCount++
	fs.sb.FreeBlocksCount++
	if err := fs.writeGroupDescriptor(group); err != nil {
		return err
	}
	return fs.writeSuperblock()
}

// allocInode claims one free inode, preferring `prefGroup`. Directories bump
// the group's used-directory counter.
func (fs *FileSystem) allocInode(prefGroup uint32, isDir bool) (uint32, vfs.DriverError) {
	groupCount := uint32(len(fs.groups))
	if prefGroup >= groupCount {
		prefGroup = 0
	}

	for i := uint32(0); i < groupCount; i++ {
		group := (prefGroup + i) % groupCount
		if fs.groups[group].FreeInodesCount == 0 {
			continue
		}

		data, cerr := fs.cache.Get(fs.dev, uint64(fs.groups[group].InodeBitmap))
		if cerr != nil {
			return 0, vfs.CastError(cerr)
		}

		bm := bitmap.Bitmap(data)
		limit := int(fs.inodesInGroup(group))
		for bit := 0; bit < limit; bit++ {
			ino := group*fs.sb.InodesPerGroup + uint32(bit) + 1
			if ino < FirstFreeInode {
				continue
			}
			if bm.Get(bit) {
				continue
			}

			bm.Set(bit, true)
			if cerr := fs.cache.MarkDirty(fs.dev, uint64(fs.groups[group].InodeBitmap)); cerr != nil {
				return 0, vfs.CastError(cerr)
			}

			fs.groups[group].FreeInodesCount--
			fs.sb.FreeInodesCount--
			if isDir {
				fs.groups[group].UsedDirsCount++
			}
			if err := fs.writeGroupDescriptor(group); err != nil {
				return 0, err
			}
			if err := fs.writeSuperblock(); err != nil {
				return 0, err
			}
			return ino, nil
		}

		return 0, fs.corrupt(fmt.Sprintf(
			"group %d claims %d free inodes but its bitmap is full",
			group, fs.groups[group].FreeInodesCount,
		))
	}

	return 0, vfs.ErrNoSpaceOnDevice.WithMessage("no free inodes")
}

// freeInode releases one inode back to its group's bitmap.
func (fs *FileSystem) freeInode(ino uint32, isDir bool) vfs.DriverError {
	if err := fs.checkInodeNumber(ino); err != nil {
		return err
	}

	idx := ino - 1
	group := idx / fs.sb.InodesPerGroup
	bit := int(idx % fs.sb.InodesPerGroup)

	data, cerr := fs.cache.Get(fs.dev, uint64(fs.groups[group].InodeBitmap))
	if cerr != nil {
		return vfs.CastError(cerr)
	}

	bm := bitmap.Bitmap(data)
	if !bm.Get(bit) {
		return fs.corrupt(fmt.Sprintf("double free of inode %d", ino))
	}
	bm.Set(bit, false)
	if cerr := fs.cache.MarkDirty(fs.dev, uint64(fs.groups[group].InodeBitmap)); cerr != nil {
		return vfs.CastError(cerr)
	}

	fs.groups[group].FreeInodesCount++
	fs.sb.FreeInodesCount++
	if isDir && fs.groups[group].UsedDirsCount > 0 {
		fs.groups[group].UsedDirsCount--
	}
	if err := fs.writeGroupDescriptor(group); err != nil {
		return err
	}
	return fs.writeSuperblock()
}
