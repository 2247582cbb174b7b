package ext2

import (
	vfs "github.com/0xUINTBEEF/uintvfs"
)

// fileHandle is the driver-side state of one open file: just the inode
// number. Position bookkeeping lives in the VFS layer; everything here is
// offset-addressed.
type fileHandle struct {
	fs     *FileSystem
	ino    uint32
	closed bool
}

var _ vfs.WritableFileHandle = (*fileHandle)(nil)

// openHandle registers a live handle against an inode so deferred
// reclamation can tell when the last one goes away. Caller holds fs.mu.
func (fs *FileSystem) openHandle(ino uint32) *fileHandle {
	fs.openInodes[ino]++
	return &fileHandle{fs: fs, ino: ino}
}

func (f *fileHandle) Stat() (vfs.FileStat, vfs.DriverError) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	inode, err := f.fs.readInode(f.ino)
	if err != nil {
		return vfs.FileStat{}, err
	}
	return f.fs.statFromInode(f.ino, &inode), nil
}

// ReadAt copies file contents starting at `offset` into buf. Sparse holes
// read as zeros. Reads are clamped at end of file; a read starting at or
// past it returns (0, nil).
func (f *fileHandle) ReadAt(buf []byte, offset int64) (int, vfs.DriverError) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	inode, err := f.fs.readInode(f.ino)
	if err != nil {
		return 0, err
	}

	size := int64(inode.Size)
	if offset < 0 {
		return 0, vfs.ErrInvalidArgument.WithMessage("negative read offset")
	}
	if offset >= size || len(buf) == 0 {
		return 0, nil
	}

	remaining := size - offset
	if int64(len(buf)) < remaining {
		remaining = int64(len(buf))
	}

	blockSize := uint64(f.fs.blockSize)
	total := 0
	for remaining > 0 {
		logical := uint64(offset) / blockSize
		blockOff := uint64(offset) % blockSize

		chunk := blockSize - blockOff
		if int64(chunk) > remaining {
			chunk = uint64(remaining)
		}

		phys, err := f.fs.physicalBlock(&inode, logical)
		if err != nil {
			return total, err
		}

		dst := buf[total : total+int(chunk)]
		if phys == 0 {
			// Sparse hole: reads produce zeros without allocating.
			for i := range dst {
				dst[i] = 0
			}
		} else {
			data, cerr := f.fs.cache.Get(f.fs.dev, uint64(phys))
			if cerr != nil {
				return total, vfs.CastError(cerr)
			}
			copy(dst, data[blockOff:blockOff+chunk])
		}

		total += int(chunk)
		offset += int64(chunk)
		remaining -= int64(chunk)
	}
	return total, nil
}

// WriteAt copies buf into the file starting at `offset`, allocating data and
// index blocks as needed. Writing past end of file extends it; intervening
// unwritten blocks stay holes. When the volume fills mid-write the byte
// count written so far comes back along with ErrNoSpaceOnDevice.
func (f *fileHandle) WriteAt(buf []byte, offset int64) (int, vfs.DriverError) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.fs.requireWritable(); err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, vfs.ErrInvalidArgument.WithMessage("negative write offset")
	}

	inode, err := f.fs.readInode(f.ino)
	if err != nil {
		return 0, err
	}

	finish := func(written int) vfs.DriverError {
		end := offset // offset has advanced past the bytes written
		if end > int64(inode.Size) {
			inode.Size = uint32(end)
		}
		now := f.fs.now()
		inode.Mtime = now
		inode.Ctime = now
		return f.fs.writeInode(f.ino, &inode)
	}

	blockSize := uint64(f.fs.blockSize)
	prefGroup := f.fs.inodeGroup(f.ino)
	total := 0

	for total < len(buf) {
		logical := uint64(offset) / blockSize
		blockOff := uint64(offset) % blockSize

		chunk := blockSize - blockOff
		if chunk > uint64(len(buf)-total) {
			chunk = uint64(len(buf) - total)
		}

		phys, err := f.fs.ensurePhysicalBlock(&inode, prefGroup, logical)
		if err != nil {
			if werr := finish(total); werr != nil {
				return total, werr
			}
			return total, err
		}

		data, cerr := f.fs.cache.Get(f.fs.dev, uint64(phys))
		if cerr != nil {
			if werr := finish(total); werr != nil {
				return total, werr
			}
			return total, vfs.CastError(cerr)
		}
		copy(data[blockOff:blockOff+chunk], buf[total:total+int(chunk)])
		if cerr := f.fs.cache.MarkDirty(f.fs.dev, uint64(phys)); cerr != nil {
			return total, vfs.CastError(cerr)
		}

		total += int(chunk)
		offset += int64(chunk)
	}

	if err := finish(total); err != nil {
		return total, err
	}
	return total, nil
}

// Truncate resizes the file. Shrinking releases data and index blocks;
// growing just moves the size, leaving a hole that reads as zeros.
func (f *fileHandle) Truncate(size int64) vfs.DriverError {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.fs.requireWritable(); err != nil {
		return err
	}
	if size < 0 {
		return vfs.ErrInvalidArgument.WithMessage("negative file size")
	}

	inode, err := f.fs.readInode(f.ino)
	if err != nil {
		return err
	}
	if int64(inode.Size) == size {
		return nil
	}

	if size < int64(inode.Size) {
		keepBlocks := (uint64(size) + uint64(f.fs.blockSize) - 1) / uint64(f.fs.blockSize)
		if err := f.fs.shrinkInode(&inode, keepBlocks); err != nil {
			return err
		}
		// Zero the tail of the last kept block so a later extension reads
		// back zeros rather than stale bytes.
		if tail := uint64(size) % uint64(f.fs.blockSize); tail != 0 {
			phys, err := f.fs.physicalBlock(&inode, uint64(size)/uint64(f.fs.blockSize))
			if err != nil {
				return err
			}
			if phys != 0 {
				data, cerr := f.fs.cache.Get(f.fs.dev, uint64(phys))
				if cerr != nil {
					return vfs.CastError(cerr)
				}
				for i := tail; i < uint64(f.fs.blockSize); i++ {
					data[i] = 0
				}
				if cerr := f.fs.cache.MarkDirty(f.fs.dev, uint64(phys)); cerr != nil {
					return vfs.CastError(cerr)
				}
			}
		}
	}

	inode.Size = uint32(size)
	now := f.fs.now()
	inode.Mtime = now
	inode.Ctime = now
	return f.fs.writeInode(f.ino, &inode)
}

// Sync pushes every dirty cache block to the device and syncs it, making all
// previously written bytes durable.
func (f *fileHandle) Sync() vfs.DriverError {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return f.fs.flush()
}

// Close drops the handle's claim on the inode. An inode whose link count
// already hit zero is reclaimed when its last handle closes.
func (f *fileHandle) Close() vfs.DriverError {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	f.fs.openInodes[f.ino]--
	if f.fs.openInodes[f.ino] > 0 {
		return nil
	}
	delete(f.fs.openInodes, f.ino)

	if f.fs.orphans[f.ino] {
		delete(f.fs.orphans, f.ino)
		return f.fs.reapInode(f.ino)
	}
	return nil
}
