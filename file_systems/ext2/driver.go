package ext2

import (
	"fmt"
	"sync"
	"time"

	vfs "github.com/0xUINTBEEF/uintvfs"
	"github.com/0xUINTBEEF/uintvfs/blockcache"
	"github.com/0xUINTBEEF/uintvfs/blockdev"
)

// Geometry of the per-mount block cache. 64 sets of 8 ways caches up to 512
// blocks (512 KiB at the smallest block size).
const (
	cacheSets = 64
	cacheWays = 8
)

var _ vfs.DriverType = (*Driver)(nil)
var _ vfs.FileSystem = (*FileSystem)(nil)
var _ vfs.MutableFileSystem = (*FileSystem)(nil)
var _ vfs.LinkFileSystem = (*FileSystem)(nil)
var _ vfs.ChmodFileSystem = (*FileSystem)(nil)
var _ vfs.XattrFileSystem = (*FileSystem)(nil)
var _ vfs.SyncFileSystem = (*FileSystem)(nil)

// Driver mounts volumes of the ext2-like format. The zero value is ready to
// use; Clock may be replaced to pin timestamps in tests.
type Driver struct {
	// Clock supplies the host time for inode timestamps. Nil means
	// time.Now.
	Clock func() time.Time
}

// Mount implements [vfs.DriverType].
func (driver *Driver) Mount(
	dev blockdev.Device,
	flags vfs.MountFlags,
) (vfs.FileSystem, vfs.DriverError) {
	devBlockSize := uint64(dev.BlockSize())
	if devBlockSize == 0 || 2048%devBlockSize != 0 {
		return nil, vfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("cannot address a superblock on %d-byte device blocks",
				dev.BlockSize()),
		)
	}

	// The superblock lives at byte 1024 regardless of the logical block
	// size, which isn't known yet. Read the first 2 KiB raw.
	head := make([]byte, 2048)
	if err := dev.ReadBlocks(0, head); err != nil {
		return nil, vfs.ErrIOFailed.Wrap(err)
	}

	sb, err := DecodeSuperblock(head[SuperblockOffset:])
	if err != nil {
		return nil, err
	}
	if err := sb.Validate(); err != nil {
		return nil, err
	}

	blockSize := sb.BlockSize()
	if uint64(blockSize)%devBlockSize != 0 {
		return nil, vfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("logical block size %d is not a multiple of the device's %d",
				blockSize, dev.BlockSize()),
		)
	}
	totalDeviceBytes := uint64(dev.CapacityBlocks()) * devBlockSize
	if uint64(sb.BlocksCount)*uint64(blockSize) > totalDeviceBytes {
		return nil, vfs.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("superblock claims %d blocks but the device holds %d bytes",
				sb.BlocksCount, totalDeviceBytes),
		)
	}

	fs := &FileSystem{
		dev:        dev,
		cache:      blockcache.New(uint(blockSize), cacheSets, cacheWays),
		flags:      flags,
		sb:         sb,
		blockSize:  blockSize,
		clock:      driver.Clock,
		openInodes: make(map[uint32]int),
		orphans:    make(map[uint32]bool),
		xattrs:     make(map[uint32]map[string][]byte),
	}
	if fs.clock == nil {
		fs.clock = time.Now
	}

	// The descriptor table sits in the block after the superblock: block 2
	// for 1 KiB blocks, block 1 otherwise.
	if blockSize == 1024 {
		fs.descTableBlock = 2
	} else {
		fs.descTableBlock = 1
	}

	if err := fs.loadGroupDescriptors(); err != nil {
		return nil, err
	}
	return fs, nil
}

// FileSystem is the per-mount state: the parsed superblock and descriptor
// table, the block cache, and the open-handle bookkeeping needed to defer
// inode reclamation.
type FileSystem struct {
	// mu is the mount lock. It guards the superblock, group descriptors,
	// allocation bitmaps, directory blocks, inode records, and the maps
	// below.
	mu sync.Mutex

	dev       blockdev.Device
	cache     *blockcache.Cache
	flags     vfs.MountFlags
	sb        RawSuperblock
	blockSize uint32
	groups    []RawGroupDescriptor

	descTableBlock uint32
	clock          func() time.Time

	// readOnly latches after corruption is detected; it also reflects a
	// read-only mount flag.
	readOnly bool

	// openInodes counts live handles per inode. orphans holds inodes whose
	// link count hit zero while a handle was open; they're reclaimed on the
	// last close.
	openInodes map[uint32]int
	orphans    map[uint32]bool

	// xattrs is the per-mount extended attribute table, keyed by inode.
	// The on-disk format has no xattr block in this revision, so the table
	// lives only as long as the mount.
	xattrs map[uint32]map[string][]byte
}

func (fs *FileSystem) loadGroupDescriptors() vfs.DriverError {
	count := fs.sb.GroupCount()
	fs.groups = make([]RawGroupDescriptor, count)

	for g := uint32(0); g < count; g++ {
		byteOff := g * GroupDescSize
		block := fs.descTableBlock + byteOff/fs.blockSize
		off := byteOff % fs.blockSize

		data, err := fs.cache.Get(fs.dev, uint64(block))
		if err != nil {
			return vfs.CastError(err)
		}
		desc, derr := DecodeGroupDescriptor(data[off : off+GroupDescSize])
		if derr != nil {
			return derr
		}
		if desc.InodeTable == 0 || desc.InodeTable >= fs.sb.BlocksCount {
			return fs.corrupt(fmt.Sprintf(
				"group %d inode table block %d out of range", g, desc.InodeTable,
			))
		}
		fs.groups[g] = desc
	}
	return nil
}

// corrupt latches the mount read-only and returns the corruption error.
// The caller must hold fs.mu or be on the mount path.
func (fs *FileSystem) corrupt(msg string) vfs.DriverError {
	fs.readOnly = true
	return vfs.ErrFileSystemCorrupted.WithMessage(msg)
}

func (fs *FileSystem) canWrite() bool {
	return fs.flags.CanWrite() && !fs.readOnly
}

func (fs *FileSystem) requireWritable() vfs.DriverError {
	if !fs.canWrite() {
		return vfs.ErrReadOnlyFileSystem.WithMessage("volume is read-only")
	}
	return nil
}

func (fs *FileSystem) now() uint32 {
	return SerializeTimestamp(fs.clock())
}

func (fs *FileSystem) sectorsPerBlock() uint32 {
	return fs.blockSize / 512
}

func (fs *FileSystem) checkInodeNumber(ino uint32) vfs.DriverError {
	if ino == 0 || ino > fs.sb.InodesCount {
		return fs.corrupt(fmt.Sprintf(
			"inode number %d not in [1, %d]", ino, fs.sb.InodesCount,
		))
	}
	return nil
}

// inodeLocation maps an inode number to its block and intra-block offset.
func (fs *FileSystem) inodeLocation(ino uint32) (block uint64, offset uint32, err vfs.DriverError) {
	if err := fs.checkInodeNumber(ino); err != nil {
		return 0, 0, err
	}

	idx := ino - 1
	group := idx / fs.sb.InodesPerGroup
	slot := idx % fs.sb.InodesPerGroup
	byteOff := slot * InodeSize

	block = uint64(fs.groups[group].InodeTable) + uint64(byteOff/fs.blockSize)
	offset = byteOff % fs.blockSize
	return block, offset, nil
}

func (fs *FileSystem) readInode(ino uint32) (RawInode, vfs.DriverError) {
	block, offset, err := fs.inodeLocation(ino)
	if err != nil {
		return RawInode{}, err
	}

	data, cerr := fs.cache.Get(fs.dev, block)
	if cerr != nil {
		return RawInode{}, vfs.CastError(cerr)
	}
	return DecodeInode(data[offset : offset+InodeSize])
}

func (fs *FileSystem) writeInode(ino uint32, inode *RawInode) vfs.DriverError {
	block, offset, err := fs.inodeLocation(ino)
	if err != nil {
		return err
	}

	data, cerr := fs.cache.Get(fs.dev, block)
	if cerr != nil {
		return vfs.CastError(cerr)
	}
	if err := EncodeInode(inode, data[offset:offset+InodeSize]); err != nil {
		return err
	}
	if cerr := fs.cache.MarkDirty(fs.dev, block); cerr != nil {
		return vfs.CastError(cerr)
	}
	return nil
}

// writeSuperblock pushes the in-memory superblock through the cache.
func (fs *FileSystem) writeSuperblock() vfs.DriverError {
	var block uint64
	var offset uint32
	if fs.blockSize == 1024 {
		block, offset = 1, 0
	} else {
		block, offset = 0, SuperblockOffset
	}

	data, cerr := fs.cache.Get(fs.dev, block)
	if cerr != nil {
		return vfs.CastError(cerr)
	}
	if err := EncodeSuperblock(&fs.sb, data[offset:offset+1024]); err != nil {
		return err
	}
	if cerr := fs.cache.MarkDirty(fs.dev, block); cerr != nil {
		return vfs.CastError(cerr)
	}
	return nil
}

// writeGroupDescriptor pushes one descriptor through the cache.
func (fs *FileSystem) writeGroupDescriptor(group uint32) vfs.DriverError {
	byteOff := group * GroupDescSize
	block := uint64(fs.descTableBlock) + uint64(byteOff/fs.blockSize)
	offset := byteOff % fs.blockSize

	data, cerr := fs.cache.Get(fs.dev, block)
	if cerr != nil {
		return vfs.CastError(cerr)
	}
	if err := EncodeGroupDescriptor(&fs.groups[group], data[offset:offset+GroupDescSize]); err != nil {
		return err
	}
	if cerr := fs.cache.MarkDirty(fs.dev, block); cerr != nil {
		return vfs.CastError(cerr)
	}
	return nil
}

// inodeGroup returns the block group an inode belongs to.
func (fs *FileSystem) inodeGroup(ino uint32) uint32 {
	return (ino - 1) / fs.sb.InodesPerGroup
}

func (fs *FileSystem) statFromInode(ino uint32, inode *RawInode) vfs.FileStat {
	spb := fs.sectorsPerBlock()
	return vfs.FileStat{
		DeviceID:     fs.dev.ID(),
		InodeNumber:  uint64(ino),
		Nlinks:       uint64(inode.LinksCount),
		ModeFlags:    ModeToOS(inode.Mode),
		Uid:          uint32(inode.UID),
		Gid:          uint32(inode.GID),
		Size:         int64(inode.Size),
		BlockSize:    int64(fs.blockSize),
		NumBlocks:    int64(inode.SectorCount / spb),
		CreatedAt:    DeserializeTimestamp(inode.Ctime),
		LastChanged:  DeserializeTimestamp(inode.Ctime),
		LastAccessed: DeserializeTimestamp(inode.Atime),
		LastModified: DeserializeTimestamp(inode.Mtime),
	}
}

// flush writes every dirty cache block out and syncs the device.
func (fs *FileSystem) flush() vfs.DriverError {
	if err := fs.cache.FlushDevice(fs.dev); err != nil {
		return vfs.ErrIOFailed.Wrap(err)
	}
	if err := fs.dev.Sync(); err != nil {
		return vfs.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Unmount implements [vfs.FileSystem].
func (fs *FileSystem) Unmount() vfs.DriverError {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.flush()
}

// Sync implements [vfs.SyncFileSystem].
func (fs *FileSystem) Sync() vfs.DriverError {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.flush()
}

// StatFS implements [vfs.FileSystem].
func (fs *FileSystem) StatFS() (vfs.FSStat, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	free := uint64(fs.sb.FreeBlocksCount)
	available := free
	if uint64(fs.sb.ReservedBlocksCount) < available {
		available -= uint64(fs.sb.ReservedBlocksCount)
	} else {
		available = 0
	}

	return vfs.FSStat{
		BlockSize:       int64(fs.blockSize),
		TotalBlocks:     uint64(fs.sb.BlocksCount),
		BlocksFree:      free,
		BlocksAvailable: available,
		Files:           uint64(fs.sb.InodesCount - fs.sb.FreeInodesCount),
		FilesFree:       uint64(fs.sb.FreeInodesCount),
		MaxNameLength:   MaxNameLength,
		Label:           fs.sb.Label(),
	}, nil
}
