package ext2

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boljen/go-bitmap"
	"github.com/noxer/bytewriter"

	vfs "github.com/0xUINTBEEF/uintvfs"
	"github.com/0xUINTBEEF/uintvfs/blockdev"
)

// FormatOptions controls Format. Zero values pick sensible defaults.
type FormatOptions struct {
	// BlockSize is the logical block size: 1024, 2048 or 4096. Default 1024.
	BlockSize uint32

	// InodesPerGroup overrides the inode budget per block group. It's
	// rounded up to fill whole inode table blocks. Default: one inode per
	// 8 KiB of volume space.
	InodesPerGroup uint32

	// Label is the volume name, at most 16 bytes.
	Label string

	// Clock supplies creation timestamps. Nil means time.Now.
	Clock func() time.Time
}

// Format writes a blank, mountable volume onto dev: superblock, group
// descriptor table, per-group bitmaps and inode tables, and a root directory
// holding nothing but "." and "..".
func Format(dev blockdev.Device, opts FormatOptions) vfs.DriverError {
	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = 1024
	}
	if blockSize != 1024 && blockSize != 2048 && blockSize != 4096 {
		return vfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("unsupported block size %d", blockSize),
		)
	}
	if len(opts.Label) > 16 {
		return vfs.ErrInvalidArgument.WithMessage("label exceeds 16 bytes")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	devBlockSize := uint64(dev.BlockSize())
	if devBlockSize == 0 || uint64(blockSize)%devBlockSize != 0 {
		return vfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("device block size %d does not divide %d",
				dev.BlockSize(), blockSize),
		)
	}

	totalBytes := uint64(dev.CapacityBlocks()) * devBlockSize
	totalBlocks := uint32(totalBytes / uint64(blockSize))

	firstData := uint32(0)
	if blockSize == 1024 {
		firstData = 1
	}

	blocksPerGroup := blockSize * 8
	if totalBlocks <= firstData {
		return vfs.ErrInvalidArgument.WithMessage("device is too small")
	}
	dataBlocks := totalBlocks - firstData
	numGroups := (dataBlocks + blocksPerGroup - 1) / blocksPerGroup

	inodesPerBlock := blockSize / InodeSize
	inodesPerGroup := opts.InodesPerGroup
	if inodesPerGroup == 0 {
		inodesPerGroup = uint32(totalBytes/8192) / numGroups
	}
	if inodesPerGroup < inodesPerBlock {
		inodesPerGroup = inodesPerBlock
	}
	// Round up to whole inode table blocks, capped by the bitmap.
	inodesPerGroup = (inodesPerGroup + inodesPerBlock - 1) / inodesPerBlock * inodesPerBlock
	if inodesPerGroup > blockSize*8 {
		inodesPerGroup = blockSize * 8 / inodesPerBlock * inodesPerBlock
	}
	inodeTableBlocks := inodesPerGroup / inodesPerBlock

	descTableBlock := firstData + 1
	descBlocks := (numGroups*GroupDescSize + blockSize - 1) / blockSize

	spb := blockSize / 512
	now := SerializeTimestamp(clock())

	writeBlock := func(block uint32, data []byte) vfs.DriverError {
		lba := uint64(block) * uint64(blockSize) / devBlockSize
		if err := dev.WriteBlocks(lba, data); err != nil {
			return vfs.ErrIOFailed.Wrap(err)
		}
		return nil
	}

	groups := make([]RawGroupDescriptor, numGroups)
	totalFreeBlocks := uint32(0)
	rootBlock := uint32(0)

	zeroBlock := make([]byte, blockSize)

	for g := uint32(0); g < numGroups; g++ {
		base := firstData + g*blocksPerGroup

		metaStart := base
		if g == 0 {
			metaStart = descTableBlock + descBlocks
		}
		blockBitmapBlock := metaStart
		inodeBitmapBlock := metaStart + 1
		inodeTableStart := metaStart + 2

		blocksInGroup := blocksPerGroup
		if base+blocksInGroup > totalBlocks {
			blocksInGroup = totalBlocks - base
		}

		metaEnd := inodeTableStart + inodeTableBlocks
		if g == 0 {
			// Group 0 also hosts the root directory's first block.
			rootBlock = metaEnd
			metaEnd++
		}
		if metaEnd > base+blocksInGroup {
			return vfs.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("group %d cannot hold its own metadata", g),
			)
		}

		// Build the block bitmap: metadata (plus, in group 0, everything
		// from the boot record through the descriptor table) is allocated,
		// and bits past the end of a partial group are latched allocated so
		// the allocator never hands them out.
		bm := bitmap.New(int(blocksPerGroup))
		for block := base; block < metaEnd; block++ {
			bm.Set(int(block-base), true)
		}
		for bit := blocksInGroup; bit < blocksPerGroup; bit++ {
			bm.Set(int(bit), true)
		}

		freeBlocks := blocksInGroup - (metaEnd - base)
		totalFreeBlocks += freeBlocks

		// The inode bitmap: group 0 reserves inodes 1 through 10.
		inodeBM := bitmap.New(int(blockSize * 8))
		freeInodes := inodesPerGroup
		if g == 0 {
			for bit := 0; bit < FirstFreeInode-1; bit++ {
				inodeBM.Set(bit, true)
			}
			freeInodes -= FirstFreeInode - 1
		}
		for bit := inodesPerGroup; bit < blockSize*8; bit++ {
			inodeBM.Set(int(bit), true)
		}

		groups[g] = RawGroupDescriptor{
			BlockBitmap:     blockBitmapBlock,
			InodeBitmap:     inodeBitmapBlock,
			InodeTable:      inodeTableStart,
			FreeBlocksCount: uint16(freeBlocks),
			FreeInodesCount: uint16(freeInodes),
		}
		if g == 0 {
			groups[g].UsedDirsCount = 1
		}

		blockBitmapData := make([]byte, blockSize)
		copy(blockBitmapData, bm.Data(false))
		if err := writeBlock(blockBitmapBlock, blockBitmapData); err != nil {
			return err
		}

		inodeBitmapData := make([]byte, blockSize)
		copy(inodeBitmapData, inodeBM.Data(false))
		if err := writeBlock(inodeBitmapBlock, inodeBitmapData); err != nil {
			return err
		}

		for b := uint32(0); b < inodeTableBlocks; b++ {
			if err := writeBlock(inodeTableStart+b, zeroBlock); err != nil {
				return err
			}
		}
	}

	// Root inode (number 2) goes into slot 1 of group 0's table.
	rootInode := RawInode{
		Mode:        vfs.S_IFDIR | 0o755,
		LinksCount:  2,
		Size:        blockSize,
		SectorCount: spb,
		Atime:       now,
		Ctime:       now,
		Mtime:       now,
	}
	rootInode.Block[0] = rootBlock

	tableBlock := make([]byte, blockSize)
	if err := EncodeInode(&rootInode, tableBlock[(RootInode-1)*InodeSize:]); err != nil {
		return err
	}
	if err := writeBlock(groups[0].InodeTable, tableBlock); err != nil {
		return err
	}

	// The root directory block: "." then ".." spanning the remainder.
	dirBlock := make([]byte, blockSize)
	writer := bytewriter.New(dirBlock)
	dotSize := direntSize(1)
	binary.Write(writer, binary.LittleEndian, uint32(RootInode))
	binary.Write(writer, binary.LittleEndian, dotSize)
	writer.Write([]byte{1, FileTypeDirectory, '.', 0, 0, 0})
	binary.Write(writer, binary.LittleEndian, uint32(RootInode))
	binary.Write(writer, binary.LittleEndian, uint16(blockSize)-dotSize)
	writer.Write([]byte{2, FileTypeDirectory, '.', '.', 0, 0})
	if err := writeBlock(rootBlock, dirBlock); err != nil {
		return err
	}

	sb := RawSuperblock{
		InodesCount:     inodesPerGroup * numGroups,
		BlocksCount:     totalBlocks,
		FreeBlocksCount: totalFreeBlocks,
		FreeInodesCount: inodesPerGroup*numGroups - (FirstFreeInode - 1),
		FirstDataBlock:  firstData,
		LogBlockSize:    log2(blockSize / 1024),
		BlocksPerGroup:  blocksPerGroup,
		FragsPerGroup:   blocksPerGroup,
		InodesPerGroup:  inodesPerGroup,
		WriteTime:       now,
		MaxMountCount:   0xFFFF,
		Magic:           SuperblockMagic,
		State:           1,
		RevLevel:        1,
		FirstInode:      FirstFreeInode,
		InodeSize:       InodeSize,
		FeatureIncompat: 0x0002, // directory entries carry file types
	}
	copy(sb.VolumeName[:], opts.Label)

	// The superblock record starts at byte 1024: its own block when blocks
	// are 1 KiB, the tail of block 0 otherwise.
	sbBlock := make([]byte, blockSize)
	var sbBlockNo uint32
	var sbOffset uint32
	if blockSize == 1024 {
		sbBlockNo, sbOffset = 1, 0
	} else {
		sbBlockNo, sbOffset = 0, SuperblockOffset
	}
	if err := EncodeSuperblock(&sb, sbBlock[sbOffset:]); err != nil {
		return err
	}
	if err := writeBlock(sbBlockNo, sbBlock); err != nil {
		return err
	}

	// Group descriptor table.
	descData := make([]byte, descBlocks*blockSize)
	for g := range groups {
		if err := EncodeGroupDescriptor(&groups[g], descData[g*GroupDescSize:]); err != nil {
			return err
		}
	}
	for b := uint32(0); b < descBlocks; b++ {
		if err := writeBlock(descTableBlock+b, descData[b*blockSize:(b+1)*blockSize]); err != nil {
			return err
		}
	}

	if err := dev.Sync(); err != nil {
		return vfs.ErrIOFailed.Wrap(err)
	}
	return nil
}

func log2(v uint32) uint32 {
	exp := uint32(0)
	for v > 1 {
		v >>= 1
		exp++
	}
	return exp
}
