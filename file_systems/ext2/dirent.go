package ext2

import (
	"encoding/binary"
	"fmt"
	"strings"

	vfs "github.com/0xUINTBEEF/uintvfs"
)

// Directory entry file type codes.
const (
	FileTypeUnknown = uint8(iota)
	FileTypeRegular
	FileTypeDirectory
	FileTypeCharDevice
	FileTypeBlockDevice
	FileTypeFIFO
	FileTypeSocket
	FileTypeSymlink
)

// direntHeaderSize is the fixed part of a directory entry: inode (4),
// record length (2), name length (1), file type (1).
const direntHeaderSize = 8

// direntSize gives the space a live entry with the given name needs,
// 4-byte aligned.
func direntSize(nameLen int) uint16 {
	return uint16((direntHeaderSize + nameLen + 3) &^ 3)
}

// fileTypeFromMode derives the entry type byte from an inode mode.
func fileTypeFromMode(mode uint16) uint8 {
	switch mode & vfs.S_IFMT {
	case vfs.S_IFREG:
		return FileTypeRegular
	case vfs.S_IFDIR:
		return FileTypeDirectory
	case vfs.S_IFCHR:
		return FileTypeCharDevice
	case vfs.S_IFBLK:
		return FileTypeBlockDevice
	case vfs.S_IFIFO:
		return FileTypeFIFO
	case vfs.S_IFSOCK:
		return FileTypeSocket
	case vfs.S_IFLNK:
		return FileTypeSymlink
	}
	return FileTypeUnknown
}

// checkEntryName rejects names the on-disk format can't represent.
func checkEntryName(name string) vfs.DriverError {
	if name == "" || name == "." || name == ".." {
		return vfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%q is not a valid entry name", name),
		)
	}
	if len(name) > MaxNameLength {
		return vfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("name exceeds %d bytes", MaxNameLength),
		)
	}
	if strings.ContainsAny(name, "/\x00") {
		return vfs.ErrInvalidArgument.WithMessage(
			"names must not contain '/' or NUL",
		)
	}
	return nil
}

// dirent is one decoded directory entry plus its location, so mutations can
// write back in place.
type dirent struct {
	Ino      uint32
	RecLen   uint16
	FileType uint8
	Name     string

	block  uint64 // physical block holding the entry
	offset uint32 // byte offset of the entry within the block
}

// forEachDirent walks every record of a directory, including unused ones
// (Ino == 0) and the "." / ".." entries, in on-disk order. The callback
// returns true to stop early.
func (fs *FileSystem) forEachDirent(
	dirInode *RawInode,
	fn func(entry dirent) (stop bool, err vfs.DriverError),
) vfs.DriverError {
	blockCount := uint64(dirInode.Size) / uint64(fs.blockSize)
	if uint64(dirInode.Size)%uint64(fs.blockSize) != 0 {
		return fs.corrupt(fmt.Sprintf(
			"directory size %d is not a multiple of the block size", dirInode.Size,
		))
	}

	for logical := uint64(0); logical < blockCount; logical++ {
		phys, err := fs.physicalBlock(dirInode, logical)
		if err != nil {
			return err
		}
		if phys == 0 {
			return fs.corrupt(fmt.Sprintf(
				"directory block %d is a hole", logical,
			))
		}

		data, cerr := fs.cache.Get(fs.dev, uint64(phys))
		if cerr != nil {
			return vfs.CastError(cerr)
		}

		offset := uint32(0)
		for offset < fs.blockSize {
			if offset+direntHeaderSize > fs.blockSize {
				return fs.corrupt("directory entry header spans a block boundary")
			}

			recLen := binary.LittleEndian.Uint16(data[offset+4 : offset+6])
			nameLen := data[offset+6]
			if recLen < direntHeaderSize || recLen%4 != 0 ||
				uint32(recLen) > fs.blockSize-offset ||
				uint32(nameLen) > uint32(recLen)-direntHeaderSize {
				return fs.corrupt(fmt.Sprintf(
					"bad directory record at block %d offset %d", phys, offset,
				))
			}

			entry := dirent{
				Ino:      binary.LittleEndian.Uint32(data[offset : offset+4]),
				RecLen:   recLen,
				FileType: data[offset+7],
				Name:     string(data[offset+direntHeaderSize : offset+direntHeaderSize+uint32(nameLen)]),
				block:    uint64(phys),
				offset:   offset,
			}

			stop, err := fn(entry)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
			offset += uint32(recLen)
		}
	}
	return nil
}

// writeDirent serializes a directory entry into its block.
func (fs *FileSystem) writeDirent(entry dirent) vfs.DriverError {
	data, cerr := fs.cache.Get(fs.dev, entry.block)
	if cerr != nil {
		return vfs.CastError(cerr)
	}

	binary.LittleEndian.PutUint32(data[entry.offset:entry.offset+4], entry.Ino)
	binary.LittleEndian.PutUint16(data[entry.offset+4:entry.offset+6], entry.RecLen)
	data[entry.offset+6] = uint8(len(entry.Name))
	data[entry.offset+7] = entry.FileType
	copy(data[entry.offset+direntHeaderSize:], entry.Name)

	if cerr := fs.cache.MarkDirty(fs.dev, entry.block); cerr != nil {
		return vfs.CastError(cerr)
	}
	return nil
}

// lookupEntry finds a live entry by exact name match.
func (fs *FileSystem) lookupEntry(dirInode *RawInode, name string) (dirent, vfs.DriverError) {
	var found *dirent
	err := fs.forEachDirent(dirInode, func(entry dirent) (bool, vfs.DriverError) {
		if entry.Ino != 0 && entry.Name == name {
			found = &entry
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return dirent{}, err
	}
	if found == nil {
		return dirent{}, vfs.ErrNotFound.WithMessage(
			fmt.Sprintf("no entry named %q", name),
		)
	}
	return *found, nil
}

// addEntry links (name -> ino) into the directory. It reuses the slack of an
// existing record when one has enough, claims a dead record, or appends a
// fresh block to the directory. The directory inode is updated in memory;
// the caller writes it out.
func (fs *FileSystem) addEntry(
	dirIno uint32,
	dirInode *RawInode,
	name string,
	ino uint32,
	fileType uint8,
) vfs.DriverError {
	needed := direntSize(len(name))

	var claimed *dirent
	var split *dirent
	err := fs.forEachDirent(dirInode, func(entry dirent) (bool, vfs.DriverError) {
		if entry.Ino == 0 {
			if entry.RecLen >= needed {
				claimed = &entry
				return true, nil
			}
			return false, nil
		}

		used := direntSize(len(entry.Name))
		if entry.RecLen-used >= needed {
			split = &entry
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}

	switch {
	case claimed != nil:
		claimed.Ino = ino
		claimed.FileType = fileType
		claimed.Name = name
		return fs.writeDirent(*claimed)

	case split != nil:
		used := direntSize(len(split.Name))
		newEntry := dirent{
			Ino:      ino,
			RecLen:   split.RecLen - used,
			FileType: fileType,
			Name:     name,
			block:    split.block,
			offset:   split.offset + uint32(used),
		}
		split.RecLen = used
		if err := fs.writeDirent(*split); err != nil {
			return err
		}
		return fs.writeDirent(newEntry)
	}

	// No room anywhere: grow the directory by one block holding a single
	// record that spans it.
	logical := uint64(dirInode.Size) / uint64(fs.blockSize)
	phys, err := fs.ensurePhysicalBlock(dirInode, fs.inodeGroup(dirIno), logical)
	if err != nil {
		return err
	}
	dirInode.Size += fs.blockSize

	return fs.writeDirent(dirent{
		Ino:      ino,
		RecLen:   uint16(fs.blockSize),
		FileType: fileType,
		Name:     name,
		block:    uint64(phys),
		offset:   0,
	})
}

// removeEntry unlinks a name from the directory. The removed record's length
// merges into the preceding record of the same block; a record at the head
// of its block is instead marked dead by zeroing its inode number.
func (fs *FileSystem) removeEntry(dirInode *RawInode, name string) (dirent, vfs.DriverError) {
	var target dirent
	var prev dirent
	found := false

	// Records are contiguous within a block, so the predecessor of the
	// target is simply the record visited immediately before it.
	err := fs.forEachDirent(dirInode, func(entry dirent) (bool, vfs.DriverError) {
		if entry.Ino != 0 && entry.Name == name {
			target = entry
			found = true
			return true, nil
		}
		prev = entry
		return false, nil
	})
	if err != nil {
		return dirent{}, err
	}
	if !found {
		return dirent{}, vfs.ErrNotFound.WithMessage(
			fmt.Sprintf("no entry named %q", name),
		)
	}

	if target.offset == 0 {
		dead := target
		dead.Ino = 0
		dead.FileType = FileTypeUnknown
		dead.Name = ""
		return target, fs.writeDirent(dead)
	}

	if prev.block != target.block {
		return target, fs.corrupt(fmt.Sprintf(
			"record at block %d offset %d has no predecessor",
			target.block, target.offset,
		))
	}
	prev.RecLen += target.RecLen
	return target, fs.writeDirent(prev)
}

// listEntries snapshots a directory's live entries, excluding "." and "..".
func (fs *FileSystem) listEntries(dirInode *RawInode) ([]dirent, vfs.DriverError) {
	var entries []dirent
	err := fs.forEachDirent(dirInode, func(entry dirent) (bool, vfs.DriverError) {
		if entry.Ino == 0 || entry.Name == "." || entry.Name == ".." {
			return false, nil
		}
		entries = append(entries, entry)
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// isEmptyDir reports whether the directory holds nothing besides "." and
// "..".
func (fs *FileSystem) isEmptyDir(dirInode *RawInode) (bool, vfs.DriverError) {
	empty := true
	err := fs.forEachDirent(dirInode, func(entry dirent) (bool, vfs.DriverError) {
		if entry.Ino != 0 && entry.Name != "." && entry.Name != ".." {
			empty = false
			return true, nil
		}
		return false, nil
	})
	return empty, err
}

// setDotDot repoints the ".." entry of a directory at a new parent inode.
func (fs *FileSystem) setDotDot(dirInode *RawInode, parentIno uint32) vfs.DriverError {
	var entry dirent
	found := false
	err := fs.forEachDirent(dirInode, func(e dirent) (bool, vfs.DriverError) {
		if e.Ino != 0 && e.Name == ".." {
			entry = e
			found = true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fs.corrupt("directory has no \"..\" entry")
	}
	entry.Ino = parentIno
	return fs.writeDirent(entry)
}
