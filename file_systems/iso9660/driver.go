package iso9660

import (
	"fmt"
	"os"
	"sync"

	vfs "github.com/0xUINTBEEF/uintvfs"
	"github.com/0xUINTBEEF/uintvfs/blockdev"
)

var _ vfs.DriverType = (*Driver)(nil)
var _ vfs.FileSystem = (*FileSystem)(nil)

// Driver mounts ISO 9660 volumes read-only.
type Driver struct{}

// Mount implements [vfs.DriverType]. The volume descriptor set is scanned
// from sector 16 until the primary descriptor or the terminator shows up.
func (Driver) Mount(dev blockdev.Device, flags vfs.MountFlags) (vfs.FileSystem, vfs.DriverError) {
	if dev.BlockSize() == 0 || SectorSize%dev.BlockSize() != 0 {
		return nil, vfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("device block size %d does not divide %d",
				dev.BlockSize(), SectorSize),
		)
	}

	fs := &FileSystem{dev: dev}

	for sector := uint32(descriptorSector); ; sector++ {
		data, err := fs.readSectors(sector, 1)
		if err != nil {
			return nil, err
		}
		if string(data[1:6]) != StandardIdentifier {
			return nil, vfs.ErrFileSystemCorrupted.WithMessage(
				"no volume descriptor set",
			)
		}

		switch data[0] {
		case vdTypePrimary:
			pvd, err := DecodePrimaryVolumeDescriptor(data)
			if err != nil {
				return nil, err
			}
			if pvd.LogicalBlockSize != SectorSize {
				return nil, vfs.ErrNotSupported.WithMessage(
					fmt.Sprintf("unsupported logical block size %d",
						pvd.LogicalBlockSize),
				)
			}
			fs.pvd = pvd
			return fs, nil
		case vdTypeTerminator:
			return nil, vfs.ErrFileSystemCorrupted.WithMessage(
				"descriptor set has no primary volume descriptor",
			)
		}
	}
}

// FileSystem is the per-mount state of one ISO 9660 volume.
type FileSystem struct {
	mu sync.Mutex

	dev blockdev.Device
	pvd PrimaryVolumeDescriptor
}

func (fs *FileSystem) readSectors(sector uint32, count uint32) ([]byte, vfs.DriverError) {
	factor := uint64(SectorSize / fs.dev.BlockSize())
	buf := make([]byte, uint64(count)*SectorSize)
	if err := fs.dev.ReadBlocks(uint64(sector)*factor, buf); err != nil {
		return nil, vfs.ErrIOFailed.Wrap(err)
	}
	return buf, nil
}

// Unmount implements [vfs.FileSystem].
func (fs *FileSystem) Unmount() vfs.DriverError {
	return nil
}

// readDirectory collects the live records of a directory extent, excluding
// the "." and ".." records.
func (fs *FileSystem) readDirectory(dir *DirectoryRecord) ([]DirectoryRecord, vfs.DriverError) {
	sectors := (dir.DataLength + SectorSize - 1) / SectorSize
	data, err := fs.readSectors(dir.ExtentLBA, sectors)
	if err != nil {
		return nil, err
	}
	data = data[:dir.DataLength]

	var records []DirectoryRecord
	offset := 0
	for offset < len(data) {
		record, recLen, err := DecodeDirectoryRecord(data[offset:])
		if err != nil {
			return nil, err
		}
		if recLen == 0 {
			// Padding: records never straddle sector boundaries.
			offset = (offset/SectorSize + 1) * SectorSize
			continue
		}
		offset += recLen

		if record.Identifier == "." || record.Identifier == ".." {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// resolveRecord walks a mount-relative path to its directory record.
func (fs *FileSystem) resolveRecord(path string) (DirectoryRecord, vfs.DriverError) {
	current := fs.pvd.RootDirectory
	for _, name := range vfs.PathComponents(path) {
		if !current.IsDir() {
			return DirectoryRecord{}, vfs.ErrNotADirectory.WithMessage(path)
		}

		records, err := fs.readDirectory(&current)
		if err != nil {
			return DirectoryRecord{}, err
		}

		found := false
		for _, record := range records {
			if record.Name() == name {
				current = record
				found = true
				break
			}
		}
		if !found {
			return DirectoryRecord{}, vfs.ErrNotFound.WithMessage(path)
		}
	}
	return current, nil
}

func (fs *FileSystem) statFromRecord(record *DirectoryRecord) vfs.FileStat {
	stat := vfs.FileStat{
		DeviceID:     fs.dev.ID(),
		InodeNumber:  uint64(record.ExtentLBA),
		Nlinks:       1,
		ModeFlags:    0o444,
		Size:         int64(record.DataLength),
		BlockSize:    SectorSize,
		NumBlocks:    (int64(record.DataLength) + SectorSize - 1) / SectorSize,
		CreatedAt:    record.Recorded,
		LastModified: record.Recorded,
		LastAccessed: record.Recorded,
		LastChanged:  record.Recorded,
	}
	if record.IsDir() {
		stat.ModeFlags = 0o555 | os.ModeDir
	}
	return stat
}

// Stat implements [vfs.FileSystem].
func (fs *FileSystem) Stat(path string) (vfs.FileStat, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	record, err := fs.resolveRecord(path)
	if err != nil {
		return vfs.FileStat{}, err
	}
	return fs.statFromRecord(&record), nil
}

// ListDir implements [vfs.FileSystem].
func (fs *FileSystem) ListDir(path string) ([]vfs.DirectoryEntry, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	record, err := fs.resolveRecord(path)
	if err != nil {
		return nil, err
	}
	if !record.IsDir() {
		return nil, vfs.ErrNotADirectory.WithMessage(path)
	}

	records, err := fs.readDirectory(&record)
	if err != nil {
		return nil, err
	}

	entries := make([]vfs.DirectoryEntry, 0, len(records))
	for i := range records {
		kind := vfs.KindFile
		attr := vfs.AttrRead
		if records[i].IsDir() {
			kind = vfs.KindDirectory
			attr |= vfs.AttrExecute
		}
		if records[i].FileFlags&flagHidden != 0 {
			attr |= vfs.AttrHidden
		}
		entries = append(entries, vfs.DirectoryEntry{
			Name:         records[i].Name(),
			Kind:         kind,
			Size:         int64(records[i].DataLength),
			Attr:         attr,
			CreatedAt:    records[i].Recorded,
			LastModified: records[i].Recorded,
			LastAccessed: records[i].Recorded,
		})
	}
	return entries, nil
}

// Open implements [vfs.FileSystem].
func (fs *FileSystem) Open(path string, flags vfs.OpenFlags) (vfs.FileHandle, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if flags.Write() || flags.Truncate() {
		return nil, vfs.ErrReadOnlyFileSystem.WithMessage(path)
	}

	record, err := fs.resolveRecord(path)
	if err != nil {
		return nil, err
	}
	if record.IsDir() {
		return nil, vfs.ErrIsADirectory.WithMessage(path)
	}
	return &fileHandle{fs: fs, record: record}, nil
}

// StatFS implements [vfs.FileSystem]. The format is append-once media, so
// nothing is free.
func (fs *FileSystem) StatFS() (vfs.FSStat, vfs.DriverError) {
	return vfs.FSStat{
		BlockSize:     SectorSize,
		TotalBlocks:   uint64(fs.pvd.VolumeSpaceSize),
		MaxNameLength: 30,
		Label:         fs.pvd.VolumeIdentifier,
	}, nil
}

// fileHandle reads a file's contiguous extent.
type fileHandle struct {
	fs     *FileSystem
	record DirectoryRecord
}

func (f *fileHandle) Stat() (vfs.FileStat, vfs.DriverError) {
	return f.fs.statFromRecord(&f.record), nil
}

func (f *fileHandle) ReadAt(buf []byte, offset int64) (int, vfs.DriverError) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if offset < 0 {
		return 0, vfs.ErrInvalidArgument.WithMessage("negative read offset")
	}
	size := int64(f.record.DataLength)
	if offset >= size || len(buf) == 0 {
		return 0, nil
	}

	remaining := size - offset
	if int64(len(buf)) < remaining {
		remaining = int64(len(buf))
	}

	firstSector := uint32(offset / SectorSize)
	lastSector := uint32((offset + remaining - 1) / SectorSize)
	data, err := f.fs.readSectors(f.record.ExtentLBA+firstSector, lastSector-firstSector+1)
	if err != nil {
		return 0, err
	}

	start := offset % SectorSize
	copy(buf, data[start:start+remaining])
	return int(remaining), nil
}

func (f *fileHandle) Close() vfs.DriverError {
	return nil
}
