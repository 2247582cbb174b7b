package fat12

import (
	"fmt"
	"os"
	"sync"

	vfs "github.com/0xUINTBEEF/uintvfs"
	"github.com/0xUINTBEEF/uintvfs/blockdev"
)

var _ vfs.DriverType = (*Driver)(nil)
var _ vfs.FileSystem = (*FileSystem)(nil)

// Driver mounts FAT12 volumes read-only.
type Driver struct{}

// Mount implements [vfs.DriverType].
func (Driver) Mount(dev blockdev.Device, flags vfs.MountFlags) (vfs.FileSystem, vfs.DriverError) {
	if dev.BlockSize() != SectorSize {
		return nil, vfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("FAT12 requires %d-byte device blocks, got %d",
				SectorSize, dev.BlockSize()),
		)
	}

	sector := make([]byte, SectorSize)
	if err := dev.ReadBlocks(0, sector); err != nil {
		return nil, vfs.ErrIOFailed.Wrap(err)
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		return nil, vfs.ErrFileSystemCorrupted.WithMessage("missing boot signature")
	}

	boot, err := DecodeBootSector(sector)
	if err != nil {
		return nil, err
	}
	if boot.BytesPerSector != SectorSize ||
		boot.SectorsPerCluster == 0 ||
		boot.NumFATs == 0 ||
		boot.FATSize16 == 0 ||
		boot.RootEntryCount == 0 {
		return nil, vfs.ErrFileSystemCorrupted.WithMessage("implausible BPB")
	}

	fs := &FileSystem{
		dev:  dev,
		boot: boot,
	}

	fs.fatStart = uint32(boot.ReservedSectors)
	fs.rootDirStart = fs.fatStart + uint32(boot.NumFATs)*uint32(boot.FATSize16)
	rootDirBytes := uint32(boot.RootEntryCount) * 32
	fs.rootDirSectors = (rootDirBytes + SectorSize - 1) / SectorSize
	fs.dataStart = fs.rootDirStart + fs.rootDirSectors

	total := boot.TotalSectors()
	if total <= fs.dataStart || uint64(total) > dev.CapacityBlocks() {
		return nil, vfs.ErrFileSystemCorrupted.WithMessage("sector counts exceed the device")
	}
	fs.clusterCount = (total - fs.dataStart) / uint32(boot.SectorsPerCluster)
	if fs.clusterCount >= 4085 {
		// That many clusters means FAT16 or larger.
		return nil, vfs.ErrFileSystemCorrupted.WithMessage("volume is not FAT12")
	}

	// The first FAT is small enough to keep in memory for the life of the
	// mount.
	fs.fat = make([]byte, uint32(boot.FATSize16)*SectorSize)
	if err := dev.ReadBlocks(uint64(fs.fatStart), fs.fat); err != nil {
		return nil, vfs.ErrIOFailed.Wrap(err)
	}
	return fs, nil
}

// FileSystem is the per-mount state of one FAT12 volume.
type FileSystem struct {
	mu sync.Mutex

	dev  blockdev.Device
	boot RawBootSector
	fat  []byte

	fatStart       uint32
	rootDirStart   uint32
	rootDirSectors uint32
	dataStart      uint32
	clusterCount   uint32
}

// Unmount implements [vfs.FileSystem]. Nothing is cached dirty, so there is
// nothing to flush.
func (fs *FileSystem) Unmount() vfs.DriverError {
	return nil
}

// fatEntry reads the 12-bit FAT entry for a cluster.
func (fs *FileSystem) fatEntry(cluster uint32) (uint32, vfs.DriverError) {
	idx := cluster + cluster/2 // cluster * 1.5
	if int(idx)+1 >= len(fs.fat) {
		return 0, vfs.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("cluster %d is outside the FAT", cluster),
		)
	}

	raw := uint32(fs.fat[idx]) | uint32(fs.fat[idx+1])<<8
	if cluster%2 == 1 {
		return raw >> 4, nil
	}
	return raw & 0xFFF, nil
}

// readCluster reads one cluster's worth of sectors.
func (fs *FileSystem) readCluster(cluster uint32, buf []byte) vfs.DriverError {
	if cluster < MinDataClust || cluster-MinDataClust >= fs.clusterCount {
		return vfs.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("data cluster %d out of range", cluster),
		)
	}
	sector := fs.dataStart + (cluster-MinDataClust)*uint32(fs.boot.SectorsPerCluster)
	if err := fs.dev.ReadBlocks(uint64(sector), buf); err != nil {
		return vfs.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (fs *FileSystem) clusterSize() uint32 {
	return uint32(fs.boot.SectorsPerCluster) * SectorSize
}

// chain collects a file's cluster chain, guarding against FAT cycles.
func (fs *FileSystem) chain(first uint32) ([]uint32, vfs.DriverError) {
	var clusters []uint32
	seen := make(map[uint32]bool)

	current := first
	for current >= MinDataClust && current < BadCluster {
		if seen[current] {
			return nil, vfs.ErrFileSystemCorrupted.WithMessage(
				fmt.Sprintf("cluster chain cycles at %d", current),
			)
		}
		seen[current] = true
		clusters = append(clusters, current)

		next, err := fs.fatEntry(current)
		if err != nil {
			return nil, err
		}
		current = next
	}
	if current == BadCluster {
		return nil, vfs.ErrFileSystemCorrupted.WithMessage("chain runs into a bad cluster")
	}
	return clusters, nil
}

// readDirRegion returns the raw bytes of a directory: the fixed root region
// for cluster 0, otherwise the entry's cluster chain.
func (fs *FileSystem) readDirRegion(firstCluster uint32) ([]byte, vfs.DriverError) {
	if firstCluster == 0 {
		data := make([]byte, fs.rootDirSectors*SectorSize)
		if err := fs.dev.ReadBlocks(uint64(fs.rootDirStart), data); err != nil {
			return nil, vfs.ErrIOFailed.Wrap(err)
		}
		return data, nil
	}

	clusters, err := fs.chain(firstCluster)
	if err != nil {
		return nil, err
	}
	data := make([]byte, uint32(len(clusters))*fs.clusterSize())
	for i, cluster := range clusters {
		offset := uint32(i) * fs.clusterSize()
		if err := fs.readCluster(cluster, data[offset:offset+fs.clusterSize()]); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// parseDirents walks a directory region and returns its live entries,
// skipping deleted records, long-name records and the volume label.
func (fs *FileSystem) parseDirents(region []byte) ([]RawDirent, vfs.DriverError) {
	var entries []RawDirent
	for offset := 0; offset+32 <= len(region); offset += 32 {
		switch region[offset] {
		case 0x00:
			return entries, nil // end of directory
		case 0xE5:
			continue // deleted
		}

		entry, err := DecodeDirent(region[offset : offset+32])
		if err != nil {
			return nil, err
		}
		if entry.AttributeFlags&AttrLongName == AttrLongName {
			continue
		}
		if entry.AttributeFlags&AttrVolumeLabel != 0 {
			continue
		}
		name := entry.DisplayName()
		if name == "." || name == ".." {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// resolveDirent walks a mount-relative path to its directory entry. The
// root directory itself comes back as (nil, nil): it has no entry of its own.
func (fs *FileSystem) resolveDirent(path string) (*RawDirent, vfs.DriverError) {
	components := vfs.PathComponents(path)
	if len(components) == 0 {
		return nil, nil
	}

	dirCluster := uint32(0)
	for i, name := range components {
		region, err := fs.readDirRegion(dirCluster)
		if err != nil {
			return nil, err
		}
		entries, err := fs.parseDirents(region)
		if err != nil {
			return nil, err
		}

		var found *RawDirent
		for j := range entries {
			if entries[j].DisplayName() == name {
				found = &entries[j]
				break
			}
		}
		if found == nil {
			return nil, vfs.ErrNotFound.WithMessage(path)
		}

		if i == len(components)-1 {
			return found, nil
		}
		if !found.IsDir() {
			return nil, vfs.ErrNotADirectory.WithMessage(name)
		}
		dirCluster = uint32(found.FirstClusterHigh)<<16 | uint32(found.FirstClusterLow)
	}
	return nil, vfs.ErrNotFound.WithMessage(path)
}

func (fs *FileSystem) statFromDirent(entry *RawDirent) vfs.FileStat {
	mode := vfs.FileStat{
		DeviceID:     fs.dev.ID(),
		Nlinks:       1,
		Size:         int64(entry.FileSize),
		BlockSize:    int64(fs.clusterSize()),
		NumBlocks:    (int64(entry.FileSize) + int64(fs.clusterSize()) - 1) / int64(fs.clusterSize()),
		CreatedAt:    decodeTimestamp(entry.CreatedDate, entry.CreatedTime),
		LastModified: decodeTimestamp(entry.LastModifiedDate, entry.LastModifiedTime),
		LastAccessed: decodeTimestamp(entry.LastAccessedDate, 0),
		LastChanged:  decodeTimestamp(entry.LastModifiedDate, entry.LastModifiedTime),
	}
	if entry.IsDir() {
		mode.ModeFlags = 0o755 | os.ModeDir
	} else {
		mode.ModeFlags = 0o644
		if entry.AttributeFlags&AttrReadOnly != 0 {
			mode.ModeFlags = 0o444
		}
	}
	return mode
}

// Stat implements [vfs.FileSystem].
func (fs *FileSystem) Stat(path string) (vfs.FileStat, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry, err := fs.resolveDirent(path)
	if err != nil {
		return vfs.FileStat{}, err
	}
	if entry == nil {
		// The root directory.
		return vfs.FileStat{
			DeviceID:  fs.dev.ID(),
			Nlinks:    1,
			ModeFlags: 0o755 | os.ModeDir,
			Size:      int64(fs.rootDirSectors) * SectorSize,
			BlockSize: int64(fs.clusterSize()),
		}, nil
	}
	return fs.statFromDirent(entry), nil
}

// ListDir implements [vfs.FileSystem].
func (fs *FileSystem) ListDir(path string) ([]vfs.DirectoryEntry, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dirCluster := uint32(0)
	entry, err := fs.resolveDirent(path)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		if !entry.IsDir() {
			return nil, vfs.ErrNotADirectory.WithMessage(path)
		}
		dirCluster = uint32(entry.FirstClusterHigh)<<16 | uint32(entry.FirstClusterLow)
	}

	region, err := fs.readDirRegion(dirCluster)
	if err != nil {
		return nil, err
	}
	raw, err := fs.parseDirents(region)
	if err != nil {
		return nil, err
	}

	entries := make([]vfs.DirectoryEntry, 0, len(raw))
	for i := range raw {
		stat := fs.statFromDirent(&raw[i])
		kind := vfs.KindFile
		if raw[i].IsDir() {
			kind = vfs.KindDirectory
		}
		entries = append(entries, vfs.DirectoryEntry{
			Name:         raw[i].DisplayName(),
			Kind:         kind,
			Size:         stat.Size,
			Attr:         raw[i].Attributes(),
			CreatedAt:    stat.CreatedAt,
			LastModified: stat.LastModified,
			LastAccessed: stat.LastAccessed,
		})
	}
	return entries, nil
}

// Open implements [vfs.FileSystem]. Write flags are rejected up front since
// the driver has no write capability at all.
func (fs *FileSystem) Open(path string, flags vfs.OpenFlags) (vfs.FileHandle, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if flags.Write() || flags.Truncate() {
		return nil, vfs.ErrReadOnlyFileSystem.WithMessage(path)
	}

	entry, err := fs.resolveDirent(path)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.IsDir() {
		return nil, vfs.ErrIsADirectory.WithMessage(path)
	}

	first := uint32(entry.FirstClusterHigh)<<16 | uint32(entry.FirstClusterLow)
	var clusters []uint32
	if first != 0 {
		clusters, err = fs.chain(first)
		if err != nil {
			return nil, err
		}
	}
	return &fileHandle{
		fs:       fs,
		stat:     fs.statFromDirent(entry),
		clusters: clusters,
	}, nil
}

// StatFS implements [vfs.FileSystem].
func (fs *FileSystem) StatFS() (vfs.FSStat, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	free := uint64(0)
	for cluster := uint32(MinDataClust); cluster < MinDataClust+fs.clusterCount; cluster++ {
		value, err := fs.fatEntry(cluster)
		if err != nil {
			return vfs.FSStat{}, err
		}
		if value == FreeCluster {
			free++
		}
	}

	return vfs.FSStat{
		BlockSize:       int64(fs.clusterSize()),
		TotalBlocks:     uint64(fs.clusterCount),
		BlocksFree:      free,
		BlocksAvailable: free,
		FilesFree:       uint64(fs.boot.RootEntryCount),
		MaxNameLength:   12, // 8.3 plus the dot
		Label:           trimLabel(fs.boot.VolumeLabel),
	}, nil
}

// fileHandle reads a file through its pinned cluster chain.
type fileHandle struct {
	fs       *FileSystem
	stat     vfs.FileStat
	clusters []uint32
}

func (f *fileHandle) Stat() (vfs.FileStat, vfs.DriverError) {
	return f.stat, nil
}

func (f *fileHandle) ReadAt(buf []byte, offset int64) (int, vfs.DriverError) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if offset < 0 {
		return 0, vfs.ErrInvalidArgument.WithMessage("negative read offset")
	}
	if offset >= f.stat.Size || len(buf) == 0 {
		return 0, nil
	}

	remaining := f.stat.Size - offset
	if int64(len(buf)) < remaining {
		remaining = int64(len(buf))
	}

	clusterSize := int64(f.fs.clusterSize())
	cluster := make([]byte, clusterSize)
	total := 0

	for remaining > 0 {
		idx := offset / clusterSize
		clusterOff := offset % clusterSize
		if idx >= int64(len(f.clusters)) {
			break
		}

		if err := f.fs.readCluster(f.clusters[idx], cluster); err != nil {
			return total, err
		}

		chunk := clusterSize - clusterOff
		if chunk > remaining {
			chunk = remaining
		}
		copy(buf[total:], cluster[clusterOff:clusterOff+chunk])

		total += int(chunk)
		offset += chunk
		remaining -= chunk
	}
	return total, nil
}

func (f *fileHandle) Close() vfs.DriverError {
	return nil
}

func trimLabel(label [11]byte) string {
	out := string(label[:])
	for len(out) > 0 && (out[len(out)-1] == ' ' || out[len(out)-1] == 0) {
		out = out[:len(out)-1]
	}
	return out
}
