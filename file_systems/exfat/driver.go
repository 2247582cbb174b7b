package exfat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	vfs "github.com/0xUINTBEEF/uintvfs"
	"github.com/0xUINTBEEF/uintvfs/blockdev"
)

var _ vfs.DriverType = (*Driver)(nil)
var _ vfs.FileSystem = (*FileSystem)(nil)

// Driver mounts exFAT volumes read-only.
type Driver struct{}

// Mount implements [vfs.DriverType].
func (Driver) Mount(dev blockdev.Device, flags vfs.MountFlags) (vfs.FileSystem, vfs.DriverError) {
	head := make([]byte, 512)
	if dev.BlockSize() == 0 || 512%dev.BlockSize() != 0 && dev.BlockSize()%512 != 0 {
		return nil, vfs.ErrInvalidArgument.WithMessage("incompatible device block size")
	}
	if dev.BlockSize() > 512 {
		full := make([]byte, dev.BlockSize())
		if err := dev.ReadBlocks(0, full); err != nil {
			return nil, vfs.ErrIOFailed.Wrap(err)
		}
		copy(head, full)
	} else {
		if err := dev.ReadBlocks(0, head); err != nil {
			return nil, vfs.ErrIOFailed.Wrap(err)
		}
	}

	boot, err := DecodeBootSector(head)
	if err != nil {
		return nil, err
	}
	if string(boot.FileSystemName[:]) != FileSystemName || boot.BootSignature != 0xAA55 {
		return nil, vfs.ErrFileSystemCorrupted.WithMessage("not an exFAT volume")
	}
	if boot.BytesPerSectorShift < 9 || boot.BytesPerSectorShift > 12 ||
		boot.SectorsPerClusterShift > 25-boot.BytesPerSectorShift ||
		boot.ClusterCount == 0 ||
		boot.FirstClusterOfRootDirectory < minDataCluster {
		return nil, vfs.ErrFileSystemCorrupted.WithMessage("implausible boot sector")
	}

	sectorSize := uint32(1) << boot.BytesPerSectorShift
	if uint64(sectorSize)%uint64(dev.BlockSize()) != 0 {
		return nil, vfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("device block size %d does not divide the %d-byte sector",
				dev.BlockSize(), sectorSize),
		)
	}

	fs := &FileSystem{
		dev:        dev,
		boot:       boot,
		sectorSize: sectorSize,
	}

	// The FAT is held in memory; chains are short and the table is small
	// relative to the cluster heap.
	fatBytes := uint64(boot.FatLength) * uint64(sectorSize)
	fs.fat = make([]byte, fatBytes)
	if err := fs.readSectors(boot.FatOffset, fs.fat); err != nil {
		return nil, err
	}

	// The allocation bitmap entry lives in the root directory; free space
	// accounting needs it.
	root, derr := fs.readDirClusters(boot.FirstClusterOfRootDirectory, false)
	if derr != nil {
		return nil, derr
	}
	for offset := 0; offset+32 <= len(root); offset += 32 {
		if root[offset] == EntryTypeAllocationBitmap {
			fs.bitmapFirstCluster = binary.LittleEndian.Uint32(root[offset+20 : offset+24])
			fs.bitmapLength = binary.LittleEndian.Uint64(root[offset+24 : offset+32])
			break
		}
	}
	return fs, nil
}

// FileSystem is the per-mount state of one exFAT volume.
type FileSystem struct {
	mu sync.Mutex

	dev        blockdev.Device
	boot       RawBootSector
	sectorSize uint32
	fat        []byte

	bitmapFirstCluster uint32
	bitmapLength       uint64
}

func (fs *FileSystem) clusterSize() uint32 {
	return fs.sectorSize << fs.boot.SectorsPerClusterShift
}

func (fs *FileSystem) readSectors(sector uint32, buf []byte) vfs.DriverError {
	factor := uint64(fs.sectorSize) / uint64(fs.dev.BlockSize())
	if err := fs.dev.ReadBlocks(uint64(sector)*factor, buf); err != nil {
		return vfs.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (fs *FileSystem) fatEntry(cluster uint32) (uint32, vfs.DriverError) {
	offset := uint64(cluster) * 4
	if offset+4 > uint64(len(fs.fat)) {
		return 0, vfs.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("cluster %d is outside the FAT", cluster),
		)
	}
	return binary.LittleEndian.Uint32(fs.fat[offset : offset+4]), nil
}

func (fs *FileSystem) readCluster(cluster uint32, buf []byte) vfs.DriverError {
	if cluster < minDataCluster || cluster-minDataCluster >= fs.boot.ClusterCount {
		return vfs.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("data cluster %d out of range", cluster),
		)
	}
	sector := fs.boot.ClusterHeapOffset +
		(cluster-minDataCluster)<<fs.boot.SectorsPerClusterShift
	return fs.readSectors(sector, buf)
}

// chain returns a file's clusters: consecutive when NoFatChain says the
// extent is contiguous, otherwise by walking the FAT.
func (fs *FileSystem) chain(first uint32, sizeBytes uint64, noFatChain bool) ([]uint32, vfs.DriverError) {
	if first == 0 || sizeBytes == 0 {
		return nil, nil
	}

	clusterSize := uint64(fs.clusterSize())
	count := (sizeBytes + clusterSize - 1) / clusterSize

	if noFatChain {
		clusters := make([]uint32, count)
		for i := range clusters {
			clusters[i] = first + uint32(i)
		}
		return clusters, nil
	}

	var clusters []uint32
	current := first
	for uint64(len(clusters)) < count {
		if current < minDataCluster || current == badCluster {
			return nil, vfs.ErrFileSystemCorrupted.WithMessage("broken cluster chain")
		}
		if current >= endOfChain {
			return nil, vfs.ErrFileSystemCorrupted.WithMessage("chain ends before the data does")
		}
		clusters = append(clusters, current)

		next, err := fs.fatEntry(current)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return clusters, nil
}

// readDirClusters concatenates a directory's clusters.
func (fs *FileSystem) readDirClusters(first uint32, noFatChain bool) ([]byte, vfs.DriverError) {
	clusterSize := fs.clusterSize()

	var data []byte
	seen := make(map[uint32]bool)
	current := first
	for current >= minDataCluster && current < endOfChain && current != badCluster {
		if seen[current] {
			return nil, vfs.ErrFileSystemCorrupted.WithMessage("directory chain cycles")
		}
		seen[current] = true

		buf := make([]byte, clusterSize)
		if err := fs.readCluster(current, buf); err != nil {
			return nil, err
		}
		data = append(data, buf...)

		if noFatChain {
			current++
			continue
		}
		next, err := fs.fatEntry(current)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return data, nil
}

// parseEntrySets walks a directory region and assembles its file entry
// sets: a 0x85 file entry, its 0xC0 stream extension, then 0xC1 name
// fragments.
func (fs *FileSystem) parseEntrySets(region []byte) ([]DirEntry, vfs.DriverError) {
	var entries []DirEntry

	for offset := 0; offset+32 <= len(region); offset += 32 {
		entryType := region[offset]
		if entryType == 0 {
			break // end of directory
		}
		if entryType != EntryTypeFile {
			continue
		}

		var file RawFileEntry
		if err := binary.Read(
			bytes.NewReader(region[offset:offset+32]), binary.LittleEndian, &file,
		); err != nil {
			return nil, vfs.ErrIOFailed.Wrap(err)
		}

		setEnd := offset + 32*(int(file.SecondaryCount)+1)
		if setEnd > len(region) {
			return nil, vfs.ErrFileSystemCorrupted.WithMessage(
				"entry set overruns the directory",
			)
		}
		if region[offset+32] != EntryTypeStreamExtension {
			return nil, vfs.ErrFileSystemCorrupted.WithMessage(
				"file entry without stream extension",
			)
		}

		var stream RawStreamExtension
		if err := binary.Read(
			bytes.NewReader(region[offset+32:offset+64]), binary.LittleEndian, &stream,
		); err != nil {
			return nil, vfs.ErrIOFailed.Wrap(err)
		}

		var fragments []uint16
		for nameOff := offset + 64; nameOff < setEnd; nameOff += 32 {
			if region[nameOff] != EntryTypeFileName {
				continue
			}
			for i := 0; i < 15; i++ {
				fragments = append(fragments, binary.LittleEndian.Uint16(
					region[nameOff+2+i*2:nameOff+4+i*2],
				))
			}
		}

		entries = append(entries, DirEntry{
			Name:         decodeName(fragments, int(stream.NameLength)),
			Attributes:   file.FileAttributes,
			FirstCluster: stream.FirstCluster,
			DataLength:   stream.DataLength,
			NoFatChain:   stream.GeneralSecondaryFlags&flagNoFatChain != 0,
			Created:      decodeTimestamp(file.CreateTimestamp),
			Modified:     decodeTimestamp(file.LastModifiedTimestamp),
			Accessed:     decodeTimestamp(file.LastAccessedTimestamp),
		})
		offset = setEnd - 32
	}
	return entries, nil
}

// rootEntry fabricates an entry for the root directory, which has no entry
// set of its own.
func (fs *FileSystem) rootEntry() DirEntry {
	return DirEntry{
		Attributes:   AttrDirectory,
		FirstCluster: fs.boot.FirstClusterOfRootDirectory,
	}
}

// resolveEntry walks a mount-relative path to its entry set.
func (fs *FileSystem) resolveEntry(path string) (DirEntry, vfs.DriverError) {
	current := fs.rootEntry()
	for _, name := range vfs.PathComponents(path) {
		if !current.IsDir() {
			return DirEntry{}, vfs.ErrNotADirectory.WithMessage(path)
		}

		region, err := fs.readDirClusters(current.FirstCluster, current.NoFatChain)
		if err != nil {
			return DirEntry{}, err
		}
		entries, err := fs.parseEntrySets(region)
		if err != nil {
			return DirEntry{}, err
		}

		found := false
		for i := range entries {
			if entries[i].Name == name {
				current = entries[i]
				found = true
				break
			}
		}
		if !found {
			return DirEntry{}, vfs.ErrNotFound.WithMessage(path)
		}
	}
	return current, nil
}

func (fs *FileSystem) statFromEntry(entry *DirEntry) vfs.FileStat {
	clusterSize := int64(fs.clusterSize())
	stat := vfs.FileStat{
		DeviceID:     fs.dev.ID(),
		Nlinks:       1,
		ModeFlags:    0o644,
		Size:         int64(entry.DataLength),
		BlockSize:    clusterSize,
		NumBlocks:    (int64(entry.DataLength) + clusterSize - 1) / clusterSize,
		CreatedAt:    entry.Created,
		LastModified: entry.Modified,
		LastAccessed: entry.Accessed,
		LastChanged:  entry.Modified,
	}
	if entry.IsDir() {
		stat.ModeFlags = 0o755 | os.ModeDir
	} else if entry.Attributes&AttrReadOnly != 0 {
		stat.ModeFlags = 0o444
	}
	return stat
}

// Unmount implements [vfs.FileSystem].
func (fs *FileSystem) Unmount() vfs.DriverError {
	return nil
}

// Stat implements [vfs.FileSystem].
func (fs *FileSystem) Stat(path string) (vfs.FileStat, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry, err := fs.resolveEntry(path)
	if err != nil {
		return vfs.FileStat{}, err
	}
	return fs.statFromEntry(&entry), nil
}

// ListDir implements [vfs.FileSystem].
func (fs *FileSystem) ListDir(path string) ([]vfs.DirectoryEntry, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, err := fs.resolveEntry(path)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, vfs.ErrNotADirectory.WithMessage(path)
	}

	region, err := fs.readDirClusters(dir.FirstCluster, dir.NoFatChain)
	if err != nil {
		return nil, err
	}
	raw, err := fs.parseEntrySets(region)
	if err != nil {
		return nil, err
	}

	entries := make([]vfs.DirectoryEntry, 0, len(raw))
	for i := range raw {
		kind := vfs.KindFile
		if raw[i].IsDir() {
			kind = vfs.KindDirectory
		}
		attr := vfs.AttrRead
		if raw[i].Attributes&AttrReadOnly == 0 {
			attr |= vfs.AttrWrite
		}
		if raw[i].Attributes&AttrHidden != 0 {
			attr |= vfs.AttrHidden
		}
		if raw[i].Attributes&AttrSystem != 0 {
			attr |= vfs.AttrSystem
		}
		if raw[i].Attributes&AttrArchive != 0 {
			attr |= vfs.AttrArchive
		}
		entries = append(entries, vfs.DirectoryEntry{
			Name:         raw[i].Name,
			Kind:         kind,
			Size:         int64(raw[i].DataLength),
			Attr:         attr,
			CreatedAt:    raw[i].Created,
			LastModified: raw[i].Modified,
			LastAccessed: raw[i].Accessed,
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

	entry, err := fs.resolveEntry(path)
	if err != nil {
		return nil, err
	}
	if entry.IsDir() {
		return nil, vfs.ErrIsADirectory.WithMessage(path)
	}

	clusters, err := fs.chain(entry.FirstCluster, entry.DataLength, entry.NoFatChain)
	if err != nil {
		return nil, err
	}
	return &fileHandle{
		fs:       fs,
		stat:     fs.statFromEntry(&entry),
		clusters: clusters,
	}, nil
}

// StatFS implements [vfs.FileSystem]. Free space comes from the allocation
// bitmap; the FAT doesn't track free clusters in this format.
func (fs *FileSystem) StatFS() (vfs.FSStat, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	free := uint64(0)
	if fs.bitmapFirstCluster >= minDataCluster {
		bitmapData, err := fs.readDirClusters(fs.bitmapFirstCluster, false)
		if err != nil {
			return vfs.FSStat{}, err
		}
		if fs.bitmapLength < uint64(len(bitmapData)) {
			bitmapData = bitmapData[:fs.bitmapLength]
		}
		for cluster := uint32(0); cluster < fs.boot.ClusterCount; cluster++ {
			byteIdx := cluster / 8
			if byteIdx < uint32(len(bitmapData)) &&
				bitmapData[byteIdx]&(1<<(cluster%8)) == 0 {
				free++
			}
		}
	}

	return vfs.FSStat{
		BlockSize:       int64(fs.clusterSize()),
		TotalBlocks:     uint64(fs.boot.ClusterCount),
		BlocksFree:      free,
		BlocksAvailable: free,
		FilesFree:       vfs.NoFileLimit,
		MaxNameLength:   255,
	}, nil
}

// fileHandle reads a file through its pinned cluster list.
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
