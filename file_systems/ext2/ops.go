package ext2

import (
	"fmt"
	"os"
	"sort"

	vfs "github.com/0xUINTBEEF/uintvfs"
)

// reapInode releases an inode and every block it maps. Sparse holes are
// skipped by the block map walk. Caller holds fs.mu.
func (fs *FileSystem) reapInode(ino uint32) vfs.DriverError {
	inode, err := fs.readInode(ino)
	if err != nil {
		return err
	}

	isDir := inode.IsDir()
	if !inode.IsFastSymlink() {
		if err := fs.shrinkInode(&inode, 0); err != nil {
			return err
		}
	}

	inode = RawInode{Dtime: fs.now()}
	if err := fs.writeInode(ino, &inode); err != nil {
		return err
	}
	delete(fs.xattrs, ino)
	return fs.freeInode(ino, isDir)
}

// dropLink decrements an inode's link count after its directory entry went
// away, reclaiming it once nothing references it: no links and no open
// handles.
func (fs *FileSystem) dropLink(ino uint32, inode *RawInode) vfs.DriverError {
	if inode.LinksCount > 0 {
		inode.LinksCount--
	}
	inode.Ctime = fs.now()

	if inode.LinksCount > 0 {
		return fs.writeInode(ino, inode)
	}
	if fs.openInodes[ino] > 0 {
		fs.orphans[ino] = true
		return fs.writeInode(ino, inode)
	}
	if err := fs.writeInode(ino, inode); err != nil {
		return err
	}
	return fs.reapInode(ino)
}

// Open implements [vfs.FileSystem].
func (fs *FileSystem) Open(path string, flags vfs.OpenFlags) (vfs.FileHandle, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, err := fs.resolvePath(path, true)
	if err != nil {
		return nil, err
	}

	inode, err := fs.readInode(ino)
	if err != nil {
		return nil, err
	}
	if inode.IsDir() {
		return nil, vfs.ErrIsADirectory.WithMessage(path)
	}
	if !inode.IsRegular() {
		return nil, vfs.ErrNotAFile.WithMessage(path)
	}
	return fs.openHandle(ino), nil
}

// Create implements [vfs.MutableFileSystem].
func (fs *FileSystem) Create(path string, perm os.FileMode) (vfs.FileHandle, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.requireWritable(); err != nil {
		return nil, err
	}

	parentIno, name, err := fs.resolveParent(path)
	if err != nil {
		return nil, err
	}
	if err := checkEntryName(name); err != nil {
		return nil, err
	}

	parent, err := fs.readInode(parentIno)
	if err != nil {
		return nil, err
	}
	if !parent.IsDir() {
		return nil, vfs.ErrNotADirectory.WithMessage(path)
	}
	if _, err := fs.lookupEntry(&parent, name); err == nil {
		return nil, vfs.ErrExists.WithMessage(path)
	}

	ino, err := fs.allocInode(fs.inodeGroup(parentIno), false)
	if err != nil {
		return nil, err
	}

	now := fs.now()
	inode := RawInode{
		Mode:       vfs.S_IFREG | PermBitsFromOS(perm),
		LinksCount: 1,
		Atime:      now,
		Ctime:      now,
		Mtime:      now,
	}
	if err := fs.writeInode(ino, &inode); err != nil {
		fs.freeInode(ino, false)
		return nil, err
	}

	if err := fs.addEntry(parentIno, &parent, name, ino, FileTypeRegular); err != nil {
		// Nothing references the new inode yet; give it back so the failed
		// create leaves no side effect.
		fs.freeInode(ino, false)
		return nil, err
	}
	parent.Mtime = now
	parent.Ctime = now
	if err := fs.writeInode(parentIno, &parent); err != nil {
		return nil, err
	}
	return fs.openHandle(ino), nil
}

// Stat implements [vfs.FileSystem].
func (fs *FileSystem) Stat(path string) (vfs.FileStat, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, err := fs.resolvePath(path, true)
	if err != nil {
		return vfs.FileStat{}, err
	}
	inode, err := fs.readInode(ino)
	if err != nil {
		return vfs.FileStat{}, err
	}
	return fs.statFromInode(ino, &inode), nil
}

// ListDir implements [vfs.FileSystem]. The "." and ".." entries are never
// reported.
func (fs *FileSystem) ListDir(path string) ([]vfs.DirectoryEntry, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, err := fs.resolvePath(path, true)
	if err != nil {
		return nil, err
	}
	inode, err := fs.readInode(ino)
	if err != nil {
		return nil, err
	}
	if !inode.IsDir() {
		return nil, vfs.ErrNotADirectory.WithMessage(path)
	}

	raw, err := fs.listEntries(&inode)
	if err != nil {
		return nil, err
	}

	entries := make([]vfs.DirectoryEntry, 0, len(raw))
	for _, entry := range raw {
		child, err := fs.readInode(entry.Ino)
		if err != nil {
			return nil, err
		}
		stat := fs.statFromInode(entry.Ino, &child)
		entries = append(entries, vfs.DirectoryEntry{
			Name:         entry.Name,
			Kind:         stat.Kind(),
			Size:         stat.Size,
			Attr:         vfs.AttributesFromMode(stat.ModeFlags),
			CreatedAt:    stat.CreatedAt,
			LastModified: stat.LastModified,
			LastAccessed: stat.LastAccessed,
		})
	}
	return entries, nil
}

// Mkdir implements [vfs.MutableFileSystem]. Every step has a compensating
// action so a failed mkdir leaves neither the inode nor the entry behind.
func (fs *FileSystem) Mkdir(path string, perm os.FileMode) vfs.DriverError {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.requireWritable(); err != nil {
		return err
	}

	parentIno, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	if err := checkEntryName(name); err != nil {
		return err
	}

	parent, err := fs.readInode(parentIno)
	if err != nil {
		return err
	}
	if !parent.IsDir() {
		return vfs.ErrNotADirectory.WithMessage(path)
	}
	if _, err := fs.lookupEntry(&parent, name); err == nil {
		return vfs.ErrExists.WithMessage(path)
	}

	group := fs.inodeGroup(parentIno)
	ino, err := fs.allocInode(group, true)
	if err != nil {
		return err
	}

	now := fs.now()
	inode := RawInode{
		Mode:       vfs.S_IFDIR | PermBitsFromOS(perm),
		LinksCount: 2, // its own "." plus the parent's entry
		Atime:      now,
		Ctime:      now,
		Mtime:      now,
	}

	block, err := fs.ensurePhysicalBlock(&inode, group, 0)
	if err != nil {
		fs.freeInode(ino, true)
		return err
	}
	inode.Size = fs.blockSize

	dotSize := direntSize(1)
	dot := dirent{
		Ino: ino, RecLen: dotSize, FileType: FileTypeDirectory,
		Name: ".", block: uint64(block), offset: 0,
	}
	dotDot := dirent{
		Ino: parentIno, RecLen: uint16(fs.blockSize) - dotSize,
		FileType: FileTypeDirectory,
		Name:     "..", block: uint64(block), offset: uint32(dotSize),
	}
	if err := fs.writeDirent(dot); err == nil {
		err = fs.writeDirent(dotDot)
	}
	if err == nil {
		err = fs.writeInode(ino, &inode)
	}
	if err == nil {
		err = fs.addEntry(parentIno, &parent, name, ino, FileTypeDirectory)
	}
	if err != nil {
		fs.freeBlock(block)
		fs.freeInode(ino, true)
		return err
	}

	parent.LinksCount++ // the new child's ".."
	parent.Mtime = now
	parent.Ctime = now
	return fs.writeInode(parentIno, &parent)
}

// Rmdir implements [vfs.MutableFileSystem].
func (fs *FileSystem) Rmdir(path string) vfs.DriverError {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.requireWritable(); err != nil {
		return err
	}

	ino, err := fs.resolvePath(path, false)
	if err != nil {
		return err
	}
	if ino == RootInode {
		return vfs.ErrBusy.WithMessage("cannot remove the root directory")
	}

	inode, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	if !inode.IsDir() {
		return vfs.ErrNotADirectory.WithMessage(path)
	}

	empty, err := fs.isEmptyDir(&inode)
	if err != nil {
		return err
	}
	if !empty {
		return vfs.ErrDirectoryNotEmpty.WithMessage(path)
	}

	parentIno, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	parent, err := fs.readInode(parentIno)
	if err != nil {
		return err
	}

	if _, err := fs.removeEntry(&parent, name); err != nil {
		return err
	}
	parent.LinksCount-- // the child's ".." is gone
	now := fs.now()
	parent.Mtime = now
	parent.Ctime = now
	if err := fs.writeInode(parentIno, &parent); err != nil {
		return err
	}

	// An empty directory still holds two links: "." and the entry just
	// removed. Drop them both so reclamation fires.
	inode.LinksCount = 0
	if err := fs.writeInode(ino, &inode); err != nil {
		return err
	}
	if fs.openInodes[ino] > 0 {
		fs.orphans[ino] = true
		return nil
	}
	return fs.reapInode(ino)
}

// Unlink implements [vfs.MutableFileSystem]. The terminal symlink is not
// followed: unlinking a link removes the link itself.
func (fs *FileSystem) Unlink(path string) vfs.DriverError {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.requireWritable(); err != nil {
		return err
	}

	ino, err := fs.resolvePath(path, false)
	if err != nil {
		return err
	}
	inode, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	if inode.IsDir() {
		return vfs.ErrIsADirectory.WithMessage(path)
	}

	parentIno, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	parent, err := fs.readInode(parentIno)
	if err != nil {
		return err
	}

	if _, err := fs.removeEntry(&parent, name); err != nil {
		return err
	}
	now := fs.now()
	parent.Mtime = now
	parent.Ctime = now
	if err := fs.writeInode(parentIno, &parent); err != nil {
		return err
	}
	return fs.dropLink(ino, &inode)
}

// Rename implements [vfs.MutableFileSystem] as an in-place metadata
// mutation: the new entry is added, the old removed, and a moved
// directory's ".." is repointed at its new parent.
func (fs *FileSystem) Rename(oldPath, newPath string) vfs.DriverError {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.requireWritable(); err != nil {
		return err
	}

	oldParentIno, oldName, err := fs.resolveParent(oldPath)
	if err != nil {
		return err
	}
	newParentIno, newName, err := fs.resolveParent(newPath)
	if err != nil {
		return err
	}
	if err := checkEntryName(newName); err != nil {
		return err
	}

	oldParent, err := fs.readInode(oldParentIno)
	if err != nil {
		return err
	}
	entry, err := fs.lookupEntry(&oldParent, oldName)
	if err != nil {
		return err
	}

	newParent := oldParent
	if newParentIno != oldParentIno {
		newParent, err = fs.readInode(newParentIno)
		if err != nil {
			return err
		}
		if !newParent.IsDir() {
			return vfs.ErrNotADirectory.WithMessage(newPath)
		}
	}
	if _, err := fs.lookupEntry(&newParent, newName); err == nil {
		return vfs.ErrExists.WithMessage(newPath)
	}

	if err := fs.addEntry(newParentIno, &newParent, newName, entry.Ino, entry.FileType); err != nil {
		return err
	}
	if err := fs.writeInode(newParentIno, &newParent); err != nil {
		return err
	}

	// Re-read the source parent: adding the entry may have grown the shared
	// directory when both parents are the same inode.
	if newParentIno == oldParentIno {
		oldParent = newParent
	}
	if _, err := fs.removeEntry(&oldParent, oldName); err != nil {
		return err
	}

	now := fs.now()
	oldParent.Mtime = now
	oldParent.Ctime = now
	if err := fs.writeInode(oldParentIno, &oldParent); err != nil {
		return err
	}

	if entry.FileType == FileTypeDirectory && oldParentIno != newParentIno {
		moved, err := fs.readInode(entry.Ino)
		if err != nil {
			return err
		}
		if err := fs.setDotDot(&moved, newParentIno); err != nil {
			return err
		}

		oldParent.LinksCount--
		if err := fs.writeInode(oldParentIno, &oldParent); err != nil {
			return err
		}
		newParent.LinksCount++
		newParent.Mtime = now
		newParent.Ctime = now
		if err := fs.writeInode(newParentIno, &newParent); err != nil {
			return err
		}
	}
	return nil
}

// Link implements [vfs.LinkFileSystem]. Hard links to directories are
// rejected; the link refers to the same inode and bumps its link count.
func (fs *FileSystem) Link(existing, newPath string) vfs.DriverError {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.requireWritable(); err != nil {
		return err
	}

	ino, err := fs.resolvePath(existing, false)
	if err != nil {
		return err
	}
	inode, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	if inode.IsDir() {
		return vfs.ErrIsADirectory.WithMessage(existing)
	}

	parentIno, name, err := fs.resolveParent(newPath)
	if err != nil {
		return err
	}
	if err := checkEntryName(name); err != nil {
		return err
	}
	parent, err := fs.readInode(parentIno)
	if err != nil {
		return err
	}
	if !parent.IsDir() {
		return vfs.ErrNotADirectory.WithMessage(newPath)
	}
	if _, err := fs.lookupEntry(&parent, name); err == nil {
		return vfs.ErrExists.WithMessage(newPath)
	}

	if err := fs.addEntry(parentIno, &parent, name, ino, fileTypeFromMode(inode.Mode)); err != nil {
		return err
	}
	now := fs.now()
	parent.Mtime = now
	parent.Ctime = now
	if err := fs.writeInode(parentIno, &parent); err != nil {
		return err
	}

	inode.LinksCount++
	inode.Ctime = now
	return fs.writeInode(ino, &inode)
}

// Symlink implements [vfs.LinkFileSystem]. Targets of at most 60 bytes are
// stored in-line in the pointer array and occupy no data blocks.
func (fs *FileSystem) Symlink(target, linkPath string) vfs.DriverError {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.requireWritable(); err != nil {
		return err
	}
	if target == "" || len(target) > vfs.MaxPathLength {
		return vfs.ErrInvalidArgument.WithMessage("invalid symlink target")
	}

	parentIno, name, err := fs.resolveParent(linkPath)
	if err != nil {
		return err
	}
	if err := checkEntryName(name); err != nil {
		return err
	}
	parent, err := fs.readInode(parentIno)
	if err != nil {
		return err
	}
	if !parent.IsDir() {
		return vfs.ErrNotADirectory.WithMessage(linkPath)
	}
	if _, err := fs.lookupEntry(&parent, name); err == nil {
		return vfs.ErrExists.WithMessage(linkPath)
	}

	group := fs.inodeGroup(parentIno)
	ino, err := fs.allocInode(group, false)
	if err != nil {
		return err
	}

	now := fs.now()
	inode := RawInode{
		Mode:       vfs.S_IFLNK | 0o777,
		LinksCount: 1,
		Atime:      now,
		Ctime:      now,
		Mtime:      now,
	}

	if len(target) <= FastSymlinkMaxLen {
		inode.SetInlineTarget([]byte(target))
	} else {
		written := 0
		for written < len(target) {
			logical := uint64(written) / uint64(fs.blockSize)
			block, err := fs.ensurePhysicalBlock(&inode, group, logical)
			if err != nil {
				fs.shrinkInode(&inode, 0)
				fs.freeInode(ino, false)
				return err
			}
			data, cerr := fs.cache.Get(fs.dev, uint64(block))
			if cerr != nil {
				fs.shrinkInode(&inode, 0)
				fs.freeInode(ino, false)
				return vfs.CastError(cerr)
			}
			written += copy(data, target[written:])
			if cerr := fs.cache.MarkDirty(fs.dev, uint64(block)); cerr != nil {
				return vfs.CastError(cerr)
			}
		}
		inode.Size = uint32(len(target))
	}

	if err := fs.writeInode(ino, &inode); err != nil {
		fs.freeInode(ino, false)
		return err
	}
	if err := fs.addEntry(parentIno, &parent, name, ino, FileTypeSymlink); err != nil {
		fs.shrinkInode(&inode, 0)
		fs.freeInode(ino, false)
		return err
	}
	parent.Mtime = now
	parent.Ctime = now
	return fs.writeInode(parentIno, &parent)
}

// ReadLink implements [vfs.LinkFileSystem].
func (fs *FileSystem) ReadLink(path string) (string, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, err := fs.resolvePath(path, false)
	if err != nil {
		return "", err
	}
	inode, err := fs.readInode(ino)
	if err != nil {
		return "", err
	}
	if !inode.IsSymlink() {
		return "", vfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%q is not a symbolic link", path),
		)
	}
	return fs.readSymlinkTarget(&inode)
}

// Chmod implements [vfs.ChmodFileSystem]. Only the permission bits change.
func (fs *FileSystem) Chmod(path string, mode os.FileMode) vfs.DriverError {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.requireWritable(); err != nil {
		return err
	}

	ino, err := fs.resolvePath(path, true)
	if err != nil {
		return err
	}
	inode, err := fs.readInode(ino)
	if err != nil {
		return err
	}

	inode.Mode = inode.Mode&vfs.S_IFMT | PermBitsFromOS(mode)
	inode.Ctime = fs.now()
	return fs.writeInode(ino, &inode)
}

////////////////////////////////////////////////////////////////////////////////
// Extended attributes
//
// This revision of the on-disk format has no xattr block; the table is
// per-mount, in-memory state keyed by inode.

// GetXattr implements [vfs.XattrFileSystem].
func (fs *FileSystem) GetXattr(path, name string) ([]byte, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, err := fs.resolvePath(path, true)
	if err != nil {
		return nil, err
	}
	value, ok := fs.xattrs[ino][name]
	if !ok {
		return nil, vfs.ErrNotFound.WithMessage(
			fmt.Sprintf("no attribute named %q", name),
		)
	}
	return append([]byte(nil), value...), nil
}

// SetXattr implements [vfs.XattrFileSystem].
func (fs *FileSystem) SetXattr(path, name string, value []byte) vfs.DriverError {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.requireWritable(); err != nil {
		return err
	}
	if name == "" {
		return vfs.ErrInvalidArgument.WithMessage("attribute name is required")
	}

	ino, err := fs.resolvePath(path, true)
	if err != nil {
		return err
	}
	if fs.xattrs[ino] == nil {
		fs.xattrs[ino] = make(map[string][]byte)
	}
	fs.xattrs[ino][name] = append([]byte(nil), value...)
	return nil
}

// ListXattr implements [vfs.XattrFileSystem].
func (fs *FileSystem) ListXattr(path string) ([]string, vfs.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, err := fs.resolvePath(path, true)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(fs.xattrs[ino]))
	for name := range fs.xattrs[ino] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// RemoveXattr implements [vfs.XattrFileSystem].
func (fs *FileSystem) RemoveXattr(path, name string) vfs.DriverError {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.requireWritable(); err != nil {
		return err
	}

	ino, err := fs.resolvePath(path, true)
	if err != nil {
		return err
	}
	if _, ok := fs.xattrs[ino][name]; !ok {
		return vfs.ErrNotFound.WithMessage(
			fmt.Sprintf("no attribute named %q", name),
		)
	}
	delete(fs.xattrs[ino], name)
	return nil
}
