package vfs

import (
	"os"

	"github.com/0xUINTBEEF/uintvfs/blockdev"
)

// DriverType is a registered filesystem driver. One DriverType serves every
// mount of its format; per-volume state lives in the FileSystem it returns.
type DriverType interface {
	// Mount interprets the on-disk format of `dev` and returns the
	// capability set for operating on it. Drivers must reject volumes whose
	// identifying structures (magic numbers, signatures) don't match.
	Mount(dev blockdev.Device, flags MountFlags) (FileSystem, DriverError)
}

// FileSystem is the mandatory capability set every driver provides for a
// mounted volume: unmount plus the read-only operations. All paths are
// normalized and relative to the mount (they still begin with "/").
//
// Optional capabilities are separate interfaces discovered by type
// assertion; the VFS surfaces their absence as ErrNotSupported.
type FileSystem interface {
	// Unmount flushes driver state and detaches from the device. It may
	// refuse, in which case the mount stays linked in.
	Unmount() DriverError

	// Open returns a handle for an existing regular file. Missing files fail
	// ErrNotFound; directories fail ErrIsADirectory. Creation and truncation
	// are handled by the VFS through MutableFileSystem and
	// WritableFileHandle.
	Open(path string, flags OpenFlags) (FileHandle, DriverError)

	// Stat describes the object at `path`, following a terminal symlink.
	Stat(path string) (FileStat, DriverError)

	// ListDir returns a snapshot of a directory's entries. The "." and ".."
	// entries are never included.
	ListDir(path string) ([]DirectoryEntry, DriverError)

	// StatFS reports volume-level statistics.
	StatFS() (FSStat, DriverError)
}

// FileHandle is driver-side per-file state. Position bookkeeping lives in
// the VFS; drivers only see offset-addressed I/O.
type FileHandle interface {
	// ReadAt reads up to len(buf) bytes starting at `offset`. Reads entirely
	// past end of file return (0, nil); the VFS converts that to its EOF
	// convention.
	ReadAt(buf []byte, offset int64) (int, DriverError)

	// Stat describes the open file, reflecting any resizing done through
	// this or other handles.
	Stat() (FileStat, DriverError)

	// Close releases driver state for the handle.
	Close() DriverError
}

// WritableFileHandle is the write capability of a file handle.
type WritableFileHandle interface {
	FileHandle

	// WriteAt writes len(buf) bytes at `offset`, extending the file and
	// allocating blocks as needed. Writes past end of file leave a hole that
	// reads as zeros. A short count with ErrNoSpaceOnDevice is returned when
	// the volume fills mid-write.
	WriteAt(buf []byte, offset int64) (int, DriverError)

	// Truncate sets the file size, allocating or releasing blocks as
	// required. Extension reads back as zeros.
	Truncate(size int64) DriverError

	// Sync makes every byte previously written through this handle durable.
	Sync() DriverError
}

// MutableFileSystem is the namespace mutation capability set.
type MutableFileSystem interface {
	// Create makes a new regular file with default attributes and returns an
	// open handle for it. The parent directory must exist.
	Create(path string, perm os.FileMode) (FileHandle, DriverError)

	Mkdir(path string, perm os.FileMode) DriverError

	// Rmdir removes an empty directory. Directories with any entry besides
	// "." and ".." fail ErrDirectoryNotEmpty.
	Rmdir(path string) DriverError

	// Unlink removes a file's directory entry. Directories fail
	// ErrIsADirectory.
	Unlink(path string) DriverError

	// Rename moves oldPath to newPath within the mount as an in-place
	// metadata mutation. An existing destination fails ErrExists.
	Rename(oldPath, newPath string) DriverError
}

// LinkFileSystem is the hard/symbolic link capability set.
type LinkFileSystem interface {
	// Link creates a second directory entry for the file at `existing`.
	// Directories fail ErrIsADirectory.
	Link(existing, newPath string) DriverError

	// Symlink creates a symbolic link at linkPath pointing at `target`.
	Symlink(target, linkPath string) DriverError

	// ReadLink returns the target of a symbolic link without following it.
	ReadLink(path string) (string, DriverError)
}

// ChmodFileSystem is the permission mutation capability.
type ChmodFileSystem interface {
	// Chmod replaces the permission bits of the object at `path`. Type bits
	// are unaffected.
	Chmod(path string, mode os.FileMode) DriverError
}

// XattrFileSystem is the extended attribute capability set.
type XattrFileSystem interface {
	GetXattr(path, name string) ([]byte, DriverError)
	SetXattr(path, name string, value []byte) DriverError
	ListXattr(path string) ([]string, DriverError)
	RemoveXattr(path, name string) DriverError
}

// SyncFileSystem is the whole-volume durability capability.
type SyncFileSystem interface {
	// Sync flushes all cached state to the block device and invokes the
	// device's own sync.
	Sync() DriverError
}
