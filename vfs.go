// Package vfs multiplexes concrete on-disk filesystem drivers behind a
// uniform path-based file and directory API. Drivers register once at init;
// volumes attach to the namespace through the mount table and paths dispatch
// to the mount with the longest matching mount point.
package vfs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/0xUINTBEEF/uintvfs/blockdev"
)

var activeLogger atomic.Pointer[slog.Logger]

// SetLogger replaces the logger used for the few failure paths the API
// contract swallows (Handle.Close). The default is slog's default logger.
func SetLogger(l *slog.Logger) {
	activeLogger.Store(l)
}

func logger() *slog.Logger {
	if l := activeLogger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// VFS is the public face of the core: the mount registry plus every
// path-based operation. A zero VFS is not usable; construct one with New.
type VFS struct {
	registry *Registry
}

// New creates a VFS with an empty driver table and mount table.
func New() *VFS {
	return &VFS{registry: NewRegistry()}
}

// Registry exposes the underlying mount registry.
func (v *VFS) Registry() *Registry {
	return v.registry
}

// RegisterDriver makes a driver available for mounting. See
// [Registry.RegisterDriver].
func (v *VFS) RegisterDriver(name string, driver DriverType) DriverError {
	return v.registry.RegisterDriver(name, driver)
}

// Mount attaches a volume. See [Registry.Mount].
func (v *VFS) Mount(driverName string, dev blockdev.Device, path string, flags MountFlags) DriverError {
	return v.registry.Mount(driverName, dev, path, flags)
}

// Unmount detaches a volume. See [Registry.Unmount].
func (v *VFS) Unmount(path string) DriverError {
	return v.registry.Unmount(path)
}

// resolve normalizes `path` and locates the serving mount.
func (v *VFS) resolve(path string) (*Mount, string, DriverError) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return nil, "", err
	}
	return v.registry.findMount(normalized)
}

// noteError latches a mount read-only when a driver reports corruption, then
// passes the error through.
func noteError(mount *Mount, err DriverError) DriverError {
	if err != nil && errors.Is(err, ErrFileSystemCorrupted) {
		mount.markCorrupted()
	}
	return err
}

// mutable resolves `path` to a mount that currently admits mutations and has
// the namespace-mutation capability.
func (v *VFS) mutable(path string) (*Mount, string, MutableFileSystem, DriverError) {
	mount, rel, err := v.resolve(path)
	if err != nil {
		return nil, "", nil, err
	}
	if !mount.canWrite() {
		return nil, "", nil, ErrReadOnlyFileSystem.WithMessage(mount.path)
	}
	mfs, ok := mount.fs.(MutableFileSystem)
	if !ok {
		return nil, "", nil, ErrNotSupported.WithMessage(
			fmt.Sprintf("%q driver does not support namespace changes", mount.driverName),
		)
	}
	return mount, rel, mfs, nil
}

// Open opens the file at `path`. If the file is absent and OpenCreate is
// set, it is created as a regular file with default attributes; absent
// without OpenCreate fails ErrNotFound. OpenTruncate resets an existing
// regular file to zero bytes.
func (v *VFS) Open(path string, flags OpenFlags) (*Handle, DriverError) {
	if !flags.Read() && !flags.Write() {
		return nil, ErrInvalidArgument.WithMessage(
			"open flags must include at least one of read, write, append",
		)
	}

	mount, rel, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	if flags.Write() || flags.Truncate() {
		if !mount.canWrite() {
			return nil, ErrReadOnlyFileSystem.WithMessage(mount.path)
		}
	}

	file, err := mount.fs.Open(rel, flags)
	if err != nil {
		if !errors.Is(err, ErrNotFound) || !flags.Create() {
			return nil, noteError(mount, err)
		}

		// The file is missing and the caller asked for creation.
		if !mount.canWrite() {
			return nil, ErrReadOnlyFileSystem.WithMessage(mount.path)
		}
		mfs, ok := mount.fs.(MutableFileSystem)
		if !ok {
			return nil, ErrNotSupported.WithMessage(
				fmt.Sprintf("%q driver cannot create files", mount.driverName),
			)
		}
		file, err = mfs.Create(rel, 0o644)
		if err != nil {
			return nil, noteError(mount, err)
		}
	}

	if flags.Write() {
		if _, ok := file.(WritableFileHandle); !ok {
			file.Close()
			return nil, ErrNotSupported.WithMessage(
				fmt.Sprintf("%q driver does not support writing", mount.driverName),
			)
		}
	}

	handle := &Handle{
		mount:   mount,
		relPath: rel,
		flags:   flags,
		file:    file,
	}

	if flags.Truncate() {
		w, _ := file.(WritableFileHandle)
		if w == nil {
			file.Close()
			return nil, ErrNotSupported.WithMessage(
				fmt.Sprintf("%q driver does not support truncation", mount.driverName),
			)
		}
		if err := w.Truncate(0); err != nil {
			file.Close()
			return nil, noteError(mount, err)
		}
	}

	mount.acquire()
	return handle, nil
}

// Stat describes the object at `path`, following a terminal symlink.
func (v *VFS) Stat(path string) (FileStat, DriverError) {
	mount, rel, err := v.resolve(path)
	if err != nil {
		return FileStat{}, err
	}
	stat, err := mount.fs.Stat(rel)
	if err != nil {
		return FileStat{}, noteError(mount, err)
	}
	return stat, nil
}

// StatFS reports statistics for the volume serving `path`.
func (v *VFS) StatFS(path string) (FSStat, DriverError) {
	mount, _, err := v.resolve(path)
	if err != nil {
		return FSStat{}, err
	}
	stat, err := mount.fs.StatFS()
	if err != nil {
		return FSStat{}, noteError(mount, err)
	}
	return stat, nil
}

// OpenDir opens the directory at `path` for listing. The listing is a
// snapshot: entries added after OpenDir are not necessarily observed.
func (v *VFS) OpenDir(path string) (*Dir, DriverError) {
	mount, rel, err := v.resolve(path)
	if err != nil {
		return nil, err
	}

	entries, err := mount.fs.ListDir(rel)
	if err != nil {
		return nil, noteError(mount, err)
	}

	mount.acquire()
	return &Dir{
		mount:   mount,
		relPath: rel,
		entries: entries,
	}, nil
}

// Mkdir creates a directory. The parent must already exist.
func (v *VFS) Mkdir(path string, mode os.FileMode) DriverError {
	mount, rel, mfs, err := v.mutable(path)
	if err != nil {
		return err
	}
	return noteError(mount, mfs.Mkdir(rel, mode))
}

// Rmdir removes an empty directory. A directory containing any entry other
// than "." and ".." fails ErrDirectoryNotEmpty.
func (v *VFS) Rmdir(path string) DriverError {
	mount, rel, mfs, err := v.mutable(path)
	if err != nil {
		return err
	}
	return noteError(mount, mfs.Rmdir(rel))
}

// Unlink removes the file at `path`. Directories fail ErrIsADirectory.
func (v *VFS) Unlink(path string) DriverError {
	mount, rel, mfs, err := v.mutable(path)
	if err != nil {
		return err
	}
	return noteError(mount, mfs.Unlink(rel))
}

// Rename moves oldPath to newPath. Both paths must resolve to the same
// mount; a cross-mount rename fails ErrInvalidArgument. An existing
// destination fails ErrExists.
func (v *VFS) Rename(oldPath, newPath string) DriverError {
	oldMount, oldRel, mfs, err := v.mutable(oldPath)
	if err != nil {
		return err
	}
	newMount, newRel, err := v.resolve(newPath)
	if err != nil {
		return err
	}
	if oldMount != newMount {
		return ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"cannot rename across mounts (%q to %q)",
				oldMount.path,
				newMount.path,
			),
		)
	}
	return noteError(oldMount, mfs.Rename(oldRel, newRel))
}

// Link creates a hard link at newPath referring to the file at existing.
// Both paths must resolve to the same mount.
func (v *VFS) Link(existing, newPath string) DriverError {
	mount, rel, err := v.resolve(existing)
	if err != nil {
		return err
	}
	newMount, newRel, err := v.resolve(newPath)
	if err != nil {
		return err
	}
	if mount != newMount {
		return ErrInvalidArgument.WithMessage("cannot hard link across mounts")
	}
	if !mount.canWrite() {
		return ErrReadOnlyFileSystem.WithMessage(mount.path)
	}
	lfs, ok := mount.fs.(LinkFileSystem)
	if !ok {
		return ErrNotSupported.WithMessage(
			fmt.Sprintf("%q driver does not support links", mount.driverName),
		)
	}
	return noteError(mount, lfs.Link(rel, newRel))
}

// Symlink creates a symbolic link at linkPath whose target is the literal
// string `target`.
func (v *VFS) Symlink(target, linkPath string) DriverError {
	mount, rel, err := v.resolve(linkPath)
	if err != nil {
		return err
	}
	if !mount.canWrite() {
		return ErrReadOnlyFileSystem.WithMessage(mount.path)
	}
	lfs, ok := mount.fs.(LinkFileSystem)
	if !ok {
		return ErrNotSupported.WithMessage(
			fmt.Sprintf("%q driver does not support links", mount.driverName),
		)
	}
	return noteError(mount, lfs.Symlink(target, rel))
}

// ReadLink returns the target of the symbolic link at `path`.
func (v *VFS) ReadLink(path string) (string, DriverError) {
	mount, rel, err := v.resolve(path)
	if err != nil {
		return "", err
	}
	lfs, ok := mount.fs.(LinkFileSystem)
	if !ok {
		return "", ErrNotSupported.WithMessage(
			fmt.Sprintf("%q driver does not support links", mount.driverName),
		)
	}
	target, err := lfs.ReadLink(rel)
	if err != nil {
		return "", noteError(mount, err)
	}
	return target, nil
}

// Chmod replaces the permission bits of the object at `path`.
func (v *VFS) Chmod(path string, mode os.FileMode) DriverError {
	mount, rel, err := v.resolve(path)
	if err != nil {
		return err
	}
	if !mount.canWrite() {
		return ErrReadOnlyFileSystem.WithMessage(mount.path)
	}
	cfs, ok := mount.fs.(ChmodFileSystem)
	if !ok {
		return ErrNotSupported.WithMessage(
			fmt.Sprintf("%q driver does not support chmod", mount.driverName),
		)
	}
	return noteError(mount, cfs.Chmod(rel, mode))
}

// GetXattr returns the value of one extended attribute.
func (v *VFS) GetXattr(path, name string) ([]byte, DriverError) {
	mount, rel, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	xfs, ok := mount.fs.(XattrFileSystem)
	if !ok {
		return nil, ErrNotSupported.WithMessage(
			fmt.Sprintf("%q driver does not support extended attributes", mount.driverName),
		)
	}
	value, err := xfs.GetXattr(rel, name)
	if err != nil {
		return nil, noteError(mount, err)
	}
	return value, nil
}

// SetXattr sets one extended attribute.
func (v *VFS) SetXattr(path, name string, value []byte) DriverError {
	mount, rel, err := v.resolve(path)
	if err != nil {
		return err
	}
	if !mount.canWrite() {
		return ErrReadOnlyFileSystem.WithMessage(mount.path)
	}
	xfs, ok := mount.fs.(XattrFileSystem)
	if !ok {
		return ErrNotSupported.WithMessage(
			fmt.Sprintf("%q driver does not support extended attributes", mount.driverName),
		)
	}
	return noteError(mount, xfs.SetXattr(rel, name, value))
}

// ListXattr lists the extended attribute names of the object at `path`.
func (v *VFS) ListXattr(path string) ([]string, DriverError) {
	mount, rel, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	xfs, ok := mount.fs.(XattrFileSystem)
	if !ok {
		return nil, ErrNotSupported.WithMessage(
			fmt.Sprintf("%q driver does not support extended attributes", mount.driverName),
		)
	}
	names, err := xfs.ListXattr(rel)
	if err != nil {
		return nil, noteError(mount, err)
	}
	return names, nil
}

// RemoveXattr removes one extended attribute.
func (v *VFS) RemoveXattr(path, name string) DriverError {
	mount, rel, err := v.resolve(path)
	if err != nil {
		return err
	}
	if !mount.canWrite() {
		return ErrReadOnlyFileSystem.WithMessage(mount.path)
	}
	xfs, ok := mount.fs.(XattrFileSystem)
	if !ok {
		return ErrNotSupported.WithMessage(
			fmt.Sprintf("%q driver does not support extended attributes", mount.driverName),
		)
	}
	return noteError(mount, xfs.RemoveXattr(rel, name))
}

// Sync flushes every mount that supports whole-volume durability. All
// mounts are attempted; failures come back aggregated.
func (v *VFS) Sync() error {
	var result *multierror.Error
	for _, mount := range v.registry.Mounts() {
		if sfs, ok := mount.fs.(SyncFileSystem); ok {
			if err := sfs.Sync(); err != nil {
				result = multierror.Append(result, noteError(mount, err))
			}
		}
	}
	return result.ErrorOrNil()
}
