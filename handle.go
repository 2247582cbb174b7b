package vfs

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Handle is a caller-visible reference to an open file. It's bound to
// exactly one mount and owns the current position; concurrent operations on
// the same handle are serialized by the handle lock.
type Handle struct {
	mu sync.Mutex

	mount   *Mount
	relPath string
	flags   OpenFlags
	pos     int64
	file    FileHandle
	closed  bool
}

// Path returns the handle's path relative to its mount.
func (h *Handle) Path() string {
	return h.relPath
}

func (h *Handle) writable() (WritableFileHandle, DriverError) {
	w, ok := h.file.(WritableFileHandle)
	if !ok {
		return nil, ErrNotSupported.WithMessage(
			fmt.Sprintf("%q does not support writing", h.relPath),
		)
	}
	return w, nil
}

func (h *Handle) checkOpen() DriverError {
	if h.closed {
		return ErrInvalidArgument.WithMessage("handle is closed")
	}
	return nil
}

// Read copies up to len(buf) bytes into buf from the current position and
// advances it by the count read. Short reads are legal at end of file; a
// read starting at or past end of file returns io.EOF.
func (h *Handle) Read(buf []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	if !h.flags.Read() {
		return 0, ErrPermissionDenied.WithMessage(
			fmt.Sprintf("%q is not open for reading", h.relPath),
		)
	}

	n, err := h.file.ReadAt(buf, h.pos)
	h.pos += int64(n)
	if err != nil {
		return n, h.noteError(err)
	}
	if n == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write copies len(buf) bytes from buf into the file. For handles opened
// with OpenAppend the effective offset is the end of file at the moment of
// the write; otherwise it is the current position. Short writes are legal
// when the volume fills; the write fails ErrNoSpaceOnDevice only when not a
// single byte could be written.
func (h *Handle) Write(buf []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	if !h.flags.Write() {
		return 0, ErrPermissionDenied.WithMessage(
			fmt.Sprintf("%q is not open for writing", h.relPath),
		)
	}
	if !h.mount.canWrite() {
		return 0, ErrReadOnlyFileSystem.WithMessage(h.relPath)
	}

	w, werr := h.writable()
	if werr != nil {
		return 0, werr
	}

	offset := h.pos
	if h.flags.Append() {
		stat, err := h.file.Stat()
		if err != nil {
			return 0, h.noteError(err)
		}
		offset = stat.Size
	}

	n, err := w.WriteAt(buf, offset)
	if n > 0 {
		h.pos = offset + int64(n)
	}
	if err != nil {
		if n > 0 && errors.Is(err, ErrNoSpaceOnDevice) {
			// A partial write still counts; the caller learns about the full
			// volume on the next attempt.
			err = nil
		} else {
			return n, h.noteError(err)
		}
	}

	if h.mount.flags.Synchronous() {
		if err := w.Sync(); err != nil {
			return n, h.noteError(err)
		}
	}
	return n, nil
}

// Seek repositions the handle. Whence is one of SeekSet, SeekCur, SeekEnd.
// The resulting position may be past end of file; a later write there
// leaves a hole that reads as zeros. A negative result fails
// ErrInvalidArgument and leaves the position unchanged.
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkOpen(); err != nil {
		return h.pos, err
	}

	var absolute int64
	switch whence {
	case SeekSet:
		absolute = offset
	case SeekCur:
		absolute = h.pos + offset
	case SeekEnd:
		stat, err := h.file.Stat()
		if err != nil {
			return h.pos, h.noteError(err)
		}
		absolute = stat.Size + offset
	default:
		return h.pos, ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid seek origin %d", whence),
		)
	}

	if absolute < 0 {
		return h.pos, ErrInvalidArgument.WithMessage(
			fmt.Sprintf("seek result is negative: %d", absolute),
		)
	}
	h.pos = absolute
	return absolute, nil
}

// Tell returns the current position.
func (h *Handle) Tell() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pos
}

// Stat describes the open file.
func (h *Handle) Stat() (FileStat, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkOpen(); err != nil {
		return FileStat{}, err
	}
	stat, err := h.file.Stat()
	if err != nil {
		return FileStat{}, h.noteError(err)
	}
	return stat, nil
}

// Truncate resizes the file to `size`, releasing blocks when shrinking and
// zero-filling (as a hole) when extending. The position is unchanged.
func (h *Handle) Truncate(size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkOpen(); err != nil {
		return err
	}
	if !h.flags.Write() {
		return ErrPermissionDenied.WithMessage(
			fmt.Sprintf("%q is not open for writing", h.relPath),
		)
	}
	if !h.mount.canWrite() {
		return ErrReadOnlyFileSystem.WithMessage(h.relPath)
	}
	if size < 0 {
		return ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%d is not a valid file size", size),
		)
	}

	w, werr := h.writable()
	if werr != nil {
		return werr
	}
	if err := w.Truncate(size); err != nil {
		return h.noteError(err)
	}
	return nil
}

// Flush makes every byte previously written through this handle durable:
// written to the underlying block device and the device synced.
func (h *Handle) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkOpen(); err != nil {
		return err
	}
	w, ok := h.file.(WritableFileHandle)
	if !ok {
		return nil
	}
	if err := w.Sync(); err != nil {
		return h.noteError(err)
	}
	return nil
}

// Close flushes the handle, releases driver state and drops the mount
// reference. It is infallible from the caller's perspective: failures are
// logged and the handle is invalidated regardless.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	if w, ok := h.file.(WritableFileHandle); ok && h.flags.Write() {
		if err := w.Sync(); err != nil {
			logger().Warn("flush on close failed",
				"path", h.relPath, "mount", h.mount.path, "error", err)
			h.noteError(err)
		}
	}
	if err := h.file.Close(); err != nil {
		logger().Warn("driver close failed",
			"path", h.relPath, "mount", h.mount.path, "error", err)
	}
	h.mount.release()
}

// noteError latches the mount read-only when a driver reports corruption.
func (h *Handle) noteError(err DriverError) DriverError {
	if errors.Is(err, ErrFileSystemCorrupted) {
		h.mount.markCorrupted()
	}
	return err
}

// Dir is an open directory handle. Readers observe a snapshot taken at
// OpenDir; entries added afterwards are not necessarily visible.
type Dir struct {
	mu sync.Mutex

	mount   *Mount
	relPath string
	entries []DirectoryEntry
	next    int
	closed  bool
}

// ReadDir returns the next entry of the snapshot, or ErrEndOfDirectory once
// the listing is exhausted. The "." and ".." entries are never produced; an
// empty directory hits the sentinel immediately.
func (d *Dir) ReadDir() (DirectoryEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return DirectoryEntry{}, ErrInvalidArgument.WithMessage("directory handle is closed")
	}
	if d.next >= len(d.entries) {
		return DirectoryEntry{}, ErrEndOfDirectory
	}

	entry := d.entries[d.next]
	d.next++
	return entry, nil
}

// Close invalidates the handle and drops the mount reference. Like
// [Handle.Close] it never fails.
func (d *Dir) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	d.mount.release()
}
