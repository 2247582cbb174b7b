package vfs

import "io"

////////////////////////////////////////////////////////////////////////////////
// File mode bits
//
// These match the on-disk encoding used by the ext2-style driver, so drivers
// for that family can use them directly when packing inode modes.

const (
	S_IXOTH = 1 << iota
	S_IWOTH = 1 << iota
	S_IROTH = 1 << iota
	S_IXGRP = 1 << iota
	S_IWGRP = 1 << iota
	S_IRGRP = 1 << iota
	S_IXUSR = 1 << iota
	S_IWUSR = 1 << iota
	S_IRUSR = 1 << iota
	S_ISVTX = 1 << iota
	S_ISGID = 1 << iota
	S_ISUID = 1 << iota
	S_IFIFO = 1 << iota
	S_IFCHR = 1 << iota
	S_IFDIR = 1 << iota
	S_IFREG = 1 << iota
)

const S_IFBLK = 0x6000
const S_IFLNK = 0xa000
const S_IFSOCK = 0xc000
const S_IFMT = 0xf000

const S_IRWXO = S_IXOTH | S_IWOTH | S_IROTH
const S_IRWXG = S_IXGRP | S_IWGRP | S_IRGRP
const S_IRWXU = S_IXUSR | S_IWUSR | S_IRUSR

////////////////////////////////////////////////////////////////////////////////
// Open flags

// OpenFlags controls how a handle is opened and what operations it permits.
type OpenFlags int

const (
	// OpenRead permits Read on the handle.
	OpenRead = OpenFlags(1 << iota)
	// OpenWrite permits Write and Truncate on the handle.
	OpenWrite = OpenFlags(1 << iota)
	// OpenAppend forces every write to land at the current end of file,
	// regardless of the handle's position.
	OpenAppend = OpenFlags(1 << iota)
	// OpenCreate creates the file with default attributes if it's missing.
	OpenCreate = OpenFlags(1 << iota)
	// OpenTruncate resets a regular file to zero bytes on open, releasing all
	// of its data blocks.
	OpenTruncate = OpenFlags(1 << iota)
)

func (flags OpenFlags) Read() bool {
	return flags&OpenRead != 0
}

func (flags OpenFlags) Write() bool {
	return flags&(OpenWrite|OpenAppend) != 0
}

func (flags OpenFlags) Append() bool {
	return flags&OpenAppend != 0
}

func (flags OpenFlags) Create() bool {
	return flags&OpenCreate != 0
}

func (flags OpenFlags) Truncate() bool {
	return flags&OpenTruncate != 0
}

// RequiresWritePerm tells whether opening with these flags can modify the
// file system in any way.
func (flags OpenFlags) RequiresWritePerm() bool {
	return flags&(OpenWrite|OpenAppend|OpenCreate|OpenTruncate) != 0
}

////////////////////////////////////////////////////////////////////////////////
// Mount flags

type MountFlags int

const (
	// MountReadOnly mounts the volume read-only. Every mutating operation
	// fails with ErrReadOnlyFileSystem.
	MountReadOnly = MountFlags(1 << iota)
	// MountSync makes every write synchronous: data reaches the block device
	// before the operation returns.
	MountSync = MountFlags(1 << iota)
)

func (flags MountFlags) CanWrite() bool {
	return flags&MountReadOnly == 0
}

func (flags MountFlags) Synchronous() bool {
	return flags&MountSync != 0
}

////////////////////////////////////////////////////////////////////////////////
// Seek origins

// Whence values accepted by Seek. They alias the io package constants so
// handles can be dropped into code expecting io.Seeker semantics.
const (
	SeekSet = io.SeekStart
	SeekCur = io.SeekCurrent
	SeekEnd = io.SeekEnd
)
