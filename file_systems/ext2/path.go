package ext2

import (
	"fmt"

	vfs "github.com/0xUINTBEEF/uintvfs"
)

// symlinkDepthLimit caps how many symbolic links one resolution may follow
// before the namespace is presumed cyclic.
const symlinkDepthLimit = 8

// readSymlinkTarget returns the target string of a symlink inode. Fast
// symlinks live in-line in the pointer array; longer targets occupy data
// blocks.
func (fs *FileSystem) readSymlinkTarget(inode *RawInode) (string, vfs.DriverError) {
	if inode.IsFastSymlink() {
		return string(inode.InlineTarget()), nil
	}

	target := make([]byte, inode.Size)
	read := uint64(0)
	for read < uint64(inode.Size) {
		logical := read / uint64(fs.blockSize)
		phys, err := fs.physicalBlock(inode, logical)
		if err != nil {
			return "", err
		}
		if phys == 0 {
			return "", fs.corrupt("symlink target block is a hole")
		}

		data, cerr := fs.cache.Get(fs.dev, uint64(phys))
		if cerr != nil {
			return "", vfs.CastError(cerr)
		}
		read += uint64(copy(target[read:], data))
	}
	return string(target), nil
}

// resolvePath walks a normalized mount-relative path from the root inode to
// an inode number. Symlinks in non-terminal position are always followed; a
// terminal symlink is followed only when `followTerminal` is set. More than
// symlinkDepthLimit link expansions fail ErrInvalidArgument.
func (fs *FileSystem) resolvePath(path string, followTerminal bool) (uint32, vfs.DriverError) {
	components := vfs.PathComponents(path)
	current := uint32(RootInode)
	currentDir := "/"
	depth := 0

	for i := 0; i < len(components); i++ {
		inode, err := fs.readInode(current)
		if err != nil {
			return 0, err
		}
		if !inode.IsDir() {
			return 0, vfs.ErrNotADirectory.WithMessage(currentDir)
		}

		name := components[i]
		entry, err := fs.lookupEntry(&inode, name)
		if err != nil {
			return 0, err
		}

		child, err := fs.readInode(entry.Ino)
		if err != nil {
			return 0, err
		}

		terminal := i == len(components)-1
		if child.IsSymlink() && (!terminal || followTerminal) {
			depth++
			if depth > symlinkDepthLimit {
				return 0, vfs.ErrInvalidArgument.WithMessage(
					fmt.Sprintf("more than %d levels of symbolic links",
						symlinkDepthLimit),
				)
			}

			target, err := fs.readSymlinkTarget(&child)
			if err != nil {
				return 0, err
			}

			// Splice the target in front of the unconsumed components and
			// renormalize; relative targets resolve against the directory
			// holding the link.
			rebased := target
			if len(target) == 0 || target[0] != '/' {
				rebased = currentDir + "/" + target
			}
			for _, rest := range components[i+1:] {
				rebased += "/" + rest
			}
			normalized, nerr := vfs.NormalizePath(rebased)
			if nerr != nil {
				return 0, nerr
			}

			components = vfs.PathComponents(normalized)
			current = RootInode
			currentDir = "/"
			i = -1
			continue
		}

		current = entry.Ino
		if !terminal {
			if currentDir == "/" {
				currentDir = "/" + name
			} else {
				currentDir += "/" + name
			}
		}
	}
	return current, nil
}

// resolveParent splits `path` into its parent directory inode and base name.
// The parent traversal always follows symlinks.
func (fs *FileSystem) resolveParent(path string) (uint32, string, vfs.DriverError) {
	parentPath, base := vfs.SplitPath(path)
	if base == "" {
		return 0, "", vfs.ErrInvalidArgument.WithMessage(
			"the root directory cannot be a target of this operation",
		)
	}

	parentIno, err := fs.resolvePath(parentPath, true)
	if err != nil {
		return 0, "", err
	}
	return parentIno, base, nil
}
