package ext2

import (
	"bytes"
	"encoding/binary"
	"os"
	"time"

	vfs "github.com/0xUINTBEEF/uintvfs"
)

// NumDirectBlocks is the number of direct block pointers in an inode.
const NumDirectBlocks = 12

// Indices of the indirect pointers in RawInode.Block.
const (
	singleIndirectSlot = 12
	doubleIndirectSlot = 13
	tripleIndirectSlot = 14
)

// FastSymlinkMaxLen is the longest symlink target stored in-line in the
// block pointer array instead of in data blocks.
const FastSymlinkMaxLen = 60

// RawInode is the 128-byte on-disk inode record. SectorCount counts 512-byte
// sectors occupied by data and index blocks, which is how the format has
// always accounted for space regardless of the logical block size.
type RawInode struct {
	Mode        uint16
	UID         uint16
	Size        uint32
	Atime       uint32
	Ctime       uint32
	Mtime       uint32
	Dtime       uint32
	GID         uint16
	LinksCount  uint16
	SectorCount uint32
	Flags       uint32
	OSD1        uint32
	Block       [15]uint32
	Generation  uint32
	FileACL     uint32
	DirACL      uint32
	FragAddr    uint32
	OSD2        [12]byte
}

func (inode *RawInode) IsDir() bool {
	return inode.Mode&vfs.S_IFMT == vfs.S_IFDIR
}

func (inode *RawInode) IsRegular() bool {
	return inode.Mode&vfs.S_IFMT == vfs.S_IFREG
}

func (inode *RawInode) IsSymlink() bool {
	return inode.Mode&vfs.S_IFMT == vfs.S_IFLNK
}

// IsFastSymlink tells whether the symlink target lives in-line in the block
// pointer array. Fast symlinks occupy no data blocks, so the sector count is
// the discriminator.
func (inode *RawInode) IsFastSymlink() bool {
	return inode.IsSymlink() && inode.SectorCount == 0
}

// InlineTarget returns the in-line symlink target bytes.
func (inode *RawInode) InlineTarget() []byte {
	raw := make([]byte, 0, FastSymlinkMaxLen)
	for _, ptr := range inode.Block {
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], ptr)
		raw = append(raw, word[:]...)
	}
	size := inode.Size
	if size > FastSymlinkMaxLen {
		size = FastSymlinkMaxLen
	}
	return raw[:size]
}

// SetInlineTarget stores a symlink target in-line. len(target) must be at
// most FastSymlinkMaxLen.
func (inode *RawInode) SetInlineTarget(target []byte) {
	var raw [FastSymlinkMaxLen]byte
	copy(raw[:], target)
	for i := range inode.Block {
		inode.Block[i] = binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
	}
	inode.Size = uint32(len(target))
	inode.SectorCount = 0
}

// DecodeInode parses an inode from its 128-byte on-disk record.
func DecodeInode(data []byte) (RawInode, vfs.DriverError) {
	var inode RawInode
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &inode); err != nil {
		return inode, vfs.ErrIOFailed.Wrap(err)
	}
	return inode, nil
}

// EncodeInode serializes an inode into buf, which must be at least 128
// bytes.
func EncodeInode(inode *RawInode, buf []byte) vfs.DriverError {
	var scratch bytes.Buffer
	if err := binary.Write(&scratch, binary.LittleEndian, inode); err != nil {
		return vfs.ErrIOFailed.Wrap(err)
	}
	copy(buf, scratch.Bytes())
	return nil
}

// ModeToOS converts a raw inode mode into the portable os.FileMode form.
func ModeToOS(raw uint16) os.FileMode {
	mode := os.FileMode(raw & 0o777)

	switch raw & vfs.S_IFMT {
	case vfs.S_IFDIR:
		mode |= os.ModeDir
	case vfs.S_IFLNK:
		mode |= os.ModeSymlink
	case vfs.S_IFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case vfs.S_IFBLK:
		mode |= os.ModeDevice
	case vfs.S_IFIFO:
		mode |= os.ModeNamedPipe
	case vfs.S_IFSOCK:
		mode |= os.ModeSocket
	}

	if raw&vfs.S_ISUID != 0 {
		mode |= os.ModeSetuid
	}
	if raw&vfs.S_ISGID != 0 {
		mode |= os.ModeSetgid
	}
	if raw&vfs.S_ISVTX != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// PermBitsFromOS extracts the raw permission bits (including setuid/setgid/
// sticky) from an os.FileMode.
func PermBitsFromOS(mode os.FileMode) uint16 {
	raw := uint16(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		raw |= vfs.S_ISUID
	}
	if mode&os.ModeSetgid != 0 {
		raw |= vfs.S_ISGID
	}
	if mode&os.ModeSticky != 0 {
		raw |= vfs.S_ISVTX
	}
	return raw
}

// SerializeTimestamp packs a host time into the on-disk 32-bit
// seconds-since-epoch form.
func SerializeTimestamp(tstamp time.Time) uint32 {
	return uint32(tstamp.Unix())
}

// DeserializeTimestamp unpacks an on-disk timestamp.
func DeserializeTimestamp(tstamp uint32) time.Time {
	return time.Unix(int64(tstamp), 0)
}
