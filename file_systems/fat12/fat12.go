// Package fat12 implements a read-only driver for FAT12 volumes: BPB
// parsing, the 12-bit FAT chain walker, the fixed root directory region and
// 8.3 names. The format predates most of the richer VFS surface, so only
// the mandatory read capabilities are provided.
package fat12

import (
	"bytes"
	"encoding/binary"
	"strings"
	"time"

	vfs "github.com/0xUINTBEEF/uintvfs"
)

// SectorSize is the only sector size FAT12 media of this era use.
const SectorSize = 512

// Directory entry attribute flags.
const (
	AttrReadOnly    = 0x01
	AttrHidden      = 0x02
	AttrSystem      = 0x04
	AttrVolumeLabel = 0x08
	AttrDirectory   = 0x10
	AttrArchive     = 0x20
	AttrLongName    = 0x0F
)

// Cluster chain markers. Values at or above EndOfChain terminate a chain.
const (
	FreeCluster  = 0x000
	BadCluster   = 0xFF7
	EndOfChain   = 0xFF8
	MinDataClust = 2
)

// fatEpoch is 1980-01-01 00:00:00 local time, the zero of all FAT
// timestamps.
var fatEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.Local)

// RawBootSector is the BPB plus the FAT12/16 extended fields.
type RawBootSector struct {
	JumpBoot          [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	FATSize16         uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
	DriveNumber       uint8
	NTReserved        uint8
	ExBootSignature   uint8
	VolumeID          uint32
	VolumeLabel       [11]byte
	FileSystemType    [8]byte
}

// TotalSectors reconciles the two sector count fields.
func (bs *RawBootSector) TotalSectors() uint32 {
	if bs.TotalSectors16 != 0 {
		return uint32(bs.TotalSectors16)
	}
	return bs.TotalSectors32
}

// RawDirent is the 32-byte on-disk directory entry.
type RawDirent struct {
	Name              [8]byte
	Extension         [3]byte
	AttributeFlags    uint8
	NTReserved        uint8
	CreatedTimeMillis uint8
	CreatedTime       uint16
	CreatedDate       uint16
	LastAccessedDate  uint16
	FirstClusterHigh  uint16
	LastModifiedTime  uint16
	LastModifiedDate  uint16
	FirstClusterLow   uint16
	FileSize          uint32
}

// IsDir reports whether the entry names a subdirectory.
func (d *RawDirent) IsDir() bool {
	return d.AttributeFlags&AttrDirectory != 0
}

// DisplayName joins the space-padded 8.3 fields into the conventional
// dotted form.
func (d *RawDirent) DisplayName() string {
	base := strings.TrimRight(string(d.Name[:]), " ")
	ext := strings.TrimRight(string(d.Extension[:]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// Attributes converts the DOS attribute byte into the portable set.
func (d *RawDirent) Attributes() vfs.Attributes {
	attr := vfs.AttrRead
	if d.AttributeFlags&AttrReadOnly == 0 {
		attr |= vfs.AttrWrite
	}
	if d.AttributeFlags&AttrHidden != 0 {
		attr |= vfs.AttrHidden
	}
	if d.AttributeFlags&AttrSystem != 0 {
		attr |= vfs.AttrSystem
	}
	if d.AttributeFlags&AttrArchive != 0 {
		attr |= vfs.AttrArchive
	}
	return attr
}

// decodeTimestamp unpacks a FAT date/time field pair.
func decodeTimestamp(date, tod uint16) time.Time {
	if date == 0 {
		return fatEpoch
	}
	year := int(date>>9) + 1980
	month := time.Month((date >> 5) & 0xF)
	day := int(date & 0x1F)
	hour := int(tod >> 11)
	minute := int((tod >> 5) & 0x3F)
	second := int(tod&0x1F) * 2
	return time.Date(year, month, day, hour, minute, second, 0, time.Local)
}

// DecodeBootSector parses the boot sector out of a 512-byte buffer.
func DecodeBootSector(data []byte) (RawBootSector, vfs.DriverError) {
	var bs RawBootSector
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &bs); err != nil {
		return bs, vfs.ErrIOFailed.Wrap(err)
	}
	return bs, nil
}

// DecodeDirent parses one 32-byte directory record.
func DecodeDirent(data []byte) (RawDirent, vfs.DriverError) {
	var dirent RawDirent
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &dirent); err != nil {
		return dirent, vfs.ErrIOFailed.Wrap(err)
	}
	return dirent, nil
}
