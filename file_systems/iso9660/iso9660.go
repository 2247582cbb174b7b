// Package iso9660 implements a read-only driver for ISO 9660 volumes: the
// primary volume descriptor at sector 16, variable-length directory records
// with both-endian integer fields, and contiguous file extents.
package iso9660

import (
	"encoding/binary"
	"strings"
	"time"

	vfs "github.com/0xUINTBEEF/uintvfs"
)

// SectorSize is the logical sector size of the format.
const SectorSize = 2048

// StandardIdentifier is the magic found in every volume descriptor.
const StandardIdentifier = "CD001"

// Volume descriptor type codes.
const (
	vdTypePrimary    = 1
	vdTypeTerminator = 255
)

// Directory record file flag bits.
const (
	flagHidden    = 1 << 0
	flagDirectory = 1 << 1
)

// descriptorSector is where the volume descriptor set begins.
const descriptorSector = 16

// DirectoryRecord is the decoded form of one on-disk directory record. The
// format stores each integer in both byte orders; only the little-endian
// half is read.
type DirectoryRecord struct {
	ExtentLBA  uint32
	DataLength uint32
	Recorded   time.Time
	FileFlags  uint8
	Identifier string
}

// IsDir reports whether the record names a directory.
func (rec *DirectoryRecord) IsDir() bool {
	return rec.FileFlags&flagDirectory != 0
}

// Name returns the identifier with the ";1" version suffix stripped.
func (rec *DirectoryRecord) Name() string {
	name := rec.Identifier
	if idx := strings.IndexByte(name, ';'); idx >= 0 {
		name = name[:idx]
	}
	return strings.TrimSuffix(name, ".")
}

// decodeRecordTime unpacks the 7-byte directory record timestamp:
// year-since-1900, month, day, hour, minute, second, GMT offset in
// 15-minute units.
func decodeRecordTime(raw []byte) time.Time {
	if raw[1] == 0 || raw[2] == 0 {
		return time.Time{}
	}
	zone := time.FixedZone("", int(int8(raw[6]))*15*60)
	return time.Date(
		1900+int(raw[0]), time.Month(raw[1]), int(raw[2]),
		int(raw[3]), int(raw[4]), int(raw[5]), 0, zone,
	)
}

// DecodeDirectoryRecord parses one record starting at data[0]. It returns
// the record and its on-disk length; a length of zero means padding up to
// the next sector boundary.
func DecodeDirectoryRecord(data []byte) (DirectoryRecord, int, vfs.DriverError) {
	recLen := int(data[0])
	if recLen == 0 {
		return DirectoryRecord{}, 0, nil
	}
	if recLen < 34 || recLen > len(data) {
		return DirectoryRecord{}, 0, vfs.ErrFileSystemCorrupted.WithMessage(
			"directory record length out of range",
		)
	}

	nameLen := int(data[32])
	if 33+nameLen > recLen {
		return DirectoryRecord{}, 0, vfs.ErrFileSystemCorrupted.WithMessage(
			"directory record identifier overruns the record",
		)
	}

	identifier := string(data[33 : 33+nameLen])
	switch identifier {
	case "\x00":
		identifier = "."
	case "\x01":
		identifier = ".."
	}

	return DirectoryRecord{
		ExtentLBA:  binary.LittleEndian.Uint32(data[2:6]),
		DataLength: binary.LittleEndian.Uint32(data[10:14]),
		Recorded:   decodeRecordTime(data[18:25]),
		FileFlags:  data[25],
		Identifier: identifier,
	}, recLen, nil
}

// PrimaryVolumeDescriptor holds the PVD fields the driver needs.
type PrimaryVolumeDescriptor struct {
	VolumeIdentifier string
	VolumeSpaceSize  uint32
	LogicalBlockSize uint16
	RootDirectory    DirectoryRecord
}

// DecodePrimaryVolumeDescriptor parses a 2048-byte PVD sector.
func DecodePrimaryVolumeDescriptor(data []byte) (PrimaryVolumeDescriptor, vfs.DriverError) {
	if data[0] != vdTypePrimary || string(data[1:6]) != StandardIdentifier {
		return PrimaryVolumeDescriptor{}, vfs.ErrFileSystemCorrupted.WithMessage(
			"not a primary volume descriptor",
		)
	}

	root, _, err := DecodeDirectoryRecord(data[156 : 156+34])
	if err != nil {
		return PrimaryVolumeDescriptor{}, err
	}

	return PrimaryVolumeDescriptor{
		VolumeIdentifier: strings.TrimRight(string(data[40:72]), " "),
		VolumeSpaceSize:  binary.LittleEndian.Uint32(data[80:84]),
		LogicalBlockSize: binary.LittleEndian.Uint16(data[128:130]),
		RootDirectory:    root,
	}, nil
}
