// Package blockdev abstracts fixed-size logical block storage. Everything the
// VFS core knows about a disk comes through the [Device] interface; the
// concrete implementations here wrap seekable streams and in-memory images.
package blockdev

import (
	"fmt"
	"io"

	"github.com/xaionaro-go/bytesextra"
)

// Device is a fixed-block-size random-access storage device.
type Device interface {
	// ReadBlocks fills `buf` with the contents of consecutive blocks starting
	// at `lba`. len(buf) must be a nonzero multiple of BlockSize.
	ReadBlocks(lba uint64, buf []byte) error

	// WriteBlocks writes `buf` to consecutive blocks starting at `lba`.
	// len(buf) must be a nonzero multiple of BlockSize.
	WriteBlocks(lba uint64, buf []byte) error

	// Sync forces all completed writes down to the underlying medium.
	Sync() error

	// BlockSize returns the size of one logical block, in bytes.
	BlockSize() uint

	// CapacityBlocks returns the total number of addressable blocks.
	CapacityBlocks() uint64

	// ID uniquely identifies the device for cache keying and mount records.
	ID() string
}

// Syncer is implemented by streams that can force buffered data to stable
// storage, e.g. [os.File].
type Syncer interface {
	Sync() error
}

// StreamDevice adapts an [io.ReadWriteSeeker] into a block device. If the
// stream also implements [Syncer], Sync is forwarded; otherwise it's a no-op.
type StreamDevice struct {
	stream      io.ReadWriteSeeker
	id          string
	blockSize   uint
	totalBlocks uint64
}

// NewStreamDevice wraps a stream as a block device with the given geometry.
func NewStreamDevice(
	stream io.ReadWriteSeeker,
	id string,
	blockSize uint,
	totalBlocks uint64,
) *StreamDevice {
	return &StreamDevice{
		stream:      stream,
		id:          id,
		blockSize:   blockSize,
		totalBlocks: totalBlocks,
	}
}

// NewStreamDeviceWithInferredSize wraps a stream, deriving the block count
// from the stream's current length.
func NewStreamDeviceWithInferredSize(
	stream io.ReadWriteSeeker,
	id string,
	blockSize uint,
) (*StreamDevice, error) {
	end, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if _, err = stream.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return NewStreamDevice(stream, id, blockSize, uint64(end)/uint64(blockSize)), nil
}

// NewMemDevice creates a device backed entirely by `storage`. The slice is
// shared, not copied, so callers can inspect the raw image afterwards.
func NewMemDevice(storage []byte, id string, blockSize uint) *StreamDevice {
	stream := bytesextra.NewReadWriteSeeker(storage)
	return NewStreamDevice(stream, id, blockSize, uint64(len(storage))/uint64(blockSize))
}

func (dev *StreamDevice) checkBounds(lba uint64, bufLen int) error {
	if bufLen == 0 || bufLen%int(dev.blockSize) != 0 {
		return fmt.Errorf(
			"buffer must be a nonzero multiple of the block size (%d B), got %d",
			dev.blockSize,
			bufLen,
		)
	}

	count := uint64(bufLen) / uint64(dev.blockSize)
	if lba+count > dev.totalBlocks {
		return fmt.Errorf(
			"block range [%d, %d) not in [0, %d)",
			lba,
			lba+count,
			dev.totalBlocks,
		)
	}
	return nil
}

func (dev *StreamDevice) ReadBlocks(lba uint64, buf []byte) error {
	if err := dev.checkBounds(lba, len(buf)); err != nil {
		return err
	}

	offset := int64(lba) * int64(dev.blockSize)
	if _, err := dev.stream.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(dev.stream, buf)
	return err
}

func (dev *StreamDevice) WriteBlocks(lba uint64, buf []byte) error {
	if err := dev.checkBounds(lba, len(buf)); err != nil {
		return err
	}

	offset := int64(lba) * int64(dev.blockSize)
	if _, err := dev.stream.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err := dev.stream.Write(buf)
	return err
}

func (dev *StreamDevice) Sync() error {
	if syncer, ok := dev.stream.(Syncer); ok {
		return syncer.Sync()
	}
	return nil
}

func (dev *StreamDevice) BlockSize() uint {
	return dev.blockSize
}

func (dev *StreamDevice) CapacityBlocks() uint64 {
	return dev.totalBlocks
}

func (dev *StreamDevice) ID() string {
	return dev.id
}
