package fatfs

import (
	"fmt"
	"io"

	"github.com/fatlab/fatfs/checkpoint"
	"github.com/spf13/afero"
)

// BlockDevice is the sector-addressed storage the engine runs on.
// Implementations may block on every call; the engine never retries and
// surfaces the first error untouched. Timeouts are the device's business.
//
// Generated mock using mockgen:
//  mockgen -source=device.go -destination=device_mock.go -package fatfs
type BlockDevice interface {
	// ReadSector fills buf with the content of the given sector.
	// buf is always exactly SectorSize bytes long.
	ReadSector(sector uint32, buf []byte) error
	// WriteSector writes buf to the given sector.
	WriteSector(sector uint32, buf []byte) error
	// Flush commits all outstanding writes to stable storage.
	Flush() error
	// SectorCount reports the total number of sectors.
	SectorCount() uint32
	// SectorSize reports the sector size in bytes.
	SectorSize() int
}

// fileDevice adapts a random-access file (afero or os) to a BlockDevice.
type fileDevice struct {
	file       afero.File
	sectorSize int
	sectors    uint32
}

// NewFileDevice wraps an open file as a block device with the given sector
// size. A sectorSize of 0 defaults to 512.
func NewFileDevice(file afero.File, sectorSize int) (BlockDevice, error) {
	if sectorSize == 0 {
		sectorSize = 512
	}
	stat, err := file.Stat()
	if err != nil {
		return nil, checkpoint.From(err)
	}
	return &fileDevice{
		file:       file,
		sectorSize: sectorSize,
		sectors:    uint32(stat.Size() / int64(sectorSize)),
	}, nil
}

func (d *fileDevice) ReadSector(sector uint32, buf []byte) error {
	if sector >= d.sectors {
		return checkpoint.Wrap(fmt.Errorf("read sector %d of %d", sector, d.sectors), ErrDeviceBounds)
	}
	_, err := d.file.ReadAt(buf, int64(sector)*int64(d.sectorSize))
	return checkpoint.From(err)
}

func (d *fileDevice) WriteSector(sector uint32, buf []byte) error {
	if sector >= d.sectors {
		return checkpoint.Wrap(fmt.Errorf("write sector %d of %d", sector, d.sectors), ErrDeviceBounds)
	}
	_, err := d.file.WriteAt(buf, int64(sector)*int64(d.sectorSize))
	return checkpoint.From(err)
}

func (d *fileDevice) Flush() error {
	return checkpoint.From(d.file.Sync())
}

func (d *fileDevice) SectorCount() uint32 { return d.sectors }
func (d *fileDevice) SectorSize() int     { return d.sectorSize }

// readSeekerDevice adapts a read-only stream, for example an image file
// opened without write permission. All writes fail with ErrReadOnly.
type readSeekerDevice struct {
	reader     io.ReadSeeker
	sectorSize int
	sectors    uint32
}

// NewReadSeekerDevice wraps a seekable reader as a read-only block device.
func NewReadSeekerDevice(reader io.ReadSeeker, sectorSize int) (BlockDevice, error) {
	if sectorSize == 0 {
		sectorSize = 512
	}
	size, err := reader.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, checkpoint.From(err)
	}
	return &readSeekerDevice{
		reader:     reader,
		sectorSize: sectorSize,
		sectors:    uint32(size / int64(sectorSize)),
	}, nil
}

func (d *readSeekerDevice) ReadSector(sector uint32, buf []byte) error {
	if sector >= d.sectors {
		return checkpoint.Wrap(fmt.Errorf("read sector %d of %d", sector, d.sectors), ErrDeviceBounds)
	}
	if _, err := d.reader.Seek(int64(sector)*int64(d.sectorSize), io.SeekStart); err != nil {
		return checkpoint.From(err)
	}
	_, err := io.ReadFull(d.reader, buf)
	return checkpoint.From(err)
}

func (d *readSeekerDevice) WriteSector(sector uint32, buf []byte) error {
	return checkpoint.From(ErrReadOnly)
}

func (d *readSeekerDevice) Flush() error      { return nil }
func (d *readSeekerDevice) SectorCount() uint32 { return d.sectors }
func (d *readSeekerDevice) SectorSize() int     { return d.sectorSize }

// MemDevice is a volatile in-memory block device. It is mainly useful for
// tests and for preparing images that get written out as a whole.
type MemDevice struct {
	data       []byte
	sectorSize int
}

// NewMemDevice allocates a zeroed in-memory device.
func NewMemDevice(sectorSize, sectorCount int) *MemDevice {
	if sectorSize == 0 {
		sectorSize = 512
	}
	return &MemDevice{
		data:       make([]byte, sectorSize*sectorCount),
		sectorSize: sectorSize,
	}
}

func (d *MemDevice) ReadSector(sector uint32, buf []byte) error {
	off := int64(sector) * int64(d.sectorSize)
	if off+int64(d.sectorSize) > int64(len(d.data)) {
		return checkpoint.Wrap(fmt.Errorf("read sector %d of %d", sector, d.SectorCount()), ErrDeviceBounds)
	}
	copy(buf, d.data[off:off+int64(d.sectorSize)])
	return nil
}

func (d *MemDevice) WriteSector(sector uint32, buf []byte) error {
	off := int64(sector) * int64(d.sectorSize)
	if off+int64(d.sectorSize) > int64(len(d.data)) {
		return checkpoint.Wrap(fmt.Errorf("write sector %d of %d", sector, d.SectorCount()), ErrDeviceBounds)
	}
	copy(d.data[off:off+int64(d.sectorSize)], buf)
	return nil
}

func (d *MemDevice) Flush() error { return nil }

func (d *MemDevice) SectorCount() uint32 {
	return uint32(len(d.data) / d.sectorSize)
}

func (d *MemDevice) SectorSize() int { return d.sectorSize }

// Bytes exposes the raw image, for example to write it to a file.
func (d *MemDevice) Bytes() []byte { return d.data }
