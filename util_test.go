package fatfs

import (
	"testing"
)

// Device sizes producing one volume of each variant with default geometry.
const (
	testSectorsFAT12 = 2048  // 1 MiB
	testSectorsFAT16 = 32768 // 16 MiB
	testSectorsFAT32 = 81920 // 40 MiB
)

func testDevice(t *testing.T, fsType uint8) *MemDevice {
	t.Helper()
	var device *MemDevice
	opts := FormatOptions{Label: "TESTVOL"}
	switch fsType {
	case FAT12:
		device = NewMemDevice(512, testSectorsFAT12)
	case FAT16:
		device = NewMemDevice(512, testSectorsFAT16)
	default:
		device = NewMemDevice(512, testSectorsFAT32)
		opts.Variant = 32
	}
	if err := Format(device, opts); err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	return device
}

func testVolume(t *testing.T, fsType uint8, opts ...Option) (*Fs, *MemDevice) {
	t.Helper()
	device := testDevice(t, fsType)
	fs, err := New(device, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		if !fs.closed {
			_ = fs.Close()
		}
	})
	return fs, device
}

// countingDevice wraps a device and counts the operations reaching it.
type countingDevice struct {
	inner   BlockDevice
	reads   int
	writes  int
	flushes int
}

func (d *countingDevice) ReadSector(sector uint32, buf []byte) error {
	d.reads++
	return d.inner.ReadSector(sector, buf)
}

func (d *countingDevice) WriteSector(sector uint32, buf []byte) error {
	d.writes++
	return d.inner.WriteSector(sector, buf)
}

func (d *countingDevice) Flush() error {
	d.flushes++
	return d.inner.Flush()
}

func (d *countingDevice) SectorCount() uint32 { return d.inner.SectorCount() }
func (d *countingDevice) SectorSize() int     { return d.inner.SectorSize() }
