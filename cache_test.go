package fatfs

import (
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
)

func TestSectorCache_ReadCaching(t *testing.T) {
	device := &countingDevice{inner: NewMemDevice(512, 16)}
	cache := newSectorCache(device, 4)

	if _, err := cache.sector(3); err != nil {
		t.Fatalf("sector() error = %v", err)
	}
	if _, err := cache.sector(3); err != nil {
		t.Fatalf("sector() error = %v", err)
	}
	if device.reads != 1 {
		t.Errorf("device reads = %d, want 1 for a repeated access", device.reads)
	}
}

func TestSectorCache_FlushWithoutDirtyDataIsFree(t *testing.T) {
	device := &countingDevice{inner: NewMemDevice(512, 16)}
	cache := newSectorCache(device, 4)

	if _, err := cache.sector(0); err != nil {
		t.Fatalf("sector() error = %v", err)
	}
	if err := cache.flush(); err != nil {
		t.Fatalf("flush() error = %v", err)
	}
	if device.writes != 0 || device.flushes != 0 {
		t.Errorf("clean flush touched the device: writes = %d, flushes = %d", device.writes, device.flushes)
	}
}

func TestSectorCache_FlushWritesDirtySectorsOnce(t *testing.T) {
	device := &countingDevice{inner: NewMemDevice(512, 16)}
	cache := newSectorCache(device, 4)

	buf, err := cache.sector(5)
	if err != nil {
		t.Fatalf("sector() error = %v", err)
	}
	buf[0] = 0xAB
	cache.markDirty(5)

	if err := cache.flush(); err != nil {
		t.Fatalf("flush() error = %v", err)
	}
	if device.writes != 1 || device.flushes != 1 {
		t.Errorf("flush: writes = %d, flushes = %d, want 1 and 1", device.writes, device.flushes)
	}

	// A second flush has nothing left to do.
	if err := cache.flush(); err != nil {
		t.Fatalf("flush() error = %v", err)
	}
	if device.writes != 1 || device.flushes != 1 {
		t.Errorf("repeated flush touched the device again: writes = %d, flushes = %d", device.writes, device.flushes)
	}

	if got := device.inner.(*MemDevice).Bytes()[5*512]; got != 0xAB {
		t.Errorf("flushed byte = 0x%02X, want 0xAB", got)
	}
}

func TestSectorCache_ZeroedSkipsDeviceRead(t *testing.T) {
	device := &countingDevice{inner: NewMemDevice(512, 16)}
	cache := newSectorCache(device, 4)

	buf, err := cache.zeroed(7)
	if err != nil {
		t.Fatalf("zeroed() error = %v", err)
	}
	if device.reads != 0 {
		t.Errorf("zeroed() read the device %d times", device.reads)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("zeroed() buffer byte %d = 0x%02X", i, b)
		}
	}

	// The zeroed sector counts as dirty and reaches the device on flush.
	if err := cache.flush(); err != nil {
		t.Fatalf("flush() error = %v", err)
	}
	if device.writes != 1 {
		t.Errorf("writes after flush = %d, want 1", device.writes)
	}
}

func TestSectorCache_EvictionWritesBackDirtySlots(t *testing.T) {
	device := &countingDevice{inner: NewMemDevice(512, 16)}
	cache := newSectorCache(device, 2)

	for sector := uint32(0); sector < 4; sector++ {
		buf, err := cache.zeroed(sector)
		if err != nil {
			t.Fatalf("zeroed(%d) error = %v", sector, err)
		}
		buf[0] = byte(sector + 1)
	}
	if err := cache.flush(); err != nil {
		t.Fatalf("flush() error = %v", err)
	}

	data := device.inner.(*MemDevice).Bytes()
	for sector := 0; sector < 4; sector++ {
		if got := data[sector*512]; got != byte(sector+1) {
			t.Errorf("sector %d first byte = 0x%02X, want 0x%02X", sector, got, sector+1)
		}
	}
}

func TestSectorCache_ReadErrorPropagates(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	deviceErr := errors.New("device gone")
	mockDevice := NewMockBlockDevice(mockCtrl)
	mockDevice.EXPECT().SectorSize().Return(512).AnyTimes()
	mockDevice.EXPECT().ReadSector(uint32(9), gomock.Any()).Return(deviceErr)

	cache := newSectorCache(mockDevice, 2)
	if _, err := cache.sector(9); !errors.Is(err, deviceErr) {
		t.Errorf("sector() error = %v, want the device error", err)
	}
}

func TestSectorCache_WriteErrorPropagatesOnFlush(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	deviceErr := errors.New("write failed")
	mockDevice := NewMockBlockDevice(mockCtrl)
	mockDevice.EXPECT().SectorSize().Return(512).AnyTimes()
	mockDevice.EXPECT().WriteSector(uint32(4), gomock.Any()).Return(deviceErr)

	cache := newSectorCache(mockDevice, 2)
	if _, err := cache.zeroed(4); err != nil {
		t.Fatalf("zeroed() error = %v", err)
	}
	if err := cache.flush(); !errors.Is(err, deviceErr) {
		t.Errorf("flush() error = %v, want the device error", err)
	}
}
