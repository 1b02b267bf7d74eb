package fatfs

import (
	"sort"

	"github.com/fatlab/fatfs/checkpoint"
)

// defaultCacheSectors is small on purpose. Directory scans and FAT lookups
// are largely sequential, so a handful of sectors already removes almost
// all repeated device reads.
const defaultCacheSectors = 8

type cacheSlot struct {
	sector     uint32
	buf        []byte
	valid      bool
	dirty      bool
	referenced bool
}

// sectorCache keeps recently touched sectors in memory. Writes only mark a
// slot dirty; nothing reaches the device before Flush is called, so callers
// can batch updates. Eviction is a clock sweep, not strict LRU.
//
// A buffer returned by sector stays valid until the next cache call.
type sectorCache struct {
	device BlockDevice
	slots  []cacheSlot
	hand   int
}

func newSectorCache(device BlockDevice, capacity int) *sectorCache {
	if capacity <= 0 {
		capacity = defaultCacheSectors
	}
	slots := make([]cacheSlot, capacity)
	for i := range slots {
		slots[i].buf = make([]byte, device.SectorSize())
	}
	return &sectorCache{
		device: device,
		slots:  slots,
	}
}

// sector returns the cached content of the given sector, loading it from
// the device on a miss.
func (c *sectorCache) sector(sector uint32) ([]byte, error) {
	if slot := c.lookup(sector); slot != nil {
		return slot.buf, nil
	}

	slot, err := c.evict()
	if err != nil {
		return nil, err
	}
	if err := c.device.ReadSector(sector, slot.buf); err != nil {
		slot.valid = false
		return nil, checkpoint.From(err)
	}
	slot.sector = sector
	slot.valid = true
	slot.dirty = false
	slot.referenced = true
	return slot.buf, nil
}

// zeroed returns a cache slot for the given sector filled with zeros
// without reading the device first. Used when the whole sector is about to
// be overwritten anyway, for example while zero filling new clusters.
func (c *sectorCache) zeroed(sector uint32) ([]byte, error) {
	slot := c.lookup(sector)
	if slot == nil {
		var err error
		slot, err = c.evict()
		if err != nil {
			return nil, err
		}
		slot.sector = sector
		slot.valid = true
	}
	for i := range slot.buf {
		slot.buf[i] = 0
	}
	slot.dirty = true
	slot.referenced = true
	return slot.buf, nil
}

// markDirty flags a currently cached sector as modified. The sector must
// have been obtained through sector or zeroed before.
func (c *sectorCache) markDirty(sector uint32) {
	if slot := c.lookup(sector); slot != nil {
		slot.dirty = true
	}
}

// flush writes all dirty sectors in ascending order and then flushes the
// device. With no dirty sectors it performs zero device operations.
func (c *sectorCache) flush() error {
	var pending []*cacheSlot
	for i := range c.slots {
		if c.slots[i].valid && c.slots[i].dirty {
			pending = append(pending, &c.slots[i])
		}
	}
	if len(pending) == 0 {
		return nil
	}
	// Ascending sector order keeps the write pattern friendly for devices
	// that prefer sequential access.
	sort.Slice(pending, func(a, b int) bool { return pending[a].sector < pending[b].sector })
	for _, slot := range pending {
		if err := c.device.WriteSector(slot.sector, slot.buf); err != nil {
			return checkpoint.From(err)
		}
		slot.dirty = false
	}
	return checkpoint.From(c.device.Flush())
}

// invalidate drops a sector from the cache without writing it back.
func (c *sectorCache) invalidate(sector uint32) {
	if slot := c.lookup(sector); slot != nil {
		slot.valid = false
		slot.dirty = false
	}
}

func (c *sectorCache) lookup(sector uint32) *cacheSlot {
	for i := range c.slots {
		if c.slots[i].valid && c.slots[i].sector == sector {
			c.slots[i].referenced = true
			return &c.slots[i]
		}
	}
	return nil
}

// evict finds a reusable slot with a clock sweep, writing it back first if
// it is dirty.
func (c *sectorCache) evict() (*cacheSlot, error) {
	for i := range c.slots {
		if !c.slots[i].valid {
			return &c.slots[i], nil
		}
	}
	for {
		slot := &c.slots[c.hand]
		c.hand = (c.hand + 1) % len(c.slots)
		if slot.referenced {
			slot.referenced = false
			continue
		}
		if slot.dirty {
			if err := c.device.WriteSector(slot.sector, slot.buf); err != nil {
				return nil, checkpoint.From(err)
			}
			slot.dirty = false
		}
		slot.valid = false
		return slot, nil
	}
}
