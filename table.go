package fatfs

import (
	"fmt"

	"github.com/fatlab/fatfs/checkpoint"
)

// fatTable reads and writes the file allocation table through the sector
// cache. All mirror copies are updated before a write returns, there is no
// lazy propagation between FATs.
type fatTable struct {
	cache *sectorCache
	info  *Info

	// lastAllocated seeds the next allocation scan so sequential writes
	// tend to get sequential clusters.
	lastAllocated uint32
}

func newFatTable(cache *sectorCache, info *Info) *fatTable {
	return &fatTable{
		cache: cache,
		info:  info,
	}
}

// checkCluster guards every table access. Chain pointers come straight
// from disk, so an out-of-range value is corruption, not a bug.
func (t *fatTable) checkCluster(cluster uint32) error {
	if cluster < 2 || cluster > t.info.maxCluster() {
		return checkpoint.Wrap(fmt.Errorf("cluster %d outside of valid range 2..%d", cluster, t.info.maxCluster()), ErrFormat)
	}
	return nil
}

// byteAt reads a single FAT byte, addressed relative to the start of the
// first FAT copy. FAT12 entries can span sectors, byte-wise access keeps
// that case trivial.
func (t *fatTable) byteAt(offset uint32) (byte, error) {
	sector := t.info.FATBase + offset/uint32(t.info.SectorSize)
	buf, err := t.cache.sector(sector)
	if err != nil {
		return 0, err
	}
	return buf[offset%uint32(t.info.SectorSize)], nil
}

// setByteAt writes a single FAT byte into every FAT mirror.
func (t *fatTable) setByteAt(offset uint32, value byte) error {
	for copyIdx := uint32(0); copyIdx < uint32(t.info.NumFATs); copyIdx++ {
		sector := t.info.FATBase + copyIdx*t.info.FATSize + offset/uint32(t.info.SectorSize)
		buf, err := t.cache.sector(sector)
		if err != nil {
			return err
		}
		buf[offset%uint32(t.info.SectorSize)] = value
		t.cache.markDirty(sector)
	}
	return nil
}

// rawEntry reads an entry without the cluster range guard. Needed for the
// reserved entries 0 and 1 which hold the media byte and the dirty flags.
func (t *fatTable) rawEntry(cluster uint32) (fatEntry, error) {
	switch t.info.FSType {
	case FAT12:
		offset := cluster + cluster/2
		b0, err := t.byteAt(offset)
		if err != nil {
			return 0, err
		}
		b1, err := t.byteAt(offset + 1)
		if err != nil {
			return 0, err
		}
		var v uint32
		if cluster%2 == 0 {
			v = uint32(b0) | uint32(b1&0x0F)<<8
		} else {
			v = uint32(b0)>>4 | uint32(b1)<<4
		}
		if v >= 0xFF7 {
			// Widen markers into the normalized FAT32 value space.
			v |= 0x0FFFF000
		}
		return fatEntry(v), nil

	case FAT16:
		offset := cluster * 2
		b0, err := t.byteAt(offset)
		if err != nil {
			return 0, err
		}
		b1, err := t.byteAt(offset + 1)
		if err != nil {
			return 0, err
		}
		v := uint32(b0) | uint32(b1)<<8
		if v >= 0xFFF7 {
			v |= 0x0FFF0000
		}
		return fatEntry(v), nil

	default:
		offset := cluster * 4
		var v uint32
		for i := uint32(0); i < 4; i++ {
			b, err := t.byteAt(offset + i)
			if err != nil {
				return 0, err
			}
			v |= uint32(b) << (8 * i)
		}
		return fatEntry(v), nil
	}
}

// setRawEntry writes an entry without the cluster range guard.
func (t *fatTable) setRawEntry(cluster uint32, value fatEntry) error {
	switch t.info.FSType {
	case FAT12:
		v := uint16(value.Value() & 0xFFF)
		offset := cluster + cluster/2
		b0, err := t.byteAt(offset)
		if err != nil {
			return err
		}
		b1, err := t.byteAt(offset + 1)
		if err != nil {
			return err
		}
		if cluster%2 == 0 {
			b0 = byte(v)
			b1 = b1&0xF0 | byte(v>>8)&0x0F
		} else {
			b0 = b0&0x0F | byte(v&0x0F)<<4
			b1 = byte(v >> 4)
		}
		if err := t.setByteAt(offset, b0); err != nil {
			return err
		}
		return t.setByteAt(offset+1, b1)

	case FAT16:
		v := uint16(value.Value())
		offset := cluster * 2
		if err := t.setByteAt(offset, byte(v)); err != nil {
			return err
		}
		return t.setByteAt(offset+1, byte(v>>8))

	default:
		offset := cluster * 4
		// The top 4 bits of a FAT32 entry are reserved and preserved.
		high, err := t.byteAt(offset + 3)
		if err != nil {
			return err
		}
		v := value.Value() | uint32(high&0xF0)<<24
		for i := uint32(0); i < 4; i++ {
			if err := t.setByteAt(offset+i, byte(v>>(8*i))); err != nil {
				return err
			}
		}
		return nil
	}
}

// entry returns the FAT entry of a data cluster.
func (t *fatTable) entry(cluster uint32) (fatEntry, error) {
	if err := t.checkCluster(cluster); err != nil {
		return 0, err
	}
	return t.rawEntry(cluster)
}

// setEntry updates the FAT entry of a data cluster in all mirrors.
func (t *fatTable) setEntry(cluster uint32, value fatEntry) error {
	if err := t.checkCluster(cluster); err != nil {
		return err
	}
	return t.setRawEntry(cluster, value)
}

// next follows one chain link. It fails with ErrFormat when the entry does
// not continue the chain, so callers check ReadAsEOF first if the end is
// expected.
func (t *fatTable) next(cluster uint32) (uint32, error) {
	entry, err := t.entry(cluster)
	if err != nil {
		return 0, err
	}
	if !entry.ReadAsNextCluster() {
		return 0, checkpoint.Wrap(fmt.Errorf("chain broken at cluster %d (entry 0x%08X)", cluster, entry.Value()), ErrFormat)
	}
	return entry.Value(), nil
}

// walk follows steps chain links from start. A walk that runs past the end
// of the chain or around a cycle fails with ErrFormat.
func (t *fatTable) walk(start uint32, steps uint32) (uint32, error) {
	if steps > t.info.DataClusters {
		return 0, checkpoint.Wrap(fmt.Errorf("walk of %d steps exceeds the volume's %d clusters", steps, t.info.DataClusters), ErrFormat)
	}
	cluster := start
	for ; steps > 0; steps-- {
		var err error
		cluster, err = t.next(cluster)
		if err != nil {
			return 0, err
		}
	}
	return cluster, nil
}

// allocate finds the first free cluster scanning linearly from the hint
// with wraparound, marks it as end of chain and returns it. With hint 0
// the scan continues behind the previously allocated cluster.
func (t *fatTable) allocate(hint uint32) (uint32, error) {
	if hint < 2 {
		hint = t.lastAllocated + 1
		if hint < 2 {
			hint = 2
		}
	}
	max := t.info.maxCluster()
	if hint > max {
		hint = 2
	}

	cluster := hint
	for scanned := uint32(0); scanned <= max-2; scanned++ {
		entry, err := t.entry(cluster)
		if err != nil {
			return 0, err
		}
		if entry.IsFree() {
			if err := t.setEntry(cluster, fatEntryEOC); err != nil {
				return 0, err
			}
			t.lastAllocated = cluster
			return cluster, nil
		}
		cluster++
		if cluster > max {
			cluster = 2
		}
	}
	return 0, checkpoint.Wrap(fmt.Errorf("all %d clusters in use", t.info.DataClusters), ErrNoSpace)
}

// extend allocates a fresh cluster and links it behind last.
func (t *fatTable) extend(last uint32) (uint32, error) {
	cluster, err := t.allocate(last + 1)
	if err != nil {
		return 0, err
	}
	if err := t.setEntry(last, fatEntry(cluster)); err != nil {
		return 0, err
	}
	return cluster, nil
}

// freeChain walks the chain from start and marks every cluster free. The
// walk is bounded by the cluster count of the volume, a longer chain means
// a cycle and fails with ErrFormat.
func (t *fatTable) freeChain(start uint32) error {
	cluster := start
	for visited := uint32(0); ; visited++ {
		if visited > t.info.DataClusters {
			return checkpoint.Wrap(fmt.Errorf("cluster chain from %d does not terminate", start), ErrFormat)
		}
		entry, err := t.entry(cluster)
		if err != nil {
			return err
		}
		if err := t.setEntry(cluster, fatEntryFree); err != nil {
			return err
		}
		if entry.ReadAsEOF() {
			return nil
		}
		if !entry.ReadAsNextCluster() {
			return checkpoint.Wrap(fmt.Errorf("chain broken at cluster %d (entry 0x%08X)", cluster, entry.Value()), ErrFormat)
		}
		cluster = entry.Value()
	}
}

// countFree scans the whole FAT and counts free entries.
func (t *fatTable) countFree() (uint32, error) {
	var free uint32
	for cluster := uint32(2); cluster <= t.info.maxCluster(); cluster++ {
		entry, err := t.entry(cluster)
		if err != nil {
			return 0, err
		}
		if entry.IsFree() {
			free++
		}
	}
	return free, nil
}

// Dirty-state flags live in the reserved FAT entry 1. The bit is set while
// the volume is clean and cleared for the duration of a writable mount.
// FAT12 has no such flag.

func (t *fatTable) cleanShutdownBit() fatEntry {
	if t.info.FSType == FAT16 {
		return 0x8000
	}
	return 0x08000000
}

// cleanShutdown reports whether the volume was cleanly unmounted.
func (t *fatTable) cleanShutdown() (bool, error) {
	if t.info.FSType == FAT12 {
		return true, nil
	}
	entry, err := t.rawEntry(1)
	if err != nil {
		return false, err
	}
	return entry&t.cleanShutdownBit() != 0, nil
}

// setCleanShutdown persists the dirty state of the session.
func (t *fatTable) setCleanShutdown(clean bool) error {
	if t.info.FSType == FAT12 {
		return nil
	}
	entry, err := t.rawEntry(1)
	if err != nil {
		return err
	}
	bit := t.cleanShutdownBit()
	if clean {
		entry |= bit
	} else {
		entry &^= bit
	}
	return t.setRawEntry(1, entry)
}
