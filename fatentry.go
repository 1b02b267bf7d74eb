package fatfs

// fatEntry is a single FAT entry normalized to the FAT32 value space.
// FAT12 and FAT16 entries get widened on read and narrowed on write by the
// table accessor so that all range checks live in one place.
type fatEntry uint32

// Write markers in the normalized value space.
const (
	fatEntryFree fatEntry = 0x00000000
	fatEntryBad  fatEntry = 0x0FFFFFF7
	fatEntryEOC  fatEntry = 0x0FFFFFFF
)

// Value masks the entry down to the 28 bits FAT32 actually uses for
// cluster addressing. The top 4 bits are reserved and must be ignored.
func (e fatEntry) Value() uint32 {
	return uint32(e) & 0x0FFFFFFF
}

// IsFree reports an unallocated cluster.
func (e fatEntry) IsFree() bool {
	return e.Value() == 0
}

// IsReservedTemp reports the reserved value 1 which may occur temporarily
// while an implementation is allocating a chain.
func (e fatEntry) IsReservedTemp() bool {
	return e.Value() == 1
}

// IsNextCluster reports a value that points to the next cluster of a chain.
func (e fatEntry) IsNextCluster() bool {
	v := e.Value()
	return v >= 2 && v <= 0x0FFFFFEF
}

// IsReservedSometimes reports the range 0x0FFFFFF0-0x0FFFFFF5 which is
// reserved in the specification but used as data clusters by some
// implementations.
func (e fatEntry) IsReservedSometimes() bool {
	v := e.Value()
	return v >= 0x0FFFFFF0 && v <= 0x0FFFFFF5
}

// IsReserved reports the single reserved value 0x0FFFFFF6.
func (e fatEntry) IsReserved() bool {
	return e.Value() == 0x0FFFFFF6
}

// IsBad reports a cluster marked unusable.
func (e fatEntry) IsBad() bool {
	return e.Value() == 0x0FFFFFF7
}

// IsEOF reports the end-of-chain marker range.
func (e fatEntry) IsEOF() bool {
	return e.Value() >= 0x0FFFFFF8
}

// ReadAsNextCluster reports whether a chain walk should follow the entry.
// The sometimes-reserved range is followed like a normal cluster pointer
// because volumes written by other implementations use it that way.
func (e fatEntry) ReadAsNextCluster() bool {
	return e.IsNextCluster() || e.IsReservedSometimes()
}

// ReadAsEOF reports whether a chain walk should treat the entry as the end
// of the chain. The reserved value is treated like EOF to terminate walks
// on slightly out-of-spec volumes instead of failing them.
func (e fatEntry) ReadAsEOF() bool {
	return e.IsEOF() || e.IsReserved()
}
