package fatfs

import (
	"fmt"
	"unicode/utf16"

	"github.com/fatlab/fatfs/checkpoint"
)

const (
	// lfnMaxLength is the maximum long name length in UTF-16 units.
	lfnMaxLength = 255
	// lfnCharsPerEntry is the number of UTF-16 units one LFN entry holds.
	lfnCharsPerEntry = 13
	// lfnMaxEntries bounds a run: ceil(255 / 13) = 20.
	lfnMaxEntries = 20
	// lfnLastFlag marks the first on-disk entry of a run, which carries
	// the highest sequence number.
	lfnLastFlag = 0x40
)

// encodeLongEntries splits a name into the LFN run preceding its short
// entry, in on-disk order (highest sequence first). checksum binds the run
// to the short entry it belongs to.
func encodeLongEntries(name string, checksum byte) ([]LongFilenameEntry, error) {
	units := utf16.Encode([]rune(name))
	if len(units) == 0 || len(units) > lfnMaxLength {
		return nil, checkpoint.Wrap(fmt.Errorf("name needs %d UTF-16 units, limit is %d", len(units), lfnMaxLength), ErrInvalidName)
	}

	count := (len(units) + lfnCharsPerEntry - 1) / lfnCharsPerEntry

	// Pad the last entry: one 0x0000 terminator if there is room, then
	// 0xFFFF filler.
	padded := make([]uint16, count*lfnCharsPerEntry)
	copy(padded, units)
	for i := len(units); i < len(padded); i++ {
		if i == len(units) {
			padded[i] = 0x0000
		} else {
			padded[i] = 0xFFFF
		}
	}

	entries := make([]LongFilenameEntry, count)
	for seq := count; seq >= 1; seq-- {
		entry := LongFilenameEntry{
			Sequence:  byte(seq),
			Attribute: AttrLongName,
			Checksum:  checksum,
		}
		if seq == count {
			entry.Sequence |= lfnLastFlag
		}
		slice := padded[(seq-1)*lfnCharsPerEntry:]
		copy(entry.First[:], slice[0:5])
		copy(entry.Second[:], slice[5:11])
		copy(entry.Third[:], slice[11:13])
		entries[count-seq] = entry
	}
	return entries, nil
}

// lfnUnits extracts the 13 UTF-16 units of one LFN entry.
func lfnUnits(entry *LongFilenameEntry) []uint16 {
	units := make([]uint16, 0, lfnCharsPerEntry)
	units = append(units, entry.First[:]...)
	units = append(units, entry.Second[:]...)
	units = append(units, entry.Third[:]...)
	return units
}

// lfnCollector assembles a long name from the LFN entries seen during a
// directory scan. Entries arrive in on-disk order, which is descending
// sequence order. Any inconsistency, a broken sequence or a checksum that
// does not match the trailing short entry, silently discards the run; the
// iteration falls back to the short name and keeps going.
type lfnCollector struct {
	units    [lfnMaxEntries * lfnCharsPerEntry]uint16
	total    int
	expected int
	checksum byte
	valid    bool
}

func (c *lfnCollector) reset() {
	c.valid = false
	c.total = 0
	c.expected = 0
}

// add consumes one LFN entry of the scan.
func (c *lfnCollector) add(entry *LongFilenameEntry) {
	seq := int(entry.Sequence &^ lfnLastFlag)
	last := entry.Sequence&lfnLastFlag != 0

	switch {
	case seq < 1 || seq > lfnMaxEntries:
		c.reset()
		return
	case last:
		// Start of a fresh run.
		c.valid = true
		c.total = seq
		c.expected = seq
		c.checksum = entry.Checksum
	case !c.valid || seq != c.expected || entry.Checksum != c.checksum:
		c.reset()
		return
	}

	copy(c.units[(seq-1)*lfnCharsPerEntry:seq*lfnCharsPerEntry], lfnUnits(entry))
	c.expected = seq - 1
}

// finish validates the collected run against the short entry that follows
// it and returns the long name, or "" when the run has to be discarded.
func (c *lfnCollector) finish(shortName [11]byte) string {
	defer c.reset()

	if !c.valid || c.expected != 0 {
		return ""
	}
	if c.checksum != shortNameChecksum(shortName) {
		return ""
	}

	units := c.units[:c.total*lfnCharsPerEntry]
	end := len(units)
	for i, u := range units {
		if u == 0x0000 {
			end = i
			break
		}
	}
	return string(utf16.Decode(units[:end]))
}
