package fatfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/fatlab/fatfs/checkpoint"
)

// ErrDirEnd terminates raw directory iteration internally. It never
// escapes to callers.
var errDirEnd = fmt.Errorf("end of directory")

// dirSlot locates a directory entry on disk: the containing directory, the
// index of the short entry and the number of 32-byte slots the entry
// occupies including its LFN run. The LFN slots immediately precede the
// short entry.
type dirSlot struct {
	dirStart uint32
	index    uint32
	count    uint32
}

// hasLocation reports whether the slot points at a real on-disk entry.
// The root directory has no entry of its own.
func (s dirSlot) hasLocation() bool {
	return s.count > 0
}

func decodeEntryHeader(raw []byte) EntryHeader {
	var h EntryHeader
	// The raw slice always holds a full slot, Read cannot fail.
	_ = binary.Read(bytes.NewReader(raw), binary.LittleEndian, &h)
	return h
}

func encodeEntryHeader(h *EntryHeader, raw []byte) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, h)
	copy(raw, buf.Bytes())
}

func decodeLongEntry(raw []byte) LongFilenameEntry {
	var e LongFilenameEntry
	_ = binary.Read(bytes.NewReader(raw), binary.LittleEndian, &e)
	return e
}

func encodeLongEntry(e *LongFilenameEntry, raw []byte) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, e)
	copy(raw, buf.Bytes())
}

// dirIter walks the raw 32-byte slots of a directory: the fixed root
// region on FAT12/16 (start == 0) or a cluster chain. It does not
// interpret the slots, terminal-entry handling is up to the caller.
type dirIter struct {
	fs    *Fs
	start uint32

	index        uint32
	cluster      uint32
	clusterBase  uint32 // entry index of the first slot in cluster
	chainStarted bool
}

func (fs *Fs) newDirIter(start uint32) *dirIter {
	return &dirIter{fs: fs, start: start}
}

// next returns the raw slot content and its index, or errDirEnd past the
// last slot. The returned slice aliases the sector cache and is only valid
// until the next cache access.
func (it *dirIter) next() ([]byte, uint32, error) {
	fs := it.fs
	entrySize := uint32(sizeDirEntry)

	if it.start == 0 {
		// Fixed root region.
		if it.index >= uint32(fs.info.RootEntryCount) {
			return nil, 0, errDirEnd
		}
		byteOff := it.index * entrySize
		sector := fs.info.RootBase + byteOff/uint32(fs.info.SectorSize)
		buf, err := fs.cache.sector(sector)
		if err != nil {
			return nil, 0, err
		}
		off := byteOff % uint32(fs.info.SectorSize)
		idx := it.index
		it.index++
		return buf[off : off+entrySize], idx, nil
	}

	// Cluster chain.
	perCluster := uint32(fs.info.clusterBytes()) / entrySize
	if !it.chainStarted {
		it.cluster = it.start
		it.clusterBase = 0
		it.chainStarted = true
	}
	for it.index >= it.clusterBase+perCluster {
		entry, err := fs.table.entry(it.cluster)
		if err != nil {
			return nil, 0, err
		}
		if entry.ReadAsEOF() {
			return nil, 0, errDirEnd
		}
		if !entry.ReadAsNextCluster() {
			return nil, 0, checkpoint.Wrap(fmt.Errorf("directory chain broken at cluster %d", it.cluster), ErrFormat)
		}
		it.cluster = entry.Value()
		it.clusterBase += perCluster
	}

	byteOff := (it.index - it.clusterBase) * entrySize
	sector := fs.info.firstSectorOfCluster(it.cluster) + byteOff/uint32(fs.info.SectorSize)
	buf, err := fs.cache.sector(sector)
	if err != nil {
		return nil, 0, err
	}
	off := byteOff % uint32(fs.info.SectorSize)
	idx := it.index
	it.index++
	return buf[off : off+entrySize], idx, nil
}

// slotLocation maps an entry index of a directory to its absolute sector
// and the byte offset within that sector.
func (fs *Fs) slotLocation(dirStart, index uint32) (uint32, uint32, error) {
	byteOff := index * sizeDirEntry
	if dirStart == 0 {
		if index >= uint32(fs.info.RootEntryCount) {
			return 0, 0, checkpoint.Wrap(fmt.Errorf("entry %d outside of root region", index), ErrFormat)
		}
		sector := fs.info.RootBase + byteOff/uint32(fs.info.SectorSize)
		return sector, byteOff % uint32(fs.info.SectorSize), nil
	}

	clusterBytes := uint32(fs.info.clusterBytes())
	cluster, err := fs.table.walk(dirStart, byteOff/clusterBytes)
	if err != nil {
		return 0, 0, err
	}
	byteOff %= clusterBytes
	sector := fs.info.firstSectorOfCluster(cluster) + byteOff/uint32(fs.info.SectorSize)
	return sector, byteOff % uint32(fs.info.SectorSize), nil
}

// writeSlot replaces one raw directory slot.
func (fs *Fs) writeSlot(dirStart, index uint32, raw []byte) error {
	sector, off, err := fs.slotLocation(dirStart, index)
	if err != nil {
		return err
	}
	buf, err := fs.cache.sector(sector)
	if err != nil {
		return err
	}
	copy(buf[off:off+sizeDirEntry], raw)
	fs.cache.markDirty(sector)
	return nil
}

// namesEqual applies the configured case policy.
func (fs *Fs) namesEqual(a, b string) bool {
	switch {
	case fs.opts.CaseSensitive:
		return a == b
	case fs.opts.ASCIIFold:
		if len(a) != len(b) {
			return false
		}
		for i := 0; i < len(a); i++ {
			ca, cb := a[i], b[i]
			if ca >= 'A' && ca <= 'Z' {
				ca += 'a' - 'A'
			}
			if cb >= 'A' && cb <= 'Z' {
				cb += 'a' - 'A'
			}
			if ca != cb {
				return false
			}
		}
		return true
	default:
		return strings.EqualFold(a, b)
	}
}

// scanDir iterates the decoded entries of a directory. The callback
// receives each live entry with its assembled long name and slot; a
// non-nil error or errDirEnd from the callback stops the scan.
//
// Corrupted LFN runs degrade to the short name without failing the scan.
func (fs *Fs) scanDir(dirStart uint32, fn func(entry *ExtendedEntryHeader, slot dirSlot) error) error {
	it := fs.newDirIter(dirStart)
	var lfn lfnCollector
	runLength := uint32(0)

	for {
		raw, index, err := it.next()
		if err == errDirEnd {
			return nil
		}
		if err != nil {
			return err
		}

		switch {
		case raw[0] == entryTerminal:
			return nil
		case raw[0] == entryDeleted:
			lfn.reset()
			runLength = 0
			continue
		case raw[11]&attrLongNameMask == AttrLongName:
			long := decodeLongEntry(raw)
			lfn.add(&long)
			runLength++
			continue
		case raw[11]&AttrVolumeId != 0:
			// Volume label entry, not a file.
			lfn.reset()
			runLength = 0
			continue
		}

		header := decodeEntryHeader(raw)
		extended := ExtendedEntryHeader{EntryHeader: header}
		count := uint32(1)
		if fs.opts.LongNames {
			if name := lfn.finish(header.Name); name != "" {
				extended.ExtendedName = name
				count += runLength
			}
		} else {
			lfn.reset()
		}
		runLength = 0

		err = fn(&extended, dirSlot{dirStart: dirStart, index: index, count: count})
		if err == errDirEnd {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// readDir returns all entries of the directory starting at the given
// cluster, root included when start is the root location.
func (fs *Fs) readDir(dirStart uint32) ([]ExtendedEntryHeader, error) {
	var content []ExtendedEntryHeader
	err := fs.scanDir(dirStart, func(entry *ExtendedEntryHeader, _ dirSlot) error {
		name := entryHeaderFileInfo{*entry}.Name()
		if name == "." || name == ".." {
			return nil
		}
		content = append(content, *entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

// findInDir looks a name up with the configured case policy.
func (fs *Fs) findInDir(dirStart uint32, name string) (*ExtendedEntryHeader, dirSlot, error) {
	var found *ExtendedEntryHeader
	var foundSlot dirSlot
	err := fs.scanDir(dirStart, func(entry *ExtendedEntryHeader, slot dirSlot) error {
		if fs.namesEqual(entryHeaderFileInfo{*entry}.Name(), name) {
			found = entry
			foundSlot = slot
			return errDirEnd
		}
		return nil
	})
	if err != nil {
		return nil, dirSlot{}, err
	}
	if found == nil {
		return nil, dirSlot{}, checkpoint.Wrap(fmt.Errorf("no entry %q", name), ErrNotFound)
	}
	return found, foundSlot, nil
}

// shortNameExists checks the raw 11-byte short names of a directory.
func (fs *Fs) shortNameExists(dirStart uint32, sfn [11]byte) (bool, error) {
	exists := false
	err := fs.scanDir(dirStart, func(entry *ExtendedEntryHeader, _ dirSlot) error {
		if entry.EntryHeader.Name == sfn {
			exists = true
			return errDirEnd
		}
		return nil
	})
	return exists, err
}

// generateShortName produces a unique 8.3 name for a new entry, attaching
// a numeric tail when the name does not fit the short form exactly.
// needsLFN reports that the original name is only represented by an LFN
// run.
func (fs *Fs) generateShortName(dirStart uint32, name string) (sfn [11]byte, ntFlags byte, needsLFN bool, err error) {
	sfn, ntFlags, lossy, err := makeShortName(name)
	if err != nil {
		return sfn, 0, false, err
	}

	if !lossy {
		exists, err := fs.shortNameExists(dirStart, sfn)
		if err != nil {
			return sfn, 0, false, err
		}
		if !exists {
			return sfn, ntFlags, false, nil
		}
	}

	for n := 1; n <= 999999; n++ {
		candidate := shortNameWithTail(sfn, n)
		exists, err := fs.shortNameExists(dirStart, candidate)
		if err != nil {
			return sfn, 0, false, err
		}
		if !exists {
			return candidate, 0, true, nil
		}
	}
	return sfn, 0, false, checkpoint.Wrap(fmt.Errorf("no free numeric tail for %q", name), ErrAlreadyExists)
}

// extendDir appends one zeroed cluster to a chain directory. Directories
// only ever grow; deleted slots get reused but never compacted.
func (fs *Fs) extendDir(dirStart uint32) error {
	if dirStart == 0 {
		return checkpoint.Wrap(fmt.Errorf("fixed root directory is full"), ErrNoSpace)
	}
	last := dirStart
	for {
		entry, err := fs.table.entry(last)
		if err != nil {
			return err
		}
		if entry.ReadAsEOF() {
			break
		}
		if !entry.ReadAsNextCluster() {
			return checkpoint.Wrap(fmt.Errorf("directory chain broken at cluster %d", last), ErrFormat)
		}
		last = entry.Value()
	}
	fresh, err := fs.table.extend(last)
	if err != nil {
		return err
	}
	return fs.zeroCluster(fresh)
}

// zeroCluster clears a whole cluster through the cache.
func (fs *Fs) zeroCluster(cluster uint32) error {
	first := fs.info.firstSectorOfCluster(cluster)
	for s := uint32(0); s < uint32(fs.info.SectorsPerCluster); s++ {
		if _, err := fs.cache.zeroed(first + s); err != nil {
			return err
		}
	}
	return nil
}

// findFreeRun searches for count contiguous reusable slots. A run may
// consist of deleted slots, the terminal slot and the untouched space
// behind it. Chain directories grow by one cluster when nothing fits.
func (fs *Fs) findFreeRun(dirStart uint32, count uint32) (uint32, error) {
	for attempt := 0; ; attempt++ {
		it := fs.newDirIter(dirStart)
		runStart := uint32(0)
		runLength := uint32(0)
		sawEnd := false

		for runLength < count {
			raw, index, err := it.next()
			if err == errDirEnd {
				sawEnd = true
				break
			}
			if err != nil {
				return 0, err
			}
			if raw[0] == entryDeleted || raw[0] == entryTerminal {
				if runLength == 0 {
					runStart = index
				}
				runLength++
			} else {
				runLength = 0
			}
		}

		if runLength >= count {
			return runStart, nil
		}
		if !sawEnd || attempt > 0 {
			return 0, checkpoint.Wrap(fmt.Errorf("no room for %d directory slots", count), ErrNoSpace)
		}
		// One growth attempt; a second failure means the allocation
		// itself failed.
		if err := fs.extendDir(dirStart); err != nil {
			return 0, err
		}
	}
}

// createInDir writes a new entry (plus its LFN run when needed) into the
// directory and returns the slot of the short entry.
func (fs *Fs) createInDir(dirStart uint32, name string, header *EntryHeader) (dirSlot, error) {
	sfn, ntFlags, needsLFN, err := fs.generateShortName(dirStart, name)
	if err != nil {
		return dirSlot{}, err
	}
	if needsLFN && !fs.opts.LongNames {
		return dirSlot{}, checkpoint.Wrap(fmt.Errorf("name %q needs long filename support", name), ErrUnsupported)
	}

	header.Name = sfn
	header.NTReserved = ntFlags

	var longEntries []LongFilenameEntry
	if needsLFN {
		longEntries, err = encodeLongEntries(name, shortNameChecksum(sfn))
		if err != nil {
			return dirSlot{}, err
		}
	}

	count := uint32(len(longEntries)) + 1
	start, err := fs.findFreeRun(dirStart, count)
	if err != nil {
		return dirSlot{}, err
	}

	raw := make([]byte, sizeDirEntry)
	for i := range longEntries {
		encodeLongEntry(&longEntries[i], raw)
		if err := fs.writeSlot(dirStart, start+uint32(i), raw); err != nil {
			return dirSlot{}, err
		}
	}
	encodeEntryHeader(header, raw)
	slot := dirSlot{dirStart: dirStart, index: start + count - 1, count: count}
	if err := fs.writeSlot(dirStart, slot.index, raw); err != nil {
		return dirSlot{}, err
	}
	return slot, nil
}

// deleteSlots marks an entry and its LFN run as deleted. The slots stay in
// place for reuse, directories are never compacted.
func (fs *Fs) deleteSlots(slot dirSlot) error {
	for i := uint32(0); i < slot.count; i++ {
		index := slot.index - slot.count + 1 + i
		sector, off, err := fs.slotLocation(slot.dirStart, index)
		if err != nil {
			return err
		}
		buf, err := fs.cache.sector(sector)
		if err != nil {
			return err
		}
		buf[off] = entryDeleted
		fs.cache.markDirty(sector)
	}
	return nil
}

// updateEntryHeader rewrites the short entry of an existing slot, used to
// commit size and timestamps on file sync.
func (fs *Fs) updateEntryHeader(slot dirSlot, header *EntryHeader) error {
	raw := make([]byte, sizeDirEntry)
	encodeEntryHeader(header, raw)
	return fs.writeSlot(slot.dirStart, slot.index, raw)
}

// isDirEmpty reports whether a directory contains anything besides the
// dot entries.
func (fs *Fs) isDirEmpty(dirStart uint32) (bool, error) {
	empty := true
	err := fs.scanDir(dirStart, func(entry *ExtendedEntryHeader, _ dirSlot) error {
		name := entryHeaderFileInfo{*entry}.Name()
		if name == "." || name == ".." {
			return nil
		}
		empty = false
		return errDirEnd
	})
	return empty, err
}

// rootDirStart returns the directory location of the root: its start
// cluster on FAT32 and the fixed-region marker 0 otherwise.
func (fs *Fs) rootDirStart() uint32 {
	if fs.info.FSType == FAT32 {
		return fs.info.RootCluster
	}
	return 0
}

// splitPath normalizes an afero path into its segments.
func splitPath(path string) []string {
	path = strings.ReplaceAll(path, "\\", "/")
	var segments []string
	for _, segment := range strings.Split(path, "/") {
		if segment == "" || segment == "." {
			continue
		}
		segments = append(segments, segment)
	}
	return segments
}

// resolveDir descends to the directory containing the last path segment.
// The descent is a plain loop over the segments, directories never nest on
// the call stack. It returns the directory location and the leaf name; an
// empty leaf means the path is the root itself.
func (fs *Fs) resolveDir(path string) (uint32, string, error) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return fs.rootDirStart(), "", nil
	}

	current := fs.rootDirStart()
	for _, segment := range segments[:len(segments)-1] {
		entry, _, err := fs.findInDir(current, segment)
		if err != nil {
			return 0, "", err
		}
		if !entry.IsDirectory() {
			return 0, "", checkpoint.Wrap(fmt.Errorf("%q is not a directory", segment), ErrNotFound)
		}
		current = fs.dirLocationOf(&entry.EntryHeader)
	}
	return current, segments[len(segments)-1], nil
}

// dirLocationOf maps a directory entry to the location used to iterate it.
// A zero first cluster in a dot entry means the root directory.
func (fs *Fs) dirLocationOf(header *EntryHeader) uint32 {
	cluster := header.FirstCluster().Value()
	if cluster == 0 {
		return fs.rootDirStart()
	}
	return cluster
}

// resolveEntry resolves a full path to its entry. The root resolves to a
// synthetic directory entry without an on-disk slot.
func (fs *Fs) resolveEntry(path string) (*ExtendedEntryHeader, dirSlot, error) {
	dirStart, leaf, err := fs.resolveDir(path)
	if err != nil {
		return nil, dirSlot{}, err
	}
	if leaf == "" {
		root := &ExtendedEntryHeader{}
		root.Attribute = AttrDirectory
		root.SetFirstCluster(fs.rootDirStart())
		return root, dirSlot{}, nil
	}
	return fs.findInDir(dirStart, leaf)
}
