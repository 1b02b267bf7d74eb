package fatfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/fatlab/fatfs/checkpoint"
	"github.com/spf13/afero"
)

// Fs is a mounted FAT12/16/32 volume implementing afero.Fs.
//
// One Fs instance exclusively owns its device, FAT accessor and sector
// cache. It is not safe for concurrent use: allocation, freeing and cache
// writes span multiple non-atomic steps. Callers running mutating
// operations from more than one goroutine have to serialize them with a
// single lock around the whole Fs.
//
// Nothing is flushed in the background. File data and metadata persist on
// File.Sync, directory mutations persist when the operation returns, and
// Close finishes the session by clearing the dirty bit.
type Fs struct {
	device BlockDevice
	info   Info
	cache  *sectorCache
	table  *fatTable
	opts   Options
	label  string

	// FAT32 FSInfo hints, fsInfoUnknown when absent or distrusted.
	freeHint uint32
	closed   bool
}

// New mounts the volume on the given device.
//
// A set dirty bit from a previous session is only a warning: FAT has no
// journal to repair from, the volume is used as-is. The mount itself marks
// the volume dirty again until Close.
func New(device BlockDevice, opts ...Option) (*Fs, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if device.SectorSize() < minSectorSize {
		return nil, checkpoint.Wrap(fmt.Errorf("device sector size %d below %d", device.SectorSize(), minSectorSize), ErrFormat)
	}

	fs := &Fs{
		device:   device,
		cache:    newSectorCache(device, options.CacheSectors),
		opts:     options,
		freeHint: fsInfoUnknown,
	}

	sector0, err := fs.cache.sector(0)
	if err != nil {
		return nil, err
	}
	fs.info, err = parseBootSector(sector0)
	if err != nil {
		return nil, err
	}
	if int(fs.info.SectorSize) != device.SectorSize() {
		return nil, checkpoint.Wrap(fmt.Errorf("volume sector size %d does not match device sector size %d",
			fs.info.SectorSize, device.SectorSize()), ErrFormat)
	}
	if fs.info.TotalSectors > device.SectorCount() {
		return nil, checkpoint.Wrap(fmt.Errorf("volume claims %d sectors, device has %d",
			fs.info.TotalSectors, device.SectorCount()), ErrFormat)
	}

	fs.table = newFatTable(fs.cache, &fs.info)
	fs.label = strings.TrimRight(string(fs.info.VolumeLabel[:]), " \x00")

	clean, err := fs.table.cleanShutdown()
	if err != nil {
		return nil, err
	}
	if !clean {
		fs.opts.Logger.Warn("volume was not cleanly unmounted",
			"label", fs.label,
			"type", fsTypeName(fs.info.FSType),
		)
	}

	if fs.info.FSType == FAT32 && clean {
		fs.readFSInfo()
	}

	if !fs.opts.ReadOnly {
		if err := fs.table.setCleanShutdown(false); err != nil {
			return nil, err
		}
		// Persist the dirty mark right away, that is its whole point.
		if err := fs.cache.flush(); err != nil {
			return nil, err
		}
	}

	fs.opts.Logger.Debug("mounted volume",
		"type", fsTypeName(fs.info.FSType),
		"clusters", fs.info.DataClusters,
		"clusterBytes", fs.info.clusterBytes(),
	)
	return fs, nil
}

func fsTypeName(fsType uint8) string {
	switch fsType {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	default:
		return "FAT32"
	}
}

// readFSInfo loads the FAT32 free-cluster hints. Bad signatures just leave
// the hints unknown.
func (fs *Fs) readFSInfo() {
	if fs.info.FSInfoSector == 0 || uint32(fs.info.FSInfoSector) >= uint32(fs.info.ReservedSectors) {
		return
	}
	buf, err := fs.cache.sector(uint32(fs.info.FSInfoSector))
	if err != nil {
		return
	}
	var fsinfo FSInfoSector
	if binary.Read(bytes.NewReader(buf), binary.LittleEndian, &fsinfo) != nil {
		return
	}
	if fsinfo.LeadSignature != fsInfoLeadSignature || fsinfo.StructSignature != fsInfoStructSignature {
		return
	}
	if fsinfo.FreeCount != fsInfoUnknown && fsinfo.FreeCount <= fs.info.DataClusters {
		fs.freeHint = fsinfo.FreeCount
	}
	if fsinfo.NextFree >= 2 && fsinfo.NextFree <= fs.info.maxCluster() {
		fs.table.lastAllocated = fsinfo.NextFree
	}
}

// writeFSInfo persists the FAT32 hints at unmount.
func (fs *Fs) writeFSInfo() error {
	if fs.info.FSType != FAT32 || fs.info.FSInfoSector == 0 {
		return nil
	}
	buf, err := fs.cache.sector(uint32(fs.info.FSInfoSector))
	if err != nil {
		return err
	}
	fsinfo := FSInfoSector{
		LeadSignature:   fsInfoLeadSignature,
		StructSignature: fsInfoStructSignature,
		FreeCount:       fs.freeHint,
		NextFree:        fs.table.lastAllocated,
		TrailSignature:  fsInfoTrailSignature,
	}
	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, &fsinfo); err != nil {
		return checkpoint.From(err)
	}
	copy(buf, out.Bytes())
	fs.cache.markDirty(uint32(fs.info.FSInfoSector))
	return nil
}

func (fs *Fs) mutable() error {
	if fs.closed {
		return checkpoint.From(ErrFileClosed)
	}
	if fs.opts.ReadOnly {
		return checkpoint.From(ErrReadOnly)
	}
	return nil
}

// Name returns the name of the filesystem implementation.
func (fs *Fs) Name() string { return "fatfs" }

// Label returns the volume label from the boot sector.
func (fs *Fs) Label() string { return fs.label }

// FSType returns the variant of the mounted volume: FAT12, FAT16 or FAT32.
func (fs *Fs) FSType() uint8 { return fs.info.FSType }

// VolumeStats describe capacity and usage of a mounted volume.
type VolumeStats struct {
	Type          uint8
	TotalClusters uint32
	FreeClusters  uint32
	ClusterSize   int64
	SectorSize    uint16
}

// Stats reports total and free data clusters. Without a trusted FAT32
// FSInfo hint the free count requires a full FAT scan.
func (fs *Fs) Stats() (VolumeStats, error) {
	stats := VolumeStats{
		Type:          fs.info.FSType,
		TotalClusters: fs.info.DataClusters,
		ClusterSize:   fs.info.clusterBytes(),
		SectorSize:    fs.info.SectorSize,
	}
	if fs.freeHint != fsInfoUnknown {
		stats.FreeClusters = fs.freeHint
		return stats, nil
	}
	free, err := fs.table.countFree()
	if err != nil {
		return stats, err
	}
	fs.freeHint = free
	stats.FreeClusters = free
	return stats, nil
}

// invalidateFreeHint drops the cached free-cluster count after any
// allocation or free.
func (fs *Fs) invalidateFreeHint() {
	fs.freeHint = fsInfoUnknown
}

// Flush writes all cached dirty sectors to the device.
func (fs *Fs) Flush() error {
	return fs.cache.flush()
}

// Close flushes everything and clears the dirty bit. The Fs must not be
// used afterwards; open File handles become invalid.
func (fs *Fs) Close() error {
	if fs.closed {
		return nil
	}
	if !fs.opts.ReadOnly {
		if err := fs.writeFSInfo(); err != nil {
			return err
		}
		if err := fs.table.setCleanShutdown(true); err != nil {
			return err
		}
	}
	if err := fs.cache.flush(); err != nil {
		return err
	}
	fs.closed = true
	fs.opts.Logger.Debug("unmounted volume", "label", fs.label)
	return nil
}

// newFileHandle builds a File from a resolved directory entry.
func (fs *Fs) newFileHandle(entry *ExtendedEntryHeader, slot dirSlot, path string, flag int) *File {
	return &File{
		fs:           fs,
		path:         path,
		flag:         flag,
		isDirectory:  entry.IsDirectory(),
		isReadOnly:   entry.Attribute&AttrReadOnly != 0,
		isHidden:     entry.Attribute&AttrHidden != 0,
		isSystem:     entry.Attribute&AttrSystem != 0,
		header:       entry.EntryHeader,
		extendedName: entry.ExtendedName,
		slot:         slot,
	}
}

// Open opens a file or directory for reading.
func (fs *Fs) Open(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates a file and opens it for reading and writing.
func (fs *Fs) Create(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

// OpenFile opens a file with the given flags, creating it when O_CREATE is
// set and it does not exist yet.
func (fs *Fs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if fs.closed {
		return nil, checkpoint.From(ErrFileClosed)
	}
	writeRequest := flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0
	if writeRequest && fs.opts.ReadOnly {
		return nil, checkpoint.From(ErrReadOnly)
	}

	dirStart, leaf, err := fs.resolveDir(name)
	if err != nil {
		return nil, err
	}
	if leaf == "" {
		// The root directory itself.
		if writeRequest {
			return nil, checkpoint.Wrap(syscall.EISDIR, ErrReadFile)
		}
		root := &ExtendedEntryHeader{ExtendedName: "/"}
		root.Attribute = AttrDirectory
		root.SetFirstCluster(fs.rootDirStart())
		return fs.newFileHandle(root, dirSlot{}, name, flag), nil
	}

	entry, slot, findErr := fs.findInDir(dirStart, leaf)
	switch {
	case findErr == nil:
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			return nil, checkpoint.Wrap(fmt.Errorf("%q exists", name), ErrAlreadyExists)
		}
		if entry.IsDirectory() && flag&(os.O_WRONLY|os.O_RDWR|os.O_TRUNC|os.O_APPEND) != 0 {
			return nil, checkpoint.Wrap(syscall.EISDIR, ErrWriteFile)
		}
		file := fs.newFileHandle(entry, slot, name, flag)
		if flag&os.O_TRUNC != 0 && !entry.IsDirectory() {
			if err := file.Truncate(0); err != nil {
				return nil, err
			}
		}
		return file, nil

	case errors.Is(findErr, ErrNotFound) && flag&os.O_CREATE != 0:
		header := fs.newEntryHeader(0)
		if perm&0o200 == 0 && perm != 0 {
			header.Attribute |= AttrReadOnly
		}
		slot, err := fs.createInDir(dirStart, leaf, &header)
		if err != nil {
			return nil, err
		}
		if err := fs.cache.flush(); err != nil {
			return nil, err
		}
		entry := &ExtendedEntryHeader{EntryHeader: header}
		if !fs.namesEqual(shortNameString(header.Name, header.NTReserved), leaf) {
			entry.ExtendedName = leaf
		}
		return fs.newFileHandle(entry, slot, name, flag), nil

	default:
		return nil, findErr
	}
}

// newEntryHeader stamps a fresh directory entry header with the current
// time and attributes.
func (fs *Fs) newEntryHeader(attr byte) EntryHeader {
	now := fs.opts.Clock.Now()
	packedTime, tenths := ToTime(now)
	return EntryHeader{
		Attribute:       attr | AttrArchive,
		CreateTimeTenth: tenths,
		CreateTime:      packedTime,
		CreateDate:      ToDate(now),
		LastAccessDate:  ToDate(now),
		WriteTime:       packedTime,
		WriteDate:       ToDate(now),
	}
}

// Mkdir creates a directory with its dot entries.
func (fs *Fs) Mkdir(name string, perm os.FileMode) error {
	if err := fs.mutable(); err != nil {
		return err
	}
	dirStart, leaf, err := fs.resolveDir(name)
	if err != nil {
		return err
	}
	if leaf == "" {
		return checkpoint.Wrap(fmt.Errorf("root directory always exists"), ErrAlreadyExists)
	}
	if _, _, err := fs.findInDir(dirStart, leaf); err == nil {
		return checkpoint.Wrap(fmt.Errorf("%q exists", name), ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	cluster, err := fs.table.allocate(0)
	if err != nil {
		return err
	}
	fs.invalidateFreeHint()
	if err := fs.zeroCluster(cluster); err != nil {
		return err
	}

	header := fs.newEntryHeader(AttrDirectory)
	header.Attribute &^= AttrArchive
	header.SetFirstCluster(cluster)

	// Dot entries. ".." stores 0 when the parent is the root directory,
	// even on FAT32.
	dot := header
	copy(dot.Name[:], ".          ")
	dotdot := header
	copy(dotdot.Name[:], "..         ")
	if dirStart == fs.rootDirStart() {
		dotdot.SetFirstCluster(0)
	} else {
		dotdot.SetFirstCluster(dirStart)
	}

	raw := make([]byte, sizeDirEntry)
	encodeEntryHeader(&dot, raw)
	if err := fs.writeSlot(cluster, 0, raw); err != nil {
		return err
	}
	encodeEntryHeader(&dotdot, raw)
	if err := fs.writeSlot(cluster, 1, raw); err != nil {
		return err
	}

	if _, err := fs.createInDir(dirStart, leaf, &header); err != nil {
		return err
	}
	return fs.cache.flush()
}

// MkdirAll creates all missing directories of the path.
func (fs *Fs) MkdirAll(path string, perm os.FileMode) error {
	if err := fs.mutable(); err != nil {
		return err
	}
	segments := splitPath(path)
	current := fs.rootDirStart()
	built := ""
	for _, segment := range segments {
		built += "/" + segment
		entry, _, err := fs.findInDir(current, segment)
		switch {
		case err == nil:
			if !entry.IsDirectory() {
				return checkpoint.Wrap(syscall.ENOTDIR, fmt.Errorf("%q is a file", built))
			}
			current = fs.dirLocationOf(&entry.EntryHeader)
		case errors.Is(err, ErrNotFound):
			if err := fs.Mkdir(built, perm); err != nil {
				return err
			}
			entry, _, err := fs.findInDir(current, segment)
			if err != nil {
				return err
			}
			current = fs.dirLocationOf(&entry.EntryHeader)
		default:
			return err
		}
	}
	return nil
}

// Remove deletes a file or an empty directory.
func (fs *Fs) Remove(name string) error {
	if err := fs.mutable(); err != nil {
		return err
	}
	entry, slot, err := fs.resolveEntry(name)
	if err != nil {
		return err
	}
	if !slot.hasLocation() {
		return checkpoint.Wrap(fmt.Errorf("cannot remove the root directory"), ErrInvalidName)
	}
	if entry.IsDirectory() {
		empty, err := fs.isDirEmpty(fs.dirLocationOf(&entry.EntryHeader))
		if err != nil {
			return err
		}
		if !empty {
			return checkpoint.Wrap(fmt.Errorf("%q is not empty", name), ErrDirectoryNotEmpty)
		}
	}

	if err := fs.deleteSlots(slot); err != nil {
		return err
	}
	if first := entry.FirstCluster().Value(); first != 0 {
		if err := fs.table.freeChain(first); err != nil {
			return err
		}
		fs.invalidateFreeHint()
	}
	return fs.cache.flush()
}

// RemoveAll deletes a path and everything below it. The traversal runs on
// an explicit stack of directory frames instead of recursing, so deeply
// nested trees cannot exhaust the goroutine stack.
func (fs *Fs) RemoveAll(path string) error {
	if err := fs.mutable(); err != nil {
		return err
	}
	entry, slot, err := fs.resolveEntry(path)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !entry.IsDirectory() {
		return fs.Remove(path)
	}

	type frame struct {
		start uint32
		slot  dirSlot
		chain uint32
	}
	isRoot := !slot.hasLocation()
	stack := []frame{{start: fs.dirLocationOf(&entry.EntryHeader), slot: slot, chain: entry.FirstCluster().Value()}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		// Pick one child and deal with it; directories get pushed to be
		// emptied first.
		var child *ExtendedEntryHeader
		var childSlot dirSlot
		err := fs.scanDir(top.start, func(e *ExtendedEntryHeader, s dirSlot) error {
			name := entryHeaderFileInfo{*e}.Name()
			if name == "." || name == ".." {
				return nil
			}
			child = e
			childSlot = s
			return errDirEnd
		})
		if err != nil {
			return err
		}

		if child != nil {
			if child.IsDirectory() {
				stack = append(stack, frame{
					start: fs.dirLocationOf(&child.EntryHeader),
					slot:  childSlot,
					chain: child.FirstCluster().Value(),
				})
				continue
			}
			if err := fs.deleteSlots(childSlot); err != nil {
				return err
			}
			if first := child.FirstCluster().Value(); first != 0 {
				if err := fs.table.freeChain(first); err != nil {
					return err
				}
			}
			fs.invalidateFreeHint()
			continue
		}

		// Directory is empty now, delete the frame itself. The outermost
		// frame may be the root which has no entry to delete.
		if top.slot.hasLocation() {
			if err := fs.deleteSlots(top.slot); err != nil {
				return err
			}
			if top.chain != 0 {
				if err := fs.table.freeChain(top.chain); err != nil {
					return err
				}
				fs.invalidateFreeHint()
			}
		}
		stack = stack[:len(stack)-1]
	}

	if isRoot {
		// Nothing else to do, the root itself stays.
		fs.opts.Logger.Debug("cleared root directory")
	}
	return fs.cache.flush()
}

// Rename moves a file or directory. Renaming a path onto itself is a
// no-op; a case-only change of the name rewrites the entry under its new
// spelling.
//
// The move is create-then-delete: the new entry is written before the old
// slots are released. A crash between the two steps leaves both entries
// referencing the same cluster chain; this gap is inherent to the format,
// which offers no way to update two directory locations atomically.
func (fs *Fs) Rename(oldname, newname string) error {
	if err := fs.mutable(); err != nil {
		return err
	}
	entry, oldSlot, err := fs.resolveEntry(oldname)
	if err != nil {
		return err
	}
	if !oldSlot.hasLocation() {
		return checkpoint.Wrap(fmt.Errorf("cannot rename the root directory"), ErrInvalidName)
	}

	newDir, newLeaf, err := fs.resolveDir(newname)
	if err != nil {
		return err
	}
	if newLeaf == "" {
		return checkpoint.Wrap(fmt.Errorf("cannot rename onto the root directory"), ErrAlreadyExists)
	}
	sameEntry := false
	if dest, destSlot, err := fs.findInDir(newDir, newLeaf); err == nil {
		if destSlot != oldSlot {
			return checkpoint.Wrap(fmt.Errorf("%q exists", newname), ErrAlreadyExists)
		}
		// The destination is the source itself. Under the default
		// case-insensitive lookup this covers both the identical name
		// and a case variant of it.
		if (entryHeaderFileInfo{*dest}).Name() == newLeaf {
			return nil
		}
		sameEntry = true
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	header := entry.EntryHeader
	if sameEntry {
		// Release the old slots first, the short name would otherwise
		// collide with itself.
		if err := fs.deleteSlots(oldSlot); err != nil {
			return err
		}
		if _, err := fs.createInDir(newDir, newLeaf, &header); err != nil {
			return err
		}
	} else {
		if _, err := fs.createInDir(newDir, newLeaf, &header); err != nil {
			return err
		}
		if err := fs.deleteSlots(oldSlot); err != nil {
			return err
		}
	}

	// A moved directory still points at its old parent through "..".
	if entry.IsDirectory() && newDir != oldSlot.dirStart {
		if err := fs.fixDotDot(fs.dirLocationOf(&entry.EntryHeader), newDir); err != nil {
			return err
		}
	}
	return fs.cache.flush()
}

// fixDotDot rewrites the ".." entry of a directory after a cross-directory
// move.
func (fs *Fs) fixDotDot(dirStart, parentStart uint32) error {
	sector, off, err := fs.slotLocation(dirStart, 1)
	if err != nil {
		return err
	}
	buf, err := fs.cache.sector(sector)
	if err != nil {
		return err
	}
	raw := buf[off : off+sizeDirEntry]
	if !bytes.Equal(raw[:11], []byte("..         ")) {
		// No dot entries, nothing to fix.
		return nil
	}
	header := decodeEntryHeader(raw)
	if parentStart == fs.rootDirStart() {
		header.SetFirstCluster(0)
	} else {
		header.SetFirstCluster(parentStart)
	}
	encodeEntryHeader(&header, raw)
	fs.cache.markDirty(sector)
	return nil
}

// Stat returns the FileInfo of a path.
func (fs *Fs) Stat(name string) (os.FileInfo, error) {
	entry, slot, err := fs.resolveEntry(name)
	if err != nil {
		return nil, err
	}
	if !slot.hasLocation() {
		entry.ExtendedName = "/"
	}
	return entry.FileInfo(), nil
}

// Chmod maps the write permission onto the read-only attribute; all other
// mode bits have no FAT representation and are ignored.
func (fs *Fs) Chmod(name string, mode os.FileMode) error {
	if err := fs.mutable(); err != nil {
		return err
	}
	entry, slot, err := fs.resolveEntry(name)
	if err != nil {
		return err
	}
	if !slot.hasLocation() {
		return checkpoint.Wrap(fmt.Errorf("cannot chmod the root directory"), ErrInvalidName)
	}
	if mode&0o222 == 0 {
		entry.Attribute |= AttrReadOnly
	} else {
		entry.Attribute &^= AttrReadOnly
	}
	if err := fs.updateEntryHeader(slot, &entry.EntryHeader); err != nil {
		return err
	}
	return fs.cache.flush()
}

// Chown is not supported, FAT stores no ownership.
func (fs *Fs) Chown(name string, uid, gid int) error {
	return checkpoint.Wrap(fmt.Errorf("chown %q", name), ErrUnsupported)
}

// Chtimes sets the access and modification timestamps of a path.
func (fs *Fs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	if err := fs.mutable(); err != nil {
		return err
	}
	entry, slot, err := fs.resolveEntry(name)
	if err != nil {
		return err
	}
	if !slot.hasLocation() {
		return checkpoint.Wrap(fmt.Errorf("cannot chtimes the root directory"), ErrInvalidName)
	}
	entry.LastAccessDate = ToDate(atime.UTC())
	entry.WriteTime, _ = ToTime(mtime.UTC())
	entry.WriteDate = ToDate(mtime.UTC())
	if err := fs.updateEntryHeader(slot, &entry.EntryHeader); err != nil {
		return err
	}
	return fs.cache.flush()
}

var _ afero.Fs = (*Fs)(nil)
var _ io.Closer = (*Fs)(nil)
