package fatfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/fatlab/fatfs/checkpoint"
	"github.com/spf13/afero"
)

// maxFileSize is the largest byte count the 32-bit size field of a
// directory entry can record.
const maxFileSize = 0xFFFFFFFF

// These errors may occur while processing a file.
var (
	ErrReadFile     = errors.New("could not read file completely")
	ErrSeekFile     = errors.New("could not seek inside of the file")
	ErrWriteFile    = errors.New("could not write the file")
	ErrTruncateFile = errors.New("could not truncate the file")
	ErrReadDir      = errors.New("could not read the directory")
)

// File is an open file or directory handle implementing afero.File.
//
// Size and timestamp changes reach the directory entry only on Sync, never
// implicitly. Dropping a dirty handle without Sync loses the metadata (and
// possibly cached data); that is a caller bug by contract, optionally
// surfaced by the StrictSync option. Close is terminal, every operation on
// a closed file fails with ErrFileClosed.
type File struct {
	fs   *Fs
	path string

	flag        int
	isDirectory bool
	isReadOnly  bool
	isHidden    bool
	isSystem    bool

	header       EntryHeader
	extendedName string
	slot         dirSlot

	offset int64
	dirty  bool // unsynced data writes
	stale  bool // unsynced metadata (timestamps)
	closed bool

	// Cached cluster position for O(1) sequential access: cachedCluster
	// holds the byte range [cachedBase, cachedBase+clusterBytes) of the
	// file.
	cachedCluster uint32
	cachedBase    int64
	cacheValid    bool
}

func (f *File) size() int64 {
	return int64(f.header.FileSize)
}

func (f *File) writable() error {
	if f.closed {
		return checkpoint.From(ErrFileClosed)
	}
	if f.fs.opts.ReadOnly {
		return checkpoint.From(ErrReadOnly)
	}
	if f.flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return checkpoint.Wrap(syscall.EBADF, ErrWriteFile)
	}
	if f.isReadOnly {
		return checkpoint.Wrap(syscall.EPERM, ErrWriteFile)
	}
	return nil
}

// Close invalidates the handle. It deliberately performs no flush: Sync is
// the only way data and metadata reach the device, and skipping it before
// Close is a caller error. With StrictSync enabled that error is reported.
func (f *File) Close() error {
	if f.closed {
		return checkpoint.From(ErrFileClosed)
	}
	strict := f.fs != nil && f.fs.opts.StrictSync && (f.dirty || f.stale)

	f.fs = nil
	f.path = ""
	f.isDirectory = false
	f.isReadOnly = false
	f.isHidden = false
	f.isSystem = false
	f.header = EntryHeader{}
	f.extendedName = ""
	f.offset = 0
	f.cacheValid = false
	f.closed = true

	if strict {
		return checkpoint.From(ErrNotFlushed)
	}
	return nil
}

// clusterAt returns the cluster covering the given file offset, walking
// the chain from the cached position. Only a seek backward past the cached
// offset forces a re-walk from the first cluster.
func (f *File) clusterAt(offset int64, extend bool) (uint32, error) {
	clusterBytes := f.fs.info.clusterBytes()

	if !f.cacheValid || offset < f.cachedBase {
		first := f.header.FirstCluster().Value()
		if first == 0 {
			return 0, checkpoint.Wrap(fmt.Errorf("file has no clusters"), ErrFormat)
		}
		f.cachedCluster = first
		f.cachedBase = 0
		f.cacheValid = true
	}

	for offset >= f.cachedBase+clusterBytes {
		entry, err := f.fs.table.entry(f.cachedCluster)
		if err != nil {
			return 0, err
		}
		switch {
		case entry.ReadAsNextCluster():
			f.cachedCluster = entry.Value()
		case entry.ReadAsEOF() && extend:
			fresh, err := f.fs.table.extend(f.cachedCluster)
			if err != nil {
				return 0, err
			}
			f.fs.invalidateFreeHint()
			f.cachedCluster = fresh
		default:
			return 0, checkpoint.Wrap(fmt.Errorf("file chain ends before offset %d", offset), ErrFormat)
		}
		f.cachedBase += clusterBytes
	}
	return f.cachedCluster, nil
}

// readAt copies file content at the given offset through the sector cache.
func (f *File) readAt(p []byte, offset int64) (int, error) {
	if f.closed {
		return 0, checkpoint.From(ErrFileClosed)
	}
	if f.isDirectory {
		return 0, checkpoint.Wrap(syscall.EISDIR, ErrReadFile)
	}
	if offset >= f.size() {
		return 0, io.EOF
	}
	if remaining := f.size() - offset; int64(len(p)) > remaining {
		p = p[:remaining]
	}

	sectorSize := int64(f.fs.info.SectorSize)
	read := 0
	for read < len(p) {
		cluster, err := f.clusterAt(offset, false)
		if err != nil {
			return read, checkpoint.Wrap(err, ErrReadFile)
		}
		inCluster := offset - f.cachedBase
		sector := f.fs.info.firstSectorOfCluster(cluster) + uint32(inCluster/sectorSize)
		buf, err := f.fs.cache.sector(sector)
		if err != nil {
			return read, checkpoint.Wrap(err, ErrReadFile)
		}
		inSector := inCluster % sectorSize
		n := copy(p[read:], buf[inSector:])
		read += n
		offset += int64(n)
	}

	if f.fs.opts.UpdateAccessedDate && !f.fs.opts.ReadOnly {
		f.header.LastAccessDate = ToDate(f.fs.opts.Clock.Now())
		f.stale = true
	}
	return read, nil
}

func (f *File) Read(p []byte) (n int, err error) {
	if p == nil {
		return 0, nil
	}
	n, err = f.readAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *File) ReadAt(p []byte, off int64) (n int, err error) {
	if p == nil {
		return 0, nil
	}
	if off < 0 {
		return 0, checkpoint.Wrap(syscall.EINVAL, ErrReadFile)
	}
	n, err = f.readAt(p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// Seek jumps to a specific offset in the file. This affects all Read and Write
// operations except ReadAt and WriteAt.
// May return a syscall.EINVAL error if the whence value is invalid.
// May return an afero.ErrOutOfRange error if the offset is out of range.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, checkpoint.From(ErrFileClosed)
	}
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = f.offset + offset
	case io.SeekEnd:
		offset = f.size() + offset
	default:
		return 0, checkpoint.Wrap(ErrSeekFile, fmt.Errorf("%w, offset: %v, whence: %v", syscall.EINVAL, offset, whence))
	}

	if offset < 0 || offset > f.size() {
		return 0, checkpoint.Wrap(afero.ErrOutOfRange, fmt.Errorf("%w, offset: %v, whence: %v", ErrSeekFile, offset, whence))
	}

	f.offset = offset
	return offset, nil
}

// writeAt stores p at the given offset, allocating trailing clusters as
// needed. Writes can only start inside the file or directly at its end.
func (f *File) writeAt(p []byte, offset int64) (int, error) {
	if err := f.writable(); err != nil {
		return 0, err
	}
	if f.isDirectory {
		return 0, checkpoint.Wrap(syscall.EISDIR, ErrWriteFile)
	}
	if offset > f.size() {
		return 0, checkpoint.Wrap(afero.ErrOutOfRange, ErrWriteFile)
	}
	if offset+int64(len(p)) > maxFileSize {
		return 0, checkpoint.Wrap(syscall.EFBIG, ErrWriteFile)
	}
	if len(p) == 0 {
		return 0, nil
	}

	// A fresh file gets its first cluster on the first actual write.
	if f.header.FirstCluster().Value() == 0 {
		cluster, err := f.fs.table.allocate(0)
		if err != nil {
			return 0, checkpoint.Wrap(err, ErrWriteFile)
		}
		f.fs.invalidateFreeHint()
		f.header.SetFirstCluster(cluster)
		f.cacheValid = false
	}

	sectorSize := int64(f.fs.info.SectorSize)
	written := 0
	for written < len(p) {
		cluster, err := f.clusterAt(offset, true)
		if err != nil {
			return written, checkpoint.Wrap(err, ErrWriteFile)
		}
		inCluster := offset - f.cachedBase
		sector := f.fs.info.firstSectorOfCluster(cluster) + uint32(inCluster/sectorSize)
		inSector := inCluster % sectorSize

		var buf []byte
		if inSector == 0 && int64(len(p)-written) >= sectorSize {
			// Whole sector gets overwritten, skip the device read.
			buf, err = f.fs.cache.zeroed(sector)
		} else {
			buf, err = f.fs.cache.sector(sector)
		}
		if err != nil {
			return written, checkpoint.Wrap(err, ErrWriteFile)
		}
		n := copy(buf[inSector:], p[written:])
		f.fs.cache.markDirty(sector)
		written += n
		offset += int64(n)
	}

	if offset > f.size() {
		f.header.FileSize = uint32(offset)
	}
	f.dirty = true
	return written, nil
}

func (f *File) Write(p []byte) (n int, err error) {
	if f.flag&os.O_APPEND != 0 {
		f.offset = f.size()
	}
	n, err = f.writeAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *File) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, checkpoint.Wrap(syscall.EINVAL, ErrWriteFile)
	}
	return f.writeAt(p, off)
}

func (f *File) Name() string {
	if f.extendedName != "" {
		return f.extendedName
	}
	return shortNameString(f.header.Name, f.header.NTReserved)
}

// Readdir reads the contents of a directory.
// May return syscall.ENOTDIR if the current File is no directory.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	if f.closed {
		return nil, checkpoint.From(ErrFileClosed)
	}
	if !f.isDirectory {
		return nil, checkpoint.Wrap(syscall.ENOTDIR, ErrReadDir)
	}

	content, err := f.fs.readDir(f.fs.dirLocationOf(&f.header))
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	end := len(content)

	if int64(len(content)) < f.offset+int64(count) {
		count = len(content) - int(f.offset)
		err = io.EOF
	}

	if count >= 0 {
		end = int(f.offset) + count
	}

	content = content[f.offset:end]

	if count > 0 {
		f.offset += int64(count)
	} else if count < 0 {
		f.offset = int64(end)
	}

	result := make([]os.FileInfo, len(content))
	for i := range content {
		result[i] = content[i].FileInfo()
	}

	return result, err
}

func (f *File) Readdirnames(count int) ([]string, error) {
	content, err := f.Readdir(count)
	if err != nil && err != io.EOF {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	names := make([]string, len(content))
	for i, entry := range content {
		names[i] = entry.Name()
	}

	return names, err
}

func (f *File) Stat() (os.FileInfo, error) {
	if f.closed {
		return nil, checkpoint.From(ErrFileClosed)
	}
	return entryHeaderFileInfo{ExtendedEntryHeader{
		EntryHeader:  f.header,
		ExtendedName: f.extendedName,
	}}, nil
}

// Sync commits the pending size and timestamps to the directory entry and
// flushes the sector cache. It is the only operation that persists
// changes; a flush with nothing pending issues no device writes.
func (f *File) Sync() error {
	if f.closed {
		return checkpoint.From(ErrFileClosed)
	}
	if f.dirty {
		now := f.fs.opts.Clock.Now()
		f.header.WriteTime, _ = ToTime(now)
		f.header.WriteDate = ToDate(now)
		f.header.Attribute |= AttrArchive
	}
	if (f.dirty || f.stale) && f.slot.hasLocation() {
		if err := f.fs.updateEntryHeader(f.slot, &f.header); err != nil {
			return err
		}
	}
	f.dirty = false
	f.stale = false
	return f.fs.cache.flush()
}

// Truncate cuts the file to the given size, freeing all trailing clusters,
// or grows it with zeroed content.
func (f *File) Truncate(size int64) error {
	if err := f.writable(); err != nil {
		return err
	}
	if f.isDirectory {
		return checkpoint.Wrap(syscall.EISDIR, ErrTruncateFile)
	}
	if size < 0 {
		return checkpoint.Wrap(syscall.EINVAL, ErrTruncateFile)
	}
	if size > maxFileSize {
		return checkpoint.Wrap(syscall.EFBIG, ErrTruncateFile)
	}

	switch {
	case size == f.size():
		return nil

	case size < f.size():
		if size == 0 {
			if first := f.header.FirstCluster().Value(); first != 0 {
				if err := f.fs.table.freeChain(first); err != nil {
					return checkpoint.Wrap(err, ErrTruncateFile)
				}
				f.fs.invalidateFreeHint()
			}
			f.header.SetFirstCluster(0)
		} else {
			f.cacheValid = false
			last, err := f.clusterAt(size-1, false)
			if err != nil {
				return checkpoint.Wrap(err, ErrTruncateFile)
			}
			entry, err := f.fs.table.entry(last)
			if err != nil {
				return checkpoint.Wrap(err, ErrTruncateFile)
			}
			if err := f.fs.table.setEntry(last, fatEntryEOC); err != nil {
				return checkpoint.Wrap(err, ErrTruncateFile)
			}
			if entry.ReadAsNextCluster() {
				if err := f.fs.table.freeChain(entry.Value()); err != nil {
					return checkpoint.Wrap(err, ErrTruncateFile)
				}
				f.fs.invalidateFreeHint()
			}
		}
		f.cacheValid = false
		if f.offset > size {
			f.offset = size
		}

	case size > f.size():
		if err := f.zeroFill(f.size(), size); err != nil {
			return checkpoint.Wrap(err, ErrTruncateFile)
		}
	}

	f.header.FileSize = uint32(size)
	f.dirty = true
	return nil
}

// zeroFill extends the chain and writes zeros for the byte range
// [from, to), used when Truncate grows a file.
func (f *File) zeroFill(from, to int64) error {
	if f.header.FirstCluster().Value() == 0 {
		cluster, err := f.fs.table.allocate(0)
		if err != nil {
			return err
		}
		f.fs.invalidateFreeHint()
		f.header.SetFirstCluster(cluster)
		f.cacheValid = false
	}

	sectorSize := int64(f.fs.info.SectorSize)
	zeros := make([]byte, sectorSize)
	for offset := from; offset < to; {
		cluster, err := f.clusterAt(offset, true)
		if err != nil {
			return err
		}
		inCluster := offset - f.cachedBase
		sector := f.fs.info.firstSectorOfCluster(cluster) + uint32(inCluster/sectorSize)
		inSector := inCluster % sectorSize
		chunk := sectorSize - inSector
		if offset+chunk > to {
			chunk = to - offset
		}

		var buf []byte
		if inSector == 0 && chunk == sectorSize {
			buf, err = f.fs.cache.zeroed(sector)
		} else {
			buf, err = f.fs.cache.sector(sector)
			if err == nil {
				copy(buf[inSector:inSector+chunk], zeros)
				f.fs.cache.markDirty(sector)
			}
		}
		if err != nil {
			return err
		}
		offset += chunk
	}
	return nil
}

func (f *File) WriteString(s string) (ret int, err error) {
	return f.Write([]byte(s))
}
