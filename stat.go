package fatfs

import (
	"os"
	"time"
)

func (h *ExtendedEntryHeader) FileInfo() os.FileInfo {
	return entryHeaderFileInfo{*h}
}

type entryHeaderFileInfo struct {
	entry ExtendedEntryHeader
}

func (e entryHeaderFileInfo) Name() string {
	if e.entry.ExtendedName != "" {
		return e.entry.ExtendedName
	}
	return shortNameString(e.entry.EntryHeader.Name, e.entry.NTReserved)
}

func (e entryHeaderFileInfo) Size() int64 {
	return int64(e.entry.FileSize)
}

func (e entryHeaderFileInfo) Mode() os.FileMode {
	var mode os.FileMode
	if e.IsDir() {
		mode = os.ModeDir | 0o777
	} else {
		mode = 0o666
	}
	if e.entry.Attribute&AttrReadOnly != 0 {
		mode &^= 0o222
	}
	return mode
}

func (e entryHeaderFileInfo) ModTime() time.Time {
	writeDate := ParseDate(e.entry.WriteDate)
	writeTime := ParseTime(e.entry.WriteTime)

	// If the date IsZero() it contained any invalid value in which case we return time.Time{}.
	// For writeTime we cannot do that because writeTime.IsZero() is perfectly valid.
	return combineDateTime(writeDate, writeTime)
}

func (e entryHeaderFileInfo) IsDir() bool {
	return e.entry.Attribute&AttrDirectory == AttrDirectory
}

func (e entryHeaderFileInfo) Sys() interface{} {
	return e.entry
}
