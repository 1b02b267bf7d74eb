// File model contains the structs which match the direct structures of the FAT filesystem.

package fatfs

// Attribute flags of a directory entry.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeId  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20

	// AttrLongName marks an entry as part of a long filename run.
	AttrLongName     = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeId
	attrLongNameMask = AttrLongName | AttrDirectory | AttrArchive
)

// NT reserved-byte flags encoding an all-lowercase base or extension of a
// short name that needs no LFN run.
const (
	caseLowerBase = 0x08
	caseLowerExt  = 0x10
)

const (
	// entryDeleted marks a directory slot as reusable.
	entryDeleted = 0xE5
	// entryTerminal marks the end of a directory; no entry follows it.
	entryTerminal = 0x00
	// entryKanjiEscape replaces a real leading 0xE5 byte in a short name.
	entryKanjiEscape = 0x05

	// sizeDirEntry is the on-disk size of every directory entry variant.
	sizeDirEntry = 32
)

type BPB struct {
	BSJumpBoot          [3]byte
	BSOEMName           [8]byte
	BytesPerSector      uint16
	SectorsPerCluster   byte
	ReservedSectorCount uint16
	NumFATs             byte
	RootEntryCount      uint16
	TotalSectors16      uint16
	Media               byte
	FATSize16           uint16
	SectorsPerTrack     uint16
	NumberOfHeads       uint16
	HiddenSectors       uint32
	TotalSectors32      uint32
}

type FAT16SpecificData struct {
	BSDriveNumber    byte
	BSReserved1      byte
	BSBootSignature  byte
	BSVolumeId       uint32
	BSVolumeLabel    [11]byte
	BSFileSystemType [8]byte
}

type FAT32SpecificData struct {
	FatSize          uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfo           uint16
	BkBootSector     uint16
	Reserved         [12]byte
	BSDriveNumber    byte
	BSReserved1      byte
	BSBootSignature  byte
	BSVolumeID       uint32
	BSVolumeLabel    [11]byte
	BSFileSystemType [8]byte
}

// FSInfoSector is the FAT32 free-cluster hint sector.
type FSInfoSector struct {
	LeadSignature   uint32
	Reserved1       [480]byte
	StructSignature uint32
	FreeCount       uint32
	NextFree        uint32
	Reserved2       [12]byte
	TrailSignature  uint32
}

const (
	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature  = 0xAA550000
	fsInfoUnknown         = 0xFFFFFFFF
)

type EntryHeader struct {
	Name            [11]byte
	Attribute       byte
	NTReserved      byte
	CreateTimeTenth byte
	CreateTime      uint16
	CreateDate      uint16
	LastAccessDate  uint16
	FirstClusterHI  uint16
	WriteTime       uint16
	WriteDate       uint16
	FirstClusterLO  uint16
	FileSize        uint32
}

// FirstCluster combines the split cluster words of the entry.
func (h *EntryHeader) FirstCluster() fatEntry {
	return fatEntry(uint32(h.FirstClusterHI)<<16 | uint32(h.FirstClusterLO))
}

// SetFirstCluster splits the cluster number into the two on-disk words.
func (h *EntryHeader) SetFirstCluster(cluster uint32) {
	h.FirstClusterLO = uint16(cluster)
	h.FirstClusterHI = uint16(cluster >> 16)
}

// IsDirectory reports whether the entry describes a directory.
func (h *EntryHeader) IsDirectory() bool {
	return h.Attribute&AttrDirectory != 0
}

type LongFilenameEntry struct {
	Sequence  byte
	First     [5]uint16
	Attribute byte
	EntryType byte
	Checksum  byte
	Second    [6]uint16
	Zero      [2]byte
	Third     [2]uint16
}

// ExtendedEntryHeader is an EntryHeader together with the long filename
// assembled from the preceding LFN run, if one was present and valid.
type ExtendedEntryHeader struct {
	EntryHeader
	ExtendedName string
}
