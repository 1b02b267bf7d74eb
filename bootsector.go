package fatfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fatlab/fatfs/checkpoint"
)

// Filesystem variants, determined by the count of data clusters.
const (
	FAT12 = iota
	FAT16
	FAT32
)

// The canonical variant thresholds from the specification. A volume with
// less than fat12ClusterLimit data clusters is FAT12, less than
// fat16ClusterLimit is FAT16, everything above is FAT32.
const (
	fat12ClusterLimit = 4085
	fat16ClusterLimit = 65525
)

const (
	bootSignatureOffset = 510
	minSectorSize       = 512
	maxClusterBytes     = 32 * 1024
)

// Info contains the decoded geometry of a mounted volume. All sector
// numbers are absolute, counted from the start of the device.
type Info struct {
	FSType            uint8
	SectorSize        uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors      uint32
	FATSize           uint32
	FATBase           uint32
	RootBase          uint32
	RootCluster       uint32
	FirstDataSector   uint32
	DataClusters      uint32
	Media             byte
	VolumeID          uint32
	VolumeLabel       [11]byte
	FSInfoSector      uint16

	rootDirectorySize uint32
}

// clusterBytes returns the size of one cluster in bytes.
func (i *Info) clusterBytes() int64 {
	return int64(i.SectorsPerCluster) * int64(i.SectorSize)
}

// firstSectorOfCluster maps a cluster number to its first absolute sector.
func (i *Info) firstSectorOfCluster(cluster uint32) uint32 {
	return i.FirstDataSector + (cluster-2)*uint32(i.SectorsPerCluster)
}

// maxCluster returns the highest valid cluster number of the volume.
func (i *Info) maxCluster() uint32 {
	return i.DataClusters + 1
}

// parseBootSector decodes and validates the first sector of a volume.
//
// The variant is never taken from the "FAT12/16/32" string in the boot
// sector. Only the data cluster count decides, as the specification
// demands.
func parseBootSector(sector []byte) (Info, error) {
	var info Info

	if len(sector) < minSectorSize {
		return info, checkpoint.Wrap(fmt.Errorf("boot sector too small: %d bytes", len(sector)), ErrFormat)
	}

	if sector[bootSignatureOffset] != 0x55 || sector[bootSignatureOffset+1] != 0xAA {
		return info, checkpoint.Wrap(fmt.Errorf("missing 0xAA55 boot signature"), ErrFormat)
	}

	reader := bytes.NewReader(sector)
	var bpb BPB
	if err := binary.Read(reader, binary.LittleEndian, &bpb); err != nil {
		return info, checkpoint.Wrap(err, ErrFormat)
	}

	// Check for valid jump instructions to sort out non-FAT media early.
	if !(bpb.BSJumpBoot[0] == 0xEB && bpb.BSJumpBoot[2] == 0x90) && bpb.BSJumpBoot[0] != 0xE9 {
		return info, checkpoint.Wrap(fmt.Errorf("no valid jump instructions at the beginning"), ErrFormat)
	}

	// FAT only supports 512, 1024, 2048 and 4096 bytes per sector.
	switch bpb.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return info, checkpoint.Wrap(fmt.Errorf("invalid sector size %d", bpb.BytesPerSector), ErrFormat)
	}

	// Sectors per cluster has to be a power of two and greater than 0.
	// Also the whole cluster size must not be more than 32K.
	spc := bpb.SectorsPerCluster
	if spc == 0 || spc&(spc-1) != 0 {
		return info, checkpoint.Wrap(fmt.Errorf("invalid sectors per cluster %d", spc), ErrFormat)
	}
	if int(bpb.BytesPerSector)*int(spc) > maxClusterBytes {
		return info, checkpoint.Wrap(fmt.Errorf("cluster size above 32K"), ErrFormat)
	}

	// The reserved sector count must not be 0, the boot sector itself is
	// always reserved.
	if bpb.ReservedSectorCount == 0 {
		return info, checkpoint.Wrap(fmt.Errorf("invalid reserved sector count"), ErrFormat)
	}

	if bpb.NumFATs < 1 {
		return info, checkpoint.Wrap(fmt.Errorf("at least one FAT required"), ErrFormat)
	}

	if bpb.Media != 0xF0 && bpb.Media < 0xF8 {
		return info, checkpoint.Wrap(fmt.Errorf("invalid media value 0x%02X", bpb.Media), ErrFormat)
	}

	var totalSectors uint32
	switch {
	case bpb.TotalSectors16 != 0:
		totalSectors = uint32(bpb.TotalSectors16)
	case bpb.TotalSectors32 != 0:
		totalSectors = bpb.TotalSectors32
	default:
		return info, checkpoint.Wrap(fmt.Errorf("total sector count is zero"), ErrFormat)
	}

	// A zero 16 bit FAT size means the size (and the rest of the extended
	// fields) live in the FAT32 tail which follows the common BPB.
	fatSize := uint32(bpb.FATSize16)
	var fat32 FAT32SpecificData
	var fat16 FAT16SpecificData
	isFat32Layout := fatSize == 0
	if isFat32Layout {
		if err := binary.Read(reader, binary.LittleEndian, &fat32); err != nil {
			return info, checkpoint.Wrap(err, ErrFormat)
		}
		fatSize = fat32.FatSize
		if fatSize == 0 {
			return info, checkpoint.Wrap(fmt.Errorf("FAT size is zero"), ErrFormat)
		}
	} else {
		if err := binary.Read(reader, binary.LittleEndian, &fat16); err != nil {
			return info, checkpoint.Wrap(err, ErrFormat)
		}
	}

	rootDirSectors := (uint32(bpb.RootEntryCount)*sizeDirEntry + uint32(bpb.BytesPerSector) - 1) / uint32(bpb.BytesPerSector)
	systemSectors := uint32(bpb.ReservedSectorCount) + uint32(bpb.NumFATs)*fatSize + rootDirSectors
	if totalSectors <= systemSectors {
		return info, checkpoint.Wrap(fmt.Errorf("volume smaller than its system area"), ErrFormat)
	}
	dataClusters := (totalSectors - systemSectors) / uint32(spc)
	if dataClusters == 0 {
		return info, checkpoint.Wrap(fmt.Errorf("no data clusters"), ErrFormat)
	}

	info.SectorSize = bpb.BytesPerSector
	info.SectorsPerCluster = spc
	info.ReservedSectors = bpb.ReservedSectorCount
	info.NumFATs = bpb.NumFATs
	info.RootEntryCount = bpb.RootEntryCount
	info.TotalSectors = totalSectors
	info.FATSize = fatSize
	info.Media = bpb.Media
	info.FATBase = uint32(bpb.ReservedSectorCount)
	info.RootBase = info.FATBase + uint32(bpb.NumFATs)*fatSize
	info.FirstDataSector = info.RootBase + rootDirSectors
	info.DataClusters = dataClusters
	info.rootDirectorySize = rootDirSectors

	switch {
	case dataClusters < fat12ClusterLimit:
		info.FSType = FAT12
	case dataClusters < fat16ClusterLimit:
		info.FSType = FAT16
	default:
		info.FSType = FAT32
	}

	// The layout implied by the fields has to agree with the variant
	// implied by the cluster count, otherwise the volume is ambiguous.
	if isFat32Layout != (info.FSType == FAT32) {
		return info, checkpoint.Wrap(fmt.Errorf("cluster count and BPB layout disagree on the FAT variant"), ErrFormat)
	}

	if info.FSType == FAT32 {
		if bpb.RootEntryCount != 0 {
			return info, checkpoint.Wrap(fmt.Errorf("FAT32 root entry count must be zero"), ErrFormat)
		}
		if fat32.FSVersion != 0 {
			return info, checkpoint.Wrap(fmt.Errorf("unsupported FAT32 version %d", fat32.FSVersion), ErrFormat)
		}
		if fat32.RootCluster < 2 {
			return info, checkpoint.Wrap(fmt.Errorf("invalid FAT32 root cluster %d", fat32.RootCluster), ErrFormat)
		}
		info.RootCluster = fat32.RootCluster
		info.FSInfoSector = fat32.FSInfo
		info.VolumeID = fat32.BSVolumeID
		info.VolumeLabel = fat32.BSVolumeLabel
	} else {
		if bpb.RootEntryCount == 0 {
			return info, checkpoint.Wrap(fmt.Errorf("root entry count must not be zero"), ErrFormat)
		}
		// The root region has to be an exact multiple of whole sectors.
		if uint32(bpb.RootEntryCount)*sizeDirEntry%uint32(bpb.BytesPerSector) != 0 {
			return info, checkpoint.Wrap(fmt.Errorf("root directory region not sector aligned"), ErrFormat)
		}
		info.VolumeID = fat16.BSVolumeId
		info.VolumeLabel = fat16.BSVolumeLabel
	}

	// The FAT has to be big enough to hold one entry per cluster.
	var fatBytes uint64
	switch info.FSType {
	case FAT12:
		fatBytes = (uint64(dataClusters)+2)*3/2 + 1
	case FAT16:
		fatBytes = (uint64(dataClusters) + 2) * 2
	default:
		fatBytes = (uint64(dataClusters) + 2) * 4
	}
	if uint64(fatSize)*uint64(bpb.BytesPerSector) < fatBytes {
		return info, checkpoint.Wrap(fmt.Errorf("FAT too small for %d clusters", dataClusters), ErrFormat)
	}

	return info, nil
}
