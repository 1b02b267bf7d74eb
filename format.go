package fatfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/fatlab/fatfs/checkpoint"
)

// FormatOptions control the geometry of a new volume. The zero value asks
// for sensible defaults everywhere.
type FormatOptions struct {
	// Label is the volume label, at most 11 characters.
	Label string
	// VolumeID is the volume serial number, derived from the current time
	// when zero.
	VolumeID uint32
	// SectorsPerCluster must be a power of two up to 128. Zero picks the
	// smallest value whose cluster count fits the variant.
	SectorsPerCluster uint8
	// NumFATs is the number of FAT copies, default 2.
	NumFATs uint8
	// RootEntryCount is the fixed root directory capacity of FAT12/16
	// volumes, default 512. Ignored on FAT32.
	RootEntryCount uint16
	// Variant selects the FAT width: 12, 16 or 32. Zero picks one from the
	// device size.
	Variant int
}

const (
	fat32ReservedSectors = 32
	fat32BackupBootBase  = 6
)

// Format writes a new empty FAT filesystem onto the device. Everything on
// it is lost.
//
// The cluster count of the resulting geometry must land in the chosen
// variant's range, otherwise the volume would mount as a different variant
// than it was formatted as. Format refuses such combinations instead of
// silently switching.
func Format(device BlockDevice, opts FormatOptions) error {
	sectorSize := device.SectorSize()
	switch sectorSize {
	case 512, 1024, 2048, 4096:
	default:
		return checkpoint.Wrap(fmt.Errorf("unsupported sector size %d", sectorSize), ErrFormat)
	}
	totalSectors := device.SectorCount()

	variant := opts.Variant
	if variant == 0 {
		volumeBytes := uint64(totalSectors) * uint64(sectorSize)
		switch {
		case volumeBytes <= 4<<20:
			variant = 12
		case volumeBytes <= 512<<20:
			variant = 16
		default:
			variant = 32
		}
	}
	var fsType uint8
	switch variant {
	case 12:
		fsType = FAT12
	case 16:
		fsType = FAT16
	case 32:
		fsType = FAT32
	default:
		return checkpoint.Wrap(fmt.Errorf("unknown FAT variant %d", opts.Variant), ErrFormat)
	}

	numFATs := opts.NumFATs
	if numFATs == 0 {
		numFATs = 2
	}
	rootEntries := opts.RootEntryCount
	if rootEntries == 0 {
		rootEntries = 512
	}
	var reserved uint16 = 1
	if fsType == FAT32 {
		reserved = fat32ReservedSectors
		rootEntries = 0
	}
	if uint32(rootEntries)*sizeDirEntry%uint32(sectorSize) != 0 {
		return checkpoint.Wrap(fmt.Errorf("root entry count %d does not fill whole sectors", rootEntries), ErrFormat)
	}

	geo, err := solveGeometry(totalSectors, uint32(sectorSize), fsType, opts.SectorsPerCluster, numFATs, rootEntries, reserved)
	if err != nil {
		return err
	}

	volumeID := opts.VolumeID
	if volumeID == 0 {
		volumeID = uint32(time.Now().Unix())
	}
	var label [11]byte
	copy(label[:], "NO NAME    ")
	if opts.Label != "" {
		if len(opts.Label) > 11 {
			return checkpoint.Wrap(fmt.Errorf("label %q longer than 11 characters", opts.Label), ErrInvalidName)
		}
		copy(label[:], strings.ToUpper(opts.Label))
		for i := len(opts.Label); i < 11; i++ {
			label[i] = ' '
		}
	}

	bootSector, err := encodeBootSector(geo, fsType, volumeID, label)
	if err != nil {
		return err
	}

	cache := newSectorCache(device, defaultCacheSectors)
	writeSector := func(n uint32, data []byte) error {
		buf, err := cache.zeroed(n)
		if err != nil {
			return err
		}
		copy(buf, data)
		return nil
	}

	if err := writeSector(0, bootSector); err != nil {
		return err
	}
	if fsType == FAT32 {
		fsinfo, err := encodeFSInfoSector(geo.dataClusters-1, 3)
		if err != nil {
			return err
		}
		if err := writeSector(1, fsinfo); err != nil {
			return err
		}
		if err := writeSector(fat32BackupBootBase, bootSector); err != nil {
			return err
		}
		if err := writeSector(fat32BackupBootBase+1, fsinfo); err != nil {
			return err
		}
	}

	// Clear all FAT copies and the root region before placing the initial
	// entries.
	fatBase := uint32(reserved)
	for sector := fatBase; sector < fatBase+uint32(numFATs)*geo.fatSize; sector++ {
		if _, err := cache.zeroed(sector); err != nil {
			return err
		}
	}
	rootBase := fatBase + uint32(numFATs)*geo.fatSize
	for sector := rootBase; sector < rootBase+geo.rootSectors; sector++ {
		if _, err := cache.zeroed(sector); err != nil {
			return err
		}
	}

	info, err := parseBootSector(bootSector)
	if err != nil {
		return checkpoint.Wrap(err, ErrFormat)
	}
	table := newFatTable(cache, &info)

	// Entry 0 holds the media byte, entry 1 starts as end of chain with
	// the clean-shutdown bits set. Narrowing to the FAT width produces the
	// canonical values for every variant.
	if err := table.setRawEntry(0, fatEntry(0x0FFFFF00|uint32(info.Media))); err != nil {
		return err
	}
	if err := table.setRawEntry(1, fatEntryEOC); err != nil {
		return err
	}

	if fsType == FAT32 {
		// The root directory is an ordinary one cluster chain.
		if err := table.setEntry(info.RootCluster, fatEntryEOC); err != nil {
			return err
		}
		root := info.firstSectorOfCluster(info.RootCluster)
		for i := uint32(0); i < uint32(info.SectorsPerCluster); i++ {
			if _, err := cache.zeroed(root + i); err != nil {
				return err
			}
		}
	}

	if opts.Label != "" {
		if err := writeLabelEntry(cache, &info, label); err != nil {
			return err
		}
	}

	if err := cache.flush(); err != nil {
		return err
	}
	return device.Flush()
}

type geometry struct {
	totalSectors uint32
	sectorSize   uint32
	spc          uint8
	numFATs      uint8
	rootEntries  uint16
	reserved     uint16
	fatSize      uint32
	rootSectors  uint32
	dataClusters uint32
}

// fatBytesFor returns the FAT size in bytes needed to map the given number
// of clusters plus the two reserved entries.
func fatBytesFor(fsType uint8, clusters uint32) uint64 {
	switch fsType {
	case FAT12:
		return (uint64(clusters)+2)*3/2 + 1
	case FAT16:
		return (uint64(clusters) + 2) * 2
	default:
		return (uint64(clusters) + 2) * 4
	}
}

// solveGeometry finds a FAT size and cluster size so that the FAT maps
// exactly the clusters that fit next to it. FAT size and cluster count
// depend on each other, the fixed point is reached within a few rounds.
func solveGeometry(totalSectors, sectorSize uint32, fsType uint8, spc, numFATs uint8, rootEntries, reserved uint16) (geometry, error) {
	rootSectors := (uint32(rootEntries)*sizeDirEntry + sectorSize - 1) / sectorSize

	spcCandidates := []uint8{spc}
	if spc == 0 {
		spcCandidates = []uint8{1, 2, 4, 8, 16, 32, 64, 128}
	}

	for _, candidate := range spcCandidates {
		if candidate&(candidate-1) != 0 {
			return geometry{}, checkpoint.Wrap(fmt.Errorf("sectors per cluster %d is not a power of two", candidate), ErrFormat)
		}
		if uint64(candidate)*uint64(sectorSize) > maxClusterBytes {
			break
		}

		fatSize := uint32(1)
		var clusters uint32
		for round := 0; round < 16; round++ {
			system := uint32(reserved) + uint32(numFATs)*fatSize + rootSectors
			if totalSectors <= system {
				clusters = 0
				break
			}
			clusters = (totalSectors - system) / uint32(candidate)
			next := uint32((fatBytesFor(fsType, clusters) + uint64(sectorSize) - 1) / uint64(sectorSize))
			if next == fatSize {
				break
			}
			fatSize = next
		}
		if clusters == 0 {
			return geometry{}, checkpoint.Wrap(fmt.Errorf("device too small: %d sectors", totalSectors), ErrFormat)
		}

		// FAT32 needs the root cluster on top of the usable data clusters.
		if fsType == FAT32 && clusters < fat16ClusterLimit+1 {
			continue
		}

		inRange := false
		switch fsType {
		case FAT12:
			inRange = clusters < fat12ClusterLimit
		case FAT16:
			inRange = clusters >= fat12ClusterLimit && clusters < fat16ClusterLimit
		default:
			inRange = clusters >= fat16ClusterLimit
		}
		if !inRange {
			if spc != 0 {
				return geometry{}, checkpoint.Wrap(fmt.Errorf("%d clusters do not fit %s", clusters, fsTypeName(fsType)), ErrFormat)
			}
			// FAT12/16 overflow their range with small clusters, retry
			// with the next size. FAT32 can only undershoot, which a
			// bigger cluster never fixes.
			if fsType == FAT32 {
				return geometry{}, checkpoint.Wrap(fmt.Errorf("device too small for FAT32"), ErrFormat)
			}
			continue
		}

		return geometry{
			totalSectors: totalSectors,
			sectorSize:   sectorSize,
			spc:          candidate,
			numFATs:      numFATs,
			rootEntries:  rootEntries,
			reserved:     reserved,
			fatSize:      fatSize,
			rootSectors:  rootSectors,
			dataClusters: clusters,
		}, nil
	}

	return geometry{}, checkpoint.Wrap(fmt.Errorf("no cluster size fits %d sectors as %s", totalSectors, fsTypeName(fsType)), ErrFormat)
}

func encodeBootSector(geo geometry, fsType uint8, volumeID uint32, label [11]byte) ([]byte, error) {
	bpb := BPB{
		BytesPerSector:      uint16(geo.sectorSize),
		SectorsPerCluster:   geo.spc,
		ReservedSectorCount: geo.reserved,
		NumFATs:             geo.numFATs,
		RootEntryCount:      geo.rootEntries,
		Media:               0xF8,
		SectorsPerTrack:     63,
		NumberOfHeads:       255,
	}
	copy(bpb.BSOEMName[:], "FATFS   ")
	if fsType == FAT32 {
		bpb.BSJumpBoot = [3]byte{0xEB, 0x58, 0x90}
	} else {
		bpb.BSJumpBoot = [3]byte{0xEB, 0x3C, 0x90}
		bpb.FATSize16 = uint16(geo.fatSize)
	}
	if geo.totalSectors < 0x10000 && fsType != FAT32 {
		bpb.TotalSectors16 = uint16(geo.totalSectors)
	} else {
		bpb.TotalSectors32 = geo.totalSectors
	}

	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, &bpb); err != nil {
		return nil, checkpoint.From(err)
	}

	if fsType == FAT32 {
		tail := FAT32SpecificData{
			FatSize:         geo.fatSize,
			RootCluster:     2,
			FSInfo:          1,
			BkBootSector:    fat32BackupBootBase,
			BSDriveNumber:   0x80,
			BSBootSignature: 0x29,
			BSVolumeID:      volumeID,
			BSVolumeLabel:   label,
		}
		copy(tail.BSFileSystemType[:], "FAT32   ")
		if err := binary.Write(&out, binary.LittleEndian, &tail); err != nil {
			return nil, checkpoint.From(err)
		}
	} else {
		tail := FAT16SpecificData{
			BSDriveNumber:   0x80,
			BSBootSignature: 0x29,
			BSVolumeId:      volumeID,
			BSVolumeLabel:   label,
		}
		if fsType == FAT12 {
			copy(tail.BSFileSystemType[:], "FAT12   ")
		} else {
			copy(tail.BSFileSystemType[:], "FAT16   ")
		}
		if err := binary.Write(&out, binary.LittleEndian, &tail); err != nil {
			return nil, checkpoint.From(err)
		}
	}

	sector := make([]byte, geo.sectorSize)
	copy(sector, out.Bytes())
	sector[bootSignatureOffset] = 0x55
	sector[bootSignatureOffset+1] = 0xAA
	return sector, nil
}

func encodeFSInfoSector(freeCount, nextFree uint32) ([]byte, error) {
	fsinfo := FSInfoSector{
		LeadSignature:   fsInfoLeadSignature,
		StructSignature: fsInfoStructSignature,
		FreeCount:       freeCount,
		NextFree:        nextFree,
		TrailSignature:  fsInfoTrailSignature,
	}
	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, &fsinfo); err != nil {
		return nil, checkpoint.From(err)
	}
	return out.Bytes(), nil
}

// writeLabelEntry places the volume label entry in the first root slot.
func writeLabelEntry(cache *sectorCache, info *Info, label [11]byte) error {
	var sector uint32
	if info.FSType == FAT32 {
		sector = info.firstSectorOfCluster(info.RootCluster)
	} else {
		sector = info.RootBase
	}
	buf, err := cache.sector(sector)
	if err != nil {
		return err
	}
	header := EntryHeader{Name: label, Attribute: AttrVolumeId}
	encodeEntryHeader(&header, buf[:sizeDirEntry])
	cache.markDirty(sector)
	return nil
}
