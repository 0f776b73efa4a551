package exfat

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/go-restruct/restruct"
	"github.com/google/uuid"

	"github.com/james-card/NanoOs-sub002/checkpoint"
)

// FormatConfig controls how Format lays out a new volume.
type FormatConfig struct {
	// BytesPerSector must match the device block size. 0 selects 512.
	BytesPerSector int
	// SectorsPerCluster must be a power of two. 0 selects 4.
	SectorsPerCluster int
	// ClusterCount is the number of data clusters in the cluster heap.
	// 0 selects 256.
	ClusterCount uint32
	// Label optionally names the volume: ASCII, up to 11 characters.
	Label string
	// VolumeSerial seeds the volume serial number. 0 derives one from a
	// random UUID.
	VolumeSerial uint32
}

const (
	// The boot region reserves 24 sectors ahead of the first FAT.
	formatFatOffset = 24

	// The built-in upcase table covers the ASCII range, which is all the
	// name comparison logic folds.
	upcaseTableLength = 128
)

func buildUpcaseTable() []byte {
	table := make([]byte, upcaseTableLength*2)
	for i := 0; i < upcaseTableLength; i++ {
		c := uint16(i)
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		binary.LittleEndian.PutUint16(table[i*2:], c)
	}
	return table
}

// upcaseChecksum is the 32-bit variant of the rotate-right hash, applied to
// the on-disk upcase table.
func upcaseChecksum(table []byte) uint32 {
	var sum uint32
	for _, b := range table {
		sum = (sum>>1 | sum<<31) + uint32(b)
	}
	return sum
}

// Format writes a fresh exFAT filesystem to the device: boot sector, FAT,
// allocation bitmap, upcase table and an empty root directory holding their
// entries.
func Format(device BlockDevice, cfg FormatConfig) error {
	if cfg.BytesPerSector == 0 {
		cfg.BytesPerSector = 512
	}
	if cfg.SectorsPerCluster == 0 {
		cfg.SectorsPerCluster = 4
	}
	if cfg.ClusterCount == 0 {
		cfg.ClusterCount = 256
	}

	bps := cfg.BytesPerSector
	bpsShift := bits.TrailingZeros(uint(bps))
	if 1<<bpsShift != bps || bpsShift < 9 || bpsShift > 12 {
		return checkpoint.Wrap(fmt.Errorf("bytes per sector %d", bps), ErrInvalidParameter)
	}
	spcShift := bits.TrailingZeros(uint(cfg.SectorsPerCluster))
	if 1<<spcShift != cfg.SectorsPerCluster || spcShift > 25-bpsShift {
		return checkpoint.Wrap(fmt.Errorf("sectors per cluster %d", cfg.SectorsPerCluster), ErrInvalidParameter)
	}
	if bps != device.BlockSize() {
		return checkpoint.Wrap(fmt.Errorf("sector size %d does not match device block size %d", bps, device.BlockSize()), ErrInvalidParameter)
	}
	if len(cfg.Label) > 11 {
		return checkpoint.Wrap(fmt.Errorf("volume label %q is too long", cfg.Label), ErrInvalidParameter)
	}
	for i := 0; i < len(cfg.Label); i++ {
		if cfg.Label[i] < 0x20 || cfg.Label[i] >= 0x80 {
			return checkpoint.Wrap(fmt.Errorf("volume label %q is not ASCII", cfg.Label), ErrInvalidParameter)
		}
	}

	bpc := bps * cfg.SectorsPerCluster
	bitmapBytes := (int64(cfg.ClusterCount) + 7) / 8
	bitmapClusters := uint32((bitmapBytes + int64(bpc) - 1) / int64(bpc))
	upcaseTable := buildUpcaseTable()

	bitmapFirst := uint32(firstDataCluster)
	upcaseFirst := bitmapFirst + bitmapClusters
	rootCluster := upcaseFirst + 1
	metaClusters := bitmapClusters + 2

	if cfg.ClusterCount < metaClusters+1 {
		return checkpoint.Wrap(fmt.Errorf("cluster count %d cannot hold the filesystem metadata", cfg.ClusterCount), ErrInvalidParameter)
	}

	fatLength := (int64(cfg.ClusterCount+2)*4 + int64(bps) - 1) / int64(bps)
	heapOffset := int64(formatFatOffset) + fatLength
	totalSectors := heapOffset + int64(cfg.ClusterCount)*int64(cfg.SectorsPerCluster)

	serial := cfg.VolumeSerial
	if serial == 0 {
		id, err := uuid.NewRandom()
		if err != nil {
			return checkpoint.From(err)
		}
		serial = binary.LittleEndian.Uint32(id[0:4]) ^
			binary.LittleEndian.Uint32(id[4:8]) ^
			binary.LittleEndian.Uint32(id[8:12]) ^
			binary.LittleEndian.Uint32(id[12:16])
	}

	f := &formatter{device: device, bps: bps}

	boot := BootSector{
		JumpBoot:                    [3]byte{0xEB, 0x76, 0x90},
		VolumeLength:                uint64(totalSectors),
		FatOffset:                   uint32(formatFatOffset),
		FatLength:                   uint32(fatLength),
		ClusterHeapOffset:           uint32(heapOffset),
		ClusterCount:                cfg.ClusterCount,
		FirstClusterOfRootDirectory: rootCluster,
		VolumeSerialNumber:          serial,
		FileSystemRevision:          0x0100,
		BytesPerSectorShift:         uint8(bpsShift),
		SectorsPerClusterShift:      uint8(spcShift),
		NumberOfFats:                1,
		DriveSelect:                 0x80,
		BootSignature:               bootSignature,
	}
	copy(boot.FileSystemName[:], fileSystemName)

	raw, err := restruct.Pack(binary.LittleEndian, &boot)
	if err != nil {
		return checkpoint.From(err)
	}
	if err := f.writeSector(0, raw); err != nil {
		return err
	}

	// The rest of the boot region stays zero.
	for sector := int64(1); sector < formatFatOffset; sector++ {
		if err := f.writeSector(sector, nil); err != nil {
			return err
		}
	}

	if err := f.writeFat(cfg, bitmapFirst, upcaseFirst, rootCluster, fatLength); err != nil {
		return err
	}
	if err := f.writeBitmap(cfg, heapOffset, bitmapFirst, bitmapClusters, metaClusters); err != nil {
		return err
	}

	upcaseSector := heapOffset + int64(upcaseFirst-firstDataCluster)*int64(cfg.SectorsPerCluster)
	if err := f.writeClusterData(upcaseSector, cfg.SectorsPerCluster, upcaseTable); err != nil {
		return err
	}

	root, err := buildRootDirectory(cfg, bitmapFirst, uint64(bitmapBytes), upcaseFirst, upcaseTable)
	if err != nil {
		return err
	}
	rootSector := heapOffset + int64(rootCluster-firstDataCluster)*int64(cfg.SectorsPerCluster)
	if err := f.writeClusterData(rootSector, cfg.SectorsPerCluster, root); err != nil {
		return err
	}

	// Touching the last sector proves the device holds the whole volume and
	// grows image files to their nominal size.
	return f.writeSector(totalSectors-1, nil)
}

type formatter struct {
	device BlockDevice
	bps    int
}

// writeSector writes one sector, zero padding data to the sector size.
func (f *formatter) writeSector(sector int64, data []byte) error {
	buffer := make([]byte, f.bps)
	copy(buffer, data)

	n, err := f.device.WriteBlocks(buffer, sector)
	if err != nil {
		return checkpoint.Wrap(err, ErrDeviceIO)
	}
	if n != f.bps {
		return checkpoint.From(ErrShortTransfer)
	}
	return nil
}

// writeClusterData writes data at the start of a cluster and zeroes the
// remainder of it.
func (f *formatter) writeClusterData(sector int64, sectorsPerCluster int, data []byte) error {
	for i := 0; i < sectorsPerCluster; i++ {
		var chunk []byte
		from := i * f.bps
		if from < len(data) {
			to := from + f.bps
			if to > len(data) {
				to = len(data)
			}
			chunk = data[from:to]
		}

		if err := f.writeSector(sector+int64(i), chunk); err != nil {
			return err
		}
	}
	return nil
}

// writeFat lays down the FAT: media and reserved markers, the chains of the
// metadata clusters, and free entries everywhere else.
func (f *formatter) writeFat(cfg FormatConfig, bitmapFirst, upcaseFirst, rootCluster uint32, fatLength int64) error {
	value := func(index uint32) uint32 {
		switch {
		case index == 0:
			return uint32(fatEntryMedia)
		case index == 1:
			return uint32(fatEntryEndOfChain)
		case index >= bitmapFirst && index < upcaseFirst:
			if index == upcaseFirst-1 {
				return uint32(fatEntryEndOfChain)
			}
			return index + 1
		case index == upcaseFirst || index == rootCluster:
			return uint32(fatEntryEndOfChain)
		}
		return uint32(fatEntryFree)
	}

	entriesPerSector := f.bps / 4
	total := cfg.ClusterCount + 2

	for sector := int64(0); sector < fatLength; sector++ {
		buffer := make([]byte, f.bps)
		for e := 0; e < entriesPerSector; e++ {
			index := uint32(sector)*uint32(entriesPerSector) + uint32(e)
			if index >= total {
				break
			}
			binary.LittleEndian.PutUint32(buffer[e*4:], value(index))
		}

		if err := f.writeSector(formatFatOffset+sector, buffer); err != nil {
			return err
		}
	}
	return nil
}

// writeBitmap marks the metadata clusters allocated and everything else
// free.
func (f *formatter) writeBitmap(cfg FormatConfig, heapOffset int64, bitmapFirst, bitmapClusters, metaClusters uint32) error {
	start := heapOffset + int64(bitmapFirst-firstDataCluster)*int64(cfg.SectorsPerCluster)
	sectors := int64(bitmapClusters) * int64(cfg.SectorsPerCluster)

	for sector := int64(0); sector < sectors; sector++ {
		buffer := make([]byte, f.bps)
		for b := 0; b < f.bps*8; b++ {
			bit := sector*int64(f.bps)*8 + int64(b)
			if bit >= int64(metaClusters) {
				break
			}
			buffer[b/8] |= 1 << (b % 8)
		}

		if err := f.writeSector(start+sector, buffer); err != nil {
			return err
		}
	}
	return nil
}

// buildRootDirectory assembles the initial root directory entries: the
// optional volume label, the allocation bitmap and the upcase table.
func buildRootDirectory(cfg FormatConfig, bitmapFirst uint32, bitmapBytes uint64, upcaseFirst uint32, upcaseTable []byte) ([]byte, error) {
	var entries []interface{}

	if cfg.Label != "" {
		label := VolumeLabelEntry{
			EntryType:      entryTypeVolumeLabel,
			CharacterCount: uint8(len(cfg.Label)),
		}
		for i, unit := range nameToUTF16(cfg.Label) {
			label.VolumeLabel[i] = unit
		}
		entries = append(entries, &label)
	}

	entries = append(entries,
		&AllocationBitmapEntry{
			EntryType:    entryTypeAllocationBitmap,
			FirstCluster: bitmapFirst,
			DataLength:   bitmapBytes,
		},
		&UpcaseTableEntry{
			EntryType:     entryTypeUpcaseTable,
			TableChecksum: upcaseChecksum(upcaseTable),
			FirstCluster:  upcaseFirst,
			DataLength:    uint64(len(upcaseTable)),
		})

	raw := make([]byte, 0, len(entries)*directoryEntrySize)
	for _, entry := range entries {
		packed, err := encodeEntry(entry)
		if err != nil {
			return nil, err
		}
		raw = append(raw, packed...)
	}
	return raw, nil
}
