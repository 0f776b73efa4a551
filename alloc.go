package exfat

import (
	"encoding/binary"

	"github.com/james-card/NanoOs-sub002/checkpoint"
)

// clusterRange is a contiguous run of allocated clusters that the FAT does
// not describe. Files flagged NoFatChain occupy exactly one such run.
type clusterRange struct {
	first uint32
	last  uint32
}

func (r clusterRange) contains(cluster uint32) bool {
	return cluster >= r.first && cluster <= r.last
}

// validCluster reports whether the cluster number addresses a cluster inside
// the cluster heap.
func (fs *Fs) validCluster(cluster uint32) bool {
	return cluster >= firstDataCluster && cluster < firstDataCluster+fs.info.ClusterCount
}

// clusterToSector converts a cluster number to the absolute sector of its
// first byte, or invalidSector if the cluster lies outside the heap.
func (fs *Fs) clusterToSector(cluster uint32) int64 {
	if !fs.validCluster(cluster) {
		return invalidSector
	}

	return fs.info.ClusterHeapStartSector + int64(cluster-firstDataCluster)*int64(fs.info.SectorsPerCluster)
}

func (fs *Fs) fatPosition(cluster uint32) (sector int64, offset int) {
	byteOffset := int64(cluster) * 4
	sector = fs.info.FatStartSector + byteOffset/int64(fs.info.BytesPerSector)
	offset = int(byteOffset % int64(fs.info.BytesPerSector))
	return sector, offset
}

// readFatEntry loads the FAT entry of the given cluster.
func (fs *Fs) readFatEntry(cluster uint32) (fatEntry, error) {
	if !fs.validCluster(cluster) {
		return 0, checkpoint.From(ErrInvalidParameter)
	}

	sector, offset := fs.fatPosition(cluster)
	if err := fs.fetch(sector); err != nil {
		return 0, checkpoint.From(err)
	}

	return fatEntry(binary.LittleEndian.Uint32(fs.sector.buffer[offset:])), nil
}

// writeFatEntry stores a FAT entry and flushes the containing sector so that
// chain updates are never left sitting in the cache.
func (fs *Fs) writeFatEntry(cluster uint32, value fatEntry) error {
	if !fs.validCluster(cluster) {
		return checkpoint.From(ErrInvalidParameter)
	}

	sector, offset := fs.fatPosition(cluster)
	if err := fs.fetch(sector); err != nil {
		return checkpoint.From(err)
	}

	binary.LittleEndian.PutUint32(fs.sector.buffer[offset:], uint32(value))
	fs.sector.dirty = true

	return fs.store()
}

// bitmapPosition locates the allocation bitmap bit of a cluster. Bitmap
// clusters are laid out contiguously starting at the cluster named by the
// bitmap directory entry.
func (fs *Fs) bitmapPosition(cluster uint32) (sector int64, offset int, mask byte) {
	bit := int64(cluster - firstDataCluster)
	sector = fs.clusterToSector(fs.info.bitmapCluster) + bit/8/int64(fs.info.BytesPerSector)
	offset = int(bit / 8 % int64(fs.info.BytesPerSector))
	mask = 1 << (bit % 8)
	return sector, offset, mask
}

// readBitmapBit reports whether the allocation bitmap marks the cluster as
// in use.
func (fs *Fs) readBitmapBit(cluster uint32) (bool, error) {
	if !fs.validCluster(cluster) {
		return false, checkpoint.From(ErrInvalidParameter)
	}

	sector, offset, mask := fs.bitmapPosition(cluster)
	if err := fs.fetch(sector); err != nil {
		return false, checkpoint.From(err)
	}

	return fs.sector.buffer[offset]&mask != 0, nil
}

// writeBitmapBit sets or clears the allocation bitmap bit of a cluster with
// a read-modify-write of the containing sector.
func (fs *Fs) writeBitmapBit(cluster uint32, allocated bool) error {
	if !fs.validCluster(cluster) {
		return checkpoint.From(ErrInvalidParameter)
	}

	sector, offset, mask := fs.bitmapPosition(cluster)
	if err := fs.fetch(sector); err != nil {
		return checkpoint.From(err)
	}

	if allocated {
		fs.sector.buffer[offset] |= mask
	} else {
		fs.sector.buffer[offset] &^= mask
	}
	fs.sector.dirty = true

	return fs.store()
}

// collectNoFatChainRanges walks the whole directory tree for stream entries
// with the NoFatChain flag and returns the cluster runs they occupy. Such
// runs look free in the FAT, so the allocator must know about them before it
// can trust a FAT entry. The visited set keeps corrupt directory loops from
// walking forever.
func (fs *Fs) collectNoFatChainRanges() ([]clusterRange, error) {
	var ranges []clusterRange

	pending := []uint32{fs.info.RootCluster}
	visited := make(map[uint32]bool)

	for len(pending) > 0 {
		dir := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if visited[dir] {
			continue
		}
		visited[dir] = true

		// The file entry tells whether the stream entry after it belongs
		// to a subdirectory.
		var attributes uint16

		err := fs.walkDirectory(dir, func(_ uint32, _ int, raw []byte) (bool, error) {
			switch raw[0] {
			case entryTypeFile:
				entry, err := decodeFileEntry(raw)
				if err != nil {
					return false, checkpoint.From(err)
				}
				attributes = entry.FileAttributes

			case entryTypeStreamExtension:
				stream, err := decodeStreamEntry(raw)
				if err != nil {
					return false, checkpoint.From(err)
				}
				if !fs.validCluster(stream.FirstCluster) {
					return false, nil
				}

				if attributes&AttrDirectory != 0 {
					pending = append(pending, stream.FirstCluster)
					return false, nil
				}
				if stream.GeneralSecondaryFlags&streamFlagNoFatChain == 0 || stream.DataLength == 0 {
					return false, nil
				}

				span := uint32((stream.DataLength + uint64(fs.info.BytesPerCluster) - 1) / uint64(fs.info.BytesPerCluster))
				ranges = append(ranges, clusterRange{first: stream.FirstCluster, last: stream.FirstCluster + span - 1})
			}
			return false, nil
		})
		if err != nil {
			return nil, checkpoint.From(err)
		}
	}

	return ranges, nil
}

func insideRanges(ranges []clusterRange, cluster uint32) bool {
	for _, r := range ranges {
		if r.contains(cluster) {
			return true
		}
	}
	return false
}

// findFreeCluster returns the lowest cluster that is free in the allocation
// bitmap, free in the FAT and not covered by any NoFatChain file.
func (fs *Fs) findFreeCluster() (uint32, error) {
	ranges, err := fs.collectNoFatChainRanges()
	if err != nil {
		return 0, checkpoint.From(err)
	}

	for cluster := uint32(firstDataCluster); cluster < firstDataCluster+fs.info.ClusterCount; cluster++ {
		if insideRanges(ranges, cluster) {
			continue
		}

		allocated, err := fs.readBitmapBit(cluster)
		if err != nil {
			return 0, checkpoint.From(err)
		}
		if allocated {
			continue
		}

		entry, err := fs.readFatEntry(cluster)
		if err != nil {
			return 0, checkpoint.From(err)
		}
		if !entry.IsFree() {
			continue
		}

		return cluster, nil
	}

	return 0, checkpoint.From(ErrDiskFull)
}

// allocateCluster claims a free cluster as the sole member of a new chain:
// its FAT entry becomes end-of-chain and its bitmap bit is set.
func (fs *Fs) allocateCluster() (uint32, error) {
	cluster, err := fs.findFreeCluster()
	if err != nil {
		return 0, checkpoint.From(err)
	}

	if err := fs.writeFatEntry(cluster, fatEntryEndOfChain); err != nil {
		return 0, checkpoint.From(err)
	}
	if err := fs.writeBitmapBit(cluster, true); err != nil {
		return 0, checkpoint.From(err)
	}

	return cluster, nil
}

// allocateClusterAfter extends a chain by one cluster and links the
// predecessor to it.
func (fs *Fs) allocateClusterAfter(previous uint32) (uint32, error) {
	cluster, err := fs.allocateCluster()
	if err != nil {
		return 0, checkpoint.From(err)
	}

	if err := fs.writeFatEntry(previous, fatEntry(cluster)); err != nil {
		return 0, checkpoint.From(err)
	}

	return cluster, nil
}

// freeClusterChain walks a FAT chain from its first cluster and releases
// every member, clearing both the FAT entry and the bitmap bit. The
// successor is captured before the FAT entry is destroyed.
func (fs *Fs) freeClusterChain(first uint32) error {
	cluster := first
	for fs.validCluster(cluster) {
		next, err := fs.readFatEntry(cluster)
		if err != nil {
			return checkpoint.From(err)
		}

		if err := fs.writeFatEntry(cluster, fatEntryFree); err != nil {
			return checkpoint.From(err)
		}
		if err := fs.writeBitmapBit(cluster, false); err != nil {
			return checkpoint.From(err)
		}

		if !next.IsNextCluster(fs.info.ClusterCount) {
			break
		}
		cluster = next.Value()
	}

	return nil
}

// freeClusterSpan releases a contiguous NoFatChain run. The FAT never
// described the run, so only bitmap bits are cleared, plus any stale FAT
// entries left over from earlier chain use.
func (fs *Fs) freeClusterSpan(first uint32, count uint32) error {
	for i := uint32(0); i < count; i++ {
		cluster := first + i
		if !fs.validCluster(cluster) {
			break
		}

		if err := fs.writeFatEntry(cluster, fatEntryFree); err != nil {
			return checkpoint.From(err)
		}
		if err := fs.writeBitmapBit(cluster, false); err != nil {
			return checkpoint.From(err)
		}
	}

	return nil
}

// releaseData frees the data clusters of an entry set, choosing the chain
// or span strategy based on the NoFatChain flag.
func (fs *Fs) releaseData(set *EntrySet) error {
	if !fs.validCluster(set.Stream.FirstCluster) || set.Stream.DataLength == 0 {
		return nil
	}

	if set.NoFatChain() {
		return fs.freeClusterSpan(set.Stream.FirstCluster, set.clusterSpan(int64(fs.info.BytesPerCluster)))
	}
	return fs.freeClusterChain(set.Stream.FirstCluster)
}

// zeroCluster clears every sector of a cluster. Freshly allocated directory
// clusters must read as end-of-directory markers.
func (fs *Fs) zeroCluster(cluster uint32) error {
	sector := fs.clusterToSector(cluster)
	if sector == invalidSector {
		return checkpoint.From(ErrInvalidParameter)
	}

	for i := 0; i < fs.info.SectorsPerCluster; i++ {
		if err := fs.claim(sector + int64(i)); err != nil {
			return checkpoint.From(err)
		}

		for j := range fs.sector.buffer {
			fs.sector.buffer[j] = 0
		}
		fs.sector.dirty = true

		if err := fs.store(); err != nil {
			return checkpoint.From(err)
		}
	}

	return nil
}
