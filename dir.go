package exfat

import (
	"errors"
	"strings"

	"github.com/james-card/NanoOs-sub002/checkpoint"
)

// foundEntry couples a decoded entry set with the directory slot holding its
// file entry, so metadata can be rewritten in place later.
type foundEntry struct {
	set     EntrySet
	cluster uint32
	index   int
}

// isRoot reports whether this is the synthetic root entry, which has no
// on-disk slot.
func (f *foundEntry) isRoot() bool {
	return f.index < 0
}

// rootEntry synthesizes an entry set for the root directory. The root has no
// file entry of its own, only a first cluster from the boot sector.
func (fs *Fs) rootEntry() foundEntry {
	found := foundEntry{cluster: 0, index: -1}
	found.set.File.EntryType = entryTypeFile
	found.set.File.FileAttributes = AttrDirectory
	found.set.Stream.EntryType = entryTypeStreamExtension
	found.set.Stream.GeneralSecondaryFlags = streamFlagAllocationPossible
	found.set.Stream.FirstCluster = fs.info.RootCluster
	found.set.Name = "/"
	return found
}

func (fs *Fs) entriesPerSector() int {
	return fs.info.BytesPerSector / directoryEntrySize
}

func (fs *Fs) entriesPerCluster() int {
	return fs.info.BytesPerCluster / directoryEntrySize
}

// readDirectoryEntry copies the raw 32-byte entry at the given slot out of
// the scratch sector. Callers get a stable copy they may hold across further
// device access.
func (fs *Fs) readDirectoryEntry(cluster uint32, index int, dst []byte) error {
	sector := fs.clusterToSector(cluster)
	if sector == invalidSector || index < 0 || index >= fs.entriesPerCluster() {
		return checkpoint.From(ErrInvalidParameter)
	}

	byteOffset := index * directoryEntrySize
	sector += int64(byteOffset / fs.info.BytesPerSector)
	offset := byteOffset % fs.info.BytesPerSector

	if err := fs.fetch(sector); err != nil {
		return checkpoint.From(err)
	}

	copy(dst, fs.sector.buffer[offset:offset+directoryEntrySize])
	return nil
}

// writeDirectoryEntry stores one raw 32-byte entry at the given slot and
// flushes the sector.
func (fs *Fs) writeDirectoryEntry(cluster uint32, index int, src []byte) error {
	sector := fs.clusterToSector(cluster)
	if sector == invalidSector || index < 0 || index >= fs.entriesPerCluster() {
		return checkpoint.From(ErrInvalidParameter)
	}

	byteOffset := index * directoryEntrySize
	sector += int64(byteOffset / fs.info.BytesPerSector)
	offset := byteOffset % fs.info.BytesPerSector

	if err := fs.fetch(sector); err != nil {
		return checkpoint.From(err)
	}

	copy(fs.sector.buffer[offset:offset+directoryEntrySize], src)
	fs.sector.dirty = true

	return fs.store()
}

// stepDirectory advances a directory slot by one entry, following the FAT
// when the index runs off the end of the cluster. The returned cluster is
// zero when the chain ends.
func (fs *Fs) stepDirectory(cluster uint32, index int) (uint32, int, error) {
	index++
	if index < fs.entriesPerCluster() {
		return cluster, index, nil
	}

	entry, err := fs.readFatEntry(cluster)
	if err != nil {
		return 0, 0, checkpoint.From(err)
	}
	if !entry.IsNextCluster(fs.info.ClusterCount) {
		return 0, 0, nil
	}

	return entry.Value(), 0, nil
}

// walkDirectory calls fn for every raw entry of the directory starting at
// firstCluster, stopping at the end-of-directory marker, at the end of the
// cluster chain, or when fn asks to stop. fn receives a copy of the entry.
func (fs *Fs) walkDirectory(firstCluster uint32, fn func(cluster uint32, index int, raw []byte) (bool, error)) error {
	var raw [directoryEntrySize]byte

	cluster, index := firstCluster, 0
	for fs.validCluster(cluster) {
		if err := fs.readDirectoryEntry(cluster, index, raw[:]); err != nil {
			return checkpoint.From(err)
		}
		if raw[0] == entryTypeEndOfDirectory {
			return nil
		}

		stop, err := fn(cluster, index, raw[:])
		if err != nil {
			return checkpoint.From(err)
		}
		if stop {
			return nil
		}

		cluster, index, err = fs.stepDirectory(cluster, index)
		if err != nil {
			return checkpoint.From(err)
		}
	}

	return nil
}

// readEntrySetAt assembles the complete entry set whose file entry sits at
// the given slot, crossing sector and cluster boundaries as needed.
func (fs *Fs) readEntrySetAt(cluster uint32, index int) (foundEntry, error) {
	found := foundEntry{cluster: cluster, index: index}

	var raw [directoryEntrySize]byte
	if err := fs.readDirectoryEntry(cluster, index, raw[:]); err != nil {
		return foundEntry{}, checkpoint.From(err)
	}
	if raw[0] != entryTypeFile {
		return foundEntry{}, checkpoint.From(ErrInvalidFileSystem)
	}

	file, err := decodeFileEntry(raw[:])
	if err != nil {
		return foundEntry{}, checkpoint.From(err)
	}
	found.set.File = file

	cluster, index, err = fs.stepDirectory(cluster, index)
	if err != nil {
		return foundEntry{}, checkpoint.From(err)
	}
	if !fs.validCluster(cluster) {
		return foundEntry{}, checkpoint.From(ErrInvalidFileSystem)
	}
	if err := fs.readDirectoryEntry(cluster, index, raw[:]); err != nil {
		return foundEntry{}, checkpoint.From(err)
	}
	if raw[0] != entryTypeStreamExtension {
		return foundEntry{}, checkpoint.From(ErrInvalidFileSystem)
	}

	stream, err := decodeStreamEntry(raw[:])
	if err != nil {
		return foundEntry{}, checkpoint.From(err)
	}
	found.set.Stream = stream

	units := make([]uint16, 0, int(stream.NameLength))
	for i := 0; i < int(file.SecondaryCount)-1; i++ {
		cluster, index, err = fs.stepDirectory(cluster, index)
		if err != nil {
			return foundEntry{}, checkpoint.From(err)
		}
		if !fs.validCluster(cluster) {
			return foundEntry{}, checkpoint.From(ErrInvalidFileSystem)
		}
		if err := fs.readDirectoryEntry(cluster, index, raw[:]); err != nil {
			return foundEntry{}, checkpoint.From(err)
		}
		if raw[0] != entryTypeFileName {
			continue
		}

		nameEntry, err := decodeFileNameEntry(raw[:])
		if err != nil {
			return foundEntry{}, checkpoint.From(err)
		}
		for _, unit := range nameEntry.FileName {
			if len(units) == int(stream.NameLength) {
				break
			}
			units = append(units, unit)
		}
	}
	found.set.Name = decodeUTF16(units)

	return found, nil
}

// forEachEntrySet yields every in-use entry set of a directory. A file
// entry whose secondaries turn out malformed is skipped instead of
// aborting the walk, so one damaged set does not hide the rest of the
// directory.
func (fs *Fs) forEachEntrySet(firstCluster uint32, fn func(found foundEntry) (bool, error)) error {
	return fs.walkDirectory(firstCluster, func(cluster uint32, index int, raw []byte) (bool, error) {
		if raw[0] != entryTypeFile {
			return false, nil
		}

		found, err := fs.readEntrySetAt(cluster, index)
		if errors.Is(err, ErrInvalidFileSystem) {
			return false, nil
		}
		if err != nil {
			return false, checkpoint.From(err)
		}

		return fn(found)
	})
}

// searchDirectory finds the entry set with the given name. The stored name
// hash filters candidates before the full case-insensitive comparison runs.
func (fs *Fs) searchDirectory(dirCluster uint32, name string) (foundEntry, error) {
	hash := calculateNameHash(name)

	var found foundEntry
	matched := false

	err := fs.forEachEntrySet(dirCluster, func(candidate foundEntry) (bool, error) {
		if candidate.set.Stream.NameHash != hash {
			return false, nil
		}
		if !compareFilenames(candidate.set.Name, name) {
			return false, nil
		}

		found = candidate
		matched = true
		return true, nil
	})
	if err != nil {
		return foundEntry{}, checkpoint.From(err)
	}
	if !matched {
		return foundEntry{}, checkpoint.From(ErrNotFound)
	}

	return found, nil
}

// splitPath breaks a path into its components, ignoring empty ones from
// leading, trailing or doubled separators.
func splitPath(path string) []string {
	var parts []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// resolveDirectory walks path components as nested directories starting at
// the root and returns the first cluster of the final one.
func (fs *Fs) resolveDirectory(components []string) (uint32, error) {
	cluster := fs.info.RootCluster
	for _, name := range components {
		found, err := fs.searchDirectory(cluster, name)
		if err != nil {
			return 0, checkpoint.From(err)
		}
		if !found.set.IsDirectory() {
			return 0, checkpoint.From(ErrNotDirectory)
		}
		cluster = found.set.Stream.FirstCluster
	}
	return cluster, nil
}

// splitParent resolves everything but the last path component and returns
// the parent directory's cluster together with the final name.
func (fs *Fs) splitParent(path string) (uint32, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return 0, "", checkpoint.From(ErrInvalidParameter)
	}

	cluster, err := fs.resolveDirectory(parts[:len(parts)-1])
	if err != nil {
		return 0, "", checkpoint.From(err)
	}

	return cluster, parts[len(parts)-1], nil
}

// lookupPath resolves a full path to its entry set. The empty path and "/"
// resolve to the synthetic root entry.
func (fs *Fs) lookupPath(path string) (foundEntry, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return fs.rootEntry(), nil
	}

	cluster, err := fs.resolveDirectory(parts[:len(parts)-1])
	if err != nil {
		return foundEntry{}, checkpoint.From(err)
	}

	return fs.searchDirectory(cluster, parts[len(parts)-1])
}

// writeEntryRun stores consecutive raw entries starting at the given slot.
// The run must not cross a sector boundary, which lets it land with a single
// read-modify-write.
func (fs *Fs) writeEntryRun(cluster uint32, index int, set []byte) error {
	sector := fs.clusterToSector(cluster)
	if sector == invalidSector {
		return checkpoint.From(ErrInvalidParameter)
	}

	byteOffset := index * directoryEntrySize
	offset := byteOffset % fs.info.BytesPerSector
	if offset+len(set) > fs.info.BytesPerSector {
		return checkpoint.From(ErrInvalidParameter)
	}
	sector += int64(byteOffset / fs.info.BytesPerSector)

	if err := fs.fetch(sector); err != nil {
		return checkpoint.From(err)
	}

	copy(fs.sector.buffer[offset:offset+len(set)], set)
	fs.sector.dirty = true

	return fs.store()
}

// createEntrySet places a freshly built entry set into the directory and
// returns the slot of its file entry. Placement keeps the whole set inside
// one sector; when no sector has a long enough run of unused slots the
// directory grows by one zeroed cluster.
func (fs *Fs) createEntrySet(dirCluster uint32, set []byte) (uint32, int, error) {
	if !fs.validCluster(dirCluster) {
		return 0, 0, checkpoint.From(ErrInvalidParameter)
	}

	needed := len(set) / directoryEntrySize
	if needed > fs.entriesPerSector() {
		return 0, 0, checkpoint.From(ErrInvalidParameter)
	}

	// The first end-of-directory marker the scan passes. Slots between it
	// and the placed set must not stay 0x00, or walks would stop early and
	// never reach the set.
	endCluster, endIndex := uint32(0), -1

	var raw [directoryEntrySize]byte
	cluster := dirCluster
	for {
		run := 0
		for index := 0; index < fs.entriesPerCluster(); index++ {
			if index%fs.entriesPerSector() == 0 {
				run = 0
			}

			if err := fs.readDirectoryEntry(cluster, index, raw[:]); err != nil {
				return 0, 0, checkpoint.From(err)
			}
			if raw[0]&entryTypeInUse != 0 {
				run = 0
				continue
			}
			if raw[0] == entryTypeEndOfDirectory && endIndex < 0 {
				endCluster, endIndex = cluster, index
			}

			run++
			if run == needed {
				start := index - needed + 1
				if err := fs.writeEntryRun(cluster, start, set); err != nil {
					return 0, 0, checkpoint.From(err)
				}
				if endIndex >= 0 && !(endCluster == cluster && start <= endIndex) {
					if err := fs.fillEndMarkers(endCluster, endIndex, cluster, start); err != nil {
						return 0, 0, checkpoint.From(err)
					}
				}
				return cluster, start, nil
			}
		}

		next, err := fs.readFatEntry(cluster)
		if err != nil {
			return 0, 0, checkpoint.From(err)
		}
		if !next.IsNextCluster(fs.info.ClusterCount) {
			break
		}
		cluster = next.Value()
	}

	grown, err := fs.allocateClusterAfter(cluster)
	if err != nil {
		return 0, 0, checkpoint.From(err)
	}
	if err := fs.zeroCluster(grown); err != nil {
		return 0, 0, checkpoint.From(err)
	}
	if err := fs.writeEntryRun(grown, 0, set); err != nil {
		return 0, 0, checkpoint.From(err)
	}
	if endIndex >= 0 {
		if err := fs.fillEndMarkers(endCluster, endIndex, grown, 0); err != nil {
			return 0, 0, checkpoint.From(err)
		}
	}

	return grown, 0, nil
}

// fillEndMarkers rewrites every end-of-directory slot from the given one up
// to (but not including) the placed set as an unused slot, keeping the set
// reachable by entry walks.
func (fs *Fs) fillEndMarkers(fromCluster uint32, fromIndex int, toCluster uint32, toIndex int) error {
	var raw [directoryEntrySize]byte

	cluster, index := fromCluster, fromIndex
	for fs.validCluster(cluster) && !(cluster == toCluster && index == toIndex) {
		if err := fs.readDirectoryEntry(cluster, index, raw[:]); err != nil {
			return checkpoint.From(err)
		}
		if raw[0] == entryTypeEndOfDirectory {
			raw[0] = entryTypeUnusedSlot
			if err := fs.writeDirectoryEntry(cluster, index, raw[:]); err != nil {
				return checkpoint.From(err)
			}
		}

		var err error
		cluster, index, err = fs.stepDirectory(cluster, index)
		if err != nil {
			return checkpoint.From(err)
		}
	}

	return nil
}

// flushEntrySet rewrites the file and stream entries of a located set after
// its in-memory copy changed, recomputing the set checksum over every entry
// including the untouched filename entries still on disk.
func (fs *Fs) flushEntrySet(found *foundEntry) error {
	if found.isRoot() {
		return nil
	}

	fileRaw, err := encodeEntry(&found.set.File)
	if err != nil {
		return checkpoint.From(err)
	}
	streamRaw, err := encodeEntry(&found.set.Stream)
	if err != nil {
		return checkpoint.From(err)
	}

	count := int(found.set.File.SecondaryCount) + 1
	var raw [directoryEntrySize]byte
	var sum uint16

	cluster, index := found.cluster, found.index
	for i := 0; i < count; i++ {
		entry := raw[:]
		switch i {
		case 0:
			entry = fileRaw
		case 1:
			entry = streamRaw
		default:
			if err := fs.readDirectoryEntry(cluster, index, raw[:]); err != nil {
				return checkpoint.From(err)
			}
		}

		for at, b := range entry {
			if i == 0 && (at == 2 || at == 3) {
				continue
			}
			sum = checksumFold(sum, b)
		}

		if i < count-1 {
			cluster, index, err = fs.stepDirectory(cluster, index)
			if err != nil {
				return checkpoint.From(err)
			}
			if !fs.validCluster(cluster) {
				return checkpoint.From(ErrInvalidFileSystem)
			}
		}
	}

	found.set.File.SetChecksum = sum
	fileRaw, err = encodeEntry(&found.set.File)
	if err != nil {
		return checkpoint.From(err)
	}

	if err := fs.writeDirectoryEntry(found.cluster, found.index, fileRaw); err != nil {
		return checkpoint.From(err)
	}

	cluster, index, err = fs.stepDirectory(found.cluster, found.index)
	if err != nil {
		return checkpoint.From(err)
	}
	if !fs.validCluster(cluster) {
		return checkpoint.From(ErrInvalidFileSystem)
	}

	return fs.writeDirectoryEntry(cluster, index, streamRaw)
}

// markEntrySetUnused clears the in-use bit on every entry of the set,
// turning the slots into reusable free space without ending the directory.
func (fs *Fs) markEntrySetUnused(found *foundEntry) error {
	if found.isRoot() {
		return checkpoint.From(ErrInvalidParameter)
	}

	count := int(found.set.File.SecondaryCount) + 1
	var raw [directoryEntrySize]byte

	cluster, index := found.cluster, found.index
	for i := 0; i < count; i++ {
		if err := fs.readDirectoryEntry(cluster, index, raw[:]); err != nil {
			return checkpoint.From(err)
		}

		raw[0] &^= entryTypeInUse
		if err := fs.writeDirectoryEntry(cluster, index, raw[:]); err != nil {
			return checkpoint.From(err)
		}

		if i < count-1 {
			var err error
			cluster, index, err = fs.stepDirectory(cluster, index)
			if err != nil {
				return checkpoint.From(err)
			}
			if !fs.validCluster(cluster) {
				break
			}
		}
	}

	return nil
}

// isDirectoryEmpty reports whether a directory holds no in-use entry sets.
func (fs *Fs) isDirectoryEmpty(dirCluster uint32) (bool, error) {
	empty := true

	err := fs.walkDirectory(dirCluster, func(_ uint32, _ int, raw []byte) (bool, error) {
		if raw[0] == entryTypeFile {
			empty = false
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return false, checkpoint.From(err)
	}

	return empty, nil
}

// chainLength counts the clusters of a FAT chain. Used to report directory
// sizes, which have no recorded data length.
func (fs *Fs) chainLength(first uint32) (uint32, error) {
	var count uint32

	cluster := first
	for fs.validCluster(cluster) {
		count++
		if count > fs.info.ClusterCount {
			return 0, checkpoint.From(ErrCorruptChain)
		}

		entry, err := fs.readFatEntry(cluster)
		if err != nil {
			return 0, checkpoint.From(err)
		}
		if !entry.IsNextCluster(fs.info.ClusterCount) {
			break
		}
		cluster = entry.Value()
	}

	return count, nil
}
