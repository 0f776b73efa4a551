package exfat

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/james-card/NanoOs-sub002/checkpoint"
)

// These errors may occur while processing a file.
var (
	ErrReadFile  = errors.New("could not read file completely")
	ErrWriteFile = errors.New("could not write file completely")
	ErrSeekFile  = errors.New("could not seek inside of the file")
	ErrReadDir   = errors.New("could not read the directory")
)

// File is an open handle on a file or directory. It implements afero.File.
//
// The cursor invariant: currentCluster is the cluster containing offset,
// except when offset sits exactly on a cluster boundary, where the cursor
// stays on the preceding cluster until the next byte is touched. That keeps
// appends at a boundary from stepping into a cluster that may not exist yet.
type File struct {
	fs   *Fs
	path string

	entry      foundEntry
	size       int64
	noFatChain bool

	readable   bool
	writable   bool
	appendMode bool
	open       bool

	offset         int64
	currentCluster uint32
	clusterIndex   int64
}

var _ afero.File = (*File)(nil)

// resetCursor places the cursor at the start of the file.
func (f *File) resetCursor() {
	f.offset = 0
	f.currentCluster = f.entry.set.Stream.FirstCluster
	f.clusterIndex = 0
}

// clusterSpan is the number of clusters the current size occupies.
func (f *File) clusterSpan() int64 {
	bytesPerCluster := int64(f.fs.info.BytesPerCluster)
	return (f.size + bytesPerCluster - 1) / bytesPerCluster
}

// nextDataCluster steps to the cluster following the given one: by
// adjacency for NoFatChain files, through the FAT otherwise. Returns 0 at
// the end of the data.
func (f *File) nextDataCluster(cluster uint32) (uint32, error) {
	if f.noFatChain {
		next := cluster + 1
		if int64(next-f.entry.set.Stream.FirstCluster) >= f.clusterSpan() {
			return 0, nil
		}
		return next, nil
	}

	entry, err := f.fs.readFatEntry(cluster)
	if err != nil {
		return 0, checkpoint.From(err)
	}
	if !entry.IsNextCluster(f.fs.info.ClusterCount) {
		return 0, nil
	}
	return entry.Value(), nil
}

// moveTo walks the cursor to the cluster containing position. The walk
// restarts from the first cluster when the target lies behind the cursor.
func (f *File) moveTo(position int64) error {
	if position == 0 || f.entry.set.Stream.FirstCluster == 0 {
		f.offset = position
		f.currentCluster = f.entry.set.Stream.FirstCluster
		f.clusterIndex = 0
		return nil
	}

	// A position on an exact cluster boundary belongs to the preceding
	// cluster per the cursor invariant.
	target := (position - 1) / int64(f.fs.info.BytesPerCluster)

	if target < f.clusterIndex || f.currentCluster == 0 {
		f.currentCluster = f.entry.set.Stream.FirstCluster
		f.clusterIndex = 0
	}

	for f.clusterIndex < target {
		next, err := f.nextDataCluster(f.currentCluster)
		if err != nil {
			return checkpoint.From(err)
		}
		if next == 0 {
			break
		}
		f.currentCluster = next
		f.clusterIndex++
	}

	f.offset = position
	return nil
}

// advanceCursor moves the cursor into the cluster containing offset when it
// still sits on the boundary of the previous one. Writable handles extend
// the chain when the boundary is the end of it.
func (f *File) advanceCursor(allocate bool) error {
	if f.offset != (f.clusterIndex+1)*int64(f.fs.info.BytesPerCluster) {
		return nil
	}

	next, err := f.nextDataCluster(f.currentCluster)
	if err != nil {
		return checkpoint.From(err)
	}
	if next == 0 {
		if !allocate {
			return checkpoint.From(io.ErrUnexpectedEOF)
		}
		next, err = f.fs.allocateClusterAfter(f.currentCluster)
		if err != nil {
			return checkpoint.From(err)
		}
		if err = f.fs.zeroCluster(next); err != nil {
			return checkpoint.From(err)
		}
	}

	f.currentCluster = next
	f.clusterIndex++
	return nil
}

// Close flushes the directory metadata of writable handles and releases the
// handle. A failed flush is logged and swallowed so that closing never
// fails from the caller's point of view.
func (f *File) Close() error {
	fs := f.fs
	if fs == nil || !f.open {
		return nil
	}

	fs.lock.Lock()
	defer fs.lock.Unlock()

	if f.writable {
		if err := f.flushMetadata(); err != nil {
			fs.log.Warn("could not flush file metadata on close", "path", f.path, "error", err)
		}
	}
	if err := fs.store(); err != nil {
		fs.log.Warn("could not flush the scratch sector on close", "path", f.path, "error", err)
	}

	f.fs = nil
	f.path = ""
	f.entry = foundEntry{}
	f.size = 0
	f.noFatChain = false
	f.readable = false
	f.writable = false
	f.appendMode = false
	f.open = false
	f.offset = 0
	f.currentCluster = 0
	f.clusterIndex = 0

	return nil
}

// flushMetadata rewrites the directory entry set with the current size,
// first cluster and modification time.
func (f *File) flushMetadata() error {
	if f.entry.isRoot() {
		return nil
	}

	f.entry.set.Stream.DataLength = uint64(f.size)
	f.entry.set.Stream.ValidDataLength = uint64(f.size)

	flags := uint8(streamFlagAllocationPossible)
	if f.noFatChain {
		flags |= streamFlagNoFatChain
	}
	f.entry.set.Stream.GeneralSecondaryFlags = flags

	if !f.entry.set.IsDirectory() {
		f.entry.set.File.FileAttributes |= AttrArchive
	}
	f.entry.set.File.LastModifiedTimestamp = EncodeTimestamp(time.Now())

	return f.fs.flushEntrySet(&f.entry)
}

// Read copies up to len(p) bytes from the current position, following the
// cluster chain across boundaries. A failure after the first copied byte
// returns the bytes read so far without an error.
func (f *File) Read(p []byte) (n int, err error) {
	if f.fs == nil {
		return 0, checkpoint.Wrap(afero.ErrFileClosed, ErrReadFile)
	}

	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()
	return f.read(p)
}

func (f *File) read(p []byte) (int, error) {
	if !f.open {
		return 0, checkpoint.Wrap(afero.ErrFileClosed, ErrReadFile)
	}
	if !f.readable {
		return 0, checkpoint.Wrap(syscall.EBADF, ErrReadFile)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if f.offset >= f.size {
		return 0, io.EOF
	}

	bytesPerCluster := int64(f.fs.info.BytesPerCluster)
	bytesPerSector := int64(f.fs.info.BytesPerSector)

	want := int64(len(p))
	if remaining := f.size - f.offset; want > remaining {
		want = remaining
	}

	var n int64
	var stepErr error
	for n < want {
		if f.currentCluster == 0 {
			break
		}
		if stepErr = f.advanceCursor(false); stepErr != nil {
			break
		}

		inCluster := f.offset - f.clusterIndex*bytesPerCluster
		sector := f.fs.clusterToSector(f.currentCluster) + inCluster/bytesPerSector
		offsetInSector := inCluster % bytesPerSector

		chunk := bytesPerSector - offsetInSector
		if chunk > want-n {
			chunk = want - n
		}

		if stepErr = f.fs.fetch(sector); stepErr != nil {
			break
		}
		copy(p[n:n+chunk], f.fs.sector.buffer[offsetInSector:offsetInSector+chunk])

		n += chunk
		f.offset += chunk
	}

	if n == 0 {
		if stepErr == nil {
			stepErr = io.ErrUnexpectedEOF
		}
		return 0, checkpoint.Wrap(stepErr, ErrReadFile)
	}

	return int(n), nil
}

// ReadAt reads from an absolute position without moving the file cursor.
func (f *File) ReadAt(p []byte, off int64) (n int, err error) {
	if f.fs == nil {
		return 0, checkpoint.Wrap(afero.ErrFileClosed, ErrReadFile)
	}

	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if !f.open {
		return 0, checkpoint.Wrap(afero.ErrFileClosed, ErrReadFile)
	}
	if off < 0 {
		return 0, checkpoint.Wrap(syscall.EINVAL, ErrReadFile)
	}
	if off >= f.size {
		return 0, io.EOF
	}

	savedOffset := f.offset

	if err := f.moveTo(off); err != nil {
		return 0, checkpoint.Wrap(err, ErrReadFile)
	}
	n, err = f.read(p)

	if restoreErr := f.moveTo(savedOffset); restoreErr != nil && err == nil {
		err = checkpoint.Wrap(restoreErr, ErrReadFile)
	}
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// Seek resolves offset and whence to an absolute position and moves the
// cursor there. Seeking past the end of a writable file eagerly allocates
// zero-filled clusters up to the target; on a read-only handle it fails.
// May return a syscall.EINVAL error if the whence value is invalid.
// May return an afero.ErrOutOfRange error if the offset is out of range.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.fs == nil {
		return 0, checkpoint.Wrap(afero.ErrFileClosed, ErrSeekFile)
	}

	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()
	return f.seek(offset, whence)
}

func (f *File) seek(offset int64, whence int) (int64, error) {
	if !f.open {
		return 0, checkpoint.Wrap(afero.ErrFileClosed, ErrSeekFile)
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = f.offset + offset
	case io.SeekEnd:
		offset = f.size + offset
	default:
		return 0, checkpoint.Wrap(fmt.Errorf("%w, offset: %v, whence: %v", syscall.EINVAL, offset, whence), ErrSeekFile)
	}

	if offset < 0 || (offset > f.size && !f.writable) {
		return 0, checkpoint.Wrap(fmt.Errorf("%w, offset: %v, whence: %v", afero.ErrOutOfRange, offset, whence), ErrSeekFile)
	}

	if offset > f.size {
		if err := f.extendTo(offset); err != nil {
			return 0, checkpoint.Wrap(err, ErrSeekFile)
		}
	}

	if err := f.moveTo(offset); err != nil {
		return 0, checkpoint.Wrap(err, ErrSeekFile)
	}

	return offset, nil
}

// extendTo materializes zero-filled clusters up to the cluster containing
// position-1 and raises the in-memory size. The directory entry is flushed
// by the next write or by close, not here.
func (f *File) extendTo(position int64) error {
	bytesPerCluster := int64(f.fs.info.BytesPerCluster)
	needed := (position + bytesPerCluster - 1) / bytesPerCluster

	if f.noFatChain && needed > f.clusterSpan() {
		if err := f.convertToFatChain(); err != nil {
			return checkpoint.From(err)
		}
	}

	if f.entry.set.Stream.FirstCluster == 0 {
		cluster, err := f.fs.allocateCluster()
		if err != nil {
			return checkpoint.From(err)
		}
		if err := f.fs.zeroCluster(cluster); err != nil {
			return checkpoint.From(err)
		}

		f.entry.set.Stream.FirstCluster = cluster
		f.currentCluster = cluster
		f.clusterIndex = 0
	}

	cluster := f.entry.set.Stream.FirstCluster
	count := int64(1)
	for {
		next, err := f.nextDataCluster(cluster)
		if err != nil {
			return checkpoint.From(err)
		}
		if next == 0 {
			break
		}
		cluster = next
		count++
	}

	for count < needed {
		next, err := f.fs.allocateClusterAfter(cluster)
		if err != nil {
			return checkpoint.From(err)
		}
		if err := f.fs.zeroCluster(next); err != nil {
			return checkpoint.From(err)
		}
		cluster = next
		count++
	}

	f.size = position
	return nil
}

// convertToFatChain links the contiguous clusters of a NoFatChain file into
// the FAT and clears the flag, so the chain can grow past the original run.
func (f *File) convertToFatChain() error {
	first := f.entry.set.Stream.FirstCluster
	span := f.clusterSpan()

	for i := int64(0); i < span; i++ {
		value := fatEntryEndOfChain
		if i < span-1 {
			value = fatEntry(first + uint32(i) + 1)
		}
		if err := f.fs.writeFatEntry(first+uint32(i), value); err != nil {
			return checkpoint.From(err)
		}
	}

	f.noFatChain = false
	return f.flushMetadata()
}

// Write stores p at the current position, allocating clusters as the file
// grows. When any byte lands, the directory entry is flushed with the new
// size and first cluster before returning. A failure mid-write returns the
// bytes already on disk together with the error.
func (f *File) Write(p []byte) (n int, err error) {
	if f.fs == nil {
		return 0, checkpoint.Wrap(afero.ErrFileClosed, ErrWriteFile)
	}

	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()
	return f.write(p)
}

func (f *File) write(p []byte) (int, error) {
	if !f.open {
		return 0, checkpoint.Wrap(afero.ErrFileClosed, ErrWriteFile)
	}
	if !f.writable {
		return 0, checkpoint.Wrap(syscall.EBADF, ErrWriteFile)
	}
	if len(p) == 0 {
		return 0, nil
	}

	bytesPerCluster := int64(f.fs.info.BytesPerCluster)
	bytesPerSector := int64(f.fs.info.BytesPerSector)
	want := int64(len(p))

	// The first write of an empty file claims its first cluster.
	if f.entry.set.Stream.FirstCluster == 0 {
		cluster, err := f.fs.allocateCluster()
		if err != nil {
			return 0, checkpoint.Wrap(err, ErrWriteFile)
		}
		if err := f.fs.zeroCluster(cluster); err != nil {
			return 0, checkpoint.Wrap(err, ErrWriteFile)
		}

		f.entry.set.Stream.FirstCluster = cluster
		f.currentCluster = cluster
		f.clusterIndex = 0
	}

	// Growing a NoFatChain file may need clusters beyond its contiguous
	// run, which only a FAT chain can describe.
	if f.noFatChain && f.offset+want > f.clusterSpan()*bytesPerCluster {
		if err := f.convertToFatChain(); err != nil {
			return 0, checkpoint.Wrap(err, ErrWriteFile)
		}
	}

	var n int64
	var stepErr error
	for n < want {
		if stepErr = f.advanceCursor(true); stepErr != nil {
			break
		}

		inCluster := f.offset - f.clusterIndex*bytesPerCluster
		sector := f.fs.clusterToSector(f.currentCluster) + inCluster/bytesPerSector
		offsetInSector := inCluster % bytesPerSector

		chunk := bytesPerSector - offsetInSector
		if chunk > want-n {
			chunk = want - n
		}

		// Whole-sector writes skip the read; partial ones read-modify-write.
		if chunk == bytesPerSector {
			stepErr = f.fs.claim(sector)
		} else {
			stepErr = f.fs.fetch(sector)
		}
		if stepErr != nil {
			break
		}

		copy(f.fs.sector.buffer[offsetInSector:offsetInSector+chunk], p[n:n+chunk])
		f.fs.sector.dirty = true

		if stepErr = f.fs.store(); stepErr != nil {
			break
		}

		n += chunk
		f.offset += chunk
		if f.offset > f.size {
			f.size = f.offset
		}
	}

	if n > 0 {
		if err := f.flushMetadata(); err != nil && stepErr == nil {
			stepErr = err
		}
	}

	if stepErr != nil {
		return int(n), checkpoint.Wrap(stepErr, ErrWriteFile)
	}
	return int(n), nil
}

// WriteAt writes at an absolute position without moving the file cursor,
// extending the file when the position lies past the end.
func (f *File) WriteAt(p []byte, off int64) (n int, err error) {
	if f.fs == nil {
		return 0, checkpoint.Wrap(afero.ErrFileClosed, ErrWriteFile)
	}

	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if !f.open {
		return 0, checkpoint.Wrap(afero.ErrFileClosed, ErrWriteFile)
	}
	if off < 0 {
		return 0, checkpoint.Wrap(syscall.EINVAL, ErrWriteFile)
	}

	savedOffset := f.offset

	if off > f.size {
		if err := f.extendTo(off); err != nil {
			return 0, checkpoint.Wrap(err, ErrWriteFile)
		}
	}
	if err := f.moveTo(off); err != nil {
		return 0, checkpoint.Wrap(err, ErrWriteFile)
	}

	n, err = f.write(p)

	if restoreErr := f.moveTo(savedOffset); restoreErr != nil && err == nil {
		err = checkpoint.Wrap(restoreErr, ErrWriteFile)
	}
	return n, err
}

func (f *File) Name() string {
	return f.entry.set.Name
}

// Readdir reads the contents of a directory handle, paginating through
// repeated calls with positive counts the way os.File does.
// May return syscall.ENOTDIR if the current File is no directory.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	if f.fs == nil {
		return nil, checkpoint.Wrap(afero.ErrFileClosed, ErrReadDir)
	}

	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if !f.open {
		return nil, checkpoint.Wrap(afero.ErrFileClosed, ErrReadDir)
	}
	if !f.entry.set.IsDirectory() {
		return nil, checkpoint.Wrap(syscall.ENOTDIR, ErrReadDir)
	}

	var content []os.FileInfo
	err := f.fs.forEachEntrySet(f.entry.set.Stream.FirstCluster, func(found foundEntry) (bool, error) {
		content = append(content, found.set.FileInfo())
		return false, nil
	})
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	end := len(content)

	// A seek on the handle may have pushed the position past the entry
	// count; everything past the end reads as an empty listing.
	if f.offset > int64(len(content)) {
		f.offset = int64(len(content))
	}

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

	return content, err
}

func (f *File) Readdirnames(count int) ([]string, error) {
	content, err := f.Readdir(count)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	names := make([]string, len(content))
	for i, entry := range content {
		names[i] = entry.Name()
	}

	return names, err
}

// Stat returns the file info of the handle, reflecting size changes that
// have not been flushed yet.
func (f *File) Stat() (os.FileInfo, error) {
	if f.fs == nil {
		return nil, checkpoint.From(afero.ErrFileClosed)
	}

	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if !f.open {
		return nil, checkpoint.From(afero.ErrFileClosed)
	}

	set := f.entry.set
	if !set.IsDirectory() {
		set.Stream.DataLength = uint64(f.size)
	}
	return set.FileInfo(), nil
}

// Sync flushes directory metadata and the scratch sector to the device.
func (f *File) Sync() error {
	if f.fs == nil {
		return checkpoint.From(afero.ErrFileClosed)
	}

	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	if !f.open {
		return checkpoint.From(afero.ErrFileClosed)
	}

	if f.writable {
		if err := f.flushMetadata(); err != nil {
			return checkpoint.From(err)
		}
	}
	return f.fs.store()
}

// Truncate resizes the file. Growing allocates zero-filled clusters like a
// seek past the end; shrinking frees every cluster past the new tail. A
// cursor pointing past the new end moves to the new end.
func (f *File) Truncate(size int64) error {
	if f.fs == nil {
		return checkpoint.From(afero.ErrFileClosed)
	}

	f.fs.lock.Lock()
	defer f.fs.lock.Unlock()

	switch {
	case !f.open:
		return checkpoint.From(afero.ErrFileClosed)
	case !f.writable:
		return checkpoint.From(syscall.EBADF)
	case f.entry.set.IsDirectory():
		return checkpoint.From(ErrIsDirectory)
	case size < 0:
		return checkpoint.From(ErrInvalidParameter)
	}

	switch {
	case size == f.size:
		return nil
	case size > f.size:
		if err := f.extendTo(size); err != nil {
			return checkpoint.From(err)
		}
	default:
		if err := f.shrinkTo(size); err != nil {
			return checkpoint.From(err)
		}
	}

	if f.offset > size {
		f.offset = size
	}
	if err := f.moveTo(f.offset); err != nil {
		return checkpoint.From(err)
	}

	return f.flushMetadata()
}

// shrinkTo releases the clusters past the new size and lowers it. The kept
// prefix of a NoFatChain file stays contiguous, so the flag survives.
func (f *File) shrinkTo(size int64) error {
	bytesPerCluster := int64(f.fs.info.BytesPerCluster)
	keep := (size + bytesPerCluster - 1) / bytesPerCluster
	first := f.entry.set.Stream.FirstCluster

	switch {
	case keep == 0:
		if err := f.fs.releaseData(&f.entry.set); err != nil {
			return checkpoint.From(err)
		}
		f.entry.set.Stream.FirstCluster = 0
		f.noFatChain = false
		f.currentCluster = 0
		f.clusterIndex = 0

	case f.noFatChain:
		span := f.clusterSpan()
		if span > keep {
			if err := f.fs.freeClusterSpan(first+uint32(keep), uint32(span-keep)); err != nil {
				return checkpoint.From(err)
			}
		}

	default:
		cluster := first
		for i := int64(1); i < keep; i++ {
			next, err := f.nextDataCluster(cluster)
			if err != nil {
				return checkpoint.From(err)
			}
			if next == 0 {
				break
			}
			cluster = next
		}

		tail, err := f.nextDataCluster(cluster)
		if err != nil {
			return checkpoint.From(err)
		}
		if err := f.fs.writeFatEntry(cluster, fatEntryEndOfChain); err != nil {
			return checkpoint.From(err)
		}
		if tail != 0 {
			if err := f.fs.freeClusterChain(tail); err != nil {
				return checkpoint.From(err)
			}
		}
	}

	f.size = size
	return nil
}

func (f *File) WriteString(s string) (ret int, err error) {
	return f.Write([]byte(s))
}
