// Package exfat implements a read/write exFAT filesystem driver on top of a
// raw block device. The driver owns a single sector-sized scratch buffer, so
// every operation serializes through the filesystem lock and performs plain
// synchronous I/O, which matches the single-task environment the on-disk
// format comes from.
package exfat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-restruct/restruct"
	"github.com/spf13/afero"

	"github.com/james-card/NanoOs-sub002/checkpoint"
)

// Info describes the geometry of a mounted volume, derived from the boot
// sector once at mount time and immutable afterwards.
type Info struct {
	BytesPerSector         int
	SectorsPerCluster      int
	BytesPerCluster        int
	FatStartSector         int64
	ClusterHeapStartSector int64
	RootCluster            uint32
	ClusterCount           uint32
	VolumeSerialNumber     uint32
	Label                  string

	bitmapCluster uint32
	bitmapLength  uint64
}

// Options tunes how a volume is mounted.
type Options struct {
	// StartSector is the device block the volume begins at, for volumes
	// living inside a partition instead of at block 0.
	StartSector int64
	// Logger receives mount and close-time diagnostics. nil selects
	// slog.Default().
	Logger *slog.Logger
}

// Fs is an exFAT filesystem on a block device. It implements afero.Fs.
type Fs struct {
	lock   sync.Mutex
	device BlockDevice
	start  int64
	info   Info
	sector sectorBuffer
	log    *slog.Logger
}

var _ afero.Fs = (*Fs)(nil)

// New mounts the exFAT volume found at the start of the device.
func New(device BlockDevice) (*Fs, error) {
	return NewWithOptions(device, Options{})
}

// NewWithOptions mounts an exFAT volume with explicit options.
func NewWithOptions(device BlockDevice, opts Options) (*Fs, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fs := &Fs{
		device: device,
		start:  opts.StartSector,
		log:    logger,
	}
	fs.sector.current = invalidSector
	fs.sector.buffer = make([]byte, device.BlockSize())

	if err := fs.mount(); err != nil {
		return nil, checkpoint.From(err)
	}

	return fs, nil
}

// mount parses and validates the boot sector, derives the volume geometry
// and locates the allocation bitmap and volume label in the root directory.
func (fs *Fs) mount() error {
	if len(fs.sector.buffer) < 512 {
		return checkpoint.Wrap(fmt.Errorf("block size %d is smaller than a boot sector", fs.device.BlockSize()), ErrInvalidFileSystem)
	}

	if err := fs.fetch(0); err != nil {
		return checkpoint.From(err)
	}

	var boot BootSector
	if err := restruct.Unpack(fs.sector.buffer[:512], binary.LittleEndian, &boot); err != nil {
		return checkpoint.Wrap(err, ErrInvalidFileSystem)
	}

	if string(boot.FileSystemName[:]) != fileSystemName {
		return checkpoint.Wrap(fmt.Errorf("filesystem name %q", boot.FileSystemName), ErrInvalidFileSystem)
	}
	if boot.BootSignature != bootSignature {
		return checkpoint.Wrap(fmt.Errorf("boot signature %#04x", boot.BootSignature), ErrInvalidFileSystem)
	}
	if boot.BytesPerSectorShift < 9 || boot.BytesPerSectorShift > 12 {
		return checkpoint.Wrap(fmt.Errorf("bytes per sector shift %d", boot.BytesPerSectorShift), ErrInvalidFileSystem)
	}
	if boot.SectorsPerClusterShift > 25-boot.BytesPerSectorShift {
		return checkpoint.Wrap(fmt.Errorf("sectors per cluster shift %d", boot.SectorsPerClusterShift), ErrInvalidFileSystem)
	}

	bytesPerSector := 1 << boot.BytesPerSectorShift
	if bytesPerSector != fs.device.BlockSize() {
		return checkpoint.Wrap(fmt.Errorf("volume sector size %d does not match device block size %d", bytesPerSector, fs.device.BlockSize()), ErrInvalidFileSystem)
	}
	if boot.FatOffset == 0 || boot.ClusterHeapOffset == 0 || boot.ClusterCount == 0 {
		return checkpoint.Wrap(fmt.Errorf("incomplete volume geometry"), ErrInvalidFileSystem)
	}

	root := boot.FirstClusterOfRootDirectory
	if root < firstDataCluster || root >= firstDataCluster+boot.ClusterCount {
		return checkpoint.Wrap(fmt.Errorf("root directory cluster %d out of range", root), ErrInvalidFileSystem)
	}

	fs.info = Info{
		BytesPerSector:         bytesPerSector,
		SectorsPerCluster:      1 << boot.SectorsPerClusterShift,
		BytesPerCluster:        bytesPerSector << boot.SectorsPerClusterShift,
		FatStartSector:         int64(boot.FatOffset),
		ClusterHeapStartSector: int64(boot.ClusterHeapOffset),
		RootCluster:            root,
		ClusterCount:           boot.ClusterCount,
		VolumeSerialNumber:     boot.VolumeSerialNumber,
	}

	if err := fs.scanRootMetadata(); err != nil {
		return checkpoint.From(err)
	}

	fs.log.Debug("mounted exFAT volume",
		"serial", fmt.Sprintf("%08X", fs.info.VolumeSerialNumber),
		"clusterCount", fs.info.ClusterCount,
		"bytesPerCluster", fs.info.BytesPerCluster,
		"label", fs.info.Label)

	return nil
}

// scanRootMetadata walks the root directory for the allocation bitmap and
// volume label entries. A volume without a bitmap cannot allocate and is
// rejected.
func (fs *Fs) scanRootMetadata() error {
	err := fs.walkDirectory(fs.info.RootCluster, func(_ uint32, _ int, raw []byte) (bool, error) {
		switch raw[0] {
		case entryTypeAllocationBitmap:
			var entry AllocationBitmapEntry
			if err := restruct.Unpack(raw, binary.LittleEndian, &entry); err != nil {
				return false, checkpoint.From(err)
			}
			fs.info.bitmapCluster = entry.FirstCluster
			fs.info.bitmapLength = entry.DataLength

		case entryTypeVolumeLabel:
			var entry VolumeLabelEntry
			if err := restruct.Unpack(raw, binary.LittleEndian, &entry); err != nil {
				return false, checkpoint.From(err)
			}
			count := int(entry.CharacterCount)
			if count > len(entry.VolumeLabel) {
				count = len(entry.VolumeLabel)
			}
			fs.info.Label = decodeUTF16(entry.VolumeLabel[:count])
		}
		return false, nil
	})
	if err != nil {
		return checkpoint.From(err)
	}

	if !fs.validCluster(fs.info.bitmapCluster) {
		return checkpoint.Wrap(fmt.Errorf("allocation bitmap entry not found in root directory"), ErrInvalidFileSystem)
	}

	return nil
}

// Name returns the name of this filesystem implementation.
func (fs *Fs) Name() string {
	return "exfat"
}

// FSType returns the filesystem type of the mounted volume.
func (fs *Fs) FSType() string {
	return "EXFAT"
}

// Label returns the volume label read at mount time.
func (fs *Fs) Label() string {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.info.Label
}

// Info returns the geometry and identity of the mounted volume.
func (fs *Fs) Info() Info {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.info
}

// SetLabel rewrites the volume label entry in the root directory, creating
// it if the volume never had one. Labels are ASCII and at most 11 characters.
func (fs *Fs) SetLabel(label string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if len(label) > len(VolumeLabelEntry{}.VolumeLabel) {
		return checkpoint.From(ErrInvalidParameter)
	}
	for i := 0; i < len(label); i++ {
		if label[i] < 0x20 || label[i] >= 0x80 {
			return checkpoint.From(ErrInvalidParameter)
		}
	}

	entry := VolumeLabelEntry{
		EntryType:      entryTypeVolumeLabel,
		CharacterCount: uint8(len(label)),
	}
	for i, unit := range nameToUTF16(label) {
		entry.VolumeLabel[i] = unit
	}

	raw, err := encodeEntry(&entry)
	if err != nil {
		return checkpoint.From(err)
	}

	// Rewrite the existing label entry in place when there is one.
	labelCluster, labelIndex := uint32(0), -1
	err = fs.walkDirectory(fs.info.RootCluster, func(cluster uint32, index int, slot []byte) (bool, error) {
		if slot[0] == entryTypeVolumeLabel {
			labelCluster, labelIndex = cluster, index
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return checkpoint.From(err)
	}

	if labelIndex >= 0 {
		err = fs.writeDirectoryEntry(labelCluster, labelIndex, raw)
	} else {
		_, _, err = fs.createEntrySet(fs.info.RootCluster, raw)
	}
	if err != nil {
		return checkpoint.From(err)
	}

	fs.info.Label = label
	return nil
}

// Create creates the named file, truncating it if it already exists.
func (fs *Fs) Create(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0)
}

// Open opens the named file or directory for reading.
func (fs *Fs) Open(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

// OpenFile opens a file with os package style flags. The permission bits
// have no exFAT representation and are ignored.
func (fs *Fs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	file, err := fs.openFile(name, flag)
	if err != nil {
		return nil, checkpoint.From(err)
	}
	return file, nil
}

// OpenMode opens a file using a POSIX fopen style mode string: "r", "r+",
// "w", "w+", "a" and "a+". A "b" anywhere after the first character is
// accepted and ignored.
func (fs *Fs) OpenMode(name, mode string) (afero.File, error) {
	flag, err := parseOpenMode(mode)
	if err != nil {
		return nil, checkpoint.From(err)
	}
	return fs.OpenFile(name, flag, 0)
}

// parseOpenMode translates an fopen mode string into os package open flags.
func parseOpenMode(mode string) (int, error) {
	switch strings.ReplaceAll(mode, "b", "") {
	case "r":
		return os.O_RDONLY, nil
	case "r+":
		return os.O_RDWR, nil
	case "w":
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC, nil
	case "w+":
		return os.O_RDWR | os.O_CREATE | os.O_TRUNC, nil
	case "a":
		return os.O_WRONLY | os.O_CREATE | os.O_APPEND, nil
	case "a+":
		return os.O_RDWR | os.O_CREATE | os.O_APPEND, nil
	}
	return 0, checkpoint.From(ErrInvalidParameter)
}

func accessFlags(flag int) (readable, writable bool) {
	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_RDONLY:
		return true, false
	case os.O_WRONLY:
		return false, true
	default:
		return true, true
	}
}

// openFile resolves or creates the entry behind name and builds a handle
// for it. The caller holds the filesystem lock.
func (fs *Fs) openFile(name string, flag int) (*File, error) {
	readable, writable := accessFlags(flag)

	found, err := fs.lookupPath(name)
	switch {
	case errors.Is(err, ErrNotFound):
		if flag&os.O_CREATE == 0 || !writable {
			return nil, checkpoint.From(err)
		}
		found, err = fs.createFile(name)
		if err != nil {
			return nil, checkpoint.From(err)
		}

	case err != nil:
		return nil, checkpoint.From(err)

	default:
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			return nil, checkpoint.From(ErrExists)
		}
		if writable && found.set.IsDirectory() {
			return nil, checkpoint.From(ErrIsDirectory)
		}
		if writable && found.set.IsReadOnly() {
			return nil, checkpoint.From(ErrReadOnlyFile)
		}
		if writable && flag&os.O_TRUNC != 0 {
			if err := fs.truncateEntry(&found); err != nil {
				return nil, checkpoint.From(err)
			}
		}
	}

	file := &File{
		fs:         fs,
		path:       name,
		entry:      found,
		size:       int64(found.set.Stream.DataLength),
		noFatChain: found.set.NoFatChain(),
		readable:   readable,
		writable:   writable,
		appendMode: flag&os.O_APPEND != 0,
		open:       true,
	}
	file.resetCursor()

	// Append opens position the cursor at the current end of file.
	if file.appendMode {
		if err := file.moveTo(file.size); err != nil {
			return nil, checkpoint.From(err)
		}
	}

	return file, nil
}

// createFile writes a zero length entry set for a new file. The first
// cluster stays unallocated; storage appears lazily on first write.
func (fs *Fs) createFile(path string) (foundEntry, error) {
	dirCluster, leaf, err := fs.splitParent(path)
	if err != nil {
		return foundEntry{}, checkpoint.From(err)
	}

	set, err := buildEntrySet(leaf, AttrArchive, 0, 0, time.Now())
	if err != nil {
		return foundEntry{}, checkpoint.From(err)
	}

	cluster, index, err := fs.createEntrySet(dirCluster, set)
	if err != nil {
		return foundEntry{}, checkpoint.From(err)
	}

	return fs.readEntrySetAt(cluster, index)
}

// truncateEntry releases the data of an existing entry and flushes the
// zeroed size immediately, so a truncating open never leaves a stale chain
// behind on disk.
func (fs *Fs) truncateEntry(found *foundEntry) error {
	if err := fs.releaseData(&found.set); err != nil {
		return checkpoint.From(err)
	}

	found.set.Stream.FirstCluster = 0
	found.set.Stream.DataLength = 0
	found.set.Stream.ValidDataLength = 0
	found.set.Stream.GeneralSecondaryFlags = streamFlagAllocationPossible
	found.set.File.LastModifiedTimestamp = EncodeTimestamp(time.Now())

	return fs.flushEntrySet(found)
}

// Remove deletes the named file or empty directory.
func (fs *Fs) Remove(name string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.remove(name)
}

func (fs *Fs) remove(name string) error {
	found, err := fs.lookupPath(name)
	if err != nil {
		return checkpoint.From(err)
	}
	if found.isRoot() {
		return checkpoint.From(ErrInvalidParameter)
	}

	if found.set.IsDirectory() {
		empty, err := fs.isDirectoryEmpty(found.set.Stream.FirstCluster)
		if err != nil {
			return checkpoint.From(err)
		}
		if !empty {
			return checkpoint.From(ErrNotEmpty)
		}
	}

	if err := fs.releaseData(&found.set); err != nil {
		return checkpoint.From(err)
	}

	return fs.markEntrySetUnused(&found)
}

// RemoveAll deletes the named path and, for directories, everything below
// it first. A missing path is not an error.
func (fs *Fs) RemoveAll(path string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	err := fs.removeAll(path)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (fs *Fs) removeAll(path string) error {
	found, err := fs.lookupPath(path)
	if err != nil {
		return checkpoint.From(err)
	}

	if found.set.IsDirectory() {
		var names []string
		err := fs.forEachEntrySet(found.set.Stream.FirstCluster, func(child foundEntry) (bool, error) {
			names = append(names, child.set.Name)
			return false, nil
		})
		if err != nil {
			return checkpoint.From(err)
		}

		for _, child := range names {
			if err := fs.removeAll(path + "/" + child); err != nil {
				return checkpoint.From(err)
			}
		}
	}

	if found.isRoot() {
		return nil
	}
	return fs.remove(path)
}

// Mkdir creates a directory. Directories get one zeroed cluster up front so
// their entry walk terminates immediately.
func (fs *Fs) Mkdir(name string, perm os.FileMode) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.mkdir(name)
}

func (fs *Fs) mkdir(name string) error {
	_, err := fs.lookupPath(name)
	if err == nil {
		return checkpoint.From(ErrExists)
	}
	if !errors.Is(err, ErrNotFound) {
		return checkpoint.From(err)
	}

	dirCluster, leaf, err := fs.splitParent(name)
	if err != nil {
		return checkpoint.From(err)
	}
	if err := validFileName(leaf); err != nil {
		return checkpoint.From(err)
	}
	// The entry set must fit into one sector, checked before a cluster is
	// claimed so a rejected name leaks nothing.
	if 1+secondaryCountFor(leaf) > fs.entriesPerSector() {
		return checkpoint.From(ErrInvalidParameter)
	}

	cluster, err := fs.allocateCluster()
	if err != nil {
		return checkpoint.From(err)
	}
	if err := fs.zeroCluster(cluster); err != nil {
		return checkpoint.From(err)
	}

	set, err := buildEntrySet(leaf, AttrDirectory, cluster, uint64(fs.info.BytesPerCluster), time.Now())
	if err != nil {
		return checkpoint.From(err)
	}

	if _, _, err := fs.createEntrySet(dirCluster, set); err != nil {
		return checkpoint.From(err)
	}
	return nil
}

// MkdirAll creates a directory along with any missing parents. Existing
// directories along the way are fine; an existing file is not.
func (fs *Fs) MkdirAll(path string, perm os.FileMode) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	current := ""
	for _, part := range splitPath(path) {
		current += "/" + part

		found, err := fs.lookupPath(current)
		if err == nil {
			if !found.set.IsDirectory() {
				return checkpoint.From(ErrNotDirectory)
			}
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return checkpoint.From(err)
		}

		if err := fs.mkdir(current); err != nil {
			return checkpoint.From(err)
		}
	}

	return nil
}

// Rename is not supported.
func (fs *Fs) Rename(oldname, newname string) error {
	return checkpoint.From(ErrNotSupported)
}

// Stat returns the FileInfo of the named path.
func (fs *Fs) Stat(name string) (os.FileInfo, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	found, err := fs.lookupPath(name)
	if err != nil {
		return nil, checkpoint.From(err)
	}

	// The root has no entry set recording a size, so report the chain.
	if found.isRoot() {
		clusters, err := fs.chainLength(fs.info.RootCluster)
		if err != nil {
			return nil, checkpoint.From(err)
		}
		found.set.Stream.DataLength = uint64(clusters) * uint64(fs.info.BytesPerCluster)
	}

	return found.set.FileInfo(), nil
}

// Chmod maps the write permission bit onto the read-only attribute. Other
// mode bits have no on-disk representation and are ignored.
func (fs *Fs) Chmod(name string, mode os.FileMode) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	found, err := fs.lookupPath(name)
	if err != nil {
		return checkpoint.From(err)
	}
	if found.isRoot() {
		return checkpoint.From(ErrInvalidParameter)
	}

	if mode&0o200 == 0 {
		found.set.File.FileAttributes |= AttrReadOnly
	} else {
		found.set.File.FileAttributes &^= AttrReadOnly
	}

	return fs.flushEntrySet(&found)
}

// Chown is not supported; exFAT stores no ownership.
func (fs *Fs) Chown(name string, uid, gid int) error {
	return checkpoint.From(ErrNotSupported)
}

// Chtimes sets the access and modification timestamps of the named path.
func (fs *Fs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	found, err := fs.lookupPath(name)
	if err != nil {
		return checkpoint.From(err)
	}
	if found.isRoot() {
		return checkpoint.From(ErrInvalidParameter)
	}

	found.set.File.LastAccessedTimestamp = EncodeTimestamp(atime)
	found.set.File.LastModifiedTimestamp = EncodeTimestamp(mtime)

	return fs.flushEntrySet(&found)
}

// Sync flushes any modified scratch sector back to the device.
func (fs *Fs) Sync() error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.store()
}
