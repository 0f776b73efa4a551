// File model contains the structs which match the on-disk structures of the
// exFAT filesystem. All of them are little-endian and decoded with restruct,
// so field order and width define the layout.

package exfat

// Directory entry type bytes. Bit 7 is the in-use bit: clearing it turns an
// entry into an unused slot without ending the directory, while 0x00 marks
// the end of the directory.
const (
	entryTypeEndOfDirectory   = 0x00
	entryTypeAllocationBitmap = 0x81
	entryTypeUpcaseTable      = 0x82
	entryTypeVolumeLabel      = 0x83
	entryTypeFile             = 0x85
	entryTypeStreamExtension  = 0xC0
	entryTypeFileName         = 0xC1

	entryTypeInUse = 0x80

	// entryTypeUnusedSlot marks a vacated or skipped slot. The in-use bit is
	// clear, so walks pass over it, where a 0x00 would end the directory.
	entryTypeUnusedSlot = entryTypeFile &^ entryTypeInUse
)

// File attribute bits stored in FileEntry.FileAttributes.
const (
	AttrReadOnly  = 0x0001
	AttrHidden    = 0x0002
	AttrSystem    = 0x0004
	AttrDirectory = 0x0010
	AttrArchive   = 0x0020
)

// StreamEntry.GeneralSecondaryFlags bits.
const (
	streamFlagAllocationPossible = 0x01
	streamFlagNoFatChain         = 0x02
)

const (
	directoryEntrySize = 32

	// A single filename entry carries up to 15 UTF-16 units.
	fileNameEntryCapacity = 15

	// Name length is stored in a single byte.
	maxNameLength = 255
)

const (
	// fileSystemName sits at byte offset 3 of the boot sector.
	fileSystemName = "EXFAT   "

	// bootSignature closes the boot sector at byte offset 510.
	bootSignature = 0xAA55
)

// BootSector is the first sector of an exFAT volume. 512 bytes; volumes with
// larger sectors pad the remainder.
type BootSector struct {
	JumpBoot                    [3]byte
	FileSystemName              [8]byte
	MustBeZero                  [53]byte
	PartitionOffset             uint64
	VolumeLength                uint64
	FatOffset                   uint32
	FatLength                   uint32
	ClusterHeapOffset           uint32
	ClusterCount                uint32
	FirstClusterOfRootDirectory uint32
	VolumeSerialNumber          uint32
	FileSystemRevision          uint16
	VolumeFlags                 uint16
	BytesPerSectorShift         uint8
	SectorsPerClusterShift      uint8
	NumberOfFats                uint8
	DriveSelect                 uint8
	PercentInUse                uint8
	Reserved                    [7]byte
	BootCode                    [390]byte
	BootSignature               uint16
}

// FileEntry is the primary entry of a directory entry set.
type FileEntry struct {
	EntryType                 uint8
	SecondaryCount            uint8
	SetChecksum               uint16
	FileAttributes            uint16
	Reserved1                 uint16
	CreateTimestamp           uint32
	LastModifiedTimestamp     uint32
	LastAccessedTimestamp     uint32
	Create10msIncrement       uint8
	LastModified10msIncrement uint8
	CreateUtcOffset           uint8
	LastModifiedUtcOffset     uint8
	LastAccessedUtcOffset     uint8
	Reserved2                 [7]byte
}

// StreamEntry is the first secondary entry of a set, describing where the
// data lives and how long the name is.
type StreamEntry struct {
	EntryType             uint8
	GeneralSecondaryFlags uint8
	Reserved1             uint8
	NameLength            uint8
	NameHash              uint16
	Reserved2             uint16
	ValidDataLength       uint64
	Reserved3             uint32
	FirstCluster          uint32
	DataLength            uint64
}

// FileNameEntry carries a 15-unit slice of the UTF-16 filename.
type FileNameEntry struct {
	EntryType             uint8
	GeneralSecondaryFlags uint8
	FileName              [15]uint16
}

// AllocationBitmapEntry locates the on-disk allocation bitmap.
type AllocationBitmapEntry struct {
	EntryType    uint8
	BitmapFlags  uint8
	Reserved     [18]byte
	FirstCluster uint32
	DataLength   uint64
}

// UpcaseTableEntry locates the upcase table written at format time.
type UpcaseTableEntry struct {
	EntryType     uint8
	Reserved1     [3]byte
	TableChecksum uint32
	Reserved2     [12]byte
	FirstCluster  uint32
	DataLength    uint64
}

// VolumeLabelEntry holds the user visible volume name.
type VolumeLabelEntry struct {
	EntryType      uint8
	CharacterCount uint8
	VolumeLabel    [11]uint16
	Reserved       [8]byte
}

// EntrySet is a decoded directory entry set: the file and stream entries plus
// the reassembled name. It is what directory reads and lookups hand around.
type EntrySet struct {
	File   FileEntry
	Stream StreamEntry
	Name   string
}

// NoFatChain reports whether the entry's clusters are contiguous and not
// linked through the FAT.
func (e *EntrySet) NoFatChain() bool {
	return e.Stream.GeneralSecondaryFlags&streamFlagNoFatChain != 0
}

// IsDirectory reports the DIRECTORY attribute bit.
func (e *EntrySet) IsDirectory() bool {
	return e.File.FileAttributes&AttrDirectory != 0
}

// IsReadOnly reports the READ_ONLY attribute bit.
func (e *EntrySet) IsReadOnly() bool {
	return e.File.FileAttributes&AttrReadOnly != 0
}

// clusterSpan is the number of clusters the entry's data occupies when laid
// out contiguously.
func (e *EntrySet) clusterSpan(bytesPerCluster int64) uint32 {
	return uint32((int64(e.Stream.DataLength) + bytesPerCluster - 1) / bytesPerCluster)
}

type fatEntry uint32

const (
	fatEntryFree       fatEntry = 0x00000000
	fatEntryBad        fatEntry = 0xFFFFFFF7
	fatEntryMedia      fatEntry = 0xFFFFFFF8
	fatEntryEndOfChain fatEntry = 0xFFFFFFFF

	// Data clusters are numbered from 2.
	firstDataCluster = 2
)

func (e fatEntry) Value() uint32 {
	return uint32(e)
}

func (e fatEntry) IsFree() bool {
	return e == fatEntryFree
}

func (e fatEntry) IsBad() bool {
	return e == fatEntryBad
}

func (e fatEntry) IsEndOfChain() bool {
	return e == fatEntryEndOfChain
}

// IsNextCluster reports whether the entry links to another data cluster of
// the chain, given the total cluster count of the volume.
func (e fatEntry) IsNextCluster(clusterCount uint32) bool {
	return uint32(e) >= firstDataCluster && uint32(e) < firstDataCluster+clusterCount
}
