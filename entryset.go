package exfat

import (
	"encoding/binary"
	"time"

	"github.com/go-restruct/restruct"
	"golang.org/x/text/encoding/unicode"

	"github.com/james-card/NanoOs-sub002/checkpoint"
)

// checksumFold is the hash step shared by the entry set checksum and the name
// hash: rotate the 16-bit accumulator right by one, then add the byte.
func checksumFold(sum uint16, b byte) uint16 {
	return (sum>>1 | sum<<15) + uint16(b)
}

// calculateEntrySetChecksum hashes every byte of a directory entry set except
// offsets 2 and 3, which hold the checksum itself.
func calculateEntrySetChecksum(set []byte) uint16 {
	var sum uint16
	for i, b := range set {
		if i == 2 || i == 3 {
			continue
		}
		sum = checksumFold(sum, b)
	}
	return sum
}

// calculateNameHash hashes the upcased UTF-16 form of name, low byte of each
// unit first. Only ASCII letters are case folded.
func calculateNameHash(name string) uint16 {
	var sum uint16
	for i := 0; i < len(name); i++ {
		unit := uint16(upperASCII(name[i]))
		sum = checksumFold(sum, byte(unit))
		sum = checksumFold(sum, byte(unit>>8))
	}
	return sum
}

func upperASCII(c byte) byte {
	if 'a' <= c && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}

// compareFilenames reports whether two names match under ASCII-only
// case-insensitive comparison.
func compareFilenames(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if upperASCII(a[i]) != upperASCII(b[i]) {
			return false
		}
	}
	return true
}

// nameToUTF16 widens an ASCII name to UTF-16 units.
func nameToUTF16(name string) []uint16 {
	units := make([]uint16, len(name))
	for i := 0; i < len(name); i++ {
		units[i] = uint16(name[i])
	}
	return units
}

// decodeUTF16 turns on-disk UTF-16LE units into a Go string.
func decodeUTF16(units []uint16) string {
	raw := make([]byte, 2*len(units))
	for i, unit := range units {
		binary.LittleEndian.PutUint16(raw[2*i:], unit)
	}

	decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(raw)
	if err != nil {
		// Fall back to a lossy per-unit conversion. The decoder only
		// rejects input we could not represent faithfully anyway.
		runes := make([]rune, len(units))
		for i, unit := range units {
			runes[i] = rune(unit)
		}
		return string(runes)
	}

	return string(decoded)
}

// validFileName rejects names the driver cannot store: empty or overlong
// names, path separators, control characters and anything outside ASCII.
func validFileName(name string) error {
	if name == "" || len(name) > maxNameLength {
		return checkpoint.From(ErrInvalidParameter)
	}
	if name == "." || name == ".." {
		return checkpoint.From(ErrInvalidParameter)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x20 || c >= 0x80 || c == '/' || c == '\\' {
			return checkpoint.From(ErrInvalidParameter)
		}
	}
	return nil
}

// secondaryCountFor returns the secondary entry count a name needs: one
// stream entry plus one filename entry per 15 units.
func secondaryCountFor(name string) int {
	return 1 + (len(name)+fileNameEntryCapacity-1)/fileNameEntryCapacity
}

func decodeFileEntry(raw []byte) (FileEntry, error) {
	var entry FileEntry
	if err := restruct.Unpack(raw, binary.LittleEndian, &entry); err != nil {
		return FileEntry{}, checkpoint.From(err)
	}
	return entry, nil
}

func decodeStreamEntry(raw []byte) (StreamEntry, error) {
	var entry StreamEntry
	if err := restruct.Unpack(raw, binary.LittleEndian, &entry); err != nil {
		return StreamEntry{}, checkpoint.From(err)
	}
	return entry, nil
}

func decodeFileNameEntry(raw []byte) (FileNameEntry, error) {
	var entry FileNameEntry
	if err := restruct.Unpack(raw, binary.LittleEndian, &entry); err != nil {
		return FileNameEntry{}, checkpoint.From(err)
	}
	return entry, nil
}

// encodeEntry packs a single 32-byte directory entry struct.
func encodeEntry(entry interface{}) ([]byte, error) {
	raw, err := restruct.Pack(binary.LittleEndian, entry)
	if err != nil {
		return nil, checkpoint.From(err)
	}
	return raw, nil
}

// buildEntrySet constructs the complete on-disk entry set for a new file or
// directory: file entry, stream entry and filename entries, with the set
// checksum already inserted. The set is built in its own buffer so callers
// are free to use the scratch sector while placing it.
func buildEntrySet(name string, attributes uint16, firstCluster uint32, dataLength uint64, now time.Time) ([]byte, error) {
	if err := validFileName(name); err != nil {
		return nil, err
	}

	units := nameToUTF16(name)
	secondaries := secondaryCountFor(name)
	stamp := EncodeTimestamp(now)

	file := FileEntry{
		EntryType:             entryTypeFile,
		SecondaryCount:        uint8(secondaries),
		FileAttributes:        attributes,
		CreateTimestamp:       stamp,
		LastModifiedTimestamp: stamp,
		LastAccessedTimestamp: stamp,
	}
	stream := StreamEntry{
		EntryType:             entryTypeStreamExtension,
		GeneralSecondaryFlags: streamFlagAllocationPossible,
		NameLength:            uint8(len(units)),
		NameHash:              calculateNameHash(name),
		ValidDataLength:       dataLength,
		FirstCluster:          firstCluster,
		DataLength:            dataLength,
	}

	set := make([]byte, (1+secondaries)*directoryEntrySize)

	raw, err := encodeEntry(&file)
	if err != nil {
		return nil, err
	}
	copy(set, raw)

	raw, err = encodeEntry(&stream)
	if err != nil {
		return nil, err
	}
	copy(set[directoryEntrySize:], raw)

	for i := 0; i < secondaries-1; i++ {
		nameEntry := FileNameEntry{EntryType: entryTypeFileName}
		for j := 0; j < fileNameEntryCapacity; j++ {
			at := i*fileNameEntryCapacity + j
			if at >= len(units) {
				break
			}
			nameEntry.FileName[j] = units[at]
		}

		raw, err = encodeEntry(&nameEntry)
		if err != nil {
			return nil, err
		}
		copy(set[(2+i)*directoryEntrySize:], raw)
	}

	binary.LittleEndian.PutUint16(set[2:4], calculateEntrySetChecksum(set))
	return set, nil
}
