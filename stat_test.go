package exfat

import (
	"os"
	"testing"
	"time"
)

func testEntrySet(name string, attributes uint16, size uint64, modified uint32) EntrySet {
	return EntrySet{
		File: FileEntry{
			EntryType:             entryTypeFile,
			FileAttributes:        attributes,
			LastModifiedTimestamp: modified,
		},
		Stream: StreamEntry{
			EntryType:  entryTypeStreamExtension,
			DataLength: size,
		},
		Name: name,
	}
}

func Test_entrySetFileInfo_Name(t *testing.T) {
	set := testEntrySet("report.txt", AttrArchive, 0, 0)
	if got := set.FileInfo().Name(); got != "report.txt" {
		t.Errorf("entrySetFileInfo.Name() = %v, want %v", got, "report.txt")
	}
}

func Test_entrySetFileInfo_Size(t *testing.T) {
	set := testEntrySet("big.bin", AttrArchive, 123456, 0)
	if got := set.FileInfo().Size(); got != 123456 {
		t.Errorf("entrySetFileInfo.Size() = %v, want %v", got, 123456)
	}
}

func Test_entrySetFileInfo_Mode(t *testing.T) {
	tests := []struct {
		name       string
		attributes uint16
		want       os.FileMode
	}{
		{
			name:       "a writable file",
			attributes: AttrArchive,
			want:       0o666,
		},
		{
			name:       "a read only file",
			attributes: AttrArchive | AttrReadOnly,
			want:       0o444,
		},
		{
			name:       "a directory",
			attributes: AttrDirectory,
			want:       os.ModeDir | 0o777,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := testEntrySet("x", tt.attributes, 0, 0)
			if got := set.FileInfo().Mode(); got != tt.want {
				t.Errorf("entrySetFileInfo.Mode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_entrySetFileInfo_ModTime(t *testing.T) {
	tests := []struct {
		name     string
		modified uint32
		want     time.Time
	}{
		{
			name:     "a regular timestamp",
			modified: EncodeTimestamp(time.Date(2024, time.March, 2, 15, 4, 6, 0, time.UTC)),
			want:     time.Date(2024, time.March, 2, 15, 4, 6, 0, time.UTC),
		},
		{
			name:     "an unset timestamp stays the zero time",
			modified: 0,
			want:     time.Time{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := testEntrySet("x", AttrArchive, 0, tt.modified)
			if got := set.FileInfo().ModTime(); !got.Equal(tt.want) {
				t.Errorf("entrySetFileInfo.ModTime() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_entrySetFileInfo_IsDir(t *testing.T) {
	tests := []struct {
		name       string
		attributes uint16
		want       bool
	}{
		{
			name:       "a file",
			attributes: AttrArchive,
			want:       false,
		},
		{
			name:       "a directory",
			attributes: AttrDirectory,
			want:       true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := testEntrySet("x", tt.attributes, 0, 0)
			if got := set.FileInfo().IsDir(); got != tt.want {
				t.Errorf("entrySetFileInfo.IsDir() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_entrySetFileInfo_Sys(t *testing.T) {
	set := testEntrySet("file.txt", AttrArchive, 7, 0)

	sys := set.FileInfo().Sys()
	got, ok := sys.(EntrySet)
	if !ok {
		t.Fatalf("entrySetFileInfo.Sys() = %T, want EntrySet", sys)
	}
	if got.Name != "file.txt" || got.Stream.DataLength != 7 {
		t.Errorf("entrySetFileInfo.Sys() = %+v, want the backing entry set", got)
	}
}
