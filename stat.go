package exfat

import (
	"os"
	"time"
)

// FileInfo adapts the entry set to os.FileInfo.
func (e *EntrySet) FileInfo() os.FileInfo {
	return entrySetFileInfo{*e}
}

type entrySetFileInfo struct {
	set EntrySet
}

func (e entrySetFileInfo) Name() string {
	return e.set.Name
}

func (e entrySetFileInfo) Size() int64 {
	return int64(e.set.Stream.DataLength)
}

func (e entrySetFileInfo) Mode() os.FileMode {
	if e.IsDir() {
		return os.ModeDir | 0o777
	}
	if e.set.IsReadOnly() {
		return 0o444
	}
	return 0o666
}

func (e entrySetFileInfo) ModTime() time.Time {
	// ParseTimestamp already yields time.Time{} for an unset or invalid
	// date, so a zero ModTime marks entries without a usable timestamp.
	return ParseTimestamp(e.set.File.LastModifiedTimestamp)
}

func (e entrySetFileInfo) IsDir() bool {
	return e.set.IsDirectory()
}

func (e entrySetFileInfo) Sys() interface{} {
	return e.set
}
