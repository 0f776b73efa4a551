package exfat

import (
	"errors"
	"os"

	"github.com/james-card/NanoOs-sub002/checkpoint"
)

// Errors surfaced by sector level device access.
var (
	ErrDeviceIO        = errors.New("block device I/O failed")
	ErrShortTransfer   = errors.New("block device transferred fewer bytes than requested")
	ErrInvalidBlockLen = errors.New("buffer length is not a multiple of the block size")
)

// BlockDevice is the raw storage a volume lives on. The driver always
// transfers a single sector at a time, so len(dst) and len(data) equal
// BlockSize for every call made by this package.
//
// Generated mock using mockgen:
//
//	mockgen -source=device.go -destination=device_mock.go -package exfat
type BlockDevice interface {
	// ReadBlocks fills dst starting at the given block and returns the
	// number of bytes read. len(dst) must be a multiple of BlockSize().
	ReadBlocks(dst []byte, startBlock int64) (int, error)
	// WriteBlocks writes data starting at the given block and returns the
	// number of bytes written. len(data) must be a multiple of BlockSize().
	WriteBlocks(data []byte, startBlock int64) (int, error)
	// BlockSize returns the device's block size in bytes.
	BlockSize() int
}

// invalidSector is returned by cluster to sector translation for clusters
// outside the volume. Every caller checks for it before touching the device.
const invalidSector int64 = -1

// sectorBuffer is the single scratch sector every read and write goes
// through. Operations must never keep a slice into buffer alive across
// another fetch; anything needing two sectors at once copies out first.
type sectorBuffer struct {
	current int64 // sector currently buffered, invalidSector when empty
	dirty   bool
	buffer  []byte
}

// fetch loads the given volume-relative sector into the scratch buffer,
// writing the previous content back first if it was modified. Fetching the
// already buffered sector is free.
func (fs *Fs) fetch(sector int64) error {
	if sector == fs.sector.current {
		return nil
	}

	if err := fs.store(); err != nil {
		return checkpoint.From(err)
	}

	n, err := fs.device.ReadBlocks(fs.sector.buffer, fs.start+sector)
	if err != nil {
		fs.sector.current = invalidSector
		return checkpoint.Wrap(err, ErrDeviceIO)
	}
	if n != len(fs.sector.buffer) {
		fs.sector.current = invalidSector
		return checkpoint.From(ErrShortTransfer)
	}

	fs.sector.current = sector
	return nil
}

// claim makes the scratch buffer represent the given sector without reading
// it from the device. Used when the whole sector is about to be overwritten.
func (fs *Fs) claim(sector int64) error {
	if sector == fs.sector.current {
		return nil
	}

	if err := fs.store(); err != nil {
		return checkpoint.From(err)
	}

	fs.sector.current = sector
	return nil
}

// store flushes the scratch buffer to the device if it holds modified data.
func (fs *Fs) store() error {
	if !fs.sector.dirty || fs.sector.current == invalidSector {
		return nil
	}

	n, err := fs.device.WriteBlocks(fs.sector.buffer, fs.start+fs.sector.current)
	if err != nil {
		return checkpoint.Wrap(err, ErrDeviceIO)
	}
	if n != len(fs.sector.buffer) {
		return checkpoint.From(ErrShortTransfer)
	}

	fs.sector.dirty = false
	return nil
}

// FileDevice adapts an *os.File (usually a volume image) to BlockDevice.
type FileDevice struct {
	file      *os.File
	blockSize int
}

// NewFileDevice wraps the given file as a block device with the given block
// size. A blockSize of 0 selects 512.
func NewFileDevice(file *os.File, blockSize int) *FileDevice {
	if blockSize == 0 {
		blockSize = 512
	}
	return &FileDevice{file: file, blockSize: blockSize}
}

func (d *FileDevice) ReadBlocks(dst []byte, startBlock int64) (int, error) {
	if len(dst)%d.blockSize != 0 {
		return 0, ErrInvalidBlockLen
	}
	return d.file.ReadAt(dst, startBlock*int64(d.blockSize))
}

func (d *FileDevice) WriteBlocks(data []byte, startBlock int64) (int, error) {
	if len(data)%d.blockSize != 0 {
		return 0, ErrInvalidBlockLen
	}
	return d.file.WriteAt(data, startBlock*int64(d.blockSize))
}

func (d *FileDevice) BlockSize() int {
	return d.blockSize
}
