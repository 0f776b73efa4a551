package exfat

import (
	"fmt"
	"testing"

	"github.com/spf13/afero"
)

// memDevice is a block device over a plain byte slice, large enough to hold
// one formatted volume. Reads and writes outside the buffer fail like they
// would on real hardware.
type memDevice struct {
	blockSize int
	data      []byte
}

func (d *memDevice) ReadBlocks(dst []byte, startBlock int64) (int, error) {
	if len(dst)%d.blockSize != 0 || startBlock < 0 {
		return 0, ErrInvalidBlockLen
	}
	off := startBlock * int64(d.blockSize)
	end := off + int64(len(dst))
	if end > int64(len(d.data)) {
		return 0, fmt.Errorf("%w: read past end of device", ErrDeviceIO)
	}
	return copy(dst, d.data[off:end]), nil
}

func (d *memDevice) WriteBlocks(data []byte, startBlock int64) (int, error) {
	if len(data)%d.blockSize != 0 || startBlock < 0 {
		return 0, ErrInvalidBlockLen
	}
	off := startBlock * int64(d.blockSize)
	end := off + int64(len(data))
	if end > int64(len(d.data)) {
		return 0, fmt.Errorf("%w: write past end of device", ErrDeviceIO)
	}
	return copy(d.data[off:end], data), nil
}

func (d *memDevice) BlockSize() int {
	return d.blockSize
}

// newTestDevice sizes a memDevice for the volume the config describes.
func newTestDevice(cfg FormatConfig) *memDevice {
	bps := int64(cfg.BytesPerSector)
	fatLength := (int64(cfg.ClusterCount+2)*4 + bps - 1) / bps
	sectors := formatFatOffset + fatLength + int64(cfg.ClusterCount)*int64(cfg.SectorsPerCluster)
	return &memDevice{
		blockSize: cfg.BytesPerSector,
		data:      make([]byte, sectors*bps),
	}
}

// defaultTestConfig keeps test volumes small: 256 clusters of 4 sectors.
func defaultTestConfig() FormatConfig {
	return FormatConfig{
		BytesPerSector:    512,
		SectorsPerCluster: 4,
		ClusterCount:      256,
		Label:             "TESTVOL",
	}
}

func newTestVolume(t *testing.T) (*Fs, *memDevice) {
	t.Helper()
	return newTestVolumeConfig(t, defaultTestConfig())
}

func newTestVolumeConfig(t *testing.T, cfg FormatConfig) (*Fs, *memDevice) {
	t.Helper()

	device := newTestDevice(cfg)
	if err := Format(device, cfg); err != nil {
		t.Fatalf("Format() error = %v", err)
	}

	fs, err := New(device)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return fs, device
}

func writeTestFile(t *testing.T, fs *Fs, path string, data []byte) {
	t.Helper()
	if err := afero.WriteFile(fs, path, data, 0o666); err != nil {
		t.Fatalf("WriteFile(%q) error = %v", path, err)
	}
}

func readTestFile(t *testing.T, fs *Fs, path string) []byte {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Fatalf("ReadFile(%q) error = %v", path, err)
	}
	return data
}

// pattern fills a buffer with a repeating byte sequence so reads can be
// checked against the exact offset they came from.
func pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}
