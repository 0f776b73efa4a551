package exfat

import (
	"errors"
	"testing"
)

func TestFormat_invalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  FormatConfig
	}{
		{
			name: "bytes per sector not a power of two",
			cfg: FormatConfig{
				BytesPerSector: 1000,
			},
		},
		{
			name: "bytes per sector too small",
			cfg: FormatConfig{
				BytesPerSector: 256,
			},
		},
		{
			name: "bytes per sector too large",
			cfg: FormatConfig{
				BytesPerSector: 8192,
			},
		},
		{
			name: "sectors per cluster not a power of two",
			cfg: FormatConfig{
				SectorsPerCluster: 3,
			},
		},
		{
			name: "label too long",
			cfg: FormatConfig{
				Label: "TWELVECHARSX",
			},
		},
		{
			name: "label not ascii",
			cfg: FormatConfig{
				Label: "VOLUME\xFF",
			},
		},
		{
			name: "too few clusters for the metadata",
			cfg: FormatConfig{
				ClusterCount: 3,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := newTestDevice(defaultTestConfig())
			if err := Format(device, tt.cfg); !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("Format() error = %v, want %v", err, ErrInvalidParameter)
			}
		})
	}
}

func TestFormat_sectorSizeMustMatchDevice(t *testing.T) {
	device := newTestDevice(defaultTestConfig())

	cfg := defaultTestConfig()
	cfg.BytesPerSector = 1024
	if err := Format(device, cfg); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("Format() error = %v, want %v", err, ErrInvalidParameter)
	}
}

func TestFormat_mountsBack(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.VolumeSerial = 0xCAFEBABE

	device := newTestDevice(cfg)
	if err := Format(device, cfg); err != nil {
		t.Fatalf("Format() error = %v", err)
	}

	fs, err := New(device)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	info := fs.Info()
	if info.Label != "TESTVOL" {
		t.Errorf("Info().Label = %q, want %q", info.Label, "TESTVOL")
	}
	if info.VolumeSerialNumber != 0xCAFEBABE {
		t.Errorf("Info().VolumeSerialNumber = %#x, want %#x", info.VolumeSerialNumber, uint32(0xCAFEBABE))
	}
	if info.ClusterCount != cfg.ClusterCount {
		t.Errorf("Info().ClusterCount = %d, want %d", info.ClusterCount, cfg.ClusterCount)
	}
	if info.BytesPerCluster != cfg.BytesPerSector*cfg.SectorsPerCluster {
		t.Errorf("Info().BytesPerCluster = %d, want %d", info.BytesPerCluster, cfg.BytesPerSector*cfg.SectorsPerCluster)
	}
}

func TestFormat_randomSerialIsSet(t *testing.T) {
	device := newTestDevice(defaultTestConfig())
	if err := Format(device, defaultTestConfig()); err != nil {
		t.Fatalf("Format() error = %v", err)
	}

	fs, err := New(device)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if fs.Info().VolumeSerialNumber == 0 {
		t.Error("Info().VolumeSerialNumber = 0, want a derived serial")
	}
}
