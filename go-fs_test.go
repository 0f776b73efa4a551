package exfat

import (
	"testing"
	"testing/fstest"
)

func newTestGoFS(t *testing.T) *GoFs {
	t.Helper()

	fs, _ := newTestVolume(t)
	writeTestFile(t, fs, "/README.md", []byte("# test volume\n"))
	writeTestFile(t, fs, "/HelloWorldThisIsALoongFileName.txt", []byte("hello world"))
	if err := fs.Mkdir("/docs", 0o777); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	writeTestFile(t, fs, "/docs/notes.txt", pattern(3000))

	return &GoFs{fs}
}

func TestGoFS(t *testing.T) {
	gofs := newTestGoFS(t)
	if err := fstest.TestFS(gofs,
		"README.md",
		"HelloWorldThisIsALoongFileName.txt",
		"docs/notes.txt",
	); err != nil {
		t.Fatal(err)
	}
}

func TestGoFs_Open(t *testing.T) {
	gofs := newTestGoFS(t)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{
			name:    "an existing file",
			path:    "README.md",
			wantErr: false,
		},
		{
			name:    "the root directory",
			path:    ".",
			wantErr: false,
		},
		{
			name:    "a missing file",
			path:    "nope.txt",
			wantErr: true,
		},
		{
			name:    "a rooted path is not a valid io/fs name",
			path:    "/README.md",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file, err := gofs.Open(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("GoFs.Open(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err == nil {
				file.Close()
			}
		})
	}
}

func TestNewGoFS(t *testing.T) {
	tests := []struct {
		name string
		// Do not expect something special. Should be enough to check for
		// non-nil. Would not be that easy to provide a valid Fs to check
		// with DeepEqual.
		device     func(t *testing.T) BlockDevice
		wantNotNil bool
		wantErr    bool
	}{
		{
			name: "a formatted volume",
			device: func(t *testing.T) BlockDevice {
				device := newTestDevice(defaultTestConfig())
				if err := Format(device, defaultTestConfig()); err != nil {
					t.Fatalf("Format() error = %v", err)
				}
				return device
			},
			wantNotNil: true,
			wantErr:    false,
		},
		{
			name: "a blank device",
			device: func(t *testing.T) BlockDevice {
				return newTestDevice(defaultTestConfig())
			},
			wantNotNil: false,
			wantErr:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewGoFS(tt.device(t))
			if (err != nil) != tt.wantErr {
				t.Errorf("NewGoFS() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if (got != nil) != tt.wantNotNil {
				t.Errorf("NewGoFS() = %v, wantNotNil %v", got, tt.wantNotNil)
			}
		})
	}
}
