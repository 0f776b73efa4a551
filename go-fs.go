package exfat

import (
	"errors"
	"io/fs"
)

type GoDirEntry struct {
	fs.FileInfo
}

func (g GoDirEntry) Type() fs.FileMode {
	return g.FileInfo.Mode().Type()
}

func (g GoDirEntry) Info() (fs.FileInfo, error) {
	// TODO: This may return an error satisfying errors.Is(err, ErrNotExist) if the file does not exist anymore.
	return g.FileInfo, nil
}

type GoFile struct {
	*File
}

func (g GoFile) Stat() (fs.FileInfo, error) {
	return g.File.Stat()
}

func (g GoFile) Read(bytes []byte) (int, error) {
	return g.File.Read(bytes)
}

func (g GoFile) Close() error {
	return g.File.Close()
}

func (g GoFile) ReadDir(n int) ([]fs.DirEntry, error) {
	entries, err := g.File.Readdir(n)

	goEntries := make([]fs.DirEntry, len(entries))
	for i, e := range entries {
		goEntries[i] = GoDirEntry{e}
	}

	return goEntries, err
}

// GoFs wraps the afero exFAT implementation to be compatible with fs.FS.
type GoFs struct {
	*Fs
}

// NewGoFS mounts the exFAT volume on the given device as an fs.FS
// compatible filesystem.
func NewGoFS(device BlockDevice) (*GoFs, error) {
	mounted, err := New(device)
	if err != nil {
		return nil, err
	}

	return &GoFs{mounted}, nil
}

// NewGoFSWithOptions mounts the volume with explicit options, as an fs.FS
// compatible filesystem.
func NewGoFSWithOptions(device BlockDevice, opts Options) (*GoFs, error) {
	mounted, err := NewWithOptions(device, opts)
	if err != nil {
		return nil, err
	}

	return &GoFs{mounted}, nil
}

func (g GoFs) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	// io/fs addresses the root as "." while the driver uses "/".
	path := name
	if path == "." {
		path = "/"
	}

	file, err := g.Fs.Open(path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			err = fs.ErrNotExist
		}
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	f, ok := file.(*File)
	if !ok {
		return nil, errors.New("invalid File implementation")
	}

	return GoFile{f}, nil
}
