package exfat

import (
	"errors"
	"syscall"

	"github.com/spf13/afero"
)

// Result vocabulary used throughout allocation and directory logic. The
// public boundary translates these to POSIX errnos via errnoOf.
var (
	ErrInvalidFileSystem = errors.New("not a valid exFAT filesystem")
	ErrNotFound          = errors.New("file not found")
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrDiskFull          = errors.New("no free clusters left")
	ErrNotEmpty          = errors.New("directory not empty")
	ErrReadOnlyFile      = errors.New("file has the read-only attribute set")
	ErrIsDirectory       = errors.New("is a directory")
	ErrNotDirectory      = errors.New("not a directory")
	ErrExists            = errors.New("file already exists")
	ErrTooManyOpenFiles  = errors.New("too many open files")
	ErrBusy              = errors.New("file is in use")
	ErrNotSupported      = errors.New("operation not supported")
	ErrCorruptChain      = errors.New("cluster chain is corrupt")
)

// errnoOf maps a driver error onto the POSIX errno reported at the message
// dispatch boundary. Errors that already carry an errno keep it; anything
// unrecognized is an I/O error.
func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrInvalidParameter):
		return syscall.EINVAL
	case errors.Is(err, ErrDiskFull):
		return syscall.ENOSPC
	case errors.Is(err, ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, ErrReadOnlyFile):
		return syscall.EACCES
	case errors.Is(err, ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ErrExists):
		return syscall.EEXIST
	case errors.Is(err, ErrTooManyOpenFiles):
		return syscall.EMFILE
	case errors.Is(err, ErrBusy):
		return syscall.EBUSY
	case errors.Is(err, ErrNotSupported):
		return syscall.ENOSYS
	case errors.Is(err, afero.ErrOutOfRange):
		return syscall.EOVERFLOW
	case errors.Is(err, afero.ErrFileClosed):
		return syscall.EBADF
	default:
		return syscall.EIO
	}
}
