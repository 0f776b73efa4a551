package exfat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"syscall"
)

// Op identifies a filesystem request.
type Op int

const (
	OpOpen Op = iota
	OpClose
	OpRead
	OpWrite
	OpSeek
	OpRemove
	OpMkdir
)

// Request is one filesystem operation delivered as a message. Only the
// fields of the requested operation matter; the rest stay zero.
type Request struct {
	Op     Op
	Path   string // open, remove, mkdir
	Mode   string // open: fopen style mode string
	Handle int    // close, read, write, seek
	Data   []byte // write
	Size   int    // read: number of bytes wanted
	Offset int64  // seek
	Whence int    // seek
	Reply  chan<- Response
}

// Response reports the outcome of a request. Err is zero on success and the
// negative POSIX errno otherwise, the convention of the message boundary
// this driver sits behind.
type Response struct {
	Handle int    // open: slot of the new handle
	Data   []byte // read
	N      int    // read, write: bytes transferred
	Err    int
}

// maxOpenFiles is the size of the server's handle table.
const maxOpenFiles = 16

// Server exposes one mounted filesystem through request/response messages,
// processing them strictly one at a time.
type Server struct {
	fs    *Fs
	log   *slog.Logger
	files [maxOpenFiles]*File
}

// NewServer builds a server around a mounted filesystem.
func NewServer(fs *Fs) *Server {
	return &Server{fs: fs, log: fs.log}
}

// Serve handles requests until the context is canceled or the request
// channel closes. Handles still open at that point are closed.
func (s *Server) Serve(ctx context.Context, requests <-chan Request) error {
	s.log.Debug("filesystem server started")
	defer s.log.Debug("filesystem server stopped")

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return ctx.Err()

		case req, ok := <-requests:
			if !ok {
				s.closeAll()
				return nil
			}

			resp := s.handle(req)
			if req.Reply == nil {
				continue
			}
			select {
			case req.Reply <- resp:
			case <-ctx.Done():
				s.closeAll()
				return ctx.Err()
			}
		}
	}
}

func (s *Server) closeAll() {
	for i, file := range s.files {
		if file == nil {
			continue
		}
		_ = file.Close()
		s.files[i] = nil
	}
}

func (s *Server) handle(req Request) Response {
	switch req.Op {
	case OpOpen:
		return s.open(req)
	case OpClose:
		return s.close(req)
	case OpRead:
		return s.read(req)
	case OpWrite:
		return s.write(req)
	case OpSeek:
		return s.seek(req)
	case OpRemove:
		return s.remove(req)
	case OpMkdir:
		return s.mkdir(req)
	}
	return failure(ErrNotSupported)
}

// failure translates a driver error into its negative errno response.
func failure(err error) Response {
	return Response{Err: -int(errnoOf(err))}
}

func badHandle() Response {
	return Response{Err: -int(syscall.EBADF)}
}

func (s *Server) lookup(handle int) *File {
	if handle < 0 || handle >= len(s.files) {
		return nil
	}
	return s.files[handle]
}

func (s *Server) open(req Request) Response {
	slot := -1
	for i, file := range s.files {
		if file == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return failure(ErrTooManyOpenFiles)
	}

	file, err := s.fs.OpenMode(req.Path, req.Mode)
	if err != nil {
		return failure(err)
	}

	s.files[slot] = file.(*File)
	return Response{Handle: slot}
}

func (s *Server) close(req Request) Response {
	file := s.lookup(req.Handle)
	if file == nil {
		return badHandle()
	}

	_ = file.Close()
	s.files[req.Handle] = nil
	return Response{}
}

func (s *Server) read(req Request) Response {
	file := s.lookup(req.Handle)
	if file == nil {
		return badHandle()
	}
	if req.Size < 0 {
		return failure(ErrInvalidParameter)
	}

	buffer := make([]byte, req.Size)
	n, err := file.Read(buffer)
	if errors.Is(err, io.EOF) {
		return Response{Data: buffer[:0]}
	}
	if err != nil && n == 0 {
		return failure(err)
	}

	return Response{Data: buffer[:n], N: n}
}

func (s *Server) write(req Request) Response {
	file := s.lookup(req.Handle)
	if file == nil {
		return badHandle()
	}

	n, err := file.Write(req.Data)
	if err != nil && n == 0 {
		return failure(err)
	}

	return Response{N: n}
}

func (s *Server) seek(req Request) Response {
	file := s.lookup(req.Handle)
	if file == nil {
		return badHandle()
	}

	if _, err := file.Seek(req.Offset, req.Whence); err != nil {
		return failure(err)
	}
	return Response{}
}

func (s *Server) remove(req Request) Response {
	// Removing a path that an open handle still uses would leave that
	// handle writing into freed clusters.
	for _, file := range s.files {
		if file != nil && samePath(file.path, req.Path) {
			return failure(ErrBusy)
		}
	}

	if err := s.fs.Remove(req.Path); err != nil {
		return failure(err)
	}
	return Response{}
}

func (s *Server) mkdir(req Request) Response {
	if err := s.fs.Mkdir(req.Path, 0); err != nil {
		return failure(err)
	}
	return Response{}
}

// samePath compares two paths component-wise with the same case-insensitive
// matching the directory lookup uses.
func samePath(a, b string) bool {
	pa, pb := splitPath(a), splitPath(b)
	if len(pa) != len(pb) {
		return false
	}
	for i := range pa {
		if !compareFilenames(pa[i], pb[i]) {
			return false
		}
	}
	return true
}
