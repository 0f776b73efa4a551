package exfat

import (
	"bytes"
	"context"
	"io"
	"syscall"
	"testing"
)

// startTestServer runs a server over a fresh volume and returns a request
// function that performs one round trip. The server is shut down when the
// test ends.
func startTestServer(t *testing.T) (*Fs, func(Request) Response) {
	t.Helper()

	fs, _ := newTestVolume(t)
	server := NewServer(fs)

	requests := make(chan Request)
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(context.Background(), requests)
	}()
	t.Cleanup(func() {
		close(requests)
		if err := <-done; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	})

	return fs, func(req Request) Response {
		reply := make(chan Response, 1)
		req.Reply = reply
		requests <- req
		return <-reply
	}
}

func TestServer_fileLifecycle(t *testing.T) {
	_, do := startTestServer(t)

	resp := do(Request{Op: OpOpen, Path: "/hello.txt", Mode: "w+"})
	if resp.Err != 0 {
		t.Fatalf("open: Err = %v, want 0", resp.Err)
	}
	handle := resp.Handle

	if resp = do(Request{Op: OpWrite, Handle: handle, Data: []byte("hello server")}); resp.Err != 0 || resp.N != 12 {
		t.Fatalf("write: Err = %v, N = %v, want 0, 12", resp.Err, resp.N)
	}

	if resp = do(Request{Op: OpSeek, Handle: handle, Offset: 6, Whence: io.SeekStart}); resp.Err != 0 {
		t.Fatalf("seek: Err = %v, want 0", resp.Err)
	}

	if resp = do(Request{Op: OpRead, Handle: handle, Size: 6}); resp.Err != 0 || !bytes.Equal(resp.Data, []byte("server")) {
		t.Fatalf("read: Err = %v, Data = %q, want 0, %q", resp.Err, resp.Data, "server")
	}

	// A second read sits at end of file and reports no data, not an error.
	if resp = do(Request{Op: OpRead, Handle: handle, Size: 6}); resp.Err != 0 || len(resp.Data) != 0 {
		t.Fatalf("read at eof: Err = %v, Data = %q, want 0 and no data", resp.Err, resp.Data)
	}

	if resp = do(Request{Op: OpClose, Handle: handle}); resp.Err != 0 {
		t.Fatalf("close: Err = %v, want 0", resp.Err)
	}

	if resp = do(Request{Op: OpRemove, Path: "/hello.txt"}); resp.Err != 0 {
		t.Fatalf("remove: Err = %v, want 0", resp.Err)
	}
}

func TestServer_directoryOps(t *testing.T) {
	fs, do := startTestServer(t)

	if resp := do(Request{Op: OpMkdir, Path: "/logs"}); resp.Err != 0 {
		t.Fatalf("mkdir: Err = %v, want 0", resp.Err)
	}
	if resp := do(Request{Op: OpMkdir, Path: "/logs"}); resp.Err != -int(syscall.EEXIST) {
		t.Fatalf("mkdir again: Err = %v, want %v", resp.Err, -int(syscall.EEXIST))
	}

	writeTestFile(t, fs, "/logs/boot.log", []byte("ok"))
	if resp := do(Request{Op: OpRemove, Path: "/logs"}); resp.Err != -int(syscall.ENOTEMPTY) {
		t.Fatalf("remove non-empty: Err = %v, want %v", resp.Err, -int(syscall.ENOTEMPTY))
	}

	if resp := do(Request{Op: OpRemove, Path: "/logs/boot.log"}); resp.Err != 0 {
		t.Fatalf("remove file: Err = %v, want 0", resp.Err)
	}
	if resp := do(Request{Op: OpRemove, Path: "/logs"}); resp.Err != 0 {
		t.Fatalf("remove empty dir: Err = %v, want 0", resp.Err)
	}
}

func TestServer_errors(t *testing.T) {
	_, do := startTestServer(t)

	if resp := do(Request{Op: OpOpen, Path: "/missing.txt", Mode: "r"}); resp.Err != -int(syscall.ENOENT) {
		t.Errorf("open missing: Err = %v, want %v", resp.Err, -int(syscall.ENOENT))
	}

	if resp := do(Request{Op: OpRead, Handle: 7, Size: 1}); resp.Err != -int(syscall.EBADF) {
		t.Errorf("read bad handle: Err = %v, want %v", resp.Err, -int(syscall.EBADF))
	}
	if resp := do(Request{Op: OpClose, Handle: -1}); resp.Err != -int(syscall.EBADF) {
		t.Errorf("close bad handle: Err = %v, want %v", resp.Err, -int(syscall.EBADF))
	}

	if resp := do(Request{Op: OpOpen, Path: "/missing.txt", Mode: "x"}); resp.Err != -int(syscall.EINVAL) {
		t.Errorf("open bad mode: Err = %v, want %v", resp.Err, -int(syscall.EINVAL))
	}
}

func TestServer_removeOpenFileIsBusy(t *testing.T) {
	_, do := startTestServer(t)

	resp := do(Request{Op: OpOpen, Path: "/held.txt", Mode: "w"})
	if resp.Err != 0 {
		t.Fatalf("open: Err = %v, want 0", resp.Err)
	}
	handle := resp.Handle

	// Case-insensitive lookup means the differently cased path still names
	// the open file.
	if resp = do(Request{Op: OpRemove, Path: "/HELD.TXT"}); resp.Err != -int(syscall.EBUSY) {
		t.Fatalf("remove open file: Err = %v, want %v", resp.Err, -int(syscall.EBUSY))
	}

	if resp = do(Request{Op: OpClose, Handle: handle}); resp.Err != 0 {
		t.Fatalf("close: Err = %v, want 0", resp.Err)
	}
	if resp = do(Request{Op: OpRemove, Path: "/held.txt"}); resp.Err != 0 {
		t.Fatalf("remove after close: Err = %v, want 0", resp.Err)
	}
}

func TestServer_handleTableFills(t *testing.T) {
	_, do := startTestServer(t)

	handles := make([]int, 0, maxOpenFiles)
	for i := 0; i < maxOpenFiles; i++ {
		resp := do(Request{Op: OpOpen, Path: "/shared.txt", Mode: "a"})
		if resp.Err != 0 {
			t.Fatalf("open %d: Err = %v, want 0", i, resp.Err)
		}
		handles = append(handles, resp.Handle)
	}

	if resp := do(Request{Op: OpOpen, Path: "/shared.txt", Mode: "a"}); resp.Err != -int(syscall.EMFILE) {
		t.Fatalf("open past table: Err = %v, want %v", resp.Err, -int(syscall.EMFILE))
	}

	// Freeing one slot makes open work again and reuse it.
	if resp := do(Request{Op: OpClose, Handle: handles[3]}); resp.Err != 0 {
		t.Fatalf("close: Err = %v, want 0", resp.Err)
	}
	resp := do(Request{Op: OpOpen, Path: "/shared.txt", Mode: "a"})
	if resp.Err != 0 || resp.Handle != handles[3] {
		t.Fatalf("reopen: Err = %v, Handle = %v, want 0, %v", resp.Err, resp.Handle, handles[3])
	}
}

func TestServer_serveStopsOnCancel(t *testing.T) {
	fs, _ := newTestVolume(t)
	server := NewServer(fs)

	ctx, cancel := context.WithCancel(context.Background())
	requests := make(chan Request)
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, requests)
	}()

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Serve() error = %v, want %v", err, context.Canceled)
	}
}
