// Package checkpoint decorates errors with the file and line of each
// propagation point, which reads similar to a stack trace when printed.
// Every error layered onto a checkpoint stays visible to errors.Is and
// errors.As.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
)

// From wraps an error with the position of the caller. It returns nil for
// nil and passes io.EOF and io.ErrUnexpectedEOF through untouched, because
// callers compare those by identity.
// https://github.com/golang/go/issues/39155
func From(err error) error {
	if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
		return err
	}
	return newCheckpoint(err, nil)
}

// Wrap is From with a second error decorating the checkpoint. That allows
// predefined sentinel errors to be layered onto low-level causes:
//
//	var ErrSomethingSpecialWentWrong = errors.New("a very bad error")
//
//	func someFunction() error {
//		err := somethingOtherThatThrowsErrors()
//		return checkpoint.Wrap(err, ErrSomethingSpecialWentWrong)
//	}
//
// Afterwards errors.Is finds both ErrSomethingSpecialWentWrong and the
// original error. A nil err returns nil without creating a checkpoint.
func Wrap(err, decoration error) error {
	if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
		return err
	}
	return newCheckpoint(err, decoration)
}

func newCheckpoint(cause, decoration error) error {
	// Caller(2) skips this function and From/Wrap.
	_, file, line, ok := runtime.Caller(2)

	cp := &checkpoint{
		cause:      cause,
		decoration: decoration,

		callerOk: ok,
		line:     line,
	}
	if ok {
		cp.file = filepath.Base(file)
	}
	return cp
}

type checkpoint struct {
	cause      error
	decoration error

	callerOk bool
	file     string
	line     int
}

func (c *checkpoint) location() string {
	if !c.callerOk {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", c.file, c.line)
}

// Error renders the chain one checkpoint per line with the innermost cause
// last.
func (c *checkpoint) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "File: %s", c.location())
	if c.decoration != nil {
		fmt.Fprintf(&b, "\n\t%v", c.decoration)
	}

	if next, ok := c.cause.(*checkpoint); ok {
		fmt.Fprintf(&b, "\n%v", next)
	} else {
		fmt.Fprintf(&b, "\n\t%s", strings.ReplaceAll(c.cause.Error(), "\n", "\n\t"))
	}

	return b.String()
}

func (c *checkpoint) Unwrap() error {
	return c.cause
}

func (c *checkpoint) Is(target error) bool {
	return c.decoration != nil && errors.Is(c.decoration, target)
}

func (c *checkpoint) As(target interface{}) bool {
	return c.decoration != nil && errors.As(c.decoration, target)
}
