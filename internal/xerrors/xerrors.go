// Package xerrors adds call-site information to errors so the logger can
// render error_links and stacks without every package formatting its own.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries the full call stack captured when the error was created.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// wrapped carries a message prefix and the single PC of the wrapping call.
type wrapped struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrapped) Error() string     { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error     { return w.err }
func (w *wrapped) PC() uintptr       { return w.pc }
func (w *wrapped) IsXerrorsWrapper() {}

// skip counts frames above runtime.Callers
func stackFrom(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pcs)
	return pcs[:n]
}

func pcFrom(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip+2, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func attachStack(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: stackFrom(skip + 1)}
}

// New returns an error with msg and the caller's stack.
func New(msg string) error { return attachStack(errors.New(msg), 1) }

// Newf is New with fmt formatting. %w is honoured.
func Newf(format string, args ...any) error {
	return attachStack(fmt.Errorf(format, args...), 1)
}

// WithStack attaches the caller's stack to err.
func WithStack(err error) error { return attachStack(err, 1) }

// EnsureTrace attaches a stack only when nothing in the chain carries one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return attachStack(err, 1)
}

// Wrap prefixes err with msg and records the caller. nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: pcFrom(1)}
}

// Wrapf is Wrap with fmt formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: pcFrom(1)}
}
