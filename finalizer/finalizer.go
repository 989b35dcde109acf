package finalizer

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Finalizer collects io.Closers and runs them in reverse order on Cleanup.
type Finalizer struct {
	closers []io.Closer
}

// NewFinalizer returns a new Finalizer.
func NewFinalizer() *Finalizer {
	return &Finalizer{}
}

// Add one or more closers.
func (f *Finalizer) Add(cs ...io.Closer) {
	f.closers = append(f.closers, cs...)
}

// Cleanup closes everything added so far in reverse order, joining close
// errors with err.
func (f *Finalizer) Cleanup(err error) error {
	errs := []error{err}
	for i := len(f.closers) - 1; i >= 0; i-- {
		errs = append(errs, f.closers[i].Close())
	}
	return errors.Join(errs...)
}

// Cleanupf is like Cleanup, wrapping err in format (which must contain a
// single %v directive).
func (f *Finalizer) Cleanupf(format string, err error) error {
	if err != nil {
		err = fmt.Errorf(format, err)
	}
	return f.Cleanup(err)
}

// NewContextCloser wraps a context cancel func into an io.Closer.
func NewContextCloser(cancel context.CancelFunc) io.Closer {
	return &contextCloser{cancel}
}

type contextCloser struct {
	cancel context.CancelFunc
}

func (c *contextCloser) Close() error {
	c.cancel()
	return nil
}
