package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/pebble"
)

// Error taxonomy for the column store. Engine failures map onto these
// sentinels; callers branch with errors.Is.
var (
	ErrNotFound        = errors.New("not_found")
	ErrCorruption      = errors.New("corruption")
	ErrIOError         = errors.New("io_error")
	ErrInvalidArgument = errors.New("invalid_argument")
	ErrNotSupported    = errors.New("not_supported")
	ErrBusy            = errors.New("busy")
	ErrTimedOut        = errors.New("timed_out")
	ErrIncomplete      = errors.New("incomplete")
	ErrTryAgain        = errors.New("try_again")
	ErrShutdown        = errors.New("shutdown_in_progress")
	ErrReadOnly        = errors.New("store is read-only after corruption")
)

// mapErr folds an engine error into the taxonomy, preserving the cause.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pebble.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, pebble.ErrClosed):
		return ErrShutdown
	case errors.Is(err, pebble.ErrCorruption):
		return fmt.Errorf("%w: %v", ErrCorruption, err)
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimedOut
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", ErrIOError, err)
	default:
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
}

// IsTerminal reports whether an error is unrecoverable for the current
// operation (as opposed to retry-able misses and timeouts).
func IsTerminal(err error) bool {
	return errors.Is(err, ErrCorruption) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrNotSupported) ||
		errors.Is(err, ErrShutdown)
}
