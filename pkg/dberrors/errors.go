package dberrors

import (
	"github.com/cockroachdb/errors"
)

// Error kinds. Use errors.Is against these; concrete errors are marked with
// the matching kind and keep their own message and cause chain.
var (
	ErrIO                  = errors.New("lsmdb: io failure")
	ErrCorruptFile         = errors.New("lsmdb: corrupt file")
	ErrTransactionConflict = errors.New("lsmdb: transaction conflict")
	ErrKeyspaceNotFound    = errors.New("lsmdb: keyspace not found")
	ErrWriteStalled        = errors.New("lsmdb: writes stalled by background failures")
	ErrTooLargeEntry       = errors.New("lsmdb: entry is too large")
	ErrClosed              = errors.New("lsmdb: closed")
	ErrInvalidArgument     = errors.New("lsmdb: invalid argument")
	ErrTransactionDone     = errors.New("lsmdb: transaction already finished")
)

// IOFailure wraps err and marks it as ErrIO.
func IOFailure(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIO)
}

// Corrupt builds a new error marked as ErrCorruptFile.
func Corrupt(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruptFile)
}

// Conflict builds a new error marked as ErrTransactionConflict.
func Conflict(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrTransactionConflict)
}

// IsRetryable reports whether the caller may retry the whole transaction.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionConflict)
}
