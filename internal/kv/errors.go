package kv

import (
	"github.com/jmgilman/go/errors"
	"zombiezen.com/go/sqlite"
)

// CodeStoreFull marks writes rejected because the database reached its
// configured page limit.
const CodeStoreFull errors.ErrorCode = "STORE_FULL"

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New(errors.CodeNotFound, "key not found")

	// ErrNoNamespace is returned when writing to a namespace that was
	// never created.
	ErrNoNamespace = errors.New(errors.CodeNotFound, "namespace does not exist")

	// ErrReadOnly is returned when mutating through a read-only transaction.
	ErrReadOnly = errors.New(errors.CodeForbidden, "transaction is read-only")

	// ErrTxDone is returned when using a transaction or cursor after
	// Commit or Rollback.
	ErrTxDone = errors.New(errors.CodeInvalidInput, "transaction already finished")

	// ErrEmptyKey is returned for zero-length keys.
	ErrEmptyKey = errors.New(errors.CodeInvalidInput, "empty key")
)

// classify wraps an engine error with a platform code. Lock contention
// becomes a retryable conflict; a full database becomes CodeStoreFull.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked:
		return errors.WithClassification(
			errors.Wrap(err, errors.CodeConflict, message),
			errors.ClassificationRetryable,
		)
	case sqlite.ResultFull:
		return errors.Wrap(err, CodeStoreFull, message)
	default:
		return errors.Wrap(err, errors.CodeDatabase, message)
	}
}

// IsConflict reports whether err is a write-write conflict. The whole
// logical operation should be retried in a fresh transaction.
func IsConflict(err error) bool {
	return errors.GetCode(err) == errors.CodeConflict
}

// IsFull reports whether err was caused by the database size limit.
func IsFull(err error) bool {
	return errors.GetCode(err) == CodeStoreFull
}
