// Package fs serves a dbfs filesystem to the kernel through bazil.org/fuse.
//
// This file maps dbfs errors onto errno values.
package fs

import (
	"context"
	"errors"
	"syscall"

	"dbfs/internal/dbfs"
	"dbfs/internal/logging"

	"golang.org/x/sys/unix"
)

var (
	errLogger = logging.GetLogger().WithPrefix("error")
)

// ToFuseError converts an error from the dbfs core into the errno the
// kernel reports to the caller.
func ToFuseError(err error) error {
	if err == nil {
		return nil
	}
	return Errno(err)
}

// Errno maps err onto an errno; nil maps to 0. Refined errors are matched
// before their base so ENOTDIR and EISDIR survive.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	switch {
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, dbfs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, dbfs.ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, dbfs.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, dbfs.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, dbfs.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, dbfs.ErrNameTooLong):
		return syscall.ENAMETOOLONG
	case errors.Is(err, dbfs.ErrInvalidArgument):
		return syscall.EINVAL
	case errors.Is(err, dbfs.ErrPermissionDenied):
		return syscall.EACCES
	case errors.Is(err, dbfs.ErrNoSpace):
		return syscall.ENOSPC
	case errors.Is(err, dbfs.ErrBusy):
		return syscall.EAGAIN
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	case errors.Is(err, dbfs.ErrCorruption):
		errLogger.Error("Store corruption: %v", err)
		return syscall.EIO
	default:
		errLogger.Debug("Unknown error type, returning EIO: %v", err)
		return syscall.EIO
	}
}

// XattrErrno is Errno for xattr requests, where a missing attribute is
// ENODATA rather than ENOENT.
func XattrErrno(err error) syscall.Errno {
	if errors.Is(err, dbfs.ErrNotFound) {
		return unix.ENODATA
	}
	return Errno(err)
}

func xattrError(err error) error {
	if err == nil {
		return nil
	}
	return XattrErrno(err)
}
