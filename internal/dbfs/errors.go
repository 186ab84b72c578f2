package dbfs

import (
	"errors"
	"fmt"

	"dbfs/internal/kv"
)

var (
	// ErrNotFound indicates a missing inode, directory entry or xattr
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a name or xattr key is already taken
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotEmpty indicates rmdir or rename onto a directory with entries
	ErrNotEmpty = errors.New("directory not empty")

	// ErrInvalidArgument indicates a request that can never succeed as
	// asked, such as a cycle-forming rename or a hard link to a directory
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState indicates an internal ordering violation, such as
	// deleting an inode that is still linked
	ErrInvalidState = errors.New("invalid state")

	// ErrPermissionDenied indicates a failed permission check
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNoSpace indicates the store refused a write because it is full
	ErrNoSpace = errors.New("no space left")

	// ErrBusy indicates the operation kept conflicting with concurrent
	// writers and the retry budget ran out
	ErrBusy = errors.New("busy: too many transaction conflicts")

	// ErrCorruption indicates a stored record that cannot be decoded or a
	// superblock that was not written by dbfs
	ErrCorruption = errors.New("corrupt store")

	// ErrNotDir is an InvalidArgument raised where a directory is required
	ErrNotDir = &refinedError{msg: "not a directory", base: ErrInvalidArgument}

	// ErrIsDir is an InvalidArgument raised where a directory is not allowed
	ErrIsDir = &refinedError{msg: "is a directory", base: ErrInvalidArgument}

	// ErrNameTooLong is an InvalidArgument for names over MaxNameLen bytes
	ErrNameTooLong = &refinedError{msg: "name too long", base: ErrInvalidArgument}
)

// refinedError is a more specific form of a taxonomy error. errors.Is
// matches both the refined error and its base.
type refinedError struct {
	msg  string
	base error
}

func (e *refinedError) Error() string { return e.msg }
func (e *refinedError) Unwrap() error { return e.base }

// Error wraps a failed operation with the inode and name it targeted.
type Error struct {
	Op   string // Operation that failed (e.g. "lookup", "rename")
	Ino  uint64 // Inode the operation was addressed to
	Name string // Directory entry name, if any
	Err  error  // Underlying error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s inode %d: %v", e.Op, e.Ino, e.Err)
	}
	return fmt.Sprintf("%s %q in inode %d: %v", e.Op, e.Name, e.Ino, e.Err)
}

// Unwrap implements error unwrapping for the errors.Is/As functions
func (e *Error) Unwrap() error {
	return e.Err
}

// Operation names used in errors and logs
const (
	OpMount       = "mount"
	OpCreate      = "create"
	OpLookup      = "lookup"
	OpRead        = "read"
	OpWrite       = "write"
	OpTruncate    = "truncate"
	OpRename      = "rename"
	OpLink        = "link"
	OpUnlink      = "unlink"
	OpMkdir       = "mkdir"
	OpRmdir       = "rmdir"
	OpReaddir     = "readdir"
	OpGetattr     = "getattr"
	OpSetattr     = "setattr"
	OpGetxattr    = "getxattr"
	OpSetxattr    = "setxattr"
	OpListxattr   = "listxattr"
	OpRemovexattr = "removexattr"
	OpSymlink     = "symlink"
	OpReadlink    = "readlink"
	OpAccess      = "access"
	OpRelease     = "release"
	OpStatfs      = "statfs"
)

// fail wraps err for op and logs it. Expected outcomes such as a missing
// name are logged at Trace; everything else at Debug.
func fail(op string, ino uint64, name string, err error) error {
	fsErr := &Error{Op: op, Ino: ino, Name: name, Err: err}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyExists):
		fsLogger.Trace("%v", fsErr)
	default:
		fsLogger.Debug("%v", fsErr)
	}
	return fsErr
}

// corruptf reports a structurally invalid stored record.
func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}

// engineError maps key-value engine failures onto the taxonomy. Errors
// that have no taxonomy entry are returned unchanged (opaque).
func engineError(err error) error {
	switch {
	case err == nil:
		return nil
	case kv.IsFull(err):
		return fmt.Errorf("%w: %v", ErrNoSpace, err)
	default:
		return err
	}
}
