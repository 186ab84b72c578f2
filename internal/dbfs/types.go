package dbfs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of inode variants.
type Kind uint8

const (
	KindFile Kind = iota + 1
	KindDirectory
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) valid() bool {
	return k >= KindFile && k <= KindSymlink
}

// Permission and special mode bits stored on an inode.
const (
	ModePerm   uint32 = 0o777
	ModeSticky uint32 = 0o1000
	ModeSetgid uint32 = 0o2000
	ModeSetuid uint32 = 0o4000
	modeMask          = ModePerm | ModeSticky | ModeSetgid | ModeSetuid
)

const (
	// RootIno is the inode number of the root directory.
	RootIno uint64 = 1

	// MaxNameLen bounds a single directory entry name, in bytes.
	MaxNameLen = 255

	// MaxSymlinkLen bounds a symlink target, in bytes.
	MaxSymlinkLen = 4096

	// MaxXattrNameLen and MaxXattrValueLen bound extended attributes.
	MaxXattrNameLen  = 255
	MaxXattrValueLen = 64 << 10

	// MaxLinks bounds nlink.
	MaxLinks = 65000
)

// inode is the stored metadata record. Timestamps are Unix nanoseconds.
type inode struct {
	Ino    uint64 `cbor:"-"`
	Kind   Kind   `cbor:"1,keyasint"`
	Mode   uint32 `cbor:"2,keyasint"`
	Uid    uint32 `cbor:"3,keyasint"`
	Gid    uint32 `cbor:"4,keyasint"`
	Size   uint64 `cbor:"5,keyasint"`
	Nlink  uint32 `cbor:"6,keyasint"`
	Atime  int64  `cbor:"7,keyasint"`
	Mtime  int64  `cbor:"8,keyasint"`
	Ctime  int64  `cbor:"9,keyasint"`
	Parent uint64 `cbor:"10,keyasint,omitempty"` // directories only
	Target string `cbor:"11,keyasint,omitempty"` // symlinks only
}

// dirent is the stored value of a directory entry.
type dirent struct {
	Ino  uint64 `cbor:"1,keyasint"`
	Kind Kind   `cbor:"2,keyasint"`
}

// Attr is the attribute view of an inode returned to front-ends.
type Attr struct {
	Ino       uint64
	Kind      Kind
	Mode      uint32 // permission and special bits, no type bits
	Uid       uint32
	Gid       uint32
	Size      uint64
	Nlink     uint32
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	BlockSize uint32
	Blocks    uint64 // 512-byte units
}

// DirEntry is one readdir result.
type DirEntry struct {
	Name string
	Ino  uint64
	Kind Kind
}

// Caller identifies who issues a request.
type Caller struct {
	Uid    uint32
	Gid    uint32
	Groups []uint32

	// ViaHandle marks I/O issued through an open handle. Access was
	// checked when the handle was opened, so read, write and truncate
	// skip the mode check, as POSIX does for open descriptors.
	ViaHandle bool
}

// Root is the privileged caller.
var Root = Caller{}

// SetAttr selects the attributes Setattr changes. Nil fields are left
// unchanged.
type SetAttr struct {
	Mode     *uint32
	Uid      *uint32
	Gid      *uint32
	Size     *uint64
	Atime    *time.Time
	Mtime    *time.Time
	AtimeNow bool
	MtimeNow bool
}

// XattrFlags selects create-only or replace-only semantics for Setxattr.
// The values match XATTR_CREATE and XATTR_REPLACE.
type XattrFlags uint32

const (
	XattrCreate  XattrFlags = 1
	XattrReplace XattrFlags = 2
)

// RenameFlags modifies Rename. The values match RENAME_NOREPLACE and
// RENAME_EXCHANGE.
type RenameFlags uint32

const (
	RenameNoReplace RenameFlags = 1 << 0
	RenameExchange  RenameFlags = 1 << 1
)

// OpenRefs reports whether a front-end still holds open handles on an
// inode. Unlinked inodes with open handles are kept until Release.
type OpenRefs interface {
	IsOpen(ino uint64) bool
}

type noOpenRefs struct{}

func (noOpenRefs) IsOpen(uint64) bool { return false }

// NoOpenRefs is an OpenRefs for callers without handle state.
var NoOpenRefs OpenRefs = noOpenRefs{}

// StatFS reports filesystem-wide usage.
type StatFS struct {
	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
	NameMax    uint32
	Magic      uint32
	ID         uuid.UUID
}
