package nodefs

import (
	"context"
	"fmt"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"dbfs/internal/dbfs"
	"dbfs/internal/logging"
)

// Options configures the mount.
type Options struct {
	// AllowOther permits users other than the mounter to access the
	// tree. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	ReadOnly bool

	// Debug logs every FUSE request.
	Debug bool

	// DirectMount calls mount(2) itself instead of fusermount. Needs
	// root.
	DirectMount bool
}

// Mount serves core at mountpoint. The caller must Unmount the returned
// server when done.
func Mount(mountpoint string, core *dbfs.FS, opts Options) (*fuse.Server, error) {
	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	mountOpts := fuse.MountOptions{
		FsName:      "dbfs",
		Name:        "dbfs",
		AllowOther:  opts.AllowOther,
		Debug:       opts.Debug,
		DirectMount: opts.DirectMount,
		Options:     []string{"default_permissions"},
		Logger:      nodeLogger.StdLogger(logging.LevelDebug),
	}
	if opts.ReadOnly {
		mountOpts.Options = append(mountOpts.Options, "ro")
	}

	server, err := gofuse.Mount(mountpoint, NewRoot(core), &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions:    mountOpts,
		Logger:          nodeLogger.StdLogger(logging.LevelDebug),
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", mountpoint, err)
	}
	nodeLogger.Info("Filesystem %s mounted at %s", core.ID(), mountpoint)
	return server, nil
}

func caller(ctx context.Context) dbfs.Caller {
	if c, ok := fuse.FromContext(ctx); ok {
		return dbfs.Caller{Uid: c.Uid, Gid: c.Gid}
	}
	return dbfs.Root
}

func fileType(kind dbfs.Kind) uint32 {
	switch kind {
	case dbfs.KindDirectory:
		return syscall.S_IFDIR
	case dbfs.KindSymlink:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

func fillAttr(a *fuse.Attr, attr dbfs.Attr) {
	a.Ino = attr.Ino
	a.Size = attr.Size
	a.Blocks = attr.Blocks
	a.Mode = fileType(attr.Kind) | attr.Mode
	a.Nlink = attr.Nlink
	a.Owner = fuse.Owner{Uid: attr.Uid, Gid: attr.Gid}
	a.Blksize = attr.BlockSize
	a.SetTimes(&attr.Atime, &attr.Mtime, &attr.Ctime)
}

// setAttr translates the kernel's setattr request.
func setAttr(in *fuse.SetAttrIn) dbfs.SetAttr {
	var set dbfs.SetAttr
	if mode, ok := in.GetMode(); ok {
		mode &= 0o7777
		set.Mode = &mode
	}
	if uid, ok := in.GetUID(); ok {
		set.Uid = &uid
	}
	if gid, ok := in.GetGID(); ok {
		set.Gid = &gid
	}
	if size, ok := in.GetSize(); ok {
		set.Size = &size
	}
	if in.Valid&fuse.FATTR_ATIME_NOW != 0 {
		set.AtimeNow = true
	} else if atime, ok := in.GetATime(); ok {
		set.Atime = &atime
	}
	if in.Valid&fuse.FATTR_MTIME_NOW != 0 {
		set.MtimeNow = true
	} else if mtime, ok := in.GetMTime(); ok {
		set.Mtime = &mtime
	}
	return set
}

// dirEntries converts a listing, "." and ".." included. go-fuse only
// reports the dot entries a filesystem returns itself.
func dirEntries(entries []dbfs.DirEntry) []fuse.DirEntry {
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fuse.DirEntry{Name: e.Name, Ino: e.Ino, Mode: fileType(e.Kind)})
	}
	return out
}

func renameFlags(flags uint32) (dbfs.RenameFlags, bool) {
	var out dbfs.RenameFlags
	if flags&unix.RENAME_NOREPLACE != 0 {
		out |= dbfs.RenameNoReplace
	}
	if flags&unix.RENAME_EXCHANGE != 0 {
		out |= dbfs.RenameExchange
	}
	return out, flags&^(unix.RENAME_NOREPLACE|unix.RENAME_EXCHANGE) == 0
}

func openMask(flags uint32) uint32 {
	switch flags & syscall.O_ACCMODE {
	case syscall.O_WRONLY:
		return dbfs.MayWrite
	case syscall.O_RDWR:
		return dbfs.MayRead | dbfs.MayWrite
	default:
		return dbfs.MayRead
	}
}

// xattrList encodes names as the NUL-separated list listxattr returns.
func xattrList(names []string) []byte {
	var buf []byte
	for _, name := range names {
		buf = append(buf, name...)
		buf = append(buf, 0)
	}
	return buf
}
