package fs

import (
	"os"
	"time"

	"dbfs/internal/dbfs"

	"bazil.org/fuse"
)

// attrValid bounds how long the kernel caches attributes.
const attrValid = time.Second

// inoder is implemented by every node kind.
type inoder interface {
	inode() uint64
}

func caller(h fuse.Header) dbfs.Caller {
	return dbfs.Caller{Uid: h.Uid, Gid: h.Gid}
}

func fillAttr(a *fuse.Attr, attr dbfs.Attr) {
	a.Valid = attrValid
	a.Inode = attr.Ino
	a.Size = attr.Size
	a.Blocks = attr.Blocks
	a.Atime = attr.Atime
	a.Mtime = attr.Mtime
	a.Ctime = attr.Ctime
	a.Mode = toFileMode(attr.Kind, attr.Mode)
	a.Nlink = attr.Nlink
	a.Uid = attr.Uid
	a.Gid = attr.Gid
	a.BlockSize = attr.BlockSize
}

// toFileMode converts stored mode bits to an os.FileMode, whose special
// bits live outside the low twelve.
func toFileMode(kind dbfs.Kind, mode uint32) os.FileMode {
	m := os.FileMode(mode & dbfs.ModePerm)
	if mode&dbfs.ModeSetuid != 0 {
		m |= os.ModeSetuid
	}
	if mode&dbfs.ModeSetgid != 0 {
		m |= os.ModeSetgid
	}
	if mode&dbfs.ModeSticky != 0 {
		m |= os.ModeSticky
	}
	switch kind {
	case dbfs.KindDirectory:
		m |= os.ModeDir
	case dbfs.KindSymlink:
		m |= os.ModeSymlink
	}
	return m
}

func fromFileMode(m os.FileMode) uint32 {
	mode := uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		mode |= dbfs.ModeSetuid
	}
	if m&os.ModeSetgid != 0 {
		mode |= dbfs.ModeSetgid
	}
	if m&os.ModeSticky != 0 {
		mode |= dbfs.ModeSticky
	}
	return mode
}

func direntType(kind dbfs.Kind) fuse.DirentType {
	switch kind {
	case dbfs.KindDirectory:
		return fuse.DT_Dir
	case dbfs.KindSymlink:
		return fuse.DT_Link
	default:
		return fuse.DT_File
	}
}

func openMask(flags fuse.OpenFlags) uint32 {
	switch {
	case flags.IsWriteOnly():
		return dbfs.MayWrite
	case flags.IsReadWrite():
		return dbfs.MayRead | dbfs.MayWrite
	default:
		return dbfs.MayRead
	}
}
