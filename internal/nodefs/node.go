// Package nodefs serves a dbfs filesystem through hanwen/go-fuse's
// inode-tree API. It is the alternative to the bazil.org/fuse front-end in
// internal/fs and shares its errno mapping.
package nodefs

import (
	"context"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"dbfs/internal/dbfs"
	vfs "dbfs/internal/fs"
	"dbfs/internal/handles"
	"dbfs/internal/logging"
)

var (
	nodeLogger = logging.GetLogger().WithPrefix("nodefs")
)

// shared is the state every node of one mount points at.
type shared struct {
	core    *dbfs.FS
	handles *handles.Table
}

// node is one inode of the mounted tree. Directories, files and symlinks
// share the type; the core rejects operations that do not fit the kind.
type node struct {
	gofuse.Inode
	fs  *shared
	ino uint64
}

var (
	_ gofuse.InodeEmbedder     = (*node)(nil)
	_ gofuse.NodeLookuper      = (*node)(nil)
	_ gofuse.NodeGetattrer     = (*node)(nil)
	_ gofuse.NodeSetattrer     = (*node)(nil)
	_ gofuse.NodeReaddirer     = (*node)(nil)
	_ gofuse.NodeMkdirer       = (*node)(nil)
	_ gofuse.NodeCreater       = (*node)(nil)
	_ gofuse.NodeUnlinker      = (*node)(nil)
	_ gofuse.NodeRmdirer       = (*node)(nil)
	_ gofuse.NodeRenamer       = (*node)(nil)
	_ gofuse.NodeSymlinker     = (*node)(nil)
	_ gofuse.NodeLinker        = (*node)(nil)
	_ gofuse.NodeReadlinker    = (*node)(nil)
	_ gofuse.NodeOpener        = (*node)(nil)
	_ gofuse.NodeFsyncer       = (*node)(nil)
	_ gofuse.NodeAccesser      = (*node)(nil)
	_ gofuse.NodeStatfser      = (*node)(nil)
	_ gofuse.NodeGetxattrer    = (*node)(nil)
	_ gofuse.NodeSetxattrer    = (*node)(nil)
	_ gofuse.NodeListxattrer   = (*node)(nil)
	_ gofuse.NodeRemovexattrer = (*node)(nil)
)

// NewRoot returns the root node for core.
func NewRoot(core *dbfs.FS) gofuse.InodeEmbedder {
	return &node{
		fs:  &shared{core: core, handles: handles.NewTable()},
		ino: dbfs.RootIno,
	}
}

func (n *node) newChild(ctx context.Context, attr dbfs.Attr, out *fuse.EntryOut) *gofuse.Inode {
	fillAttr(&out.Attr, attr)
	child := &node{fs: n.fs, ino: attr.Ino}
	return n.NewInode(ctx, child, gofuse.StableAttr{Mode: fileType(attr.Kind), Ino: attr.Ino})
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	attr, err := n.fs.core.Lookup(ctx, caller(ctx), n.ino, name)
	if err != nil {
		return nil, vfs.Errno(err)
	}
	return n.newChild(ctx, attr, out), 0
}

func (n *node) Getattr(ctx context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.fs.core.Getattr(ctx, n.ino)
	if err != nil {
		return vfs.Errno(err)
	}
	fillAttr(&out.Attr, attr)
	return 0
}

func (n *node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	c := caller(ctx)
	c.ViaHandle = f != nil
	attr, err := n.fs.core.Setattr(ctx, c, n.ino, setAttr(in))
	if err != nil {
		return vfs.Errno(err)
	}
	fillAttr(&out.Attr, attr)
	return 0
}

// Readdir lists the directory including "." and "..".
func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := n.fs.core.Readdir(ctx, caller(ctx), n.ino)
	if err != nil {
		return nil, vfs.Errno(err)
	}
	return gofuse.NewListDirStream(dirEntries(entries)), 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	attr, err := n.fs.core.Mkdir(ctx, caller(ctx), n.ino, name, mode&0o7777)
	if err != nil {
		return nil, vfs.Errno(err)
	}
	return n.newChild(ctx, attr, out), 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	c := caller(ctx)
	attr, err := n.fs.core.Create(ctx, c, n.ino, name, mode&0o7777)
	if err != nil {
		return nil, nil, 0, vfs.Errno(err)
	}
	return n.newChild(ctx, attr, out), n.fs.open(attr.Ino, c, flags), 0, 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return vfs.Errno(n.fs.core.Unlink(ctx, caller(ctx), n.ino, name, n.fs.handles))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return vfs.Errno(n.fs.core.Rmdir(ctx, caller(ctx), n.ino, name, n.fs.handles))
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	target, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV
	}
	rflags, ok := renameFlags(flags)
	if !ok {
		return syscall.EINVAL
	}
	return vfs.Errno(n.fs.core.Rename(ctx, caller(ctx), n.ino, name, target.ino, newName, rflags, n.fs.handles))
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	attr, err := n.fs.core.Symlink(ctx, caller(ctx), n.ino, name, target)
	if err != nil {
		return nil, vfs.Errno(err)
	}
	return n.newChild(ctx, attr, out), 0
}

func (n *node) Link(ctx context.Context, target gofuse.InodeEmbedder, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	src, ok := target.(*node)
	if !ok {
		return nil, syscall.EXDEV
	}
	attr, err := n.fs.core.Link(ctx, caller(ctx), src.ino, n.ino, name)
	if err != nil {
		return nil, vfs.Errno(err)
	}
	return n.newChild(ctx, attr, out), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fs.core.Readlink(ctx, n.ino)
	if err != nil {
		return nil, vfs.Errno(err)
	}
	return []byte(target), 0
}

// Open checks access once; the handle skips the mode check afterwards.
func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	c := caller(ctx)
	mask := openMask(flags)
	if err := n.fs.core.Access(ctx, c, n.ino, mask); err != nil {
		return nil, 0, vfs.Errno(err)
	}
	if flags&syscall.O_TRUNC != 0 && mask&dbfs.MayWrite != 0 {
		if _, err := n.fs.core.Truncate(ctx, c, n.ino, 0); err != nil {
			return nil, 0, vfs.Errno(err)
		}
	}
	return n.fs.open(n.ino, c, flags), 0, 0
}

// Fsync has nothing to do: every write commits durably.
func (n *node) Fsync(_ context.Context, _ gofuse.FileHandle, _ uint32) syscall.Errno {
	return 0
}

func (n *node) Access(ctx context.Context, mask uint32) syscall.Errno {
	return vfs.Errno(n.fs.core.Access(ctx, caller(ctx), n.ino, mask))
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.fs.core.Statfs(ctx)
	if err != nil {
		return vfs.Errno(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.BlocksFree
	out.Bavail = st.BlocksFree
	out.Files = st.Files
	out.Ffree = st.FilesFree
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	out.NameLen = st.NameMax
	return 0
}

// Getxattr copies the value into dest. A short dest gets ERANGE and the
// required size.
func (n *node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	value, err := n.fs.core.Getxattr(ctx, caller(ctx), n.ino, attr)
	if err != nil {
		return 0, vfs.XattrErrno(err)
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	return uint32(copy(dest, value)), 0
}

func (n *node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	var xflags dbfs.XattrFlags
	if flags&unix.XATTR_CREATE != 0 {
		xflags |= dbfs.XattrCreate
	}
	if flags&unix.XATTR_REPLACE != 0 {
		xflags |= dbfs.XattrReplace
	}
	value := append([]byte(nil), data...)
	return vfs.XattrErrno(n.fs.core.Setxattr(ctx, caller(ctx), n.ino, attr, value, xflags))
}

func (n *node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, err := n.fs.core.Listxattr(ctx, caller(ctx), n.ino)
	if err != nil {
		return 0, vfs.Errno(err)
	}
	buf := xattrList(names)
	if len(dest) < len(buf) {
		return uint32(len(buf)), syscall.ERANGE
	}
	return uint32(copy(dest, buf)), 0
}

func (n *node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return vfs.XattrErrno(n.fs.core.Removexattr(ctx, caller(ctx), n.ino, attr))
}

// handle is an open file.
type handle struct {
	fs     *shared
	ino    uint64
	id     uint64
	caller dbfs.Caller
	flags  uint32
}

var (
	_ gofuse.FileReader   = (*handle)(nil)
	_ gofuse.FileWriter   = (*handle)(nil)
	_ gofuse.FileFlusher  = (*handle)(nil)
	_ gofuse.FileReleaser = (*handle)(nil)
)

func (s *shared) open(ino uint64, c dbfs.Caller, flags uint32) *handle {
	c.ViaHandle = true
	h := &handle{fs: s, ino: ino, caller: c, flags: flags}
	h.id = s.handles.Acquire(ino)
	nodeLogger.Debug("Opened handle %d on inode %d", h.id, ino)
	return h
}

func (h *handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if h.flags&syscall.O_ACCMODE == syscall.O_WRONLY {
		return nil, syscall.EBADF
	}
	if off < 0 {
		return nil, syscall.EINVAL
	}
	data, err := h.fs.core.Read(ctx, h.caller, h.ino, uint64(off), len(dest))
	if err != nil {
		return nil, vfs.Errno(err)
	}
	return fuse.ReadResultData(data), 0
}

func (h *handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if h.flags&syscall.O_ACCMODE == syscall.O_RDONLY {
		return 0, syscall.EBADF
	}
	if off < 0 {
		return 0, syscall.EINVAL
	}
	n, err := h.fs.core.Write(ctx, h.caller, h.ino, uint64(off), data)
	if err != nil {
		return 0, vfs.Errno(err)
	}
	return uint32(n), 0
}

func (h *handle) Flush(context.Context) syscall.Errno {
	return 0
}

func (h *handle) Release(ctx context.Context) syscall.Errno {
	nodeLogger.Debug("Closing handle %d on inode %d", h.id, h.ino)
	if !h.fs.handles.Release(h.ino) {
		return 0
	}
	return vfs.Errno(h.fs.core.Release(ctx, h.ino))
}
