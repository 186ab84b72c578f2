package fs

import (
	"context"

	"dbfs/internal/dbfs"
	"dbfs/internal/logging"

	"bazil.org/fuse"
	"golang.org/x/sys/unix"
)

var (
	nodeLogger = logging.GetLogger().WithPrefix("node")
)

// Node holds what every node kind shares: attributes and extended
// attributes of one inode.
type Node struct {
	fs  *DBFS
	ino uint64
}

func (n *Node) inode() uint64 { return n.ino }

// Attr implements the fusefs.Node interface.
func (n *Node) Attr(ctx context.Context, a *fuse.Attr) error {
	nodeLogger.Trace("Getting attributes for inode %d", n.ino)
	attr, err := n.fs.core.Getattr(ctx, n.ino)
	if err != nil {
		return ToFuseError(err)
	}
	fillAttr(a, attr)
	return nil
}

// Setattr implements the NodeSetattrer interface.
func (n *Node) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	nodeLogger.Debug("Setattr on inode %d: %v", n.ino, req.Valid)

	var set dbfs.SetAttr
	if req.Valid.Mode() {
		mode := fromFileMode(req.Mode)
		set.Mode = &mode
	}
	if req.Valid.Uid() {
		set.Uid = &req.Uid
	}
	if req.Valid.Gid() {
		set.Gid = &req.Gid
	}
	if req.Valid.Size() {
		set.Size = &req.Size
	}
	if req.Valid.Atime() {
		set.Atime = &req.Atime
	}
	if req.Valid.Mtime() {
		set.Mtime = &req.Mtime
	}
	set.AtimeNow = req.Valid.AtimeNow()
	set.MtimeNow = req.Valid.MtimeNow()

	c := caller(req.Header)
	c.ViaHandle = req.Valid.Handle()
	attr, err := n.fs.core.Setattr(ctx, c, n.ino, set)
	if err != nil {
		return ToFuseError(err)
	}
	fillAttr(&resp.Attr, attr)
	return nil
}

// Access implements the NodeAccesser interface.
func (n *Node) Access(ctx context.Context, req *fuse.AccessRequest) error {
	return ToFuseError(n.fs.core.Access(ctx, caller(req.Header), n.ino, req.Mask))
}

// Getxattr implements the NodeGetxattrer interface, retrieving an extended attribute.
func (n *Node) Getxattr(ctx context.Context, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	nodeLogger.Debug("Getting xattr %q for inode %d", req.Name, n.ino)
	value, err := n.fs.core.Getxattr(ctx, caller(req.Header), n.ino, req.Name)
	if err != nil {
		return xattrError(err)
	}
	resp.Xattr = value
	nodeLogger.Trace("Retrieved xattr %q: %d bytes", req.Name, len(value))
	return nil
}

// Setxattr implements the NodeSetxattrer interface, setting an extended attribute.
func (n *Node) Setxattr(ctx context.Context, req *fuse.SetxattrRequest) error {
	nodeLogger.Debug("Setting xattr %q for inode %d (%d bytes)", req.Name, n.ino, len(req.Xattr))

	var flags dbfs.XattrFlags
	if req.Flags&unix.XATTR_CREATE != 0 {
		flags |= dbfs.XattrCreate
	}
	if req.Flags&unix.XATTR_REPLACE != 0 {
		flags |= dbfs.XattrReplace
	}

	// Copy to avoid referencing the request buffer
	value := make([]byte, len(req.Xattr))
	copy(value, req.Xattr)
	return xattrError(n.fs.core.Setxattr(ctx, caller(req.Header), n.ino, req.Name, value, flags))
}

// Listxattr implements the NodeListxattrer interface, listing all extended attributes.
func (n *Node) Listxattr(ctx context.Context, req *fuse.ListxattrRequest, resp *fuse.ListxattrResponse) error {
	names, err := n.fs.core.Listxattr(ctx, caller(req.Header), n.ino)
	if err != nil {
		return ToFuseError(err)
	}
	resp.Append(names...)
	nodeLogger.Trace("Listed %d xattrs on inode %d", len(names), n.ino)
	return nil
}

// Removexattr implements the NodeRemovexattrer interface, removing an extended attribute.
func (n *Node) Removexattr(ctx context.Context, req *fuse.RemovexattrRequest) error {
	nodeLogger.Debug("Removing xattr %q for inode %d", req.Name, n.ino)
	return xattrError(n.fs.core.Removexattr(ctx, caller(req.Header), n.ino, req.Name))
}
