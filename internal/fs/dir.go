package fs

import (
	"context"
	"syscall"

	"dbfs/internal/dbfs"
	"dbfs/internal/logging"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	dirLogger = logging.GetLogger().WithPrefix("dir")
)

// Dir represents a directory inode. It is its own handle for readdir.
type Dir struct {
	Node
}

// Lookup implements the NodeRequestLookuper interface, finding a child node.
func (d *Dir) Lookup(ctx context.Context, req *fuse.LookupRequest, _ *fuse.LookupResponse) (fusefs.Node, error) {
	dirLogger.Debug("Looking up %q in directory %d", req.Name, d.ino)
	attr, err := d.fs.core.Lookup(ctx, caller(req.Header), d.ino, req.Name)
	if err != nil {
		return nil, ToFuseError(err)
	}
	return d.fs.node(attr), nil
}

// ReadDirAll implements the HandleReadDirAller interface, listing directory
// contents. The kernel checked read access when the directory was opened.
func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	dirLogger.Debug("Reading directory contents: %d", d.ino)
	entries, err := d.fs.core.Readdir(ctx, dbfs.Root, d.ino)
	if err != nil {
		return nil, ToFuseError(err)
	}

	dirents := make([]fuse.Dirent, 0, len(entries))
	for _, e := range entries {
		dirents = append(dirents, fuse.Dirent{
			Inode: e.Ino,
			Type:  direntType(e.Kind),
			Name:  e.Name,
		})
	}
	dirLogger.Debug("Directory %d contains %d entries", d.ino, len(dirents))
	return dirents, nil
}

// Mkdir implements the NodeMkdirer interface, creating a new directory.
func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	dirLogger.Info("Creating new directory %q in %d", req.Name, d.ino)
	attr, err := d.fs.core.Mkdir(ctx, caller(req.Header), d.ino, req.Name, fromFileMode(req.Mode&^req.Umask))
	if err != nil {
		return nil, ToFuseError(err)
	}
	return d.fs.node(attr), nil
}

// Create implements the NodeCreater interface, creating and opening a
// regular file.
func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, _ *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	dirLogger.Info("Creating file %q in %d", req.Name, d.ino)
	c := caller(req.Header)
	attr, err := d.fs.core.Create(ctx, c, d.ino, req.Name, fromFileMode(req.Mode&^req.Umask))
	if err != nil {
		return nil, nil, ToFuseError(err)
	}
	return d.fs.node(attr), d.fs.openHandle(attr.Ino, c, req.Flags), nil
}

// Symlink implements the NodeSymlinker interface.
func (d *Dir) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fusefs.Node, error) {
	dirLogger.Debug("Creating symlink %q -> %q in %d", req.NewName, req.Target, d.ino)
	attr, err := d.fs.core.Symlink(ctx, caller(req.Header), d.ino, req.NewName, req.Target)
	if err != nil {
		return nil, ToFuseError(err)
	}
	return d.fs.node(attr), nil
}

// Link implements the NodeLinker interface, adding a hard link to old.
func (d *Dir) Link(ctx context.Context, req *fuse.LinkRequest, old fusefs.Node) (fusefs.Node, error) {
	src, ok := old.(inoder)
	if !ok {
		dirLogger.Error("Link source is not a dbfs node")
		return nil, syscall.EXDEV
	}
	dirLogger.Debug("Linking inode %d as %q in %d", src.inode(), req.NewName, d.ino)
	attr, err := d.fs.core.Link(ctx, caller(req.Header), src.inode(), d.ino, req.NewName)
	if err != nil {
		return nil, ToFuseError(err)
	}
	return d.fs.node(attr), nil
}

// Remove implements the NodeRemover interface, removing a file or directory.
func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	dirLogger.Info("Removing %q from directory %d (isDir=%v)", req.Name, d.ino, req.Dir)

	c := caller(req.Header)
	var err error
	if req.Dir {
		err = d.fs.core.Rmdir(ctx, c, d.ino, req.Name, d.fs.handles)
	} else {
		err = d.fs.core.Unlink(ctx, c, d.ino, req.Name, d.fs.handles)
	}
	return ToFuseError(err)
}

// Rename implements the NodeRenamer interface, renaming/moving a file or directory.
func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	dirLogger.Info("Renaming %q to %q", req.OldName, req.NewName)

	target, ok := newDir.(*Dir)
	if !ok {
		dirLogger.Error("Target is not a valid directory type")
		return syscall.ENOTDIR
	}
	err := d.fs.core.Rename(ctx, caller(req.Header), d.ino, req.OldName, target.ino, req.NewName, 0, d.fs.handles)
	return ToFuseError(err)
}
