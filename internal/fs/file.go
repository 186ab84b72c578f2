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
	fileLogger = logging.GetLogger().WithPrefix("file")
)

// File represents a regular file inode.
type File struct {
	Node
}

// Open implements the NodeOpener interface. Access is checked here once;
// I/O through the returned handle is not checked again.
func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, _ *fuse.OpenResponse) (fusefs.Handle, error) {
	fileLogger.Debug("Opening inode %d with flags %v", f.ino, req.Flags)

	c := caller(req.Header)
	mask := openMask(req.Flags)
	if err := f.fs.core.Access(ctx, c, f.ino, mask); err != nil {
		return nil, ToFuseError(err)
	}
	if req.Flags&fuse.OpenTruncate != 0 && mask&dbfs.MayWrite != 0 {
		if _, err := f.fs.core.Truncate(ctx, c, f.ino, 0); err != nil {
			return nil, ToFuseError(err)
		}
	}
	return f.fs.openHandle(f.ino, c, req.Flags), nil
}

// Fsync implements the NodeFsyncer interface. Every write is committed
// durably before it returns, so there is nothing left to flush.
func (f *File) Fsync(_ context.Context, _ *fuse.FsyncRequest) error {
	fileLogger.Trace("Fsync on inode %d", f.ino)
	return nil
}

// Symlink represents a symbolic link inode.
type Symlink struct {
	Node
}

// Readlink implements the NodeReadlinker interface.
func (s *Symlink) Readlink(ctx context.Context, _ *fuse.ReadlinkRequest) (string, error) {
	target, err := s.fs.core.Readlink(ctx, s.ino)
	if err != nil {
		return "", ToFuseError(err)
	}
	return target, nil
}

// FileHandle represents an open file. It remembers who opened it and how.
type FileHandle struct {
	fs     *DBFS
	ino    uint64
	id     uint64
	caller dbfs.Caller
	flags  fuse.OpenFlags
}

func (vfs *DBFS) openHandle(ino uint64, c dbfs.Caller, flags fuse.OpenFlags) *FileHandle {
	c.ViaHandle = true
	fh := &FileHandle{fs: vfs, ino: ino, caller: c, flags: flags}
	fh.id = vfs.handles.Acquire(ino)
	fileLogger.Debug("Opened handle %d on inode %d", fh.id, ino)
	return fh
}

// Read implements the HandleReader interface, reading data from the file.
func (fh *FileHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fileLogger.Trace("Reading %d bytes from inode %d at offset %d", req.Size, fh.ino, req.Offset)
	if req.Offset < 0 {
		return syscall.EINVAL
	}
	if fh.flags.IsWriteOnly() {
		return syscall.EBADF
	}
	data, err := fh.fs.core.Read(ctx, fh.caller, fh.ino, uint64(req.Offset), req.Size)
	if err != nil {
		return ToFuseError(err)
	}
	resp.Data = data
	return nil
}

// Write implements the HandleWriter interface.
func (fh *FileHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	fileLogger.Trace("Writing %d bytes to inode %d at offset %d", len(req.Data), fh.ino, req.Offset)
	if req.Offset < 0 {
		return syscall.EINVAL
	}
	if fh.flags.IsReadOnly() {
		return syscall.EBADF
	}
	n, err := fh.fs.core.Write(ctx, fh.caller, fh.ino, uint64(req.Offset), req.Data)
	if err != nil {
		return ToFuseError(err)
	}
	resp.Size = n
	return nil
}

// Flush implements the HandleFlusher interface.
func (fh *FileHandle) Flush(_ context.Context, _ *fuse.FlushRequest) error {
	return nil
}

// Release implements the HandleReleaser interface. Closing the last handle
// of an unlinked inode destroys it.
func (fh *FileHandle) Release(ctx context.Context, _ *fuse.ReleaseRequest) error {
	fileLogger.Debug("Closing handle %d on inode %d", fh.id, fh.ino)
	if !fh.fs.handles.Release(fh.ino) {
		return nil
	}
	return ToFuseError(fh.fs.core.Release(ctx, fh.ino))
}
