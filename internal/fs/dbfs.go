package fs

import (
	"context"
	"fmt"
	"os"
	"time"

	"dbfs/internal/dbfs"
	"dbfs/internal/handles"
	"dbfs/internal/logging"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	vfsLogger = logging.GetLogger().WithPrefix("vfs")
)

// Options configures the kernel mount.
type Options struct {
	AllowOther bool // let users other than the mounter access the tree
	ReadOnly   bool
}

// DBFS serves a mounted dbfs.FS through bazil.org/fuse. Nodes carry only
// an inode number; every request goes straight to the core.
type DBFS struct {
	core    *dbfs.FS
	handles *handles.Table
	opts    Options
	conn    *fuse.Conn
	served  chan error
}

// NewDBFS wraps core for serving.
func NewDBFS(core *dbfs.FS, opts Options) *DBFS {
	vfsLogger.Debug("Creating FUSE front-end (allow_other=%v, ro=%v)", opts.AllowOther, opts.ReadOnly)
	return &DBFS{
		core:    core,
		handles: handles.NewTable(),
		opts:    opts,
	}
}

// Root implements the fusefs.FS interface, returning the root directory node.
func (vfs *DBFS) Root() (fusefs.Node, error) {
	vfsLogger.Trace("Getting root directory node")
	return &Dir{Node{fs: vfs, ino: dbfs.RootIno}}, nil
}

// Statfs implements the fusefs.FSStatfser interface.
func (vfs *DBFS) Statfs(ctx context.Context, _ *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	st, err := vfs.core.Statfs(ctx)
	if err != nil {
		return ToFuseError(err)
	}
	resp.Blocks = st.Blocks
	resp.Bfree = st.BlocksFree
	resp.Bavail = st.BlocksFree
	resp.Files = st.Files
	resp.Ffree = st.FilesFree
	resp.Bsize = st.BlockSize
	resp.Frsize = st.BlockSize
	resp.Namelen = st.NameMax
	return nil
}

// node builds the FUSE node for attr's kind.
func (vfs *DBFS) node(attr dbfs.Attr) fusefs.Node {
	n := Node{fs: vfs, ino: attr.Ino}
	switch attr.Kind {
	case dbfs.KindDirectory:
		return &Dir{n}
	case dbfs.KindSymlink:
		return &Symlink{n}
	default:
		return &File{n}
	}
}

func waitForMount(mountpoint string) error {
	for i := 0; i < 30; i++ {
		info, err := os.Stat(mountpoint)
		if err == nil && info.IsDir() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("mount point not available after 3 seconds")
}

// Mount attaches the filesystem at mountPoint and starts serving in the
// background. Done reports when serving stops.
func (vfs *DBFS) Mount(mountPoint string) error {
	vfsLogger.Info("Mounting filesystem %s", vfs.core.ID())
	vfsLogger.Debug("Mount point: %s", mountPoint)

	mountOpts := []fuse.MountOption{
		fuse.FSName("dbfs"),
		fuse.Subtype("dbfs"),
		fuse.DefaultPermissions(),
		fuse.AsyncRead(),
	}
	if vfs.opts.AllowOther {
		mountOpts = append(mountOpts, fuse.AllowOther())
	}
	if vfs.opts.ReadOnly {
		mountOpts = append(mountOpts, fuse.ReadOnly())
	}

	vfsLogger.Debug("Mounting with options: %+v", mountOpts)

	c, err := fuse.Mount(mountPoint, mountOpts...)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}
	vfs.conn = c
	vfs.served = make(chan error, 1)

	go func() {
		err := fusefs.Serve(c, vfs)
		if err != nil {
			vfsLogger.Error("FUSE server error: %v", err)
		}
		vfs.served <- err
	}()

	// Wait for mount to be ready
	if err := waitForMount(mountPoint); err != nil {
		c.Close()
		vfsLogger.Error("Mount point not ready: %v", err)
		return fmt.Errorf("mount point failed to initialize: %w", err)
	}

	vfsLogger.Info("Filesystem mounted successfully")
	return nil
}

// Done returns a channel that receives the serve result once the kernel
// connection closes. It is nil before Mount.
func (vfs *DBFS) Done() <-chan error {
	return vfs.served
}

// Unmount cleanly unmounts the filesystem.
func (vfs *DBFS) Unmount(mountPoint string) error {
	vfsLogger.Info("Unmounting filesystem from: %s", mountPoint)
	if vfs.conn == nil {
		return nil
	}
	if err := fuse.Unmount(mountPoint); err != nil {
		vfsLogger.Error("Unmount failed: %v", err)
		return err
	}
	if open := vfs.handles.Len(); open > 0 {
		vfsLogger.Warn("Unmounted with %d inodes still open", open)
	}
	vfsLogger.Info("Unmount completed successfully")
	return vfs.conn.Close()
}
