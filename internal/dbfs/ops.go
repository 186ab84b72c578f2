package dbfs

import (
	"context"
	"errors"
	"math"
)

// Create makes an empty regular file name in parent, owned by c.
func (fs *FS) Create(ctx context.Context, c Caller, parent uint64, name string, mode uint32) (Attr, error) {
	return fs.makeNode(ctx, OpCreate, c, parent, name, &inode{Kind: KindFile, Mode: mode, Nlink: 1})
}

// Mkdir makes an empty directory name in parent, owned by c.
func (fs *FS) Mkdir(ctx context.Context, c Caller, parent uint64, name string, mode uint32) (Attr, error) {
	return fs.makeNode(ctx, OpMkdir, c, parent, name, &inode{Kind: KindDirectory, Mode: mode, Nlink: 2})
}

// Symlink makes a symbolic link name in parent pointing at target. The
// target is stored verbatim and never resolved.
func (fs *FS) Symlink(ctx context.Context, c Caller, parent uint64, name, target string) (Attr, error) {
	if target == "" || len(target) > MaxSymlinkLen {
		err := error(ErrInvalidArgument)
		if target != "" {
			err = ErrNameTooLong
		}
		return Attr{}, fail(OpSymlink, parent, name, err)
	}
	return fs.makeNode(ctx, OpSymlink, c, parent, name, &inode{
		Kind:   KindSymlink,
		Mode:   ModePerm,
		Nlink:  1,
		Size:   uint64(len(target)),
		Target: target,
	})
}

func (fs *FS) makeNode(ctx context.Context, op string, c Caller, parent uint64, name string, tmpl *inode) (Attr, error) {
	if err := validName(name); err != nil {
		return Attr{}, fail(op, parent, name, err)
	}

	var out Attr
	err := fs.update(ctx, func(t *txn) error {
		dir, err := t.getDir(parent)
		if err != nil {
			return err
		}
		if err := access(c, dir, MayWrite|MayExec); err != nil {
			return err
		}
		if _, err := t.lookupEntry(parent, name); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		in := *tmpl
		in.Uid, in.Gid = c.Uid, c.Gid
		if dir.Mode&ModeSetgid != 0 {
			in.Gid = dir.Gid
			if in.Kind == KindDirectory {
				in.Mode |= ModeSetgid
			}
		}
		if in.Kind == KindFile && in.Mode&ModeSetgid != 0 && !c.privileged() && !c.inGroup(in.Gid) {
			in.Mode &^= ModeSetgid
		}
		if in.Kind == KindDirectory {
			if dir.Nlink >= MaxLinks {
				return ErrInvalidArgument
			}
			in.Parent = parent
			dir.Nlink++
		}

		if err := t.allocate(&in); err != nil {
			return err
		}
		if err := t.insertEntry(parent, name, in.Ino, in.Kind); err != nil {
			return err
		}
		t.touch(dir)
		if err := t.putInode(dir); err != nil {
			return err
		}
		out = fs.attr(&in)
		return nil
	})
	if err != nil {
		return Attr{}, fail(op, parent, name, err)
	}
	fsLogger.Debug("%s %q in %d -> inode %d", op, name, parent, out.Ino)
	return out, nil
}

// Lookup resolves name in parent. "." and ".." resolve to parent and its
// parent; the root is its own parent.
func (fs *FS) Lookup(ctx context.Context, c Caller, parent uint64, name string) (Attr, error) {
	if name == "" || len(name) > MaxNameLen {
		err := error(ErrInvalidArgument)
		if name != "" {
			err = ErrNameTooLong
		}
		return Attr{}, fail(OpLookup, parent, name, err)
	}

	var out Attr
	err := fs.view(ctx, func(t *txn) error {
		dir, err := t.getDir(parent)
		if err != nil {
			return err
		}
		if err := access(c, dir, MayExec); err != nil {
			return err
		}
		var ino uint64
		switch name {
		case ".":
			ino = dir.Ino
		case "..":
			ino = dir.Parent
		default:
			ent, err := t.lookupEntry(parent, name)
			if err != nil {
				return err
			}
			ino = ent.Ino
		}
		in, err := t.getInode(ino)
		if errors.Is(err, ErrNotFound) {
			return corruptf("entry %q in %d points at missing inode %d", name, parent, ino)
		}
		if err != nil {
			return err
		}
		out = fs.attr(in)
		return nil
	})
	if err != nil {
		return Attr{}, fail(OpLookup, parent, name, err)
	}
	return out, nil
}

// regular fetches ino for data I/O. Directories are ErrIsDir and symlinks
// ErrInvalidArgument.
func (t *txn) regular(ino uint64) (*inode, error) {
	in, err := t.getInode(ino)
	if err != nil {
		return nil, err
	}
	switch in.Kind {
	case KindDirectory:
		return nil, ErrIsDir
	case KindSymlink:
		return nil, ErrInvalidArgument
	}
	return in, nil
}

// Read returns up to length bytes of ino starting at off. Reading at or
// past the end of file returns no data. Holes read as zeros.
func (fs *FS) Read(ctx context.Context, c Caller, ino uint64, off uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, fail(OpRead, ino, "", ErrInvalidArgument)
	}

	var out []byte
	err := fs.view(ctx, func(t *txn) error {
		in, err := t.regular(ino)
		if err != nil {
			return err
		}
		if !c.ViaHandle {
			if err := access(c, in, MayRead); err != nil {
				return err
			}
		}
		out, err = t.readAt(in, off, uint64(length))
		return err
	})
	if err != nil {
		return nil, fail(OpRead, ino, "", err)
	}
	return out, nil
}

// Write stores data at off and returns the number of bytes written, which
// is len(data) on success. Writing past the end of file leaves a hole.
func (fs *FS) Write(ctx context.Context, c Caller, ino uint64, off uint64, data []byte) (int, error) {
	var n int
	err := fs.update(ctx, func(t *txn) error {
		in, err := t.regular(ino)
		if err != nil {
			return err
		}
		if !c.ViaHandle {
			if err := access(c, in, MayWrite); err != nil {
				return err
			}
		}
		if n, err = t.writeAt(in, off, data); err != nil {
			return err
		}
		if !c.privileged() {
			in.Mode &^= ModeSetuid | ModeSetgid
		}
		return t.putInode(in)
	})
	if err != nil {
		return 0, fail(OpWrite, ino, "", err)
	}
	fsLogger.Trace("Wrote %d bytes at %d to inode %d", n, off, ino)
	return n, nil
}

// Truncate sets the size of ino. Bytes past a shrunk end are discarded;
// a grown file reads zeros in the new range.
func (fs *FS) Truncate(ctx context.Context, c Caller, ino uint64, size uint64) (Attr, error) {
	var out Attr
	err := fs.update(ctx, func(t *txn) error {
		in, err := t.regular(ino)
		if err != nil {
			return err
		}
		if !c.ViaHandle {
			if err := access(c, in, MayWrite); err != nil {
				return err
			}
		}
		if err := t.truncate(in, size); err != nil {
			return err
		}
		if !c.privileged() {
			in.Mode &^= ModeSetuid | ModeSetgid
		}
		if err := t.putInode(in); err != nil {
			return err
		}
		out = fs.attr(in)
		return nil
	})
	if err != nil {
		return Attr{}, fail(OpTruncate, ino, "", err)
	}
	return out, nil
}

// Rename moves oldName in oldParent to newName in newParent, replacing a
// compatible target. Moving a directory into its own subtree fails with
// ErrInvalidArgument. A replaced inode whose last link goes away is
// destroyed unless open reports it open.
func (fs *FS) Rename(ctx context.Context, c Caller, oldParent uint64, oldName string, newParent uint64, newName string, flags RenameFlags, open OpenRefs) error {
	if err := validName(oldName); err != nil {
		return fail(OpRename, oldParent, oldName, err)
	}
	if err := validName(newName); err != nil {
		return fail(OpRename, newParent, newName, err)
	}
	if open == nil {
		open = NoOpenRefs
	}

	err := fs.update(ctx, func(t *txn) error {
		oldDir, err := t.getDir(oldParent)
		if err != nil {
			return err
		}
		newDir := oldDir
		if newParent != oldParent {
			if newDir, err = t.getDir(newParent); err != nil {
				return err
			}
		}
		if err := access(c, oldDir, MayWrite|MayExec); err != nil {
			return err
		}
		if err := access(c, newDir, MayWrite|MayExec); err != nil {
			return err
		}
		return t.rename(c, oldDir, oldName, newDir, newName, flags, open)
	})
	if err != nil {
		return fail(OpRename, oldParent, oldName, err)
	}
	fsLogger.Debug("Renamed %q in %d to %q in %d", oldName, oldParent, newName, newParent)
	return nil
}

// Link adds newName in newParent as a hard link to ino. Directories
// cannot be linked.
func (fs *FS) Link(ctx context.Context, c Caller, ino uint64, newParent uint64, newName string) (Attr, error) {
	if err := validName(newName); err != nil {
		return Attr{}, fail(OpLink, newParent, newName, err)
	}

	var out Attr
	err := fs.update(ctx, func(t *txn) error {
		in, err := t.getInode(ino)
		if err != nil {
			return err
		}
		if in.Kind == KindDirectory {
			return ErrInvalidArgument
		}
		dir, err := t.getDir(newParent)
		if err != nil {
			return err
		}
		if err := access(c, dir, MayWrite|MayExec); err != nil {
			return err
		}
		if err := t.link(in, dir, newName); err != nil {
			return err
		}
		out = fs.attr(in)
		return nil
	})
	if err != nil {
		return Attr{}, fail(OpLink, newParent, newName, err)
	}
	return out, nil
}

// Unlink removes the non-directory entry name from parent. The inode is
// destroyed with its last link unless open reports it open, in which case
// it lives on until Release.
func (fs *FS) Unlink(ctx context.Context, c Caller, parent uint64, name string, open OpenRefs) error {
	if err := validName(name); err != nil {
		return fail(OpUnlink, parent, name, err)
	}
	if open == nil {
		open = NoOpenRefs
	}

	err := fs.update(ctx, func(t *txn) error {
		dir, err := t.getDir(parent)
		if err != nil {
			return err
		}
		if err := access(c, dir, MayWrite|MayExec); err != nil {
			return err
		}
		return t.unlink(c, dir, name, open)
	})
	if err != nil {
		return fail(OpUnlink, parent, name, err)
	}
	fsLogger.Debug("Unlinked %q from %d", name, parent)
	return nil
}

// Rmdir removes the empty directory name from parent.
func (fs *FS) Rmdir(ctx context.Context, c Caller, parent uint64, name string, open OpenRefs) error {
	if name != "." && name != ".." {
		if err := validName(name); err != nil {
			return fail(OpRmdir, parent, name, err)
		}
	}
	if open == nil {
		open = NoOpenRefs
	}

	err := fs.update(ctx, func(t *txn) error {
		dir, err := t.getDir(parent)
		if err != nil {
			return err
		}
		if err := access(c, dir, MayWrite|MayExec); err != nil {
			return err
		}
		return t.rmdir(c, dir, name, open)
	})
	if err != nil {
		return fail(OpRmdir, parent, name, err)
	}
	fsLogger.Debug("Removed directory %q from %d", name, parent)
	return nil
}

// Readdir lists ino: ".", ".." and then its entries in name byte order.
func (fs *FS) Readdir(ctx context.Context, c Caller, ino uint64) ([]DirEntry, error) {
	var out []DirEntry
	err := fs.view(ctx, func(t *txn) error {
		out = out[:0]
		dir, err := t.getDir(ino)
		if err != nil {
			return err
		}
		if err := access(c, dir, MayRead); err != nil {
			return err
		}
		return t.listEntries(dir, func(e DirEntry) error {
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, fail(OpReaddir, ino, "", err)
	}
	return out, nil
}

// Getattr returns the attributes of ino.
func (fs *FS) Getattr(ctx context.Context, ino uint64) (Attr, error) {
	var out Attr
	err := fs.view(ctx, func(t *txn) error {
		in, err := t.getInode(ino)
		if err != nil {
			return err
		}
		out = fs.attr(in)
		return nil
	})
	if err != nil {
		return Attr{}, fail(OpGetattr, ino, "", err)
	}
	return out, nil
}

// Setattr changes the attributes selected in req. Only the owner (or the
// privileged caller) may change mode or set explicit times; only the
// privileged caller may give a file away. Any change updates ctime.
func (fs *FS) Setattr(ctx context.Context, c Caller, ino uint64, req SetAttr) (Attr, error) {
	var out Attr
	err := fs.update(ctx, func(t *txn) error {
		in, err := t.getInode(ino)
		if err != nil {
			return err
		}
		if err := t.setattr(c, in, req); err != nil {
			return err
		}
		out = fs.attr(in)
		return nil
	})
	if err != nil {
		return Attr{}, fail(OpSetattr, ino, "", err)
	}
	return out, nil
}

func (t *txn) setattr(c Caller, in *inode, req SetAttr) error {
	changed := false

	if req.Uid != nil || req.Gid != nil {
		uid, gid := in.Uid, in.Gid
		if req.Uid != nil {
			uid = *req.Uid
		}
		if req.Gid != nil {
			gid = *req.Gid
		}
		if !c.privileged() {
			if c.Uid != in.Uid || uid != in.Uid {
				return ErrPermissionDenied
			}
			if gid != in.Gid && !c.inGroup(gid) {
				return ErrPermissionDenied
			}
		}
		if in.Kind == KindFile && (uid != in.Uid || gid != in.Gid) {
			in.Mode &^= ModeSetuid | ModeSetgid
		}
		in.Uid, in.Gid = uid, gid
		changed = true
	}

	if req.Mode != nil {
		if !owns(c, in) {
			return ErrPermissionDenied
		}
		mode := *req.Mode & modeMask
		if !c.privileged() && in.Kind == KindFile && !c.inGroup(in.Gid) {
			mode &^= ModeSetgid
		}
		in.Mode = mode
		changed = true
	}

	if req.Size != nil {
		switch in.Kind {
		case KindDirectory:
			return ErrIsDir
		case KindSymlink:
			return ErrInvalidArgument
		}
		if !c.ViaHandle {
			if err := access(c, in, MayWrite); err != nil {
				return err
			}
		}
		if err := t.truncate(in, *req.Size); err != nil {
			return err
		}
		changed = true
	}

	if req.Atime != nil || req.Mtime != nil || req.AtimeNow || req.MtimeNow {
		explicit := (req.Atime != nil && !req.AtimeNow) || (req.Mtime != nil && !req.MtimeNow)
		if !owns(c, in) {
			if explicit {
				return ErrPermissionDenied
			}
			if err := access(c, in, MayWrite); err != nil {
				return err
			}
		}
		switch {
		case req.AtimeNow:
			in.Atime = t.stamp()
		case req.Atime != nil:
			in.Atime = req.Atime.UnixNano()
		}
		switch {
		case req.MtimeNow:
			in.Mtime = t.stamp()
		case req.Mtime != nil:
			in.Mtime = req.Mtime.UnixNano()
		}
		changed = true
	}

	if !changed {
		return nil
	}
	in.Ctime = t.stamp()
	return t.putInode(in)
}

// Getxattr returns the value of name on ino.
func (fs *FS) Getxattr(ctx context.Context, c Caller, ino uint64, name string) ([]byte, error) {
	if err := validXattrName(name); err != nil {
		return nil, fail(OpGetxattr, ino, name, err)
	}

	var out []byte
	err := fs.view(ctx, func(t *txn) error {
		in, err := t.getInode(ino)
		if err != nil {
			return err
		}
		if in.Kind != KindSymlink {
			if err := access(c, in, MayRead); err != nil {
				return err
			}
		}
		out, err = t.getXattr(ino, name)
		return err
	})
	if err != nil {
		return nil, fail(OpGetxattr, ino, name, err)
	}
	return out, nil
}

// Setxattr stores value under name on ino. The caller must own ino or
// have write access to it.
func (fs *FS) Setxattr(ctx context.Context, c Caller, ino uint64, name string, value []byte, flags XattrFlags) error {
	if err := validXattrName(name); err != nil {
		return fail(OpSetxattr, ino, name, err)
	}

	err := fs.update(ctx, func(t *txn) error {
		in, err := t.getInode(ino)
		if err != nil {
			return err
		}
		if !owns(c, in) {
			if err := access(c, in, MayWrite); err != nil {
				return err
			}
		}
		return t.setXattr(in, name, value, flags)
	})
	if err != nil {
		return fail(OpSetxattr, ino, name, err)
	}
	return nil
}

// Listxattr returns the attribute names of ino in byte order.
func (fs *FS) Listxattr(ctx context.Context, c Caller, ino uint64) ([]string, error) {
	var out []string
	err := fs.view(ctx, func(t *txn) error {
		out = out[:0]
		if _, err := t.getInode(ino); err != nil {
			return err
		}
		return t.listXattrs(ino, func(name string) error {
			out = append(out, name)
			return nil
		})
	})
	if err != nil {
		return nil, fail(OpListxattr, ino, "", err)
	}
	return out, nil
}

// Removexattr deletes name from ino.
func (fs *FS) Removexattr(ctx context.Context, c Caller, ino uint64, name string) error {
	if err := validXattrName(name); err != nil {
		return fail(OpRemovexattr, ino, name, err)
	}

	err := fs.update(ctx, func(t *txn) error {
		in, err := t.getInode(ino)
		if err != nil {
			return err
		}
		if !owns(c, in) {
			if err := access(c, in, MayWrite); err != nil {
				return err
			}
		}
		return t.removeXattr(in, name)
	})
	if err != nil {
		return fail(OpRemovexattr, ino, name, err)
	}
	return nil
}

// Readlink returns the target of a symbolic link.
func (fs *FS) Readlink(ctx context.Context, ino uint64) (string, error) {
	var out string
	err := fs.view(ctx, func(t *txn) error {
		in, err := t.getInode(ino)
		if err != nil {
			return err
		}
		if in.Kind != KindSymlink {
			return ErrInvalidArgument
		}
		out = in.Target
		return nil
	})
	if err != nil {
		return "", fail(OpReadlink, ino, "", err)
	}
	return out, nil
}

// Access checks mask (a combination of MayRead, MayWrite and MayExec)
// against ino for c. A zero mask only checks existence.
func (fs *FS) Access(ctx context.Context, c Caller, ino uint64, mask uint32) error {
	err := fs.view(ctx, func(t *txn) error {
		in, err := t.getInode(ino)
		if err != nil {
			return err
		}
		return access(c, in, mask&(MayRead|MayWrite|MayExec))
	})
	if err != nil {
		return fail(OpAccess, ino, "", err)
	}
	return nil
}

// Release is called when the last open handle on ino is closed. An
// inode that was unlinked while open is destroyed now.
func (fs *FS) Release(ctx context.Context, ino uint64) error {
	var destroyed bool
	err := fs.update(ctx, func(t *txn) error {
		var err error
		destroyed, err = t.releaseOrphan(ino)
		return err
	})
	if err != nil {
		return fail(OpRelease, ino, "", err)
	}
	if destroyed {
		fsLogger.Debug("Destroyed orphaned inode %d on release", ino)
	}
	return nil
}

// Statfs reports block and inode usage. Without a configured capacity
// the block counts only describe what is used.
func (fs *FS) Statfs(ctx context.Context) (StatFS, error) {
	st := StatFS{
		BlockSize: fs.sb.blockSize,
		NameMax:   MaxNameLen,
		Magic:     Magic,
		ID:        fs.sb.id,
	}
	err := fs.view(ctx, func(t *txn) error {
		used, err := t.tx.Count(nsData, nil)
		if err != nil {
			return err
		}
		files, err := t.tx.Count(nsInode, nil)
		if err != nil {
			return err
		}
		st.Files = uint64(files)
		st.FilesFree = math.MaxUint32 - min(uint64(files), math.MaxUint32)

		st.Blocks = uint64(used)
		st.BlocksFree = 0
		if total := fs.sb.diskSize / uint64(fs.sb.blockSize); total > 0 {
			st.Blocks = total
			st.BlocksFree = total - min(uint64(used), total)
		}
		return nil
	})
	if err != nil {
		return StatFS{}, fail(OpStatfs, RootIno, "", err)
	}
	return st, nil
}
