package dbfs

import (
	"errors"
)

// link adds newName in dir as another hard link to in.
func (t *txn) link(in *inode, dir *inode, newName string) error {
	if in.Kind == KindDirectory {
		return ErrInvalidArgument
	}
	// An unlinked inode kept alive by open handles cannot be named again.
	if in.Nlink == 0 {
		return ErrNotFound
	}
	if in.Nlink >= MaxLinks {
		return ErrInvalidArgument
	}
	if err := t.insertEntry(dir.Ino, newName, in.Ino, in.Kind); err != nil {
		return err
	}
	in.Nlink++
	in.Ctime = t.stamp()
	if err := t.putInode(in); err != nil {
		return err
	}
	t.touch(dir)
	return t.putInode(dir)
}

// unlink removes a non-directory entry from dir.
func (t *txn) unlink(c Caller, dir *inode, name string, open OpenRefs) error {
	ent, err := t.lookupEntry(dir.Ino, name)
	if err != nil {
		return err
	}
	in, err := t.getInode(ent.Ino)
	if err != nil {
		return err
	}
	if in.Kind == KindDirectory {
		return ErrIsDir
	}
	if stickyDenied(c, dir, in) {
		return ErrPermissionDenied
	}
	if err := t.removeEntry(dir.Ino, name); err != nil {
		return err
	}
	if err := t.dropLink(dir, in, open); err != nil {
		return err
	}
	t.touch(dir)
	return t.putInode(dir)
}

// rmdir removes an empty directory entry from dir.
func (t *txn) rmdir(c Caller, dir *inode, name string, open OpenRefs) error {
	switch name {
	case ".":
		return ErrInvalidArgument
	case "..":
		return ErrNotEmpty
	}
	ent, err := t.lookupEntry(dir.Ino, name)
	if err != nil {
		return err
	}
	child, err := t.getInode(ent.Ino)
	if err != nil {
		return err
	}
	if child.Kind != KindDirectory {
		return ErrNotDir
	}
	empty, err := t.isEmpty(child.Ino)
	if err != nil {
		return err
	}
	if !empty {
		return ErrNotEmpty
	}
	if stickyDenied(c, dir, child) {
		return ErrPermissionDenied
	}
	if err := t.removeEntry(dir.Ino, name); err != nil {
		return err
	}
	if err := t.dropLink(dir, child, open); err != nil {
		return err
	}
	t.touch(dir)
	return t.putInode(dir)
}

// dropLink accounts for one directory entry of in, held by dir, having
// been removed. A directory loses both its entry and its "." link, and
// dir loses the child's "..". dir is modified but not written. When nlink
// reaches zero the inode is destroyed, or marked orphaned if open.
func (t *txn) dropLink(dir *inode, in *inode, open OpenRefs) error {
	if in.Kind == KindDirectory {
		in.Nlink = 0
		if dir.Nlink > 0 {
			dir.Nlink--
		}
	} else if in.Nlink > 0 {
		in.Nlink--
	}
	in.Ctime = t.stamp()

	if in.Nlink > 0 {
		return t.putInode(in)
	}
	if open.IsOpen(in.Ino) {
		fsLogger.Debug("Inode %d unlinked while open, marking orphaned", in.Ino)
		if err := t.putInode(in); err != nil {
			return err
		}
		return t.tx.Put(nsOrphan, inoKey(in.Ino), nil)
	}
	if err := t.putInode(in); err != nil {
		return err
	}
	return t.destroy(in.Ino)
}

// destroy deletes an unlinked inode with all of its blocks and xattrs.
func (t *txn) destroy(ino uint64) error {
	if err := t.deleteInode(ino); err != nil {
		return err
	}
	prefix := inoKey(ino)
	if _, err := t.tx.DeletePrefix(nsData, prefix); err != nil {
		return err
	}
	if _, err := t.tx.DeletePrefix(nsXattr, prefix); err != nil {
		return err
	}
	if _, err := t.tx.Delete(nsOrphan, prefix); err != nil {
		return err
	}
	fsLogger.Trace("Destroyed inode %d", ino)
	return nil
}

// reapOrphans destroys every inode with nlink 0. Open handles do not
// survive a restart, so at mount all such inodes are unreachable.
func (t *txn) reapOrphans() (int, error) {
	var dead []uint64

	c, err := t.tx.Scan(nsInode, nil)
	if err != nil {
		return 0, err
	}
	for c.Next() {
		if len(c.Key()) != 8 {
			c.Close()
			return 0, corruptf("inode key of %d bytes", len(c.Key()))
		}
		ino := inoFromKey(c.Key())
		in, err := decodeInode(ino, c.Value())
		if err != nil {
			c.Close()
			return 0, err
		}
		if in.Nlink == 0 {
			dead = append(dead, ino)
		}
	}
	if err := c.Err(); err != nil {
		return 0, err
	}

	for _, ino := range dead {
		if err := t.destroy(ino); err != nil {
			return 0, err
		}
	}

	// Markers whose inode is already gone.
	stale, err := t.tx.DeletePrefix(nsOrphan, nil)
	if err != nil {
		return 0, err
	}
	if stale > 0 {
		fsLogger.Debug("Cleared %d stale orphan markers", stale)
	}
	return len(dead), nil
}

// releaseOrphan destroys ino if it is unlinked. Used when the last open
// handle closes.
func (t *txn) releaseOrphan(ino uint64) (bool, error) {
	in, err := t.getInode(ino)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if in.Nlink != 0 {
		return false, nil
	}
	return true, t.destroy(ino)
}
