package dbfs

import (
	"errors"
	"strings"

	"dbfs/internal/codec"
	"dbfs/internal/kv"
)

// maxDepth bounds ancestor walks so a corrupted parent chain cannot loop.
const maxDepth = 1 << 16

func validName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return ErrInvalidArgument
	case len(name) > MaxNameLen:
		return ErrNameTooLong
	case strings.ContainsAny(name, "/\x00"):
		return ErrInvalidArgument
	}
	return nil
}

// insertEntry adds name to parent. The name must be free.
func (t *txn) insertEntry(parent uint64, name string, child uint64, kind Kind) error {
	key := direntKey(parent, name)
	if _, err := t.tx.Get(nsDirent, key); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	return t.putEntry(parent, name, child, kind)
}

// putEntry writes name in parent, replacing any existing entry.
func (t *txn) putEntry(parent uint64, name string, child uint64, kind Kind) error {
	raw, err := codec.Marshal(dirent{Ino: child, Kind: kind})
	if err != nil {
		return err
	}
	return t.tx.Put(nsDirent, direntKey(parent, name), raw)
}

func (t *txn) lookupEntry(parent uint64, name string) (dirent, error) {
	raw, err := t.tx.Get(nsDirent, direntKey(parent, name))
	if errors.Is(err, kv.ErrNotFound) {
		return dirent{}, ErrNotFound
	}
	if err != nil {
		return dirent{}, err
	}
	return decodeDirent(parent, name, raw)
}

func decodeDirent(parent uint64, name string, raw []byte) (dirent, error) {
	var d dirent
	if err := codec.Unmarshal(raw, &d); err != nil {
		return dirent{}, corruptf("entry %q in %d: %v", name, parent, err)
	}
	if d.Ino == 0 || !d.Kind.valid() {
		return dirent{}, corruptf("entry %q in %d: bad target %d/%d", name, parent, d.Ino, d.Kind)
	}
	return d, nil
}

func (t *txn) removeEntry(parent uint64, name string) error {
	removed, err := t.tx.Delete(nsDirent, direntKey(parent, name))
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}

// listEntries calls fn for ".", ".." and then every stored entry of dir
// in name order. Entries are pulled from the store lazily; returning an
// error from fn stops the walk.
func (t *txn) listEntries(dir *inode, fn func(DirEntry) error) error {
	if err := fn(DirEntry{Name: ".", Ino: dir.Ino, Kind: KindDirectory}); err != nil {
		return err
	}
	if err := fn(DirEntry{Name: "..", Ino: dir.Parent, Kind: KindDirectory}); err != nil {
		return err
	}

	prefix := inoKey(dir.Ino)
	c, err := t.tx.Scan(nsDirent, prefix)
	if err != nil {
		return err
	}
	defer c.Close()
	for c.Next() {
		name := string(c.Key()[len(prefix):])
		d, err := decodeDirent(dir.Ino, name, c.Value())
		if err != nil {
			return err
		}
		if err := fn(DirEntry{Name: name, Ino: d.Ino, Kind: d.Kind}); err != nil {
			return err
		}
	}
	return c.Err()
}

// isEmpty reports whether dir has no stored entries.
func (t *txn) isEmpty(dir uint64) (bool, error) {
	n, err := t.tx.Count(nsDirent, inoKey(dir))
	return n == 0, err
}

// isAncestor reports whether ino is start or one of start's ancestors.
func (t *txn) isAncestor(ino, start uint64) (bool, error) {
	cur := start
	for depth := 0; depth < maxDepth; depth++ {
		if cur == ino {
			return true, nil
		}
		if cur == RootIno {
			return false, nil
		}
		dir, err := t.getInode(cur)
		if errors.Is(err, ErrNotFound) {
			return false, corruptf("directory %d has dangling parent", cur)
		}
		if err != nil {
			return false, err
		}
		cur = dir.Parent
	}
	return false, corruptf("parent chain of %d exceeds %d levels", start, maxDepth)
}

// rename moves oldName in oldDir to newName in newDir in the current
// transaction. oldDir and newDir may be the same object.
func (t *txn) rename(c Caller, oldDir *inode, oldName string, newDir *inode, newName string, flags RenameFlags, open OpenRefs) error {
	if flags&^(RenameNoReplace|RenameExchange) != 0 || flags == RenameNoReplace|RenameExchange {
		return ErrInvalidArgument
	}
	sameDir := oldDir.Ino == newDir.Ino

	srcEnt, err := t.lookupEntry(oldDir.Ino, oldName)
	if err != nil {
		return err
	}
	if sameDir && oldName == newName {
		return nil
	}
	src, err := t.getInode(srcEnt.Ino)
	if err != nil {
		return err
	}
	if stickyDenied(c, oldDir, src) {
		return ErrPermissionDenied
	}
	if src.Kind == KindDirectory && !sameDir {
		// Moving a directory rewrites its "..".
		if err := access(c, src, MayWrite); err != nil {
			return err
		}
		cycle, err := t.isAncestor(src.Ino, newDir.Ino)
		if err != nil {
			return err
		}
		if cycle {
			return ErrInvalidArgument
		}
	}

	var dst *inode
	dstEnt, err := t.lookupEntry(newDir.Ino, newName)
	switch {
	case err == nil:
		if flags&RenameNoReplace != 0 {
			return ErrAlreadyExists
		}
		if dstEnt.Ino == src.Ino {
			// Both names already refer to the same inode.
			return nil
		}
		if dst, err = t.getInode(dstEnt.Ino); err != nil {
			return err
		}
		if stickyDenied(c, newDir, dst) {
			return ErrPermissionDenied
		}
	case errors.Is(err, ErrNotFound):
		if flags&RenameExchange != 0 {
			return ErrNotFound
		}
	default:
		return err
	}

	if flags&RenameExchange != 0 {
		return t.exchange(c, oldDir, oldName, src, newDir, newName, dst)
	}

	if dst != nil {
		switch {
		case src.Kind == KindDirectory && dst.Kind != KindDirectory:
			return ErrNotDir
		case src.Kind != KindDirectory && dst.Kind == KindDirectory:
			return ErrIsDir
		case dst.Kind == KindDirectory:
			empty, err := t.isEmpty(dst.Ino)
			if err != nil {
				return err
			}
			if !empty {
				return ErrNotEmpty
			}
		}
	}

	if err := t.removeEntry(oldDir.Ino, oldName); err != nil {
		return err
	}
	if dst != nil {
		if err := t.removeEntry(newDir.Ino, newName); err != nil {
			return err
		}
		if err := t.dropLink(newDir, dst, open); err != nil {
			return err
		}
	}
	if err := t.insertEntry(newDir.Ino, newName, src.Ino, src.Kind); err != nil {
		return err
	}

	if src.Kind == KindDirectory && !sameDir {
		src.Parent = newDir.Ino
		oldDir.Nlink--
		newDir.Nlink++
	}
	src.Ctime = t.stamp()
	if err := t.putInode(src); err != nil {
		return err
	}
	return t.putDirs(oldDir, newDir)
}

// exchange atomically swaps two existing entries.
func (t *txn) exchange(c Caller, oldDir *inode, oldName string, src *inode, newDir *inode, newName string, dst *inode) error {
	sameDir := oldDir.Ino == newDir.Ino
	if dst.Kind == KindDirectory && !sameDir {
		if err := access(c, dst, MayWrite); err != nil {
			return err
		}
		cycle, err := t.isAncestor(dst.Ino, oldDir.Ino)
		if err != nil {
			return err
		}
		if cycle {
			return ErrInvalidArgument
		}
	}

	if err := t.putEntry(oldDir.Ino, oldName, dst.Ino, dst.Kind); err != nil {
		return err
	}
	if err := t.putEntry(newDir.Ino, newName, src.Ino, src.Kind); err != nil {
		return err
	}

	if !sameDir {
		if src.Kind == KindDirectory {
			src.Parent = newDir.Ino
			oldDir.Nlink--
			newDir.Nlink++
		}
		if dst.Kind == KindDirectory {
			dst.Parent = oldDir.Ino
			newDir.Nlink--
			oldDir.Nlink++
		}
	}
	src.Ctime = t.stamp()
	dst.Ctime = t.stamp()
	if err := t.putInode(src); err != nil {
		return err
	}
	if err := t.putInode(dst); err != nil {
		return err
	}
	return t.putDirs(oldDir, newDir)
}

// putDirs stamps and writes the parent directories of a rename.
func (t *txn) putDirs(oldDir, newDir *inode) error {
	t.touch(oldDir)
	if err := t.putInode(oldDir); err != nil {
		return err
	}
	if newDir.Ino == oldDir.Ino {
		return nil
	}
	t.touch(newDir)
	return t.putInode(newDir)
}
