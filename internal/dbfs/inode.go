package dbfs

import (
	"errors"

	"dbfs/internal/codec"
	"dbfs/internal/kv"
)

// stamp returns the transaction's timestamp in stored form.
func (t *txn) stamp() int64 {
	return t.now.UnixNano()
}

// allocate assigns the next inode number to in, stamps all three times
// and writes the record. in.Kind, Mode, owner and Nlink are set by the
// caller.
func (t *txn) allocate(in *inode) error {
	ino, err := t.nextIno()
	if err != nil {
		return err
	}
	in.Ino = ino
	in.Mode &= modeMask
	in.Atime, in.Mtime, in.Ctime = t.stamp(), t.stamp(), t.stamp()
	return t.putInode(in)
}

func (t *txn) getInode(ino uint64) (*inode, error) {
	raw, err := t.tx.Get(nsInode, inoKey(ino))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeInode(ino, raw)
}

func decodeInode(ino uint64, raw []byte) (*inode, error) {
	var in inode
	if err := codec.Unmarshal(raw, &in); err != nil {
		return nil, corruptf("inode %d: %v", ino, err)
	}
	if !in.Kind.valid() {
		return nil, corruptf("inode %d: unknown kind %d", ino, in.Kind)
	}
	if in.Kind == KindDirectory && in.Parent == 0 {
		return nil, corruptf("inode %d: directory without parent", ino)
	}
	in.Ino = ino
	return &in, nil
}

// getDir fetches ino and requires it to be a directory.
func (t *txn) getDir(ino uint64) (*inode, error) {
	in, err := t.getInode(ino)
	if err != nil {
		return nil, err
	}
	if in.Kind != KindDirectory {
		return nil, ErrNotDir
	}
	return in, nil
}

func (t *txn) putInode(in *inode) error {
	raw, err := codec.Marshal(in)
	if err != nil {
		return err
	}
	return t.tx.Put(nsInode, inoKey(in.Ino), raw)
}

// deleteInode removes the record. It refuses while the inode is linked.
func (t *txn) deleteInode(ino uint64) error {
	in, err := t.getInode(ino)
	if err != nil {
		return err
	}
	if in.Nlink != 0 {
		return ErrInvalidState
	}
	_, err = t.tx.Delete(nsInode, inoKey(ino))
	return err
}

// touch sets the modify and change times of a directory whose entries
// changed.
func (t *txn) touch(dir *inode) {
	dir.Mtime = t.stamp()
	dir.Ctime = t.stamp()
}

func (fs *FS) attr(in *inode) Attr {
	return Attr{
		Ino:       in.Ino,
		Kind:      in.Kind,
		Mode:      in.Mode,
		Uid:       in.Uid,
		Gid:       in.Gid,
		Size:      in.Size,
		Nlink:     in.Nlink,
		Atime:     unixTime(in.Atime),
		Mtime:     unixTime(in.Mtime),
		Ctime:     unixTime(in.Ctime),
		BlockSize: fs.sb.blockSize,
		Blocks:    (in.Size + 511) / 512,
	}
}
