package dbfs

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"

	"dbfs/internal/kv"
)

// Magic identifies a store formatted by dbfs ("DBFS").
const Magic uint32 = 0x44424653

// DefaultBlockSize is used when formatting without an explicit size.
const DefaultBlockSize = 4096

// Namespaces of the persisted layout.
const (
	nsSuperblock = "superblock"
	nsInode      = "inode"
	nsDirent     = "dirent"
	nsData       = "data"
	nsXattr      = "xattr"
	nsOrphan     = "orphan"
)

var allNamespaces = []string{nsSuperblock, nsInode, nsDirent, nsData, nsXattr, nsOrphan}

// Superblock keys.
var (
	keyContinue = []byte("continue_number")
	keyMagic    = []byte("magic")
	keyBlkSize  = []byte("blk_size")
	keyDiskSize = []byte("disk_size")
	keyUUID     = []byte("uuid")
)

// superblock holds the mount-lifetime values read at mount. The inode
// counter is not cached here: it is read and incremented inside each
// allocating transaction.
type superblock struct {
	blockSize uint32
	diskSize  uint64
	id        uuid.UUID
}

func inoKey(ino uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), ino)
}

func inoFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[:8])
}

func direntKey(parent uint64, name string) []byte {
	return append(inoKey(parent), name...)
}

func blockKey(ino, index uint64) []byte {
	return binary.BigEndian.AppendUint64(inoKey(ino), index)
}

func xattrKey(ino uint64, name string) []byte {
	return append(inoKey(ino), name...)
}

func validBlockSize(bs uint32) bool {
	return bs >= 512 && bs <= 1<<20 && bs&(bs-1) == 0
}

// format initializes an empty store: namespaces, superblock keys and the
// root directory.
func (t *txn) format(blockSize uint32, diskSize uint64, root *inode) (*superblock, error) {
	if !validBlockSize(blockSize) {
		return nil, ErrInvalidArgument
	}
	for _, ns := range allNamespaces {
		if _, err := t.tx.CreateNamespaceIfAbsent(ns); err != nil {
			return nil, err
		}
	}

	sb := &superblock{blockSize: blockSize, diskSize: diskSize, id: uuid.New()}
	puts := []struct {
		key, value []byte
	}{
		{keyMagic, binary.BigEndian.AppendUint32(nil, Magic)},
		{keyBlkSize, binary.BigEndian.AppendUint32(nil, blockSize)},
		{keyDiskSize, binary.BigEndian.AppendUint64(nil, diskSize)},
		{keyUUID, sb.id[:]},
		{keyContinue, binary.BigEndian.AppendUint64(nil, RootIno+1)},
	}
	for _, p := range puts {
		if err := t.tx.Put(nsSuperblock, p.key, p.value); err != nil {
			return nil, err
		}
	}

	root.Ino = RootIno
	root.Kind = KindDirectory
	root.Nlink = 2
	root.Parent = RootIno
	root.Atime, root.Mtime, root.Ctime = t.stamp(), t.stamp(), t.stamp()
	if err := t.putInode(root); err != nil {
		return nil, err
	}
	t.sb = sb
	return sb, nil
}

// loadSuperblock reads and validates the superblock of a formatted store.
func (t *txn) loadSuperblock() (*superblock, error) {
	get := func(key []byte, size int) ([]byte, error) {
		v, err := t.tx.Get(nsSuperblock, key)
		if errors.Is(err, kv.ErrNotFound) {
			return nil, corruptf("superblock key %q missing", key)
		}
		if err != nil {
			return nil, err
		}
		if len(v) != size {
			return nil, corruptf("superblock key %q has %d bytes, want %d", key, len(v), size)
		}
		return v, nil
	}

	magic, err := get(keyMagic, 4)
	if err != nil {
		return nil, err
	}
	if m := binary.BigEndian.Uint32(magic); m != Magic {
		return nil, corruptf("bad magic %#x", m)
	}
	bs, err := get(keyBlkSize, 4)
	if err != nil {
		return nil, err
	}
	sb := &superblock{blockSize: binary.BigEndian.Uint32(bs)}
	if !validBlockSize(sb.blockSize) {
		return nil, corruptf("bad block size %d", sb.blockSize)
	}
	ds, err := get(keyDiskSize, 8)
	if err != nil {
		return nil, err
	}
	sb.diskSize = binary.BigEndian.Uint64(ds)
	if _, err := get(keyContinue, 8); err != nil {
		return nil, err
	}

	// A missing uuid key is tolerated and leaves the ID nil.
	id, err := t.tx.Get(nsSuperblock, keyUUID)
	switch {
	case err == nil && len(id) == 16:
		copy(sb.id[:], id)
	case err == nil:
		return nil, corruptf("superblock uuid has %d bytes", len(id))
	case !errors.Is(err, kv.ErrNotFound):
		return nil, err
	}

	t.sb = sb
	return sb, nil
}

// nextIno reads and advances the persisted inode counter.
func (t *txn) nextIno() (uint64, error) {
	v, err := t.tx.Get(nsSuperblock, keyContinue)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, corruptf("inode counter missing")
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, corruptf("inode counter has %d bytes", len(v))
	}
	ino := binary.BigEndian.Uint64(v)
	if ino <= RootIno {
		return 0, corruptf("inode counter %d", ino)
	}
	if ino == ^uint64(0) {
		return 0, ErrNoSpace
	}
	if err := t.tx.Put(nsSuperblock, keyContinue, binary.BigEndian.AppendUint64(nil, ino+1)); err != nil {
		return 0, err
	}
	return ino, nil
}
