package dbfs

import (
	"errors"

	"dbfs/internal/kv"
)

func validXattrName(name string) error {
	switch {
	case name == "":
		return ErrInvalidArgument
	case len(name) > MaxXattrNameLen:
		return ErrNameTooLong
	}
	return nil
}

func (t *txn) getXattr(ino uint64, name string) ([]byte, error) {
	v, err := t.tx.Get(nsXattr, xattrKey(ino, name))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

// setXattr stores name on in. XattrCreate fails if the attribute exists;
// XattrReplace fails if it does not.
func (t *txn) setXattr(in *inode, name string, value []byte, flags XattrFlags) error {
	if flags&^(XattrCreate|XattrReplace) != 0 || flags == XattrCreate|XattrReplace {
		return ErrInvalidArgument
	}
	if len(value) > MaxXattrValueLen {
		return ErrInvalidArgument
	}
	if flags != 0 {
		_, err := t.getXattr(in.Ino, name)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if flags == XattrCreate && exists {
			return ErrAlreadyExists
		}
		if flags == XattrReplace && !exists {
			return ErrNotFound
		}
	}
	if err := t.tx.Put(nsXattr, xattrKey(in.Ino, name), value); err != nil {
		return err
	}
	in.Ctime = t.stamp()
	return t.putInode(in)
}

func (t *txn) removeXattr(in *inode, name string) error {
	removed, err := t.tx.Delete(nsXattr, xattrKey(in.Ino, name))
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotFound
	}
	in.Ctime = t.stamp()
	return t.putInode(in)
}

// listXattrs calls fn for each attribute name of ino in byte order.
func (t *txn) listXattrs(ino uint64, fn func(name string) error) error {
	prefix := inoKey(ino)
	c, err := t.tx.Scan(nsXattr, prefix)
	if err != nil {
		return err
	}
	defer c.Close()
	for c.Next() {
		if err := fn(string(c.Key()[len(prefix):])); err != nil {
			return err
		}
	}
	return c.Err()
}
