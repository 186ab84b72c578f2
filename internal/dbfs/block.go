package dbfs

import (
	"bytes"
	"errors"
	"math"

	"github.com/zeebo/blake3"

	"dbfs/internal/kv"
)

// Each data record is the block payload followed by its BLAKE3 digest.
const digestSize = 32

// maxFileSize keeps every byte offset representable as an int64.
const maxFileSize = math.MaxInt64

func (t *txn) bs() uint64 {
	return uint64(t.sb.blockSize)
}

func (t *txn) sealBlock(payload []byte) []byte {
	sum := blake3.Sum256(payload)
	rec := make([]byte, 0, len(payload)+digestSize)
	rec = append(rec, payload...)
	return append(rec, sum[:]...)
}

func (t *txn) openBlock(ino, index uint64, rec []byte) ([]byte, error) {
	if uint64(len(rec)) != t.bs()+digestSize {
		return nil, corruptf("block %d of inode %d has %d bytes", index, ino, len(rec))
	}
	payload, digest := rec[:t.bs()], rec[t.bs():]
	sum := blake3.Sum256(payload)
	if !bytes.Equal(sum[:], digest) {
		return nil, corruptf("block %d of inode %d fails checksum", index, ino)
	}
	return payload, nil
}

// getBlock returns the payload of block index, or nil for a hole.
func (t *txn) getBlock(ino, index uint64) ([]byte, error) {
	rec, err := t.tx.Get(nsData, blockKey(ino, index))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t.openBlock(ino, index, rec)
}

func (t *txn) putBlock(ino, index uint64, payload []byte) error {
	return t.tx.Put(nsData, blockKey(ino, index), t.sealBlock(payload))
}

// readAt returns up to length bytes of in starting at off, clamped to the
// file size. Holes read as zeros.
func (t *txn) readAt(in *inode, off, length uint64) ([]byte, error) {
	if off >= in.Size || length == 0 {
		return []byte{}, nil
	}
	end := in.Size
	if length < end-off {
		end = off + length
	}
	buf := make([]byte, end-off)

	bs := t.bs()
	first, last := off/bs, (end-1)/bs
	c, err := t.tx.ScanRange(nsData, blockKey(in.Ino, first), blockKey(in.Ino, last+1))
	if err != nil {
		return nil, err
	}
	defer c.Close()
	for c.Next() {
		index := inoFromKey(c.Key()[8:])
		payload, err := t.openBlock(in.Ino, index, c.Value())
		if err != nil {
			return nil, err
		}
		blockStart := index * bs
		from := max(off, blockStart)
		to := min(end, blockStart+bs)
		copy(buf[from-off:to-off], payload[from-blockStart:to-blockStart])
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeAt stores data at off, extending the size if needed. Blocks that
// are only partly covered are read, patched and rewritten. Blocks between
// the old end of file and off are not created.
func (t *txn) writeAt(in *inode, off uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if off > maxFileSize || uint64(len(data)) > maxFileSize-off {
		return 0, ErrInvalidArgument
	}
	end := off + uint64(len(data))
	bs := t.bs()

	for index := off / bs; index <= (end-1)/bs; index++ {
		blockStart := index * bs
		from := max(off, blockStart)
		to := min(end, blockStart+bs)
		chunk := data[from-off : to-off]

		var payload []byte
		if uint64(len(chunk)) == bs {
			payload = chunk
		} else {
			payload = make([]byte, bs)
			old, err := t.getBlock(in.Ino, index)
			if err != nil {
				return 0, err
			}
			copy(payload, old)
			copy(payload[from-blockStart:], chunk)
		}
		if err := t.putBlock(in.Ino, index, payload); err != nil {
			return 0, err
		}
	}

	if end > in.Size {
		in.Size = end
	}
	in.Mtime = t.stamp()
	in.Ctime = t.stamp()
	return len(data), nil
}

// truncate sets the size of in. Shrinking drops whole blocks past the new
// end and zeroes the tail of a straddling block so a later extension reads
// zeros. Growing only changes the size.
func (t *txn) truncate(in *inode, size uint64) error {
	if size > maxFileSize {
		return ErrInvalidArgument
	}
	if size < in.Size {
		bs := t.bs()
		keep := (size + bs - 1) / bs
		if _, err := t.tx.DeleteRange(nsData, blockKey(in.Ino, keep), inoKey(in.Ino+1)); err != nil {
			return err
		}
		if tail := size % bs; tail != 0 {
			payload, err := t.getBlock(in.Ino, keep-1)
			if err != nil {
				return err
			}
			if payload != nil {
				clear(payload[tail:])
				if err := t.putBlock(in.Ino, keep-1, payload); err != nil {
					return err
				}
			}
		}
	}
	in.Size = size
	in.Mtime = t.stamp()
	in.Ctime = t.stamp()
	return nil
}
